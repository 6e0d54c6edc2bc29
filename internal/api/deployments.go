package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/VenkatGGG/runner-fleet/internal/fleet"
	"github.com/VenkatGGG/runner-fleet/pkg/httpx"
)

type rolloutRequest struct {
	Image string `json:"image"`
}

func (s *Server) handleRollout(w http.ResponseWriter, r *http.Request) {
	s.withIdempotency(w, r, "deployments:create", func(w http.ResponseWriter, body []byte) {
		var req rolloutRequest
		if err := httpx.DecodeStrict(body, &req); err != nil {
			httpx.WriteError(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON: "+err.Error())
			return
		}
		req.Image = strings.TrimSpace(req.Image)
		if req.Image == "" {
			httpx.WriteError(w, http.StatusBadRequest, "invalid_image", "image is required")
			return
		}

		created, err := s.fleet.Rollout(r.Context(), req.Image)
		if err != nil {
			writeFleetError(w, err)
			return
		}
		httpx.WriteJSON(w, http.StatusCreated, created)
	})
}

func (s *Server) handleActiveDeployment(w http.ResponseWriter, r *http.Request) {
	active, err := s.store.ActiveDeployment(r.Context())
	if err != nil {
		if errors.Is(err, fleet.ErrNoDeployment) {
			httpx.WriteError(w, http.StatusNotFound, "no_deployment", err.Error())
			return
		}
		httpx.WriteError(w, http.StatusInternalServerError, "deployment_failed", err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, active)
}
