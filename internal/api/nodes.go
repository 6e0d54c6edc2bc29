package api

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/VenkatGGG/runner-fleet/internal/fleet"
	"github.com/VenkatGGG/runner-fleet/internal/node"
	"github.com/VenkatGGG/runner-fleet/pkg/httpx"
)

type ensureNodeRequest struct {
	RoutingID string `json:"routing_id"`
	CPUMilli  int    `json:"cpu_milli,omitempty"`
	MemoryMB  int    `json:"memory_mb,omitempty"`
	StorageMB int    `json:"storage_mb,omitempty"`
}

type registerNodeRequest struct {
	URL string `json:"url"`
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := fleet.ListFilter{RoutingID: strings.TrimSpace(query.Get("routing_id"))}

	if raw := strings.TrimSpace(query.Get("state")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			state, err := node.ParseState(part)
			if err != nil {
				httpx.WriteError(w, http.StatusBadRequest, "invalid_state", err.Error())
				return
			}
			filter.States = append(filter.States, state)
		}
	}
	if raw := strings.TrimSpace(query.Get("deployment_id")); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			httpx.WriteError(w, http.StatusBadRequest, "invalid_deployment_id", "deployment_id must be a positive integer")
			return
		}
		filter.DeploymentID = id
	}

	nodes, err := s.store.ListNodes(r.Context(), filter)
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "list_failed", err.Error())
		return
	}
	if nodes == nil {
		nodes = []node.Node{}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"nodes": nodes})
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	id, ok := nodeIDParam(w, r)
	if !ok {
		return
	}
	found, err := s.store.GetNode(r.Context(), id)
	if err != nil {
		writeFleetError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, found)
}

func (s *Server) handleEnsureNode(w http.ResponseWriter, r *http.Request) {
	s.withIdempotency(w, r, "nodes:ensure", func(w http.ResponseWriter, body []byte) {
		var req ensureNodeRequest
		if err := httpx.DecodeStrict(body, &req); err != nil {
			httpx.WriteError(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON: "+err.Error())
			return
		}
		req.RoutingID = strings.TrimSpace(req.RoutingID)
		if req.RoutingID == "" {
			httpx.WriteError(w, http.StatusBadRequest, "invalid_routing_id", "routing_id is required")
			return
		}
		if req.CPUMilli < 0 || req.MemoryMB < 0 || req.StorageMB < 0 {
			httpx.WriteError(w, http.StatusBadRequest, "invalid_sizing", "cpu_milli, memory_mb and storage_mb must not be negative")
			return
		}

		ensured, err := s.fleet.EnsureNode(r.Context(), req.RoutingID, node.Config{
			CPUMilli:  req.CPUMilli,
			MemoryMB:  req.MemoryMB,
			StorageMB: req.StorageMB,
		})
		if err != nil {
			writeFleetError(w, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, ensured)
	})
}

func (s *Server) handleRegisterNode(w http.ResponseWriter, r *http.Request) {
	id, ok := nodeIDParam(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_body", "failed to read request body")
		return
	}
	var req registerNodeRequest
	if err := httpx.DecodeStrict(body, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON: "+err.Error())
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_url", "url is required")
		return
	}

	registered, err := s.fleet.Register(r.Context(), id, req.URL)
	if err != nil {
		writeFleetError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, registered)
}

func (s *Server) handleFinishNode(w http.ResponseWriter, r *http.Request) {
	id, ok := nodeIDParam(w, r)
	if !ok {
		return
	}
	finished, err := s.fleet.Finish(r.Context(), id)
	if err != nil {
		writeFleetError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, finished)
}

func nodeIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(chi.URLParam(r, "id")), 10, 64)
	if err != nil || id <= 0 {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_node_id", "node id must be a positive integer")
		return 0, false
	}
	return id, true
}
