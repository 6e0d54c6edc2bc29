package api

import (
	"errors"
	"net/http"

	"github.com/VenkatGGG/runner-fleet/internal/fleet"
	"github.com/VenkatGGG/runner-fleet/internal/lease"
	"github.com/VenkatGGG/runner-fleet/internal/node"
	"github.com/VenkatGGG/runner-fleet/internal/provider"
	"github.com/VenkatGGG/runner-fleet/pkg/httpx"
)

func writeFleetError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, fleet.ErrNodeNotFound):
		httpx.WriteError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, fleet.ErrNoDeployment):
		httpx.WriteError(w, http.StatusConflict, "no_deployment", err.Error())
	case errors.Is(err, fleet.ErrStateConflict), errors.Is(err, node.ErrIllegalTransition):
		httpx.WriteError(w, http.StatusConflict, "state_conflict", err.Error())
	case errors.Is(err, lease.ErrNotAcquired):
		httpx.WriteError(w, http.StatusServiceUnavailable, "busy", err.Error())
	case errors.Is(err, node.ErrInvalidConfig):
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case provider.IsKind(err, provider.ErrorVerification):
		httpx.WriteError(w, http.StatusUnprocessableEntity, "verification_failed", err.Error())
	case provider.IsKind(err, provider.ErrorConfiguration):
		httpx.WriteError(w, http.StatusServiceUnavailable, "provider_not_configured", err.Error())
	default:
		httpx.WriteError(w, http.StatusInternalServerError, "fleet_error", err.Error())
	}
}
