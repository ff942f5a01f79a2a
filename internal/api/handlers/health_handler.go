package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/releaseplane/engine/internal/api/types"
	appErr "github.com/releaseplane/engine/pkg/errors"
)

// Check reports whether one dependency is reachable.
type Check func(ctx context.Context) error

type HealthHandler struct {
	checks map[string]Check
}

func NewHealthHandler(checks map[string]Check) *HealthHandler {
	return &HealthHandler{checks: checks}
}

func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: map[string]string{"status": "ok"}})
}

func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]string{}
	ready := true
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			status[name] = err.Error()
			ready = false
			continue
		}
		status[name] = "ok"
	}
	if !ready {
		writeJSON(w, http.StatusServiceUnavailable, types.APIResponse{
			Success: false,
			Data:    status,
			Error:   &types.APIError{Code: string(appErr.CodeUnavailable), Message: "not ready"},
		})
		return
	}
	status["status"] = "ready"
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: status})
}
