package handlers

import (
	"net/http"

	"github.com/releaseplane/engine/internal/models"
	"github.com/releaseplane/engine/internal/services"
)

type SystemsHandler struct {
	svc services.SystemService
}

func NewSystemsHandler(svc services.SystemService) *SystemsHandler {
	return &SystemsHandler{svc: svc}
}

func (h *SystemsHandler) CreateSystem(w http.ResponseWriter, r *http.Request) {
	var sys models.System
	if !decode(w, r, &sys) {
		return
	}
	out, created, err := h.svc.CreateSystem(r.Context(), &sys)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeUpsert(w, r, out, created)
}

func (h *SystemsHandler) GetSystem(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	sys, err := h.svc.GetSystem(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, sys)
}

func (h *SystemsHandler) CreateEnvironment(w http.ResponseWriter, r *http.Request) {
	var env models.Environment
	if !decode(w, r, &env) {
		return
	}
	out, created, err := h.svc.CreateEnvironment(r.Context(), &env)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeUpsert(w, r, out, created)
}

func (h *SystemsHandler) GetEnvironment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	env, err := h.svc.GetEnvironment(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, env)
}

func (h *SystemsHandler) DeleteEnvironment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.svc.DeleteEnvironment(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]string{"id": id.String()})
}
