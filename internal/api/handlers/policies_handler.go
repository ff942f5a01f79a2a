package handlers

import (
	"net/http"

	"github.com/releaseplane/engine/internal/services"
)

type PoliciesHandler struct {
	svc services.PolicyService
}

func NewPoliciesHandler(svc services.PolicyService) *PoliciesHandler {
	return &PoliciesHandler{svc: svc}
}

func (h *PoliciesHandler) Create(w http.ResponseWriter, r *http.Request) {
	var in services.PolicyInput
	if !decode(w, r, &in) {
		return
	}
	p, err := h.svc.CreatePolicy(r.Context(), &in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusCreated, p)
}

func (h *PoliciesHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	p, err := h.svc.GetPolicy(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, p)
}

func (h *PoliciesHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var patch services.PolicyPatch
	if !decode(w, r, &patch) {
		return
	}
	p, err := h.svc.UpdatePolicy(r.Context(), id, &patch)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, p)
}

func (h *PoliciesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.svc.DeletePolicy(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]string{"id": id.String()})
}

func (h *PoliciesHandler) ReleaseTargets(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	targets, err := h.svc.ReleaseTargets(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeList(w, r, targets)
}
