package handlers

import (
	"net/http"

	"github.com/releaseplane/engine/internal/api/middleware"
	"github.com/releaseplane/engine/internal/api/types"
	"github.com/releaseplane/engine/internal/services"
)

// TargetsHandler serves release targets and their manual actions.
type TargetsHandler struct {
	svc services.TargetService
}

func NewTargetsHandler(svc services.TargetService) *TargetsHandler {
	return &TargetsHandler{svc: svc}
}

func (h *TargetsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	rt, err := h.svc.GetTarget(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, rt)
}

func (h *TargetsHandler) Releases(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	releases, err := h.svc.Releases(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeList(w, r, releases)
}

func (h *TargetsHandler) Lock(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req types.LockRequest
	if !decode(w, r, &req) {
		return
	}
	l, err := h.svc.Lock(r.Context(), id, actor(r, req.LockedBy))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, l)
}

func (h *TargetsHandler) Unlock(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req types.LockRequest
	if !decode(w, r, &req) {
		return
	}
	l, err := h.svc.Unlock(r.Context(), id, actor(r, req.LockedBy))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, l)
}

func (h *TargetsHandler) Redeploy(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	job, err := h.svc.Redeploy(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, job)
}

func (h *TargetsHandler) Pin(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req types.PinRequest
	if !decodeValid(w, r, &req) {
		return
	}
	rt, err := h.svc.Pin(r.Context(), id, req.VersionID, req.VersionTag)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, rt)
}

func (h *TargetsHandler) Unpin(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	rt, err := h.svc.Unpin(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, rt)
}

// actor names the caller: the token subject, then the body, then anonymous.
func actor(r *http.Request, fallback string) string {
	if ident, ok := middleware.GetIdentity(r.Context()); ok {
		return ident.Subject
	}
	if fallback != "" {
		return fallback
	}
	return "anonymous"
}
