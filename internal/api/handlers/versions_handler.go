package handlers

import (
	"net/http"

	"github.com/releaseplane/engine/internal/api/middleware"
	"github.com/releaseplane/engine/internal/api/types"
	"github.com/releaseplane/engine/internal/models"
	"github.com/releaseplane/engine/internal/services"
)

type VersionsHandler struct {
	svc      services.VersionService
	policies services.PolicyService
}

func NewVersionsHandler(svc services.VersionService, policies services.PolicyService) *VersionsHandler {
	return &VersionsHandler{svc: svc, policies: policies}
}

func (h *VersionsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var v models.DeploymentVersion
	if !decode(w, r, &v) {
		return
	}
	out, created, err := h.svc.CreateVersion(r.Context(), &v)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeUpsert(w, r, out, created)
}

func (h *VersionsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	v, err := h.svc.GetVersion(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, v)
}

func (h *VersionsHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var patch services.VersionPatch
	if !decode(w, r, &patch) {
		return
	}
	v, err := h.svc.UpdateVersion(r.Context(), id, &patch)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, v)
}

func (h *VersionsHandler) Rollout(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	envID, ok := pathID(w, r, "envId")
	if !ok {
		return
	}
	entries, err := h.svc.Rollout(r.Context(), id, envID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeList(w, r, entries)
}

func (h *VersionsHandler) Approve(w http.ResponseWriter, r *http.Request) {
	h.record(w, r, models.ApprovalApproved)
}

func (h *VersionsHandler) Reject(w http.ResponseWriter, r *http.Request) {
	h.record(w, r, models.ApprovalRejected)
}

// record stores the caller's decision. The authenticated subject wins over a
// userId in the body.
func (h *VersionsHandler) record(w http.ResponseWriter, r *http.Request, status models.ApprovalStatus) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	envID, ok := pathID(w, r, "envId")
	if !ok {
		return
	}
	var req types.ApprovalRequest
	if !decodeValid(w, r, &req) {
		return
	}
	input := &services.ApprovalInput{
		VersionID:     id,
		EnvironmentID: envID,
		UserID:        req.UserID,
		Roles:         req.Roles,
		Status:        status,
		Reason:        req.Reason,
	}
	if ident, ok := middleware.GetIdentity(r.Context()); ok {
		input.UserID = ident.Subject
		input.Roles = ident.Roles
	}
	if input.UserID == "" {
		input.UserID = "anonymous"
	}
	a, err := h.policies.RecordApproval(r.Context(), input)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, a)
}
