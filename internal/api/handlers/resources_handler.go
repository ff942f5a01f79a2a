package handlers

import (
	"net/http"

	"github.com/releaseplane/engine/internal/api/types"
	"github.com/releaseplane/engine/internal/models"
	"github.com/releaseplane/engine/internal/services"
)

type ResourcesHandler struct {
	svc services.ResourceService
}

func NewResourcesHandler(svc services.ResourceService) *ResourcesHandler {
	return &ResourcesHandler{svc: svc}
}

func (h *ResourcesHandler) Create(w http.ResponseWriter, r *http.Request) {
	var res models.Resource
	if !decode(w, r, &res) {
		return
	}
	out, created, err := h.svc.CreateResource(r.Context(), &res)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeUpsert(w, r, out, created)
}

func (h *ResourcesHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	res, err := h.svc.GetResource(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, res)
}

func (h *ResourcesHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var patch services.ResourcePatch
	if !decode(w, r, &patch) {
		return
	}
	res, err := h.svc.UpdateResource(r.Context(), id, &patch)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, res)
}

func (h *ResourcesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.svc.DeleteResource(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]string{"id": id.String()})
}

func (h *ResourcesHandler) ReleaseTargets(w http.ResponseWriter, r *http.Request) {
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

// SetProvider replaces the provider's resource set.
func (h *ResourcesHandler) SetProvider(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req types.ProviderSetRequest
	if !decodeValid(w, r, &req) {
		return
	}
	provider := &models.ResourceProvider{WorkspaceID: req.WorkspaceID, Name: req.Name}
	provider.ID = id
	out, err := h.svc.SetProviderResources(r.Context(), provider, req.Resources)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, out)
}

func (h *ResourcesHandler) CreateRelationshipRule(w http.ResponseWriter, r *http.Request) {
	var rule models.ResourceRelationshipRule
	if !decode(w, r, &rule) {
		return
	}
	out, created, err := h.svc.CreateRelationshipRule(r.Context(), &rule)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeUpsert(w, r, out, created)
}

func (h *ResourcesHandler) DeleteRelationshipRule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.svc.DeleteRelationshipRule(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]string{"id": id.String()})
}
