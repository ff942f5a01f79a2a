package handlers

import (
	"net/http"

	"github.com/releaseplane/engine/internal/models"
	"github.com/releaseplane/engine/internal/services"
)

type DeploymentsHandler struct {
	svc services.DeploymentService
}

func NewDeploymentsHandler(svc services.DeploymentService) *DeploymentsHandler {
	return &DeploymentsHandler{svc: svc}
}

func (h *DeploymentsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var d models.Deployment
	if !decode(w, r, &d) {
		return
	}
	out, created, err := h.svc.CreateDeployment(r.Context(), &d)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeUpsert(w, r, out, created)
}

func (h *DeploymentsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	d, err := h.svc.GetDeployment(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, d)
}

func (h *DeploymentsHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var patch services.DeploymentPatch
	if !decode(w, r, &patch) {
		return
	}
	d, err := h.svc.UpdateDeployment(r.Context(), id, &patch)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, d)
}

func (h *DeploymentsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.svc.DeleteDeployment(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]string{"id": id.String()})
}

func (h *DeploymentsHandler) UpsertVariable(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var v models.DeploymentVariable
	if !decode(w, r, &v) {
		return
	}
	out, created, err := h.svc.UpsertVariable(r.Context(), id, &v)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeUpsert(w, r, out, created)
}

func (h *DeploymentsHandler) ListVariables(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	vars, err := h.svc.ListVariables(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeList(w, r, vars)
}
