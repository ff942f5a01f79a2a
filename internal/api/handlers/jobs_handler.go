package handlers

import (
	"net/http"

	"github.com/releaseplane/engine/internal/api/types"
	"github.com/releaseplane/engine/internal/dispatch"
	"github.com/releaseplane/engine/internal/models"
	"github.com/releaseplane/engine/internal/services"
)

type JobsHandler struct {
	svc services.JobService
}

func NewJobsHandler(svc services.JobService) *JobsHandler {
	return &JobsHandler{svc: svc}
}

func (h *JobsHandler) UpsertAgent(w http.ResponseWriter, r *http.Request) {
	var req types.JobAgentUpsertRequest
	if !decodeValid(w, r, &req) {
		return
	}
	agent := &models.JobAgent{WorkspaceID: req.WorkspaceID, Name: req.Name, Type: req.Type, Config: req.Config}
	out, created, err := h.svc.UpsertJobAgent(r.Context(), agent)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeUpsert(w, r, out, created)
}

func (h *JobsHandler) GetAgent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	agent, err := h.svc.GetJobAgent(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, agent)
}

// NextJobs leases pending jobs to the polling agent.
func (h *JobsHandler) NextJobs(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	jobs, err := h.svc.NextJobs(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeList(w, r, jobs)
}

func (h *JobsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	job, err := h.svc.GetJob(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, job)
}

func (h *JobsHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var upd dispatch.JobUpdate
	if !decodeValid(w, r, &upd) {
		return
	}
	job, err := h.svc.UpdateJob(r.Context(), id, upd)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, job)
}
