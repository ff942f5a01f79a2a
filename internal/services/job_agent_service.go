package services

import (
	"context"
	"reflect"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/releaseplane/engine/internal/dispatch"
	"github.com/releaseplane/engine/internal/events"
	"github.com/releaseplane/engine/internal/models"
	"github.com/releaseplane/engine/internal/repository"
	appErr "github.com/releaseplane/engine/pkg/errors"
)

type JobService interface {
	// UpsertJobAgent creates or updates the agent named agent.Name in its
	// workspace.
	UpsertJobAgent(ctx context.Context, agent *models.JobAgent) (*models.JobAgent, bool, error)
	GetJobAgent(ctx context.Context, id uuid.UUID) (*models.JobAgent, error)

	// NextJobs leases the agent's pending jobs.
	NextJobs(ctx context.Context, agentID uuid.UUID) ([]models.Job, error)
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	UpdateJob(ctx context.Context, id uuid.UUID, upd dispatch.JobUpdate) (*models.Job, error)
}

type jobService struct {
	base
	dispatch *dispatch.Dispatcher
}

func NewJobService(store repository.Store, pub events.Publisher, d *dispatch.Dispatcher) JobService {
	return &jobService{base: newBase(store, pub, "jobs"), dispatch: d}
}

var _ JobService = (*jobService)(nil)

func (s *jobService) UpsertJobAgent(ctx context.Context, agent *models.JobAgent) (*models.JobAgent, bool, error) {
	if err := check(agent); err != nil {
		return nil, false, err
	}
	existing, err := s.store.JobAgents().GetByName(ctx, agent.WorkspaceID, agent.Name)
	switch {
	case appErr.IsCode(err, appErr.CodeNotFound):
		if err := s.store.JobAgents().Create(ctx, agent); err != nil {
			return nil, false, err
		}
		s.log.Info("job agent created", zap.String("job_agent_id", agent.ID.String()), zap.String("name", agent.Name))
		s.publish(ctx, events.New(events.JobAgentUpdated, agent.ID))
		return agent, true, nil
	case err != nil:
		return nil, false, err
	}

	if existing.Type == agent.Type && reflect.DeepEqual(existing.Config, agent.Config) {
		return existing, false, nil
	}
	existing.Type = agent.Type
	existing.Config = agent.Config
	if err := s.store.JobAgents().Update(ctx, existing); err != nil {
		return nil, false, err
	}
	s.log.Info("job agent updated", zap.String("job_agent_id", existing.ID.String()))
	s.publish(ctx, events.New(events.JobAgentUpdated, existing.ID))
	return existing, false, nil
}

func (s *jobService) GetJobAgent(ctx context.Context, id uuid.UUID) (*models.JobAgent, error) {
	return s.store.JobAgents().Get(ctx, id)
}

func (s *jobService) NextJobs(ctx context.Context, agentID uuid.UUID) ([]models.Job, error) {
	return s.dispatch.Next(ctx, agentID)
}

func (s *jobService) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return s.store.Jobs().Get(ctx, id)
}

func (s *jobService) UpdateJob(ctx context.Context, id uuid.UUID, upd dispatch.JobUpdate) (*models.Job, error) {
	if err := check(upd); err != nil {
		return nil, err
	}
	return s.dispatch.UpdateJob(ctx, id, upd)
}
