package services

import (
	"context"
	"maps"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/releaseplane/engine/internal/events"
	"github.com/releaseplane/engine/internal/models"
	"github.com/releaseplane/engine/internal/repository"
	"github.com/releaseplane/engine/internal/selector"
	appErr "github.com/releaseplane/engine/pkg/errors"
)

type SystemService interface {
	// CreateSystem creates a system or returns the one with the same slug.
	CreateSystem(ctx context.Context, sys *models.System) (*models.System, bool, error)
	GetSystem(ctx context.Context, id uuid.UUID) (*models.System, error)

	// CreateEnvironment creates an environment or updates the one with the
	// same name in the system.
	CreateEnvironment(ctx context.Context, env *models.Environment) (*models.Environment, bool, error)
	GetEnvironment(ctx context.Context, id uuid.UUID) (*models.Environment, error)
	DeleteEnvironment(ctx context.Context, id uuid.UUID) error
}

type systemService struct {
	base
}

func NewSystemService(store repository.Store, pub events.Publisher) SystemService {
	return &systemService{base: newBase(store, pub, "systems")}
}

var _ SystemService = (*systemService)(nil)

func (s *systemService) CreateSystem(ctx context.Context, sys *models.System) (*models.System, bool, error) {
	if sys.Slug == "" {
		sys.Slug = slugify(sys.Name)
	}
	if err := check(sys); err != nil {
		return nil, false, err
	}
	existing, err := s.store.Systems().ListByWorkspace(ctx, sys.WorkspaceID)
	if err != nil {
		return nil, false, err
	}
	if found, ok := lo.Find(existing, func(e models.System) bool { return e.Slug == sys.Slug }); ok {
		return &found, false, nil
	}
	if err := s.store.Systems().Create(ctx, sys); err != nil {
		return nil, false, err
	}
	s.log.Info("system created", zap.String("system_id", sys.ID.String()), zap.String("slug", sys.Slug))
	return sys, true, nil
}

func (s *systemService) GetSystem(ctx context.Context, id uuid.UUID) (*models.System, error) {
	return s.store.Systems().Get(ctx, id)
}

func (s *systemService) CreateEnvironment(ctx context.Context, env *models.Environment) (*models.Environment, bool, error) {
	if err := check(env); err != nil {
		return nil, false, err
	}
	if err := env.ResourceSelector.ValidateFor(selector.KindResource); err != nil {
		return nil, false, appErr.Wrap(err, appErr.CodeInvalid, "resourceSelector: "+err.Error())
	}
	if _, err := s.store.Systems().Get(ctx, env.SystemID); err != nil {
		return nil, false, err
	}

	siblings, err := s.store.Environments().ListBySystem(ctx, env.SystemID)
	if err != nil {
		return nil, false, err
	}
	found, ok := lo.Find(siblings, func(e models.Environment) bool { return e.Name == env.Name })
	if !ok {
		if err := s.store.Environments().Create(ctx, env); err != nil {
			return nil, false, err
		}
		s.log.Info("environment created", zap.String("environment_id", env.ID.String()), zap.String("name", env.Name))
		s.publish(ctx, events.New(events.EnvironmentCreated, env.ID))
		return env, true, nil
	}

	var changed []string
	if found.Description != env.Description {
		found.Description = env.Description
		changed = append(changed, "description")
	}
	if !maps.Equal(found.Metadata, env.Metadata) {
		found.Metadata = env.Metadata
		changed = append(changed, "metadata")
	}
	if !selector.Equal(found.ResourceSelector, env.ResourceSelector) {
		found.ResourceSelector = env.ResourceSelector
		changed = append(changed, "resourceSelector")
	}
	if len(changed) == 0 {
		return &found, false, nil
	}
	if err := s.store.Environments().Update(ctx, &found); err != nil {
		return nil, false, err
	}
	evt := events.New(events.EnvironmentUpdated, found.ID)
	evt.Changed = changed
	s.publish(ctx, evt)
	return &found, false, nil
}

func (s *systemService) GetEnvironment(ctx context.Context, id uuid.UUID) (*models.Environment, error) {
	return s.store.Environments().Get(ctx, id)
}

func (s *systemService) DeleteEnvironment(ctx context.Context, id uuid.UUID) error {
	if _, err := s.store.Environments().Get(ctx, id); err != nil {
		return err
	}
	if err := s.store.Environments().Delete(ctx, id); err != nil {
		return err
	}
	s.log.Info("environment deleted", zap.String("environment_id", id.String()))
	s.publish(ctx, events.New(events.EnvironmentDeleted, id))
	return nil
}
