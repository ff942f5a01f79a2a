package services

import (
	"context"

	"github.com/google/uuid"

	"github.com/releaseplane/engine/internal/dispatch"
	"github.com/releaseplane/engine/internal/events"
	"github.com/releaseplane/engine/internal/lock"
	"github.com/releaseplane/engine/internal/models"
	"github.com/releaseplane/engine/internal/repository"
	appErr "github.com/releaseplane/engine/pkg/errors"
)

// TargetService holds the manual actions on a release target.
type TargetService interface {
	GetTarget(ctx context.Context, id uuid.UUID) (*models.ReleaseTarget, error)
	Releases(ctx context.Context, id uuid.UUID) ([]models.Release, error)
	Lock(ctx context.Context, id uuid.UUID, by string) (*models.ReleaseTargetLock, error)
	Unlock(ctx context.Context, id uuid.UUID, by string) (*models.ReleaseTargetLock, error)
	Redeploy(ctx context.Context, id uuid.UUID) (*models.Job, error)
	Pin(ctx context.Context, id uuid.UUID, versionID *uuid.UUID, tag string) (*models.ReleaseTarget, error)
	Unpin(ctx context.Context, id uuid.UUID) (*models.ReleaseTarget, error)
}

type targetService struct {
	base
	locks    *lock.Manager
	dispatch *dispatch.Dispatcher
}

func NewTargetService(store repository.Store, pub events.Publisher, locks *lock.Manager, d *dispatch.Dispatcher) TargetService {
	return &targetService{base: newBase(store, pub, "targets"), locks: locks, dispatch: d}
}

var _ TargetService = (*targetService)(nil)

func (s *targetService) GetTarget(ctx context.Context, id uuid.UUID) (*models.ReleaseTarget, error) {
	rt, err := s.store.ReleaseTargets().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	l, err := s.locks.Current(ctx, id)
	switch {
	case appErr.IsCode(err, appErr.CodeNotFound):
	case err != nil:
		return nil, err
	default:
		rt.Lock = l
	}
	return rt, nil
}

func (s *targetService) Releases(ctx context.Context, id uuid.UUID) ([]models.Release, error) {
	if _, err := s.store.ReleaseTargets().Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.Releases().ListByTarget(ctx, id)
}

func (s *targetService) Lock(ctx context.Context, id uuid.UUID, by string) (*models.ReleaseTargetLock, error) {
	if _, err := s.store.ReleaseTargets().Get(ctx, id); err != nil {
		return nil, err
	}
	return s.locks.Lock(ctx, id, by)
}

func (s *targetService) Unlock(ctx context.Context, id uuid.UUID, by string) (*models.ReleaseTargetLock, error) {
	return s.locks.Unlock(ctx, id, by)
}

func (s *targetService) Redeploy(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return s.dispatch.Redeploy(ctx, id)
}

func (s *targetService) Pin(ctx context.Context, id uuid.UUID, versionID *uuid.UUID, tag string) (*models.ReleaseTarget, error) {
	return s.dispatch.Pin(ctx, id, versionID, tag)
}

func (s *targetService) Unpin(ctx context.Context, id uuid.UUID) (*models.ReleaseTarget, error) {
	return s.dispatch.Unpin(ctx, id)
}
