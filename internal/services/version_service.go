package services

import (
	"context"
	"fmt"
	"maps"
	"reflect"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/releaseplane/engine/internal/events"
	"github.com/releaseplane/engine/internal/models"
	"github.com/releaseplane/engine/internal/policy"
	"github.com/releaseplane/engine/internal/repository"
	"github.com/releaseplane/engine/internal/selector"
	appErr "github.com/releaseplane/engine/pkg/errors"
)

type VersionService interface {
	// CreateVersion creates a version or updates the one with the same tag.
	CreateVersion(ctx context.Context, v *models.DeploymentVersion) (*models.DeploymentVersion, bool, error)
	GetVersion(ctx context.Context, id uuid.UUID) (*models.DeploymentVersion, error)
	UpdateVersion(ctx context.Context, id uuid.UUID, patch *VersionPatch) (*models.DeploymentVersion, error)
	// Rollout reports where each target of the environment sits in the
	// version's rollout.
	Rollout(ctx context.Context, versionID, environmentID uuid.UUID) ([]policy.RolloutEntry, error)
}

type VersionPatch struct {
	Name         Field[string]                     `json:"name"`
	Status       Field[models.VersionStatus]       `json:"status"`
	Message      Field[string]                     `json:"message"`
	Config       Field[map[string]any]             `json:"config"`
	Metadata     Field[map[string]string]          `json:"metadata"`
	Dependencies Field[[]models.VersionDependency] `json:"dependencies"`
}

type versionService struct {
	base
	eval *policy.Evaluator
}

func NewVersionService(store repository.Store, pub events.Publisher, eval *policy.Evaluator) VersionService {
	return &versionService{base: newBase(store, pub, "versions"), eval: eval}
}

var _ VersionService = (*versionService)(nil)

func (s *versionService) validate(ctx context.Context, v *models.DeploymentVersion) error {
	if v.Status == "" {
		v.Status = models.VersionReady
	}
	if err := check(v); err != nil {
		return err
	}
	for i, dep := range v.Dependencies {
		if dep.DeploymentID == v.DeploymentID {
			return appErr.Newf(appErr.CodeInvalid, "dependencies[%d]: a version cannot depend on its own deployment", i)
		}
		if err := dep.VersionSelector.ValidateFor(selector.KindVersion); err != nil {
			return invalid(fmt.Errorf("dependencies[%d].versionSelector: %w", i, err))
		}
		if _, err := s.store.Deployments().Get(ctx, dep.DeploymentID); err != nil {
			if appErr.IsCode(err, appErr.CodeNotFound) {
				return appErr.Newf(appErr.CodeInvalid, "dependencies[%d]: unknown deployment %s", i, dep.DeploymentID)
			}
			return err
		}
	}
	return nil
}

func (s *versionService) CreateVersion(ctx context.Context, v *models.DeploymentVersion) (*models.DeploymentVersion, bool, error) {
	if err := s.validate(ctx, v); err != nil {
		return nil, false, err
	}
	if _, err := s.store.Deployments().Get(ctx, v.DeploymentID); err != nil {
		return nil, false, err
	}
	existing, err := s.store.Versions().GetByTag(ctx, v.DeploymentID, v.Tag)
	switch {
	case appErr.IsCode(err, appErr.CodeNotFound):
	case err != nil:
		return nil, false, err
	default:
		patch := &VersionPatch{
			Name:         Some(v.Name),
			Status:       Some(v.Status),
			Message:      Some(v.Message),
			Config:       Some(v.Config),
			Metadata:     Some(v.Metadata),
			Dependencies: Some(v.Dependencies),
		}
		updated, err := s.update(ctx, existing, patch)
		return updated, false, err
	}

	if err := s.store.Versions().Create(ctx, v); err != nil {
		return nil, false, err
	}
	s.log.Info("deployment version created",
		zap.String("deployment_id", v.DeploymentID.String()),
		zap.String("version_id", v.ID.String()),
		zap.String("tag", v.Tag),
		zap.String("status", string(v.Status)))
	s.publish(ctx, events.New(events.VersionCreated, v.ID))
	return v, true, nil
}

func (s *versionService) GetVersion(ctx context.Context, id uuid.UUID) (*models.DeploymentVersion, error) {
	return s.store.Versions().Get(ctx, id)
}

func (s *versionService) UpdateVersion(ctx context.Context, id uuid.UUID, patch *VersionPatch) (*models.DeploymentVersion, error) {
	v, err := s.store.Versions().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.update(ctx, v, patch)
}

func (s *versionService) update(ctx context.Context, v *models.DeploymentVersion, patch *VersionPatch) (*models.DeploymentVersion, error) {
	before := *v
	apply(patch.Name, &v.Name)
	apply(patch.Status, &v.Status)
	apply(patch.Message, &v.Message)
	if patch.Config.Set {
		v.Config = lo.FromPtr(patch.Config.Value)
	}
	if patch.Metadata.Set {
		v.Metadata = lo.FromPtr(patch.Metadata.Value)
	}
	if patch.Dependencies.Set {
		v.Dependencies = lo.FromPtr(patch.Dependencies.Value)
	}
	if err := s.validate(ctx, v); err != nil {
		return nil, err
	}

	var changed []string
	if before.Name != v.Name {
		changed = append(changed, "name")
	}
	if before.Status != v.Status {
		changed = append(changed, "status")
	}
	if before.Message != v.Message {
		changed = append(changed, "message")
	}
	if !reflect.DeepEqual(before.Config, v.Config) {
		changed = append(changed, "config")
	}
	if !maps.Equal(before.Metadata, v.Metadata) {
		changed = append(changed, "metadata")
	}
	if !reflect.DeepEqual(before.Dependencies, v.Dependencies) {
		changed = append(changed, "dependencies")
	}
	if len(changed) == 0 {
		return v, nil
	}
	if err := s.store.Versions().Update(ctx, v); err != nil {
		return nil, err
	}
	s.log.Info("deployment version updated", zap.String("version_id", v.ID.String()), zap.Strings("changed", changed))
	evt := events.New(events.VersionUpdated, v.ID)
	evt.Changed = changed
	s.publish(ctx, evt)
	return v, nil
}

func (s *versionService) Rollout(ctx context.Context, versionID, environmentID uuid.UUID) ([]policy.RolloutEntry, error) {
	v, err := s.store.Versions().Get(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.Environments().Get(ctx, environmentID); err != nil {
		return nil, err
	}
	return s.eval.Rollout(ctx, v, environmentID)
}
