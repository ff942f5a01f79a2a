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
	"github.com/releaseplane/engine/internal/repository"
	"github.com/releaseplane/engine/internal/selector"
	"github.com/releaseplane/engine/internal/variables"
	appErr "github.com/releaseplane/engine/pkg/errors"
)

type DeploymentService interface {
	// CreateDeployment creates a deployment or updates the one with the same
	// slug in the system.
	CreateDeployment(ctx context.Context, d *models.Deployment) (*models.Deployment, bool, error)
	GetDeployment(ctx context.Context, id uuid.UUID) (*models.Deployment, error)
	UpdateDeployment(ctx context.Context, id uuid.UUID, patch *DeploymentPatch) (*models.Deployment, error)
	DeleteDeployment(ctx context.Context, id uuid.UUID) error

	// UpsertVariable stores a variable keyed by (deployment, key).
	UpsertVariable(ctx context.Context, deploymentID uuid.UUID, v *models.DeploymentVariable) (*models.DeploymentVariable, bool, error)
	ListVariables(ctx context.Context, deploymentID uuid.UUID) ([]models.DeploymentVariable, error)
}

type DeploymentPatch struct {
	Name             Field[string]            `json:"name"`
	Slug             Field[string]            `json:"slug"`
	Description      Field[string]            `json:"description"`
	JobAgentID       Field[uuid.UUID]         `json:"jobAgentId"`
	JobAgentConfig   Field[map[string]any]    `json:"jobAgentConfig"`
	Metadata         Field[map[string]string] `json:"metadata"`
	ResourceSelector Field[selector.Selector] `json:"resourceSelector"`
}

type deploymentService struct {
	base
}

func NewDeploymentService(store repository.Store, pub events.Publisher) DeploymentService {
	return &deploymentService{base: newBase(store, pub, "deployments")}
}

var _ DeploymentService = (*deploymentService)(nil)

func (s *deploymentService) validate(ctx context.Context, d *models.Deployment) error {
	if d.Slug == "" {
		d.Slug = slugify(d.Name)
	}
	if err := check(d); err != nil {
		return err
	}
	if err := d.ResourceSelector.ValidateFor(selector.KindResource); err != nil {
		return appErr.Wrap(err, appErr.CodeInvalid, "resourceSelector: "+err.Error())
	}
	if d.JobAgentID != nil {
		if _, err := s.store.JobAgents().Get(ctx, *d.JobAgentID); err != nil {
			if appErr.IsCode(err, appErr.CodeNotFound) {
				return appErr.New(appErr.CodeInvalid, "jobAgentId references an unknown job agent")
			}
			return err
		}
	}
	return nil
}

func (s *deploymentService) CreateDeployment(ctx context.Context, d *models.Deployment) (*models.Deployment, bool, error) {
	if err := s.validate(ctx, d); err != nil {
		return nil, false, err
	}
	if _, err := s.store.Systems().Get(ctx, d.SystemID); err != nil {
		return nil, false, err
	}
	siblings, err := s.store.Deployments().ListBySystem(ctx, d.SystemID)
	if err != nil {
		return nil, false, err
	}
	found, ok := lo.Find(siblings, func(e models.Deployment) bool { return e.Slug == d.Slug })
	if !ok {
		if err := s.store.Deployments().Create(ctx, d); err != nil {
			return nil, false, err
		}
		s.log.Info("deployment created", zap.String("deployment_id", d.ID.String()), zap.String("slug", d.Slug))
		s.publish(ctx, events.New(events.DeploymentCreated, d.ID))
		return d, true, nil
	}

	patch := &DeploymentPatch{
		Name:             Some(d.Name),
		Description:      Some(d.Description),
		JobAgentID:       Field[uuid.UUID]{Set: true, Value: d.JobAgentID},
		JobAgentConfig:   Some(d.JobAgentConfig),
		Metadata:         Some(d.Metadata),
		ResourceSelector: Field[selector.Selector]{Set: true, Value: d.ResourceSelector},
	}
	updated, err := s.update(ctx, &found, patch)
	return updated, false, err
}

func (s *deploymentService) GetDeployment(ctx context.Context, id uuid.UUID) (*models.Deployment, error) {
	return s.store.Deployments().Get(ctx, id)
}

func (s *deploymentService) UpdateDeployment(ctx context.Context, id uuid.UUID, patch *DeploymentPatch) (*models.Deployment, error) {
	d, err := s.store.Deployments().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.update(ctx, d, patch)
}

func (s *deploymentService) update(ctx context.Context, d *models.Deployment, patch *DeploymentPatch) (*models.Deployment, error) {
	before := *d
	apply(patch.Name, &d.Name)
	apply(patch.Slug, &d.Slug)
	apply(patch.Description, &d.Description)
	if patch.JobAgentID.Set {
		d.JobAgentID = patch.JobAgentID.Value
	}
	if patch.JobAgentConfig.Set {
		d.JobAgentConfig = lo.FromPtr(patch.JobAgentConfig.Value)
	}
	if patch.Metadata.Set {
		d.Metadata = lo.FromPtr(patch.Metadata.Value)
	}
	if patch.ResourceSelector.Set {
		d.ResourceSelector = patch.ResourceSelector.Value
	}
	if err := s.validate(ctx, d); err != nil {
		return nil, err
	}

	var changed []string
	if before.Name != d.Name {
		changed = append(changed, "name")
	}
	if before.Slug != d.Slug {
		changed = append(changed, "slug")
	}
	if before.Description != d.Description {
		changed = append(changed, "description")
	}
	if lo.FromPtr(before.JobAgentID) != lo.FromPtr(d.JobAgentID) {
		changed = append(changed, "jobAgentId")
	}
	if !reflect.DeepEqual(before.JobAgentConfig, d.JobAgentConfig) {
		changed = append(changed, "jobAgentConfig")
	}
	if !maps.Equal(before.Metadata, d.Metadata) {
		changed = append(changed, "metadata")
	}
	if !selector.Equal(before.ResourceSelector, d.ResourceSelector) {
		changed = append(changed, "resourceSelector")
	}
	if len(changed) == 0 {
		return d, nil
	}
	if err := s.store.Deployments().Update(ctx, d); err != nil {
		return nil, err
	}
	s.log.Info("deployment updated", zap.String("deployment_id", d.ID.String()), zap.Strings("changed", changed))
	evt := events.New(events.DeploymentUpdated, d.ID)
	evt.Changed = changed
	s.publish(ctx, evt)
	return d, nil
}

func (s *deploymentService) DeleteDeployment(ctx context.Context, id uuid.UUID) error {
	if _, err := s.store.Deployments().Get(ctx, id); err != nil {
		return err
	}
	if err := s.store.Deployments().Delete(ctx, id); err != nil {
		return err
	}
	s.log.Info("deployment deleted", zap.String("deployment_id", id.String()))
	s.publish(ctx, events.New(events.DeploymentDeleted, id))
	return nil
}

func (s *deploymentService) UpsertVariable(ctx context.Context, deploymentID uuid.UUID, v *models.DeploymentVariable) (*models.DeploymentVariable, bool, error) {
	if _, err := s.store.Deployments().Get(ctx, deploymentID); err != nil {
		return nil, false, err
	}
	v.DeploymentID = deploymentID
	if err := check(v); err != nil {
		return nil, false, err
	}
	if err := variables.Validate(v); err != nil {
		return nil, false, err
	}
	for i := range v.DirectValues {
		dv := &v.DirectValues[i]
		if dv.ID == uuid.Nil {
			dv.ID = uuid.New()
		}
		if err := dv.ResourceSelector.ValidateFor(selector.KindResource); err != nil {
			return nil, false, invalid(fmt.Errorf("directValues[%d].resourceSelector: %w", i, err))
		}
	}
	for i := range v.ReferenceValues {
		rv := &v.ReferenceValues[i]
		if rv.ID == uuid.Nil {
			rv.ID = uuid.New()
		}
		if err := rv.ResourceSelector.ValidateFor(selector.KindResource); err != nil {
			return nil, false, invalid(fmt.Errorf("referenceValues[%d].resourceSelector: %w", i, err))
		}
	}

	existing, err := s.store.Variables().GetByKey(ctx, deploymentID, v.Key)
	created := false
	switch {
	case appErr.IsCode(err, appErr.CodeNotFound):
		if err := s.store.Variables().Create(ctx, v); err != nil {
			return nil, false, err
		}
		created = true
	case err != nil:
		return nil, false, err
	default:
		v.Base = existing.Base
		if err := s.store.Variables().Update(ctx, v); err != nil {
			return nil, false, err
		}
	}

	s.log.Info("deployment variable stored",
		zap.String("deployment_id", deploymentID.String()),
		zap.String("key", v.Key),
		zap.Bool("created", created))
	// The event is keyed by the deployment: every target of it resolves the
	// variable again.
	s.publish(ctx, events.New(events.VariableUpdated, deploymentID))
	return v, created, nil
}

func (s *deploymentService) ListVariables(ctx context.Context, deploymentID uuid.UUID) ([]models.DeploymentVariable, error) {
	if _, err := s.store.Deployments().Get(ctx, deploymentID); err != nil {
		return nil, err
	}
	return s.store.Variables().ListByDeployment(ctx, deploymentID)
}
