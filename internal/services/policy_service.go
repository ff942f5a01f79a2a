package services

import (
	"context"

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

type PolicyService interface {
	CreatePolicy(ctx context.Context, input *PolicyInput) (*models.Policy, error)
	GetPolicy(ctx context.Context, id uuid.UUID) (*models.Policy, error)
	UpdatePolicy(ctx context.Context, id uuid.UUID, patch *PolicyPatch) (*models.Policy, error)
	DeletePolicy(ctx context.Context, id uuid.UUID) error
	// ReleaseTargets lists the active targets the policy applies to.
	ReleaseTargets(ctx context.Context, id uuid.UUID) ([]models.ReleaseTarget, error)

	// RecordApproval stores one user's decision on a version for an
	// environment.
	RecordApproval(ctx context.Context, input *ApprovalInput) (*models.Approval, error)
}

// PolicyInput is a policy definition. Enabled defaults to true.
type PolicyInput struct {
	models.Policy
	Enabled *bool `json:"enabled"`
}

type PolicyPatch struct {
	Name                      Field[string]                           `json:"name"`
	Description               Field[string]                           `json:"description"`
	Priority                  Field[int]                              `json:"priority"`
	Enabled                   Field[bool]                             `json:"enabled"`
	Targets                   Field[[]models.PolicyTarget]            `json:"targets"`
	DeploymentVersionSelector Field[selector.Selector]                `json:"deploymentVersionSelector"`
	VersionAnyApprovals       Field[models.AnyApprovals]              `json:"versionAnyApprovals"`
	VersionUserApprovals      Field[[]models.UserApproval]            `json:"versionUserApprovals"`
	VersionRoleApprovals      Field[[]models.RoleApproval]            `json:"versionRoleApprovals"`
	DenyWindows               Field[[]models.DenyWindow]              `json:"denyWindows"`
	EnvironmentVersionRollout Field[models.EnvironmentVersionRollout] `json:"environmentVersionRollout"`
	GradualRollout            Field[models.GradualRollout]            `json:"gradualRollout"`
	MaxRetries                Field[int]                              `json:"maxRetries"`
}

type ApprovalInput struct {
	VersionID     uuid.UUID `validate:"required"`
	EnvironmentID uuid.UUID `validate:"required"`
	UserID        string    `validate:"required"`
	Roles         []string
	Status        models.ApprovalStatus `validate:"required,oneof=approved rejected"`
	Reason        string
}

type policyService struct {
	base
}

func NewPolicyService(store repository.Store, pub events.Publisher) PolicyService {
	return &policyService{base: newBase(store, pub, "policies")}
}

var _ PolicyService = (*policyService)(nil)

func (s *policyService) validate(p *models.Policy) error {
	if err := check(p); err != nil {
		return err
	}
	if err := policy.Validate(p); err != nil {
		return invalid(err)
	}
	return nil
}

func (s *policyService) CreatePolicy(ctx context.Context, input *PolicyInput) (*models.Policy, error) {
	p := input.Policy
	p.Enabled = lo.FromPtrOr(input.Enabled, true)
	if err := s.validate(&p); err != nil {
		return nil, err
	}
	if err := s.store.Policies().Create(ctx, &p); err != nil {
		return nil, err
	}
	s.log.Info("policy created",
		zap.String("policy_id", p.ID.String()),
		zap.String("name", p.Name),
		zap.Int("priority", p.Priority))
	s.changed(ctx, &p)
	return &p, nil
}

func (s *policyService) GetPolicy(ctx context.Context, id uuid.UUID) (*models.Policy, error) {
	return s.store.Policies().Get(ctx, id)
}

func (s *policyService) UpdatePolicy(ctx context.Context, id uuid.UUID, patch *PolicyPatch) (*models.Policy, error) {
	p, err := s.store.Policies().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	apply(patch.Name, &p.Name)
	apply(patch.Description, &p.Description)
	apply(patch.Priority, &p.Priority)
	apply(patch.Enabled, &p.Enabled)
	if patch.Targets.Set {
		p.Targets = lo.FromPtr(patch.Targets.Value)
	}
	if patch.DeploymentVersionSelector.Set {
		p.DeploymentVersionSelector = patch.DeploymentVersionSelector.Value
	}
	if patch.VersionAnyApprovals.Set {
		p.VersionAnyApprovals = patch.VersionAnyApprovals.Value
	}
	if patch.VersionUserApprovals.Set {
		p.VersionUserApprovals = lo.FromPtr(patch.VersionUserApprovals.Value)
	}
	if patch.VersionRoleApprovals.Set {
		p.VersionRoleApprovals = lo.FromPtr(patch.VersionRoleApprovals.Value)
	}
	if patch.DenyWindows.Set {
		p.DenyWindows = lo.FromPtr(patch.DenyWindows.Value)
	}
	if patch.EnvironmentVersionRollout.Set {
		p.EnvironmentVersionRollout = patch.EnvironmentVersionRollout.Value
	}
	if patch.GradualRollout.Set {
		p.GradualRollout = patch.GradualRollout.Value
	}
	if patch.MaxRetries.Set {
		p.MaxRetries = patch.MaxRetries.Value
	}
	if err := s.validate(p); err != nil {
		return nil, err
	}
	if err := s.store.Policies().Update(ctx, p); err != nil {
		return nil, err
	}
	s.log.Info("policy updated", zap.String("policy_id", p.ID.String()))
	s.changed(ctx, p)
	return p, nil
}

func (s *policyService) DeletePolicy(ctx context.Context, id uuid.UUID) error {
	p, err := s.store.Policies().Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.Policies().Delete(ctx, id); err != nil {
		return err
	}
	s.log.Info("policy deleted", zap.String("policy_id", id.String()))
	s.changed(ctx, p)
	return nil
}

func (s *policyService) changed(ctx context.Context, p *models.Policy) {
	evt := events.New(events.PolicyChanged, p.ID)
	evt.WorkspaceID = p.WorkspaceID
	s.publish(ctx, evt)
}

func (s *policyService) ReleaseTargets(ctx context.Context, id uuid.UUID) ([]models.ReleaseTarget, error) {
	p, err := s.store.Policies().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	all, err := s.store.ReleaseTargets().List(ctx)
	if err != nil {
		return nil, err
	}
	out := []models.ReleaseTarget{}
	for i := range all {
		in, err := policy.Load(ctx, s.store, &all[i])
		if appErr.IsCode(err, appErr.CodeNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if in.Resource.WorkspaceID != p.WorkspaceID {
			continue
		}
		ok, err := policy.Applies(p, in)
		if err != nil {
			s.log.Warn("policy target evaluation failed",
				zap.String("policy_id", p.ID.String()),
				zap.String("release_target_id", all[i].ID.String()),
				zap.Error(err))
			continue
		}
		if ok {
			out = append(out, all[i])
		}
	}
	return out, nil
}

func (s *policyService) RecordApproval(ctx context.Context, input *ApprovalInput) (*models.Approval, error) {
	if err := check(input); err != nil {
		return nil, err
	}
	if _, err := s.store.Versions().Get(ctx, input.VersionID); err != nil {
		return nil, err
	}
	if _, err := s.store.Environments().Get(ctx, input.EnvironmentID); err != nil {
		return nil, err
	}
	a := &models.Approval{
		DeploymentVersionID: input.VersionID,
		EnvironmentID:       input.EnvironmentID,
		UserID:              input.UserID,
		Roles:               input.Roles,
		Status:              input.Status,
		Reason:              input.Reason,
		ApprovedAt:          timeNow(),
	}
	if err := s.store.Approvals().Create(ctx, a); err != nil {
		return nil, err
	}
	s.log.Info("approval recorded",
		zap.String("version_id", a.DeploymentVersionID.String()),
		zap.String("environment_id", a.EnvironmentID.String()),
		zap.String("user_id", a.UserID),
		zap.String("status", string(a.Status)))
	s.publish(ctx, events.New(events.ApprovalRecorded, a.ID).WithPayload(a))
	return a, nil
}
