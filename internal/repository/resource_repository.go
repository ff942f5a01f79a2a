package repository

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/releaseplane/engine/internal/models"
	appErr "github.com/releaseplane/engine/pkg/errors"
)

type resourceRepository struct {
	baseRepository[models.Resource]
}

func NewResourceRepository(db *gorm.DB) ResourceRepository {
	return &resourceRepository{newBaseRepository[models.Resource](db, "resource")}
}

func (r *resourceRepository) GetByIdentifier(ctx context.Context, workspaceID uuid.UUID, identifier string, includeDeleted bool) (*models.Resource, error) {
	q := r.db.WithContext(ctx)
	if includeDeleted {
		q = q.Unscoped()
	}
	var out models.Resource
	if err := q.Where("workspace_id = ? AND identifier = ?", workspaceID, identifier).First(&out).Error; err != nil {
		return nil, translate(err, r.entity)
	}
	return &out, nil
}

func (r *resourceRepository) ListByWorkspace(ctx context.Context, workspaceID uuid.UUID) ([]models.Resource, error) {
	return r.list(ctx, "created_at, id", "workspace_id = ?", workspaceID)
}

func (r *resourceRepository) ListByProvider(ctx context.Context, providerID uuid.UUID) ([]models.Resource, error) {
	return r.list(ctx, "created_at, id", "provider_id = ?", providerID)
}

func (r *resourceRepository) Restore(ctx context.Context, id uuid.UUID) error {
	res := r.db.WithContext(ctx).Unscoped().Model(&models.Resource{}).Where("id = ?", id).Update("deleted_at", nil)
	if res.Error != nil {
		return translate(res.Error, r.entity)
	}
	if res.RowsAffected == 0 {
		return appErr.Newf(appErr.CodeNotFound, "resource %s not found", id)
	}
	return nil
}

type relationshipRuleRepository struct {
	baseRepository[models.ResourceRelationshipRule]
}

func NewRelationshipRuleRepository(db *gorm.DB) RelationshipRuleRepository {
	return &relationshipRuleRepository{newBaseRepository[models.ResourceRelationshipRule](db, "relationship rule")}
}

func (r *relationshipRuleRepository) ListByWorkspace(ctx context.Context, workspaceID uuid.UUID) ([]models.ResourceRelationshipRule, error) {
	return r.list(ctx, "created_at, id", "workspace_id = ?", workspaceID)
}

type resourceProviderRepository struct {
	baseRepository[models.ResourceProvider]
}

func NewResourceProviderRepository(db *gorm.DB) ResourceProviderRepository {
	return &resourceProviderRepository{newBaseRepository[models.ResourceProvider](db, "resource provider")}
}

type jobAgentRepository struct {
	baseRepository[models.JobAgent]
}

func NewJobAgentRepository(db *gorm.DB) JobAgentRepository {
	return &jobAgentRepository{newBaseRepository[models.JobAgent](db, "job agent")}
}

func (r *jobAgentRepository) GetByName(ctx context.Context, workspaceID uuid.UUID, name string) (*models.JobAgent, error) {
	return r.first(ctx, "workspace_id = ? AND name = ?", workspaceID, name)
}

type policyRepository struct {
	baseRepository[models.Policy]
}

func NewPolicyRepository(db *gorm.DB) PolicyRepository {
	return &policyRepository{newBaseRepository[models.Policy](db, "policy")}
}

func (r *policyRepository) ListByWorkspace(ctx context.Context, workspaceID uuid.UUID) ([]models.Policy, error) {
	return r.list(ctx, "priority DESC, created_at, id", "workspace_id = ?", workspaceID)
}
