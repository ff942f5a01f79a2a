package repository

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/releaseplane/engine/internal/models"
)

type versionRepository struct {
	baseRepository[models.DeploymentVersion]
}

func NewVersionRepository(db *gorm.DB) VersionRepository {
	return &versionRepository{newBaseRepository[models.DeploymentVersion](db, "deployment version")}
}

func (r *versionRepository) ListByDeployment(ctx context.Context, deploymentID uuid.UUID) ([]models.DeploymentVersion, error) {
	return r.list(ctx, "created_at DESC, id DESC", "deployment_id = ?", deploymentID)
}

func (r *versionRepository) GetByTag(ctx context.Context, deploymentID uuid.UUID, tag string) (*models.DeploymentVersion, error) {
	return r.first(ctx, "deployment_id = ? AND tag = ?", deploymentID, tag)
}

type variableRepository struct {
	baseRepository[models.DeploymentVariable]
}

func NewVariableRepository(db *gorm.DB) VariableRepository {
	return &variableRepository{newBaseRepository[models.DeploymentVariable](db, "deployment variable")}
}

func (r *variableRepository) ListByDeployment(ctx context.Context, deploymentID uuid.UUID) ([]models.DeploymentVariable, error) {
	return r.list(ctx, "key", "deployment_id = ?", deploymentID)
}

func (r *variableRepository) GetByKey(ctx context.Context, deploymentID uuid.UUID, key string) (*models.DeploymentVariable, error) {
	return r.first(ctx, "deployment_id = ? AND key = ?", deploymentID, key)
}
