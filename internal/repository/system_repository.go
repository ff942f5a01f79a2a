package repository

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/releaseplane/engine/internal/models"
)

type systemRepository struct {
	baseRepository[models.System]
}

func NewSystemRepository(db *gorm.DB) SystemRepository {
	return &systemRepository{newBaseRepository[models.System](db, "system")}
}

func (r *systemRepository) List(ctx context.Context) ([]models.System, error) {
	return r.list(ctx, "created_at, id", "1 = 1")
}

func (r *systemRepository) ListByWorkspace(ctx context.Context, workspaceID uuid.UUID) ([]models.System, error) {
	return r.list(ctx, "created_at, id", "workspace_id = ?", workspaceID)
}

type environmentRepository struct {
	baseRepository[models.Environment]
}

func NewEnvironmentRepository(db *gorm.DB) EnvironmentRepository {
	return &environmentRepository{newBaseRepository[models.Environment](db, "environment")}
}

func (r *environmentRepository) ListBySystem(ctx context.Context, systemID uuid.UUID) ([]models.Environment, error) {
	return r.list(ctx, "created_at, id", "system_id = ?", systemID)
}

type deploymentRepository struct {
	baseRepository[models.Deployment]
}

func NewDeploymentRepository(db *gorm.DB) DeploymentRepository {
	return &deploymentRepository{newBaseRepository[models.Deployment](db, "deployment")}
}

func (r *deploymentRepository) ListBySystem(ctx context.Context, systemID uuid.UUID) ([]models.Deployment, error) {
	return r.list(ctx, "created_at, id", "system_id = ?", systemID)
}

func (r *deploymentRepository) ListByJobAgent(ctx context.Context, jobAgentID uuid.UUID) ([]models.Deployment, error) {
	return r.list(ctx, "created_at, id", "job_agent_id = ?", jobAgentID)
}
