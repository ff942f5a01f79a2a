package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/releaseplane/engine/internal/models"
)

// Models lists every table managed by Migrate.
func Models() []any {
	return []any{
		&models.System{},
		&models.Environment{},
		&models.Deployment{},
		&models.DeploymentVersion{},
		&models.DeploymentVariable{},
		&models.Resource{},
		&models.ResourceRelationshipRule{},
		&models.ResourceProvider{},
		&models.JobAgent{},
		&models.Policy{},
		&models.ReleaseTarget{},
		&models.Release{},
		&models.Job{},
		&models.Approval{},
		&models.ReleaseTargetLock{},
	}
}

// Migrate applies the schema. AutoMigrate covers tables and plain indexes;
// the statements below cover what it cannot express.
func Migrate(ctx context.Context, db *gorm.DB) error {
	db = db.WithContext(ctx)
	if err := db.Exec(`CREATE EXTENSION IF NOT EXISTS "pgcrypto"`).Error; err != nil {
		return err
	}
	if err := db.AutoMigrate(Models()...); err != nil {
		return err
	}
	for _, stmt := range customMigrations {
		if err := db.Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}

var customMigrations = []string{
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_release_target_locks_open
		ON release_target_locks(release_target_id)
		WHERE unlocked_at IS NULL`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_pending_claim
		ON jobs(job_agent_id, created_at)
		WHERE status = 'pending'`,
	`CREATE INDEX IF NOT EXISTS idx_releases_target_created
		ON releases(release_target_id, created_at DESC)`,
}
