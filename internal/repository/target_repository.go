package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/releaseplane/engine/internal/models"
	appErr "github.com/releaseplane/engine/pkg/errors"
)

// lockTarget takes a row lock on an active release target for the rest of
// the transaction. Every per-target write goes through it.
func lockTarget(tx *gorm.DB, id uuid.UUID) error {
	var t models.ReleaseTarget
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&t).Error
	return translate(err, "release target")
}

func hasOpenLock(tx *gorm.DB, targetID uuid.UUID) (bool, error) {
	var n int64
	err := tx.Model(&models.ReleaseTargetLock{}).
		Where("release_target_id = ? AND unlocked_at IS NULL", targetID).
		Count(&n).Error
	if err != nil {
		return false, translate(err, "release target lock")
	}
	return n > 0, nil
}

type releaseTargetRepository struct {
	db *gorm.DB
}

func NewReleaseTargetRepository(db *gorm.DB) ReleaseTargetRepository {
	return &releaseTargetRepository{db: db}
}

func (r *releaseTargetRepository) Get(ctx context.Context, id uuid.UUID) (*models.ReleaseTarget, error) {
	var out models.ReleaseTarget
	if err := r.db.WithContext(ctx).First(&out, "id = ?", id).Error; err != nil {
		return nil, translate(err, "release target")
	}
	return &out, nil
}

func (r *releaseTargetRepository) find(ctx context.Context, query any, args ...any) ([]models.ReleaseTarget, error) {
	var out []models.ReleaseTarget
	q := r.db.WithContext(ctx)
	if query != nil {
		q = q.Where(query, args...)
	}
	if err := q.Order("created_at, id").Find(&out).Error; err != nil {
		return nil, translate(err, "release target")
	}
	return out, nil
}

func (r *releaseTargetRepository) List(ctx context.Context) ([]models.ReleaseTarget, error) {
	return r.find(ctx, nil)
}

func (r *releaseTargetRepository) ListByResource(ctx context.Context, resourceID uuid.UUID) ([]models.ReleaseTarget, error) {
	return r.find(ctx, "resource_id = ?", resourceID)
}

func (r *releaseTargetRepository) ListByEnvironment(ctx context.Context, environmentID uuid.UUID) ([]models.ReleaseTarget, error) {
	return r.find(ctx, "environment_id = ?", environmentID)
}

func (r *releaseTargetRepository) ListByDeployment(ctx context.Context, deploymentID uuid.UUID) ([]models.ReleaseTarget, error) {
	return r.find(ctx, "deployment_id = ?", deploymentID)
}

func (r *releaseTargetRepository) Upsert(ctx context.Context, key models.TargetKey) (*models.ReleaseTarget, bool, error) {
	var (
		out     models.ReleaseTarget
		created bool
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rt := models.ReleaseTarget{ResourceID: key.ResourceID, EnvironmentID: key.EnvironmentID, DeploymentID: key.DeploymentID}
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "resource_id"}, {Name: "environment_id"}, {Name: "deployment_id"}},
			DoNothing: true,
		}).Create(&rt)
		if res.Error != nil {
			return translate(res.Error, "release target")
		}
		if res.RowsAffected == 1 {
			out, created = rt, true
			return nil
		}
		if err := tx.Unscoped().
			Where("resource_id = ? AND environment_id = ? AND deployment_id = ?", key.ResourceID, key.EnvironmentID, key.DeploymentID).
			First(&out).Error; err != nil {
			return translate(err, "release target")
		}
		if !out.DeletedAt.Valid {
			return nil
		}
		if err := tx.Unscoped().Model(&out).Update("deleted_at", nil).Error; err != nil {
			return translate(err, "release target")
		}
		out.DeletedAt = gorm.DeletedAt{}
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return &out, created, nil
}

func (r *releaseTargetRepository) Remove(ctx context.Context, id uuid.UUID) error {
	res := r.db.WithContext(ctx).Delete(&models.ReleaseTarget{}, "id = ?", id)
	if res.Error != nil {
		return translate(res.Error, "release target")
	}
	if res.RowsAffected == 0 {
		return appErr.Newf(appErr.CodeNotFound, "release target %s not found", id)
	}
	return nil
}

func (r *releaseTargetRepository) SetPinnedVersion(ctx context.Context, id uuid.UUID, versionID *uuid.UUID) error {
	res := r.db.WithContext(ctx).Model(&models.ReleaseTarget{}).Where("id = ?", id).Update("pinned_version_id", versionID)
	if res.Error != nil {
		return translate(res.Error, "release target")
	}
	if res.RowsAffected == 0 {
		return appErr.Newf(appErr.CodeNotFound, "release target %s not found", id)
	}
	return nil
}

type releaseRepository struct {
	db *gorm.DB
}

func NewReleaseRepository(db *gorm.DB) ReleaseRepository {
	return &releaseRepository{db: db}
}

func (r *releaseRepository) Get(ctx context.Context, id uuid.UUID) (*models.Release, error) {
	var out models.Release
	if err := r.db.WithContext(ctx).First(&out, "id = ?", id).Error; err != nil {
		return nil, translate(err, "release")
	}
	return &out, nil
}

func (r *releaseRepository) ListByTarget(ctx context.Context, targetID uuid.UUID) ([]models.Release, error) {
	var out []models.Release
	if err := r.db.WithContext(ctx).Where("release_target_id = ?", targetID).Order("created_at DESC, id DESC").Find(&out).Error; err != nil {
		return nil, translate(err, "release")
	}
	return out, nil
}

func (r *releaseRepository) Latest(ctx context.Context, targetID uuid.UUID) (*models.Release, error) {
	return latestRelease(r.db.WithContext(ctx), targetID)
}

func latestRelease(tx *gorm.DB, targetID uuid.UUID) (*models.Release, error) {
	var out models.Release
	if err := tx.Where("release_target_id = ?", targetID).Order("created_at DESC, id DESC").First(&out).Error; err != nil {
		return nil, translate(err, "release")
	}
	return &out, nil
}

func (r *releaseRepository) CreateWithJob(ctx context.Context, rel *models.Release, job *models.Job) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockTarget(tx, rel.ReleaseTargetID); err != nil {
			return err
		}
		locked, err := hasOpenLock(tx, rel.ReleaseTargetID)
		if err != nil {
			return err
		}
		if locked {
			return appErr.New(appErr.CodeConflict, "release target is locked")
		}
		latest, err := latestRelease(tx, rel.ReleaseTargetID)
		switch {
		case err == nil:
			if latest.VersionID == rel.VersionID && latest.VariablesHash == rel.VariablesHash {
				return appErr.New(appErr.CodeConflict, "release already exists")
			}
		case !appErr.IsCode(err, appErr.CodeNotFound):
			return err
		}
		if err := tx.Create(rel).Error; err != nil {
			return translate(err, "release")
		}
		if job == nil {
			return nil
		}
		job.ReleaseID = rel.ID
		job.ReleaseTargetID = rel.ReleaseTargetID
		job.VersionID = rel.VersionID
		return translate(tx.Create(job).Error, "job")
	})
}

type jobRepository struct {
	db *gorm.DB
}

func NewJobRepository(db *gorm.DB) JobRepository {
	return &jobRepository{db: db}
}

func (r *jobRepository) Get(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	var out models.Job
	if err := r.db.WithContext(ctx).First(&out, "id = ?", id).Error; err != nil {
		return nil, translate(err, "job")
	}
	return &out, nil
}

func (r *jobRepository) Update(ctx context.Context, job *models.Job, from models.JobStatus) error {
	res := r.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND status = ?", job.ID, from).
		Select("*").Omit("id", "created_at").
		Updates(job)
	if res.Error != nil {
		return translate(res.Error, "job")
	}
	if res.RowsAffected == 0 {
		if _, err := r.Get(ctx, job.ID); err != nil {
			return err
		}
		return appErr.Newf(appErr.CodeConflict, "job is no longer %s", from)
	}
	return nil
}

func (r *jobRepository) ListByRelease(ctx context.Context, releaseID uuid.UUID) ([]models.Job, error) {
	var out []models.Job
	if err := r.db.WithContext(ctx).Where("release_id = ?", releaseID).Order("created_at, id").Find(&out).Error; err != nil {
		return nil, translate(err, "job")
	}
	return out, nil
}

func (r *jobRepository) ListByTarget(ctx context.Context, targetID uuid.UUID) ([]models.Job, error) {
	var out []models.Job
	if err := r.db.WithContext(ctx).Where("release_target_id = ?", targetID).Order("created_at, id").Find(&out).Error; err != nil {
		return nil, translate(err, "job")
	}
	return out, nil
}

func (r *jobRepository) Enqueue(ctx context.Context, job *models.Job, after *uuid.UUID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockTarget(tx, job.ReleaseTargetID); err != nil {
			return err
		}
		locked, err := hasOpenLock(tx, job.ReleaseTargetID)
		if err != nil {
			return err
		}
		if locked {
			return appErr.New(appErr.CodeConflict, "release target is locked")
		}
		if after != nil {
			var last models.Job
			if err := tx.Where("release_id = ?", job.ReleaseID).Order("created_at DESC, id DESC").First(&last).Error; err != nil {
				return translate(err, "job")
			}
			if last.ID != *after {
				return appErr.New(appErr.CodeConflict, "release has a newer job")
			}
		}
		return translate(tx.Create(job).Error, "job")
	})
}

func (r *jobRepository) Claim(ctx context.Context, agentID uuid.UUID, limit int, staleBefore, now time.Time) ([]models.Job, error) {
	var jobs []models.Job
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("job_agent_id = ? AND status = ? AND (claimed_at IS NULL OR claimed_at < ?)", agentID, models.JobPending, staleBefore).
			Order("created_at, id").
			Limit(limit).
			Find(&jobs).Error; err != nil {
			return translate(err, "job")
		}
		if len(jobs) == 0 {
			return nil
		}
		ids := lo.Map(jobs, func(j models.Job, _ int) uuid.UUID { return j.ID })
		if err := tx.Model(&models.Job{}).Where("id IN ?", ids).Update("claimed_at", now).Error; err != nil {
			return translate(err, "job")
		}
		for i := range jobs {
			jobs[i].ClaimedAt = &now
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

type approvalRepository struct {
	db *gorm.DB
}

func NewApprovalRepository(db *gorm.DB) ApprovalRepository {
	return &approvalRepository{db: db}
}

func (r *approvalRepository) Create(ctx context.Context, a *models.Approval) error {
	return translate(r.db.WithContext(ctx).Create(a).Error, "approval")
}

func (r *approvalRepository) ListByVersionEnvironment(ctx context.Context, versionID, environmentID uuid.UUID) ([]models.Approval, error) {
	var out []models.Approval
	err := r.db.WithContext(ctx).
		Where("deployment_version_id = ? AND environment_id = ?", versionID, environmentID).
		Order("created_at, id").
		Find(&out).Error
	if err != nil {
		return nil, translate(err, "approval")
	}
	return out, nil
}

type lockRepository struct {
	db *gorm.DB
}

func NewLockRepository(db *gorm.DB) LockRepository {
	return &lockRepository{db: db}
}

func (r *lockRepository) Acquire(ctx context.Context, lock *models.ReleaseTargetLock) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockTarget(tx, lock.ReleaseTargetID); err != nil {
			return err
		}
		locked, err := hasOpenLock(tx, lock.ReleaseTargetID)
		if err != nil {
			return err
		}
		if locked {
			return appErr.New(appErr.CodeConflict, "release target is already locked")
		}
		return tx.Create(lock).Error
	})
	if err == nil {
		return nil
	}
	var ae *appErr.AppError
	if errors.As(err, &ae) {
		return err
	}
	err = translate(err, "release target lock")
	if appErr.IsCode(err, appErr.CodeConflict) {
		return appErr.New(appErr.CodeConflict, "release target is already locked")
	}
	return err
}

func (r *lockRepository) Release(ctx context.Context, targetID uuid.UUID, by string, at time.Time) (*models.ReleaseTargetLock, error) {
	var lock models.ReleaseTargetLock
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("release_target_id = ? AND unlocked_at IS NULL", targetID).
			First(&lock).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return appErr.New(appErr.CodeInvalid, "release target is not locked")
		}
		if err != nil {
			return translate(err, "release target lock")
		}
		lock.UnlockedAt = &at
		lock.UnlockedBy = by
		return translate(tx.Save(&lock).Error, "release target lock")
	})
	if err != nil {
		return nil, err
	}
	return &lock, nil
}

func (r *lockRepository) Open(ctx context.Context, targetID uuid.UUID) (*models.ReleaseTargetLock, error) {
	var lock models.ReleaseTargetLock
	err := r.db.WithContext(ctx).Where("release_target_id = ? AND unlocked_at IS NULL", targetID).First(&lock).Error
	if err != nil {
		return nil, translate(err, "release target lock")
	}
	return &lock, nil
}
