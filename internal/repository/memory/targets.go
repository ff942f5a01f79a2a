package memory

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/releaseplane/engine/internal/models"
	appErr "github.com/releaseplane/engine/pkg/errors"
)

type targetRepo struct{ s *Store }

func (r *targetRepo) Get(_ context.Context, id uuid.UUID) (*models.ReleaseTarget, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return r.s.targets.get(id, false)
}

func (r *targetRepo) listWhere(keep func(*models.ReleaseTarget) bool) []models.ReleaseTarget {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return r.s.targets.list(false, keep)
}

func (r *targetRepo) List(context.Context) ([]models.ReleaseTarget, error) {
	return r.listWhere(nil), nil
}

func (r *targetRepo) ListByResource(_ context.Context, resourceID uuid.UUID) ([]models.ReleaseTarget, error) {
	return r.listWhere(func(t *models.ReleaseTarget) bool { return t.ResourceID == resourceID }), nil
}

func (r *targetRepo) ListByEnvironment(_ context.Context, environmentID uuid.UUID) ([]models.ReleaseTarget, error) {
	return r.listWhere(func(t *models.ReleaseTarget) bool { return t.EnvironmentID == environmentID }), nil
}

func (r *targetRepo) ListByDeployment(_ context.Context, deploymentID uuid.UUID) ([]models.ReleaseTarget, error) {
	return r.listWhere(func(t *models.ReleaseTarget) bool { return t.DeploymentID == deploymentID }), nil
}

func (r *targetRepo) Upsert(_ context.Context, k models.TargetKey) (*models.ReleaseTarget, bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	existing, err := r.s.targets.find(true, func(t *models.ReleaseTarget) bool { return t.Key() == k })
	if err == nil {
		if !existing.DeletedAt.Valid {
			return existing, false, nil
		}
		existing.DeletedAt = gorm.DeletedAt{}
		r.s.targets.put(existing)
		return existing, true, nil
	}
	rt := &models.ReleaseTarget{ResourceID: k.ResourceID, EnvironmentID: k.EnvironmentID, DeploymentID: k.DeploymentID}
	if err := r.s.targets.insert(rt, r.s.now()); err != nil {
		return nil, false, err
	}
	return rt, true, nil
}

func (r *targetRepo) Remove(_ context.Context, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.targets.delete(id, r.s.now())
}

func (r *targetRepo) SetPinnedVersion(_ context.Context, id uuid.UUID, versionID *uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, err := r.s.targets.get(id, false)
	if err != nil {
		return err
	}
	t.PinnedVersionID = versionID
	return r.s.targets.update(t, r.s.now())
}

// openLock reports whether targetID has an open lock. Callers hold the mutex.
func (s *Store) openLock(targetID uuid.UUID) (*models.ReleaseTargetLock, bool) {
	l, err := s.locks.find(false, func(l *models.ReleaseTargetLock) bool {
		return l.ReleaseTargetID == targetID && l.UnlockedAt == nil
	})
	return l, err == nil
}

// claimTarget mirrors the row lock taken by the postgres store: the target
// must be active and unlocked.
func (s *Store) claimTarget(targetID uuid.UUID) error {
	if _, err := s.targets.get(targetID, false); err != nil {
		return err
	}
	if _, locked := s.openLock(targetID); locked {
		return appErr.New(appErr.CodeConflict, "release target is locked")
	}
	return nil
}

func (s *Store) latestRelease(targetID uuid.UUID) (*models.Release, bool) {
	for i := len(s.releases.order) - 1; i >= 0; i-- {
		row := s.releases.rows[s.releases.order[i]]
		if row.ReleaseTargetID == targetID {
			return clone(row), true
		}
	}
	return nil, false
}

type releaseRepo struct{ s *Store }

func (r *releaseRepo) Get(_ context.Context, id uuid.UUID) (*models.Release, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return r.s.releases.get(id, false)
}

func (r *releaseRepo) ListByTarget(_ context.Context, targetID uuid.UUID) ([]models.Release, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := r.s.releases.list(false, func(rel *models.Release) bool { return rel.ReleaseTargetID == targetID })
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (r *releaseRepo) Latest(_ context.Context, targetID uuid.UUID) (*models.Release, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	rel, ok := r.s.latestRelease(targetID)
	if !ok {
		return nil, appErr.New(appErr.CodeNotFound, "release not found")
	}
	return rel, nil
}

func (r *releaseRepo) CreateWithJob(_ context.Context, rel *models.Release, job *models.Job) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.claimTarget(rel.ReleaseTargetID); err != nil {
		return err
	}
	if latest, ok := r.s.latestRelease(rel.ReleaseTargetID); ok &&
		latest.VersionID == rel.VersionID && latest.VariablesHash == rel.VariablesHash {
		return appErr.New(appErr.CodeConflict, "release already exists")
	}
	now := r.s.now()
	if err := r.s.releases.insert(rel, now); err != nil {
		return err
	}
	if job == nil {
		return nil
	}
	job.ReleaseID = rel.ID
	job.ReleaseTargetID = rel.ReleaseTargetID
	job.VersionID = rel.VersionID
	return r.s.jobs.insert(job, now)
}

type jobRepo struct{ s *Store }

func (r *jobRepo) Get(_ context.Context, id uuid.UUID) (*models.Job, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return r.s.jobs.get(id, false)
}

func (r *jobRepo) Update(_ context.Context, job *models.Job, from models.JobStatus) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, err := r.s.jobs.get(job.ID, false)
	if err != nil {
		return err
	}
	if cur.Status != from {
		return appErr.Newf(appErr.CodeConflict, "job is no longer %s", from)
	}
	return r.s.jobs.update(job, r.s.now())
}

func (r *jobRepo) ListByRelease(_ context.Context, releaseID uuid.UUID) ([]models.Job, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return r.s.jobs.list(false, func(j *models.Job) bool { return j.ReleaseID == releaseID }), nil
}

func (r *jobRepo) ListByTarget(_ context.Context, targetID uuid.UUID) ([]models.Job, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return r.s.jobs.list(false, func(j *models.Job) bool { return j.ReleaseTargetID == targetID }), nil
}

func (r *jobRepo) Enqueue(_ context.Context, job *models.Job, after *uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.claimTarget(job.ReleaseTargetID); err != nil {
		return err
	}
	if after != nil {
		jobs := r.s.jobs.list(false, func(j *models.Job) bool { return j.ReleaseID == job.ReleaseID })
		if len(jobs) == 0 {
			return appErr.New(appErr.CodeNotFound, "job not found")
		}
		if jobs[len(jobs)-1].ID != *after {
			return appErr.New(appErr.CodeConflict, "release has a newer job")
		}
	}
	return r.s.jobs.insert(job, r.s.now())
}

func (r *jobRepo) Claim(_ context.Context, agentID uuid.UUID, limit int, staleBefore, now time.Time) ([]models.Job, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]models.Job, 0)
	for _, id := range r.s.jobs.order {
		if len(out) >= limit {
			break
		}
		j := r.s.jobs.rows[id]
		if j.JobAgentID != agentID || j.Status != models.JobPending {
			continue
		}
		if j.ClaimedAt != nil && !j.ClaimedAt.Before(staleBefore) {
			continue
		}
		claimed := now
		j.ClaimedAt = &claimed
		j.UpdatedAt = now
		out = append(out, *clone(j))
	}
	return out, nil
}

type approvalRepo struct{ s *Store }

func (r *approvalRepo) Create(_ context.Context, a *models.Approval) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.approvals.insert(a, r.s.now())
}

func (r *approvalRepo) ListByVersionEnvironment(_ context.Context, versionID, environmentID uuid.UUID) ([]models.Approval, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return r.s.approvals.list(false, func(a *models.Approval) bool {
		return a.DeploymentVersionID == versionID && a.EnvironmentID == environmentID
	}), nil
}

type lockRepo struct{ s *Store }

func (r *lockRepo) Acquire(_ context.Context, lock *models.ReleaseTargetLock) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, err := r.s.targets.get(lock.ReleaseTargetID, false); err != nil {
		return err
	}
	if _, locked := r.s.openLock(lock.ReleaseTargetID); locked {
		return appErr.New(appErr.CodeConflict, "release target is already locked")
	}
	return r.s.locks.insert(lock, r.s.now())
}

func (r *lockRepo) Release(_ context.Context, targetID uuid.UUID, by string, at time.Time) (*models.ReleaseTargetLock, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	lock, ok := r.s.openLock(targetID)
	if !ok {
		return nil, appErr.New(appErr.CodeInvalid, "release target is not locked")
	}
	lock.UnlockedAt = &at
	lock.UnlockedBy = by
	if err := r.s.locks.update(lock, r.s.now()); err != nil {
		return nil, err
	}
	return lock, nil
}

func (r *lockRepo) Open(_ context.Context, targetID uuid.UUID) (*models.ReleaseTargetLock, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	lock, ok := r.s.openLock(targetID)
	if !ok {
		return nil, appErr.New(appErr.CodeNotFound, "release target lock not found")
	}
	return lock, nil
}
