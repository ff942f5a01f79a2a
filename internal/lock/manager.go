// Package lock implements release target locks and the per-target mutex
// that serializes reconciliation of a single target.
package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/releaseplane/engine/internal/events"
	"github.com/releaseplane/engine/internal/models"
	"github.com/releaseplane/engine/internal/repository"
	appErr "github.com/releaseplane/engine/pkg/errors"
	"github.com/releaseplane/engine/pkg/logger"
)

// Manager acquires and releases user-facing release target locks. The
// store provides the compare-and-swap; the manager adds identity, time and
// the follow-up evaluation once a target is unlocked.
type Manager struct {
	store repository.Store
	pub   events.Publisher
	now   func() time.Time
}

// NewManager returns a lock manager.
func NewManager(store repository.Store, pub events.Publisher) *Manager {
	if pub == nil {
		pub = events.Discard
	}
	return &Manager{store: store, pub: pub, now: func() time.Time { return time.Now().UTC() }}
}

// Lock opens a lock on the target. A second lock fails with CodeConflict.
func (m *Manager) Lock(ctx context.Context, targetID uuid.UUID, by string) (*models.ReleaseTargetLock, error) {
	if by == "" {
		return nil, appErr.New(appErr.CodeInvalid, "lockedBy is required")
	}
	l := &models.ReleaseTargetLock{ReleaseTargetID: targetID, LockedAt: m.now(), LockedBy: by}
	if err := m.store.Locks().Acquire(ctx, l); err != nil {
		if !appErr.IsCode(err, appErr.CodeConflict) {
			return nil, err
		}
		cur, openErr := m.store.Locks().Open(ctx, targetID)
		if openErr != nil {
			return nil, err
		}
		return nil, appErr.Wrap(err, appErr.CodeConflict, "release target is already locked").
			WithMeta("lockedBy", cur.LockedBy).
			WithMeta("lockedAt", cur.LockedAt)
	}
	logger.L().Info("release target locked",
		zap.String("release_target_id", targetID.String()),
		zap.String("locked_by", by))
	return l, nil
}

// Unlock closes the open lock. Unlocking a target without an open lock
// fails with CodeInvalid. The target is evaluated again afterwards so the
// latest eligible version can release.
func (m *Manager) Unlock(ctx context.Context, targetID uuid.UUID, by string) (*models.ReleaseTargetLock, error) {
	if _, err := m.store.ReleaseTargets().Get(ctx, targetID); err != nil {
		return nil, err
	}
	l, err := m.store.Locks().Release(ctx, targetID, by, m.now())
	if err != nil {
		return nil, err
	}
	logger.L().Info("release target unlocked",
		zap.String("release_target_id", targetID.String()),
		zap.String("unlocked_by", by))
	if err := m.pub.Publish(ctx, events.New(events.TargetEvaluate, targetID)); err != nil {
		logger.L().Error("publish evaluate after unlock", zap.String("release_target_id", targetID.String()), zap.Error(err))
	}
	return l, nil
}

// Current returns the open lock, or CodeNotFound when the target is unlocked.
func (m *Manager) Current(ctx context.Context, targetID uuid.UUID) (*models.ReleaseTargetLock, error) {
	return m.store.Locks().Open(ctx, targetID)
}
