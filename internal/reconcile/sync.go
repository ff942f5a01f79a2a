package reconcile

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/releaseplane/engine/internal/policy"
	"github.com/releaseplane/engine/internal/relationship"
	"github.com/releaseplane/engine/internal/variables"
	appErr "github.com/releaseplane/engine/pkg/errors"
)

// Sync evaluates one release target and records a release when its policies
// allow it. The returned delay is set when the decision changes on its own
// (rollout slot, deny window end). Work on one target never overlaps.
func (c *Controller) Sync(ctx context.Context, targetID uuid.UUID) (after time.Duration, err error) {
	started := time.Now()
	defer func() { metricsObserveTarget(started, err) }()

	unlock, err := c.mutex.Lock(ctx, "release-target:"+targetID.String())
	if err != nil {
		return 0, err
	}
	defer unlock()

	log := c.log.With(zap.String("release_target_id", targetID.String()))

	rt, err := c.store.ReleaseTargets().Get(ctx, targetID)
	if appErr.IsCode(err, appErr.CodeNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	in, err := policy.Load(ctx, c.store, rt)
	if appErr.IsCode(err, appErr.CodeNotFound) {
		// The resource or a parent was deleted; the registry drops the target.
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if in.Deployment.JobAgentID == nil {
		log.Debug("deployment has no job agent")
		return 0, nil
	}

	d, err := c.eval.Evaluate(ctx, in)
	if err != nil {
		return 0, err
	}
	if !d.Allowed {
		log.Debug("release withheld", zap.String("reason", d.Reason))
		if !d.RetryAt.IsZero() {
			if wait := d.RetryAt.Sub(c.now()); wait > 0 {
				return wait, nil
			}
			return time.Second, nil
		}
		return 0, nil
	}

	graph, err := relationship.For(ctx, c.store, in.Resource)
	if err != nil {
		return 0, err
	}
	defs, err := c.store.Variables().ListByDeployment(ctx, in.Deployment.ID)
	if err != nil {
		return 0, err
	}
	vars, err := variables.Resolve(in.Resource, defs, graph)
	if err != nil {
		return 0, err
	}

	_, _, err = c.dispatch.Release(ctx, in, d.Version, vars)
	if appErr.IsCode(err, appErr.CodeConflict) {
		// Locked, or the same release already exists.
		return 0, nil
	}
	return 0, err
}
