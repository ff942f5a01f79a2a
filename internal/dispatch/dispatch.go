// Package dispatch records releases, hands their jobs to agents and drives
// the job status machine.
package dispatch

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/releaseplane/engine/internal/events"
	"github.com/releaseplane/engine/internal/metrics"
	"github.com/releaseplane/engine/internal/models"
	"github.com/releaseplane/engine/internal/policy"
	"github.com/releaseplane/engine/internal/repository"
	appErr "github.com/releaseplane/engine/pkg/errors"
	"github.com/releaseplane/engine/pkg/logger"
	"github.com/releaseplane/engine/pkg/utils"
)

// Options tune job delivery.
type Options struct {
	// LeaseTimeout is how long a claimed, still pending job stays hidden
	// from other polls.
	LeaseTimeout time.Duration
	// Limit caps the number of jobs returned by one poll.
	Limit int
}

// Dispatcher is the job queue shared by the reconciler and the API.
type Dispatcher struct {
	store repository.Store
	eval  *policy.Evaluator
	pub   events.Publisher
	opts  Options
	now   func() time.Time
	log   *zap.Logger
}

// New returns a dispatcher.
func New(store repository.Store, eval *policy.Evaluator, pub events.Publisher, opts Options) *Dispatcher {
	if pub == nil {
		pub = events.Discard
	}
	if opts.LeaseTimeout <= 0 {
		opts.LeaseTimeout = 5 * time.Minute
	}
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	return &Dispatcher{
		store: store,
		eval:  eval,
		pub:   pub,
		opts:  opts,
		now:   func() time.Time { return time.Now().UTC() },
		log:   logger.Named("dispatch"),
	}
}

// WithClock replaces the dispatcher clock.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// Release records a release of version with its resolved variables and
// enqueues its first job. It returns CodeConflict when the target is locked
// or already has that exact release.
func (d *Dispatcher) Release(ctx context.Context, in policy.Input, version *models.DeploymentVersion, variables map[string]any) (*models.Release, *models.Job, error) {
	if in.Deployment.JobAgentID == nil {
		return nil, nil, appErr.New(appErr.CodeInvalid, "deployment has no job agent")
	}
	if variables == nil {
		variables = map[string]any{}
	}
	hash, err := utils.HashJSON(variables)
	if err != nil {
		return nil, nil, appErr.Wrap(err, appErr.CodeInternal, "hash variables")
	}
	rel := &models.Release{
		ReleaseTargetID: in.Target.ID,
		VersionID:       version.ID,
		Variables:       variables,
		VariablesHash:   hash,
	}
	job := d.newJob(*in.Deployment.JobAgentID, in.Deployment.JobAgentConfig, models.ReasonPolicyPassing)
	if err := d.store.Releases().CreateWithJob(ctx, rel, job); err != nil {
		return nil, nil, err
	}
	metrics.ReleasesCreatedTotal.Inc()
	metrics.JobsCreatedTotal.WithLabelValues(string(job.Reason)).Inc()
	d.log.Info("release created",
		zap.String("release_target_id", in.Target.ID.String()),
		zap.String("version", version.Tag),
		zap.String("release_id", rel.ID.String()),
		zap.String("job_id", job.ID.String()))
	return rel, job, nil
}

func (d *Dispatcher) newJob(agentID uuid.UUID, config map[string]any, reason models.JobReason) *models.Job {
	cfg := make(map[string]any, len(config))
	for k, v := range config {
		cfg[k] = v
	}
	return &models.Job{
		JobAgentID:     agentID,
		JobAgentConfig: cfg,
		Status:         models.JobPending,
		Reason:         reason,
	}
}

// Next claims the agent's pending jobs. Concurrent polls never receive the
// same job; a claim expires after the lease timeout.
func (d *Dispatcher) Next(ctx context.Context, agentID uuid.UUID) ([]models.Job, error) {
	if _, err := d.store.JobAgents().Get(ctx, agentID); err != nil {
		return nil, err
	}
	now := d.now()
	jobs, err := d.store.Jobs().Claim(ctx, agentID, d.opts.Limit, now.Add(-d.opts.LeaseTimeout), now)
	if err != nil {
		return nil, err
	}
	metrics.JobsClaimedTotal.Add(float64(len(jobs)))
	return jobs, nil
}

// Redeploy enqueues a fresh job for the target's latest release.
func (d *Dispatcher) Redeploy(ctx context.Context, targetID uuid.UUID) (*models.Job, error) {
	rt, err := d.store.ReleaseTargets().Get(ctx, targetID)
	if err != nil {
		return nil, err
	}
	rel, err := d.store.Releases().Latest(ctx, rt.ID)
	if appErr.IsCode(err, appErr.CodeNotFound) {
		return nil, appErr.New(appErr.CodeInvalid, "release target has no release to redeploy")
	}
	if err != nil {
		return nil, err
	}
	dep, err := d.store.Deployments().Get(ctx, rt.DeploymentID)
	if err != nil {
		return nil, err
	}
	if dep.JobAgentID == nil {
		return nil, appErr.New(appErr.CodeInvalid, "deployment has no job agent")
	}
	job := d.newJob(*dep.JobAgentID, dep.JobAgentConfig, models.ReasonRedeploy)
	job.ReleaseID = rel.ID
	job.ReleaseTargetID = rt.ID
	job.VersionID = rel.VersionID
	if err := d.store.Jobs().Enqueue(ctx, job, nil); err != nil {
		return nil, err
	}
	metrics.JobsCreatedTotal.WithLabelValues(string(job.Reason)).Inc()
	return job, nil
}

// Pin fixes the target to a version of its deployment, chosen by id or tag.
func (d *Dispatcher) Pin(ctx context.Context, targetID uuid.UUID, versionID *uuid.UUID, tag string) (*models.ReleaseTarget, error) {
	rt, err := d.store.ReleaseTargets().Get(ctx, targetID)
	if err != nil {
		return nil, err
	}
	var v *models.DeploymentVersion
	switch {
	case versionID != nil:
		v, err = d.store.Versions().Get(ctx, *versionID)
	case tag != "":
		v, err = d.store.Versions().GetByTag(ctx, rt.DeploymentID, tag)
	default:
		return nil, appErr.New(appErr.CodeInvalid, "versionId or versionTag is required")
	}
	if err != nil {
		return nil, err
	}
	if v.DeploymentID != rt.DeploymentID {
		return nil, appErr.New(appErr.CodeInvalid, "version belongs to another deployment")
	}
	return d.setPin(ctx, rt, &v.ID)
}

// Unpin restores normal version selection.
func (d *Dispatcher) Unpin(ctx context.Context, targetID uuid.UUID) (*models.ReleaseTarget, error) {
	rt, err := d.store.ReleaseTargets().Get(ctx, targetID)
	if err != nil {
		return nil, err
	}
	return d.setPin(ctx, rt, nil)
}

func (d *Dispatcher) setPin(ctx context.Context, rt *models.ReleaseTarget, versionID *uuid.UUID) (*models.ReleaseTarget, error) {
	if err := d.store.ReleaseTargets().SetPinnedVersion(ctx, rt.ID, versionID); err != nil {
		return nil, err
	}
	rt.PinnedVersionID = versionID
	d.publish(ctx, events.New(events.TargetEvaluate, rt.ID))
	return rt, nil
}

func (d *Dispatcher) publish(ctx context.Context, evt events.Event) {
	if err := d.pub.Publish(ctx, evt); err != nil {
		d.log.Error("publish event", zap.String("type", string(evt.Type)), zap.Error(err))
	}
}
