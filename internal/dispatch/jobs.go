package dispatch

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/releaseplane/engine/internal/events"
	"github.com/releaseplane/engine/internal/metrics"
	"github.com/releaseplane/engine/internal/models"
	"github.com/releaseplane/engine/internal/policy"
	appErr "github.com/releaseplane/engine/pkg/errors"
)

// JobUpdate is an agent's status report. Nil fields are left unchanged.
type JobUpdate struct {
	Status     models.JobStatus `json:"status" validate:"required"`
	Message    *string          `json:"message"`
	ExternalID *string          `json:"externalId"`
}

// UpdateJob applies a status report. Terminal jobs reject further
// transitions; reporting the current status again only updates the message
// fields. The write only lands if no concurrent report moved the status in
// between; otherwise it fails with CodeConflict. A failure may enqueue a
// retry under the target's retry policy.
func (d *Dispatcher) UpdateJob(ctx context.Context, id uuid.UUID, upd JobUpdate) (*models.Job, error) {
	if !upd.Status.Valid() {
		return nil, appErr.Newf(appErr.CodeInvalid, "unknown job status %q", upd.Status)
	}
	job, err := d.store.Jobs().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	from := job.Status
	if upd.Message != nil {
		job.Message = *upd.Message
	}
	if upd.ExternalID != nil {
		job.ExternalID = *upd.ExternalID
	}

	changed := job.Status != upd.Status
	if changed {
		if job.Status.Terminal() {
			return nil, appErr.Newf(appErr.CodeInvalid, "job is %s and cannot move to %s", job.Status, upd.Status)
		}
		now := d.now()
		if upd.Status == models.JobInProgress && job.StartedAt == nil {
			job.StartedAt = &now
		}
		if upd.Status.Terminal() {
			job.CompletedAt = &now
		}
		job.Status = upd.Status
	}
	if err := d.store.Jobs().Update(ctx, job, from); err != nil {
		return nil, err
	}
	if !changed {
		return job, nil
	}

	d.log.Info("job status updated",
		zap.String("job_id", job.ID.String()),
		zap.String("release_target_id", job.ReleaseTargetID.String()),
		zap.String("status", string(job.Status)))

	if job.Status == models.JobFailure {
		if err := d.retry(ctx, job); err != nil {
			d.log.Warn("retry not scheduled", zap.String("job_id", job.ID.String()), zap.Error(err))
		}
	}
	if job.Status.Terminal() {
		d.publish(ctx, events.New(events.JobUpdated, job.ID).WithPayload(job))
	}
	return job, nil
}

// retry enqueues the next attempt of a failed job's release when the retry
// policy still allows it.
func (d *Dispatcher) retry(ctx context.Context, failed *models.Job) error {
	jobs, err := d.store.Jobs().ListByRelease(ctx, failed.ReleaseID)
	if err != nil {
		return err
	}
	if len(jobs) == 0 || jobs[len(jobs)-1].ID != failed.ID {
		return nil
	}
	rt, err := d.store.ReleaseTargets().Get(ctx, failed.ReleaseTargetID)
	if err != nil {
		return err
	}
	in, err := policy.Load(ctx, d.store, rt)
	if err != nil {
		return err
	}
	rules, err := d.eval.Rules(ctx, in)
	if err != nil {
		return err
	}
	if !rules.ShouldRetry(jobs) {
		return nil
	}

	next := d.newJob(failed.JobAgentID, failed.JobAgentConfig, models.ReasonRetry)
	next.ReleaseID = failed.ReleaseID
	next.ReleaseTargetID = failed.ReleaseTargetID
	next.VersionID = failed.VersionID
	if err := d.store.Jobs().Enqueue(ctx, next, &failed.ID); err != nil {
		if appErr.IsCode(err, appErr.CodeConflict) {
			return nil
		}
		return err
	}
	metrics.JobsRetriedTotal.Inc()
	metrics.JobsCreatedTotal.WithLabelValues(string(next.Reason)).Inc()
	d.log.Info("job retry enqueued",
		zap.String("failed_job_id", failed.ID.String()),
		zap.String("job_id", next.ID.String()),
		zap.Int("attempt", policy.Attempts(jobs)+1))
	return nil
}
