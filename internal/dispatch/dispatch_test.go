package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/releaseplane/engine/internal/events"
	"github.com/releaseplane/engine/internal/models"
	"github.com/releaseplane/engine/internal/policy"
	"github.com/releaseplane/engine/internal/repository/memory"
	appErr "github.com/releaseplane/engine/pkg/errors"
)

type fixture struct {
	t       *testing.T
	ctx     context.Context
	store   *memory.Store
	rec     *events.Recorder
	d       *Dispatcher
	agent   *models.JobAgent
	in      policy.Input
	version *models.DeploymentVersion
}

func newFixture(t *testing.T, maxRetries *int) *fixture {
	ctx := context.Background()
	store := memory.New()
	ws := uuid.New()
	f := &fixture{t: t, ctx: ctx, store: store, rec: &events.Recorder{}}

	f.agent = &models.JobAgent{WorkspaceID: ws, Name: "runner", Type: "github"}
	require.NoError(t, store.JobAgents().Create(ctx, f.agent))
	sys := &models.System{WorkspaceID: ws, Name: "s", Slug: "s"}
	require.NoError(t, store.Systems().Create(ctx, sys))
	env := &models.Environment{SystemID: sys.ID, Name: "prod"}
	require.NoError(t, store.Environments().Create(ctx, env))
	dep := &models.Deployment{SystemID: sys.ID, Name: "api", Slug: "api", JobAgentID: &f.agent.ID, JobAgentConfig: map[string]any{"workflow": "deploy.yml"}}
	require.NoError(t, store.Deployments().Create(ctx, dep))
	res := &models.Resource{WorkspaceID: ws, Identifier: "r", Name: "r", Kind: "Cluster", Version: "v1"}
	require.NoError(t, store.Resources().Create(ctx, res))
	rt, _, err := store.ReleaseTargets().Upsert(ctx, models.TargetKey{ResourceID: res.ID, EnvironmentID: env.ID, DeploymentID: dep.ID})
	require.NoError(t, err)
	f.version = &models.DeploymentVersion{DeploymentID: dep.ID, Tag: "v1", Status: models.VersionReady}
	require.NoError(t, store.Versions().Create(ctx, f.version))

	if maxRetries != nil {
		p := &models.Policy{WorkspaceID: ws, Name: "retry", Enabled: true, Targets: []models.PolicyTarget{{}}, MaxRetries: maxRetries}
		require.NoError(t, store.Policies().Create(ctx, p))
	}

	f.in = policy.Input{Target: rt, Resource: res, Environment: env, Deployment: dep}
	f.d = New(store, policy.NewEvaluator(store, nil), f.rec, Options{LeaseTimeout: time.Minute, Limit: 10})
	return f
}

func (f *fixture) release() (*models.Release, *models.Job) {
	rel, job, err := f.d.Release(f.ctx, f.in, f.version, map[string]any{"replicas": 3})
	require.NoError(f.t, err)
	return rel, job
}

func (f *fixture) fail(id uuid.UUID) {
	_, err := f.d.UpdateJob(f.ctx, id, JobUpdate{Status: models.JobFailure})
	require.NoError(f.t, err)
}

func TestReleaseEnqueuesOneJob(t *testing.T) {
	f := newFixture(t, nil)
	rel, job := f.release()
	assert.Equal(t, rel.ID, job.ReleaseID)
	assert.Equal(t, f.agent.ID, job.JobAgentID)
	assert.Equal(t, "deploy.yml", job.JobAgentConfig["workflow"])
	assert.NotEmpty(t, rel.VariablesHash)

	_, _, err := f.d.Release(f.ctx, f.in, f.version, map[string]any{"replicas": 3})
	assert.True(t, appErr.IsCode(err, appErr.CodeConflict), "identical release is suppressed")

	jobs, err := f.d.Next(f.ctx, f.agent.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, job.ID, jobs[0].ID)

	jobs, err = f.d.Next(f.ctx, f.agent.ID)
	require.NoError(t, err)
	assert.Empty(t, jobs, "claimed jobs are hidden until the lease expires")

	_, err = f.d.Next(f.ctx, uuid.New())
	assert.True(t, appErr.IsCode(err, appErr.CodeNotFound))
}

func TestLeaseExpiryRedelivers(t *testing.T) {
	f := newFixture(t, nil)
	_, job := f.release()
	now := time.Now().UTC()
	f.d.WithClock(func() time.Time { return now })

	jobs, err := f.d.Next(f.ctx, f.agent.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	now = now.Add(2 * time.Minute)
	jobs, err = f.d.Next(f.ctx, f.agent.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, job.ID, jobs[0].ID)

	_, err = f.d.UpdateJob(f.ctx, job.ID, JobUpdate{Status: models.JobInProgress})
	require.NoError(t, err)
	now = now.Add(2 * time.Minute)
	jobs, err = f.d.Next(f.ctx, f.agent.ID)
	require.NoError(t, err)
	assert.Empty(t, jobs, "only pending jobs are delivered")
}

func TestStatusTransitions(t *testing.T) {
	f := newFixture(t, nil)
	_, job := f.release()

	msg := "running"
	got, err := f.d.UpdateJob(f.ctx, job.ID, JobUpdate{Status: models.JobInProgress, Message: &msg})
	require.NoError(t, err)
	assert.NotNil(t, got.StartedAt)
	assert.Equal(t, "running", got.Message)

	got, err = f.d.UpdateJob(f.ctx, job.ID, JobUpdate{Status: models.JobInProgress})
	require.NoError(t, err, "same status is a no-op")
	assert.Equal(t, models.JobInProgress, got.Status)

	got, err = f.d.UpdateJob(f.ctx, job.ID, JobUpdate{Status: models.JobSuccessful})
	require.NoError(t, err)
	assert.NotNil(t, got.CompletedAt)
	assert.Len(t, f.rec.OfType(events.JobUpdated), 1)

	_, err = f.d.UpdateJob(f.ctx, job.ID, JobUpdate{Status: models.JobPending})
	assert.True(t, appErr.IsCode(err, appErr.CodeInvalid))

	_, err = f.d.UpdateJob(f.ctx, job.ID, JobUpdate{Status: "exploded"})
	assert.True(t, appErr.IsCode(err, appErr.CodeInvalid))

	_, err = f.d.UpdateJob(f.ctx, uuid.New(), JobUpdate{Status: models.JobFailure})
	assert.True(t, appErr.IsCode(err, appErr.CodeNotFound))
}

func TestConcurrentTerminalReportsHaveOneWinner(t *testing.T) {
	f := newFixture(t, nil)
	_, job := f.release()

	statuses := []models.JobStatus{models.JobSuccessful, models.JobFailure, models.JobCancelled, models.JobSkipped}
	errs := make(chan error, len(statuses))
	var wg sync.WaitGroup
	for _, st := range statuses {
		wg.Add(1)
		go func(st models.JobStatus) {
			defer wg.Done()
			_, err := f.d.UpdateJob(f.ctx, job.ID, JobUpdate{Status: st})
			errs <- err
		}(st)
	}
	wg.Wait()
	close(errs)

	won := 0
	for err := range errs {
		if err == nil {
			won++
			continue
		}
		assert.True(t, appErr.IsCode(err, appErr.CodeConflict) || appErr.IsCode(err, appErr.CodeInvalid), "got %v", err)
	}
	assert.Equal(t, 1, won)
	assert.Len(t, f.rec.OfType(events.JobUpdated), 1)
}

func TestRetryStopsAtMaxRetries(t *testing.T) {
	maxRetries := 3
	f := newFixture(t, &maxRetries)
	rel, _ := f.release()

	for attempt := 1; attempt <= maxRetries; attempt++ {
		jobs, err := f.d.Next(f.ctx, f.agent.ID)
		require.NoError(t, err)
		require.Len(t, jobs, 1, "attempt %d", attempt)
		f.fail(jobs[0].ID)
	}

	jobs, err := f.d.Next(f.ctx, f.agent.ID)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	all, err := f.store.Jobs().ListByRelease(f.ctx, rel.ID)
	require.NoError(t, err)
	assert.Len(t, all, maxRetries)
	assert.Equal(t, models.ReasonRetry, all[1].Reason)
}

func TestNoRetryWithoutPolicy(t *testing.T) {
	f := newFixture(t, nil)
	_, job := f.release()
	f.fail(job.ID)
	jobs, err := f.d.Next(f.ctx, f.agent.ID)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestRetrySuppressedByLock(t *testing.T) {
	maxRetries := 5
	f := newFixture(t, &maxRetries)
	_, job := f.release()
	require.NoError(t, f.store.Locks().Acquire(f.ctx, &models.ReleaseTargetLock{ReleaseTargetID: f.in.Target.ID, LockedAt: time.Now(), LockedBy: "ops"}))

	f.fail(job.ID)
	all, err := f.store.Jobs().ListByTarget(f.ctx, f.in.Target.ID)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestRedeploy(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.d.Redeploy(f.ctx, f.in.Target.ID)
	assert.True(t, appErr.IsCode(err, appErr.CodeInvalid), "no release yet")

	rel, first := f.release()
	f.fail(first.ID)

	job, err := f.d.Redeploy(f.ctx, f.in.Target.ID)
	require.NoError(t, err)
	assert.Equal(t, rel.ID, job.ReleaseID)
	assert.Equal(t, models.ReasonRedeploy, job.Reason)
	assert.Equal(t, models.JobPending, job.Status)

	require.NoError(t, f.store.Locks().Acquire(f.ctx, &models.ReleaseTargetLock{ReleaseTargetID: f.in.Target.ID, LockedAt: time.Now(), LockedBy: "ops"}))
	_, err = f.d.Redeploy(f.ctx, f.in.Target.ID)
	assert.True(t, appErr.IsCode(err, appErr.CodeConflict))

	_, err = f.d.Redeploy(f.ctx, uuid.New())
	assert.True(t, appErr.IsCode(err, appErr.CodeNotFound))
}

func TestPinUnpin(t *testing.T) {
	f := newFixture(t, nil)
	rt, err := f.d.Pin(f.ctx, f.in.Target.ID, nil, "v1")
	require.NoError(t, err)
	require.NotNil(t, rt.PinnedVersionID)
	assert.Equal(t, f.version.ID, *rt.PinnedVersionID)
	assert.Len(t, f.rec.OfType(events.TargetEvaluate), 1)

	_, err = f.d.Pin(f.ctx, f.in.Target.ID, nil, "missing")
	assert.True(t, appErr.IsCode(err, appErr.CodeNotFound))

	_, err = f.d.Pin(f.ctx, f.in.Target.ID, nil, "")
	assert.True(t, appErr.IsCode(err, appErr.CodeInvalid))

	other := &models.DeploymentVersion{DeploymentID: uuid.New(), Tag: "x", Status: models.VersionReady}
	require.NoError(t, f.store.Versions().Create(f.ctx, other))
	_, err = f.d.Pin(f.ctx, f.in.Target.ID, &other.ID, "")
	assert.True(t, appErr.IsCode(err, appErr.CodeInvalid))

	rt, err = f.d.Unpin(f.ctx, f.in.Target.ID)
	require.NoError(t, err)
	assert.Nil(t, rt.PinnedVersionID)
	stored, err := f.store.ReleaseTargets().Get(f.ctx, f.in.Target.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.PinnedVersionID)
}

func TestReleaseWithoutAgent(t *testing.T) {
	f := newFixture(t, nil)
	f.in.Deployment.JobAgentID = nil
	_, _, err := f.d.Release(f.ctx, f.in, f.version, nil)
	assert.True(t, appErr.IsCode(err, appErr.CodeInvalid))
}
