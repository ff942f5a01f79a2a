package policy

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/releaseplane/engine/internal/models"
	"github.com/releaseplane/engine/internal/repository/memory"
)

type fixture struct {
	t     *testing.T
	ctx   context.Context
	store *memory.Store
	now   time.Time
	eval  *Evaluator
	ws    uuid.UUID
	sys   *models.System
	env   *models.Environment
	dep   *models.Deployment
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		t:     t,
		ctx:   context.Background(),
		store: memory.New(),
		now:   time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC),
		ws:    uuid.New(),
	}
	f.eval = NewEvaluator(f.store, func() time.Time { return f.now })
	f.sys = &models.System{WorkspaceID: f.ws, Name: "shop", Slug: "shop"}
	require.NoError(t, f.store.Systems().Create(f.ctx, f.sys))
	f.env = f.environment("production")
	f.dep = f.deployment("api")
	return f
}

func (f *fixture) environment(name string) *models.Environment {
	e := &models.Environment{SystemID: f.sys.ID, Name: name}
	require.NoError(f.t, f.store.Environments().Create(f.ctx, e))
	return e
}

func (f *fixture) deployment(slug string) *models.Deployment {
	d := &models.Deployment{SystemID: f.sys.ID, Name: slug, Slug: slug}
	require.NoError(f.t, f.store.Deployments().Create(f.ctx, d))
	return d
}

func (f *fixture) resource(identifier string) *models.Resource {
	r := &models.Resource{WorkspaceID: f.ws, Identifier: identifier, Name: identifier, Kind: "Cluster", Version: "v1"}
	require.NoError(f.t, f.store.Resources().Create(f.ctx, r))
	return r
}

func (f *fixture) target(r *models.Resource, env *models.Environment, dep *models.Deployment) Input {
	rt, _, err := f.store.ReleaseTargets().Upsert(f.ctx, models.TargetKey{ResourceID: r.ID, EnvironmentID: env.ID, DeploymentID: dep.ID})
	require.NoError(f.t, err)
	return Input{Target: rt, Resource: r, Environment: env, Deployment: dep}
}

func (f *fixture) version(dep *models.Deployment, tag string, status models.VersionStatus, age time.Duration) *models.DeploymentVersion {
	v := &models.DeploymentVersion{DeploymentID: dep.ID, Tag: tag, Status: status}
	v.CreatedAt = f.now.Add(-age)
	require.NoError(f.t, f.store.Versions().Create(f.ctx, v))
	return v
}

func (f *fixture) policy(p *models.Policy) {
	p.WorkspaceID = f.ws
	p.Enabled = true
	if p.Targets == nil {
		p.Targets = []models.PolicyTarget{{}}
	}
	require.NoError(f.t, f.store.Policies().Create(f.ctx, p))
}

func TestEvaluatePicksNewestReadyVersion(t *testing.T) {
	f := newFixture(t)
	in := f.target(f.resource("a"), f.env, f.dep)

	d, err := f.eval.Evaluate(f.ctx, in)
	require.NoError(t, err)
	assert.Nil(t, d.Version)
	assert.False(t, d.Allowed)

	f.version(f.dep, "v1", models.VersionReady, 3*time.Hour)
	f.version(f.dep, "v2", models.VersionBuilding, 2*time.Hour)

	d, err = f.eval.Evaluate(f.ctx, in)
	require.NoError(t, err)
	require.NotNil(t, d.Version)
	assert.Equal(t, "v1", d.Version.Tag)
	assert.True(t, d.Allowed)
}

func TestEvaluateVersionSelector(t *testing.T) {
	f := newFixture(t)
	in := f.target(f.resource("a"), f.env, f.dep)
	f.version(f.dep, "v1.0.0", models.VersionReady, 2*time.Hour)
	f.version(f.dep, "v2.0.0-rc1", models.VersionReady, time.Hour)
	f.policy(&models.Policy{Name: "no-rc", DeploymentVersionSelector: sel(t, `{"type":"tag","operator":"regex","value":"^v[0-9.]+$"}`)})

	d, err := f.eval.Evaluate(f.ctx, in)
	require.NoError(t, err)
	require.NotNil(t, d.Version)
	assert.Equal(t, "v1.0.0", d.Version.Tag)
}

func TestEvaluateApprovalsPerEnvironment(t *testing.T) {
	f := newFixture(t)
	staging := f.environment("staging")
	r := f.resource("a")
	prod := f.target(r, f.env, f.dep)
	stage := f.target(r, staging, f.dep)
	v := f.version(f.dep, "v1", models.VersionReady, time.Hour)
	f.policy(&models.Policy{Name: "approve", VersionAnyApprovals: &models.AnyApprovals{RequiredApprovalsCount: 1}})

	d, err := f.eval.Evaluate(f.ctx, prod)
	require.NoError(t, err)
	assert.Nil(t, d.Version)

	require.NoError(t, f.store.Approvals().Create(f.ctx, &models.Approval{DeploymentVersionID: v.ID, EnvironmentID: f.env.ID, UserID: "alice", Status: models.ApprovalApproved, ApprovedAt: f.now}))

	d, err = f.eval.Evaluate(f.ctx, prod)
	require.NoError(t, err)
	require.NotNil(t, d.Version)
	assert.True(t, d.Allowed)

	d, err = f.eval.Evaluate(f.ctx, stage)
	require.NoError(t, err)
	assert.Nil(t, d.Version, "approval for production does not unblock staging")
}

func TestEvaluateDependencies(t *testing.T) {
	f := newFixture(t)
	db := f.deployment("db")
	r := f.resource("a")
	in := f.target(r, f.env, f.dep)
	dbTarget := f.target(r, f.env, db)

	dbv := f.version(db, "db-1", models.VersionReady, 2*time.Hour)
	v := f.version(f.dep, "v1", models.VersionReady, time.Hour)
	v.Dependencies = []models.VersionDependency{{DeploymentID: db.ID, VersionSelector: sel(t, `{"type":"tag","operator":"starts-with","value":"db-"}`)}}
	require.NoError(t, f.store.Versions().Update(f.ctx, v))

	d, err := f.eval.Evaluate(f.ctx, in)
	require.NoError(t, err)
	assert.Nil(t, d.Version)
	assert.Contains(t, d.Reason, "dependency")

	job := &models.Job{JobAgentID: uuid.New(), Status: models.JobPending, Reason: models.ReasonPolicyPassing}
	require.NoError(t, f.store.Releases().CreateWithJob(f.ctx, &models.Release{ReleaseTargetID: dbTarget.Target.ID, VersionID: dbv.ID}, job))
	job.Status = models.JobSuccessful
	require.NoError(t, f.store.Jobs().Update(f.ctx, job, models.JobPending))

	d, err = f.eval.Evaluate(f.ctx, in)
	require.NoError(t, err)
	require.NotNil(t, d.Version)
	assert.Equal(t, v.ID, d.Version.ID)
}

func TestEvaluateDenyWindow(t *testing.T) {
	f := newFixture(t)
	in := f.target(f.resource("a"), f.env, f.dep)
	f.version(f.dep, "v1", models.VersionReady, time.Hour)
	f.policy(&models.Policy{Name: "lunch", DenyWindows: []models.DenyWindow{{RRule: "FREQ=DAILY;BYHOUR=11;BYMINUTE=30;BYSECOND=0"}}})

	d, err := f.eval.Evaluate(f.ctx, in)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Date(2025, 6, 2, 12, 30, 0, 0, time.UTC), d.RetryAt.UTC())

	f.now = f.now.Add(31 * time.Minute)
	d, err = f.eval.Evaluate(f.ctx, in)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestEvaluateLinearRollout(t *testing.T) {
	f := newFixture(t)
	first := f.target(f.resource("a"), f.env, f.dep)
	time.Sleep(2 * time.Millisecond)
	second := f.target(f.resource("b"), f.env, f.dep)
	v := f.version(f.dep, "v1", models.VersionReady, 0)
	f.policy(&models.Policy{Name: "pace", EnvironmentVersionRollout: &models.EnvironmentVersionRollout{RolloutType: models.RolloutLinear, TimeScaleInterval: 10}})

	d, err := f.eval.Evaluate(f.ctx, first)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = f.eval.Evaluate(f.ctx, second)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, f.now.Add(10*time.Minute), d.RetryAt)

	entries, err := f.eval.Rollout(f.ctx, v, f.env.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, first.Target.ID, entries[0].ReleaseTargetID)
	assert.Equal(t, 1, entries[1].RolloutPosition)
	require.NotNil(t, entries[1].RolloutTime)
	assert.Equal(t, f.now.Add(10*time.Minute), *entries[1].RolloutTime)
}

func TestEvaluatePinnedVersion(t *testing.T) {
	f := newFixture(t)
	in := f.target(f.resource("a"), f.env, f.dep)
	old := f.version(f.dep, "v1", models.VersionReady, 2*time.Hour)
	f.version(f.dep, "v2", models.VersionReady, time.Hour)
	f.policy(&models.Policy{Name: "pace", EnvironmentVersionRollout: &models.EnvironmentVersionRollout{RolloutType: models.RolloutLinear, TimeScaleInterval: 600}})

	require.NoError(t, f.store.ReleaseTargets().SetPinnedVersion(f.ctx, in.Target.ID, &old.ID))
	rt, err := f.store.ReleaseTargets().Get(f.ctx, in.Target.ID)
	require.NoError(t, err)
	in.Target = rt

	d, err := f.eval.Evaluate(f.ctx, in)
	require.NoError(t, err)
	assert.True(t, d.Pinned)
	assert.True(t, d.Allowed)
	assert.Equal(t, old.ID, d.Version.ID)
}
