package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/releaseplane/engine/internal/dispatch"
	"github.com/releaseplane/engine/internal/events"
	"github.com/releaseplane/engine/internal/lock"
	"github.com/releaseplane/engine/internal/models"
	"github.com/releaseplane/engine/internal/policy"
	"github.com/releaseplane/engine/internal/registry"
	"github.com/releaseplane/engine/internal/repository/memory"
)

type harness struct {
	t     *testing.T
	ctx   context.Context
	store *memory.Store
	bus   *events.Bus
	ctrl  *Controller
	locks *lock.Manager
	now   time.Time
	ws    uuid.UUID
	sys   *models.System
	agent *models.JobAgent
}

func newHarness(t *testing.T, cfg Config) *harness {
	h := &harness{
		t:     t,
		ctx:   context.Background(),
		store: memory.New(),
		bus:   events.NewBus(),
		now:   time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC),
		ws:    uuid.New(),
	}
	clock := func() time.Time { return h.now }
	eval := policy.NewEvaluator(h.store, clock)
	disp := dispatch.New(h.store, eval, h.bus, dispatch.Options{}).WithClock(clock)
	h.ctrl = New(h.store, registry.New(h.store, h.bus), eval, disp, nil, cfg).WithClock(clock)
	h.bus.Subscribe(h.ctrl)
	h.locks = lock.NewManager(h.store, h.bus)

	h.sys = &models.System{WorkspaceID: h.ws, Name: "shop", Slug: "shop"}
	require.NoError(t, h.store.Systems().Create(h.ctx, h.sys))
	h.agent = &models.JobAgent{WorkspaceID: h.ws, Name: "argo", Type: "argo-workflows"}
	require.NoError(t, h.store.JobAgents().Create(h.ctx, h.agent))
	return h
}

func (h *harness) publish(typ events.Type, id uuid.UUID, changed ...string) {
	evt := events.New(typ, id)
	evt.Changed = changed
	require.NoError(h.t, h.bus.Publish(h.ctx, evt))
}

func (h *harness) environment(name string) *models.Environment {
	e := &models.Environment{SystemID: h.sys.ID, Name: name}
	require.NoError(h.t, h.store.Environments().Create(h.ctx, e))
	h.publish(events.EnvironmentCreated, e.ID)
	return e
}

func (h *harness) deployment(slug string, withAgent bool) *models.Deployment {
	d := &models.Deployment{SystemID: h.sys.ID, Name: slug, Slug: slug}
	if withAgent {
		d.JobAgentID = &h.agent.ID
	}
	require.NoError(h.t, h.store.Deployments().Create(h.ctx, d))
	h.publish(events.DeploymentCreated, d.ID)
	return d
}

func (h *harness) version(d *models.Deployment, tag string, age time.Duration) *models.DeploymentVersion {
	v := &models.DeploymentVersion{DeploymentID: d.ID, Tag: tag, Status: models.VersionReady}
	v.CreatedAt = h.now.Add(-age)
	require.NoError(h.t, h.store.Versions().Create(h.ctx, v))
	h.publish(events.VersionCreated, v.ID)
	return v
}

func (h *harness) resource(identifier string) *models.Resource {
	r := &models.Resource{WorkspaceID: h.ws, Identifier: identifier, Name: identifier, Kind: "Cluster", Version: "v1"}
	require.NoError(h.t, h.store.Resources().Create(h.ctx, r))
	h.publish(events.ResourceCreated, r.ID)
	return r
}

func (h *harness) targets() []models.ReleaseTarget {
	all, err := h.store.ReleaseTargets().List(h.ctx)
	require.NoError(h.t, err)
	return all
}

func (h *harness) jobs(targetID uuid.UUID) []models.Job {
	jobs, err := h.store.Jobs().ListByTarget(h.ctx, targetID)
	require.NoError(h.t, err)
	return jobs
}

func (h *harness) versionsOf(jobs []models.Job) []uuid.UUID {
	out := make([]uuid.UUID, len(jobs))
	for i, j := range jobs {
		out[i] = j.VersionID
	}
	return out
}

func TestResourceCreationReleasesNewestVersion(t *testing.T) {
	h := newHarness(t, Config{Inline: true})
	h.environment("production")
	dep := h.deployment("api", true)
	h.version(dep, "v1", 2*time.Hour)
	v2 := h.version(dep, "v2", time.Hour)

	h.resource("cluster-a")

	targets := h.targets()
	require.Len(t, targets, 1)
	jobs := h.jobs(targets[0].ID)
	require.Len(t, jobs, 1, "exactly one job per release")
	assert.Equal(t, v2.ID, jobs[0].VersionID)
	assert.Equal(t, models.JobPending, jobs[0].Status)
	assert.Equal(t, h.agent.ID, jobs[0].JobAgentID)
}

func TestNewVersionProducesNewRelease(t *testing.T) {
	h := newHarness(t, Config{Inline: true})
	h.environment("production")
	dep := h.deployment("api", true)
	h.resource("cluster-a")
	target := h.targets()[0]
	assert.Empty(t, h.jobs(target.ID), "no version yet")

	v1 := h.version(dep, "v1", 2*time.Hour)
	v2 := h.version(dep, "v2", time.Hour)

	assert.ElementsMatch(t, []uuid.UUID{v1.ID, v2.ID}, h.versionsOf(h.jobs(target.ID)))

	// Re-evaluating the same state is a no-op.
	require.NoError(t, h.ctrl.Resync(h.ctx))
	assert.Len(t, h.jobs(target.ID), 2)
}

func TestAttachingJobAgentReleases(t *testing.T) {
	h := newHarness(t, Config{Inline: true})
	h.environment("production")
	dep := h.deployment("api", false)
	v1 := h.version(dep, "v1", time.Hour)
	h.resource("cluster-a")
	target := h.targets()[0]

	rels, err := h.store.Releases().ListByTarget(h.ctx, target.ID)
	require.NoError(t, err)
	assert.Empty(t, rels, "no release without a job agent")

	dep.JobAgentID = &h.agent.ID
	require.NoError(t, h.store.Deployments().Update(h.ctx, dep))
	h.publish(events.JobAgentUpdated, h.agent.ID)

	jobs := h.jobs(target.ID)
	require.Len(t, jobs, 1)
	assert.Equal(t, v1.ID, jobs[0].VersionID)
}

func TestLockHoldsReleasesUntilUnlock(t *testing.T) {
	h := newHarness(t, Config{Inline: true})
	h.environment("production")
	dep := h.deployment("api", true)
	h.version(dep, "v1", 2*time.Hour)
	h.resource("cluster-a")
	target := h.targets()[0]
	require.Len(t, h.jobs(target.ID), 1)

	_, err := h.locks.Lock(h.ctx, target.ID, "alice")
	require.NoError(t, err)
	v2 := h.version(dep, "v2", time.Hour)
	assert.Len(t, h.jobs(target.ID), 1, "locked target gets no release")

	_, err = h.locks.Unlock(h.ctx, target.ID, "alice")
	require.NoError(t, err)
	jobs := h.jobs(target.ID)
	require.Len(t, jobs, 2)
	assert.Contains(t, h.versionsOf(jobs), v2.ID)
}

func TestDeletedResourceDropsTargetsKeepsHistory(t *testing.T) {
	h := newHarness(t, Config{Inline: true})
	h.environment("production")
	dep := h.deployment("api", true)
	h.version(dep, "v1", time.Hour)
	r := h.resource("cluster-a")
	target := h.targets()[0]
	require.Len(t, h.jobs(target.ID), 1)

	require.NoError(t, h.store.Resources().Delete(h.ctx, r.ID))
	h.publish(events.ResourceDeleted, r.ID)

	assert.Empty(t, h.targets())
	assert.Len(t, h.jobs(target.ID), 1, "jobs survive target removal")

	require.NoError(t, h.store.Resources().Restore(h.ctx, r.ID))
	h.publish(events.ResourceCreated, r.ID)
	restored := h.targets()
	require.Len(t, restored, 1)
	assert.Equal(t, target.ID, restored[0].ID)
	assert.Len(t, h.jobs(target.ID), 1, "same release is not created twice")
}

func TestVersionOnlyResourceUpdateSkipsOwnTargets(t *testing.T) {
	h := newHarness(t, Config{Inline: true})
	h.environment("production")
	h.deployment("api", true)
	r := h.resource("cluster-a")
	other := h.resource("cluster-b")
	target := h.targets()

	evt := events.New(events.ResourceUpdated, r.ID)
	evt.Changed = []string{"version"}
	ids, err := h.ctrl.affected(h.ctx, evt)
	require.NoError(t, err)
	assert.Empty(t, ids)

	evt.Related = []uuid.UUID{other.ID}
	ids, err = h.ctrl.affected(h.ctx, evt)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.NotContains(t, ids, targetOf(target, r.ID))

	evt.Changed = []string{"variables"}
	evt.Related = nil
	ids, err = h.ctrl.affected(h.ctx, evt)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{targetOf(target, r.ID)}, ids)
}

func targetOf(targets []models.ReleaseTarget, resourceID uuid.UUID) uuid.UUID {
	for _, t := range targets {
		if t.ResourceID == resourceID {
			return t.ID
		}
	}
	return uuid.Nil
}

func TestDenyWindowRequeuesAtWindowEnd(t *testing.T) {
	h := newHarness(t, Config{Inline: true})
	h.environment("production")
	dep := h.deployment("api", true)
	require.NoError(t, h.store.Policies().Create(h.ctx, &models.Policy{
		WorkspaceID: h.ws,
		Name:        "freeze",
		Enabled:     true,
		Targets:     []models.PolicyTarget{{}},
		DenyWindows: []models.DenyWindow{{TimeZone: "UTC", RRule: "FREQ=DAILY;DTSTART=20250101T000000Z", DurationMinutes: 13 * 60}},
	}))
	h.version(dep, "v1", time.Hour)
	h.resource("cluster-a")
	target := h.targets()[0]
	assert.Empty(t, h.jobs(target.ID))

	after, err := h.ctrl.Sync(h.ctx, target.ID)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, after)

	h.now = h.now.Add(time.Hour)
	after, err = h.ctrl.Sync(h.ctx, target.ID)
	require.NoError(t, err)
	assert.Zero(t, after)
	assert.Len(t, h.jobs(target.ID), 1)
}

func TestResyncRepairsUnpublishedResource(t *testing.T) {
	h := newHarness(t, Config{Inline: true})
	h.environment("production")
	dep := h.deployment("api", true)
	v1 := h.version(dep, "v1", time.Hour)

	r := &models.Resource{WorkspaceID: h.ws, Identifier: "quiet", Name: "quiet", Kind: "Cluster", Version: "v1"}
	require.NoError(t, h.store.Resources().Create(h.ctx, r))
	require.Empty(t, h.targets())

	require.NoError(t, h.ctrl.Resync(h.ctx))
	rts := h.targets()
	require.Len(t, rts, 1)
	assert.Equal(t, r.ID, rts[0].ResourceID)
	assert.Equal(t, []uuid.UUID{v1.ID}, h.versionsOf(h.jobs(rts[0].ID)))

	require.NoError(t, h.store.Resources().Delete(h.ctx, r.ID))
	require.NoError(t, h.ctrl.Resync(h.ctx))
	assert.Empty(t, h.targets())
}

func TestSyncUnknownTargetIsNoop(t *testing.T) {
	h := newHarness(t, Config{Inline: true})
	after, err := h.ctrl.Sync(h.ctx, uuid.New())
	require.NoError(t, err)
	assert.Zero(t, after)
}

func TestQueuedWorkersConverge(t *testing.T) {
	h := newHarness(t, Config{Workers: 2, MaxRetries: 3})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.ctrl.Start(ctx) }()

	h.environment("production")
	dep := h.deployment("api", true)
	v1 := h.version(dep, "v1", time.Hour)
	for _, id := range []string{"a", "b", "c"} {
		h.resource(id)
	}

	require.Eventually(t, func() bool {
		targets := h.targets()
		if len(targets) != 3 {
			return false
		}
		for _, rt := range targets {
			jobs := h.jobs(rt.ID)
			if len(jobs) != 1 || jobs[0].VersionID != v1.ID {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("controller did not stop")
	}
}
