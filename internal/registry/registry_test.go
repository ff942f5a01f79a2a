package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/releaseplane/engine/internal/events"
	"github.com/releaseplane/engine/internal/models"
	"github.com/releaseplane/engine/internal/repository/memory"
	"github.com/releaseplane/engine/internal/selector"
)

type fixture struct {
	t     *testing.T
	ctx   context.Context
	store *memory.Store
	rec   *events.Recorder
	reg   *Registry
	ws    uuid.UUID
	sys   *models.System
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{t: t, ctx: context.Background(), store: memory.New(), rec: &events.Recorder{}, ws: uuid.New()}
	f.reg = New(f.store, f.rec)
	f.sys = &models.System{WorkspaceID: f.ws, Name: "shop", Slug: "shop"}
	require.NoError(t, f.store.Systems().Create(f.ctx, f.sys))
	return f
}

func sel(t *testing.T, s string) *selector.Selector {
	t.Helper()
	if s == "" {
		return nil
	}
	var out selector.Selector
	require.NoError(t, json.Unmarshal([]byte(s), &out))
	return &out
}

func envSel(value string) string {
	return fmt.Sprintf(`{"type":"metadata","key":"env","operator":"equals","value":%q}`, value)
}

func (f *fixture) resource(identifier, env string) *models.Resource {
	r := &models.Resource{WorkspaceID: f.ws, Identifier: identifier, Name: identifier, Kind: "Cluster", Version: "v1", Metadata: map[string]string{"env": env}}
	require.NoError(f.t, f.store.Resources().Create(f.ctx, r))
	return r
}

func (f *fixture) environment(name, selector string) *models.Environment {
	e := &models.Environment{SystemID: f.sys.ID, Name: name, ResourceSelector: sel(f.t, selector)}
	require.NoError(f.t, f.store.Environments().Create(f.ctx, e))
	return e
}

func (f *fixture) deployment(slug, selector string) *models.Deployment {
	d := &models.Deployment{SystemID: f.sys.ID, Name: slug, Slug: slug, ResourceSelector: sel(f.t, selector)}
	require.NoError(f.t, f.store.Deployments().Create(f.ctx, d))
	return d
}

func (f *fixture) count() int {
	all, err := f.store.ReleaseTargets().List(f.ctx)
	require.NoError(f.t, err)
	return len(all)
}

func TestTargetsAreIntersectionOfSelectors(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		f.resource(fmt.Sprintf("prod-%d", i), "prod")
	}
	f.resource("qa-0", "qa")
	f.resource("other-0", "other")

	prod := f.environment("production", envSel("prod"))
	all := f.environment("everything", "")
	dep := f.deployment("api", `{"type":"comparison","operator":"or","conditions":[`+envSel("prod")+`,`+envSel("qa")+`]}`)

	d, err := f.reg.ReconcileDeployment(f.ctx, dep.ID)
	require.NoError(t, err)
	assert.Len(t, d.Added, 3+4, "3 prod in production, 4 prod|qa in everything")
	assert.Len(t, f.rec.OfType(events.TargetCreated), 7)

	byEnv, err := f.store.ReleaseTargets().ListByEnvironment(f.ctx, prod.ID)
	require.NoError(t, err)
	assert.Len(t, byEnv, 3)
	byEnv, err = f.store.ReleaseTargets().ListByEnvironment(f.ctx, all.ID)
	require.NoError(t, err)
	assert.Len(t, byEnv, 4)
}

func TestReconcileIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.resource("a", "prod")
	f.resource("b", "prod")
	env := f.environment("production", envSel("prod"))
	f.deployment("api", "")

	first, err := f.reg.ReconcileEnvironment(f.ctx, env.ID)
	require.NoError(t, err)
	require.Len(t, first.Added, 2)

	f.rec.Reset()
	second, err := f.reg.ReconcileEnvironment(f.ctx, env.ID)
	require.NoError(t, err)
	assert.Empty(t, second.Added)
	assert.Empty(t, second.Removed)
	assert.Len(t, second.Unchanged, 2)
	assert.Empty(t, f.rec.Events())
}

func TestSelectorChangeConverges(t *testing.T) {
	f := newFixture(t)
	f.resource("p1", "prod")
	f.resource("p2", "prod")
	f.resource("q1", "qa")
	env := f.environment("env", envSel("prod"))
	f.deployment("api", "")

	_, err := f.reg.ReconcileEnvironment(f.ctx, env.ID)
	require.NoError(t, err)
	require.Equal(t, 2, f.count())

	env.ResourceSelector = sel(t, envSel("qa"))
	require.NoError(t, f.store.Environments().Update(f.ctx, env))
	f.rec.Reset()

	d, err := f.reg.ReconcileEnvironment(f.ctx, env.ID)
	require.NoError(t, err)
	assert.Len(t, d.Added, 1)
	assert.Len(t, d.Removed, 2)
	assert.Len(t, f.rec.OfType(events.TargetRemoved), 2)
	assert.Equal(t, 1, f.count())
}

func TestResourceDeletionRemovesTargetsAndRestoreKeepsIDs(t *testing.T) {
	f := newFixture(t)
	r := f.resource("a", "prod")
	f.environment("production", "")
	f.deployment("api", "")
	f.deployment("worker", "")

	d, err := f.reg.ReconcileResource(f.ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, d.Added, 2)
	ids := []uuid.UUID{d.Added[0].ID, d.Added[1].ID}

	require.NoError(t, f.store.Resources().Delete(f.ctx, r.ID))
	d, err = f.reg.ReconcileResource(f.ctx, r.ID)
	require.NoError(t, err)
	assert.Len(t, d.Removed, 2)
	assert.Equal(t, 0, f.count())

	require.NoError(t, f.store.Resources().Restore(f.ctx, r.ID))
	d, err = f.reg.ReconcileResource(f.ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, d.Added, 2)
	assert.ElementsMatch(t, ids, []uuid.UUID{d.Added[0].ID, d.Added[1].ID})
}

func TestDeletedEnvironmentDropsTargets(t *testing.T) {
	f := newFixture(t)
	f.resource("a", "prod")
	env := f.environment("production", "")
	f.deployment("api", "")
	_, err := f.reg.ReconcileEnvironment(f.ctx, env.ID)
	require.NoError(t, err)
	require.Equal(t, 1, f.count())

	require.NoError(t, f.store.Environments().Delete(f.ctx, env.ID))
	d, err := f.reg.ReconcileEnvironment(f.ctx, env.ID)
	require.NoError(t, err)
	assert.Len(t, d.Removed, 1)
	assert.Equal(t, 0, f.count())
}

func TestEvaluationErrorKeepsMembership(t *testing.T) {
	f := newFixture(t)
	r := f.resource("a", "prod")
	env := f.environment("production", "")
	dep := f.deployment("api", "")
	_, err := f.reg.ReconcileResource(f.ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, 1, f.count())

	// A system leaf never applies to resources, so evaluation errors out.
	dep.ResourceSelector = sel(t, `{"type":"system","operator":"equals","value":"x"}`)
	require.NoError(t, f.store.Deployments().Update(f.ctx, dep))

	d, err := f.reg.ReconcileEnvironment(f.ctx, env.ID)
	require.NoError(t, err)
	assert.Empty(t, d.Removed)
	assert.Len(t, d.Unchanged, 1)
	assert.Equal(t, 1, f.count())
}

func TestWorkspaceScope(t *testing.T) {
	f := newFixture(t)
	f.resource("a", "prod")
	foreign := &models.Resource{WorkspaceID: uuid.New(), Identifier: "x", Name: "x", Kind: "Cluster", Version: "v1"}
	require.NoError(t, f.store.Resources().Create(f.ctx, foreign))
	f.environment("production", "")
	dep := f.deployment("api", "")

	d, err := f.reg.ReconcileDeployment(f.ctx, dep.ID)
	require.NoError(t, err)
	assert.Len(t, d.Added, 1, "resources of other workspaces never match")

	total, err := f.reg.ReconcileAll(f.ctx)
	require.NoError(t, err)
	assert.Len(t, total.Unchanged, 1)
}

func TestReconcileAllRepairsMembership(t *testing.T) {
	f := newFixture(t)
	prod := f.environment("production", envSel("prod"))
	f.deployment("api", "")
	gone := f.resource("gone", "prod")
	_, err := f.reg.ReconcileResource(f.ctx, gone.ID)
	require.NoError(t, err)
	qa := f.environment("qa", "")
	_, err = f.reg.ReconcileEnvironment(f.ctx, qa.ID)
	require.NoError(t, err)
	require.Equal(t, 2, f.count())

	// Written without reconciling, as when change events are lost.
	missed := f.resource("missed", "prod")
	require.NoError(t, f.store.Resources().Delete(f.ctx, gone.ID))
	require.NoError(t, f.store.Environments().Delete(f.ctx, qa.ID))

	total, err := f.reg.ReconcileAll(f.ctx)
	require.NoError(t, err)
	require.Len(t, total.Added, 1)
	assert.Equal(t, missed.ID, total.Added[0].ResourceID)
	assert.Equal(t, prod.ID, total.Added[0].EnvironmentID)
	assert.Len(t, total.Removed, 2)

	all, err := f.store.ReleaseTargets().List(f.ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, missed.ID, all[0].ResourceID)

	again, err := f.reg.ReconcileAll(f.ctx)
	require.NoError(t, err)
	assert.Empty(t, again.Added)
	assert.Empty(t, again.Removed)
}
