package services

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/releaseplane/engine/internal/events"
	"github.com/releaseplane/engine/internal/models"
	"github.com/releaseplane/engine/internal/repository/memory"
	appErr "github.com/releaseplane/engine/pkg/errors"
)

type fixture struct {
	t     *testing.T
	ctx   context.Context
	store *memory.Store
	rec   *events.Recorder
	ws    uuid.UUID

	systems     SystemService
	deployments DeploymentService
	resources   ResourceService
	policies    PolicyService
	sys         *models.System
}

func newFixture(t *testing.T) *fixture {
	store := memory.New()
	f := &fixture{t: t, ctx: context.Background(), store: store, rec: &events.Recorder{}, ws: uuid.New()}
	f.systems = NewSystemService(store, f.rec)
	f.deployments = NewDeploymentService(store, f.rec)
	f.resources = NewResourceService(store, f.rec)
	f.policies = NewPolicyService(store, f.rec)

	sys, created, err := f.systems.CreateSystem(f.ctx, &models.System{WorkspaceID: f.ws, Name: "Web Shop"})
	require.NoError(t, err)
	require.True(t, created)
	f.sys = sys
	f.rec.Reset()
	return f
}

func TestFieldDistinguishesNullFromAbsent(t *testing.T) {
	var patch DeploymentPatch
	require.NoError(t, json.Unmarshal([]byte(`{"jobAgentId":null,"name":"api"}`), &patch))
	assert.True(t, patch.JobAgentID.Set)
	assert.Nil(t, patch.JobAgentID.Value)
	assert.True(t, patch.Name.Set)
	assert.Equal(t, "api", *patch.Name.Value)
	assert.False(t, patch.Slug.Set)
}

func TestCreateSystemDerivesSlugAndIsIdempotent(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, "web-shop", f.sys.Slug)

	again, created, err := f.systems.CreateSystem(f.ctx, &models.System{WorkspaceID: f.ws, Name: "Web Shop"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, f.sys.ID, again.ID)
}

func TestEnvironmentUpsertReportsChanges(t *testing.T) {
	f := newFixture(t)
	env, created, err := f.systems.CreateEnvironment(f.ctx, &models.Environment{SystemID: f.sys.ID, Name: "prod"})
	require.NoError(t, err)
	assert.True(t, created)
	require.Len(t, f.rec.OfType(events.EnvironmentCreated), 1)

	_, created, err = f.systems.CreateEnvironment(f.ctx, &models.Environment{SystemID: f.sys.ID, Name: "prod"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Empty(t, f.rec.OfType(events.EnvironmentUpdated), "unchanged upsert publishes nothing")

	updated, _, err := f.systems.CreateEnvironment(f.ctx, &models.Environment{SystemID: f.sys.ID, Name: "prod", Metadata: map[string]string{"tier": "1"}})
	require.NoError(t, err)
	assert.Equal(t, env.ID, updated.ID)
	evts := f.rec.OfType(events.EnvironmentUpdated)
	require.Len(t, evts, 1)
	assert.Equal(t, []string{"metadata"}, evts[0].Changed)
}

func TestEnvironmentRejectsIllegalSelector(t *testing.T) {
	f := newFixture(t)
	env := &models.Environment{SystemID: f.sys.ID, Name: "prod"}
	require.NoError(t, json.Unmarshal([]byte(`{"type":"tag","operator":"equals","value":"v1"}`), &env.ResourceSelector))

	_, _, err := f.systems.CreateEnvironment(f.ctx, env)
	assert.True(t, appErr.IsCode(err, appErr.CodeInvalid))
}

func TestDeploymentPatchValidatesAndReportsChanges(t *testing.T) {
	f := newFixture(t)
	dep, _, err := f.deployments.CreateDeployment(f.ctx, &models.Deployment{SystemID: f.sys.ID, Name: "api"})
	require.NoError(t, err)
	assert.Equal(t, "api", dep.Slug)

	unknown := uuid.New()
	_, err = f.deployments.UpdateDeployment(f.ctx, dep.ID, &DeploymentPatch{JobAgentID: Some(unknown)})
	assert.True(t, appErr.IsCode(err, appErr.CodeInvalid), "unknown job agent")

	updated, err := f.deployments.UpdateDeployment(f.ctx, dep.ID, &DeploymentPatch{Description: Some("public API")})
	require.NoError(t, err)
	assert.Equal(t, "public API", updated.Description)
	evts := f.rec.OfType(events.DeploymentUpdated)
	require.Len(t, evts, 1)
	assert.Equal(t, []string{"description"}, evts[0].Changed)
}

func TestUpsertVariableRejectsTwoDefaults(t *testing.T) {
	f := newFixture(t)
	dep, _, err := f.deployments.CreateDeployment(f.ctx, &models.Deployment{SystemID: f.sys.ID, Name: "api"})
	require.NoError(t, err)

	_, _, err = f.deployments.UpsertVariable(f.ctx, dep.ID, &models.DeploymentVariable{
		Key: "replicas",
		DirectValues: []models.DirectValue{
			{Value: datatypes.JSON(`1`), IsDefault: true},
			{Value: datatypes.JSON(`2`), IsDefault: true},
		},
	})
	assert.True(t, appErr.IsCode(err, appErr.CodeConflict))
	assert.Empty(t, f.rec.OfType(events.VariableUpdated))

	v, created, err := f.deployments.UpsertVariable(f.ctx, dep.ID, &models.DeploymentVariable{
		Key:          "replicas",
		DirectValues: []models.DirectValue{{Value: datatypes.JSON(`3`), IsDefault: true}},
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, uuid.Nil, v.DirectValues[0].ID)

	_, created, err = f.deployments.UpsertVariable(f.ctx, dep.ID, &models.DeploymentVariable{
		Key:          "replicas",
		DirectValues: []models.DirectValue{{Value: datatypes.JSON(`4`), IsDefault: true}},
	})
	require.NoError(t, err)
	assert.False(t, created)

	vars, err := f.deployments.ListVariables(f.ctx, dep.ID)
	require.NoError(t, err)
	require.Len(t, vars, 1)
	assert.JSONEq(t, `4`, string(vars[0].DirectValues[0].Value))

	evts := f.rec.OfType(events.VariableUpdated)
	require.Len(t, evts, 2)
	assert.Equal(t, dep.ID, evts[0].EntityID)
}

func TestResourceUpdateCarriesChangedFieldsAndRelated(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.resources.CreateRelationshipRule(f.ctx, &models.ResourceRelationshipRule{
		WorkspaceID:         f.ws,
		Name:                "app to db",
		Reference:           "database",
		DependencyType:      "depends_on",
		SourceKind:          "App",
		TargetKind:          "Database",
		MetadataKeysMatches: []models.MetadataKeysMatch{{SourceKey: "db", TargetKey: "name"}},
	})
	require.NoError(t, err)

	db, _, err := f.resources.CreateResource(f.ctx, &models.Resource{WorkspaceID: f.ws, Identifier: "db-1", Name: "db-1", Kind: "Database", Version: "v1", Metadata: map[string]string{"name": "orders"}})
	require.NoError(t, err)
	app, _, err := f.resources.CreateResource(f.ctx, &models.Resource{WorkspaceID: f.ws, Identifier: "app-1", Name: "app-1", Kind: "App", Version: "v1", Metadata: map[string]string{"db": "orders"}})
	require.NoError(t, err)

	got, err := f.resources.GetResource(f.ctx, app.ID)
	require.NoError(t, err)
	assert.Equal(t, db.ID, got.Relationships["database"])

	f.rec.Reset()
	_, err = f.resources.UpdateResource(f.ctx, db.ID, &ResourcePatch{Version: Some("v2")})
	require.NoError(t, err)
	evts := f.rec.OfType(events.ResourceUpdated)
	require.Len(t, evts, 1)
	assert.Equal(t, []string{"version"}, evts[0].Changed)
	assert.Equal(t, []uuid.UUID{app.ID}, evts[0].Related)

	f.rec.Reset()
	_, err = f.resources.UpdateResource(f.ctx, db.ID, &ResourcePatch{Version: Some("v2")})
	require.NoError(t, err)
	assert.Empty(t, f.rec.Events(), "no-op update publishes nothing")
}

func TestCreateResourceRestoresDeleted(t *testing.T) {
	f := newFixture(t)
	r, _, err := f.resources.CreateResource(f.ctx, &models.Resource{WorkspaceID: f.ws, Identifier: "vm-1", Name: "vm-1", Kind: "VM", Version: "v1"})
	require.NoError(t, err)
	require.NoError(t, f.resources.DeleteResource(f.ctx, r.ID))
	_, err = f.resources.GetResource(f.ctx, r.ID)
	assert.True(t, appErr.IsCode(err, appErr.CodeNotFound))

	f.rec.Reset()
	again, created, err := f.resources.CreateResource(f.ctx, &models.Resource{WorkspaceID: f.ws, Identifier: "vm-1", Name: "vm-1", Kind: "VM", Version: "v1"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, r.ID, again.ID)
	assert.Len(t, f.rec.OfType(events.ResourceCreated), 1)
}

func TestSetProviderResources(t *testing.T) {
	f := newFixture(t)
	provider := &models.ResourceProvider{WorkspaceID: f.ws, Name: "aws"}
	provider.ID = uuid.New()
	res := func(id string) models.Resource {
		return models.Resource{Identifier: id, Name: id, Kind: "Cluster", Version: "v1"}
	}

	out, err := f.resources.SetProviderResources(f.ctx, provider, []models.Resource{res("a"), res("b")})
	require.NoError(t, err)
	assert.Len(t, out.Created, 2)
	assert.Empty(t, out.Deleted)

	out, err = f.resources.SetProviderResources(f.ctx, &models.ResourceProvider{Base: models.Base{ID: provider.ID}, WorkspaceID: f.ws}, []models.Resource{res("b"), res("c")})
	require.NoError(t, err)
	assert.Len(t, out.Created, 1)
	assert.Len(t, out.Updated, 1)
	require.Len(t, out.Deleted, 1)
	assert.Equal(t, "a", out.Deleted[0].Identifier)

	_, err = f.resources.SetProviderResources(f.ctx, provider, []models.Resource{res("x"), res("x")})
	assert.True(t, appErr.IsCode(err, appErr.CodeInvalid))
}

func TestPolicyEnabledDefaultsToTrue(t *testing.T) {
	f := newFixture(t)
	p, err := f.policies.CreatePolicy(f.ctx, &PolicyInput{Policy: models.Policy{WorkspaceID: f.ws, Name: "all"}})
	require.NoError(t, err)
	assert.True(t, p.Enabled)
	require.Len(t, f.rec.OfType(events.PolicyChanged), 1)

	var in PolicyInput
	require.NoError(t, json.Unmarshal([]byte(`{"workspaceId":"`+f.ws.String()+`","name":"off","enabled":false}`), &in))
	p, err = f.policies.CreatePolicy(f.ctx, &in)
	require.NoError(t, err)
	assert.False(t, p.Enabled)

	_, err = f.policies.CreatePolicy(f.ctx, &PolicyInput{Policy: models.Policy{
		WorkspaceID:               f.ws,
		Name:                      "both",
		EnvironmentVersionRollout: &models.EnvironmentVersionRollout{RolloutType: models.RolloutLinear, TimeScaleInterval: 1},
		GradualRollout:            &models.GradualRollout{DeployRate: 1, WindowSizeMinutes: 1},
	}})
	assert.True(t, appErr.IsCode(err, appErr.CodeInvalid))
}

func TestApprovalIsOncePerUser(t *testing.T) {
	f := newFixture(t)
	env, _, err := f.systems.CreateEnvironment(f.ctx, &models.Environment{SystemID: f.sys.ID, Name: "prod"})
	require.NoError(t, err)
	dep, _, err := f.deployments.CreateDeployment(f.ctx, &models.Deployment{SystemID: f.sys.ID, Name: "api"})
	require.NoError(t, err)
	versions := NewVersionService(f.store, f.rec, nil)
	v, _, err := versions.CreateVersion(f.ctx, &models.DeploymentVersion{DeploymentID: dep.ID, Tag: "v1"})
	require.NoError(t, err)
	assert.Equal(t, models.VersionReady, v.Status)

	in := &ApprovalInput{VersionID: v.ID, EnvironmentID: env.ID, UserID: "alice", Status: models.ApprovalApproved}
	_, err = f.policies.RecordApproval(f.ctx, in)
	require.NoError(t, err)
	_, err = f.policies.RecordApproval(f.ctx, in)
	assert.True(t, appErr.IsCode(err, appErr.CodeConflict))
	assert.Len(t, f.rec.OfType(events.ApprovalRecorded), 1)

	_, err = f.policies.RecordApproval(f.ctx, &ApprovalInput{VersionID: uuid.New(), EnvironmentID: env.ID, UserID: "bob", Status: models.ApprovalApproved})
	assert.True(t, appErr.IsCode(err, appErr.CodeNotFound))
}
