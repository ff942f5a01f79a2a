package variables

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/releaseplane/engine/internal/models"
	"github.com/releaseplane/engine/internal/relationship"
	"github.com/releaseplane/engine/internal/selector"
	appErr "github.com/releaseplane/engine/pkg/errors"
)

func raw(v any) datatypes.JSON {
	b, _ := json.Marshal(v)
	return b
}

func sel(t *testing.T, s string) *selector.Selector {
	t.Helper()
	var out selector.Selector
	require.NoError(t, json.Unmarshal([]byte(s), &out))
	return &out
}

func newResource(identifier string) *models.Resource {
	r := &models.Resource{Identifier: identifier, Name: identifier, Kind: "Cluster", Version: "v1", Metadata: map[string]string{"env": "prod"}}
	r.ID = uuid.New()
	return r
}

type relations map[string]*models.Resource

func (r relations) Related(_ uuid.UUID, reference string) (*models.Resource, relationship.Direction, bool) {
	res, ok := r[reference]
	return res, relationship.Outgoing, ok
}

func TestHigherPriorityWins(t *testing.T) {
	r := newResource("prod")
	defs := []models.DeploymentVariable{{
		Key: "replicas",
		DirectValues: []models.DirectValue{
			{Value: raw(1), Priority: 1},
			{Value: raw(2), Priority: 2},
		},
	}}
	got, err := Resolve(r, defs, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"replicas": float64(2)}, got)
}

func TestTieBreaks(t *testing.T) {
	r := newResource("prod")

	t.Run("default flag", func(t *testing.T) {
		defs := []models.DeploymentVariable{{Key: "k", DirectValues: []models.DirectValue{
			{Value: raw("first"), Priority: 1},
			{Value: raw("default"), Priority: 1, IsDefault: true},
		}}}
		got, err := Resolve(r, defs, nil)
		require.NoError(t, err)
		assert.Equal(t, "default", got["k"])
	})

	t.Run("insertion order", func(t *testing.T) {
		defs := []models.DeploymentVariable{{Key: "k", DirectValues: []models.DirectValue{
			{Value: raw("first")},
			{Value: raw("second")},
		}}}
		got, err := Resolve(r, defs, nil)
		require.NoError(t, err)
		assert.Equal(t, "first", got["k"])
	})
}

func TestSelectorsFilterCandidates(t *testing.T) {
	r := newResource("prod")
	defs := []models.DeploymentVariable{{Key: "size", DirectValues: []models.DirectValue{
		{Value: raw("large"), Priority: 10, ResourceSelector: sel(t, `{"type":"identifier","operator":"equals","value":"qa"}`)},
		{Value: raw("small"), IsDefault: true},
	}}}
	got, err := Resolve(r, defs, nil)
	require.NoError(t, err)
	assert.Equal(t, "small", got["size"])
}

func TestUnmatchedDefaultIsNotACandidate(t *testing.T) {
	r := newResource("prod")
	defs := []models.DeploymentVariable{{Key: "size", DirectValues: []models.DirectValue{
		{Value: raw("qa-default"), Priority: 10, IsDefault: true, ResourceSelector: sel(t, `{"type":"identifier","operator":"equals","value":"qa"}`)},
		{Value: raw("generic"), Priority: 1},
	}}}
	got, err := Resolve(r, defs, nil)
	require.NoError(t, err)
	assert.Equal(t, "generic", got["size"])

	got, err = Resolve(newResource("qa"), defs, nil)
	require.NoError(t, err)
	assert.Equal(t, "qa-default", got["size"])

	defs[0].DirectValues = defs[0].DirectValues[:1]
	got, err = Resolve(r, defs, nil)
	require.NoError(t, err)
	assert.NotContains(t, got, "size")
}

func TestTwoDefaultsRejected(t *testing.T) {
	def := models.DeploymentVariable{Key: "k", DirectValues: []models.DirectValue{
		{Value: raw("a"), IsDefault: true},
		{Value: raw("b"), IsDefault: true},
	}}
	err := Validate(&def)
	assert.True(t, appErr.IsCode(err, appErr.CodeConflict))

	_, err = Resolve(newResource("prod"), []models.DeploymentVariable{def}, nil)
	assert.Error(t, err)
}

func TestResourceVariableOverride(t *testing.T) {
	r := newResource("prod")
	r.Variables = map[string]any{"region": "eu-west-1", "debug": true}

	defs := []models.DeploymentVariable{
		{Key: "region", DirectValues: []models.DirectValue{{Value: raw("us-east-1"), IsDefault: true, Priority: 5}}},
		{Key: "debug", DirectValues: []models.DirectValue{
			{Value: raw(false), Priority: 9, ResourceSelector: sel(t, `{"type":"metadata","key":"env","operator":"equals","value":"prod"}`)},
		}},
		{Key: "unset"},
	}
	got, err := Resolve(r, defs, nil)
	require.NoError(t, err)
	assert.Equal(t, "eu-west-1", got["region"], "resource variable beats an untargeted value")
	assert.Equal(t, false, got["debug"], "a targeted value beats the resource variable")
	assert.NotContains(t, got, "unset")
}

func TestReferenceValues(t *testing.T) {
	r := newResource("ns")
	cluster := newResource("east")
	cluster.Metadata = map[string]string{"endpoint": "https://east"}
	cluster.Variables = map[string]any{"auth": map[string]any{"token": "abc"}}

	ref := func(path []string, def datatypes.JSON) []models.DeploymentVariable {
		return []models.DeploymentVariable{{Key: "v", ReferenceValues: []models.ReferenceValue{
			{Reference: "cluster", Path: path, DefaultValue: def},
		}}}
	}

	tests := []struct {
		name string
		rel  Relations
		defs []models.DeploymentVariable
		want any
	}{
		{name: "metadata path", rel: relations{"cluster": cluster}, defs: ref([]string{"metadata", "endpoint"}, nil), want: "https://east"},
		{name: "nested variable", rel: relations{"cluster": cluster}, defs: ref([]string{"variables", "auth", "token"}, nil), want: "abc"},
		{name: "missing path uses default", rel: relations{"cluster": cluster}, defs: ref([]string{"metadata", "nope"}, raw("fallback")), want: "fallback"},
		{name: "missing edge uses default", rel: relations{}, defs: ref([]string{"name"}, raw(3)), want: float64(3)},
		{name: "no default is null sentinel", rel: relations{}, defs: ref([]string{"name"}, nil), want: models.NullSentinel},
		{name: "nil graph", rel: nil, defs: ref([]string{"name"}, nil), want: models.NullSentinel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resolve(r, tt.defs, tt.rel)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got["v"])
		})
	}
}

func TestDirectAndReferencePriority(t *testing.T) {
	r := newResource("ns")
	cluster := newResource("east")
	defs := []models.DeploymentVariable{{
		Key:             "target",
		DirectValues:    []models.DirectValue{{Value: raw("static"), Priority: 1}},
		ReferenceValues: []models.ReferenceValue{{Reference: "cluster", Path: []string{"identifier"}, Priority: 2}},
	}}
	got, err := Resolve(r, defs, relations{"cluster": cluster})
	require.NoError(t, err)
	assert.Equal(t, "east", got["target"])
}

func TestSelectorErrorSurfaces(t *testing.T) {
	r := newResource("prod")
	defs := []models.DeploymentVariable{{Key: "k", DirectValues: []models.DirectValue{
		{Value: raw(1), ResourceSelector: sel(t, `{"type":"system","operator":"equals","value":"x"}`)},
	}}}
	_, err := Resolve(r, defs, nil)
	assert.Error(t, err)
}
