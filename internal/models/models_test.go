package models

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/releaseplane/engine/internal/selector"
)

func TestEnsureIDKeepsExistingValues(t *testing.T) {
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := created.Add(time.Hour)
	id := uuid.New()

	b := Base{ID: id, CreatedAt: created}
	b.EnsureID(now)
	assert.Equal(t, id, b.ID)
	assert.Equal(t, created, b.CreatedAt)
	assert.Equal(t, now, b.UpdatedAt)

	var fresh Base
	fresh.EnsureID(now)
	assert.NotEqual(t, uuid.Nil, fresh.ID)
	assert.Equal(t, now, fresh.CreatedAt)
}

func TestJobStatus(t *testing.T) {
	tests := []struct {
		status   JobStatus
		valid    bool
		terminal bool
	}{
		{JobPending, true, false},
		{JobInProgress, true, false},
		{JobActionRequired, true, false},
		{JobSuccessful, true, true},
		{JobFailure, true, true},
		{JobExternalRunNotFound, true, true},
		{"exploded", false, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.valid, tt.status.Valid())
			assert.Equal(t, tt.terminal, tt.status.Terminal())
		})
	}
}

func TestResourceSubject(t *testing.T) {
	r := &Resource{Identifier: "k8s/prod-eu", Name: "prod-eu", Kind: "Cluster", Version: "v1", Metadata: map[string]string{"region": "eu"}}
	s := r.Subject()
	assert.Equal(t, selector.KindResource, s.Kind)
	assert.Equal(t, "Cluster", s.ResourceKind)
	assert.Equal(t, "eu", s.Metadata["region"])
	assert.False(t, r.Deleted())
}

func TestDefaultCount(t *testing.T) {
	v := &DeploymentVariable{DirectValues: []DirectValue{{IsDefault: true}, {}, {IsDefault: true}}}
	assert.Equal(t, 2, v.DefaultCount())
}
