package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ReleaseTarget is a (resource, environment, deployment) triple. Removed
// triples are soft-deleted and restored under the same id when they match
// again.
type ReleaseTarget struct {
	Base
	ResourceID      uuid.UUID      `gorm:"type:uuid;not null;index:idx_release_targets_triple,unique" json:"resourceId"`
	EnvironmentID   uuid.UUID      `gorm:"type:uuid;not null;index:idx_release_targets_triple,unique" json:"environmentId"`
	DeploymentID    uuid.UUID      `gorm:"type:uuid;not null;index:idx_release_targets_triple,unique" json:"deploymentId"`
	PinnedVersionID *uuid.UUID     `gorm:"type:uuid" json:"pinnedVersionId"`
	DeletedAt       gorm.DeletedAt `gorm:"index" json:"deletedAt"`

	// Lock is the open lock, filled on read.
	Lock *ReleaseTargetLock `gorm:"-" json:"lock,omitempty"`
}

// TargetKey identifies a triple independently of the row id.
type TargetKey struct {
	ResourceID    uuid.UUID
	EnvironmentID uuid.UUID
	DeploymentID  uuid.UUID
}

func (t *ReleaseTarget) Key() TargetKey {
	return TargetKey{ResourceID: t.ResourceID, EnvironmentID: t.EnvironmentID, DeploymentID: t.DeploymentID}
}

// Release binds a version to a target together with its resolved variables.
// Releases are immutable.
type Release struct {
	Base
	ReleaseTargetID uuid.UUID         `gorm:"type:uuid;not null;index" json:"releaseTargetId"`
	VersionID       uuid.UUID         `gorm:"type:uuid;not null;index" json:"versionId"`
	Variables       datatypes.JSONMap `gorm:"type:jsonb" json:"variables"`
	VariablesHash   string            `gorm:"type:char(64);not null" json:"variablesHash"`
}

type JobStatus string

const (
	JobPending             JobStatus = "pending"
	JobInProgress          JobStatus = "in_progress"
	JobSuccessful          JobStatus = "successful"
	JobFailure             JobStatus = "failure"
	JobCancelled           JobStatus = "cancelled"
	JobSkipped             JobStatus = "skipped"
	JobActionRequired      JobStatus = "action_required"
	JobInvalidJobAgent     JobStatus = "invalid_job_agent"
	JobInvalidIntegration  JobStatus = "invalid_integration"
	JobExternalRunNotFound JobStatus = "external_run_not_found"
)

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobPending, JobInProgress, JobSuccessful, JobFailure, JobCancelled, JobSkipped,
		JobActionRequired, JobInvalidJobAgent, JobInvalidIntegration, JobExternalRunNotFound:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobPending, JobInProgress, JobActionRequired:
		return false
	}
	return true
}

type JobReason string

const (
	ReasonPolicyPassing JobReason = "policy_passing"
	ReasonRetry         JobReason = "retry"
	ReasonRedeploy      JobReason = "redeploy"
)

// Job is one dispatch attempt of a release to an agent.
type Job struct {
	Base
	ReleaseID       uuid.UUID      `gorm:"type:uuid;not null;index" json:"releaseId"`
	ReleaseTargetID uuid.UUID      `gorm:"type:uuid;not null;index" json:"releaseTargetId"`
	VersionID       uuid.UUID      `gorm:"type:uuid;not null;index" json:"versionId"`
	JobAgentID      uuid.UUID      `gorm:"type:uuid;not null;index:idx_jobs_agent_status" json:"jobAgentId"`
	JobAgentConfig  map[string]any `gorm:"type:jsonb;serializer:json" json:"jobAgentConfig"`
	Status          JobStatus      `gorm:"type:varchar(32);not null;index:idx_jobs_agent_status" json:"status"`
	Reason          JobReason      `gorm:"type:varchar(32);not null" json:"reason"`
	Message         string         `gorm:"type:text" json:"message"`
	ExternalID      string         `json:"externalId"`
	ClaimedAt       *time.Time     `json:"claimedAt"`
	StartedAt       *time.Time     `json:"startedAt"`
	CompletedAt     *time.Time     `json:"completedAt"`
}
