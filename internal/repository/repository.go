package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/releaseplane/engine/internal/models"
)

// BaseRepository defines common CRUD operations.
type BaseRepository[T any] interface {
	Create(ctx context.Context, obj *T) error
	Get(ctx context.Context, id uuid.UUID) (*T, error)
	Update(ctx context.Context, obj *T) error
	Delete(ctx context.Context, id uuid.UUID) error
}

type SystemRepository interface {
	BaseRepository[models.System]
	List(ctx context.Context) ([]models.System, error)
	ListByWorkspace(ctx context.Context, workspaceID uuid.UUID) ([]models.System, error)
}

type EnvironmentRepository interface {
	BaseRepository[models.Environment]
	ListBySystem(ctx context.Context, systemID uuid.UUID) ([]models.Environment, error)
}

type DeploymentRepository interface {
	BaseRepository[models.Deployment]
	ListBySystem(ctx context.Context, systemID uuid.UUID) ([]models.Deployment, error)
	ListByJobAgent(ctx context.Context, jobAgentID uuid.UUID) ([]models.Deployment, error)
}

type VersionRepository interface {
	BaseRepository[models.DeploymentVersion]
	// ListByDeployment returns versions newest first.
	ListByDeployment(ctx context.Context, deploymentID uuid.UUID) ([]models.DeploymentVersion, error)
	GetByTag(ctx context.Context, deploymentID uuid.UUID, tag string) (*models.DeploymentVersion, error)
}

type VariableRepository interface {
	BaseRepository[models.DeploymentVariable]
	ListByDeployment(ctx context.Context, deploymentID uuid.UUID) ([]models.DeploymentVariable, error)
	GetByKey(ctx context.Context, deploymentID uuid.UUID, key string) (*models.DeploymentVariable, error)
}

// ResourceRepository soft-deletes on Delete. Get and the list methods skip
// deleted rows.
type ResourceRepository interface {
	BaseRepository[models.Resource]
	GetByIdentifier(ctx context.Context, workspaceID uuid.UUID, identifier string, includeDeleted bool) (*models.Resource, error)
	ListByWorkspace(ctx context.Context, workspaceID uuid.UUID) ([]models.Resource, error)
	ListByProvider(ctx context.Context, providerID uuid.UUID) ([]models.Resource, error)
	Restore(ctx context.Context, id uuid.UUID) error
}

type RelationshipRuleRepository interface {
	BaseRepository[models.ResourceRelationshipRule]
	ListByWorkspace(ctx context.Context, workspaceID uuid.UUID) ([]models.ResourceRelationshipRule, error)
}

type ResourceProviderRepository interface {
	BaseRepository[models.ResourceProvider]
}

type JobAgentRepository interface {
	BaseRepository[models.JobAgent]
	GetByName(ctx context.Context, workspaceID uuid.UUID, name string) (*models.JobAgent, error)
}

type PolicyRepository interface {
	BaseRepository[models.Policy]
	ListByWorkspace(ctx context.Context, workspaceID uuid.UUID) ([]models.Policy, error)
}

// ReleaseTargetRepository keeps removed triples as soft-deleted rows so a
// re-matching triple keeps its id.
type ReleaseTargetRepository interface {
	Get(ctx context.Context, id uuid.UUID) (*models.ReleaseTarget, error)
	List(ctx context.Context) ([]models.ReleaseTarget, error)
	ListByResource(ctx context.Context, resourceID uuid.UUID) ([]models.ReleaseTarget, error)
	ListByEnvironment(ctx context.Context, environmentID uuid.UUID) ([]models.ReleaseTarget, error)
	ListByDeployment(ctx context.Context, deploymentID uuid.UUID) ([]models.ReleaseTarget, error)
	// Upsert returns the target for key, creating or restoring it. created
	// is true when the triple was not active before the call.
	Upsert(ctx context.Context, key models.TargetKey) (target *models.ReleaseTarget, created bool, err error)
	Remove(ctx context.Context, id uuid.UUID) error
	SetPinnedVersion(ctx context.Context, id uuid.UUID, versionID *uuid.UUID) error
}

type ReleaseRepository interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Release, error)
	// ListByTarget returns releases newest first.
	ListByTarget(ctx context.Context, targetID uuid.UUID) ([]models.Release, error)
	Latest(ctx context.Context, targetID uuid.UUID) (*models.Release, error)
	// CreateWithJob records rel and its first job atomically while holding
	// the target. It fails with CodeConflict when the target has an open
	// lock or its latest release already has the same version and variables.
	// job may be nil.
	CreateWithJob(ctx context.Context, rel *models.Release, job *models.Job) error
}

type JobRepository interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Job, error)
	// Update saves job when its stored status is still from. It fails with
	// CodeConflict when another update moved the status first.
	Update(ctx context.Context, job *models.Job, from models.JobStatus) error
	// ListByRelease returns jobs oldest first.
	ListByRelease(ctx context.Context, releaseID uuid.UUID) ([]models.Job, error)
	ListByTarget(ctx context.Context, targetID uuid.UUID) ([]models.Job, error)
	// Enqueue inserts job while holding its target. It fails with
	// CodeConflict when the target has an open lock, or when after is set and
	// the release's latest job is no longer *after.
	Enqueue(ctx context.Context, job *models.Job, after *uuid.UUID) error
	// Claim stamps claimedAt on up to limit pending jobs of the agent whose
	// claim is absent or older than staleBefore, and returns them. Racing
	// callers never receive the same job.
	Claim(ctx context.Context, agentID uuid.UUID, limit int, staleBefore, now time.Time) ([]models.Job, error)
}

type ApprovalRepository interface {
	// Create fails with CodeConflict when the user already decided on the
	// (version, environment) pair.
	Create(ctx context.Context, a *models.Approval) error
	ListByVersionEnvironment(ctx context.Context, versionID, environmentID uuid.UUID) ([]models.Approval, error)
}

type LockRepository interface {
	// Acquire fails with CodeConflict when the target already has an open lock.
	Acquire(ctx context.Context, lock *models.ReleaseTargetLock) error
	// Release closes the open lock. It fails with CodeInvalid when none is open.
	Release(ctx context.Context, targetID uuid.UUID, by string, at time.Time) (*models.ReleaseTargetLock, error)
	Open(ctx context.Context, targetID uuid.UUID) (*models.ReleaseTargetLock, error)
}

// Store bundles every repository behind one handle.
type Store interface {
	Systems() SystemRepository
	Environments() EnvironmentRepository
	Deployments() DeploymentRepository
	Versions() VersionRepository
	Variables() VariableRepository
	Resources() ResourceRepository
	RelationshipRules() RelationshipRuleRepository
	ResourceProviders() ResourceProviderRepository
	JobAgents() JobAgentRepository
	Policies() PolicyRepository
	ReleaseTargets() ReleaseTargetRepository
	Releases() ReleaseRepository
	Jobs() JobRepository
	Approvals() ApprovalRepository
	Locks() LockRepository
	Ping(ctx context.Context) error
}
