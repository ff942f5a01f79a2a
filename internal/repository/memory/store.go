// Package memory is an in-process Store used by tests and single-binary
// development setups. It honours the same uniqueness, soft-delete and
// atomicity rules as the postgres store.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/releaseplane/engine/internal/models"
	"github.com/releaseplane/engine/internal/repository"
	appErr "github.com/releaseplane/engine/pkg/errors"
)

// Store guards every table with one mutex, which makes each repository call
// atomic.
type Store struct {
	mu  sync.RWMutex
	now func() time.Time

	systems      *table[models.System, *models.System]
	environments *table[models.Environment, *models.Environment]
	deployments  *table[models.Deployment, *models.Deployment]
	versions     *table[models.DeploymentVersion, *models.DeploymentVersion]
	variables    *table[models.DeploymentVariable, *models.DeploymentVariable]
	resources    *table[models.Resource, *models.Resource]
	rules        *table[models.ResourceRelationshipRule, *models.ResourceRelationshipRule]
	providers    *table[models.ResourceProvider, *models.ResourceProvider]
	agents       *table[models.JobAgent, *models.JobAgent]
	policies     *table[models.Policy, *models.Policy]
	targets      *table[models.ReleaseTarget, *models.ReleaseTarget]
	releases     *table[models.Release, *models.Release]
	jobs         *table[models.Job, *models.Job]
	approvals    *table[models.Approval, *models.Approval]
	locks        *table[models.ReleaseTargetLock, *models.ReleaseTargetLock]
}

var _ repository.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	s := &Store{
		now:          func() time.Time { return time.Now().UTC() },
		systems:      newTable[models.System]("system"),
		environments: newTable[models.Environment]("environment"),
		deployments:  newTable[models.Deployment]("deployment"),
		versions:     newTable[models.DeploymentVersion]("deployment version"),
		variables:    newTable[models.DeploymentVariable]("deployment variable"),
		resources:    newTable[models.Resource]("resource"),
		rules:        newTable[models.ResourceRelationshipRule]("relationship rule"),
		providers:    newTable[models.ResourceProvider]("resource provider"),
		agents:       newTable[models.JobAgent]("job agent"),
		policies:     newTable[models.Policy]("policy"),
		targets:      newTable[models.ReleaseTarget]("release target"),
		releases:     newTable[models.Release]("release"),
		jobs:         newTable[models.Job]("job"),
		approvals:    newTable[models.Approval]("approval"),
		locks:        newTable[models.ReleaseTargetLock]("release target lock"),
	}

	s.systems.unique = func(v *models.System) string { return key(v.WorkspaceID, v.Slug) }
	s.environments.unique = func(v *models.Environment) string { return key(v.SystemID, v.Name) }
	s.deployments.unique = func(v *models.Deployment) string { return key(v.SystemID, v.Slug) }
	s.versions.unique = func(v *models.DeploymentVersion) string { return key(v.DeploymentID, v.Tag) }
	s.variables.unique = func(v *models.DeploymentVariable) string { return key(v.DeploymentID, v.Key) }
	s.resources.unique = func(v *models.Resource) string { return key(v.WorkspaceID, v.Identifier) }
	s.rules.unique = func(v *models.ResourceRelationshipRule) string { return key(v.WorkspaceID, v.Reference) }
	s.agents.unique = func(v *models.JobAgent) string { return key(v.WorkspaceID, v.Name) }
	s.targets.unique = func(v *models.ReleaseTarget) string {
		return key(v.ResourceID, v.EnvironmentID.String(), v.DeploymentID.String())
	}
	s.approvals.unique = func(v *models.Approval) string {
		return key(v.DeploymentVersionID, v.EnvironmentID.String(), v.UserID)
	}
	s.locks.unique = func(v *models.ReleaseTargetLock) string {
		if v.UnlockedAt != nil {
			return ""
		}
		return v.ReleaseTargetID.String()
	}

	s.resources.soft = &softDelete[models.Resource]{
		deleted: func(v *models.Resource) bool { return v.DeletedAt.Valid },
		mark:    func(v *models.Resource, at *time.Time) { v.DeletedAt = deletedAt(at) },
	}
	s.targets.soft = &softDelete[models.ReleaseTarget]{
		deleted: func(v *models.ReleaseTarget) bool { return v.DeletedAt.Valid },
		mark:    func(v *models.ReleaseTarget, at *time.Time) { v.DeletedAt = deletedAt(at) },
	}
	return s
}

// WithClock overrides the time source used for timestamps.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func key(id uuid.UUID, parts ...string) string {
	k := id.String()
	for _, p := range parts {
		k += "\x00" + p
	}
	return k
}

func deletedAt(at *time.Time) gorm.DeletedAt {
	if at == nil {
		return gorm.DeletedAt{}
	}
	return gorm.DeletedAt{Time: *at, Valid: true}
}

func (s *Store) Systems() repository.SystemRepository { return &systemRepo{crud(s, s.systems)} }
func (s *Store) Environments() repository.EnvironmentRepository {
	return &environmentRepo{crud(s, s.environments)}
}
func (s *Store) Deployments() repository.DeploymentRepository {
	return &deploymentRepo{crud(s, s.deployments)}
}
func (s *Store) Versions() repository.VersionRepository { return &versionRepo{crud(s, s.versions)} }
func (s *Store) Variables() repository.VariableRepository {
	return &variableRepo{crud(s, s.variables)}
}
func (s *Store) Resources() repository.ResourceRepository {
	return &resourceRepo{crud(s, s.resources)}
}
func (s *Store) RelationshipRules() repository.RelationshipRuleRepository {
	return &ruleRepo{crud(s, s.rules)}
}
func (s *Store) ResourceProviders() repository.ResourceProviderRepository {
	return &providerRepo{crud(s, s.providers)}
}
func (s *Store) JobAgents() repository.JobAgentRepository { return &agentRepo{crud(s, s.agents)} }
func (s *Store) Policies() repository.PolicyRepository    { return &policyRepo{crud(s, s.policies)} }
func (s *Store) ReleaseTargets() repository.ReleaseTargetRepository {
	return &targetRepo{s}
}
func (s *Store) Releases() repository.ReleaseRepository   { return &releaseRepo{s} }
func (s *Store) Jobs() repository.JobRepository           { return &jobRepo{s} }
func (s *Store) Approvals() repository.ApprovalRepository { return &approvalRepo{s} }
func (s *Store) Locks() repository.LockRepository         { return &lockRepo{s} }

func (s *Store) Ping(context.Context) error { return nil }

type crudRepo[T any, P entity[T]] struct {
	s *Store
	t *table[T, P]
}

func crud[T any, P entity[T]](s *Store, t *table[T, P]) crudRepo[T, P] {
	return crudRepo[T, P]{s: s, t: t}
}

func (r crudRepo[T, P]) Create(_ context.Context, obj *T) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.t.insert(obj, r.s.now())
}

func (r crudRepo[T, P]) Get(_ context.Context, id uuid.UUID) (*T, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return r.t.get(id, false)
}

func (r crudRepo[T, P]) Update(_ context.Context, obj *T) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.t.update(obj, r.s.now())
}

func (r crudRepo[T, P]) Delete(_ context.Context, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.t.delete(id, r.s.now())
}

func (r crudRepo[T, P]) list(includeDeleted bool, keep func(*T) bool) []T {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return r.t.list(includeDeleted, keep)
}

func (r crudRepo[T, P]) find(includeDeleted bool, keep func(*T) bool) (*T, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return r.t.find(includeDeleted, keep)
}

type systemRepo struct {
	crudRepo[models.System, *models.System]
}

func (r *systemRepo) List(context.Context) ([]models.System, error) {
	return r.list(false, nil), nil
}

func (r *systemRepo) ListByWorkspace(_ context.Context, workspaceID uuid.UUID) ([]models.System, error) {
	return r.list(false, func(v *models.System) bool { return v.WorkspaceID == workspaceID }), nil
}

type environmentRepo struct {
	crudRepo[models.Environment, *models.Environment]
}

func (r *environmentRepo) ListBySystem(_ context.Context, systemID uuid.UUID) ([]models.Environment, error) {
	return r.list(false, func(v *models.Environment) bool { return v.SystemID == systemID }), nil
}

type deploymentRepo struct {
	crudRepo[models.Deployment, *models.Deployment]
}

func (r *deploymentRepo) ListBySystem(_ context.Context, systemID uuid.UUID) ([]models.Deployment, error) {
	return r.list(false, func(v *models.Deployment) bool { return v.SystemID == systemID }), nil
}

func (r *deploymentRepo) ListByJobAgent(_ context.Context, jobAgentID uuid.UUID) ([]models.Deployment, error) {
	return r.list(false, func(v *models.Deployment) bool {
		return v.JobAgentID != nil && *v.JobAgentID == jobAgentID
	}), nil
}

type versionRepo struct {
	crudRepo[models.DeploymentVersion, *models.DeploymentVersion]
}

func (r *versionRepo) ListByDeployment(_ context.Context, deploymentID uuid.UUID) ([]models.DeploymentVersion, error) {
	out := r.list(false, func(v *models.DeploymentVersion) bool { return v.DeploymentID == deploymentID })
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID.String() > out[j].ID.String()
	})
	return out, nil
}

func (r *versionRepo) GetByTag(_ context.Context, deploymentID uuid.UUID, tag string) (*models.DeploymentVersion, error) {
	return r.find(false, func(v *models.DeploymentVersion) bool {
		return v.DeploymentID == deploymentID && v.Tag == tag
	})
}

type variableRepo struct {
	crudRepo[models.DeploymentVariable, *models.DeploymentVariable]
}

func (r *variableRepo) ListByDeployment(_ context.Context, deploymentID uuid.UUID) ([]models.DeploymentVariable, error) {
	out := r.list(false, func(v *models.DeploymentVariable) bool { return v.DeploymentID == deploymentID })
	sort.SliceStable(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (r *variableRepo) GetByKey(_ context.Context, deploymentID uuid.UUID, key string) (*models.DeploymentVariable, error) {
	return r.find(false, func(v *models.DeploymentVariable) bool {
		return v.DeploymentID == deploymentID && v.Key == key
	})
}

type resourceRepo struct {
	crudRepo[models.Resource, *models.Resource]
}

func (r *resourceRepo) GetByIdentifier(_ context.Context, workspaceID uuid.UUID, identifier string, includeDeleted bool) (*models.Resource, error) {
	return r.find(includeDeleted, func(v *models.Resource) bool {
		return v.WorkspaceID == workspaceID && v.Identifier == identifier
	})
}

func (r *resourceRepo) ListByWorkspace(_ context.Context, workspaceID uuid.UUID) ([]models.Resource, error) {
	return r.list(false, func(v *models.Resource) bool { return v.WorkspaceID == workspaceID }), nil
}

func (r *resourceRepo) ListByProvider(_ context.Context, providerID uuid.UUID) ([]models.Resource, error) {
	return r.list(false, func(v *models.Resource) bool {
		return v.ProviderID != nil && *v.ProviderID == providerID
	}), nil
}

func (r *resourceRepo) Restore(_ context.Context, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	row, ok := r.t.rows[id]
	if !ok {
		return appErr.Newf(appErr.CodeNotFound, "resource %s not found", id)
	}
	row.DeletedAt = gorm.DeletedAt{}
	return nil
}

type ruleRepo struct {
	crudRepo[models.ResourceRelationshipRule, *models.ResourceRelationshipRule]
}

func (r *ruleRepo) ListByWorkspace(_ context.Context, workspaceID uuid.UUID) ([]models.ResourceRelationshipRule, error) {
	return r.list(false, func(v *models.ResourceRelationshipRule) bool { return v.WorkspaceID == workspaceID }), nil
}

type providerRepo struct {
	crudRepo[models.ResourceProvider, *models.ResourceProvider]
}

type agentRepo struct {
	crudRepo[models.JobAgent, *models.JobAgent]
}

func (r *agentRepo) GetByName(_ context.Context, workspaceID uuid.UUID, name string) (*models.JobAgent, error) {
	return r.find(false, func(v *models.JobAgent) bool { return v.WorkspaceID == workspaceID && v.Name == name })
}

type policyRepo struct {
	crudRepo[models.Policy, *models.Policy]
}

func (r *policyRepo) ListByWorkspace(_ context.Context, workspaceID uuid.UUID) ([]models.Policy, error) {
	out := r.list(false, func(v *models.Policy) bool { return v.WorkspaceID == workspaceID })
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out, nil
}
