package repository

import (
	"context"

	"gorm.io/gorm"

	appErr "github.com/releaseplane/engine/pkg/errors"
)

type gormStore struct {
	db *gorm.DB

	systems      SystemRepository
	environments EnvironmentRepository
	deployments  DeploymentRepository
	versions     VersionRepository
	variables    VariableRepository
	resources    ResourceRepository
	rules        RelationshipRuleRepository
	providers    ResourceProviderRepository
	agents       JobAgentRepository
	policies     PolicyRepository
	targets      ReleaseTargetRepository
	releases     ReleaseRepository
	jobs         JobRepository
	approvals    ApprovalRepository
	locks        LockRepository
}

// NewStore returns a Store backed by PostgreSQL through gorm.
func NewStore(db *gorm.DB) Store {
	return &gormStore{
		db:           db,
		systems:      NewSystemRepository(db),
		environments: NewEnvironmentRepository(db),
		deployments:  NewDeploymentRepository(db),
		versions:     NewVersionRepository(db),
		variables:    NewVariableRepository(db),
		resources:    NewResourceRepository(db),
		rules:        NewRelationshipRuleRepository(db),
		providers:    NewResourceProviderRepository(db),
		agents:       NewJobAgentRepository(db),
		policies:     NewPolicyRepository(db),
		targets:      NewReleaseTargetRepository(db),
		releases:     NewReleaseRepository(db),
		jobs:         NewJobRepository(db),
		approvals:    NewApprovalRepository(db),
		locks:        NewLockRepository(db),
	}
}

var _ Store = (*gormStore)(nil)

func (s *gormStore) Systems() SystemRepository                     { return s.systems }
func (s *gormStore) Environments() EnvironmentRepository           { return s.environments }
func (s *gormStore) Deployments() DeploymentRepository             { return s.deployments }
func (s *gormStore) Versions() VersionRepository                   { return s.versions }
func (s *gormStore) Variables() VariableRepository                 { return s.variables }
func (s *gormStore) Resources() ResourceRepository                 { return s.resources }
func (s *gormStore) RelationshipRules() RelationshipRuleRepository { return s.rules }
func (s *gormStore) ResourceProviders() ResourceProviderRepository { return s.providers }
func (s *gormStore) JobAgents() JobAgentRepository                 { return s.agents }
func (s *gormStore) Policies() PolicyRepository                    { return s.policies }
func (s *gormStore) ReleaseTargets() ReleaseTargetRepository       { return s.targets }
func (s *gormStore) Releases() ReleaseRepository                   { return s.releases }
func (s *gormStore) Jobs() JobRepository                           { return s.jobs }
func (s *gormStore) Approvals() ApprovalRepository                 { return s.approvals }
func (s *gormStore) Locks() LockRepository                         { return s.locks }

func (s *gormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return appErr.Wrap(err, appErr.CodeUnavailable, "database handle unavailable")
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return appErr.Wrap(err, appErr.CodeUnavailable, "database ping failed")
	}
	return nil
}
