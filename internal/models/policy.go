package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/releaseplane/engine/internal/selector"
)

// PolicyTarget ANDs its present selectors. A policy matches when any of its
// targets does.
type PolicyTarget struct {
	EnvironmentSelector *selector.Selector `json:"environmentSelector"`
	DeploymentSelector  *selector.Selector `json:"deploymentSelector"`
	ResourceSelector    *selector.Selector `json:"resourceSelector"`
}

type AnyApprovals struct {
	RequiredApprovalsCount int `json:"requiredApprovalsCount" validate:"gte=0"`
}

type UserApproval struct {
	UserID string `json:"userId" validate:"required"`
}

type RoleApproval struct {
	RoleID                 string `json:"roleId" validate:"required"`
	RequiredApprovalsCount int    `json:"requiredApprovalsCount" validate:"gte=1"`
}

// DenyWindow blocks new releases while now falls inside an occurrence of
// RRule, evaluated in TimeZone.
type DenyWindow struct {
	TimeZone        string `json:"timeZone"`
	RRule           string `json:"rrule" validate:"required"`
	DurationMinutes int    `json:"durationMinutes" validate:"gte=0"`
}

type RolloutType string

const (
	RolloutLinear                RolloutType = "linear"
	RolloutLinearNormalized      RolloutType = "linear-normalized"
	RolloutExponential           RolloutType = "exponential"
	RolloutExponentialNormalized RolloutType = "exponential-normalized"
)

type EnvironmentVersionRollout struct {
	RolloutType          RolloutType `json:"rolloutType" validate:"required,oneof=linear linear-normalized exponential exponential-normalized"`
	TimeScaleInterval    float64     `json:"timeScaleInterval" validate:"gt=0"`
	PositionGrowthFactor float64     `json:"positionGrowthFactor" validate:"gte=0"`
}

type GradualRollout struct {
	DeployRate        int `json:"deployRate" validate:"gte=1"`
	WindowSizeMinutes int `json:"windowSizeMinutes" validate:"gte=1"`
}

// Policy gates and schedules releases for the targets it matches.
type Policy struct {
	Base
	WorkspaceID               uuid.UUID                  `gorm:"type:uuid;not null;index" json:"workspaceId" validate:"required"`
	Name                      string                     `gorm:"not null" json:"name" validate:"required"`
	Description               string                     `gorm:"type:text" json:"description"`
	Priority                  int                        `gorm:"not null;default:0;index" json:"priority"`
	Enabled                   bool                       `gorm:"not null" json:"enabled"`
	Targets                   []PolicyTarget             `gorm:"type:jsonb;serializer:json" json:"targets"`
	DeploymentVersionSelector *selector.Selector         `gorm:"type:jsonb;serializer:json" json:"deploymentVersionSelector"`
	VersionAnyApprovals       *AnyApprovals              `gorm:"type:jsonb;serializer:json" json:"versionAnyApprovals"`
	VersionUserApprovals      []UserApproval             `gorm:"type:jsonb;serializer:json" json:"versionUserApprovals"`
	VersionRoleApprovals      []RoleApproval             `gorm:"type:jsonb;serializer:json" json:"versionRoleApprovals"`
	DenyWindows               []DenyWindow               `gorm:"type:jsonb;serializer:json" json:"denyWindows"`
	EnvironmentVersionRollout *EnvironmentVersionRollout `gorm:"type:jsonb;serializer:json" json:"environmentVersionRollout"`
	GradualRollout            *GradualRollout            `gorm:"type:jsonb;serializer:json" json:"gradualRollout"`
	MaxRetries                *int                       `json:"maxRetries"`
}

type ApprovalStatus string

const (
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// Approval records one user's decision on a version for an environment.
type Approval struct {
	Base
	DeploymentVersionID uuid.UUID      `gorm:"type:uuid;not null;index:idx_approvals_version_env_user,unique" json:"deploymentVersionId"`
	EnvironmentID       uuid.UUID      `gorm:"type:uuid;not null;index:idx_approvals_version_env_user,unique" json:"environmentId"`
	UserID              string         `gorm:"not null;index:idx_approvals_version_env_user,unique" json:"userId"`
	Roles               []string       `gorm:"type:jsonb;serializer:json" json:"roles"`
	Status              ApprovalStatus `gorm:"type:varchar(16);not null" json:"status"`
	Reason              string         `gorm:"type:text" json:"reason"`
	ApprovedAt          time.Time      `json:"approvedAt"`
}

// ReleaseTargetLock is open while UnlockedAt is nil. At most one open lock
// exists per target (partial unique index).
type ReleaseTargetLock struct {
	Base
	ReleaseTargetID uuid.UUID  `gorm:"type:uuid;not null;index" json:"releaseTargetId"`
	LockedAt        time.Time  `gorm:"not null" json:"lockedAt"`
	LockedBy        string     `gorm:"not null" json:"lockedBy"`
	UnlockedAt      *time.Time `json:"unlockedAt"`
	UnlockedBy      string     `json:"unlockedBy"`
}
