package models

import (
	"github.com/google/uuid"

	"github.com/releaseplane/engine/internal/selector"
)

type VersionStatus string

const (
	VersionBuilding VersionStatus = "building"
	VersionReady    VersionStatus = "ready"
	VersionFailed   VersionStatus = "failed"
)

// VersionDependency requires a successful run of a version of another
// deployment on the same resource.
type VersionDependency struct {
	DeploymentID    uuid.UUID          `json:"deploymentId" validate:"required"`
	VersionSelector *selector.Selector `json:"versionSelector"`
}

// DeploymentVersion is one releasable artifact of a deployment.
type DeploymentVersion struct {
	Base
	DeploymentID uuid.UUID           `gorm:"type:uuid;not null;index:idx_versions_deployment_tag,unique" json:"deploymentId" validate:"required"`
	Tag          string              `gorm:"not null;index:idx_versions_deployment_tag,unique" json:"tag" validate:"required"`
	Name         string              `json:"name"`
	Status       VersionStatus       `gorm:"type:varchar(16);not null;index" json:"status" validate:"required,oneof=building ready failed"`
	Message      string              `gorm:"type:text" json:"message"`
	Config       map[string]any      `gorm:"type:jsonb;serializer:json" json:"config"`
	Metadata     map[string]string   `gorm:"type:jsonb;serializer:json" json:"metadata"`
	Dependencies []VersionDependency `gorm:"type:jsonb;serializer:json" json:"dependencies" validate:"dive"`
}

// Subject returns the selector view of the version.
func (v *DeploymentVersion) Subject() selector.Subject {
	name := v.Name
	if name == "" {
		name = v.Tag
	}
	return selector.Subject{
		Kind:     selector.KindVersion,
		ID:       v.ID.String(),
		Name:     name,
		Tag:      v.Tag,
		Metadata: v.Metadata,
	}
}
