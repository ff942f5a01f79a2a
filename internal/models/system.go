package models

import (
	"github.com/google/uuid"

	"github.com/releaseplane/engine/internal/selector"
)

// System groups environments and deployments inside a workspace.
type System struct {
	Base
	WorkspaceID uuid.UUID `gorm:"type:uuid;not null;index:idx_systems_workspace_slug,unique" json:"workspaceId" validate:"required"`
	Name        string    `gorm:"not null" json:"name" validate:"required"`
	Slug        string    `gorm:"not null;index:idx_systems_workspace_slug,unique" json:"slug" validate:"required"`
	Description string    `gorm:"type:text" json:"description"`
}

// Environment is a deployment stage (qa, prod...) selecting resources.
type Environment struct {
	Base
	SystemID         uuid.UUID          `gorm:"type:uuid;not null;index:idx_environments_system_name,unique" json:"systemId" validate:"required"`
	Name             string             `gorm:"not null;index:idx_environments_system_name,unique" json:"name" validate:"required"`
	Description      string             `gorm:"type:text" json:"description"`
	Metadata         map[string]string  `gorm:"type:jsonb;serializer:json" json:"metadata"`
	ResourceSelector *selector.Selector `gorm:"type:jsonb;serializer:json" json:"resourceSelector"`
}

// Subject returns the selector view of the environment.
func (e *Environment) Subject() selector.Subject {
	return selector.Subject{
		Kind:     selector.KindEnvironment,
		ID:       e.ID.String(),
		Name:     e.Name,
		SystemID: e.SystemID.String(),
		Metadata: e.Metadata,
	}
}

// Deployment produces versions and owns the job agent that runs them.
type Deployment struct {
	Base
	SystemID         uuid.UUID          `gorm:"type:uuid;not null;index:idx_deployments_system_slug,unique" json:"systemId" validate:"required"`
	Name             string             `gorm:"not null" json:"name" validate:"required"`
	Slug             string             `gorm:"not null;index:idx_deployments_system_slug,unique" json:"slug" validate:"required"`
	Description      string             `gorm:"type:text" json:"description"`
	JobAgentID       *uuid.UUID         `gorm:"type:uuid;index" json:"jobAgentId"`
	JobAgentConfig   map[string]any     `gorm:"type:jsonb;serializer:json" json:"jobAgentConfig"`
	Metadata         map[string]string  `gorm:"type:jsonb;serializer:json" json:"metadata"`
	ResourceSelector *selector.Selector `gorm:"type:jsonb;serializer:json" json:"resourceSelector"`
}

// Subject returns the selector view of the deployment. The slug doubles as
// its identifier.
func (d *Deployment) Subject() selector.Subject {
	return selector.Subject{
		Kind:       selector.KindDeployment,
		ID:         d.ID.String(),
		Identifier: d.Slug,
		Name:       d.Name,
		SystemID:   d.SystemID.String(),
		Metadata:   d.Metadata,
	}
}
