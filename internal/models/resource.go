package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/releaseplane/engine/internal/selector"
)

// Resource is a deploy target (cluster, VM, namespace...). Resources are
// soft-deleted so release history stays intact.
type Resource struct {
	Base
	WorkspaceID uuid.UUID         `gorm:"type:uuid;not null;index:idx_resources_workspace_identifier,unique" json:"workspaceId" validate:"required"`
	ProviderID  *uuid.UUID        `gorm:"type:uuid;index" json:"providerId"`
	Identifier  string            `gorm:"not null;index:idx_resources_workspace_identifier,unique" json:"identifier" validate:"required"`
	Name        string            `gorm:"not null" json:"name" validate:"required"`
	Kind        string            `gorm:"not null;index" json:"kind" validate:"required"`
	Version     string            `gorm:"not null" json:"version" validate:"required"`
	Config      map[string]any    `gorm:"type:jsonb;serializer:json" json:"config"`
	Metadata    map[string]string `gorm:"type:jsonb;serializer:json" json:"metadata"`
	Variables   map[string]any    `gorm:"type:jsonb;serializer:json" json:"variables"`
	LockedAt    *time.Time        `json:"lockedAt"`
	DeletedAt   gorm.DeletedAt    `gorm:"index" json:"deletedAt"`

	// Relationships is derived on read, keyed by reference name.
	Relationships map[string]uuid.UUID `gorm:"-" json:"relationships,omitempty"`
}

// Subject returns the selector view of the resource.
func (r *Resource) Subject() selector.Subject {
	return selector.Subject{
		Kind:         selector.KindResource,
		ID:           r.ID.String(),
		Identifier:   r.Identifier,
		Name:         r.Name,
		ResourceKind: r.Kind,
		Version:      r.Version,
		Metadata:     r.Metadata,
	}
}

// Deleted reports whether the resource is soft-deleted.
func (r *Resource) Deleted() bool { return r.DeletedAt.Valid }

// ResourceProvider owns a set of resources kept in sync in bulk.
type ResourceProvider struct {
	Base
	WorkspaceID uuid.UUID `gorm:"type:uuid;not null;index" json:"workspaceId"`
	Name        string    `gorm:"not null" json:"name"`
}

// JobAgent executes jobs; it is addressed by (workspace, name) on upsert.
type JobAgent struct {
	Base
	WorkspaceID uuid.UUID      `gorm:"type:uuid;not null;index:idx_job_agents_workspace_name,unique" json:"workspaceId" validate:"required"`
	Name        string         `gorm:"not null;index:idx_job_agents_workspace_name,unique" json:"name" validate:"required"`
	Type        string         `gorm:"not null" json:"type" validate:"required"`
	Config      map[string]any `gorm:"type:jsonb;serializer:json" json:"config"`
}
