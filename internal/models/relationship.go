package models

import "github.com/google/uuid"

type MetadataKeysMatch struct {
	SourceKey string `json:"sourceKey" validate:"required"`
	TargetKey string `json:"targetKey" validate:"required"`
}

type MetadataEquals struct {
	Key   string `json:"key" validate:"required"`
	Value string `json:"value"`
}

// ResourceRelationshipRule derives named edges between resources.
type ResourceRelationshipRule struct {
	Base
	WorkspaceID          uuid.UUID           `gorm:"type:uuid;not null;index:idx_relationship_rules_workspace_reference,unique" json:"workspaceId" validate:"required"`
	Name                 string              `gorm:"not null" json:"name" validate:"required"`
	Reference            string              `gorm:"not null;index:idx_relationship_rules_workspace_reference,unique" json:"reference" validate:"required"`
	DependencyType       string              `gorm:"not null" json:"dependencyType" validate:"required"`
	Description          string              `gorm:"type:text" json:"description"`
	SourceKind           string              `json:"sourceKind"`
	SourceVersion        string              `json:"sourceVersion"`
	TargetKind           string              `json:"targetKind"`
	TargetVersion        string              `json:"targetVersion"`
	MetadataKeysMatches  []MetadataKeysMatch `gorm:"type:jsonb;serializer:json" json:"metadataKeysMatches" validate:"dive"`
	SourceMetadataEquals []MetadataEquals    `gorm:"type:jsonb;serializer:json" json:"sourceMetadataEquals" validate:"dive"`
	TargetMetadataEquals []MetadataEquals    `gorm:"type:jsonb;serializer:json" json:"targetMetadataEquals" validate:"dive"`
}
