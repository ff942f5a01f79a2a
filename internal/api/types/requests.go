package types

import (
	"github.com/google/uuid"

	"github.com/releaseplane/engine/internal/models"
)

type LockRequest struct {
	LockedBy string `json:"lockedBy"`
}

type PinRequest struct {
	VersionID  *uuid.UUID `json:"versionId"`
	VersionTag string     `json:"versionTag" validate:"required_without=VersionID"`
}

type ApprovalRequest struct {
	UserID string   `json:"userId"`
	Roles  []string `json:"roles"`
	Reason string   `json:"reason"`
}

type JobAgentUpsertRequest struct {
	WorkspaceID uuid.UUID      `json:"workspaceId" validate:"required"`
	Name        string         `json:"name" validate:"required"`
	Type        string         `json:"type" validate:"required"`
	Config      map[string]any `json:"config"`
}

type ProviderSetRequest struct {
	WorkspaceID uuid.UUID         `json:"workspaceId" validate:"required"`
	Name        string            `json:"name"`
	Resources   []models.Resource `json:"resources" validate:"dive"`
}
