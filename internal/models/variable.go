package models

import (
	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/releaseplane/engine/internal/selector"
)

// NullSentinel is the resolved value of a reference variable that has
// neither a related value nor a default.
const NullSentinel = "null"

// DirectValue is a literal candidate value for a deployment variable.
type DirectValue struct {
	ID               uuid.UUID          `json:"id"`
	Value            datatypes.JSON     `json:"value"`
	Sensitive        bool               `json:"sensitive"`
	Priority         int                `json:"priority"`
	IsDefault        bool               `json:"isDefault"`
	ResourceSelector *selector.Selector `json:"resourceSelector"`
}

// ReferenceValue resolves through a named resource relationship.
type ReferenceValue struct {
	ID               uuid.UUID          `json:"id"`
	Reference        string             `json:"reference" validate:"required"`
	Path             []string           `json:"path" validate:"required,min=1"`
	DefaultValue     datatypes.JSON     `json:"defaultValue"`
	Priority         int                `json:"priority"`
	ResourceSelector *selector.Selector `json:"resourceSelector"`
}

// DeploymentVariable is keyed per deployment and holds ordered candidates.
type DeploymentVariable struct {
	Base
	DeploymentID    uuid.UUID        `gorm:"type:uuid;not null;index:idx_variables_deployment_key,unique" json:"deploymentId"`
	Key             string           `gorm:"not null;index:idx_variables_deployment_key,unique" json:"key" validate:"required"`
	Description     string           `gorm:"type:text" json:"description"`
	DirectValues    []DirectValue    `gorm:"type:jsonb;serializer:json" json:"directValues" validate:"dive"`
	ReferenceValues []ReferenceValue `gorm:"type:jsonb;serializer:json" json:"referenceValues" validate:"dive"`
}

// DefaultCount returns how many direct values are flagged isDefault.
func (v *DeploymentVariable) DefaultCount() int {
	n := 0
	for _, dv := range v.DirectValues {
		if dv.IsDefault {
			n++
		}
	}
	return n
}
