package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Base carries the columns shared by every table.
type Base struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	CreatedAt time.Time `gorm:"index" json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// GetID returns the primary key.
func (b *Base) GetID() uuid.UUID { return b.ID }

// GetBase exposes the shared columns of any model.
func (b *Base) GetBase() *Base { return b }

// EnsureID assigns a fresh id and timestamps when they are unset. Both
// stores call it so ids are known before the insert returns.
func (b *Base) EnsureID(now time.Time) {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
}

// BeforeCreate is a gorm hook.
func (b *Base) BeforeCreate(_ *gorm.DB) error {
	b.EnsureID(time.Now().UTC())
	return nil
}

// Entity is implemented by every model through Base.
type Entity interface {
	GetID() uuid.UUID
	GetBase() *Base
	EnsureID(now time.Time)
}
