// Package events defines the change events emitted by the write path and
// consumed by the reconciler.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Type names a change event.
type Type string

const (
	ResourceCreated Type = "resource.created"
	ResourceUpdated Type = "resource.updated"
	ResourceDeleted Type = "resource.deleted"

	EnvironmentCreated Type = "environment.created"
	EnvironmentUpdated Type = "environment.updated"
	EnvironmentDeleted Type = "environment.deleted"

	DeploymentCreated Type = "deployment.created"
	DeploymentUpdated Type = "deployment.updated"
	DeploymentDeleted Type = "deployment.deleted"

	VersionCreated  Type = "deployment_version.created"
	VersionUpdated  Type = "deployment_version.updated"
	VariableUpdated Type = "deployment_variable.updated"

	PolicyChanged           Type = "policy.changed"
	RelationshipRuleChanged Type = "relationship_rule.changed"
	JobAgentUpdated         Type = "job_agent.updated"
	ApprovalRecorded        Type = "approval.recorded"
	JobUpdated              Type = "job.updated"

	// TargetCreated and TargetRemoved are published by the registry.
	TargetCreated Type = "release_target.created"
	TargetRemoved Type = "deployment.resource.removed"
	// TargetEvaluate asks for one target to be evaluated again.
	TargetEvaluate Type = "release_target.evaluate"
)

// Event is a single change notification. EntityID names the changed record;
// the remaining fields narrow what the reconciler needs to revisit.
type Event struct {
	ID          uuid.UUID `json:"id"`
	Type        Type      `json:"type"`
	WorkspaceID uuid.UUID `json:"workspaceId,omitempty"`
	EntityID    uuid.UUID `json:"entityId"`
	// Changed lists the attributes an update touched.
	Changed []string `json:"changed,omitempty"`
	// Related lists resources whose variables may reference the entity.
	Related    []uuid.UUID     `json:"related,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	OccurredAt time.Time       `json:"occurredAt"`
}

// New stamps a fresh event.
func New(t Type, entityID uuid.UUID) Event {
	return Event{ID: uuid.New(), Type: t, EntityID: entityID, OccurredAt: time.Now().UTC()}
}

// WithPayload attaches v encoded as JSON. Encoding failures leave the
// payload empty.
func (e Event) WithPayload(v any) Event {
	if b, err := json.Marshal(v); err == nil {
		e.Payload = b
	}
	return e
}

// Publisher sends events to the reconciler.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Handler consumes events.
type Handler interface {
	Handle(ctx context.Context, evt Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, evt Event) error

func (f HandlerFunc) Handle(ctx context.Context, evt Event) error { return f(ctx, evt) }

// Discard drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(context.Context, Event) error { return nil }
