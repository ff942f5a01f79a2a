package reconcile

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/releaseplane/engine/internal/events"
	"github.com/releaseplane/engine/internal/models"
	"github.com/releaseplane/engine/internal/registry"
	appErr "github.com/releaseplane/engine/pkg/errors"
)

// selectorFields are the resource attributes selectors can observe.
var selectorFields = []string{"identifier", "name", "kind", "metadata", "version"}

// Handle maps one change event to membership updates and target work.
// Unknown entities are ignored: the event raced a deletion.
func (c *Controller) Handle(ctx context.Context, evt events.Event) error {
	ids, err := c.affected(ctx, evt)
	if appErr.IsCode(err, appErr.CodeNotFound) {
		c.log.Debug("event entity is gone", zap.String("type", string(evt.Type)), zap.String("entity_id", evt.EntityID.String()))
		err = nil
	}
	if err != nil {
		return err
	}
	c.enqueue(ctx, lo.Uniq(ids)...)
	return nil
}

func (c *Controller) affected(ctx context.Context, evt events.Event) ([]uuid.UUID, error) {
	targets := c.store.ReleaseTargets()

	switch evt.Type {
	case events.ResourceCreated, events.ResourceDeleted:
		ids, err := c.membership(ctx, "resource", func() (registry.Delta, error) {
			return c.registry.ReconcileResource(ctx, evt.EntityID)
		})
		if err != nil {
			return nil, err
		}
		related, err := c.resourceTargets(ctx, evt.Related...)
		return append(ids, related...), err

	case events.ResourceUpdated:
		var ids []uuid.UUID
		var err error
		switch {
		case changes(evt, selectorFields...):
			ids, err = c.membership(ctx, "resource", func() (registry.Delta, error) {
				return c.registry.ReconcileResource(ctx, evt.EntityID)
			})
		case len(evt.Changed) > 0:
			ids, err = c.resourceTargets(ctx, evt.EntityID)
		}
		if err != nil {
			return nil, err
		}
		// Only the version moved: the resource's own releases are unaffected
		// but resources referencing it may resolve differently.
		if onlyVersion(evt) {
			ids = nil
		}
		related, err := c.resourceTargets(ctx, evt.Related...)
		return append(ids, related...), err

	case events.EnvironmentCreated, events.EnvironmentUpdated, events.EnvironmentDeleted:
		return c.membership(ctx, "environment", func() (registry.Delta, error) {
			return c.registry.ReconcileEnvironment(ctx, evt.EntityID)
		})

	case events.DeploymentCreated, events.DeploymentUpdated, events.DeploymentDeleted:
		return c.membership(ctx, "deployment", func() (registry.Delta, error) {
			return c.registry.ReconcileDeployment(ctx, evt.EntityID)
		})

	case events.VersionCreated, events.VersionUpdated:
		v, err := c.store.Versions().Get(ctx, evt.EntityID)
		if err != nil {
			return nil, err
		}
		return ids(targets.ListByDeployment(ctx, v.DeploymentID))

	case events.VariableUpdated:
		// EntityID is the owning deployment.
		return ids(targets.ListByDeployment(ctx, evt.EntityID))

	case events.PolicyChanged, events.RelationshipRuleChanged:
		return ids(targets.List(ctx))

	case events.JobAgentUpdated:
		deployments, err := c.store.Deployments().ListByJobAgent(ctx, evt.EntityID)
		if err != nil {
			return nil, err
		}
		var out []uuid.UUID
		for _, d := range deployments {
			got, err := ids(targets.ListByDeployment(ctx, d.ID))
			if err != nil {
				return nil, err
			}
			out = append(out, got...)
		}
		return out, nil

	case events.ApprovalRecorded:
		var a models.Approval
		if err := json.Unmarshal(evt.Payload, &a); err != nil {
			return nil, appErr.Wrap(err, appErr.CodeInvalid, "decode approval payload")
		}
		v, err := c.store.Versions().Get(ctx, a.DeploymentVersionID)
		if err != nil {
			return nil, err
		}
		inEnv, err := targets.ListByEnvironment(ctx, a.EnvironmentID)
		if err != nil {
			return nil, err
		}
		return lo.FilterMap(inEnv, func(t models.ReleaseTarget, _ int) (uuid.UUID, bool) {
			return t.ID, t.DeploymentID == v.DeploymentID
		}), nil

	case events.JobUpdated:
		// Dependency gates of other deployments on the same resource may open.
		job, err := c.store.Jobs().Get(ctx, evt.EntityID)
		if err != nil {
			return nil, err
		}
		rt, err := targets.Get(ctx, job.ReleaseTargetID)
		if err != nil {
			return nil, err
		}
		return c.resourceTargets(ctx, rt.ResourceID)

	case events.TargetCreated, events.TargetEvaluate:
		return []uuid.UUID{evt.EntityID}, nil
	}
	return nil, nil
}

// membership runs a registry reconciliation and returns the targets active
// afterwards.
func (c *Controller) membership(ctx context.Context, kind string, fn func() (registry.Delta, error)) ([]uuid.UUID, error) {
	var delta registry.Delta
	err := observe(kind, func() error {
		var err error
		delta, err = fn()
		return err
	})
	if err != nil {
		return nil, err
	}
	return lo.Map(delta.Current(), func(t models.ReleaseTarget, _ int) uuid.UUID { return t.ID }), nil
}

func (c *Controller) resourceTargets(ctx context.Context, resourceIDs ...uuid.UUID) ([]uuid.UUID, error) {
	var out []uuid.UUID
	for _, id := range resourceIDs {
		got, err := ids(c.store.ReleaseTargets().ListByResource(ctx, id))
		if err != nil {
			return nil, err
		}
		out = append(out, got...)
	}
	return out, nil
}

func ids(targets []models.ReleaseTarget, err error) ([]uuid.UUID, error) {
	if err != nil {
		return nil, err
	}
	return lo.Map(targets, func(t models.ReleaseTarget, _ int) uuid.UUID { return t.ID }), nil
}

// changes reports whether the event touched any of fields. An event without
// a change list touched everything.
func changes(evt events.Event, fields ...string) bool {
	if len(evt.Changed) == 0 {
		return true
	}
	return len(lo.Intersect(evt.Changed, fields)) > 0
}

func onlyVersion(evt events.Event) bool {
	return len(evt.Changed) > 0 && len(lo.Without(evt.Changed, "version")) == 0
}
