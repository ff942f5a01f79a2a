// Package registry keeps the set of release targets consistent with the
// resource selectors of environments and deployments.
package registry

import (
	"context"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/releaseplane/engine/internal/events"
	"github.com/releaseplane/engine/internal/metrics"
	"github.com/releaseplane/engine/internal/models"
	"github.com/releaseplane/engine/internal/repository"
	appErr "github.com/releaseplane/engine/pkg/errors"
	"github.com/releaseplane/engine/pkg/logger"
)

// Delta is the outcome of one reconciliation.
type Delta struct {
	Added     []models.ReleaseTarget
	Removed   []models.ReleaseTarget
	Unchanged []models.ReleaseTarget
}

func (d *Delta) merge(o Delta) {
	d.Added = append(d.Added, o.Added...)
	d.Removed = append(d.Removed, o.Removed...)
	d.Unchanged = append(d.Unchanged, o.Unchanged...)
}

// Current returns the targets active after the reconciliation.
func (d Delta) Current() []models.ReleaseTarget {
	return append(append([]models.ReleaseTarget(nil), d.Added...), d.Unchanged...)
}

// Registry computes target membership and applies the difference.
type Registry struct {
	store repository.Store
	pub   events.Publisher
	log   *zap.Logger
}

// New returns a registry publishing target events to pub.
func New(store repository.Store, pub events.Publisher) *Registry {
	if pub == nil {
		pub = events.Discard
	}
	return &Registry{store: store, pub: pub, log: logger.Named("registry")}
}

// scope is the slice of the world one reconciliation covers.
type scope struct {
	resources    []models.Resource
	environments []models.Environment
	deployments  []models.Deployment
	existing     []models.ReleaseTarget
}

// ReconcileResource recomputes the targets of one resource. A deleted or
// unknown resource loses all of its targets.
func (r *Registry) ReconcileResource(ctx context.Context, resourceID uuid.UUID) (Delta, error) {
	existing, err := r.store.ReleaseTargets().ListByResource(ctx, resourceID)
	if err != nil {
		return Delta{}, err
	}
	sc := scope{existing: existing}

	res, err := r.store.Resources().Get(ctx, resourceID)
	switch {
	case appErr.IsCode(err, appErr.CodeNotFound):
		return r.apply(ctx, sc)
	case err != nil:
		return Delta{}, err
	}
	sc.resources = []models.Resource{*res}

	systems, err := r.store.Systems().ListByWorkspace(ctx, res.WorkspaceID)
	if err != nil {
		return Delta{}, err
	}
	for _, sys := range systems {
		envs, err := r.store.Environments().ListBySystem(ctx, sys.ID)
		if err != nil {
			return Delta{}, err
		}
		deps, err := r.store.Deployments().ListBySystem(ctx, sys.ID)
		if err != nil {
			return Delta{}, err
		}
		sc.environments = append(sc.environments, envs...)
		sc.deployments = append(sc.deployments, deps...)
	}
	return r.apply(ctx, sc)
}

// ReconcileEnvironment recomputes the targets of one environment.
func (r *Registry) ReconcileEnvironment(ctx context.Context, environmentID uuid.UUID) (Delta, error) {
	existing, err := r.store.ReleaseTargets().ListByEnvironment(ctx, environmentID)
	if err != nil {
		return Delta{}, err
	}
	sc := scope{existing: existing}

	env, err := r.store.Environments().Get(ctx, environmentID)
	switch {
	case appErr.IsCode(err, appErr.CodeNotFound):
		return r.apply(ctx, sc)
	case err != nil:
		return Delta{}, err
	}
	sc.environments = []models.Environment{*env}
	if sc.resources, err = r.systemResources(ctx, env.SystemID); err != nil {
		return Delta{}, err
	}
	if sc.deployments, err = r.store.Deployments().ListBySystem(ctx, env.SystemID); err != nil {
		return Delta{}, err
	}
	return r.apply(ctx, sc)
}

// ReconcileDeployment recomputes the targets of one deployment.
func (r *Registry) ReconcileDeployment(ctx context.Context, deploymentID uuid.UUID) (Delta, error) {
	existing, err := r.store.ReleaseTargets().ListByDeployment(ctx, deploymentID)
	if err != nil {
		return Delta{}, err
	}
	sc := scope{existing: existing}

	dep, err := r.store.Deployments().Get(ctx, deploymentID)
	switch {
	case appErr.IsCode(err, appErr.CodeNotFound):
		return r.apply(ctx, sc)
	case err != nil:
		return Delta{}, err
	}
	sc.deployments = []models.Deployment{*dep}
	if sc.resources, err = r.systemResources(ctx, dep.SystemID); err != nil {
		return Delta{}, err
	}
	if sc.environments, err = r.store.Environments().ListBySystem(ctx, dep.SystemID); err != nil {
		return Delta{}, err
	}
	return r.apply(ctx, sc)
}

// ReconcileAll recomputes every target from scratch, environment by
// environment. Targets of deleted resources and deployments are removed on
// the way, as are targets of environments that no longer exist.
func (r *Registry) ReconcileAll(ctx context.Context) (Delta, error) {
	var total Delta
	systems, err := r.store.Systems().List(ctx)
	if err != nil {
		return total, err
	}
	seen := map[uuid.UUID]bool{}
	if err := r.reconcileSystems(ctx, systems, seen, &total); err != nil {
		return total, err
	}
	targets, err := r.store.ReleaseTargets().List(ctx)
	if err != nil {
		return total, err
	}
	for _, t := range targets {
		if seen[t.EnvironmentID] {
			continue
		}
		seen[t.EnvironmentID] = true
		d, err := r.ReconcileEnvironment(ctx, t.EnvironmentID)
		if err != nil {
			return total, err
		}
		total.merge(d)
	}
	return total, nil
}

func (r *Registry) reconcileSystems(ctx context.Context, systems []models.System, seen map[uuid.UUID]bool, total *Delta) error {
	for _, sys := range systems {
		envs, err := r.store.Environments().ListBySystem(ctx, sys.ID)
		if err != nil {
			return err
		}
		for _, env := range envs {
			seen[env.ID] = true
			d, err := r.ReconcileEnvironment(ctx, env.ID)
			if err != nil {
				return err
			}
			total.merge(d)
		}
	}
	return nil
}

func (r *Registry) systemResources(ctx context.Context, systemID uuid.UUID) ([]models.Resource, error) {
	sys, err := r.store.Systems().Get(ctx, systemID)
	if appErr.IsCode(err, appErr.CodeNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r.store.Resources().ListByWorkspace(ctx, sys.WorkspaceID)
}

// desired evaluates every triple in scope. Triples whose evaluation fails
// are returned in keep so their current membership is left alone.
func (r *Registry) desired(sc scope) (want []models.TargetKey, keep []models.TargetKey) {
	for i := range sc.resources {
		res := &sc.resources[i]
		subject := res.Subject()
		envMatch := map[uuid.UUID]*bool{}
		for j := range sc.environments {
			env := &sc.environments[j]
			ok, err := env.ResourceSelector.Matches(subject)
			if err != nil {
				r.log.Warn("environment selector evaluation failed",
					zap.String("environment_id", env.ID.String()),
					zap.String("resource_id", res.ID.String()),
					zap.Error(err))
				envMatch[env.ID] = nil
				continue
			}
			envMatch[env.ID] = lo.ToPtr(ok)
		}
		for j := range sc.deployments {
			dep := &sc.deployments[j]
			depOK, depErr := dep.ResourceSelector.Matches(subject)
			if depErr != nil {
				r.log.Warn("deployment selector evaluation failed",
					zap.String("deployment_id", dep.ID.String()),
					zap.String("resource_id", res.ID.String()),
					zap.Error(depErr))
			}
			for k := range sc.environments {
				env := &sc.environments[k]
				if env.SystemID != dep.SystemID {
					continue
				}
				key := models.TargetKey{ResourceID: res.ID, EnvironmentID: env.ID, DeploymentID: dep.ID}
				em := envMatch[env.ID]
				switch {
				case depErr != nil || em == nil:
					keep = append(keep, key)
				case depOK && *em:
					want = append(want, key)
				}
			}
		}
	}
	return want, keep
}

func (r *Registry) apply(ctx context.Context, sc scope) (Delta, error) {
	want, keep := r.desired(sc)
	byKey := lo.SliceToMap(sc.existing, func(t models.ReleaseTarget) (models.TargetKey, models.ReleaseTarget) {
		return t.Key(), t
	})
	have := lo.Keys(byKey)

	var d Delta
	missing, stale := lo.Difference(want, have)
	for _, key := range lo.Intersect(want, have) {
		d.Unchanged = append(d.Unchanged, byKey[key])
	}
	for _, key := range keep {
		if t, ok := byKey[key]; ok {
			d.Unchanged = append(d.Unchanged, t)
		}
	}

	for _, key := range missing {
		t, created, err := r.store.ReleaseTargets().Upsert(ctx, key)
		if err != nil {
			return d, err
		}
		if !created {
			d.Unchanged = append(d.Unchanged, *t)
			continue
		}
		d.Added = append(d.Added, *t)
		metrics.TargetsAddedTotal.Inc()
		r.publish(ctx, events.TargetCreated, t)
	}

	for _, key := range lo.Without(stale, keep...) {
		t := byKey[key]
		if err := r.store.ReleaseTargets().Remove(ctx, t.ID); err != nil {
			if appErr.IsCode(err, appErr.CodeNotFound) {
				continue
			}
			return d, err
		}
		d.Removed = append(d.Removed, t)
		metrics.TargetsRemovedTotal.Inc()
		r.publish(ctx, events.TargetRemoved, &t)
	}
	return d, nil
}

func (r *Registry) publish(ctx context.Context, typ events.Type, t *models.ReleaseTarget) {
	evt := events.New(typ, t.ID).WithPayload(t.Key())
	if err := r.pub.Publish(ctx, evt); err != nil {
		r.log.Error("publish target event",
			zap.String("type", string(typ)),
			zap.String("release_target_id", t.ID.String()),
			zap.Error(err))
	}
}
