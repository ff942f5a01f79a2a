package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/releaseplane/engine/internal/models"
	"github.com/releaseplane/engine/internal/repository"
	appErr "github.com/releaseplane/engine/pkg/errors"
)

// Decision is the outcome of evaluating one release target.
type Decision struct {
	// Version is the desired version, nil when no version is eligible.
	Version *models.DeploymentVersion
	Pinned  bool
	// Allowed is true when a release for Version may be created now.
	Allowed bool
	Reason  string
	// RetryAt is set when the decision changes on its own at that time
	// (rollout slot reached, deny window closed).
	RetryAt time.Time
	Rules   Rules
}

// Evaluator reads policies and their inputs from the store.
type Evaluator struct {
	store repository.Store
	now   func() time.Time
}

// NewEvaluator returns an evaluator using now as its clock; nil means
// time.Now.
func NewEvaluator(store repository.Store, now func() time.Time) *Evaluator {
	if now == nil {
		now = time.Now
	}
	return &Evaluator{store: store, now: now}
}

// Policies returns the policies applying to the target in precedence order.
func (e *Evaluator) Policies(ctx context.Context, in Input) ([]models.Policy, error) {
	all, err := e.store.Policies().ListByWorkspace(ctx, in.Resource.WorkspaceID)
	if err != nil {
		return nil, err
	}
	var out []models.Policy
	for i := range all {
		ok, err := Applies(&all[i], in)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, all[i])
		}
	}
	Sort(out)
	return out, nil
}

// Rules merges the policies applying to the target.
func (e *Evaluator) Rules(ctx context.Context, in Input) (Rules, error) {
	policies, err := e.Policies(ctx, in)
	if err != nil {
		return Rules{}, err
	}
	return Merge(policies), nil
}

// Evaluate picks the desired version for the target and decides whether a
// release for it may be created now. Locks are enforced by the store when
// the release is written.
func (e *Evaluator) Evaluate(ctx context.Context, in Input) (*Decision, error) {
	rules, err := e.Rules(ctx, in)
	if err != nil {
		return nil, err
	}
	d := &Decision{Rules: rules}
	now := e.now()

	if in.Target.PinnedVersionID != nil {
		v, err := e.store.Versions().Get(ctx, *in.Target.PinnedVersionID)
		if err != nil {
			return nil, err
		}
		d.Version, d.Pinned = v, true
	} else {
		v, reason, err := e.desiredVersion(ctx, in, rules)
		if err != nil {
			return nil, err
		}
		if v == nil {
			d.Reason = reason
			return d, nil
		}
		d.Version = v
	}

	denied, until, err := rules.Denied(now)
	if err != nil {
		return nil, err
	}
	if denied {
		d.Reason = "deny window is active"
		d.RetryAt = until
		return d, nil
	}

	if !d.Pinned {
		at, ok, err := e.scheduledAt(ctx, in, rules, d.Version)
		if err != nil {
			return nil, err
		}
		if ok && now.Before(at) {
			d.Reason = fmt.Sprintf("rollout scheduled at %s", at.Format(time.RFC3339))
			d.RetryAt = at
			return d, nil
		}
	}

	d.Allowed = true
	return d, nil
}

// desiredVersion returns the newest ready version passing every
// version-level gate.
func (e *Evaluator) desiredVersion(ctx context.Context, in Input, rules Rules) (*models.DeploymentVersion, string, error) {
	versions, err := e.store.Versions().ListByDeployment(ctx, in.Deployment.ID)
	if err != nil {
		return nil, "", err
	}
	reason := "no ready version"
	for i := range versions {
		v := &versions[i]
		if v.Status != models.VersionReady {
			continue
		}
		ok, err := rules.VersionAllowed(v)
		if err != nil {
			return nil, "", err
		}
		if !ok {
			reason = fmt.Sprintf("version %s excluded by version selector", v.Tag)
			continue
		}
		approvals, err := e.store.Approvals().ListByVersionEnvironment(ctx, v.ID, in.Environment.ID)
		if err != nil {
			return nil, "", err
		}
		if res := rules.CheckApprovals(approvals); !res.Passed {
			reason = fmt.Sprintf("version %s: %s", v.Tag, res.Reason)
			continue
		}
		met, why, err := e.dependenciesMet(ctx, v, in.Resource.ID)
		if err != nil {
			return nil, "", err
		}
		if !met {
			reason = fmt.Sprintf("version %s: %s", v.Tag, why)
			continue
		}
		return v, "", nil
	}
	return nil, reason, nil
}

// dependenciesMet requires, for every dependency, a successful job of a
// matching version on any target of the same resource in the dependency's
// deployment.
func (e *Evaluator) dependenciesMet(ctx context.Context, v *models.DeploymentVersion, resourceID uuid.UUID) (bool, string, error) {
	if len(v.Dependencies) == 0 {
		return true, "", nil
	}
	targets, err := e.store.ReleaseTargets().ListByResource(ctx, resourceID)
	if err != nil {
		return false, "", err
	}
	for _, dep := range v.Dependencies {
		versions, err := e.store.Versions().ListByDeployment(ctx, dep.DeploymentID)
		if err != nil {
			return false, "", err
		}
		matching := map[uuid.UUID]bool{}
		for i := range versions {
			ok, err := dep.VersionSelector.Matches(versions[i].Subject())
			if err != nil {
				return false, "", err
			}
			if ok {
				matching[versions[i].ID] = true
			}
		}
		satisfied := false
		for _, t := range lo.Filter(targets, func(t models.ReleaseTarget, _ int) bool { return t.DeploymentID == dep.DeploymentID }) {
			jobs, err := e.store.Jobs().ListByTarget(ctx, t.ID)
			if err != nil {
				return false, "", err
			}
			if lo.ContainsBy(jobs, func(j models.Job) bool { return j.Status == models.JobSuccessful && matching[j.VersionID] }) {
				satisfied = true
				break
			}
		}
		if !satisfied {
			return false, fmt.Sprintf("waiting for dependency on deployment %s", dep.DeploymentID), nil
		}
	}
	return true, "", nil
}

// Peers returns the release targets sharing the target's environment and
// deployment, the population rollout positions are assigned over.
func (e *Evaluator) Peers(ctx context.Context, environmentID, deploymentID uuid.UUID) ([]models.ReleaseTarget, error) {
	targets, err := e.store.ReleaseTargets().ListByEnvironment(ctx, environmentID)
	if err != nil {
		return nil, err
	}
	return lo.Filter(targets, func(t models.ReleaseTarget, _ int) bool { return t.DeploymentID == deploymentID }), nil
}

func (e *Evaluator) scheduledAt(ctx context.Context, in Input, rules Rules, v *models.DeploymentVersion) (time.Time, bool, error) {
	if rules.EnvironmentRollout == nil && rules.GradualRollout == nil {
		return time.Time{}, false, nil
	}
	peers, err := e.Peers(ctx, in.Environment.ID, in.Deployment.ID)
	if err != nil {
		return time.Time{}, false, err
	}
	pos, ok := Positions(peers)[in.Target.ID]
	if !ok {
		return time.Time{}, false, appErr.New(appErr.CodeNotFound, "release target is not active")
	}
	at, ok := rules.Scheduled(v, pos, len(peers))
	return at, ok, nil
}

// Load fetches the records a target's selectors are evaluated against.
func Load(ctx context.Context, store repository.Store, target *models.ReleaseTarget) (Input, error) {
	in := Input{Target: target}
	var err error
	if in.Resource, err = store.Resources().Get(ctx, target.ResourceID); err != nil {
		return in, err
	}
	if in.Environment, err = store.Environments().Get(ctx, target.EnvironmentID); err != nil {
		return in, err
	}
	if in.Deployment, err = store.Deployments().Get(ctx, target.DeploymentID); err != nil {
		return in, err
	}
	return in, nil
}

// RolloutEntry describes where one target sits in a version's rollout.
type RolloutEntry struct {
	ReleaseTargetID uuid.UUID        `json:"releaseTargetId"`
	ResourceID      uuid.UUID        `json:"resourceId"`
	RolloutPosition int              `json:"rolloutPosition"`
	RolloutTime     *time.Time       `json:"rolloutTime"`
	JobStatus       models.JobStatus `json:"jobStatus,omitempty"`
}

// Rollout lists the targets of an environment receiving version, in rollout
// order. RolloutTime is nil for targets no rollout rule applies to.
func (e *Evaluator) Rollout(ctx context.Context, version *models.DeploymentVersion, environmentID uuid.UUID) ([]RolloutEntry, error) {
	peers, err := e.Peers(ctx, environmentID, version.DeploymentID)
	if err != nil {
		return nil, err
	}
	positions := Positions(peers)
	out := make([]RolloutEntry, len(peers))
	for i := range peers {
		t := &peers[i]
		pos := positions[t.ID]
		entry := RolloutEntry{ReleaseTargetID: t.ID, ResourceID: t.ResourceID, RolloutPosition: pos}

		in, err := Load(ctx, e.store, t)
		if err != nil {
			return nil, err
		}
		rules, err := e.Rules(ctx, in)
		if err != nil {
			return nil, err
		}
		if at, ok := rules.Scheduled(version, pos, len(peers)); ok {
			entry.RolloutTime = &at
		}

		jobs, err := e.store.Jobs().ListByTarget(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		for j := len(jobs) - 1; j >= 0; j-- {
			if jobs[j].VersionID == version.ID {
				entry.JobStatus = jobs[j].Status
				break
			}
		}
		out[pos] = entry
	}
	return out, nil
}
