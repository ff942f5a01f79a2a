// Package policy matches policies to release targets and evaluates the
// gates they declare: approvals, deny windows, version dependencies,
// rollout pacing and retries.
package policy

import (
	"fmt"
	"time"

	"github.com/releaseplane/engine/internal/models"
	"github.com/releaseplane/engine/internal/selector"
)

// Input is a release target together with the records its selectors are
// evaluated against.
type Input struct {
	Target      *models.ReleaseTarget
	Resource    *models.Resource
	Environment *models.Environment
	Deployment  *models.Deployment
}

// Applies reports whether p matches the target. Disabled policies and
// policies without targets never apply.
func Applies(p *models.Policy, in Input) (bool, error) {
	if !p.Enabled {
		return false, nil
	}
	for i, t := range p.Targets {
		ok, err := targetMatches(t, in)
		if err != nil {
			return false, fmt.Errorf("policy %s targets[%d]: %w", p.ID, i, err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func targetMatches(t models.PolicyTarget, in Input) (bool, error) {
	checks := []struct {
		sel     *selector.Selector
		subject func() selector.Subject
	}{
		{t.EnvironmentSelector, in.Environment.Subject},
		{t.DeploymentSelector, in.Deployment.Subject},
		{t.ResourceSelector, in.Resource.Subject},
	}
	for _, c := range checks {
		if c.sel == nil {
			continue
		}
		ok, err := c.sel.Matches(c.subject())
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// Validate checks a policy definition before it is stored.
func Validate(p *models.Policy) error {
	if p.EnvironmentVersionRollout != nil && p.GradualRollout != nil {
		return fmt.Errorf("environmentVersionRollout and gradualRollout are mutually exclusive")
	}
	for i, t := range p.Targets {
		if err := t.EnvironmentSelector.ValidateFor(selector.KindEnvironment); err != nil {
			return fmt.Errorf("targets[%d].environmentSelector: %w", i, err)
		}
		if err := t.DeploymentSelector.ValidateFor(selector.KindDeployment); err != nil {
			return fmt.Errorf("targets[%d].deploymentSelector: %w", i, err)
		}
		if err := t.ResourceSelector.ValidateFor(selector.KindResource); err != nil {
			return fmt.Errorf("targets[%d].resourceSelector: %w", i, err)
		}
	}
	if err := p.DeploymentVersionSelector.ValidateFor(selector.KindVersion); err != nil {
		return fmt.Errorf("deploymentVersionSelector: %w", err)
	}
	if r := p.EnvironmentVersionRollout; r != nil {
		exp := r.RolloutType == models.RolloutExponential || r.RolloutType == models.RolloutExponentialNormalized
		if exp && r.PositionGrowthFactor <= 0 {
			return fmt.Errorf("positionGrowthFactor must be positive for %s rollouts", r.RolloutType)
		}
	}
	for i, w := range p.DenyWindows {
		if _, err := parseWindow(w, time.Now()); err != nil {
			return fmt.Errorf("denyWindows[%d]: %w", i, err)
		}
	}
	if p.MaxRetries != nil && *p.MaxRetries < 0 {
		return fmt.Errorf("maxRetries must not be negative")
	}
	return nil
}
