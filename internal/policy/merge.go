package policy

import (
	"sort"

	"github.com/google/uuid"

	"github.com/releaseplane/engine/internal/models"
	"github.com/releaseplane/engine/internal/selector"
)

// Rules is the effective rule set of every policy matching one target.
type Rules struct {
	PolicyIDs          []uuid.UUID
	VersionSelectors   []*selector.Selector
	AnyApprovals       *models.AnyApprovals
	UserApprovals      []models.UserApproval
	RoleApprovals      []models.RoleApproval
	DenyWindows        []models.DenyWindow
	EnvironmentRollout *models.EnvironmentVersionRollout
	GradualRollout     *models.GradualRollout
	MaxRetries         *int
}

// Sort orders policies by precedence: priority descending, then oldest
// first, then lowest id.
func Sort(policies []models.Policy) {
	sort.SliceStable(policies, func(i, j int) bool {
		a, b := policies[i], policies[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID.String() < b.ID.String()
	})
}

// Merge combines matching policies. List rules accumulate; each scalar rule
// comes from the highest-precedence policy that sets it. The rollout kind is
// taken as a whole from the first policy declaring either kind.
func Merge(policies []models.Policy) Rules {
	sorted := append([]models.Policy(nil), policies...)
	Sort(sorted)

	var r Rules
	rolloutSet := false
	for i := range sorted {
		p := &sorted[i]
		r.PolicyIDs = append(r.PolicyIDs, p.ID)
		if p.DeploymentVersionSelector != nil && p.DeploymentVersionSelector.Root != nil {
			r.VersionSelectors = append(r.VersionSelectors, p.DeploymentVersionSelector)
		}
		r.UserApprovals = append(r.UserApprovals, p.VersionUserApprovals...)
		r.RoleApprovals = append(r.RoleApprovals, p.VersionRoleApprovals...)
		r.DenyWindows = append(r.DenyWindows, p.DenyWindows...)

		if r.AnyApprovals == nil && p.VersionAnyApprovals != nil {
			r.AnyApprovals = p.VersionAnyApprovals
		}
		if r.MaxRetries == nil && p.MaxRetries != nil {
			r.MaxRetries = p.MaxRetries
		}
		if !rolloutSet && (p.EnvironmentVersionRollout != nil || p.GradualRollout != nil) {
			r.EnvironmentRollout = p.EnvironmentVersionRollout
			r.GradualRollout = p.GradualRollout
			rolloutSet = true
		}
	}
	return r
}

// VersionAllowed reports whether v passes every version selector.
func (r Rules) VersionAllowed(v *models.DeploymentVersion) (bool, error) {
	for _, s := range r.VersionSelectors {
		ok, err := s.Matches(v.Subject())
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}
