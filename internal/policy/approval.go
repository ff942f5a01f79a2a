package policy

import (
	"fmt"

	"github.com/samber/lo"

	"github.com/releaseplane/engine/internal/models"
)

// ApprovalResult explains the approval gate for one (version, environment).
type ApprovalResult struct {
	Passed   bool
	Rejected bool
	Reason   string
}

// CheckApprovals evaluates approval rules against the decisions recorded for
// a version in an environment. Any rejection blocks the version.
func (r Rules) CheckApprovals(approvals []models.Approval) ApprovalResult {
	if rejected, ok := lo.Find(approvals, func(a models.Approval) bool { return a.Status == models.ApprovalRejected }); ok {
		return ApprovalResult{Rejected: true, Reason: fmt.Sprintf("rejected by %s", rejected.UserID)}
	}
	approved := lo.Filter(approvals, func(a models.Approval, _ int) bool { return a.Status == models.ApprovalApproved })
	users := lo.Uniq(lo.Map(approved, func(a models.Approval, _ int) string { return a.UserID }))

	if r.AnyApprovals != nil && len(users) < r.AnyApprovals.RequiredApprovalsCount {
		return ApprovalResult{Reason: fmt.Sprintf("%d of %d approvals", len(users), r.AnyApprovals.RequiredApprovalsCount)}
	}
	for _, ua := range r.UserApprovals {
		if !lo.Contains(users, ua.UserID) {
			return ApprovalResult{Reason: fmt.Sprintf("waiting for approval from %s", ua.UserID)}
		}
	}
	for _, ra := range r.RoleApprovals {
		n := lo.CountBy(approved, func(a models.Approval) bool { return lo.Contains(a.Roles, ra.RoleID) })
		if n < ra.RequiredApprovalsCount {
			return ApprovalResult{Reason: fmt.Sprintf("%d of %d approvals from role %s", n, ra.RequiredApprovalsCount, ra.RoleID)}
		}
	}
	return ApprovalResult{Passed: true}
}
