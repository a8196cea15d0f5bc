// Package review implements the document revision review workflow:
// the ordered step computation, the guarded transitions between steps,
// the per-reviewer record bookkeeping and the cached reviews-by-revision
// aggregation used for display.
package review

import (
	"time"

	"docflow/api/internal/store"
)

// Step is one of the five ordered phases of a revision's review. It is
// never stored; it is always derived from the revision's date fields.
type Step string

const (
	StepPending   Step = "pending"
	StepReviewers Step = "reviewers"
	StepLeader    Step = "leader"
	StepApprover  Step = "approver"
	StepClosed    Step = "closed"
)

// StepOf derives the current review step from the revision's date
// fields. The precedence order matters: a later date being set implies
// the earlier steps are done regardless of their own fields.
func StepOf(rev store.Revision) Step {
	if rev.ReviewStartDate == nil {
		return StepPending
	}
	if rev.ReviewersStepClosed == nil {
		return StepReviewers
	}
	if rev.LeaderStepClosed == nil {
		return StepLeader
	}
	if rev.ReviewEndDate == nil {
		return StepApprover
	}
	return StepClosed
}

// IsReviewable reports whether the revision is eligible to be put
// under review: every role filled (leader, approver, at least one
// reviewer) and no review started yet. StartReview does not enforce
// this itself; callers check it first.
func IsReviewable(rev store.Revision) bool {
	return rev.LeaderID != nil &&
		rev.ApproverID != nil &&
		len(rev.ReviewerIDs) > 0 &&
		rev.ReviewStartDate == nil
}

// IsUnderReview reports whether a review has started but not ended.
func IsUnderReview(rev store.Revision) bool {
	return (rev.ReviewStartDate != nil) != (rev.ReviewEndDate != nil)
}

// IsOverdue reports whether the review due date lies strictly before
// today. A revision due today is not overdue.
func IsOverdue(rev store.Revision, today time.Time) bool {
	return rev.ReviewDueDate != nil && dateOnly(*rev.ReviewDueDate).Before(dateOnly(today))
}

// IsAtStep reports whether the revision currently sits at the given step.
func IsAtStep(rev store.Revision, step Step) bool {
	return StepOf(rev) == step
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
