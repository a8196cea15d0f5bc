package store

import "time"

// Roles a participant can hold in a revision's review cycle.
const (
	RoleReviewer = "reviewer"
	RoleLeader   = "leader"
	RoleApprover = "approver"
)

// Review record statuses. Void records are synthesized for display
// only and never persisted.
const (
	StatusVoid     = "void"
	StatusProgress = "progress"
	StatusReviewed = "reviewed"
)

type Document struct {
	ID              string
	DocumentKey     string
	Title           string
	CurrentRevision int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Revision is one dated version of a document's metadata. The five
// date fields drive the review step computation; a nil date means the
// corresponding milestone has not been reached.
type Revision struct {
	DocumentID          string
	Revision            int
	Klass               int
	ReviewStartDate     *time.Time
	ReviewDueDate       *time.Time
	ReviewersStepClosed *time.Time
	LeaderStepClosed    *time.Time
	ReviewEndDate       *time.Time
	LeaderID            *string
	ApproverID          *string
	ReviewerIDs         []string
	LeaderComments      *string
	ApproverComments    *string
	CreatedAt           time.Time
}

// ReviewRecord tracks one participant's involvement in one revision's
// review. Persisted records always carry a non-zero ID; placeholder
// records synthesized for unstarted reviews keep ID zero.
type ReviewRecord struct {
	ID         int64
	DocumentID string
	Revision   int
	ReviewerID string
	Role       string
	Status     string
	ReviewedOn *time.Time
	Closed     bool
	Comments   *string
	CreatedAt  time.Time
}
