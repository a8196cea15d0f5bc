package review

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"docflow/api/internal/store"
)

// ErrNotReviewable is returned by StartReview in strict mode when the
// revision fails the eligibility check. Outside strict mode the check
// is the caller's responsibility, matching the workflow's documented
// contract.
var ErrNotReviewable = errors.New("revision is not eligible for review")

// Store is the persistence surface the engine needs. Every method is
// a single atomic transaction; on error no partial state remains.
type Store interface {
	BeginReview(ctx context.Context, rev store.Revision) error
	ClearReview(ctx context.Context, documentID string, revision int) error
	SaveReviewState(ctx context.Context, rev store.Revision, closeRecords bool) error
}

// Invalidator clears cached review aggregates for a document.
type Invalidator interface {
	Invalidate(ctx context.Context, documentID string) error
}

// Engine performs the guarded review transitions for one revision at a
// time. Mutating operations serialize per (document, revision) so the
// record set cannot be created twice under concurrent starts.
type Engine struct {
	store    Store
	cache    Invalidator
	events   Publisher
	now      func() time.Time
	duration int
	strict   bool

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the engine's notion of now. Tests use it to pin
// dates.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithEvents sets the lifecycle event publisher.
func WithEvents(events Publisher) Option {
	return func(e *Engine) { e.events = events }
}

// WithStrict makes StartReview reject non-eligible revisions instead
// of trusting the caller. Meant for tests and debug deployments.
func WithStrict() Option {
	return func(e *Engine) { e.strict = true }
}

// NewEngine builds an engine. cache may be nil when no aggregation
// cache is wired (tests); durationDays is the review window used to
// compute the due date.
func NewEngine(st Store, cache Invalidator, durationDays int, opts ...Option) *Engine {
	e := &Engine{
		store:    st,
		cache:    cache,
		events:   NopPublisher{},
		now:      time.Now,
		duration: durationDays,
		locks:    make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) today() time.Time {
	return dateOnly(e.now())
}

func (e *Engine) lockRevision(documentID string, revision int) func() {
	key := fmt.Sprintf("%s/%d", documentID, revision)
	e.mu.Lock()
	lock, ok := e.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[key] = lock
	}
	e.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}

// CurrentStep returns the revision's derived review step.
func (e *Engine) CurrentStep(rev store.Revision) Step {
	return StepOf(rev)
}

// IsOverdue reports whether the revision's due date has passed.
func (e *Engine) IsOverdue(rev store.Revision) bool {
	return IsOverdue(rev, e.now())
}

// StartReview puts the revision under review: start date today, due
// date today plus the configured duration, one review record per
// assigned reviewer, all committed in one transaction. Eligibility is
// not checked here; calling this on a non-reviewable revision is a
// caller error.
func (e *Engine) StartReview(ctx context.Context, rev *store.Revision) error {
	return e.startReview(ctx, rev, true)
}

// startReview carries the invalidate switch so the batch coordinator
// can defer cache invalidation until the whole batch is done.
func (e *Engine) startReview(ctx context.Context, rev *store.Revision, invalidate bool) error {
	unlock := e.lockRevision(rev.DocumentID, rev.Revision)
	defer unlock()

	if e.strict && !IsReviewable(*rev) {
		return ErrNotReviewable
	}

	today := e.today()
	due := today.AddDate(0, 0, e.duration)

	updated := *rev
	updated.ReviewStartDate = &today
	updated.ReviewDueDate = &due

	if err := e.store.BeginReview(ctx, updated); err != nil {
		return fmt.Errorf("start review: %w", err)
	}

	*rev = updated
	if invalidate {
		e.invalidate(ctx, rev.DocumentID)
	}
	e.events.Publish(ctx, EventReviewStarted, rev.DocumentID, rev.Revision)
	return nil
}

// CancelReview reverts StartReview: every review record of the
// revision is deleted and the review dates and role comments reset.
// This loses the revision's review history for good.
func (e *Engine) CancelReview(ctx context.Context, rev *store.Revision) error {
	return e.cancelReview(ctx, rev, true)
}

func (e *Engine) cancelReview(ctx context.Context, rev *store.Revision, invalidate bool) error {
	unlock := e.lockRevision(rev.DocumentID, rev.Revision)
	defer unlock()

	if err := e.store.ClearReview(ctx, rev.DocumentID, rev.Revision); err != nil {
		return fmt.Errorf("cancel review: %w", err)
	}

	rev.ReviewStartDate = nil
	rev.ReviewDueDate = nil
	rev.ReviewEndDate = nil
	rev.ReviewersStepClosed = nil
	rev.LeaderStepClosed = nil
	rev.LeaderComments = nil
	rev.ApproverComments = nil

	if invalidate {
		e.invalidate(ctx, rev.DocumentID)
	}
	e.events.Publish(ctx, EventReviewCanceled, rev.DocumentID, rev.Revision)
	return nil
}

// EndReviewersStep closes the first step of the review and seals every
// review record of the revision.
func (e *Engine) EndReviewersStep(ctx context.Context, rev *store.Revision) error {
	unlock := e.lockRevision(rev.DocumentID, rev.Revision)
	defer unlock()

	updated := *rev
	e.closeReviewersStep(&updated)

	if err := e.store.SaveReviewState(ctx, updated, true); err != nil {
		return fmt.Errorf("end reviewers step: %w", err)
	}

	*rev = updated
	e.invalidate(ctx, rev.DocumentID)
	return nil
}

// EndLeaderStep closes the second step. If the reviewers step was
// skipped it is closed with today's date as well; the workflow
// deliberately fast-forwards through missing steps instead of
// rejecting the call.
func (e *Engine) EndLeaderStep(ctx context.Context, rev *store.Revision) error {
	unlock := e.lockRevision(rev.DocumentID, rev.Revision)
	defer unlock()

	updated := *rev
	closeRecords := e.closeLeaderStep(&updated)

	if err := e.store.SaveReviewState(ctx, updated, closeRecords); err != nil {
		return fmt.Errorf("end leader step: %w", err)
	}

	*rev = updated
	e.invalidate(ctx, rev.DocumentID)
	return nil
}

// EndReview closes the review, cascading through any earlier step that
// is still open.
func (e *Engine) EndReview(ctx context.Context, rev *store.Revision) error {
	unlock := e.lockRevision(rev.DocumentID, rev.Revision)
	defer unlock()

	updated := *rev
	closeRecords := false
	if updated.LeaderStepClosed == nil {
		closeRecords = e.closeLeaderStep(&updated)
	}
	today := e.today()
	updated.ReviewEndDate = &today

	if err := e.store.SaveReviewState(ctx, updated, closeRecords); err != nil {
		return fmt.Errorf("end review: %w", err)
	}

	*rev = updated
	e.invalidate(ctx, rev.DocumentID)
	e.events.Publish(ctx, EventReviewEnded, rev.DocumentID, rev.Revision)
	return nil
}

func (e *Engine) closeReviewersStep(rev *store.Revision) {
	today := e.today()
	rev.ReviewersStepClosed = &today
}

// closeLeaderStep fills the leader close date and, when the reviewers
// step was still open, that one too. Returns whether the review
// records need sealing as part of the same transaction.
func (e *Engine) closeLeaderStep(rev *store.Revision) bool {
	closeRecords := false
	if rev.ReviewersStepClosed == nil {
		e.closeReviewersStep(rev)
		closeRecords = true
	}
	today := e.today()
	rev.LeaderStepClosed = &today
	return closeRecords
}

// invalidate clears the document's cached aggregates. A failed
// invalidation is logged, not returned: the cache TTL bounds the
// staleness either way.
func (e *Engine) invalidate(ctx context.Context, documentID string) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Invalidate(ctx, documentID); err != nil {
		log.Printf("review: invalidate cache for %s: %v", documentID, err)
	}
}
