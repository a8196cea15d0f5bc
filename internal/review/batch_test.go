package review

import (
	"context"
	"errors"
	"sort"
	"testing"

	"docflow/api/internal/store"
)

func batchRevision(documentID string, revision int) *store.Revision {
	rev := reviewableRevision()
	rev.DocumentID = documentID
	rev.Revision = revision
	return &rev
}

func TestStartAllInvalidatesOncePerDocument(t *testing.T) {
	st := &fakeEngineStore{}
	cache := &fakeInvalidator{}
	batch := NewBatch(testEngine(st, cache))

	revs := []*store.Revision{
		batchRevision("doc_1", 1),
		batchRevision("doc_1", 2),
		batchRevision("doc_2", 1),
	}

	result := batch.StartAll(context.Background(), revs)
	if result.Succeeded != 3 {
		t.Fatalf("Succeeded = %d, want 3", result.Succeeded)
	}
	if len(result.Failed) != 0 {
		t.Fatalf("Failed = %v, want none", result.Failed)
	}

	sort.Strings(cache.calls)
	if len(cache.calls) != 2 || cache.calls[0] != "doc_1" || cache.calls[1] != "doc_2" {
		t.Errorf("invalidations = %v, want exactly one per document", cache.calls)
	}

	for _, rev := range revs {
		if rev.ReviewStartDate == nil || rev.ReviewDueDate == nil {
			t.Errorf("%s/%d not started", rev.DocumentID, rev.Revision)
		}
	}
}

func TestStartAllKeepsGoingPastFailures(t *testing.T) {
	boom := errors.New("duplicate review records")
	st := &fakeEngineStore{
		beginReviewFn: func(_ context.Context, rev store.Revision) error {
			if rev.DocumentID == "doc_2" {
				return boom
			}
			return nil
		},
	}
	cache := &fakeInvalidator{}
	batch := NewBatch(testEngine(st, cache))

	revs := []*store.Revision{
		batchRevision("doc_1", 1),
		batchRevision("doc_2", 1),
		batchRevision("doc_3", 1),
	}

	result := batch.StartAll(context.Background(), revs)
	if result.Succeeded != 2 {
		t.Fatalf("Succeeded = %d, want 2", result.Succeeded)
	}
	if len(result.Failed) != 1 {
		t.Fatalf("Failed = %v, want one entry", result.Failed)
	}
	failure := result.Failed[0]
	if failure.DocumentID != "doc_2" || failure.Revision != 1 {
		t.Errorf("failure identifies %s/%d, want doc_2/1", failure.DocumentID, failure.Revision)
	}
	if !errors.Is(failure.Err, boom) {
		t.Errorf("failure.Err = %v, want wrapped store error", failure.Err)
	}
	if failure.Message == "" {
		t.Error("failure.Message must carry the error text")
	}

	// The failed revision stays untouched; the others committed.
	if revs[1].ReviewStartDate != nil {
		t.Error("failed revision must not be marked started")
	}
	if revs[0].ReviewStartDate == nil || revs[2].ReviewStartDate == nil {
		t.Error("failures must not roll back the revisions around them")
	}

	// Only documents with a committed transition get invalidated.
	sort.Strings(cache.calls)
	if len(cache.calls) != 2 || cache.calls[0] != "doc_1" || cache.calls[1] != "doc_3" {
		t.Errorf("invalidations = %v, want doc_1 and doc_3 only", cache.calls)
	}
}

func TestCancelAllResetsRevisionsAndBatchesInvalidation(t *testing.T) {
	var cleared []string
	st := &fakeEngineStore{
		clearReviewFn: func(_ context.Context, documentID string, revision int) error {
			cleared = append(cleared, documentID)
			return nil
		},
	}
	cache := &fakeInvalidator{}
	engine := testEngine(st, cache)
	batch := NewBatch(engine)

	rev1 := batchRevision("doc_1", 1)
	rev2 := batchRevision("doc_1", 2)
	for _, rev := range []*store.Revision{rev1, rev2} {
		if err := engine.StartReview(context.Background(), rev); err != nil {
			t.Fatalf("StartReview failed: %v", err)
		}
	}
	cache.calls = nil

	result := batch.CancelAll(context.Background(), []*store.Revision{rev1, rev2})
	if result.Succeeded != 2 {
		t.Fatalf("Succeeded = %d, want 2", result.Succeeded)
	}
	if len(cleared) != 2 {
		t.Fatalf("ClearReview called %d times, want 2", len(cleared))
	}
	for _, rev := range []*store.Revision{rev1, rev2} {
		if rev.ReviewStartDate != nil || rev.ReviewDueDate != nil {
			t.Errorf("%s/%d still carries review dates after cancel", rev.DocumentID, rev.Revision)
		}
	}
	if len(cache.calls) != 1 || cache.calls[0] != "doc_1" {
		t.Errorf("invalidations = %v, want a single doc_1 entry after the batch", cache.calls)
	}
}
