package review

import (
	"context"

	"docflow/api/internal/store"
)

// BatchFailure identifies one revision whose transition failed.
type BatchFailure struct {
	DocumentID string `json:"documentId"`
	Revision   int    `json:"revision"`
	Err        error  `json:"-"`
	Message    string `json:"error"`
}

// BatchResult reports the outcome of a batch operation. Transitions
// already committed stay committed; the batch never rolls back as a
// whole.
type BatchResult struct {
	Succeeded int            `json:"succeeded"`
	Failed    []BatchFailure `json:"failed"`
}

// Batch applies start/cancel across many revisions. Each revision's
// transition is its own atomic unit; cache invalidation runs once per
// distinct owning document, after the whole batch, so readers never
// observe a half-invalidated state mid-batch.
type Batch struct {
	engine *Engine
}

func NewBatch(engine *Engine) *Batch {
	return &Batch{engine: engine}
}

// StartAll starts the review of every given revision.
func (b *Batch) StartAll(ctx context.Context, revs []*store.Revision) BatchResult {
	return b.apply(ctx, revs, func(ctx context.Context, rev *store.Revision) error {
		return b.engine.startReview(ctx, rev, false)
	})
}

// CancelAll cancels the review of every given revision.
func (b *Batch) CancelAll(ctx context.Context, revs []*store.Revision) BatchResult {
	return b.apply(ctx, revs, func(ctx context.Context, rev *store.Revision) error {
		return b.engine.cancelReview(ctx, rev, false)
	})
}

func (b *Batch) apply(ctx context.Context, revs []*store.Revision, op func(context.Context, *store.Revision) error) BatchResult {
	var result BatchResult
	touched := make(map[string]struct{})

	for _, rev := range revs {
		if err := op(ctx, rev); err != nil {
			result.Failed = append(result.Failed, BatchFailure{
				DocumentID: rev.DocumentID,
				Revision:   rev.Revision,
				Err:        err,
				Message:    err.Error(),
			})
			continue
		}
		result.Succeeded++
		touched[rev.DocumentID] = struct{}{}
	}

	for documentID := range touched {
		b.engine.invalidate(ctx, documentID)
	}

	return result
}
