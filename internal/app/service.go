package app

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"docflow/api/internal/config"
	"docflow/api/internal/review"
	"docflow/api/internal/store"
	"docflow/api/internal/util"
)

type CreateDocumentInput struct {
	DocumentKey string   `json:"documentKey"`
	Title       string   `json:"title"`
	Klass       int      `json:"klass"`
	Leader      *string  `json:"leader"`
	Approver    *string  `json:"approver"`
	Reviewers   []string `json:"reviewers"`
}

func (in CreateDocumentInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.DocumentKey, validation.Required, validation.Length(1, 250)),
		validation.Field(&in.Title, validation.Required, validation.Length(1, 500)),
		validation.Field(&in.Klass, validation.Min(0), validation.Max(4)),
	)
}

type RevisionInput struct {
	Klass     int      `json:"klass"`
	Leader    *string  `json:"leader"`
	Approver  *string  `json:"approver"`
	Reviewers []string `json:"reviewers"`
}

func (in RevisionInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.Klass, validation.Min(0), validation.Max(4)),
	)
}

type RolesInput struct {
	Leader    *string  `json:"leader"`
	Approver  *string  `json:"approver"`
	Reviewers []string `json:"reviewers"`
}

type SubmitReviewInput struct {
	ReviewerID string  `json:"reviewerId"`
	Comments   *string `json:"comments"`
}

func (in SubmitReviewInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.ReviewerID, validation.Required),
	)
}

// RevisionRef identifies one revision in a batch request.
type RevisionRef struct {
	DocumentID string `json:"documentId"`
	Revision   int    `json:"revision"`
}

type BatchInput struct {
	Items []RevisionRef `json:"items"`
}

func (in BatchInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.Items, validation.Required, validation.Length(1, 500)),
	)
}

type dataStore interface {
	InsertDocument(context.Context, store.Document) error
	GetDocument(context.Context, string) (store.Document, error)
	ListDocuments(context.Context) ([]store.Document, error)
	InsertRevision(context.Context, store.Revision) error
	GetRevision(context.Context, string, int) (store.Revision, error)
	ListRevisions(context.Context, string) ([]store.Revision, error)
	SetRoles(context.Context, string, int, *string, *string, []string) error
	GetReview(context.Context, string, int, string) (store.ReviewRecord, error)
	SetReviewed(context.Context, string, int, string, time.Time, *string) (bool, error)
	Ping(ctx context.Context) error
}

type Service struct {
	cfg    config.Config
	store  dataStore
	engine *review.Engine
	cache  *review.Cache
	batch  *review.Batch
}

func New(cfg config.Config, st dataStore, engine *review.Engine, cache *review.Cache) *Service {
	return &Service{
		cfg:    cfg,
		store:  st,
		engine: engine,
		cache:  cache,
		batch:  review.NewBatch(engine),
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) CreateDocument(ctx context.Context, in CreateDocumentInput) (store.Document, error) {
	if err := in.Validate(); err != nil {
		return store.Document{}, domainError(http.StatusBadRequest, "VALIDATION", "Invalid document payload", err.Error())
	}

	doc := store.Document{
		ID:              util.NewID("doc"),
		DocumentKey:     in.DocumentKey,
		Title:           in.Title,
		CurrentRevision: 1,
	}
	if err := s.store.InsertDocument(ctx, doc); err != nil {
		return store.Document{}, err
	}

	rev := store.Revision{
		DocumentID:  doc.ID,
		Revision:    1,
		Klass:       in.Klass,
		LeaderID:    in.Leader,
		ApproverID:  in.Approver,
		ReviewerIDs: in.Reviewers,
	}
	if err := s.store.InsertRevision(ctx, rev); err != nil {
		return store.Document{}, err
	}

	return doc, nil
}

func (s *Service) GetDocument(ctx context.Context, documentID string) (store.Document, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Document{}, domainError(http.StatusNotFound, "DOCUMENT_NOT_FOUND", "Document not found", nil)
	}
	if err != nil {
		return store.Document{}, err
	}
	return doc, nil
}

func (s *Service) ListDocuments(ctx context.Context) ([]store.Document, error) {
	return s.store.ListDocuments(ctx)
}

func (s *Service) ListRevisions(ctx context.Context, documentID string) ([]store.Revision, error) {
	if _, err := s.GetDocument(ctx, documentID); err != nil {
		return nil, err
	}
	return s.store.ListRevisions(ctx, documentID)
}

// AddRevision creates the next revision of a document, carrying the
// given role assignments. The document's cached aggregates are cleared
// since the placeholder map now has a new member.
func (s *Service) AddRevision(ctx context.Context, documentID string, in RevisionInput) (store.Revision, error) {
	if err := in.Validate(); err != nil {
		return store.Revision{}, domainError(http.StatusBadRequest, "VALIDATION", "Invalid revision payload", err.Error())
	}

	doc, err := s.GetDocument(ctx, documentID)
	if err != nil {
		return store.Revision{}, err
	}

	rev := store.Revision{
		DocumentID:  doc.ID,
		Revision:    doc.CurrentRevision + 1,
		Klass:       in.Klass,
		LeaderID:    in.Leader,
		ApproverID:  in.Approver,
		ReviewerIDs: in.Reviewers,
	}
	if err := s.store.InsertRevision(ctx, rev); err != nil {
		return store.Revision{}, err
	}

	s.invalidateDocument(ctx, documentID)
	return s.revision(ctx, documentID, rev.Revision)
}

// UpdateRoles replaces the revision's role assignments. Assignments
// freeze once the review starts.
func (s *Service) UpdateRoles(ctx context.Context, documentID string, revision int, in RolesInput) (store.Revision, error) {
	rev, err := s.revision(ctx, documentID, revision)
	if err != nil {
		return store.Revision{}, err
	}
	if rev.ReviewStartDate != nil {
		return store.Revision{}, domainError(http.StatusConflict, "REVIEW_ALREADY_STARTED", "Role assignments cannot change after the review starts", nil)
	}

	if err := s.store.SetRoles(ctx, documentID, revision, in.Leader, in.Approver, in.Reviewers); err != nil {
		return store.Revision{}, err
	}

	s.invalidateDocument(ctx, documentID)
	return s.revision(ctx, documentID, revision)
}

// StartReview checks eligibility, then hands the revision to the
// engine. The eligibility check lives here on purpose: the engine's
// start is an unguarded primitive and the calling surface owns the
// precondition.
func (s *Service) StartReview(ctx context.Context, documentID string, revision int) (store.Revision, error) {
	rev, err := s.revision(ctx, documentID, revision)
	if err != nil {
		return store.Revision{}, err
	}
	if !review.IsReviewable(rev) {
		return store.Revision{}, domainError(http.StatusConflict, "REVIEW_NOT_ELIGIBLE", "Revision is not eligible for review", nil)
	}

	if err := s.engine.StartReview(ctx, &rev); err != nil {
		return store.Revision{}, err
	}
	return rev, nil
}

func (s *Service) CancelReview(ctx context.Context, documentID string, revision int) (store.Revision, error) {
	rev, err := s.revision(ctx, documentID, revision)
	if err != nil {
		return store.Revision{}, err
	}
	if rev.ReviewStartDate == nil {
		return store.Revision{}, domainError(http.StatusConflict, "REVIEW_NOT_STARTED", "No review to cancel", nil)
	}

	if err := s.engine.CancelReview(ctx, &rev); err != nil {
		return store.Revision{}, err
	}
	return rev, nil
}

func (s *Service) CloseReviewersStep(ctx context.Context, documentID string, revision int) (store.Revision, error) {
	return s.closeStep(ctx, documentID, revision, s.engine.EndReviewersStep)
}

func (s *Service) CloseLeaderStep(ctx context.Context, documentID string, revision int) (store.Revision, error) {
	return s.closeStep(ctx, documentID, revision, s.engine.EndLeaderStep)
}

func (s *Service) CloseReview(ctx context.Context, documentID string, revision int) (store.Revision, error) {
	return s.closeStep(ctx, documentID, revision, s.engine.EndReview)
}

func (s *Service) closeStep(ctx context.Context, documentID string, revision int, close func(context.Context, *store.Revision) error) (store.Revision, error) {
	rev, err := s.revision(ctx, documentID, revision)
	if err != nil {
		return store.Revision{}, err
	}
	if !review.IsUnderReview(rev) {
		return store.Revision{}, domainError(http.StatusConflict, "REVIEW_NOT_UNDER_WAY", "Revision is not under review", nil)
	}

	if err := close(ctx, &rev); err != nil {
		return store.Revision{}, err
	}
	return rev, nil
}

// SubmitReview records one reviewer's completed review.
func (s *Service) SubmitReview(ctx context.Context, documentID string, revision int, in SubmitReviewInput) (store.ReviewRecord, error) {
	if err := in.Validate(); err != nil {
		return store.ReviewRecord{}, domainError(http.StatusBadRequest, "VALIDATION", "Invalid review payload", err.Error())
	}

	if _, err := s.revision(ctx, documentID, revision); err != nil {
		return store.ReviewRecord{}, err
	}

	record, err := s.store.GetReview(ctx, documentID, revision, in.ReviewerID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ReviewRecord{}, domainError(http.StatusNotFound, "REVIEW_NOT_FOUND", "No review record for this reviewer", nil)
	}
	if err != nil {
		return store.ReviewRecord{}, err
	}

	updated, err := s.store.SetReviewed(ctx, documentID, revision, in.ReviewerID, today(), in.Comments)
	if err != nil {
		return store.ReviewRecord{}, err
	}
	if !updated {
		return store.ReviewRecord{}, domainError(http.StatusConflict, "REVIEW_STEP_SEALED", "The reviewers step is already closed", nil)
	}

	s.invalidate(ctx, documentID)

	record, err = s.store.GetReview(ctx, documentID, revision, in.ReviewerID)
	if err != nil {
		return store.ReviewRecord{}, err
	}
	return record, nil
}

// Reviews returns the revision's review records through the
// aggregation cache, placeholders included.
func (s *Service) Reviews(ctx context.Context, documentID string, revision int) ([]store.ReviewRecord, error) {
	rev, err := s.revision(ctx, documentID, revision)
	if err != nil {
		return nil, err
	}
	return s.cache.ReviewsForRevision(ctx, rev)
}

// BatchStart starts the review of every referenced revision.
// Revisions that cannot be loaded or are not eligible are reported as
// failures; the rest proceed.
func (s *Service) BatchStart(ctx context.Context, in BatchInput) (review.BatchResult, error) {
	return s.runBatch(ctx, in, true)
}

// BatchCancel cancels the review of every referenced revision.
func (s *Service) BatchCancel(ctx context.Context, in BatchInput) (review.BatchResult, error) {
	return s.runBatch(ctx, in, false)
}

func (s *Service) runBatch(ctx context.Context, in BatchInput, start bool) (review.BatchResult, error) {
	if err := in.Validate(); err != nil {
		return review.BatchResult{}, domainError(http.StatusBadRequest, "VALIDATION", "Invalid batch payload", err.Error())
	}

	var loadFailures []review.BatchFailure
	revs := make([]*store.Revision, 0, len(in.Items))
	for _, ref := range in.Items {
		rev, err := s.store.GetRevision(ctx, ref.DocumentID, ref.Revision)
		if err != nil {
			loadFailures = append(loadFailures, review.BatchFailure{
				DocumentID: ref.DocumentID,
				Revision:   ref.Revision,
				Err:        err,
				Message:    "revision not found",
			})
			continue
		}
		if start && !review.IsReviewable(rev) {
			loadFailures = append(loadFailures, review.BatchFailure{
				DocumentID: ref.DocumentID,
				Revision:   ref.Revision,
				Message:    "revision is not eligible for review",
			})
			continue
		}
		if !start && rev.ReviewStartDate == nil {
			loadFailures = append(loadFailures, review.BatchFailure{
				DocumentID: ref.DocumentID,
				Revision:   ref.Revision,
				Message:    "no review to cancel",
			})
			continue
		}
		revs = append(revs, &rev)
	}

	var result review.BatchResult
	if start {
		result = s.batch.StartAll(ctx, revs)
	} else {
		result = s.batch.CancelAll(ctx, revs)
	}
	result.Failed = append(loadFailures, result.Failed...)
	return result, nil
}

func (s *Service) revision(ctx context.Context, documentID string, revision int) (store.Revision, error) {
	rev, err := s.store.GetRevision(ctx, documentID, revision)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Revision{}, domainError(http.StatusNotFound, "REVISION_NOT_FOUND", "Revision not found", nil)
	}
	if err != nil {
		return store.Revision{}, err
	}
	return rev, nil
}

func (s *Service) invalidate(ctx context.Context, documentID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, documentID); err != nil {
		log.Printf("app: invalidate cache for %s: %v", documentID, err)
	}
}

func (s *Service) invalidateDocument(ctx context.Context, documentID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateDocument(ctx, documentID); err != nil {
		log.Printf("app: invalidate document cache for %s: %v", documentID, err)
	}
}

func today() time.Time {
	now := time.Now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}
