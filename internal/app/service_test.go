package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"docflow/api/internal/config"
	"docflow/api/internal/review"
	"docflow/api/internal/store"
)

var testNow = time.Date(2026, 4, 1, 10, 30, 0, 0, time.UTC)

func testClock() time.Time { return testNow }

// memStore is an in-memory stand-in for the Postgres store. It backs
// both the service's data access and the engine's transactional
// surface so lifecycle tests exercise real state transitions.
type memStore struct {
	mu        sync.Mutex
	documents map[string]store.Document
	revisions map[string]*store.Revision
	records   []*store.ReviewRecord
	nextID    int64
}

func newMemStore() *memStore {
	return &memStore{
		documents: make(map[string]store.Document),
		revisions: make(map[string]*store.Revision),
	}
}

func revKey(documentID string, revision int) string {
	return fmt.Sprintf("%s/%d", documentID, revision)
}

func (m *memStore) InsertDocument(_ context.Context, doc store.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.documents[doc.ID] = doc
	return nil
}

func (m *memStore) GetDocument(_ context.Context, documentID string) (store.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.documents[documentID]
	if !ok {
		return store.Document{}, sql.ErrNoRows
	}
	return doc, nil
}

func (m *memStore) ListDocuments(_ context.Context) ([]store.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	docs := make([]store.Document, 0, len(m.documents))
	for _, doc := range m.documents {
		docs = append(docs, doc)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs, nil
}

func (m *memStore) InsertRevision(_ context.Context, rev store.Revision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := rev
	m.revisions[revKey(rev.DocumentID, rev.Revision)] = &copied
	if doc, ok := m.documents[rev.DocumentID]; ok && rev.Revision > doc.CurrentRevision {
		doc.CurrentRevision = rev.Revision
		m.documents[rev.DocumentID] = doc
	}
	return nil
}

func (m *memStore) GetRevision(_ context.Context, documentID string, revision int) (store.Revision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rev, ok := m.revisions[revKey(documentID, revision)]
	if !ok {
		return store.Revision{}, sql.ErrNoRows
	}
	return *rev, nil
}

func (m *memStore) ListRevisions(_ context.Context, documentID string) ([]store.Revision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var revs []store.Revision
	for _, rev := range m.revisions {
		if rev.DocumentID == documentID {
			revs = append(revs, *rev)
		}
	}
	sort.Slice(revs, func(i, j int) bool { return revs[i].Revision < revs[j].Revision })
	return revs, nil
}

func (m *memStore) ListUnstartedRevisions(_ context.Context, documentID string) ([]store.Revision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var revs []store.Revision
	for _, rev := range m.revisions {
		if rev.DocumentID == documentID && rev.ReviewStartDate == nil {
			revs = append(revs, *rev)
		}
	}
	sort.Slice(revs, func(i, j int) bool { return revs[i].Revision < revs[j].Revision })
	return revs, nil
}

func (m *memStore) SetRoles(_ context.Context, documentID string, revision int, leader, approver *string, reviewers []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rev, ok := m.revisions[revKey(documentID, revision)]
	if !ok {
		return sql.ErrNoRows
	}
	rev.LeaderID = leader
	rev.ApproverID = approver
	rev.ReviewerIDs = reviewers
	return nil
}

func (m *memStore) BeginReview(_ context.Context, rev store.Revision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.revisions[revKey(rev.DocumentID, rev.Revision)]
	if !ok {
		return sql.ErrNoRows
	}
	for _, record := range m.records {
		if record.DocumentID == rev.DocumentID && record.Revision == rev.Revision {
			return errors.New("duplicate review records")
		}
	}
	stored.ReviewStartDate = rev.ReviewStartDate
	stored.ReviewDueDate = rev.ReviewDueDate
	for _, reviewerID := range rev.ReviewerIDs {
		m.nextID++
		m.records = append(m.records, &store.ReviewRecord{
			ID:         m.nextID,
			DocumentID: rev.DocumentID,
			Revision:   rev.Revision,
			ReviewerID: reviewerID,
			Role:       store.RoleReviewer,
			Status:     store.StatusProgress,
		})
	}
	return nil
}

func (m *memStore) ClearReview(_ context.Context, documentID string, revision int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rev, ok := m.revisions[revKey(documentID, revision)]
	if !ok {
		return sql.ErrNoRows
	}
	kept := m.records[:0]
	for _, record := range m.records {
		if record.DocumentID != documentID || record.Revision != revision {
			kept = append(kept, record)
		}
	}
	m.records = kept
	rev.ReviewStartDate = nil
	rev.ReviewDueDate = nil
	rev.ReviewEndDate = nil
	rev.ReviewersStepClosed = nil
	rev.LeaderStepClosed = nil
	rev.LeaderComments = nil
	rev.ApproverComments = nil
	return nil
}

func (m *memStore) SaveReviewState(_ context.Context, rev store.Revision, closeRecords bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.revisions[revKey(rev.DocumentID, rev.Revision)]
	if !ok {
		return sql.ErrNoRows
	}
	stored.ReviewStartDate = rev.ReviewStartDate
	stored.ReviewDueDate = rev.ReviewDueDate
	stored.ReviewersStepClosed = rev.ReviewersStepClosed
	stored.LeaderStepClosed = rev.LeaderStepClosed
	stored.ReviewEndDate = rev.ReviewEndDate
	stored.LeaderComments = rev.LeaderComments
	stored.ApproverComments = rev.ApproverComments
	if closeRecords {
		for _, record := range m.records {
			if record.DocumentID == rev.DocumentID && record.Revision == rev.Revision {
				record.Closed = true
			}
		}
	}
	return nil
}

func (m *memStore) ListDocumentReviews(_ context.Context, documentID string) ([]store.ReviewRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var records []store.ReviewRecord
	for _, record := range m.records {
		if record.DocumentID == documentID {
			records = append(records, *record)
		}
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].Revision != records[j].Revision {
			return records[i].Revision < records[j].Revision
		}
		return records[i].ID < records[j].ID
	})
	return records, nil
}

func (m *memStore) ListRevisionReviews(_ context.Context, documentID string, revision int) ([]store.ReviewRecord, error) {
	all, _ := m.ListDocumentReviews(nil, documentID)
	var records []store.ReviewRecord
	for _, record := range all {
		if record.Revision == revision {
			records = append(records, record)
		}
	}
	return records, nil
}

func (m *memStore) GetReview(_ context.Context, documentID string, revision int, reviewerID string) (store.ReviewRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, record := range m.records {
		if record.DocumentID == documentID && record.Revision == revision && record.ReviewerID == reviewerID {
			return *record, nil
		}
	}
	return store.ReviewRecord{}, sql.ErrNoRows
}

func (m *memStore) SetReviewed(_ context.Context, documentID string, revision int, reviewerID string, reviewedOn time.Time, comments *string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, record := range m.records {
		if record.DocumentID == documentID && record.Revision == revision && record.ReviewerID == reviewerID && !record.Closed {
			record.ReviewedOn = &reviewedOn
			record.Status = store.StatusReviewed
			record.Comments = comments
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) Ping(context.Context) error { return nil }

func strp(s string) *string { return &s }

func newTestService(t *testing.T) (*Service, *memStore) {
	t.Helper()
	st := newMemStore()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := review.NewCache(client, st, 5*time.Second)
	engine := review.NewEngine(st, cache, 15, review.WithClock(testClock))
	cfg := config.Config{ReviewDurationDays: 15}
	return New(cfg, st, engine, cache), st
}

func createTestDocument(t *testing.T, svc *Service) store.Document {
	t.Helper()
	doc, err := svc.CreateDocument(context.Background(), CreateDocumentInput{
		DocumentKey: "SPEC-001",
		Title:       "Process specification",
		Klass:       1,
		Leader:      strp("leader-1"),
		Approver:    strp("approver-1"),
		Reviewers:   []string{"reviewer-x", "reviewer-y"},
	})
	if err != nil {
		t.Fatalf("CreateDocument failed: %v", err)
	}
	return doc
}

func wantDomainError(t *testing.T, err error, status int, code string) {
	t.Helper()
	var derr *DomainError
	if !errors.As(err, &derr) {
		t.Fatalf("error = %v, want DomainError %s", err, code)
	}
	if derr.Status != status || derr.Code != code {
		t.Fatalf("error = %d %s, want %d %s", derr.Status, derr.Code, status, code)
	}
}

func TestCreateDocumentSeedsFirstRevision(t *testing.T) {
	svc, _ := newTestService(t)
	doc := createTestDocument(t, svc)

	if doc.CurrentRevision != 1 {
		t.Errorf("CurrentRevision = %d, want 1", doc.CurrentRevision)
	}
	revs, err := svc.ListRevisions(context.Background(), doc.ID)
	if err != nil {
		t.Fatalf("ListRevisions failed: %v", err)
	}
	if len(revs) != 1 || revs[0].Revision != 1 {
		t.Fatalf("revisions = %v, want the seeded revision 1", revs)
	}
	if got := review.StepOf(revs[0]); got != review.StepPending {
		t.Errorf("step = %s, want pending", got)
	}
}

func TestCreateDocumentValidation(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.CreateDocument(context.Background(), CreateDocumentInput{Title: "no key"})
	wantDomainError(t, err, 400, "VALIDATION")
}

func TestStartReviewLifecycle(t *testing.T) {
	svc, _ := newTestService(t)
	doc := createTestDocument(t, svc)
	ctx := context.Background()

	rev, err := svc.StartReview(ctx, doc.ID, 1)
	if err != nil {
		t.Fatalf("StartReview failed: %v", err)
	}

	wantStart := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	wantDue := wantStart.AddDate(0, 0, 15)
	if rev.ReviewStartDate == nil || !rev.ReviewStartDate.Equal(wantStart) {
		t.Errorf("ReviewStartDate = %v, want %v", rev.ReviewStartDate, wantStart)
	}
	if rev.ReviewDueDate == nil || !rev.ReviewDueDate.Equal(wantDue) {
		t.Errorf("ReviewDueDate = %v, want %v", rev.ReviewDueDate, wantDue)
	}
	if got := review.StepOf(rev); got != review.StepReviewers {
		t.Errorf("step = %s, want reviewers", got)
	}

	records, err := svc.Reviews(ctx, doc.ID, 1)
	if err != nil {
		t.Fatalf("Reviews failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want one per assigned reviewer", len(records))
	}
	for _, record := range records {
		if record.Status != store.StatusProgress {
			t.Errorf("record %s status = %s, want progress", record.ReviewerID, record.Status)
		}
	}
}

func TestStartReviewRejectsIneligibleRevision(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	doc, err := svc.CreateDocument(ctx, CreateDocumentInput{
		DocumentKey: "SPEC-002",
		Title:       "No leader assigned",
		Reviewers:   []string{"reviewer-x"},
		Approver:    strp("approver-1"),
	})
	if err != nil {
		t.Fatalf("CreateDocument failed: %v", err)
	}

	_, err = svc.StartReview(ctx, doc.ID, 1)
	wantDomainError(t, err, 409, "REVIEW_NOT_ELIGIBLE")
}

func TestUpdateRolesFreezesAfterStart(t *testing.T) {
	svc, _ := newTestService(t)
	doc := createTestDocument(t, svc)
	ctx := context.Background()

	if _, err := svc.UpdateRoles(ctx, doc.ID, 1, RolesInput{
		Leader:    strp("leader-2"),
		Approver:  strp("approver-1"),
		Reviewers: []string{"reviewer-x"},
	}); err != nil {
		t.Fatalf("UpdateRoles before start failed: %v", err)
	}

	if _, err := svc.StartReview(ctx, doc.ID, 1); err != nil {
		t.Fatalf("StartReview failed: %v", err)
	}

	_, err := svc.UpdateRoles(ctx, doc.ID, 1, RolesInput{Leader: strp("leader-3")})
	wantDomainError(t, err, 409, "REVIEW_ALREADY_STARTED")
}

func TestCloseLeaderStepFillsSkippedReviewersStep(t *testing.T) {
	svc, st := newTestService(t)
	doc := createTestDocument(t, svc)
	ctx := context.Background()

	if _, err := svc.StartReview(ctx, doc.ID, 1); err != nil {
		t.Fatalf("StartReview failed: %v", err)
	}

	rev, err := svc.CloseLeaderStep(ctx, doc.ID, 1)
	if err != nil {
		t.Fatalf("CloseLeaderStep failed: %v", err)
	}

	today := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	if rev.ReviewersStepClosed == nil || !rev.ReviewersStepClosed.Equal(today) {
		t.Errorf("ReviewersStepClosed = %v, want today filled in by the cascade", rev.ReviewersStepClosed)
	}
	if rev.LeaderStepClosed == nil || !rev.LeaderStepClosed.Equal(today) {
		t.Errorf("LeaderStepClosed = %v, want today", rev.LeaderStepClosed)
	}
	if got := review.StepOf(rev); got != review.StepApprover {
		t.Errorf("step = %s, want approver", got)
	}

	records, _ := st.ListRevisionReviews(ctx, doc.ID, 1)
	for _, record := range records {
		if !record.Closed {
			t.Errorf("record %s not sealed by the cascade", record.ReviewerID)
		}
	}
}

func TestCloseStepRequiresReviewUnderWay(t *testing.T) {
	svc, _ := newTestService(t)
	doc := createTestDocument(t, svc)

	_, err := svc.CloseReviewersStep(context.Background(), doc.ID, 1)
	wantDomainError(t, err, 409, "REVIEW_NOT_UNDER_WAY")
}

func TestCancelReviewRestoresPlaceholders(t *testing.T) {
	svc, _ := newTestService(t)
	doc := createTestDocument(t, svc)
	ctx := context.Background()

	if _, err := svc.StartReview(ctx, doc.ID, 1); err != nil {
		t.Fatalf("StartReview failed: %v", err)
	}
	records, err := svc.Reviews(ctx, doc.ID, 1)
	if err != nil {
		t.Fatalf("Reviews failed: %v", err)
	}
	if len(records) != 2 || records[0].Status != store.StatusProgress {
		t.Fatalf("started review must show persisted records, got %v", records)
	}

	rev, err := svc.CancelReview(ctx, doc.ID, 1)
	if err != nil {
		t.Fatalf("CancelReview failed: %v", err)
	}
	if got := review.StepOf(rev); got != review.StepPending {
		t.Errorf("step after cancel = %s, want pending", got)
	}

	records, err = svc.Reviews(ctx, doc.ID, 1)
	if err != nil {
		t.Fatalf("Reviews after cancel failed: %v", err)
	}
	// Two reviewers plus leader and approver, all synthesized.
	if len(records) != 4 {
		t.Fatalf("placeholder records = %d, want 4", len(records))
	}
	for _, record := range records {
		if record.Status != store.StatusVoid {
			t.Errorf("record %s status = %s, want void after cancel", record.ReviewerID, record.Status)
		}
	}
}

func TestCancelReviewRequiresStartedReview(t *testing.T) {
	svc, _ := newTestService(t)
	doc := createTestDocument(t, svc)

	_, err := svc.CancelReview(context.Background(), doc.ID, 1)
	wantDomainError(t, err, 409, "REVIEW_NOT_STARTED")
}

func TestSubmitReview(t *testing.T) {
	svc, _ := newTestService(t)
	doc := createTestDocument(t, svc)
	ctx := context.Background()

	if _, err := svc.StartReview(ctx, doc.ID, 1); err != nil {
		t.Fatalf("StartReview failed: %v", err)
	}

	record, err := svc.SubmitReview(ctx, doc.ID, 1, SubmitReviewInput{
		ReviewerID: "reviewer-x",
		Comments:   strp("looks good"),
	})
	if err != nil {
		t.Fatalf("SubmitReview failed: %v", err)
	}
	if record.Status != store.StatusReviewed {
		t.Errorf("status = %s, want reviewed", record.Status)
	}
	if record.ReviewedOn == nil {
		t.Error("ReviewedOn not set")
	}
	if record.Comments == nil || *record.Comments != "looks good" {
		t.Errorf("comments = %v, want the submitted text", record.Comments)
	}

	_, err = svc.SubmitReview(ctx, doc.ID, 1, SubmitReviewInput{ReviewerID: "nobody"})
	wantDomainError(t, err, 404, "REVIEW_NOT_FOUND")
}

func TestSubmitReviewRejectedAfterStepSealed(t *testing.T) {
	svc, _ := newTestService(t)
	doc := createTestDocument(t, svc)
	ctx := context.Background()

	if _, err := svc.StartReview(ctx, doc.ID, 1); err != nil {
		t.Fatalf("StartReview failed: %v", err)
	}
	if _, err := svc.CloseReviewersStep(ctx, doc.ID, 1); err != nil {
		t.Fatalf("CloseReviewersStep failed: %v", err)
	}

	_, err := svc.SubmitReview(ctx, doc.ID, 1, SubmitReviewInput{ReviewerID: "reviewer-x"})
	wantDomainError(t, err, 409, "REVIEW_STEP_SEALED")
}

func TestCloseReviewCascadesThroughOpenSteps(t *testing.T) {
	svc, _ := newTestService(t)
	doc := createTestDocument(t, svc)
	ctx := context.Background()

	if _, err := svc.StartReview(ctx, doc.ID, 1); err != nil {
		t.Fatalf("StartReview failed: %v", err)
	}
	rev, err := svc.CloseReview(ctx, doc.ID, 1)
	if err != nil {
		t.Fatalf("CloseReview failed: %v", err)
	}

	if rev.ReviewersStepClosed == nil || rev.LeaderStepClosed == nil || rev.ReviewEndDate == nil {
		t.Fatalf("cascade left open dates: %+v", rev)
	}
	if got := review.StepOf(rev); got != review.StepClosed {
		t.Errorf("step = %s, want closed", got)
	}
}

func TestAddRevisionBumpsCurrentRevision(t *testing.T) {
	svc, _ := newTestService(t)
	doc := createTestDocument(t, svc)
	ctx := context.Background()

	rev, err := svc.AddRevision(ctx, doc.ID, RevisionInput{
		Klass:     2,
		Leader:    strp("leader-1"),
		Approver:  strp("approver-1"),
		Reviewers: []string{"reviewer-z"},
	})
	if err != nil {
		t.Fatalf("AddRevision failed: %v", err)
	}
	if rev.Revision != 2 {
		t.Errorf("Revision = %d, want 2", rev.Revision)
	}

	got, err := svc.GetDocument(ctx, doc.ID)
	if err != nil {
		t.Fatalf("GetDocument failed: %v", err)
	}
	if got.CurrentRevision != 2 {
		t.Errorf("CurrentRevision = %d, want 2", got.CurrentRevision)
	}
}

func TestBatchStartReportsPerItemFailures(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	doc1 := createTestDocument(t, svc)

	doc2, err := svc.CreateDocument(ctx, CreateDocumentInput{
		DocumentKey: "SPEC-003",
		Title:       "Missing roles",
	})
	if err != nil {
		t.Fatalf("CreateDocument failed: %v", err)
	}

	result, err := svc.BatchStart(ctx, BatchInput{Items: []RevisionRef{
		{DocumentID: doc1.ID, Revision: 1},
		{DocumentID: doc2.ID, Revision: 1},
		{DocumentID: "doc_missing", Revision: 1},
	}})
	if err != nil {
		t.Fatalf("BatchStart failed: %v", err)
	}

	if result.Succeeded != 1 {
		t.Errorf("Succeeded = %d, want 1", result.Succeeded)
	}
	if len(result.Failed) != 2 {
		t.Fatalf("Failed = %v, want two entries", result.Failed)
	}

	rev, err := svc.store.GetRevision(ctx, doc1.ID, 1)
	if err != nil {
		t.Fatalf("GetRevision failed: %v", err)
	}
	if rev.ReviewStartDate == nil {
		t.Error("eligible revision not started by the batch")
	}
}

func TestBatchCancelSkipsUnstartedRevisions(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	doc := createTestDocument(t, svc)

	if _, err := svc.StartReview(ctx, doc.ID, 1); err != nil {
		t.Fatalf("StartReview failed: %v", err)
	}
	if _, err := svc.AddRevision(ctx, doc.ID, RevisionInput{
		Leader:    strp("leader-1"),
		Approver:  strp("approver-1"),
		Reviewers: []string{"reviewer-x"},
	}); err != nil {
		t.Fatalf("AddRevision failed: %v", err)
	}

	result, err := svc.BatchCancel(ctx, BatchInput{Items: []RevisionRef{
		{DocumentID: doc.ID, Revision: 1},
		{DocumentID: doc.ID, Revision: 2},
	}})
	if err != nil {
		t.Fatalf("BatchCancel failed: %v", err)
	}
	if result.Succeeded != 1 {
		t.Errorf("Succeeded = %d, want 1", result.Succeeded)
	}
	if len(result.Failed) != 1 || result.Failed[0].Revision != 2 {
		t.Errorf("Failed = %v, want revision 2 reported as never started", result.Failed)
	}
}

func TestBatchValidation(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.BatchStart(context.Background(), BatchInput{})
	wantDomainError(t, err, 400, "VALIDATION")
}
