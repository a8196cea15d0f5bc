package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) InsertDocument(ctx context.Context, item Document) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, document_key, title, current_revision)
		VALUES ($1, $2, $3, $4)
	`, item.ID, item.DocumentKey, item.Title, item.CurrentRevision)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	var item Document
	err := s.db.QueryRowContext(ctx, `
		SELECT id, document_key, title, current_revision, created_at, updated_at
		FROM documents
		WHERE id=$1
	`, documentID).Scan(&item.ID, &item.DocumentKey, &item.Title, &item.CurrentRevision, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Document{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListDocuments(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_key, title, current_revision, created_at, updated_at
		FROM documents
		ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	items := make([]Document, 0)
	for rows.Next() {
		var item Document
		if err := rows.Scan(&item.ID, &item.DocumentKey, &item.Title, &item.CurrentRevision, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return items, nil
}

// InsertRevision adds a revision with its reviewer assignments and
// bumps the owning document's current revision, all in one
// transaction.
func (s *PostgresStore) InsertRevision(ctx context.Context, rev Revision) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert revision: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	klass := rev.Klass
	if klass == 0 {
		klass = 1
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO revisions (document_id, revision, klass, leader_id, approver_id)
		VALUES ($1, $2, $3, $4, $5)
	`, rev.DocumentID, rev.Revision, klass, rev.LeaderID, rev.ApproverID); err != nil {
		return fmt.Errorf("insert revision: %w", err)
	}

	for position, reviewerID := range rev.ReviewerIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO revision_reviewers (document_id, revision, reviewer_id, position)
			VALUES ($1, $2, $3, $4)
		`, rev.DocumentID, rev.Revision, reviewerID, position); err != nil {
			return fmt.Errorf("insert revision reviewer: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE documents
		SET current_revision=GREATEST(current_revision, $2), updated_at=NOW()
		WHERE id=$1
	`, rev.DocumentID, rev.Revision); err != nil {
		return fmt.Errorf("bump current revision: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert revision: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRevision(ctx context.Context, documentID string, revision int) (Revision, error) {
	var item Revision
	err := s.db.QueryRowContext(ctx, `
		SELECT document_id, revision, klass,
			review_start_date, review_due_date, reviewers_step_closed,
			leader_step_closed, review_end_date,
			leader_id, approver_id, leader_comments, approver_comments,
			created_at
		FROM revisions
		WHERE document_id=$1 AND revision=$2
	`, documentID, revision).Scan(
		&item.DocumentID,
		&item.Revision,
		&item.Klass,
		&item.ReviewStartDate,
		&item.ReviewDueDate,
		&item.ReviewersStepClosed,
		&item.LeaderStepClosed,
		&item.ReviewEndDate,
		&item.LeaderID,
		&item.ApproverID,
		&item.LeaderComments,
		&item.ApproverComments,
		&item.CreatedAt,
	)
	if err != nil {
		return Revision{}, err
	}

	reviewers, err := s.revisionReviewers(ctx, documentID, revision)
	if err != nil {
		return Revision{}, err
	}
	item.ReviewerIDs = reviewers
	return item, nil
}

func (s *PostgresStore) revisionReviewers(ctx context.Context, documentID string, revision int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT reviewer_id
		FROM revision_reviewers
		WHERE document_id=$1 AND revision=$2
		ORDER BY position ASC, reviewer_id ASC
	`, documentID, revision)
	if err != nil {
		return nil, fmt.Errorf("list revision reviewers: %w", err)
	}
	defer rows.Close()

	reviewers := make([]string, 0)
	for rows.Next() {
		var reviewerID string
		if err := rows.Scan(&reviewerID); err != nil {
			return nil, fmt.Errorf("scan revision reviewer: %w", err)
		}
		reviewers = append(reviewers, reviewerID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate revision reviewers: %w", err)
	}
	return reviewers, nil
}

// ListRevisions returns every revision of a document, newest first,
// with reviewer assignments attached.
func (s *PostgresStore) ListRevisions(ctx context.Context, documentID string) ([]Revision, error) {
	return s.listRevisions(ctx, documentID, false)
}

// ListUnstartedRevisions returns the document's revisions whose review
// was never started, newest first. Used to synthesize placeholder
// review records for display.
func (s *PostgresStore) ListUnstartedRevisions(ctx context.Context, documentID string) ([]Revision, error) {
	return s.listRevisions(ctx, documentID, true)
}

func (s *PostgresStore) listRevisions(ctx context.Context, documentID string, unstartedOnly bool) ([]Revision, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT document_id, revision, klass,
			review_start_date, review_due_date, reviewers_step_closed,
			leader_step_closed, review_end_date,
			leader_id, approver_id, leader_comments, approver_comments,
			created_at
		FROM revisions
		WHERE document_id=$1
		  AND (NOT $2::boolean OR review_start_date IS NULL)
		ORDER BY revision DESC
	`, documentID, unstartedOnly)
	if err != nil {
		return nil, fmt.Errorf("list revisions: %w", err)
	}
	defer rows.Close()

	items := make([]Revision, 0)
	for rows.Next() {
		var item Revision
		if err := rows.Scan(
			&item.DocumentID,
			&item.Revision,
			&item.Klass,
			&item.ReviewStartDate,
			&item.ReviewDueDate,
			&item.ReviewersStepClosed,
			&item.LeaderStepClosed,
			&item.ReviewEndDate,
			&item.LeaderID,
			&item.ApproverID,
			&item.LeaderComments,
			&item.ApproverComments,
			&item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan revision: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate revisions: %w", err)
	}

	reviewers, err := s.documentReviewers(ctx, documentID)
	if err != nil {
		return nil, err
	}
	for i := range items {
		items[i].ReviewerIDs = reviewers[items[i].Revision]
	}
	return items, nil
}

func (s *PostgresStore) documentReviewers(ctx context.Context, documentID string) (map[int][]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT revision, reviewer_id
		FROM revision_reviewers
		WHERE document_id=$1
		ORDER BY revision ASC, position ASC, reviewer_id ASC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list document reviewers: %w", err)
	}
	defer rows.Close()

	reviewers := make(map[int][]string)
	for rows.Next() {
		var revision int
		var reviewerID string
		if err := rows.Scan(&revision, &reviewerID); err != nil {
			return nil, fmt.Errorf("scan document reviewer: %w", err)
		}
		reviewers[revision] = append(reviewers[revision], reviewerID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate document reviewers: %w", err)
	}
	return reviewers, nil
}

// SetRoles replaces the leader, approver and reviewer assignments of a
// revision. Role assignments are only meaningful before the review
// starts; the caller enforces that.
func (s *PostgresStore) SetRoles(ctx context.Context, documentID string, revision int, leaderID, approverID *string, reviewerIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin set roles: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		UPDATE revisions SET leader_id=$3, approver_id=$4
		WHERE document_id=$1 AND revision=$2
	`, documentID, revision, leaderID, approverID); err != nil {
		return fmt.Errorf("update roles: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM revision_reviewers WHERE document_id=$1 AND revision=$2
	`, documentID, revision); err != nil {
		return fmt.Errorf("clear revision reviewers: %w", err)
	}
	for position, reviewerID := range reviewerIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO revision_reviewers (document_id, revision, reviewer_id, position)
			VALUES ($1, $2, $3, $4)
		`, documentID, revision, reviewerID, position); err != nil {
			return fmt.Errorf("insert revision reviewer: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE documents SET updated_at=NOW() WHERE id=$1
	`, documentID); err != nil {
		return fmt.Errorf("touch document: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit set roles: %w", err)
	}
	return nil
}

// BeginReview persists the start of a review: the start and due dates
// on the revision plus one review record per assigned reviewer, in a
// single transaction. The unique constraint on review_records keeps a
// racing second call from creating a duplicate record set.
func (s *PostgresStore) BeginReview(ctx context.Context, rev Revision) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin start review: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		UPDATE revisions
		SET review_start_date=$3, review_due_date=$4
		WHERE document_id=$1 AND revision=$2
	`, rev.DocumentID, rev.Revision, rev.ReviewStartDate, rev.ReviewDueDate); err != nil {
		return fmt.Errorf("set review dates: %w", err)
	}

	for _, reviewerID := range rev.ReviewerIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO review_records (document_id, revision, reviewer_id, role, status)
			VALUES ($1, $2, $3, $4, $5)
		`, rev.DocumentID, rev.Revision, reviewerID, RoleReviewer, StatusProgress); err != nil {
			return fmt.Errorf("insert review record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit start review: %w", err)
	}
	return nil
}

// ClearReview deletes every review record of the revision and resets
// its review dates and role comment attachments. Destructive: prior
// review history for the revision is gone after this commits.
func (s *PostgresStore) ClearReview(ctx context.Context, documentID string, revision int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin cancel review: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM review_records WHERE document_id=$1 AND revision=$2
	`, documentID, revision); err != nil {
		return fmt.Errorf("delete review records: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE revisions
		SET review_start_date=NULL, review_due_date=NULL, review_end_date=NULL,
			reviewers_step_closed=NULL, leader_step_closed=NULL,
			leader_comments=NULL, approver_comments=NULL
		WHERE document_id=$1 AND revision=$2
	`, documentID, revision); err != nil {
		return fmt.Errorf("reset review dates: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit cancel review: %w", err)
	}
	return nil
}

// SaveReviewState writes the revision's five review dates and, when
// closeRecords is set, seals every review record of the revision. One
// transaction covers both so a step close is all-or-nothing.
func (s *PostgresStore) SaveReviewState(ctx context.Context, rev Revision, closeRecords bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save review state: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		UPDATE revisions
		SET review_start_date=$3, review_due_date=$4, reviewers_step_closed=$5,
			leader_step_closed=$6, review_end_date=$7
		WHERE document_id=$1 AND revision=$2
	`, rev.DocumentID, rev.Revision,
		rev.ReviewStartDate, rev.ReviewDueDate, rev.ReviewersStepClosed,
		rev.LeaderStepClosed, rev.ReviewEndDate); err != nil {
		return fmt.Errorf("save review dates: %w", err)
	}

	if closeRecords {
		if _, err := tx.ExecContext(ctx, `
			UPDATE review_records SET closed=TRUE
			WHERE document_id=$1 AND revision=$2
		`, rev.DocumentID, rev.Revision); err != nil {
			return fmt.Errorf("close review records: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save review state: %w", err)
	}
	return nil
}

// ListDocumentReviews returns every persisted review record of a
// document, ordered by (revision, id) so callers can group by revision
// in a single stable pass.
func (s *PostgresStore) ListDocumentReviews(ctx context.Context, documentID string) ([]ReviewRecord, error) {
	return s.listReviews(ctx, `
		SELECT id, document_id, revision, reviewer_id, role, status, reviewed_on, closed, comments, created_at
		FROM review_records
		WHERE document_id=$1
		ORDER BY revision ASC, id ASC
	`, documentID)
}

func (s *PostgresStore) ListRevisionReviews(ctx context.Context, documentID string, revision int) ([]ReviewRecord, error) {
	return s.listReviews(ctx, `
		SELECT id, document_id, revision, reviewer_id, role, status, reviewed_on, closed, comments, created_at
		FROM review_records
		WHERE document_id=$1 AND revision=$2
		ORDER BY id ASC
	`, documentID, revision)
}

func (s *PostgresStore) listReviews(ctx context.Context, query string, args ...any) ([]ReviewRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list review records: %w", err)
	}
	defer rows.Close()

	items := make([]ReviewRecord, 0)
	for rows.Next() {
		var item ReviewRecord
		if err := rows.Scan(
			&item.ID,
			&item.DocumentID,
			&item.Revision,
			&item.ReviewerID,
			&item.Role,
			&item.Status,
			&item.ReviewedOn,
			&item.Closed,
			&item.Comments,
			&item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan review record: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate review records: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetReview(ctx context.Context, documentID string, revision int, reviewerID string) (ReviewRecord, error) {
	var item ReviewRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, revision, reviewer_id, role, status, reviewed_on, closed, comments, created_at
		FROM review_records
		WHERE document_id=$1 AND revision=$2 AND reviewer_id=$3
	`, documentID, revision, reviewerID).Scan(
		&item.ID,
		&item.DocumentID,
		&item.Revision,
		&item.ReviewerID,
		&item.Role,
		&item.Status,
		&item.ReviewedOn,
		&item.Closed,
		&item.Comments,
		&item.CreatedAt,
	)
	if err != nil {
		return ReviewRecord{}, err
	}
	return item, nil
}

// SetReviewed records that a reviewer has filed their review. Returns
// false when the record does not exist or its step is already sealed.
func (s *PostgresStore) SetReviewed(ctx context.Context, documentID string, revision int, reviewerID string, reviewedOn time.Time, comments *string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE review_records
		SET reviewed_on=$4, status=$5, comments=$6
		WHERE document_id=$1 AND revision=$2 AND reviewer_id=$3 AND closed=FALSE
	`, documentID, revision, reviewerID, reviewedOn, StatusReviewed, comments)
	if err != nil {
		return false, fmt.Errorf("set reviewed: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set reviewed rows: %w", err)
	}
	return affected > 0, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
