package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"docflow/api/internal/review"
	"docflow/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	segments := splitPath(r.URL.Path)
	if len(segments) < 2 || segments[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch segments[1] {
	case "documents":
		s.handleDocuments(w, r, segments[2:])
	case "reviews":
		s.handleBatches(w, r, segments[2:])
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleDocuments(w http.ResponseWriter, r *http.Request, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		s.handleListDocuments(w, r)
	case len(rest) == 0 && r.Method == http.MethodPost:
		s.handleCreateDocument(w, r)
	case len(rest) == 1 && r.Method == http.MethodGet:
		s.handleGetDocument(w, r, rest[0])
	case len(rest) == 2 && rest[1] == "revisions" && r.Method == http.MethodGet:
		s.handleListRevisions(w, r, rest[0])
	case len(rest) == 2 && rest[1] == "revisions" && r.Method == http.MethodPost:
		s.handleAddRevision(w, r, rest[0])
	case len(rest) >= 3 && rest[1] == "revisions":
		revision, err := strconv.Atoi(rest[2])
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_REVISION", "Revision must be a number", nil)
			return
		}
		s.handleRevision(w, r, rest[0], revision, rest[3:])
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleRevision(w http.ResponseWriter, r *http.Request, documentID string, revision int, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		s.handleGetRevision(w, r, documentID, revision)
	case len(rest) == 1 && rest[0] == "roles" && r.Method == http.MethodPut:
		s.handleUpdateRoles(w, r, documentID, revision)
	case len(rest) == 1 && rest[0] == "reviews" && r.Method == http.MethodGet:
		s.handleListReviews(w, r, documentID, revision)
	case len(rest) == 2 && rest[0] == "review" && r.Method == http.MethodPost:
		s.handleReviewAction(w, r, documentID, revision, rest[1])
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	documents, err := s.service.ListDocuments(r.Context())
	if err != nil {
		writeMappedError(w, err)
		return
	}
	views := make([]map[string]any, 0, len(documents))
	for _, doc := range documents {
		views = append(views, documentView(doc))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": views})
}

func (s *HTTPServer) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	var input CreateDocumentInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	doc, err := s.service.CreateDocument(r.Context(), input)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, documentView(doc))
}

func (s *HTTPServer) handleGetDocument(w http.ResponseWriter, r *http.Request, documentID string) {
	doc, err := s.service.GetDocument(r.Context(), documentID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, documentView(doc))
}

func (s *HTTPServer) handleListRevisions(w http.ResponseWriter, r *http.Request, documentID string) {
	revisions, err := s.service.ListRevisions(r.Context(), documentID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	views := make([]map[string]any, 0, len(revisions))
	for _, rev := range revisions {
		views = append(views, s.revisionView(rev))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": views})
}

func (s *HTTPServer) handleAddRevision(w http.ResponseWriter, r *http.Request, documentID string) {
	var input RevisionInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	rev, err := s.service.AddRevision(r.Context(), documentID, input)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.revisionView(rev))
}

func (s *HTTPServer) handleGetRevision(w http.ResponseWriter, r *http.Request, documentID string, revision int) {
	rev, err := s.service.revision(r.Context(), documentID, revision)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.revisionView(rev))
}

func (s *HTTPServer) handleUpdateRoles(w http.ResponseWriter, r *http.Request, documentID string, revision int) {
	var input RolesInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	rev, err := s.service.UpdateRoles(r.Context(), documentID, revision, input)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.revisionView(rev))
}

func (s *HTTPServer) handleListReviews(w http.ResponseWriter, r *http.Request, documentID string, revision int) {
	records, err := s.service.Reviews(r.Context(), documentID, revision)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	views := make([]map[string]any, 0, len(records))
	for _, record := range records {
		views = append(views, recordView(record))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": views})
}

func (s *HTTPServer) handleReviewAction(w http.ResponseWriter, r *http.Request, documentID string, revision int, action string) {
	ctx := r.Context()

	var rev store.Revision
	var err error
	switch action {
	case "start":
		rev, err = s.service.StartReview(ctx, documentID, revision)
	case "cancel":
		rev, err = s.service.CancelReview(ctx, documentID, revision)
	case "close-reviewers":
		rev, err = s.service.CloseReviewersStep(ctx, documentID, revision)
	case "close-leader":
		rev, err = s.service.CloseLeaderStep(ctx, documentID, revision)
	case "close":
		rev, err = s.service.CloseReview(ctx, documentID, revision)
	case "submit":
		var input SubmitReviewInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		record, err := s.service.SubmitReview(ctx, documentID, revision, input)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, recordView(record))
		return
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Unknown review action", nil)
		return
	}

	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.revisionView(rev))
}

func (s *HTTPServer) handleBatches(w http.ResponseWriter, r *http.Request, rest []string) {
	if len(rest) != 1 || r.Method != http.MethodPost {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	var input BatchInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	var result review.BatchResult
	var err error
	switch rest[0] {
	case "batch-start":
		result, err = s.service.BatchStart(r.Context(), input)
	case "batch-cancel":
		result, err = s.service.BatchCancel(r.Context(), input)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	if err != nil {
		writeMappedError(w, err)
		return
	}
	if result.Failed == nil {
		result.Failed = []review.BatchFailure{}
	}
	writeJSON(w, http.StatusOK, result)
}

func documentView(doc store.Document) map[string]any {
	return map[string]any{
		"id":              doc.ID,
		"documentKey":     doc.DocumentKey,
		"title":           doc.Title,
		"currentRevision": doc.CurrentRevision,
		"createdAt":       doc.CreatedAt,
		"updatedAt":       doc.UpdatedAt,
	}
}

func (s *HTTPServer) revisionView(rev store.Revision) map[string]any {
	return map[string]any{
		"documentId":          rev.DocumentID,
		"revision":            rev.Revision,
		"klass":               rev.Klass,
		"reviewStartDate":     dateString(rev.ReviewStartDate),
		"reviewDueDate":       dateString(rev.ReviewDueDate),
		"reviewersStepClosed": dateString(rev.ReviewersStepClosed),
		"leaderStepClosed":    dateString(rev.LeaderStepClosed),
		"reviewEndDate":       dateString(rev.ReviewEndDate),
		"leader":              rev.LeaderID,
		"approver":            rev.ApproverID,
		"reviewers":           rev.ReviewerIDs,
		"step":                string(s.service.engine.CurrentStep(rev)),
		"underReview":         review.IsUnderReview(rev),
		"overdue":             s.service.engine.IsOverdue(rev),
		"reviewable":          review.IsReviewable(rev),
	}
}

func recordView(record store.ReviewRecord) map[string]any {
	return map[string]any{
		"id":         record.ID,
		"documentId": record.DocumentID,
		"revision":   record.Revision,
		"reviewerId": record.ReviewerID,
		"role":       record.Role,
		"status":     record.Status,
		"reviewedOn": dateString(record.ReviewedOn),
		"closed":     record.Closed,
		"comments":   record.Comments,
	}
}

func dateString(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format("2006-01-02")
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func writeMappedError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
