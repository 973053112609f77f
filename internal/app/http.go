package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chronicle/governance/internal/auth"
	"chronicle/governance/internal/evaluation"
	"chronicle/governance/internal/rbac"
	"chronicle/governance/internal/search"
	"chronicle/governance/internal/store"
	"chronicle/governance/internal/templatelog"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     *slog.Logger
	metrics    http.Handler
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{
		service:    service,
		corsOrigin: corsOrigin,
		logger:     service.logger,
		metrics:    promhttp.Handler(),
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

// forbid writes a 403 Forbidden response and logs the denial
func (s *HTTPServer) forbid(w http.ResponseWriter, r *http.Request, session Session, action rbac.Action) {
	s.logger.Info("request forbidden",
		"request_id", requestIDFrom(r.Context()),
		"user_id", session.UserID,
		"role", session.Role,
		"action", action,
	)
	writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
}

func (s *HTTPServer) allow(w http.ResponseWriter, r *http.Request, session Session, action rbac.Action) bool {
	if s.service.Can(session.Role, action) {
		return true
	}
	s.forbid(w, r, session, action)
	return false
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

	if r.Method == http.MethodGet && r.URL.Path == "/metrics" {
		s.metrics.ServeHTTP(w, r)
		return
	}

	// Signing provider callbacks authenticate with the shared webhook token.
	if r.Method == http.MethodPost && r.URL.Path == "/api/webhooks/documents" {
		var body DocumentWebhookInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		updated, duplicate, err := s.service.HandleDocumentWebhook(r.Context(), strings.TrimSpace(r.Header.Get("X-Webhook-Token")), body)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		if duplicate {
			writeJSON(w, http.StatusOK, map[string]any{"ok": true, "duplicate": true})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "duplicate": false, "evaluation": updated})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"userName":      session.UserName,
			"userId":        session.UserID,
			"role":          session.Role,
			"roles":         session.Roles,
		})
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) == 4 && parts[0] == "api" && parts[1] == "workspaces" && parts[3] == "workflows" {
		s.handleWorkspaceWorkflows(w, r, session, parts[2])
		return
	}

	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "workflows" {
		s.handleWorkflow(w, r, session, parts[2], parts[3:])
		return
	}

	if r.URL.Path == "/api/proposals" {
		s.handleProposals(w, r, session)
		return
	}

	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "proposals" {
		s.handleProposal(w, r, session, parts[2], parts[3:])
		return
	}

	if len(parts) == 4 && parts[0] == "api" && parts[1] == "evaluations" {
		s.handleEvaluationAction(w, r, session, parts[2], parts[3])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleWorkspaceWorkflows(w http.ResponseWriter, r *http.Request, session Session, workspaceID string) {
	switch r.Method {
	case http.MethodGet:
		if !s.allow(w, r, session, rbac.ActionRead) {
			return
		}
		includeArchived := r.URL.Query().Get("includeArchived") == "true"
		workflows, err := s.service.ListWorkflowTemplates(r.Context(), workspaceID, includeArchived)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"workflows": workflows})
	case http.MethodPost:
		if !s.allow(w, r, session, rbac.ActionManageWorkflows) {
			return
		}
		var body evaluation.CreateTemplateInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		body.WorkspaceID = workspaceID
		tmpl, err := s.service.CreateWorkflowTemplate(r.Context(), session, body)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"workflow": tmpl})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleWorkflow(w http.ResponseWriter, r *http.Request, session Session, templateID string, rest []string) {
	if len(rest) == 0 && r.Method == http.MethodGet {
		if !s.allow(w, r, session, rbac.ActionRead) {
			return
		}
		tmpl, err := s.service.GetWorkflowTemplate(r.Context(), session, templateID)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"workflow": tmpl})
		return
	}

	if len(rest) == 0 && r.Method == http.MethodPut {
		if !s.allow(w, r, session, rbac.ActionManageWorkflows) {
			return
		}
		var body evaluation.UpdateTemplateInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		tmpl, err := s.service.UpdateWorkflowTemplate(r.Context(), session, templateID, body)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"workflow": tmpl})
		return
	}

	if len(rest) == 1 && rest[0] == "steps" && r.Method == http.MethodGet {
		if !s.allow(w, r, session, rbac.ActionRead) {
			return
		}
		steps, err := s.service.WorkflowSteps(r.Context(), session, templateID)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"steps": steps})
		return
	}

	if len(rest) == 1 && (rest[0] == "archive" || rest[0] == "unarchive") && r.Method == http.MethodPost {
		if !s.allow(w, r, session, rbac.ActionManageWorkflows) {
			return
		}
		tmpl, err := s.service.SetWorkflowTemplateArchived(r.Context(), session, templateID, rest[0] == "archive")
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"workflow": tmpl})
		return
	}

	if len(rest) == 1 && rest[0] == "history" && r.Method == http.MethodGet {
		if !s.allow(w, r, session, rbac.ActionRead) {
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		revisions, err := s.service.TemplateHistory(r.Context(), templateID, limit)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"revisions": revisions})
		return
	}

	if len(rest) == 2 && rest[0] == "history" && r.Method == http.MethodGet {
		if !s.allow(w, r, session, rbac.ActionManageWorkflows) {
			return
		}
		tmpl, err := s.service.TemplateRevision(r.Context(), templateID, rest[1])
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"hash": rest[1], "workflow": tmpl})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleProposals(w http.ResponseWriter, r *http.Request, session Session) {
	switch r.Method {
	case http.MethodGet:
		if !s.allow(w, r, session, rbac.ActionRead) {
			return
		}
		query := r.URL.Query()
		includeArchived := query.Get("includeArchived") == "true"
		limit, _ := strconv.Atoi(query.Get("limit"))
		if text := strings.TrimSpace(query.Get("q")); text != "" {
			offset, _ := strconv.Atoi(query.Get("offset"))
			writeJSON(w, http.StatusOK, s.service.SearchProposals(r.Context(), search.Query{
				Text:            text,
				WorkspaceID:     query.Get("workspaceId"),
				Status:          query.Get("status"),
				IncludeArchived: includeArchived,
				Limit:           limit,
				Offset:          offset,
			}))
			return
		}
		proposals, err := s.service.ListProposals(r.Context(), store.ProposalFilter{
			WorkspaceID:     query.Get("workspaceId"),
			Status:          query.Get("status"),
			IncludeArchived: includeArchived,
			Limit:           limit,
		})
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"proposals": proposals})
	case http.MethodPost:
		if !s.allow(w, r, session, rbac.ActionCreateProposal) {
			return
		}
		var body evaluation.CreateProposalInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		proposal, err := s.service.CreateProposal(r.Context(), session, body)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"proposal": proposal})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleProposal(w http.ResponseWriter, r *http.Request, session Session, proposalID string, rest []string) {
	if r.Method == http.MethodGet {
		if !s.allow(w, r, session, rbac.ActionRead) {
			return
		}
		switch {
		case len(rest) == 0:
			proposal, err := s.service.GetProposal(r.Context(), proposalID)
			if err != nil {
				s.writeServiceError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"proposal": proposal})
		case len(rest) == 1 && rest[0] == "status":
			status, err := s.service.GetProposalStatus(r.Context(), proposalID)
			if err != nil {
				s.writeServiceError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"proposalId": proposalID, "status": status})
		case len(rest) == 1 && rest[0] == "evaluations":
			evaluations, err := s.service.GetProposalEvaluations(r.Context(), proposalID)
			if err != nil {
				s.writeServiceError(w, r, err)
				return
			}
			if !s.service.Can(session.Role, rbac.ActionViewEvaluations) {
				evaluations = redactEvaluations(evaluations)
			}
			writeJSON(w, http.StatusOK, map[string]any{"evaluations": evaluations})
		default:
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		}
		return
	}

	if r.Method != http.MethodPost || len(rest) != 1 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch rest[0] {
	case "workflow":
		if !s.allow(w, r, session, rbac.ActionCreateProposal) {
			return
		}
		var body struct {
			TemplateID string `json:"templateId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if strings.TrimSpace(body.TemplateID) == "" {
			writeError(w, http.StatusUnprocessableEntity, evaluation.CodeValidation, "templateId is required", map[string]string{"TemplateID": "required"})
			return
		}
		evaluations, err := s.service.CloneWorkflow(r.Context(), session, proposalID, body.TemplateID)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"evaluations": evaluations})
	case "publish":
		if !s.allow(w, r, session, rbac.ActionCreateProposal) {
			return
		}
		proposal, err := s.service.PublishProposal(r.Context(), session, proposalID)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"proposal": proposal})
	case "archive":
		if !s.allow(w, r, session, rbac.ActionManageWorkflows) {
			return
		}
		proposal, err := s.service.ArchiveProposal(r.Context(), session, proposalID)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"proposal": proposal})
	case "sync-permissions":
		if !s.allow(w, r, session, rbac.ActionManageWorkflows) {
			return
		}
		if err := s.service.SyncPermissions(r.Context(), session, proposalID); err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleEvaluationAction(w http.ResponseWriter, r *http.Request, session Session, evaluationID, action string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	switch action {
	case "reviews":
		if !s.allow(w, r, session, rbac.ActionReview) {
			return
		}
		var body ReviewInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		updated, err := s.service.SubmitReview(r.Context(), session, evaluationID, body)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"evaluation": updated})
	case "appeal":
		if !s.allow(w, r, session, rbac.ActionReview) {
			return
		}
		lane, err := s.service.FileAppeal(r.Context(), session, evaluationID)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		status := http.StatusOK
		if lane.Created {
			status = http.StatusCreated
		}
		writeJSON(w, status, map[string]any{"appeal": lane})
	case "documents":
		if !s.allow(w, r, session, rbac.ActionCreateProposal) {
			return
		}
		var body struct {
			ExternalID string `json:"externalId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		updated, err := s.service.AddDocumentToSign(r.Context(), session, evaluationID, body.ExternalID)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"evaluation": updated})
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

// redactEvaluations drops individual reviews and scores, leaving step
// results visible.
func redactEvaluations(evaluations []store.Evaluation) []store.Evaluation {
	out := make([]store.Evaluation, 0, len(evaluations))
	for _, ev := range evaluations {
		ev.Reviews = nil
		ev.Answers = nil
		out = append(out, ev)
	}
	return out
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			"request_id", requestIDFrom(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.logger.Info("request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
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
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,OPTIONS")
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

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
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
	if engineErr, ok := asEngineError(err); ok {
		if len(engineErr.Details) == 0 {
			return engineStatus(engineErr), engineErr.Code, engineErr.Message, nil
		}
		return engineStatus(engineErr), engineErr.Code, engineErr.Message, engineErr.Details
	}
	if errors.Is(err, templatelog.ErrRevisionNotFound) || errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
