package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"verisource/api/internal/auth"
	"verisource/api/internal/rbac"
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

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/dev-token" {
		var body struct {
			UserID string `json:"userId"`
			Role   string `json:"role"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.IssueDevToken(body.UserID, body.Role)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	identity, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}

	if r.URL.Path == "/api/projects" {
		switch r.Method {
		case http.MethodGet:
			if !s.service.Can(identity.Role, rbac.ActionRead) {
				writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
				return
			}
			payload, err := s.service.ListProjects(r.Context(), identity)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, payload)
			return
		case http.MethodPost:
			if !s.service.Can(identity.Role, rbac.ActionWrite) {
				writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
				return
			}
			payload, err := s.service.CreateProject(r.Context(), identity)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusCreated, payload)
			return
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
	}

	// Body-addressed append, for callers that hold only a project id.
	if r.Method == http.MethodPost && r.URL.Path == "/api/claims" {
		if !s.service.Can(identity.Role, rbac.ActionWrite) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		var body struct {
			ProjectID string `json:"projectId"`
			AppendClaimRequest
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if strings.TrimSpace(body.ProjectID) == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "projectId is required", nil)
			return
		}
		body.IdempotencyKey = idempotencyKey(r, body.IdempotencyKey)
		payload, err := s.service.AppendClaim(r.Context(), identity, body.ProjectID, requestIDFrom(r.Context()), body.AppendClaimRequest)
		s.respond(w, payload, err)
		return
	}

	parts := splitPath(r.URL.Path)

	if len(parts) >= 4 && parts[0] == "api" && parts[1] == "internal" && parts[2] == "projects" {
		s.handleInternal(w, r, identity, parts[3], parts[4:])
		return
	}

	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "projects" {
		s.handleProjects(w, r, identity, parts[2], parts[3:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleProjects(w http.ResponseWriter, r *http.Request, identity auth.Identity, projectID string, rest []string) {
	if len(rest) == 0 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		if !s.service.Can(identity.Role, rbac.ActionRead) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		payload, err := s.service.GetProject(r.Context(), identity, projectID)
		s.respond(w, payload, err)
		return
	}

	switch rest[0] {
	case "transition":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		if !s.service.Can(identity.Role, rbac.ActionTransition) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		var body TransitionRequest
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		body.IdempotencyKey = idempotencyKey(r, body.IdempotencyKey)
		payload, err := s.service.Transition(r.Context(), identity, projectID, requestIDFrom(r.Context()), body)
		s.respond(w, payload, err)
		return

	case "claims":
		if r.Method == http.MethodGet {
			if !s.service.Can(identity.Role, rbac.ActionRead) {
				writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
				return
			}
			versionID := strings.TrimSpace(r.URL.Query().Get("versionId"))
			payload, err := s.service.ListClaims(r.Context(), identity, projectID, versionID)
			s.respond(w, payload, err)
			return
		}
		if r.Method == http.MethodPost {
			if !s.service.Can(identity.Role, rbac.ActionWrite) {
				writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
				return
			}
			var body AppendClaimRequest
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			body.IdempotencyKey = idempotencyKey(r, body.IdempotencyKey)
			payload, err := s.service.AppendClaim(r.Context(), identity, projectID, requestIDFrom(r.Context()), body)
			s.respond(w, payload, err)
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return

	case "audit":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		if !s.service.Can(identity.Role, rbac.ActionRead) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		limit := 0
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
				return
			}
			limit = parsed
		}
		payload, err := s.service.AuditTrail(r.Context(), identity, projectID, limit)
		s.respond(w, payload, err)
		return

	case "events":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		if !s.service.Can(identity.Role, rbac.ActionRead) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		payload, err := s.service.StatusEvents(r.Context(), identity, projectID)
		s.respond(w, payload, err)
		return

	case "evidence":
		s.handleEvidence(w, r, identity, projectID, rest[1:])
		return

	case "execution":
		if len(rest) == 2 && rest[1] == "mark-sent" && r.Method == http.MethodPost {
			if !s.service.Can(identity.Role, rbac.ActionWrite) {
				writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
				return
			}
			var body MarkSentRequest
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			body.IdempotencyKey = idempotencyKey(r, body.IdempotencyKey)
			payload, err := s.service.MarkSent(r.Context(), identity, projectID, requestIDFrom(r.Context()), body)
			s.respond(w, payload, err)
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleEvidence(w http.ResponseWriter, r *http.Request, identity auth.Identity, projectID string, rest []string) {
	if len(rest) == 0 && r.Method == http.MethodGet {
		if !s.service.Can(identity.Role, rbac.ActionRead) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		payload, err := s.service.ListEvidence(r.Context(), identity, projectID)
		s.respond(w, payload, err)
		return
	}

	if len(rest) == 1 && rest[0] == "initiate" && r.Method == http.MethodPost {
		if !s.service.Can(identity.Role, rbac.ActionWrite) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		var body InitiateEvidenceRequest
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.InitiateEvidenceUpload(r.Context(), identity, projectID, body)
		s.respond(w, payload, err)
		return
	}

	if len(rest) == 1 && rest[0] == "complete" && r.Method == http.MethodPost {
		if !s.service.Can(identity.Role, rbac.ActionWrite) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		var body CompleteEvidenceRequest
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.CompleteEvidenceUpload(r.Context(), identity, projectID, body)
		s.respond(w, payload, err)
		return
	}

	if len(rest) == 2 && rest[1] == "download-url" && r.Method == http.MethodGet {
		if !s.service.Can(identity.Role, rbac.ActionRead) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		payload, err := s.service.EvidenceDownloadURL(r.Context(), identity, projectID, rest[0])
		s.respond(w, payload, err)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// handleInternal serves the ops surface. Everything under /api/internal
// requires the internal action, which only admin and system hold.
func (s *HTTPServer) handleInternal(w http.ResponseWriter, r *http.Request, identity auth.Identity, projectID string, rest []string) {
	if !s.service.Can(identity.Role, rbac.ActionInternal) {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
		return
	}
	if len(rest) == 3 && rest[0] == "evidence" && rest[2] == "signed-url" {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		payload, err := s.service.EvidenceDownloadURL(r.Context(), identity, projectID, rest[1])
		s.respond(w, payload, err)
		return
	}

	if len(rest) != 1 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	if rest[0] == "review" {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		payload, err := s.service.Review(r.Context(), projectID)
		s.respond(w, payload, err)
		return
	}

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	switch rest[0] {
	case "approve-execution":
		if rbac.Normalize(identity.Role) != rbac.RoleAdmin {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Only admin can approve execution", nil)
			return
		}
		var body ApproveExecutionRequest
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		body.IdempotencyKey = idempotencyKey(r, body.IdempotencyKey)
		payload, err := s.service.ApproveExecution(r.Context(), identity, projectID, requestIDFrom(r.Context()), body)
		s.respond(w, payload, err)
		return

	case "run-blueprint":
		var body struct {
			Query          string `json:"query"`
			IdempotencyKey string `json:"idempotencyKey"`
		}
		if r.ContentLength > 0 {
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
		}
		payload, err := s.service.StartBlueprint(r.Context(), projectID, idempotencyKey(r, body.IdempotencyKey), body.Query, requestIDFrom(r.Context()))
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusAccepted, payload)
		return

	case "run-plan":
		key, ok := s.pipelineKey(w, r)
		if !ok {
			return
		}
		payload, err := wrapResult(s.service.RunPlan(r.Context(), projectID, key, requestIDFrom(r.Context())))
		s.respond(w, payload, err)
		return

	case "run-prepare":
		key, ok := s.pipelineKey(w, r)
		if !ok {
			return
		}
		payload, err := wrapResult(s.service.RunPrepare(r.Context(), projectID, key, requestIDFrom(r.Context())))
		s.respond(w, payload, err)
		return

	case "run-eligibility":
		key, ok := s.pipelineKey(w, r)
		if !ok {
			return
		}
		payload, err := wrapResult(s.service.RunEligibility(r.Context(), projectID, key, requestIDFrom(r.Context())))
		s.respond(w, payload, err)
		return

	case "mark-sent":
		var body MarkSentRequest
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		body.IdempotencyKey = idempotencyKey(r, body.IdempotencyKey)
		payload, err := s.service.MarkSent(r.Context(), identity, projectID, requestIDFrom(r.Context()), body)
		s.respond(w, payload, err)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// pipelineKey reads the idempotency key for run-* routes from the header or
// a {"idempotencyKey": ...} body.
func (s *HTTPServer) pipelineKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	var body struct {
		IdempotencyKey string `json:"idempotencyKey"`
	}
	if r.ContentLength > 0 {
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return "", false
		}
	}
	return idempotencyKey(r, body.IdempotencyKey), true
}

func wrapResult[T any](result T, err error) (map[string]any, error) {
	if err != nil {
		return nil, err
	}
	return map[string]any{"result": result}, nil
}

func (s *HTTPServer) respond(w http.ResponseWriter, payload map[string]any, err error) {
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) requireIdentity(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return auth.Identity{}, false
	}
	identity, err := s.service.IdentityFromToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return auth.Identity{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Token verification failed", nil)
		return auth.Identity{}, false
	}
	return identity, true
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

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
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
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, Idempotency-Key, X-Idempotency-Key")
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
	// The middleware stamps the response header before handlers run.
	if requestID := w.Header().Get("X-Request-ID"); requestID != "" {
		response["requestId"] = requestID
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

// idempotencyKey prefers the Idempotency-Key headers over a body field.
func idempotencyKey(r *http.Request, bodyKey string) string {
	if key := strings.TrimSpace(r.Header.Get("Idempotency-Key")); key != "" {
		return key
	}
	if key := strings.TrimSpace(r.Header.Get("X-Idempotency-Key")); key != "" {
		return key
	}
	return strings.TrimSpace(bodyKey)
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
