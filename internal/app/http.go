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
	"strings"
	"time"

	"github.com/bbailleux/tracim/internal/auth"
	"github.com/bbailleux/tracim/internal/store"
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

	// Auth routes, no session required.
	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signup" {
		var body struct {
			Email       string `json:"email"`
			Password    string `json:"password"`
			DisplayName string `json:"displayName"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
			return
		}
		session, err := s.service.SignUp(r.Context(), body.Email, body.Password, body.DisplayName)
		if err != nil {
			status, code, message := mapError(err)
			writeError(w, status, code, message)
			return
		}
		writeJSON(w, http.StatusCreated, sessionPayload(session))
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signin" {
		var body struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
			return
		}
		session, err := s.service.Login(r.Context(), body.Email, body.Password)
		if err != nil {
			status, code, message := mapError(err)
			writeError(w, status, code, message)
			return
		}
		writeJSON(w, http.StatusOK, sessionPayload(session))
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"userId":        session.UserID,
			"email":         session.Email,
			"displayName":   session.DisplayName,
			"isAdmin":       session.IsAdmin,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/refresh" {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
			return
		}
		session, err := s.service.Refresh(r.Context(), body.RefreshToken)
		if err != nil {
			status, code, message := mapError(err)
			writeError(w, status, code, message)
			return
		}
		writeJSON(w, http.StatusOK, sessionPayload(session))
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/logout" {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		_ = decodeBody(r, &body)
		if token := bearerToken(r); token != "" {
			if session, err := s.service.SessionFromToken(r.Context(), token); err == nil {
				_ = s.service.RevokeAccess(r.Context(), session.JTI, session.ExpiresAt)
			}
		}
		_ = s.service.Logout(r.Context(), body.RefreshToken)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	// Everything below requires an authenticated principal, resolved once
	// into the request context.
	rc := NewRequestContext()
	principal, err := s.service.ResolveUser(r.Context(), rc, bearerToken(r))
	if err != nil {
		status, code, message := mapError(err)
		writeError(w, status, code, message)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found")
		return
	}

	switch parts[1] {
	case "users":
		s.handleUsers(w, r, principal, parts)
		return
	case "workspaces":
		s.handleWorkspaces(w, r, rc, principal, parts)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found")
}

func (s *HTTPServer) handleUsers(w http.ResponseWriter, r *http.Request, principal store.User, parts []string) {
	if len(parts) == 2 && r.Method == http.MethodPost {
		var body struct {
			Email       string `json:"email"`
			DisplayName string `json:"displayName"`
			Password    string `json:"password"`
			IsAdmin     bool   `json:"isAdmin"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
			return
		}
		payload, err := s.service.CreateUser(r.Context(), principal, body.Email, body.DisplayName, body.Password, body.IsAdmin)
		if err != nil {
			status, code, message := mapError(err)
			writeError(w, status, code, message)
			return
		}
		writeJSON(w, http.StatusCreated, payload)
		return
	}

	if len(parts) == 4 && parts[2] == "me" && parts[3] == "password" && r.Method == http.MethodPut {
		var body struct {
			CurrentPassword string `json:"currentPassword"`
			NewPassword     string `json:"newPassword"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
			return
		}
		if err := s.service.ChangePassword(r.Context(), principal, body.CurrentPassword, body.NewPassword); err != nil {
			status, code, message := mapError(err)
			writeError(w, status, code, message)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if len(parts) == 3 {
		userID := parts[2]
		if userID == "me" {
			userID = principal.ID
		}

		if r.Method == http.MethodPut {
			var body struct {
				Email       string `json:"email"`
				DisplayName string `json:"displayName"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
				return
			}
			payload, err := s.service.UpdateUserProfile(r.Context(), principal, userID, body.Email, body.DisplayName)
			if err != nil {
				status, code, message := mapError(err)
				writeError(w, status, code, message)
				return
			}
			writeJSON(w, http.StatusOK, payload)
			return
		}

		if r.Method == http.MethodDelete {
			if err := s.service.DeactivateUser(r.Context(), principal, userID); err != nil {
				status, code, message := mapError(err)
				writeError(w, status, code, message)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found")
}

func (s *HTTPServer) handleWorkspaces(w http.ResponseWriter, r *http.Request, rc *RequestContext, principal store.User, parts []string) {
	if len(parts) == 2 {
		if r.Method == http.MethodGet {
			payload, err := s.service.MyWorkspaces(r.Context(), principal)
			if err != nil {
				status, code, message := mapError(err)
				writeError(w, status, code, message)
				return
			}
			writeJSON(w, http.StatusOK, payload)
			return
		}
		if r.Method == http.MethodPost {
			var body struct {
				Label    string `json:"label"`
				IsPublic bool   `json:"isPublic"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
				return
			}
			payload, err := s.service.CreateWorkspace(r.Context(), principal, body.Label, body.IsPublic)
			if err != nil {
				status, code, message := mapError(err)
				writeError(w, status, code, message)
				return
			}
			writeJSON(w, http.StatusCreated, payload)
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
		return
	}

	ws, err := s.service.ResolveWorkspace(r.Context(), rc, principal, parts[2])
	if err != nil {
		status, code, message := mapError(err)
		writeError(w, status, code, message)
		return
	}

	if len(parts) == 3 {
		switch r.Method {
		case http.MethodGet:
			payload, err := s.service.GetWorkspaceDetail(r.Context(), principal, ws)
			if err != nil {
				status, code, message := mapError(err)
				writeError(w, status, code, message)
				return
			}
			writeJSON(w, http.StatusOK, payload)
		case http.MethodPut:
			var body struct {
				Label string `json:"label"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
				return
			}
			payload, err := s.service.RenameWorkspace(r.Context(), principal, ws, body.Label)
			if err != nil {
				status, code, message := mapError(err)
				writeError(w, status, code, message)
				return
			}
			writeJSON(w, http.StatusOK, payload)
		case http.MethodDelete:
			if err := s.service.DeleteWorkspace(r.Context(), principal, ws); err != nil {
				status, code, message := mapError(err)
				writeError(w, status, code, message)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
		}
		return
	}

	if parts[3] == "members" {
		s.handleMembers(w, r, principal, ws, parts)
		return
	}

	contentType, ok := ContentTypeFromSlug(parts[3])
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found")
		return
	}
	s.handleContents(w, r, principal, ws, contentType, parts)
}

func (s *HTTPServer) handleMembers(w http.ResponseWriter, r *http.Request, principal store.User, ws store.Workspace, parts []string) {
	if len(parts) == 4 && r.Method == http.MethodGet {
		payload, err := s.service.ListMembers(r.Context(), principal, ws)
		if err != nil {
			status, code, message := mapError(err)
			writeError(w, status, code, message)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if len(parts) == 5 {
		userID := parts[4]
		if r.Method == http.MethodPut {
			var body struct {
				Role string `json:"role"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
				return
			}
			payload, err := s.service.SetMember(r.Context(), principal, ws, userID, body.Role)
			if err != nil {
				status, code, message := mapError(err)
				writeError(w, status, code, message)
				return
			}
			writeJSON(w, http.StatusOK, payload)
			return
		}
		if r.Method == http.MethodDelete {
			if err := s.service.RemoveMember(r.Context(), principal, ws, userID); err != nil {
				status, code, message := mapError(err)
				writeError(w, status, code, message)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found")
}

func (s *HTTPServer) handleContents(w http.ResponseWriter, r *http.Request, principal store.User, ws store.Workspace, contentType string, parts []string) {
	// POST /api/workspaces/{id}/{type}
	if len(parts) == 4 && r.Method == http.MethodPost {
		var body struct {
			Label    string  `json:"label"`
			Body     string  `json:"body"`
			ParentID *string `json:"parentId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
			return
		}
		payload, err := s.service.CreateContentOp(r.Context(), principal, ws, contentType, body.Label, body.Body, body.ParentID)
		if err != nil {
			status, code, message := mapError(err)
			writeError(w, status, code, message)
			return
		}
		writeJSON(w, http.StatusCreated, payload)
		return
	}

	// GET /api/workspaces/{id}/folders listing root folders.
	if len(parts) == 4 && r.Method == http.MethodGet && contentType == store.TypeFolder {
		payload, err := s.service.ChildrenOp(r.Context(), principal, ws, "", r.URL.Query()["exclude"])
		if err != nil {
			status, code, message := mapError(err)
			writeError(w, status, code, message)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if len(parts) < 5 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found")
		return
	}
	contentID := parts[4]

	if len(parts) == 5 {
		switch r.Method {
		case http.MethodGet:
			payload, err := s.service.GetContentOp(r.Context(), principal, ws, contentID, contentType)
			if err != nil {
				status, code, message := mapError(err)
				writeError(w, status, code, message)
				return
			}
			writeJSON(w, http.StatusOK, payload)
		case http.MethodPut:
			var body struct {
				Label string `json:"label"`
				Body  string `json:"body"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
				return
			}
			payload, err := s.service.UpdateContentOp(r.Context(), principal, ws, contentID, contentType, body.Label, body.Body)
			if err != nil {
				status, code, message := mapError(err)
				writeError(w, status, code, message)
				return
			}
			writeJSON(w, http.StatusOK, payload)
		case http.MethodDelete:
			if err := s.service.DeleteContentOp(r.Context(), principal, ws, contentID, contentType); err != nil {
				status, code, message := mapError(err)
				writeError(w, status, code, message)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
		}
		return
	}

	if len(parts) == 6 {
		switch {
		case parts[5] == "revisions" && r.Method == http.MethodGet:
			payload, err := s.service.ListRevisionsOp(r.Context(), principal, ws, contentID, contentType)
			if err != nil {
				status, code, message := mapError(err)
				writeError(w, status, code, message)
				return
			}
			writeJSON(w, http.StatusOK, payload)
			return
		case parts[5] == "status" && r.Method == http.MethodPut:
			var body struct {
				Status string `json:"status"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
				return
			}
			payload, err := s.service.SetStatusOp(r.Context(), principal, ws, contentID, contentType, body.Status)
			if err != nil {
				status, code, message := mapError(err)
				writeError(w, status, code, message)
				return
			}
			writeJSON(w, http.StatusOK, payload)
			return
		case parts[5] == "move" && r.Method == http.MethodPut:
			var body struct {
				NewParentID *string `json:"newParentId"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
				return
			}
			payload, err := s.service.MoveContentOp(r.Context(), principal, ws, contentID, contentType, body.NewParentID)
			if err != nil {
				status, code, message := mapError(err)
				writeError(w, status, code, message)
				return
			}
			writeJSON(w, http.StatusOK, payload)
			return
		case parts[5] == "children" && r.Method == http.MethodGet && contentType == store.TypeFolder:
			payload, err := s.service.ChildrenOp(r.Context(), principal, ws, contentID, r.URL.Query()["exclude"])
			if err != nil {
				status, code, message := mapError(err)
				writeError(w, status, code, message)
				return
			}
			writeJSON(w, http.StatusOK, payload)
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found")
}

func sessionPayload(session Session) map[string]any {
	return map[string]any{
		"token":        session.Token,
		"refreshToken": session.RefreshToken,
		"userId":       session.UserID,
		"email":        session.Email,
		"displayName":  session.DisplayName,
		"isAdmin":      session.IsAdmin,
		"expiresAt":    session.ExpiresAt.Unix(),
	}
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

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":  code,
		"error": message,
	})
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

// mapError is the single place where domain error codes become HTTP
// statuses. An unknown workspace and a forbidden workspace produce the same
// answer on purpose.
func mapError(err error) (status int, code, message string) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return statusForCode(domainErr.Code), string(domainErr.Code), domainErr.Message
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found"
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized"
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error"
}

func statusForCode(code Code) int {
	switch code {
	case CodeNotAuthenticated:
		return http.StatusUnauthorized
	case CodeAuthenticationFailed:
		return http.StatusBadRequest
	case CodeInsufficientProfile, CodeWorkspaceNotFound:
		return http.StatusForbidden
	case CodeContentTypeNotAllowed, CodeInvalidStatusTransition:
		return http.StatusBadRequest
	case CodeContentNotFound:
		return http.StatusNotFound
	case CodeRevisionScopeConflict:
		return http.StatusConflict
	case CodeValidation:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
