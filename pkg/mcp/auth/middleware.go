// Package mcpauth provides MCP-specific authentication middleware.
// It wraps the core auth service with RFC 6750 Bearer token error responses.
package mcpauth

import (
	"net"
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-crossquery/pkg/auth"
)

// AuthFailureRecorder receives rejected MCP requests for auditing.
type AuthFailureRecorder interface {
	RecordAuthFailure(projectID, subject, reason, clientIP string)
}

// Middleware provides MCP-specific authentication middleware. Unlike the
// REST middleware it answers with RFC 6750 WWW-Authenticate headers.
type Middleware struct {
	authService auth.AuthService
	audit       AuthFailureRecorder
	logger      *zap.Logger
}

// NewMiddleware creates a new MCP auth middleware. audit may be nil.
func NewMiddleware(authService auth.AuthService, audit AuthFailureRecorder, logger *zap.Logger) *Middleware {
	return &Middleware{
		authService: authService,
		audit:       audit,
		logger:      logger,
	}
}

// RequireAuth validates the JWT and, when pathParamName is non-empty,
// requires the token's project to match the URL path value.
func (m *Middleware) RequireAuth(pathParamName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, token, err := m.authService.ValidateRequest(r)
			if err != nil {
				m.logger.Debug("MCP auth failed: invalid or missing token",
					zap.String("path", r.URL.Path),
					zap.Error(err))
				m.recordFailure(r, "", "", "invalid_token")
				m.writeWWWAuthenticate(w, http.StatusUnauthorized, "invalid_token", "The access token is invalid or expired")
				return
			}

			if err := m.authService.RequireProjectID(claims); err != nil {
				m.logger.Debug("MCP auth failed: missing project ID",
					zap.String("path", r.URL.Path))
				m.recordFailure(r, "", claims.Subject, "missing_project_scope")
				m.writeWWWAuthenticate(w, http.StatusUnauthorized, "invalid_token", "The access token is missing required project scope")
				return
			}

			if pathParamName != "" {
				urlProjectID := r.PathValue(pathParamName)
				if urlProjectID == "" {
					m.logger.Error("MCP auth failed: missing project ID in URL path",
						zap.String("path", r.URL.Path),
						zap.String("path_param", pathParamName))
					m.writeWWWAuthenticate(w, http.StatusBadRequest, "invalid_request", "Missing project ID in URL")
					return
				}

				if err := m.authService.ValidateProjectIDMatch(claims, urlProjectID); err != nil {
					m.logger.Warn("MCP auth failed: project ID mismatch",
						zap.String("url_project_id", urlProjectID),
						zap.String("token_project_id", claims.ProjectID))
					m.recordFailure(r, urlProjectID, claims.Subject, "project_mismatch")
					m.writeWWWAuthenticate(w, http.StatusForbidden, "insufficient_scope", "The access token does not have access to this project")
					return
				}
			}

			next.ServeHTTP(w, r.WithContext(auth.WithClaims(r.Context(), claims, token)))
		})
	}
}

func (m *Middleware) recordFailure(r *http.Request, projectID, subject, reason string) {
	if m.audit == nil {
		return
	}
	clientIP, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		clientIP = r.RemoteAddr
	}
	m.audit.RecordAuthFailure(projectID, subject, reason, clientIP)
}

// writeWWWAuthenticate writes an RFC 6750 Bearer token error response.
// See: https://datatracker.ietf.org/doc/html/rfc6750#section-3
func (m *Middleware) writeWWWAuthenticate(w http.ResponseWriter, status int, errorCode, description string) {
	headerValue := `Bearer error="` + errorCode + `", error_description="` + description + `"`
	w.Header().Set("WWW-Authenticate", headerValue)
	w.WriteHeader(status)
}
