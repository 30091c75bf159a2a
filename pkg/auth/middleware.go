package auth

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// Middleware provides HTTP authentication middleware. It delegates token
// handling to AuthService.
type Middleware struct {
	authService AuthService
	logger      *zap.Logger
}

// NewMiddleware creates a new auth middleware with the given AuthService.
func NewMiddleware(authService AuthService, logger *zap.Logger) *Middleware {
	return &Middleware{
		authService: authService,
		logger:      logger.Named("auth-middleware"),
	}
}

// RequireAuth validates the JWT and requires a project claim. Use for routes
// that are not scoped by a project in the URL.
func (m *Middleware) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, token, ok := m.authenticate(w, r)
		if !ok {
			return
		}
		next(w, r.WithContext(WithClaims(r.Context(), claims, token)))
	}
}

// RequireProject validates the JWT and requires the project path value named
// pathParam to match the token's project claim.
func (m *Middleware) RequireProject(pathParam string) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			claims, token, ok := m.authenticate(w, r)
			if !ok {
				return
			}
			if err := m.authService.ValidateProjectIDMatch(claims, r.PathValue(pathParam)); err != nil {
				writeAuthError(w, http.StatusForbidden, "forbidden", "Project ID mismatch between token and URL")
				return
			}
			next(w, r.WithContext(WithClaims(r.Context(), claims, token)))
		}
	}
}

func (m *Middleware) authenticate(w http.ResponseWriter, r *http.Request) (*Claims, string, bool) {
	claims, token, err := m.authService.ValidateRequest(r)
	if err != nil {
		writeAuthError(w, http.StatusUnauthorized, "unauthorized", "Authentication required")
		return nil, "", false
	}
	if err := m.authService.RequireProjectID(claims); err != nil {
		writeAuthError(w, http.StatusBadRequest, "bad_request", "Missing project ID in token")
		return nil, "", false
	}
	return claims, token, true
}

func writeAuthError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   code,
		"message": message,
	})
}
