package auth

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// Common authentication errors.
var (
	ErrMissingAuthorization = errors.New("missing authorization")
	ErrInvalidAuthFormat    = errors.New("invalid authorization header format")
	ErrMissingProjectID     = errors.New("missing project ID in token")
	ErrProjectIDMismatch    = errors.New("project ID mismatch between token and URL")
)

// AuthService authenticates HTTP requests and MCP calls.
type AuthService interface {
	// ValidateRequest extracts the bearer token from the Authorization header
	// and validates it. Returns the claims and the raw token.
	ValidateRequest(r *http.Request) (*Claims, string, error)

	// RequireProjectID validates that the claims contain a project ID.
	RequireProjectID(claims *Claims) error

	// ValidateProjectIDMatch ensures the URL project ID matches the token
	// project ID. An empty urlProjectID is not checked.
	ValidateProjectIDMatch(claims *Claims, urlProjectID string) error
}

type authService struct {
	validator TokenValidator
	logger    *zap.Logger
}

// NewAuthService creates an AuthService backed by validator.
func NewAuthService(validator TokenValidator, logger *zap.Logger) AuthService {
	return &authService{
		validator: validator,
		logger:    logger.Named("auth"),
	}
}

var _ AuthService = (*authService)(nil)

func (s *authService) ValidateRequest(r *http.Request) (*Claims, string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		s.logger.Debug("No bearer token in request",
			zap.String("path", r.URL.Path),
			zap.String("method", r.Method))
		return nil, "", ErrMissingAuthorization
	}

	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		s.logger.Debug("Invalid Authorization header format",
			zap.String("path", r.URL.Path))
		return nil, "", ErrInvalidAuthFormat
	}

	claims, err := s.validator.ValidateToken(token)
	if err != nil {
		s.logger.Debug("JWT validation failed",
			zap.Error(err),
			zap.String("path", r.URL.Path))
		return nil, "", err
	}
	return claims, token, nil
}

func (s *authService) RequireProjectID(claims *Claims) error {
	if claims == nil || claims.ProjectID == "" {
		return ErrMissingProjectID
	}
	return nil
}

func (s *authService) ValidateProjectIDMatch(claims *Claims, urlProjectID string) error {
	if urlProjectID != "" && !strings.EqualFold(claims.ProjectID, urlProjectID) {
		s.logger.Warn("Project ID mismatch",
			zap.String("url_project_id", urlProjectID),
			zap.String("token_project_id", claims.ProjectID))
		return ErrProjectIDMismatch
	}
	return nil
}
