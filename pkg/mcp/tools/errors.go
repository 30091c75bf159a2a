package tools

import (
	"encoding/json"
	"errors"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ekaya-inc/ekaya-crossquery/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-crossquery/pkg/logging"
)

// ErrorResponse is a structured error returned as a tool result so that the
// calling agent can read and act on it.
type ErrorResponse struct {
	Error   bool   `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// NewErrorResult creates a tool result containing a structured error.
// Use it for errors the caller can fix (bad query, unknown entity). System
// failures are returned as Go errors instead.
func NewErrorResult(code, message string) *mcp.CallToolResult {
	return NewErrorResultWithDetails(code, message, nil)
}

// NewErrorResultWithDetails creates an error result with additional context.
func NewErrorResultWithDetails(code, message string, details any) *mcp.CallToolResult {
	jsonBytes, _ := json.Marshal(ErrorResponse{
		Error:   true,
		Code:    code,
		Message: message,
		Details: details,
	})
	result := mcp.NewToolResultText(string(jsonBytes))
	result.IsError = true
	return result
}

// serviceErrorResult maps a query service error onto a tool error result.
// It returns nil for errors that are not the caller's to fix.
func serviceErrorResult(err error) *mcp.CallToolResult {
	var tooComplex *apperrors.QueryTooComplexError
	if errors.As(err, &tooComplex) {
		return NewErrorResultWithDetails("query_too_complex", tooComplex.Error(), map[string]int{
			"score":     tooComplex.Score,
			"threshold": tooComplex.Threshold,
		})
	}

	var execErr *apperrors.ExecutionError
	if errors.As(err, &execErr) {
		return NewErrorResult(executionErrorCode(execErr.Kind), logging.SanitizeError(execErr))
	}

	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		return NewErrorResult("entity_not_found", err.Error())
	case errors.Is(err, apperrors.ErrExecutorMissing):
		return NewErrorResult("not_implemented", "query execution is not available on this server")
	case errors.Is(err, apperrors.ErrRefreshUnsupported):
		return NewErrorResult("refresh_unsupported", "entity metadata is static and cannot be refreshed")
	}
	return nil
}

func executionErrorCode(kind string) string {
	switch kind {
	case apperrors.ExecutionKindTimeout:
		return "query_timeout"
	case apperrors.ExecutionKindConnectivity:
		return "datasource_unavailable"
	default:
		return "execution_failed"
	}
}
