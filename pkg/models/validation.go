package models

// Validation error codes.
const (
	ErrCodeUnknownEntity     = "UNKNOWN_ENTITY"
	ErrCodeDuplicateAlias    = "DUPLICATE_ALIAS"
	ErrCodeMaxJoinsExceeded  = "MAX_JOINS_EXCEEDED"
	ErrCodeInvalidJoin       = "INVALID_JOIN"
	ErrCodeJoinNotAllowed    = "JOIN_NOT_ALLOWED"
	ErrCodeMaxDepthExceeded  = "MAX_DEPTH_EXCEEDED"
	ErrCodeSyntaxError       = "SYNTAX_ERROR"
	ErrCodeInvalidAlias      = "INVALID_ALIAS"
	ErrCodeUnknownField      = "UNKNOWN_FIELD"
	ErrCodeMaxFieldsExceeded = "MAX_FIELDS_EXCEEDED"
	ErrCodeMaxLimitExceeded  = "MAX_LIMIT_EXCEEDED"
	ErrCodeQueryTooComplex   = "QUERY_TOO_COMPLEX"
)

// Warning codes.
const (
	WarnCodePossibleInjection     = "POSSIBLE_INJECTION"
	WarnCodeLargeOffset           = "LARGE_OFFSET"
	WarnCodeJoinConditionMismatch = "JOIN_CONDITION_MISMATCH"
)

// ValidationError is one problem found in a request. Path locates the offending
// element, e.g. "joins[2].on" or "select[0]".
type ValidationError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`
}

// ValidationWarning is advisory and never makes a request invalid.
type ValidationWarning struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`
}

// ValidationResult is the outcome of planning a request. NormalizedQuery is set
// only when Valid is true.
type ValidationResult struct {
	Valid           bool                `json:"valid"`
	Errors          []ValidationError   `json:"errors"`
	Warnings        []ValidationWarning `json:"warnings"`
	NormalizedQuery *QueryRequest       `json:"normalizedQuery,omitempty"`
}

// ErrorCodes returns the distinct error codes in the order first seen.
func (r *ValidationResult) ErrorCodes() []string {
	seen := make(map[string]bool, len(r.Errors))
	codes := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		if !seen[e.Code] {
			seen[e.Code] = true
			codes = append(codes, e.Code)
		}
	}
	return codes
}

// HasCode reports whether any error carries the given code.
func (r *ValidationResult) HasCode(code string) bool {
	for _, e := range r.Errors {
		if e.Code == code {
			return true
		}
	}
	return false
}
