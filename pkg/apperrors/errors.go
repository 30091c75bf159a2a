package apperrors

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidRequest     = errors.New("invalid request")
	ErrQueryTooComplex    = errors.New("query too complex")
	ErrExecution          = errors.New("query execution failed")
	ErrExecutorMissing    = errors.New("no query executor configured")
	ErrRefreshUnsupported = errors.New("registry does not support refresh")
)

// QueryTooComplexError is returned when a request's complexity score exceeds the
// configured threshold. It is rejected before planning.
type QueryTooComplexError struct {
	Score     int
	Threshold int
}

func (e *QueryTooComplexError) Error() string {
	return fmt.Sprintf("query complexity %d exceeds threshold %d", e.Score, e.Threshold)
}

func (e *QueryTooComplexError) Is(target error) bool {
	return target == ErrQueryTooComplex
}

// Execution failure kinds.
const (
	ExecutionKindTimeout      = "timeout"
	ExecutionKindConnectivity = "connectivity"
	ExecutionKindExecution    = "execution"
)

// ExecutionError wraps a failure raised by the external query executor.
// It is distinct from validation failures, which never surface as Go errors.
type ExecutionError struct {
	Kind string
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

func (e *ExecutionError) Is(target error) bool {
	return target == ErrExecution
}
