package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the routing core.
var (
	ErrAgentUnavailable = fmt.Errorf("agent unavailable")
	ErrAgentExecution   = fmt.Errorf("agent execution failed")
	ErrNoSupervisor     = fmt.Errorf("no available supervisor")
	ErrSessionNotFound  = fmt.Errorf("session not found")
	ErrStoreUnavailable = fmt.Errorf("backing store unavailable")
	ErrInvalidInput     = fmt.Errorf("invalid input")
	ErrRateLimit        = fmt.Errorf("rate limit exceeded")
)

// DomainError wraps a sentinel error with operation context.
type DomainError struct {
	Op     string // operation name (e.g., "Registry.Execute")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ErrorCode is a machine-parseable error category for monitoring.
type ErrorCode string

const (
	CodeUnknown          ErrorCode = "UNKNOWN"
	CodeAgentUnavailable ErrorCode = "AGENT_UNAVAILABLE"
	CodeAgentExecution   ErrorCode = "AGENT_EXECUTION_FAILED"
	CodeNoSupervisor     ErrorCode = "NO_AVAILABLE_SUPERVISOR"
	CodeSessionNotFound  ErrorCode = "SESSION_NOT_FOUND"
	CodeStoreUnavailable ErrorCode = "BACKING_STORE_UNAVAILABLE"
	CodeInvalidInput     ErrorCode = "INVALID_INPUT"
	CodeRateLimit        ErrorCode = "RATE_LIMIT"
)

var errorCodeMap = map[error]ErrorCode{
	ErrAgentUnavailable: CodeAgentUnavailable,
	ErrAgentExecution:   CodeAgentExecution,
	ErrNoSupervisor:     CodeNoSupervisor,
	ErrSessionNotFound:  CodeSessionNotFound,
	ErrStoreUnavailable: CodeStoreUnavailable,
	ErrInvalidInput:     CodeInvalidInput,
	ErrRateLimit:        CodeRateLimit,
}

// ErrorCodeOf returns the machine-parseable code for err, walking the error
// chain with errors.Is. Returns CodeUnknown if no sentinel matches.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeUnknown
}
