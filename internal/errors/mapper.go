package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// JSON-RPC 2.0 error codes used when errors cross the wire.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// Implementation-defined server errors (-32000 to -32099).
	CodePolicyBlocked = -32001
	CodeTargetExited  = -32002
	CodeStoreFailure  = -32003
)

// ErrorMapper maps external errors to the mantora error taxonomy
type ErrorMapper interface {
	MapError(err error) error
	IsRetryable(err error) bool
	Category(err error) string
}

// DefaultErrorMapper implements the taxonomy mapping
type DefaultErrorMapper struct{}

// NewDefaultErrorMapper creates a new error mapper
func NewDefaultErrorMapper() *DefaultErrorMapper {
	return &DefaultErrorMapper{}
}

// MapError maps driver and OS errors to categories. Errors already carrying
// a category are returned unchanged.
func (m *DefaultErrorMapper) MapError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) {
		return err
	}

	if m.Category(err) != "Unknown" {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("request timeout: %w", ErrTransient)
	}

	errStr := strings.ToLower(err.Error())

	switch {
	case strings.Contains(errStr, "database is locked"),
		strings.Contains(errStr, "sqlite_busy"),
		strings.Contains(errStr, "sqlite_locked"),
		strings.Contains(errStr, "database table is locked"):
		return fmt.Errorf("store busy: %v: %w", err, ErrTransient)

	case strings.Contains(errStr, "no rows in result set"), strings.Contains(errStr, "not found"):
		return fmt.Errorf("resource not found: %v: %w", err, ErrNotFound)

	case strings.Contains(errStr, "unique constraint"), strings.Contains(errStr, "already exists"):
		return fmt.Errorf("conflict: %v: %w", err, ErrConflict)

	case strings.Contains(errStr, "broken pipe"), strings.Contains(errStr, "file already closed"):
		return fmt.Errorf("target stream closed: %v: %w", err, ErrTargetExited)

	case strings.Contains(errStr, "invalid character"), strings.Contains(errStr, "unexpected end of json"):
		return fmt.Errorf("malformed message: %v: %w", err, ErrProtocol)

	case strings.Contains(errStr, "timeout"), strings.Contains(errStr, "deadline exceeded"):
		return fmt.Errorf("request timeout: %v: %w", err, ErrTransient)

	default:
		return fmt.Errorf("%v: %w", err, ErrInternal)
	}
}

// IsRetryable determines if an error should trigger a retry. Conflicts are
// final for pending-request decisions, so only transient errors qualify.
func (m *DefaultErrorMapper) IsRetryable(err error) bool {
	return IsRetryable(m.MapError(err))
}

// Category returns the taxonomy name for an error
func (m *DefaultErrorMapper) Category(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrInvalidInput):
		return "ErrInvalidInput"
	case errors.Is(err, ErrNotFound):
		return "ErrNotFound"
	case errors.Is(err, ErrConflict):
		return "ErrConflict"
	case errors.Is(err, ErrPermissionDenied):
		return "ErrPermissionDenied"
	case errors.Is(err, ErrTransient):
		return "ErrTransient"
	case errors.Is(err, ErrProtocol):
		return "ErrProtocol"
	case errors.Is(err, ErrTargetExited):
		return "ErrTargetExited"
	case errors.Is(err, ErrStoreStuck):
		return "ErrStoreStuck"
	case errors.Is(err, ErrInternal):
		return "ErrInternal"
	default:
		return "Unknown"
	}
}

// RPCCode picks the JSON-RPC error code reported to the agent for err.
func RPCCode(err error) int {
	switch {
	case errors.Is(err, ErrProtocol):
		return CodeParseError
	case errors.Is(err, ErrInvalidInput):
		return CodeInvalidParams
	case errors.Is(err, ErrNotFound):
		return CodeMethodNotFound
	case errors.Is(err, ErrPermissionDenied):
		return CodePolicyBlocked
	case errors.Is(err, ErrTargetExited):
		return CodeTargetExited
	case errors.Is(err, ErrStoreStuck), errors.Is(err, ErrTransient):
		return CodeStoreFailure
	default:
		return CodeInternalError
	}
}

// Wrap wraps an error with context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}

	return fmt.Errorf("%s: %w", message, err)
}

// IsCategory checks if error belongs to specific category
func IsCategory(err error, category error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, category)
}

// NotFound wraps error as not found
func NotFound(message string) error {
	return fmt.Errorf("%s: %w", message, ErrNotFound)
}

// Conflict wraps error as conflict
func Conflict(message string) error {
	return fmt.Errorf("%s: %w", message, ErrConflict)
}

// PermissionDenied wraps error as permission denied
func PermissionDenied(message string) error {
	return fmt.Errorf("%s: %w", message, ErrPermissionDenied)
}

// InvalidInput wraps error as invalid input
func InvalidInput(message string) error {
	return fmt.Errorf("%s: %w", message, ErrInvalidInput)
}

// Transient wraps error as transient
func Transient(message string) error {
	return fmt.Errorf("%s: %w", message, ErrTransient)
}

// Protocol wraps error as a protocol violation
func Protocol(message string) error {
	return fmt.Errorf("%s: %w", message, ErrProtocol)
}

// Internal wraps error as internal
func Internal(message string) error {
	return fmt.Errorf("%s: %w", message, ErrInternal)
}

// IsRetryable reports whether err is transient
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrTransient)
}
