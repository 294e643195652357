package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unique error code
type ErrorCode int

// Common error codes
const (
	ErrNotFound ErrorCode = iota + 1000
	ErrValidation
	ErrPermission
	ErrStateConflict
	ErrUnauthorized
	ErrInternal
	ErrRateLimited
	ErrTimeout
)

// ConflictReason tells the caller which user action a StateConflict requires.
type ConflictReason string

const (
	ConflictRecordClosed ConflictReason = "record_closed"
	ConflictStaleToken   ConflictReason = "stale_token"
	ConflictDraftExists  ConflictReason = "draft_exists"
	ConflictNotDraft     ConflictReason = "not_draft"
)

const (
	MsgRecordClosed = "record is closed and does not accept new edits"
	MsgStaleToken   = "your view was out of date and has been refreshed; please reapply your change"
	MsgDraftExists  = "a draft is already open for this record"
	MsgNotDraft     = "chart is not a draft and cannot be modified"
)

// AppError represents an application error
type AppError struct {
	Code     ErrorCode      `json:"code"`
	Message  string         `json:"message"`
	Conflict ConflictReason `json:"conflict,omitempty"`
	Err      error          `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// StatusCode maps the error code to an HTTP status.
func (e *AppError) StatusCode() int {
	switch e.Code {
	case ErrNotFound:
		return http.StatusNotFound
	case ErrValidation:
		return http.StatusBadRequest
	case ErrPermission:
		return http.StatusForbidden
	case ErrStateConflict:
		return http.StatusConflict
	case ErrUnauthorized:
		return http.StatusUnauthorized
	case ErrRateLimited:
		return http.StatusTooManyRequests
	case ErrTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Error constructors
func NotFound(resource string, err error) *AppError {
	return &AppError{
		Code:    ErrNotFound,
		Message: fmt.Sprintf("%s not found", resource),
		Err:     err,
	}
}

func Validation(message string, err error) *AppError {
	return &AppError{
		Code:    ErrValidation,
		Message: message,
		Err:     err,
	}
}

func Permission(action string) *AppError {
	return &AppError{
		Code:    ErrPermission,
		Message: fmt.Sprintf("not permitted to %s", action),
	}
}

func StateConflict(reason ConflictReason, err error) *AppError {
	return &AppError{
		Code:     ErrStateConflict,
		Message:  conflictMessage(reason),
		Conflict: reason,
		Err:      err,
	}
}

func Unauthorized(err error) *AppError {
	return &AppError{
		Code:    ErrUnauthorized,
		Message: "unauthorized",
		Err:     err,
	}
}

func Internal(err error) *AppError {
	return &AppError{
		Code:    ErrInternal,
		Message: "internal server error",
		Err:     err,
	}
}

func RateLimited(err error) *AppError {
	return &AppError{
		Code:    ErrRateLimited,
		Message: "rate limit exceeded",
		Err:     err,
	}
}

func Timeout(err error) *AppError {
	return &AppError{
		Code:    ErrTimeout,
		Message: "request timeout",
		Err:     err,
	}
}

func conflictMessage(reason ConflictReason) string {
	switch reason {
	case ConflictRecordClosed:
		return MsgRecordClosed
	case ConflictStaleToken:
		return MsgStaleToken
	case ConflictDraftExists:
		return MsgDraftExists
	case ConflictNotDraft:
		return MsgNotDraft
	default:
		return "state conflict"
	}
}

// As returns the first AppError in err's chain.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

func hasCode(err error, code ErrorCode) bool {
	appErr, ok := As(err)
	return ok && appErr.Code == code
}

func IsNotFound(err error) bool      { return hasCode(err, ErrNotFound) }
func IsValidation(err error) bool    { return hasCode(err, ErrValidation) }
func IsPermission(err error) bool    { return hasCode(err, ErrPermission) }
func IsStateConflict(err error) bool { return hasCode(err, ErrStateConflict) }

// ConflictOf returns the conflict reason carried by err, or "" if err is not a
// StateConflict.
func ConflictOf(err error) ConflictReason {
	appErr, ok := As(err)
	if !ok || appErr.Code != ErrStateConflict {
		return ""
	}
	return appErr.Conflict
}
