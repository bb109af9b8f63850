package domain

import (
	"errors"
	"fmt"
)

// Stable error codes surfaced to clients. State errors additionally carry
// the current booking state so clients can reconcile.
const (
	CodeInput         = "INPUT_ERROR"
	CodeNotFound      = "NOT_FOUND"
	CodeConflict      = "STATE_CONFLICT"
	CodeForbidden     = "FORBIDDEN"
	CodeUnextractable = "UNEXTRACTABLE"
	CodeBlocker       = "VERIFICATION_BLOCKER"
	CodeOverloaded    = "OVERLOADED"
	CodeInference     = "INFERENCE_FAILED"
	CodeExportPending = "EXPORT_PENDING"
	CodeExportFailed  = "EXPORT_FAILED"
	CodeAudit         = "AUDIT_INTEGRITY"
	CodeSafety        = "SAFETY_VIOLATION"
	CodeQuota         = "QUOTA_EXCEEDED"
	CodeAuth          = "AUTH_FAILED"
	CodeLocked        = "ACCOUNT_LOCKED"
	CodeUnsupported   = "UNSUPPORTED"
	CodeValidation    = "VALIDATION_ERROR"
)

// Error is a user-facing error with a stable code and a localized message.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// State carries the current booking state for state errors.
	State State `json:"state,omitempty"`
	// RetryAfterSec is set for OVERLOADED responses.
	RetryAfterSec int   `json:"retry_after_seconds,omitempty"`
	Err           error `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a coded error.
func E(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// StateErr builds a coded error carrying the current booking state.
func StateErr(code, message string, s State) *Error {
	return &Error{Code: code, Message: message, State: s}
}

// CodeOf extracts the stable code from err, or empty.
func CodeOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// IsCode reports whether err carries the given stable code.
func IsCode(err error, code string) bool { return CodeOf(err) == code }
