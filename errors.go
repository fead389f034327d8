package ecoshop

import (
	"errors"
	"fmt"
)

// Error codes are stable strings shared by every provider family. Callers
// branch on success/failure first and only inspect codes for the few cases
// where the distinction changes behavior (retry policy, user messaging).
const (
	CodeNotFound       = "NOT_FOUND"
	CodeNetwork        = "NETWORK_ERROR"
	CodeQuery          = "QUERY_ERROR"
	CodeUpload         = "UPLOAD_ERROR"
	CodeDownload       = "DOWNLOAD_ERROR"
	CodeStorage        = "STORAGE_ERROR"
	CodeCancelled      = "CANCELLED"
	CodeValidation     = "VALIDATION_ERROR"
	CodeInvalidConfig  = "INVALID_CONFIG"
	CodeUnauthorized   = "UNAUTHORIZED"
	CodeConflict       = "CONFLICT"
	CodeNotSupported   = "NOT_SUPPORTED"
	CodeNotInitialized = "NOT_INITIALIZED"
	CodeStock          = "INSUFFICIENT_STOCK"
	CodePromoInvalid   = "PROMO_INVALID"
	CodeUnknown        = "UNKNOWN_ERROR"
)

// Error is the only error type that crosses the provider boundary.
// Providers translate every backend SDK failure into one of these; raw SDK
// errors stay wrapped underneath for logging.
type Error struct {
	Code    string
	Message string
	Err     error
	Details map[string]interface{}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	if len(e.Details) > 0 {
		return fmt.Sprintf("%s: %s (details: %+v)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches errors by code so sentinel comparisons via errors.Is work.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// NewError creates an Error with the given code and message.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates an Error with a formatted message.
func Errorf(code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a code and message to an underlying cause.
func WrapError(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// WithDetails returns a copy of the error carrying extra context fields.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	clone := *e
	clone.Details = details
	return &clone
}

// Sentinel errors for common conditions
var (
	ErrNotFound       = NewError(CodeNotFound, "resource not found")
	ErrNetwork        = NewError(CodeNetwork, "network unreachable")
	ErrCancelled      = NewError(CodeCancelled, "operation cancelled")
	ErrNotInitialized = NewError(CodeNotInitialized, "provider not initialized")
	ErrNotSupported   = NewError(CodeNotSupported, "operation not supported by this backend")
	ErrInvalidConfig  = NewError(CodeInvalidConfig, "invalid configuration")
)

// AsError coerces any error into *Error, tagging unrecognized ones UNKNOWN.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return WrapError(CodeUnknown, "unexpected error", err)
}

// Common error checking helpers

// IsCode reports whether err carries the given code.
func IsCode(err error, code string) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

// IsNotFound checks if an error is a "not found" error
func IsNotFound(err error) bool {
	return IsCode(err, CodeNotFound)
}

// IsCancelled checks if an error came from an explicit cancellation
func IsCancelled(err error) bool {
	return IsCode(err, CodeCancelled)
}

// IsNetwork checks if an error means the backend was unreachable
func IsNetwork(err error) bool {
	return IsCode(err, CodeNetwork)
}

// IsRetryable checks if an error is safe to retry on the next sync pass
func IsRetryable(err error) bool {
	return IsCode(err, CodeNetwork) || IsCode(err, CodeConflict)
}

// IsPermanent checks if an error is permanent (not retryable)
func IsPermanent(err error) bool {
	return IsCode(err, CodeNotFound) ||
		IsCode(err, CodeUnauthorized) ||
		IsCode(err, CodeValidation) ||
		IsCode(err, CodeInvalidConfig) ||
		IsCode(err, CodeNotSupported)
}

// ErrorInfo is the error half of the wire envelope.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Response is the uniform envelope the self-hosted backend speaks on the
// wire: exactly one of Data/Error is meaningful, and Success=false never
// carries data.
type Response[T any] struct {
	Success bool       `json:"success"`
	Data    T          `json:"data,omitempty"`
	Error   *ErrorInfo `json:"error,omitempty"`
}

// OK wraps data in a successful envelope.
func OK[T any](data T) Response[T] {
	return Response[T]{Success: true, Data: data}
}

// Fail wraps an error code and message in a failed envelope.
func Fail[T any](code, message string) Response[T] {
	return Response[T]{Success: false, Error: &ErrorInfo{Code: code, Message: message}}
}

// Err converts a failed envelope into an *Error, or nil for success.
func (r Response[T]) Err() error {
	if r.Success {
		return nil
	}
	if r.Error == nil {
		return NewError(CodeUnknown, "backend reported failure without error info")
	}
	return NewError(r.Error.Code, r.Error.Message)
}
