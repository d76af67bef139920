package api

import "net/http"

// Error codes exposed in the envelope. Kept coarse on purpose:
// authentication failures are always generic to the client.
const (
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeValidation       = "VALIDATION_ERROR"
	CodeDuplicateSession = "DUPLICATE_SESSION"
	CodeTooFrequent      = "TOO_FREQUENT"
	CodeRateLimited      = "RATE_LIMITED"
	CodeNotFound         = "NOT_FOUND"
	CodeInternal         = "INTERNAL_ERROR"
)

// Error is the internal error carrier consumed by the error-handler
// middleware. Log is never serialized to the client.
type Error struct {
	Status  int
	Code    string
	Message string
	Details map[string]string
	Log     error
}

func (e *Error) Error() string {
	return e.Message
}

// UnauthorizedError creates a generic 401. The real reason goes to the
// audit log, never to the client.
func UnauthorizedError(msg string) *Error {
	return &Error{Status: http.StatusUnauthorized, Code: CodeUnauthorized, Message: msg}
}

// ValidationError creates a 400 with field-level details.
func ValidationError(details map[string]string) *Error {
	return &Error{
		Status:  http.StatusBadRequest,
		Code:    CodeValidation,
		Message: "One or more fields failed validation",
		Details: details,
	}
}

// BadRequestError creates a 400 with a single message.
func BadRequestError(msg string) *Error {
	return &Error{Status: http.StatusBadRequest, Code: CodeValidation, Message: msg}
}

// DuplicateSessionError reports an already-recorded session. Clients
// must treat this as terminal, not retryable.
func DuplicateSessionError() *Error {
	return &Error{
		Status:  http.StatusBadRequest,
		Code:    CodeDuplicateSession,
		Message: "Session already recorded",
	}
}

// TooFrequentError reports a submission inside the minimum interval.
func TooFrequentError(msg string) *Error {
	return &Error{Status: http.StatusBadRequest, Code: CodeTooFrequent, Message: msg}
}

// RateLimitError creates a 429. The reset hint is surfaced through the
// Retry-After header by the rate-limit middleware.
func RateLimitError(msg string) *Error {
	return &Error{Status: http.StatusTooManyRequests, Code: CodeRateLimited, Message: msg}
}

// NotFoundError creates a standard 404.
func NotFoundError(msg string) *Error {
	return &Error{Status: http.StatusNotFound, Code: CodeNotFound, Message: msg}
}

// InternalError creates a 500 and attaches the original error for
// server-side logging only.
func InternalError(msg string, err error) *Error {
	return &Error{Status: http.StatusInternalServerError, Code: CodeInternal, Message: msg, Log: err}
}
