package api

import "time"

// Response is the standard envelope returned by every endpoint.
// Exactly one of Data or Error is set.
type Response struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *ErrorBody `json:"error,omitempty"`
	Meta    Meta       `json:"meta"`
}

type Meta struct {
	Timestamp time.Time `json:"timestamp"`
}

// ErrorBody is the client-facing error shape. Details carries
// field-level validation messages when present.
type ErrorBody struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// OK wraps data in a success envelope.
func OK(data any) Response {
	return Response{
		Success: true,
		Data:    data,
		Meta:    Meta{Timestamp: time.Now().UTC()},
	}
}

// Fail wraps an error body in a failure envelope.
func Fail(code, message string, details map[string]string) Response {
	return Response{
		Success: false,
		Error: &ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
		Meta: Meta{Timestamp: time.Now().UTC()},
	}
}

// SessionAccepted is the payload for a committed session submission.
type SessionAccepted struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// KeyIssued is returned exactly once per generated key; the raw key
// is never retrievable through a list endpoint afterwards.
type KeyIssued struct {
	APIKey    string `json:"api_key"`
	KeyPrefix string `json:"key_prefix"`
}

// KeySummary is the safe-to-display view of an API key.
type KeySummary struct {
	KeyPrefix  string     `json:"key_prefix"`
	IsActive   bool       `json:"is_active"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}
