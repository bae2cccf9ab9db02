package rest

import (
	"fmt"
	"net/http"
)

// APIError is the generic error for 4xx/5xx responses that have no more
// specific type below.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("api error %d", e.Status)
}

// NetworkError means no response was reachable at all.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string { return "network error: " + e.Err.Error() }
func (e *NetworkError) Unwrap() error { return e.Err }

// AuthError is a 401. Raising it clears stored tokens and fires the
// process-wide chat-token-expired signal.
type AuthError struct{ APIError }

// ForbiddenError is a 403.
type ForbiddenError struct{ APIError }

// NotFoundError is a 404.
type NotFoundError struct{ APIError }

// FieldViolation is one field-level validation failure.
type FieldViolation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError is a 422 carrying field-level violations.
type ValidationError struct {
	APIError
	Violations []FieldViolation
}

// UserMutedError is a 423: the sender is temporarily muted.
type UserMutedError struct{ APIError }

// RateLimitError is a 429. Never retried automatically.
type RateLimitError struct{ APIError }

// errorBody is the JSON error shape the backend returns.
type errorBody struct {
	Message    string           `json:"message"`
	Error      string           `json:"error"`
	Code       string           `json:"code"`
	Violations []FieldViolation `json:"violations"`
}

func (b errorBody) text() string {
	if b.Message != "" {
		return b.Message
	}
	return b.Error
}

func errorFromStatus(status int, body errorBody) error {
	base := APIError{Status: status, Code: body.Code, Message: body.text()}
	switch status {
	case http.StatusUnauthorized:
		return &AuthError{base}
	case http.StatusForbidden:
		return &ForbiddenError{base}
	case http.StatusNotFound:
		return &NotFoundError{base}
	case http.StatusUnprocessableEntity:
		return &ValidationError{APIError: base, Violations: body.Violations}
	case http.StatusLocked:
		return &UserMutedError{base}
	case http.StatusTooManyRequests:
		return &RateLimitError{base}
	default:
		return &base
	}
}

// retryable reports whether the request may be re-attempted: only transport
// failures and 5xx responses qualify. Validation and rate-limit errors are
// never retried automatically.
func retryable(err error) bool {
	switch e := err.(type) {
	case *NetworkError:
		return true
	case *APIError:
		return e.Status >= 500
	default:
		return false
	}
}
