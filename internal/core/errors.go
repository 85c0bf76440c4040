package core

import "errors"

// Error codes sent to the submitting client in a rejection.
const (
	ErrCodeBadRequest    = "bad_request"
	ErrCodeMatchNotFound = "match_not_found"
	ErrCodeUnauthorized  = "unauthorized"
	ErrCodeSeatTaken     = "seat_taken"
	ErrCodeStaleState    = "stale_state"
	ErrCodeInvalidAction = "invalid_action"
	ErrCodeInternal      = "internal"
)

var (
	// ErrHostStopped is returned when the host loop is no longer running.
	ErrHostStopped = errors.New("host stopped")
)

// CoreError wraps a code and human-readable message.
type CoreError struct {
	Code    string
	Message string
}

func (e *CoreError) Error() string {
	return e.Message
}

func coreError(code, msg string) *CoreError {
	return &CoreError{Code: code, Message: msg}
}
