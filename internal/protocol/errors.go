package protocol

import "fmt"

// ErrorCode identifies a structured protocol failure kind.
type ErrorCode string

const (
	CodeMessageInvalid      ErrorCode = "message_invalid"
	CodeAudioFormatInvalid  ErrorCode = "audio_format_invalid"
	CodeSessionInvalid      ErrorCode = "session_invalid"
	CodeSessionNotFound     ErrorCode = "session_not_found"
	CodeSessionExpired      ErrorCode = "session_expired"
	CodeRateLimitExceeded   ErrorCode = "rate_limit_exceeded"
	CodeToolExecutionFailed ErrorCode = "tool_execution_failed"
	CodeConnectionFailed    ErrorCode = "connection_failed"
	CodeDuplicateSession    ErrorCode = "duplicate_session"
)

// Error is the structured rejection sent back to the message originator.
// Validation and rate-limit failures are recovered locally: the error is
// written to the socket and the session continues.
type Error struct {
	Code          ErrorCode `json:"code"`
	Message       string    `json:"message"`
	RetryAfterSec int       `json:"retry_after_sec,omitempty"`
}

func (e *Error) Error() string {
	if e.RetryAfterSec > 0 {
		return fmt.Sprintf("%s: %s (retry after %ds)", e.Code, e.Message, e.RetryAfterSec)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}
