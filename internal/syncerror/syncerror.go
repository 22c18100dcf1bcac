package syncerror

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

type ErrorCode string

const (
	ErrStorage            ErrorCode = "STORAGE"
	ErrRetryableTransport ErrorCode = "RETRYABLE_TRANSPORT"
	ErrTerminalTransport  ErrorCode = "TERMINAL_TRANSPORT"
	ErrConflictOfInterest ErrorCode = "CONFLICT_OF_INTEREST"
	ErrAlreadyClaimed     ErrorCode = "ALREADY_CLAIMED"
	ErrNotOwner           ErrorCode = "NOT_OWNER"
	ErrInvalidTransition  ErrorCode = "INVALID_TRANSITION"
	ErrNotFound           ErrorCode = "NOT_FOUND"
	ErrInvalidInput       ErrorCode = "INVALID_INPUT"
)

type SyncError struct {
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func (e SyncError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func New(code ErrorCode, message string, details interface{}) SyncError {
	if details != nil {
		logrus.Error(details)
	}
	return SyncError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// CodeOf extracts the error code from an error, or empty string if it is not
// a SyncError.
func CodeOf(err error) ErrorCode {
	var se SyncError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

func Is(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// IsRetryable reports whether the processor should keep the entry pending and
// schedule another delivery attempt for this error.
func IsRetryable(err error) bool {
	return Is(err, ErrRetryableTransport)
}

// IsTerminal reports whether further delivery attempts cannot change the
// outcome.
func IsTerminal(err error) bool {
	return Is(err, ErrTerminalTransport)
}
