package apperrors

import "fmt"

// AppError represents an application-level error with a code and optional cause
type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// New creates a new AppError
func New(code, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// Is reports whether err carries the given application error code.
func Is(err error, code string) bool {
	for err != nil {
		if appErr, ok := err.(*AppError); ok && appErr.Code == code {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Error codes
const (
	ErrCodeStepTimeout         = "STEP_TIMEOUT"
	ErrCodeStepFailed          = "STEP_FAILED"
	ErrCodeStorageUnavailable  = "STORAGE_UNAVAILABLE"
	ErrCodeUnknownConfirmation = "CONFIRMATION_UNKNOWN"
	ErrCodeConfirmationPending = "CONFIRMATION_PENDING"
	ErrCodeInvalidTransition   = "INVALID_TRANSITION"
	ErrCodeBusUnavailable      = "BUS_UNAVAILABLE"
	ErrCodeSessionNotFound     = "SESSION_NOT_FOUND"
	ErrCodeInvalidInput        = "INVALID_INPUT"
	ErrCodeJobSubmit           = "JOB_SUBMIT_FAILED"
	ErrCodeCapabilityUnknown   = "CAPABILITY_UNKNOWN"
)
