package pkg

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorType classifies location failures
type ErrorType string

const (
	ErrPermission      ErrorType = "PERMISSION_DENIED"
	ErrServiceDisabled ErrorType = "SERVICE_DISABLED"
	ErrTimeout         ErrorType = "TIMEOUT"
	ErrNetwork         ErrorType = "NETWORK_ERROR"
	ErrAccessDenied    ErrorType = "ACCESS_DENIED"
	ErrIntegrity       ErrorType = "INTEGRITY_ERROR"
	ErrInvalidPosition ErrorType = "INVALID_POSITION"
	ErrUnknown         ErrorType = "UNKNOWN_ERROR"
)

// AllErrorTypes lists every error type in reporting order
var AllErrorTypes = []ErrorType{
	ErrPermission,
	ErrServiceDisabled,
	ErrTimeout,
	ErrNetwork,
	ErrAccessDenied,
	ErrIntegrity,
	ErrInvalidPosition,
	ErrUnknown,
}

// LocationError is the single error shape returned by the location pipeline
type LocationError struct {
	Type      ErrorType `json:"type"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
}

// NewError creates a LocationError; retryability follows the type
func NewError(t ErrorType, message string, cause error) *LocationError {
	return &LocationError{
		Type:      t,
		Message:   message,
		Retryable: t == ErrTimeout || t == ErrNetwork || t == ErrUnknown,
		Cause:     cause,
	}
}

func (e *LocationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *LocationError) Unwrap() error {
	return e.Cause
}

// Is matches any LocationError of the same type
func (e *LocationError) Is(target error) bool {
	var t *LocationError
	if errors.As(target, &t) {
		return t.Type == e.Type
	}
	return false
}

// Sentinels for errors.Is comparisons
var (
	ErrPermissionDenied   = &LocationError{Type: ErrPermission}
	ErrServiceUnavailable = &LocationError{Type: ErrServiceDisabled}
	ErrTimedOut           = &LocationError{Type: ErrTimeout}
	ErrNetworkFailure     = &LocationError{Type: ErrNetwork}
	ErrAccessForbidden    = &LocationError{Type: ErrAccessDenied}
	ErrIntegrityFailure   = &LocationError{Type: ErrIntegrity}
	ErrInvalidCoordinates = &LocationError{Type: ErrInvalidPosition}
	ErrUnknownFailure     = &LocationError{Type: ErrUnknown}
)

// Classify maps an arbitrary error onto the taxonomy
func Classify(err error) *LocationError {
	if err == nil {
		return nil
	}

	var le *LocationError
	if errors.As(err, &le) {
		return le
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(ErrTimeout, "position request timed out", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return NewError(ErrTimeout, "position request timed out", err)
		}
		return NewError(ErrNetwork, "network failure while resolving position", err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission"):
		return NewError(ErrPermission, "location permission denied", err)
	case strings.Contains(msg, "request_denied"), strings.Contains(msg, "disabled"), strings.Contains(msg, "over_query_limit"):
		return NewError(ErrServiceDisabled, "location service unavailable", err)
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline"):
		return NewError(ErrTimeout, "position request timed out", err)
	case strings.Contains(msg, "connection"), strings.Contains(msg, "network"), strings.Contains(msg, "unavailable"):
		return NewError(ErrNetwork, "network failure while resolving position", err)
	}

	return NewError(ErrUnknown, "position request failed", err)
}

// TypeOf returns the error type of err, or ErrUnknown
func TypeOf(err error) ErrorType {
	if err == nil {
		return ""
	}
	return Classify(err).Type
}

// IsRetryable reports whether a retry could succeed
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return Classify(err).Retryable
}
