// Package errors provides the error catalogue for brwmon.
//
// This file provides:
// - Sentinel errors for all error conditions
// - Error category checking functions
// - Error wrapping utilities
// - A collector for validation errors

package errors

import (
	"errors"
	"fmt"
)

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// Wire protocol errors
	ErrProtocolOverflow = errors.New("protocol overflow")
	ErrProtocolParse    = errors.New("protocol parse error")
	ErrUnsupported      = errors.New("unsupported protocol version")

	// Identity errors
	ErrIdentityNotFound = errors.New("identity not found")

	// Store errors
	ErrStoreConflict     = errors.New("store conflict (duplicate key)")
	ErrStoreConnectivity = errors.New("store connectivity failure")
	ErrSessionClosed     = errors.New("store session is closed")

	// Source errors
	ErrNotAvailable = errors.New("counter not available")

	// Validation errors
	ErrInvalidName      = errors.New("invalid name")
	ErrInvalidHistogram = errors.New("invalid histogram")
	ErrInvalidKind      = errors.New("invalid counter kind")
	ErrInvalidConfig    = errors.New("invalid configuration")
	ErrMissingField     = errors.New("missing required field")

	// Transport errors
	ErrTimeout          = errors.New("timeout")
	ErrConnectionFailed = errors.New("connection failed")
	ErrClosed           = errors.New("closed")
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// New is a convenience wrapper for errors.New
var New = errors.New

// IsProtocolError returns true if err concerns the wire format.
func IsProtocolError(err error) bool {
	return errors.Is(err, ErrProtocolOverflow) ||
		errors.Is(err, ErrProtocolParse) ||
		errors.Is(err, ErrUnsupported)
}

// IsValidation returns true if err is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidName) ||
		errors.Is(err, ErrInvalidHistogram) ||
		errors.Is(err, ErrInvalidKind) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingField)
}

// IsBenign returns true if the error means the work was already done.
// A duplicate-key conflict is reported when a retried or delayed insert
// meets its own earlier row.
func IsBenign(err error) bool {
	return errors.Is(err, ErrStoreConflict)
}

// IsRetriable returns true if the error is potentially retriable after
// reconnecting.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrStoreConnectivity) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionFailed)
}

// ============================================================================
// Error wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// ============================================================================
// Error constructors with context
// ============================================================================

// NewNotFound creates an identity-not-found error with context.
func NewNotFound(category, name string) error {
	return fmt.Errorf("%s '%s': %w", category, name, ErrIdentityNotFound)
}

// NewOverflow creates an overflow error naming the field that did not fit.
func NewOverflow(field string, length, limit int) error {
	return fmt.Errorf("%s: %d bytes exceeds limit %d: %w", field, length, limit, ErrProtocolOverflow)
}

// NewValidation creates a validation error with context.
func NewValidation(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrInvalidConfig)
}

// NewMissingField creates a missing field error.
func NewMissingField(field string) error {
	return fmt.Errorf("%s: %w", field, ErrMissingField)
}

// NewInvalidValue creates an invalid value error.
func NewInvalidValue(field string, value interface{}, reason string) error {
	return fmt.Errorf("invalid %s '%v': %s: %w", field, value, reason, ErrInvalidConfig)
}

// ============================================================================
// Validation Errors Collection
// ============================================================================

// ValidationErrors collects multiple validation errors.
type ValidationErrors struct {
	Errors []error
}

// NewValidationErrors creates a new ValidationErrors collector.
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{}
}

// Add adds an error to the collection.
func (v *ValidationErrors) Add(err error) {
	if err != nil {
		v.Errors = append(v.Errors, err)
	}
}

// AddField adds a field validation error.
func (v *ValidationErrors) AddField(field, reason string) {
	v.Errors = append(v.Errors, NewValidation(field, reason))
}

// AddMissing adds a missing field error.
func (v *ValidationErrors) AddMissing(field string) {
	v.Errors = append(v.Errors, NewMissingField(field))
}

// HasErrors returns true if there are any errors.
func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

// Error implements the error interface.
func (v *ValidationErrors) Error() string {
	if len(v.Errors) == 0 {
		return ""
	}
	if len(v.Errors) == 1 {
		return v.Errors[0].Error()
	}

	msg := fmt.Sprintf("validation failed with %d errors:", len(v.Errors))
	for _, err := range v.Errors {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Err returns nil if no errors, otherwise returns the ValidationErrors.
func (v *ValidationErrors) Err() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v
}

// Unwrap returns the collected errors for errors.Is/As support.
func (v *ValidationErrors) Unwrap() []error {
	return v.Errors
}
