// Package errors provides sentinel errors and error utilities shared across
// the chronicle engine.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common conditions.
var (
	// Not found errors
	ErrNotFound       = errors.New("not found")
	ErrRecordNotFound = errors.New("record not found")
	ErrKeyNotFound    = errors.New("signing key not found")
	ErrPeriodNotFound = errors.New("consolidation period not found")
	ErrEntryNotFound  = errors.New("ledger entry not found")

	// Already exists errors
	ErrAlreadyExists       = errors.New("already exists")
	ErrPeriodAlreadyExists = errors.New("consolidation period already exists")

	// Validation errors
	ErrInvalidConfig   = errors.New("invalid configuration")
	ErrInvalidCategory = errors.New("invalid category")
	ErrInvalidLevel    = errors.New("invalid consolidation level")
	ErrInvalidRange    = errors.New("invalid sequence range")
	ErrMissingField    = errors.New("missing required field")
	ErrEmptyPayload    = errors.New("empty payload")

	// State errors
	ErrClosed         = errors.New("closed")
	ErrAlreadyRunning = errors.New("already running")
	ErrNotRunning     = errors.New("not running")
	ErrPeriodLocked   = errors.New("consolidation period claimed by another run")

	// Integrity errors. A hash or signature failure means the ledger
	// contents do not match what was recorded; a sequence gap means
	// entries are missing from the chain.
	ErrHashMismatch     = errors.New("entry hash mismatch")
	ErrChainBroken      = errors.New("hash chain broken")
	ErrSignatureInvalid = errors.New("signature verification failed")
	ErrSequenceGap      = errors.New("sequence gap in ledger")
	ErrCorruptSegment   = errors.New("corrupt ledger segment")
	ErrTruncatedEntry   = errors.New("truncated ledger entry")

	// Internal errors
	ErrInternal = errors.New("internal error")
	ErrDatabase = errors.New("database error")
)

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// Join is a convenience wrapper for errors.Join
var Join = errors.Join

// New is a convenience wrapper for errors.New
var New = errors.New

// IsNotFound returns true if err is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrRecordNotFound) ||
		errors.Is(err, ErrKeyNotFound) ||
		errors.Is(err, ErrPeriodNotFound) ||
		errors.Is(err, ErrEntryNotFound)
}

// IsValidation returns true if err is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrInvalidCategory) ||
		errors.Is(err, ErrInvalidLevel) ||
		errors.Is(err, ErrInvalidRange) ||
		errors.Is(err, ErrMissingField) ||
		errors.Is(err, ErrEmptyPayload)
}

// IsIntegrity returns true if err indicates tampering or loss in the
// ledger chain.
func IsIntegrity(err error) bool {
	return errors.Is(err, ErrHashMismatch) ||
		errors.Is(err, ErrChainBroken) ||
		errors.Is(err, ErrSignatureInvalid) ||
		errors.Is(err, ErrSequenceGap) ||
		errors.Is(err, ErrCorruptSegment) ||
		errors.Is(err, ErrTruncatedEntry)
}

// IsRetriable returns true if the error is potentially retriable.
// Integrity errors are never retriable.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrPeriodLocked) ||
		errors.Is(err, ErrDatabase)
}

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

// NewNotFound creates a not-found error with context.
func NewNotFound(entityType, identifier string) error {
	return fmt.Errorf("%s '%s': %w", entityType, identifier, ErrNotFound)
}

// NewValidation creates a validation error with context.
func NewValidation(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrInvalidConfig)
}

// NewMissingField creates a missing field error.
func NewMissingField(field string) error {
	return fmt.Errorf("%s: %w", field, ErrMissingField)
}

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

// Unwrap returns the first error for errors.Is/As support.
func (v *ValidationErrors) Unwrap() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v.Errors[0]
}
