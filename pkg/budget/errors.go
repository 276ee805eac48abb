package budget

import (
	"errors"
	"strings"
)

var (
	// ErrValidation is matched by every *ValidationError
	ErrValidation = errors.New("invalid limits")

	// ErrTenantNotFound is returned by storage when a tenant has no stored limits
	ErrTenantNotFound = errors.New("tenant not found")

	// ErrStorageUnavailable is returned when storage is unavailable (transient; caller may retry)
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrConcurrencyConflict is returned when an optimistic usage update lost a race (caller must retry)
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrInvalidAmount is returned for negative costs
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidTenant is returned for an empty tenant ID
	ErrInvalidTenant = errors.New("invalid tenant")

	// ErrInvalidAction is returned for an unknown action kind
	ErrInvalidAction = errors.New("invalid action")

	// ErrConcurrencyCapReached is returned when all auto-loop slots of a tenant are taken
	ErrConcurrencyCapReached = errors.New("auto-loop concurrency cap reached")
)

// FieldError describes one rejected Limits field
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError is returned by SetLimits when the limits are rejected
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return ErrValidation.Error() + ": " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func (e *ValidationError) add(field, msg string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: msg})
}

// StorageError marks a backend failure as transient.
// errors.Is(err, ErrStorageUnavailable) holds for every StorageError.
type StorageError struct {
	Op  string
	Err error
}

// NewStorageError wraps err as a transient failure of op
func NewStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

func (e *StorageError) Error() string {
	return "failed to " + e.Op + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() []error {
	return []error{ErrStorageUnavailable, e.Err}
}

// IsTransient reports whether the caller may retry the operation that returned err
func IsTransient(err error) bool {
	return errors.Is(err, ErrStorageUnavailable) ||
		errors.Is(err, ErrConcurrencyConflict) ||
		errors.Is(err, ErrCircuitOpen)
}
