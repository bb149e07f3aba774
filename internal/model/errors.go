package model

import (
	"errors"
	"fmt"
)

// Error kinds. Concrete errors wrap one of these with fmt.Errorf("%w: ...").
var (
	ErrNotFound                   = errors.New("not found")
	ErrInvalidInput               = errors.New("invalid input")
	ErrEventClosed                = errors.New("event is not open for registration")
	ErrQuotaExceeded              = errors.New("per-requester limit exceeded")
	ErrInvalidState               = errors.New("invalid state")
	ErrTableUnavailable           = errors.New("table unavailable")
	ErrCapacityExceeded           = errors.New("capacity exceeded")
	ErrMinimumOrderNotMet         = errors.New("minimum order not met")
	ErrCancellationDeadlinePassed = errors.New("cancellation deadline has passed")
	ErrTransientConflict          = errors.New("transient conflict, request may be retried")
)

// QuotaError describes a per-requester limit violation.
// Remaining is negative when it was not computed.
type QuotaError struct {
	Limit     int
	Requested int
	Remaining int
}

func (e *QuotaError) Error() string {
	if e.Remaining < 0 {
		return fmt.Sprintf("%s: requested %d, maximum %d per requester",
			ErrQuotaExceeded, e.Requested, e.Limit)
	}
	return fmt.Sprintf("%s: requested %d, %d of %d remaining",
		ErrQuotaExceeded, e.Requested, e.Remaining, e.Limit)
}

func (e *QuotaError) Unwrap() error {
	return ErrQuotaExceeded
}

// IsNotFoundError checks if the error is a not found error.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflictError checks if the error is a business-rule rejection that the
// caller cannot fix by retrying the same request.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrEventClosed) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrTableUnavailable) ||
		errors.Is(err, ErrCapacityExceeded) ||
		errors.Is(err, ErrMinimumOrderNotMet) ||
		errors.Is(err, ErrCancellationDeadlinePassed)
}

// IsTransient checks if the error signals contention the caller may retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientConflict)
}

// Code returns a stable machine-readable code for an error kind.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrInvalidInput):
		return "INVALID_INPUT"
	case errors.Is(err, ErrEventClosed):
		return "EVENT_CLOSED"
	case errors.Is(err, ErrQuotaExceeded):
		return "QUOTA_EXCEEDED"
	case errors.Is(err, ErrInvalidState):
		return "INVALID_STATE"
	case errors.Is(err, ErrTableUnavailable):
		return "TABLE_UNAVAILABLE"
	case errors.Is(err, ErrCapacityExceeded):
		return "CAPACITY_EXCEEDED"
	case errors.Is(err, ErrMinimumOrderNotMet):
		return "MINIMUM_ORDER_NOT_MET"
	case errors.Is(err, ErrCancellationDeadlinePassed):
		return "CANCELLATION_DEADLINE_PASSED"
	case errors.Is(err, ErrTransientConflict):
		return "TRANSIENT_CONFLICT"
	}
	return "INTERNAL_ERROR"
}
