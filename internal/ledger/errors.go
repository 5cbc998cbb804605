package ledger

import "errors"

var (
	ErrInvalidIdentifier = errors.New("invalid identifier")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrBelowMinimum      = errors.New("amount below minimum top-up")
	ErrAboveMaximum      = errors.New("amount above maximum top-up")
	ErrPersistence       = errors.New("ledger persistence failure")
	ErrNotLoaded         = errors.New("ledger not loaded")
	ErrClosed            = errors.New("ledger closed")
)

// Machine-checkable reason codes returned to callers of mutation requests.
const (
	ReasonInvalidIdentifier  = "invalid_identifier"
	ReasonInvalidAmount      = "invalid_amount"
	ReasonBelowMinimum       = "below_minimum"
	ReasonAboveMaximum       = "above_maximum"
	ReasonPersistenceFailure = "persistence_failure"
	ReasonUnavailable        = "ledger_unavailable"
	ReasonInternal           = "internal_error"
)

// Reason maps an error returned by the ledger to its reason code.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidIdentifier):
		return ReasonInvalidIdentifier
	case errors.Is(err, ErrInvalidAmount):
		return ReasonInvalidAmount
	case errors.Is(err, ErrBelowMinimum):
		return ReasonBelowMinimum
	case errors.Is(err, ErrAboveMaximum):
		return ReasonAboveMaximum
	case errors.Is(err, ErrPersistence):
		return ReasonPersistenceFailure
	case errors.Is(err, ErrNotLoaded), errors.Is(err, ErrClosed):
		return ReasonUnavailable
	default:
		return ReasonInternal
	}
}

// IsValidation reports whether err rejects the request without touching state.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidIdentifier) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrBelowMinimum) ||
		errors.Is(err, ErrAboveMaximum)
}
