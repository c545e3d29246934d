// Package apperrors defines the error kinds shared across the engine.
package apperrors

import "errors"

// Broker and execution error kinds. Callers classify with errors.Is and
// branch on kind; only ErrConfig and ErrIntegrity are allowed to escape a
// loop iteration.
var (
	ErrConfig            = errors.New("invalid configuration")
	ErrTransient         = errors.New("transient error")
	ErrTimeout           = errors.New("operation timed out")
	ErrMinAmount         = errors.New("amount below market minimum")
	ErrMinNotional       = errors.New("notional below market minimum")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidSymbol     = errors.New("invalid symbol")
	ErrOrderNotFound     = errors.New("order not found")
	ErrDuplicateOrder    = errors.New("duplicate order")
	ErrNoData            = errors.New("missing or corrupt input data")
	ErrIntegrity         = errors.New("integrity violation")
	ErrLockHeld          = errors.New("instance lock held by another process")
)

// IsRejection reports whether the broker refused the order for business
// reasons. Rejections are never retried.
func IsRejection(err error) bool {
	return errors.Is(err, ErrMinAmount) ||
		errors.Is(err, ErrMinNotional) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrInvalidSymbol)
}

// IsTransient reports whether the error is worth retrying. Timeouts on
// broker calls are treated as transient.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrTimeout)
}
