package escrow

import (
	"errors"
	"fmt"
)

// Error taxonomy. Match with errors.Is; the specific business-rule and
// not-found errors also match their umbrella sentinel.
var (
	ErrValidation          = errors.New("validation error")
	ErrInvalidState        = errors.New("invalid payment state for this operation")
	ErrBusinessRule        = errors.New("business rule violation")
	ErrConcurrencyConflict = errors.New("concurrent modification, retry from a fresh read")
	ErrNotFound            = errors.New("not found")
	ErrUnauthorized        = errors.New("not authorized for this payment")
	ErrCaptureFailed       = errors.New("payment capture failed")

	ErrReleaseWindowNotReached    = fmt.Errorf("%w: release window not reached", ErrBusinessRule)
	ErrActiveDisputeBlocksRelease = fmt.Errorf("%w: active dispute blocks release", ErrBusinessRule)
	ErrDuplicateDispute           = fmt.Errorf("%w: payment already has an open dispute", ErrBusinessRule)
	ErrDisputeAfterRelease        = fmt.Errorf("%w: released payments cannot be disputed", ErrBusinessRule)

	ErrPaymentNotFound = fmt.Errorf("payment %w", ErrNotFound)
	ErrDisputeNotFound = fmt.Errorf("dispute %w", ErrNotFound)
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func badState(op string, from Status) error {
	return fmt.Errorf("%w: cannot %s a %s payment", ErrInvalidState, op, from)
}

func badDisputeState(op string, from DisputeStatus) error {
	return fmt.Errorf("%w: cannot %s a %s dispute", ErrInvalidState, op, from)
}
