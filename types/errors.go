package types

import "errors"

// Missing prerequisite data. Surfaced to the queue layer as a failed job,
// eligible for its retry policy.
var (
	ErrRecordNotFound  = errors.New("transfer record not found")
	ErrWalletNotFound  = errors.New("derived wallet not found")
	ErrInvoiceNotFound = errors.New("derived wallet invoice not found")
	ErrAmountNotFound  = errors.New("amount not found")
	ErrDepositNotFound = errors.New("deposit not found")
	ErrTxNotFound      = errors.New("transaction not found")
)

// Invariant violations. Never retried; requires operator intervention.
var (
	ErrUnknownStatus = errors.New("unknown transfer status")
	ErrUnknownTicker = errors.New("unknown ticker")
	ErrUnknownCoin   = errors.New("unknown coin")
)

// ErrStaleRecord means an optimistic version check failed during save.
var ErrStaleRecord = errors.New("transfer record version conflict")

// FatalError marks an error the job queue must not retry.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return e.Err.Error() }

func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err as non-retryable.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// IsFatal reports whether err carries the non-retryable marker.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
