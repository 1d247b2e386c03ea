package model

import "errors"

// Error kinds. Concrete errors wrap one of these with %w; compare with errors.Is.
var (
	// ErrInvalidArgument: bad quantity, missing ids, malformed key. Never retried.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound: market, outcome, account or record absent.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState: inactive market, unparented outcome, bad liquidity,
	// negative shares, closed position.
	ErrInvalidState = errors.New("invalid state")

	// ErrInsufficientFunds: balance lower than the requested debit.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrDuplicateOperation: an idempotency key was reused for a different intent.
	ErrDuplicateOperation = errors.New("idempotency key already used for a different operation")

	// ErrOptimisticRetryExceeded: bounded retries on version conflicts ran out.
	ErrOptimisticRetryExceeded = errors.New("optimistic concurrency retries exceeded")
)

var kinds = []struct {
	err  error
	code string
}{
	{ErrInvalidArgument, "invalid_argument"},
	{ErrNotFound, "not_found"},
	{ErrInvalidState, "invalid_state"},
	{ErrInsufficientFunds, "insufficient_funds"},
	{ErrDuplicateOperation, "duplicate_operation"},
	{ErrOptimisticRetryExceeded, "retry_exceeded"},
}

// Code returns a stable machine-readable code for err's kind, or "internal".
func Code(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.code
		}
	}
	return "internal"
}
