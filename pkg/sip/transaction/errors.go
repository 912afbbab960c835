package transaction

import "errors"

var (
	// ErrInvalidRequest is returned for requests that cannot start a transaction
	ErrInvalidRequest = errors.New("invalid request")

	// ErrNoBranch is returned when the top Via carries no branch parameter
	ErrNoBranch = errors.New("no branch in top via")

	// ErrInvalidState is returned when operation is invalid for current state
	ErrInvalidState = errors.New("invalid state for operation")

	// ErrNotFound is returned when no live transaction matches the key
	ErrNotFound = errors.New("transaction not found")

	// ErrTransactionExists is returned when transaction already exists
	ErrTransactionExists = errors.New("transaction already exists")

	// ErrTimeout is recorded when a transaction times out
	ErrTimeout = errors.New("transaction timeout")

	// ErrTerminated is returned when operation is attempted on terminated transaction
	ErrTerminated = errors.New("transaction terminated")

	// ErrTransportFailure wraps transport send errors
	ErrTransportFailure = errors.New("transport failure")

	// ErrUnexpectedMessage is recorded for a message the current state does not accept
	ErrUnexpectedMessage = errors.New("unexpected message for state")
)
