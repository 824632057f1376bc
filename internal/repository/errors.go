package repository

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrSeatsUnavailable = errors.New("no seats left")
	ErrFull             = errors.New("all seats already free")

	// ErrRetryable wraps serialization failures and deadlocks.
	ErrRetryable = errors.New("transaction should be retried")

	// ErrCommitUnknown means COMMIT got no answer from the server; the
	// transaction may or may not have been applied.
	ErrCommitUnknown = errors.New("commit outcome unknown")
)
