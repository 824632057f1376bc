package ledger

import (
	"errors"
	"fmt"
)

var (
	ErrSoldOut         = errors.New("no seats available")
	ErrUnknownTrain    = errors.New("train is not registered")
	ErrAlreadyExists   = errors.New("train is already registered")
	ErrInvalidCapacity = errors.New("total seats must be positive")
	ErrOverflow        = errors.New("release would exceed total seats")

	// ErrTransient marks failures to enter a train's exclusive region
	// (caller cancelled or lock wait timed out). Safe to retry.
	ErrTransient = errors.New("seat ledger busy")
)

// InvalidCountError is returned by Restore when the persisted counter does not
// fit into [0, total].
type InvalidCountError struct {
	Available int
	Total     int
}

func (e InvalidCountError) Error() string {
	return fmt.Sprintf("available seats %d out of range [0, %d]", e.Available, e.Total)
}
