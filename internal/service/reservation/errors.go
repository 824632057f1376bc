package reservation

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrTrainNotFound    = errors.New("train not found")
	ErrNoSeatsAvailable = errors.New("no seats available")
	ErrInvalidSeat      = errors.New("seat number out of range")
	ErrBookingNotFound  = errors.New("booking not found")

	// ErrBusy is a transient failure; the request may be retried.
	ErrBusy = errors.New("train is busy, retry later")
)

type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e RateLimitedError) Error() string {
	return fmt.Sprintf("too many bookings, retry in %s", e.RetryAfter)
}
