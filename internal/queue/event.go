// Package queue carries booking events over AMQP.
package queue

import (
	"time"

	"github.com/google/uuid"
)

const (
	QueueBookingConfirmed = "booking.confirmed"
	QueueBookingCancelled = "booking.cancelled"
)

// Queues lists every queue the service publishes to and consumes from.
var Queues = []string{QueueBookingConfirmed, QueueBookingCancelled}

type BookingEvent struct {
	BookingID      uuid.UUID `json:"booking_id"`
	UserID         int64     `json:"user_id"`
	TrainID        int64     `json:"train_id"`
	SeatNumber     int       `json:"seat_number"`
	RemainingSeats int       `json:"remaining_seats"`
	OccurredAt     time.Time `json:"occurred_at"`
}
