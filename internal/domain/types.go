package domain

import (
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAdmin
}

type User struct {
	ID           int64
	Username     string
	PasswordHash string
	Role         Role
	CreatedAt    time.Time
}

type Train struct {
	ID             int64     `json:"id"`
	Name           string    `json:"name"`
	Source         string    `json:"source"`
	Destination    string    `json:"destination"`
	TotalSeats     int       `json:"total_seats"`
	AvailableSeats int       `json:"available_seats"`
	CreatedAt      time.Time `json:"created_at"`
}

type TrainFilter struct {
	Source      string
	Destination string
	Limit       int
	Offset      int
}

type Availability struct {
	TrainID        int64 `json:"train_id"`
	TotalSeats     int   `json:"total_seats"`
	AvailableSeats int   `json:"available_seats"`
}

// Booking is one seat on one train. SeatNumber is advisory: the same number
// may be booked twice on a train.
type Booking struct {
	ID         uuid.UUID `json:"id"`
	UserID     int64     `json:"user_id"`
	TrainID    int64     `json:"train_id"`
	SeatNumber int       `json:"seat_number"`
	CreatedAt  time.Time `json:"created_at"`
}
