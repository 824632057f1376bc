package httpgin

import (
	"time"

	"github.com/kirinyoku/railgo/internal/domain"
	"github.com/kirinyoku/railgo/internal/service/reservation"
)

type RegisterRequest struct {
	Username string      `json:"username" binding:"required"`
	Password string      `json:"password" binding:"required"`
	Role     domain.Role `json:"role"`
}

type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type CreateTrainRequest struct {
	Name        string `json:"name" binding:"required"`
	Source      string `json:"source" binding:"required"`
	Destination string `json:"destination" binding:"required"`
	TotalSeats  int    `json:"total_seats" binding:"required,gt=0"`
}

type BookRequest struct {
	TrainID    int64 `json:"train_id" binding:"required,gt=0"`
	SeatNumber int   `json:"seat_number" binding:"required,gt=0"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type UserResponse struct {
	ID        int64       `json:"id"`
	Username  string      `json:"username"`
	Role      domain.Role `json:"role"`
	CreatedAt time.Time   `json:"created_at"`
}

type LoginResponse struct {
	Token     string      `json:"token"`
	ExpiresAt time.Time   `json:"expires_at"`
	UserID    int64       `json:"user_id"`
	Role      domain.Role `json:"role"`
}

type BookingResponse struct {
	domain.Booking
	SeatsLeft int `json:"seats_left"`
}

func newUserResponse(u *domain.User) UserResponse {
	return UserResponse{
		ID:        u.ID,
		Username:  u.Username,
		Role:      u.Role,
		CreatedAt: u.CreatedAt,
	}
}

func newBookingResponse(r *reservation.Receipt) BookingResponse {
	return BookingResponse{Booking: r.Booking, SeatsLeft: r.SeatsLeft}
}
