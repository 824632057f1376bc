package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/kirinyoku/railgo/internal/domain"
	"github.com/kirinyoku/railgo/internal/repository"
	postgresrepo "github.com/kirinyoku/railgo/internal/repository/postgres"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// BookingReader is implemented by *postgresrepo.BookingRepo.
type BookingReader interface {
	Get(ctx context.Context, db postgresrepo.DB, id uuid.UUID, userID int64) (*domain.Booking, error)
	ListByUser(ctx context.Context, db postgresrepo.DB, userID int64, limit, offset int) ([]domain.Booking, error)
}

type Service struct {
	bookings BookingReader
}

func New(bookings BookingReader) *Service {
	return &Service{bookings: bookings}
}

// GetBooking retrieves a booking that belongs to the user.
//
// Parameters:
//   - ctx: request-scoped context.
//   - userID: ID of the requesting user.
//   - bookingID: ID of the booking to retrieve.
//
// Returns:
//   - *domain.Booking: the booking, or nil if not found.
//   - error: orders.ErrBookingNotFound if the booking does not exist or
//     belongs to someone else.
func (s *Service) GetBooking(ctx context.Context, userID int64, bookingID uuid.UUID) (*domain.Booking, error) {
	const op = "service.orders.GetBooking"

	b, err := s.bookings.Get(ctx, nil, bookingID, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", op, ErrBookingNotFound)
		}

		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return b, nil
}

// ListBookings returns the user's bookings, newest first.
func (s *Service) ListBookings(ctx context.Context, userID int64, limit, offset int) ([]domain.Booking, error) {
	const op = "service.orders.ListBookings"

	if limit <= 0 {
		limit = defaultPageLimit
	}

	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	if offset < 0 {
		offset = 0
	}

	out, err := s.bookings.ListByUser(ctx, nil, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return out, nil
}
