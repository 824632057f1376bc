package postgresrepo

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kirinyoku/railgo/internal/domain"
)

type BookingRepo struct {
	pool *pgxpool.Pool
}

// Get returns a booking owned by userID.
//
// Returns:
//   - error: repository.ErrNotFound if there is no such booking for the user.
func (r *BookingRepo) Get(
	ctx context.Context,
	db DB,
	id uuid.UUID,
	userID int64,
) (*domain.Booking, error) {
	const op = "postgresrepo.BookingRepo.Get"

	var b domain.Booking
	err := handle(r.pool, db).QueryRow(ctx,
		`SELECT id, user_id, train_id, seat_number, created_at
		 FROM bookings WHERE id = $1 AND user_id = $2`,
		id, userID,
	).Scan(&b.ID, &b.UserID, &b.TrainID, &b.SeatNumber, &b.CreatedAt)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	return &b, nil
}

// ListByUser returns the user's bookings, newest first.
func (r *BookingRepo) ListByUser(
	ctx context.Context,
	db DB,
	userID int64,
	limit, offset int,
) ([]domain.Booking, error) {
	const op = "postgresrepo.BookingRepo.ListByUser"

	rows, err := handle(r.pool, db).Query(ctx,
		`SELECT id, user_id, train_id, seat_number, created_at
		 FROM bookings
		 WHERE user_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2 OFFSET $3`,
		userID, limit, offset,
	)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	defer rows.Close()

	out := make([]domain.Booking, 0)
	for rows.Next() {
		var b domain.Booking
		if err := rows.Scan(&b.ID, &b.UserID, &b.TrainID, &b.SeatNumber, &b.CreatedAt); err != nil {
			return nil, wrapDBErr(op, err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBErr(op, err)
	}

	return out, nil
}
