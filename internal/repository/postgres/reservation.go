package postgresrepo

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/kirinyoku/railgo/internal/domain"
	"github.com/kirinyoku/railgo/internal/repository"
)

// TakeSeat decrements the persisted seat counter of a train. It mirrors a
// successful ledger reservation inside the booking transaction.
//
// Returns:
//   - error: repository.ErrSeatsUnavailable if the counter is already 0.
//   - error: repository.ErrNotFound if the train does not exist.
func (r *TrainRepo) TakeSeat(ctx context.Context, db DB, trainID int64) error {
	const op = "postgresrepo.TrainRepo.TakeSeat"

	return r.moveSeat(ctx, db, op, trainID,
		`UPDATE trains
		 SET available_seats = available_seats - 1
		 WHERE id = $1 AND available_seats > 0`,
		repository.ErrSeatsUnavailable,
	)
}

// ReturnSeat increments the persisted seat counter, capped at total seats.
//
// Returns:
//   - error: repository.ErrFull if every seat is already free.
//   - error: repository.ErrNotFound if the train does not exist.
func (r *TrainRepo) ReturnSeat(ctx context.Context, db DB, trainID int64) error {
	const op = "postgresrepo.TrainRepo.ReturnSeat"

	return r.moveSeat(ctx, db, op, trainID,
		`UPDATE trains
		 SET available_seats = available_seats + 1
		 WHERE id = $1 AND available_seats < total_seats`,
		repository.ErrFull,
	)
}

func (r *TrainRepo) moveSeat(
	ctx context.Context,
	db DB,
	op string,
	trainID int64,
	sql string,
	guardErr error,
) error {
	db = handle(r.pool, db)

	tag, err := db.Exec(ctx, sql, trainID)
	if err != nil {
		return wrapDBErr(op, err)
	}

	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM trains WHERE id = $1)`, trainID,
	).Scan(&exists); err != nil {
		return wrapDBErr(op, err)
	}

	if !exists {
		return fmt.Errorf("%s: %w", op, repository.ErrNotFound)
	}

	return fmt.Errorf("%s: %w", op, guardErr)
}

// Create inserts a booking and fills in ID (when unset) and CreatedAt.
//
// Returns:
//   - error: repository.ErrNotFound if the user or train does not exist.
func (r *BookingRepo) Create(ctx context.Context, db DB, b *domain.Booking) error {
	const op = "postgresrepo.BookingRepo.Create"

	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}

	if err := handle(r.pool, db).QueryRow(ctx,
		`INSERT INTO bookings(id, user_id, train_id, seat_number)
		 VALUES ($1, $2, $3, $4)
		 RETURNING created_at`,
		b.ID, b.UserID, b.TrainID, b.SeatNumber,
	).Scan(&b.CreatedAt); err != nil {
		return wrapDBErr(op, err)
	}

	return nil
}

// Delete removes a booking owned by userID and returns it.
//
// Returns:
//   - error: repository.ErrNotFound if there is no such booking for the user.
func (r *BookingRepo) Delete(
	ctx context.Context,
	db DB,
	id uuid.UUID,
	userID int64,
) (*domain.Booking, error) {
	const op = "postgresrepo.BookingRepo.Delete"

	var b domain.Booking
	if err := handle(r.pool, db).QueryRow(ctx,
		`DELETE FROM bookings
		 WHERE id = $1 AND user_id = $2
		 RETURNING id, user_id, train_id, seat_number, created_at`,
		id, userID,
	).Scan(&b.ID, &b.UserID, &b.TrainID, &b.SeatNumber, &b.CreatedAt); err != nil {
		return nil, wrapDBErr(op, err)
	}

	return &b, nil
}
