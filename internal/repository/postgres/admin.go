package postgresrepo

import (
	"context"

	"github.com/kirinyoku/railgo/internal/domain"
)

// Create inserts a train with all of its seats available and fills in
// ID, AvailableSeats and CreatedAt.
//
// Parameters:
//   - ctx: request-scoped context.
//   - db: transaction to run in, or nil for the pool.
//   - t: train to insert; TotalSeats must be positive.
//
// Returns:
//   - error: if the insert fails.
func (r *TrainRepo) Create(ctx context.Context, db DB, t *domain.Train) error {
	const op = "postgresrepo.TrainRepo.Create"

	if err := handle(r.pool, db).QueryRow(ctx,
		`INSERT INTO trains(name, source, destination, total_seats, available_seats)
		 VALUES ($1, $2, $3, $4, $4)
		 RETURNING id, available_seats, created_at`,
		t.Name, t.Source, t.Destination, t.TotalSeats,
	).Scan(&t.ID, &t.AvailableSeats, &t.CreatedAt); err != nil {
		return wrapDBErr(op, err)
	}

	return nil
}
