package postgresrepo

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kirinyoku/railgo/internal/domain"
)

type TrainRepo struct {
	pool *pgxpool.Pool
}

const trainColumns = `id, name, source, destination, total_seats, available_seats, created_at`

// Get retrieves a train by its ID.
//
// Parameters:
//   - ctx: request-scoped context for cancellation and timeouts.
//   - db: transaction to run in, or nil for the pool.
//   - id: unique identifier of the train.
//
// Returns:
//   - *domain.Train: the train when found.
//   - error: repository.ErrNotFound if the train is not found.
func (r *TrainRepo) Get(ctx context.Context, db DB, id int64) (*domain.Train, error) {
	const op = "postgresrepo.TrainRepo.Get"

	var t domain.Train
	err := handle(r.pool, db).QueryRow(ctx,
		`SELECT `+trainColumns+`
		 FROM trains WHERE id = $1`,
		id,
	).Scan(&t.ID, &t.Name, &t.Source, &t.Destination, &t.TotalSeats, &t.AvailableSeats, &t.CreatedAt)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	return &t, nil
}

// Search lists trains running between source and destination. Empty
// source or destination matches any station.
//
// Parameters:
//   - ctx: request-scoped context for cancellation and timeouts.
//   - db: transaction to run in, or nil for the pool.
//   - f: route filter and pagination.
//
// Returns:
//   - []domain.Train: matching trains ordered by id.
func (r *TrainRepo) Search(ctx context.Context, db DB, f domain.TrainFilter) ([]domain.Train, error) {
	const op = "postgresrepo.TrainRepo.Search"

	rows, err := handle(r.pool, db).Query(ctx,
		`SELECT `+trainColumns+`
		 FROM trains
		 WHERE ($1 = '' OR source = $1)
		   AND ($2 = '' OR destination = $2)
		 ORDER BY id
		 LIMIT $3 OFFSET $4`,
		f.Source, f.Destination, f.Limit, f.Offset,
	)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	defer rows.Close()

	out := make([]domain.Train, 0)
	for rows.Next() {
		var t domain.Train
		if err := rows.Scan(
			&t.ID,
			&t.Name,
			&t.Source,
			&t.Destination,
			&t.TotalSeats,
			&t.AvailableSeats,
			&t.CreatedAt,
		); err != nil {
			return nil, wrapDBErr(op, err)
		}

		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBErr(op, err)
	}

	return out, nil
}

// ListAll returns every train. Used to restore the seat ledger on start-up.
func (r *TrainRepo) ListAll(ctx context.Context, db DB) ([]domain.Train, error) {
	const op = "postgresrepo.TrainRepo.ListAll"

	rows, err := handle(r.pool, db).Query(ctx,
		`SELECT `+trainColumns+` FROM trains ORDER BY id`,
	)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	defer rows.Close()

	var out []domain.Train
	for rows.Next() {
		var t domain.Train
		if err := rows.Scan(
			&t.ID,
			&t.Name,
			&t.Source,
			&t.Destination,
			&t.TotalSeats,
			&t.AvailableSeats,
			&t.CreatedAt,
		); err != nil {
			return nil, wrapDBErr(op, err)
		}

		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBErr(op, err)
	}

	return out, nil
}
