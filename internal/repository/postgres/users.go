package postgresrepo

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kirinyoku/railgo/internal/domain"
)

type UserRepo struct {
	pool *pgxpool.Pool
}

// Create inserts a user and fills in ID and CreatedAt.
// Returns repository.ErrConflict when the username is taken.
func (r *UserRepo) Create(ctx context.Context, db DB, u *domain.User) error {
	const op = "postgresrepo.UserRepo.Create"

	if err := handle(r.pool, db).QueryRow(ctx,
		`INSERT INTO users(username, password_hash, role)
		 VALUES ($1, $2, $3)
		 RETURNING id, created_at`,
		u.Username, u.PasswordHash, string(u.Role),
	).Scan(&u.ID, &u.CreatedAt); err != nil {
		return wrapDBErr(op, err)
	}

	return nil
}

func (r *UserRepo) GetByUsername(ctx context.Context, db DB, username string) (*domain.User, error) {
	const op = "postgresrepo.UserRepo.GetByUsername"

	var u domain.User
	var role string
	if err := handle(r.pool, db).QueryRow(ctx,
		`SELECT id, username, password_hash, role, created_at
		 FROM users WHERE username = $1`,
		username,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &role, &u.CreatedAt); err != nil {
		return nil, wrapDBErr(op, err)
	}

	u.Role = domain.Role(role)

	return &u, nil
}
