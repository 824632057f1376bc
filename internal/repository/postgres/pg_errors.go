package postgresrepo

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/kirinyoku/railgo/internal/repository"
)

const (
	codeUniqueViolation      = "23505"
	codeCheckViolation       = "23514"
	codeForeignKeyViolation  = "23503"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

func IsRetryable(err error) bool {
	var pgErr *pgconn.PgError

	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeSerializationFailure, codeDeadlockDetected:
			return true
		}
	}

	return false
}

// wrapDBErr maps common DB errors to repository-level errors and wraps them with
// the provided operation name.
func wrapDBErr(op string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, repository.ErrNotFound)
	}

	var pge *pgconn.PgError
	if errors.As(err, &pge) {
		switch pge.Code {
		case codeUniqueViolation:
			return fmt.Errorf("%s: %w", op, repository.ErrConflict)
		case codeForeignKeyViolation:
			return fmt.Errorf("%s: %w", op, repository.ErrNotFound)
		case codeCheckViolation:
			if pge.ConstraintName == "trains_available_seats_range" {
				return fmt.Errorf("%s: %w", op, repository.ErrSeatsUnavailable)
			}
		case codeSerializationFailure, codeDeadlockDetected:
			return fmt.Errorf("%s: %w: %w", op, repository.ErrRetryable, err)
		}
	}

	return fmt.Errorf("%s: %w", op, err)
}

// wrapCommitErr is wrapDBErr for COMMIT. Without a server reply the outcome
// is unknown and the error also matches repository.ErrCommitUnknown.
func wrapCommitErr(op string, err error) error {
	if err == nil {
		return nil
	}

	var pge *pgconn.PgError
	if !errors.As(err, &pge) {
		return fmt.Errorf("%s: %w: %w", op, repository.ErrCommitUnknown, err)
	}

	return wrapDBErr(op, err)
}
