package postgresrepo

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"github.com/kirinyoku/railgo/internal/repository"
)

func TestWrapDBErr(t *testing.T) {
	t.Run("should map constraint codes", func(t *testing.T) {
		assert.ErrorIs(t, wrapDBErr("op", pgx.ErrNoRows), repository.ErrNotFound)
		assert.ErrorIs(t, wrapDBErr("op", &pgconn.PgError{Code: codeUniqueViolation}), repository.ErrConflict)
		assert.ErrorIs(t, wrapDBErr("op", &pgconn.PgError{Code: codeForeignKeyViolation}), repository.ErrNotFound)
		assert.ErrorIs(t, wrapDBErr("op", &pgconn.PgError{
			Code:           codeCheckViolation,
			ConstraintName: "trains_available_seats_range",
		}), repository.ErrSeatsUnavailable)
		assert.NotErrorIs(t, wrapDBErr("op", &pgconn.PgError{
			Code:           codeCheckViolation,
			ConstraintName: "trains_total_seats_positive",
		}), repository.ErrSeatsUnavailable)
	})

	t.Run("should mark serialization failures retryable", func(t *testing.T) {
		err := wrapDBErr("op", &pgconn.PgError{Code: codeSerializationFailure})
		assert.ErrorIs(t, err, repository.ErrRetryable)
		assert.True(t, IsRetryable(err))
	})
}

func TestWrapCommitErr(t *testing.T) {
	t.Run("should flag commits without a server reply as unknown", func(t *testing.T) {
		for _, cause := range []error{errors.New("connection reset by peer"), context.DeadlineExceeded} {
			err := wrapCommitErr("commit", cause)
			assert.ErrorIs(t, err, repository.ErrCommitUnknown)
			assert.ErrorIs(t, err, cause)
		}
	})

	t.Run("should treat server rejections as known rollbacks", func(t *testing.T) {
		err := wrapCommitErr("commit", &pgconn.PgError{Code: codeSerializationFailure})
		assert.ErrorIs(t, err, repository.ErrRetryable)
		assert.NotErrorIs(t, err, repository.ErrCommitUnknown)
	})

	t.Run("should pass nil through", func(t *testing.T) {
		assert.NoError(t, wrapCommitErr("commit", nil))
	})
}
