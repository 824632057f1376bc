package admin

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirinyoku/railgo/internal/domain"
	"github.com/kirinyoku/railgo/internal/ledger"
	"github.com/kirinyoku/railgo/internal/repository"
	postgresrepo "github.com/kirinyoku/railgo/internal/repository/postgres"
	redisrepo "github.com/kirinyoku/railgo/internal/repository/redis"
)

type fakeRunner struct {
	commitErr error
}

func (r *fakeRunner) RunTx(
	ctx context.Context,
	_ *pgx.TxOptions,
	fn func(ctx context.Context, tx postgresrepo.DB) error,
) error {
	if err := fn(ctx, nil); err != nil {
		return err
	}
	return r.commitErr
}

type fakeTrains struct {
	trains    map[int64]domain.Train
	createErr error
}

func newFakeTrains(trains ...domain.Train) *fakeTrains {
	f := &fakeTrains{trains: map[int64]domain.Train{}}
	for _, t := range trains {
		f.trains[t.ID] = t
	}
	return f
}

func (f *fakeTrains) Create(_ context.Context, _ postgresrepo.DB, t *domain.Train) error {
	if f.createErr != nil {
		return f.createErr
	}
	t.ID = int64(len(f.trains) + 1)
	t.AvailableSeats = t.TotalSeats
	f.trains[t.ID] = *t
	return nil
}

func (f *fakeTrains) Get(_ context.Context, _ postgresrepo.DB, id int64) (*domain.Train, error) {
	t, ok := f.trains[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &t, nil
}

func (f *fakeTrains) ListAll(_ context.Context, _ postgresrepo.DB) ([]domain.Train, error) {
	out := make([]domain.Train, 0, len(f.trains))
	for id := int64(1); id <= int64(len(f.trains)); id++ {
		out = append(out, f.trains[id])
	}
	return out, nil
}

// fakeCatalog reads capacities from the same trains the store holds unless
// totals overrides them.
type fakeCatalog struct {
	trains *fakeTrains
	totals map[int64]int
	err    error
}

func (c *fakeCatalog) Exists(_ context.Context, id int64) (bool, error) {
	if c.err != nil {
		return false, c.err
	}
	_, ok := c.trains.trains[id]
	return ok, nil
}

func (c *fakeCatalog) Capacity(ctx context.Context, id int64) (int, error) {
	ok, err := c.Exists(ctx, id)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, errors.New("train not found")
	}
	if n, ok := c.totals[id]; ok {
		return n, nil
	}
	return c.trains.trains[id].TotalSeats, nil
}

type fakePublisher struct {
	changes []redisrepo.TrainChange
}

func (p *fakePublisher) PublishTrainChanged(_ context.Context, c redisrepo.TrainChange) error {
	p.changes = append(p.changes, c)
	return nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestService_CreateTrain(t *testing.T) {
	ctx := context.Background()

	t.Run("should register the counter after commit", func(t *testing.T) {
		l := ledger.New[int64](ledger.Options{})
		pub := &fakePublisher{}
		trains := newFakeTrains()
		svc := New(&fakeRunner{}, trains, &fakeCatalog{trains: trains}, l, nil, pub, discard())

		train, err := svc.CreateTrain(ctx, domain.Train{
			Name: " Rajdhani ", Source: "Delhi", Destination: "Mumbai", TotalSeats: 4,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(1), train.ID)
		assert.Equal(t, "Rajdhani", train.Name)

		n, err := l.AvailableSeats(train.ID)
		require.NoError(t, err)
		assert.Equal(t, 4, n)

		require.Len(t, pub.changes, 1)
		assert.Equal(t, "train_created", pub.changes[0].Type)
		assert.Equal(t, train.ID, pub.changes[0].TrainID)
	})

	t.Run("should not register when commit fails", func(t *testing.T) {
		l := ledger.New[int64](ledger.Options{})
		pub := &fakePublisher{}
		commitErr := errors.New("commit failed")
		trains := newFakeTrains()
		svc := New(&fakeRunner{commitErr: commitErr}, trains, &fakeCatalog{trains: trains}, l, nil, pub, discard())

		_, err := svc.CreateTrain(ctx, domain.Train{Name: "A", Source: "B", Destination: "C", TotalSeats: 1})
		assert.ErrorIs(t, err, commitErr)

		_, err = l.AvailableSeats(1)
		assert.ErrorIs(t, err, ledger.ErrUnknownTrain)
		assert.Empty(t, pub.changes)
	})

	t.Run("should validate input", func(t *testing.T) {
		trains := newFakeTrains()
		svc := New(&fakeRunner{}, trains, &fakeCatalog{trains: trains}, ledger.New[int64](ledger.Options{}), nil, nil, discard())

		_, err := svc.CreateTrain(ctx, domain.Train{Name: "A", Source: " ", Destination: "C", TotalSeats: 1})
		assert.ErrorIs(t, err, ErrInvalidTrain)

		_, err = svc.CreateTrain(ctx, domain.Train{Name: "A", Source: "B", Destination: "C", TotalSeats: 0})
		assert.ErrorIs(t, err, ErrInvalidCapacity)
	})
}

func TestService_RestoreLedger(t *testing.T) {
	ctx := context.Background()
	l := ledger.New[int64](ledger.Options{})
	trains := newFakeTrains(
		domain.Train{ID: 1, TotalSeats: 10, AvailableSeats: 3},
		domain.Train{ID: 2, TotalSeats: 5, AvailableSeats: 7},
		domain.Train{ID: 3, TotalSeats: 2, AvailableSeats: 0},
	)
	svc := New(&fakeRunner{}, trains, &fakeCatalog{trains: trains}, l, nil, nil, discard())

	restored, err := svc.RestoreLedger(ctx)
	assert.Equal(t, 2, restored)

	var countErr ledger.InvalidCountError
	require.ErrorAs(t, err, &countErr)
	assert.Equal(t, 7, countErr.Available)

	n, err := l.AvailableSeats(1)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = l.Reserve(ctx, 3)
	assert.ErrorIs(t, err, ledger.ErrSoldOut)
}

func TestService_HandleTrainChange(t *testing.T) {
	ctx := context.Background()
	l := ledger.New[int64](ledger.Options{})
	require.NoError(t, l.RegisterTrain(1, 10))

	trains := newFakeTrains(
		domain.Train{ID: 1, TotalSeats: 10, AvailableSeats: 10},
		domain.Train{ID: 2, TotalSeats: 6, AvailableSeats: 6},
	)
	svc := New(&fakeRunner{}, trains, &fakeCatalog{trains: trains}, l, nil, nil, discard())

	svc.HandleTrainChange(ctx, redisrepo.TrainChange{TrainID: 2})
	n, err := l.AvailableSeats(2)
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	_, err = l.Reserve(ctx, 1)
	require.NoError(t, err)
	svc.HandleTrainChange(ctx, redisrepo.TrainChange{TrainID: 1})
	n, err = l.AvailableSeats(1)
	require.NoError(t, err)
	assert.Equal(t, 9, n, "known counters are left alone")

	svc.HandleTrainChange(ctx, redisrepo.TrainChange{TrainID: 99})
	_, err = l.Capacity(99)
	assert.ErrorIs(t, err, ledger.ErrUnknownTrain)
}

func TestService_LedgerSizedByCatalog(t *testing.T) {
	ctx := context.Background()

	t.Run("restore should take capacity from the catalog", func(t *testing.T) {
		l := ledger.New[int64](ledger.Options{})
		trains := newFakeTrains(
			domain.Train{ID: 1, TotalSeats: 4, AvailableSeats: 4},
			domain.Train{ID: 2, TotalSeats: 3, AvailableSeats: 1},
		)
		catalog := &fakeCatalog{trains: trains, totals: map[int64]int{1: 6}}
		svc := New(&fakeRunner{}, trains, catalog, l, nil, nil, discard())

		restored, err := svc.RestoreLedger(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, restored)

		total, err := l.Capacity(1)
		require.NoError(t, err)
		assert.Equal(t, 6, total)
	})

	t.Run("restore should skip trains the catalog cannot size", func(t *testing.T) {
		l := ledger.New[int64](ledger.Options{})
		trains := newFakeTrains(domain.Train{ID: 1, TotalSeats: 4, AvailableSeats: 4})
		catalogErr := errors.New("cache and db down")
		svc := New(&fakeRunner{}, trains, &fakeCatalog{trains: trains, err: catalogErr}, l, nil, nil, discard())

		restored, err := svc.RestoreLedger(ctx)
		assert.Zero(t, restored)
		assert.ErrorIs(t, err, catalogErr)

		_, err = l.Capacity(1)
		assert.ErrorIs(t, err, ledger.ErrUnknownTrain)
	})

	t.Run("announced trains should open only when the catalog knows them", func(t *testing.T) {
		l := ledger.New[int64](ledger.Options{})
		trains := newFakeTrains(domain.Train{ID: 1, TotalSeats: 5, AvailableSeats: 2})
		catalog := &fakeCatalog{trains: trains, err: errors.New("unavailable")}
		svc := New(&fakeRunner{}, trains, catalog, l, nil, nil, discard())

		svc.HandleTrainChange(ctx, redisrepo.TrainChange{TrainID: 1})
		_, err := l.Capacity(1)
		assert.ErrorIs(t, err, ledger.ErrUnknownTrain)

		catalog.err = nil
		svc.HandleTrainChange(ctx, redisrepo.TrainChange{TrainID: 1})
		total, err := l.Capacity(1)
		require.NoError(t, err)
		assert.Equal(t, 5, total)

		n, err := l.AvailableSeats(1)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})
}
