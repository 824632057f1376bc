package query

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirinyoku/railgo/internal/domain"
	"github.com/kirinyoku/railgo/internal/ledger"
	"github.com/kirinyoku/railgo/internal/repository"
	postgresrepo "github.com/kirinyoku/railgo/internal/repository/postgres"
	redisrepo "github.com/kirinyoku/railgo/internal/repository/redis"
)

type fakeTrains struct {
	trains   map[int64]domain.Train
	gets     int
	getErr   error
	searches []domain.TrainFilter
}

func (f *fakeTrains) Get(_ context.Context, _ postgresrepo.DB, id int64) (*domain.Train, error) {
	f.gets++
	if f.getErr != nil {
		return nil, f.getErr
	}
	t, ok := f.trains[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &t, nil
}

func (f *fakeTrains) Search(_ context.Context, _ postgresrepo.DB, filter domain.TrainFilter) ([]domain.Train, error) {
	f.searches = append(f.searches, filter)

	var out []domain.Train
	for id := int64(1); id <= int64(len(f.trains)); id++ {
		t := f.trains[id]
		if filter.Source != "" && t.Source != filter.Source {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func newFixture(t *testing.T) (*fakeTrains, *ledger.Ledger[int64]) {
	t.Helper()

	trains := &fakeTrains{trains: map[int64]domain.Train{
		1: {ID: 1, Name: "Rajdhani", Source: "Delhi", Destination: "Mumbai", TotalSeats: 3, AvailableSeats: 3},
		2: {ID: 2, Name: "Shatabdi", Source: "Pune", Destination: "Mumbai", TotalSeats: 5, AvailableSeats: 5},
	}}

	l := ledger.New[int64](ledger.Options{})
	require.NoError(t, l.RegisterTrain(1, 3))
	require.NoError(t, l.RegisterTrain(2, 5))

	return trains, l
}

func TestService_GetTrain(t *testing.T) {
	ctx := context.Background()

	t.Run("should overlay ledger seats on cached metadata", func(t *testing.T) {
		trains, l := newFixture(t)
		mr := miniredis.RunT(t)
		cache := redisrepo.New(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
		svc := New(trains, l, cache, Config{})

		first, err := svc.GetTrain(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, 3, first.AvailableSeats)

		_, err = l.Reserve(ctx, 1)
		require.NoError(t, err)

		second, err := svc.GetTrain(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, 2, second.AvailableSeats)
		assert.Equal(t, "Rajdhani", second.Name)
		assert.Equal(t, 1, trains.gets, "second read should hit the cache")
	})

	t.Run("should map missing trains", func(t *testing.T) {
		trains, l := newFixture(t)
		svc := New(trains, l, nil, Config{})

		_, err := svc.GetTrain(ctx, 99)
		assert.ErrorIs(t, err, ErrTrainNotFound)
	})
}

func TestService_SearchTrains(t *testing.T) {
	ctx := context.Background()
	trains, l := newFixture(t)
	svc := New(trains, l, nil, Config{DefaultPageLimit: 10, MaxPageLimit: 50})

	_, err := l.Reserve(ctx, 2)
	require.NoError(t, err)

	got, err := svc.SearchTrains(ctx, domain.TrainFilter{Source: "Pune", Limit: 500, Offset: -3})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 4, got[0].AvailableSeats)
	assert.Equal(t, domain.TrainFilter{Source: "Pune", Limit: 50, Offset: 0}, trains.searches[0])

	got, err = svc.SearchTrains(ctx, domain.TrainFilter{Source: "Nowhere"})
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
	assert.Equal(t, 10, trains.searches[1].Limit)
}

func TestService_Availability(t *testing.T) {
	ctx := context.Background()
	trains, l := newFixture(t)
	svc := New(trains, l, nil, Config{})

	_, err := l.Reserve(ctx, 1)
	require.NoError(t, err)

	a, err := svc.Availability(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.Availability{TrainID: 1, TotalSeats: 3, AvailableSeats: 2}, a)

	_, err = svc.Availability(ctx, 42)
	assert.ErrorIs(t, err, ErrTrainNotFound)

	total, err := svc.Capacity(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, total)

	_, err = svc.Capacity(ctx, 42)
	assert.True(t, errors.Is(err, ErrTrainNotFound))
}

func TestService_Exists(t *testing.T) {
	ctx := context.Background()

	t.Run("should answer from storage, not from the ledger", func(t *testing.T) {
		trains, l := newFixture(t)
		trains.trains[3] = domain.Train{ID: 3, Name: "Duronto", Source: "Kolkata", Destination: "Delhi", TotalSeats: 8, AvailableSeats: 8}
		svc := New(trains, l, nil, Config{})

		ok, err := svc.Exists(ctx, 3)
		require.NoError(t, err)
		assert.True(t, ok)

		total, err := svc.Capacity(ctx, 3)
		require.NoError(t, err)
		assert.Equal(t, 8, total)

		_, err = svc.Availability(ctx, 3)
		assert.ErrorIs(t, err, ErrTrainNotFound, "no counter yet")
	})

	t.Run("should report unknown trains", func(t *testing.T) {
		trains, l := newFixture(t)
		svc := New(trains, l, nil, Config{})

		ok, err := svc.Exists(ctx, 42)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("should pass storage failures through", func(t *testing.T) {
		trains, l := newFixture(t)
		trains.getErr = errors.New("db down")
		svc := New(trains, l, nil, Config{})

		ok, err := svc.Exists(ctx, 1)
		assert.ErrorIs(t, err, trains.getErr)
		assert.False(t, ok)
	})
}
