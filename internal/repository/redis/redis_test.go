package redisrepo

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return mr, rdb
}

type trainView struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

func TestGetOrSetJSON(t *testing.T) {
	ctx := context.Background()

	t.Run("should load once and serve from cache afterwards", func(t *testing.T) {
		_, rdb := newTestClient(t)
		cache := New(rdb)
		var loads atomic.Int32
		loader := func(context.Context) (trainView, error) {
			loads.Add(1)
			return trainView{ID: 1, Name: "Rajdhani"}, nil
		}

		first, err := GetOrSetJSON(ctx, cache, KeyTrain(1), time.Minute, loader)
		require.NoError(t, err)
		second, err := GetOrSetJSON(ctx, cache, KeyTrain(1), time.Minute, loader)
		require.NoError(t, err)

		assert.Equal(t, trainView{ID: 1, Name: "Rajdhani"}, first)
		assert.Equal(t, first, second)
		assert.EqualValues(t, 1, loads.Load())
	})

	t.Run("should not cache loader errors", func(t *testing.T) {
		_, rdb := newTestClient(t)
		cache := New(rdb)
		loadErr := errors.New("db down")

		_, err := GetOrSetJSON(ctx, cache, KeyTrain(2), time.Minute, func(context.Context) (trainView, error) {
			return trainView{}, loadErr
		})
		assert.ErrorIs(t, err, loadErr)

		_, ok, err := GetJSON[trainView](ctx, cache, KeyTrain(2))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("should stop waiting when the caller's context ends", func(t *testing.T) {
		_, rdb := newTestClient(t)
		cache := New(rdb)
		release := make(chan struct{})
		started := make(chan struct{})

		go func() {
			_, _ = GetOrSetJSON(ctx, cache, KeyTrain(4), time.Minute, func(context.Context) (trainView, error) {
				close(started)
				<-release
				return trainView{ID: 4}, nil
			})
		}()
		<-started

		waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()

		_, err := GetOrSetJSON(waitCtx, cache, KeyTrain(4), time.Minute, func(context.Context) (trainView, error) {
			return trainView{}, errors.New("must share the running load")
		})
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		close(release)
		assert.Eventually(t, func() bool {
			_, ok, err := GetJSON[trainView](ctx, cache, KeyTrain(4))
			return err == nil && ok
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("nil cache should call the loader every time", func(t *testing.T) {
		var cache *Cache
		var loads int

		for i := 0; i < 2; i++ {
			_, err := GetOrSetJSON(ctx, cache, KeyTrain(3), time.Minute, func(context.Context) (trainView, error) {
				loads++
				return trainView{ID: 3}, nil
			})
			require.NoError(t, err)
		}

		assert.Equal(t, 2, loads)
		assert.NoError(t, cache.InvalidateTrain(ctx, 3, "a", "b"))
	})
}

func TestCache_InvalidateTrain(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newTestClient(t)
	cache := New(rdb)

	keep := KeyTrainSearch("Pune", "Goa", 20, 0)
	drop := []string{
		KeyTrain(5),
		KeyTrainSearch("Delhi", "Agra", 20, 0),
		KeyTrainSearch("Delhi", "Agra", 20, 20),
		KeyTrainSearch("Delhi", "", 20, 0),
		KeyTrainSearch("", "Agra", 20, 0),
		KeyTrainSearch("", "", 20, 0),
	}
	for _, k := range append(drop, keep) {
		require.NoError(t, SetJSON(ctx, cache, k, []trainView{}, time.Minute))
	}

	require.NoError(t, cache.InvalidateTrain(ctx, 5, "Delhi", "Agra"))

	for _, k := range drop {
		assert.False(t, mr.Exists(k), k)
	}
	assert.True(t, mr.Exists(keep))
}

func TestSlidingWindowLimiter_Allow(t *testing.T) {
	ctx := context.Background()
	_, rdb := newTestClient(t)
	limiter := NewSlidingWindowLimiter(rdb, "bookings", 2, time.Minute)

	for i := 0; i < 2; i++ {
		allowed, current, _, err := limiter.Allow(ctx, "user:1")
		require.NoError(t, err)
		assert.True(t, allowed)
		assert.EqualValues(t, i+1, current)
	}

	allowed, current, retry, err := limiter.Allow(ctx, "user:1")
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.EqualValues(t, 2, current, "denied hits are not counted")
	assert.Greater(t, retry, time.Duration(0))
	assert.LessOrEqual(t, retry, time.Minute)

	allowed, _, _, err = limiter.Allow(ctx, "user:2")
	require.NoError(t, err)
	assert.True(t, allowed, "limits are per id")
}

func TestIdempotencyStore(t *testing.T) {
	ctx := context.Background()

	t.Run("should replay a completed request", func(t *testing.T) {
		_, rdb := newTestClient(t)
		store := NewIdempotencyStore(rdb, time.Hour)
		key := KeyIdemBooking(7, "abc")

		state, _, err := store.Begin(ctx, key, "fp1", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, IdemStarted, state)

		state, _, err = store.Begin(ctx, key, "fp1", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, IdemInFlight, state, "second request must wait for the first")

		require.NoError(t, store.Complete(ctx, key, "fp1", 201, []byte(`{"id":"x"}`)))

		state, rec, err := store.Begin(ctx, key, "fp1", time.Minute)
		require.NoError(t, err)
		require.Equal(t, IdemReplay, state)
		assert.Equal(t, 201, rec.Status)
		assert.JSONEq(t, `{"id":"x"}`, string(rec.Body))

		state, _, err = store.Begin(ctx, key, "fp2", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, IdemMismatch, state)
	})

	t.Run("should free the key on abort", func(t *testing.T) {
		_, rdb := newTestClient(t)
		store := NewIdempotencyStore(rdb, time.Hour)
		key := KeyIdemBooking(7, "abc")

		_, _, err := store.Begin(ctx, key, "fp1", time.Minute)
		require.NoError(t, err)

		require.NoError(t, store.Abort(ctx, key, "other"))
		state, _, err := store.Begin(ctx, key, "fp1", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, IdemInFlight, state, "abort with a foreign fingerprint is ignored")

		require.NoError(t, store.Abort(ctx, key, "fp1"))
		state, _, err = store.Begin(ctx, key, "fp1", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, IdemStarted, state)
	})

	t.Run("should keep stored responses on abort", func(t *testing.T) {
		_, rdb := newTestClient(t)
		store := NewIdempotencyStore(rdb, time.Hour)
		key := KeyIdemBooking(7, "abc")

		require.NoError(t, store.Complete(ctx, key, "fp1", 201, []byte(`{}`)))
		require.NoError(t, store.Abort(ctx, key, "fp1"))

		state, _, err := store.Begin(ctx, key, "fp1", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, IdemReplay, state)
	})

	t.Run("should expire locks", func(t *testing.T) {
		mr, rdb := newTestClient(t)
		store := NewIdempotencyStore(rdb, time.Hour)
		key := KeyIdemBooking(7, "abc")

		_, _, err := store.Begin(ctx, key, "fp1", time.Second)
		require.NoError(t, err)
		mr.FastForward(2 * time.Second)

		state, _, err := store.Begin(ctx, key, "fp1", time.Second)
		require.NoError(t, err)
		assert.Equal(t, IdemStarted, state)
	})
}

func TestTrainsPubSub(t *testing.T) {
	mr, rdb := newTestClient(t)
	pubsub := NewTrainsPubSub(rdb)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan TrainChange, 1)
	done := make(chan error, 1)
	go func() {
		done <- pubsub.Subscribe(ctx, func(_ context.Context, change TrainChange) {
			received <- change
		})
	}()

	assert.Eventually(t, func() bool {
		return mr.PubSubNumSub(ChannelTrainsChanged())[ChannelTrainsChanged()] == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, pubsub.PublishTrainChanged(context.Background(), TrainChange{
		TrainID:     9,
		Source:      "Delhi",
		Destination: "Agra",
	}))

	select {
	case change := <-received:
		assert.Equal(t, int64(9), change.TrainID)
		assert.Equal(t, "train_changed", change.Type)
		assert.Equal(t, "Delhi", change.Source)
	case <-time.After(time.Second):
		assert.FailNow(t, "timeout waiting for train change")
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		assert.FailNow(t, "subscriber did not stop")
	}
}
