// Package ledger keeps the authoritative number of unsold seats per train.
//
// Every train gets its own exclusive region, so a burst of bookings on one
// train never delays another. Reserve and Release perform their check and
// their write inside that region; AvailableSeats reads the counter without
// locking and is only good for display.
package ledger

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// Options tunes a Ledger.
type Options struct {
	// LockTimeout bounds the wait for a train's exclusive region.
	// Zero means wait until the caller's context is done.
	LockTimeout time.Duration
}

// Ticket is handed out by a successful Reserve.
type Ticket[K comparable] struct {
	TrainID   K
	Before    int // seats available right before this reservation
	Remaining int
}

type counter struct {
	region    *semaphore.Weighted
	total     int
	available atomic.Int64
}

// Ledger holds one seat counter per train, keyed by K. It is safe for
// concurrent use.
type Ledger[K comparable] struct {
	mu       sync.RWMutex
	counters map[K]*counter
	opts     Options
}

// New returns an empty Ledger; trains are added with RegisterTrain or Restore.
func New[K comparable](opts Options) *Ledger[K] {
	return &Ledger[K]{
		counters: make(map[K]*counter),
		opts:     opts,
	}
}

// RegisterTrain creates a counter holding totalSeats free seats.
//
// Returns:
//   - error: ledger.ErrInvalidCapacity if totalSeats <= 0.
//   - error: ledger.ErrAlreadyExists if the train already has a counter.
func (l *Ledger[K]) RegisterTrain(trainID K, totalSeats int) error {
	return l.add("ledger.RegisterTrain", trainID, totalSeats, totalSeats)
}

// Restore recreates a counter from a persisted state, e.g. on start-up.
func (l *Ledger[K]) Restore(trainID K, totalSeats, availableSeats int) error {
	return l.add("ledger.Restore", trainID, totalSeats, availableSeats)
}

func (l *Ledger[K]) add(op string, trainID K, total, available int) error {
	if total <= 0 {
		return fmt.Errorf("%s: %w", op, ErrInvalidCapacity)
	}

	if available < 0 || available > total {
		return fmt.Errorf("%s: %w", op, InvalidCountError{Available: available, Total: total})
	}

	c := &counter{
		region: semaphore.NewWeighted(1),
		total:  total,
	}
	c.available.Store(int64(available))

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.counters[trainID]; ok {
		return fmt.Errorf("%s: %w", op, ErrAlreadyExists)
	}

	l.counters[trainID] = c

	return nil
}

// Reserve claims one seat.
//
// Parameters:
//   - ctx: bounds the wait for the train's exclusive region.
//   - trainID: train to reserve on.
//
// Returns:
//   - Ticket: carries the pre-decrement count.
//   - error: ledger.ErrSoldOut if no seat is left.
//   - error: ledger.ErrUnknownTrain if the train is not registered.
//   - error: ledger.ErrTransient if the region could not be entered.
func (l *Ledger[K]) Reserve(ctx context.Context, trainID K) (Ticket[K], error) {
	const op = "ledger.Reserve"

	c, err := l.lookup(trainID)
	if err != nil {
		return Ticket[K]{}, fmt.Errorf("%s: %w", op, err)
	}

	if err := l.enter(ctx, c); err != nil {
		return Ticket[K]{}, fmt.Errorf("%s: %w", op, err)
	}
	defer c.region.Release(1)

	before := c.available.Load()
	if before <= 0 {
		return Ticket[K]{}, fmt.Errorf("%s: %w", op, ErrSoldOut)
	}

	c.available.Store(before - 1)

	return Ticket[K]{
		TrainID:   trainID,
		Before:    int(before),
		Remaining: int(before - 1),
	}, nil
}

// Release returns one seat.
//
// Returns:
//   - error: ledger.ErrOverflow if the counter is already at total seats.
//   - error: ledger.ErrUnknownTrain if the train is not registered.
//   - error: ledger.ErrTransient if the region could not be entered.
func (l *Ledger[K]) Release(ctx context.Context, trainID K) error {
	const op = "ledger.Release"

	c, err := l.lookup(trainID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := l.enter(ctx, c); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer c.region.Release(1)

	current := c.available.Load()
	if current >= int64(c.total) {
		return fmt.Errorf("%s: %w", op, ErrOverflow)
	}

	c.available.Store(current + 1)

	return nil
}

// AvailableSeats returns a snapshot that may be stale by the time it is used.
func (l *Ledger[K]) AvailableSeats(trainID K) (int, error) {
	c, err := l.lookup(trainID)
	if err != nil {
		return 0, fmt.Errorf("ledger.AvailableSeats: %w", err)
	}

	return int(c.available.Load()), nil
}

// Capacity returns the total seats the train was registered with.
func (l *Ledger[K]) Capacity(trainID K) (int, error) {
	c, err := l.lookup(trainID)
	if err != nil {
		return 0, fmt.Errorf("ledger.Capacity: %w", err)
	}

	return c.total, nil
}

func (l *Ledger[K]) lookup(trainID K) (*counter, error) {
	l.mu.RLock()
	c, ok := l.counters[trainID]
	l.mu.RUnlock()

	if !ok {
		return nil, ErrUnknownTrain
	}

	return c, nil
}

func (l *Ledger[K]) enter(ctx context.Context, c *counter) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}

	if l.opts.LockTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.opts.LockTimeout)
		defer cancel()
	}

	if err := c.region.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}

	return nil
}
