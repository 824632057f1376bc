package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	id := uuid.New()
	body, err := json.Marshal(BookingEvent{BookingID: id, UserID: 1, TrainID: 2, SeatNumber: 3})
	require.NoError(t, err)

	ev, err := decode(body)
	require.NoError(t, err)
	assert.Equal(t, id, ev.BookingID)
	assert.Equal(t, int64(2), ev.TrainID)

	_, err = decode([]byte("{"))
	assert.Error(t, err)

	_, err = decode([]byte(`{"train_id":2}`))
	assert.ErrorIs(t, err, errEmptyEvent)
}

func TestConsumer_Handle(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsumer("", slog.New(slog.NewJSONHandler(&buf, nil)))

	body, err := json.Marshal(BookingEvent{BookingID: uuid.New(), TrainID: 7, RemainingSeats: 4})
	require.NoError(t, err)

	require.NoError(t, c.handle(QueueBookingConfirmed, body))
	assert.Contains(t, buf.String(), `"queue":"booking.confirmed"`)
	assert.Contains(t, buf.String(), `"train_id":7`)
	assert.Contains(t, buf.String(), `"remaining_seats":4`)
}

func TestDisabled(t *testing.T) {
	p := NewPublisher("", 0, slog.Default())
	assert.False(t, p.Enabled())
	assert.NoError(t, p.PublishConfirmed(context.Background(), BookingEvent{BookingID: uuid.New()}))
	p.Close()

	var nilPub *Publisher
	assert.NoError(t, nilPub.PublishCancelled(context.Background(), BookingEvent{}))

	c := NewConsumer("", slog.Default())
	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		assert.FailNow(t, "disabled consumer should return at once")
	}
}

func TestSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.False(t, sleep(ctx, time.Hour))
	assert.True(t, sleep(context.Background(), time.Millisecond))
}

// silentBroker accepts TCP connections and never speaks AMQP.
func silentBroker(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()

	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})

	return "amqp://guest:guest@" + ln.Addr().String() + "/"
}

func TestPublisher_SilentBroker(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("should enqueue without touching the broker", func(t *testing.T) {
		p := NewPublisher(silentBroker(t), 1, logger)

		start := time.Now()
		require.NoError(t, p.PublishConfirmed(context.Background(), BookingEvent{BookingID: uuid.New()}))
		err := p.PublishCancelled(context.Background(), BookingEvent{BookingID: uuid.New()})
		assert.ErrorIs(t, err, ErrBufferFull)
		assert.Less(t, time.Since(start), 100*time.Millisecond)
	})

	t.Run("should stop dialing when the context expires", func(t *testing.T) {
		p := NewPublisher(silentBroker(t), 1, logger)

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()

		start := time.Now()
		err := p.send(ctx, outbound{queue: QueueBookingConfirmed, body: []byte("{}")})
		assert.Error(t, err)
		assert.Less(t, time.Since(start), 2*time.Second)
	})

	t.Run("should stop dialing when the context is cancelled", func(t *testing.T) {
		p := NewPublisher(silentBroker(t), 1, logger)

		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(100*time.Millisecond, cancel)

		start := time.Now()
		_, err := p.channel(ctx)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Less(t, time.Since(start), 2*time.Second)
	})

	t.Run("should leave Run promptly on shutdown", func(t *testing.T) {
		p := NewPublisher(silentBroker(t), 4, logger)
		require.NoError(t, p.PublishConfirmed(context.Background(), BookingEvent{BookingID: uuid.New()}))

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- p.Run(ctx) }()

		time.Sleep(50 * time.Millisecond)
		cancel()

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(drainTimeout + time.Second):
			assert.FailNow(t, "Run should return soon after cancel")
		}
	})
}
