package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	minBackoff = time.Second
	maxBackoff = 30 * time.Second
)

// Consumer reads booking events from every queue and writes them to the log.
type Consumer struct {
	url    string
	logger *slog.Logger
}

func NewConsumer(url string, logger *slog.Logger) *Consumer {
	return &Consumer{url: url, logger: logger}
}

// Run consumes until ctx is done, reconnecting with exponential backoff.
// It returns nil on cancellation.
func (c *Consumer) Run(ctx context.Context) error {
	if c.url == "" {
		return nil
	}

	backoff := minBackoff
	for {
		conn, err := dial(ctx, c.url)
		if err != nil {
			c.logger.Warn("booking consumer: dial failed", "err", err, "retry_in", backoff)
			if !sleep(ctx, backoff) {
				return nil
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = minBackoff

		err = c.consume(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil
		}

		c.logger.Warn("booking consumer: reconnecting", "err", err)
		if !sleep(ctx, 2*time.Second) {
			return nil
		}
	}
}

func (c *Consumer) consume(ctx context.Context, conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(50, 0, false); err != nil {
		c.logger.Warn("booking consumer: set qos failed", "err", err)
	}

	if err := declareQueues(ch); err != nil {
		return err
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(Queues))

	for _, q := range Queues {
		msgs, err := ch.Consume(q, "", false, false, false, false, nil)
		if err != nil {
			_ = ch.Close()
			wg.Wait()
			return fmt.Errorf("consume %s: %w", q, err)
		}

		wg.Add(1)
		go func(queue string, msgs <-chan amqp.Delivery) {
			defer wg.Done()
			for d := range msgs {
				if err := c.handle(queue, d.Body); err != nil {
					c.logger.Error("booking consumer: bad message", "queue", queue, "err", err)
					_ = d.Nack(false, false)
					continue
				}
				_ = d.Ack(false)
			}
			errs <- fmt.Errorf("%s: deliveries channel closed", queue)
		}(q, msgs)
	}

	var first error
	select {
	case <-ctx.Done():
		first = ctx.Err()
	case first = <-errs:
	}

	_ = ch.Close()
	wg.Wait()

	return first
}

func (c *Consumer) handle(queue string, body []byte) error {
	ev, err := decode(body)
	if err != nil {
		return err
	}

	c.logger.Info("booking event",
		"queue", queue,
		"booking_id", ev.BookingID,
		"user_id", ev.UserID,
		"train_id", ev.TrainID,
		"seat_number", ev.SeatNumber,
		"remaining_seats", ev.RemainingSeats,
		"occurred_at", ev.OccurredAt,
	)

	return nil
}

var errEmptyEvent = errors.New("event without booking id")

func decode(body []byte) (BookingEvent, error) {
	var ev BookingEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return BookingEvent{}, fmt.Errorf("unmarshal: %w", err)
	}

	if ev.BookingID == uuid.Nil {
		return BookingEvent{}, errEmptyEvent
	}

	return ev, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
