package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	defaultBuffer  = 256
	sendTimeout    = 5 * time.Second
	drainTimeout   = 2 * time.Second
	handshakeLimit = 10 * time.Second
)

// ErrBufferFull is returned when events arrive faster than the broker takes
// them. The event is dropped.
var ErrBufferFull = errors.New("queue: publish buffer full")

type outbound struct {
	queue string
	body  []byte
}

// Publisher buffers booking events and sends them from Run, so callers never
// wait on the broker. It keeps one connection and reopens it after failures.
// A Publisher with an empty URL drops every event.
type Publisher struct {
	url     string
	logger  *slog.Logger
	pending chan outbound

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewPublisher creates a publisher holding up to buffer unsent events.
// A buffer of zero or less uses the default.
func NewPublisher(url string, buffer int, logger *slog.Logger) *Publisher {
	if buffer <= 0 {
		buffer = defaultBuffer
	}

	return &Publisher{
		url:     url,
		logger:  logger,
		pending: make(chan outbound, buffer),
	}
}

func (p *Publisher) Enabled() bool {
	return p != nil && p.url != ""
}

func (p *Publisher) PublishConfirmed(ctx context.Context, ev BookingEvent) error {
	return p.enqueue(ctx, QueueBookingConfirmed, ev)
}

func (p *Publisher) PublishCancelled(ctx context.Context, ev BookingEvent) error {
	return p.enqueue(ctx, QueueBookingCancelled, ev)
}

func (p *Publisher) enqueue(_ context.Context, queue string, ev BookingEvent) error {
	const op = "queue.Publisher.enqueue"

	if !p.Enabled() {
		return nil
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	select {
	case p.pending <- outbound{queue: queue, body: body}:
		return nil
	default:
		return fmt.Errorf("%s: %w", op, ErrBufferFull)
	}
}

// Run sends buffered events until ctx is done, then makes one short attempt
// to flush what is left. It returns nil on cancellation.
func (p *Publisher) Run(ctx context.Context) error {
	if !p.Enabled() {
		return nil
	}
	defer p.Close()

	for {
		select {
		case <-ctx.Done():
			p.drain(context.WithoutCancel(ctx))
			return nil
		case msg := <-p.pending:
			p.deliver(ctx, msg)
		}
	}
}

func (p *Publisher) drain(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, drainTimeout)
	defer cancel()

	for {
		select {
		case msg := <-p.pending:
			if err := p.send(ctx, msg); err != nil {
				p.logger.Warn("booking publisher: dropped on shutdown",
					"queue", msg.queue, "left", len(p.pending), "err", err)
				return
			}
		default:
			return
		}
	}
}

func (p *Publisher) deliver(ctx context.Context, msg outbound) {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	if err := p.send(ctx, msg); err != nil {
		p.logger.Warn("booking publisher: send failed", "queue", msg.queue, "err", err)
	}
}

func (p *Publisher) send(ctx context.Context, msg outbound) error {
	const op = "queue.Publisher.send"

	ch, err := p.channel(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	err = ch.PublishWithContext(ctx, "", msg.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         msg.body,
	})
	if err != nil {
		p.mu.Lock()
		if p.ch == ch {
			p.reset()
		}
		p.mu.Unlock()
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// channel returns an open channel, dialing outside p.mu when needed.
func (p *Publisher) channel(ctx context.Context) (*amqp.Channel, error) {
	p.mu.Lock()
	if p.ch != nil && !p.ch.IsClosed() {
		ch := p.ch
		p.mu.Unlock()
		return ch, nil
	}
	p.reset()
	p.mu.Unlock()

	conn, err := dial(ctx, p.url)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	if err := declareQueues(ch); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch != nil && !p.ch.IsClosed() {
		_ = ch.Close()
		_ = conn.Close()
		return p.ch, nil
	}
	p.conn, p.ch = conn, ch

	return ch, nil
}

// reset drops the current connection. Callers hold p.mu.
func (p *Publisher) reset() {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
	p.conn, p.ch = nil, nil
}

func (p *Publisher) Close() {
	if p == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.reset()
}

// dial opens a connection whose TCP connect and AMQP handshake both stop
// when ctx is done.
func dial(ctx context.Context, url string) (*amqp.Connection, error) {
	var (
		mu   sync.Mutex
		raw  net.Conn
		done bool
	)

	stop := context.AfterFunc(ctx, func() {
		mu.Lock()
		defer mu.Unlock()
		done = true
		if raw != nil {
			_ = raw.SetDeadline(time.Now())
		}
	})
	defer stop()

	conn, err := amqp.DialConfig(url, amqp.Config{
		Dial: func(network, addr string) (net.Conn, error) {
			var d net.Dialer
			c, err := d.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}

			deadline := time.Now().Add(handshakeLimit)
			if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
				deadline = dl
			}
			if err := c.SetDeadline(deadline); err != nil {
				_ = c.Close()
				return nil, err
			}

			mu.Lock()
			defer mu.Unlock()
			raw = c
			if done {
				_ = c.SetDeadline(time.Now())
			}

			return c, nil
		},
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: %w", ctxErr, err)
		}
		return nil, err
	}

	return conn, nil
}

func declareQueues(ch *amqp.Channel) error {
	for _, q := range Queues {
		if _, err := ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare %s: %w", q, err)
		}
	}
	return nil
}
