package reservation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/kirinyoku/railgo/internal/domain"
	"github.com/kirinyoku/railgo/internal/ledger"
	"github.com/kirinyoku/railgo/internal/queue"
	"github.com/kirinyoku/railgo/internal/repository"
	postgresrepo "github.com/kirinyoku/railgo/internal/repository/postgres"
	"github.com/kirinyoku/railgo/internal/service/query"
	"github.com/kirinyoku/railgo/internal/uow"
)

const releaseAttempts = 3

// Catalog resolves trains; implemented by *query.Service.
type Catalog interface {
	GetTrain(ctx context.Context, id int64) (*domain.Train, error)
}

type SeatLedger interface {
	Reserve(ctx context.Context, trainID int64) (ledger.Ticket[int64], error)
	Release(ctx context.Context, trainID int64) error
	AvailableSeats(trainID int64) (int, error)
}

// SeatStore mirrors ledger changes in the database; implemented by
// *postgresrepo.TrainRepo.
type SeatStore interface {
	TakeSeat(ctx context.Context, db postgresrepo.DB, trainID int64) error
	ReturnSeat(ctx context.Context, db postgresrepo.DB, trainID int64) error
}

// BookingWriter is implemented by *postgresrepo.BookingRepo.
type BookingWriter interface {
	Create(ctx context.Context, db postgresrepo.DB, b *domain.Booking) error
	Delete(ctx context.Context, db postgresrepo.DB, id uuid.UUID, userID int64) (*domain.Booking, error)
}

type Limiter interface {
	Allow(ctx context.Context, id string) (bool, int64, time.Duration, error)
}

type EventPublisher interface {
	PublishConfirmed(ctx context.Context, ev queue.BookingEvent) error
	PublishCancelled(ctx context.Context, ev queue.BookingEvent) error
}

type Deps struct {
	Runner   uow.TxRunner
	Catalog  Catalog
	Ledger   SeatLedger
	Seats    SeatStore
	Bookings BookingWriter
	Limiter  Limiter        // optional
	Events   EventPublisher // optional
	Logger   *slog.Logger
}

type Service struct {
	catalog  Catalog
	ledger   SeatLedger
	seats    SeatStore
	bookings BookingWriter
	limiter  Limiter
	events   EventPublisher
	uow      *uow.UoW
	logger   *slog.Logger
}

func New(d Deps) *Service {
	return &Service{
		catalog:  d.Catalog,
		ledger:   d.Ledger,
		seats:    d.Seats,
		bookings: d.Bookings,
		limiter:  d.Limiter,
		events:   d.Events,
		uow:      uow.NewUoW(d.Runner),
		logger:   d.Logger,
	}
}

// Receipt is the outcome of a successful booking.
type Receipt struct {
	Booking   domain.Booking
	SeatsLeft int
}

// Book reserves one seat on a train for a user and records the booking.
// A seat taken from the ledger is handed back when the booking cannot be
// stored.
//
// Parameters:
//   - ctx: request-scoped context.
//   - userID: the booking user.
//   - trainID: train to book on.
//   - seatNumber: requested seat, 1..TotalSeats; not checked for uniqueness.
//
// Returns:
//   - *Receipt: the stored booking and the seats left right after it.
//   - error: reservation.ErrNoSeatsAvailable if the train is sold out.
//   - error: reservation.ErrTrainNotFound if the train does not exist.
//   - error: reservation.ErrBusy on transient failures.
//   - error: reservation.RateLimitedError when the user books too often.
func (s *Service) Book(ctx context.Context, userID, trainID int64, seatNumber int) (*Receipt, error) {
	const op = "service.reservation.Book"

	if seatNumber <= 0 {
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidSeat)
	}

	if err := s.allow(ctx, userID); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	train, err := s.catalog.GetTrain(ctx, trainID)
	if err != nil {
		switch {
		case errors.Is(err, query.ErrTrainNotFound):
			return nil, fmt.Errorf("%s: %w", op, ErrTrainNotFound)
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil, fmt.Errorf("%s: %w: %w", op, ErrBusy, err)
		}

		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if seatNumber > train.TotalSeats {
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidSeat)
	}

	ticket, err := s.ledger.Reserve(ctx, trainID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, mapLedgerErr(err))
	}

	booking := domain.Booking{
		UserID:     userID,
		TrainID:    trainID,
		SeatNumber: seatNumber,
	}

	// The guarded UPDATE re-checks the row under its lock, so read committed
	// is enough here.
	err = s.uow.DoWithOpts(ctx, &pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(
		ctx context.Context,
		tx postgresrepo.DB,
		after func(uow.AfterCommit),
	) error {
		if err := s.seats.TakeSeat(ctx, tx, trainID); err != nil {
			return err
		}

		if err := s.bookings.Create(ctx, tx, &booking); err != nil {
			return err
		}

		after(func(ctx context.Context) {
			s.publish(ctx, queue.QueueBookingConfirmed, booking, ticket.Remaining)
		})

		return nil
	})
	if err != nil {
		// An unanswered COMMIT may still have stored the booking. The seat
		// goes back either way; the guarded UPDATE keeps storage from
		// overselling if the ledger ends up one seat high.
		if errors.Is(err, repository.ErrCommitUnknown) {
			s.logger.Warn("booking commit outcome unknown",
				"user_id", userID,
				"train_id", trainID,
				"err", err,
			)
		}
		s.releaseSeat(context.WithoutCancel(ctx), trainID)
		return nil, fmt.Errorf("%s: %w", op, mapStoreErr(err))
	}

	s.logger.Info("seat booked",
		"booking_id", booking.ID,
		"user_id", userID,
		"train_id", trainID,
		"seats_before", ticket.Before,
		"seats_left", ticket.Remaining,
	)

	return &Receipt{Booking: booking, SeatsLeft: ticket.Remaining}, nil
}

// Cancel deletes a user's booking and returns its seat.
//
// Returns:
//   - *domain.Booking: the cancelled booking.
//   - error: reservation.ErrBookingNotFound if the user has no such booking.
func (s *Service) Cancel(ctx context.Context, userID int64, bookingID uuid.UUID) (*domain.Booking, error) {
	const op = "service.reservation.Cancel"

	var booking *domain.Booking

	err := s.uow.DoWithOpts(ctx, &pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(
		ctx context.Context,
		tx postgresrepo.DB,
		after func(uow.AfterCommit),
	) error {
		b, err := s.bookings.Delete(ctx, tx, bookingID, userID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrBookingNotFound
			}

			return err
		}

		if err := s.seats.ReturnSeat(ctx, tx, b.TrainID); err != nil {
			return err
		}

		booking = b

		after(func(ctx context.Context) {
			s.releaseSeat(ctx, b.TrainID)
			remaining, _ := s.ledger.AvailableSeats(b.TrainID)
			s.publish(ctx, queue.QueueBookingCancelled, *b, remaining)
		})

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, mapStoreErr(err))
	}

	return booking, nil
}

func (s *Service) allow(ctx context.Context, userID int64) error {
	if s.limiter == nil {
		return nil
	}

	ok, _, retry, err := s.limiter.Allow(ctx, strconv.FormatInt(userID, 10))
	if err != nil {
		s.logger.Warn("rate limiter unavailable", "user_id", userID, "err", err)
		return nil
	}

	if !ok {
		return RateLimitedError{RetryAfter: retry}
	}

	return nil
}

// releaseSeat hands a seat back to the ledger, retrying when its region
// is busy. A failure leaves the ledger one seat short until restart.
func (s *Service) releaseSeat(ctx context.Context, trainID int64) {
	var err error
	for i := 0; i < releaseAttempts; i++ {
		if err = s.ledger.Release(ctx, trainID); err == nil || !errors.Is(err, ledger.ErrTransient) {
			break
		}
	}

	if err != nil {
		s.logger.Error("release seat", "train_id", trainID, "err", err)
	}
}

func (s *Service) publish(ctx context.Context, kind string, b domain.Booking, remaining int) {
	if s.events == nil {
		return
	}

	ev := queue.BookingEvent{
		BookingID:      b.ID,
		UserID:         b.UserID,
		TrainID:        b.TrainID,
		SeatNumber:     b.SeatNumber,
		RemainingSeats: remaining,
		OccurredAt:     time.Now().UTC(),
	}

	var err error
	switch kind {
	case queue.QueueBookingConfirmed:
		err = s.events.PublishConfirmed(ctx, ev)
	case queue.QueueBookingCancelled:
		err = s.events.PublishCancelled(ctx, ev)
	}

	if err != nil {
		s.logger.Warn("publish booking event", "queue", kind, "booking_id", b.ID, "err", err)
	}
}

func mapLedgerErr(err error) error {
	switch {
	case errors.Is(err, ledger.ErrSoldOut):
		return ErrNoSeatsAvailable
	case errors.Is(err, ledger.ErrUnknownTrain):
		return ErrTrainNotFound
	case errors.Is(err, ledger.ErrTransient):
		return fmt.Errorf("%w: %w", ErrBusy, err)
	default:
		return err
	}
}

func mapStoreErr(err error) error {
	switch {
	case errors.Is(err, ErrBookingNotFound):
		return err
	case errors.Is(err, repository.ErrSeatsUnavailable):
		return ErrNoSeatsAvailable
	case errors.Is(err, repository.ErrNotFound):
		return ErrTrainNotFound
	case errors.Is(err, repository.ErrRetryable):
		return fmt.Errorf("%w: %w", ErrBusy, err)
	default:
		return err
	}
}
