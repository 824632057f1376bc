package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kirinyoku/railgo/internal/domain"
	"github.com/kirinyoku/railgo/internal/ledger"
	"github.com/kirinyoku/railgo/internal/repository"
	postgresrepo "github.com/kirinyoku/railgo/internal/repository/postgres"
	redisrepo "github.com/kirinyoku/railgo/internal/repository/redis"
	"github.com/kirinyoku/railgo/internal/uow"
)

// TrainStore is implemented by *postgresrepo.TrainRepo.
type TrainStore interface {
	Create(ctx context.Context, db postgresrepo.DB, t *domain.Train) error
	Get(ctx context.Context, db postgresrepo.DB, id int64) (*domain.Train, error)
	ListAll(ctx context.Context, db postgresrepo.DB) ([]domain.Train, error)
}

// SeatRegistry is the registration side of the seat ledger.
type SeatRegistry interface {
	RegisterTrain(trainID int64, totalSeats int) error
	Restore(trainID int64, totalSeats, availableSeats int) error
	Capacity(trainID int64) (int, error)
}

// TrainCatalog tells which trains exist and how many seats they have;
// implemented by *query.Service.
type TrainCatalog interface {
	Exists(ctx context.Context, trainID int64) (bool, error)
	Capacity(ctx context.Context, trainID int64) (int, error)
}

type ChangePublisher interface {
	PublishTrainChanged(ctx context.Context, change redisrepo.TrainChange) error
}

type Service struct {
	trains  TrainStore
	catalog TrainCatalog
	seats   SeatRegistry
	cache   *redisrepo.Cache
	pubsub  ChangePublisher
	uow     *uow.UoW
	logger  *slog.Logger
}

func New(
	runner uow.TxRunner,
	trains TrainStore,
	catalog TrainCatalog,
	seats SeatRegistry,
	cache *redisrepo.Cache,
	pubsub ChangePublisher,
	logger *slog.Logger,
) *Service {
	return &Service{
		trains:  trains,
		catalog: catalog,
		seats:   seats,
		cache:   cache,
		pubsub:  pubsub,
		uow:     uow.NewUoW(runner),
		logger:  logger,
	}
}

// CreateTrain stores a train with every seat available and, once the
// transaction commits, opens its seat counter.
//
// Parameters:
//   - ctx: request-scoped context.
//   - t: the train to create; ID, AvailableSeats and CreatedAt are filled in.
//
// Returns:
//   - *domain.Train: the created train.
//   - error: admin.ErrInvalidTrain or admin.ErrInvalidCapacity on bad input.
func (s *Service) CreateTrain(ctx context.Context, t domain.Train) (*domain.Train, error) {
	const op = "service.admin.CreateTrain"

	t.Name = strings.TrimSpace(t.Name)
	t.Source = strings.TrimSpace(t.Source)
	t.Destination = strings.TrimSpace(t.Destination)

	if t.Name == "" || t.Source == "" || t.Destination == "" {
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidTrain)
	}

	if t.TotalSeats <= 0 {
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidCapacity)
	}

	err := s.uow.Do(ctx, func(
		ctx context.Context,
		tx postgresrepo.DB,
		after func(uow.AfterCommit),
	) error {
		if err := s.trains.Create(ctx, tx, &t); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}

		after(func(ctx context.Context) {
			total, err := s.catalog.Capacity(ctx, t.ID)
			if err == nil {
				err = s.seats.RegisterTrain(t.ID, total)
			}
			if err != nil {
				s.logger.Error("register train in ledger", "train_id", t.ID, "err", err)
			}
			s.broadcast(ctx, "train_created", t)
		})

		return nil
	})
	if err != nil {
		return nil, err
	}

	return &t, nil
}

// RestoreLedger opens a seat counter for every stored train, sized by the
// catalog and filled with the persisted seat count. It is meant to run once
// before serving traffic.
//
// Returns:
//   - int: the number of counters restored.
//   - error: joined errors of trains that could not be restored.
func (s *Service) RestoreLedger(ctx context.Context) (int, error) {
	const op = "service.admin.RestoreLedger"

	trains, err := s.trains.ListAll(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	var (
		restored int
		errs     []error
	)
	for _, t := range trains {
		total, err := s.catalog.Capacity(ctx, t.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("train %d: %w", t.ID, err))
			continue
		}

		if err := s.seats.Restore(t.ID, total, t.AvailableSeats); err != nil {
			errs = append(errs, fmt.Errorf("train %d: %w", t.ID, err))
			continue
		}
		restored++
	}

	if len(errs) > 0 {
		return restored, fmt.Errorf("%s: %w", op, errors.Join(errs...))
	}

	return restored, nil
}

// HandleTrainChange reacts to a change announced by any instance: it drops
// cached catalog entries and opens a counter for trains this process has
// not seen yet.
func (s *Service) HandleTrainChange(ctx context.Context, change redisrepo.TrainChange) {
	if err := s.cache.InvalidateTrain(ctx, change.TrainID, change.Source, change.Destination); err != nil {
		s.logger.Warn("invalidate train cache", "train_id", change.TrainID, "err", err)
	}

	if _, err := s.seats.Capacity(change.TrainID); !errors.Is(err, ledger.ErrUnknownTrain) {
		return
	}

	exists, err := s.catalog.Exists(ctx, change.TrainID)
	if err != nil || !exists {
		if err != nil {
			s.logger.Error("look up announced train", "train_id", change.TrainID, "err", err)
		}
		return
	}

	total, err := s.catalog.Capacity(ctx, change.TrainID)
	if err != nil {
		s.logger.Error("look up announced train", "train_id", change.TrainID, "err", err)
		return
	}

	// The catalog overlays live counts; the stored count is what to restore.
	t, err := s.trains.Get(ctx, nil, change.TrainID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			s.logger.Error("load announced train", "train_id", change.TrainID, "err", err)
		}
		return
	}

	err = s.seats.Restore(t.ID, total, t.AvailableSeats)
	if err != nil && !errors.Is(err, ledger.ErrAlreadyExists) {
		s.logger.Error("restore announced train", "train_id", t.ID, "err", err)
	}
}

func (s *Service) broadcast(ctx context.Context, kind string, t domain.Train) {
	if err := s.cache.InvalidateTrain(ctx, t.ID, t.Source, t.Destination); err != nil {
		s.logger.Warn("invalidate train cache", "train_id", t.ID, "err", err)
	}

	if s.pubsub == nil {
		return
	}

	err := s.pubsub.PublishTrainChanged(ctx, redisrepo.TrainChange{
		Type:        kind,
		TrainID:     t.ID,
		Source:      t.Source,
		Destination: t.Destination,
	})
	if err != nil {
		s.logger.Warn("publish train change", "train_id", t.ID, "err", err)
	}
}
