package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kirinyoku/railgo/internal/domain"
	"github.com/kirinyoku/railgo/internal/ledger"
	"github.com/kirinyoku/railgo/internal/repository"
	postgresrepo "github.com/kirinyoku/railgo/internal/repository/postgres"
	redisrepo "github.com/kirinyoku/railgo/internal/repository/redis"
)

type Config struct {
	TrainTTL         time.Duration
	SearchTTL        time.Duration
	DefaultPageLimit int
	MaxPageLimit     int
}

// TrainReader is implemented by *postgresrepo.TrainRepo.
type TrainReader interface {
	Get(ctx context.Context, db postgresrepo.DB, id int64) (*domain.Train, error)
	Search(ctx context.Context, db postgresrepo.DB, f domain.TrainFilter) ([]domain.Train, error)
}

// SeatCounter is the read side of the seat ledger.
type SeatCounter interface {
	AvailableSeats(trainID int64) (int, error)
}

// Service serves the train catalog. Train metadata is cached; seat counts
// always come from the ledger.
type Service struct {
	trains TrainReader
	seats  SeatCounter
	cache  *redisrepo.Cache
	cfg    Config
}

func New(trains TrainReader, seats SeatCounter, cache *redisrepo.Cache, cfg Config) *Service {
	if cfg.TrainTTL <= 0 {
		cfg.TrainTTL = 5 * time.Minute
	}

	if cfg.SearchTTL <= 0 {
		cfg.SearchTTL = 30 * time.Second
	}

	if cfg.DefaultPageLimit <= 0 {
		cfg.DefaultPageLimit = 20
	}

	if cfg.MaxPageLimit <= 0 {
		cfg.MaxPageLimit = 100
	}

	return &Service{
		trains: trains,
		seats:  seats,
		cache:  cache,
		cfg:    cfg,
	}
}

// GetTrain retrieves a train by its ID with its current seat count.
//
// Parameters:
//   - ctx: request-scoped context.
//   - id: ID of the train to retrieve.
//
// Returns:
//   - *domain.Train: the train, or nil if not found.
//   - error: query.ErrTrainNotFound if the train is not found.
func (s *Service) GetTrain(ctx context.Context, id int64) (*domain.Train, error) {
	const op = "service.query.GetTrain"

	train, err := redisrepo.GetOrSetJSON(
		ctx,
		s.cache,
		redisrepo.KeyTrain(id),
		s.cfg.TrainTTL,
		func(ctx context.Context) (domain.Train, error) {
			t, err := s.trains.Get(ctx, nil, id)
			if err != nil {
				if errors.Is(err, repository.ErrNotFound) {
					return domain.Train{}, ErrTrainNotFound
				}

				return domain.Train{}, err
			}

			return *t, nil
		},
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	s.overlay(&train)

	return &train, nil
}

// SearchTrains lists trains between source and destination. Either may be
// empty to match any station. Limit is clamped to the configured page size.
//
// Parameters:
//   - ctx: request-scoped context.
//   - f: route filter and pagination.
//
// Returns:
//   - []domain.Train: matching trains ordered by ID, never nil.
func (s *Service) SearchTrains(ctx context.Context, f domain.TrainFilter) ([]domain.Train, error) {
	const op = "service.query.SearchTrains"

	if f.Limit <= 0 {
		f.Limit = s.cfg.DefaultPageLimit
	}

	if f.Limit > s.cfg.MaxPageLimit {
		f.Limit = s.cfg.MaxPageLimit
	}

	if f.Offset < 0 {
		f.Offset = 0
	}

	trains, err := redisrepo.GetOrSetJSON(
		ctx,
		s.cache,
		redisrepo.KeyTrainSearch(f.Source, f.Destination, f.Limit, f.Offset),
		s.cfg.SearchTTL,
		func(ctx context.Context) ([]domain.Train, error) {
			return s.trains.Search(ctx, nil, f)
		},
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if trains == nil {
		trains = []domain.Train{}
	}

	for i := range trains {
		s.overlay(&trains[i])
	}

	return trains, nil
}

// Availability returns a point-in-time seat count for display. The value
// may be stale by the time the caller reads it.
func (s *Service) Availability(ctx context.Context, trainID int64) (domain.Availability, error) {
	const op = "service.query.Availability"

	total, err := s.Capacity(ctx, trainID)
	if err != nil {
		return domain.Availability{}, fmt.Errorf("%s: %w", op, err)
	}

	available, err := s.seats.AvailableSeats(trainID)
	if err != nil {
		return domain.Availability{}, fmt.Errorf("%s: %w", op, mapLedgerErr(err))
	}

	return domain.Availability{
		TrainID:        trainID,
		TotalSeats:     total,
		AvailableSeats: available,
	}, nil
}

// Exists reports whether the train is stored, whether or not the ledger
// has a counter for it yet.
func (s *Service) Exists(ctx context.Context, trainID int64) (bool, error) {
	_, err := s.GetTrain(ctx, trainID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrTrainNotFound):
		return false, nil
	default:
		return false, err
	}
}

// Capacity returns the stored total seat count of a train.
func (s *Service) Capacity(ctx context.Context, trainID int64) (int, error) {
	t, err := s.GetTrain(ctx, trainID)
	if err != nil {
		return 0, err
	}
	return t.TotalSeats, nil
}

// overlay replaces the stored seat count with the ledger's. Trains the
// ledger does not know keep the stored value.
func (s *Service) overlay(t *domain.Train) {
	if n, err := s.seats.AvailableSeats(t.ID); err == nil {
		t.AvailableSeats = n
	}
}

func mapLedgerErr(err error) error {
	if errors.Is(err, ledger.ErrUnknownTrain) {
		return ErrTrainNotFound
	}
	return err
}
