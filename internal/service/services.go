package service

import (
	"log/slog"

	"github.com/kirinyoku/railgo/internal/auth"
	"github.com/kirinyoku/railgo/internal/ledger"
	"github.com/kirinyoku/railgo/internal/queue"
	postgres "github.com/kirinyoku/railgo/internal/repository/postgres"
	redis "github.com/kirinyoku/railgo/internal/repository/redis"
	"github.com/kirinyoku/railgo/internal/service/account"
	"github.com/kirinyoku/railgo/internal/service/admin"
	"github.com/kirinyoku/railgo/internal/service/orders"
	"github.com/kirinyoku/railgo/internal/service/query"
	"github.com/kirinyoku/railgo/internal/service/reservation"
)

type Services struct {
	Account     *account.Service
	Admin       *admin.Service
	Query       *query.Service
	Reservation *reservation.Service
	Orders      *orders.Service
}

type Config struct {
	Account account.Config
	Query   query.Config
}

func NewServices(
	store *postgres.Store,
	seats *ledger.Ledger[int64],
	cache *redis.Cache,
	pubsub *redis.TrainsPubSub,
	limiter *redis.SlidingWindowLimiter,
	events *queue.Publisher,
	tokens *auth.Tokens,
	logger *slog.Logger,
	cfg Config,
) *Services {
	catalog := query.New(store.Trains(), seats, cache, cfg.Query)

	// Keep absent optional collaborators as nil interfaces.
	var lim reservation.Limiter
	if limiter != nil {
		lim = limiter
	}

	var changes admin.ChangePublisher
	if pubsub != nil {
		changes = pubsub
	}

	return &Services{
		Account: account.New(store.Users(), tokens, cfg.Account),
		Admin:   admin.New(store, store.Trains(), catalog, seats, cache, changes, logger),
		Query:   catalog,
		Reservation: reservation.New(reservation.Deps{
			Runner:   store,
			Catalog:  catalog,
			Ledger:   seats,
			Seats:    store.Trains(),
			Bookings: store.Bookings(),
			Limiter:  lim,
			Events:   events,
			Logger:   logger,
		}),
		Orders: orders.New(store.Bookings()),
	}
}
