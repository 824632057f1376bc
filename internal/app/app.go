package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/kirinyoku/railgo/internal/auth"
	"github.com/kirinyoku/railgo/internal/config"
	"github.com/kirinyoku/railgo/internal/ledger"
	"github.com/kirinyoku/railgo/internal/postgres"
	"github.com/kirinyoku/railgo/internal/queue"
	"github.com/kirinyoku/railgo/internal/redis"
	postgresrepo "github.com/kirinyoku/railgo/internal/repository/postgres"
	redisrepo "github.com/kirinyoku/railgo/internal/repository/redis"
	"github.com/kirinyoku/railgo/internal/service"
	"github.com/kirinyoku/railgo/internal/service/account"
	httpgin "github.com/kirinyoku/railgo/internal/transport/http/gin"
)

const shutdownTimeout = 5 * time.Second

type App struct {
	cfg        *config.Config
	logger     *slog.Logger
	httpServer *http.Server
	services   *service.Services
	pool       *pgxpool.Pool
	rdb        *goredis.Client
	pubsub     *redisrepo.TrainsPubSub
	events     *queue.Publisher
	consumer   *queue.Consumer
}

func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	const op = "app.New"

	pgxPool, err := postgres.New(ctx, postgres.Config{
		DSN:      cfg.Postgres.DSN(),
		MaxConns: cfg.Postgres.MaxConns,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: postgres: %w", op, err)
	}

	if err := postgres.Migrate(ctx, pgxPool); err != nil {
		pgxPool.Close()
		return nil, fmt.Errorf("%s: migrate: %w", op, err)
	}

	rdb, err := redis.New(ctx, redis.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		pgxPool.Close()
		return nil, fmt.Errorf("%s: redis: %w", op, err)
	}

	tokens, err := auth.NewTokens(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	if err != nil {
		pgxPool.Close()
		_ = rdb.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	// Repositories
	store := postgresrepo.NewStore(pgxPool)
	seats := ledger.New[int64](ledger.Options{LockTimeout: cfg.Booking.LedgerLockTimeout})
	cache := redisrepo.New(rdb)
	pubsub := redisrepo.NewTrainsPubSub(rdb)
	limiter := redisrepo.NewSlidingWindowLimiter(rdb, "bookings", cfg.Booking.RateLimit, cfg.Booking.RateWindow)
	idempotencyStore := redisrepo.NewIdempotencyStore(rdb, cfg.Booking.IdempotencyTTL)
	events := queue.NewPublisher(cfg.AMQP.URL, cfg.AMQP.Buffer, logger)

	services := service.NewServices(
		store,
		seats,
		cache,
		pubsub,
		limiter,
		events,
		tokens,
		logger,
		service.Config{
			Account: account.Config{
				BcryptCost:  cfg.Auth.BcryptCost,
				AdminAPIKey: cfg.Auth.AdminAPIKey,
			},
		},
	)

	n, err := services.Admin.RestoreLedger(ctx)
	if err != nil {
		pgxPool.Close()
		_ = rdb.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	logger.Info("seat ledger restored", "trains", n)

	router := httpgin.NewRouter(services, tokens, idempotencyStore, logger)

	return &App{
		cfg:      cfg,
		logger:   logger,
		services: services,
		pool:     pgxPool,
		rdb:      rdb,
		pubsub:   pubsub,
		events:   events,
		consumer: queue.NewConsumer(cfg.AMQP.URL, logger),
		httpServer: &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)

	// HTTP server
	g.Go(func() error {
		a.logger.Info("HTTP server listening", "host", a.cfg.Server.Host, "port", a.cfg.Server.Port)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
		return nil
	})

	// Trains created on other instances
	g.Go(func() error {
		err := a.pubsub.Subscribe(gCtx, a.services.Admin.HandleTrainChange)
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("train changes subscription: %w", err)
		}
		return nil
	})

	// Booking events
	g.Go(func() error {
		return a.events.Run(gCtx)
	})

	g.Go(func() error {
		return a.consumer.Run(gCtx)
	})

	// Graceful shutdown
	g.Go(func() error {
		<-gCtx.Done()
		a.logger.Info("shutting down HTTP server")

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		err := a.httpServer.Shutdown(ctx)

		if cerr := a.rdb.Close(); cerr != nil {
			a.logger.Warn("close redis", "err", cerr)
		}
		a.pool.Close()

		return err
	})

	return g.Wait()
}
