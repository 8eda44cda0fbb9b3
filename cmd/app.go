package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/resy-booker/internal/application/booking"
	"github.com/example/resy-booker/internal/application/requests"
	"github.com/example/resy-booker/internal/application/vault"
	"github.com/example/resy-booker/internal/config"
	"github.com/example/resy-booker/internal/db"
	"github.com/example/resy-booker/internal/domain/reservation"
	"github.com/example/resy-booker/internal/infrastructure/crypto"
	"github.com/example/resy-booker/internal/infrastructure/lock"
	"github.com/example/resy-booker/internal/infrastructure/postgres"
	"github.com/example/resy-booker/internal/infrastructure/resy"
	"github.com/example/resy-booker/internal/logging"
	"github.com/example/resy-booker/internal/metrics"
	"github.com/example/resy-booker/internal/migrate"
)

// app holds the wiring shared by the server and the one-shot commands.
type app struct {
	cfg     config.Config
	logger  *zap.Logger
	pool    *pgxpool.Pool
	loc     *time.Location
	metrics *metrics.Metrics

	users       *postgres.UserRepo
	restaurants *postgres.RestaurantRepo
	outbox      *postgres.OutboxRepo
	store       *postgres.RequestRepo
	gateway     *resy.Client
	vault       *vault.Vault
	requests    *requests.Service
	locker      booking.Locker
	orch        *booking.Orchestrator

	closers []func()
}

type appOptions struct {
	migrate bool
}

func newApp(ctx context.Context, opts appOptions) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	a := &app{cfg: cfg, logger: logger, metrics: metrics.New()}
	a.closers = append(a.closers, func() { _ = logger.Sync() })

	if a.loc, err = time.LoadLocation(cfg.Timezone); err != nil {
		a.close()
		return nil, fmt.Errorf("timezone: %w", err)
	}

	if opts.migrate {
		if err := migrate.Up(cfg.DatabaseURL); err != nil {
			a.close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	pool, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		a.close()
		return nil, err
	}
	a.pool = pool
	a.closers = append(a.closers, pool.Close)

	sealer, err := crypto.NewSealer(cfg.CredEncKey)
	if err != nil {
		a.close()
		return nil, err
	}

	a.users = postgres.NewUserRepo(pool)
	a.restaurants = postgres.NewRestaurantRepo(pool)
	a.outbox = postgres.NewOutboxRepo()
	a.store = postgres.NewRequestRepo(pool, a.outbox)
	a.gateway = resy.New(resy.Config{
		BaseURL:     cfg.ResyBaseURL,
		APIKey:      cfg.ResyAPIKey,
		Timeout:     cfg.GatewayTimeout,
		MaxFailures: cfg.BreakerMaxFailures,
		OpenFor:     cfg.BreakerOpenFor,
	}, logger, a.metrics)
	a.vault = vault.New(postgres.NewCredentialsRepo(pool), sealer, a.gateway, a.store, logger)
	a.requests = requests.New(a.store, a.restaurants, a.loc)

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			a.close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		a.closers = append(a.closers, func() { _ = rdb.Close() })
		a.locker = lock.NewRedis(rdb, cfg.LockTTL)
	} else {
		logging.Warn(ctx, logger, "REDIS_ADDR not set, booking locks are process-local")
		a.locker = lock.NewMemory()
	}

	a.orch = booking.New(a.store, a.gateway, a.vault, a.locker, booking.Options{
		Matcher:        reservation.Matcher{Tolerance: cfg.MatchTolerance},
		GatewayTimeout: cfg.GatewayTimeout,
	}, logger, a.metrics)

	return a, nil
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
