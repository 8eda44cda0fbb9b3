package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/resy-booker/internal/application/outbox"
	"github.com/example/resy-booker/internal/application/scheduler"
	"github.com/example/resy-booker/internal/db"
	"github.com/example/resy-booker/internal/infrastructure/kafka"
	"github.com/example/resy-booker/internal/interfaces/web"
	"github.com/example/resy-booker/internal/logging"
)

type closingPublisher interface {
	outbox.Publisher
	Close() error
}

func newServerCmd() *cobra.Command {
	var (
		migrateUp    bool
		secureCookie bool
	)

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the JSON API, scheduler and outbox relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := newApp(ctx, appOptions{migrate: migrateUp})
			if err != nil {
				return err
			}
			defer a.close()
			cfg := a.cfg

			if cfg.OTLPEndpoint != "" {
				tp, err := logging.InitTracer(ctx, "resybook", cfg.OTLPEndpoint, cfg.Env)
				if err != nil {
					return err
				}
				defer func() { _ = tp.Shutdown(context.WithoutCancel(ctx)) }()
			}

			var pub closingPublisher
			if len(cfg.KafkaBrokers) > 0 {
				if pub, err = kafka.NewProducer(cfg.KafkaBrokers, a.logger); err != nil {
					return err
				}
			} else {
				logging.Warn(ctx, a.logger, "KAFKA_BROKERS not set, outbox events are logged only")
				pub = kafka.NewLogProducer(a.logger)
			}
			defer func() { _ = pub.Close() }()

			sched := scheduler.New(a.store, a.orch, scheduler.Config{
				Interval:      cfg.PollInterval,
				MaxConcurrent: cfg.MaxConcurrent,
				BatchSize:     cfg.BatchSize,
				Location:      a.loc,
			}, a.logger, a.metrics)

			relay := outbox.NewWorker(a.pool, a.outbox, pub, a.logger, a.metrics)
			if cfg.OutboxInterval > 0 {
				relay.Interval = cfg.OutboxInterval
			}

			srv := web.New(cfg.ListenAddr, web.Deps{
				Sessions:    web.NewSessionManager(cfg.CookieHashKey, cfg.CookieBlockKey, secureCookie),
				Users:       a.users,
				Requests:    a.requests,
				Credentials: a.vault,
				Slots:       a.gateway,
				Ping:        func(ctx context.Context) error { return db.Ping(ctx, a.pool) },
				Metrics:     a.metrics.Handler(),
				Logger:      a.logger,
			})

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return sched.Run(gctx) })
			g.Go(func() error { return relay.Run(gctx) })
			g.Go(func() error { return srv.ListenAndServe(gctx) })

			err = g.Wait()
			if errors.Is(err, context.Canceled) || errors.Is(err, http.ErrServerClosed) {
				err = nil
			}
			logging.Info(context.WithoutCancel(ctx), a.logger, "shut down", zap.Error(err))
			return err
		},
	}

	cmd.Flags().BoolVar(&migrateUp, "migrate", true, "run database migrations on startup")
	cmd.Flags().BoolVar(&secureCookie, "secure-cookie", false, "mark the session cookie Secure (serve behind TLS)")
	cmd.Flags().Lookup("migrate").NoOptDefVal = "true"
	return cmd
}
