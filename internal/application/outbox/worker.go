package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/resy-booker/internal/infrastructure/kafka"
	"github.com/example/resy-booker/internal/infrastructure/postgres"
	"github.com/example/resy-booker/internal/logging"
	"github.com/example/resy-booker/internal/metrics"
)

type Repository interface {
	Unpublished(ctx context.Context, tx pgx.Tx, n int) ([]postgres.OutboxEvent, error)
	MarkPublished(ctx context.Context, tx pgx.Tx, id int64) error
	MarkFailed(ctx context.Context, tx pgx.Tx, id int64, msg string) error
}

type Publisher interface {
	Publish(ctx context.Context, m kafka.Message) error
}

type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Worker relays committed outbox rows to the broker. Delivery is at least
// once; consumers dedupe on event_id.
type Worker struct {
	db        TxBeginner
	repo      Repository
	publisher Publisher
	logger    *zap.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer

	BatchSize int
	Interval  time.Duration
}

func NewWorker(db TxBeginner, repo Repository, publisher Publisher, logger *zap.Logger, m *metrics.Metrics) *Worker {
	return &Worker{
		db:        db,
		repo:      repo,
		publisher: publisher,
		logger:    logger,
		metrics:   m,
		tracer:    otel.Tracer("outbox-worker"),
		BatchSize: 50,
		Interval:  time.Second,
	}
}

func (w *Worker) Run(ctx context.Context) error {
	logging.Info(ctx, w.logger, "outbox worker started", zap.Duration("interval", w.Interval))
	t := time.NewTicker(w.Interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Info(context.WithoutCancel(ctx), w.logger, "outbox worker stopping")
			return ctx.Err()
		case <-t.C:
			if _, err := w.ProcessBatch(ctx); err != nil {
				logging.Error(ctx, w.logger, "outbox batch failed", zap.Error(err))
			}
		}
	}
}

// ProcessBatch publishes one batch and reports how many events went out.
func (w *Worker) ProcessBatch(ctx context.Context) (int, error) {
	ctx, span := w.tracer.Start(ctx, "Outbox.ProcessBatch")
	defer span.End()

	tx, err := w.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	events, err := w.repo.Unpublished(ctx, tx, w.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	sent := 0
	for _, ev := range events {
		value, err := withEventID(ev.Payload, ev.ID)
		if err != nil {
			logging.Error(ctx, w.logger, "outbox payload unreadable", zap.Int64("id", ev.ID), zap.Error(err))
			if err := w.repo.MarkFailed(ctx, tx, ev.ID, err.Error()); err != nil {
				return sent, err
			}
			w.count("invalid")
			continue
		}

		err = w.publisher.Publish(ctx, kafka.Message{Topic: ev.Topic, Key: ev.AggregateID, Value: value})
		if err != nil {
			logging.Warn(ctx, w.logger, "outbox publish failed", zap.Int64("id", ev.ID), zap.Error(err))
			if err := w.repo.MarkFailed(ctx, tx, ev.ID, err.Error()); err != nil {
				return sent, err
			}
			w.count("failed")
			continue
		}
		if err := w.repo.MarkPublished(ctx, tx, ev.ID); err != nil {
			return sent, err
		}
		w.count("published")
		sent++
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit outbox batch: %w", err)
	}
	return sent, nil
}

func (w *Worker) count(result string) {
	if w.metrics != nil {
		w.metrics.OutboxPublished.WithLabelValues(result).Inc()
	}
}

func withEventID(payload []byte, id int64) ([]byte, error) {
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, err
	}
	m["event_id"] = id
	return json.Marshal(m)
}
