package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/resy-booker/internal/domain/reservation"
)

const aggregateRequest = "reservation_request"

// OutboxEvent is a stored event waiting to be published.
type OutboxEvent struct {
	ID          int64
	AggregateID string
	EventType   string
	Topic       string
	Payload     json.RawMessage
	Attempts    int
	CreatedAt   time.Time
}

// maxPublishAttempts bounds retries of a poison event.
const maxPublishAttempts = 10

type OutboxRepo struct {
	tracer trace.Tracer
}

func NewOutboxRepo() *OutboxRepo {
	return &OutboxRepo{tracer: otel.Tracer("postgres/outbox_repo")}
}

func (r *OutboxRepo) Save(ctx context.Context, tx pgx.Tx, ev reservation.Event) error {
	ctx, span := r.tracer.Start(ctx, "OutboxRepo.Save")
	defer span.End()
	span.SetAttributes(
		attribute.String("aggregate_id", ev.AggregateID),
		attribute.String("event_type", ev.Type),
	)

	_, err := tx.Exec(ctx, `
		INSERT INTO outbox (aggregate_type, aggregate_id, event_type, topic, payload)
		VALUES ($1, $2, $3, $4, $5)
	`, aggregateRequest, ev.AggregateID, ev.Type, ev.Topic, []byte(ev.Payload))
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("save outbox event: %w", err)
	}
	return nil
}

// Unpublished locks up to n pending events for the lifetime of tx.
func (r *OutboxRepo) Unpublished(ctx context.Context, tx pgx.Tx, n int) ([]OutboxEvent, error) {
	ctx, span := r.tracer.Start(ctx, "OutboxRepo.Unpublished")
	defer span.End()
	span.SetAttributes(attribute.Int("batch_size", n))

	rows, err := tx.Query(ctx, `
		SELECT id, aggregate_id, event_type, topic, payload, attempts, created_at
		FROM outbox
		WHERE published_at IS NULL AND attempts < $2
		ORDER BY created_at ASC, id ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, n, maxPublishAttempts)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("query unpublished events: %w", err)
	}
	defer rows.Close()

	var out []OutboxEvent
	for rows.Next() {
		var e OutboxEvent
		var payload []byte
		if err := rows.Scan(&e.ID, &e.AggregateID, &e.EventType, &e.Topic, &payload, &e.Attempts, &e.CreatedAt); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}
		e.Payload = payload
		out = append(out, e)
	}
	span.SetAttributes(attribute.Int("result_count", len(out)))
	return out, rows.Err()
}

func (r *OutboxRepo) MarkPublished(ctx context.Context, tx pgx.Tx, id int64) error {
	_, err := tx.Exec(ctx, `UPDATE outbox SET published_at = now(), last_error = NULL WHERE id = $1`, id)
	return err
}

func (r *OutboxRepo) MarkFailed(ctx context.Context, tx pgx.Tx, id int64, msg string) error {
	_, err := tx.Exec(ctx, `UPDATE outbox SET last_error = $2, attempts = attempts + 1 WHERE id = $1`, id, msg)
	return err
}
