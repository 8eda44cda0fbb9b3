package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/resy-booker/internal/db"
	"github.com/example/resy-booker/internal/domain/reservation"
)

// RequestRepo is the Postgres reservation.Store.
type RequestRepo struct {
	pool   *pgxpool.Pool
	outbox *OutboxRepo
	tracer trace.Tracer
}

var _ reservation.Store = (*RequestRepo)(nil)

func NewRequestRepo(pool *pgxpool.Pool, outbox *OutboxRepo) *RequestRepo {
	return &RequestRepo{
		pool:   pool,
		outbox: outbox,
		tracer: otel.Tracer("postgres/request_repo"),
	}
}

const requestColumns = `id, user_id, venue_id, venue_name, party_size, reservation_date,
	desired_times, slot_types, status, booking_reference, attention, last_error, created_at, updated_at`

func scanRequest(row pgx.Row) (reservation.Request, error) {
	var (
		r         reservation.Request
		times     []string
		status    string
		reference *string
		attention string
	)
	err := row.Scan(&r.ID, &r.UserID, &r.VenueID, &r.VenueName, &r.PartySize, &r.Date,
		&times, &r.SlotTypes, &status, &reference, &attention, &r.LastError, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return reservation.Request{}, err
	}
	if r.Times, err = reservation.ParseTimes(times); err != nil {
		return reservation.Request{}, fmt.Errorf("request %s: %w", r.ID, err)
	}
	r.Status = reservation.Status(status)
	r.Attention = reservation.Attention(attention)
	if reference != nil {
		r.BookingReference = *reference
	}
	r.Date = reservation.DateOf(r.Date)
	return r, nil
}

func collectRequests(rows pgx.Rows) ([]reservation.Request, error) {
	defer rows.Close()
	var out []reservation.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *RequestRepo) Get(ctx context.Context, id uuid.UUID) (reservation.Request, error) {
	r, err := scanRequest(s.pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM reservation_requests WHERE id=$1`, id))
	if err != nil {
		if db.IsNoRows(err) {
			return reservation.Request{}, reservation.ErrNotFound
		}
		return reservation.Request{}, fmt.Errorf("get request: %w", err)
	}
	return r, nil
}

func (s *RequestRepo) List(ctx context.Context, userID int64, status *reservation.Status) ([]reservation.Request, error) {
	q := `SELECT ` + requestColumns + ` FROM reservation_requests WHERE user_id=$1`
	args := []any{userID}
	if status != nil {
		q += ` AND status=$2`
		args = append(args, string(*status))
	}
	q += ` ORDER BY created_at DESC, id`

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	return collectRequests(rows)
}

func (s *RequestRepo) ListActive(ctx context.Context, limit int) ([]reservation.Request, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+requestColumns+` FROM reservation_requests
		WHERE status='active' AND attention=''
		ORDER BY reservation_date ASC, created_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list active requests: %w", err)
	}
	return collectRequests(rows)
}

func (s *RequestRepo) ListExpired(ctx context.Context, before time.Time, limit int) ([]reservation.Request, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+requestColumns+` FROM reservation_requests
		WHERE status='active' AND reservation_date < $1
		ORDER BY reservation_date ASC, created_at ASC
		LIMIT $2
	`, reservation.DateOf(before), limit)
	if err != nil {
		return nil, fmt.Errorf("list expired requests: %w", err)
	}
	return collectRequests(rows)
}

func (s *RequestRepo) Create(ctx context.Context, r reservation.Request) (reservation.Request, error) {
	if r.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return reservation.Request{}, err
		}
		r.ID = id
	}
	if r.Status == "" {
		r.Status = reservation.StatusActive
	}
	if r.SlotTypes == nil {
		r.SlotTypes = []string{}
	}
	r.Date = reservation.DateOf(r.Date)
	if err := r.Validate(); err != nil {
		return reservation.Request{}, err
	}

	var reference *string
	if r.BookingReference != "" {
		reference = &r.BookingReference
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO reservation_requests
			(id, user_id, venue_id, venue_name, party_size, reservation_date, desired_times, slot_types, status, booking_reference)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at
	`, r.ID, r.UserID, r.VenueID, r.VenueName, r.PartySize, r.Date,
		reservation.FormatTimes(r.Times), r.SlotTypes, string(r.Status), reference,
	).Scan(&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return reservation.Request{}, reservation.ErrConflict
		}
		return reservation.Request{}, fmt.Errorf("insert request: %w", err)
	}
	return r, nil
}

// Transition moves id from one status to another only if it is still in
// from. The optional event is written in the same transaction.
func (s *RequestRepo) Transition(ctx context.Context, id uuid.UUID, from, to reservation.Status, f reservation.TransitionFields) (reservation.Request, error) {
	ctx, span := s.tracer.Start(ctx, "RequestRepo.Transition")
	defer span.End()
	span.SetAttributes(
		attribute.String("request_id", id.String()),
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
	)

	if !reservation.CanTransition(from, to) {
		return reservation.Request{}, reservation.ErrInvalidTransition
	}
	if (to == reservation.StatusSuccessful) != (f.BookingReference != "") {
		return reservation.Request{}, reservation.ErrInvalidTransition
	}
	var reference *string
	if f.BookingReference != "" {
		reference = &f.BookingReference
	}

	var out reservation.Request
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		r, err := scanRequest(tx.QueryRow(ctx, `
			UPDATE reservation_requests
			SET status=$3, booking_reference=$4, attention='', updated_at=now()
			WHERE id=$1 AND status=$2
			RETURNING `+requestColumns,
			id, string(from), string(to), reference))
		if db.IsNoRows(err) {
			return s.missOrConflict(ctx, tx, id, reservation.ErrConflict)
		}
		if err != nil {
			return fmt.Errorf("transition request: %w", err)
		}
		out = r
		if f.Event != nil {
			return s.outbox.Save(ctx, tx, *f.Event)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return reservation.Request{}, err
	}
	return out, nil
}

// Annotate records why an active request is stuck. With AttentionNone only the
// error text changes.
func (s *RequestRepo) Annotate(ctx context.Context, id uuid.UUID, a reservation.Attention, msg string, ev *reservation.Event) error {
	ctx, span := s.tracer.Start(ctx, "RequestRepo.Annotate")
	defer span.End()
	span.SetAttributes(
		attribute.String("request_id", id.String()),
		attribute.String("attention", string(a)),
	)

	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE reservation_requests
			SET attention=CASE WHEN $2::text='' THEN attention ELSE $2::text END, last_error=$3, updated_at=now()
			WHERE id=$1 AND status='active'
		`, id, string(a), msg)
		if err != nil {
			return fmt.Errorf("annotate request: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return s.missOrConflict(ctx, tx, id, reservation.ErrNotActive)
		}
		if ev != nil {
			return s.outbox.Save(ctx, tx, *ev)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (s *RequestRepo) ClearAttention(ctx context.Context, userID int64, a reservation.Attention) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE reservation_requests
		SET attention='', last_error='', updated_at=now()
		WHERE user_id=$1 AND attention=$2 AND status='active'
	`, userID, string(a))
	if err != nil {
		return 0, fmt.Errorf("clear attention: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *RequestRepo) Delete(ctx context.Context, userID int64, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM reservation_requests WHERE id=$1 AND user_id=$2`, id, userID)
	if err != nil {
		return fmt.Errorf("delete request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return reservation.ErrNotFound
	}
	return nil
}

func (s *RequestRepo) missOrConflict(ctx context.Context, tx pgx.Tx, id uuid.UUID, conflict error) error {
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM reservation_requests WHERE id=$1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return reservation.ErrNotFound
	}
	return conflict
}
