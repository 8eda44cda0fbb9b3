// Package booking drives one standing request through a booking attempt.
package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/resy-booker/internal/domain/reservation"
	"github.com/example/resy-booker/internal/logging"
	"github.com/example/resy-booker/internal/metrics"
)

type Outcome string

const (
	OutcomeSuccessful       Outcome = "successful"
	OutcomeNoMatch          Outcome = "no_match"
	OutcomeUnavailable      Outcome = "unavailable"
	OutcomeConflict         Outcome = "conflict"
	OutcomeNeedsCredentials Outcome = "needs_credentials"
	OutcomeAmbiguous        Outcome = "ambiguous"
)

// Transient reports whether the outcome should count as a provider failure.
func (o Outcome) Transient() bool { return o == OutcomeUnavailable }

type Result struct {
	Outcome   Outcome
	Reference string
	Slot      reservation.Slot
}

// Locker grants per-key exclusion. TryLock never waits.
type Locker interface {
	TryLock(ctx context.Context, key string) (release func(), ok bool, err error)
}

type TokenSource interface {
	GetToken(ctx context.Context, userID int64) (string, error)
}

type Orchestrator struct {
	store   reservation.Store
	gateway reservation.Gateway
	tokens  TokenSource
	locker  Locker
	matcher reservation.Matcher
	timeout time.Duration

	logger  *zap.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	now     func() time.Time
}

type Options struct {
	Matcher reservation.Matcher
	// GatewayTimeout bounds every gateway call.
	GatewayTimeout time.Duration
}

func New(store reservation.Store, gateway reservation.Gateway, tokens TokenSource, locker Locker, opts Options, logger *zap.Logger, m *metrics.Metrics) *Orchestrator {
	if opts.GatewayTimeout <= 0 {
		opts.GatewayTimeout = 5 * time.Second
	}
	return &Orchestrator{
		store:   store,
		gateway: gateway,
		tokens:  tokens,
		locker:  locker,
		matcher: opts.Matcher,
		timeout: opts.GatewayTimeout,
		logger:  logger,
		metrics: m,
		tracer:  otel.Tracer("booking/orchestrator"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Attempt runs one booking cycle for the request. Only active requests are
// attempted; anything else fails with reservation.ErrNotActive before the
// gateway is contacted. Attempt never expires a request.
func (o *Orchestrator) Attempt(ctx context.Context, id uuid.UUID) (Result, error) {
	ctx, span := o.tracer.Start(ctx, "Orchestrator.Attempt", trace.WithAttributes(attribute.String("request_id", id.String())))
	defer span.End()

	res, err := o.attempt(ctx, id)
	if err != nil {
		span.RecordError(err)
		return res, err
	}
	span.SetAttributes(attribute.String("outcome", string(res.Outcome)))
	if o.metrics != nil {
		o.metrics.Attempts.WithLabelValues(string(res.Outcome)).Inc()
	}
	return res, nil
}

func (o *Orchestrator) attempt(ctx context.Context, id uuid.UUID) (Result, error) {
	req, err := o.store.Get(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if req.Status != reservation.StatusActive {
		return Result{}, reservation.ErrNotActive
	}

	release, ok, err := o.locker.TryLock(ctx, id.String())
	if err != nil {
		return Result{}, fmt.Errorf("acquire attempt lock: %w", err)
	}
	if !ok {
		logging.Debug(ctx, o.logger, "attempt already in flight", zap.Stringer("request_id", id))
		return Result{Outcome: OutcomeConflict}, nil
	}
	defer release()

	// The request may have moved on while we waited for the lock.
	req, err = o.store.Get(ctx, id)
	if errors.Is(err, reservation.ErrNotFound) {
		return Result{Outcome: OutcomeConflict}, nil
	}
	if err != nil {
		return Result{}, err
	}
	if req.Status != reservation.StatusActive {
		return Result{Outcome: OutcomeConflict}, nil
	}
	if req.Attention == reservation.AttentionReconcile {
		return Result{Outcome: OutcomeAmbiguous}, nil
	}

	authToken, err := o.tokens.GetToken(ctx, req.UserID)
	if errors.Is(err, reservation.ErrNotLinked) {
		return o.needsCredentials(ctx, req, err)
	}
	if err != nil {
		return Result{}, err
	}

	slots, err := o.findSlots(ctx, req)
	if err != nil {
		return o.gatewayFailure(ctx, req, err)
	}
	slot, ok := o.matcher.Match(req, slots)
	if !ok {
		logging.Debug(ctx, o.logger, "no matching slot",
			zap.Stringer("request_id", req.ID),
			zap.Int("slots", len(slots)),
		)
		return Result{Outcome: OutcomeNoMatch}, nil
	}

	att := reservation.Attempt{RequestID: req.ID, Slot: slot, Outcome: reservation.AttemptPending}
	att.BookToken, err = o.bookingToken(ctx, req, slot, authToken)
	if errors.Is(err, reservation.ErrSlotTaken) {
		logging.Debug(ctx, o.logger, "slot taken before token was granted", zap.Stringer("request_id", req.ID))
		return Result{Outcome: OutcomeNoMatch, Slot: slot}, nil
	}
	if err != nil {
		return o.gatewayFailure(ctx, req, err)
	}

	// From here on a booking may exist at the provider, so caller
	// cancellation no longer applies; only the gateway timeout does.
	ctx = context.WithoutCancel(ctx)
	return o.commit(ctx, req, att, authToken)
}

func (o *Orchestrator) commit(ctx context.Context, req reservation.Request, att reservation.Attempt, authToken string) (Result, error) {
	cctx, cancel := context.WithTimeout(ctx, o.timeout)
	reference, err := o.gateway.CommitBooking(cctx, att.BookToken, authToken)
	cancel()

	switch {
	case err == nil:
		att.Outcome = reservation.AttemptCommitted
	case errors.Is(err, reservation.ErrSlotTaken):
		return Result{Outcome: OutcomeNoMatch, Slot: att.Slot}, nil
	case errors.Is(err, reservation.ErrUnauthorized):
		return o.needsCredentials(ctx, req, err)
	default:
		att.Outcome = reservation.AttemptFailed
		return o.ambiguous(ctx, req, att.Slot, err)
	}

	ev, err := reservation.BookedEvent(req, att.Slot, reference, o.now())
	if err != nil {
		return Result{}, err
	}
	_, err = o.store.Transition(ctx, req.ID, reservation.StatusActive, reservation.StatusSuccessful,
		reservation.TransitionFields{BookingReference: reference, Event: &ev})
	switch {
	case err == nil:
		logging.Info(ctx, o.logger, "reservation booked",
			zap.Stringer("request_id", req.ID),
			zap.String("reference", reference),
			zap.Time("slot_start", att.Slot.Start),
		)
		return Result{Outcome: OutcomeSuccessful, Reference: reference, Slot: att.Slot}, nil
	case errors.Is(err, reservation.ErrConflict), errors.Is(err, reservation.ErrNotFound):
		logging.Warn(ctx, o.logger, "booked but request changed underneath, standing down",
			zap.Stringer("request_id", req.ID),
			zap.String("reference", reference),
			zap.Error(err),
		)
		return Result{Outcome: OutcomeConflict, Reference: reference, Slot: att.Slot}, nil
	default:
		msg := fmt.Sprintf("booked as %s but could not record it: %v", reference, err)
		if aerr := o.store.Annotate(ctx, req.ID, reservation.AttentionReconcile, msg, nil); aerr != nil {
			logging.Error(ctx, o.logger, "annotate after failed transition", zap.Error(aerr))
		}
		return Result{Outcome: OutcomeAmbiguous, Reference: reference, Slot: att.Slot}, fmt.Errorf("record booking: %w", err)
	}
}

func (o *Orchestrator) findSlots(ctx context.Context, req reservation.Request) ([]reservation.Slot, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	return o.gateway.FindSlots(ctx, req.VenueID, req.Date, req.PartySize)
}

func (o *Orchestrator) bookingToken(ctx context.Context, req reservation.Request, slot reservation.Slot, authToken string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	return o.gateway.GetBookingToken(ctx, slot.Token, req.Date, req.PartySize, authToken)
}

// gatewayFailure handles errors from the read-only gateway calls.
func (o *Orchestrator) gatewayFailure(ctx context.Context, req reservation.Request, err error) (Result, error) {
	if errors.Is(err, reservation.ErrUnauthorized) {
		return o.needsCredentials(ctx, req, err)
	}
	logging.Warn(ctx, o.logger, "booking gateway unavailable",
		zap.Stringer("request_id", req.ID),
		zap.Error(err),
	)
	// records the error text only; a credentials flag set earlier stays
	o.annotate(ctx, req, reservation.AttentionNone, err.Error(), nil)
	return Result{Outcome: OutcomeUnavailable}, nil
}

func (o *Orchestrator) needsCredentials(ctx context.Context, req reservation.Request, cause error) (Result, error) {
	logging.Warn(ctx, o.logger, "request needs credentials",
		zap.Stringer("request_id", req.ID),
		zap.Int64("user_id", req.UserID),
		zap.Error(cause),
	)
	o.annotate(ctx, req, reservation.AttentionCredentials, cause.Error(), nil)
	return Result{Outcome: OutcomeNeedsCredentials}, nil
}

func (o *Orchestrator) ambiguous(ctx context.Context, req reservation.Request, slot reservation.Slot, cause error) (Result, error) {
	logging.Error(ctx, o.logger, "booking commit outcome unknown, needs reconciliation",
		zap.Stringer("request_id", req.ID),
		zap.Time("slot_start", slot.Start),
		zap.Error(cause),
	)
	ev, err := reservation.ReconcileEvent(req, slot, cause.Error(), o.now())
	if err != nil {
		return Result{}, err
	}
	o.annotate(ctx, req, reservation.AttentionReconcile, cause.Error(), &ev)
	return Result{Outcome: OutcomeAmbiguous, Slot: slot}, nil
}

func (o *Orchestrator) annotate(ctx context.Context, req reservation.Request, a reservation.Attention, msg string, ev *reservation.Event) {
	err := o.store.Annotate(ctx, req.ID, a, msg, ev)
	switch {
	case err == nil:
	case errors.Is(err, reservation.ErrNotFound), errors.Is(err, reservation.ErrNotActive):
		logging.Debug(ctx, o.logger, "request gone before annotation", zap.Stringer("request_id", req.ID))
	default:
		logging.Error(ctx, o.logger, "annotate request", zap.Stringer("request_id", req.ID), zap.Error(err))
	}
}
