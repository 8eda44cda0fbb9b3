// Package scheduler periodically drives active requests through the
// orchestrator and retires requests whose date has passed.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/resy-booker/internal/application/booking"
	"github.com/example/resy-booker/internal/domain/reservation"
	"github.com/example/resy-booker/internal/logging"
	"github.com/example/resy-booker/internal/metrics"
)

type Attempter interface {
	Attempt(ctx context.Context, id uuid.UUID) (booking.Result, error)
}

type Config struct {
	Interval      time.Duration
	MaxConcurrent int
	BatchSize     int
	// Location decides which calendar day is "today" for expiry.
	Location *time.Location
}

type Summary struct {
	Seen      int
	Expired   int
	Attempted int
	Skipped   int
}

type Scheduler struct {
	store   reservation.Store
	orch    Attempter
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu       sync.Mutex
	inFlight map[uuid.UUID]struct{}
	failures map[uuid.UUID]int
}

func New(store reservation.Store, orch Attempter, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 100
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Scheduler{
		store:    store,
		orch:     orch,
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
		inFlight: make(map[uuid.UUID]struct{}),
		failures: make(map[uuid.UUID]int),
	}
}

func (s *Scheduler) Run(ctx context.Context) error {
	logging.Info(ctx, s.logger, "scheduler started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Int("max_concurrent", s.cfg.MaxConcurrent),
	)
	t := time.NewTicker(s.cfg.Interval)
	defer t.Stop()

	// kick immediately
	s.runTick(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			s.runTick(ctx)
		}
	}
}

func (s *Scheduler) runTick(ctx context.Context) {
	sum, err := s.Tick(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			logging.Error(ctx, s.logger, "scheduler tick failed", zap.Error(err))
		}
		return
	}
	if sum.Attempted > 0 || sum.Expired > 0 {
		logging.Debug(ctx, s.logger, "scheduler tick",
			zap.Int("seen", sum.Seen),
			zap.Int("attempted", sum.Attempted),
			zap.Int("expired", sum.Expired),
			zap.Int("skipped", sum.Skipped),
		)
	}
}

// Tick runs one pass and waits for the attempts it started. Requests dated
// before today are expired first, flagged or not; the rest of the batch comes
// from the unflagged attempt feed.
func (s *Scheduler) Tick(ctx context.Context) (Summary, error) {
	today := reservation.DateOf(s.now().In(s.cfg.Location))

	var sum Summary
	stale, err := s.store.ListExpired(ctx, today, s.cfg.BatchSize)
	if err != nil {
		return sum, err
	}
	for _, r := range stale {
		if s.expire(ctx, r) {
			sum.Expired++
		}
	}

	active, err := s.store.ListActive(ctx, s.cfg.BatchSize)
	if err != nil {
		return sum, err
	}
	sum.Seen = len(active)
	if s.metrics != nil {
		s.metrics.ActiveRequests.Set(float64(len(active)))
	}
	s.pruneFailures(active)

	var g errgroup.Group
	g.SetLimit(s.cfg.MaxConcurrent)
	for _, r := range active {
		// left over when more than a batch expired at once; next tick
		if r.Date.Before(today) || !s.claim(r.ID) {
			sum.Skipped++
			continue
		}
		if ctx.Err() != nil {
			s.unclaim(r.ID)
			break
		}
		sum.Attempted++
		id := r.ID
		g.Go(func() error {
			defer s.unclaim(id)
			s.attempt(ctx, id)
			return nil
		})
	}
	_ = g.Wait()
	s.publishFailures()
	return sum, ctx.Err()
}

func (s *Scheduler) attempt(ctx context.Context, id uuid.UUID) {
	res, err := s.orch.Attempt(ctx, id)
	if err != nil && !errors.Is(err, reservation.ErrNotActive) && !errors.Is(err, reservation.ErrNotFound) {
		logging.Error(ctx, s.logger, "booking attempt failed", zap.Stringer("request_id", id), zap.Error(err))
		s.recordFailure(id)
		return
	}
	if res.Outcome.Transient() {
		s.recordFailure(id)
		return
	}
	s.mu.Lock()
	delete(s.failures, id)
	s.mu.Unlock()
}

func (s *Scheduler) expire(ctx context.Context, r reservation.Request) bool {
	_, err := s.store.Transition(ctx, r.ID, reservation.StatusActive, reservation.StatusExpired, reservation.TransitionFields{})
	switch {
	case err == nil:
		logging.Info(ctx, s.logger, "request expired",
			zap.Stringer("request_id", r.ID),
			zap.String("date", r.Date.Format(reservation.DateLayout)),
		)
		return true
	case errors.Is(err, reservation.ErrConflict), errors.Is(err, reservation.ErrNotFound):
		return false
	default:
		logging.Error(ctx, s.logger, "expire request", zap.Stringer("request_id", r.ID), zap.Error(err))
		return false
	}
}

func (s *Scheduler) claim(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[id]; busy {
		return false
	}
	s.inFlight[id] = struct{}{}
	return true
}

func (s *Scheduler) unclaim(id uuid.UUID) {
	s.mu.Lock()
	delete(s.inFlight, id)
	s.mu.Unlock()
}

func (s *Scheduler) recordFailure(id uuid.UUID) {
	s.mu.Lock()
	s.failures[id]++
	s.mu.Unlock()
}

func (s *Scheduler) pruneFailures(active []reservation.Request) {
	keep := make(map[uuid.UUID]struct{}, len(active))
	for _, r := range active {
		keep[r.ID] = struct{}{}
	}
	s.mu.Lock()
	for id := range s.failures {
		if _, ok := keep[id]; !ok {
			delete(s.failures, id)
		}
	}
	s.mu.Unlock()
}

func (s *Scheduler) publishFailures() {
	worst := s.MaxConsecutiveFailures()
	if s.metrics != nil {
		s.metrics.ConsecutiveFailures.Set(float64(worst))
	}
}

// ConsecutiveFailures reports the current transient failure streak of id.
func (s *Scheduler) ConsecutiveFailures(id uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures[id]
}

func (s *Scheduler) MaxConsecutiveFailures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	worst := 0
	for _, n := range s.failures {
		if n > worst {
			worst = n
		}
	}
	return worst
}
