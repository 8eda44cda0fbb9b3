// Package memory holds in-process implementations used by tests and by
// single-node runs without Postgres.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/resy-booker/internal/domain/reservation"
)

type RequestStore struct {
	mu     sync.Mutex
	rows   map[uuid.UUID]reservation.Request
	events []reservation.Event
	now    func() time.Time
}

var _ reservation.Store = (*RequestStore)(nil)

func NewRequestStore() *RequestStore {
	return &RequestStore{
		rows: make(map[uuid.UUID]reservation.Request),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func clone(r reservation.Request) reservation.Request {
	r.Times = append([]reservation.TimeOfDay(nil), r.Times...)
	r.SlotTypes = append([]string(nil), r.SlotTypes...)
	return r
}

func (s *RequestStore) Get(_ context.Context, id uuid.UUID) (reservation.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	if !ok {
		return reservation.Request{}, reservation.ErrNotFound
	}
	return clone(r), nil
}

func (s *RequestStore) List(_ context.Context, userID int64, status *reservation.Status) ([]reservation.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []reservation.Request
	for _, r := range s.rows {
		if r.UserID != userID || (status != nil && r.Status != *status) {
			continue
		}
		out = append(out, clone(r))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (s *RequestStore) ListActive(_ context.Context, limit int) ([]reservation.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []reservation.Request
	for _, r := range s.rows {
		if r.Status == reservation.StatusActive && r.Attention == reservation.AttentionNone {
			out = append(out, clone(r))
		}
	}
	return byDate(out, limit), nil
}

func (s *RequestStore) ListExpired(_ context.Context, before time.Time, limit int) ([]reservation.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	day := reservation.DateOf(before)
	var out []reservation.Request
	for _, r := range s.rows {
		if r.Status == reservation.StatusActive && r.Date.Before(day) {
			out = append(out, clone(r))
		}
	}
	return byDate(out, limit), nil
}

func byDate(out []reservation.Request, limit int) []reservation.Request {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *RequestStore) Create(_ context.Context, r reservation.Request) (reservation.Request, error) {
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
	r.Date = reservation.DateOf(r.Date)
	if err := r.Validate(); err != nil {
		return reservation.Request{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[r.ID]; ok {
		return reservation.Request{}, reservation.ErrConflict
	}
	r.CreatedAt = s.now()
	r.UpdatedAt = r.CreatedAt
	s.rows[r.ID] = clone(r)
	return r, nil
}

func (s *RequestStore) Transition(_ context.Context, id uuid.UUID, from, to reservation.Status, f reservation.TransitionFields) (reservation.Request, error) {
	if !reservation.CanTransition(from, to) {
		return reservation.Request{}, reservation.ErrInvalidTransition
	}
	if (to == reservation.StatusSuccessful) != (f.BookingReference != "") {
		return reservation.Request{}, reservation.ErrInvalidTransition
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	if !ok {
		return reservation.Request{}, reservation.ErrNotFound
	}
	if r.Status != from {
		return reservation.Request{}, reservation.ErrConflict
	}
	r.Status = to
	r.BookingReference = f.BookingReference
	r.Attention = reservation.AttentionNone
	r.UpdatedAt = s.now()
	s.rows[id] = r
	if f.Event != nil {
		s.events = append(s.events, *f.Event)
	}
	return clone(r), nil
}

func (s *RequestStore) Annotate(_ context.Context, id uuid.UUID, a reservation.Attention, msg string, ev *reservation.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	if !ok {
		return reservation.ErrNotFound
	}
	if r.Status != reservation.StatusActive {
		return reservation.ErrNotActive
	}
	if a != reservation.AttentionNone {
		r.Attention = a
	}
	r.LastError = msg
	r.UpdatedAt = s.now()
	s.rows[id] = r
	if ev != nil {
		s.events = append(s.events, *ev)
	}
	return nil
}

func (s *RequestStore) ClearAttention(_ context.Context, userID int64, a reservation.Attention) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, r := range s.rows {
		if r.UserID == userID && r.Attention == a && r.Status == reservation.StatusActive {
			r.Attention = reservation.AttentionNone
			r.LastError = ""
			r.UpdatedAt = s.now()
			s.rows[id] = r
			n++
		}
	}
	return n, nil
}

func (s *RequestStore) Delete(_ context.Context, userID int64, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	if !ok || r.UserID != userID {
		return reservation.ErrNotFound
	}
	delete(s.rows, id)
	return nil
}

// Events returns the events recorded with transitions and annotations.
func (s *RequestStore) Events() []reservation.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]reservation.Event(nil), s.events...)
}
