package reservation

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TransitionFields are written together with a status change.
type TransitionFields struct {
	BookingReference string
	Event            *Event
}

// Store persists standing requests.
//
// Transition is a compare-and-swap on status: it succeeds only when the stored
// status equals from, otherwise it returns ErrConflict (or ErrNotFound when the
// row is gone). Exactly-once booking relies on this being atomic.
//
// ListActive feeds booking attempts and leaves out flagged requests, so a pile
// of stuck requests cannot crowd healthy ones out of a batch. ListExpired
// returns active requests dated before the given day, flagged or not.
//
// Annotate only raises flags: with AttentionNone it records msg and keeps any
// flag already set. ClearAttention is the only way to lower one.
type Store interface {
	Get(ctx context.Context, id uuid.UUID) (Request, error)
	List(ctx context.Context, userID int64, status *Status) ([]Request, error)
	ListActive(ctx context.Context, limit int) ([]Request, error)
	ListExpired(ctx context.Context, before time.Time, limit int) ([]Request, error)
	Create(ctx context.Context, r Request) (Request, error)
	Transition(ctx context.Context, id uuid.UUID, from, to Status, f TransitionFields) (Request, error)
	Annotate(ctx context.Context, id uuid.UUID, a Attention, msg string, ev *Event) error
	ClearAttention(ctx context.Context, userID int64, a Attention) (int64, error)
	Delete(ctx context.Context, userID int64, id uuid.UUID) error
}
