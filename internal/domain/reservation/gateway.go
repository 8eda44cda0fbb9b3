package reservation

import (
	"context"
	"time"
)

// Gateway is the external booking provider.
//
// FindSlots is read-only and idempotent. GetBookingToken fails with
// ErrSlotTaken once another caller has claimed the slot. CommitBooking is not
// safe to retry: an unclear result is reported as ErrAmbiguousCommit.
// Transport faults surface as ErrUnavailable; rejected credentials as
// ErrUnauthorized.
type Gateway interface {
	FindSlots(ctx context.Context, venueID string, date time.Time, partySize int) ([]Slot, error)
	GetBookingToken(ctx context.Context, slotToken string, date time.Time, partySize int, authToken string) (string, error)
	CommitBooking(ctx context.Context, bookToken, authToken string) (string, error)
}
