package reservation

import (
	"encoding/json"
	"time"
)

const EventsTopic = "reservation_events"

const (
	EventBooked    = "reservation.booked"
	EventReconcile = "reservation.reconcile"
)

// Event is written to the outbox alongside the state change it describes.
type Event struct {
	Topic       string
	Type        string
	AggregateID string
	Payload     json.RawMessage
}

type eventPayload struct {
	Event     string    `json:"event"`
	RequestID string    `json:"request_id"`
	UserID    int64     `json:"user_id"`
	VenueID   string    `json:"venue_id"`
	Date      string    `json:"date"`
	PartySize int       `json:"party_size"`
	SlotStart string    `json:"slot_start,omitempty"`
	Reference string    `json:"booking_reference,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

func newEvent(typ string, r Request, s Slot, reference, detail string, at time.Time) (Event, error) {
	p := eventPayload{
		Event:     typ,
		RequestID: r.ID.String(),
		UserID:    r.UserID,
		VenueID:   r.VenueID,
		Date:      r.Date.Format(DateLayout),
		PartySize: r.PartySize,
		Reference: reference,
		Detail:    detail,
		At:        at.UTC(),
	}
	if !s.Start.IsZero() {
		p.SlotStart = s.Start.Format("2006-01-02 15:04")
	}
	b, err := json.Marshal(p)
	if err != nil {
		return Event{}, err
	}
	return Event{Topic: EventsTopic, Type: typ, AggregateID: r.ID.String(), Payload: b}, nil
}

func BookedEvent(r Request, s Slot, reference string, at time.Time) (Event, error) {
	return newEvent(EventBooked, r, s, reference, "", at)
}

// ReconcileEvent asks a human to check the provider for a booking whose
// commit call ended without a definite answer.
func ReconcileEvent(r Request, s Slot, detail string, at time.Time) (Event, error) {
	return newEvent(EventReconcile, r, s, "", detail, at)
}
