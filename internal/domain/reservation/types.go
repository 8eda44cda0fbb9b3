package reservation

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive     Status = "active"
	StatusSuccessful Status = "successful"
	StatusExpired    Status = "expired"
)

func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusActive, StatusSuccessful, StatusExpired:
		return st, nil
	default:
		return "", fmt.Errorf("unknown status %q", s)
	}
}

func (s Status) Terminal() bool {
	return s == StatusSuccessful || s == StatusExpired
}

// CanTransition reports whether a request may move from one status to another.
// Only active requests move, and only into a terminal state.
func CanTransition(from, to Status) bool {
	return from == StatusActive && to.Terminal()
}

// Attention marks an active request that cannot make progress on its own.
// The scheduler skips requests carrying any attention flag.
type Attention string

const (
	AttentionNone        Attention = ""
	AttentionCredentials Attention = "credentials"
	AttentionReconcile   Attention = "reconcile"
)

// TimeOfDay is a wall-clock time at the venue, minute precision.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay accepts HH:MM or HH:MM:SS (seconds are dropped).
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return TimeOfDay{}, fmt.Errorf("invalid time %q (want HH:MM)", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return TimeOfDay{}, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return TimeOfDay{}, fmt.Errorf("invalid minute in %q", s)
	}
	if len(parts) == 3 {
		if sec, err := strconv.Atoi(parts[2]); err != nil || sec < 0 || sec > 59 {
			return TimeOfDay{}, fmt.Errorf("invalid second in %q", s)
		}
	}
	return TimeOfDay{Hour: h, Minute: m}, nil
}

// ParseTimes parses a list of times, dropping blanks and repeated entries
// while keeping the caller's order.
func ParseTimes(in []string) ([]TimeOfDay, error) {
	seen := make(map[TimeOfDay]struct{}, len(in))
	out := make([]TimeOfDay, 0, len(in))
	for _, raw := range in {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		t, err := ParseTimeOfDay(raw)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out, nil
}

func (t TimeOfDay) Minutes() int { return t.Hour*60 + t.Minute }

func (t TimeOfDay) String() string { return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute) }

func FormatTimes(ts []TimeOfDay) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.String()
	}
	return out
}

// DateOf truncates t to its calendar date, expressed at midnight UTC.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

const DateLayout = "2006-01-02"

type Request struct {
	ID        uuid.UUID
	UserID    int64
	VenueID   string
	VenueName string
	PartySize int
	Date      time.Time
	Times     []TimeOfDay
	SlotTypes []string

	Status           Status
	BookingReference string
	Attention        Attention
	LastError        string

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (r Request) Validate() error {
	if r.UserID <= 0 {
		return fmt.Errorf("user_id required")
	}
	if strings.TrimSpace(r.VenueID) == "" {
		return fmt.Errorf("venue_id required")
	}
	if r.PartySize < 1 {
		return fmt.Errorf("party_size must be >= 1")
	}
	if r.Date.IsZero() {
		return fmt.Errorf("date required")
	}
	if len(r.Times) == 0 {
		return fmt.Errorf("at least one desired time required")
	}
	if r.Status == StatusSuccessful && r.BookingReference == "" {
		return fmt.Errorf("successful request needs a booking reference")
	}
	if r.Status != StatusSuccessful && r.BookingReference != "" {
		return fmt.Errorf("booking reference only allowed on successful requests")
	}
	return nil
}

// Slot is one bookable window reported by the gateway. Start and End carry the
// venue's wall-clock time; their location is not meaningful.
type Slot struct {
	VenueID  string
	Start    time.Time
	End      time.Time
	Token    string
	Type     string
	MinParty int
	MaxParty int
}

type AttemptOutcome string

const (
	AttemptPending   AttemptOutcome = "pending"
	AttemptCommitted AttemptOutcome = "committed"
	AttemptFailed    AttemptOutcome = "failed"
)

// Attempt lives for a single orchestration cycle and is never persisted.
type Attempt struct {
	RequestID uuid.UUID
	Slot      Slot
	BookToken string
	Outcome   AttemptOutcome
}
