package reservation

import (
	"strings"
	"time"
)

// Matcher picks the slot to book for a request.
//
// A slot qualifies when its start falls on the request date and lies within
// Tolerance of one of the desired times (minute granularity, seconds dropped,
// both bounds inclusive). With a zero Tolerance only exact times match.
// Among qualifying slots the one closest to the first desired time wins, then
// the earliest start, then the smallest token.
type Matcher struct {
	Tolerance time.Duration
}

func (m Matcher) Match(req Request, slots []Slot) (Slot, bool) {
	if len(req.Times) == 0 || len(slots) == 0 {
		return Slot{}, false
	}
	tol := int(m.Tolerance / time.Minute)
	if tol < 0 {
		tol = -tol
	}
	first := req.Times[0].Minutes()

	var (
		best     Slot
		bestDist int
		found    bool
	)
	for _, s := range slots {
		if !m.qualifies(req, s, tol) {
			continue
		}
		dist := abs(minuteOfDay(s.Start) - first)
		if !found || better(s, dist, best, bestDist) {
			best, bestDist, found = s, dist, true
		}
	}
	return best, found
}

func (m Matcher) qualifies(req Request, s Slot, tol int) bool {
	if !sameDate(s.Start, req.Date) {
		return false
	}
	if s.MinParty > 0 && req.PartySize < s.MinParty {
		return false
	}
	if s.MaxParty > 0 && req.PartySize > s.MaxParty {
		return false
	}
	if len(req.SlotTypes) > 0 && !containsFold(req.SlotTypes, s.Type) {
		return false
	}
	start := minuteOfDay(s.Start)
	for _, t := range req.Times {
		if abs(start-t.Minutes()) <= tol {
			return true
		}
	}
	return false
}

func better(s Slot, dist int, best Slot, bestDist int) bool {
	if dist != bestDist {
		return dist < bestDist
	}
	a, b := s.Start.Truncate(time.Minute), best.Start.Truncate(time.Minute)
	if !a.Equal(b) {
		return a.Before(b)
	}
	return s.Token < best.Token
}

func minuteOfDay(t time.Time) int { return t.Hour()*60 + t.Minute() }

func sameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(strings.TrimSpace(s), strings.TrimSpace(v)) {
			return true
		}
	}
	return false
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
