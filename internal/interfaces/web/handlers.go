package web

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/resy-booker/internal/application/requests"
	"github.com/example/resy-booker/internal/domain/reservation"
	"github.com/example/resy-booker/internal/domain/restaurant"
)

type requestView struct {
	ID               uuid.UUID `json:"id"`
	VenueID          string    `json:"venue_id"`
	VenueName        string    `json:"venue_name,omitempty"`
	PartySize        int       `json:"party_size"`
	Date             string    `json:"date"`
	Times            []string  `json:"times"`
	SlotTypes        []string  `json:"slot_types,omitempty"`
	Status           string    `json:"status"`
	BookingReference string    `json:"booking_reference,omitempty"`
	Attention        string    `json:"attention,omitempty"`
	LastError        string    `json:"last_error,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func toView(r reservation.Request) requestView {
	return requestView{
		ID:               r.ID,
		VenueID:          r.VenueID,
		VenueName:        r.VenueName,
		PartySize:        r.PartySize,
		Date:             r.Date.Format(reservation.DateLayout),
		Times:            reservation.FormatTimes(r.Times),
		SlotTypes:        r.SlotTypes,
		Status:           string(r.Status),
		BookingReference: r.BookingReference,
		Attention:        string(r.Attention),
		LastError:        r.LastError,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

func toViews(rs []reservation.Request) []requestView {
	out := make([]requestView, 0, len(rs))
	for _, r := range rs {
		out = append(out, toView(r))
	}
	return out
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request id", nil)
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	var status *reservation.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		st, err := reservation.ParseStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error(), nil)
			return
		}
		status = &st
	}
	list, err := s.Requests.List(r.Context(), userIDFromCtx(r), status)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toViews(list))
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var in requests.CreateInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body", nil)
		return
	}
	created, err := s.Requests.Create(r.Context(), userIDFromCtx(r), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toView(created))
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	req, err := s.Requests.Get(r.Context(), userIDFromCtx(r), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toView(req))
}

func (s *Server) handleDeleteRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.Requests.Delete(r.Context(), userIDFromCtx(r), id); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExpireRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	req, err := s.Requests.Expire(r.Context(), userIDFromCtx(r), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toView(req))
}

type restaurantView struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	VenueID      string `json:"venue_id"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
}

func toRestaurantView(r restaurant.Restaurant) restaurantView {
	return restaurantView{ID: r.ID, Name: r.Name, VenueID: r.VenueID, ThumbnailURL: r.ThumbnailURL}
}

func (s *Server) handleListRestaurants(w http.ResponseWriter, r *http.Request) {
	list, err := s.Requests.Restaurants(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]restaurantView, 0, len(list))
	for _, rs := range list {
		out = append(out, toRestaurantView(rs))
	}
	writeJSON(w, http.StatusOK, out)
}

// dashboardEntry is a request with the catalog restaurant it targets, when
// the venue is still listed.
type dashboardEntry struct {
	requestView
	Restaurant *restaurantView `json:"restaurant,omitempty"`
}

type dashboardView struct {
	Active  []dashboardEntry `json:"active"`
	History []dashboardEntry `json:"history"`
}

func toEntries(es []requests.Entry) []dashboardEntry {
	out := make([]dashboardEntry, 0, len(es))
	for _, e := range es {
		de := dashboardEntry{requestView: toView(e.Request)}
		if e.Restaurant != nil {
			v := toRestaurantView(*e.Restaurant)
			de.Restaurant = &v
		}
		out = append(out, de)
	}
	return out
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	d, err := s.Requests.Dashboard(r.Context(), userIDFromCtx(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dashboardView{Active: toEntries(d.Active), History: toEntries(d.History)})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.Requests.Stats(r.Context(), userIDFromCtx(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type credentialsView struct {
	Linked    bool       `json:"linked"`
	Email     string     `json:"email,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

func (s *Server) handleCredentialStatus(w http.ResponseWriter, r *http.Request) {
	c, err := s.Credentials.Status(r.Context(), userIDFromCtx(r))
	if err != nil {
		if isNotLinked(err) {
			writeJSON(w, http.StatusOK, credentialsView{})
			return
		}
		s.fail(w, r, err)
		return
	}
	v := credentialsView{Linked: true, Email: c.Email}
	if !c.UpdatedAt.IsZero() {
		v.UpdatedAt = &c.UpdatedAt
	}
	writeJSON(w, http.StatusOK, v)
}

// linkInput carries either a password to exchange for a token or a token
// captured from an existing browser session.
type linkInput struct {
	Email     string `json:"email"`
	Password  string `json:"password,omitempty"`
	AuthToken string `json:"auth_token,omitempty"`
}

func (s *Server) handleLinkCredentials(w http.ResponseWriter, r *http.Request) {
	var in linkInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body", nil)
		return
	}
	in.Email = strings.TrimSpace(in.Email)
	in.AuthToken = strings.TrimSpace(in.AuthToken)
	fields := map[string]string{}
	if in.Email == "" {
		fields["email"] = "email is required"
	}
	if in.Password == "" && in.AuthToken == "" {
		fields["password"] = "password or auth_token is required"
	}
	if len(fields) > 0 {
		writeError(w, http.StatusBadRequest, "invalid request", fields)
		return
	}

	uid := userIDFromCtx(r)
	var err error
	if in.AuthToken != "" {
		err = s.Credentials.LinkToken(r.Context(), uid, in.Email, in.AuthToken)
	} else {
		err = s.Credentials.Link(r.Context(), uid, in.Email, in.Password)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, credentialsView{Linked: true, Email: in.Email})
}

func (s *Server) handleUnlinkCredentials(w http.ResponseWriter, r *http.Request) {
	err := s.Credentials.Unlink(r.Context(), userIDFromCtx(r))
	if err != nil && !isNotLinked(err) {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type slotView struct {
	Token    string `json:"token"`
	Start    string `json:"start"`
	End      string `json:"end,omitempty"`
	Type     string `json:"type,omitempty"`
	MinParty int    `json:"min_party,omitempty"`
	MaxParty int    `json:"max_party,omitempty"`
}

const slotLayout = "2006-01-02 15:04"

func (s *Server) handleFindSlots(w http.ResponseWriter, r *http.Request) {
	venue := strings.TrimSpace(r.PathValue("venue"))
	q := r.URL.Query()
	day, err := time.Parse(reservation.DateLayout, q.Get("day"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request", map[string]string{"day": "day must be YYYY-MM-DD"})
		return
	}
	party := requests.DefaultPartySize
	if raw := q.Get("party_size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 20 {
			writeError(w, http.StatusBadRequest, "invalid request", map[string]string{"party_size": "party_size must be between 1 and 20"})
			return
		}
		party = n
	}

	slots, err := s.Slots.FindSlots(r.Context(), venue, day, party)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]slotView, 0, len(slots))
	for _, sl := range slots {
		v := slotView{
			Token:    sl.Token,
			Start:    sl.Start.Format(slotLayout),
			Type:     sl.Type,
			MinParty: sl.MinParty,
			MaxParty: sl.MaxParty,
		}
		if !sl.End.IsZero() {
			v.End = sl.End.Format(slotLayout)
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}
