// Package requests manages a user's standing reservation requests.
package requests

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/example/resy-booker/internal/domain/reservation"
	"github.com/example/resy-booker/internal/domain/restaurant"
)

const DefaultPartySize = 2

type CreateInput struct {
	VenueID   string   `json:"venue_id" validate:"required,max=64"`
	PartySize int      `json:"party_size" validate:"omitempty,gte=1,lte=20"`
	Date      string   `json:"date" validate:"required,datetime=2006-01-02"`
	Times     []string `json:"times" validate:"required,min=1,max=24,dive,required"`
	SlotTypes []string `json:"slot_types" validate:"max=10,dive,required,max=64"`
}

// ValidationError maps input field names to messages.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = e.Fields[k]
	}
	return "invalid request: " + strings.Join(parts, "; ")
}

func fieldError(field, msg string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: msg}}
}

type Stats struct {
	Total      int `json:"total"`
	Active     int `json:"active"`
	Successful int `json:"successful"`
	Expired    int `json:"expired"`
}

// Entry pairs a request with its catalog venue. Restaurant is nil when the
// venue has since left the catalog.
type Entry struct {
	Request    reservation.Request
	Restaurant *restaurant.Restaurant
}

// Dashboard splits a user's requests into pending and resolved.
type Dashboard struct {
	Active  []Entry
	History []Entry
}

type Service struct {
	store    reservation.Store
	catalog  restaurant.Catalog
	validate *validator.Validate
	loc      *time.Location
	now      func() time.Time
}

// New returns a Service. Requests may only name venues in catalog; loc decides
// what "today" means when rejecting past dates.
func New(store reservation.Store, catalog restaurant.Catalog, loc *time.Location) *Service {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	if loc == nil {
		loc = time.UTC
	}
	return &Service{store: store, catalog: catalog, validate: v, loc: loc, now: time.Now}
}

func (s *Service) Create(ctx context.Context, userID int64, in CreateInput) (reservation.Request, error) {
	if err := s.validate.Struct(in); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return reservation.Request{}, formatValidation(verrs)
		}
		return reservation.Request{}, err
	}

	date, err := time.Parse(reservation.DateLayout, in.Date)
	if err != nil {
		return reservation.Request{}, fieldError("date", "date must be YYYY-MM-DD")
	}
	if date.Before(reservation.DateOf(s.now().In(s.loc))) {
		return reservation.Request{}, fieldError("date", "date must not be in the past")
	}
	times, err := reservation.ParseTimes(in.Times)
	if err != nil {
		return reservation.Request{}, fieldError("times", err.Error())
	}
	venue, err := s.catalog.GetByVenue(ctx, strings.TrimSpace(in.VenueID))
	if errors.Is(err, restaurant.ErrNotFound) {
		return reservation.Request{}, fieldError("venue_id", "venue_id is not a known restaurant")
	}
	if err != nil {
		return reservation.Request{}, fmt.Errorf("look up venue: %w", err)
	}
	party := in.PartySize
	if party == 0 {
		party = DefaultPartySize
	}
	var types []string
	for _, t := range in.SlotTypes {
		types = append(types, strings.TrimSpace(t))
	}

	return s.store.Create(ctx, reservation.Request{
		UserID:    userID,
		VenueID:   venue.VenueID,
		VenueName: venue.Name,
		PartySize: party,
		Date:      date,
		Times:     times,
		SlotTypes: types,
		Status:    reservation.StatusActive,
	})
}

// Get returns the request only if userID owns it.
func (s *Service) Get(ctx context.Context, userID int64, id uuid.UUID) (reservation.Request, error) {
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return reservation.Request{}, err
	}
	if r.UserID != userID {
		return reservation.Request{}, reservation.ErrNotFound
	}
	return r, nil
}

func (s *Service) List(ctx context.Context, userID int64, status *reservation.Status) ([]reservation.Request, error) {
	return s.store.List(ctx, userID, status)
}

func (s *Service) Dashboard(ctx context.Context, userID int64) (Dashboard, error) {
	all, err := s.store.List(ctx, userID, nil)
	if err != nil {
		return Dashboard{}, err
	}
	venues, err := s.catalog.List(ctx)
	if err != nil {
		return Dashboard{}, fmt.Errorf("list restaurants: %w", err)
	}
	byVenue := make(map[string]restaurant.Restaurant, len(venues))
	for _, v := range venues {
		byVenue[v.VenueID] = v
	}

	var d Dashboard
	for _, r := range all {
		e := Entry{Request: r}
		if v, ok := byVenue[r.VenueID]; ok {
			e.Restaurant = &v
		}
		if r.Status == reservation.StatusActive {
			d.Active = append(d.Active, e)
		} else {
			d.History = append(d.History, e)
		}
	}
	return d, nil
}

func (s *Service) Restaurants(ctx context.Context) ([]restaurant.Restaurant, error) {
	return s.catalog.List(ctx)
}

func (s *Service) Stats(ctx context.Context, userID int64) (Stats, error) {
	all, err := s.store.List(ctx, userID, nil)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{Total: len(all)}
	for _, r := range all {
		switch r.Status {
		case reservation.StatusActive:
			st.Active++
		case reservation.StatusSuccessful:
			st.Successful++
		case reservation.StatusExpired:
			st.Expired++
		}
	}
	return st, nil
}

func (s *Service) Delete(ctx context.Context, userID int64, id uuid.UUID) error {
	return s.store.Delete(ctx, userID, id)
}

// Expire retires an active request by hand.
func (s *Service) Expire(ctx context.Context, userID int64, id uuid.UUID) (reservation.Request, error) {
	r, err := s.Get(ctx, userID, id)
	if err != nil {
		return reservation.Request{}, err
	}
	if r.Status != reservation.StatusActive {
		return reservation.Request{}, reservation.ErrNotActive
	}
	return s.store.Transition(ctx, id, reservation.StatusActive, reservation.StatusExpired, reservation.TransitionFields{})
}

func formatValidation(verrs validator.ValidationErrors) *ValidationError {
	out := &ValidationError{Fields: make(map[string]string, len(verrs))}
	for _, fe := range verrs {
		field := fe.Field()
		if i := strings.IndexByte(field, '['); i > 0 {
			field = field[:i]
		}
		switch fe.Tag() {
		case "required":
			out.Fields[field] = fmt.Sprintf("%s is required", field)
		case "min":
			out.Fields[field] = fmt.Sprintf("%s needs at least %s entries", field, fe.Param())
		case "max":
			out.Fields[field] = fmt.Sprintf("%s must be at most %s", field, fe.Param())
		case "gte":
			out.Fields[field] = fmt.Sprintf("%s must be greater than or equal to %s", field, fe.Param())
		case "lte":
			out.Fields[field] = fmt.Sprintf("%s must be less than or equal to %s", field, fe.Param())
		case "datetime":
			out.Fields[field] = fmt.Sprintf("%s must be YYYY-MM-DD", field)
		default:
			out.Fields[field] = fmt.Sprintf("%s is invalid", field)
		}
	}
	return out
}
