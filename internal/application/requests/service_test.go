package requests

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/example/resy-booker/internal/domain/reservation"
	"github.com/example/resy-booker/internal/domain/restaurant"
	"github.com/example/resy-booker/internal/infrastructure/memory"
)

func newCatalog() *memory.Catalog {
	return memory.NewCatalog(
		restaurant.Restaurant{Name: "Don Angie", VenueID: "1505", ThumbnailURL: "https://img.example/don-angie.jpg"},
		restaurant.Restaurant{Name: "Lilia", VenueID: "418"},
	)
}

func newServiceWith(catalog *memory.Catalog) *Service {
	s := New(memory.NewRequestStore(), catalog, time.UTC)
	s.now = func() time.Time { return time.Date(2030, 1, 10, 12, 0, 0, 0, time.UTC) }
	return s
}

func newService() *Service { return newServiceWith(newCatalog()) }

func validInput() CreateInput {
	return CreateInput{
		VenueID: "1505",
		Date:    "2030-01-12",
		Times:   []string{"19:00", "19:30", "19:00"},
	}
}

func TestCreate_Defaults(t *testing.T) {
	s := newService()
	r, err := s.Create(context.Background(), 1, validInput())
	require.NoError(t, err)
	require.Equal(t, reservation.StatusActive, r.Status)
	require.Equal(t, DefaultPartySize, r.PartySize)
	require.Equal(t, []reservation.TimeOfDay{{Hour: 19}, {Hour: 19, Minute: 30}}, r.Times)
	require.Equal(t, time.Date(2030, 1, 12, 0, 0, 0, 0, time.UTC), r.Date)
}

func TestCreate_Validation(t *testing.T) {
	cases := map[string]struct {
		mut   func(*CreateInput)
		field string
	}{
		"missing venue":  {func(in *CreateInput) { in.VenueID = "" }, "venue_id"},
		"unknown venue":  {func(in *CreateInput) { in.VenueID = "9999" }, "venue_id"},
		"bad date":       {func(in *CreateInput) { in.Date = "12/01/2030" }, "date"},
		"past date":      {func(in *CreateInput) { in.Date = "2030-01-09" }, "date"},
		"no times":       {func(in *CreateInput) { in.Times = nil }, "times"},
		"bad time":       {func(in *CreateInput) { in.Times = []string{"25:00"} }, "times"},
		"blank time":     {func(in *CreateInput) { in.Times = []string{""} }, "times"},
		"huge party":     {func(in *CreateInput) { in.PartySize = 50 }, "party_size"},
		"negative party": {func(in *CreateInput) { in.PartySize = -1 }, "party_size"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			in := validInput()
			tc.mut(&in)
			_, err := newService().Create(context.Background(), 1, in)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			require.Contains(t, verr.Fields, tc.field)
		})
	}
}

func TestCreate_TodayAllowed(t *testing.T) {
	in := validInput()
	in.Date = "2030-01-10"
	_, err := newService().Create(context.Background(), 1, in)
	require.NoError(t, err)
}

func TestOwnershipAndStats(t *testing.T) {
	ctx := context.Background()
	s := newService()
	a, err := s.Create(ctx, 1, validInput())
	require.NoError(t, err)
	b, err := s.Create(ctx, 1, validInput())
	require.NoError(t, err)
	_, err = s.Create(ctx, 2, validInput())
	require.NoError(t, err)

	_, err = s.Get(ctx, 2, a.ID)
	require.ErrorIs(t, err, reservation.ErrNotFound)

	_, err = s.Expire(ctx, 1, b.ID)
	require.NoError(t, err)
	_, err = s.Expire(ctx, 1, b.ID)
	require.ErrorIs(t, err, reservation.ErrNotActive)

	st, err := s.Stats(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, Stats{Total: 2, Active: 1, Expired: 1}, st)

	d, err := s.Dashboard(ctx, 1)
	require.NoError(t, err)
	require.Len(t, d.Active, 1)
	require.Len(t, d.History, 1)

	require.ErrorIs(t, s.Delete(ctx, 2, a.ID), reservation.ErrNotFound)
	require.NoError(t, s.Delete(ctx, 1, a.ID))
	require.ErrorIs(t, s.Delete(ctx, 1, uuid.New()), reservation.ErrNotFound)
}

func TestCreate_TakesVenueNameFromCatalog(t *testing.T) {
	r, err := newService().Create(context.Background(), 1, validInput())
	require.NoError(t, err)
	require.Equal(t, "1505", r.VenueID)
	require.Equal(t, "Don Angie", r.VenueName)
}

func TestDashboard_JoinsCatalog(t *testing.T) {
	ctx := context.Background()
	catalog := newCatalog()
	s := newServiceWith(catalog)
	r, err := s.Create(ctx, 1, validInput())
	require.NoError(t, err)
	// a request whose venue has since left the catalog
	orphan, err := s.store.Create(ctx, reservation.Request{
		UserID:    1,
		VenueID:   "77",
		VenueName: "Carbone",
		PartySize: 2,
		Date:      time.Date(2030, 1, 12, 0, 0, 0, 0, time.UTC),
		Times:     []reservation.TimeOfDay{{Hour: 20}},
	})
	require.NoError(t, err)

	catalog.Upsert(restaurant.Restaurant{Name: "Don Angie (West Village)", VenueID: "1505"})

	d, err := s.Dashboard(ctx, 1)
	require.NoError(t, err)
	require.Len(t, d.Active, 2)
	byID := map[uuid.UUID]Entry{}
	for _, e := range d.Active {
		byID[e.Request.ID] = e
	}
	require.NotNil(t, byID[r.ID].Restaurant)
	require.Equal(t, "Don Angie (West Village)", byID[r.ID].Restaurant.Name)
	require.Nil(t, byID[orphan.ID].Restaurant)
	require.Equal(t, "Carbone", byID[orphan.ID].Request.VenueName)
}

func TestRestaurants(t *testing.T) {
	list, err := newService().Restaurants(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "Don Angie", list[0].Name)
}
