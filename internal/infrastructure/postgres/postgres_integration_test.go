package postgres

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/example/resy-booker/internal/db"
	"github.com/example/resy-booker/internal/domain/reservation"
	"github.com/example/resy-booker/internal/domain/restaurant"
	"github.com/example/resy-booker/internal/domain/user"
	"github.com/example/resy-booker/internal/migrate"
)

type RepoSuite struct {
	suite.Suite
	ctx       context.Context
	container *tcpostgres.PostgresContainer
	pool      *pgxpool.Pool

	users       *UserRepo
	creds       *CredentialsRepo
	outbox      *OutboxRepo
	requests    *RequestRepo
	restaurants *RestaurantRepo
	owner       user.User
}

func TestRepoSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}
	suite.Run(t, new(RepoSuite))
}

func (s *RepoSuite) SetupSuite() {
	s.ctx = context.Background()

	var err error
	s.container, err = tcpostgres.Run(s.ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("resy_test"),
		tcpostgres.WithUsername("test_user"),
		tcpostgres.WithPassword("test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	s.Require().NoError(err)

	connStr, err := s.container.ConnectionString(s.ctx, "sslmode=disable")
	s.Require().NoError(err)
	s.Require().NoError(migrate.Up(connStr))
	s.Require().NoError(migrate.Up(connStr), "re-running migrations is a no-op")

	s.pool, err = db.Open(s.ctx, connStr)
	s.Require().NoError(err)

	s.users = NewUserRepo(s.pool)
	s.creds = NewCredentialsRepo(s.pool)
	s.outbox = NewOutboxRepo()
	s.requests = NewRequestRepo(s.pool, s.outbox)
	s.restaurants = NewRestaurantRepo(s.pool)
}

func (s *RepoSuite) TearDownSuite() {
	if s.pool != nil {
		s.pool.Close()
	}
	if s.container != nil {
		_ = s.container.Terminate(s.ctx)
	}
}

func (s *RepoSuite) SetupTest() {
	_, err := s.pool.Exec(s.ctx, `TRUNCATE users, resy_credentials, reservation_requests, outbox, restaurants RESTART IDENTITY CASCADE`)
	s.Require().NoError(err)

	s.owner, err = s.users.Create(s.ctx, "alice", "hunter22")
	s.Require().NoError(err)
}

func (s *RepoSuite) newRequest() reservation.Request {
	r, err := s.requests.Create(s.ctx, reservation.Request{
		UserID:    s.owner.ID,
		VenueID:   "1505",
		VenueName: "Don Angie",
		PartySize: 2,
		Date:      time.Date(2030, 3, 14, 0, 0, 0, 0, time.UTC),
		Times:     []reservation.TimeOfDay{{Hour: 19}, {Hour: 19, Minute: 30}},
		SlotTypes: []string{"Dining Room"},
	})
	s.Require().NoError(err)
	return r
}

func (s *RepoSuite) outboxCount() int {
	var n int
	s.Require().NoError(s.pool.QueryRow(s.ctx, `SELECT count(*) FROM outbox`).Scan(&n))
	return n
}

func (s *RepoSuite) TestUsers() {
	_, err := s.users.Create(s.ctx, "alice", "other")
	s.Require().ErrorIs(err, user.ErrUsernameTaken)

	u, err := s.users.Authenticate(s.ctx, "alice", "hunter22")
	s.Require().NoError(err)
	s.Require().Equal(s.owner.ID, u.ID)

	_, err = s.users.Authenticate(s.ctx, "alice", "wrong")
	s.Require().ErrorIs(err, user.ErrInvalidCredentials)
	_, err = s.users.Authenticate(s.ctx, "bob", "hunter22")
	s.Require().ErrorIs(err, user.ErrInvalidCredentials)
}

func (s *RepoSuite) TestCredentials() {
	_, err := s.creds.Get(s.ctx, s.owner.ID)
	s.Require().ErrorIs(err, user.ErrNotFound)

	s.Require().NoError(s.creds.Upsert(s.ctx, user.Credentials{UserID: s.owner.ID, Email: "a@x.io", AuthToken: "sealed-1"}))
	s.Require().NoError(s.creds.Upsert(s.ctx, user.Credentials{UserID: s.owner.ID, Email: "a@x.io", AuthToken: "sealed-2"}))

	c, err := s.creds.Get(s.ctx, s.owner.ID)
	s.Require().NoError(err)
	s.Require().Equal("sealed-2", c.AuthToken)

	s.Require().ErrorIs(s.creds.Upsert(s.ctx, user.Credentials{UserID: 999, AuthToken: "x"}), user.ErrNotFound)

	s.Require().NoError(s.creds.Delete(s.ctx, s.owner.ID))
	s.Require().ErrorIs(s.creds.Delete(s.ctx, s.owner.ID), user.ErrNotFound)
}

func (s *RepoSuite) TestRestaurants() {
	_, err := s.restaurants.GetByVenue(s.ctx, "1505")
	s.Require().ErrorIs(err, restaurant.ErrNotFound)

	lilia, err := s.restaurants.Upsert(s.ctx, restaurant.Restaurant{Name: "Lilia", VenueID: "418"})
	s.Require().NoError(err)
	don, err := s.restaurants.Upsert(s.ctx, restaurant.Restaurant{Name: "Don Angie", VenueID: " 1505 "})
	s.Require().NoError(err)
	s.Equal("1505", don.VenueID)

	renamed, err := s.restaurants.Upsert(s.ctx, restaurant.Restaurant{Name: "Lilia Williamsburg", VenueID: "418", ThumbnailURL: "https://img.example/lilia.jpg"})
	s.Require().NoError(err)
	s.Equal(lilia.ID, renamed.ID)

	got, err := s.restaurants.GetByVenue(s.ctx, "418")
	s.Require().NoError(err)
	s.Equal("Lilia Williamsburg", got.Name)
	s.Equal("https://img.example/lilia.jpg", got.ThumbnailURL)

	list, err := s.restaurants.List(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(list, 2)
	s.Equal("Don Angie", list[0].Name)
	s.Equal("Lilia Williamsburg", list[1].Name)
}

func (s *RepoSuite) TestCreateGetList() {
	r := s.newRequest()
	s.Require().NotEqual(uuid.Nil, r.ID)
	s.Require().Equal(reservation.StatusActive, r.Status)

	got, err := s.requests.Get(s.ctx, r.ID)
	s.Require().NoError(err)
	s.Require().Equal(r.Times, got.Times)
	s.Require().Equal([]string{"Dining Room"}, got.SlotTypes)
	s.Require().True(r.Date.Equal(got.Date))

	active := reservation.StatusActive
	list, err := s.requests.List(s.ctx, s.owner.ID, &active)
	s.Require().NoError(err)
	s.Require().Len(list, 1)

	expired := reservation.StatusExpired
	list, err = s.requests.List(s.ctx, s.owner.ID, &expired)
	s.Require().NoError(err)
	s.Require().Empty(list)

	_, err = s.requests.Get(s.ctx, uuid.New())
	s.Require().ErrorIs(err, reservation.ErrNotFound)
}

func (s *RepoSuite) TestTransitionWritesEventAtomically() {
	r := s.newRequest()
	ev, err := reservation.BookedEvent(r, reservation.Slot{}, "RSV-1", time.Now())
	s.Require().NoError(err)

	out, err := s.requests.Transition(s.ctx, r.ID, reservation.StatusActive, reservation.StatusSuccessful,
		reservation.TransitionFields{BookingReference: "RSV-1", Event: &ev})
	s.Require().NoError(err)
	s.Require().Equal(reservation.StatusSuccessful, out.Status)
	s.Require().Equal("RSV-1", out.BookingReference)
	s.Require().Equal(1, s.outboxCount())

	_, err = s.requests.Transition(s.ctx, r.ID, reservation.StatusActive, reservation.StatusExpired, reservation.TransitionFields{Event: &ev})
	s.Require().ErrorIs(err, reservation.ErrConflict)
	s.Require().Equal(1, s.outboxCount(), "a rejected transition must not leave an event behind")

	_, err = s.requests.Transition(s.ctx, uuid.New(), reservation.StatusActive, reservation.StatusExpired, reservation.TransitionFields{})
	s.Require().ErrorIs(err, reservation.ErrNotFound)
}

func (s *RepoSuite) TestTransitionIsExactlyOnceUnderRace() {
	r := s.newRequest()

	const n = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.requests.Transition(s.ctx, r.ID, reservation.StatusActive, reservation.StatusSuccessful,
				reservation.TransitionFields{BookingReference: "RSV"})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else {
				s.ErrorIs(err, reservation.ErrConflict)
			}
		}()
	}
	wg.Wait()
	s.Require().Equal(1, wins)
}

func (s *RepoSuite) TestTransitionRejectsBadFields() {
	r := s.newRequest()
	_, err := s.requests.Transition(s.ctx, r.ID, reservation.StatusActive, reservation.StatusSuccessful, reservation.TransitionFields{})
	s.Require().ErrorIs(err, reservation.ErrInvalidTransition)
	_, err = s.requests.Transition(s.ctx, r.ID, reservation.StatusExpired, reservation.StatusActive, reservation.TransitionFields{})
	s.Require().ErrorIs(err, reservation.ErrInvalidTransition)
}

func (s *RepoSuite) TestAnnotateAndClear() {
	r := s.newRequest()
	ev, err := reservation.ReconcileEvent(r, reservation.Slot{}, "commit timed out", time.Now())
	s.Require().NoError(err)

	s.Require().NoError(s.requests.Annotate(s.ctx, r.ID, reservation.AttentionReconcile, "commit timed out", &ev))
	got, err := s.requests.Get(s.ctx, r.ID)
	s.Require().NoError(err)
	s.Require().Equal(reservation.AttentionReconcile, got.Attention)
	s.Require().Equal(1, s.outboxCount())

	s.Require().NoError(s.requests.Annotate(s.ctx, r.ID, reservation.AttentionCredentials, "not linked", nil))
	n, err := s.requests.ClearAttention(s.ctx, s.owner.ID, reservation.AttentionCredentials)
	s.Require().NoError(err)
	s.Require().EqualValues(1, n)

	got, err = s.requests.Get(s.ctx, r.ID)
	s.Require().NoError(err)
	s.Require().Equal(reservation.AttentionNone, got.Attention)
	s.Require().Empty(got.LastError)

	_, err = s.requests.Transition(s.ctx, r.ID, reservation.StatusActive, reservation.StatusExpired, reservation.TransitionFields{})
	s.Require().NoError(err)
	s.Require().ErrorIs(s.requests.Annotate(s.ctx, r.ID, reservation.AttentionCredentials, "x", nil), reservation.ErrNotActive)
	s.Require().ErrorIs(s.requests.Annotate(s.ctx, uuid.New(), reservation.AttentionCredentials, "x", nil), reservation.ErrNotFound)
}

func (s *RepoSuite) TestAnnotateKeepsFlagOnPlainError() {
	r := s.newRequest()
	s.Require().NoError(s.requests.Annotate(s.ctx, r.ID, reservation.AttentionCredentials, "provider rejected token", nil))
	s.Require().NoError(s.requests.Annotate(s.ctx, r.ID, reservation.AttentionNone, "503 from provider", nil))

	got, err := s.requests.Get(s.ctx, r.ID)
	s.Require().NoError(err)
	s.Require().Equal(reservation.AttentionCredentials, got.Attention)
	s.Require().Equal("503 from provider", got.LastError)
}

func (s *RepoSuite) TestActiveFeedSkipsFlaggedAndExpiryIncludesThem() {
	flagged := s.newRequest()
	healthy := s.newRequest()
	s.Require().NoError(s.requests.Annotate(s.ctx, flagged.ID, reservation.AttentionReconcile, "commit timed out", nil))

	feed, err := s.requests.ListActive(s.ctx, 10)
	s.Require().NoError(err)
	s.Require().Len(feed, 1)
	s.Require().Equal(healthy.ID, feed[0].ID)

	stale, err := s.requests.ListExpired(s.ctx, time.Date(2030, 3, 14, 0, 0, 0, 0, time.UTC), 10)
	s.Require().NoError(err)
	s.Require().Empty(stale)

	stale, err = s.requests.ListExpired(s.ctx, time.Date(2030, 3, 15, 0, 0, 0, 0, time.UTC), 10)
	s.Require().NoError(err)
	s.Require().Len(stale, 2)
}

func (s *RepoSuite) TestDeleteRacingTransitionYieldsNotFound() {
	r := s.newRequest()

	other, err := s.users.Create(s.ctx, "mallory", "pw")
	s.Require().NoError(err)
	s.Require().ErrorIs(s.requests.Delete(s.ctx, other.ID, r.ID), reservation.ErrNotFound)

	s.Require().NoError(s.requests.Delete(s.ctx, s.owner.ID, r.ID))
	_, err = s.requests.Transition(s.ctx, r.ID, reservation.StatusActive, reservation.StatusSuccessful,
		reservation.TransitionFields{BookingReference: "RSV"})
	s.Require().ErrorIs(err, reservation.ErrNotFound)
}

func (s *RepoSuite) TestOutboxBatch() {
	r := s.newRequest()
	ev, err := reservation.BookedEvent(r, reservation.Slot{}, "RSV", time.Now())
	s.Require().NoError(err)
	s.Require().NoError(db.InTx(s.ctx, s.pool, func(tx pgx.Tx) error {
		if err := s.outbox.Save(s.ctx, tx, ev); err != nil {
			return err
		}
		return s.outbox.Save(s.ctx, tx, ev)
	}))

	s.Require().NoError(db.InTx(s.ctx, s.pool, func(tx pgx.Tx) error {
		events, err := s.outbox.Unpublished(s.ctx, tx, 10)
		s.Require().NoError(err)
		s.Require().Len(events, 2)
		s.Require().Equal(reservation.EventBooked, events[0].EventType)
		s.Require().NoError(s.outbox.MarkPublished(s.ctx, tx, events[0].ID))
		return s.outbox.MarkFailed(s.ctx, tx, events[1].ID, "broker down")
	}))

	s.Require().NoError(db.InTx(s.ctx, s.pool, func(tx pgx.Tx) error {
		events, err := s.outbox.Unpublished(s.ctx, tx, 10)
		s.Require().NoError(err)
		s.Require().Len(events, 1)
		s.Require().Equal(1, events[0].Attempts)
		return nil
	}))
}
