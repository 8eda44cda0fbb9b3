package resy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/example/resy-booker/internal/domain/reservation"
	"github.com/example/resy-booker/internal/metrics"
)

var day = time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{
		BaseURL:     srv.URL,
		APIKey:      "key-1",
		Timeout:     200 * time.Millisecond,
		MaxFailures: 2,
		OpenFor:     time.Minute,
	}, zap.NewNop(), metrics.New())
}

const findBody = `{
  "results": {"venues": [{"slots": [
    {"config": {"token": "rgs://resy/1/2/3/2025-01-06/2025-01-06/16:00:00/2/Dining Room", "type": "Dining Room"},
     "date": {"start": "2025-01-06 16:00:00", "end": "2025-01-06 17:30:00"},
     "size": {"min": 1, "max": 4}},
    {"config": {"token": "bad", "type": "Bar"},
     "date": {"start": "not a time", "end": ""}}
  ]}]},
  "query": {"day": "2025-01-06", "party_size": 2}
}`

func TestFindSlots(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/4/find", r.URL.Path)
		require.Equal(t, "2025-01-06", r.URL.Query().Get("day"))
		require.Equal(t, "2", r.URL.Query().Get("party_size"))
		require.Equal(t, "1505", r.URL.Query().Get("venue_id"))
		require.Equal(t, `ResyAPI api_key="key-1"`, r.Header.Get("authorization"))
		_, _ = io.WriteString(w, findBody)
	})

	slots, err := c.FindSlots(context.Background(), "1505", day, 2)
	require.NoError(t, err)
	require.Len(t, slots, 1)
	s := slots[0]
	require.Equal(t, "1505", s.VenueID)
	require.Equal(t, time.Date(2025, 1, 6, 16, 0, 0, 0, time.UTC), s.Start)
	require.Equal(t, time.Date(2025, 1, 6, 17, 30, 0, 0, time.UTC), s.End)
	require.Equal(t, "Dining Room", s.Type)
	require.Equal(t, 1, s.MinParty)
	require.Equal(t, 4, s.MaxParty)
}

func TestFindSlots_UnparseableEndIsLogged(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"results": {"venues": [{"slots": [
		  {"config": {"token": "t1", "type": "Patio"},
		   "date": {"start": "2025-01-06 18:00:00", "end": "late"}}
		]}]}}`)
	}))
	t.Cleanup(srv.Close)
	c := New(Config{BaseURL: srv.URL, Timeout: time.Second}, zap.New(core), metrics.New())

	slots, err := c.FindSlots(context.Background(), "1505", day, 2)
	require.NoError(t, err)
	require.Len(t, slots, 1)
	require.True(t, slots[0].End.IsZero())

	entries := logs.FilterMessage("slot end unparseable, leaving it unset").All()
	require.Len(t, entries, 1)
	require.Equal(t, "late", entries[0].ContextMap()["end"])
}

func TestFindSlots_NoVenues(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"results": {"venues": []}}`)
	})
	slots, err := c.FindSlots(context.Background(), "1505", day, 2)
	require.NoError(t, err)
	require.Empty(t, slots)
}

func TestFindSlots_TransientFailures(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"server error": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		},
		"malformed body": func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, `{"results": [`)
		},
		"timeout": func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		},
	}
	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			c := newTestClient(t, h)
			_, err := c.FindSlots(context.Background(), "1505", day, 2)
			require.ErrorIs(t, err, reservation.ErrUnavailable)
		})
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	for i := 0; i < 4; i++ {
		_, err := c.FindSlots(context.Background(), "1505", day, 2)
		require.ErrorIs(t, err, reservation.ErrUnavailable)
	}
	require.EqualValues(t, 2, calls.Load(), "open breaker must short-circuit")
}

func TestGetBookingToken(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/3/details", r.URL.Path)
		require.Equal(t, "auth-1", r.Header.Get("x-resy-auth-token"))
		body, _ := io.ReadAll(r.Body)
		require.JSONEq(t, `{"commit":1,"config_id":"slot-1","day":"2025-01-06","party_size":2}`, string(body))
		_, _ = io.WriteString(w, `{"book_token": {"value": "bt-1"}, "user": {"payment_methods": [{"id": 77}]}}`)
	})

	tok, err := c.GetBookingToken(context.Background(), "slot-1", day, 2, "auth-1")
	require.NoError(t, err)
	require.Equal(t, "bt-1", tok)
}

func TestGetBookingToken_ErrorMapping(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, reservation.ErrUnauthorized},
		{http.StatusForbidden, reservation.ErrUnauthorized},
		{http.StatusNotFound, reservation.ErrSlotTaken},
		{http.StatusConflict, reservation.ErrSlotTaken},
		{http.StatusGone, reservation.ErrSlotTaken},
		{http.StatusPreconditionFailed, reservation.ErrSlotTaken},
		{http.StatusInternalServerError, reservation.ErrUnavailable},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			})
			_, err := c.GetBookingToken(context.Background(), "slot-1", day, 2, "auth-1")
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestCommitBooking(t *testing.T) {
	var form url.Values
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/3/details":
			_, _ = io.WriteString(w, `{"book_token": {"value": "bt-1"}, "user": {"payment_methods": [{"id": 77}]}}`)
		case "/3/book":
			require.NoError(t, r.ParseForm())
			form = r.PostForm
			_, _ = io.WriteString(w, `{"resy_token": "RSV-42", "reservation_id": 42}`)
		}
	})

	tok, err := c.GetBookingToken(context.Background(), "slot-1", day, 2, "auth-1")
	require.NoError(t, err)
	ref, err := c.CommitBooking(context.Background(), tok, "auth-1")
	require.NoError(t, err)
	require.Equal(t, "RSV-42", ref)
	require.Equal(t, "bt-1", form.Get("book_token"))
	require.JSONEq(t, `{"id":77}`, form.Get("struct_payment_method"))
}

func TestCommitBooking_Outcomes(t *testing.T) {
	cases := []struct {
		name string
		h    http.HandlerFunc
		ref  string
		want error
	}{
		{"reservation id only", func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, `{"reservation_id": 9}`)
		}, "9", nil},
		{"server error is ambiguous", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}, "", reservation.ErrAmbiguousCommit},
		{"empty success is ambiguous", func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, `{}`)
		}, "", reservation.ErrAmbiguousCommit},
		{"timeout is ambiguous", func(w http.ResponseWriter, r *http.Request) {
			<-r.Context().Done()
		}, "", reservation.ErrAmbiguousCommit},
		{"rejected token", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusPreconditionFailed)
		}, "", reservation.ErrSlotTaken},
		{"rejected credentials", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}, "", reservation.ErrUnauthorized},
		{"request timeout is ambiguous", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusRequestTimeout)
		}, "", reservation.ErrAmbiguousCommit},
		{"rate limited is a rejection", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		}, "", reservation.ErrSlotTaken},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, tc.h)
			ref, err := c.CommitBooking(context.Background(), "bt", "auth")
			if tc.want != nil {
				require.ErrorIs(t, err, tc.want)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.ref, ref)
		})
	}
}

func TestAuthenticate(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/3/auth/password", r.URL.Path)
		require.NoError(t, r.ParseForm())
		if r.PostForm.Get("password") != "secret" {
			w.WriteHeader(419)
			return
		}
		_, _ = io.WriteString(w, `{"token": "auth-xyz"}`)
	})

	tok, err := c.Authenticate(context.Background(), "a@example.com", "secret")
	require.NoError(t, err)
	require.Equal(t, "auth-xyz", tok)

	_, err = c.Authenticate(context.Background(), "a@example.com", "nope")
	require.ErrorIs(t, err, reservation.ErrUnauthorized)
}
