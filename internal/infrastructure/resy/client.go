// Package resy talks to the Resy booking API.
package resy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/example/resy-booker/internal/domain/reservation"
	"github.com/example/resy-booker/internal/logging"
	"github.com/example/resy-booker/internal/metrics"
)

const (
	slotTimeLayout = "2006-01-02 15:04:05"
	userAgent      = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"
)

type Config struct {
	BaseURL string
	APIKey  string
	// Timeout bounds each HTTP call, including reading the body.
	Timeout time.Duration
	// MaxFailures consecutive transport failures open the breaker for OpenFor.
	MaxFailures uint32
	OpenFor     time.Duration
}

// Client implements reservation.Gateway. Reads go through a circuit breaker;
// the commit call does not, since it must never be skipped or replayed
// silently.
type Client struct {
	hc      *http.Client
	cfg     Config
	cb      *gobreaker.CircuitBreaker
	logger  *zap.Logger
	metrics *metrics.Metrics

	// payment method returned with each book token, needed at commit time
	mu       sync.Mutex
	payments map[string]int64
}

var _ reservation.Gateway = (*Client)(nil)

func New(cfg Config, logger *zap.Logger, m *metrics.Metrics) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.OpenFor <= 0 {
		cfg.OpenFor = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	c := &Client{
		hc:       &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		payments: make(map[string]int64),
	}
	c.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "resy",
		MaxRequests: 1,
		Timeout:     cfg.OpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		// Only transport trouble counts against the provider.
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, reservation.ErrUnavailable)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return c
}

func executeWithBreaker[T any](cb *gobreaker.CircuitBreaker, fn func() (T, error)) (T, error) {
	res, err := cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		var zero T
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, fmt.Errorf("%w: %v", reservation.ErrUnavailable, err)
		}
		if res != nil {
			return res.(T), err
		}
		return zero, err
	}
	return res.(T), nil
}

type findResponse struct {
	Results struct {
		Venues []struct {
			Slots []apiSlot `json:"slots"`
		} `json:"venues"`
	} `json:"results"`
}

type apiSlot struct {
	Config struct {
		Token string `json:"token"`
		Type  string `json:"type"`
	} `json:"config"`
	Date struct {
		Start string `json:"start"`
		End   string `json:"end"`
	} `json:"date"`
	Size struct {
		Min int `json:"min"`
		Max int `json:"max"`
	} `json:"size"`
}

func (c *Client) FindSlots(ctx context.Context, venueID string, date time.Time, partySize int) ([]reservation.Slot, error) {
	return executeWithBreaker(c.cb, func() ([]reservation.Slot, error) {
		q := url.Values{}
		q.Set("lat", "0")
		q.Set("long", "0")
		q.Set("day", date.Format(reservation.DateLayout))
		q.Set("party_size", strconv.Itoa(partySize))
		q.Set("venue_id", venueID)

		status, body, err := c.do(ctx, "find", http.MethodGet, "/4/find?"+q.Encode(), "", nil, "")
		if err != nil {
			return nil, err
		}
		if err := classify(status, body, false); err != nil {
			return nil, fmt.Errorf("find slots: %w", err)
		}

		var res findResponse
		if err := json.Unmarshal(body, &res); err != nil {
			return nil, fmt.Errorf("%w: decode find response: %v", reservation.ErrUnavailable, err)
		}
		if len(res.Results.Venues) == 0 {
			return []reservation.Slot{}, nil
		}

		out := make([]reservation.Slot, 0, len(res.Results.Venues[0].Slots))
		for _, s := range res.Results.Venues[0].Slots {
			start, err := time.Parse(slotTimeLayout, s.Date.Start)
			if err != nil {
				logging.Debug(ctx, c.logger, "skipping slot with unparseable start",
					zap.String("start", s.Date.Start))
				continue
			}
			var end time.Time
			if s.Date.End != "" {
				if end, err = time.Parse(slotTimeLayout, s.Date.End); err != nil {
					logging.Debug(ctx, c.logger, "slot end unparseable, leaving it unset",
						zap.String("end", s.Date.End), zap.Error(err))
				}
			}
			out = append(out, reservation.Slot{
				VenueID:  venueID,
				Start:    start,
				End:      end,
				Token:    s.Config.Token,
				Type:     s.Config.Type,
				MinParty: s.Size.Min,
				MaxParty: s.Size.Max,
			})
		}
		return out, nil
	})
}

type detailsRequest struct {
	Commit    int    `json:"commit"`
	ConfigID  string `json:"config_id"`
	Day       string `json:"day"`
	PartySize int    `json:"party_size"`
}

type detailsResponse struct {
	BookToken struct {
		Value string `json:"value"`
	} `json:"book_token"`
	User struct {
		PaymentMethods []struct {
			ID int64 `json:"id"`
		} `json:"payment_methods"`
	} `json:"user"`
}

func (c *Client) GetBookingToken(ctx context.Context, slotToken string, date time.Time, partySize int, authToken string) (string, error) {
	return executeWithBreaker(c.cb, func() (string, error) {
		payload, err := json.Marshal(detailsRequest{
			Commit:    1,
			ConfigID:  slotToken,
			Day:       date.Format(reservation.DateLayout),
			PartySize: partySize,
		})
		if err != nil {
			return "", err
		}

		status, body, err := c.do(ctx, "details", http.MethodPost, "/3/details", "application/json", payload, authToken)
		if err != nil {
			return "", err
		}
		if err := classify(status, body, true); err != nil {
			return "", fmt.Errorf("booking token: %w", err)
		}

		var res detailsResponse
		if err := json.Unmarshal(body, &res); err != nil {
			return "", fmt.Errorf("%w: decode details response: %v", reservation.ErrUnavailable, err)
		}
		if res.BookToken.Value == "" {
			return "", fmt.Errorf("%w: details response without book token", reservation.ErrUnavailable)
		}
		if len(res.User.PaymentMethods) > 0 {
			c.mu.Lock()
			c.payments[res.BookToken.Value] = res.User.PaymentMethods[0].ID
			c.mu.Unlock()
		}
		return res.BookToken.Value, nil
	})
}

type bookResponse struct {
	ResyToken     string `json:"resy_token"`
	ReservationID int64  `json:"reservation_id"`
}

// CommitBooking submits the book token. Only a 2xx carrying a reservation
// identifier counts as success; a definite 4xx rejection maps to a typed
// error; anything else is ErrAmbiguousCommit.
func (c *Client) CommitBooking(ctx context.Context, bookToken, authToken string) (string, error) {
	form := url.Values{}
	form.Set("book_token", bookToken)

	c.mu.Lock()
	paymentID, hasPayment := c.payments[bookToken]
	delete(c.payments, bookToken)
	c.mu.Unlock()
	if hasPayment {
		pm, _ := json.Marshal(struct {
			ID int64 `json:"id"`
		}{ID: paymentID})
		form.Set("struct_payment_method", string(pm))
	}

	status, body, err := c.do(ctx, "book", http.MethodPost, "/3/book", "application/x-www-form-urlencoded", []byte(form.Encode()), authToken)
	if err != nil {
		return "", fmt.Errorf("%w: %v", reservation.ErrAmbiguousCommit, err)
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return "", fmt.Errorf("commit booking: %w", reservation.ErrUnauthorized)
	case status == http.StatusRequestTimeout:
		// the body was sent; the provider may still have booked it
		return "", fmt.Errorf("%w: status=%d", reservation.ErrAmbiguousCommit, status)
	case status >= 400 && status < 500:
		// includes 429: rate limiting rejects the call before it is processed,
		// so a later attempt with a fresh book token cannot double-book
		return "", fmt.Errorf("commit booking (status=%d): %w", status, reservation.ErrSlotTaken)
	case status < 200 || status >= 300:
		return "", fmt.Errorf("%w: status=%d", reservation.ErrAmbiguousCommit, status)
	}

	var res bookResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return "", fmt.Errorf("%w: decode book response: %v", reservation.ErrAmbiguousCommit, err)
	}
	switch {
	case res.ResyToken != "":
		return res.ResyToken, nil
	case res.ReservationID != 0:
		return strconv.FormatInt(res.ReservationID, 10), nil
	default:
		return "", fmt.Errorf("%w: book response without reservation id", reservation.ErrAmbiguousCommit)
	}
}

type authResponse struct {
	Token string `json:"token"`
}

// Authenticate exchanges account credentials for an auth token.
func (c *Client) Authenticate(ctx context.Context, email, password string) (string, error) {
	form := url.Values{}
	form.Set("email", email)
	form.Set("password", password)

	status, body, err := c.do(ctx, "auth", http.MethodPost, "/3/auth/password", "application/x-www-form-urlencoded", []byte(form.Encode()), "")
	if err != nil {
		return "", err
	}
	if status == 419 {
		return "", fmt.Errorf("authenticate: %w", reservation.ErrUnauthorized)
	}
	if err := classify(status, body, false); err != nil {
		return "", fmt.Errorf("authenticate: %w", err)
	}

	var res authResponse
	if err := json.Unmarshal(body, &res); err != nil || res.Token == "" {
		return "", fmt.Errorf("%w: auth response without token", reservation.ErrUnavailable)
	}
	return res.Token, nil
}

// classify maps a non-2xx read response to a domain error.
func classify(status int, body []byte, slotScoped bool) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return reservation.ErrUnauthorized
	case slotScoped && (status == http.StatusNotFound || status == http.StatusConflict ||
		status == http.StatusGone || status == http.StatusPreconditionFailed):
		return reservation.ErrSlotTaken
	default:
		var r struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(body, &r)
		if r.Message != "" {
			return fmt.Errorf("%w: %s (status=%d)", reservation.ErrUnavailable, r.Message, status)
		}
		return fmt.Errorf("%w: status=%d", reservation.ErrUnavailable, status)
	}
}

// do performs one call under the configured timeout. Transport failures are
// reported as ErrUnavailable.
func (c *Client) do(ctx context.Context, op, method, path, contentType string, body []byte, authToken string) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	start := time.Now()
	status, b, err := c.roundTrip(ctx, method, path, contentType, body, authToken)
	if c.metrics != nil {
		result := "ok"
		switch {
		case err != nil:
			result = "error"
		case status >= 400:
			result = strconv.Itoa(status)
		}
		c.metrics.GatewayDuration.WithLabelValues(op, result).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		logging.Warn(ctx, c.logger, "resy request failed", zap.String("op", op), zap.Error(err))
		return 0, nil, fmt.Errorf("%w: %s: %v", reservation.ErrUnavailable, op, err)
	}
	return status, b, nil
}

func (c *Client) roundTrip(ctx context.Context, method, path, contentType string, body []byte, authToken string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("accept", "application/json, text/plain, */*")
	req.Header.Set("user-agent", userAgent)
	req.Header.Set("origin", "https://resy.com")
	req.Header.Set("referer", "https://resy.com/")
	req.Header.Set("x-origin", "https://resy.com")
	req.Header.Set("cache-control", "no-cache")
	if contentType != "" {
		req.Header.Set("content-type", contentType)
	}
	req.Header.Set("authorization", fmt.Sprintf(`ResyAPI api_key="%s"`, c.cfg.APIKey))
	if authToken != "" {
		req.Header.Set("x-resy-auth-token", authToken)
		req.Header.Set("x-resy-universal-auth", authToken)
	}

	res, err := c.hc.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	if err != nil {
		return res.StatusCode, nil, err
	}
	return res.StatusCode, b, nil
}
