// Package web serves the session-gated JSON API.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/google/uuid"

	"github.com/example/resy-booker/internal/application/requests"
	"github.com/example/resy-booker/internal/domain/reservation"
	"github.com/example/resy-booker/internal/domain/restaurant"
	"github.com/example/resy-booker/internal/domain/user"
	"github.com/example/resy-booker/internal/logging"
)

type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (user.User, error)
}

type RequestService interface {
	Create(ctx context.Context, userID int64, in requests.CreateInput) (reservation.Request, error)
	Get(ctx context.Context, userID int64, id uuid.UUID) (reservation.Request, error)
	List(ctx context.Context, userID int64, status *reservation.Status) ([]reservation.Request, error)
	Dashboard(ctx context.Context, userID int64) (requests.Dashboard, error)
	Stats(ctx context.Context, userID int64) (requests.Stats, error)
	Delete(ctx context.Context, userID int64, id uuid.UUID) error
	Expire(ctx context.Context, userID int64, id uuid.UUID) (reservation.Request, error)
	Restaurants(ctx context.Context) ([]restaurant.Restaurant, error)
}

type CredentialService interface {
	Link(ctx context.Context, userID int64, email, password string) error
	LinkToken(ctx context.Context, userID int64, email, token string) error
	Unlink(ctx context.Context, userID int64) error
	Status(ctx context.Context, userID int64) (user.Credentials, error)
}

type SlotFinder interface {
	FindSlots(ctx context.Context, venueID string, date time.Time, partySize int) ([]reservation.Slot, error)
}

type Deps struct {
	Sessions    *SessionManager
	Users       Authenticator
	Requests    RequestService
	Credentials CredentialService
	Slots       SlotFinder
	// Ping reports database health for /healthz. Optional.
	Ping    func(ctx context.Context) error
	Metrics http.Handler
	Logger  *zap.Logger
}

type Server struct {
	addr string
	Deps
}

func New(addr string, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Server{addr: addr, Deps: deps}
}

// Handler returns the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /login", s.handleLogin)
	mux.HandleFunc("POST /logout", s.handleLogout)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.Metrics != nil {
		mux.Handle("GET /metrics", s.Metrics)
	}

	mux.HandleFunc("GET /api/restaurants", s.requireAuth(s.handleListRestaurants))
	mux.HandleFunc("GET /api/requests", s.requireAuth(s.handleListRequests))
	mux.HandleFunc("POST /api/requests", s.requireAuth(s.handleCreateRequest))
	mux.HandleFunc("GET /api/requests/{id}", s.requireAuth(s.handleGetRequest))
	mux.HandleFunc("DELETE /api/requests/{id}", s.requireAuth(s.handleDeleteRequest))
	mux.HandleFunc("POST /api/requests/{id}/expire", s.requireAuth(s.handleExpireRequest))
	mux.HandleFunc("GET /api/dashboard", s.requireAuth(s.handleDashboard))
	mux.HandleFunc("GET /api/stats", s.requireAuth(s.handleStats))

	mux.HandleFunc("GET /api/credentials", s.requireAuth(s.handleCredentialStatus))
	mux.HandleFunc("POST /api/credentials", s.requireAuth(s.handleLinkCredentials))
	mux.HandleFunc("DELETE /api/credentials", s.requireAuth(s.handleUnlinkCredentials))

	mux.HandleFunc("GET /api/venues/{venue}/slots", s.requireAuth(s.handleFindSlots))

	return otelhttp.NewHandler(s.logging(mux), "resybook.http")
}

// ListenAndServe blocks until ctx is done, then shuts the server down.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logging.Info(ctx, s.Logger, "http listening", zap.String("addr", s.addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			return err
		}
		return nil
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logging.Debug(r.Context(), s.Logger, "http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type ctxKeyUserID struct{}

func userIDFromCtx(r *http.Request) int64 {
	if v, ok := r.Context().Value(ctxKeyUserID{}).(int64); ok {
		return v
	}
	return 0
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, ok := s.Sessions.GetUserID(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "login required", nil)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), ctxKeyUserID{}, uid)))
	}
}

type errorBody struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string, fields map[string]string) {
	writeJSON(w, code, errorBody{Error: msg, Fields: fields})
}

// fail maps service errors to HTTP statuses. Anything unrecognised is logged
// and reported as a 500 without detail.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	var verr *requests.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, "invalid request", verr.Fields)
	case errors.Is(err, reservation.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found", nil)
	case errors.Is(err, reservation.ErrNotActive), errors.Is(err, reservation.ErrConflict):
		writeError(w, http.StatusConflict, err.Error(), nil)
	case errors.Is(err, reservation.ErrNotLinked):
		writeError(w, http.StatusNotFound, err.Error(), nil)
	case errors.Is(err, reservation.ErrUnauthorized):
		writeError(w, http.StatusUnprocessableEntity, err.Error(), nil)
	case errors.Is(err, reservation.ErrUnavailable):
		writeError(w, http.StatusBadGateway, err.Error(), nil)
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "timed out", nil)
	default:
		logging.Error(r.Context(), s.Logger, "request failed",
			zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error", nil)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

type loginInput struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var in loginInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body", nil)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	u, err := s.Users.Authenticate(ctx, in.Username, in.Password)
	if err != nil {
		if errors.Is(err, user.ErrInvalidCredentials) || errors.Is(err, user.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "invalid username or password", nil)
			return
		}
		s.fail(w, r, err)
		return
	}
	if err := s.Sessions.SetUserID(w, u.ID); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": u.ID, "username": u.Username})
}

func (s *Server) handleLogout(w http.ResponseWriter, _ *http.Request) {
	s.Sessions.Clear(w)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.Ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func isNotLinked(err error) bool { return errors.Is(err, reservation.ErrNotLinked) }
