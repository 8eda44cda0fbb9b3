// Package vault keeps each user's linked booking account token, sealed at rest.
package vault

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/example/resy-booker/internal/domain/reservation"
	"github.com/example/resy-booker/internal/domain/user"
	"github.com/example/resy-booker/internal/logging"
)

type CredentialStore interface {
	Get(ctx context.Context, userID int64) (user.Credentials, error)
	Upsert(ctx context.Context, c user.Credentials) error
	Delete(ctx context.Context, userID int64) error
}

type Sealer interface {
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
}

type Authenticator interface {
	Authenticate(ctx context.Context, email, password string) (string, error)
}

// AttentionClearer releases requests parked on missing credentials.
type AttentionClearer interface {
	ClearAttention(ctx context.Context, userID int64, a reservation.Attention) (int64, error)
}

type Vault struct {
	store    CredentialStore
	sealer   Sealer
	auth     Authenticator
	requests AttentionClearer
	logger   *zap.Logger
}

func New(store CredentialStore, sealer Sealer, auth Authenticator, requests AttentionClearer, logger *zap.Logger) *Vault {
	return &Vault{store: store, sealer: sealer, auth: auth, requests: requests, logger: logger}
}

// GetToken returns the plaintext auth token, or ErrNotLinked.
func (v *Vault) GetToken(ctx context.Context, userID int64) (string, error) {
	c, err := v.store.Get(ctx, userID)
	if errors.Is(err, user.ErrNotFound) || (err == nil && !c.Linked()) {
		return "", reservation.ErrNotLinked
	}
	if err != nil {
		return "", fmt.Errorf("load credentials: %w", err)
	}
	tok, err := v.sealer.Open(c.AuthToken)
	if err != nil {
		return "", fmt.Errorf("open credentials for user %d: %w", userID, err)
	}
	return tok, nil
}

// Link signs in to the provider with the account's email and password and
// keeps only the resulting token.
func (v *Vault) Link(ctx context.Context, userID int64, email, password string) error {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return fmt.Errorf("email and password required")
	}
	tok, err := v.auth.Authenticate(ctx, email, password)
	if err != nil {
		return err
	}
	return v.LinkToken(ctx, userID, email, tok)
}

// LinkToken stores an auth token captured elsewhere, e.g. from a browser session.
func (v *Vault) LinkToken(ctx context.Context, userID int64, email, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("auth token required")
	}
	sealed, err := v.sealer.Seal(token)
	if err != nil {
		return fmt.Errorf("seal token: %w", err)
	}
	if err := v.store.Upsert(ctx, user.Credentials{UserID: userID, Email: email, AuthToken: sealed}); err != nil {
		return err
	}

	n, err := v.requests.ClearAttention(ctx, userID, reservation.AttentionCredentials)
	if err != nil {
		return fmt.Errorf("resume requests: %w", err)
	}
	logging.Info(ctx, v.logger, "booking account linked",
		zap.Int64("user_id", userID),
		zap.Int64("resumed_requests", n),
	)
	return nil
}

func (v *Vault) Unlink(ctx context.Context, userID int64) error {
	err := v.store.Delete(ctx, userID)
	if errors.Is(err, user.ErrNotFound) {
		return reservation.ErrNotLinked
	}
	return err
}

// Status reports the linked account without its token.
func (v *Vault) Status(ctx context.Context, userID int64) (user.Credentials, error) {
	c, err := v.store.Get(ctx, userID)
	if errors.Is(err, user.ErrNotFound) {
		return user.Credentials{}, reservation.ErrNotLinked
	}
	if err != nil {
		return user.Credentials{}, err
	}
	c.AuthToken = ""
	return c, nil
}
