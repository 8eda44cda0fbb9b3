package vault

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/resy-booker/internal/domain/reservation"
	"github.com/example/resy-booker/internal/domain/user"
	"github.com/example/resy-booker/internal/infrastructure/crypto"
	"github.com/example/resy-booker/internal/infrastructure/memory"
)

type fakeCreds struct{ rows map[int64]user.Credentials }

func (f *fakeCreds) Get(_ context.Context, id int64) (user.Credentials, error) {
	c, ok := f.rows[id]
	if !ok {
		return user.Credentials{}, user.ErrNotFound
	}
	return c, nil
}

func (f *fakeCreds) Upsert(_ context.Context, c user.Credentials) error {
	f.rows[c.UserID] = c
	return nil
}

func (f *fakeCreds) Delete(_ context.Context, id int64) error {
	if _, ok := f.rows[id]; !ok {
		return user.ErrNotFound
	}
	delete(f.rows, id)
	return nil
}

type authFunc func(ctx context.Context, email, password string) (string, error)

func (f authFunc) Authenticate(ctx context.Context, email, password string) (string, error) {
	return f(ctx, email, password)
}

func newVault(t *testing.T) (*Vault, *fakeCreds, *memory.RequestStore) {
	t.Helper()
	sealer, err := crypto.NewSealer(bytes.Repeat([]byte{1}, 32))
	require.NoError(t, err)
	creds := &fakeCreds{rows: map[int64]user.Credentials{}}
	store := memory.NewRequestStore()
	auth := authFunc(func(_ context.Context, email, password string) (string, error) {
		if password != "pw" {
			return "", reservation.ErrUnauthorized
		}
		return "tok-" + email, nil
	})
	return New(creds, sealer, auth, store, zap.NewNop()), creds, store
}

func TestGetToken_NotLinked(t *testing.T) {
	v, _, _ := newVault(t)
	_, err := v.GetToken(context.Background(), 1)
	require.ErrorIs(t, err, reservation.ErrNotLinked)
}

func TestLinkSealsTokenAndResumesRequests(t *testing.T) {
	ctx := context.Background()
	v, creds, store := newVault(t)

	r, err := store.Create(ctx, reservation.Request{
		UserID: 1, VenueID: "V", PartySize: 2,
		Date:  time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
		Times: []reservation.TimeOfDay{{Hour: 19}},
	})
	require.NoError(t, err)
	require.NoError(t, store.Annotate(ctx, r.ID, reservation.AttentionCredentials, "not linked", nil))

	require.NoError(t, v.Link(ctx, 1, "a@x.io", "pw"))
	require.NotEqual(t, "tok-a@x.io", creds.rows[1].AuthToken, "token must be sealed at rest")

	tok, err := v.GetToken(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "tok-a@x.io", tok)

	got, err := store.Get(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, reservation.AttentionNone, got.Attention)

	st, err := v.Status(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "a@x.io", st.Email)
	require.Empty(t, st.AuthToken)
}

func TestLinkRejected(t *testing.T) {
	v, creds, _ := newVault(t)
	err := v.Link(context.Background(), 1, "a@x.io", "wrong")
	require.ErrorIs(t, err, reservation.ErrUnauthorized)
	require.Empty(t, creds.rows)
}

func TestUnlink(t *testing.T) {
	ctx := context.Background()
	v, _, _ := newVault(t)
	require.ErrorIs(t, v.Unlink(ctx, 1), reservation.ErrNotLinked)

	require.NoError(t, v.LinkToken(ctx, 1, "", "browser-token"))
	require.NoError(t, v.Unlink(ctx, 1))
	_, err := v.GetToken(ctx, 1)
	require.ErrorIs(t, err, reservation.ErrNotLinked)
}
