package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/resy-booker/internal/db"
	"github.com/example/resy-booker/internal/domain/user"
)

// CredentialsRepo stores linked provider accounts. AuthToken is stored as
// given; sealing happens in the vault.
type CredentialsRepo struct{ pool *pgxpool.Pool }

func NewCredentialsRepo(pool *pgxpool.Pool) *CredentialsRepo { return &CredentialsRepo{pool: pool} }

func (r *CredentialsRepo) Get(ctx context.Context, userID int64) (user.Credentials, error) {
	var c user.Credentials
	err := r.pool.QueryRow(ctx, `
		SELECT user_id, email, auth_token_enc, created_at, updated_at
		FROM resy_credentials WHERE user_id=$1
	`, userID).Scan(&c.UserID, &c.Email, &c.AuthToken, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if db.IsNoRows(err) {
			return user.Credentials{}, user.ErrNotFound
		}
		return user.Credentials{}, err
	}
	return c, nil
}

func (r *CredentialsRepo) Upsert(ctx context.Context, c user.Credentials) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO resy_credentials (user_id, email, auth_token_enc)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE
		SET email = EXCLUDED.email, auth_token_enc = EXCLUDED.auth_token_enc, updated_at = now()
	`, c.UserID, c.Email, c.AuthToken)
	if err != nil {
		if db.IsForeignKeyViolation(err) {
			return user.ErrNotFound
		}
		return fmt.Errorf("upsert credentials: %w", err)
	}
	return nil
}

func (r *CredentialsRepo) Delete(ctx context.Context, userID int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM resy_credentials WHERE user_id=$1`, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return user.ErrNotFound
	}
	return nil
}
