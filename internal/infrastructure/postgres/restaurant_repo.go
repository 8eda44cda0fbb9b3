package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/resy-booker/internal/db"
	"github.com/example/resy-booker/internal/domain/restaurant"
)

type RestaurantRepo struct{ pool *pgxpool.Pool }

var _ restaurant.Catalog = (*RestaurantRepo)(nil)

func NewRestaurantRepo(pool *pgxpool.Pool) *RestaurantRepo { return &RestaurantRepo{pool: pool} }

const restaurantColumns = `id, name, resy_venue_id, thumbnail_url, created_at`

func scanRestaurant(row pgx.Row) (restaurant.Restaurant, error) {
	var r restaurant.Restaurant
	err := row.Scan(&r.ID, &r.Name, &r.VenueID, &r.ThumbnailURL, &r.CreatedAt)
	return r, err
}

func (r *RestaurantRepo) List(ctx context.Context) ([]restaurant.Restaurant, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+restaurantColumns+` FROM restaurants ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("list restaurants: %w", err)
	}
	defer rows.Close()
	var out []restaurant.Restaurant
	for rows.Next() {
		rest, err := scanRestaurant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rest)
	}
	return out, rows.Err()
}

func (r *RestaurantRepo) GetByVenue(ctx context.Context, venueID string) (restaurant.Restaurant, error) {
	rest, err := scanRestaurant(r.pool.QueryRow(ctx,
		`SELECT `+restaurantColumns+` FROM restaurants WHERE resy_venue_id=$1`, strings.TrimSpace(venueID)))
	if err != nil {
		if db.IsNoRows(err) {
			return restaurant.Restaurant{}, restaurant.ErrNotFound
		}
		return restaurant.Restaurant{}, err
	}
	return rest, nil
}

// Upsert adds a venue or refreshes its name and thumbnail.
func (r *RestaurantRepo) Upsert(ctx context.Context, in restaurant.Restaurant) (restaurant.Restaurant, error) {
	out, err := scanRestaurant(r.pool.QueryRow(ctx, `
		INSERT INTO restaurants (name, resy_venue_id, thumbnail_url)
		VALUES ($1, $2, $3)
		ON CONFLICT (resy_venue_id) DO UPDATE
		SET name = EXCLUDED.name, thumbnail_url = EXCLUDED.thumbnail_url
		RETURNING `+restaurantColumns,
		strings.TrimSpace(in.Name), strings.TrimSpace(in.VenueID), strings.TrimSpace(in.ThumbnailURL)))
	if err != nil {
		return restaurant.Restaurant{}, fmt.Errorf("upsert restaurant: %w", err)
	}
	return out, nil
}
