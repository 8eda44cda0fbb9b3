// Package restaurant is the catalog of venues users may request.
package restaurant

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("restaurant not found")

type Restaurant struct {
	ID           int64
	Name         string
	VenueID      string // provider venue id
	ThumbnailURL string
	CreatedAt    time.Time
}

// Catalog is the read side used when creating and displaying requests.
type Catalog interface {
	List(ctx context.Context) ([]Restaurant, error)
	GetByVenue(ctx context.Context, venueID string) (Restaurant, error)
}
