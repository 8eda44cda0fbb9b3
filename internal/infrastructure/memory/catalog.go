package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/example/resy-booker/internal/domain/restaurant"
)

type Catalog struct {
	mu     sync.Mutex
	byID   map[string]restaurant.Restaurant
	nextID int64
}

var _ restaurant.Catalog = (*Catalog)(nil)

func NewCatalog(rs ...restaurant.Restaurant) *Catalog {
	c := &Catalog{byID: make(map[string]restaurant.Restaurant)}
	for _, r := range rs {
		c.Upsert(r)
	}
	return c
}

func (c *Catalog) Upsert(r restaurant.Restaurant) restaurant.Restaurant {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.byID[r.VenueID]; ok {
		r.ID = cur.ID
	} else {
		c.nextID++
		r.ID = c.nextID
	}
	c.byID[r.VenueID] = r
	return r
}

func (c *Catalog) List(context.Context) ([]restaurant.Restaurant, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]restaurant.Restaurant, 0, len(c.byID))
	for _, r := range c.byID {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (c *Catalog) GetByVenue(_ context.Context, venueID string) (restaurant.Restaurant, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.byID[venueID]
	if !ok {
		return restaurant.Restaurant{}, restaurant.ErrNotFound
	}
	return r, nil
}
