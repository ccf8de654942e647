package storage

import (
	"context"
	"sync"
	"time"

	"github.com/example/airport-pooling/internal/models"
)

// RideCache is a read-through cache of ride snapshots for the read API.
// Entries are not invalidated on mutation: a reader may see a PENDING ride
// for up to ttl after it was MATCHED or CANCELLED.
type RideCache struct {
	rides RideStore
	ttl   time.Duration

	mu    sync.RWMutex
	store map[string]cacheEntry
}

type cacheEntry struct {
	v  *models.RideRequest
	ts time.Time
}

// NewRideCache creates a cache with the provided TTL.
func NewRideCache(rides RideStore, ttl time.Duration) *RideCache {
	return &RideCache{rides: rides, ttl: ttl, store: make(map[string]cacheEntry)}
}

// GetRide serves from cache when fresh, otherwise loads and caches.
func (c *RideCache) GetRide(ctx context.Context, id string) (*models.RideRequest, error) {
	c.mu.RLock()
	e, ok := c.store[id]
	c.mu.RUnlock()
	if ok && time.Since(e.ts) <= c.ttl {
		return e.v.Clone(), nil
	}
	r, err := c.rides.GetRide(ctx, id)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.store[id] = cacheEntry{v: r.Clone(), ts: time.Now()}
	c.mu.Unlock()
	return r, nil
}

// Sweep drops expired entries.
func (c *RideCache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.store {
		if time.Since(e.ts) > c.ttl {
			delete(c.store, k)
		}
	}
}
