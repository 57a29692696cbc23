// -------------------------------------------------------------------------------
// CoordinateCache - Place ID to Coordinate Cache
//
// Author: Alex Freidah
//
// Coordinates of a place never change, so entries never expire. The cache is
// bounded by entry count; once full, new places are not cached (existing
// entries may still be overwritten).
// -------------------------------------------------------------------------------

package cache

import (
	"sync"

	gocache "github.com/patrickmn/go-cache"

	"github.com/afreidah/spotkeeper/internal/geo"
	"github.com/afreidah/spotkeeper/internal/telemetry"
)

const coordinateCacheName = "coordinate"

// CoordinateCache maps place IDs to coordinates. Safe for concurrent use.
type CoordinateCache struct {
	items      *gocache.Cache
	mu         sync.Mutex
	maxEntries int
}

// NewCoordinateCache creates a coordinate cache holding at most maxEntries
// places. maxEntries <= 0 means unbounded.
func NewCoordinateCache(maxEntries int) *CoordinateCache {
	return &CoordinateCache{
		items:      gocache.New(gocache.NoExpiration, 0),
		maxEntries: maxEntries,
	}
}

// Get returns the cached coordinate for a place.
func (c *CoordinateCache) Get(placeID string) (geo.Coordinate, bool) {
	v, ok := c.items.Get(placeID)
	if !ok {
		telemetry.CacheLookupsTotal.WithLabelValues(coordinateCacheName, "miss").Inc()
		return geo.Coordinate{}, false
	}
	telemetry.CacheLookupsTotal.WithLabelValues(coordinateCacheName, "hit").Inc()
	return v.(geo.Coordinate), true
}

// Set stores a coordinate. Returns false when the cache is full and the
// place was not already present.
func (c *CoordinateCache) Set(placeID string, coord geo.Coordinate) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.items.Get(placeID); !exists && c.maxEntries > 0 && c.items.ItemCount() >= c.maxEntries {
		telemetry.CacheEvictionsTotal.WithLabelValues(coordinateCacheName, "dropped").Inc()
		return false
	}
	c.items.Set(placeID, coord, gocache.NoExpiration)
	telemetry.CacheEntries.WithLabelValues(coordinateCacheName).Set(float64(c.items.ItemCount()))
	return true
}

// Len returns the number of cached coordinates.
func (c *CoordinateCache) Len() int {
	return c.items.ItemCount()
}
