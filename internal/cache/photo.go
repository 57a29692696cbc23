// -------------------------------------------------------------------------------
// PhotoCache - Byte-bounded LRU for Downloaded Photos
//
// Author: Alex Freidah
//
// Holds downloaded photo bytes keyed by upstream photo reference so a photo
// shared by several spots, or retried after a failed upload, is fetched once.
// Bounded by both entry count and total bytes; the least recently used entry
// is evicted until both bounds hold. A single photo larger than the byte bound
// is not cached at all.
// -------------------------------------------------------------------------------

package cache

import (
	"container/list"
	"sync"

	"github.com/afreidah/spotkeeper/internal/telemetry"
)

const photoCacheName = "photo"

// photoEntry is a cached photo held in the LRU list.
type photoEntry struct {
	ref  string
	data []byte
}

// PhotoCache is an LRU cache of photo bytes. Safe for concurrent use.
type PhotoCache struct {
	items      map[string]*list.Element
	order      *list.List // front = most recently used
	mu         sync.Mutex
	maxEntries int
	maxBytes   int64
	bytes      int64
}

// NewPhotoCache creates a photo cache bounded by entry count and total bytes.
func NewPhotoCache(maxEntries int, maxBytes int64) *PhotoCache {
	return &PhotoCache{
		items:      make(map[string]*list.Element),
		order:      list.New(),
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
	}
}

// Get returns the cached bytes for a photo reference and marks it recently used.
func (c *PhotoCache) Get(ref string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[ref]
	if !ok {
		telemetry.CacheLookupsTotal.WithLabelValues(photoCacheName, "miss").Inc()
		return nil, false
	}
	c.order.MoveToFront(elem)
	telemetry.CacheLookupsTotal.WithLabelValues(photoCacheName, "hit").Inc()
	return elem.Value.(*photoEntry).data, true
}

// Put stores photo bytes, evicting least recently used entries as needed.
// Returns false when the photo alone exceeds the byte bound.
func (c *PhotoCache) Put(ref string, data []byte) bool {
	size := int64(len(data))
	if c.maxBytes > 0 && size > c.maxBytes {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[ref]; ok {
		entry := elem.Value.(*photoEntry)
		c.bytes += size - int64(len(entry.data))
		entry.data = data
		c.order.MoveToFront(elem)
	} else {
		c.items[ref] = c.order.PushFront(&photoEntry{ref: ref, data: data})
		c.bytes += size
	}

	for c.overLimitLocked() {
		c.removeOldestLocked()
	}
	c.publishLocked()
	return true
}

// Len returns the number of cached photos.
func (c *PhotoCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Bytes returns the total size of cached photos.
func (c *PhotoCache) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

// -------------------------------------------------------------------------
// INTERNALS
// -------------------------------------------------------------------------

func (c *PhotoCache) overLimitLocked() bool {
	if c.order.Len() == 0 {
		return false
	}
	if c.maxEntries > 0 && c.order.Len() > c.maxEntries {
		return true
	}
	return c.maxBytes > 0 && c.bytes > c.maxBytes
}

func (c *PhotoCache) removeOldestLocked() {
	elem := c.order.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*photoEntry)
	c.order.Remove(elem)
	delete(c.items, entry.ref)
	c.bytes -= int64(len(entry.data))
	telemetry.CacheEvictionsTotal.WithLabelValues(photoCacheName, "capacity").Inc()
}

func (c *PhotoCache) publishLocked() {
	telemetry.CacheEntries.WithLabelValues(photoCacheName).Set(float64(c.order.Len()))
	telemetry.PhotoCacheBytes.Set(float64(c.bytes))
}
