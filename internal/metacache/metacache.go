// Package metacache is the in-memory, explicitly-evicted MediaMetadata
// store keyed by mediaId (C8, §4.8), plus the per-mediaId initialization
// serialization required by §4.9.1 and the §5 shared-resource policy.
package metacache

import (
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/rpaschoal/jithls/internal/domain"
)

// Cache is safe for concurrent use. There is no TTL: the dataset is
// bounded by the library size and entries are small, so eviction is an
// explicit operator action only.
type Cache struct {
	mu    sync.RWMutex
	items map[string]domain.MediaMetadata

	init singleflight.Group
}

// New returns an empty Cache.
func New() *Cache {
	return &Cache{items: make(map[string]domain.MediaMetadata)}
}

// Has reports whether mediaId is cached.
func (c *Cache) Has(mediaID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.items[mediaID]
	return ok
}

// Get returns the cached entry for mediaId, if present.
func (c *Cache) Get(mediaID string) (domain.MediaMetadata, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.items[mediaID]
	return m, ok
}

// Set inserts or replaces the entry for m.MediaID.
func (c *Cache) Set(m domain.MediaMetadata) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[m.MediaID] = m
}

// Delete evicts a single mediaId.
func (c *Cache) Delete(mediaID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, mediaID)
}

// DeleteAll evicts every cached entry (operator endpoint, DELETE
// /hls/cache).
func (c *Cache) DeleteAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]domain.MediaMetadata)
}

// GetAll returns a snapshot of every cached entry, in no particular
// order.
func (c *Cache) GetAll() []domain.MediaMetadata {
	c.mu.RLock()
	defer c.mu.RUnlock()
	all := make([]domain.MediaMetadata, 0, len(c.items))
	for _, m := range c.items {
		all = append(all, m)
	}
	return all
}

// InitOnce serializes concurrent initialization for the same mediaId:
// the first caller runs fn and populates the cache; concurrent callers
// for the same mediaId block on that result instead of re-probing and
// re-writing playlists (§4.9.1 "Concurrent callers for the same mediaId
// must serialize"). Callers for distinct mediaIds never block each
// other.
func (c *Cache) InitOnce(mediaID string, fn func() (domain.MediaMetadata, error)) (domain.MediaMetadata, error) {
	if m, ok := c.Get(mediaID); ok {
		return m, nil
	}

	v, err, _ := c.init.Do(mediaID, func() (interface{}, error) {
		if m, ok := c.Get(mediaID); ok {
			return m, nil
		}
		m, err := fn()
		if err != nil {
			return domain.MediaMetadata{}, err
		}
		c.Set(m)
		return m, nil
	})
	if err != nil {
		return domain.MediaMetadata{}, err
	}
	return v.(domain.MediaMetadata), nil
}
