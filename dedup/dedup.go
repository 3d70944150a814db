package dedup

import (
	"time"

	"github.com/maypok86/otter"
)

// Cache remembers deduplication tokens of recently written entries so the
// storage layer can suppress duplicate submissions. Tokens are caller-chosen
// and only compared for equality; an evicted or expired token simply means
// the duplicate is written again, which is safe.
type Cache struct {
	store otter.CacheWithVariableTTL[string, struct{}]
	ttl   time.Duration
}

// New creates a token cache holding up to maxSize tokens for ttl each.
func New(maxSize int, ttl time.Duration) (*Cache, error) {
	store, err := otter.MustBuilder[string, struct{}](maxSize).
		WithVariableTTL().
		Build()
	if err != nil {
		return nil, err
	}
	return &Cache{store: store, ttl: ttl}, nil
}

// Seen reports whether the token was marked within its TTL.
func (c *Cache) Seen(token string) bool {
	if token == "" {
		return false
	}
	_, ok := c.store.Get(token)
	return ok
}

// Mark records the token. Empty tokens are ignored.
func (c *Cache) Mark(token string) {
	if token == "" {
		return
	}
	c.store.Set(token, struct{}{}, c.ttl)
}

// Close releases the cache resources.
func (c *Cache) Close() {
	c.store.Close()
}
