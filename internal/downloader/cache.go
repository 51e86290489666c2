package downloader

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"

	"mediaq/internal/entity"
	"mediaq/pkg/gen"
)

// CachedLookup memoizes successful lookups for a TTL. Failures are not cached.
type CachedLookup struct {
	next  Looker
	cache *cache.Cache
}

var _ Looker = (*CachedLookup)(nil)

// NewCachedLookup wraps next with a cache. A non-positive ttl disables caching.
func NewCachedLookup(next Looker, ttl time.Duration) Looker {
	if ttl <= 0 {
		return next
	}

	return &CachedLookup{
		next:  next,
		cache: cache.New(ttl, 2*ttl),
	}
}

// Lookup implements Looker.
func (c *CachedLookup) Lookup(ctx context.Context, url, cookieFile string) (entity.Metadata, error) {
	key := gen.Key(url, cookieFile)

	if cached, ok := c.cache.Get(key); ok {
		if meta, ok := cached.(entity.Metadata); ok {
			return meta, nil
		}
	}

	meta, err := c.next.Lookup(ctx, url, cookieFile)
	if err != nil {
		return entity.Metadata{}, err
	}

	c.cache.SetDefault(key, meta)

	return meta, nil
}
