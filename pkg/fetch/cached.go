package fetch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/matzehuels/imgtier/pkg/cache"
	"github.com/matzehuels/imgtier/pkg/observability"
)

// CachedFetcher remembers verified URLs so repeated loads skip the network.
// Failures are never cached. Cache errors degrade to a miss.
type CachedFetcher struct {
	next  Fetcher
	cache cache.Cache
	keys  cache.Keyer
	ttl   time.Duration
}

// NewCachedFetcher wraps next with c. A ttl of 0 uses [cache.TTLProbe].
func NewCachedFetcher(next Fetcher, c cache.Cache, keys cache.Keyer, ttl time.Duration) *CachedFetcher {
	if ttl <= 0 {
		ttl = cache.TTLProbe
	}
	return &CachedFetcher{next: next, cache: c, keys: keys, ttl: ttl}
}

// Fetch returns a cached result when present, otherwise probes and stores.
func (f *CachedFetcher) Fetch(ctx context.Context, url string) (*Result, error) {
	key := f.keys.ProbeKey(url)
	if data, ok, err := f.cache.Get(ctx, key); err == nil && ok {
		var r Result
		if json.Unmarshal(data, &r) == nil && r.URL == url {
			observability.Cache().OnCacheHit(ctx, "probe")
			r.Cached = true
			return &r, nil
		}
	}
	observability.Cache().OnCacheMiss(ctx, "probe")

	r, err := f.next.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(r); err == nil {
		if f.cache.Set(ctx, key, data, f.ttl) == nil {
			observability.Cache().OnCacheSet(ctx, "probe", len(data))
		}
	}
	return r, nil
}

var _ Fetcher = (*CachedFetcher)(nil)
