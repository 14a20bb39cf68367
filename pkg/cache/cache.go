// Package cache stores probe verification results.
//
// A verified variant URL is remembered for a short time so that reloading the
// same source (a feed scrolled back into view, a second controller showing the
// same avatar) does not re-download every tier. Only metadata is cached, never
// image bytes.
//
// Backends:
//   - [NullCache]: caching disabled
//   - [MemoryCache]: in-process map with expiry
//   - [FileCache]: JSON files under a directory, for the CLI
//   - [RedisCache]: shared across processes
//
// Keys are built by a [Keyer] so that every backend agrees on naming.
package cache

import (
	"context"
	"strings"
	"time"
)

// Cache is a byte-oriented key/value store with per-entry TTL.
// Implementations must be safe for concurrent use.
type Cache interface {
	// Get returns the stored data and true on a hit.
	// A miss (absent or expired) is (nil, false, nil).
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores data under key. A ttl of 0 means no expiry.
	Set(ctx context.Context, key string, data []byte, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases backend resources.
	Close() error
}

// TTLProbe is the default lifetime of a verified probe result.
const TTLProbe = 10 * time.Minute

// Keyer builds cache keys for probe results.
type Keyer struct {
	prefix string
}

// NewKeyer creates a keyer. A non-empty prefix namespaces every key, which
// lets several deployments share one Redis instance.
func NewKeyer(prefix string) Keyer {
	return Keyer{prefix: prefix}
}

// ProbeKey returns the key for the verification result of a variant URL.
// The URL is hashed so keys stay short and filesystem-safe.
func (k Keyer) ProbeKey(url string) string {
	return k.prefix + "probe:" + Hash([]byte(strings.TrimSpace(url)))
}
