// Package observability provides hooks for metrics, tracing, and logging.
//
// This package enables optional instrumentation without adding hard
// dependencies on specific observability backends. Consumers register hooks at
// startup to receive events about load sessions, probe cache lookups and
// outgoing HTTP requests.
//
// # Architecture
//
// The package uses a simple hooks pattern:
//   - Define hook interfaces for different event categories
//   - Provide no-op default implementations
//   - Allow registration of custom implementations at startup
//
// [Prometheus] implements every interface and is what `imgtier serve` installs.
//
// # Usage
//
// Register hooks at application startup:
//
//	func main() {
//	    prom := observability.NewPrometheus(prometheus.DefaultRegisterer)
//	    observability.SetSequencerHooks(prom)
//	    observability.SetHTTPHooks(prom)
//	    // ... run application
//	}
//
// Libraries call hooks to emit events:
//
//	observability.Sequencer().OnProbeStart(ctx, sessionID, "thumbnail", "fast")
//	// ... probe ...
//	observability.Sequencer().OnProbeComplete(ctx, sessionID, "thumbnail", elapsed, err)
package observability

import (
	"context"
	"sync"
	"time"
)

// =============================================================================
// Sequencer Hooks
// =============================================================================

// SequencerHooks receives events from the stage sequencer.
type SequencerHooks interface {
	// Session events
	OnSessionStart(ctx context.Context, sessionID, source string)
	OnSessionEnd(ctx context.Context, sessionID, status string, duration time.Duration)

	// Probe events, one pair per attempted stage
	OnProbeStart(ctx context.Context, sessionID, stage, profile string)
	OnProbeComplete(ctx context.Context, sessionID, stage string, duration time.Duration, err error)
}

// =============================================================================
// Cache Hooks
// =============================================================================

// CacheHooks receives events from cache operations.
type CacheHooks interface {
	// OnCacheHit records a cache hit.
	OnCacheHit(ctx context.Context, keyType string)

	// OnCacheMiss records a cache miss.
	OnCacheMiss(ctx context.Context, keyType string)

	// OnCacheSet records a cache write.
	OnCacheSet(ctx context.Context, keyType string, size int)
}

// =============================================================================
// HTTP Hooks
// =============================================================================

// HTTPHooks receives events from HTTP client operations.
type HTTPHooks interface {
	// OnRequest records an outgoing HTTP request.
	OnRequest(ctx context.Context, method, host, path string)

	// OnResponse records an HTTP response.
	OnResponse(ctx context.Context, method, host, path string, statusCode int, duration time.Duration)

	// OnError records an HTTP error (network failure, timeout).
	OnError(ctx context.Context, method, host, path string, err error)
}

// =============================================================================
// No-op Implementations
// =============================================================================

// NoopSequencerHooks is a no-op implementation of SequencerHooks.
type NoopSequencerHooks struct{}

func (NoopSequencerHooks) OnSessionStart(context.Context, string, string)                     {}
func (NoopSequencerHooks) OnSessionEnd(context.Context, string, string, time.Duration)        {}
func (NoopSequencerHooks) OnProbeStart(context.Context, string, string, string)               {}
func (NoopSequencerHooks) OnProbeComplete(context.Context, string, string, time.Duration, error) {}

// NoopCacheHooks is a no-op implementation of CacheHooks.
type NoopCacheHooks struct{}

func (NoopCacheHooks) OnCacheHit(context.Context, string)      {}
func (NoopCacheHooks) OnCacheMiss(context.Context, string)     {}
func (NoopCacheHooks) OnCacheSet(context.Context, string, int) {}

// NoopHTTPHooks is a no-op implementation of HTTPHooks.
type NoopHTTPHooks struct{}

func (NoopHTTPHooks) OnRequest(context.Context, string, string, string)                      {}
func (NoopHTTPHooks) OnResponse(context.Context, string, string, string, int, time.Duration) {}
func (NoopHTTPHooks) OnError(context.Context, string, string, string, error)                 {}

// =============================================================================
// Global Hook Registry
// =============================================================================

var (
	sequencerHooks SequencerHooks = NoopSequencerHooks{}
	cacheHooks     CacheHooks     = NoopCacheHooks{}
	httpHooks      HTTPHooks      = NoopHTTPHooks{}
	hooksMu        sync.RWMutex
)

// SetSequencerHooks registers custom sequencer hooks.
// This should be called once at application startup before any load starts.
func SetSequencerHooks(h SequencerHooks) {
	hooksMu.Lock()
	defer hooksMu.Unlock()
	if h != nil {
		sequencerHooks = h
	}
}

// SetCacheHooks registers custom cache hooks.
func SetCacheHooks(h CacheHooks) {
	hooksMu.Lock()
	defer hooksMu.Unlock()
	if h != nil {
		cacheHooks = h
	}
}

// SetHTTPHooks registers custom HTTP hooks.
func SetHTTPHooks(h HTTPHooks) {
	hooksMu.Lock()
	defer hooksMu.Unlock()
	if h != nil {
		httpHooks = h
	}
}

// Sequencer returns the registered sequencer hooks.
func Sequencer() SequencerHooks {
	hooksMu.RLock()
	defer hooksMu.RUnlock()
	return sequencerHooks
}

// Cache returns the registered cache hooks.
func Cache() CacheHooks {
	hooksMu.RLock()
	defer hooksMu.RUnlock()
	return cacheHooks
}

// HTTP returns the registered HTTP hooks.
func HTTP() HTTPHooks {
	hooksMu.RLock()
	defer hooksMu.RUnlock()
	return httpHooks
}

// Reset restores all hooks to their no-op defaults.
// This is primarily useful for testing.
func Reset() {
	hooksMu.Lock()
	defer hooksMu.Unlock()
	sequencerHooks = NoopSequencerHooks{}
	cacheHooks = NoopCacheHooks{}
	httpHooks = NoopHTTPHooks{}
}
