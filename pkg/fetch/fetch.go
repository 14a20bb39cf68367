package fetch

import (
	"context"
	"time"
)

// Result describes a verified variant.
type Result struct {
	URL         string        `json:"url"`
	StatusCode  int           `json:"status_code"`
	ContentType string        `json:"content_type"` // sniffed from the body
	Size        int64         `json:"size"`
	Duration    time.Duration `json:"duration"`
	Cached      bool          `json:"-"` // served from a CachedFetcher
}

// Fetcher probes a single URL. Implementations must honor ctx: the sequencer
// aborts in-flight probes by cancelling it.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*Result, error)
}

// Func adapts a function to the Fetcher interface.
type Func func(ctx context.Context, url string) (*Result, error)

// Fetch calls f.
func (f Func) Fetch(ctx context.Context, url string) (*Result, error) { return f(ctx, url) }
