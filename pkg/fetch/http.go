package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gabriel-vasile/mimetype"
	"github.com/go-resty/resty/v2"

	imgerr "github.com/matzehuels/imgtier/pkg/errors"
	"github.com/matzehuels/imgtier/pkg/observability"
)

// DefaultMaxBytes bounds how much of a variant body is read.
const DefaultMaxBytes int64 = 32 << 20

// DefaultUserAgent is sent with every probe.
const DefaultUserAgent = "imgtier/0.1"

// HTTPFetcher probes URLs over HTTP.
type HTTPFetcher struct {
	client     *resty.Client
	logger     *log.Logger
	maxBytes   int64
	attempts   int
	retryDelay time.Duration
	observer   func(n int64, d time.Duration)
}

// Option configures an HTTPFetcher.
type Option func(*HTTPFetcher)

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(f *HTTPFetcher) {
		if ua != "" {
			f.client.SetHeader("User-Agent", ua)
		}
	}
}

// WithRetries sets the number of attempts per probe and the initial backoff.
// The default is a single attempt.
func WithRetries(attempts int, delay time.Duration) Option {
	return func(f *HTTPFetcher) {
		f.attempts = max(attempts, 1)
		if delay > 0 {
			f.retryDelay = delay
		}
	}
}

// WithMaxBytes bounds the body size. Larger bodies fail the probe.
func WithMaxBytes(n int64) Option {
	return func(f *HTTPFetcher) {
		if n > 0 {
			f.maxBytes = n
		}
	}
}

// WithObserver registers a callback that receives the size and duration of
// every completed transfer. netprofile.ThroughputProbe.Record fits here.
func WithObserver(fn func(n int64, d time.Duration)) Option {
	return func(f *HTTPFetcher) { f.observer = fn }
}

// WithLogger sets the logger used for request tracing.
func WithLogger(l *log.Logger) Option {
	return func(f *HTTPFetcher) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithHTTPClient replaces the underlying transport client.
func WithHTTPClient(hc *http.Client) Option {
	return func(f *HTTPFetcher) {
		if hc != nil {
			f.client.SetTransport(hc.Transport)
			if hc.Timeout > 0 {
				f.client.SetTimeout(hc.Timeout)
			}
		}
	}
}

// NewHTTPFetcher creates a fetcher. Timeouts come from the probe context,
// so the client itself carries none.
func NewHTTPFetcher(opts ...Option) *HTTPFetcher {
	f := &HTTPFetcher{
		client:     resty.New(),
		logger:     log.Default(),
		maxBytes:   DefaultMaxBytes,
		attempts:   1,
		retryDelay: 250 * time.Millisecond,
	}
	f.client.SetHeader("User-Agent", DefaultUserAgent)
	f.client.SetHeader("Accept", "image/avif,image/webp,image/*,*/*;q=0.8")
	for _, opt := range opts {
		opt(f)
	}

	f.client.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		host, path := splitURL(req.URL)
		observability.HTTP().OnRequest(req.Context(), req.Method, host, path)
		f.logger.Debug("probe request", "method", req.Method, "url", req.URL)
		return nil
	})
	f.client.OnError(func(req *resty.Request, err error) {
		host, path := splitURL(req.URL)
		observability.HTTP().OnError(req.Context(), req.Method, host, path, err)
	})
	return f
}

// Fetch downloads rawURL and verifies it is a deliverable image.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (*Result, error) {
	var res *Result
	err := Retry(ctx, f.attempts, f.retryDelay, func() error {
		r, err := f.fetchOnce(ctx, rawURL)
		res = r
		return err
	})
	if err != nil {
		return nil, classify(ctx, rawURL, err)
	}
	return res, nil
}

func (f *HTTPFetcher) fetchOnce(ctx context.Context, rawURL string) (*Result, error) {
	start := time.Now()
	resp, err := f.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(rawURL)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, &RetryableError{Err: err}
	}
	body := resp.RawBody()
	defer body.Close()

	// Response middleware is skipped for unparsed bodies, so report here.
	code := resp.StatusCode()
	host, path := splitURL(rawURL)
	observability.HTTP().OnResponse(ctx, http.MethodGet, host, path, code, time.Since(start))
	f.logger.Debug("probe response", "status", code, "url", rawURL)

	if err := checkStatus(code); err != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(body, 4<<10))
		return nil, err
	}

	data, err := io.ReadAll(io.LimitReader(body, f.maxBytes+1))
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, &RetryableError{Err: fmt.Errorf("read body: %w", err)}
	}
	elapsed := time.Since(start)

	if int64(len(data)) > f.maxBytes {
		return nil, fmt.Errorf("body exceeds %d bytes", f.maxBytes)
	}
	if len(data) == 0 {
		return nil, errors.New("empty body")
	}
	mt := mimetype.Detect(data)
	if !strings.HasPrefix(mt.String(), "image/") {
		return nil, fmt.Errorf("body is %s, not an image", mt.String())
	}

	if f.observer != nil {
		f.observer(int64(len(data)), elapsed)
	}
	return &Result{
		URL:         rawURL,
		StatusCode:  code,
		ContentType: mt.String(),
		Size:        int64(len(data)),
		Duration:    elapsed,
	}, nil
}

func checkStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests || code >= 500:
		return &RetryableError{Err: fmt.Errorf("status %d", code)}
	default:
		return fmt.Errorf("status %d", code)
	}
}

func classify(ctx context.Context, rawURL string, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return imgerr.Wrap(imgerr.ErrCodeTimeout, err, "probe %s", rawURL)
	case ctx.Err() != nil:
		return imgerr.Wrap(imgerr.ErrCodeCancelled, err, "probe %s", rawURL)
	default:
		return imgerr.Wrap(imgerr.ErrCodeNetworkFailure, err, "probe %s", rawURL)
	}
}

func splitURL(raw string) (host, path string) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", raw
	}
	return u.Host, u.Path
}

var _ Fetcher = (*HTTPFetcher)(nil)
