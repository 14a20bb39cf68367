// Package cli implements the imgtier command-line interface.
package cli

import (
	"context"
	"io"
	"time"

	"github.com/charmbracelet/log"

	"github.com/matzehuels/imgtier/pkg/buildinfo"
	"github.com/matzehuels/imgtier/pkg/cache"
	"github.com/matzehuels/imgtier/pkg/config"
	imgerr "github.com/matzehuels/imgtier/pkg/errors"
	"github.com/matzehuels/imgtier/pkg/fetch"
	"github.com/matzehuels/imgtier/pkg/netprofile"
	"github.com/matzehuels/imgtier/pkg/variant"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// appName is the application name used for directories and display.
	appName = "imgtier"

	// retryDelay is the first backoff between probe attempts.
	retryDelay = 200 * time.Millisecond
)

// Log levels exported for use in main.go.
const (
	LogDebug = log.DebugLevel
	LogInfo  = log.InfoLevel
)

// =============================================================================
// CLI - Central CLI State
// =============================================================================

// CLI holds shared state for all commands.
type CLI struct {
	Logger *log.Logger

	configPath string
	cfg        config.Config
}

// New creates a new CLI instance with a default logger.
func New(w io.Writer, level log.Level) *CLI {
	return &CLI{
		Logger: newLogger(w, level),
		cfg:    config.Default(),
	}
}

// SetLogLevel updates the logger's level.
func (c *CLI) SetLogLevel(level log.Level) {
	c.Logger.SetLevel(level)
}

// loadConfig reads the file named by --config, $IMGTIER_CONFIG or the default path.
func (c *CLI) loadConfig() error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	c.cfg = cfg
	return nil
}

// =============================================================================
// Pipeline Wiring
// =============================================================================

// stack bundles the collaborators a command drives.
type stack struct {
	resolver  *variant.Resolver
	fetcher   fetch.Fetcher
	estimator *netprofile.Estimator
	cache     cache.Cache

	// adaptive is true when the estimator learns from probe throughput
	// instead of a pinned profile.
	adaptive bool
}

// stackOptions are the per-command knobs that override the config file.
type stackOptions struct {
	profile string // slow, medium, fast, auto or "" for the config value
	noCache bool
}

// newStack wires resolver, fetcher, cache and estimator from the loaded config.
func (c *CLI) newStack(ctx context.Context, opts stackOptions) (*stack, error) {
	cfg := c.cfg
	if opts.profile != "" {
		cfg.Network.Profile = opts.profile
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	st := &stack{resolver: variant.NewResolver(cfg.Transform.BaseURL)}

	var probe netprofile.Probe
	pinned, fixed := cfg.Network.FixedProfile()
	throughput := netprofile.NewThroughputProbe()
	if fixed {
		probe = netprofile.ForProfile(pinned)
	} else {
		probe = throughput
		st.adaptive = true
	}

	st.fetcher = newHTTPFetcher(cfg, c.Logger, throughput.Record)

	if opts.noCache {
		st.cache = cache.NewNullCache()
	} else {
		cc, err := cfg.Cache.Open(ctx)
		if err != nil {
			c.Logger.Warn("cache unavailable, probing without it", "backend", cfg.Cache.Backend, "err", err)
			cc = cache.NewNullCache()
		}
		st.cache = cc
	}
	st.fetcher = fetch.NewCachedFetcher(st.fetcher, st.cache, cache.NewKeyer(cfg.Cache.Prefix), cfg.Cache.TTL)

	st.estimator = netprofile.NewEstimator(probe, c.Logger)
	if _, err := st.estimator.Refresh(ctx); err != nil {
		return nil, imgerr.Wrap(imgerr.ErrCodeInternal, err, "sample network")
	}
	netprofile.SetDefault(st.estimator)
	return st, nil
}

// watch keeps the adaptive estimate current until ctx is done.
func (s *stack) watch(ctx context.Context, interval time.Duration) {
	if !s.adaptive {
		return
	}
	go func() { _ = s.estimator.Run(ctx, interval) }()
}

func (s *stack) Close() error {
	return s.cache.Close()
}

// newHTTPFetcher builds the probe transport from the [probe] section.
func newHTTPFetcher(cfg config.Config, logger *log.Logger, observe func(int64, time.Duration)) *fetch.HTTPFetcher {
	ua := cfg.Probe.UserAgent
	if ua == "" || ua == fetch.DefaultUserAgent {
		ua = buildinfo.UserAgent()
	}
	return fetch.NewHTTPFetcher(
		fetch.WithUserAgent(ua),
		fetch.WithRetries(cfg.Probe.Retries, retryDelay),
		fetch.WithMaxBytes(cfg.Probe.MaxBytes),
		fetch.WithObserver(observe),
		fetch.WithLogger(logger),
	)
}

// =============================================================================
// Flag Helpers
// =============================================================================

// parseSource builds a source descriptor from a command argument and flags.
func parseSource(ref string, noTransform bool, o variant.Overrides) variant.Source {
	src := variant.NewSource(ref)
	src.Transformable = !noTransform
	if o != (variant.Overrides{}) {
		src.Overrides = &o
	}
	return src
}
