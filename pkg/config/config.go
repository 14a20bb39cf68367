// Package config loads imgtier settings from a TOML file.
//
// Every field has a default, so a missing file is not an error unless its
// path was given explicitly. Command-line flags override file values; that
// merge happens in the CLI.
//
//	[transform]
//	base_url = "https://img.example.com"
//
//	[probe]
//	timeout = "10s"
//	retries = 2
//
//	[network]
//	profile = "auto"
//
//	[cache]
//	backend = "redis"
//	redis_addr = "localhost:6379"
package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/matzehuels/imgtier/pkg/cache"
	"github.com/matzehuels/imgtier/pkg/errors"
	"github.com/matzehuels/imgtier/pkg/fetch"
	"github.com/matzehuels/imgtier/pkg/netprofile"
	"github.com/matzehuels/imgtier/pkg/sequencer"
)

// EnvPath names the environment variable that overrides the config path.
const EnvPath = "IMGTIER_CONFIG"

// Cache backends.
const (
	BackendNone   = "none"
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendRedis  = "redis"
)

// ProfileAuto lets the throughput estimator pick the network profile.
const ProfileAuto = "auto"

type Config struct {
	Transform TransformConfig `toml:"transform"`
	Probe     ProbeConfig     `toml:"probe"`
	Network   NetworkConfig   `toml:"network"`
	Cache     CacheConfig     `toml:"cache"`
	Server    ServerConfig    `toml:"server"`
}

type TransformConfig struct {
	// BaseURL is the transformation endpoint bare identifiers resolve against.
	BaseURL string `toml:"base_url"`
}

type ProbeConfig struct {
	Timeout    time.Duration `toml:"timeout"`
	Retries    int           `toml:"retries"`
	MaxBytes   int64         `toml:"max_bytes"`
	UserAgent  string        `toml:"user_agent"`
	SkipToFull bool          `toml:"skip_to_full"`
}

type NetworkConfig struct {
	Profile        string        `toml:"profile"` // auto, slow, medium, fast
	SampleInterval time.Duration `toml:"sample_interval"`
}

type CacheConfig struct {
	Backend       string        `toml:"backend"`
	Dir           string        `toml:"dir"`
	TTL           time.Duration `toml:"ttl"`
	Prefix        string        `toml:"prefix"`
	RedisAddr     string        `toml:"redis_addr"`
	RedisPassword string        `toml:"redis_password"`
	RedisDB       int           `toml:"redis_db"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Probe: ProbeConfig{
			Timeout:   sequencer.DefaultStageTimeout,
			Retries:   1,
			MaxBytes:  fetch.DefaultMaxBytes,
			UserAgent: fetch.DefaultUserAgent,
		},
		Network: NetworkConfig{
			Profile:        ProfileAuto,
			SampleInterval: 5 * time.Second,
		},
		Cache: CacheConfig{
			Backend:   BackendFile,
			TTL:       cache.TTLProbe,
			RedisAddr: "localhost:6379",
		},
		Server: ServerConfig{Addr: ":8080"},
	}
}

// DefaultPath returns $XDG_CONFIG_HOME/imgtier/config.toml (or the
// platform equivalent).
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "imgtier", "config.toml"), nil
}

// DefaultCacheDir returns ~/.cache/imgtier (or the platform equivalent).
func DefaultCacheDir() (string, error) {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "imgtier"), nil
}

// Load reads the config at path layered over Default.
//
// An empty path falls back to $IMGTIER_CONFIG, then DefaultPath. Only an
// explicitly named file must exist.
func Load(path string) (Config, error) {
	cfg := Default()
	explicit := path != ""
	if !explicit {
		path = os.Getenv(EnvPath)
		explicit = path != ""
	}
	if !explicit {
		p, err := DefaultPath()
		if err != nil {
			return cfg, nil
		}
		path = p
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return cfg, nil
		}
		return cfg, errors.Wrap(errors.ErrCodeInvalidConfig, err, "read config")
	}
	if err := Parse(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes TOML into cfg. Unknown keys are rejected so typos surface.
func Parse(data []byte, cfg *Config) error {
	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return errors.Wrap(errors.ErrCodeInvalidConfig, err, "parse config")
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return errors.New(errors.ErrCodeInvalidConfig, "unknown config key %q", undecoded[0].String())
	}
	return cfg.Validate()
}

// Validate checks value ranges. Failures carry INVALID_CONFIG.
func (c Config) Validate() error {
	if c.Transform.BaseURL != "" {
		u, err := url.Parse(c.Transform.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return errors.New(errors.ErrCodeInvalidConfig, "transform.base_url %q must be an http(s) URL", c.Transform.BaseURL)
		}
	}
	if c.Probe.Timeout <= 0 {
		return errors.New(errors.ErrCodeInvalidConfig, "probe.timeout must be positive")
	}
	if c.Probe.Retries < 1 || c.Probe.Retries > 10 {
		return errors.New(errors.ErrCodeInvalidConfig, "probe.retries %d outside 1-10", c.Probe.Retries)
	}
	if c.Probe.MaxBytes <= 0 {
		return errors.New(errors.ErrCodeInvalidConfig, "probe.max_bytes must be positive")
	}
	if c.Network.Profile != ProfileAuto {
		if _, err := netprofile.ParseProfile(c.Network.Profile); err != nil {
			return errors.Wrap(errors.ErrCodeInvalidConfig, err, "network.profile")
		}
	}
	if c.Network.SampleInterval < 0 {
		return errors.New(errors.ErrCodeInvalidConfig, "network.sample_interval must not be negative")
	}
	backends := []string{BackendNone, BackendMemory, BackendFile, BackendRedis}
	if !slices.Contains(backends, c.Cache.Backend) {
		return errors.New(errors.ErrCodeInvalidConfig, "cache.backend %q not one of %v", c.Cache.Backend, backends)
	}
	if c.Cache.TTL < 0 {
		return errors.New(errors.ErrCodeInvalidConfig, "cache.ttl must not be negative")
	}
	return nil
}

// LoadOptions returns the per-load defaults derived from the probe section.
func (c Config) LoadOptions() sequencer.Options {
	return sequencer.Options{
		StageTimeout: c.Probe.Timeout,
		SkipToFull:   c.Probe.SkipToFull,
	}
}

// FixedProfile returns the configured profile and true, or false for auto.
func (c NetworkConfig) FixedProfile() (netprofile.Profile, bool) {
	if c.Profile == "" || c.Profile == ProfileAuto {
		return netprofile.Medium, false
	}
	p, err := netprofile.ParseProfile(c.Profile)
	return p, err == nil
}

// Open builds the configured cache backend.
func (c CacheConfig) Open(ctx context.Context) (cache.Cache, error) {
	switch c.Backend {
	case BackendNone:
		return cache.NewNullCache(), nil
	case BackendMemory:
		return cache.NewMemoryCache(), nil
	case BackendRedis:
		rc, err := cache.NewRedisCache(ctx, cache.RedisConfig{
			Addr:     c.RedisAddr,
			Password: c.RedisPassword,
			DB:       c.RedisDB,
		})
		if err != nil {
			return nil, err
		}
		return rc, nil
	default:
		dir := c.Dir
		if dir == "" {
			d, err := DefaultCacheDir()
			if err != nil {
				return nil, err
			}
			dir = d
		}
		fc, err := cache.NewFileCache(dir)
		if err != nil {
			return nil, err
		}
		return fc, nil
	}
}
