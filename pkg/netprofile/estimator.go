package netprofile

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// Estimator tracks the current network profile and notifies subscribers
// when it changes. It is safe for concurrent use.
type Estimator struct {
	probe  Probe
	logger *log.Logger

	mu      sync.Mutex
	current Profile
	last    Signal
	nextID  int
	subs    map[int]func(Profile)
}

// NewEstimator creates an estimator around probe.
// If probe is nil, an UnavailableProbe is used. If logger is nil, log.Default() is used.
// The initial profile is Medium until the first signal is observed.
func NewEstimator(probe Probe, logger *log.Logger) *Estimator {
	if probe == nil {
		probe = UnavailableProbe{}
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Estimator{
		probe:   probe,
		logger:  logger,
		current: Medium,
		subs:    make(map[int]func(Profile)),
	}
}

// Current returns the most recently derived profile.
func (e *Estimator) Current() Profile {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// LastSignal returns the signal the current profile was derived from.
func (e *Estimator) LastSignal() Signal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

// Subscribe registers fn to be called with the new profile on every change.
// The returned function removes the subscription; calling it twice is safe.
// Callbacks run synchronously on the goroutine that observed the change and
// must not block.
func (e *Estimator) Subscribe(fn func(Profile)) (unsubscribe func()) {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.subs[id] = fn
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.subs, id)
			e.mu.Unlock()
		})
	}
}

// Observe feeds a new signal into the estimator.
// Subscribers are notified only when the classified profile changes.
func (e *Estimator) Observe(sig Signal) Profile {
	next := Classify(sig)

	e.mu.Lock()
	prev := e.current
	e.current = next
	e.last = sig
	var notify []func(Profile)
	if next != prev {
		notify = make([]func(Profile), 0, len(e.subs))
		for _, fn := range e.subs {
			notify = append(notify, fn)
		}
	}
	e.mu.Unlock()

	if next != prev {
		e.logger.Debug("network profile changed", "from", prev, "to", next,
			"type", sig.EffectiveType, "downlink_mbps", sig.DownlinkMbps)
		for _, fn := range notify {
			fn(next)
		}
	}
	return next
}

// Refresh samples the probe once and observes the result.
// On probe failure the previous profile is kept and the error is returned.
func (e *Estimator) Refresh(ctx context.Context) (Profile, error) {
	sig, err := e.probe.Sample(ctx)
	if err != nil {
		e.logger.Warn("network probe failed, keeping profile", "profile", e.Current(), "err", err)
		return e.Current(), err
	}
	return e.Observe(sig), nil
}

// Run refreshes the estimate every interval until ctx is done.
// Probe errors are logged and do not stop the loop. Run returns ctx.Err().
func (e *Estimator) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	_, _ = e.Refresh(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_, _ = e.Refresh(ctx)
		}
	}
}

var (
	defaultMu        sync.RWMutex
	defaultEstimator *Estimator
)

// Default returns the process-wide estimator.
// It is created on first use around an UnavailableProbe, so it reports Medium
// until a main package installs a real one with SetDefault.
func Default() *Estimator {
	defaultMu.RLock()
	e := defaultEstimator
	defaultMu.RUnlock()
	if e != nil {
		return e
	}

	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultEstimator == nil {
		defaultEstimator = NewEstimator(UnavailableProbe{}, nil)
	}
	return defaultEstimator
}

// SetDefault replaces the process-wide estimator.
// This should be called once at startup before any controller is created.
// A nil estimator is ignored.
func SetDefault(e *Estimator) {
	if e == nil {
		return
	}
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultEstimator = e
}
