// Package controller is the surface a render layer drives.
//
// A Controller owns one sequencer and turns its events into a small state
// value, {stage, isLoading, error}, that passive consumers subscribe to. It
// also exposes the four consumer callbacks (stage change, complete, error,
// cancelled). Consumers never reach into the sequencer directly.
//
//	ctl := controller.New(variant.NewResolver(base), fetch.NewHTTPFetcher(),
//	    controller.WithCallbacks(controller.Callbacks{
//	        OnStageChange: func(s variant.Stage) { redraw(s) },
//	    }))
//	defer ctl.Close()
//	ctl.Load(ctx, variant.NewSource("img-1"), sequencer.Options{})
package controller

import (
	"context"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/matzehuels/imgtier/pkg/errors"
	"github.com/matzehuels/imgtier/pkg/fetch"
	"github.com/matzehuels/imgtier/pkg/netprofile"
	"github.com/matzehuels/imgtier/pkg/sequencer"
	"github.com/matzehuels/imgtier/pkg/variant"
)

// Callbacks are invoked on the sequencer's dispatch goroutine.
// Any of them may be nil. They may call back into the Controller.
type Callbacks struct {
	OnStageChange func(variant.Stage)
	OnComplete    func()
	OnError       func(*errors.Error) // TRANSFORM_UNAVAILABLE, EXHAUSTED, or NETWORK_FAILURE after a jump
	OnCancelled   func()
}

// State is what a render surface needs to draw.
type State struct {
	Token     uint64             `json:"token"`
	SessionID string             `json:"session,omitempty"`
	Source    string             `json:"source,omitempty"`
	Stage     variant.Stage      `json:"stage"`
	URL       string             `json:"url,omitempty"`
	Status    sequencer.Status   `json:"status"`
	IsLoading bool               `json:"is_loading"`
	Err       *errors.Error      `json:"error,omitempty"`
	Profile   netprofile.Profile `json:"profile"`
}

// Controller is safe for concurrent use.
type Controller struct {
	seq       *sequencer.Sequencer
	estimator *netprofile.Estimator
	logger    *log.Logger
	callbacks Callbacks
	defaults  sequencer.Options

	mu        sync.Mutex
	state     State
	version   uint64 // bumped on every change to state
	highWater uint64
	subs      map[int]*subscriber
	nextID    int

	unsubEstimator func()
}

// subscriber serializes deliveries to one fn and drops any state older
// than the last one it saw.
type subscriber struct {
	fn func(State)

	mu   sync.Mutex
	seen uint64
}

func (s *subscriber) deliver(version uint64, st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if version <= s.seen {
		return
	}
	s.seen = version
	s.fn(st)
}

type delivery struct {
	sub     *subscriber
	version uint64
	state   State
}

// Option configures a Controller.
type Option func(*Controller)

// WithEstimator sets the shared network estimator. Defaults to netprofile.Default().
func WithEstimator(e *netprofile.Estimator) Option {
	return func(c *Controller) {
		if e != nil {
			c.estimator = e
		}
	}
}

// WithLogger sets the logger. Defaults to log.Default().
func WithLogger(l *log.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithCallbacks sets the consumer callbacks.
func WithCallbacks(cb Callbacks) Option {
	return func(c *Controller) { c.callbacks = cb }
}

// WithDefaults sets load options applied when a Load leaves them unset.
func WithDefaults(o sequencer.Options) Option {
	return func(c *Controller) { c.defaults = o }
}

// New creates a controller with its own sequencer.
func New(resolver sequencer.Resolver, fetcher fetch.Fetcher, opts ...Option) *Controller {
	c := &Controller{
		logger: log.Default(),
		subs:   make(map[int]*subscriber),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.estimator == nil {
		c.estimator = netprofile.Default()
	}
	c.state.Profile = c.estimator.Current()
	c.version = 1

	c.seq = sequencer.New(resolver, fetcher,
		sequencer.WithEstimator(c.estimator),
		sequencer.WithLogger(c.logger),
		sequencer.WithDefaults(c.defaults),
		sequencer.WithListener(c.handle),
	)
	c.unsubEstimator = c.estimator.Subscribe(func(p netprofile.Profile) {
		c.mu.Lock()
		c.state.Profile = p
		c.version++
		out := c.snapshotLocked()
		c.mu.Unlock()
		c.logger.Info("network profile changed", "profile", p)
		for _, d := range out {
			d.sub.deliver(d.version, d.state)
		}
	})
	return c
}

// Load starts loading src, superseding any session in progress.
func (c *Controller) Load(ctx context.Context, src variant.Source, opts sequencer.Options) uint64 {
	return c.seq.Load(ctx, src, opts)
}

// Cancel stops the current session.
func (c *Controller) Cancel() {
	c.seq.Cancel()
}

// JumpToStage probes stage directly for the current source.
func (c *Controller) JumpToStage(ctx context.Context, stage variant.Stage) error {
	_, err := c.seq.JumpToStage(ctx, stage)
	return err
}

// State returns the latest state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session returns the sequencer's view of the current session.
func (c *Controller) Session() sequencer.Session {
	return c.seq.Snapshot()
}

// Subscribe registers fn for state updates and calls it once with the
// current state before returning, unless a newer state already reached it.
// Calls to fn never overlap and never go back to an older state.
func (c *Controller) Subscribe(fn func(State)) (unsubscribe func()) {
	sub := &subscriber{fn: fn}
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = sub
	version, st := c.version, c.state
	c.mu.Unlock()

	sub.deliver(version, st)

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
		})
	}
}

// Wait blocks until the current session has settled and all of its
// notifications were delivered. It must not be called from a callback.
func (c *Controller) Wait() {
	c.seq.Wait()
}

// Close stops the sequencer. Pending notifications are dropped.
func (c *Controller) Close() {
	c.unsubEstimator()
	c.seq.Close()
}

// handle runs on the sequencer's dispatch goroutine.
func (c *Controller) handle(ev sequencer.Event) {
	c.mu.Lock()
	if ev.Token < c.highWater {
		c.mu.Unlock()
		return
	}
	c.highWater = ev.Token
	c.apply(ev)
	c.version++
	out := c.snapshotLocked()
	c.mu.Unlock()

	cb := c.callbacks
	switch ev.Kind {
	case sequencer.EventStageChange:
		if cb.OnStageChange != nil {
			cb.OnStageChange(ev.Stage)
		}
	case sequencer.EventComplete:
		if cb.OnComplete != nil {
			cb.OnComplete()
		}
	case sequencer.EventError:
		if cb.OnError != nil {
			cb.OnError(ev.Err)
		}
	case sequencer.EventCancelled:
		if cb.OnCancelled != nil {
			cb.OnCancelled()
		}
	}

	for _, d := range out {
		d.sub.deliver(d.version, d.state)
	}
}

func (c *Controller) snapshotLocked() []delivery {
	out := make([]delivery, 0, len(c.subs))
	for _, sub := range c.subs {
		out = append(out, delivery{sub: sub, version: c.version, state: c.state})
	}
	return out
}

func (c *Controller) apply(ev sequencer.Event) {
	s := &c.state
	s.Token = ev.Token
	s.SessionID = ev.SessionID
	s.Source = ev.Source
	s.Status = ev.Status
	s.Profile = ev.Profile

	switch ev.Kind {
	case sequencer.EventStarted:
		s.Stage = ev.Stage
		s.URL = ev.URL
		s.IsLoading = true
		s.Err = nil
	case sequencer.EventStageChange:
		s.Stage = ev.Stage
		s.URL = ev.URL
	case sequencer.EventDegraded:
		// Absorbed: the displayed stage does not change.
	case sequencer.EventComplete:
		s.IsLoading = false
	case sequencer.EventError:
		s.Stage = ev.Stage
		s.URL = ev.URL
		s.IsLoading = false
		s.Err = ev.Err
	case sequencer.EventCancelled:
		s.IsLoading = false
	}
}
