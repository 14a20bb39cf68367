package sequencer

import (
	"time"

	"github.com/charmbracelet/log"

	"github.com/matzehuels/imgtier/pkg/netprofile"
	"github.com/matzehuels/imgtier/pkg/variant"
)

// DefaultStageTimeout bounds each probe unless overridden.
const DefaultStageTimeout = 10 * time.Second

// Options configure a single load.
type Options struct {
	// StageTimeout bounds every probe. Zero uses the sequencer default.
	StageTimeout time.Duration

	// StageTimeouts overrides StageTimeout for individual stages.
	StageTimeouts map[variant.Stage]time.Duration

	// SkipToFull disables progressive loading: only the Full stage is probed.
	SkipToFull bool
}

// merge fills unset fields of o from d.
func (o Options) merge(d Options) Options {
	if o.StageTimeout <= 0 {
		o.StageTimeout = d.StageTimeout
	}
	if o.StageTimeout <= 0 {
		o.StageTimeout = DefaultStageTimeout
	}
	if o.StageTimeouts == nil && d.StageTimeouts != nil {
		o.StageTimeouts = d.StageTimeouts
	}
	o.SkipToFull = o.SkipToFull || d.SkipToFull
	return o
}

func (o Options) timeout(s variant.Stage) time.Duration {
	if d, ok := o.StageTimeouts[s]; ok && d > 0 {
		return d
	}
	return o.StageTimeout
}

func (o Options) stages() []variant.Stage {
	if o.SkipToFull {
		return []variant.Stage{variant.StageFull}
	}
	return variant.Stages()
}

// Option configures a Sequencer.
type Option func(*Sequencer)

// WithEstimator sets the network profile source. Defaults to netprofile.Default().
func WithEstimator(e *netprofile.Estimator) Option {
	return func(s *Sequencer) {
		if e != nil {
			s.estimator = e
		}
	}
}

// WithLogger sets the logger. Defaults to log.Default().
func WithLogger(l *log.Logger) Option {
	return func(s *Sequencer) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithListener registers a listener before any load can start.
func WithListener(l Listener) Option {
	return func(s *Sequencer) {
		if l != nil {
			s.listeners = append(s.listeners, listenerEntry{id: s.nextListener, fn: l})
			s.nextListener++
		}
	}
}

// WithDefaults sets the options merged into every Load.
func WithDefaults(o Options) Option {
	return func(s *Sequencer) { s.defaults = o }
}
