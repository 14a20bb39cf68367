package netprofile

import (
	"context"
	"sync"
	"time"
)

// Probe samples ambient connection information.
//
// Implementations must be safe for concurrent use. A Probe that has nothing
// to report returns a zero Signal and a nil error; errors are reserved for
// failures of the sampling mechanism itself.
type Probe interface {
	Sample(ctx context.Context) (Signal, error)
}

// ProbeFunc adapts a function to the Probe interface.
type ProbeFunc func(ctx context.Context) (Signal, error)

// Sample calls f.
func (f ProbeFunc) Sample(ctx context.Context) (Signal, error) { return f(ctx) }

// UnavailableProbe is used on platforms that expose no connection signal.
// It always reports an empty signal, which classifies as Medium.
type UnavailableProbe struct{}

// Sample returns an empty signal.
func (UnavailableProbe) Sample(context.Context) (Signal, error) { return Signal{}, nil }

// StaticProbe always reports the same signal.
type StaticProbe struct {
	Signal Signal
}

// Sample returns the configured signal.
func (p StaticProbe) Sample(context.Context) (Signal, error) { return p.Signal, nil }

// ForProfile returns a StaticProbe whose signal classifies as p.
func ForProfile(p Profile) StaticProbe {
	switch p {
	case Slow:
		return StaticProbe{Signal: Signal{EffectiveType: "2g"}}
	case Fast:
		return StaticProbe{Signal: Signal{EffectiveType: "4g"}}
	default:
		return StaticProbe{Signal: Signal{EffectiveType: "3g"}}
	}
}

// Defaults for ThroughputProbe.
const (
	// MinSampleBytes is the smallest transfer that counts as a bandwidth sample.
	// Smaller responses are dominated by latency, not throughput.
	MinSampleBytes = 16 << 10

	defaultSmoothing = 0.3
)

// ThroughputProbe derives a downlink estimate from completed transfers.
//
// Go has no user-agent network API, so the default adapter learns from the
// probes the pipeline already issues: the fetcher reports each verified
// transfer through [ThroughputProbe.Record] and the probe keeps an
// exponentially weighted moving average of the observed throughput.
type ThroughputProbe struct {
	mu        sync.Mutex
	smoothing float64
	mbps      float64
	rtt       time.Duration
	samples   int
}

// NewThroughputProbe creates a probe with the default smoothing factor.
func NewThroughputProbe() *ThroughputProbe {
	return &ThroughputProbe{smoothing: defaultSmoothing}
}

// Record adds one transfer of n bytes that took d.
// Transfers under MinSampleBytes or with a non-positive duration are ignored.
func (p *ThroughputProbe) Record(n int64, d time.Duration) {
	if n < MinSampleBytes || d <= 0 {
		return
	}
	mbps := float64(n*8) / d.Seconds() / 1e6

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.samples == 0 {
		p.mbps = mbps
		p.rtt = d
	} else {
		p.mbps = p.smoothing*mbps + (1-p.smoothing)*p.mbps
		p.rtt = time.Duration(p.smoothing*float64(d) + (1-p.smoothing)*float64(p.rtt))
	}
	p.samples++
}

// Samples returns the number of transfers recorded so far.
func (p *ThroughputProbe) Samples() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.samples
}

// Sample returns the current downlink estimate.
// Before the first recorded transfer the signal is empty.
func (p *ThroughputProbe) Sample(context.Context) (Signal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.samples == 0 {
		return Signal{}, nil
	}
	return Signal{DownlinkMbps: p.mbps, RTT: p.rtt}, nil
}
