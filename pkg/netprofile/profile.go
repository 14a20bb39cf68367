// Package netprofile classifies client connectivity into a coarse profile.
//
// The pipeline never needs exact bandwidth: it only has to pick cheaper
// variants when the connection is poor. A [Profile] is one of Slow, Medium or
// Fast and is derived from a [Signal] sampled through an injectable [Probe].
//
// # Estimator
//
// An [Estimator] holds the current profile, re-derives it whenever a new
// signal arrives, and notifies subscribers when the classification changes:
//
//	est := netprofile.NewEstimator(netprofile.NewThroughputProbe(), nil)
//	unsubscribe := est.Subscribe(func(p netprofile.Profile) {
//	    logger.Info("network changed", "profile", p)
//	})
//	defer unsubscribe()
//
// When no signal is available the estimator reports Medium. It fails open:
// an unknown network is never treated as a slow one.
//
// # Process-wide default
//
// [Default] returns a shared estimator that every controller observes. Main
// packages may replace it once at startup with [SetDefault].
package netprofile

import (
	"fmt"
	"strings"
	"time"
)

// Profile is a coarse classification of connection quality.
// Profiles are ordered: Slow < Medium < Fast.
type Profile int

const (
	Slow Profile = iota
	Medium
	Fast
)

// String returns the lowercase profile name.
func (p Profile) String() string {
	switch p {
	case Slow:
		return "slow"
	case Medium:
		return "medium"
	case Fast:
		return "fast"
	default:
		return fmt.Sprintf("profile(%d)", int(p))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Profile) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Profile) UnmarshalText(b []byte) error {
	v, err := ParseProfile(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// ParseProfile parses a profile name (case-insensitive).
func ParseProfile(s string) (Profile, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "slow":
		return Slow, nil
	case "medium", "":
		return Medium, nil
	case "fast":
		return Fast, nil
	default:
		return Medium, fmt.Errorf("unknown network profile %q (want slow, medium or fast)", s)
	}
}

// Signal is one observation of ambient connection information.
//
// The fields mirror what user agents expose as network information: an
// effective connection type, a downlink bandwidth estimate, a round-trip
// estimate and the user's data-saver preference. Zero values mean unknown.
type Signal struct {
	EffectiveType string        // "slow-2g", "2g", "3g", "4g" or ""
	DownlinkMbps  float64       // Bandwidth estimate in megabits per second
	RTT           time.Duration // Round-trip estimate
	SaveData      bool          // Data saver requested
}

// Available reports whether the signal carries any usable information.
func (s Signal) Available() bool {
	return s.EffectiveType != "" || s.DownlinkMbps > 0 || s.SaveData
}

// Bandwidth thresholds used when no effective type is reported.
const (
	slowDownlinkMbps   = 1.0
	mediumDownlinkMbps = 5.0
)

// Classify maps a signal onto a profile.
//
// Rules, in order:
//   - data saver, "slow-2g" or "2g" → Slow
//   - "3g" → Medium
//   - "4g" → Fast
//   - downlink below 1 Mbps → Slow, below 5 Mbps → Medium, otherwise Fast
//   - nothing observable → Medium
func Classify(sig Signal) Profile {
	if sig.SaveData {
		return Slow
	}
	switch strings.ToLower(sig.EffectiveType) {
	case "slow-2g", "2g":
		return Slow
	case "3g":
		return Medium
	case "4g":
		return Fast
	}
	switch {
	case sig.DownlinkMbps <= 0:
		return Medium
	case sig.DownlinkMbps < slowDownlinkMbps:
		return Slow
	case sig.DownlinkMbps < mediumDownlinkMbps:
		return Medium
	default:
		return Fast
	}
}
