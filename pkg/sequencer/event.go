package sequencer

import (
	"fmt"
	"time"

	"github.com/matzehuels/imgtier/pkg/errors"
	"github.com/matzehuels/imgtier/pkg/netprofile"
	"github.com/matzehuels/imgtier/pkg/variant"
)

// Status is the lifecycle state of a load session.
type Status int

const (
	StatusIdle Status = iota
	StatusLoading
	StatusDegraded // still loading, at least one stage was skipped
	StatusComplete
	StatusErrored
	StatusCancelled
)

var statusNames = [...]string{
	StatusIdle:      "idle",
	StatusLoading:   "loading",
	StatusDegraded:  "degraded",
	StatusComplete:  "complete",
	StatusErrored:   "errored",
	StatusCancelled: "cancelled",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return statusNames[s]
}

// Active reports whether a session in this status still has work in flight.
func (s Status) Active() bool { return s == StatusLoading || s == StatusDegraded }

// Terminal reports whether no further transitions can happen.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusErrored || s == StatusCancelled
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// EventKind identifies what happened to a session.
type EventKind int

const (
	EventStarted EventKind = iota
	EventStageChange
	EventDegraded
	EventComplete
	EventError
	EventCancelled
)

var eventNames = [...]string{
	EventStarted:     "started",
	EventStageChange: "stage",
	EventDegraded:    "degraded",
	EventComplete:    "complete",
	EventError:       "error",
	EventCancelled:   "cancelled",
}

func (k EventKind) String() string {
	if k < 0 || int(k) >= len(eventNames) {
		return fmt.Sprintf("event(%d)", int(k))
	}
	return eventNames[k]
}

// MarshalText implements encoding.TextMarshaler.
func (k EventKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Event is a committed session transition.
//
// Stage is the stage the event concerns: the new stage for EventStageChange,
// the skipped stage for EventDegraded, and the stage still displayed for
// EventError and EventComplete.
type Event struct {
	Kind      EventKind          `json:"kind"`
	Token     uint64             `json:"token"`
	SessionID string             `json:"session"`
	Source    string             `json:"source"`
	Stage     variant.Stage      `json:"stage"`
	URL       string             `json:"url,omitempty"`
	Status    Status             `json:"status"`
	Profile   netprofile.Profile `json:"profile"`
	Err       *errors.Error      `json:"error,omitempty"`
	Time      time.Time          `json:"time"`
}

// Listener receives events on the sequencer's dispatch goroutine.
// Listeners may call back into the sequencer but must not call Wait.
type Listener func(Event)
