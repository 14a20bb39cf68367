package variant

import (
	"fmt"
	"strings"
)

// Stage is one quality tier of the progressive sequence.
// Stages are totally ordered; StageNone sorts before every loadable stage
// and means nothing has been displayed yet.
type Stage int

const (
	StageNone Stage = iota
	StagePlaceholder
	StageThumbnail
	StagePreview
	StageFull
)

var stageNames = [...]string{
	StageNone:        "idle",
	StagePlaceholder: "placeholder",
	StageThumbnail:   "thumbnail",
	StagePreview:     "preview",
	StageFull:        "full",
}

// String returns the lowercase stage name.
func (s Stage) String() string {
	if s < StageNone || s > StageFull {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return stageNames[s]
}

// Valid reports whether s is one of the four loadable stages.
func (s Stage) Valid() bool {
	return s >= StagePlaceholder && s <= StageFull
}

// Terminal reports whether s is the last stage of the sequence.
func (s Stage) Terminal() bool { return s == StageFull }

// Next returns the stage after s, or StageNone after Full.
func (s Stage) Next() Stage {
	if s >= StageFull {
		return StageNone
	}
	return s + 1
}

// MarshalText implements encoding.TextMarshaler.
func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Stage) UnmarshalText(b []byte) error {
	v, err := ParseStage(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseStage parses a stage name (case-insensitive).
func ParseStage(name string) (Stage, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for i, s := range stageNames {
		if s == n {
			return Stage(i), nil
		}
	}
	return StageNone, fmt.Errorf("unknown stage %q", name)
}

// Stages returns the loadable stages in sequence order.
func Stages() []Stage {
	return []Stage{StagePlaceholder, StageThumbnail, StagePreview, StageFull}
}
