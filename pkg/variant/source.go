package variant

import (
	"slices"

	"github.com/matzehuels/imgtier/pkg/errors"
)

// Source describes the image a session loads.
//
// URL is either an absolute http(s) URL or a bare identifier resolved against
// the transformation endpoint. A Source is treated as immutable once a load
// begins; [Source.Clone] gives the sequencer its own copy.
type Source struct {
	URL           string     `json:"url"`
	Transformable bool       `json:"transformable"`
	Overrides     *Overrides `json:"overrides,omitempty"`
}

// Overrides adjust the presets for a single source. Zero values mean "no override".
type Overrides struct {
	Width   int    `json:"width,omitempty"`
	Quality int    `json:"quality,omitempty"`
	Format  string `json:"format,omitempty"`
	Crop    string `json:"crop,omitempty"`
}

// NewSource returns a transformable source for ref.
func NewSource(ref string) Source {
	return Source{URL: ref, Transformable: true}
}

// Clone returns a deep copy of s.
func (s Source) Clone() Source {
	if s.Overrides != nil {
		o := *s.Overrides
		s.Overrides = &o
	}
	return s
}

var (
	validFormats = []string{FormatWebP, FormatAVIF, FormatJPEG, FormatPNG, FormatOrigin}
	validCrops   = []string{CropCover, CropContain, CropFill}
)

// Validate reports whether s is a well-formed descriptor.
// Every failure carries errors.ErrCodeTransformUnavailable.
func (s Source) Validate() error {
	if err := errors.ValidateSource(s.URL); err != nil {
		return err
	}
	if o := s.Overrides; o != nil {
		if o.Width < 0 {
			return errors.New(errors.ErrCodeTransformUnavailable, "override width %d is negative", o.Width)
		}
		if o.Quality < 0 || o.Quality > 100 {
			return errors.New(errors.ErrCodeTransformUnavailable, "override quality %d outside 0-100", o.Quality)
		}
		if o.Format != "" && !slices.Contains(validFormats, o.Format) {
			return errors.New(errors.ErrCodeTransformUnavailable, "unsupported format %q", o.Format)
		}
		if o.Crop != "" && !slices.Contains(validCrops, o.Crop) {
			return errors.New(errors.ErrCodeTransformUnavailable, "unsupported crop mode %q", o.Crop)
		}
	}
	return nil
}
