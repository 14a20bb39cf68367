package variant

import (
	"github.com/matzehuels/imgtier/pkg/netprofile"
)

// Params is the concrete transformation request for one stage.
type Params struct {
	Width   int    `json:"width"`
	Quality int    `json:"quality"`
	Blur    int    `json:"blur,omitempty"`
	Format  string `json:"format,omitempty"`
	Crop    string `json:"crop,omitempty"`
}

// Supported output formats. FormatOrigin asks the endpoint to keep the source format.
const (
	FormatWebP   = "webp"
	FormatAVIF   = "avif"
	FormatJPEG   = "jpeg"
	FormatPNG    = "png"
	FormatOrigin = "origin"
)

// Supported crop modes, passed through as the endpoint's resize mode.
const (
	CropCover   = "cover"
	CropContain = "contain"
	CropFill    = "fill"
)

// DefaultFormat is requested for every stage unless overridden.
const DefaultFormat = FormatWebP

// HeavyBlur is the blur radius of the placeholder stage.
const HeavyBlur = 20

// Network caps for the Preview and Full stages.
const (
	slowMaxWidth     = 600
	slowMaxQuality   = 60
	mediumMaxQuality = 75
)

var presets = map[Stage]Params{
	StagePlaceholder: {Width: 50, Quality: 10, Blur: HeavyBlur, Format: DefaultFormat},
	StageThumbnail:   {Width: 600, Quality: 40, Format: DefaultFormat},
	StagePreview:     {Width: 800, Quality: 70, Format: DefaultFormat},
	StageFull:        {Width: 1024, Quality: 80, Format: DefaultFormat},
}

// Preset returns the base parameters of a stage before overrides and network scaling.
// The second result is false for StageNone and unknown stages.
func Preset(s Stage) (Params, bool) {
	p, ok := presets[s]
	return p, ok
}

// scaled reports whether network scaling applies to s.
// Placeholder and Thumbnail must stay cheap on every network.
func scaled(s Stage) bool {
	return s == StagePreview || s == StageFull
}

// ParamsFor computes the parameters of stage s for the given overrides and profile.
//
// Overrides are applied first: Width and Quality replace the Full preset and
// cap every other stage; Format and Crop apply everywhere. Network caps are
// applied last and only to Preview and Full, so a Slow profile can never
// request more than an override allows.
func ParamsFor(s Stage, o *Overrides, profile netprofile.Profile) (Params, bool) {
	p, ok := Preset(s)
	if !ok {
		return Params{}, false
	}

	if o != nil {
		if o.Width > 0 {
			if s == StageFull {
				p.Width = o.Width
			} else {
				p.Width = min(p.Width, o.Width)
			}
		}
		if o.Quality > 0 {
			if s == StageFull {
				p.Quality = o.Quality
			} else {
				p.Quality = min(p.Quality, o.Quality)
			}
		}
		if o.Format != "" {
			p.Format = o.Format
		}
		if o.Crop != "" {
			p.Crop = o.Crop
		}
	}

	if scaled(s) {
		switch profile {
		case netprofile.Slow:
			p.Width = min(p.Width, slowMaxWidth)
			p.Quality = min(p.Quality, slowMaxQuality)
		case netprofile.Medium:
			p.Quality = min(p.Quality, mediumMaxQuality)
		}
	}
	return p, true
}
