// Package variant maps a source descriptor to concrete, stage-specific URLs.
//
// The resolver is a pure function of (source, stage, network profile): it
// performs no I/O, holds no mutable state, and returns identical output for
// identical input. Transformation happens entirely on the remote endpoint; the
// resolver only embeds width, quality, blur, format and resize parameters in
// the URL it hands to the probe.
//
// # Presets
//
//	Stage        width  quality  blur
//	placeholder     50       10    20
//	thumbnail      600       40     -
//	preview        800       70     -
//	full          1024       80     -
//
// Preview and Full are capped on slower networks (Slow: 600 wide, quality 60;
// Medium: quality 75). Placeholder and Thumbnail are never scaled. The table
// above is what Fast requests. Medium is also the profile used when the
// platform reports no network signal, so an unknown network asks for Full at
// quality 75, not 80.
//
// # Usage
//
//	r := variant.NewResolver("https://images.example.com/render")
//	v, err := r.Resolve(variant.NewSource("img-1"), variant.StageFull, netprofile.Fast)
//	// v.URL == "https://images.example.com/render/img-1?format=webp&quality=80&width=1024"
package variant

import (
	"net/url"
	"strconv"

	"github.com/matzehuels/imgtier/pkg/errors"
	"github.com/matzehuels/imgtier/pkg/netprofile"
)

// Query parameter names understood by the transformation endpoint.
const (
	ParamWidth   = "width"
	ParamQuality = "quality"
	ParamBlur    = "blur"
	ParamFormat  = "format"
	ParamResize  = "resize"
)

// Variant is a resolved, fetchable stage of a source.
type Variant struct {
	Stage  Stage  `json:"stage"`
	URL    string `json:"url"`
	Params Params `json:"params"`
}

// Resolver builds variant URLs against a transformation endpoint.
// The zero value resolves absolute URLs only.
type Resolver struct {
	// BaseURL is the transformation endpoint bare identifiers are joined onto.
	BaseURL string
}

// NewResolver creates a resolver for the given endpoint. baseURL may be empty
// when every source is an absolute URL.
func NewResolver(baseURL string) *Resolver {
	return &Resolver{BaseURL: baseURL}
}

// Resolve returns the variant of src for stage under profile.
//
// Non-transformable sources resolve to the same URL for every stage.
// A malformed source, an identifier without a configured endpoint, or a
// non-loadable stage fails with errors.ErrCodeTransformUnavailable.
func (r *Resolver) Resolve(src Source, stage Stage, profile netprofile.Profile) (Variant, error) {
	if !stage.Valid() {
		return Variant{}, errors.New(errors.ErrCodeTransformUnavailable, "stage %s has no variant", stage)
	}
	if err := src.Validate(); err != nil {
		return Variant{}, err
	}

	base, err := r.locate(src.URL)
	if err != nil {
		return Variant{}, err
	}

	if !src.Transformable {
		return Variant{Stage: stage, URL: base.String()}, nil
	}

	params, _ := ParamsFor(stage, src.Overrides, profile)
	q := base.Query()
	q.Set(ParamWidth, strconv.Itoa(params.Width))
	q.Set(ParamQuality, strconv.Itoa(params.Quality))
	if params.Blur > 0 {
		q.Set(ParamBlur, strconv.Itoa(params.Blur))
	} else {
		q.Del(ParamBlur)
	}
	if params.Format != "" && params.Format != FormatOrigin {
		q.Set(ParamFormat, params.Format)
	} else {
		q.Del(ParamFormat)
	}
	if params.Crop != "" {
		q.Set(ParamResize, params.Crop)
	}
	base.RawQuery = q.Encode()

	return Variant{Stage: stage, URL: base.String(), Params: params}, nil
}

// ResolveAll resolves every loadable stage of src in order.
func (r *Resolver) ResolveAll(src Source, profile netprofile.Profile) ([]Variant, error) {
	out := make([]Variant, 0, 4)
	for _, s := range Stages() {
		v, err := r.Resolve(src, s, profile)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// locate turns a validated source reference into an absolute URL.
func (r *Resolver) locate(ref string) (*url.URL, error) {
	if errors.IsAbsoluteURL(ref) {
		u, err := url.Parse(ref)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeTransformUnavailable, err, "parse source")
		}
		return u, nil
	}

	if r == nil || r.BaseURL == "" {
		return nil, errors.New(errors.ErrCodeTransformUnavailable, "source %q needs a transformation endpoint", ref)
	}
	joined, err := url.JoinPath(r.BaseURL, ref)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeTransformUnavailable, err, "join %q onto endpoint", ref)
	}
	u, err := url.Parse(joined)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeTransformUnavailable, err, "parse endpoint")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.New(errors.ErrCodeTransformUnavailable, "endpoint scheme %q is not http(s)", u.Scheme)
	}
	return u, nil
}
