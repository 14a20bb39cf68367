// Package server exposes the resolver and the load pipeline over HTTP.
//
// Routes:
//
//	GET /healthz       liveness and version
//	GET /v1/resolve    per-stage variant URLs for a source
//	GET /v1/load       runs a load and streams controller state as NDJSON
//	GET /v1/diagram    the state machine as DOT or SVG
//	GET /metrics       Prometheus metrics
//
// Sources are passed as query parameters: src (required), transformable
// (default true), width, quality, format and crop overrides, and profile
// (slow, medium, fast) to pin the network profile for one request.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/matzehuels/imgtier/pkg/buildinfo"
	"github.com/matzehuels/imgtier/pkg/controller"
	"github.com/matzehuels/imgtier/pkg/diagram"
	imgerr "github.com/matzehuels/imgtier/pkg/errors"
	"github.com/matzehuels/imgtier/pkg/fetch"
	"github.com/matzehuels/imgtier/pkg/netprofile"
	"github.com/matzehuels/imgtier/pkg/sequencer"
	"github.com/matzehuels/imgtier/pkg/variant"
)

// Server serves the HTTP API.
type Server struct {
	resolver  *variant.Resolver
	fetcher   fetch.Fetcher
	estimator *netprofile.Estimator
	logger    *log.Logger
	defaults  sequencer.Options
	gatherer  prometheus.Gatherer
	router    chi.Router
}

// Option configures a Server.
type Option func(*Server)

// WithEstimator sets the shared estimator used when a request does not pin a profile.
func WithEstimator(e *netprofile.Estimator) Option {
	return func(s *Server) {
		if e != nil {
			s.estimator = e
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithDefaults sets the load options used by /v1/load.
func WithDefaults(o sequencer.Options) Option {
	return func(s *Server) { s.defaults = o }
}

// WithGatherer sets the metrics source for /metrics. Defaults to prometheus.DefaultGatherer.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		if g != nil {
			s.gatherer = g
		}
	}
}

// New creates a server and builds its routes.
func New(resolver *variant.Resolver, fetcher fetch.Fetcher, opts ...Option) *Server {
	s := &Server{
		resolver: resolver,
		fetcher:  fetcher,
		logger:   log.Default(),
		gatherer: prometheus.DefaultGatherer,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.estimator == nil {
		s.estimator = netprofile.Default()
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}).ServeHTTP)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/resolve", s.handleResolve)
		r.Get("/load", s.handleLoad)
		r.Get("/diagram", s.handleDiagram)
	})
	return r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.logger.Info("shutting down")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": buildinfo.Version,
	})
}

type resolveResponse struct {
	Source   variant.Source     `json:"source"`
	Profile  netprofile.Profile `json:"profile"`
	Variants []variant.Variant  `json:"variants"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	src, profile, err := s.parseRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	p := s.estimator.Current()
	if profile != nil {
		p = *profile
	}
	vs, err := s.resolver.ResolveAll(src, p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resolveResponse{Source: src, Profile: p, Variants: vs})
}

// handleLoad runs one load with a request-scoped controller and streams
// every state change as a JSON line. The stream ends when the load settles
// or the client disconnects, which cancels the load.
func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	src, profile, err := s.parseRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	opts, err := parseLoadOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}

	est := s.estimator
	if profile != nil {
		est = netprofile.NewEstimator(netprofile.ForProfile(*profile), s.logger)
		_, _ = est.Refresh(r.Context())
	}

	ctl := controller.New(s.resolver, s.fetcher,
		controller.WithEstimator(est),
		controller.WithLogger(s.logger.With("request_id", middleware.GetReqID(r.Context()))),
		controller.WithDefaults(s.defaults),
	)
	defer ctl.Close()

	states := make(chan controller.State, 16)
	unsub := ctl.Subscribe(func(st controller.State) {
		select {
		case states <- st:
		case <-r.Context().Done():
		}
	})
	defer unsub()
	<-states // initial idle state

	tok := ctl.Load(r.Context(), src, opts)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)

	for {
		select {
		case <-r.Context().Done():
			return
		case st := <-states:
			if st.Token < tok {
				continue
			}
			if err := enc.Encode(st); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
			if !st.IsLoading && st.Status.Terminal() {
				return
			}
		}
	}
}

func (s *Server) handleDiagram(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := diagram.Options{Detailed: q.Get("detailed") == "true", Profile: s.estimator.Current()}
	if name := q.Get("profile"); name != "" {
		p, err := netprofile.ParseProfile(name)
		if err != nil {
			writeError(w, imgerr.Wrap(imgerr.ErrCodeInvalidInput, err, "profile"))
			return
		}
		opts.Profile = p
	}
	dot := diagram.ToDOT(opts)

	if q.Get("format") == "svg" {
		svg, err := diagram.RenderSVG(r.Context(), dot)
		if err != nil {
			writeError(w, imgerr.Wrap(imgerr.ErrCodeInternal, err, "render diagram"))
			return
		}
		w.Header().Set("Content-Type", "image/svg+xml")
		_, _ = w.Write(svg)
		return
	}
	w.Header().Set("Content-Type", "text/vnd.graphviz")
	_, _ = w.Write([]byte(dot))
}

// parseRequest reads the source descriptor and optional pinned profile.
func (s *Server) parseRequest(r *http.Request) (variant.Source, *netprofile.Profile, error) {
	q := r.URL.Query()
	src := variant.NewSource(q.Get("src"))
	if src.URL == "" {
		return src, nil, imgerr.New(imgerr.ErrCodeInvalidInput, "missing src parameter")
	}
	if v := q.Get("transformable"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return src, nil, imgerr.Wrap(imgerr.ErrCodeInvalidInput, err, "transformable")
		}
		src.Transformable = b
	}

	var o variant.Overrides
	var err error
	if o.Width, err = intParam(q.Get("width")); err != nil {
		return src, nil, imgerr.Wrap(imgerr.ErrCodeInvalidInput, err, "width")
	}
	if o.Quality, err = intParam(q.Get("quality")); err != nil {
		return src, nil, imgerr.Wrap(imgerr.ErrCodeInvalidInput, err, "quality")
	}
	o.Format = q.Get("format")
	o.Crop = q.Get("crop")
	if o != (variant.Overrides{}) {
		src.Overrides = &o
	}

	if name := q.Get("profile"); name != "" {
		p, err := netprofile.ParseProfile(name)
		if err != nil {
			return src, nil, imgerr.Wrap(imgerr.ErrCodeInvalidInput, err, "profile")
		}
		return src, &p, nil
	}
	return src, nil, nil
}

func parseLoadOptions(r *http.Request) (sequencer.Options, error) {
	q := r.URL.Query()
	var opts sequencer.Options
	if v := q.Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return opts, imgerr.New(imgerr.ErrCodeInvalidInput, "invalid timeout %q", v)
		}
		opts.StageTimeout = d
	}
	if v := q.Get("skip_to_full"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return opts, imgerr.Wrap(imgerr.ErrCodeInvalidInput, err, "skip_to_full")
		}
		opts.SkipToFull = b
	}
	return opts, nil
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch imgerr.GetCode(err) {
	case imgerr.ErrCodeInvalidInput, imgerr.ErrCodeTransformUnavailable:
		status = http.StatusBadRequest
	}
	e := imgerr.As(err)
	if e == nil {
		e = imgerr.Wrap(imgerr.ErrCodeInternal, err, "internal error")
	}
	writeJSON(w, status, map[string]any{"error": e})
}
