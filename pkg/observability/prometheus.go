package observability

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus records every hook category as Prometheus metrics.
type Prometheus struct {
	sessionsStarted *prometheus.CounterVec
	sessionsEnded   *prometheus.CounterVec
	sessionDuration *prometheus.HistogramVec
	probesTotal     *prometheus.CounterVec
	probeDuration   *prometheus.HistogramVec
	cacheOps        *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	httpErrors      *prometheus.CounterVec
}

// NewPrometheus creates the metrics and registers them with reg.
// Pass prometheus.NewRegistry() in tests to avoid duplicate registration.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	f := promauto.With(reg)
	return &Prometheus{
		sessionsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "imgtier_sessions_started_total",
			Help: "Load sessions started",
		}, []string{}),
		sessionsEnded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "imgtier_sessions_ended_total",
			Help: "Load sessions ended, by final status",
		}, []string{"status"}),
		sessionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "imgtier_session_duration_seconds",
			Help:    "Time from load to final status",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"status"}),
		probesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "imgtier_probes_total",
			Help: "Stage probes, by stage and result",
		}, []string{"stage", "result"}),
		probeDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "imgtier_probe_duration_seconds",
			Help:    "Stage probe latency",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"stage"}),
		cacheOps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "imgtier_cache_operations_total",
			Help: "Probe cache operations",
		}, []string{"key_type", "op"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "imgtier_http_requests_total",
			Help: "Outgoing HTTP requests, by host and status",
		}, []string{"method", "host", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "imgtier_http_request_duration_seconds",
			Help:    "Outgoing HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "host"}),
		httpErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "imgtier_http_errors_total",
			Help: "Outgoing HTTP requests that failed before a response",
		}, []string{"method", "host"}),
	}
}

func (p *Prometheus) OnSessionStart(context.Context, string, string) {
	p.sessionsStarted.WithLabelValues().Inc()
}

func (p *Prometheus) OnSessionEnd(_ context.Context, _ string, status string, d time.Duration) {
	p.sessionsEnded.WithLabelValues(status).Inc()
	p.sessionDuration.WithLabelValues(status).Observe(d.Seconds())
}

func (p *Prometheus) OnProbeStart(context.Context, string, string, string) {}

func (p *Prometheus) OnProbeComplete(_ context.Context, _ string, stage string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "failed"
	}
	p.probesTotal.WithLabelValues(stage, result).Inc()
	p.probeDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (p *Prometheus) OnCacheHit(_ context.Context, keyType string) {
	p.cacheOps.WithLabelValues(keyType, "hit").Inc()
}

func (p *Prometheus) OnCacheMiss(_ context.Context, keyType string) {
	p.cacheOps.WithLabelValues(keyType, "miss").Inc()
}

func (p *Prometheus) OnCacheSet(_ context.Context, keyType string, _ int) {
	p.cacheOps.WithLabelValues(keyType, "set").Inc()
}

func (p *Prometheus) OnRequest(context.Context, string, string, string) {}

func (p *Prometheus) OnResponse(_ context.Context, method, host, _ string, statusCode int, d time.Duration) {
	p.httpRequests.WithLabelValues(method, host, strconv.Itoa(statusCode)).Inc()
	p.httpDuration.WithLabelValues(method, host).Observe(d.Seconds())
}

func (p *Prometheus) OnError(_ context.Context, method, host, _ string, _ error) {
	p.httpErrors.WithLabelValues(method, host).Inc()
}

var (
	_ SequencerHooks = (*Prometheus)(nil)
	_ CacheHooks     = (*Prometheus)(nil)
	_ HTTPHooks      = (*Prometheus)(nil)
)
