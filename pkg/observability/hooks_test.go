package observability

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNoopHooksDoNotPanic(t *testing.T) {
	ctx := context.Background()

	// Sequencer hooks
	s := NoopSequencerHooks{}
	s.OnSessionStart(ctx, "sess-1", "img-1")
	s.OnProbeStart(ctx, "sess-1", "thumbnail", "fast")
	s.OnProbeComplete(ctx, "sess-1", "thumbnail", time.Second, nil)
	s.OnSessionEnd(ctx, "sess-1", "complete", time.Second)

	// Cache hooks
	c := NoopCacheHooks{}
	c.OnCacheHit(ctx, "probe")
	c.OnCacheMiss(ctx, "probe")
	c.OnCacheSet(ctx, "probe", 1024)

	// HTTP hooks
	h := NoopHTTPHooks{}
	h.OnRequest(ctx, "GET", "img.example.com", "/img-1")
	h.OnResponse(ctx, "GET", "img.example.com", "/img-1", 200, time.Second)
	h.OnError(ctx, "GET", "img.example.com", "/img-1", nil)
}

func TestGlobalHooksRegistry(t *testing.T) {
	Reset()

	if _, ok := Sequencer().(NoopSequencerHooks); !ok {
		t.Error("Sequencer() should return NoopSequencerHooks by default")
	}
	if _, ok := Cache().(NoopCacheHooks); !ok {
		t.Error("Cache() should return NoopCacheHooks by default")
	}
	if _, ok := HTTP().(NoopHTTPHooks); !ok {
		t.Error("HTTP() should return NoopHTTPHooks by default")
	}

	customSequencer := &testSequencerHooks{}
	SetSequencerHooks(customSequencer)
	if Sequencer() != customSequencer {
		t.Error("SetSequencerHooks should set custom hooks")
	}

	customCache := &testCacheHooks{}
	SetCacheHooks(customCache)
	if Cache() != customCache {
		t.Error("SetCacheHooks should set custom hooks")
	}

	customHTTP := &testHTTPHooks{}
	SetHTTPHooks(customHTTP)
	if HTTP() != customHTTP {
		t.Error("SetHTTPHooks should set custom hooks")
	}

	Reset()
	if _, ok := Sequencer().(NoopSequencerHooks); !ok {
		t.Error("Reset() should restore NoopSequencerHooks")
	}
}

func TestSetNilHooksIsIgnored(t *testing.T) {
	Reset()
	defer Reset()

	custom := &testSequencerHooks{}
	SetSequencerHooks(custom)
	SetSequencerHooks(nil)
	if Sequencer() != custom {
		t.Error("SetSequencerHooks(nil) should not replace hooks")
	}
}

func TestPrometheusHooks(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	p := NewPrometheus(reg)

	p.OnSessionStart(ctx, "s", "img-1")
	p.OnProbeComplete(ctx, "s", "thumbnail", 10*time.Millisecond, nil)
	p.OnProbeComplete(ctx, "s", "preview", 10*time.Millisecond, errors.New("boom"))
	p.OnSessionEnd(ctx, "s", "degraded", time.Second)
	p.OnCacheHit(ctx, "probe")
	p.OnCacheMiss(ctx, "probe")
	p.OnResponse(ctx, "GET", "img.example.com", "/img-1", 200, time.Millisecond)
	p.OnError(ctx, "GET", "img.example.com", "/img-1", errors.New("reset"))

	if got := testutil.ToFloat64(p.probesTotal.WithLabelValues("thumbnail", "ok")); got != 1 {
		t.Errorf("thumbnail ok probes = %v, want 1", got)
	}
	if got := testutil.ToFloat64(p.probesTotal.WithLabelValues("preview", "failed")); got != 1 {
		t.Errorf("preview failed probes = %v, want 1", got)
	}
	if got := testutil.ToFloat64(p.sessionsEnded.WithLabelValues("degraded")); got != 1 {
		t.Errorf("degraded sessions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(p.cacheOps.WithLabelValues("probe", "hit")); got != 1 {
		t.Errorf("cache hits = %v, want 1", got)
	}

	expected := `
# HELP imgtier_http_errors_total Outgoing HTTP requests that failed before a response
# TYPE imgtier_http_errors_total counter
imgtier_http_errors_total{host="img.example.com",method="GET"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "imgtier_http_errors_total"); err != nil {
		t.Error(err)
	}
}

type testSequencerHooks struct{ NoopSequencerHooks }
type testCacheHooks struct{ NoopCacheHooks }
type testHTTPHooks struct{ NoopHTTPHooks }
