package sequencer

import (
	"context"
	"io"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/matzehuels/imgtier/pkg/errors"
	"github.com/matzehuels/imgtier/pkg/fetch"
	"github.com/matzehuels/imgtier/pkg/netprofile"
	"github.com/matzehuels/imgtier/pkg/variant"
)

const testBase = "https://img.example.com"

// fakeFetcher records probes and delegates the outcome to fn.
type fakeFetcher struct {
	mu    sync.Mutex
	calls []string
	fn    func(ctx context.Context, url string) error
}

func (f *fakeFetcher) Fetch(ctx context.Context, u string) (*fetch.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, u)
	fn := f.fn
	f.mu.Unlock()
	if fn != nil {
		if err := fn(ctx, u); err != nil {
			return nil, err
		}
	}
	return &fetch.Result{URL: u, StatusCode: 200, ContentType: "image/webp"}, nil
}

func (f *fakeFetcher) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) listen(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) Kinds() []EventKind {
	var out []EventKind
	for _, ev := range r.Events() {
		out = append(out, ev.Kind)
	}
	return out
}

func (r *recorder) Count(kind EventKind) int {
	n := 0
	for _, ev := range r.Events() {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func estimatorFor(p netprofile.Profile) *netprofile.Estimator {
	e := netprofile.NewEstimator(netprofile.ForProfile(p), log.New(io.Discard))
	_, _ = e.Refresh(context.Background())
	return e
}

func newTestSequencer(t *testing.T, f fetch.Fetcher, opts ...Option) (*Sequencer, *recorder) {
	t.Helper()
	rec := &recorder{}
	opts = append([]Option{
		WithEstimator(estimatorFor(netprofile.Fast)),
		WithLogger(log.New(io.Discard)),
		WithListener(rec.listen),
	}, opts...)
	s := New(variant.NewResolver(testBase), f, opts...)
	t.Cleanup(s.Close)
	return s, rec
}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting")
	}
}

func kindsEqual(a, b []EventKind) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func queryParam(t *testing.T, raw, key string) string {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	return u.Query().Get(key)
}

func TestLoadEndToEndFast(t *testing.T) {
	f := &fakeFetcher{}
	s, rec := newTestSequencer(t, f)

	tok := s.Load(context.Background(), variant.NewSource("img-1"), Options{})
	s.Wait()

	want := []EventKind{EventStarted, EventStageChange, EventStageChange, EventStageChange, EventStageChange, EventComplete}
	if got := rec.Kinds(); !kindsEqual(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}

	var stages []variant.Stage
	for _, ev := range rec.Events() {
		if ev.Token != tok {
			t.Errorf("event %v has token %d, want %d", ev.Kind, ev.Token, tok)
		}
		if ev.Kind == EventStageChange {
			stages = append(stages, ev.Stage)
		}
	}
	for i, s := range variant.Stages() {
		if stages[i] != s {
			t.Errorf("stage %d = %s, want %s", i, stages[i], s)
		}
	}

	calls := f.Calls()
	widths := []string{"50", "600", "800", "1024"}
	qualities := []string{"10", "40", "70", "80"}
	if len(calls) != 4 {
		t.Fatalf("probes = %d, want 4", len(calls))
	}
	for i, c := range calls {
		if !strings.HasPrefix(c, testBase+"/img-1?") {
			t.Errorf("probe %d = %s", i, c)
		}
		if w := queryParam(t, c, "width"); w != widths[i] {
			t.Errorf("probe %d width = %s, want %s", i, w, widths[i])
		}
		if q := queryParam(t, c, "quality"); q != qualities[i] {
			t.Errorf("probe %d quality = %s, want %s", i, q, qualities[i])
		}
	}

	snap := s.Snapshot()
	if snap.Status != StatusComplete || snap.Stage != variant.StageFull || snap.Err != nil {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestLoadSupersedesWithoutStaleEvents(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	f := &fakeFetcher{fn: func(_ context.Context, u string) error {
		if strings.Contains(u, "/a?") {
			close(started)
			<-release // ignores ctx: the late result must still be dropped
		}
		return nil
	}}
	s, rec := newTestSequencer(t, f)

	tokA := s.Load(context.Background(), variant.NewSource("a"), Options{})
	waitFor(t, started)
	tokB := s.Load(context.Background(), variant.NewSource("b"), Options{})
	if tokB <= tokA {
		t.Fatalf("token did not advance: %d then %d", tokA, tokB)
	}
	close(release)
	s.Wait()

	for _, ev := range rec.Events() {
		if ev.Token == tokA && ev.Kind != EventStarted {
			t.Errorf("stale event from superseded session: %+v", ev)
		}
	}
	if rec.Count(EventCancelled) != 0 {
		t.Error("supersession should not emit Cancelled")
	}
	if rec.Count(EventComplete) != 1 {
		t.Errorf("complete events = %d, want 1", rec.Count(EventComplete))
	}
	if s.Discarded() == 0 {
		t.Error("late probe of A should be counted as discarded")
	}
	if snap := s.Snapshot(); snap.Source.URL != "b" || snap.Status != StatusComplete {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestCancelStopsProbes(t *testing.T) {
	started := make(chan struct{})
	f := &fakeFetcher{fn: func(ctx context.Context, u string) error {
		if strings.Contains(u, "width=50") {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}}
	s, rec := newTestSequencer(t, f)

	s.Load(context.Background(), variant.NewSource("img-1"), Options{})
	waitFor(t, started)
	s.Cancel()
	s.Wait()

	if n := len(f.Calls()); n != 1 {
		t.Errorf("probes = %d, want 1 (no probes after cancel)", n)
	}
	// Started may be dropped as stale if Cancel wins the race to the dispatcher.
	if rec.Count(EventCancelled) != 1 || rec.Count(EventStageChange) != 0 {
		t.Errorf("events = %v, want a single cancelled", rec.Kinds())
	}
	if snap := s.Snapshot(); snap.Status != StatusCancelled || snap.Stage != variant.StageNone {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestProbeSkipsFetchAfterCancel(t *testing.T) {
	f := &fakeFetcher{}
	s, _ := newTestSequencer(t, f)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	v, err := variant.NewResolver(testBase).Resolve(variant.NewSource("img-1"), variant.StageThumbnail, netprofile.Fast)
	if err != nil {
		t.Fatal(err)
	}

	if err := s.probe(ctx, "session", v, netprofile.Fast, time.Second, map[string]bool{}); err != context.Canceled {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if n := len(f.Calls()); n != 0 {
		t.Errorf("fetcher called %d times with a cancelled context", n)
	}
}

func TestCancelFinishedSessionIsSilent(t *testing.T) {
	s, rec := newTestSequencer(t, &fakeFetcher{})
	tok := s.Load(context.Background(), variant.NewSource("img-1"), Options{})
	s.Wait()

	s.Cancel()
	s.Wait()
	if rec.Count(EventCancelled) != 0 {
		t.Error("cancelling a complete session should not notify")
	}
	if s.Token() != tok+1 {
		t.Errorf("token = %d, want %d", s.Token(), tok+1)
	}
	if snap := s.Snapshot(); snap.Status != StatusComplete {
		t.Errorf("status = %s, want complete", snap.Status)
	}
}

func TestParentContextCancelIsCancel(t *testing.T) {
	started := make(chan struct{})
	f := &fakeFetcher{fn: func(ctx context.Context, _ string) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}}
	s, rec := newTestSequencer(t, f)

	ctx, cancel := context.WithCancel(context.Background())
	tok := s.Load(ctx, variant.NewSource("img-1"), Options{})
	waitFor(t, started)
	cancel()
	s.Wait()

	if rec.Count(EventCancelled) != 1 {
		t.Errorf("events = %v, want one cancelled", rec.Kinds())
	}
	if s.Token() <= tok {
		t.Error("parent cancellation should invalidate the token")
	}
}

func TestThumbnailFailureSkipsForward(t *testing.T) {
	f := &fakeFetcher{fn: func(_ context.Context, u string) error {
		if strings.Contains(u, "width=600") {
			return errors.New(errors.ErrCodeNetworkFailure, "status 503")
		}
		return nil
	}}
	s, rec := newTestSequencer(t, f)

	s.Load(context.Background(), variant.NewSource("img-1"), Options{})
	s.Wait()

	want := []EventKind{EventStarted, EventStageChange, EventDegraded, EventStageChange, EventStageChange, EventComplete}
	if got := rec.Kinds(); !kindsEqual(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for _, ev := range rec.Events() {
		if ev.Kind == EventDegraded {
			if ev.Stage != variant.StageThumbnail {
				t.Errorf("degraded stage = %s", ev.Stage)
			}
			if !errors.Is(ev.Err, errors.ErrCodeNetworkFailure) {
				t.Errorf("degraded err = %v", ev.Err)
			}
		}
	}
	snap := s.Snapshot()
	if snap.Status != StatusComplete || len(snap.Failures) != 1 || snap.Failures[0].Stage != variant.StageThumbnail {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestAllStagesFailExhausted(t *testing.T) {
	f := &fakeFetcher{fn: func(context.Context, string) error {
		return errors.New(errors.ErrCodeNetworkFailure, "status 500")
	}}
	s, rec := newTestSequencer(t, f)

	s.Load(context.Background(), variant.NewSource("img-1"), Options{})
	s.Wait()

	if n := rec.Count(EventError); n != 1 {
		t.Fatalf("error events = %d, want exactly 1", n)
	}
	if rec.Count(EventComplete) != 0 || rec.Count(EventStageChange) != 0 {
		t.Errorf("events = %v", rec.Kinds())
	}
	snap := s.Snapshot()
	if snap.Stage != variant.StageNone || snap.Stage.String() != "idle" {
		t.Errorf("stage = %s, want idle", snap.Stage)
	}
	if !errors.Is(snap.Err, errors.ErrCodeExhausted) {
		t.Fatalf("err = %v, want EXHAUSTED", snap.Err)
	}
	if d, ok := errors.ExhaustedDetail(snap.Err); !ok || d.Partial {
		t.Errorf("detail = %+v, want total failure", d)
	}
	if len(f.Calls()) != 4 {
		t.Errorf("probes = %d, every stage should be attempted", len(f.Calls()))
	}
}

func TestFullFailureKeepsLastGoodStage(t *testing.T) {
	f := &fakeFetcher{fn: func(_ context.Context, u string) error {
		if strings.Contains(u, "width=1024") {
			return errors.New(errors.ErrCodeNetworkFailure, "status 404")
		}
		return nil
	}}
	s, rec := newTestSequencer(t, f)

	s.Load(context.Background(), variant.NewSource("img-1"), Options{})
	s.Wait()

	snap := s.Snapshot()
	if snap.Status != StatusErrored || snap.Stage != variant.StagePreview {
		t.Fatalf("snapshot = %+v", snap)
	}
	d, ok := errors.ExhaustedDetail(snap.Err)
	if !ok || !d.Partial || d.LastStage != "preview" {
		t.Errorf("detail = %+v", d)
	}
	last := rec.Events()[len(rec.Events())-1]
	if last.Kind != EventError || last.Stage != variant.StagePreview {
		t.Errorf("last event = %+v", last)
	}
}

func TestTransformUnavailableNoProbe(t *testing.T) {
	tests := []struct {
		name     string
		resolver *variant.Resolver
		src      variant.Source
	}{
		{"empty", variant.NewResolver(testBase), variant.NewSource("")},
		{"whitespace", variant.NewResolver(testBase), variant.NewSource("img 1")},
		{"bad scheme", variant.NewResolver(testBase), variant.NewSource("ftp://x/y")},
		{"no endpoint", variant.NewResolver(""), variant.NewSource("img-1")},
		{"bad override", variant.NewResolver(testBase), variant.Source{URL: "img-1", Transformable: true, Overrides: &variant.Overrides{Format: "bmp"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeFetcher{}
			rec := &recorder{}
			s := New(tt.resolver, f,
				WithEstimator(estimatorFor(netprofile.Fast)),
				WithLogger(log.New(io.Discard)),
				WithListener(rec.listen))
			defer s.Close()

			s.Load(context.Background(), tt.src, Options{})
			s.Wait()

			if n := len(f.Calls()); n != 0 {
				t.Errorf("probes = %d, want 0", n)
			}
			want := []EventKind{EventStarted, EventError}
			if got := rec.Kinds(); !kindsEqual(got, want) {
				t.Fatalf("events = %v, want %v", got, want)
			}
			if ev := rec.Events()[1]; !errors.Is(ev.Err, errors.ErrCodeTransformUnavailable) {
				t.Errorf("err = %v, want TRANSFORM_UNAVAILABLE", ev.Err)
			}
		})
	}
}

func TestStageTimeoutIsFailure(t *testing.T) {
	f := &fakeFetcher{fn: func(ctx context.Context, u string) error {
		if strings.Contains(u, "width=50") {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}}
	s, rec := newTestSequencer(t, f)

	s.Load(context.Background(), variant.NewSource("img-1"), Options{
		StageTimeouts: map[variant.Stage]time.Duration{variant.StagePlaceholder: 20 * time.Millisecond},
	})
	s.Wait()

	want := []EventKind{EventStarted, EventDegraded, EventStageChange, EventStageChange, EventStageChange, EventComplete}
	if got := rec.Kinds(); !kindsEqual(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	snap := s.Snapshot()
	if len(snap.Failures) != 1 || !strings.Contains(snap.Failures[0].Err, string(errors.ErrCodeTimeout)) {
		t.Errorf("failures = %+v, want a timeout", snap.Failures)
	}
}

func TestNonTransformableProbesOnce(t *testing.T) {
	f := &fakeFetcher{}
	s, rec := newTestSequencer(t, f)

	src := variant.Source{URL: "https://cdn.example.com/photo.jpg"}
	s.Load(context.Background(), src, Options{})
	s.Wait()

	calls := f.Calls()
	if len(calls) != 1 || calls[0] != src.URL {
		t.Errorf("probes = %v, want one probe of the original URL", calls)
	}
	if rec.Count(EventStageChange) != 4 || rec.Count(EventComplete) != 1 {
		t.Errorf("events = %v", rec.Kinds())
	}
}

func TestSkipToFull(t *testing.T) {
	f := &fakeFetcher{}
	s, rec := newTestSequencer(t, f)

	s.Load(context.Background(), variant.NewSource("img-1"), Options{SkipToFull: true})
	s.Wait()

	calls := f.Calls()
	if len(calls) != 1 || queryParam(t, calls[0], "width") != "1024" {
		t.Errorf("probes = %v, want only Full", calls)
	}
	want := []EventKind{EventStarted, EventStageChange, EventComplete}
	if got := rec.Kinds(); !kindsEqual(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestJumpToStage(t *testing.T) {
	t.Run("nothing loaded", func(t *testing.T) {
		s, _ := newTestSequencer(t, &fakeFetcher{})
		if _, err := s.JumpToStage(context.Background(), variant.StagePreview); !errors.Is(err, errors.ErrCodeInvalidInput) {
			t.Errorf("err = %v, want INVALID_INPUT", err)
		}
	})

	t.Run("invalid stage", func(t *testing.T) {
		s, _ := newTestSequencer(t, &fakeFetcher{})
		s.Load(context.Background(), variant.NewSource("img-1"), Options{})
		s.Wait()
		if _, err := s.JumpToStage(context.Background(), variant.StageNone); !errors.Is(err, errors.ErrCodeInvalidInput) {
			t.Errorf("err = %v, want INVALID_INPUT", err)
		}
	})

	t.Run("success", func(t *testing.T) {
		f := &fakeFetcher{}
		s, rec := newTestSequencer(t, f)
		s.Load(context.Background(), variant.NewSource("img-1"), Options{SkipToFull: true})
		s.Wait()

		tok, err := s.JumpToStage(context.Background(), variant.StagePlaceholder)
		if err != nil {
			t.Fatal(err)
		}
		s.Wait()

		var after []Event
		for _, ev := range rec.Events() {
			if ev.Token == tok {
				after = append(after, ev)
			}
		}
		if len(after) != 3 || after[1].Kind != EventStageChange || after[1].Stage != variant.StagePlaceholder || after[2].Kind != EventComplete {
			t.Errorf("jump events = %+v", after)
		}
		calls := f.Calls()
		if queryParam(t, calls[len(calls)-1], "blur") != "20" {
			t.Errorf("last probe = %s, want the placeholder", calls[len(calls)-1])
		}
	})

	t.Run("failure keeps displayed stage", func(t *testing.T) {
		f := &fakeFetcher{fn: func(_ context.Context, u string) error {
			if strings.Contains(u, "width=800") {
				return errors.New(errors.ErrCodeNetworkFailure, "status 502")
			}
			return nil
		}}
		s, _ := newTestSequencer(t, f)
		s.Load(context.Background(), variant.NewSource("img-1"), Options{SkipToFull: true})
		s.Wait()

		if _, err := s.JumpToStage(context.Background(), variant.StagePreview); err != nil {
			t.Fatal(err)
		}
		s.Wait()
		snap := s.Snapshot()
		if snap.Status != StatusErrored || snap.Stage != variant.StageFull {
			t.Errorf("snapshot = %+v", snap)
		}
		if !errors.Is(snap.Err, errors.ErrCodeNetworkFailure) {
			t.Errorf("err = %v, want NETWORK_FAILURE", snap.Err)
		}
	})
}

func TestListenerMayReenter(t *testing.T) {
	f := &fakeFetcher{}
	var s *Sequencer
	var once sync.Once
	rec := &recorder{}
	s = New(variant.NewResolver(testBase), f,
		WithEstimator(estimatorFor(netprofile.Fast)),
		WithLogger(log.New(io.Discard)),
		WithListener(rec.listen),
		WithListener(func(ev Event) {
			if ev.Kind == EventStageChange {
				once.Do(func() { s.Load(context.Background(), variant.NewSource("img-2"), Options{}) })
			}
		}))
	defer s.Close()

	s.Load(context.Background(), variant.NewSource("img-1"), Options{})
	s.Wait()

	if snap := s.Snapshot(); snap.Source.URL != "img-2" || snap.Status != StatusComplete {
		t.Errorf("snapshot = %+v", snap)
	}
	if rec.Count(EventComplete) != 1 {
		t.Errorf("complete events = %d, want 1", rec.Count(EventComplete))
	}
}

func TestProfileChangeAffectsOnlyLaterStages(t *testing.T) {
	est := estimatorFor(netprofile.Fast)
	f := &fakeFetcher{fn: func(_ context.Context, u string) error {
		if strings.Contains(u, "width=600") && strings.Contains(u, "quality=40") {
			est.Observe(netprofile.Signal{EffectiveType: "2g"})
		}
		return nil
	}}
	s, _ := newTestSequencer(t, f, WithEstimator(est))

	s.Load(context.Background(), variant.NewSource("img-1"), Options{})
	s.Wait()

	calls := f.Calls()
	if len(calls) != 4 {
		t.Fatalf("probes = %d", len(calls))
	}
	if w := queryParam(t, calls[3], "width"); w != "600" {
		t.Errorf("full width after drop to slow = %s, want 600", w)
	}
	if snap := s.Snapshot(); snap.Profile != netprofile.Slow {
		t.Errorf("profile = %s, want slow", snap.Profile)
	}
}

func TestUnsubscribe(t *testing.T) {
	s, _ := newTestSequencer(t, &fakeFetcher{})
	var n int
	var mu sync.Mutex
	unsub := s.Subscribe(func(Event) { mu.Lock(); n++; mu.Unlock() })
	unsub()

	s.Load(context.Background(), variant.NewSource("img-1"), Options{})
	s.Wait()
	mu.Lock()
	defer mu.Unlock()
	if n != 0 {
		t.Errorf("unsubscribed listener got %d events", n)
	}
}

func TestStatusStrings(t *testing.T) {
	tests := []struct {
		s    Status
		want string
	}{
		{StatusIdle, "idle"},
		{StatusLoading, "loading"},
		{StatusDegraded, "degraded"},
		{StatusComplete, "complete"},
		{StatusErrored, "errored"},
		{StatusCancelled, "cancelled"},
		{Status(42), "status(42)"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", int(tt.s), got, tt.want)
		}
	}
	if !StatusDegraded.Active() || StatusComplete.Active() {
		t.Error("Active() mismatch")
	}
}
