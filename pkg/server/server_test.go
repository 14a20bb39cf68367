package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/matzehuels/imgtier/pkg/controller"
	imgerr "github.com/matzehuels/imgtier/pkg/errors"
	"github.com/matzehuels/imgtier/pkg/fetch"
	"github.com/matzehuels/imgtier/pkg/netprofile"
	"github.com/matzehuels/imgtier/pkg/observability"
	"github.com/matzehuels/imgtier/pkg/sequencer"
	"github.com/matzehuels/imgtier/pkg/variant"
)

func newTestServer(t *testing.T, f fetch.Fetcher) *httptest.Server {
	t.Helper()
	est := netprofile.NewEstimator(netprofile.ForProfile(netprofile.Medium), log.New(io.Discard))
	reg := prometheus.NewRegistry()
	prom := observability.NewPrometheus(reg)
	observability.SetSequencerHooks(prom)
	t.Cleanup(observability.Reset)

	s := New(variant.NewResolver("https://img.example.com"), f,
		WithEstimator(est),
		WithLogger(log.New(io.Discard)),
		WithGatherer(reg))
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return srv
}

func okFetcher() fetch.Func {
	return func(_ context.Context, u string) (*fetch.Result, error) {
		return &fetch.Result{URL: u, StatusCode: 200}, nil
	}
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, okFetcher())
	resp := get(t, srv.URL+"/healthz")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]string
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestResolve(t *testing.T) {
	srv := newTestServer(t, okFetcher())
	resp := get(t, srv.URL+"/v1/resolve?src=img-1&profile=fast")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var body resolveResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Profile != netprofile.Fast || len(body.Variants) != 4 {
		t.Fatalf("body = %+v", body)
	}
	wantWidths := []int{50, 600, 800, 1024}
	for i, v := range body.Variants {
		if v.Params.Width != wantWidths[i] {
			t.Errorf("variant %d width = %d, want %d", i, v.Params.Width, wantWidths[i])
		}
	}
}

func TestResolveOverridesAndDefaultProfile(t *testing.T) {
	srv := newTestServer(t, okFetcher())
	resp := get(t, srv.URL+"/v1/resolve?src=img-1&width=400&format=avif")

	var body resolveResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Profile != netprofile.Medium {
		t.Errorf("profile = %s, want the estimator's medium", body.Profile)
	}
	full := body.Variants[3]
	if full.Params.Width != 400 || full.Params.Format != variant.FormatAVIF {
		t.Errorf("full = %+v", full.Params)
	}
}

func TestResolveErrors(t *testing.T) {
	srv := newTestServer(t, okFetcher())
	tests := []struct {
		query string
		code  imgerr.Code
	}{
		{"", imgerr.ErrCodeInvalidInput},
		{"src=img-1&profile=5g", imgerr.ErrCodeInvalidInput},
		{"src=img-1&width=wide", imgerr.ErrCodeInvalidInput},
		{"src=ftp://x/y", imgerr.ErrCodeTransformUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			resp := get(t, srv.URL+"/v1/resolve?"+tt.query)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
			var body struct {
				Error struct {
					Code imgerr.Code `json:"code"`
				} `json:"error"`
			}
			_ = json.NewDecoder(resp.Body).Decode(&body)
			if body.Error.Code != tt.code {
				t.Errorf("code = %s, want %s", body.Error.Code, tt.code)
			}
		})
	}
}

func readStates(t *testing.T, r io.Reader) []controller.State {
	t.Helper()
	var out []controller.State
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		var st struct {
			Token     uint64 `json:"token"`
			Stage     string `json:"stage"`
			Status    string `json:"status"`
			IsLoading bool   `json:"is_loading"`
			Error     *struct {
				Code imgerr.Code `json:"code"`
			} `json:"error"`
		}
		if err := json.Unmarshal(sc.Bytes(), &st); err != nil {
			t.Fatalf("bad line %q: %v", sc.Text(), err)
		}
		stage, err := variant.ParseStage(st.Stage)
		if err != nil {
			t.Fatal(err)
		}
		s := controller.State{Token: st.Token, Stage: stage, IsLoading: st.IsLoading}
		switch st.Status {
		case "complete":
			s.Status = sequencer.StatusComplete
		case "errored":
			s.Status = sequencer.StatusErrored
		}
		if st.Error != nil {
			s.Err = imgerr.New(st.Error.Code, "")
		}
		out = append(out, s)
	}
	return out
}

func TestLoadStream(t *testing.T) {
	srv := newTestServer(t, okFetcher())
	resp := get(t, srv.URL+"/v1/load?src=img-1&profile=fast")
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-ndjson" {
		t.Errorf("content type = %q", ct)
	}

	states := readStates(t, resp.Body)
	if len(states) != 6 {
		t.Fatalf("states = %d, want started + 4 stages + complete", len(states))
	}
	if !states[0].IsLoading {
		t.Error("first state should be loading")
	}
	last := states[len(states)-1]
	if last.Stage != variant.StageFull || last.IsLoading || last.Status != sequencer.StatusComplete {
		t.Errorf("last state = %+v", last)
	}
}

func TestLoadStreamExhausted(t *testing.T) {
	f := fetch.Func(func(context.Context, string) (*fetch.Result, error) {
		return nil, imgerr.New(imgerr.ErrCodeNetworkFailure, "status 500")
	})
	srv := newTestServer(t, f)
	resp := get(t, srv.URL+"/v1/load?src=img-1")

	states := readStates(t, resp.Body)
	last := states[len(states)-1]
	if last.Status != sequencer.StatusErrored || last.Err == nil || last.Err.Code != imgerr.ErrCodeExhausted {
		t.Errorf("last state = %+v", last)
	}
	if last.Stage != variant.StageNone {
		t.Errorf("stage = %s, want idle", last.Stage)
	}
}

func TestMetrics(t *testing.T) {
	srv := newTestServer(t, okFetcher())
	_ = readStates(t, get(t, srv.URL+"/v1/load?src=img-1").Body)

	resp := get(t, srv.URL+"/metrics")
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "imgtier_probes_total") {
		t.Errorf("metrics missing probe counter:\n%s", body)
	}
}

func TestDiagram(t *testing.T) {
	srv := newTestServer(t, okFetcher())
	resp := get(t, srv.URL+"/v1/diagram?detailed=true&profile=slow")
	body, _ := io.ReadAll(resp.Body)
	if !strings.HasPrefix(string(body), "digraph sequencer") {
		t.Errorf("body = %s", body)
	}
	if !strings.Contains(string(body), "w=600 q=60") {
		t.Error("detailed slow diagram should show capped full stage")
	}
}
