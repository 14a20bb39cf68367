package cli

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	imgerr "github.com/matzehuels/imgtier/pkg/errors"
	"github.com/matzehuels/imgtier/pkg/netprofile"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func imageServer(t *testing.T, size int) *httptest.Server {
	t.Helper()
	body := append(append([]byte{}, pngHeader...), make([]byte, size)...)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestMeasure(t *testing.T) {
	srv := imageServer(t, 256<<10)
	c := newTestCLI(t)

	var seen []int
	res, err := c.measure(context.Background(), srv.URL+"/large.png", 3, func(i int) { seen = append(seen, i) })
	if err != nil {
		t.Fatal(err)
	}
	if res.Samples != 3 || res.Failed != 0 {
		t.Errorf("samples = %d failed = %d, want 3 and 0", res.Samples, res.Failed)
	}
	if res.Signal.DownlinkMbps <= 0 {
		t.Errorf("downlink = %v, want a positive estimate", res.Signal.DownlinkMbps)
	}
	if res.Profile != netprofile.Classify(res.Signal) {
		t.Errorf("profile = %s, want classification of %+v", res.Profile, res.Signal)
	}
	if len(seen) != 3 || seen[2] != 3 {
		t.Errorf("progress = %v", seen)
	}
}

func TestMeasureSmallTransfers(t *testing.T) {
	srv := imageServer(t, 64)
	c := newTestCLI(t)

	res, err := c.measure(context.Background(), srv.URL+"/tiny.png", 2, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Samples != 0 || res.Profile != netprofile.Medium {
		t.Errorf("result = %+v, want no samples and medium", res)
	}
}

func TestMeasureAllFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)
	c := newTestCLI(t)

	res, err := c.measure(context.Background(), srv.URL+"/missing.png", 2, nil)
	if !imgerr.Is(err, imgerr.ErrCodeNetworkFailure) {
		t.Errorf("err = %v, want NETWORK_FAILURE", err)
	}
	if res.Failed != 2 {
		t.Errorf("failed = %d, want 2", res.Failed)
	}
}
