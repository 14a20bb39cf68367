package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"

	imgerr "github.com/matzehuels/imgtier/pkg/errors"
	"github.com/matzehuels/imgtier/pkg/variant"
)

func runResolve(t *testing.T, args ...string) (string, error) {
	t.Helper()
	captureOutput(t)
	cfg := writeConfig(t, "[transform]\nbase_url = \"https://img.example.com\"\n")

	root := New(io.Discard, LogInfo).RootCommand()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(io.Discard)
	root.SetArgs(append([]string{"resolve", "--config", cfg}, args...))
	err := root.Execute()
	return buf.String(), err
}

func TestResolveCommandJSON(t *testing.T) {
	out, err := runResolve(t, "img-1", "--profile", "slow", "--json")
	if err != nil {
		t.Fatal(err)
	}

	var vs []variant.Variant
	if err := json.Unmarshal([]byte(out), &vs); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(vs) != 4 {
		t.Fatalf("variants = %d, want 4", len(vs))
	}
	full := vs[3]
	if full.Params.Width != 600 || full.Params.Quality != 60 {
		t.Errorf("slow full = %+v, want capped at 600/60", full.Params)
	}
	if !strings.HasPrefix(full.URL, "https://img.example.com/img-1?") {
		t.Errorf("url = %q", full.URL)
	}
}

func TestResolveCommandTable(t *testing.T) {
	out, err := runResolve(t, "img-1", "--width", "400", "--format", "avif")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"Stage", "placeholder", "full", "avif", "medium network"} {
		if !strings.Contains(out, want) {
			t.Errorf("table missing %q:\n%s", want, out)
		}
	}
}

func TestResolveCommandErrors(t *testing.T) {
	tests := []struct {
		args []string
		code imgerr.Code
	}{
		{[]string{"img-1", "--profile", "5g"}, imgerr.ErrCodeInvalidInput},
		{[]string{"ftp://host/a.png"}, imgerr.ErrCodeTransformUnavailable},
		{[]string{"img-1", "--format", "gif"}, imgerr.ErrCodeTransformUnavailable},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.args, " "), func(t *testing.T) {
			_, err := runResolve(t, tt.args...)
			if !imgerr.Is(err, tt.code) {
				t.Errorf("err = %v, want %s", err, tt.code)
			}
		})
	}
}
