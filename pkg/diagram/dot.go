// Package diagram draws the load state machine with Graphviz.
//
// The diagram shows the stage progression, the skip edges taken when a probe
// fails, and the terminal states. A session snapshot can be passed to
// highlight where a load currently stands, which `imgtier diagram` and the
// HTTP API use for debugging.
package diagram

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/goccy/go-graphviz"

	"github.com/matzehuels/imgtier/pkg/netprofile"
	"github.com/matzehuels/imgtier/pkg/sequencer"
	"github.com/matzehuels/imgtier/pkg/variant"
)

// Options configures diagram rendering.
type Options struct {
	// Detailed adds the resolved width and quality of each stage for Profile.
	Detailed bool
	Profile  netprofile.Profile

	// Session, when set, highlights its displayed stage and status.
	Session *sequencer.Session
}

const (
	nodeIdle      = "idle"
	nodeComplete  = "complete"
	nodeErrored   = "errored"
	nodeCancelled = "cancelled"
)

type edge struct {
	from, to, label string
	dashed          bool
}

// ToDOT returns the state machine in Graphviz DOT format.
func ToDOT(opts Options) string {
	var buf bytes.Buffer
	buf.WriteString("digraph sequencer {\n")
	buf.WriteString("  rankdir=LR;\n")
	buf.WriteString("  bgcolor=\"transparent\";\n")
	buf.WriteString("  node [shape=box, style=\"rounded,filled\", fillcolor=white, fontsize=14, margin=\"0.2,0.1\"];\n")
	buf.WriteString("  edge [fontsize=10];\n")
	buf.WriteString("\n")

	active := activeNodes(opts.Session)

	writeNode(&buf, nodeIdle, nodeIdle, "ellipse", active)
	for _, s := range variant.Stages() {
		writeNode(&buf, s.String(), stageLabel(s, opts), "box", active)
	}
	writeNode(&buf, nodeComplete, nodeComplete, "doublecircle", active)
	writeNode(&buf, nodeErrored, nodeErrored, "octagon", active)
	writeNode(&buf, nodeCancelled, nodeCancelled, "octagon", active)

	buf.WriteString("\n")
	for _, e := range edges() {
		attrs := []string{fmt.Sprintf("label=%q", e.label)}
		if e.dashed {
			attrs = append(attrs, "style=dashed", "color=grey40", "fontcolor=grey40")
		}
		fmt.Fprintf(&buf, "  %q -> %q [%s];\n", e.from, e.to, strings.Join(attrs, ", "))
	}

	buf.WriteString("}\n")
	return buf.String()
}

func edges() []edge {
	out := []edge{
		{from: nodeIdle, to: variant.StagePlaceholder.String(), label: "load"},
		{from: nodeIdle, to: variant.StageFull.String(), label: "skip to full", dashed: true},
		{from: nodeIdle, to: nodeErrored, label: "TRANSFORM_UNAVAILABLE"},
	}
	stages := variant.Stages()
	for i, s := range stages {
		if s.Terminal() {
			break
		}
		next := stages[i+1].String()
		out = append(out, edge{from: s.String(), to: next, label: "ok"})
		if i+2 < len(stages) {
			out = append(out, edge{from: s.String(), to: stages[i+2].String(), label: "skip failed " + next, dashed: true})
		}
	}
	full := variant.StageFull.String()
	out = append(out,
		edge{from: full, to: nodeComplete, label: "ok"},
		edge{from: full, to: nodeErrored, label: "EXHAUSTED"},
	)
	for _, s := range stages {
		out = append(out, edge{from: s.String(), to: nodeCancelled, label: "cancel", dashed: true})
	}
	return out
}

func stageLabel(s variant.Stage, opts Options) string {
	if !opts.Detailed {
		return s.String()
	}
	p, ok := variant.ParamsFor(s, nil, opts.Profile)
	if !ok {
		return s.String()
	}
	label := fmt.Sprintf("%s\nw=%d q=%d", s, p.Width, p.Quality)
	if p.Blur > 0 {
		label += fmt.Sprintf(" blur=%d", p.Blur)
	}
	return label
}

func writeNode(buf *bytes.Buffer, id, label, shape string, active map[string]string) {
	attrs := []string{fmt.Sprintf("label=%q", label)}
	if shape != "box" {
		attrs = append(attrs, "shape="+shape)
	}
	if color, ok := active[id]; ok {
		attrs = append(attrs, "fillcolor="+color, "penwidth=2")
	}
	fmt.Fprintf(buf, "  %q [%s];\n", id, strings.Join(attrs, ", "))
}

// activeNodes maps node IDs to highlight colors for a session.
func activeNodes(sess *sequencer.Session) map[string]string {
	if sess == nil {
		return nil
	}
	out := map[string]string{sess.Stage.String(): "lightblue"}
	switch sess.Status {
	case sequencer.StatusComplete:
		out[nodeComplete] = "palegreen"
	case sequencer.StatusErrored:
		out[nodeErrored] = "lightpink"
	case sequencer.StatusCancelled:
		out[nodeCancelled] = "lightgrey"
	}
	for _, f := range sess.Failures {
		if _, ok := out[f.Stage.String()]; !ok {
			out[f.Stage.String()] = "lightyellow"
		}
	}
	return out
}

// RenderSVG renders a DOT graph to SVG using Graphviz.
func RenderSVG(ctx context.Context, dot string) ([]byte, error) {
	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("init graphviz: %w", err)
	}
	defer gv.Close()

	g, err := graphviz.ParseBytes([]byte(dot))
	if err != nil {
		return nil, fmt.Errorf("parse DOT: %w", err)
	}
	defer g.Close()

	var buf bytes.Buffer
	if err := gv.Render(ctx, g, graphviz.SVG, &buf); err != nil {
		return nil, fmt.Errorf("render: %w", err)
	}
	return normalizeViewBox(buf.Bytes()), nil
}

var (
	svgTagRe  = regexp.MustCompile(`<svg[^>]*>`)
	viewBoxRe = regexp.MustCompile(`viewBox="([0-9.]+)\s+([0-9.]+)\s+([0-9.]+)\s+([0-9.]+)"`)
)

// normalizeViewBox rewrites the root tag so the SVG scales with its container.
func normalizeViewBox(svg []byte) []byte {
	match := viewBoxRe.FindSubmatch(svg)
	if match == nil {
		return svg
	}

	w, _ := strconv.ParseFloat(string(match[3]), 64)
	h, _ := strconv.ParseFloat(string(match[4]), 64)
	if w == 0 || h == 0 {
		return svg
	}

	root := fmt.Sprintf(`<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 %.2f %.2f" width="%.0f" height="%.0f">`, w, h, w, h)
	return svgTagRe.ReplaceAll(svg, []byte(root))
}
