// Package export rewrites a loaded capture into external formats: folded
// and rendered flame graphs, heaptrack-compatible text dumps, replay
// streams, pprof profiles, and stacked timeline SVGs. Every exporter is
// parametric on an allocation list, so any filter expressible in the query
// layer selects what gets exported.
package export

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/memtrail/memtrail/internal/model"
	"github.com/memtrail/memtrail/internal/query"
)

// frameLabel renders one frame for stack folding: the demangled function
// when known, else the raw function, else the hex address.
func frameLabel(d *model.Data, f *model.Frame) string {
	if f.Function.IsValid() {
		return d.String(f.Function)
	}
	if f.RawFunction.IsValid() {
		return d.String(f.RawFunction)
	}
	return fmt.Sprintf("0x%x", f.CodeAddress)
}

// foldedStack renders a backtrace as a flamegraph.pl stack string,
// outermost frame first, frames joined by ';'.
func foldedStack(d *model.Data, bt model.BacktraceID) string {
	frames := d.BacktraceFrames(bt)
	if len(frames) == 0 {
		return "[unknown]"
	}
	parts := make([]string, 0, len(frames))
	for i := len(frames) - 1; i >= 0; i-- {
		label := frameLabel(d, d.Frame(frames[i]))
		label = strings.ReplaceAll(label, ";", ":")
		parts = append(parts, label)
	}
	return strings.Join(parts, ";")
}

// Flamegraph writes flamegraph.pl-compatible folded stacks to w: one line
// per unique stack with the total requested size of the list's matching
// allocations as weight.
func Flamegraph(list *query.AllocationList, w io.Writer) error {
	ids, err := list.Materialize()
	if err != nil {
		return err
	}
	d := list.Data()

	weights := make(map[model.BacktraceID]uint64)
	for _, id := range ids {
		a := d.Allocation(id)
		weights[a.Backtrace] += a.Size
	}

	type entry struct {
		stack  string
		weight uint64
	}
	entries := make([]entry, 0, len(weights))
	folded := make(map[string]uint64)
	for bt, weight := range weights {
		folded[foldedStack(d, bt)] += weight
	}
	for stack, weight := range folded {
		entries = append(entries, entry{stack: stack, weight: weight})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].stack < entries[j].stack })

	for _, e := range entries {
		if _, err := fmt.Fprintf(w, "%s %d\n", e.stack, e.weight); err != nil {
			return fmt.Errorf("export: write folded stacks: %w", err)
		}
	}
	return nil
}

// FlamegraphSVG renders the folded stacks as a self-contained SVG flame
// graph.
func FlamegraphSVG(list *query.AllocationList, w io.Writer) error {
	ids, err := list.Materialize()
	if err != nil {
		return err
	}
	d := list.Data()

	root := &flameNode{children: map[string]*flameNode{}}
	for _, id := range ids {
		a := d.Allocation(id)
		frames := d.BacktraceFrames(a.Backtrace)
		node := root
		node.weight += a.Size
		for i := len(frames) - 1; i >= 0; i-- {
			label := frameLabel(d, d.Frame(frames[i]))
			child := node.children[label]
			if child == nil {
				child = &flameNode{label: label, children: map[string]*flameNode{}}
				node.children[label] = child
			}
			child.weight += a.Size
			node = child
		}
	}
	return renderFlameSVG(root, w)
}

type flameNode struct {
	label    string
	weight   uint64
	children map[string]*flameNode
}

const (
	flameWidth      = 1200.0
	flameRowHeight  = 16.0
	flameFontSize   = 11
	flameMinPixelsW = 0.5
)

func renderFlameSVG(root *flameNode, w io.Writer) error {
	depth := flameDepth(root)
	height := float64(depth+2) * flameRowHeight

	var sb strings.Builder
	fmt.Fprintf(&sb, `<svg xmlns="http://www.w3.org/2000/svg" width="%.0f" height="%.0f" font-family="monospace" font-size="%d">`,
		flameWidth, height, flameFontSize)
	sb.WriteString(`<rect width="100%" height="100%" fill="#ffffff"/>`)
	if root.weight > 0 {
		emitFlameNode(&sb, root, 0, flameWidth, 0, root.weight)
	}
	sb.WriteString(`</svg>`)
	if _, err := io.WriteString(w, sb.String()); err != nil {
		return fmt.Errorf("export: write flamegraph svg: %w", err)
	}
	return nil
}

func flameDepth(n *flameNode) int {
	max := 0
	for _, c := range n.children {
		if d := flameDepth(c) + 1; d > max {
			max = d
		}
	}
	return max
}

func emitFlameNode(sb *strings.Builder, n *flameNode, x, width float64, depth int, total uint64) {
	y := float64(depth) * flameRowHeight
	if depth > 0 {
		color := flameColor(n.label)
		fmt.Fprintf(sb, `<g><title>%s (%d bytes)</title><rect x="%.1f" y="%.1f" width="%.1f" height="%.1f" fill="%s" stroke="#ffffff" stroke-width="0.5"/>`,
			escapeXML(n.label), n.weight, x, y, width, flameRowHeight, color)
		if width > 40 {
			fmt.Fprintf(sb, `<text x="%.1f" y="%.1f">%s</text>`,
				x+2, y+flameRowHeight-4, escapeXML(clipLabel(n.label, int(width/7))))
		}
		sb.WriteString(`</g>`)
	}

	labels := make([]string, 0, len(n.children))
	for label := range n.children {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	childX := x
	for _, label := range labels {
		c := n.children[label]
		childWidth := width * float64(c.weight) / float64(n.weight)
		if childWidth >= flameMinPixelsW {
			emitFlameNode(sb, c, childX, childWidth, depth+1, total)
		}
		childX += childWidth
	}
}

// flameColor picks a deterministic warm color per label so re-renders are
// stable.
func flameColor(label string) string {
	h := uint32(2166136261)
	for i := 0; i < len(label); i++ {
		h = (h ^ uint32(label[i])) * 16777619
	}
	r := 205 + int(h%50)
	g := 80 + int((h>>8)%120)
	b := int((h >> 16) % 60)
	return fmt.Sprintf("#%02x%02x%02x", r, g, b)
}

func clipLabel(s string, max int) string {
	if max < 3 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	return s[:max-2] + ".."
}

func escapeXML(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")
	return r.Replace(s)
}
