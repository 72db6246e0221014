package export

import (
	"fmt"
	"io"
	"strings"

	"github.com/memtrail/memtrail/internal/event"
	"github.com/memtrail/memtrail/internal/query"
)

// GraphOptions controls the stacked timeline SVG.
type GraphOptions struct {
	Width  int
	Height int

	// Labels names each series; missing entries render as "series N".
	Labels []string

	// TrimLeft drops leading samples where every series is zero, keeping
	// the last of them;
	// ExtendRight repeats the final values up to the capture's last
	// timestamp; TruncateAt cuts the series at the given timestamp when
	// nonzero.
	TrimLeft    bool
	ExtendRight bool
	TruncateAt  event.Timestamp

	// Gradient fills each band with a vertical opacity gradient instead of
	// a flat color.
	Gradient bool
}

// graphPalette is the series color cycle.
var graphPalette = []string{
	"#4e79a7", "#f28e2b", "#e15759", "#76b7b2", "#59a14f",
	"#edc948", "#b07aa1", "#ff9da7", "#9c755f", "#bab0ac",
}

// Graph renders up to len(graphPalette) allocation lists as a stacked area
// chart over their merged timelines.
func Graph(lists []*query.AllocationList, opts GraphOptions, w io.Writer) error {
	if len(lists) == 0 {
		return fmt.Errorf("export: graph needs at least one series")
	}
	if len(lists) > len(graphPalette) {
		return fmt.Errorf("export: graph supports at most %d series, got %d", len(graphPalette), len(lists))
	}
	if opts.Width <= 0 {
		opts.Width = 1000
	}
	if opts.Height <= 0 {
		opts.Height = 400
	}

	series := make([]*query.Timeline, len(lists))
	for i, list := range lists {
		tl, err := list.BuildTimeline()
		if err != nil {
			return err
		}
		series[i] = tl
	}
	merged := query.MergeTimelines(series...)

	timestamps := merged.Timestamps
	usage := merged.Usage
	if opts.TruncateAt != 0 {
		cut := len(timestamps)
		for i, ts := range timestamps {
			if ts > opts.TruncateAt {
				cut = i
				break
			}
		}
		timestamps = timestamps[:cut]
		usage = usage[:cut]
	}
	if opts.TrimLeft {
		start := 0
		for start < len(timestamps) && rowSum(usage[start]) == 0 {
			start++
		}
		if start > 0 {
			start--
		}
		timestamps = timestamps[start:]
		usage = usage[start:]
	}
	if opts.ExtendRight && len(timestamps) > 0 {
		last := lists[0].Data().LastTimestamp()
		if timestamps[len(timestamps)-1] < last {
			timestamps = append(timestamps, last)
			usage = append(usage, usage[len(usage)-1])
		}
	}
	if len(timestamps) == 0 {
		return fmt.Errorf("export: nothing to graph")
	}

	// Peak of the stacked total scales the y axis.
	var peak uint64 = 1
	for _, row := range usage {
		if s := rowSum(row); s > peak {
			peak = s
		}
	}

	t0 := timestamps[0]
	t1 := timestamps[len(timestamps)-1]
	span := uint64(t1 - t0)
	if span == 0 {
		span = 1
	}

	width := float64(opts.Width)
	height := float64(opts.Height)
	x := func(ts event.Timestamp) float64 {
		return width * float64(uint64(ts-t0)) / float64(span)
	}
	y := func(v uint64) float64 {
		return height - height*float64(v)/float64(peak)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, `<svg xmlns="http://www.w3.org/2000/svg" width="%d" height="%d" font-family="sans-serif" font-size="12">`,
		opts.Width, opts.Height+20*len(lists))
	sb.WriteString(`<rect width="100%" height="100%" fill="#ffffff"/>`)

	if opts.Gradient {
		sb.WriteString(`<defs>`)
		for si := range lists {
			fmt.Fprintf(&sb, `<linearGradient id="g%d" x1="0" y1="0" x2="0" y2="1">`+
				`<stop offset="0%%" stop-color="%s" stop-opacity="0.95"/>`+
				`<stop offset="100%%" stop-color="%s" stop-opacity="0.55"/>`+
				`</linearGradient>`, si, graphPalette[si], graphPalette[si])
		}
		sb.WriteString(`</defs>`)
	}

	// Stack bottom-up: band s sits on the cumulative sum of series < s.
	base := make([]uint64, len(timestamps))
	for si := range lists {
		var path strings.Builder
		for i, ts := range timestamps {
			top := base[i] + usage[i][si]
			cmd := "L"
			if i == 0 {
				cmd = "M"
			}
			fmt.Fprintf(&path, "%s%.1f %.1f ", cmd, x(ts), y(top))
		}
		for i := len(timestamps) - 1; i >= 0; i-- {
			fmt.Fprintf(&path, "L%.1f %.1f ", x(timestamps[i]), y(base[i]))
		}
		path.WriteString("Z")

		fill := graphPalette[si]
		if opts.Gradient {
			fill = fmt.Sprintf("url(#g%d)", si)
		}
		fmt.Fprintf(&sb, `<path d="%s" fill="%s" stroke="none"/>`, path.String(), fill)

		for i := range timestamps {
			base[i] += usage[i][si]
		}
	}

	// Legend below the plot area.
	for si := range lists {
		label := fmt.Sprintf("series %d", si+1)
		if si < len(opts.Labels) && opts.Labels[si] != "" {
			label = opts.Labels[si]
		}
		ly := opts.Height + 15 + 20*si
		fmt.Fprintf(&sb, `<rect x="4" y="%d" width="12" height="12" fill="%s"/>`, ly-10, graphPalette[si])
		fmt.Fprintf(&sb, `<text x="20" y="%d">%s</text>`, ly, escapeXML(label))
	}

	sb.WriteString(`</svg>`)
	if _, err := io.WriteString(w, sb.String()); err != nil {
		return fmt.Errorf("export: write graph svg: %w", err)
	}
	return nil
}

func rowSum(row []uint64) uint64 {
	var s uint64
	for _, v := range row {
		s += v
	}
	return s
}
