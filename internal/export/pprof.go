package export

import (
	"fmt"
	"io"

	"github.com/google/pprof/profile"

	"github.com/memtrail/memtrail/internal/model"
	"github.com/memtrail/memtrail/internal/query"
)

// Pprof rewrites the list's allocations as a gzipped pprof profile with
// alloc_objects/alloc_space and inuse_objects/inuse_space sample types, so
// the capture plugs into the standard pprof toolchain.
func Pprof(list *query.AllocationList, w io.Writer) error {
	ids, err := list.Materialize()
	if err != nil {
		return err
	}
	d := list.Data()

	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "alloc_objects", Unit: "count"},
			{Type: "alloc_space", Unit: "bytes"},
			{Type: "inuse_objects", Unit: "count"},
			{Type: "inuse_space", Unit: "bytes"},
		},
		DefaultSampleType: "inuse_space",
	}

	functions := make(map[model.FrameID]*profile.Function)
	locations := make(map[model.FrameID]*profile.Location)

	locationFor := func(id model.FrameID) *profile.Location {
		if loc, ok := locations[id]; ok {
			return loc
		}
		f := d.Frame(id)
		fn, ok := functions[id]
		if !ok {
			fn = &profile.Function{
				ID:         uint64(len(p.Function) + 1),
				Name:       frameLabel(d, f),
				SystemName: d.String(f.RawFunction),
				Filename:   d.String(f.Source),
			}
			p.Function = append(p.Function, fn)
			functions[id] = fn
		}
		loc := &profile.Location{
			ID:      uint64(len(p.Location) + 1),
			Address: f.CodeAddress,
			Line: []profile.Line{{
				Function: fn,
				Line:     int64(f.Line),
			}},
		}
		p.Location = append(p.Location, loc)
		locations[id] = loc
		return loc
	}

	type sampleKey struct {
		backtrace model.BacktraceID
		leaked    bool
	}
	samples := make(map[sampleKey]*profile.Sample)

	for _, id := range ids {
		a := d.Allocation(id)
		key := sampleKey{backtrace: a.Backtrace, leaked: a.IsLeaked()}
		s, ok := samples[key]
		if !ok {
			frames := d.BacktraceFrames(a.Backtrace)
			locs := make([]*profile.Location, 0, len(frames))
			for _, frameID := range frames {
				locs = append(locs, locationFor(frameID))
			}
			s = &profile.Sample{Location: locs, Value: make([]int64, 4)}
			samples[key] = s
			p.Sample = append(p.Sample, s)
		}
		s.Value[0]++
		s.Value[1] += int64(a.Size)
		if a.IsLeaked() {
			s.Value[2]++
			s.Value[3] += int64(a.Size)
		}
	}

	if err := p.CheckValid(); err != nil {
		return fmt.Errorf("export: built invalid pprof profile: %w", err)
	}
	if err := p.Write(w); err != nil {
		return fmt.Errorf("export: write pprof profile: %w", err)
	}
	return nil
}
