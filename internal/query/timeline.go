package query

import (
	"sort"

	"github.com/memtrail/memtrail/internal/event"
	"github.com/memtrail/memtrail/internal/model"
)

// TimelinePoint is one sample of a memory usage series.
type TimelinePoint struct {
	Timestamp event.Timestamp

	// MemoryUsage is the cumulative live requested size after this point's
	// operations.
	MemoryUsage uint64

	// LiveCount is the number of live allocations.
	LiveCount uint64

	// Allocations and Deallocations count the operations that landed
	// exactly at this timestamp.
	Allocations   uint64
	Deallocations uint64

	// Fragmentation accumulates the allocator slack (extra usable space)
	// of the live allocations.
	Fragmentation uint64
}

// Timeline is a time-ordered usage series.
type Timeline struct {
	Points []TimelinePoint
}

// BuildTimeline walks the capture's operations restricted to the list's
// allocations and produces the cumulative usage series: allocs add their
// size, frees subtract it, reallocs do both. Operations sharing a
// timestamp collapse into a single point.
func (l *AllocationList) BuildTimeline() (*Timeline, error) {
	ids, err := l.Materialize()
	if err != nil {
		return nil, err
	}
	member := make(map[model.AllocationID]struct{}, len(ids))
	for _, id := range ids {
		member[id] = struct{}{}
	}

	d := l.data
	tl := &Timeline{}
	var (
		usage         uint64
		live          uint64
		fragmentation uint64
	)

	appendPoint := func(ts event.Timestamp) *TimelinePoint {
		if n := len(tl.Points); n > 0 && tl.Points[n-1].Timestamp == ts {
			return &tl.Points[n-1]
		}
		tl.Points = append(tl.Points, TimelinePoint{Timestamp: ts})
		return &tl.Points[len(tl.Points)-1]
	}

	for _, op := range d.Operations() {
		a := d.Allocation(op.Allocation)
		switch op.Kind {
		case model.OpAlloc:
			if _, ok := member[op.Allocation]; !ok {
				continue
			}
			usage += a.Size
			live++
			fragmentation += uint64(a.ExtraUsableSpace)
			p := appendPoint(op.Timestamp)
			p.Allocations++
			p.MemoryUsage = usage
			p.LiveCount = live
			p.Fragmentation = fragmentation
		case model.OpRealloc:
			newIn := contains(member, op.Allocation)
			oldID := a.ReallocatedFrom
			oldIn := oldID.IsValid() && contains(member, oldID)
			if !newIn && !oldIn {
				continue
			}
			if oldIn {
				old := d.Allocation(oldID)
				usage -= old.Size
				live--
				fragmentation -= uint64(old.ExtraUsableSpace)
			}
			p := appendPoint(op.Timestamp)
			if oldIn {
				p.Deallocations++
			}
			if newIn {
				usage += a.Size
				live++
				fragmentation += uint64(a.ExtraUsableSpace)
				p.Allocations++
			}
			p.MemoryUsage = usage
			p.LiveCount = live
			p.Fragmentation = fragmentation
		case model.OpFree:
			if _, ok := member[op.Allocation]; !ok {
				continue
			}
			usage -= a.Size
			live--
			fragmentation -= uint64(a.ExtraUsableSpace)
			p := appendPoint(op.Timestamp)
			p.Deallocations++
			p.MemoryUsage = usage
			p.LiveCount = live
			p.Fragmentation = fragmentation
		}
	}
	return tl, nil
}

func contains(m map[model.AllocationID]struct{}, id model.AllocationID) bool {
	_, ok := m[id]
	return ok
}

// MergeTimelines merges several series onto the union of their timestamps,
// forward-filling each series' last value at timestamps where it has no
// point of its own. The result is indexed [timestamp][series].
type MergedTimeline struct {
	Timestamps []event.Timestamp
	// Usage[i][s] is series s's memory usage at Timestamps[i].
	Usage [][]uint64
}

// MergeTimelines builds a MergedTimeline from the given series.
func MergeTimelines(series ...*Timeline) *MergedTimeline {
	merged := &MergedTimeline{}

	// Union of all timestamps, ascending.
	seen := make(map[event.Timestamp]struct{})
	for _, s := range series {
		for _, p := range s.Points {
			seen[p.Timestamp] = struct{}{}
		}
	}
	for ts := range seen {
		merged.Timestamps = append(merged.Timestamps, ts)
	}
	sort.Slice(merged.Timestamps, func(i, j int) bool {
		return merged.Timestamps[i] < merged.Timestamps[j]
	})

	cursors := make([]int, len(series))
	last := make([]uint64, len(series))
	for _, ts := range merged.Timestamps {
		row := make([]uint64, len(series))
		for si, s := range series {
			for cursors[si] < len(s.Points) && s.Points[cursors[si]].Timestamp <= ts {
				last[si] = s.Points[cursors[si]].MemoryUsage
				cursors[si]++
			}
			row[si] = last[si]
		}
		merged.Usage = append(merged.Usage, row)
	}
	return merged
}
