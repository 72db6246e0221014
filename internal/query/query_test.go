package query_test

import (
	"testing"

	"github.com/memtrail/memtrail/internal/event"
	"github.com/memtrail/memtrail/internal/filter"
	"github.com/memtrail/memtrail/internal/model"
	"github.com/memtrail/memtrail/internal/query"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// timelineData builds the scenario: t=0 alloc 100, t=1 alloc 50,
// t=2 free of the 100, t=3 alloc 25.
func timelineData(t *testing.T) *model.Data {
	t.Helper()

	allocations := []model.Allocation{
		{Pointer: 0x100, Timestamp: 0, Size: 100, Backtrace: 0,
			Reallocation: model.InvalidAllocationID, ReallocatedFrom: model.InvalidAllocationID,
			FirstAllocationInChain: model.InvalidAllocationID,
			Deallocation:           &model.Deallocation{Timestamp: 2, Backtrace: model.InvalidBacktraceID}},
		{Pointer: 0x200, Timestamp: 1, Size: 50, Backtrace: 0,
			Reallocation: model.InvalidAllocationID, ReallocatedFrom: model.InvalidAllocationID,
			FirstAllocationInChain: model.InvalidAllocationID},
		{Pointer: 0x300, Timestamp: 3, Size: 25, Backtrace: 0,
			Reallocation: model.InvalidAllocationID, ReallocatedFrom: model.InvalidAllocationID,
			FirstAllocationInChain: model.InvalidAllocationID},
	}
	operations := []model.Operation{
		{Timestamp: 0, Kind: model.OpAlloc, Allocation: 0},
		{Timestamp: 1, Kind: model.OpAlloc, Allocation: 1},
		{Timestamp: 2, Kind: model.OpFree, Allocation: 0},
		{Timestamp: 3, Kind: model.OpAlloc, Allocation: 2},
	}
	return model.NewData(model.Raw{
		LastTimestamp:  3,
		Allocations:    allocations,
		Frames:         []model.Frame{{CodeAddress: 0xA}},
		BacktraceArena: []model.FrameID{0},
		Backtraces:     []model.BacktraceSlice{{Offset: 0, Length: 1}},
		Interner:       model.NewStringInterner(),
		Operations:     operations,
		GroupStats:     make([]model.GroupStatistics, 1),
	})
}

func u64(v uint64) *uint64 { return &v }

// ---------------------------------------------------------------------------
// Scenario: timeline
// ---------------------------------------------------------------------------

func TestTimeline_CumulativeSeries(t *testing.T) {
	data := timelineData(t)
	tl, err := query.NewAllocationList(data).BuildTimeline()
	if err != nil {
		t.Fatalf("BuildTimeline: %v", err)
	}

	want := []struct {
		ts    event.Timestamp
		usage uint64
	}{
		{0, 100},
		{1, 150},
		{2, 50},
		{3, 75},
	}
	if len(tl.Points) != len(want) {
		t.Fatalf("points = %d, want %d", len(tl.Points), len(want))
	}
	for i, w := range want {
		p := tl.Points[i]
		if p.Timestamp != w.ts || p.MemoryUsage != w.usage {
			t.Errorf("point %d = (%d, %d), want (%d, %d)",
				i, p.Timestamp, p.MemoryUsage, w.ts, w.usage)
		}
	}
}

func TestTimeline_CountsAndFragmentation(t *testing.T) {
	data := timelineData(t)
	tl, err := query.NewAllocationList(data).BuildTimeline()
	if err != nil {
		t.Fatalf("BuildTimeline: %v", err)
	}
	if tl.Points[0].Allocations != 1 || tl.Points[0].LiveCount != 1 {
		t.Errorf("point 0 counts = %+v", tl.Points[0])
	}
	if tl.Points[2].Deallocations != 1 || tl.Points[2].LiveCount != 1 {
		t.Errorf("point 2 counts = %+v", tl.Points[2])
	}
}

// ---------------------------------------------------------------------------
// Set operation laws
// ---------------------------------------------------------------------------

// (A \ B) ∪ (A ∩ B) == A when A and B share an underlying index.
func TestSetOps_DifferenceUnionIntersection(t *testing.T) {
	data := timelineData(t)
	a := query.NewAllocationList(data).WithFilter(
		filter.Basic(filter.BasicFilter{OnlyLargerOrEqual: u64(50)}))
	b := query.NewAllocationList(data).WithFilter(
		filter.Basic(filter.BasicFilter{OnlySmallerOrEqual: u64(100)}))

	diff, err := a.Difference(b)
	if err != nil {
		t.Fatalf("Difference: %v", err)
	}
	inter, err := a.Intersection(b)
	if err != nil {
		t.Fatalf("Intersection: %v", err)
	}
	union, err := diff.Union(inter)
	if err != nil {
		t.Fatalf("Union: %v", err)
	}

	wantIDs, err := a.Materialize()
	if err != nil {
		t.Fatalf("Materialize(a): %v", err)
	}
	gotIDs, err := union.Materialize()
	if err != nil {
		t.Fatalf("Materialize(union): %v", err)
	}
	if len(gotIDs) != len(wantIDs) {
		t.Fatalf("|union| = %d, want %d", len(gotIDs), len(wantIDs))
	}
	got := make(map[model.AllocationID]bool)
	for _, id := range gotIDs {
		got[id] = true
	}
	for _, id := range wantIDs {
		if !got[id] {
			t.Errorf("allocation %d missing from (A\\B) ∪ (A∩B)", id)
		}
	}
}

func TestSetOps_RewriteAvoidsMaterialization(t *testing.T) {
	data := timelineData(t)
	a := query.NewAllocationList(data).WithFilter(
		filter.Basic(filter.BasicFilter{OnlyLeaked: true}))
	b := query.NewAllocationList(data)

	inter, err := a.Intersection(b)
	if err != nil {
		t.Fatalf("Intersection: %v", err)
	}
	// The rewritten list keeps a composite filter rather than ids.
	if inter.Filter() == nil {
		t.Error("same-index intersection should rewrite filters")
	}
	ids, err := inter.Materialize()
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if len(ids) != 2 {
		t.Errorf("leaked ∩ all = %d allocations, want 2", len(ids))
	}
}

// ---------------------------------------------------------------------------
// Grouping
// ---------------------------------------------------------------------------

func TestGroupByBacktrace(t *testing.T) {
	data := timelineData(t)
	groups, err := query.NewAllocationList(data).GroupByBacktrace()
	if err != nil {
		t.Fatalf("GroupByBacktrace: %v", err)
	}
	if len(groups.Groups) != 1 {
		t.Fatalf("groups = %d, want 1", len(groups.Groups))
	}
	g := groups.Groups[0]
	if len(g.IDs) != 3 {
		t.Errorf("group size = %d, want 3", len(g.IDs))
	}
	if g.TotalSize != 175 {
		t.Errorf("TotalSize = %d, want 175", g.TotalSize)
	}
	if g.LeakedCount != 2 {
		t.Errorf("LeakedCount = %d, want 2", g.LeakedCount)
	}
	if g.MinTimestamp != 0 || g.MaxTimestamp != 3 {
		t.Errorf("timestamps = [%d, %d], want [0, 3]", g.MinTimestamp, g.MaxTimestamp)
	}
}

// ---------------------------------------------------------------------------
// Timeline merge
// ---------------------------------------------------------------------------

func TestMergeTimelines_ForwardFill(t *testing.T) {
	s1 := &query.Timeline{Points: []query.TimelinePoint{
		{Timestamp: 0, MemoryUsage: 10},
		{Timestamp: 2, MemoryUsage: 30},
	}}
	s2 := &query.Timeline{Points: []query.TimelinePoint{
		{Timestamp: 1, MemoryUsage: 5},
	}}
	merged := query.MergeTimelines(s1, s2)

	wantTS := []event.Timestamp{0, 1, 2}
	if len(merged.Timestamps) != len(wantTS) {
		t.Fatalf("timestamps = %v, want %v", merged.Timestamps, wantTS)
	}
	wantUsage := [][]uint64{
		{10, 0},
		{10, 5},
		{30, 5},
	}
	for i := range wantTS {
		if merged.Timestamps[i] != wantTS[i] {
			t.Errorf("timestamp %d = %d, want %d", i, merged.Timestamps[i], wantTS[i])
		}
		for s := range wantUsage[i] {
			if merged.Usage[i][s] != wantUsage[i][s] {
				t.Errorf("usage[%d][%d] = %d, want %d", i, s, merged.Usage[i][s], wantUsage[i][s])
			}
		}
	}
}

// Filtering, wrapping the matched ids as a new list, then re-filtering
// yields the same ids in the same order.
func TestFilter_StableUnderResort(t *testing.T) {
	data := timelineData(t)
	f := filter.Basic(filter.BasicFilter{OnlyLargerOrEqual: u64(50)})
	list := query.NewAllocationList(data).WithFilter(f)
	first, err := list.Materialize()
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	resorted := query.FromIDs(data, first).WithFilter(f)
	second, err := resorted.Materialize()
	if err != nil {
		t.Fatalf("Materialize (resorted): %v", err)
	}
	if len(first) != len(second) {
		t.Fatalf("re-filter changed cardinality: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("id %d: %d vs %d", i, first[i], second[i])
		}
	}
}
