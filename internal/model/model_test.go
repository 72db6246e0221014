package model_test

import (
	"testing"

	"github.com/memtrail/memtrail/internal/model"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// twoGroupData builds a model with two backtraces sharing an outer frame:
//
//	bt0: [leaf0, shared]   allocations of 10 and 20
//	bt1: [leaf1, shared]   allocation of 40
func twoGroupData(t *testing.T) *model.Data {
	t.Helper()
	frames := []model.Frame{
		{CodeAddress: 0x10}, // leaf0
		{CodeAddress: 0x20}, // shared outer
		{CodeAddress: 0x30}, // leaf1
	}
	arena := []model.FrameID{0, 1, 2, 1}
	backtraces := []model.BacktraceSlice{
		{Offset: 0, Length: 2},
		{Offset: 2, Length: 2},
	}
	allocations := []model.Allocation{
		{Pointer: 0x1000, Timestamp: 1, Size: 10, Backtrace: 0,
			Reallocation: model.InvalidAllocationID, ReallocatedFrom: model.InvalidAllocationID,
			FirstAllocationInChain: model.InvalidAllocationID},
		{Pointer: 0x2000, Timestamp: 2, Size: 20, Backtrace: 0,
			Reallocation: model.InvalidAllocationID, ReallocatedFrom: model.InvalidAllocationID,
			FirstAllocationInChain: model.InvalidAllocationID},
		{Pointer: 0x3000, Timestamp: 3, Size: 40, Backtrace: 1,
			Reallocation: model.InvalidAllocationID, ReallocatedFrom: model.InvalidAllocationID,
			FirstAllocationInChain: model.InvalidAllocationID},
	}
	operations := []model.Operation{
		{Timestamp: 1, Kind: model.OpAlloc, Allocation: 0},
		{Timestamp: 2, Kind: model.OpAlloc, Allocation: 1},
		{Timestamp: 3, Kind: model.OpAlloc, Allocation: 2},
	}
	stats := make([]model.GroupStatistics, 2)
	stats[0] = model.GroupStatistics{MinSize: 10, MaxSize: 20, FirstAllocation: 1, LastAllocation: 2, AllocCount: 2, AllocSize: 30}
	stats[1] = model.GroupStatistics{MinSize: 40, MaxSize: 40, FirstAllocation: 3, LastAllocation: 3, AllocCount: 1, AllocSize: 40}

	return model.NewData(model.Raw{
		LastTimestamp:  10,
		Allocations:    allocations,
		Frames:         frames,
		BacktraceArena: arena,
		Backtraces:     backtraces,
		Interner:       model.NewStringInterner(),
		Operations:     operations,
		GroupStats:     stats,
	})
}

// ---------------------------------------------------------------------------
// Derived state
// ---------------------------------------------------------------------------

func TestNewData_FrameCountsAccumulate(t *testing.T) {
	data := twoGroupData(t)
	// The shared outer frame appears in both groups: 2 + 1 allocations.
	if got := data.Frame(1).Count; got != 3 {
		t.Errorf("shared frame count = %d, want 3", got)
	}
	if got := data.Frame(0).Count; got != 2 {
		t.Errorf("leaf0 count = %d, want 2", got)
	}
	if got := data.Frame(2).Count; got != 1 {
		t.Errorf("leaf1 count = %d, want 1", got)
	}
}

func TestNewData_PeakUsage(t *testing.T) {
	data := twoGroupData(t)
	st := data.GroupStatistics(0)
	if st.PeakUsage != 30 {
		t.Errorf("group 0 peak = %d, want 30", st.PeakUsage)
	}
	if st.PeakUsageTime != 2 {
		t.Errorf("group 0 peak time = %d, want 2", st.PeakUsageTime)
	}
}

func TestNewData_AllocationsByBacktrace(t *testing.T) {
	data := twoGroupData(t)
	g0 := data.AllocationsByBacktrace(0)
	if len(g0) != 2 || g0[0] != 0 || g0[1] != 1 {
		t.Errorf("group 0 ids = %v, want [0 1]", g0)
	}
	g1 := data.AllocationsByBacktrace(1)
	if len(g1) != 1 || g1[0] != 2 {
		t.Errorf("group 1 ids = %v, want [2]", g1)
	}
}

func TestSortedRangeQueries(t *testing.T) {
	data := twoGroupData(t)

	bySize := data.AllocationsSortedBySize(15, 41)
	if len(bySize) != 2 {
		t.Fatalf("size range [15, 41) = %d allocations, want 2", len(bySize))
	}
	if data.Allocation(bySize[0]).Size != 20 || data.Allocation(bySize[1]).Size != 40 {
		t.Errorf("size range = %d, %d", data.Allocation(bySize[0]).Size, data.Allocation(bySize[1]).Size)
	}

	byTime := data.AllocationsSortedByTimestamp(2, 100)
	if len(byTime) != 2 {
		t.Errorf("time range [2, 100) = %d allocations, want 2", len(byTime))
	}

	byAddr := data.AllocationsSortedByAddress(0x2000, 0x3001)
	if len(byAddr) != 2 {
		t.Errorf("address range = %d allocations, want 2", len(byAddr))
	}
}

// ---------------------------------------------------------------------------
// Aggregation trie
// ---------------------------------------------------------------------------

func TestTreeBySource_SharesPrefixes(t *testing.T) {
	data := twoGroupData(t)
	tree := data.TreeBySource(nil)

	root := tree.Root
	if root.TotalCount != 3 || root.TotalSize != 70 {
		t.Fatalf("root = count %d size %d, want 3 and 70", root.TotalCount, root.TotalSize)
	}
	// The outermost frame (id 1) is shared by both groups.
	shared := root.Children[1]
	if shared == nil {
		t.Fatal("shared outer frame missing from trie")
	}
	if shared.TotalCount != 3 || shared.TotalSize != 70 {
		t.Errorf("shared node = count %d size %d, want 3 and 70", shared.TotalCount, shared.TotalSize)
	}
	if len(shared.Children) != 2 {
		t.Errorf("shared node has %d children, want 2", len(shared.Children))
	}
	if shared.FirstTimestamp != 1 || shared.LastTimestamp != 3 {
		t.Errorf("shared node time range = [%d, %d], want [1, 3]", shared.FirstTimestamp, shared.LastTimestamp)
	}
}

func TestTreeBySource_PredicateRestricts(t *testing.T) {
	data := twoGroupData(t)
	tree := data.TreeBySource(func(_ model.AllocationID, a *model.Allocation) bool {
		return a.Size >= 20
	})
	if tree.Root.TotalCount != 2 || tree.Root.TotalSize != 60 {
		t.Errorf("filtered root = count %d size %d, want 2 and 60", tree.Root.TotalCount, tree.Root.TotalSize)
	}
}

func TestGroupStatistics_Merge(t *testing.T) {
	var st model.GroupStatistics
	st.Merge(model.GroupStatistics{MinSize: 8, MaxSize: 8, FirstAllocation: 5, LastAllocation: 9, AllocCount: 10, AllocSize: 80, FreeCount: 10, FreeSize: 80})
	st.Merge(model.GroupStatistics{MinSize: 4, MaxSize: 16, FirstAllocation: 1, LastAllocation: 20, AllocCount: 2, AllocSize: 20, FreeCount: 1, FreeSize: 16})

	if st.MinSize != 4 || st.MaxSize != 16 {
		t.Errorf("min/max = %d/%d, want 4/16", st.MinSize, st.MaxSize)
	}
	if st.FirstAllocation != 1 || st.LastAllocation != 20 {
		t.Errorf("first/last = %d/%d, want 1/20", st.FirstAllocation, st.LastAllocation)
	}
	if st.AllocCount != 12 || st.FreeCount != 11 {
		t.Errorf("counts = %d/%d, want 12/11", st.AllocCount, st.FreeCount)
	}
}
