package model

import (
	"sort"
	"sync"

	"github.com/memtrail/memtrail/internal/container"
	"github.com/memtrail/memtrail/internal/event"
)

// BacktraceSlice addresses one backtrace's frames inside the shared
// frame-id arena, leaf-first.
type BacktraceSlice struct {
	Offset uint32
	Length uint32
}

// Raw is the loader's hand-off into NewData: every table built during the
// streaming parse, before the derived state (chains, indices, peaks) has
// been computed. The loader transfers ownership — it must not touch the
// slices again.
type Raw struct {
	ID               event.DataID
	InitialTimestamp event.Timestamp
	LastTimestamp    event.Timestamp
	Executable       string
	Cmdline          string
	Architecture     string
	PointerSize      uint8

	Allocations    []Allocation
	Frames         []Frame
	BacktraceArena []FrameID
	Backtraces     []BacktraceSlice
	Interner       *StringInterner
	Operations     []Operation
	GroupStats     []GroupStatistics
	MmapOperations []MmapOperation
	Mallopts       []Mallopt
}

// Data is the immutable analytical model of one capture.
type Data struct {
	id               event.DataID
	initialTimestamp event.Timestamp
	lastTimestamp    event.Timestamp
	executable       string
	cmdline          string
	architecture     string
	pointerSize      uint8

	allocations    []Allocation
	frames         []Frame
	backtraceArena []FrameID
	backtraces     []BacktraceSlice
	interner       *StringInterner

	byTimestamp []AllocationID
	byAddress   []AllocationID
	bySize      []AllocationID

	operations             []Operation
	allocationsByBacktrace container.DenseVecVec[AllocationID]
	groupStats             []GroupStatistics
	mmapOperations         []MmapOperation
	mallopts               []Mallopt
	chains                 map[AllocationID]AllocationChain

	totalAllocatedCount uint64
	totalAllocatedSize  uint64
	totalFreedCount     uint64
	totalFreedSize      uint64
}

// NewData finalizes raw into an immutable Data: realloc chains are
// reconstructed, the three sorted indices and the operations vector are
// sorted, per-group peak usage is computed, frame counts are accumulated,
// and the per-backtrace allocation lists are packed.
func NewData(raw Raw) *Data {
	d := &Data{
		id:               raw.ID,
		initialTimestamp: raw.InitialTimestamp,
		lastTimestamp:    raw.LastTimestamp,
		executable:       raw.Executable,
		cmdline:          raw.Cmdline,
		architecture:     raw.Architecture,
		pointerSize:      raw.PointerSize,
		allocations:      raw.Allocations,
		frames:           raw.Frames,
		backtraceArena:   raw.BacktraceArena,
		backtraces:       raw.Backtraces,
		interner:         raw.Interner,
		operations:       raw.Operations,
		groupStats:       raw.GroupStats,
		mmapOperations:   raw.MmapOperations,
		mallopts:         raw.Mallopts,
	}
	if d.interner == nil {
		d.interner = NewStringInterner()
	}

	d.reconstructChains()
	d.sortIndices()
	d.computePeaks()
	d.accumulateFrameCounts()
	d.packGroups()
	d.accumulateTotals()
	return d
}

// reconstructChains walks every chain head forward, stamping
// FirstAllocationInChain and PositionInChain on each node and recording the
// chain summary.
func (d *Data) reconstructChains() {
	d.chains = make(map[AllocationID]AllocationChain)
	for i := range d.allocations {
		head := &d.allocations[i]
		if head.ReallocatedFrom.IsValid() {
			continue
		}
		headID := AllocationID(i)
		length := uint32(0)
		id := headID
		last := headID
		for id.IsValid() {
			a := &d.allocations[id]
			a.FirstAllocationInChain = headID
			a.PositionInChain = length
			length++
			last = id
			id = a.Reallocation
		}
		d.chains[headID] = AllocationChain{First: headID, Last: last, Length: length}
	}
}

// sortIndices builds the three sorted allocation indices concurrently and
// orders the operations vector by (timestamp, allocation id).
func (d *Data) sortIndices() {
	n := len(d.allocations)
	d.byTimestamp = make([]AllocationID, n)
	d.byAddress = make([]AllocationID, n)
	d.bySize = make([]AllocationID, n)
	for i := 0; i < n; i++ {
		id := AllocationID(i)
		d.byTimestamp[i] = id
		d.byAddress[i] = id
		d.bySize[i] = id
	}

	var wg sync.WaitGroup
	wg.Add(4)
	go func() {
		defer wg.Done()
		sort.SliceStable(d.byTimestamp, func(i, j int) bool {
			a, b := d.byTimestamp[i], d.byTimestamp[j]
			if d.allocations[a].Timestamp != d.allocations[b].Timestamp {
				return d.allocations[a].Timestamp < d.allocations[b].Timestamp
			}
			return a < b
		})
	}()
	go func() {
		defer wg.Done()
		sort.SliceStable(d.byAddress, func(i, j int) bool {
			return d.allocations[d.byAddress[i]].Pointer < d.allocations[d.byAddress[j]].Pointer
		})
	}()
	go func() {
		defer wg.Done()
		sort.SliceStable(d.bySize, func(i, j int) bool {
			return d.allocations[d.bySize[i]].Size < d.allocations[d.bySize[j]].Size
		})
	}()
	go func() {
		defer wg.Done()
		sort.SliceStable(d.operations, func(i, j int) bool {
			if d.operations[i].Timestamp != d.operations[j].Timestamp {
				return d.operations[i].Timestamp < d.operations[j].Timestamp
			}
			return d.operations[i].Allocation < d.operations[j].Allocation
		})
	}()
	wg.Wait()
}

// computePeaks streams the sorted operations with a running per-backtrace
// live total, recording each group's maximum and the timestamp at which it
// was first reached.
func (d *Data) computePeaks() {
	current := make([]uint64, len(d.groupStats))
	for _, op := range d.operations {
		a := &d.allocations[op.Allocation]
		bt := int(a.Backtrace)
		if bt >= len(current) {
			continue
		}
		switch op.Kind {
		case OpAlloc, OpRealloc:
			if op.Kind == OpRealloc && a.ReallocatedFrom.IsValid() {
				// The predecessor's live usage ends here.
				old := &d.allocations[a.ReallocatedFrom]
				oldBt := int(old.Backtrace)
				if oldBt < len(current) {
					size := old.UsableSize()
					if current[oldBt] >= size {
						current[oldBt] -= size
					} else {
						current[oldBt] = 0
					}
				}
			}
			current[bt] += a.UsableSize()
			if current[bt] > d.groupStats[bt].PeakUsage {
				d.groupStats[bt].PeakUsage = current[bt]
				d.groupStats[bt].PeakUsageTime = op.Timestamp
			}
		case OpFree:
			size := a.UsableSize()
			if current[bt] >= size {
				current[bt] -= size
			} else {
				current[bt] = 0
			}
		}
	}
}

// accumulateFrameCounts adds each group's alloc count to every frame of its
// backtrace.
func (d *Data) accumulateFrameCounts() {
	for bt := range d.groupStats {
		count := d.groupStats[bt].AllocCount
		if count == 0 || bt >= len(d.backtraces) {
			continue
		}
		for _, frameID := range d.BacktraceFrames(BacktraceID(bt)) {
			d.frames[frameID].Count += count
		}
	}
}

// packGroups builds the dense per-backtrace allocation id lists, ordered by
// (timestamp, id) via the timestamp index.
func (d *Data) packGroups() {
	for _, id := range d.byTimestamp {
		d.allocationsByBacktrace.Push(int(d.allocations[id].Backtrace), id)
	}
	d.allocationsByBacktrace.Finish()
}

func (d *Data) accumulateTotals() {
	for i := range d.allocations {
		a := &d.allocations[i]
		d.totalAllocatedCount++
		d.totalAllocatedSize += a.Size
		if a.Deallocation != nil {
			d.totalFreedCount++
			d.totalFreedSize += a.Size
		}
	}
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

// ID returns the run id from the capture header.
func (d *Data) ID() event.DataID { return d.id }

// InitialTimestamp returns the capture's first timestamp.
func (d *Data) InitialTimestamp() event.Timestamp { return d.initialTimestamp }

// LastTimestamp returns the capture's last observed timestamp.
func (d *Data) LastTimestamp() event.Timestamp { return d.lastTimestamp }

// Executable returns the traced executable path.
func (d *Data) Executable() string { return d.executable }

// Cmdline returns the traced process's command line.
func (d *Data) Cmdline() string { return d.cmdline }

// Architecture returns the traced process's architecture string.
func (d *Data) Architecture() string { return d.architecture }

// PointerSize returns the traced process's pointer width in bytes.
func (d *Data) PointerSize() uint8 { return d.pointerSize }

// AllocationCount returns the number of loaded allocations.
func (d *Data) AllocationCount() int { return len(d.allocations) }

// Allocation returns the allocation with the given id.
func (d *Data) Allocation(id AllocationID) *Allocation { return &d.allocations[id] }

// EachAllocation calls fn for every allocation in id order until fn
// returns false.
func (d *Data) EachAllocation(fn func(AllocationID, *Allocation) bool) {
	for i := range d.allocations {
		if !fn(AllocationID(i), &d.allocations[i]) {
			return
		}
	}
}

// FrameCount returns the number of deduplicated frames.
func (d *Data) FrameCount() int { return len(d.frames) }

// Frame returns the frame with the given id.
func (d *Data) Frame(id FrameID) *Frame { return &d.frames[id] }

// BacktraceCount returns the number of deduplicated backtraces.
func (d *Data) BacktraceCount() int { return len(d.backtraces) }

// BacktraceFrames returns the frame ids of a backtrace, leaf-first. The
// returned slice aliases the shared arena and must not be modified.
func (d *Data) BacktraceFrames(id BacktraceID) []FrameID {
	if !id.IsValid() || int(id) >= len(d.backtraces) {
		return nil
	}
	s := d.backtraces[id]
	return d.backtraceArena[s.Offset : s.Offset+s.Length : s.Offset+s.Length]
}

// EachBacktraceFrame calls fn for each frame of the backtrace, leaf-first,
// until fn returns false.
func (d *Data) EachBacktraceFrame(id BacktraceID, fn func(FrameID, *Frame) bool) {
	for _, frameID := range d.BacktraceFrames(id) {
		if !fn(frameID, &d.frames[frameID]) {
			return
		}
	}
}

// GroupStatistics returns the statistics for the given backtrace group.
func (d *Data) GroupStatistics(id BacktraceID) *GroupStatistics {
	return &d.groupStats[id]
}

// Operations returns the time-ordered operations vector.
func (d *Data) Operations() []Operation { return d.operations }

// AllocationsByBacktrace returns the allocation ids of one group, ordered
// by (timestamp, id).
func (d *Data) AllocationsByBacktrace(id BacktraceID) []AllocationID {
	return d.allocationsByBacktrace.Get(int(id))
}

// MmapOperations returns the recorded mmap and munmap calls in timestamp
// order.
func (d *Data) MmapOperations() []MmapOperation { return d.mmapOperations }

// Mallopts returns the recorded mallopt calls in timestamp order.
func (d *Data) Mallopts() []Mallopt { return d.mallopts }

// Chains returns the realloc chain summaries keyed by chain head.
func (d *Data) Chains() map[AllocationID]AllocationChain { return d.chains }

// Chain returns the chain summary containing the given allocation.
func (d *Data) Chain(id AllocationID) AllocationChain {
	head := d.allocations[id].FirstAllocationInChain
	return d.chains[head]
}

// String resolves an interned string id.
func (d *Data) String(id StringID) string { return d.interner.Get(id) }

// Interner exposes the string table (read-only use).
func (d *Data) Interner() *StringInterner { return d.interner }

// TotalAllocatedCount returns the number of allocations in the capture.
func (d *Data) TotalAllocatedCount() uint64 { return d.totalAllocatedCount }

// TotalAllocatedSize returns the sum of requested sizes.
func (d *Data) TotalAllocatedSize() uint64 { return d.totalAllocatedSize }

// TotalFreedCount returns the number of deallocated allocations.
func (d *Data) TotalFreedCount() uint64 { return d.totalFreedCount }

// TotalFreedSize returns the sum of deallocated requested sizes.
func (d *Data) TotalFreedSize() uint64 { return d.totalFreedSize }

// LeakedCount returns the number of allocations alive at the end of the
// capture.
func (d *Data) LeakedCount() uint64 { return d.totalAllocatedCount - d.totalFreedCount }

// ---------------------------------------------------------------------------
// Sorted range queries
// ---------------------------------------------------------------------------

// AllocationsSortedByTimestamp returns the ids of allocations whose
// timestamp lies in the half-open range [min, max), in timestamp order.
// The returned slice aliases the index and must not be modified.
func (d *Data) AllocationsSortedByTimestamp(min, max event.Timestamp) []AllocationID {
	lo := sort.Search(len(d.byTimestamp), func(i int) bool {
		return d.allocations[d.byTimestamp[i]].Timestamp >= min
	})
	hi := sort.Search(len(d.byTimestamp), func(i int) bool {
		return d.allocations[d.byTimestamp[i]].Timestamp >= max
	})
	return d.byTimestamp[lo:hi]
}

// AllocationsSortedByAddress returns the ids of allocations whose pointer
// lies in [min, max), in address order.
func (d *Data) AllocationsSortedByAddress(min, max uint64) []AllocationID {
	lo := sort.Search(len(d.byAddress), func(i int) bool {
		return d.allocations[d.byAddress[i]].Pointer >= min
	})
	hi := sort.Search(len(d.byAddress), func(i int) bool {
		return d.allocations[d.byAddress[i]].Pointer >= max
	})
	return d.byAddress[lo:hi]
}

// AllocationsSortedBySize returns the ids of allocations whose size lies in
// [min, max), in size order.
func (d *Data) AllocationsSortedBySize(min, max uint64) []AllocationID {
	lo := sort.Search(len(d.bySize), func(i int) bool {
		return d.allocations[d.bySize[i]].Size >= min
	})
	hi := sort.Search(len(d.bySize), func(i int) bool {
		return d.allocations[d.bySize[i]].Size >= max
	})
	return d.bySize[lo:hi]
}

// SortedByTimestampIndex exposes the full timestamp-sorted index.
func (d *Data) SortedByTimestampIndex() []AllocationID { return d.byTimestamp }
