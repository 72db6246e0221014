// Package model holds the immutable analytical form of a capture: dense
// vectors of allocations, frames, and backtraces cross-referenced by typed
// ids, sorted indices, per-backtrace group statistics, and realloc chains.
// A Data is produced exactly once by the loader and is read-many
// afterwards; nothing here mutates after construction.
package model

import (
	"github.com/memtrail/memtrail/internal/event"
)

// AllocationID is a dense index into the allocations vector, assigned in
// event order by the loader.
type AllocationID uint32

// InvalidAllocationID marks an absent allocation reference.
const InvalidAllocationID = ^AllocationID(0)

// IsValid reports whether the id refers to an allocation.
func (id AllocationID) IsValid() bool { return id != InvalidAllocationID }

// BacktraceID is a dense index identifying a unique frame sequence.
type BacktraceID uint32

// InvalidBacktraceID marks an absent backtrace reference.
const InvalidBacktraceID = ^BacktraceID(0)

// IsValid reports whether the id refers to a backtrace.
func (id BacktraceID) IsValid() bool { return id != InvalidBacktraceID }

// FrameID is a dense index into the frames vector.
type FrameID uint32

// StringID is a dense index into the string interner.
type StringID uint32

// InvalidStringID marks an absent string; Frame fields use it for unknown
// attributes.
const InvalidStringID = ^StringID(0)

// IsValid reports whether the id refers to an interned string.
func (id StringID) IsValid() bool { return id != InvalidStringID }

// Frame is the symbolic resolution of one code address. Frames with
// identical attributes are hash-consed to a single FrameID.
type Frame struct {
	CodeAddress uint64
	Library     StringID
	Function    StringID
	RawFunction StringID
	Source      StringID
	Line        uint32
	Column      uint32
	IsInline    bool

	// Count accumulates the alloc counts of every group whose backtrace
	// contains this frame; heavy frames sort higher in frame listings.
	Count uint64
}

// Deallocation records when and where an allocation was freed.
type Deallocation struct {
	Timestamp event.Timestamp
	Thread    uint32
	Backtrace BacktraceID
}

// Allocation is one allocation's full life.
type Allocation struct {
	Pointer          uint64
	Timestamp        event.Timestamp
	Size             uint64
	ExtraUsableSpace uint32
	Thread           uint32
	Backtrace        BacktraceID
	Flags            uint32
	Marker           uint32

	Deallocation *Deallocation

	// Reallocation chain links; see AllocationChain.
	Reallocation           AllocationID
	ReallocatedFrom        AllocationID
	FirstAllocationInChain AllocationID
	PositionInChain        uint32
}

// IsLeaked reports whether the allocation was never deallocated.
func (a *Allocation) IsLeaked() bool { return a.Deallocation == nil }

// UsableSize returns the requested size plus allocator slack.
func (a *Allocation) UsableSize() uint64 { return a.Size + uint64(a.ExtraUsableSpace) }

// IsMmaped reports the mmap flag recorded at the hook site.
func (a *Allocation) IsMmaped() bool { return a.Flags&event.FlagMmaped != 0 }

// InMainArena reports whether the allocation came from the allocator's
// main arena.
func (a *Allocation) InMainArena() bool { return a.Flags&event.FlagInNonMainArena == 0 }

// IsSharedPtr reports the shared-pointer origin heuristic flag.
func (a *Allocation) IsSharedPtr() bool { return a.Flags&event.FlagSharedPtr != 0 }

// AllocationChain summarises one realloc chain.
type AllocationChain struct {
	First  AllocationID
	Last   AllocationID
	Length uint32
}

// GroupStatistics aggregates the allocations sharing one BacktraceID. It is
// derived during load and finalize and never mutated afterwards.
type GroupStatistics struct {
	MinSize         uint64
	MaxSize         uint64
	FirstAllocation event.Timestamp
	LastAllocation  event.Timestamp
	AllocCount      uint64
	AllocSize       uint64
	FreeCount       uint64
	FreeSize        uint64

	// PeakUsage is the highest live usable size this group reached;
	// PeakUsageTime is when it was first reached.
	PeakUsage     uint64
	PeakUsageTime event.Timestamp
}

// Merge folds other into s (used for pre-aggregated GroupStatistics events
// from the culling pipeline).
func (s *GroupStatistics) Merge(other GroupStatistics) {
	if s.AllocCount == 0 && s.FreeCount == 0 {
		s.MinSize = other.MinSize
		s.FirstAllocation = other.FirstAllocation
	} else {
		if other.MinSize < s.MinSize {
			s.MinSize = other.MinSize
		}
		if other.FirstAllocation < s.FirstAllocation {
			s.FirstAllocation = other.FirstAllocation
		}
	}
	if other.MaxSize > s.MaxSize {
		s.MaxSize = other.MaxSize
	}
	if other.LastAllocation > s.LastAllocation {
		s.LastAllocation = other.LastAllocation
	}
	s.AllocCount += other.AllocCount
	s.AllocSize += other.AllocSize
	s.FreeCount += other.FreeCount
	s.FreeSize += other.FreeSize
}

// MmapOperationKind tags MmapOperation.
type MmapOperationKind uint8

const (
	MmapOpMmap MmapOperationKind = iota + 1
	MmapOpMunmap
)

// MmapOperation is one recorded mmap or munmap call.
type MmapOperation struct {
	Kind             MmapOperationKind
	Pointer          uint64
	Length           uint64
	RequestedAddress uint64
	Protection       uint32
	Flags            uint32
	FD               int32
	Offset           uint64
	Thread           uint32
	Backtrace        BacktraceID
	Timestamp        event.Timestamp
}

// Mallopt is one recorded mallopt call.
type Mallopt struct {
	Param     int32
	Value     int32
	Result    int32
	Thread    uint32
	Backtrace BacktraceID
	Timestamp event.Timestamp
}

// OperationKind tags the entries of the time-ordered operations vector.
type OperationKind uint8

const (
	OpAlloc OperationKind = iota + 1
	OpRealloc
	OpFree
)

// Operation is one entry of the operations vector: a tagged allocation id
// ordered by timestamp.
type Operation struct {
	Timestamp  event.Timestamp
	Kind       OperationKind
	Allocation AllocationID
}
