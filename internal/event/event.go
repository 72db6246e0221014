// Package event defines the capture-stream vocabulary shared by the runtime
// writer and the loader: the wire-level identifiers, the event structs, and
// the length-prefixed compressed codec. Event semantics follow the capture
// pipeline contract; the byte layout is private to this package and is only
// required to round-trip through Writer and Reader.
package event

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/zeebo/xxh3"
)

// Timestamp is microseconds since the profiled process started, shifted by
// the wall-clock skew recorded in WallClock events.
type Timestamp uint64

// TimestampMin is the sentinel meaning "no timestamp was captured at the
// hook site"; the processing goroutine substitutes its own coarse clock.
const TimestampMin Timestamp = 0

// DataID uniquely names one profiling run. It is derived from the pid, the
// hashed cmdline, the hashed executable path, and the wall clock.
type DataID struct {
	Hi uint64
	Lo uint64
}

// NewDataID derives a DataID from the identifying properties of a run.
func NewDataID(pid uint32, cmdline, executable []byte, wallClockSecs uint64) DataID {
	return DataID{
		Hi: xxh3.Hash(cmdline) ^ (uint64(pid) << 32),
		Lo: xxh3.Hash(executable) ^ wallClockSecs,
	}
}

// String renders the id in the fixed-width hex form used in file names and
// the catalog.
func (id DataID) String() string {
	return fmt.Sprintf("%016x%016x", id.Hi, id.Lo)
}

// IsZero reports whether the id is the zero value.
func (id DataID) IsZero() bool { return id.Hi == 0 && id.Lo == 0 }

// AllocationID is the wire-level correlation key assigned at the hook site
// from a per-thread monotonic counter. It pairs alloc, realloc, and free
// events across the stream before loader-side ids exist.
type AllocationID struct {
	Thread     uint32
	Allocation uint64
}

const (
	invalidAllocation   = math.MaxUint64
	untrackedAllocation = math.MaxUint64 - 1
)

// InvalidAllocationID is the sentinel for "no id was assigned".
var InvalidAllocationID = AllocationID{Thread: math.MaxUint32, Allocation: invalidAllocation}

// UntrackedAllocationID is the sentinel for a hook path that cannot
// correlate (the loader falls back to keying by pointer).
var UntrackedAllocationID = AllocationID{Thread: math.MaxUint32, Allocation: untrackedAllocation}

// IsValid reports whether the id is a real per-thread counter value.
func (id AllocationID) IsValid() bool {
	return id != InvalidAllocationID && id != UntrackedAllocationID
}

// IsUntracked reports whether the id is the untracked sentinel.
func (id AllocationID) IsUntracked() bool { return id == UntrackedAllocationID }

// Allocation flag bits recorded at the hook site.
const (
	FlagMmaped uint32 = 1 << iota
	FlagInNonMainArena
	FlagCalloc
	FlagJemalloc
	FlagSharedPtr
	FlagPrevInUse
)

// Kind discriminates the event structs on the wire.
type Kind uint8

const (
	KindHeader Kind = iota + 1
	KindFile
	KindWallClock
	KindEnviron
	KindMarker
	KindPartialBacktrace
	KindBacktrace
	KindAlloc
	KindAllocEx
	KindRealloc
	KindReallocEx
	KindFree
	KindFreeEx
	KindMmap
	KindMunmap
	KindMallopt
	KindGroupStatistics
	KindMemoryDump
	KindDecodedFrame
	KindDecodedBacktrace
	KindString
)

// String returns the lower-case kind name used in logs.
func (k Kind) String() string {
	switch k {
	case KindHeader:
		return "header"
	case KindFile:
		return "file"
	case KindWallClock:
		return "wall_clock"
	case KindEnviron:
		return "environ"
	case KindMarker:
		return "marker"
	case KindPartialBacktrace:
		return "partial_backtrace"
	case KindBacktrace:
		return "backtrace"
	case KindAlloc:
		return "alloc"
	case KindAllocEx:
		return "alloc_ex"
	case KindRealloc:
		return "realloc"
	case KindReallocEx:
		return "realloc_ex"
	case KindFree:
		return "free"
	case KindFreeEx:
		return "free_ex"
	case KindMmap:
		return "mmap"
	case KindMunmap:
		return "munmap"
	case KindMallopt:
		return "mallopt"
	case KindGroupStatistics:
		return "group_statistics"
	case KindMemoryDump:
		return "memory_dump"
	case KindDecodedFrame:
		return "decoded_frame"
	case KindDecodedBacktrace:
		return "decoded_backtrace"
	case KindString:
		return "string"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Event is implemented by every capture-stream record.
type Event interface {
	Kind() Kind
}

// Header opens every capture stream and names the run. A stream whose first
// event is not a Header, or whose Header disagrees with an already-loaded
// one, is rejected by the loader.
type Header struct {
	ID               DataID
	PID              uint32
	Cmdline          []byte
	Executable       []byte
	Architecture     string
	PointerSize      uint8
	BigEndian        bool
	InitialTimestamp Timestamp
	WallClockSecs    uint64
	ProtocolVersion  uint32
}

func (Header) Kind() Kind { return KindHeader }

// File embeds an external file (/proc/self/maps snapshots, mapped ELF
// binaries, INCLUDE_FILE matches) inline in the stream.
type File struct {
	Timestamp Timestamp
	Path      string
	Contents  []byte
}

func (File) Kind() Kind { return KindFile }

// WallClock resynchronises the monotonic timestamp stream against the wall
// clock.
type WallClock struct {
	Timestamp     Timestamp
	WallClockSecs uint64
}

func (WallClock) Kind() Kind { return KindWallClock }

// Environ records one environment variable of the profiled process.
type Environ struct {
	Entry []byte
}

func (Environ) Kind() Kind { return KindEnviron }

// Marker records a user-set label; subsequent allocations carry it.
type Marker struct {
	Value uint32
}

func (Marker) Kind() Kind { return KindMarker }

// StaleCountAll is the PartialBacktrace sentinel meaning "replace the
// previous backtrace for this thread entirely".
const StaleCountAll = math.MaxUint32

// PartialBacktrace introduces a raw backtrace id. Addresses are leaf-first.
// StaleCount == StaleCountAll replaces the thread's previous sequence;
// StaleCount == k drops the top k frames of the previous sequence and
// prepends Addresses. A PartialBacktrace always precedes the first event
// referencing its id.
type PartialBacktrace struct {
	ID         uint64
	Thread     uint32
	StaleCount uint32
	Addresses  []uint64
}

func (PartialBacktrace) Kind() Kind { return KindPartialBacktrace }

// Backtrace introduces a raw backtrace id with a complete address sequence.
type Backtrace struct {
	ID        uint64
	Addresses []uint64
}

func (Backtrace) Kind() Kind { return KindBacktrace }

// Alloc records one allocation. KindAllocEx marks allocations flushed from
// the culling buckets with a unified monotonic id in ID.Allocation.
type Alloc struct {
	Ex               bool
	ID               AllocationID
	Pointer          uint64
	Size             uint64
	Backtrace        uint64
	Thread           uint32
	Flags            uint32
	ExtraUsableSpace uint32
	PrecedingFree    uint32
	Timestamp        Timestamp
	Marker           uint32
}

func (e Alloc) Kind() Kind {
	if e.Ex {
		return KindAllocEx
	}
	return KindAlloc
}

// Realloc records a reallocation: OldPointer was resized (and possibly
// moved) to Pointer.
type Realloc struct {
	Ex               bool
	ID               AllocationID
	OldID            AllocationID
	Pointer          uint64
	OldPointer       uint64
	Size             uint64
	Backtrace        uint64
	Thread           uint32
	Flags            uint32
	ExtraUsableSpace uint32
	PrecedingFree    uint32
	Timestamp        Timestamp
	Marker           uint32
}

func (e Realloc) Kind() Kind {
	if e.Ex {
		return KindReallocEx
	}
	return KindRealloc
}

// Free records a deallocation. Backtrace is the no-backtrace sentinel when
// backtraces on free are disabled.
type Free struct {
	Ex        bool
	ID        AllocationID
	Pointer   uint64
	Backtrace uint64
	Thread    uint32
	Timestamp Timestamp
}

func (e Free) Kind() Kind {
	if e.Ex {
		return KindFreeEx
	}
	return KindFree
}

// NoBacktrace is the sentinel backtrace id for events captured without one.
const NoBacktrace = math.MaxUint64

// Mmap records an mmap syscall observed through the hook.
type Mmap struct {
	Pointer          uint64
	Length           uint64
	RequestedAddress uint64
	Protection       uint32
	MmapFlags        uint32
	FD               int32
	Offset           uint64
	Thread           uint32
	Backtrace        uint64
	Timestamp        Timestamp
}

func (Mmap) Kind() Kind { return KindMmap }

// Munmap records a munmap syscall observed through the hook.
type Munmap struct {
	Pointer   uint64
	Length    uint64
	Thread    uint32
	Backtrace uint64
	Timestamp Timestamp
}

func (Munmap) Kind() Kind { return KindMunmap }

// Mallopt records a mallopt call: the parameter, requested value, and the
// allocator's result.
type Mallopt struct {
	Param     int32
	Value     int32
	Result    int32
	Thread    uint32
	Backtrace uint64
	Timestamp Timestamp
}

func (Mallopt) Kind() Kind { return KindMallopt }

// GroupStatistics carries pre-aggregated per-backtrace counters, emitted by
// the runtime for culled temporary allocations and merged by the loader.
type GroupStatistics struct {
	Backtrace      uint64
	FirstAllocation Timestamp
	LastAllocation  Timestamp
	MinSize        uint64
	MaxSize        uint64
	AllocCount     uint64
	AllocSize      uint64
	FreeCount      uint64
	FreeSize       uint64
}

func (GroupStatistics) Kind() Kind { return KindGroupStatistics }

// MemoryDump carries a chunk of process memory captured during a
// stop-the-world snapshot.
type MemoryDump struct {
	Address   uint64
	Timestamp Timestamp
	Data      []byte
}

func (MemoryDump) Kind() Kind { return KindMemoryDump }

// DecodedFrame is the fast-path frame record for already-symbolicated
// streams (the heaptrack/replay exporters emit these). String fields are
// string-table ids; the no-string sentinel is math.MaxUint32.
type DecodedFrame struct {
	Address          uint64
	Library          uint32
	Function         uint32
	RawFunction      uint32
	Source           uint32
	Line             uint32
	Column           uint32
	IsInline         bool
}

func (DecodedFrame) Kind() Kind { return KindDecodedFrame }

// NoString is the sentinel string-table id for an absent DecodedFrame field.
const NoString = math.MaxUint32

// DecodedBacktrace introduces a raw backtrace id as a list of previously
// emitted DecodedFrame indices, leaf-first.
type DecodedBacktrace struct {
	ID     uint64
	Frames []uint32
}

func (DecodedBacktrace) Kind() Kind { return KindDecodedBacktrace }

// String interns a string into the stream-level string table used by
// DecodedFrame fields.
type String struct {
	ID    uint32
	Value []byte
}

func (String) Kind() Kind { return KindString }

// byteOrder is the on-wire integer encoding. The header carries the traced
// process's endianness separately; the stream itself is always little
// endian.
var byteOrder = binary.LittleEndian
