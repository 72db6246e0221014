// Package loader stream-parses a capture into the analytical model: it
// decodes events, reassembles allocation lifetimes from the wire-level
// correlation keys, expands partial backtraces, resolves addresses to
// symbolic frames through the recorded address space, and hands the
// resulting tables to model.NewData.
package loader

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/memtrail/memtrail/internal/addrspace"
	"github.com/memtrail/memtrail/internal/event"
	"github.com/memtrail/memtrail/internal/model"
)

// ErrBadStream is wrapped by every structural decode failure: a malformed
// event aborts loading and all partial state is discarded.
var ErrBadStream = errors.New("bad capture stream")

// wireKey is the correlation key pairing alloc, realloc, and free events: a
// tracked wire-level allocation id, or (0, pointer) for untracked events.
type wireKey struct {
	thread     uint32
	allocation uint64
}

func keyFor(id event.AllocationID, pointer uint64) wireKey {
	if id.IsValid() {
		return wireKey{thread: id.Thread, allocation: id.Allocation}
	}
	return wireKey{thread: 0, allocation: pointer}
}

// Loader accumulates mutable state during the streaming parse. It owns
// everything until Finalize transfers the tables into an immutable Data.
type Loader struct {
	logger *slog.Logger

	header    event.Header
	headerSeen bool

	interner *model.StringInterner

	frames     []model.Frame
	frameDedup map[frameKey]model.FrameID

	// addrFrames caches the frame ids one address symbolicates to; the
	// symbolicator yields a single frame per address (no inline expansion).
	addrFrames map[uint64][]model.FrameID

	arena      []model.FrameID
	backtraces []model.BacktraceSlice
	btDedup    map[uint64][]model.BacktraceID
	btShared   []bool

	// rawBacktraces maps raw stream backtrace ids to model ids.
	rawBacktraces map[uint64]model.BacktraceID

	// threadPrev is the per-thread previous full address sequence used to
	// expand partial backtraces.
	threadPrev map[uint32][]uint64

	emptyBacktrace model.BacktraceID
	hasEmpty       bool

	allocations   []model.Allocation
	allocationMap map[wireKey]model.AllocationID
	operations    []model.Operation
	groupStats    []model.GroupStatistics
	mmapOps       []model.MmapOperation
	mallopts      []model.Mallopt
	environ       []string
	files         map[string][]byte

	// Address space reconstruction.
	regions      []addrspace.Region
	binaries     map[string]*addrspace.BinaryData
	space        *addrspace.AddressSpace
	spaceDirty   bool
	skipRanges   []addrRange
	newRanges    []addrRange
	memoryDumps  int

	// Decoded fast path.
	decodedFrames []model.FrameID
	stringTable   map[uint32]model.StringID

	timestampShift int64
	firstTimestamp event.Timestamp
	lastTimestamp  event.Timestamp

	dropped uint64
}

type addrRange struct {
	start uint64
	end   uint64
}

func (r addrRange) contains(addr uint64) bool {
	return r.start != r.end && addr >= r.start && addr < r.end
}

// frameKey is the hash-cons identity of a frame: all attributes except the
// derived count.
type frameKey struct {
	address  uint64
	library  model.StringID
	function model.StringID
	raw      model.StringID
	source   model.StringID
	line     uint32
	column   uint32
	inline   bool
}

// New creates an empty Loader. The logger may be nil.
func New(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Loader{
		logger:        logger,
		interner:      model.NewStringInterner(),
		frameDedup:    make(map[frameKey]model.FrameID),
		addrFrames:    make(map[uint64][]model.FrameID),
		btDedup:       make(map[uint64][]model.BacktraceID),
		rawBacktraces: make(map[uint64]model.BacktraceID),
		threadPrev:    make(map[uint32][]uint64),
		allocationMap: make(map[wireKey]model.AllocationID),
		binaries:      make(map[string]*addrspace.BinaryData),
		files:         make(map[string][]byte),
		stringTable:   make(map[uint32]model.StringID),
	}
}

// Load decodes the whole stream from r and finalizes it into a Data.
func Load(r io.Reader, logger *slog.Logger) (*model.Data, error) {
	l := New(logger)
	if err := l.LoadFrom(r); err != nil {
		return nil, err
	}
	return l.Finalize()
}

// LoadFrom consumes events from r until EOF.
func (l *Loader) LoadFrom(r io.Reader) error {
	reader := event.NewReader(r)
	for {
		ev, err := reader.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("loader: %w: %v", ErrBadStream, err)
		}
		if err := l.Process(ev); err != nil {
			return err
		}
	}
}

// Process folds one event into the loader state.
func (l *Loader) Process(ev event.Event) error {
	if !l.headerSeen {
		h, ok := ev.(event.Header)
		if !ok {
			return fmt.Errorf("loader: %w: stream does not start with a header", ErrBadStream)
		}
		l.header = h
		l.headerSeen = true
		l.firstTimestamp = h.InitialTimestamp
		l.lastTimestamp = h.InitialTimestamp
		return nil
	}

	switch e := ev.(type) {
	case event.Header:
		if e.ID != l.header.ID {
			return fmt.Errorf("loader: %w: header mismatch: stream %s does not belong to %s",
				ErrBadStream, e.ID, l.header.ID)
		}
	case event.File:
		l.handleFile(e)
	case event.WallClock:
		l.handleWallClock(e)
	case event.Environ:
		l.environ = append(l.environ, string(e.Entry))
	case event.Marker:
		// Markers ride on the allocation events themselves.
	case event.PartialBacktrace:
		return l.handlePartialBacktrace(e)
	case event.Backtrace:
		return l.internRaw(e.ID, e.Addresses)
	case event.DecodedFrame:
		l.handleDecodedFrame(e)
	case event.DecodedBacktrace:
		return l.handleDecodedBacktrace(e)
	case event.String:
		l.stringTable[e.ID] = model.StringID(l.interner.Intern(string(e.Value)))
	case event.Alloc:
		return l.handleAlloc(e)
	case event.Realloc:
		return l.handleRealloc(e)
	case event.Free:
		return l.handleFree(e)
	case event.Mmap:
		bt, err := l.backtraceFor(e.Backtrace)
		if err != nil {
			return err
		}
		l.mmapOps = append(l.mmapOps, model.MmapOperation{
			Kind:             model.MmapOpMmap,
			Pointer:          e.Pointer,
			Length:           e.Length,
			RequestedAddress: e.RequestedAddress,
			Protection:       e.Protection,
			Flags:            e.MmapFlags,
			FD:               e.FD,
			Offset:           e.Offset,
			Thread:           e.Thread,
			Backtrace:        bt,
			Timestamp:        l.adjust(e.Timestamp),
		})
	case event.Munmap:
		bt, err := l.backtraceFor(e.Backtrace)
		if err != nil {
			return err
		}
		l.mmapOps = append(l.mmapOps, model.MmapOperation{
			Kind:      model.MmapOpMunmap,
			Pointer:   e.Pointer,
			Length:    e.Length,
			Thread:    e.Thread,
			Backtrace: bt,
			Timestamp: l.adjust(e.Timestamp),
		})
	case event.Mallopt:
		bt, err := l.backtraceFor(e.Backtrace)
		if err != nil {
			return err
		}
		l.mallopts = append(l.mallopts, model.Mallopt{
			Param:     e.Param,
			Value:     e.Value,
			Result:    e.Result,
			Thread:    e.Thread,
			Backtrace: bt,
			Timestamp: l.adjust(e.Timestamp),
		})
	case event.GroupStatistics:
		return l.handleGroupStatistics(e)
	case event.MemoryDump:
		// Cross-allocation reference scanning is a future analysis hook;
		// the dumps are counted so `info` can report their presence.
		l.memoryDumps++
	default:
		return fmt.Errorf("loader: %w: unhandled event kind %s", ErrBadStream, ev.Kind())
	}
	return nil
}

// ---------------------------------------------------------------------------
// Header-adjacent events
// ---------------------------------------------------------------------------

func (l *Loader) handleFile(e event.File) {
	if e.Path == "/proc/self/maps" || strings.HasSuffix(e.Path, "/maps") {
		regions, err := addrspace.ParseMaps(e.Contents)
		if err != nil {
			l.logger.Warn("cannot parse maps snapshot; keeping previous address space",
				slog.Any("error", err))
			return
		}
		l.regions = regions
		l.spaceDirty = true
		return
	}
	if addrspace.IsELF(e.Contents) {
		bin, err := addrspace.NewBinaryData(e.Path, e.Contents)
		if err != nil {
			l.logger.Warn("cannot parse embedded binary",
				slog.String("path", e.Path), slog.Any("error", err))
			return
		}
		l.binaries[e.Path] = bin
		l.spaceDirty = true
		return
	}
	l.files[e.Path] = e.Contents
}

func (l *Loader) handleWallClock(e event.WallClock) {
	// Re-anchor the timestamp stream: after this event, a raw timestamp of
	// e.Timestamp corresponds to wall clock e.WallClockSecs. The shift
	// keeps the adjusted stream aligned with the header's wall clock.
	expected := int64(e.WallClockSecs-l.header.WallClockSecs) * 1_000_000
	actual := int64(e.Timestamp) - int64(l.header.InitialTimestamp)
	l.timestampShift = expected - actual
	if l.timestampShift < 0 {
		l.timestampShift = 0
	}
}

// adjust applies the wall-clock shift to a raw stream timestamp and tracks
// the observed range. The header's initial timestamp is the baseline; an
// earlier event timestamp only ever lowers it.
func (l *Loader) adjust(ts event.Timestamp) event.Timestamp {
	adjusted := event.Timestamp(int64(ts) + l.timestampShift)
	if adjusted < l.firstTimestamp {
		l.firstTimestamp = adjusted
	}
	if adjusted > l.lastTimestamp {
		l.lastTimestamp = adjusted
	}
	return adjusted
}

// ---------------------------------------------------------------------------
// Allocation lifecycle
// ---------------------------------------------------------------------------

func (l *Loader) handleAlloc(e event.Alloc) error {
	bt, err := l.backtraceFor(e.Backtrace)
	if err != nil {
		return err
	}
	ts := l.adjust(e.Timestamp)
	key := keyFor(e.ID, e.Pointer)
	if _, exists := l.allocationMap[key]; exists {
		l.logger.Warn("duplicate allocation key; dropping event",
			slog.Uint64("pointer", e.Pointer),
			slog.Uint64("allocation", key.allocation),
		)
		l.dropped++
		return nil
	}

	flags := e.Flags
	if l.btShared != nil && int(bt) < len(l.btShared) && l.btShared[bt] {
		flags |= event.FlagSharedPtr
	}

	id := model.AllocationID(len(l.allocations))
	l.allocations = append(l.allocations, model.Allocation{
		Pointer:                e.Pointer,
		Timestamp:              ts,
		Size:                   e.Size,
		ExtraUsableSpace:       e.ExtraUsableSpace,
		Thread:                 e.Thread,
		Backtrace:              bt,
		Flags:                  flags,
		Marker:                 e.Marker,
		Reallocation:           model.InvalidAllocationID,
		ReallocatedFrom:        model.InvalidAllocationID,
		FirstAllocationInChain: model.InvalidAllocationID,
	})
	l.allocationMap[key] = id
	l.operations = append(l.operations, model.Operation{Timestamp: ts, Kind: model.OpAlloc, Allocation: id})
	l.statAlloc(bt, e.Size+uint64(e.ExtraUsableSpace), ts)
	return nil
}

func (l *Loader) handleRealloc(e event.Realloc) error {
	bt, err := l.backtraceFor(e.Backtrace)
	if err != nil {
		return err
	}
	ts := l.adjust(e.Timestamp)
	oldKey := keyFor(e.OldID, e.OldPointer)
	newKey := keyFor(e.ID, e.Pointer)

	oldID, ok := l.allocationMap[oldKey]
	if !ok {
		l.logger.Warn("realloc of unknown allocation; dropping event",
			slog.Uint64("old_pointer", e.OldPointer))
		l.dropped++
		return nil
	}
	// The duplicate check runs before any mutation of the old record, so a
	// dropped event leaves the model untouched.
	if existing, exists := l.allocationMap[newKey]; exists && newKey != oldKey && existing != oldID {
		l.logger.Warn("duplicate allocation key on realloc; dropping event",
			slog.Uint64("pointer", e.Pointer))
		l.dropped++
		return nil
	}

	newID := model.AllocationID(len(l.allocations))
	old := &l.allocations[oldID]
	old.Reallocation = newID
	old.Deallocation = &model.Deallocation{Timestamp: ts, Thread: e.Thread, Backtrace: bt}
	oldBt := old.Backtrace
	oldUsable := old.UsableSize()

	flags := e.Flags
	if l.btShared != nil && int(bt) < len(l.btShared) && l.btShared[bt] {
		flags |= event.FlagSharedPtr
	}

	l.allocations = append(l.allocations, model.Allocation{
		Pointer:                e.Pointer,
		Timestamp:              ts,
		Size:                   e.Size,
		ExtraUsableSpace:       e.ExtraUsableSpace,
		Thread:                 e.Thread,
		Backtrace:              bt,
		Flags:                  flags,
		Marker:                 e.Marker,
		Reallocation:           model.InvalidAllocationID,
		ReallocatedFrom:        oldID,
		FirstAllocationInChain: model.InvalidAllocationID,
	})
	delete(l.allocationMap, oldKey)
	l.allocationMap[newKey] = newID
	l.operations = append(l.operations, model.Operation{Timestamp: ts, Kind: model.OpRealloc, Allocation: newID})
	l.statFree(oldBt, oldUsable, ts)
	l.statAlloc(bt, e.Size+uint64(e.ExtraUsableSpace), ts)
	return nil
}

func (l *Loader) handleFree(e event.Free) error {
	var bt model.BacktraceID = model.InvalidBacktraceID
	if e.Backtrace != event.NoBacktrace {
		resolved, err := l.backtraceFor(e.Backtrace)
		if err != nil {
			return err
		}
		bt = resolved
	}
	ts := l.adjust(e.Timestamp)
	key := keyFor(e.ID, e.Pointer)
	id, ok := l.allocationMap[key]
	if !ok {
		l.logger.Warn("free of unknown allocation; dropping event",
			slog.Uint64("pointer", e.Pointer))
		l.dropped++
		return nil
	}
	delete(l.allocationMap, key)
	a := &l.allocations[id]
	a.Deallocation = &model.Deallocation{Timestamp: ts, Thread: e.Thread, Backtrace: bt}
	l.operations = append(l.operations, model.Operation{Timestamp: ts, Kind: model.OpFree, Allocation: id})
	l.statFree(a.Backtrace, a.UsableSize(), ts)
	return nil
}

func (l *Loader) handleGroupStatistics(e event.GroupStatistics) error {
	bt, err := l.backtraceFor(e.Backtrace)
	if err != nil {
		return err
	}
	l.ensureGroup(bt)
	l.groupStats[bt].Merge(model.GroupStatistics{
		MinSize:         e.MinSize,
		MaxSize:         e.MaxSize,
		FirstAllocation: l.adjust(e.FirstAllocation),
		LastAllocation:  l.adjust(e.LastAllocation),
		AllocCount:      e.AllocCount,
		AllocSize:       e.AllocSize,
		FreeCount:       e.FreeCount,
		FreeSize:        e.FreeSize,
	})
	return nil
}

// ---------------------------------------------------------------------------
// Group statistics
// ---------------------------------------------------------------------------

func (l *Loader) ensureGroup(bt model.BacktraceID) {
	for len(l.groupStats) <= int(bt) {
		l.groupStats = append(l.groupStats, model.GroupStatistics{})
	}
}

func (l *Loader) statAlloc(bt model.BacktraceID, usable uint64, ts event.Timestamp) {
	l.ensureGroup(bt)
	st := &l.groupStats[bt]
	if st.AllocCount == 0 {
		st.MinSize = usable
		st.FirstAllocation = ts
	} else {
		if usable < st.MinSize {
			st.MinSize = usable
		}
		if ts < st.FirstAllocation {
			st.FirstAllocation = ts
		}
	}
	if usable > st.MaxSize {
		st.MaxSize = usable
	}
	if ts > st.LastAllocation {
		st.LastAllocation = ts
	}
	st.AllocCount++
	st.AllocSize += usable
}

func (l *Loader) statFree(bt model.BacktraceID, usable uint64, ts event.Timestamp) {
	if !bt.IsValid() {
		return
	}
	l.ensureGroup(bt)
	st := &l.groupStats[bt]
	st.FreeCount++
	st.FreeSize += usable
	if ts > st.LastAllocation {
		st.LastAllocation = ts
	}
}

// ---------------------------------------------------------------------------
// Finalize
// ---------------------------------------------------------------------------

// Finalize transfers every table into an immutable Data. The loader must
// not be used afterwards.
func (l *Loader) Finalize() (*model.Data, error) {
	if !l.headerSeen {
		return nil, fmt.Errorf("loader: %w: empty stream", ErrBadStream)
	}
	// Backtraces referenced by statistics events might exceed the group
	// table; pad to the full backtrace count.
	for len(l.groupStats) < len(l.backtraces) {
		l.groupStats = append(l.groupStats, model.GroupStatistics{})
	}
	data := model.NewData(model.Raw{
		ID:               l.header.ID,
		InitialTimestamp: l.firstTimestamp,
		LastTimestamp:    l.lastTimestamp,
		Executable:       string(l.header.Executable),
		Cmdline:          string(l.header.Cmdline),
		Architecture:     l.header.Architecture,
		PointerSize:      l.header.PointerSize,
		Allocations:      l.allocations,
		Frames:           l.frames,
		BacktraceArena:   l.arena,
		Backtraces:       l.backtraces,
		Interner:         l.interner,
		Operations:       l.operations,
		GroupStats:       l.groupStats,
		MmapOperations:   l.mmapOps,
		Mallopts:         l.mallopts,
	})
	return data, nil
}

// DroppedEvents reports how many events were logged and dropped (duplicate
// keys, unknown frees).
func (l *Loader) DroppedEvents() uint64 { return l.dropped }

// Environ returns the traced process's recorded environment.
func (l *Loader) Environ() []string { return l.environ }

// MemoryDumpCount reports how many MemoryDump events the stream carried.
func (l *Loader) MemoryDumpCount() int { return l.memoryDumps }
