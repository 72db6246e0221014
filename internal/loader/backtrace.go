package loader

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/zeebo/xxh3"

	"github.com/memtrail/memtrail/internal/addrspace"
	"github.com/memtrail/memtrail/internal/event"
	"github.com/memtrail/memtrail/internal/model"
)

// handlePartialBacktrace expands an incremental backtrace against the
// thread's previous full sequence, then interns it under the raw stream id.
// A stale count exceeding the previous backtrace length is malformed.
func (l *Loader) handlePartialBacktrace(e event.PartialBacktrace) error {
	prev := l.threadPrev[e.Thread]

	var full []uint64
	if e.StaleCount == event.StaleCountAll {
		full = append([]uint64(nil), e.Addresses...)
	} else {
		stale := int(e.StaleCount)
		if stale > len(prev) {
			return fmt.Errorf("loader: %w: partial backtrace %d drops %d frames but thread %d only has %d",
				ErrBadStream, e.ID, stale, e.Thread, len(prev))
		}
		full = make([]uint64, 0, len(e.Addresses)+len(prev)-stale)
		full = append(full, e.Addresses...)
		full = append(full, prev[stale:]...)
	}
	l.threadPrev[e.Thread] = full

	return l.internRaw(e.ID, full)
}

// internRaw resolves a full address sequence into a model BacktraceID and
// binds it to the raw stream id. Sequences are deduplicated after the
// profiler's own leading frames are stripped.
func (l *Loader) internRaw(rawID uint64, addresses []uint64) error {
	if _, exists := l.rawBacktraces[rawID]; exists {
		return fmt.Errorf("loader: %w: backtrace id %d introduced twice", ErrBadStream, rawID)
	}
	if l.spaceDirty {
		l.reloadAddressSpace()
	}

	// Strip leading profiler frames; detect a shared-pointer origin from
	// address membership so a second sighting of the same sequence is
	// flagged just like the first.
	stripped := addresses
	for len(stripped) > 0 && l.inSkipRange(stripped[0]) {
		stripped = stripped[1:]
	}
	shared := len(stripped) > 0 && l.inOperatorNew(stripped[0])

	id := l.internSequence(stripped)
	if shared {
		l.btShared[id] = true
	}
	l.rawBacktraces[rawID] = id
	return nil
}

// internSequence hash-conses a stripped address sequence into a backtrace
// id, symbolicating each address into frames along the way.
func (l *Loader) internSequence(addresses []uint64) model.BacktraceID {
	frameIDs := make([]model.FrameID, 0, len(addresses))
	for _, addr := range addresses {
		frameIDs = append(frameIDs, l.framesForAddress(addr)...)
	}

	key := hashFrameIDs(frameIDs)
	for _, candidate := range l.btDedup[key] {
		s := l.backtraces[candidate]
		if frameIDsEqual(l.arena[s.Offset:s.Offset+s.Length], frameIDs) {
			return candidate
		}
	}

	id := model.BacktraceID(len(l.backtraces))
	l.backtraces = append(l.backtraces, model.BacktraceSlice{
		Offset: uint32(len(l.arena)),
		Length: uint32(len(frameIDs)),
	})
	l.arena = append(l.arena, frameIDs...)
	l.btDedup[key] = append(l.btDedup[key], id)
	l.btShared = append(l.btShared, false)
	l.ensureGroup(id)
	return id
}

// backtraceFor maps a raw stream backtrace id to the model id. The
// no-backtrace sentinel resolves to the shared empty backtrace; a raw id
// that was never introduced is an ordering violation.
func (l *Loader) backtraceFor(rawID uint64) (model.BacktraceID, error) {
	if rawID == event.NoBacktrace {
		return l.emptyBacktraceID(), nil
	}
	id, ok := l.rawBacktraces[rawID]
	if !ok {
		return 0, fmt.Errorf("loader: %w: event references backtrace %d before its introduction",
			ErrBadStream, rawID)
	}
	return id, nil
}

// emptyBacktraceID lazily interns the empty sequence, used for events
// captured without a backtrace.
func (l *Loader) emptyBacktraceID() model.BacktraceID {
	if !l.hasEmpty {
		l.emptyBacktrace = l.internSequence(nil)
		l.hasEmpty = true
	}
	return l.emptyBacktrace
}

// framesForAddress symbolicates one code address into frame ids, innermost
// first, caching the result: the same address always resolves identically
// within one address-space generation.
func (l *Loader) framesForAddress(addr uint64) []model.FrameID {
	if ids, ok := l.addrFrames[addr]; ok {
		return ids
	}
	var ids []model.FrameID
	if l.space != nil {
		l.space.DecodeSymbolWhile(addr, func(f *addrspace.Frame) bool {
			ids = append(ids, l.internFrame(model.Frame{
				CodeAddress: f.Address,
				Library:     l.interner.InternOptional(f.Library),
				Function:    l.interner.InternOptional(cleanupDemangled(f.Function)),
				RawFunction: l.interner.InternOptional(f.RawFunction),
				Source:      l.interner.InternOptional(f.Source),
				Line:        f.Line,
				Column:      f.Column,
				IsInline:    f.IsInline,
			}))
			return true
		})
	}
	if len(ids) == 0 {
		ids = []model.FrameID{l.internFrame(model.Frame{
			CodeAddress: addr,
			Library:     model.InvalidStringID,
			Function:    model.InvalidStringID,
			RawFunction: model.InvalidStringID,
			Source:      model.InvalidStringID,
		})}
	}
	l.addrFrames[addr] = ids
	return ids
}

// internFrame hash-conses a frame by its full attribute set.
func (l *Loader) internFrame(f model.Frame) model.FrameID {
	key := frameKey{
		address:  f.CodeAddress,
		library:  f.Library,
		function: f.Function,
		raw:      f.RawFunction,
		source:   f.Source,
		line:     f.Line,
		column:   f.Column,
		inline:   f.IsInline,
	}
	if id, ok := l.frameDedup[key]; ok {
		return id
	}
	id := model.FrameID(len(l.frames))
	l.frames = append(l.frames, f)
	l.frameDedup[key] = id
	return id
}

// ---------------------------------------------------------------------------
// Address space reloading
// ---------------------------------------------------------------------------

// profilerLibraryMarkers identify the profiler's own mapped objects; their
// address ranges are stripped from the top of every backtrace.
var profilerLibraryMarkers = []string{"memtrail", "libmemtrail"}

// reloadAddressSpace rebuilds the symbolicator from the latest maps
// snapshot and registered binaries, and recomputes the profiler skip
// ranges and the operator new ranges.
func (l *Loader) reloadAddressSpace() {
	l.spaceDirty = false
	if l.space == nil {
		space, err := addrspace.NewAddressSpace(l.header.Architecture)
		if err != nil {
			l.logger.Warn("cannot create symbolicator; backtraces stay unsymbolicated",
				slog.Any("error", err))
			return
		}
		l.space = space
	}
	if err := l.space.Reload(l.regions, l.binaries); err != nil {
		l.logger.Warn("address space reload failed", slog.Any("error", err))
		return
	}

	// Symbolication of an address depends on the address space generation;
	// drop the per-address cache so stale resolutions are not reused.
	l.addrFrames = make(map[uint64][]model.FrameID)

	l.skipRanges = l.skipRanges[:0]
	l.newRanges = l.newRanges[:0]
	for _, r := range l.regions {
		if !r.Executable {
			continue
		}
		for _, marker := range profilerLibraryMarkers {
			if strings.Contains(r.Name, marker) {
				l.skipRanges = append(l.skipRanges, addrRange{start: r.Start, end: r.End})
				break
			}
		}
		if bin := l.binaries[r.Name]; bin != nil {
			if start, end, ok := bin.OperatorNewRange(); ok {
				// Translate the binary-relative range into runtime
				// addresses via this region's bias.
				bias := r.Start - r.FileOffset
				l.newRanges = append(l.newRanges, addrRange{start: start + bias, end: end + bias})
			}
		}
	}
}

func (l *Loader) inSkipRange(addr uint64) bool {
	for _, r := range l.skipRanges {
		if r.contains(addr) {
			return true
		}
	}
	return false
}

func (l *Loader) inOperatorNew(addr uint64) bool {
	for _, r := range l.newRanges {
		if r.contains(addr) {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Decoded fast path
// ---------------------------------------------------------------------------

// handleDecodedFrame appends a pre-symbolicated frame; its stream index is
// its position in arrival order.
func (l *Loader) handleDecodedFrame(e event.DecodedFrame) {
	l.decodedFrames = append(l.decodedFrames, l.internFrame(model.Frame{
		CodeAddress: e.Address,
		Library:     l.tableString(e.Library),
		Function:    l.tableString(e.Function),
		RawFunction: l.tableString(e.RawFunction),
		Source:      l.tableString(e.Source),
		Line:        e.Line,
		Column:      e.Column,
		IsInline:    e.IsInline,
	}))
}

// handleDecodedBacktrace introduces a raw backtrace id from decoded frame
// indices.
func (l *Loader) handleDecodedBacktrace(e event.DecodedBacktrace) error {
	if _, exists := l.rawBacktraces[e.ID]; exists {
		return fmt.Errorf("loader: %w: backtrace id %d introduced twice", ErrBadStream, e.ID)
	}
	frameIDs := make([]model.FrameID, 0, len(e.Frames))
	for _, idx := range e.Frames {
		if int(idx) >= len(l.decodedFrames) {
			return fmt.Errorf("loader: %w: decoded backtrace %d references frame %d of %d",
				ErrBadStream, e.ID, idx, len(l.decodedFrames))
		}
		frameIDs = append(frameIDs, l.decodedFrames[idx])
	}

	key := hashFrameIDs(frameIDs)
	for _, candidate := range l.btDedup[key] {
		s := l.backtraces[candidate]
		if frameIDsEqual(l.arena[s.Offset:s.Offset+s.Length], frameIDs) {
			l.rawBacktraces[e.ID] = candidate
			return nil
		}
	}
	id := model.BacktraceID(len(l.backtraces))
	l.backtraces = append(l.backtraces, model.BacktraceSlice{
		Offset: uint32(len(l.arena)),
		Length: uint32(len(frameIDs)),
	})
	l.arena = append(l.arena, frameIDs...)
	l.btDedup[key] = append(l.btDedup[key], id)
	l.btShared = append(l.btShared, false)
	l.ensureGroup(id)
	l.rawBacktraces[e.ID] = id
	return nil
}

func (l *Loader) tableString(id uint32) model.StringID {
	if id == event.NoString {
		return model.InvalidStringID
	}
	if interned, ok := l.stringTable[id]; ok {
		return interned
	}
	return model.InvalidStringID
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// cxx11String is the fully expanded libstdc++ string type that demanglers
// produce; the analyzer collapses it for readability.
const cxx11String = "std::__cxx11::basic_string<char, std::char_traits<char>, std::allocator<char> >"

// cleanupDemangled post-processes a demangled name: the expanded
// std::string spelling is collapsed and nested template closers are
// tightened.
func cleanupDemangled(name string) string {
	if name == "" {
		return ""
	}
	name = strings.ReplaceAll(name, cxx11String, "std::string")
	for strings.Contains(name, "> >") {
		name = strings.ReplaceAll(name, "> >", ">>")
	}
	return name
}

func hashFrameIDs(ids []model.FrameID) uint64 {
	h := xxh3.New()
	var buf [4]byte
	for _, id := range ids {
		buf[0] = byte(id)
		buf[1] = byte(id >> 8)
		buf[2] = byte(id >> 16)
		buf[3] = byte(id >> 24)
		_, _ = h.Write(buf[:])
	}
	return h.Sum64()
}

func frameIDsEqual(a, b []model.FrameID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
