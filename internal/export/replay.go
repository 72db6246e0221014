package export

import (
	"fmt"
	"io"

	"github.com/memtrail/memtrail/internal/event"
	"github.com/memtrail/memtrail/internal/model"
	"github.com/memtrail/memtrail/internal/query"
)

// Replay rewrites the list's allocation history as an equivalent capture
// stream using the pre-symbolicated fast path (String, DecodedFrame,
// DecodedBacktrace events). Loading the produced stream yields the same
// (pointer, size, thread, backtrace sequence) multiset as the source.
func Replay(list *query.AllocationList, w io.Writer) error {
	ids, err := list.Materialize()
	if err != nil {
		return err
	}
	d := list.Data()
	member := make(map[model.AllocationID]struct{}, len(ids))
	for _, id := range ids {
		member[id] = struct{}{}
	}

	wr := event.NewWriter(w)
	if err := wr.Write(event.Header{
		ID:               d.ID(),
		Cmdline:          []byte(d.Cmdline()),
		Executable:       []byte(d.Executable()),
		Architecture:     d.Architecture(),
		PointerSize:      d.PointerSize(),
		InitialTimestamp: d.InitialTimestamp(),
		ProtocolVersion:  1,
	}); err != nil {
		return err
	}

	st := replayState{d: d, wr: wr,
		strings:    make(map[model.StringID]uint32),
		frames:     make(map[model.FrameID]uint32),
		backtraces: make(map[model.BacktraceID]uint64),
	}

	// Wire ids restart from a dense counter; every event is written as an
	// Ex record so the loader keys purely by the unified ids.
	nextID := uint64(0)
	wireIDs := make(map[model.AllocationID]event.AllocationID)

	for _, op := range d.Operations() {
		a := d.Allocation(op.Allocation)
		_, newIn := member[op.Allocation]
		oldIn := false
		if op.Kind == model.OpRealloc && a.ReallocatedFrom.IsValid() {
			_, oldIn = member[a.ReallocatedFrom]
		}

		switch op.Kind {
		case model.OpAlloc:
			if !newIn {
				continue
			}
			bt, err := st.backtrace(a.Backtrace)
			if err != nil {
				return err
			}
			nextID++
			id := event.AllocationID{Thread: a.Thread, Allocation: nextID}
			wireIDs[op.Allocation] = id
			if err := wr.Write(event.Alloc{
				Ex:               true,
				ID:               id,
				Pointer:          a.Pointer,
				Size:             a.Size,
				Backtrace:        bt,
				Thread:           a.Thread,
				Flags:            a.Flags,
				ExtraUsableSpace: a.ExtraUsableSpace,
				Timestamp:        op.Timestamp,
				Marker:           a.Marker,
			}); err != nil {
				return err
			}
		case model.OpRealloc:
			oldID, tracked := wireIDs[a.ReallocatedFrom]
			switch {
			case newIn && oldIn && tracked:
				bt, err := st.backtrace(a.Backtrace)
				if err != nil {
					return err
				}
				nextID++
				id := event.AllocationID{Thread: a.Thread, Allocation: nextID}
				wireIDs[op.Allocation] = id
				delete(wireIDs, a.ReallocatedFrom)
				if err := wr.Write(event.Realloc{
					Ex:               true,
					ID:               id,
					OldID:            oldID,
					Pointer:          a.Pointer,
					OldPointer:       d.Allocation(a.ReallocatedFrom).Pointer,
					Size:             a.Size,
					Backtrace:        bt,
					Thread:           a.Thread,
					Flags:            a.Flags,
					ExtraUsableSpace: a.ExtraUsableSpace,
					Timestamp:        op.Timestamp,
					Marker:           a.Marker,
				}); err != nil {
					return err
				}
			case newIn:
				// Predecessor filtered out: the successor enters the
				// stream as a fresh allocation.
				bt, err := st.backtrace(a.Backtrace)
				if err != nil {
					return err
				}
				nextID++
				id := event.AllocationID{Thread: a.Thread, Allocation: nextID}
				wireIDs[op.Allocation] = id
				if err := wr.Write(event.Alloc{
					Ex:               true,
					ID:               id,
					Pointer:          a.Pointer,
					Size:             a.Size,
					Backtrace:        bt,
					Thread:           a.Thread,
					Flags:            a.Flags,
					ExtraUsableSpace: a.ExtraUsableSpace,
					Timestamp:        op.Timestamp,
					Marker:           a.Marker,
				}); err != nil {
					return err
				}
			case oldIn && tracked:
				// Successor filtered out: the predecessor's life ends.
				delete(wireIDs, a.ReallocatedFrom)
				if err := wr.Write(event.Free{
					Ex:        true,
					ID:        oldID,
					Pointer:   d.Allocation(a.ReallocatedFrom).Pointer,
					Backtrace: event.NoBacktrace,
					Thread:    a.Thread,
					Timestamp: op.Timestamp,
				}); err != nil {
					return err
				}
			}
		case model.OpFree:
			if !newIn {
				continue
			}
			id, tracked := wireIDs[op.Allocation]
			if !tracked {
				continue
			}
			delete(wireIDs, op.Allocation)
			dealloc := a.Deallocation
			thread := a.Thread
			if dealloc != nil {
				thread = dealloc.Thread
			}
			if err := wr.Write(event.Free{
				Ex:        true,
				ID:        id,
				Pointer:   a.Pointer,
				Backtrace: event.NoBacktrace,
				Thread:    thread,
				Timestamp: op.Timestamp,
			}); err != nil {
				return err
			}
		}
	}
	if err := wr.Close(); err != nil {
		return fmt.Errorf("export: finalize replay stream: %w", err)
	}
	return nil
}

type replayState struct {
	d  *model.Data
	wr *event.Writer

	strings    map[model.StringID]uint32
	frames     map[model.FrameID]uint32
	backtraces map[model.BacktraceID]uint64
}

func (st *replayState) stringID(id model.StringID) (uint32, error) {
	if !id.IsValid() {
		return event.NoString, nil
	}
	if out, ok := st.strings[id]; ok {
		return out, nil
	}
	out := uint32(len(st.strings))
	st.strings[id] = out
	return out, st.wr.Write(event.String{ID: out, Value: []byte(st.d.String(id))})
}

func (st *replayState) frame(id model.FrameID) (uint32, error) {
	if out, ok := st.frames[id]; ok {
		return out, nil
	}
	f := st.d.Frame(id)
	lib, err := st.stringID(f.Library)
	if err != nil {
		return 0, err
	}
	fn, err := st.stringID(f.Function)
	if err != nil {
		return 0, err
	}
	raw, err := st.stringID(f.RawFunction)
	if err != nil {
		return 0, err
	}
	src, err := st.stringID(f.Source)
	if err != nil {
		return 0, err
	}
	out := uint32(len(st.frames))
	st.frames[id] = out
	return out, st.wr.Write(event.DecodedFrame{
		Address:     f.CodeAddress,
		Library:     lib,
		Function:    fn,
		RawFunction: raw,
		Source:      src,
		Line:        f.Line,
		Column:      f.Column,
		IsInline:    f.IsInline,
	})
}

func (st *replayState) backtrace(id model.BacktraceID) (uint64, error) {
	if out, ok := st.backtraces[id]; ok {
		return out, nil
	}
	frames := st.d.BacktraceFrames(id)
	indices := make([]uint32, 0, len(frames))
	for _, frameID := range frames {
		idx, err := st.frame(frameID)
		if err != nil {
			return 0, err
		}
		indices = append(indices, idx)
	}
	out := uint64(len(st.backtraces) + 1)
	st.backtraces[id] = out
	return out, st.wr.Write(event.DecodedBacktrace{ID: out, Frames: indices})
}
