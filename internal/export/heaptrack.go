package export

import (
	"bufio"
	"fmt"
	"io"

	"github.com/memtrail/memtrail/internal/model"
	"github.com/memtrail/memtrail/internal/query"
)

// Heaptrack rewrites the list's allocation history as a heaptrack-style
// text dump: interned strings, instruction pointers, trace nodes, and
// timestamped +/- allocation records. The output is semantically
// equivalent to what heaptrack_print consumes; byte-level identity with
// heaptrack's own writer is not a goal.
//
// Record vocabulary:
//
//	v <version>           format version
//	X <executable>        traced executable
//	s <string>            string table entry (index = order of appearance)
//	i <addr> <strindex>   instruction pointer
//	t <ipindex> <parent>  trace node (1-based; parent 0 = root)
//	a <size> <traceindex> allocation site
//	+ <allocindex>        allocation
//	- <allocindex>        deallocation
//	c <timestamp>         clock advance, microseconds
func Heaptrack(list *query.AllocationList, w io.Writer) error {
	ids, err := list.Materialize()
	if err != nil {
		return err
	}
	d := list.Data()
	member := make(map[model.AllocationID]struct{}, len(ids))
	for _, id := range ids {
		member[id] = struct{}{}
	}

	bw := bufio.NewWriter(w)
	st := &heaptrackState{
		d:       d,
		bw:      bw,
		strings: make(map[string]int),
		ips:     make(map[model.FrameID]int),
		traces:  make(map[model.BacktraceID]int),
		allocs:  make(map[allocSite]int),
	}

	fmt.Fprintf(bw, "v 1\n")
	fmt.Fprintf(bw, "X %s\n", d.Executable())

	lastTS := d.InitialTimestamp()
	fmt.Fprintf(bw, "c %d\n", uint64(lastTS))

	for _, op := range d.Operations() {
		a := d.Allocation(op.Allocation)
		_, newIn := member[op.Allocation]
		oldIn := false
		if op.Kind == model.OpRealloc && a.ReallocatedFrom.IsValid() {
			_, oldIn = member[a.ReallocatedFrom]
		}
		if !newIn && !oldIn {
			continue
		}
		if op.Timestamp != lastTS {
			lastTS = op.Timestamp
			fmt.Fprintf(bw, "c %d\n", uint64(lastTS))
		}
		switch op.Kind {
		case model.OpAlloc:
			st.emitPlus(op.Allocation, a)
		case model.OpRealloc:
			if oldIn {
				st.emitMinus(a.ReallocatedFrom)
			}
			if newIn {
				st.emitPlus(op.Allocation, a)
			}
		case model.OpFree:
			st.emitMinus(op.Allocation)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("export: write heaptrack dump: %w", err)
	}
	return nil
}

type allocSite struct {
	size  uint64
	trace int
}

type heaptrackState struct {
	d  *model.Data
	bw *bufio.Writer

	strings   map[string]int
	ips       map[model.FrameID]int
	traces    map[model.BacktraceID]int
	nextTrace int
	allocs    map[allocSite]int

	// liveIndex maps live model allocations to their heaptrack allocation
	// record index.
	liveIndex map[model.AllocationID]int
	nextLive  int
}

func (st *heaptrackState) stringIndex(s string) int {
	if idx, ok := st.strings[s]; ok {
		return idx
	}
	idx := len(st.strings) + 1
	st.strings[s] = idx
	fmt.Fprintf(st.bw, "s %s\n", s)
	return idx
}

func (st *heaptrackState) ipIndex(id model.FrameID) int {
	if idx, ok := st.ips[id]; ok {
		return idx
	}
	f := st.d.Frame(id)
	strIdx := st.stringIndex(frameLabel(st.d, f))
	idx := len(st.ips) + 1
	st.ips[id] = idx
	fmt.Fprintf(st.bw, "i %x %d\n", f.CodeAddress, strIdx)
	return idx
}

// traceIndex emits the trace chain for a backtrace, leaf-last, reusing
// already-emitted nodes per full backtrace.
func (st *heaptrackState) traceIndex(bt model.BacktraceID) int {
	if idx, ok := st.traces[bt]; ok {
		return idx
	}
	frames := st.d.BacktraceFrames(bt)
	parent := 0
	// Emit outermost-first so each node's parent already exists. Only the
	// full backtrace is memoised, which keeps the table simple at the cost
	// of some node repetition between similar backtraces.
	for i := len(frames) - 1; i >= 0; i-- {
		ip := st.ipIndex(frames[i])
		st.nextTrace++
		fmt.Fprintf(st.bw, "t %d %d\n", ip, parent)
		parent = st.nextTrace
	}
	if parent == 0 {
		st.nextTrace++
		fmt.Fprintf(st.bw, "t 0 0\n")
		parent = st.nextTrace
	}
	st.traces[bt] = parent
	return parent
}

func (st *heaptrackState) allocIndex(size uint64, trace int) int {
	site := allocSite{size: size, trace: trace}
	if idx, ok := st.allocs[site]; ok {
		return idx
	}
	idx := len(st.allocs) + 1
	st.allocs[site] = idx
	fmt.Fprintf(st.bw, "a %d %d\n", size, trace)
	return idx
}

func (st *heaptrackState) emitPlus(id model.AllocationID, a *model.Allocation) {
	if st.liveIndex == nil {
		st.liveIndex = make(map[model.AllocationID]int)
	}
	trace := st.traceIndex(a.Backtrace)
	idx := st.allocIndex(a.Size, trace)
	st.liveIndex[id] = idx
	fmt.Fprintf(st.bw, "+ %d\n", idx)
}

func (st *heaptrackState) emitMinus(id model.AllocationID) {
	idx, ok := st.liveIndex[id]
	if !ok {
		return
	}
	delete(st.liveIndex, id)
	fmt.Fprintf(st.bw, "- %d\n", idx)
}
