package hook

import (
	"runtime"
	"strings"

	"github.com/memtrail/memtrail/internal/event"
)

// Backtrace is a captured frame-address sequence, leaf-first, expressed as
// a difference against the thread's previous backtrace.
//
// StaleCount == event.StaleCountAll means Frames replaces the previous
// sequence entirely. StaleCount == k means the top k frames of the previous
// sequence are invalid: drop them and prepend Frames. An empty backtrace
// with StaleCount == event.StaleCountAll means the stack could not be
// unwound; downstream code tolerates it.
type Backtrace struct {
	Frames     []uint64
	StaleCount uint32
}

// CaptureFunc fills buf with the calling thread's program counters,
// leaf-first, and returns the number written. The default implementation
// walks the Go stack; the cgo shim installs a native unwinder, and tests
// install synthetic sequences.
type CaptureFunc func(buf []uint64) int

// maxBacktraceDepth bounds a single capture.
const maxBacktraceDepth = 512

// defaultCapture walks the Go call stack. The skip of 4 drops
// runtime.Callers itself, this function, grabBacktrace, and the hook body,
// leaving application frames; any profiler frame that still leaks through
// (the public hook method, or a frame shifted by inlining) is dropped by
// function-name prefix below.
func defaultCapture(buf []uint64) int {
	pcs := make([]uintptr, len(buf))
	n := runtime.Callers(4, pcs)
	out := 0
	for _, pc := range pcs[:n] {
		if fn := runtime.FuncForPC(pc); fn != nil && strings.HasPrefix(fn.Name(), selfPackagePrefix) {
			continue
		}
		buf[out] = uint64(pc)
		out++
	}
	return out
}

// selfPackagePrefix identifies the profiler's own frames in Go backtraces.
const selfPackagePrefix = "github.com/memtrail/memtrail/"

// grabBacktrace captures the thread's current stack into bt, diffing it
// against ts.currentBacktrace so that only the changed top of the stack is
// carried in the event. ts.currentBacktrace is updated to the new full
// sequence.
//
// The diff walks both sequences from the outermost frame inward (the
// suffixes of leaf-first sequences): the shared suffix stays, everything
// above it is replaced. When nothing is shared — or there was no previous
// backtrace — StaleCount is the replace-all sentinel.
func (p *Profiler) grabBacktrace(ts *ThreadState, bt *Backtrace) {
	if cap(ts.scratch) < maxBacktraceDepth {
		ts.scratch = make([]uint64, maxBacktraceDepth)
	}
	n := p.capture(ts.scratch[:maxBacktraceDepth])
	full := ts.scratch[:n]

	// Flag backtraces that originate inside operator new: the loader uses
	// this for the shared-pointer heuristic. The range is configured by the
	// native shim; it is empty for pure-Go captures.
	if n > 0 && p.operatorNewRange.contains(full[0]) {
		ts.pendingSharedPtr = true
	} else {
		ts.pendingSharedPtr = false
	}

	prev := ts.currentBacktrace
	shared := 0
	for shared < len(full) && shared < len(prev) {
		if full[len(full)-1-shared] != prev[len(prev)-1-shared] {
			break
		}
		shared++
	}

	if shared == 0 {
		bt.StaleCount = event.StaleCountAll
		bt.Frames = append(bt.Frames[:0], full...)
	} else {
		bt.StaleCount = uint32(len(prev) - shared)
		bt.Frames = append(bt.Frames[:0], full[:len(full)-shared]...)
	}

	ts.currentBacktrace = append(ts.currentBacktrace[:0], full...)
}

// addressRange is a half-open [start, end) code address range.
type addressRange struct {
	start uint64
	end   uint64
}

func (r addressRange) contains(addr uint64) bool {
	return r.start != r.end && addr >= r.start && addr < r.end
}
