package hook

import (
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/memtrail/memtrail/internal/event"
)

// ThreadState acquisition for callers that do not hold one. Every hook
// accepts an explicit *ThreadState so that a shim which already resolved
// the thread does not pay the registry lookup twice; passing nil resolves
// it here.
func (p *Profiler) Thread() *ThreadState {
	return p.registry.acquire()
}

// ReleaseThread flushes a thread's buffered events and marks its state for
// collection once its outstanding events drain; the shim calls this from
// its thread-destructor hook.
func (p *Profiler) ReleaseThread(ts *ThreadState) {
	if ts == nil {
		return
	}
	p.flushThread(ts)
	p.registry.markDead(ts)
}

// enqueue stages ev in the thread's chunk buffer, taking the shared
// channel lock only when the chunk fills or the event is urgent. Urgent
// events are the ordering-sensitive ones (markers, timestamp overrides)
// and frees, which must reach the culling logic promptly.
func (p *Profiler) enqueue(ts *ThreadState, ev InternalEvent, urgent bool) {
	ts.pendingMu.Lock()
	ts.pending = append(ts.pending, ev)
	if !urgent && len(ts.pending) < channelChunkSize {
		ts.pendingMu.Unlock()
		return
	}
	batch := ts.pending
	ts.pending = nil
	// The flush happens under pendingMu so the processing goroutine's
	// straggler steal cannot reorder this thread's events.
	p.ch.sendBatch(batch, false)
	ts.pendingMu.Unlock()
}

// flushThread force-flushes the thread's partial chunk.
func (p *Profiler) flushThread(ts *ThreadState) {
	ts.pendingMu.Lock()
	batch := ts.pending
	ts.pending = nil
	if len(batch) > 0 {
		p.ch.sendBatch(batch, false)
	}
	ts.pendingMu.Unlock()
}

// tracing reports whether hooks should record at all: tracing is enabled,
// the runtime is running, and this is not a fork child.
func (p *Profiler) tracing() bool {
	return p.enabled.Load() && p.running.Load() && !p.forkedChild.Load()
}

// Malloc traces one malloc call: it forwards to the real allocator and, on
// success, records an allocation event with a captured backtrace. On
// recursion or disabled tracing it degrades to a plain allocator call.
func (p *Profiler) Malloc(ts *ThreadState, size uint64) uint64 {
	if ts == nil {
		ts = p.registry.acquire()
	}
	if !p.tracing() || !ts.enter() {
		return p.alloc.Malloc(size)
	}
	defer ts.leave()

	ptr := p.alloc.Malloc(size)
	if ptr == 0 {
		return 0
	}
	if p.cfg.ZeroMemory {
		zeroMemory(ptr, size)
	}
	p.recordAlloc(ts, ptr, size, 0)
	return ptr
}

// Calloc traces one calloc call; the recorded event carries the calloc
// flag and the memory is zeroed.
func (p *Profiler) Calloc(ts *ThreadState, nmemb, size uint64) uint64 {
	if ts == nil {
		ts = p.registry.acquire()
	}
	total, ok := mulNoOverflow(nmemb, size)
	if !ok {
		return 0
	}
	if !p.tracing() || !ts.enter() {
		return p.alloc.Calloc(nmemb, size)
	}
	defer ts.leave()

	ptr := p.alloc.Calloc(nmemb, size)
	if ptr == 0 {
		return 0
	}
	p.recordAlloc(ts, ptr, total, event.FlagCalloc)
	return ptr
}

// Realloc traces one realloc call. realloc(0, n) is malloc(n); realloc(p, 0)
// is free(p). On allocator failure with a nonzero size the old pointer is
// recorded as freed.
func (p *Profiler) Realloc(ts *ThreadState, ptr, size uint64) uint64 {
	if ts == nil {
		ts = p.registry.acquire()
	}
	if ptr == 0 {
		return p.Malloc(ts, size)
	}
	if size == 0 {
		p.Free(ts, ptr)
		return 0
	}
	if !p.tracing() || !ts.enter() {
		return p.alloc.Realloc(ptr, size)
	}
	defer ts.leave()

	newPtr := p.alloc.Realloc(ptr, size)
	if newPtr == 0 {
		p.recordFree(ts, ptr)
		return 0
	}
	p.recordRealloc(ts, ptr, newPtr, size)
	return newPtr
}

// Free traces one free call. Free of a null pointer is a no-op. A
// backtrace is captured only when the runtime is configured to grab
// backtraces on free.
func (p *Profiler) Free(ts *ThreadState, ptr uint64) {
	if ptr == 0 {
		return
	}
	if ts == nil {
		ts = p.registry.acquire()
	}
	if !p.tracing() || !ts.enter() {
		p.alloc.Free(ptr)
		return
	}
	defer ts.leave()

	p.alloc.Free(ptr)
	p.recordFree(ts, ptr)
}

// PosixMemalign validates the alignment (a power of two multiple of the
// pointer size), forwards to the allocator, and records the allocation.
// It returns the allocated address and 0, or 0 and an errno value.
func (p *Profiler) PosixMemalign(ts *ThreadState, alignment, size uint64) (uint64, int) {
	if alignment == 0 || alignment%pointerSize != 0 || alignment&(alignment-1) != 0 {
		return 0, int(unix.EINVAL)
	}
	if ts == nil {
		ts = p.registry.acquire()
	}
	if !p.tracing() || !ts.enter() {
		ptr := p.alloc.Memalign(alignment, size)
		if ptr == 0 {
			return 0, int(unix.ENOMEM)
		}
		return ptr, 0
	}
	defer ts.leave()

	ptr := p.alloc.Memalign(alignment, size)
	if ptr == 0 {
		return 0, int(unix.ENOMEM)
	}
	if p.cfg.ZeroMemory {
		zeroMemory(ptr, size)
	}
	p.recordAlloc(ts, ptr, size, 0)
	return ptr, 0
}

// Mmap performs the mmap syscall directly — bypassing any libc interposer
// that would recurse into these hooks — and records the result. The
// syscall's errno is propagated unchanged on failure.
func (p *Profiler) Mmap(ts *ThreadState, addr, length uint64, prot, flags int32, fd int32, offset uint64) (uint64, error) {
	r, _, errno := unix.Syscall6(unix.SYS_MMAP,
		uintptr(addr), uintptr(length), uintptr(prot), uintptr(flags), uintptr(fd), uintptr(offset))
	if errno != 0 {
		return 0, errno
	}
	if ts == nil {
		ts = p.registry.acquire()
	}
	if p.tracing() && ts.enter() {
		p.recordMmap(ts, uint64(r), length, addr, uint32(prot), uint32(flags), fd, offset)
		ts.leave()
	}
	return uint64(r), nil
}

// Munmap performs the munmap syscall directly and records the result.
func (p *Profiler) Munmap(ts *ThreadState, addr, length uint64) error {
	_, _, errno := unix.Syscall(unix.SYS_MUNMAP, uintptr(addr), uintptr(length), 0)
	if errno != 0 {
		return errno
	}
	if ts == nil {
		ts = p.registry.acquire()
	}
	if p.tracing() && ts.enter() {
		p.recordMunmap(ts, addr, length)
		ts.leave()
	}
	return nil
}

// Mallopt records a mallopt parameter change together with the allocator's
// result.
func (p *Profiler) Mallopt(ts *ThreadState, param, value int32) int32 {
	result := p.mallopt(param, value)
	if ts == nil {
		ts = p.registry.acquire()
	}
	if p.tracing() && ts.enter() {
		ev := InternalEvent{
			kind:      ieMallopt,
			timestamp: p.hookTimestamp(),
			thread:    ts.tid,
			param:     param,
			value:     value,
			result:    result,
			throttle:  throttleWait(ts),
		}
		p.grabBacktrace(ts, &ev.backtrace)
		p.enqueue(ts, ev, false)
		ts.leave()
	}
	return result
}

// SetMarker labels all subsequent allocations with value.
func (p *Profiler) SetMarker(value uint32) {
	p.marker.Store(value)
	if !p.tracing() {
		return
	}
	ts := p.registry.acquire()
	if !ts.enter() {
		return
	}
	defer ts.leave()
	p.enqueue(ts, InternalEvent{
		kind:     ieSetMarker,
		thread:   ts.tid,
		marker:   value,
		throttle: throttleWait(ts),
	}, true)
}

// OverrideNextTimestamp forces the next recorded event to carry the given
// microsecond timestamp instead of a captured one.
func (p *Profiler) OverrideNextTimestamp(usecs uint64) {
	if !p.tracing() {
		return
	}
	ts := p.registry.acquire()
	if !ts.enter() {
		return
	}
	defer ts.leave()
	p.enqueue(ts, InternalEvent{
		kind:      ieOverrideNextTimestamp,
		thread:    ts.tid,
		timestamp: event.Timestamp(usecs),
		throttle:  throttleWait(ts),
	}, true)
}

// HandleFork must be called in the child after fork: the child has no
// processing goroutine, so all hooks degrade to pass-through permanently.
func (p *Profiler) HandleFork() {
	p.forkedChild.Store(true)
}

// Enable turns tracing on.
func (p *Profiler) Enable() { p.enabled.Store(true) }

// Disable turns tracing off; hooks pass through until re-enabled.
func (p *Profiler) Disable() { p.enabled.Store(false) }

// Enabled reports whether tracing is currently on.
func (p *Profiler) Enabled() bool { return p.enabled.Load() }

// ---------------------------------------------------------------------------
// Event construction
// ---------------------------------------------------------------------------

// recordAlloc captures a backtrace and enqueues an allocation event. The
// caller holds the recursion lock.
func (p *Profiler) recordAlloc(ts *ThreadState, ptr, size uint64, flags uint32) {
	defer p.recoverHook(ts)
	usable := p.alloc.UsableSize(ptr)
	chunkFlags, preceding := p.alloc.Metadata(ptr)
	id := ts.nextAllocationID()

	ev := InternalEvent{
		kind:      ieAlloc,
		timestamp: p.hookTimestamp(),
		thread:    ts.tid,
		id:        event.AllocationID{Thread: id.thread, Allocation: id.allocation},
		pointer:   ptr,
		size:      size,
		flags:     flags | chunkFlags,
		marker:    p.marker.Load(),
		throttle:  throttleWait(ts),
	}
	if usable > size {
		ev.extraUsable = uint32(usable - size)
	}
	ev.precedingFree = preceding
	p.grabBacktrace(ts, &ev.backtrace)
	ev.sharedPtr = ts.pendingSharedPtr
	if ev.sharedPtr {
		ev.flags |= event.FlagSharedPtr
	}
	p.enqueue(ts, ev, false)
}

// recordRealloc enqueues a reallocation event linking oldPtr to newPtr.
func (p *Profiler) recordRealloc(ts *ThreadState, oldPtr, newPtr, size uint64) {
	defer p.recoverHook(ts)
	usable := p.alloc.UsableSize(newPtr)
	chunkFlags, preceding := p.alloc.Metadata(newPtr)
	id := ts.nextAllocationID()

	ev := InternalEvent{
		kind:       ieRealloc,
		timestamp:  p.hookTimestamp(),
		thread:     ts.tid,
		id:         event.AllocationID{Thread: id.thread, Allocation: id.allocation},
		oldID:      event.UntrackedAllocationID,
		pointer:    newPtr,
		oldPointer: oldPtr,
		size:       size,
		flags:      chunkFlags,
		marker:     p.marker.Load(),
		throttle:   throttleWait(ts),
	}
	if usable > size {
		ev.extraUsable = uint32(usable - size)
	}
	ev.precedingFree = preceding
	p.grabBacktrace(ts, &ev.backtrace)
	p.enqueue(ts, ev, false)
}

// recordFree enqueues a deallocation event.
func (p *Profiler) recordFree(ts *ThreadState, ptr uint64) {
	defer p.recoverHook(ts)
	ev := InternalEvent{
		kind:      ieFree,
		timestamp: p.hookTimestamp(),
		thread:    ts.tid,
		id:        event.UntrackedAllocationID,
		pointer:   ptr,
		throttle:  throttleWait(ts),
	}
	if p.cfg.GrabBacktracesOnFree {
		p.grabBacktrace(ts, &ev.backtrace)
	} else {
		ev.backtrace.StaleCount = noBacktraceSentinel
	}
	p.enqueue(ts, ev, true)
}

// recordMmap enqueues an mmap event.
func (p *Profiler) recordMmap(ts *ThreadState, ptr, length, requested uint64, prot, flags uint32, fd int32, offset uint64) {
	defer p.recoverHook(ts)
	ev := InternalEvent{
		kind:             ieMmap,
		timestamp:        p.hookTimestamp(),
		thread:           ts.tid,
		pointer:          ptr,
		size:             length,
		requestedAddress: requested,
		protection:       prot,
		mmapFlags:        flags,
		fd:               fd,
		offset:           offset,
		throttle:         throttleWait(ts),
	}
	p.grabBacktrace(ts, &ev.backtrace)
	p.enqueue(ts, ev, false)
	if prot&uint32(unix.PROT_EXEC) != 0 {
		p.addressSpaceDirty.Store(true)
	}
}

// recordMunmap enqueues a munmap event.
func (p *Profiler) recordMunmap(ts *ThreadState, ptr, length uint64) {
	defer p.recoverHook(ts)
	ev := InternalEvent{
		kind:      ieMunmap,
		timestamp: p.hookTimestamp(),
		thread:    ts.tid,
		pointer:   ptr,
		size:      length,
		throttle:  throttleWait(ts),
	}
	p.grabBacktrace(ts, &ev.backtrace)
	p.enqueue(ts, ev, false)
}

// recoverHook converts a panic inside profiler code into a pass-through: a
// panic must never unwind into arbitrary application code.
func (p *Profiler) recoverHook(ts *ThreadState) {
	if r := recover(); r != nil {
		p.panicked.Add(1)
		if p.logger != nil {
			p.logger.Error("hook panicked; event dropped", "panic", r, "thread", ts.tid)
		}
	}
}

// hookTimestamp returns the event timestamp captured at the hook site, or
// the sentinel when precise timestamps are off (the processing goroutine
// substitutes its coarse clock).
func (p *Profiler) hookTimestamp() event.Timestamp {
	if !p.cfg.PreciseTimestamps {
		return event.TimestampMin
	}
	return event.Timestamp(time.Since(p.startMono).Microseconds())
}

// noBacktraceSentinel marks an InternalEvent whose backtrace was not
// captured (frees with backtrace grabbing disabled).
const noBacktraceSentinel = event.StaleCountAll - 1

// pointerSize is the traced process's pointer width in bytes.
const pointerSize = 8

func mulNoOverflow(a, b uint64) (uint64, bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	total := a * b
	if total/a != b {
		return 0, false
	}
	return total, true
}

// zeroMemory clears size bytes at ptr. ptr must be a live allocation
// obtained from the traced allocator.
func zeroMemory(ptr, size uint64) {
	if ptr == 0 || size == 0 {
		return
	}
	b := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(ptr))), size)
	for i := range b {
		b[i] = 0
	}
}
