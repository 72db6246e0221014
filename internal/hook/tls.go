package hook

import (
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// ThrottleLimit is the per-thread cap on outstanding (enqueued but not yet
// consumed) events. A producer whose counter reaches the limit busy-yields
// before creating the next event, so a runaway producer cannot grow the
// processing queue without bound.
const ThrottleLimit = 4096

// ArcCounter is the refcounted outstanding-event counter shared between a
// thread's state record and the throttle handles attached to its events.
// It outlives the ThreadState: the registry GCs dead threads only once
// their counter drains back to the raised baseline.
type ArcCounter struct {
	n atomic.Int64
}

// Add adjusts the counter by delta and returns the new value.
func (c *ArcCounter) Add(delta int64) int64 { return c.n.Add(delta) }

// Load returns the current value.
func (c *ArcCounter) Load() int64 { return c.n.Load() }

// ThrottleHandle keeps one event accounted against its producer thread. The
// consumer releases it when the event has been fully processed, unblocking
// the producer.
type ThrottleHandle struct {
	counter *ArcCounter
}

// Release returns the event's slot to the producer. It must be called
// exactly once per handle.
func (h ThrottleHandle) Release() {
	if h.counter != nil {
		h.counter.Add(-1)
	}
}

// ThreadState is the per-thread record lazily acquired by the first hook a
// thread enters. It is owned by that thread; only the dead flag and the
// counter are touched from outside.
type ThreadState struct {
	// tid is the OS thread id recorded in every event from this thread.
	tid uint32

	// id is the profiler's own monotonic thread index.
	id uint32

	// onApplicationThread is false while the profiler runs its own code on
	// this thread; the hooks pass through to the real allocator without
	// recording for the duration.
	onApplicationThread bool

	// allocationCounter feeds the wire-level allocation ids.
	allocationCounter uint64

	// currentBacktrace is the previous full frame sequence, kept for
	// partial backtrace diffing.
	currentBacktrace []uint64

	// scratch receives raw program counters during capture.
	scratch []uint64

	// pendingSharedPtr is set by the last capture when the innermost frame
	// fell inside operator new.
	pendingSharedPtr bool

	// pending is the producer-side event chunk: hooks append here and only
	// take the shared channel lock once per channelChunkSize events (or on
	// an urgent event). pendingMu is uncontended on the hot path — the
	// owning thread is the only regular user; the processing goroutine
	// steals stragglers with TryLock on its tick and at exit.
	pendingMu sync.Mutex
	pending   []InternalEvent

	counter *ArcCounter
	dead    atomic.Bool
}

// TID returns the OS thread id this state was created on.
func (ts *ThreadState) TID() uint32 { return ts.tid }

// enter flips the state to "inside the profiler". It returns false when the
// thread is already inside a hook (reentrancy) — the caller must then pass
// through to the real allocator without recording.
func (ts *ThreadState) enter() bool {
	if !ts.onApplicationThread {
		return false
	}
	ts.onApplicationThread = false
	return true
}

// leave re-arms the state after a hook body completes.
func (ts *ThreadState) leave() {
	ts.onApplicationThread = true
}

// nextAllocationID returns a fresh wire-level allocation id for this thread.
func (ts *ThreadState) nextAllocationID() allocationCounterID {
	ts.allocationCounter++
	return allocationCounterID{thread: ts.tid, allocation: ts.allocationCounter}
}

type allocationCounterID struct {
	thread     uint32
	allocation uint64
}

// threadRegistry tracks every live ThreadState. The processing goroutine
// garbage-collects entries whose thread has marked itself dead, and the
// AllocationLock raises every entry's throttle counter to quiesce the
// process.
type threadRegistry struct {
	mu      sync.Mutex
	threads map[uint32]*ThreadState
	nextID  uint32

	// raised counts the active global allocation locks. While nonzero, new
	// thread states start with their counter pre-raised.
	raised int
}

func newThreadRegistry() *threadRegistry {
	return &threadRegistry{threads: make(map[uint32]*ThreadState)}
}

// acquire returns the ThreadState for the calling OS thread, creating it on
// first use.
func (r *threadRegistry) acquire() *ThreadState {
	tid := uint32(unix.Gettid())
	r.mu.Lock()
	defer r.mu.Unlock()
	if ts, ok := r.threads[tid]; ok {
		return ts
	}
	r.nextID++
	ts := &ThreadState{
		tid:                 tid,
		id:                  r.nextID,
		onApplicationThread: true,
		counter:             &ArcCounter{},
	}
	if r.raised > 0 {
		ts.counter.Add(int64(r.raised) * ThrottleLimit)
	}
	r.threads[tid] = ts
	return ts
}

// markDead flags the state for collection by the processing goroutine.
func (r *threadRegistry) markDead(ts *ThreadState) {
	ts.dead.Store(true)
}

// flushPending steals every thread's buffered event chunk and hands it to
// send, preserving each producer's order. Called from the processing
// goroutine (tick and exit) to bound how long a partial chunk can linger
// on an idle thread. TryLock skips a thread that is mid-append or blocked
// flushing on its own; its events arrive through the normal path.
func (r *threadRegistry) flushPending(send func([]InternalEvent)) {
	r.mu.Lock()
	states := make([]*ThreadState, 0, len(r.threads))
	for _, ts := range r.threads {
		states = append(states, ts)
	}
	r.mu.Unlock()

	for _, ts := range states {
		if !ts.pendingMu.TryLock() {
			continue
		}
		batch := ts.pending
		ts.pending = nil
		if len(batch) > 0 {
			// Send before unlocking so a concurrent producer append cannot
			// overtake these events.
			send(batch)
		}
		ts.pendingMu.Unlock()
	}
}

// collectDead removes dead threads whose counters have drained. Called from
// the processing goroutine's periodic tick.
func (r *threadRegistry) collectDead() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	baseline := int64(r.raised) * ThrottleLimit
	for tid, ts := range r.threads {
		if ts.dead.Load() && ts.counter.Load() <= baseline {
			delete(r.threads, tid)
			n++
		}
	}
	return n
}

// raiseAll raises every thread's throttle counter by ThrottleLimit so that
// the next hook entry on any thread blocks. It returns the raised states so
// lowerAll can undo exactly what was done even if threads appear meanwhile.
func (r *threadRegistry) raiseAll() []*ThreadState {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.raised++
	raised := make([]*ThreadState, 0, len(r.threads))
	for _, ts := range r.threads {
		ts.counter.Add(ThrottleLimit)
		raised = append(raised, ts)
	}
	return raised
}

// lowerAll undoes raiseAll.
func (r *threadRegistry) lowerAll(raised []*ThreadState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.raised--
	for _, ts := range raised {
		ts.counter.Add(-ThrottleLimit)
	}
}

// quiesced reports whether every raised thread has drained its outstanding
// events, i.e. its counter is exactly at the raised baseline.
func (r *threadRegistry) quiesced(self *ThreadState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	baseline := int64(r.raised) * ThrottleLimit
	for _, ts := range r.threads {
		if ts == self {
			continue
		}
		if ts.counter.Load() > baseline {
			return false
		}
	}
	return true
}

// throttleWait blocks until the thread's outstanding-event counter is below
// ThrottleLimit, then accounts one more event and returns its handle. The
// wait is a busy yield: hook code cannot park on a channel owned by the
// profiler without risking lock-order problems with the traced allocator.
func throttleWait(ts *ThreadState) ThrottleHandle {
	for ts.counter.Load() >= ThrottleLimit {
		runtime.Gosched()
	}
	ts.counter.Add(1)
	return ThrottleHandle{counter: ts.counter}
}

// AllocationLock is the stop-the-world window used for memory-dump
// snapshots: it raises every thread's throttle so the next hook entry on
// any application thread blocks, then waits for the outstanding events to
// drain. The holder must not allocate through the traced allocator.
type AllocationLock struct {
	registry *threadRegistry
	raised   []*ThreadState
}

// Unlock releases the stop-the-world window.
func (l *AllocationLock) Unlock() {
	l.registry.lowerAll(l.raised)
	l.raised = nil
}
