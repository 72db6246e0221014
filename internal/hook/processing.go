package hook

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/zeebo/xxh3"

	"github.com/memtrail/memtrail/internal/addrspace"
	"github.com/memtrail/memtrail/internal/config"
	"github.com/memtrail/memtrail/internal/event"
)

// ProtocolVersion is the capture stream protocol revision carried in the
// header and the beacon.
const ProtocolVersion = 1

// tickInterval is the processing goroutine's drain cadence.
const tickInterval = 250 * time.Millisecond

// exitWaitLimit bounds how long Stop waits for the processing goroutine to
// drain and clear the running flag.
const exitWaitLimit = 50 * time.Second

// statsFlushThreshold flushes the pending group statistics once the map
// holds this many backtraces.
const statsFlushThreshold = 4096

// statsFlushInterval flushes the pending group statistics at least this
// often regardless of size.
const statsFlushInterval = 10 * time.Second

// Profiler is the process-wide capture runtime. Create one with New, start
// it with Start, and route allocator traffic through the hook methods. All
// writer state is owned by the single processing goroutine.
type Profiler struct {
	cfg    config.Runtime
	logger *slog.Logger

	alloc            Allocator
	capture          CaptureFunc
	mallopt          func(param, value int32) int32
	operatorNewRange addressRange

	registry *threadRegistry
	ch       *channel

	enabled     atomic.Bool
	running     atomic.Bool
	forkedChild atomic.Bool
	panicked    atomic.Uint64

	marker            atomic.Uint32
	addressSpaceDirty atomic.Bool

	startMono     time.Time
	wallClockSecs uint64
	headerID      event.DataID
	pid           uint32
	cmdline       []byte
	executable    string
	arch          string

	server *server

	wg sync.WaitGroup
}

// Option customises a Profiler at construction.
type Option func(*Profiler)

// WithCaptureFunc installs a custom backtrace capturer (used by the native
// shim and by tests).
func WithCaptureFunc(fn CaptureFunc) Option {
	return func(p *Profiler) { p.capture = fn }
}

// WithOperatorNewRange sets the code address range of operator new for the
// shared-pointer origin heuristic.
func WithOperatorNewRange(start, end uint64) Option {
	return func(p *Profiler) { p.operatorNewRange = addressRange{start: start, end: end} }
}

// WithMalloptFunc installs the function invoked by the Mallopt hook to
// apply the parameter to the real allocator.
func WithMalloptFunc(fn func(param, value int32) int32) Option {
	return func(p *Profiler) { p.mallopt = fn }
}

// WithChannelCapacity overrides the bounded event channel capacity.
func WithChannelCapacity(n int) Option {
	return func(p *Profiler) { p.ch = newChannel(n) }
}

// New creates a Profiler tracing alloc with the given configuration. The
// logger may be nil to disable the runtime's own diagnostics.
func New(cfg config.Runtime, logger *slog.Logger, alloc Allocator, opts ...Option) (*Profiler, error) {
	if alloc == nil {
		return nil, fmt.Errorf("hook: nil allocator")
	}
	executable, err := os.Executable()
	if err != nil {
		executable = os.Args[0]
	}
	p := &Profiler{
		cfg:        cfg,
		logger:     logger,
		alloc:      alloc,
		capture:    defaultCapture,
		mallopt:    func(int32, int32) int32 { return 1 },
		registry:   newThreadRegistry(),
		ch:         newChannel(defaultChannelCapacity),
		pid:        uint32(os.Getpid()),
		cmdline:    cmdlineBytes(),
		executable: executable,
		arch:       runtime.GOARCH,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.enabled.Store(!cfg.DisableByDefault)
	return p, nil
}

// Start opens the output, writes the stream prologue, and launches the
// processing goroutine (plus the TCP server and UDP beacon when enabled).
// It returns an error when neither file output nor the server could be set
// up — a capture with nowhere to go is a configuration mistake.
func (p *Profiler) Start() error {
	if !p.running.CompareAndSwap(false, true) {
		return fmt.Errorf("hook: already running")
	}
	p.startMono = time.Now()
	p.wallClockSecs = uint64(time.Now().Unix())
	p.headerID = event.NewDataID(p.pid, p.cmdline, []byte(p.executable), p.wallClockSecs)

	sink := &outputSink{logger: p.logger}

	path := config.ExpandOutputPath(p.cfg.OutputPathPattern, int(p.pid), time.Now().Unix(), p.executable)
	if path != "" {
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			p.running.Store(false)
			return fmt.Errorf("hook: cannot open output %q: %w", path, err)
		}
		if p.cfg.ChownOutputTo >= 0 {
			if err := file.Chown(p.cfg.ChownOutputTo, -1); err != nil && p.logger != nil {
				p.logger.Warn("cannot chown output", slog.String("path", path), slog.Any("error", err))
			}
		}
		sink.file = file
		sink.path = path
	}

	if p.cfg.EnableServer || p.cfg.EnableBroadcasts {
		srv, err := newServer(p, sink)
		if err != nil {
			if p.logger != nil {
				p.logger.Warn("streaming server unavailable", slog.Any("error", err))
			}
		} else {
			p.server = srv
			sink.srv = srv
		}
	}

	if sink.file == nil && p.server == nil {
		p.running.Store(false)
		return fmt.Errorf("hook: no output configured (empty path pattern and server disabled)")
	}

	proc := newProcState(p, sink)
	p.wg.Add(1)
	go proc.run()
	return nil
}

// Stop enqueues the exit event and waits for the processing goroutine to
// drain pending culled allocations, flush the writer, notify clients, and
// terminate. Waiting is bounded by exitWaitLimit.
func (p *Profiler) Stop() {
	if !p.running.Load() {
		return
	}
	done := make(chan struct{})
	p.ch.send(InternalEvent{kind: ieExit, done: done})

	deadline := time.Now().Add(exitWaitLimit)
	for p.running.Load() && time.Now().Before(deadline) {
		select {
		case <-done:
		case <-time.After(10 * time.Millisecond):
		}
	}
	p.ch.close()
	p.wg.Wait()
}

// RequestMemoryDump asks the processing goroutine to snapshot the process
// memory into the stream. It returns once the dump has been written.
func (p *Profiler) RequestMemoryDump() {
	if !p.running.Load() {
		return
	}
	done := make(chan struct{})
	p.ch.send(InternalEvent{kind: ieGrabMemoryDump, done: done})
	<-done
}

// QueueDepth reports the number of events waiting for the processing
// goroutine.
func (p *Profiler) QueueDepth() int { return p.ch.depth() }

func cmdlineBytes() []byte {
	data, err := os.ReadFile("/proc/self/cmdline")
	if err != nil {
		joined := ""
		for i, a := range os.Args {
			if i > 0 {
				joined += "\x00"
			}
			joined += a
		}
		return []byte(joined)
	}
	return data
}

// ---------------------------------------------------------------------------
// Output sink
// ---------------------------------------------------------------------------

// outputSink receives the compressed stream bytes and fans them out to the
// capture file and the streaming server. A file write error disables the
// file permanently (clients continue); the sink itself never fails, so the
// event writer above it stays usable.
type outputSink struct {
	file     *os.File
	path     string
	fileDead bool
	srv      *server
	logger   *slog.Logger
}

func (s *outputSink) Write(b []byte) (int, error) {
	if s.file != nil && !s.fileDead {
		if _, err := s.file.Write(b); err != nil {
			s.fileDead = true
			if s.logger != nil {
				s.logger.Warn("output file write failed; disabling file output",
					slog.String("path", s.path), slog.Any("error", err))
			}
		}
	}
	if s.srv != nil {
		s.srv.appendData(b)
	}
	return len(b), nil
}

func (s *outputSink) close() {
	if s.file != nil {
		_ = s.file.Close()
	}
}

var _ io.Writer = (*outputSink)(nil)

// ---------------------------------------------------------------------------
// Processing state
// ---------------------------------------------------------------------------

// cachedBacktrace is one resolved frame sequence. The id is assigned lazily
// on first emission, so a sequence seen only inside culling buckets takes
// its stream id when its bucket is flushed or folded into group statistics.
type cachedBacktrace struct {
	frames  []uint64
	id      uint64
	emitted bool
	shared  bool
}

// threadCursor is the consumer-side backtrace state for one producer
// thread: the reconstructed current sequence and the sequence most recently
// written to the stream (the base for emitted partial diffs).
type threadCursor struct {
	current     []uint64
	lastEmitted []uint64
}

// cullBucket holds the events of one not-yet-emitted allocation during the
// temporary-allocation window.
type cullBucket struct {
	key       event.AllocationID
	first     event.Timestamp
	events    []pendingEvent
	backtrace []*cachedBacktrace
}

// pendingEvent is a drained event staged inside a culling bucket.
type pendingEvent struct {
	ev InternalEvent
	bt *cachedBacktrace
}

// procState is everything owned exclusively by the processing goroutine.
type procState struct {
	p    *Profiler
	sink *outputSink
	wr   *event.Writer

	btCache *lru.Cache[uint64, *cachedBacktrace]
	cursors map[uint32]*threadCursor

	nextBacktraceID uint64
	nextUnified     uint64

	pendingOverride uint64
	hasOverride     bool

	// liveIDs correlates live pointers with the wire-level allocation id
	// assigned at the alloc hook, so free and realloc events can be written
	// with the tracked id of the allocation they act on.
	liveIDs map[uint64]event.AllocationID

	buckets     map[event.AllocationID]*cullBucket
	bucketOrder []*cullBucket

	// flushedUnified remembers the unified id of buckets flushed without
	// their free (long-lived or cap-evicted), so the eventual free is
	// written as a FreeEx with a matching id.
	flushedUnified map[event.AllocationID]uint64

	stats          map[uint64]*event.GroupStatistics
	lastStatsFlush time.Time

	coarse        event.Timestamp
	lastBeacon    time.Time
	lastMapsCheck time.Time
	lastMapsHash  uint64
	knownBinaries map[string]bool
}

func newProcState(p *Profiler, sink *outputSink) *procState {
	cache, _ := lru.New[uint64, *cachedBacktrace](p.cfg.BacktraceCacheSize)
	return &procState{
		p:                p,
		sink:             sink,
		wr:               event.NewWriter(sink),
		btCache:          cache,
		cursors:          make(map[uint32]*threadCursor),
		liveIDs:          make(map[uint64]event.AllocationID),
		buckets:          make(map[event.AllocationID]*cullBucket),
		flushedUnified:   make(map[event.AllocationID]uint64),
		stats:            make(map[uint64]*event.GroupStatistics),
		lastStatsFlush:   time.Now(),
		knownBinaries:    make(map[string]bool),
	}
}

// run is the processing goroutine main loop.
func (s *procState) run() {
	defer s.p.wg.Done()
	defer s.p.running.Store(false)

	s.writePrologue()

	for {
		chunks, open := s.p.ch.recvTimeout(tickInterval)
		s.updateCoarse()
		s.tick()

		var exitEv *InternalEvent
		for _, chunk := range chunks {
			for i := 0; i < chunk.n; i++ {
				ev := &chunk.events[i]
				if ev.kind == ieExit {
					exitEv = ev
					continue
				}
				s.process(ev)
				ev.releaseThrottle()
			}
		}
		if exitEv != nil || !open {
			// Producer threads may still hold partial chunks that logically
			// precede the exit; pull them in before closing the stream.
			s.drainStragglers()
			s.finish(exitEv)
			return
		}
		s.advanceCullWindow(false)
		s.maybeFlushStats(false)
		if err := s.wr.Flush(); err != nil && s.p.logger != nil {
			s.p.logger.Warn("stream flush failed", slog.Any("error", err))
		}
	}
}

// stealPending flushes every thread's buffered chunk into the channel.
// The force flag on sendBatch keeps the only consumer from waiting on
// itself when the queue is at capacity.
func (s *procState) stealPending() {
	s.p.registry.flushPending(func(batch []InternalEvent) {
		s.p.ch.sendBatch(batch, true)
	})
}

// drainStragglers pulls in buffered thread chunks and processes everything
// left in the channel.
func (s *procState) drainStragglers() {
	s.stealPending()
	for {
		chunks, _ := s.p.ch.recvTimeout(time.Millisecond)
		if chunks == nil {
			return
		}
		for _, chunk := range chunks {
			for i := 0; i < chunk.n; i++ {
				ev := &chunk.events[i]
				if ev.kind == ieExit || ev.kind == ieGrabMemoryDump {
					if ev.done != nil {
						close(ev.done)
					}
					continue
				}
				s.process(ev)
				ev.releaseThrottle()
			}
		}
	}
}

// writePrologue emits the header, the wall clock, the environment, the
// initial address space, and any INCLUDE_FILE matches.
func (s *procState) writePrologue() {
	p := s.p
	s.updateCoarse()
	s.write(event.Header{
		ID:               p.headerID,
		PID:              p.pid,
		Cmdline:          p.cmdline,
		Executable:       []byte(p.executable),
		Architecture:     p.arch,
		PointerSize:      pointerSize,
		BigEndian:        false,
		InitialTimestamp: s.coarse,
		WallClockSecs:    p.wallClockSecs,
		ProtocolVersion:  ProtocolVersion,
	})
	s.write(event.WallClock{Timestamp: s.coarse, WallClockSecs: uint64(time.Now().Unix())})

	for _, entry := range os.Environ() {
		s.write(event.Environ{Entry: []byte(entry)})
	}

	s.writeAddressSpace(true)

	if glob := p.cfg.IncludeFileGlob; glob != "" {
		matches, err := filepath.Glob(glob)
		if err != nil && p.logger != nil {
			p.logger.Warn("bad include glob", slog.String("glob", glob), slog.Any("error", err))
		}
		for _, m := range matches {
			data, err := os.ReadFile(m)
			if err != nil {
				continue
			}
			s.write(event.File{Timestamp: s.coarse, Path: m, Contents: data})
		}
	}
}

// tick performs the periodic maintenance that is independent of the
// drained events. Straggler chunks are stolen every tick so a partial
// producer buffer never lingers longer than the drain cadence.
func (s *procState) tick() {
	s.stealPending()
	now := time.Now()
	if now.Sub(s.lastBeacon) >= time.Second {
		s.lastBeacon = now
		if s.p.server != nil {
			s.p.server.tick(s)
		}
		s.checkAddressSpace()
		s.p.registry.collectDead()
	}
}

func (s *procState) updateCoarse() {
	s.coarse = event.Timestamp(time.Since(s.p.startMono).Microseconds())
}

// write serialises one event; encode failures are programming errors and
// are logged rather than propagated.
func (s *procState) write(ev event.Event) {
	if err := s.wr.Write(ev); err != nil && s.p.logger != nil {
		s.p.logger.Warn("event write failed", slog.String("kind", ev.Kind().String()), slog.Any("error", err))
	}
}

// process routes one drained event.
func (s *procState) process(ev *InternalEvent) {
	switch ev.kind {
	case ieSetMarker:
		s.write(event.Marker{Value: ev.marker})
	case ieOverrideNextTimestamp:
		s.pendingOverride = uint64(ev.timestamp)
		s.hasOverride = true
	case ieGrabMemoryDump:
		s.grabMemoryDump()
		if ev.done != nil {
			close(ev.done)
		}
	case ieAddressSpaceUpdated:
		s.checkAddressSpace()
	case ieAlloc:
		bt := s.resolveBacktrace(ev)
		if ev.id.IsValid() {
			s.liveIDs[ev.pointer] = ev.id
		}
		if s.p.cfg.CullTemporaryAllocations && ev.id.IsValid() {
			s.cullAdd(ev, bt)
		} else {
			s.writeConcrete(ev, bt, false, 0)
		}
	case ieRealloc:
		bt := s.resolveBacktrace(ev)
		if old, ok := s.liveIDs[ev.oldPointer]; ok {
			ev.oldID = old
			delete(s.liveIDs, ev.oldPointer)
		}
		if ev.id.IsValid() {
			s.liveIDs[ev.pointer] = ev.id
		}
		if s.p.cfg.CullTemporaryAllocations && ev.oldID.IsValid() {
			if s.cullRealloc(ev, bt) {
				return
			}
		}
		s.writeConcrete(ev, bt, false, 0)
	case ieFree:
		bt := s.resolveBacktrace(ev)
		if id, ok := s.liveIDs[ev.pointer]; ok {
			ev.id = id
			delete(s.liveIDs, ev.pointer)
		}
		if s.p.cfg.CullTemporaryAllocations && ev.id.IsValid() {
			if s.cullFree(ev, bt) {
				return
			}
			if unified, ok := s.flushedUnified[ev.id]; ok {
				delete(s.flushedUnified, ev.id)
				s.writeConcrete(ev, bt, true, unified)
				return
			}
		}
		s.writeConcrete(ev, bt, false, 0)
	case ieMmap, ieMunmap, ieMallopt:
		bt := s.resolveBacktrace(ev)
		s.writeConcrete(ev, bt, false, 0)
	}
}

// eventTimestamp applies the override-or-coarse rule: an event carrying the
// sentinel timestamp receives the pending override if one is queued, else
// the processing goroutine's coarse clock.
func (s *procState) eventTimestamp(ev *InternalEvent) event.Timestamp {
	if ev.timestamp != event.TimestampMin {
		return ev.timestamp
	}
	if s.hasOverride {
		s.hasOverride = false
		return event.Timestamp(s.pendingOverride)
	}
	return s.coarse
}

// ---------------------------------------------------------------------------
// Backtrace resolution
// ---------------------------------------------------------------------------

// resolveBacktrace reconstructs the event's full frame sequence from the
// thread cursor, then interns it through the LRU cache. It returns nil when
// the event carries no backtrace.
func (s *procState) resolveBacktrace(ev *InternalEvent) *cachedBacktrace {
	if ev.backtrace.StaleCount == noBacktraceSentinel {
		return nil
	}
	cursor := s.cursors[ev.thread]
	if cursor == nil {
		cursor = &threadCursor{}
		s.cursors[ev.thread] = cursor
	}

	if ev.backtrace.StaleCount == event.StaleCountAll {
		cursor.current = append(cursor.current[:0], ev.backtrace.Frames...)
	} else {
		stale := int(ev.backtrace.StaleCount)
		if stale > len(cursor.current) {
			stale = len(cursor.current)
		}
		kept := cursor.current[stale:]
		merged := make([]uint64, 0, len(ev.backtrace.Frames)+len(kept))
		merged = append(merged, ev.backtrace.Frames...)
		merged = append(merged, kept...)
		cursor.current = merged
	}

	key := hashFrames(cursor.current)
	if cached, ok := s.btCache.Get(key); ok && framesEqual(cached.frames, cursor.current) {
		if ev.sharedPtr {
			cached.shared = true
		}
		return cached
	}
	cached := &cachedBacktrace{
		frames: append([]uint64(nil), cursor.current...),
		shared: ev.sharedPtr,
	}
	s.btCache.Add(key, cached)
	return cached
}

// emitBacktrace writes the PartialBacktrace introducing bt, assigning its
// stream id on first use. The frames are diffed against the last sequence
// written for the thread, for events flushed from culling buckets as well;
// with no shared suffix the full sequence is written with the replace-all
// stale count.
func (s *procState) emitBacktrace(bt *cachedBacktrace, thread uint32) uint64 {
	if bt == nil {
		return event.NoBacktrace
	}
	if bt.emitted {
		return bt.id
	}
	s.nextBacktraceID++
	bt.id = s.nextBacktraceID
	bt.emitted = true

	cursor := s.cursors[thread]
	if cursor == nil {
		cursor = &threadCursor{}
		s.cursors[thread] = cursor
	}

	stale := uint32(event.StaleCountAll)
	frames := bt.frames
	shared := sharedSuffix(bt.frames, cursor.lastEmitted)
	if shared > 0 {
		stale = uint32(len(cursor.lastEmitted) - shared)
		frames = bt.frames[:len(bt.frames)-shared]
	}
	s.write(event.PartialBacktrace{
		ID:         bt.id,
		Thread:     thread,
		StaleCount: stale,
		Addresses:  frames,
	})
	cursor.lastEmitted = append(cursor.lastEmitted[:0], bt.frames...)
	return bt.id
}

func sharedSuffix(a, b []uint64) int {
	n := 0
	for n < len(a) && n < len(b) {
		if a[len(a)-1-n] != b[len(b)-1-n] {
			break
		}
		n++
	}
	return n
}

func hashFrames(frames []uint64) uint64 {
	var buf [8]byte
	h := xxh3.New()
	for _, f := range frames {
		byteOrderPut(buf[:], f)
		_, _ = h.Write(buf[:])
	}
	return h.Sum64()
}

func byteOrderPut(b []byte, v uint64) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
	b[4] = byte(v >> 32)
	b[5] = byte(v >> 40)
	b[6] = byte(v >> 48)
	b[7] = byte(v >> 56)
}

func framesEqual(a, b []uint64) bool {
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

// ---------------------------------------------------------------------------
// Concrete event emission
// ---------------------------------------------------------------------------

// writeConcrete emits the wire form of a drained allocation-family event.
// ex marks events flushed from culling buckets; unified is their shared
// allocation id.
func (s *procState) writeConcrete(ev *InternalEvent, bt *cachedBacktrace, ex bool, unified uint64) {
	btID := s.emitBacktrace(bt, ev.thread)
	ts := s.eventTimestamp(ev)
	flags := ev.flags
	if bt != nil && bt.shared {
		flags |= event.FlagSharedPtr
	}

	id := ev.id
	if ex {
		// Unified ids live in their own key space: thread 0 with the high
		// bit set, which no pointer-keyed untracked event can collide
		// with.
		id = event.AllocationID{Thread: 0, Allocation: 1<<63 | unified}
	}

	switch ev.kind {
	case ieAlloc:
		s.write(event.Alloc{
			Ex:               ex,
			ID:               id,
			Pointer:          ev.pointer,
			Size:             ev.size,
			Backtrace:        btID,
			Thread:           ev.thread,
			Flags:            flags,
			ExtraUsableSpace: ev.extraUsable,
			PrecedingFree:    ev.precedingFree,
			Timestamp:        ts,
			Marker:           ev.marker,
		})
	case ieRealloc:
		oldID := ev.oldID
		if ex {
			oldID = id
		}
		s.write(event.Realloc{
			Ex:               ex,
			ID:               id,
			OldID:            oldID,
			Pointer:          ev.pointer,
			OldPointer:       ev.oldPointer,
			Size:             ev.size,
			Backtrace:        btID,
			Thread:           ev.thread,
			Flags:            flags,
			ExtraUsableSpace: ev.extraUsable,
			PrecedingFree:    ev.precedingFree,
			Timestamp:        ts,
			Marker:           ev.marker,
		})
	case ieFree:
		s.write(event.Free{
			Ex:        ex,
			ID:        id,
			Pointer:   ev.pointer,
			Backtrace: btID,
			Thread:    ev.thread,
			Timestamp: ts,
		})
	case ieMmap:
		s.write(event.Mmap{
			Pointer:          ev.pointer,
			Length:           ev.size,
			RequestedAddress: ev.requestedAddress,
			Protection:       ev.protection,
			MmapFlags:        ev.mmapFlags,
			FD:               ev.fd,
			Offset:           ev.offset,
			Thread:           ev.thread,
			Backtrace:        btID,
			Timestamp:        ts,
		})
	case ieMunmap:
		s.write(event.Munmap{
			Pointer:   ev.pointer,
			Length:    ev.size,
			Thread:    ev.thread,
			Backtrace: btID,
			Timestamp: ts,
		})
	case ieMallopt:
		s.write(event.Mallopt{
			Param:     ev.param,
			Value:     ev.value,
			Result:    ev.result,
			Thread:    ev.thread,
			Backtrace: btID,
			Timestamp: ts,
		})
	}
}

// ---------------------------------------------------------------------------
// Temporary-allocation culling
// ---------------------------------------------------------------------------

// cullAdd stages an alloc event in its wire-id bucket instead of emitting
// it (reallocs join their predecessor's bucket through cullRealloc). Timestamps are pinned here so the short-lived window is
// measured from the event's effective time.
func (s *procState) cullAdd(ev *InternalEvent, bt *cachedBacktrace) {
	staged := *ev
	staged.timestamp = s.eventTimestamp(ev)

	if bucket, ok := s.buckets[ev.id]; ok {
		bucket.events = append(bucket.events, pendingEvent{ev: staged, bt: bt})
		return
	}
	bucket := &cullBucket{
		key:    ev.id,
		first:  staged.timestamp,
		events: []pendingEvent{{ev: staged, bt: bt}},
	}
	s.buckets[ev.id] = bucket
	s.bucketOrder = append(s.bucketOrder, bucket)

	if len(s.buckets) > s.p.cfg.TemporaryAllocationPending {
		s.flushOldestBucket()
	}
}

// cullRealloc appends a realloc to the bucket holding its predecessor and
// re-keys the bucket under the new wire id so the eventual free finds it.
// It reports whether the event was staged; a realloc whose predecessor has
// already left the buckets is emitted normally by the caller.
func (s *procState) cullRealloc(ev *InternalEvent, bt *cachedBacktrace) bool {
	bucket, ok := s.buckets[ev.oldID]
	if !ok {
		return false
	}
	staged := *ev
	staged.timestamp = s.eventTimestamp(ev)
	bucket.events = append(bucket.events, pendingEvent{ev: staged, bt: bt})
	delete(s.buckets, bucket.key)
	bucket.key = ev.id
	s.buckets[ev.id] = bucket
	return true
}

// cullFree consumes a free for a pending bucket. Within the short-lived
// window the whole bucket is elided into group statistics; after it, the
// bucket and the free are flushed as concrete Ex events. It reports whether
// the free was consumed.
func (s *procState) cullFree(ev *InternalEvent, bt *cachedBacktrace) bool {
	bucket, ok := s.buckets[ev.id]
	if !ok {
		return false
	}
	ts := s.eventTimestamp(ev)
	threshold := event.Timestamp(s.p.cfg.TemporaryAllocationLifetime.Microseconds())

	delete(s.buckets, bucket.key)
	s.removeFromOrder(bucket)

	if ts < bucket.first+threshold {
		// Temporary allocation: fold into group statistics, never emit.
		for _, pe := range bucket.events {
			s.foldIntoStats(&pe.ev, pe.bt)
		}
		return true
	}

	unified := s.flushBucketEvents(bucket)
	staged := *ev
	staged.timestamp = ts
	s.writeConcrete(&staged, bt, true, unified)
	return true
}

// advanceCullWindow flushes buckets that have outlived the temporary
// window (or all of them when force is set, on exit).
func (s *procState) advanceCullWindow(force bool) {
	if !s.p.cfg.CullTemporaryAllocations {
		return
	}
	threshold := event.Timestamp(s.p.cfg.TemporaryAllocationLifetime.Microseconds())
	for len(s.bucketOrder) > 0 {
		bucket := s.bucketOrder[0]
		if !force && s.coarse < bucket.first+threshold {
			break
		}
		s.bucketOrder = s.bucketOrder[1:]
		delete(s.buckets, bucket.key)
		s.flushedUnified[bucket.key] = s.flushBucketEvents(bucket)
	}
}

// flushOldestBucket force-flushes the oldest pending bucket when the
// pending cap is exceeded.
func (s *procState) flushOldestBucket() {
	if len(s.bucketOrder) == 0 {
		return
	}
	bucket := s.bucketOrder[0]
	s.bucketOrder = s.bucketOrder[1:]
	delete(s.buckets, bucket.key)
	s.flushedUnified[bucket.key] = s.flushBucketEvents(bucket)
}

// flushBucketEvents emits a bucket's staged events as Ex records sharing
// one unified monotonic allocation id, which it returns.
func (s *procState) flushBucketEvents(bucket *cullBucket) uint64 {
	s.nextUnified++
	unified := s.nextUnified
	for i := range bucket.events {
		pe := &bucket.events[i]
		s.writeConcrete(&pe.ev, pe.bt, true, unified)
	}
	return unified
}

// removeFromOrder drops bucket from the FIFO flush order.
func (s *procState) removeFromOrder(bucket *cullBucket) {
	for i, b := range s.bucketOrder {
		if b == bucket {
			s.bucketOrder = append(s.bucketOrder[:i], s.bucketOrder[i+1:]...)
			return
		}
	}
}

// foldIntoStats accounts one elided event in the per-backtrace statistics.
// Sizes are usable sizes (requested size plus allocator slack) so that the
// aggregates match what a non-culled stream would reconstruct.
func (s *procState) foldIntoStats(ev *InternalEvent, bt *cachedBacktrace) {
	btID := s.emitBacktrace(bt, ev.thread)
	usable := ev.size + uint64(ev.extraUsable)

	st, ok := s.stats[btID]
	if !ok {
		st = &event.GroupStatistics{
			Backtrace:       btID,
			FirstAllocation: ev.timestamp,
			MinSize:         usable,
		}
		s.stats[btID] = st
	}
	if ev.timestamp < st.FirstAllocation {
		st.FirstAllocation = ev.timestamp
	}
	if ev.timestamp > st.LastAllocation {
		st.LastAllocation = ev.timestamp
	}
	if usable < st.MinSize {
		st.MinSize = usable
	}
	if usable > st.MaxSize {
		st.MaxSize = usable
	}
	st.AllocCount++
	st.AllocSize += usable
	st.FreeCount++
	st.FreeSize += usable

	s.maybeFlushStats(false)
}

// maybeFlushStats emits the pending GroupStatistics events once the map is
// big enough or enough time has passed; force flushes unconditionally.
func (s *procState) maybeFlushStats(force bool) {
	if len(s.stats) == 0 {
		return
	}
	if !force && len(s.stats) < statsFlushThreshold && time.Since(s.lastStatsFlush) < statsFlushInterval {
		return
	}
	for _, st := range s.stats {
		s.write(*st)
	}
	s.stats = make(map[uint64]*event.GroupStatistics)
	s.lastStatsFlush = time.Now()
}

// ---------------------------------------------------------------------------
// Address space tracking
// ---------------------------------------------------------------------------

// checkAddressSpace re-reads /proc/self/maps and, when the layout changed,
// embeds the new snapshot (and any newly mapped ELF binaries) as File
// events.
func (s *procState) checkAddressSpace() {
	data, err := os.ReadFile("/proc/self/maps")
	if err != nil {
		return
	}
	h := xxh3.Hash(data)
	if h == s.lastMapsHash && !s.p.addressSpaceDirty.Load() {
		return
	}
	s.lastMapsHash = h
	s.p.addressSpaceDirty.Store(false)
	s.write(event.File{Timestamp: s.coarse, Path: "/proc/self/maps", Contents: data})

	if !s.p.cfg.WriteBinariesToOutput {
		return
	}
	regions, err := addrspace.ParseMaps(data)
	if err != nil {
		return
	}
	for _, r := range regions {
		if r.Name == "" || r.Name[0] == '[' || s.knownBinaries[r.Name] {
			continue
		}
		s.knownBinaries[r.Name] = true
		contents, err := os.ReadFile(r.Name)
		if err != nil || !addrspace.IsELF(contents) {
			continue
		}
		s.write(event.File{Timestamp: s.coarse, Path: r.Name, Contents: contents})
	}
}

// ---------------------------------------------------------------------------
// Exit
// ---------------------------------------------------------------------------

// finish drains the culled allocations, flushes the pending statistics,
// notifies streaming clients, and closes the output.
func (s *procState) finish(exitEv *InternalEvent) {
	s.updateCoarse()
	s.advanceCullWindow(true)
	s.maybeFlushStats(true)
	s.write(event.WallClock{Timestamp: s.coarse, WallClockSecs: uint64(time.Now().Unix())})
	if err := s.wr.Close(); err != nil && s.p.logger != nil {
		s.p.logger.Warn("stream close failed", slog.Any("error", err))
	}
	if s.p.server != nil {
		s.p.server.finish()
	}
	s.sink.close()
	s.p.running.Store(false)
	if exitEv != nil && exitEv.done != nil {
		close(exitEv.done)
	}
}
