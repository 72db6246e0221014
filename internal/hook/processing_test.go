package hook_test

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/memtrail/memtrail/internal/config"
	"github.com/memtrail/memtrail/internal/event"
	"github.com/memtrail/memtrail/internal/hook"
	"github.com/memtrail/memtrail/internal/loader"
	"github.com/memtrail/memtrail/internal/model"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// fakeAllocator hands out deterministic fake addresses and reports zero
// slack, so tests can assert exact pointers and sizes.
type fakeAllocator struct {
	mu   sync.Mutex
	next uint64
}

func newFakeAllocator() *fakeAllocator { return &fakeAllocator{next: 0x1000} }

func (f *fakeAllocator) Malloc(size uint64) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	ptr := f.next
	f.next += 0x1000
	return ptr
}

func (f *fakeAllocator) Calloc(nmemb, size uint64) uint64 { return f.Malloc(nmemb * size) }

func (f *fakeAllocator) Realloc(ptr, size uint64) uint64 { return f.Malloc(size) }

func (f *fakeAllocator) Free(uint64) {}

func (f *fakeAllocator) Memalign(align, size uint64) uint64 { return f.Malloc(size) }

func (f *fakeAllocator) UsableSize(uint64) uint64 { return 0 }

func (f *fakeAllocator) Metadata(uint64) (uint32, uint32) { return 0, 0 }

// testConfig returns a runtime configuration writing to a file in the
// test's temp dir.
func testConfig(t *testing.T, mutate func(*config.Runtime)) (config.Runtime, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capture.mtrail")
	cfg := config.DefaultRuntime()
	cfg.OutputPathPattern = path
	cfg.CullTemporaryAllocations = false
	if mutate != nil {
		mutate(&cfg)
	}
	return cfg, path
}

// startProfiler builds and starts a Profiler with a synthetic stack.
func startProfiler(t *testing.T, cfg config.Runtime, stack func() []uint64) *hook.Profiler {
	t.Helper()
	capture := func(buf []uint64) int {
		frames := stack()
		n := copy(buf, frames)
		return n
	}
	p, err := hook.New(cfg, nil, newFakeAllocator(), hook.WithCaptureFunc(capture))
	if err != nil {
		t.Fatalf("hook.New: %v", err)
	}
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return p
}

// loadCapture stops the profiler and decodes its output.
func loadCapture(t *testing.T, p *hook.Profiler, path string) *model.Data {
	t.Helper()
	p.Stop()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open capture: %v", err)
	}
	defer f.Close()
	data, err := loader.Load(f, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return data
}

// rawEvents stops nothing; it re-reads the already-written stream.
func rawEvents(t *testing.T, path string) []event.Event {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open capture: %v", err)
	}
	defer f.Close()
	r := event.NewReader(f)
	var events []event.Event
	for {
		ev, err := r.Read()
		if err == io.EOF {
			return events
		}
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		events = append(events, ev)
	}
}

func fixedStack(addrs ...uint64) func() []uint64 {
	return func() []uint64 { return addrs }
}

// ---------------------------------------------------------------------------
// Scenario: single alloc/free round trip
// ---------------------------------------------------------------------------

func TestProfiler_SingleAllocFree(t *testing.T) {
	cfg, path := testConfig(t, nil)
	p := startProfiler(t, cfg, fixedStack(0x400100, 0x400200))
	ts := p.Thread()

	p.OverrideNextTimestamp(1_000_000)
	ptr := p.Malloc(ts, 100)
	if ptr == 0 {
		t.Fatal("Malloc returned 0")
	}
	p.OverrideNextTimestamp(2_000_000)
	p.Free(ts, ptr)

	data := loadCapture(t, p, path)
	if data.AllocationCount() != 1 {
		t.Fatalf("AllocationCount = %d, want 1", data.AllocationCount())
	}
	a := data.Allocation(0)
	if a.Pointer != ptr || a.Size != 100 {
		t.Errorf("allocation = {ptr %#x size %d}, want {%#x 100}", a.Pointer, a.Size, ptr)
	}
	if a.Deallocation == nil {
		t.Fatal("allocation not deallocated")
	}
	if got := a.Deallocation.Timestamp - a.Timestamp; got != 1_000_000 {
		t.Errorf("lifetime = %d us, want 1s", got)
	}
	if data.TotalAllocatedSize() != 100 || data.TotalFreedSize() != 100 {
		t.Errorf("totals = %d/%d, want 100/100", data.TotalAllocatedSize(), data.TotalFreedSize())
	}
	if data.LeakedCount() != 0 {
		t.Errorf("LeakedCount = %d, want 0", data.LeakedCount())
	}
}

// ---------------------------------------------------------------------------
// Scenario: realloc chain through the runtime
// ---------------------------------------------------------------------------

func TestProfiler_ReallocChain(t *testing.T) {
	cfg, path := testConfig(t, nil)
	p := startProfiler(t, cfg, fixedStack(0x400100))
	ts := p.Thread()

	p.OverrideNextTimestamp(10)
	a := p.Malloc(ts, 10)
	p.OverrideNextTimestamp(20)
	b := p.Realloc(ts, a, 20)
	p.OverrideNextTimestamp(30)
	c := p.Realloc(ts, b, 30)
	p.OverrideNextTimestamp(40)
	p.Free(ts, c)

	data := loadCapture(t, p, path)
	if data.AllocationCount() != 3 {
		t.Fatalf("AllocationCount = %d, want 3", data.AllocationCount())
	}
	chain := data.Chain(0)
	if chain.Length != 3 {
		t.Fatalf("chain length = %d, want 3", chain.Length)
	}
	head := data.Allocation(chain.First)
	tail := data.Allocation(chain.Last)
	if head.Size != 10 || tail.Size != 30 {
		t.Errorf("chain sizes = head %d tail %d, want 10 and 30", head.Size, tail.Size)
	}
	if tail.Deallocation == nil {
		t.Error("chain tail not deallocated")
	}
}

// realloc(nil, n) is malloc; realloc(p, 0) is free.
func TestProfiler_ReallocEdgeCases(t *testing.T) {
	cfg, path := testConfig(t, nil)
	p := startProfiler(t, cfg, fixedStack(0x400100))
	ts := p.Thread()

	p.OverrideNextTimestamp(10)
	ptr := p.Realloc(ts, 0, 64)
	if ptr == 0 {
		t.Fatal("realloc(nil, 64) returned 0")
	}
	p.OverrideNextTimestamp(20)
	if got := p.Realloc(ts, ptr, 0); got != 0 {
		t.Fatalf("realloc(p, 0) = %#x, want 0", got)
	}

	data := loadCapture(t, p, path)
	if data.AllocationCount() != 1 {
		t.Fatalf("AllocationCount = %d, want 1", data.AllocationCount())
	}
	a := data.Allocation(0)
	if a.Size != 64 {
		t.Errorf("size = %d, want 64", a.Size)
	}
	if a.ReallocatedFrom.IsValid() || a.Reallocation.IsValid() {
		t.Error("realloc(nil, n) must not join a chain")
	}
	if a.Deallocation == nil {
		t.Error("realloc(p, 0) did not free the allocation")
	}
}

// ---------------------------------------------------------------------------
// Scenario: temporary-allocation culling
// ---------------------------------------------------------------------------

func TestProfiler_CullingElidesTemporaries(t *testing.T) {
	cfg, path := testConfig(t, func(cfg *config.Runtime) {
		cfg.CullTemporaryAllocations = true
		// Generous window so a slow test runner cannot force-flush a
		// bucket between an alloc and its free.
		cfg.TemporaryAllocationLifetime = 10 * time.Second
	})
	p := startProfiler(t, cfg, fixedStack(0x400100, 0x400200))
	ts := p.Thread()

	const pairs = 1000
	for i := 0; i < pairs; i++ {
		p.OverrideNextTimestamp(uint64(i * 10))
		ptr := p.Malloc(ts, 8)
		p.OverrideNextTimestamp(uint64(i*10 + 5))
		p.Free(ts, ptr)
	}

	p.Stop()

	// The stream must contain no concrete allocation events, only the
	// aggregated group statistics.
	var allocEvents, statsEvents int
	var stats event.GroupStatistics
	for _, ev := range rawEvents(t, path) {
		switch e := ev.(type) {
		case event.Alloc, event.Realloc, event.Free:
			allocEvents++
		case event.GroupStatistics:
			statsEvents++
			stats.AllocCount += e.AllocCount
			stats.AllocSize += e.AllocSize
			stats.FreeCount += e.FreeCount
			stats.FreeSize += e.FreeSize
			if stats.MinSize == 0 || e.MinSize < stats.MinSize {
				stats.MinSize = e.MinSize
			}
			if e.MaxSize > stats.MaxSize {
				stats.MaxSize = e.MaxSize
			}
		}
	}
	if allocEvents != 0 {
		t.Errorf("stream contains %d allocation events, want 0 (all culled)", allocEvents)
	}
	if statsEvents == 0 {
		t.Fatal("stream contains no group statistics")
	}
	if stats.AllocCount != pairs || stats.FreeCount != pairs {
		t.Errorf("stats counts = %d/%d, want %d/%d", stats.AllocCount, stats.FreeCount, pairs, pairs)
	}
	if stats.AllocSize != 8*pairs || stats.FreeSize != 8*pairs {
		t.Errorf("stats sizes = %d/%d, want %d/%d", stats.AllocSize, stats.FreeSize, 8*pairs, 8*pairs)
	}
	if stats.MinSize != 8 || stats.MaxSize != 8 {
		t.Errorf("stats min/max = %d/%d, want 8/8", stats.MinSize, stats.MaxSize)
	}
}

func TestProfiler_CullingFlushesLongLived(t *testing.T) {
	cfg, path := testConfig(t, func(cfg *config.Runtime) {
		cfg.CullTemporaryAllocations = true
		cfg.TemporaryAllocationLifetime = 100 * time.Millisecond
	})
	p := startProfiler(t, cfg, fixedStack(0x400100))
	ts := p.Thread()

	p.OverrideNextTimestamp(0)
	ptr := p.Malloc(ts, 32)
	// Freed well past the temporary window.
	p.OverrideNextTimestamp(10_000_000)
	p.Free(ts, ptr)

	data := loadCapture(t, p, path)
	if data.AllocationCount() != 1 {
		t.Fatalf("AllocationCount = %d, want 1 (long-lived flushed)", data.AllocationCount())
	}
	if data.Allocation(0).Deallocation == nil {
		t.Error("flushed allocation lost its free")
	}
}

// ---------------------------------------------------------------------------
// Backtrace handling
// ---------------------------------------------------------------------------

func TestProfiler_BacktraceDeduplication(t *testing.T) {
	cfg, path := testConfig(t, nil)
	p := startProfiler(t, cfg, fixedStack(0x400100, 0x400200, 0x400300))
	ts := p.Thread()

	for i := 0; i < 10; i++ {
		p.OverrideNextTimestamp(uint64(i + 1))
		p.Malloc(ts, 16)
	}

	p.Stop()
	var partials int
	for _, ev := range rawEvents(t, path) {
		if _, ok := ev.(event.PartialBacktrace); ok {
			partials++
		}
	}
	if partials != 1 {
		t.Errorf("stream contains %d PartialBacktrace events, want 1 (cache hit afterwards)", partials)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	data, err := loader.Load(f, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if data.BacktraceCount() != 1 {
		t.Errorf("BacktraceCount = %d, want 1", data.BacktraceCount())
	}
}

func TestProfiler_ChangingStacksRoundTrip(t *testing.T) {
	stacks := [][]uint64{
		{0xA1, 0xB1, 0xC1},
		{0xA2, 0xB1, 0xC1}, // shares the outer frames
		{0xA3, 0xB3, 0xC3},
	}
	i := 0
	cfg, path := testConfig(t, nil)
	p := startProfiler(t, cfg, func() []uint64 {
		s := stacks[i%len(stacks)]
		i++
		return s
	})
	ts := p.Thread()
	for j := 0; j < 3; j++ {
		p.OverrideNextTimestamp(uint64(j + 1))
		p.Malloc(ts, 8)
	}

	data := loadCapture(t, p, path)
	if data.AllocationCount() != 3 {
		t.Fatalf("AllocationCount = %d, want 3", data.AllocationCount())
	}
	for j := 0; j < 3; j++ {
		var got []uint64
		data.EachBacktraceFrame(data.Allocation(model.AllocationID(j)).Backtrace,
			func(_ model.FrameID, f *model.Frame) bool {
				got = append(got, f.CodeAddress)
				return true
			})
		want := stacks[j]
		if len(got) != len(want) {
			t.Fatalf("allocation %d: backtrace %#x, want %#x", j, got, want)
		}
		for k := range want {
			if got[k] != want[k] {
				t.Errorf("allocation %d frame %d: %#x, want %#x", j, k, got[k], want[k])
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Markers and hooks misc
// ---------------------------------------------------------------------------

func TestProfiler_Marker(t *testing.T) {
	cfg, path := testConfig(t, nil)
	p := startProfiler(t, cfg, fixedStack(0x400100))
	ts := p.Thread()

	p.SetMarker(42)
	p.OverrideNextTimestamp(1)
	p.Malloc(ts, 8)

	data := loadCapture(t, p, path)
	if data.AllocationCount() != 1 {
		t.Fatalf("AllocationCount = %d, want 1", data.AllocationCount())
	}
	if got := data.Allocation(0).Marker; got != 42 {
		t.Errorf("marker = %d, want 42", got)
	}
}

func TestProfiler_FreeNullIsNoop(t *testing.T) {
	cfg, path := testConfig(t, nil)
	p := startProfiler(t, cfg, fixedStack(0x400100))
	ts := p.Thread()
	p.Free(ts, 0)

	data := loadCapture(t, p, path)
	if data.AllocationCount() != 0 {
		t.Errorf("free(0) produced %d allocations", data.AllocationCount())
	}
}

func TestProfiler_PosixMemalignValidation(t *testing.T) {
	cfg, _ := testConfig(t, nil)
	p := startProfiler(t, cfg, fixedStack(0x400100))
	defer p.Stop()
	ts := p.Thread()

	if ptr, errno := p.PosixMemalign(ts, 3, 64); errno == 0 || ptr != 0 {
		t.Errorf("PosixMemalign(align=3) = (%#x, %d), want (0, EINVAL)", ptr, errno)
	}
	if ptr, errno := p.PosixMemalign(ts, 0, 64); errno == 0 || ptr != 0 {
		t.Errorf("PosixMemalign(align=0) = (%#x, %d), want (0, EINVAL)", ptr, errno)
	}
	if ptr, errno := p.PosixMemalign(ts, 64, 64); errno != 0 || ptr == 0 {
		t.Errorf("PosixMemalign(align=64) = (%#x, %d), want success", ptr, errno)
	}
}

func TestProfiler_DisabledPassesThrough(t *testing.T) {
	cfg, path := testConfig(t, func(cfg *config.Runtime) {
		cfg.DisableByDefault = true
	})
	p := startProfiler(t, cfg, fixedStack(0x400100))
	ts := p.Thread()

	if ptr := p.Malloc(ts, 8); ptr == 0 {
		t.Fatal("disabled Malloc returned 0")
	}

	data := loadCapture(t, p, path)
	if data.AllocationCount() != 0 {
		t.Errorf("disabled tracing recorded %d allocations", data.AllocationCount())
	}
}

func TestProfiler_CallocSetsFlag(t *testing.T) {
	cfg, path := testConfig(t, nil)
	p := startProfiler(t, cfg, fixedStack(0x400100))
	ts := p.Thread()

	p.OverrideNextTimestamp(1)
	if ptr := p.Calloc(ts, 4, 8); ptr == 0 {
		t.Fatal("Calloc returned 0")
	}

	data := loadCapture(t, p, path)
	if data.AllocationCount() != 1 {
		t.Fatalf("AllocationCount = %d, want 1", data.AllocationCount())
	}
	a := data.Allocation(0)
	if a.Size != 32 {
		t.Errorf("size = %d, want 32", a.Size)
	}
	if a.Flags&event.FlagCalloc == 0 {
		t.Error("calloc flag not set")
	}
}
