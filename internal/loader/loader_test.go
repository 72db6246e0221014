package loader_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/memtrail/memtrail/internal/event"
	"github.com/memtrail/memtrail/internal/loader"
	"github.com/memtrail/memtrail/internal/model"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func testHeader() event.Header {
	return event.Header{
		ID:           event.NewDataID(77, []byte("app"), []byte("/bin/app"), 1700000000),
		PID:          77,
		Cmdline:      []byte("app"),
		Executable:   []byte("/bin/app"),
		Architecture: "x86_64",
		PointerSize:  8,
	}
}

// encode serialises events into a capture stream.
func encode(t *testing.T, events ...event.Event) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	w := event.NewWriter(&buf)
	for _, ev := range events {
		if err := w.Write(ev); err != nil {
			t.Fatalf("Write(%s): %v", ev.Kind(), err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return &buf
}

// load decodes a stream and finalizes it.
func load(t *testing.T, events ...event.Event) *model.Data {
	t.Helper()
	data, err := loader.Load(encode(t, events...), nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return data
}

func backtrace(id uint64, addrs ...uint64) event.PartialBacktrace {
	return event.PartialBacktrace{ID: id, Thread: 1, StaleCount: event.StaleCountAll, Addresses: addrs}
}

func wireID(n uint64) event.AllocationID {
	return event.AllocationID{Thread: 1, Allocation: n}
}

func alloc(id, ptr, size uint64, bt uint64, ts event.Timestamp) event.Alloc {
	return event.Alloc{ID: wireID(id), Pointer: ptr, Size: size, Backtrace: bt, Thread: 1, Timestamp: ts}
}

func free(id, ptr uint64, ts event.Timestamp) event.Free {
	return event.Free{ID: wireID(id), Pointer: ptr, Backtrace: event.NoBacktrace, Thread: 1, Timestamp: ts}
}

// ---------------------------------------------------------------------------
// Structure
// ---------------------------------------------------------------------------

func TestLoad_RejectsStreamWithoutHeader(t *testing.T) {
	_, err := loader.Load(encode(t, backtrace(1, 0xA)), nil)
	if !errors.Is(err, loader.ErrBadStream) {
		t.Fatalf("err = %v, want ErrBadStream", err)
	}
}

func TestLoad_RejectsMismatchedSecondHeader(t *testing.T) {
	other := testHeader()
	other.ID = event.NewDataID(88, []byte("other"), []byte("/bin/other"), 1)
	_, err := loader.Load(encode(t, testHeader(), other), nil)
	if !errors.Is(err, loader.ErrBadStream) {
		t.Fatalf("err = %v, want ErrBadStream", err)
	}
}

func TestLoad_RejectsBacktraceReferenceBeforeIntroduction(t *testing.T) {
	_, err := loader.Load(encode(t, testHeader(), alloc(1, 0x1000, 100, 42, 1)), nil)
	if !errors.Is(err, loader.ErrBadStream) {
		t.Fatalf("err = %v, want ErrBadStream", err)
	}
}

// ---------------------------------------------------------------------------
// Scenario: single alloc/free round trip
// ---------------------------------------------------------------------------

func TestLoad_SingleAllocFree(t *testing.T) {
	data := load(t,
		testHeader(),
		backtrace(1, 0xA, 0xB),
		alloc(1, 0x1000, 100, 1, 1_000_000),
		free(1, 0x1000, 2_000_000),
	)

	if data.AllocationCount() != 1 {
		t.Fatalf("AllocationCount = %d, want 1", data.AllocationCount())
	}
	a := data.Allocation(0)
	if a.Pointer != 0x1000 || a.Size != 100 {
		t.Errorf("allocation = {ptr %#x size %d}, want {0x1000 100}", a.Pointer, a.Size)
	}
	if a.Deallocation == nil {
		t.Fatal("allocation not marked deallocated")
	}
	if got := a.Deallocation.Timestamp - a.Timestamp; got != 1_000_000 {
		t.Errorf("lifetime = %d us, want 1000000", got)
	}
	if data.TotalAllocatedSize() != 100 || data.TotalFreedSize() != 100 {
		t.Errorf("totals = alloc %d / freed %d, want 100/100", data.TotalAllocatedSize(), data.TotalFreedSize())
	}
	if data.LeakedCount() != 0 {
		t.Errorf("LeakedCount = %d, want 0", data.LeakedCount())
	}
}

// ---------------------------------------------------------------------------
// Scenario: realloc chain
// ---------------------------------------------------------------------------

func TestLoad_ReallocChain(t *testing.T) {
	realloc := func(id, oldID, ptr, oldPtr, size uint64, ts event.Timestamp) event.Realloc {
		return event.Realloc{
			ID: wireID(id), OldID: wireID(oldID),
			Pointer: ptr, OldPointer: oldPtr, Size: size,
			Backtrace: 1, Thread: 1, Timestamp: ts,
		}
	}
	data := load(t,
		testHeader(),
		backtrace(1, 0xA),
		alloc(1, 0xA0, 10, 1, 10),
		realloc(2, 1, 0xB0, 0xA0, 20, 20),
		realloc(3, 2, 0xC0, 0xB0, 30, 30),
		free(3, 0xC0, 40),
	)

	if data.AllocationCount() != 3 {
		t.Fatalf("AllocationCount = %d, want 3", data.AllocationCount())
	}

	chain := data.Chain(0)
	if chain.First != 0 || chain.Last != 2 || chain.Length != 3 {
		t.Fatalf("chain = %+v, want {First:0 Last:2 Length:3}", chain)
	}
	for i := 0; i < 3; i++ {
		a := data.Allocation(model.AllocationID(i))
		if a.FirstAllocationInChain != 0 {
			t.Errorf("allocation %d: FirstAllocationInChain = %d, want 0", i, a.FirstAllocationInChain)
		}
		if a.PositionInChain != uint32(i) {
			t.Errorf("allocation %d: PositionInChain = %d, want %d", i, a.PositionInChain, i)
		}
	}

	// Forward and backward links are symmetric.
	for i := 0; i < 2; i++ {
		a := data.Allocation(model.AllocationID(i))
		if a.Reallocation != model.AllocationID(i+1) {
			t.Errorf("allocation %d: Reallocation = %d, want %d", i, a.Reallocation, i+1)
		}
		next := data.Allocation(model.AllocationID(i + 1))
		if next.ReallocatedFrom != model.AllocationID(i) {
			t.Errorf("allocation %d: ReallocatedFrom = %d, want %d", i+1, next.ReallocatedFrom, i)
		}
		if next.Timestamp < a.Timestamp {
			t.Errorf("allocation %d: timestamp goes backwards", i+1)
		}
	}

	// Every non-tail node ends at its realloc; only the tail is freed.
	for i := 0; i < 3; i++ {
		a := data.Allocation(model.AllocationID(i))
		if a.Deallocation == nil {
			t.Errorf("allocation %d: missing deallocation", i)
		}
	}
}

// ---------------------------------------------------------------------------
// Scenario: partial backtrace composition
// ---------------------------------------------------------------------------

func TestLoad_PartialBacktraceComposition(t *testing.T) {
	data := load(t,
		testHeader(),
		event.PartialBacktrace{ID: 1, Thread: 7, StaleCount: event.StaleCountAll, Addresses: []uint64{0xA, 0xB, 0xC}},
		event.PartialBacktrace{ID: 2, Thread: 7, StaleCount: 1, Addresses: []uint64{0xD}},
		event.Alloc{ID: wireID(1), Pointer: 0x1, Size: 1, Backtrace: 1, Thread: 7, Timestamp: 1},
		event.Alloc{ID: wireID(2), Pointer: 0x2, Size: 1, Backtrace: 2, Thread: 7, Timestamp: 2},
	)

	sequence := func(bt model.BacktraceID) []uint64 {
		var addrs []uint64
		data.EachBacktraceFrame(bt, func(_ model.FrameID, f *model.Frame) bool {
			addrs = append(addrs, f.CodeAddress)
			return true
		})
		return addrs
	}

	first := sequence(data.Allocation(0).Backtrace)
	second := sequence(data.Allocation(1).Backtrace)

	wantFirst := []uint64{0xA, 0xB, 0xC}
	wantSecond := []uint64{0xD, 0xB, 0xC}
	if !equalU64(first, wantFirst) {
		t.Errorf("backtrace 1 = %#x, want %#x", first, wantFirst)
	}
	if !equalU64(second, wantSecond) {
		t.Errorf("backtrace 2 = %#x, want %#x", second, wantSecond)
	}
}

func TestLoad_PartialBacktraceStaleOverflowRejected(t *testing.T) {
	_, err := loader.Load(encode(t,
		testHeader(),
		event.PartialBacktrace{ID: 1, Thread: 7, StaleCount: event.StaleCountAll, Addresses: []uint64{0xA}},
		event.PartialBacktrace{ID: 2, Thread: 7, StaleCount: 5, Addresses: []uint64{0xD}},
	), nil)
	if !errors.Is(err, loader.ErrBadStream) {
		t.Fatalf("err = %v, want ErrBadStream", err)
	}
}

func TestLoad_IdenticalSequencesCollapse(t *testing.T) {
	data := load(t,
		testHeader(),
		backtrace(1, 0xA, 0xB),
		event.PartialBacktrace{ID: 2, Thread: 2, StaleCount: event.StaleCountAll, Addresses: []uint64{0xA, 0xB}},
		alloc(1, 0x1, 8, 1, 1),
		event.Alloc{ID: event.AllocationID{Thread: 2, Allocation: 1}, Pointer: 0x2, Size: 8, Backtrace: 2, Thread: 2, Timestamp: 2},
	)
	if data.Allocation(0).Backtrace != data.Allocation(1).Backtrace {
		t.Errorf("identical address sequences got distinct backtrace ids")
	}
	st := data.GroupStatistics(data.Allocation(0).Backtrace)
	if st.AllocCount != 2 {
		t.Errorf("group AllocCount = %d, want 2", st.AllocCount)
	}
}

// ---------------------------------------------------------------------------
// Duplicate and unknown keys
// ---------------------------------------------------------------------------

func TestLoad_DuplicateAllocationKeyDropped(t *testing.T) {
	l := loader.New(nil)
	stream := encode(t,
		testHeader(),
		backtrace(1, 0xA),
		alloc(1, 0x1000, 8, 1, 1),
		alloc(1, 0x2000, 16, 1, 2), // same wire id: dropped
	)
	if err := l.LoadFrom(stream); err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	data, err := l.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if data.AllocationCount() != 1 {
		t.Errorf("AllocationCount = %d, want 1 (duplicate dropped)", data.AllocationCount())
	}
	if l.DroppedEvents() != 1 {
		t.Errorf("DroppedEvents = %d, want 1", l.DroppedEvents())
	}
}

func TestLoad_FreeOfUnknownAllocationDropped(t *testing.T) {
	l := loader.New(nil)
	if err := l.LoadFrom(encode(t, testHeader(), free(9, 0x9999, 5))); err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if l.DroppedEvents() != 1 {
		t.Errorf("DroppedEvents = %d, want 1", l.DroppedEvents())
	}
}

// Duplicate new key on realloc must leave the old record untouched.
func TestLoad_DuplicateReallocKeyLeavesOldIntact(t *testing.T) {
	data := load(t,
		testHeader(),
		backtrace(1, 0xA),
		alloc(1, 0x1000, 8, 1, 1),
		alloc(2, 0x2000, 8, 1, 2),
		// Realloc of allocation 1 whose new id collides with allocation 2.
		event.Realloc{
			ID: wireID(2), OldID: wireID(1),
			Pointer: 0x3000, OldPointer: 0x1000, Size: 16,
			Backtrace: 1, Thread: 1, Timestamp: 3,
		},
	)
	if data.AllocationCount() != 2 {
		t.Fatalf("AllocationCount = %d, want 2 (realloc dropped)", data.AllocationCount())
	}
	first := data.Allocation(0)
	if first.Reallocation.IsValid() {
		t.Errorf("dropped realloc still linked into allocation 0")
	}
	if first.Deallocation != nil {
		t.Errorf("dropped realloc still deallocated allocation 0")
	}
}

// ---------------------------------------------------------------------------
// Untracked correlation
// ---------------------------------------------------------------------------

func TestLoad_UntrackedEventsKeyByPointer(t *testing.T) {
	data := load(t,
		testHeader(),
		backtrace(1, 0xA),
		event.Alloc{ID: event.UntrackedAllocationID, Pointer: 0x1000, Size: 32, Backtrace: 1, Thread: 1, Timestamp: 1},
		event.Free{ID: event.UntrackedAllocationID, Pointer: 0x1000, Backtrace: event.NoBacktrace, Thread: 1, Timestamp: 2},
	)
	if data.AllocationCount() != 1 {
		t.Fatalf("AllocationCount = %d, want 1", data.AllocationCount())
	}
	if data.Allocation(0).Deallocation == nil {
		t.Error("untracked free did not pair with untracked alloc by pointer")
	}
}

// ---------------------------------------------------------------------------
// Group statistics events
// ---------------------------------------------------------------------------

func TestLoad_GroupStatisticsMerge(t *testing.T) {
	data := load(t,
		testHeader(),
		backtrace(1, 0xA),
		alloc(1, 0x1, 8, 1, 100),
		event.GroupStatistics{
			Backtrace: 1, FirstAllocation: 1, LastAllocation: 99,
			MinSize: 8, MaxSize: 8, AllocCount: 1000, AllocSize: 8000,
			FreeCount: 1000, FreeSize: 8000,
		},
	)
	st := data.GroupStatistics(data.Allocation(0).Backtrace)
	if st.AllocCount != 1001 {
		t.Errorf("AllocCount = %d, want 1001 (merged)", st.AllocCount)
	}
	if st.FreeCount != 1000 {
		t.Errorf("FreeCount = %d, want 1000", st.FreeCount)
	}
	if st.AllocSize != 8008 {
		t.Errorf("AllocSize = %d, want 8008", st.AllocSize)
	}
}

// ---------------------------------------------------------------------------
// Universal invariants
// ---------------------------------------------------------------------------

func TestLoad_Invariants(t *testing.T) {
	realloc := func(id, oldID, ptr, oldPtr, size uint64, ts event.Timestamp) event.Realloc {
		return event.Realloc{
			ID: wireID(id), OldID: wireID(oldID),
			Pointer: ptr, OldPointer: oldPtr, Size: size,
			Backtrace: 1, Thread: 1, Timestamp: ts,
		}
	}
	data := load(t,
		testHeader(),
		backtrace(1, 0xA, 0xB),
		backtrace(2, 0xC),
		alloc(1, 0x100, 10, 1, 10),
		alloc(2, 0x200, 20, 2, 20),
		realloc(3, 1, 0x300, 0x100, 30, 30),
		free(2, 0x200, 40),
		alloc(4, 0x400, 40, 1, 50),
	)

	// Invariant 1 and 2: chain symmetry and finiteness.
	data.EachAllocation(func(id model.AllocationID, a *model.Allocation) bool {
		if a.Reallocation.IsValid() {
			next := data.Allocation(a.Reallocation)
			if next.ReallocatedFrom != id {
				t.Errorf("allocation %d: chain link asymmetry", id)
			}
			if next.Timestamp < a.Timestamp {
				t.Errorf("allocation %d: successor is older", id)
			}
		}
		if !a.FirstAllocationInChain.IsValid() {
			t.Errorf("allocation %d: no chain head", id)
		}
		// Walking forward must terminate.
		steps := 0
		for cur := id; data.Allocation(cur).Reallocation.IsValid(); cur = data.Allocation(cur).Reallocation {
			steps++
			if steps > data.AllocationCount() {
				t.Fatalf("allocation %d: chain does not terminate", id)
			}
		}
		return true
	})

	// Invariant 3: timestamp index is monotone with id tiebreak.
	index := data.SortedByTimestampIndex()
	for i := 1; i < len(index); i++ {
		prev := data.Allocation(index[i-1])
		cur := data.Allocation(index[i])
		if cur.Timestamp < prev.Timestamp {
			t.Fatalf("timestamp index not sorted at %d", i)
		}
		if cur.Timestamp == prev.Timestamp && index[i] < index[i-1] {
			t.Fatalf("timestamp tie not broken by ascending id at %d", i)
		}
	}

	// Invariant 4: group statistics sum to the totals.
	var allocCount, freeCount uint64
	for bt := 0; bt < data.BacktraceCount(); bt++ {
		st := data.GroupStatistics(model.BacktraceID(bt))
		allocCount += st.AllocCount
		freeCount += st.FreeCount
	}
	if allocCount != data.TotalAllocatedCount() {
		t.Errorf("sum of group AllocCount = %d, want %d", allocCount, data.TotalAllocatedCount())
	}
	if freeCount != data.TotalFreedCount() {
		t.Errorf("sum of group FreeCount = %d, want %d", freeCount, data.TotalFreedCount())
	}

	// Invariant 5: leaked allocations are exactly those without a
	// deallocation.
	var leaked uint64
	data.EachAllocation(func(_ model.AllocationID, a *model.Allocation) bool {
		if a.Deallocation == nil {
			leaked++
		}
		return true
	})
	if leaked != data.LeakedCount() {
		t.Errorf("leaked tally = %d, want %d", leaked, data.LeakedCount())
	}
}

func equalU64(a, b []uint64) bool {
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
