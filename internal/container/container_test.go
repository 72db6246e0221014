package container_test

import (
	"testing"

	"github.com/memtrail/memtrail/internal/container"
)

// ---------------------------------------------------------------------------
// RangeMap
// ---------------------------------------------------------------------------

func TestRangeMap_Lookup(t *testing.T) {
	var m container.RangeMap[string]
	if err := m.Insert(0x2000, 0x3000, "b"); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := m.Insert(0x1000, 0x2000, "a"); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	cases := []struct {
		addr uint64
		want string
		ok   bool
	}{
		{0x0fff, "", false},
		{0x1000, "a", true},
		{0x1fff, "a", true},
		{0x2000, "b", true},
		{0x2fff, "b", true},
		{0x3000, "", false},
	}
	for _, c := range cases {
		got, ok := m.Get(c.addr)
		if ok != c.ok || got != c.want {
			t.Errorf("Get(%#x) = (%q, %v), want (%q, %v)", c.addr, got, ok, c.want, c.ok)
		}
	}
}

func TestRangeMap_RejectsEmptyRange(t *testing.T) {
	var m container.RangeMap[int]
	if err := m.Insert(0x10, 0x10, 1); err == nil {
		t.Error("empty range accepted")
	}
	if err := m.Insert(0x20, 0x10, 1); err == nil {
		t.Error("inverted range accepted")
	}
}

func TestRangeMap_EachIsOrdered(t *testing.T) {
	var m container.RangeMap[int]
	_ = m.Insert(0x30, 0x40, 3)
	_ = m.Insert(0x10, 0x20, 1)
	_ = m.Insert(0x20, 0x30, 2)

	var got []int
	m.Each(func(_, _ uint64, v int) bool {
		got = append(got, v)
		return true
	})
	for i := 1; i < len(got); i++ {
		if got[i] < got[i-1] {
			t.Fatalf("Each out of order: %v", got)
		}
	}
	if len(got) != 3 {
		t.Errorf("Each visited %d ranges, want 3", len(got))
	}
}

func TestRangeMap_Clear(t *testing.T) {
	var m container.RangeMap[int]
	_ = m.Insert(0x10, 0x20, 1)
	m.Clear()
	if m.Len() != 0 {
		t.Errorf("Len after Clear = %d, want 0", m.Len())
	}
	if m.Contains(0x15) {
		t.Error("cleared map still contains range")
	}
}

// ---------------------------------------------------------------------------
// DenseVecVec
// ---------------------------------------------------------------------------

func TestDenseVecVec_PushAndGet(t *testing.T) {
	var d container.DenseVecVec[int]
	d.Push(0, 10)
	d.Push(2, 30)
	d.Push(0, 11)
	d.Finish()

	if got := d.Get(0); len(got) != 2 || got[0] != 10 || got[1] != 11 {
		t.Errorf("Get(0) = %v, want [10 11]", got)
	}
	if got := d.Get(1); len(got) != 0 {
		t.Errorf("Get(1) = %v, want empty", got)
	}
	if got := d.Get(2); len(got) != 1 || got[0] != 30 {
		t.Errorf("Get(2) = %v, want [30]", got)
	}
	if got := d.Get(99); got != nil {
		t.Errorf("Get(99) = %v, want nil", got)
	}
	if d.Len() != 3 {
		t.Errorf("Len = %d, want 3", d.Len())
	}
}

func TestDenseVecVec_PushAfterFinishPanics(t *testing.T) {
	var d container.DenseVecVec[int]
	d.Finish()
	defer func() {
		if recover() == nil {
			t.Error("Push after Finish did not panic")
		}
	}()
	d.Push(0, 1)
}
