// Package container provides the small index structures shared by the
// address-space tracker, the loader, and the analytical model: a sorted
// half-open range map and a dense vector-of-vectors backed by a single
// arena.
package container

import (
	"fmt"
	"sort"
)

// RangeMap associates non-overlapping half-open address ranges [Start, End)
// with values of type V. Lookups binary-search the sorted range list, so Get
// is O(log n). Inserting an overlapping range is an error; the caller is
// expected to rebuild the map from scratch when the underlying layout
// changes (the address space does exactly that on every maps reload).
type RangeMap[V any] struct {
	ranges []rangeEntry[V]
	sorted bool
}

type rangeEntry[V any] struct {
	start uint64
	end   uint64
	value V
}

// Insert adds the range [start, end) with the given value. Ranges may be
// inserted in any order; the map sorts lazily on the first lookup. Inserting
// an empty range (end <= start) or one overlapping a stored range is
// rejected.
func (m *RangeMap[V]) Insert(start, end uint64, value V) error {
	if end <= start {
		return fmt.Errorf("container: empty range [%#x, %#x)", start, end)
	}
	for _, r := range m.ranges {
		if start < r.end && r.start < end {
			return fmt.Errorf("container: range [%#x, %#x) overlaps [%#x, %#x)", start, end, r.start, r.end)
		}
	}
	m.ranges = append(m.ranges, rangeEntry[V]{start: start, end: end, value: value})
	m.sorted = false
	return nil
}

// Get returns the value whose range contains addr, or the zero value and
// false when no range matches.
func (m *RangeMap[V]) Get(addr uint64) (V, bool) {
	m.ensureSorted()
	i := sort.Search(len(m.ranges), func(i int) bool {
		return m.ranges[i].end > addr
	})
	if i < len(m.ranges) && m.ranges[i].start <= addr {
		return m.ranges[i].value, true
	}
	var zero V
	return zero, false
}

// Contains reports whether addr falls inside any stored range.
func (m *RangeMap[V]) Contains(addr uint64) bool {
	_, ok := m.Get(addr)
	return ok
}

// Len returns the number of stored ranges.
func (m *RangeMap[V]) Len() int { return len(m.ranges) }

// Clear removes all ranges, retaining the backing storage.
func (m *RangeMap[V]) Clear() {
	m.ranges = m.ranges[:0]
	m.sorted = true
}

// Each calls fn for every range in ascending start order. Returning false
// from fn stops the iteration.
func (m *RangeMap[V]) Each(fn func(start, end uint64, value V) bool) {
	m.ensureSorted()
	for _, r := range m.ranges {
		if !fn(r.start, r.end, r.value) {
			return
		}
	}
}

func (m *RangeMap[V]) ensureSorted() {
	if m.sorted {
		return
	}
	sort.Slice(m.ranges, func(i, j int) bool {
		return m.ranges[i].start < m.ranges[j].start
	})
	m.sorted = true
}
