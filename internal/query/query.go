// Package query provides the derived views over a loaded capture: lazily
// filtered allocation lists with set algebra, per-backtrace grouping with
// sortable aggregates, and memory usage timelines.
package query

import (
	"fmt"
	"sort"

	"github.com/memtrail/memtrail/internal/event"
	"github.com/memtrail/memtrail/internal/filter"
	"github.com/memtrail/memtrail/internal/model"
)

// AllocationList is a possibly-filtered view over a Data's allocations. A
// nil ids slice denotes the full underlying index; the filter, when
// present, is applied lazily on materialization. Lists over the same
// underlying index compose through filter rewriting without materializing.
type AllocationList struct {
	data   *model.Data
	ids    []model.AllocationID
	filter *filter.Filter
}

// NewAllocationList returns the list of all allocations in data.
func NewAllocationList(data *model.Data) *AllocationList {
	return &AllocationList{data: data}
}

// WithFilter returns a copy of the list constrained by f (ANDed with any
// existing filter).
func (l *AllocationList) WithFilter(f *filter.Filter) *AllocationList {
	return &AllocationList{data: l.data, ids: l.ids, filter: filter.And(l.filter, f)}
}

// Data returns the underlying model.
func (l *AllocationList) Data() *model.Data { return l.data }

// Filter returns the list's pending filter (possibly nil).
func (l *AllocationList) Filter() *filter.Filter { return l.filter }

// sharesIndex reports whether both lists iterate the same underlying id
// sequence, making filter rewriting valid.
func (l *AllocationList) sharesIndex(other *AllocationList) bool {
	if l.data != other.data {
		return false
	}
	if l.ids == nil && other.ids == nil {
		return true
	}
	return len(l.ids) == len(other.ids) && len(l.ids) > 0 && &l.ids[0] == &other.ids[0]
}

// Materialize compiles the filter and returns the matching allocation ids
// in underlying-index order.
func (l *AllocationList) Materialize() ([]model.AllocationID, error) {
	compiled, err := filter.Compile(l.filter, l.data)
	if err != nil {
		return nil, err
	}
	var out []model.AllocationID
	l.each(func(id model.AllocationID, a *model.Allocation) {
		if compiled.Match(id, a) {
			out = append(out, id)
		}
	})
	return out, nil
}

func (l *AllocationList) each(fn func(model.AllocationID, *model.Allocation)) {
	if l.ids == nil {
		l.data.EachAllocation(func(id model.AllocationID, a *model.Allocation) bool {
			fn(id, a)
			return true
		})
		return
	}
	for _, id := range l.ids {
		fn(id, l.data.Allocation(id))
	}
}

// Union returns the allocations present in either list. Lists sharing an
// underlying index combine by rewriting filters; otherwise both sides are
// materialized and merged through a set.
func (l *AllocationList) Union(other *AllocationList) (*AllocationList, error) {
	if l.sharesIndex(other) {
		return &AllocationList{data: l.data, ids: l.ids, filter: filter.Or(orIdentity(l.filter), orIdentity(other.filter))}, nil
	}
	return l.materializedOp(other, func(inOther map[model.AllocationID]struct{}, a []model.AllocationID, b []model.AllocationID) []model.AllocationID {
		out := append([]model.AllocationID(nil), a...)
		seen := make(map[model.AllocationID]struct{}, len(a))
		for _, id := range a {
			seen[id] = struct{}{}
		}
		for _, id := range b {
			if _, ok := seen[id]; !ok {
				out = append(out, id)
			}
		}
		return out
	})
}

// Intersection returns the allocations present in both lists.
func (l *AllocationList) Intersection(other *AllocationList) (*AllocationList, error) {
	if l.sharesIndex(other) {
		return &AllocationList{data: l.data, ids: l.ids, filter: filter.And(l.filter, other.filter)}, nil
	}
	return l.materializedOp(other, func(inOther map[model.AllocationID]struct{}, a, b []model.AllocationID) []model.AllocationID {
		var out []model.AllocationID
		for _, id := range a {
			if _, ok := inOther[id]; ok {
				out = append(out, id)
			}
		}
		return out
	})
}

// Difference returns the allocations in l that are absent from other.
func (l *AllocationList) Difference(other *AllocationList) (*AllocationList, error) {
	if l.sharesIndex(other) {
		return &AllocationList{data: l.data, ids: l.ids, filter: filter.And(l.filter, filter.Not(other.filter))}, nil
	}
	return l.materializedOp(other, func(inOther map[model.AllocationID]struct{}, a, b []model.AllocationID) []model.AllocationID {
		var out []model.AllocationID
		for _, id := range a {
			if _, ok := inOther[id]; !ok {
				out = append(out, id)
			}
		}
		return out
	})
}

// orIdentity maps a nil filter to the match-all basic filter so that Or
// composition keeps "no filter means everything" semantics.
func orIdentity(f *filter.Filter) *filter.Filter {
	if f == nil {
		return filter.Basic(filter.BasicFilter{})
	}
	return f
}

func (l *AllocationList) materializedOp(other *AllocationList,
	combine func(inOther map[model.AllocationID]struct{}, a, b []model.AllocationID) []model.AllocationID,
) (*AllocationList, error) {
	if l.data != other.data {
		return nil, fmt.Errorf("query: cannot combine lists from different captures")
	}
	a, err := l.Materialize()
	if err != nil {
		return nil, err
	}
	b, err := other.Materialize()
	if err != nil {
		return nil, err
	}
	inOther := make(map[model.AllocationID]struct{}, len(b))
	for _, id := range b {
		inOther[id] = struct{}{}
	}
	return &AllocationList{data: l.data, ids: combine(inOther, a, b)}, nil
}

// FromIDs wraps a materialized id slice as a list.
func FromIDs(data *model.Data, ids []model.AllocationID) *AllocationList {
	if ids == nil {
		ids = []model.AllocationID{}
	}
	return &AllocationList{data: data, ids: ids}
}

// ---------------------------------------------------------------------------
// Grouping
// ---------------------------------------------------------------------------

// AllocationGroup is the subset of a filtered allocation list sharing one
// backtrace, together with aggregates over that subset.
type AllocationGroup struct {
	Backtrace model.BacktraceID
	IDs       []model.AllocationID

	MinTimestamp event.Timestamp
	MaxTimestamp event.Timestamp
	TotalSize    uint64
	LeakedCount  uint64
}

// AllocationGroupList is the result of grouping a filtered list by
// backtrace.
type AllocationGroupList struct {
	data   *model.Data
	Groups []AllocationGroup
}

// GroupByBacktrace partitions the list's matching allocations by
// BacktraceID.
func (l *AllocationList) GroupByBacktrace() (*AllocationGroupList, error) {
	ids, err := l.Materialize()
	if err != nil {
		return nil, err
	}
	index := make(map[model.BacktraceID]int)
	out := &AllocationGroupList{data: l.data}
	for _, id := range ids {
		a := l.data.Allocation(id)
		gi, ok := index[a.Backtrace]
		if !ok {
			gi = len(out.Groups)
			index[a.Backtrace] = gi
			out.Groups = append(out.Groups, AllocationGroup{
				Backtrace:    a.Backtrace,
				MinTimestamp: a.Timestamp,
				MaxTimestamp: a.Timestamp,
			})
		}
		g := &out.Groups[gi]
		g.IDs = append(g.IDs, id)
		if a.Timestamp < g.MinTimestamp {
			g.MinTimestamp = a.Timestamp
		}
		if a.Timestamp > g.MaxTimestamp {
			g.MaxTimestamp = a.Timestamp
		}
		g.TotalSize += a.Size
		if a.IsLeaked() {
			g.LeakedCount++
		}
	}
	return out, nil
}

// GroupSortKey selects the aggregate to order groups by.
type GroupSortKey uint8

const (
	SortByMinTimestamp GroupSortKey = iota + 1
	SortByMaxTimestamp
	SortByInterval
	SortByAllocatedCount
	SortByLeakedCount
	SortByTotalSize
)

// GroupSortScope selects whether sorting reads the filtered subset's
// aggregates or the capture-wide group statistics.
type GroupSortScope uint8

const (
	ScopeFiltered GroupSortScope = iota + 1
	ScopeGlobal
)

// SortBy orders the groups by the given key, descending (the common
// "heaviest first" presentation).
func (gl *AllocationGroupList) SortBy(key GroupSortKey, scope GroupSortScope) {
	value := func(g *AllocationGroup) uint64 {
		if scope == ScopeGlobal {
			st := gl.data.GroupStatistics(g.Backtrace)
			switch key {
			case SortByMinTimestamp:
				return uint64(st.FirstAllocation)
			case SortByMaxTimestamp:
				return uint64(st.LastAllocation)
			case SortByInterval:
				return uint64(st.LastAllocation - st.FirstAllocation)
			case SortByAllocatedCount:
				return st.AllocCount
			case SortByLeakedCount:
				return st.AllocCount - st.FreeCount
			case SortByTotalSize:
				return st.AllocSize
			}
			return 0
		}
		switch key {
		case SortByMinTimestamp:
			return uint64(g.MinTimestamp)
		case SortByMaxTimestamp:
			return uint64(g.MaxTimestamp)
		case SortByInterval:
			return uint64(g.MaxTimestamp - g.MinTimestamp)
		case SortByAllocatedCount:
			return uint64(len(g.IDs))
		case SortByLeakedCount:
			return g.LeakedCount
		case SortByTotalSize:
			return g.TotalSize
		}
		return 0
	}
	sort.SliceStable(gl.Groups, func(i, j int) bool {
		return value(&gl.Groups[i]) > value(&gl.Groups[j])
	})
}
