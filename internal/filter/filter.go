// Package filter implements the composable allocation predicate language
// of the analyzer: a BasicFilter record of optional field predicates, a
// boolean algebra over it, and a compile step that pre-resolves regular
// expressions into backtrace id sets so that matching a single allocation
// is a constant-time operation.
package filter

import (
	"time"

	"github.com/memtrail/memtrail/internal/model"
)

// NumberOrFraction expresses a group threshold either as an absolute count
// or as a fraction of the group's total.
type NumberOrFraction struct {
	Number   *uint64
	Fraction *float64
}

// Number returns a NumberOrFraction holding an absolute count.
func Number(n uint64) NumberOrFraction { return NumberOrFraction{Number: &n} }

// Fraction returns a NumberOrFraction holding a fraction of the total.
func Fraction(f float64) NumberOrFraction { return NumberOrFraction{Fraction: &f} }

// BasicFilter is a record of optional predicates; an allocation matches
// when every set field accepts it. The zero value matches everything.
type BasicFilter struct {
	// Backtrace content predicates (regular expressions over demangled
	// function names and source files).
	OnlyPassingThroughFunction    string
	OnlyPassingThroughSource      string
	OnlyNotPassingThroughFunction string
	OnlyNotPassingThroughSource   string

	// Backtrace identity and shape.
	OnlyMatchingBacktraces     map[model.BacktraceID]struct{}
	OnlyBacktraceLengthAtLeast *int
	OnlyBacktraceLengthAtMost  *int

	// Size of the allocation itself.
	OnlyLarger         *uint64
	OnlyLargerOrEqual  *uint64
	OnlySmaller        *uint64
	OnlySmallerOrEqual *uint64

	// Size at the head and tail of the allocation's realloc chain.
	OnlyFirstSizeLarger         *uint64
	OnlyFirstSizeLargerOrEqual  *uint64
	OnlyFirstSizeSmaller        *uint64
	OnlyFirstSizeSmallerOrEqual *uint64
	OnlyLastSizeLarger          *uint64
	OnlyLastSizeLargerOrEqual   *uint64
	OnlyLastSizeSmaller         *uint64
	OnlyLastSizeSmallerOrEqual  *uint64

	// Realloc chain shape and lifetime.
	OnlyChainLengthAtLeast   *uint32
	OnlyChainLengthAtMost    *uint32
	OnlyChainAliveForAtLeast *time.Duration
	OnlyChainAliveForAtMost  *time.Duration

	// Address range.
	OnlyAddressAtLeast *uint64
	OnlyAddressAtMost  *uint64

	// Allocation and deallocation timing, relative to the start of the run.
	OnlyAllocatedAfterAtLeast    *time.Duration
	OnlyAllocatedUntilAtMost     *time.Duration
	OnlyDeallocatedAfterAtLeast  *time.Duration
	OnlyDeallocatedUntilAtMost   *time.Duration
	OnlyNotDeallocatedAfter      *time.Duration
	OnlyNotDeallocatedUntil      *time.Duration
	OnlyAliveForAtLeast          *time.Duration
	OnlyAliveForAtMost           *time.Duration
	OnlyLeakedOrDeallocatedAfter *time.Duration

	// Life state.
	OnlyLeaked    bool
	OnlyTemporary bool

	// Allocator flag bits.
	OnlyPtmallocMmaped        bool
	OnlyPtmallocNotMmaped     bool
	OnlyPtmallocFromMainArena bool
	OnlyPtmallocNotFromMainArena bool

	// Group (same backtrace) aggregates.
	OnlyGroupAllocationsAtLeast       *uint64
	OnlyGroupAllocationsAtMost        *uint64
	OnlyGroupIntervalAtLeast          *time.Duration
	OnlyGroupIntervalAtMost           *time.Duration
	OnlyGroupLeakedAllocationsAtLeast *NumberOrFraction
	OnlyGroupLeakedAllocationsAtMost  *NumberOrFraction

	// User marker.
	OnlyWithMarker *uint32
}

// Kind discriminates Filter nodes.
type Kind uint8

const (
	KindBasic Kind = iota + 1
	KindAnd
	KindOr
	KindNot
)

// Filter is the boolean algebra over BasicFilter.
type Filter struct {
	kind  Kind
	basic *BasicFilter
	left  *Filter
	right *Filter
}

// Basic wraps a BasicFilter as a Filter leaf.
func Basic(bf BasicFilter) *Filter {
	return &Filter{kind: KindBasic, basic: &bf}
}

// And returns a filter matching allocations accepted by both operands.
func And(l, r *Filter) *Filter {
	switch {
	case l == nil:
		return r
	case r == nil:
		return l
	}
	return &Filter{kind: KindAnd, left: l, right: r}
}

// Or returns a filter matching allocations accepted by either operand.
func Or(l, r *Filter) *Filter {
	switch {
	case l == nil:
		return r
	case r == nil:
		return l
	}
	return &Filter{kind: KindOr, left: l, right: r}
}

// Not returns a filter matching allocations rejected by inner. Not(nil)
// matches nothing and is represented as Not over the match-all filter.
func Not(inner *Filter) *Filter {
	if inner == nil {
		inner = Basic(BasicFilter{})
	}
	return &Filter{kind: KindNot, left: inner}
}

// Kind returns the node kind.
func (f *Filter) Kind() Kind { return f.kind }

// Operands returns the child filters (left only for Not, neither for
// Basic).
func (f *Filter) Operands() (*Filter, *Filter) { return f.left, f.right }

// BasicFilter returns the leaf record for Basic nodes, nil otherwise.
func (f *Filter) BasicFilter() *BasicFilter { return f.basic }

// AddFilterOnce merges a single-field predicate into f: when f is a Basic
// whose corresponding slot is still empty (per isFilled), the slot is set
// in place; otherwise a new And branch with a fresh Basic is created. This
// is the combinator behind incremental "add another constraint" filter
// construction.
func AddFilterOnce(f *Filter, isFilled func(*BasicFilter) bool, set func(*BasicFilter)) *Filter {
	if f == nil {
		bf := BasicFilter{}
		set(&bf)
		return Basic(bf)
	}
	if f.kind == KindBasic && !isFilled(f.basic) {
		set(f.basic)
		return f
	}
	bf := BasicFilter{}
	set(&bf)
	return And(f, Basic(bf))
}
