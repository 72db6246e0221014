package filter

import (
	"fmt"
	"regexp"
	"time"

	"github.com/memtrail/memtrail/internal/event"
	"github.com/memtrail/memtrail/internal/model"
)

// CompileError is returned when a filter field cannot be compiled; Field
// names the offending BasicFilter field.
type CompileError struct {
	Field string
	Err   error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("filter: field %s: %v", e.Field, e.Err)
}

func (e *CompileError) Unwrap() error { return e.Err }

// Compiled is a filter bound to one Data: regular expressions have been
// resolved into backtrace id sets and group aggregates have been
// precomputed, so Match is O(1) per allocation.
type Compiled struct {
	data *model.Data
	root compiledNode
}

// Compile walks f against data, compiling every Basic leaf. A nil filter
// compiles to match-all.
func Compile(f *Filter, data *model.Data) (*Compiled, error) {
	c := &Compiled{data: data}
	var ctx compileContext
	ctx.data = data
	if f == nil {
		f = Basic(BasicFilter{})
	}
	root, err := ctx.compile(f)
	if err != nil {
		return nil, err
	}
	c.root = root
	return c, nil
}

// Match reports whether the allocation passes the filter.
func (c *Compiled) Match(id model.AllocationID, a *model.Allocation) bool {
	return c.root.match(c.data, id, a)
}

// Data returns the Data this filter was compiled against.
func (c *Compiled) Data() *model.Data { return c.data }

type compiledNode interface {
	match(d *model.Data, id model.AllocationID, a *model.Allocation) bool
}

type andNode struct{ left, right compiledNode }

func (n andNode) match(d *model.Data, id model.AllocationID, a *model.Allocation) bool {
	return n.left.match(d, id, a) && n.right.match(d, id, a)
}

type orNode struct{ left, right compiledNode }

func (n orNode) match(d *model.Data, id model.AllocationID, a *model.Allocation) bool {
	return n.left.match(d, id, a) || n.right.match(d, id, a)
}

type notNode struct{ inner compiledNode }

func (n notNode) match(d *model.Data, id model.AllocationID, a *model.Allocation) bool {
	return !n.inner.match(d, id, a)
}

type compileContext struct {
	data *model.Data

	// leakedPerGroup is computed once, on the first predicate that needs
	// it.
	leakedPerGroup []uint64
}

func (ctx *compileContext) compile(f *Filter) (compiledNode, error) {
	switch f.kind {
	case KindBasic:
		return ctx.compileBasic(f.basic)
	case KindAnd:
		l, err := ctx.compile(f.left)
		if err != nil {
			return nil, err
		}
		r, err := ctx.compile(f.right)
		if err != nil {
			return nil, err
		}
		return andNode{left: l, right: r}, nil
	case KindOr:
		l, err := ctx.compile(f.left)
		if err != nil {
			return nil, err
		}
		r, err := ctx.compile(f.right)
		if err != nil {
			return nil, err
		}
		return orNode{left: l, right: r}, nil
	case KindNot:
		inner, err := ctx.compile(f.left)
		if err != nil {
			return nil, err
		}
		return notNode{inner: inner}, nil
	default:
		return nil, &CompileError{Field: "(root)", Err: fmt.Errorf("unknown filter kind %d", f.kind)}
	}
}

// compiledBasic carries the pre-resolved form of one BasicFilter.
type compiledBasic struct {
	bf BasicFilter

	fnPass     map[model.BacktraceID]struct{}
	srcPass    map[model.BacktraceID]struct{}
	fnNotPass  map[model.BacktraceID]struct{}
	srcNotPass map[model.BacktraceID]struct{}

	leakedPerGroup []uint64

	// Timestamps precomputed from the duration predicates.
	allocatedAfter    event.Timestamp
	allocatedUntil    event.Timestamp
	deallocatedAfter  event.Timestamp
	deallocatedUntil  event.Timestamp
	notDeallocAfter   event.Timestamp
	notDeallocUntil   event.Timestamp
	leakedOrDeallocAt event.Timestamp
}

func (ctx *compileContext) compileBasic(bf *BasicFilter) (compiledNode, error) {
	cb := &compiledBasic{bf: *bf}
	var err error

	if bf.OnlyPassingThroughFunction != "" {
		cb.fnPass, err = ctx.backtracesMatching("OnlyPassingThroughFunction", bf.OnlyPassingThroughFunction, matchFunction)
		if err != nil {
			return nil, err
		}
	}
	if bf.OnlyPassingThroughSource != "" {
		cb.srcPass, err = ctx.backtracesMatching("OnlyPassingThroughSource", bf.OnlyPassingThroughSource, matchSource)
		if err != nil {
			return nil, err
		}
	}
	if bf.OnlyNotPassingThroughFunction != "" {
		cb.fnNotPass, err = ctx.backtracesMatching("OnlyNotPassingThroughFunction", bf.OnlyNotPassingThroughFunction, matchFunction)
		if err != nil {
			return nil, err
		}
	}
	if bf.OnlyNotPassingThroughSource != "" {
		cb.srcNotPass, err = ctx.backtracesMatching("OnlyNotPassingThroughSource", bf.OnlyNotPassingThroughSource, matchSource)
		if err != nil {
			return nil, err
		}
	}

	needLeaked := bf.OnlyGroupLeakedAllocationsAtLeast != nil || bf.OnlyGroupLeakedAllocationsAtMost != nil
	if needLeaked {
		cb.leakedPerGroup = ctx.groupLeakedCounts()
	}

	base := ctx.data.InitialTimestamp()
	cb.allocatedAfter = tsAfter(base, bf.OnlyAllocatedAfterAtLeast)
	cb.allocatedUntil = tsAfter(base, bf.OnlyAllocatedUntilAtMost)
	cb.deallocatedAfter = tsAfter(base, bf.OnlyDeallocatedAfterAtLeast)
	cb.deallocatedUntil = tsAfter(base, bf.OnlyDeallocatedUntilAtMost)
	cb.notDeallocAfter = tsAfter(base, bf.OnlyNotDeallocatedAfter)
	cb.notDeallocUntil = tsAfter(base, bf.OnlyNotDeallocatedUntil)
	cb.leakedOrDeallocAt = tsAfter(base, bf.OnlyLeakedOrDeallocatedAfter)
	return cb, nil
}

func tsAfter(base event.Timestamp, d *time.Duration) event.Timestamp {
	if d == nil {
		return 0
	}
	return base + event.Timestamp(d.Microseconds())
}

type frameMatcher func(d *model.Data, f *model.Frame, re *regexp.Regexp) bool

func matchFunction(d *model.Data, f *model.Frame, re *regexp.Regexp) bool {
	if !f.Function.IsValid() {
		return false
	}
	return re.MatchString(d.String(f.Function))
}

func matchSource(d *model.Data, f *model.Frame, re *regexp.Regexp) bool {
	if !f.Source.IsValid() {
		return false
	}
	return re.MatchString(d.String(f.Source))
}

// backtracesMatching pre-resolves a regex predicate into the set of
// backtraces containing at least one matching frame.
func (ctx *compileContext) backtracesMatching(field, pattern string, matches frameMatcher) (map[model.BacktraceID]struct{}, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, &CompileError{Field: field, Err: err}
	}
	d := ctx.data

	// Regex evaluation happens once per unique frame, not once per
	// backtrace entry.
	frameMatches := make([]bool, d.FrameCount())
	for i := 0; i < d.FrameCount(); i++ {
		frameMatches[i] = matches(d, d.Frame(model.FrameID(i)), re)
	}

	set := make(map[model.BacktraceID]struct{})
	for bt := 0; bt < d.BacktraceCount(); bt++ {
		for _, frameID := range d.BacktraceFrames(model.BacktraceID(bt)) {
			if frameMatches[frameID] {
				set[model.BacktraceID(bt)] = struct{}{}
				break
			}
		}
	}
	return set, nil
}

// groupLeakedCounts counts the leaked allocations per backtrace group.
func (ctx *compileContext) groupLeakedCounts() []uint64 {
	if ctx.leakedPerGroup != nil {
		return ctx.leakedPerGroup
	}
	counts := make([]uint64, ctx.data.BacktraceCount())
	ctx.data.EachAllocation(func(_ model.AllocationID, a *model.Allocation) bool {
		if a.IsLeaked() && int(a.Backtrace) < len(counts) {
			counts[a.Backtrace]++
		}
		return true
	})
	ctx.leakedPerGroup = counts
	return counts
}

// match evaluates every set predicate; all must accept.
func (cb *compiledBasic) match(d *model.Data, id model.AllocationID, a *model.Allocation) bool {
	bf := &cb.bf

	if cb.fnPass != nil {
		if _, ok := cb.fnPass[a.Backtrace]; !ok {
			return false
		}
	}
	if cb.srcPass != nil {
		if _, ok := cb.srcPass[a.Backtrace]; !ok {
			return false
		}
	}
	if cb.fnNotPass != nil {
		if _, ok := cb.fnNotPass[a.Backtrace]; ok {
			return false
		}
	}
	if cb.srcNotPass != nil {
		if _, ok := cb.srcNotPass[a.Backtrace]; ok {
			return false
		}
	}
	if bf.OnlyMatchingBacktraces != nil {
		if _, ok := bf.OnlyMatchingBacktraces[a.Backtrace]; !ok {
			return false
		}
	}

	if bf.OnlyBacktraceLengthAtLeast != nil || bf.OnlyBacktraceLengthAtMost != nil {
		length := len(d.BacktraceFrames(a.Backtrace))
		if bf.OnlyBacktraceLengthAtLeast != nil && length < *bf.OnlyBacktraceLengthAtLeast {
			return false
		}
		if bf.OnlyBacktraceLengthAtMost != nil && length > *bf.OnlyBacktraceLengthAtMost {
			return false
		}
	}

	if bf.OnlyLarger != nil && a.Size <= *bf.OnlyLarger {
		return false
	}
	if bf.OnlyLargerOrEqual != nil && a.Size < *bf.OnlyLargerOrEqual {
		return false
	}
	if bf.OnlySmaller != nil && a.Size >= *bf.OnlySmaller {
		return false
	}
	if bf.OnlySmallerOrEqual != nil && a.Size > *bf.OnlySmallerOrEqual {
		return false
	}

	if bf.hasChainSizePredicates() {
		chain := d.Chain(id)
		first := d.Allocation(chain.First)
		last := d.Allocation(chain.Last)
		if bf.OnlyFirstSizeLarger != nil && first.Size <= *bf.OnlyFirstSizeLarger {
			return false
		}
		if bf.OnlyFirstSizeLargerOrEqual != nil && first.Size < *bf.OnlyFirstSizeLargerOrEqual {
			return false
		}
		if bf.OnlyFirstSizeSmaller != nil && first.Size >= *bf.OnlyFirstSizeSmaller {
			return false
		}
		if bf.OnlyFirstSizeSmallerOrEqual != nil && first.Size > *bf.OnlyFirstSizeSmallerOrEqual {
			return false
		}
		if bf.OnlyLastSizeLarger != nil && last.Size <= *bf.OnlyLastSizeLarger {
			return false
		}
		if bf.OnlyLastSizeLargerOrEqual != nil && last.Size < *bf.OnlyLastSizeLargerOrEqual {
			return false
		}
		if bf.OnlyLastSizeSmaller != nil && last.Size >= *bf.OnlyLastSizeSmaller {
			return false
		}
		if bf.OnlyLastSizeSmallerOrEqual != nil && last.Size > *bf.OnlyLastSizeSmallerOrEqual {
			return false
		}
	}

	if bf.OnlyChainLengthAtLeast != nil || bf.OnlyChainLengthAtMost != nil ||
		bf.OnlyChainAliveForAtLeast != nil || bf.OnlyChainAliveForAtMost != nil {
		chain := d.Chain(id)
		if bf.OnlyChainLengthAtLeast != nil && chain.Length < *bf.OnlyChainLengthAtLeast {
			return false
		}
		if bf.OnlyChainLengthAtMost != nil && chain.Length > *bf.OnlyChainLengthAtMost {
			return false
		}
		if bf.OnlyChainAliveForAtLeast != nil || bf.OnlyChainAliveForAtMost != nil {
			first := d.Allocation(chain.First)
			last := d.Allocation(chain.Last)
			end := d.LastTimestamp()
			if last.Deallocation != nil {
				end = last.Deallocation.Timestamp
			}
			alive := time.Duration(end-first.Timestamp) * time.Microsecond
			if bf.OnlyChainAliveForAtLeast != nil && alive < *bf.OnlyChainAliveForAtLeast {
				return false
			}
			if bf.OnlyChainAliveForAtMost != nil && alive > *bf.OnlyChainAliveForAtMost {
				return false
			}
		}
	}

	if bf.OnlyAddressAtLeast != nil && a.Pointer < *bf.OnlyAddressAtLeast {
		return false
	}
	if bf.OnlyAddressAtMost != nil && a.Pointer > *bf.OnlyAddressAtMost {
		return false
	}

	if bf.OnlyAllocatedAfterAtLeast != nil && a.Timestamp < cb.allocatedAfter {
		return false
	}
	if bf.OnlyAllocatedUntilAtMost != nil && a.Timestamp > cb.allocatedUntil {
		return false
	}

	if bf.OnlyDeallocatedAfterAtLeast != nil {
		if a.Deallocation == nil || a.Deallocation.Timestamp < cb.deallocatedAfter {
			return false
		}
	}
	if bf.OnlyDeallocatedUntilAtMost != nil {
		if a.Deallocation == nil || a.Deallocation.Timestamp > cb.deallocatedUntil {
			return false
		}
	}
	if bf.OnlyNotDeallocatedAfter != nil {
		if a.Deallocation != nil && a.Deallocation.Timestamp > cb.notDeallocAfter {
			return false
		}
	}
	if bf.OnlyNotDeallocatedUntil != nil {
		if a.Deallocation != nil && a.Deallocation.Timestamp < cb.notDeallocUntil {
			return false
		}
	}
	if bf.OnlyLeakedOrDeallocatedAfter != nil {
		if a.Deallocation != nil && a.Deallocation.Timestamp < cb.leakedOrDeallocAt {
			return false
		}
	}

	if bf.OnlyAliveForAtLeast != nil || bf.OnlyAliveForAtMost != nil {
		end := d.LastTimestamp()
		if a.Deallocation != nil {
			end = a.Deallocation.Timestamp
		}
		alive := time.Duration(end-a.Timestamp) * time.Microsecond
		if bf.OnlyAliveForAtLeast != nil && alive < *bf.OnlyAliveForAtLeast {
			return false
		}
		if bf.OnlyAliveForAtMost != nil && alive > *bf.OnlyAliveForAtMost {
			return false
		}
	}

	if bf.OnlyLeaked && a.Deallocation != nil {
		return false
	}
	if bf.OnlyTemporary && a.Deallocation == nil {
		return false
	}

	if bf.OnlyPtmallocMmaped && !a.IsMmaped() {
		return false
	}
	if bf.OnlyPtmallocNotMmaped && a.IsMmaped() {
		return false
	}
	if bf.OnlyPtmallocFromMainArena && !a.InMainArena() {
		return false
	}
	if bf.OnlyPtmallocNotFromMainArena && a.InMainArena() {
		return false
	}

	if bf.OnlyGroupAllocationsAtLeast != nil || bf.OnlyGroupAllocationsAtMost != nil ||
		bf.OnlyGroupIntervalAtLeast != nil || bf.OnlyGroupIntervalAtMost != nil {
		st := d.GroupStatistics(a.Backtrace)
		if bf.OnlyGroupAllocationsAtLeast != nil && st.AllocCount < *bf.OnlyGroupAllocationsAtLeast {
			return false
		}
		if bf.OnlyGroupAllocationsAtMost != nil && st.AllocCount > *bf.OnlyGroupAllocationsAtMost {
			return false
		}
		interval := time.Duration(st.LastAllocation-st.FirstAllocation) * time.Microsecond
		if bf.OnlyGroupIntervalAtLeast != nil && interval < *bf.OnlyGroupIntervalAtLeast {
			return false
		}
		if bf.OnlyGroupIntervalAtMost != nil && interval > *bf.OnlyGroupIntervalAtMost {
			return false
		}
	}

	if bf.OnlyGroupLeakedAllocationsAtLeast != nil || bf.OnlyGroupLeakedAllocationsAtMost != nil {
		leaked := uint64(0)
		if int(a.Backtrace) < len(cb.leakedPerGroup) {
			leaked = cb.leakedPerGroup[a.Backtrace]
		}
		total := d.GroupStatistics(a.Backtrace).AllocCount
		if nf := bf.OnlyGroupLeakedAllocationsAtLeast; nf != nil && !nf.atLeast(leaked, total) {
			return false
		}
		if nf := bf.OnlyGroupLeakedAllocationsAtMost; nf != nil && !nf.atMost(leaked, total) {
			return false
		}
	}

	if bf.OnlyWithMarker != nil && a.Marker != *bf.OnlyWithMarker {
		return false
	}
	return true
}

func (bf *BasicFilter) hasChainSizePredicates() bool {
	return bf.OnlyFirstSizeLarger != nil || bf.OnlyFirstSizeLargerOrEqual != nil ||
		bf.OnlyFirstSizeSmaller != nil || bf.OnlyFirstSizeSmallerOrEqual != nil ||
		bf.OnlyLastSizeLarger != nil || bf.OnlyLastSizeLargerOrEqual != nil ||
		bf.OnlyLastSizeSmaller != nil || bf.OnlyLastSizeSmallerOrEqual != nil
}

func (nf *NumberOrFraction) atLeast(value, total uint64) bool {
	if nf.Number != nil {
		return value >= *nf.Number
	}
	if nf.Fraction != nil {
		if total == 0 {
			return *nf.Fraction <= 0
		}
		return float64(value)/float64(total) >= *nf.Fraction
	}
	return true
}

func (nf *NumberOrFraction) atMost(value, total uint64) bool {
	if nf.Number != nil {
		return value <= *nf.Number
	}
	if nf.Fraction != nil {
		if total == 0 {
			return true
		}
		return float64(value)/float64(total) <= *nf.Fraction
	}
	return true
}
