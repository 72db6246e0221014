package rest

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/memtrail/memtrail/internal/export"
	"github.com/memtrail/memtrail/internal/filter"
	"github.com/memtrail/memtrail/internal/model"
	"github.com/memtrail/memtrail/internal/query"
)

// Server bundles the loaded capture with the HTTP handlers. The Data is
// immutable, so the handlers are safe for concurrent use.
type Server struct {
	data   *model.Data
	logger *slog.Logger
}

// NewServer creates a Server over an already-loaded capture.
func NewServer(data *model.Data, logger *slog.Logger) *Server {
	return &Server{data: data, logger: logger}
}

// defaultPageSize bounds /allocations responses when the client does not
// pick a size.
const defaultPageSize = 500

// maxPageSize is the hard cap on page_size.
const maxPageSize = 10000

// infoResponse is the payload of GET /api/v1/info.
type infoResponse struct {
	DataID         string `json:"data_id"`
	Executable     string `json:"executable"`
	Cmdline        string `json:"cmdline"`
	Architecture   string `json:"architecture"`
	PointerSize    uint8  `json:"pointer_size"`
	RuntimeUS      uint64 `json:"runtime_us"`
	Allocations    uint64 `json:"total_allocations"`
	AllocatedBytes uint64 `json:"total_allocated_bytes"`
	FreedBytes     uint64 `json:"total_freed_bytes"`
	Leaked         uint64 `json:"leaked_allocations"`
	Backtraces     int    `json:"unique_backtraces"`
	Frames         int    `json:"unique_frames"`
	MmapOperations int    `json:"mmap_operations"`
	Mallopts       int    `json:"mallopts"`
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	d := s.data
	writeJSON(w, infoResponse{
		DataID:         d.ID().String(),
		Executable:     d.Executable(),
		Cmdline:        d.Cmdline(),
		Architecture:   d.Architecture(),
		PointerSize:    d.PointerSize(),
		RuntimeUS:      uint64(d.LastTimestamp() - d.InitialTimestamp()),
		Allocations:    d.TotalAllocatedCount(),
		AllocatedBytes: d.TotalAllocatedSize(),
		FreedBytes:     d.TotalFreedSize(),
		Leaked:         d.LeakedCount(),
		Backtraces:     d.BacktraceCount(),
		Frames:         d.FrameCount(),
		MmapOperations: len(d.MmapOperations()),
		Mallopts:       len(d.Mallopts()),
	})
}

// allocationResponse is one allocation in /allocations pages.
type allocationResponse struct {
	ID               uint32   `json:"id"`
	Pointer          string   `json:"pointer"`
	Size             uint64   `json:"size"`
	ExtraUsableSpace uint32   `json:"extra_usable_space"`
	Thread           uint32   `json:"thread"`
	TimestampUS      uint64   `json:"timestamp_us"`
	DeallocatedUS    *uint64  `json:"deallocated_us,omitempty"`
	Leaked           bool     `json:"leaked"`
	Mmaped           bool     `json:"mmaped"`
	SharedPtr        bool     `json:"shared_ptr"`
	ChainLength      uint32   `json:"chain_length"`
	PositionInChain  uint32   `json:"position_in_chain"`
	Marker           uint32   `json:"marker,omitempty"`
	Backtrace        []string `json:"backtrace"`
}

func (s *Server) handleAllocations(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ids, err := query.NewAllocationList(s.data).WithFilter(f).Materialize()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	page := intParam(r, "page", 0)
	pageSize := intParam(r, "page_size", defaultPageSize)
	if pageSize <= 0 || pageSize > maxPageSize {
		pageSize = defaultPageSize
	}
	start := page * pageSize
	if start > len(ids) {
		start = len(ids)
	}
	end := start + pageSize
	if end > len(ids) {
		end = len(ids)
	}

	out := struct {
		Total       int                  `json:"total"`
		Page        int                  `json:"page"`
		PageSize    int                  `json:"page_size"`
		Allocations []allocationResponse `json:"allocations"`
	}{Total: len(ids), Page: page, PageSize: pageSize}

	for _, id := range ids[start:end] {
		out.Allocations = append(out.Allocations, s.allocationJSON(id))
	}
	writeJSON(w, out)
}

func (s *Server) allocationJSON(id model.AllocationID) allocationResponse {
	d := s.data
	a := d.Allocation(id)
	chain := d.Chain(id)

	resp := allocationResponse{
		ID:               uint32(id),
		Pointer:          fmt.Sprintf("0x%x", a.Pointer),
		Size:             a.Size,
		ExtraUsableSpace: a.ExtraUsableSpace,
		Thread:           a.Thread,
		TimestampUS:      uint64(a.Timestamp),
		Leaked:           a.IsLeaked(),
		Mmaped:           a.IsMmaped(),
		SharedPtr:        a.IsSharedPtr(),
		ChainLength:      chain.Length,
		PositionInChain:  a.PositionInChain,
		Marker:           a.Marker,
	}
	if a.Deallocation != nil {
		ts := uint64(a.Deallocation.Timestamp)
		resp.DeallocatedUS = &ts
	}
	d.EachBacktraceFrame(a.Backtrace, func(_ model.FrameID, f *model.Frame) bool {
		label := d.String(f.Function)
		if label == "" {
			label = fmt.Sprintf("0x%x", f.CodeAddress)
		}
		resp.Backtrace = append(resp.Backtrace, label)
		return true
	})
	return resp
}

// groupResponse is one entry of /allocation_groups.
type groupResponse struct {
	Backtrace     uint32   `json:"backtrace_id"`
	Allocations   int      `json:"allocations"`
	Leaked        uint64   `json:"leaked"`
	TotalSize     uint64   `json:"total_size"`
	AllCount      uint64   `json:"global_count"`
	AllSize       uint64   `json:"global_size"`
	PeakUsage     uint64   `json:"peak_usage"`
	PeakUsageUS   uint64   `json:"peak_usage_us"`
	FirstSeenUS   uint64   `json:"first_seen_us"`
	LastSeenUS    uint64   `json:"last_seen_us"`
	Frames        []string `json:"frames"`
}

func (s *Server) handleAllocationGroups(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	groups, err := query.NewAllocationList(s.data).WithFilter(f).GroupByBacktrace()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	key := query.SortByTotalSize
	switch r.URL.Query().Get("sort_by") {
	case "count":
		key = query.SortByAllocatedCount
	case "leaked":
		key = query.SortByLeakedCount
	case "interval":
		key = query.SortByInterval
	case "first_seen":
		key = query.SortByMinTimestamp
	case "last_seen":
		key = query.SortByMaxTimestamp
	}
	scope := query.ScopeFiltered
	if r.URL.Query().Get("scope") == "global" {
		scope = query.ScopeGlobal
	}
	groups.SortBy(key, scope)

	limit := intParam(r, "limit", 100)
	if limit <= 0 || limit > len(groups.Groups) {
		limit = len(groups.Groups)
	}

	out := make([]groupResponse, 0, limit)
	for _, g := range groups.Groups[:limit] {
		st := s.data.GroupStatistics(g.Backtrace)
		resp := groupResponse{
			Backtrace:   uint32(g.Backtrace),
			Allocations: len(g.IDs),
			Leaked:      g.LeakedCount,
			TotalSize:   g.TotalSize,
			AllCount:    st.AllocCount,
			AllSize:     st.AllocSize,
			PeakUsage:   st.PeakUsage,
			PeakUsageUS: uint64(st.PeakUsageTime),
			FirstSeenUS: uint64(st.FirstAllocation),
			LastSeenUS:  uint64(st.LastAllocation),
		}
		s.data.EachBacktraceFrame(g.Backtrace, func(_ model.FrameID, fr *model.Frame) bool {
			label := s.data.String(fr.Function)
			if label == "" {
				label = fmt.Sprintf("0x%x", fr.CodeAddress)
			}
			resp.Frames = append(resp.Frames, label)
			return true
		})
		out = append(out, resp)
	}
	writeJSON(w, out)
}

// timelinePoint is one sample of /timeline.
type timelinePoint struct {
	TimestampUS   uint64 `json:"timestamp_us"`
	MemoryUsage   uint64 `json:"memory_usage"`
	LiveCount     uint64 `json:"live_count"`
	Allocations   uint64 `json:"allocations"`
	Deallocations uint64 `json:"deallocations"`
	Fragmentation uint64 `json:"fragmentation"`
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tl, err := query.NewAllocationList(s.data).WithFilter(f).BuildTimeline()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out := make([]timelinePoint, 0, len(tl.Points))
	for _, p := range tl.Points {
		out = append(out, timelinePoint{
			TimestampUS:   uint64(p.Timestamp),
			MemoryUsage:   p.MemoryUsage,
			LiveCount:     p.LiveCount,
			Allocations:   p.Allocations,
			Deallocations: p.Deallocations,
			Fragmentation: p.Fragmentation,
		})
	}
	writeJSON(w, out)
}

func (s *Server) handleMmaps(w http.ResponseWriter, r *http.Request) {
	type mmapResponse struct {
		Kind        string `json:"kind"`
		Pointer     string `json:"pointer"`
		Length      uint64 `json:"length"`
		Thread      uint32 `json:"thread"`
		TimestampUS uint64 `json:"timestamp_us"`
	}
	ops := s.data.MmapOperations()
	out := make([]mmapResponse, 0, len(ops))
	for _, op := range ops {
		kind := "mmap"
		if op.Kind == model.MmapOpMunmap {
			kind = "munmap"
		}
		out = append(out, mmapResponse{
			Kind:        kind,
			Pointer:     fmt.Sprintf("0x%x", op.Pointer),
			Length:      op.Length,
			Thread:      op.Thread,
			TimestampUS: uint64(op.Timestamp),
		})
	}
	writeJSON(w, out)
}

func (s *Server) handleMallopts(w http.ResponseWriter, r *http.Request) {
	type malloptResponse struct {
		Param       int32  `json:"param"`
		Value       int32  `json:"value"`
		Result      int32  `json:"result"`
		Thread      uint32 `json:"thread"`
		TimestampUS uint64 `json:"timestamp_us"`
	}
	ops := s.data.Mallopts()
	out := make([]malloptResponse, 0, len(ops))
	for _, op := range ops {
		out = append(out, malloptResponse{
			Param:       op.Param,
			Value:       op.Value,
			Result:      op.Result,
			Thread:      op.Thread,
			TimestampUS: uint64(op.Timestamp),
		})
	}
	writeJSON(w, out)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request, format string) {
	f, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	list := query.NewAllocationList(s.data).WithFilter(f)

	switch format {
	case "flamegraph":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		err = export.Flamegraph(list, w)
	case "flamegraph.svg":
		w.Header().Set("Content-Type", "image/svg+xml")
		err = export.FlamegraphSVG(list, w)
	case "heaptrack":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		err = export.Heaptrack(list, w)
	case "replay":
		w.Header().Set("Content-Type", "application/octet-stream")
		err = export.Replay(list, w)
	case "pprof":
		w.Header().Set("Content-Type", "application/octet-stream")
		err = export.Pprof(list, w)
	default:
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown export format %q", format))
		return
	}
	if err != nil {
		s.logger.Warn("export failed", slog.String("format", format), slog.Any("error", err))
	}
}

// ---------------------------------------------------------------------------
// Query parameter parsing
// ---------------------------------------------------------------------------

func intParam(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// parseFilter maps query parameters onto a BasicFilter. Unknown parameters
// are ignored; malformed values are errors.
func parseFilter(r *http.Request) (*filter.Filter, error) {
	q := r.URL.Query()
	bf := filter.BasicFilter{}
	set := false

	u64 := func(name string, dst **uint64) error {
		v := q.Get(name)
		if v == "" {
			return nil
		}
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("parameter %s: %q is not an unsigned integer", name, v)
		}
		*dst = &n
		set = true
		return nil
	}
	dur := func(name string, dst **time.Duration) error {
		v := q.Get(name)
		if v == "" {
			return nil
		}
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("parameter %s: %q is not a number of seconds", name, v)
		}
		d := time.Duration(secs * float64(time.Second))
		*dst = &d
		set = true
		return nil
	}

	if err := u64("larger", &bf.OnlyLarger); err != nil {
		return nil, err
	}
	if err := u64("larger_or_equal", &bf.OnlyLargerOrEqual); err != nil {
		return nil, err
	}
	if err := u64("smaller", &bf.OnlySmaller); err != nil {
		return nil, err
	}
	if err := u64("smaller_or_equal", &bf.OnlySmallerOrEqual); err != nil {
		return nil, err
	}
	if err := u64("address_at_least", &bf.OnlyAddressAtLeast); err != nil {
		return nil, err
	}
	if err := u64("address_at_most", &bf.OnlyAddressAtMost); err != nil {
		return nil, err
	}
	if err := u64("group_allocations_at_least", &bf.OnlyGroupAllocationsAtLeast); err != nil {
		return nil, err
	}
	if err := u64("group_allocations_at_most", &bf.OnlyGroupAllocationsAtMost); err != nil {
		return nil, err
	}
	if err := dur("allocated_after", &bf.OnlyAllocatedAfterAtLeast); err != nil {
		return nil, err
	}
	if err := dur("allocated_until", &bf.OnlyAllocatedUntilAtMost); err != nil {
		return nil, err
	}
	if err := dur("alive_at_least", &bf.OnlyAliveForAtLeast); err != nil {
		return nil, err
	}
	if err := dur("alive_at_most", &bf.OnlyAliveForAtMost); err != nil {
		return nil, err
	}

	if v := q.Get("function"); v != "" {
		bf.OnlyPassingThroughFunction = v
		set = true
	}
	if v := q.Get("not_function"); v != "" {
		bf.OnlyNotPassingThroughFunction = v
		set = true
	}
	if v := q.Get("source"); v != "" {
		bf.OnlyPassingThroughSource = v
		set = true
	}
	if v := q.Get("not_source"); v != "" {
		bf.OnlyNotPassingThroughSource = v
		set = true
	}
	if v := q.Get("marker"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("parameter marker: %q is not a u32", v)
		}
		m := uint32(n)
		bf.OnlyWithMarker = &m
		set = true
	}
	if v := q.Get("backtrace_length_at_least"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("parameter backtrace_length_at_least: %q is not an integer", v)
		}
		bf.OnlyBacktraceLengthAtLeast = &n
		set = true
	}
	if v := q.Get("backtrace_length_at_most"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("parameter backtrace_length_at_most: %q is not an integer", v)
		}
		bf.OnlyBacktraceLengthAtMost = &n
		set = true
	}
	if v := q.Get("chain_length_at_least"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("parameter chain_length_at_least: %q is not a u32", v)
		}
		c := uint32(n)
		bf.OnlyChainLengthAtLeast = &c
		set = true
	}
	switch q.Get("state") {
	case "leaked":
		bf.OnlyLeaked = true
		set = true
	case "temporary":
		bf.OnlyTemporary = true
		set = true
	case "":
	default:
		return nil, fmt.Errorf("parameter state: must be \"leaked\" or \"temporary\"")
	}
	switch q.Get("mmaped") {
	case "true", "1":
		bf.OnlyPtmallocMmaped = true
		set = true
	case "false", "0":
		bf.OnlyPtmallocNotMmaped = true
		set = true
	case "":
	default:
		return nil, fmt.Errorf("parameter mmaped: must be a boolean")
	}

	if !set {
		return nil, nil
	}
	return filter.Basic(bf), nil
}
