package hook

import (
	"log/slog"
	"os"
	"time"

	"github.com/memtrail/memtrail/internal/addrspace"
	"github.com/memtrail/memtrail/internal/event"
)

// memoryDumpChunk is the MemoryDump event payload granularity.
const memoryDumpChunk = 64 * 1024

// grabMemoryDump takes the global allocation lock, waits for every
// application thread to quiesce at a hook boundary, and streams the
// process's readable memory into the capture as MemoryDump events.
//
// While waiting for quiescence the processing goroutine keeps draining the
// event channel: outstanding events only drain through it, so parking here
// without draining would deadlock against the raised throttles.
func (s *procState) grabMemoryDump() {
	p := s.p
	lock := &AllocationLock{registry: p.registry, raised: p.registry.raiseAll()}
	defer lock.Unlock()

	deadline := time.Now().Add(5 * time.Second)
	for !p.registry.quiesced(nil) {
		if time.Now().After(deadline) {
			if p.logger != nil {
				p.logger.Warn("memory dump: threads did not quiesce; dumping anyway")
			}
			break
		}
		// Throttle counters only drain once events are consumed; that
		// includes chunks still buffered on their producer threads.
		s.stealPending()
		chunks, _ := p.ch.recvTimeout(time.Millisecond)
		for _, chunk := range chunks {
			for i := 0; i < chunk.n; i++ {
				ev := &chunk.events[i]
				if ev.kind == ieExit || ev.kind == ieGrabMemoryDump {
					// Cannot nest; drop and acknowledge.
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

	mapsData, err := os.ReadFile("/proc/self/maps")
	if err != nil {
		return
	}
	regions, err := addrspace.ParseMaps(mapsData)
	if err != nil {
		return
	}

	mem, err := os.Open("/proc/self/mem")
	if err != nil {
		if p.logger != nil {
			p.logger.Warn("memory dump: cannot open /proc/self/mem", slog.Any("error", err))
		}
		return
	}
	defer mem.Close()

	s.updateCoarse()
	for _, r := range regions {
		if !r.Readable || (!r.Writable && r.Name == "") {
			continue
		}
		end := accessibleEnd(mem, r.Start, r.End)
		buf := make([]byte, memoryDumpChunk)
		for addr := r.Start; addr < end; {
			n := uint64(len(buf))
			if end-addr < n {
				n = end - addr
			}
			read, _ := mem.ReadAt(buf[:n], int64(addr))
			if read == 0 {
				break
			}
			data := make([]byte, read)
			copy(data, buf[:read])
			s.write(event.MemoryDump{Address: addr, Timestamp: s.coarse, Data: data})
			addr += uint64(read)
		}
	}
	_ = s.wr.Flush()
}

// accessibleEnd binary-searches for the last readable byte of [start, end)
// using single-byte pread probes: regions can be shorter than their mapping
// claims (truncated file mappings fault past EOF).
func accessibleEnd(mem *os.File, start, end uint64) uint64 {
	var probe [1]byte
	readable := func(addr uint64) bool {
		_, err := mem.ReadAt(probe[:], int64(addr))
		return err == nil
	}
	if end <= start || !readable(start) {
		return start
	}
	if readable(end - 1) {
		return end
	}
	lo, hi := start, end-1
	for lo+1 < hi {
		mid := lo + (hi-lo)/2
		if readable(mid) {
			lo = mid
		} else {
			hi = mid
		}
	}
	return lo + 1
}
