// Package hook implements the capture side of memtrail: the allocation
// hook entry points, per-thread state and throttling, backtrace capture
// with partial diffing, the bounded MPSC event channel, and the processing
// goroutine that serialises events to the compressed capture stream and
// serves streaming clients.
//
// The hooks never allocate through the traced allocator: the profiler's own
// bookkeeping lives on the Go heap, which is invisible to the Allocator
// interface being traced. Hook bodies are straight-line code whose only
// blocking points are throttle acquisition, the traced allocator call, and
// the bounded channel push.
package hook

import (
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Allocator is the traced allocator. The hooks wrap an implementation of
// this interface: they forward every call to it and record the outcome.
// A cgo shim routing the real libc malloc through the hooks implements
// this with the underlying allocator; tests use Arena or a fake.
type Allocator interface {
	// Malloc returns the address of a new block of at least size bytes, or
	// 0 on failure.
	Malloc(size uint64) uint64
	// Calloc returns a zeroed block of nmemb*size bytes, or 0 on failure.
	// The multiplication is already overflow-checked by the hook.
	Calloc(nmemb, size uint64) uint64
	// Realloc resizes the block at ptr to size bytes, possibly moving it.
	// It returns the new address, or 0 on failure (the block stays live).
	Realloc(ptr, size uint64) uint64
	// Free releases the block at ptr. Free(0) is a no-op.
	Free(ptr uint64)
	// Memalign returns a block of size bytes aligned to align, or 0.
	Memalign(align, size uint64) uint64
	// UsableSize reports the real capacity of the block at ptr; the excess
	// over the requested size is recorded as extra usable space.
	UsableSize(ptr uint64) uint64
	// Metadata reports allocator-chunk flags and the free space preceding
	// the chunk, when the allocator exposes them. Implementations without
	// chunk headers return (0, 0).
	Metadata(ptr uint64) (flags uint32, precedingFree uint32)
}

// Arena is a trivial mmap-backed bump allocator. It exists so the runtime
// can be exercised end to end without a libc shim: blocks are carved out of
// anonymous mappings and individual frees only recycle the most recent
// block. It reports usable size rounded up to 16 bytes, giving the capture
// realistic extra-usable-space values.
type Arena struct {
	mu      sync.Mutex
	chunk   []byte
	offset  uint64
	last    uint64
	lastEnd uint64
}

// arenaChunkSize is the granularity of the anonymous mappings backing an
// Arena.
const arenaChunkSize = 4 << 20

// NewArena returns an empty Arena; mappings are created on first use.
func NewArena() *Arena { return &Arena{} }

// Malloc implements Allocator.
func (a *Arena) Malloc(size uint64) uint64 {
	if size == 0 {
		size = 1
	}
	rounded := (size + 15) &^ 15
	a.mu.Lock()
	defer a.mu.Unlock()
	if uint64(len(a.chunk))-a.offset < rounded {
		if rounded > arenaChunkSize {
			mem, err := unix.Mmap(-1, 0, int(rounded), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
			if err != nil {
				return 0
			}
			a.chunk = mem
		} else {
			mem, err := unix.Mmap(-1, 0, arenaChunkSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
			if err != nil {
				return 0
			}
			a.chunk = mem
		}
		a.offset = 0
	}
	ptr := addressOf(a.chunk) + a.offset
	a.offset += rounded
	a.last = ptr
	a.lastEnd = ptr + rounded
	return ptr
}

// Calloc implements Allocator. Every returned block is cleared explicitly,
// since a recycled tail block may still hold old data.
func (a *Arena) Calloc(nmemb, size uint64) uint64 {
	total := nmemb * size
	ptr := a.Malloc(total)
	if ptr != 0 {
		b := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(ptr))), total)
		for i := range b {
			b[i] = 0
		}
	}
	return ptr
}

// Realloc implements Allocator. The most recently allocated block stays in
// place when the new size fits its rounded extent; in every other case a new
// block is allocated and the old contents are not copied.
func (a *Arena) Realloc(ptr, size uint64) uint64 {
	if ptr == 0 {
		return a.Malloc(size)
	}
	a.mu.Lock()
	if ptr == a.last && a.lastEnd == addressOf(a.chunk)+a.offset {
		rounded := (size + 15) &^ 15
		if a.lastEnd-ptr >= rounded {
			a.mu.Unlock()
			return ptr
		}
	}
	a.mu.Unlock()
	return a.Malloc(size)
}

// Free implements Allocator. Only the most recent block is recycled.
func (a *Arena) Free(ptr uint64) {
	if ptr == 0 {
		return
	}
	a.mu.Lock()
	if ptr == a.last && a.lastEnd == addressOf(a.chunk)+a.offset {
		a.offset -= a.lastEnd - ptr
		a.last = 0
	}
	a.mu.Unlock()
}

// Memalign implements Allocator.
func (a *Arena) Memalign(align, size uint64) uint64 {
	a.mu.Lock()
	base := addressOf(a.chunk) + a.offset
	pad := (align - base%align) % align
	a.offset += pad
	a.mu.Unlock()
	return a.Malloc(size)
}

// UsableSize implements Allocator.
func (a *Arena) UsableSize(ptr uint64) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ptr == a.last {
		return a.lastEnd - ptr
	}
	return 0
}

// Metadata implements Allocator; the arena has no chunk headers.
func (a *Arena) Metadata(uint64) (uint32, uint32) { return 0, 0 }

func addressOf(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&b[0])))
}
