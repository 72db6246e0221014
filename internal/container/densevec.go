package container

// DenseVecVec stores many small vectors of T contiguously in one arena,
// addressed by a dense index. It is append-only while building and is used
// for per-backtrace allocation id lists and for backtrace frame slices,
// where millions of tiny per-key slices would otherwise fragment the heap.
//
// Building happens in two modes:
//
//   - Push(key, value) appends value to the vector at key, growing the key
//     space as needed. Values are staged per key and packed on Finish.
//   - After Finish, Get returns read-only slices into the arena; further
//     Push calls panic.
type DenseVecVec[T any] struct {
	staging  [][]T
	arena    []T
	offsets  []sliceRef
	finished bool
}

type sliceRef struct {
	offset uint32
	length uint32
}

// Push appends value to the vector at index key, extending the key space so
// that all indices up to key exist. Push panics after Finish.
func (d *DenseVecVec[T]) Push(key int, value T) {
	if d.finished {
		panic("container: Push after Finish")
	}
	for len(d.staging) <= key {
		d.staging = append(d.staging, nil)
	}
	d.staging[key] = append(d.staging[key], value)
}

// Finish packs all staged vectors into a single arena and discards the
// staging storage. It is idempotent.
func (d *DenseVecVec[T]) Finish() {
	if d.finished {
		return
	}
	total := 0
	for _, s := range d.staging {
		total += len(s)
	}
	d.arena = make([]T, 0, total)
	d.offsets = make([]sliceRef, len(d.staging))
	for i, s := range d.staging {
		d.offsets[i] = sliceRef{offset: uint32(len(d.arena)), length: uint32(len(s))}
		d.arena = append(d.arena, s...)
	}
	d.staging = nil
	d.finished = true
}

// Get returns the packed vector at key. It returns an empty slice for an
// in-range key that was never pushed to, and nil for a key that is out of
// range. Get may only be called after Finish.
func (d *DenseVecVec[T]) Get(key int) []T {
	if !d.finished {
		panic("container: Get before Finish")
	}
	if key < 0 || key >= len(d.offsets) {
		return nil
	}
	ref := d.offsets[key]
	return d.arena[ref.offset : ref.offset+ref.length : ref.offset+ref.length]
}

// Len returns the number of keys.
func (d *DenseVecVec[T]) Len() int {
	if d.finished {
		return len(d.offsets)
	}
	return len(d.staging)
}
