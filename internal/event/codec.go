package event

import (
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/s2"
)

// ErrMalformed is wrapped by every decode error so callers can distinguish
// corrupt input from I/O failures.
var ErrMalformed = errors.New("malformed event")

// maxEventSize bounds a single record, protecting the reader from a corrupt
// length prefix. File events embedding large binaries dominate record size;
// 256 MiB leaves ample headroom.
const maxEventSize = 256 << 20

// Writer serialises events as length-prefixed records into an s2-compressed
// stream. It is not safe for concurrent use; the processing goroutine owns
// it exclusively.
type Writer struct {
	z   *s2.Writer
	buf []byte
	n   uint64
}

// NewWriter wraps w in a compressed event stream writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{z: s2.NewWriter(w)}
}

// Write appends one event record to the stream.
func (w *Writer) Write(ev Event) error {
	w.buf = w.buf[:0]
	w.buf = append(w.buf, 0, 0, 0, 0, byte(ev.Kind()))
	var err error
	w.buf, err = appendPayload(w.buf, ev)
	if err != nil {
		return err
	}
	byteOrder.PutUint32(w.buf[:4], uint32(len(w.buf)-5))
	if _, err := w.z.Write(w.buf); err != nil {
		return fmt.Errorf("event: write %s: %w", ev.Kind(), err)
	}
	w.n++
	return nil
}

// Count returns the number of records written so far.
func (w *Writer) Count() uint64 { return w.n }

// Flush forces buffered compressed data out to the underlying writer so a
// streaming consumer sees every record written so far.
func (w *Writer) Flush() error { return w.z.Flush() }

// Close flushes and finalises the compressed stream. The underlying writer
// is not closed.
func (w *Writer) Close() error { return w.z.Close() }

// Reader decodes a stream produced by Writer.
type Reader struct {
	z    *s2.Reader
	head [5]byte
	buf  []byte
}

// NewReader wraps r in a compressed event stream reader.
func NewReader(r io.Reader) *Reader {
	return &Reader{z: s2.NewReader(r)}
}

// Read returns the next event. It returns io.EOF at a clean end of stream
// and an ErrMalformed-wrapped error on corrupt input.
func (r *Reader) Read() (Event, error) {
	if _, err := io.ReadFull(r.z, r.head[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("event: read record header: %w", err)
	}
	size := byteOrder.Uint32(r.head[:4])
	kind := Kind(r.head[4])
	if size > maxEventSize {
		return nil, fmt.Errorf("event: %w: record of %d bytes exceeds limit", ErrMalformed, size)
	}
	if cap(r.buf) < int(size) {
		r.buf = make([]byte, size)
	}
	r.buf = r.buf[:size]
	if _, err := io.ReadFull(r.z, r.buf); err != nil {
		return nil, fmt.Errorf("event: read %s payload: %w", kind, err)
	}
	ev, err := decodePayload(kind, r.buf)
	if err != nil {
		return nil, fmt.Errorf("event: decode %s: %w", kind, err)
	}
	return ev, nil
}

// ---------------------------------------------------------------------------
// Payload encoding
// ---------------------------------------------------------------------------

func appendPayload(b []byte, ev Event) ([]byte, error) {
	switch e := ev.(type) {
	case Header:
		b = appendU64(b, e.ID.Hi)
		b = appendU64(b, e.ID.Lo)
		b = appendU32(b, e.PID)
		b = appendBytes(b, e.Cmdline)
		b = appendBytes(b, e.Executable)
		b = appendBytes(b, []byte(e.Architecture))
		b = append(b, e.PointerSize)
		b = appendBool(b, e.BigEndian)
		b = appendU64(b, uint64(e.InitialTimestamp))
		b = appendU64(b, e.WallClockSecs)
		b = appendU32(b, e.ProtocolVersion)
	case File:
		b = appendU64(b, uint64(e.Timestamp))
		b = appendBytes(b, []byte(e.Path))
		b = appendBytes(b, e.Contents)
	case WallClock:
		b = appendU64(b, uint64(e.Timestamp))
		b = appendU64(b, e.WallClockSecs)
	case Environ:
		b = appendBytes(b, e.Entry)
	case Marker:
		b = appendU32(b, e.Value)
	case PartialBacktrace:
		b = appendU64(b, e.ID)
		b = appendU32(b, e.Thread)
		b = appendU32(b, e.StaleCount)
		b = appendU64s(b, e.Addresses)
	case Backtrace:
		b = appendU64(b, e.ID)
		b = appendU64s(b, e.Addresses)
	case Alloc:
		b = appendAllocationID(b, e.ID)
		b = appendU64(b, e.Pointer)
		b = appendU64(b, e.Size)
		b = appendU64(b, e.Backtrace)
		b = appendU32(b, e.Thread)
		b = appendU32(b, e.Flags)
		b = appendU32(b, e.ExtraUsableSpace)
		b = appendU32(b, e.PrecedingFree)
		b = appendU64(b, uint64(e.Timestamp))
		b = appendU32(b, e.Marker)
	case Realloc:
		b = appendAllocationID(b, e.ID)
		b = appendAllocationID(b, e.OldID)
		b = appendU64(b, e.Pointer)
		b = appendU64(b, e.OldPointer)
		b = appendU64(b, e.Size)
		b = appendU64(b, e.Backtrace)
		b = appendU32(b, e.Thread)
		b = appendU32(b, e.Flags)
		b = appendU32(b, e.ExtraUsableSpace)
		b = appendU32(b, e.PrecedingFree)
		b = appendU64(b, uint64(e.Timestamp))
		b = appendU32(b, e.Marker)
	case Free:
		b = appendAllocationID(b, e.ID)
		b = appendU64(b, e.Pointer)
		b = appendU64(b, e.Backtrace)
		b = appendU32(b, e.Thread)
		b = appendU64(b, uint64(e.Timestamp))
	case Mmap:
		b = appendU64(b, e.Pointer)
		b = appendU64(b, e.Length)
		b = appendU64(b, e.RequestedAddress)
		b = appendU32(b, e.Protection)
		b = appendU32(b, e.MmapFlags)
		b = appendU32(b, uint32(e.FD))
		b = appendU64(b, e.Offset)
		b = appendU32(b, e.Thread)
		b = appendU64(b, e.Backtrace)
		b = appendU64(b, uint64(e.Timestamp))
	case Munmap:
		b = appendU64(b, e.Pointer)
		b = appendU64(b, e.Length)
		b = appendU32(b, e.Thread)
		b = appendU64(b, e.Backtrace)
		b = appendU64(b, uint64(e.Timestamp))
	case Mallopt:
		b = appendU32(b, uint32(e.Param))
		b = appendU32(b, uint32(e.Value))
		b = appendU32(b, uint32(e.Result))
		b = appendU32(b, e.Thread)
		b = appendU64(b, e.Backtrace)
		b = appendU64(b, uint64(e.Timestamp))
	case GroupStatistics:
		b = appendU64(b, e.Backtrace)
		b = appendU64(b, uint64(e.FirstAllocation))
		b = appendU64(b, uint64(e.LastAllocation))
		b = appendU64(b, e.MinSize)
		b = appendU64(b, e.MaxSize)
		b = appendU64(b, e.AllocCount)
		b = appendU64(b, e.AllocSize)
		b = appendU64(b, e.FreeCount)
		b = appendU64(b, e.FreeSize)
	case MemoryDump:
		b = appendU64(b, e.Address)
		b = appendU64(b, uint64(e.Timestamp))
		b = appendBytes(b, e.Data)
	case DecodedFrame:
		b = appendU64(b, e.Address)
		b = appendU32(b, e.Library)
		b = appendU32(b, e.Function)
		b = appendU32(b, e.RawFunction)
		b = appendU32(b, e.Source)
		b = appendU32(b, e.Line)
		b = appendU32(b, e.Column)
		b = appendBool(b, e.IsInline)
	case DecodedBacktrace:
		b = appendU64(b, e.ID)
		b = appendU32s(b, e.Frames)
	case String:
		b = appendU32(b, e.ID)
		b = appendBytes(b, e.Value)
	default:
		return b, fmt.Errorf("event: cannot encode %T", ev)
	}
	return b, nil
}

func decodePayload(kind Kind, b []byte) (Event, error) {
	d := decoder{b: b}
	var ev Event
	switch kind {
	case KindHeader:
		var e Header
		e.ID.Hi = d.u64()
		e.ID.Lo = d.u64()
		e.PID = d.u32()
		e.Cmdline = d.bytes()
		e.Executable = d.bytes()
		e.Architecture = string(d.bytes())
		e.PointerSize = d.u8()
		e.BigEndian = d.bool()
		e.InitialTimestamp = Timestamp(d.u64())
		e.WallClockSecs = d.u64()
		e.ProtocolVersion = d.u32()
		ev = e
	case KindFile:
		var e File
		e.Timestamp = Timestamp(d.u64())
		e.Path = string(d.bytes())
		e.Contents = d.bytes()
		ev = e
	case KindWallClock:
		var e WallClock
		e.Timestamp = Timestamp(d.u64())
		e.WallClockSecs = d.u64()
		ev = e
	case KindEnviron:
		ev = Environ{Entry: d.bytes()}
	case KindMarker:
		ev = Marker{Value: d.u32()}
	case KindPartialBacktrace:
		var e PartialBacktrace
		e.ID = d.u64()
		e.Thread = d.u32()
		e.StaleCount = d.u32()
		e.Addresses = d.u64s()
		ev = e
	case KindBacktrace:
		var e Backtrace
		e.ID = d.u64()
		e.Addresses = d.u64s()
		ev = e
	case KindAlloc, KindAllocEx:
		var e Alloc
		e.Ex = kind == KindAllocEx
		e.ID = d.allocationID()
		e.Pointer = d.u64()
		e.Size = d.u64()
		e.Backtrace = d.u64()
		e.Thread = d.u32()
		e.Flags = d.u32()
		e.ExtraUsableSpace = d.u32()
		e.PrecedingFree = d.u32()
		e.Timestamp = Timestamp(d.u64())
		e.Marker = d.u32()
		ev = e
	case KindRealloc, KindReallocEx:
		var e Realloc
		e.Ex = kind == KindReallocEx
		e.ID = d.allocationID()
		e.OldID = d.allocationID()
		e.Pointer = d.u64()
		e.OldPointer = d.u64()
		e.Size = d.u64()
		e.Backtrace = d.u64()
		e.Thread = d.u32()
		e.Flags = d.u32()
		e.ExtraUsableSpace = d.u32()
		e.PrecedingFree = d.u32()
		e.Timestamp = Timestamp(d.u64())
		e.Marker = d.u32()
		ev = e
	case KindFree, KindFreeEx:
		var e Free
		e.Ex = kind == KindFreeEx
		e.ID = d.allocationID()
		e.Pointer = d.u64()
		e.Backtrace = d.u64()
		e.Thread = d.u32()
		e.Timestamp = Timestamp(d.u64())
		ev = e
	case KindMmap:
		var e Mmap
		e.Pointer = d.u64()
		e.Length = d.u64()
		e.RequestedAddress = d.u64()
		e.Protection = d.u32()
		e.MmapFlags = d.u32()
		e.FD = int32(d.u32())
		e.Offset = d.u64()
		e.Thread = d.u32()
		e.Backtrace = d.u64()
		e.Timestamp = Timestamp(d.u64())
		ev = e
	case KindMunmap:
		var e Munmap
		e.Pointer = d.u64()
		e.Length = d.u64()
		e.Thread = d.u32()
		e.Backtrace = d.u64()
		e.Timestamp = Timestamp(d.u64())
		ev = e
	case KindMallopt:
		var e Mallopt
		e.Param = int32(d.u32())
		e.Value = int32(d.u32())
		e.Result = int32(d.u32())
		e.Thread = d.u32()
		e.Backtrace = d.u64()
		e.Timestamp = Timestamp(d.u64())
		ev = e
	case KindGroupStatistics:
		var e GroupStatistics
		e.Backtrace = d.u64()
		e.FirstAllocation = Timestamp(d.u64())
		e.LastAllocation = Timestamp(d.u64())
		e.MinSize = d.u64()
		e.MaxSize = d.u64()
		e.AllocCount = d.u64()
		e.AllocSize = d.u64()
		e.FreeCount = d.u64()
		e.FreeSize = d.u64()
		ev = e
	case KindMemoryDump:
		var e MemoryDump
		e.Address = d.u64()
		e.Timestamp = Timestamp(d.u64())
		e.Data = d.bytes()
		ev = e
	case KindDecodedFrame:
		var e DecodedFrame
		e.Address = d.u64()
		e.Library = d.u32()
		e.Function = d.u32()
		e.RawFunction = d.u32()
		e.Source = d.u32()
		e.Line = d.u32()
		e.Column = d.u32()
		e.IsInline = d.bool()
		ev = e
	case KindDecodedBacktrace:
		var e DecodedBacktrace
		e.ID = d.u64()
		e.Frames = d.u32s()
		ev = e
	case KindString:
		var e String
		e.ID = d.u32()
		e.Value = d.bytes()
		ev = e
	default:
		return nil, fmt.Errorf("%w: unknown kind %d", ErrMalformed, uint8(kind))
	}
	if d.err != nil {
		return nil, d.err
	}
	if d.off != len(d.b) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(d.b)-d.off)
	}
	return ev, nil
}

// ---------------------------------------------------------------------------
// Primitive helpers
// ---------------------------------------------------------------------------

func appendU32(b []byte, v uint32) []byte {
	return byteOrder.AppendUint32(b, v)
}

func appendU64(b []byte, v uint64) []byte {
	return byteOrder.AppendUint64(b, v)
}

func appendBool(b []byte, v bool) []byte {
	if v {
		return append(b, 1)
	}
	return append(b, 0)
}

func appendBytes(b, v []byte) []byte {
	b = appendU32(b, uint32(len(v)))
	return append(b, v...)
}

func appendU64s(b []byte, v []uint64) []byte {
	b = appendU32(b, uint32(len(v)))
	for _, x := range v {
		b = appendU64(b, x)
	}
	return b
}

func appendU32s(b []byte, v []uint32) []byte {
	b = appendU32(b, uint32(len(v)))
	for _, x := range v {
		b = appendU32(b, x)
	}
	return b
}

func appendAllocationID(b []byte, id AllocationID) []byte {
	b = appendU32(b, id.Thread)
	return appendU64(b, id.Allocation)
}

// decoder consumes a payload buffer. The first failure latches err and every
// subsequent read returns zero values, so call sites stay linear.
type decoder struct {
	b   []byte
	off int
	err error
}

func (d *decoder) fail() {
	if d.err == nil {
		d.err = fmt.Errorf("%w: truncated payload at offset %d", ErrMalformed, d.off)
	}
}

func (d *decoder) u8() uint8 {
	if d.err != nil || d.off+1 > len(d.b) {
		d.fail()
		return 0
	}
	v := d.b[d.off]
	d.off++
	return v
}

func (d *decoder) bool() bool { return d.u8() != 0 }

func (d *decoder) u32() uint32 {
	if d.err != nil || d.off+4 > len(d.b) {
		d.fail()
		return 0
	}
	v := byteOrder.Uint32(d.b[d.off:])
	d.off += 4
	return v
}

func (d *decoder) u64() uint64 {
	if d.err != nil || d.off+8 > len(d.b) {
		d.fail()
		return 0
	}
	v := byteOrder.Uint64(d.b[d.off:])
	d.off += 8
	return v
}

func (d *decoder) bytes() []byte {
	n := d.u32()
	if d.err != nil || d.off+int(n) > len(d.b) || n > maxEventSize {
		d.fail()
		return nil
	}
	v := make([]byte, n)
	copy(v, d.b[d.off:])
	d.off += int(n)
	return v
}

func (d *decoder) u64s() []uint64 {
	n := d.u32()
	if d.err != nil || int(n) > (len(d.b)-d.off)/8 {
		d.fail()
		return nil
	}
	v := make([]uint64, n)
	for i := range v {
		v[i] = d.u64()
	}
	return v
}

func (d *decoder) u32s() []uint32 {
	n := d.u32()
	if d.err != nil || int(n) > (len(d.b)-d.off)/4 {
		d.fail()
		return nil
	}
	v := make([]uint32, n)
	for i := range v {
		v[i] = d.u32()
	}
	return v
}

func (d *decoder) allocationID() AllocationID {
	var id AllocationID
	id.Thread = d.u32()
	id.Allocation = d.u64()
	return id
}
