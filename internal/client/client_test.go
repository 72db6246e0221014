package client_test

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/memtrail/memtrail/internal/client"
	"github.com/memtrail/memtrail/internal/config"
	"github.com/memtrail/memtrail/internal/hook"
	"github.com/memtrail/memtrail/internal/loader"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type testAllocator struct {
	mu   sync.Mutex
	next uint64
}

func (f *testAllocator) Malloc(size uint64) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next += 0x1000
	return f.next
}
func (f *testAllocator) Calloc(nmemb, size uint64) uint64  { return f.Malloc(nmemb * size) }
func (f *testAllocator) Realloc(ptr, size uint64) uint64   { return f.Malloc(size) }
func (f *testAllocator) Free(uint64)                       {}
func (f *testAllocator) Memalign(align, size uint64) uint64 { return f.Malloc(size) }
func (f *testAllocator) UsableSize(uint64) uint64          { return 0 }
func (f *testAllocator) Metadata(uint64) (uint32, uint32)  { return 0, 0 }

// syncBuffer is a goroutine-safe byte sink.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Reset() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Reset()
	return nil
}

func (b *syncBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, b.buf.Len())
	copy(out, b.buf.Bytes())
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ---------------------------------------------------------------------------
// End-to-end streaming
// ---------------------------------------------------------------------------

func TestClient_StreamsFullCapture(t *testing.T) {
	cfg := config.DefaultRuntime()
	cfg.OutputPathPattern = "" // stream-only capture
	cfg.EnableServer = true
	cfg.EnableBroadcasts = false
	cfg.CullTemporaryAllocations = false
	cfg.BaseServerPort = 52310

	capture := func(buf []uint64) int {
		buf[0] = 0x400100
		buf[1] = 0x400200
		return 2
	}
	p, err := hook.New(cfg, discardLogger(), &testAllocator{}, hook.WithCaptureFunc(capture))
	if err != nil {
		t.Fatalf("hook.New: %v", err)
	}
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ts := p.Thread()
	p.OverrideNextTimestamp(1_000)
	ptr := p.Malloc(ts, 128)
	p.OverrideNextTimestamp(2_000)
	p.Free(ts, ptr)
	p.OverrideNextTimestamp(3_000)
	p.Malloc(ts, 256) // leaked

	var sink syncBuffer
	c := client.New(client.Config{
		Addr:           "127.0.0.1:52310",
		MaxElapsedTime: 20 * time.Second,
		Restart:        sink.Reset,
	}, &sink, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	clientDone := make(chan error, 1)
	go func() { clientDone <- c.Run(ctx) }()

	// Give the client time to connect and request streaming (the server
	// polls requests on its one-second tick), then finish the capture.
	time.Sleep(2500 * time.Millisecond)
	p.Stop()

	select {
	case err := <-clientDone:
		if err != nil {
			t.Fatalf("client.Run: %v", err)
		}
	case <-ctx.Done():
		t.Fatal("client did not finish before timeout")
	}

	data, err := loader.Load(bytes.NewReader(sink.Bytes()), nil)
	if err != nil {
		t.Fatalf("Load(streamed): %v", err)
	}
	if data.AllocationCount() != 2 {
		t.Fatalf("AllocationCount = %d, want 2", data.AllocationCount())
	}
	if data.LeakedCount() != 1 {
		t.Errorf("LeakedCount = %d, want 1", data.LeakedCount())
	}
}
