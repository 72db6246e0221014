package rest_test

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/memtrail/memtrail/internal/event"
	"github.com/memtrail/memtrail/internal/loader"
	"github.com/memtrail/memtrail/internal/model"
	"github.com/memtrail/memtrail/internal/server/rest"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func testData(t *testing.T) *model.Data {
	t.Helper()
	var buf bytes.Buffer
	w := event.NewWriter(&buf)
	events := []event.Event{
		event.Header{
			ID:      event.NewDataID(9, []byte("app"), []byte("/bin/app"), 5),
			Cmdline: []byte("app"), Executable: []byte("/bin/app"),
			Architecture: "x86_64", PointerSize: 8,
		},
		event.PartialBacktrace{ID: 1, Thread: 1, StaleCount: event.StaleCountAll, Addresses: []uint64{0xA, 0xB}},
		event.Alloc{ID: event.AllocationID{Thread: 1, Allocation: 1}, Pointer: 0x1000, Size: 64, Backtrace: 1, Thread: 1, Timestamp: 1},
		event.Alloc{ID: event.AllocationID{Thread: 1, Allocation: 2}, Pointer: 0x2000, Size: 512, Backtrace: 1, Thread: 1, Timestamp: 2},
		event.Free{ID: event.AllocationID{Thread: 1, Allocation: 1}, Pointer: 0x1000, Backtrace: event.NoBacktrace, Thread: 1, Timestamp: 3},
	}
	for _, ev := range events {
		if err := w.Write(ev); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	data, err := loader.Load(&buf, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return data
}

func testRouter(t *testing.T, pubKey *rsa.PublicKey) http.Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return rest.NewRouter(rest.NewServer(testData(t), logger), pubKey)
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// ---------------------------------------------------------------------------
// Endpoints
// ---------------------------------------------------------------------------

func TestInfo(t *testing.T) {
	rec := get(t, testRouter(t, nil), "/api/v1/info")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var info map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if info["total_allocations"].(float64) != 2 {
		t.Errorf("total_allocations = %v, want 2", info["total_allocations"])
	}
	if info["leaked_allocations"].(float64) != 1 {
		t.Errorf("leaked_allocations = %v, want 1", info["leaked_allocations"])
	}
	if info["executable"] != "/bin/app" {
		t.Errorf("executable = %v", info["executable"])
	}
}

func TestAllocations_Filtered(t *testing.T) {
	h := testRouter(t, nil)

	rec := get(t, h, "/api/v1/allocations?larger_or_equal=100")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Total       int `json:"total"`
		Allocations []struct {
			Size   uint64 `json:"size"`
			Leaked bool   `json:"leaked"`
		} `json:"allocations"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Total != 1 || len(resp.Allocations) != 1 {
		t.Fatalf("total = %d, want 1 allocation ≥ 100 bytes", resp.Total)
	}
	if resp.Allocations[0].Size != 512 || !resp.Allocations[0].Leaked {
		t.Errorf("allocation = %+v", resp.Allocations[0])
	}
}

func TestAllocations_BadFilterIs400(t *testing.T) {
	rec := get(t, testRouter(t, nil), "/api/v1/allocations?larger_or_equal=banana")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestAllocationGroups(t *testing.T) {
	rec := get(t, testRouter(t, nil), "/api/v1/allocation_groups?sort_by=count")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var groups []struct {
		Allocations int `json:"allocations"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &groups); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(groups) != 1 || groups[0].Allocations != 2 {
		t.Errorf("groups = %+v, want one group of 2", groups)
	}
}

func TestTimeline(t *testing.T) {
	rec := get(t, testRouter(t, nil), "/api/v1/timeline")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var points []struct {
		MemoryUsage uint64 `json:"memory_usage"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &points); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(points) != 3 {
		t.Fatalf("points = %d, want 3", len(points))
	}
	if points[len(points)-1].MemoryUsage != 512 {
		t.Errorf("final usage = %d, want 512", points[len(points)-1].MemoryUsage)
	}
}

func TestExport_Flamegraph(t *testing.T) {
	rec := get(t, testRouter(t, nil), "/api/v1/export/flamegraph")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Error("empty folded stacks response")
	}
}

func TestExport_UnknownFormatIs404(t *testing.T) {
	rec := get(t, testRouter(t, nil), "/api/v1/export/gif")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestHealthzIsAlwaysOpen(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	rec := get(t, testRouter(t, &key.PublicKey), "/healthz")
	if rec.Code != http.StatusOK {
		t.Errorf("healthz status = %d, want 200", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// Authentication
// ---------------------------------------------------------------------------

func TestJWT_RejectsMissingAndAcceptsValid(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	h := testRouter(t, &key.PublicKey)

	rec := get(t, h, "/api/v1/info")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", rec.Code)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		Subject:   "tester",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/info", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("authenticated status = %d, want 200", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/info", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("garbage token status = %d, want 401", rec.Code)
	}
}
