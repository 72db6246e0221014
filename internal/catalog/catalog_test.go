package catalog_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/memtrail/memtrail/internal/catalog"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// openMemCatalog opens an in-memory catalog and registers t.Cleanup to
// close it.
func openMemCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	c, err := catalog.Open(":memory:")
	if err != nil {
		t.Fatalf("catalog.Open(:memory:): %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func makeEntry(id string) catalog.Entry {
	return catalog.Entry{
		DataID:       id,
		Path:         "/captures/" + id + ".mtrail",
		Executable:   "/usr/bin/app",
		Cmdline:      "app --flag",
		Architecture: "x86_64",
		PID:          4242,
		WallClock:    time.Now().UTC().Truncate(time.Millisecond),
		Allocations:  100,
		LeakedBytes:  2048,
	}
}

// ---------------------------------------------------------------------------
// Registration
// ---------------------------------------------------------------------------

func TestRegisterAndGet(t *testing.T) {
	c := openMemCatalog(t)
	ctx := context.Background()

	want := makeEntry("aaaa")
	if err := c.Register(ctx, want); err != nil {
		t.Fatalf("Register: %v", err)
	}

	got, err := c.Get(ctx, "aaaa")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatal("Get returned nil for registered entry")
	}
	if got.Path != want.Path || got.Executable != want.Executable || got.Allocations != 100 {
		t.Errorf("entry = %+v, want %+v", got, want)
	}
}

func TestGet_UnknownReturnsNil(t *testing.T) {
	c := openMemCatalog(t)
	got, err := c.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Errorf("Get(missing) = %+v, want nil", got)
	}
}

func TestRegister_UpdatesExisting(t *testing.T) {
	c := openMemCatalog(t)
	ctx := context.Background()

	e := makeEntry("bbbb")
	if err := c.Register(ctx, e); err != nil {
		t.Fatalf("Register: %v", err)
	}
	e.Path = "/captures/moved.mtrail"
	e.Allocations = 500
	if err := c.Register(ctx, e); err != nil {
		t.Fatalf("Register (update): %v", err)
	}

	entries, err := c.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("List returned %d entries, want 1 (upsert)", len(entries))
	}
	if entries[0].Path != "/captures/moved.mtrail" || entries[0].Allocations != 500 {
		t.Errorf("entry not updated: %+v", entries[0])
	}
}

func TestRemove(t *testing.T) {
	c := openMemCatalog(t)
	ctx := context.Background()

	if err := c.Register(ctx, makeEntry("cccc")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := c.Remove(ctx, "cccc"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	entries, err := c.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("List after Remove = %d entries, want 0", len(entries))
	}

	// Removing an unknown id is a no-op.
	if err := c.Remove(ctx, "cccc"); err != nil {
		t.Errorf("Remove (again): %v", err)
	}
}

func TestOpen_CreatesFileAndParents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "catalog.db")
	c, err := catalog.Open(path)
	if err != nil {
		t.Fatalf("catalog.Open(%q): %v", path, err)
	}
	_ = c.Close()
}
