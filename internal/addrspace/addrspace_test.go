package addrspace_test

import (
	"strings"
	"testing"

	"github.com/memtrail/memtrail/internal/addrspace"
)

// ---------------------------------------------------------------------------
// Maps parsing
// ---------------------------------------------------------------------------

const sampleMaps = `00400000-00452000 r-xp 00000000 08:02 173521 /usr/bin/app
00651000-00652000 rw-p 00051000 08:02 173521 /usr/bin/app
7f2c00000000-7f2c00021000 rw-p 00000000 00:00 0
7fffb2c0d000-7fffb2c2e000 rw-p 00000000 00:00 0 [stack]
`

func TestParseMaps(t *testing.T) {
	regions, err := addrspace.ParseMaps([]byte(sampleMaps))
	if err != nil {
		t.Fatalf("ParseMaps: %v", err)
	}
	if len(regions) != 4 {
		t.Fatalf("parsed %d regions, want 4", len(regions))
	}

	text := regions[0]
	if text.Start != 0x400000 || text.End != 0x452000 {
		t.Errorf("text region = [%#x, %#x)", text.Start, text.End)
	}
	if !text.Readable || text.Writable || !text.Executable || text.Shared {
		t.Errorf("text permissions wrong: %+v", text)
	}
	if text.Name != "/usr/bin/app" {
		t.Errorf("text name = %q", text.Name)
	}
	if text.Inode != 173521 {
		t.Errorf("text inode = %d", text.Inode)
	}

	anon := regions[2]
	if anon.Name != "" {
		t.Errorf("anonymous region has name %q", anon.Name)
	}
	stack := regions[3]
	if stack.Name != "[stack]" {
		t.Errorf("stack region name = %q", stack.Name)
	}
}

func TestParseMaps_RejectsGarbage(t *testing.T) {
	if _, err := addrspace.ParseMaps([]byte("not a maps file\n")); err == nil {
		t.Error("garbage maps accepted")
	}
	if _, err := addrspace.ParseMaps([]byte("zzzz-0010 r-xp 0 08:02 1 /x\n")); err == nil {
		t.Error("bad addresses accepted")
	}
}

func TestIsELF(t *testing.T) {
	if !addrspace.IsELF([]byte{0x7F, 'E', 'L', 'F', 2, 1}) {
		t.Error("valid magic rejected")
	}
	if addrspace.IsELF([]byte("#!/bin/sh")) {
		t.Error("script accepted as ELF")
	}
	if addrspace.IsELF([]byte{0x7F}) {
		t.Error("truncated magic accepted")
	}
}

// ---------------------------------------------------------------------------
// Demangling
// ---------------------------------------------------------------------------

func TestDemangle(t *testing.T) {
	got := addrspace.Demangle("_ZNSt6vectorIiSaIiEE9push_backERKi")
	if !strings.Contains(got, "std::vector") || !strings.Contains(got, "push_back") {
		t.Errorf("Demangle(vector push_back) = %q, want a readable C++ name", got)
	}
	if strings.HasPrefix(got, "_ZN") {
		t.Errorf("Demangle left the name mangled: %q", got)
	}

	// Non-mangled names pass through unchanged.
	for _, plain := range []string{"main", "malloc", "runtime.mallocgc", ""} {
		if got := addrspace.Demangle(plain); got != plain {
			t.Errorf("Demangle(%q) = %q, want unchanged", plain, got)
		}
	}

	if got := addrspace.Demangle("_Znwm"); !strings.Contains(got, "operator new") {
		t.Errorf("Demangle(_Znwm) = %q, want operator new", got)
	}
}

// ---------------------------------------------------------------------------
// Symbolicator selection
// ---------------------------------------------------------------------------

func TestNewAddressSpace_Architectures(t *testing.T) {
	for _, arch := range []string{"x86_64", "amd64", "aarch64", "arm64", "arm", "mips64"} {
		if _, err := addrspace.NewAddressSpace(arch); err != nil {
			t.Errorf("NewAddressSpace(%q): %v", arch, err)
		}
	}
	if _, err := addrspace.NewAddressSpace("vax"); err == nil {
		t.Error("unknown architecture accepted")
	}
}

func TestDecodeSymbolWhile_UnknownAddress(t *testing.T) {
	space, err := addrspace.NewAddressSpace("x86_64")
	if err != nil {
		t.Fatalf("NewAddressSpace: %v", err)
	}
	regions, err := addrspace.ParseMaps([]byte(sampleMaps))
	if err != nil {
		t.Fatalf("ParseMaps: %v", err)
	}
	if err := space.Reload(regions, nil); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	var frames []addrspace.Frame
	space.DecodeSymbolWhile(0x400100, func(f *addrspace.Frame) bool {
		frames = append(frames, *f)
		return true
	})
	if len(frames) != 1 {
		t.Fatalf("decoded %d frames, want 1", len(frames))
	}
	if frames[0].Address != 0x400100 {
		t.Errorf("frame address = %#x", frames[0].Address)
	}
	if frames[0].Library != "/usr/bin/app" {
		t.Errorf("frame library = %q, want /usr/bin/app", frames[0].Library)
	}
	if frames[0].Function != "" {
		t.Errorf("function resolved without symbols: %q", frames[0].Function)
	}

	// An address outside every region still yields one bare frame.
	frames = nil
	space.DecodeSymbolWhile(0xdeadbeef00, func(f *addrspace.Frame) bool {
		frames = append(frames, *f)
		return true
	})
	if len(frames) != 1 || frames[0].Library != "" {
		t.Errorf("out-of-range decode = %+v, want single bare frame", frames)
	}
}
