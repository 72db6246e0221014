// Package addrspace models the traced process's virtual address space: the
// /proc/self/maps regions recorded in the capture, the ELF binaries mapped
// into them, and the symbolicator that turns raw code addresses into
// symbolic frames. DWARF line tables are out of scope; symbolication
// resolves through the ELF symbol tables and leaves the source fields
// empty when nothing is known.
package addrspace

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/memtrail/memtrail/internal/container"
)

// Region is one contiguous VMA parsed from a /proc/self/maps snapshot.
type Region struct {
	Start      uint64
	End        uint64
	Readable   bool
	Writable   bool
	Executable bool
	Shared     bool
	FileOffset uint64
	DevMajor   uint32
	DevMinor   uint32
	Inode      uint64
	Name       string
}

// Size returns the region length in bytes.
func (r Region) Size() uint64 { return r.End - r.Start }

// ParseMaps parses the contents of a /proc/self/maps snapshot. Lines that
// do not match the kernel's format are rejected: a maps file we cannot
// fully parse would silently break symbolication.
func ParseMaps(data []byte) ([]Region, error) {
	var regions []Region
	for lineNo, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		r, err := parseMapsLine(line)
		if err != nil {
			return nil, fmt.Errorf("addrspace: maps line %d: %w", lineNo+1, err)
		}
		regions = append(regions, r)
	}
	return regions, nil
}

// parseMapsLine parses one maps line:
//
//	START-END PERMS OFFSET MAJOR:MINOR INODE [NAME]
func parseMapsLine(line string) (Region, error) {
	var r Region
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return r, fmt.Errorf("expected at least 5 fields, got %d", len(fields))
	}

	addrs := strings.SplitN(fields[0], "-", 2)
	if len(addrs) != 2 {
		return r, fmt.Errorf("bad address range %q", fields[0])
	}
	var err error
	if r.Start, err = strconv.ParseUint(addrs[0], 16, 64); err != nil {
		return r, fmt.Errorf("bad start address %q", addrs[0])
	}
	if r.End, err = strconv.ParseUint(addrs[1], 16, 64); err != nil {
		return r, fmt.Errorf("bad end address %q", addrs[1])
	}

	perms := fields[1]
	if len(perms) < 4 {
		return r, fmt.Errorf("bad permissions %q", perms)
	}
	r.Readable = perms[0] == 'r'
	r.Writable = perms[1] == 'w'
	r.Executable = perms[2] == 'x'
	r.Shared = perms[3] == 's'

	if r.FileOffset, err = strconv.ParseUint(fields[2], 16, 64); err != nil {
		return r, fmt.Errorf("bad offset %q", fields[2])
	}

	dev := strings.SplitN(fields[3], ":", 2)
	if len(dev) != 2 {
		return r, fmt.Errorf("bad device %q", fields[3])
	}
	major, err := strconv.ParseUint(dev[0], 16, 32)
	if err != nil {
		return r, fmt.Errorf("bad device major %q", dev[0])
	}
	minor, err := strconv.ParseUint(dev[1], 16, 32)
	if err != nil {
		return r, fmt.Errorf("bad device minor %q", dev[1])
	}
	r.DevMajor = uint32(major)
	r.DevMinor = uint32(minor)

	if r.Inode, err = strconv.ParseUint(fields[4], 10, 64); err != nil {
		return r, fmt.Errorf("bad inode %q", fields[4])
	}

	if len(fields) >= 6 {
		r.Name = strings.Join(fields[5:], " ")
	}
	return r, nil
}

// elfMagic is the four-byte ELF file signature.
var elfMagic = []byte{0x7F, 'E', 'L', 'F'}

// IsELF reports whether data starts with the ELF magic.
func IsELF(data []byte) bool {
	return bytes.HasPrefix(data, elfMagic)
}

// ---------------------------------------------------------------------------
// Address space
// ---------------------------------------------------------------------------

// regionBinding associates a mapped region with the binary backing it and
// the bias between file virtual addresses and runtime addresses.
type regionBinding struct {
	region Region
	binary *BinaryData
	bias   uint64
}

// AddressSpace resolves raw code addresses against the recorded regions and
// binaries. Build it once per maps generation with Reload; lookups are
// read-only afterwards.
type AddressSpace struct {
	arch    Arch
	regions container.RangeMap[regionBinding]
}

// NewAddressSpace creates an empty address space for the given architecture
// string from the capture header. Unknown architectures are rejected.
func NewAddressSpace(arch string) (*AddressSpace, error) {
	a, err := archFor(arch)
	if err != nil {
		return nil, err
	}
	return &AddressSpace{arch: a}, nil
}

// Reload replaces the region table from a fresh maps snapshot, binding each
// executable file-backed region to its BinaryData when one was recorded.
func (s *AddressSpace) Reload(regions []Region, binaries map[string]*BinaryData) error {
	s.regions.Clear()
	for _, r := range regions {
		if r.End <= r.Start {
			continue
		}
		binding := regionBinding{region: r}
		if bin := binaries[r.Name]; bin != nil {
			binding.binary = bin
			binding.bias = bin.loadBias(r)
		}
		if err := s.regions.Insert(r.Start, r.End, binding); err != nil {
			return fmt.Errorf("addrspace: reload: %w", err)
		}
	}
	return nil
}

// Frame is the raw symbolication result for one code address. Empty string
// fields and zero line/column mean "unknown".
type Frame struct {
	Address     uint64
	Library     string
	Function    string
	RawFunction string
	Source      string
	Line        uint32
	Column      uint32
	IsInline    bool
}

// DecodeSymbolWhile resolves addr into a single frame and calls fn with it;
// inline expansions are not produced, so fn is called exactly once. An
// unresolvable address still produces one frame carrying only the address
// and, when known, the library name.
func (s *AddressSpace) DecodeSymbolWhile(addr uint64, fn func(*Frame) bool) {
	normalized := s.arch.NormalizeAddress(addr)
	frame := Frame{Address: addr}

	binding, ok := s.regions.Get(normalized)
	if !ok {
		fn(&frame)
		return
	}
	frame.Library = binding.region.Name
	if binding.binary != nil {
		if sym, ok := binding.binary.symbolFor(normalized - binding.bias); ok {
			frame.RawFunction = sym.Name
			frame.Function = Demangle(sym.Name)
		}
	}
	fn(&frame)
}

// Arch is the architecture-specific address handling selected once from
// the capture header.
type Arch interface {
	// Name returns the architecture string this instance handles.
	Name() string
	// NormalizeAddress strips architecture-specific tag bits (the Thumb
	// bit on arm, for example) before region lookup.
	NormalizeAddress(addr uint64) uint64
	// ReturnAddressAdjust is subtracted from non-leaf return addresses to
	// land inside the call instruction.
	ReturnAddressAdjust() uint64
}

type archX8664 struct{}

func (archX8664) Name() string                        { return "x86_64" }
func (archX8664) NormalizeAddress(addr uint64) uint64 { return addr }
func (archX8664) ReturnAddressAdjust() uint64         { return 1 }

type archAArch64 struct{}

func (archAArch64) Name() string { return "aarch64" }
func (archAArch64) NormalizeAddress(addr uint64) uint64 {
	// Strip the pointer authentication / tag byte.
	return addr &^ (uint64(0xFF) << 56)
}
func (archAArch64) ReturnAddressAdjust() uint64 { return 4 }

type archArm struct{}

func (archArm) Name() string { return "arm" }
func (archArm) NormalizeAddress(addr uint64) uint64 {
	// Clear the Thumb interworking bit.
	return addr &^ 1
}
func (archArm) ReturnAddressAdjust() uint64 { return 4 }

type archMips64 struct{}

func (archMips64) Name() string                        { return "mips64" }
func (archMips64) NormalizeAddress(addr uint64) uint64 { return addr }
func (archMips64) ReturnAddressAdjust() uint64         { return 8 }

// archFor selects the Arch implementation for a capture header string.
// Go's own architecture names are accepted as aliases so captures produced
// by this runtime resolve too.
func archFor(name string) (Arch, error) {
	switch name {
	case "x86_64", "amd64":
		return archX8664{}, nil
	case "aarch64", "arm64":
		return archAArch64{}, nil
	case "arm":
		return archArm{}, nil
	case "mips64":
		return archMips64{}, nil
	default:
		return nil, fmt.Errorf("addrspace: unsupported architecture %q", name)
	}
}
