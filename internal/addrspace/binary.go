package addrspace

import (
	"bytes"
	"debug/elf"
	"fmt"
	"sort"
	"strings"

	"github.com/ianlancetaylor/demangle"
)

// operatorNewSymbol is the mangled name of the global operator new; the
// loader remembers its address range for the shared-pointer heuristic.
const operatorNewSymbol = "_Znwm"

// Symbol is one function symbol from an ELF symbol table, addressed in the
// binary's own virtual address space.
type Symbol struct {
	Name  string
	Value uint64
	Size  uint64
}

// BinaryData is a mapped ELF binary recorded in the capture via a File
// event. Symbols are extracted eagerly at construction; the raw bytes are
// kept so exporters can re-embed the binary.
type BinaryData struct {
	Path     string
	Contents []byte

	symbols []Symbol // sorted by Value

	operatorNewStart uint64
	operatorNewEnd   uint64

	loadSegments []loadSegment
}

type loadSegment struct {
	vaddr  uint64
	offset uint64
	filesz uint64
}

// NewBinaryData parses contents as an ELF binary. Function symbols come
// from .symtab when present, falling back to .dynsym for stripped
// binaries; a binary with neither still loads (addresses simply resolve to
// no function).
func NewBinaryData(path string, contents []byte) (*BinaryData, error) {
	if !IsELF(contents) {
		return nil, fmt.Errorf("addrspace: %q is not an ELF binary", path)
	}
	f, err := elf.NewFile(bytes.NewReader(contents))
	if err != nil {
		return nil, fmt.Errorf("addrspace: parse %q: %w", path, err)
	}
	defer f.Close()

	b := &BinaryData{Path: path, Contents: contents}

	for _, prog := range f.Progs {
		if prog.Type == elf.PT_LOAD {
			b.loadSegments = append(b.loadSegments, loadSegment{
				vaddr:  prog.Vaddr,
				offset: prog.Off,
				filesz: prog.Filesz,
			})
		}
	}

	syms, err := f.Symbols()
	if err != nil {
		syms, _ = f.DynamicSymbols()
	}
	for _, sym := range syms {
		if elf.ST_TYPE(sym.Info) != elf.STT_FUNC || sym.Value == 0 {
			continue
		}
		b.symbols = append(b.symbols, Symbol{Name: sym.Name, Value: sym.Value, Size: sym.Size})
		if sym.Name == operatorNewSymbol || strings.HasPrefix(sym.Name, operatorNewSymbol) {
			if b.operatorNewStart == 0 {
				b.operatorNewStart = sym.Value
				b.operatorNewEnd = sym.Value + sym.Size
			}
		}
	}
	sort.Slice(b.symbols, func(i, j int) bool { return b.symbols[i].Value < b.symbols[j].Value })
	return b, nil
}

// OperatorNewRange returns the binary-relative address range of the global
// operator new symbol, or ok == false when the binary does not define it.
func (b *BinaryData) OperatorNewRange() (start, end uint64, ok bool) {
	if b.operatorNewStart == 0 {
		return 0, 0, false
	}
	return b.operatorNewStart, b.operatorNewEnd, true
}

// symbolFor returns the function symbol covering the binary-relative
// address.
func (b *BinaryData) symbolFor(addr uint64) (Symbol, bool) {
	i := sort.Search(len(b.symbols), func(i int) bool {
		return b.symbols[i].Value > addr
	})
	if i == 0 {
		return Symbol{}, false
	}
	sym := b.symbols[i-1]
	if sym.Size != 0 && addr >= sym.Value+sym.Size {
		return Symbol{}, false
	}
	return sym, true
}

// loadBias computes the difference between runtime addresses in region and
// the binary's own virtual addresses, using the PT_LOAD segment whose file
// offset backs the region.
func (b *BinaryData) loadBias(region Region) uint64 {
	for _, seg := range b.loadSegments {
		if region.FileOffset >= seg.offset && region.FileOffset < seg.offset+seg.filesz {
			return region.Start - (seg.vaddr + (region.FileOffset - seg.offset))
		}
	}
	// No matching segment: assume the region maps the file linearly.
	return region.Start - region.FileOffset
}

// Demangle renders a raw symbol name for display: Itanium-mangled C++ and
// Rust names come back human readable; Go and C symbols pass through
// unchanged (Filter returns its input on anything it cannot demangle).
func Demangle(name string) string {
	if name == "" {
		return ""
	}
	return demangle.Filter(name)
}
