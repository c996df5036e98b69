package probe

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/ardnew/tildabridge/pkg"
)

// Segment is a loadable part of the image at its load address.
type Segment struct {
	Addr uint32
	Data []byte
}

// End returns the first address past the segment.
func (s Segment) End() uint64 { return uint64(s.Addr) + uint64(len(s.Data)) }

// Symbol is a named address from the image symbol table. Function
// addresses have the Thumb bit cleared.
type Symbol struct {
	Name string
	Addr uint32
	Size uint32
	Func bool
}

type codeRange struct {
	start, end uint64
}

// Image is an ELF32 ARM firmware image.
type Image struct {
	Entry    uint32
	Segments []Segment

	symbols []Symbol // sorted by address
	byName  map[string]int
	code    []codeRange
}

// LoadImage reads the ELF file at path.
func LoadImage(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", pkg.ErrImage, err)
	}
	defer f.Close()
	img, err := ParseImage(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

// ParseImage decodes an ELF32 ARM executable.
func ParseImage(r io.ReaderAt) (*Image, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", pkg.ErrImage, err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS32 || f.Machine != elf.EM_ARM {
		return nil, fmt.Errorf("%w: %s %s is not a 32-bit ARM image", pkg.ErrImage, f.Class, f.Machine)
	}

	img := &Image{
		Entry:  uint32(f.Entry),
		byName: make(map[string]int),
	}

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if prog.Flags&elf.PF_X != 0 {
			img.code = append(img.code, codeRange{start: prog.Vaddr, end: prog.Vaddr + prog.Memsz})
		}
		if prog.Filesz == 0 {
			continue
		}
		data := make([]byte, prog.Filesz)
		if _, err := io.ReadFull(prog.Open(), data); err != nil {
			return nil, fmt.Errorf("%w: segment at %#x: %w", pkg.ErrImage, prog.Paddr, err)
		}
		img.Segments = append(img.Segments, Segment{Addr: uint32(prog.Paddr), Data: data})
	}
	if len(img.Segments) == 0 {
		return nil, fmt.Errorf("%w: no loadable segments", pkg.ErrImage)
	}
	sort.Slice(img.Segments, func(i, j int) bool { return img.Segments[i].Addr < img.Segments[j].Addr })

	syms, err := f.Symbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, fmt.Errorf("%w: symbols: %w", pkg.ErrImage, err)
	}
	for _, s := range syms {
		if s.Name == "" {
			continue
		}
		typ := elf.ST_TYPE(s.Info)
		if typ != elf.STT_FUNC && typ != elf.STT_OBJECT && typ != elf.STT_NOTYPE {
			continue
		}
		sym := Symbol{Name: s.Name, Addr: uint32(s.Value), Size: uint32(s.Size), Func: typ == elf.STT_FUNC}
		if sym.Func {
			sym.Addr &^= 1
		}
		img.symbols = append(img.symbols, sym)
	}
	sort.SliceStable(img.symbols, func(i, j int) bool { return img.symbols[i].Addr < img.symbols[j].Addr })
	for i, s := range img.symbols {
		if _, dup := img.byName[s.Name]; !dup {
			img.byName[s.Name] = i
		}
	}
	return img, nil
}

// Symbol looks up a symbol by name.
func (img *Image) Symbol(name string) (Symbol, bool) {
	i, ok := img.byName[name]
	if !ok {
		return Symbol{}, false
	}
	return img.symbols[i], true
}

// NumSymbols returns the size of the symbol table.
func (img *Image) NumSymbols() int { return len(img.symbols) }

// Nearest returns the function containing addr, or the closest function
// below it, with the offset of addr into it.
func (img *Image) Nearest(addr uint32) (Symbol, uint32, bool) {
	i := sort.Search(len(img.symbols), func(i int) bool { return img.symbols[i].Addr > addr })
	for i--; i >= 0; i-- {
		s := img.symbols[i]
		if !s.Func {
			continue
		}
		if s.Size != 0 && addr-s.Addr >= s.Size {
			return Symbol{}, 0, false
		}
		return s, addr - s.Addr, true
	}
	return Symbol{}, 0, false
}

// IsCode reports whether addr lies in an executable segment.
func (img *Image) IsCode(addr uint32) bool {
	for _, r := range img.code {
		if uint64(addr) >= r.start && uint64(addr) < r.end {
			return true
		}
	}
	return false
}

// Size returns the number of bytes to program.
func (img *Image) Size() int {
	n := 0
	for _, s := range img.Segments {
		n += len(s.Data)
	}
	return n
}
