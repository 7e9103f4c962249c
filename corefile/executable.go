package corefile

import (
	"debug/dwarf"
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/tombergan/heapscope/internal/mmap"
)

// image is a mapped ELF file: an executable or a shared library.
type image struct {
	path  string
	file  *mmap.File
	elf   *elf.File
	arch  arch
	syms  symtab
	dwarf *dwarf.Data // nil if the image has no DWARF
}

func openImage(path string) (*image, error) {
	f, err := mmap.Open(path)
	if err != nil {
		return nil, err
	}
	ef, err := elf.NewFile(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	a, err := archForELF(ef)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	img := &image{
		path: path,
		file: f,
		elf:  ef,
		arch: a,
		syms: readSymtab(ef),
	}
	if d, err := ef.DWARF(); err == nil {
		img.dwarf = d
	} else {
		verbosef("%s: no DWARF: %v", path, err)
	}
	logf("loaded image %s: %s, %d functions, dwarf=%v", path, a.GoArch, len(img.syms.funcs), img.dwarf != nil)
	return img, nil
}

func (img *image) close() error {
	return img.file.Close()
}

// loadBias computes the load bias of an image from one of its mappings:
// file offset off was mapped at address start.
func (img *image) loadBias(start, off uint64) (uint64, bool) {
	const pageMask = 0xfff
	for _, ph := range img.elf.Progs {
		if ph.Type != elf.PT_LOAD {
			continue
		}
		pageOff := ph.Off &^ pageMask
		if off < pageOff || off >= ph.Off+ph.Filesz {
			continue
		}
		vaddr := (ph.Vaddr &^ pageMask) + (off - pageOff)
		return start - vaddr, true
	}
	return 0, false
}

// linkRange returns the link-time address range covered by PT_LOAD segments.
func (img *image) linkRange() (lo, hi uint64) {
	lo = ^uint64(0)
	for _, ph := range img.elf.Progs {
		if ph.Type != elf.PT_LOAD || ph.Memsz == 0 {
			continue
		}
		lo = min(lo, ph.Vaddr)
		hi = max(hi, ph.Vaddr+ph.Memsz)
	}
	if hi == 0 {
		lo = 0
	}
	return lo, hi
}

// Executable is a loaded executable image. It implements session.Target.
type Executable struct {
	*image

	// bias is the load bias of a position-independent executable.
	// It is known once a core has been opened against it.
	bias uint64
}

// OpenExecutable loads the executable at path.
func OpenExecutable(path string) (*Executable, error) {
	img, err := openImage(path)
	if err != nil {
		return nil, err
	}
	switch img.elf.Type {
	case elf.ET_EXEC, elf.ET_DYN:
	default:
		img.close()
		return nil, fmt.Errorf("%s: %w: ELF type %s", path, ErrNotExecutable, img.elf.Type)
	}
	return &Executable{image: img}, nil
}

func (e *Executable) Path() string                { return e.path }
func (e *Executable) PointerSize() int            { return e.arch.PointerSize }
func (e *Executable) ByteOrder() binary.ByteOrder { return e.arch.ByteOrder }
func (e *Executable) Close() error                { return e.close() }

// SymbolAt returns the name of the symbol at the given run-time address.
func (e *Executable) SymbolAt(addr uint64) (string, bool) {
	return e.syms.exact(addr - e.bias)
}

// Entry returns the link-time entry point.
func (e *Executable) Entry() uint64 {
	return e.elf.Entry
}
