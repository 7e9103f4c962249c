package corefile

import (
	"debug/elf"
	"errors"
	"sort"

	"github.com/ianlancetaylor/demangle"
)

// elfSymbol is a named address from an ELF symbol table. value is the
// link-time address; callers subtract the load bias before lookups.
type elfSymbol struct {
	name  string
	value uint64
	size  uint64
}

// symtab indexes the symbols of one ELF image.
type symtab struct {
	funcs  []elfSymbol // STT_FUNC symbols sorted by value
	byAddr map[uint64]string
}

func readSymtab(f *elf.File) symtab {
	syms, err := f.Symbols()
	if errors.Is(err, elf.ErrNoSymbols) || len(syms) == 0 {
		syms, err = f.DynamicSymbols()
	}
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		printf("reading ELF symbols: %v", err)
	}

	st := symtab{byAddr: make(map[uint64]string, len(syms))}
	for _, s := range syms {
		if s.Name == "" || s.Section == elf.SHN_UNDEF {
			continue
		}
		if _, dup := st.byAddr[s.Value]; !dup {
			st.byAddr[s.Value] = s.Name
		}
		if elf.ST_TYPE(s.Info) == elf.STT_FUNC {
			st.funcs = append(st.funcs, elfSymbol{name: s.Name, value: s.Value, size: s.Size})
		}
	}
	sort.SliceStable(st.funcs, func(i, k int) bool { return st.funcs[i].value < st.funcs[k].value })
	verbosef("symtab: %d symbols, %d functions", len(st.byAddr), len(st.funcs))
	return st
}

// lookupFunc finds the function containing addr. Functions with a zero size
// are assumed to extend to the next function.
func (st *symtab) lookupFunc(addr uint64) (elfSymbol, bool) {
	k := sort.Search(len(st.funcs), func(k int) bool {
		return addr < st.funcs[k].value
	})
	k--
	if k < 0 {
		return elfSymbol{}, false
	}
	s := st.funcs[k]
	if s.size > 0 && addr >= s.value+s.size {
		return elfSymbol{}, false
	}
	return s, true
}

// exact returns the symbol whose value is addr.
func (st *symtab) exact(addr uint64) (string, bool) {
	name, ok := st.byAddr[addr]
	return name, ok
}

// displayName demangles C++ and Rust symbol names. Other names are
// returned unchanged.
func displayName(name string) string {
	return demangle.Filter(name)
}
