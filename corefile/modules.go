package corefile

import (
	"fmt"
	"path/filepath"
	"sort"
)

// module is a file-backed image mapped into the process.
type module struct {
	path       string // as recorded in the core
	start, end uint64 // [start, end) covers every mapping of path
	offset     uint64 // file offset mapped at start
	bias       uint64 // valid once img is loaded

	img     *image // nil until first use
	loadErr error  // set if loading img failed
	owned   bool   // img is closed with the process
}

func (m *module) String() string {
	return fmt.Sprintf("module{%s [0x%x,0x%x) bias:0x%x}", m.path, m.start, m.end, m.bias)
}

func (m *module) contains(addr uint64) bool {
	return m.start <= addr && addr < m.end
}

// moduleSet is a set of non-overlapping modules sorted by start address.
type moduleSet struct {
	list []*module
}

// findAddr looks up the module that contains the given address.
func (ms *moduleSet) findAddr(addr uint64) *module {
	// Binary search for an upper-bound, then check if the previous module contains addr.
	k := sort.Search(len(ms.list), func(k int) bool {
		return addr < ms.list[k].start
	})
	k--
	if k >= 0 && ms.list[k].contains(addr) {
		return ms.list[k]
	}
	return nil
}

// insert adds m to the set.
// Returns an error if m overlaps a module already in the set.
func (ms *moduleSet) insert(m *module) error {
	reportConflict := func(old *module) error {
		return fmt.Errorf("cannot insert %s: conflicts with %s", m, old)
	}
	if m.end <= m.start {
		return fmt.Errorf("cannot insert %s: empty range", m)
	}

	// Binary search for an upper-bound.
	k := sort.Search(len(ms.list), func(k int) bool {
		return m.start < ms.list[k].start
	})

	// Check for a conflict.
	if k < len(ms.list) && ms.list[k].start < m.end {
		return reportConflict(ms.list[k])
	}
	if k > 0 && ms.list[k-1].contains(m.start) {
		return reportConflict(ms.list[k-1])
	}

	// Insert before k.
	ms.list = append(ms.list[:k], append([]*module{m}, ms.list[k:]...)...)

	if sanityChecks && !sort.SliceIsSorted(ms.list, func(i, k int) bool { return ms.list[i].start < ms.list[k].start }) {
		for k, m := range ms.list {
			printf("modules[%v] = %s", k, m)
		}
		panic(fmt.Sprintf("modules are not sorted after insert(%s)", m))
	}
	return nil
}

// modulesFromFileNote groups NT_FILE mappings by path.
func modulesFromFileNote(files []fileMapping) []*module {
	byPath := map[string]*module{}
	var out []*module
	for _, f := range files {
		if f.path == "" || f.end <= f.start {
			continue
		}
		m := byPath[f.path]
		if m == nil {
			m = &module{path: f.path, start: f.start, end: f.end, offset: f.offset}
			byPath[f.path] = m
			out = append(out, m)
			continue
		}
		if f.start < m.start {
			m.start, m.offset = f.start, f.offset
		}
		m.end = max(m.end, f.end)
	}
	return out
}

// dir and file split a module path for display.
func (m *module) dir() string  { return filepath.Dir(m.path) }
func (m *module) file() string { return filepath.Base(m.path) }
