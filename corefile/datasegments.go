package corefile

import (
	"cmp"
	"fmt"
	"slices"
)

// dataSegment is a piece of the inspected process's address space whose
// contents live in an mmap'd file (or an anonymous mapping, for bss).
type dataSegment struct {
	addr uint64
	data []byte

	readable   bool // false for ranges the process could not read, e.g. stack guards
	executable bool
}

func (s dataSegment) String() string {
	mode := ""
	if s.readable {
		mode += "R"
	}
	if s.executable {
		mode += "X"
	}
	return fmt.Sprintf("dataSegment{addr:0x%x, size:0x%x, mode:%v}", s.addr, s.size(), mode)
}

func (s dataSegment) size() uint64 { return uint64(len(s.data)) }
func (s dataSegment) end() uint64  { return s.addr + s.size() }

func (s dataSegment) contains(addr uint64) bool {
	return s.addr <= addr && addr < s.end()
}

// slice returns the part of s covering [addr, addr+size), or false if that
// range is not entirely inside s.
func (s dataSegment) slice(addr, size uint64) (dataSegment, bool) {
	if addr < s.addr || addr > s.end() || size > s.end()-addr {
		return dataSegment{}, false
	}
	off := addr - s.addr
	s.addr = addr
	s.data = s.data[off : off+size : off+size]
	return s, true
}

// suffix returns the part of s from addr to its end.
func (s dataSegment) suffix(addr uint64) (dataSegment, bool) {
	if !s.contains(addr) {
		return dataSegment{}, false
	}
	return s.slice(addr, s.end()-addr)
}

// dataSegments is the address space of a process: segments sorted by
// address, never overlapping.
type dataSegments []dataSegment

// index returns the index of the segment containing addr, or -1.
func (ss dataSegments) index(addr uint64) int {
	// First segment ending after addr.
	k, _ := slices.BinarySearchFunc(ss, addr, func(s dataSegment, addr uint64) int {
		if s.end() <= addr {
			return -1
		}
		return 1
	})
	if k < len(ss) && ss[k].contains(addr) {
		return k
	}
	return -1
}

func (ss dataSegments) findSegment(addr uint64) (dataSegment, bool) {
	if k := ss.index(addr); k >= 0 {
		return ss[k], true
	}
	return dataSegment{}, false
}

// slice returns [addr, addr+size) if it lies in a single readable segment.
func (ss dataSegments) slice(addr, size uint64) (dataSegment, bool) {
	s, ok := ss.findSegment(addr)
	if !ok || !s.readable {
		return dataSegment{}, false
	}
	return s.slice(addr, size)
}

// readPtr reads one pointer at addr.
func (ss dataSegments) readPtr(a arch, addr uint64) (uint64, bool) {
	s, ok := ss.slice(addr, uint64(a.PointerSize))
	if !ok {
		return 0, false
	}
	return a.Uint(s.data), true
}

// gaps returns the subranges of [addr, addr+size) not covered by ss, in
// ascending order, as {addr, size} pairs.
func (ss dataSegments) gaps(addr, size uint64) [][2]uint64 {
	var out [][2]uint64
	end := addr + size
	for _, s := range ss {
		if addr >= end {
			break
		}
		if s.end() <= addr {
			continue
		}
		if s.addr >= end {
			break
		}
		if addr < s.addr {
			out = append(out, [2]uint64{addr, s.addr - addr})
		}
		addr = max(addr, s.end())
	}
	if addr < end {
		out = append(out, [2]uint64{addr, end - addr})
	}
	return out
}

// insert maps [addr, addr+size). Parts of the range that are already mapped
// keep their existing segment; makeSegment is called once for every gap.
func (ss *dataSegments) insert(addr, size uint64, makeSegment func(addr, size uint64) (dataSegment, error)) error {
	for _, g := range ss.gaps(addr, size) {
		s, err := makeSegment(g[0], g[1])
		if err != nil {
			return err
		}
		verbosef("loading %s", s)
		k, _ := slices.BinarySearchFunc(*ss, s.addr, func(x dataSegment, addr uint64) int {
			return cmp.Compare(x.addr, addr)
		})
		*ss = slices.Insert(*ss, k, s)
	}
	if sanityChecks && !slices.IsSortedFunc(*ss, func(a, b dataSegment) int { return cmp.Compare(a.addr, b.addr) }) {
		for k, s := range *ss {
			printf("dataSegments[%v] = %s", k, s)
		}
		panic(fmt.Sprintf("dataSegments are not sorted after insert(0x%x, 0x%x)", addr, size))
	}
	return nil
}
