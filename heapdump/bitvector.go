package heapdump

import (
	"bytes"
	"sort"
)

func roundDown(x, align uint64) uint64 {
	return x - x%align
}

func roundUp(x, align uint64) uint64 {
	return align * ((x + align - 1) / align)
}

// bitvector has one bit for each pointer-aligned word of the heap.
// Runs of adjacent heap objects share a chunk.
type bitvector struct {
	chunks  []bitvectorChunk
	ptrSize uint64 // in bytes
}

type bitvectorChunk struct {
	addr uint64 // must be pointer-aligned
	size uint64 // size in bytes
	bits []uint64
}

func newBitvector(objs []RawSegment, ptrSize uint64) *bitvector {
	bv := &bitvector{ptrSize: ptrSize}
	var start, end uint64
	flush := func() {
		if end > start {
			nbits := (end - start) / ptrSize
			bv.chunks = append(bv.chunks, bitvectorChunk{
				addr: start,
				size: end - start,
				bits: make([]uint64, (nbits+63)/64),
			})
		}
	}
	for k := range objs {
		lo := roundDown(objs[k].Addr, ptrSize)
		hi := roundUp(objs[k].Addr+objs[k].Size(), ptrSize)
		if lo > end || k == 0 {
			flush()
			start, end = lo, hi
			continue
		}
		end = max(end, hi)
	}
	flush()
	return bv
}

// acquireRange sets all bits in the range [addr, addr+size) to 1, then
// reports whether any of the bits were previously 0.
func (bv *bitvector) acquireRange(addr, size uint64) bool {
	if size == 0 {
		return false
	}
	k := sort.Search(len(bv.chunks), func(k int) bool {
		return addr < bv.chunks[k].addr
	})
	if k > 0 {
		k--
		if bv.chunks[k].addr+bv.chunks[k].size <= addr {
			k++
		}
	}
	end := addr + size - 1
	changed := false
	for ; k < len(bv.chunks) && bv.chunks[k].addr <= end; k++ {
		if bv.chunks[k].acquireRange(addr, size, bv.ptrSize) {
			changed = true
		}
	}
	return changed
}

func (chunk *bitvectorChunk) acquireRange(addrStart, size, ptrSize uint64) bool {
	addrEnd := min(addrStart+size, chunk.addr+chunk.size)
	addrStart = max(addrStart, chunk.addr)
	if addrStart >= addrEnd {
		return false
	}

	bit := (addrStart - chunk.addr) / ptrSize
	bitEnd := roundUp(addrEnd-chunk.addr, ptrSize) / ptrSize

	changed := false
	for ; bit < bitEnd; bit++ {
		mask := uint64(1) << (bit % 64)
		if chunk.bits[bit/64]&mask == 0 {
			chunk.bits[bit/64] |= mask
			changed = true
		}
	}
	return changed
}

// String renders the bits of each chunk, lowest address first.
func (bv *bitvector) String() string {
	buf := &bytes.Buffer{}
	for k, c := range bv.chunks {
		if k > 0 {
			buf.WriteByte(' ')
		}
		nbits := c.size / bv.ptrSize
		for bit := uint64(0); bit < nbits; bit++ {
			if c.bits[bit/64]&(1<<(bit%64)) != 0 {
				buf.WriteByte('1')
			} else {
				buf.WriteByte('0')
			}
		}
	}
	return buf.String()
}

// Reach reports how many heap objects, and how many bytes, are reachable
// from heap object idx, including idx itself.
func (d *Dump) Reach(idx int) (objects int, size uint64) {
	objs := d.Raw.HeapObjects
	if idx < 0 || idx >= len(objs) {
		return 0, 0
	}
	bv := newBitvector(objs, d.Raw.Params.PtrSize)
	stack := []int{idx}
	bv.acquireRange(objs[idx].Addr, objs[idx].Size())
	for len(stack) > 0 {
		k := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		objects++
		size += objs[k].Size()
		d.ForeachPointer(&objs[k], func(_, ptr uint64) {
			next := d.FindHeapObject(ptr)
			if next >= 0 && bv.acquireRange(objs[next].Addr, objs[next].Size()) {
				stack = append(stack, next)
			}
		})
	}
	return objects, size
}
