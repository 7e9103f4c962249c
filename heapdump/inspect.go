package heapdump

import (
	"fmt"
	"strings"

	"github.com/tombergan/heapscope/session"
)

// Inspect renders the heap object, global segment, or stack frame that
// contains addr. With opts.Detailed, the contents are listed one word per
// line, at most opts.MaxElements words, followed by what refers to the
// object and what it keeps alive.
func (m *Model) Inspect(addr uint64, opts session.InspectOptions) (string, bool) {
	d := m.dump
	if d == nil {
		return "", false
	}
	var (
		seg  *RawSegment
		desc string
		idx  = d.FindHeapObject(addr)
	)
	switch {
	case idx >= 0:
		seg = &d.Raw.HeapObjects[idx]
		_, desc = m.objectType(seg)
	case d.FindGlobal(addr) != nil:
		seg = d.FindGlobal(addr)
		desc = "global data"
	case d.FindFrame(addr) != nil:
		sf := d.FindFrame(addr)
		seg = &sf.Raw.Segment
		desc = "stack frame " + sf.String()
	default:
		return "", false
	}

	var b strings.Builder
	fmt.Fprintf(&b, "0x%x <%s> (%d bytes)", seg.Addr, desc, seg.Size())
	if addr != seg.Addr {
		fmt.Fprintf(&b, " containing 0x%x at +0x%x", addr, addr-seg.Addr)
	}
	b.WriteByte('\n')
	if !opts.Detailed {
		return b.String(), true
	}

	m.writeWords(&b, seg, opts.MaxElements)
	if idx < 0 {
		return b.String(), true
	}

	if fin := d.FindFinalizer(seg.Addr); fin != nil {
		fmt.Fprintf(&b, "finalizer fn 0x%x (queued: %v)\n", fin.Raw.FnPC, fin.Raw.IsQueued)
	}
	if site := d.AllocSite(seg.Addr); site != nil && len(site.Stacks) > 0 {
		f := site.Stacks[0]
		fmt.Fprintf(&b, "allocated at %s (%s:%d)\n", f.Func, f.File, f.Line)
	}

	in := d.InEdges(idx)
	fmt.Fprintf(&b, "%d inbound references\n", len(in))
	for k, slot := range in {
		if k == opts.MaxElements {
			fmt.Fprintf(&b, "  ... %d more\n", len(in)-k)
			break
		}
		fmt.Fprintf(&b, "  from %s\n", m.describeSlot(slot))
	}
	n, size := d.Reach(idx)
	fmt.Fprintf(&b, "reaches %d objects (%d bytes)\n", n, size)
	return b.String(), true
}

// writeWords lists the words of seg, annotating pointers with their target.
func (m *Model) writeWords(b *strings.Builder, seg *RawSegment, maxWords int) {
	p := m.dump.Raw.Params
	ptrs := map[uint64]bool{}
	for _, off := range seg.PtrFields.Offsets() {
		ptrs[off] = true
	}
	nwords := int(seg.Size() / p.PtrSize)
	for k := 0; k < nwords; k++ {
		if k == maxWords {
			fmt.Fprintf(b, "  ... %d more words\n", nwords-k)
			return
		}
		off := uint64(k) * p.PtrSize
		w := p.ReadPtr(seg.Data[off:])
		fmt.Fprintf(b, "  +0x%x: 0x%x", off, w)
		if ptrs[off] && w != 0 {
			fmt.Fprintf(b, " -> %s", m.describeTarget(w))
		}
		b.WriteByte('\n')
	}
}

// describeTarget names what a pointer points at.
func (m *Model) describeTarget(ptr uint64) string {
	d := m.dump
	if idx := d.FindHeapObject(ptr); idx >= 0 {
		seg := &d.Raw.HeapObjects[idx]
		_, name := m.objectType(seg)
		if ptr == seg.Addr {
			return "<" + name + ">"
		}
		return fmt.Sprintf("<%s>+0x%x", name, ptr-seg.Addr)
	}
	if d.FindGlobal(ptr) != nil {
		return "<global data>"
	}
	if sf := d.FindFrame(ptr); sf != nil {
		return "<stack frame " + sf.Raw.Name + ">"
	}
	return "<unknown>"
}

// describeSlot names the location of a pointer.
func (m *Model) describeSlot(slot uint64) string {
	d := m.dump
	if slot == RootSlot {
		return "runtime root"
	}
	if idx := d.FindHeapObject(slot); idx >= 0 {
		seg := &d.Raw.HeapObjects[idx]
		_, name := m.objectType(seg)
		return fmt.Sprintf("0x%x (0x%x <%s>+0x%x)", slot, seg.Addr, name, slot-seg.Addr)
	}
	if d.FindGlobal(slot) != nil {
		return fmt.Sprintf("0x%x (global data)", slot)
	}
	if sf := d.FindFrame(slot); sf != nil {
		return fmt.Sprintf("0x%x (%s)", slot, sf)
	}
	return fmt.Sprintf("0x%x", slot)
}
