// Package heapdump reads heapdump files written by runtime/debug.WriteHeapDump
// and interprets them as the runtime object model of a Go process.
//
// Dump links the raw records of a heapdump: goroutines to their stacks,
// stack frames to their callers, and heap objects to the pointers that
// refer to them. Model adapts a Dump to session.ObjectModel.
package heapdump

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrOutOfRange reports an address outside every known segment.
	ErrOutOfRange = errors.New("out of range")

	// ErrNotLoaded is returned by Model methods before a dump is loaded.
	ErrNotLoaded = errors.New("no heapdump loaded")

	// ErrTargetMismatch is returned when the dump was written by a
	// different architecture than the target executable.
	ErrTargetMismatch = errors.New("heapdump does not match target")
)

// Dump is a linked view of a RawDump with lookups by address.
// A Dump must not be used from more than one goroutine at a time.
type Dump struct {
	Raw *RawDump

	OSThreads  []*OSThread
	Goroutines []*Goroutine
	Frames     []*StackFrame // sorted by address
	Finalizers []*Finalizer

	allocSites map[uint64]*RawMemProfEntry

	// Referrers of heap object x: the single slot in refOne[x], or every
	// slot in refMany[x] once a second one shows up. Built by
	// PrecomputeInEdges.
	refOne  []uint64 // 0 means no referrer
	refMany map[int][]uint64
}

// Close unmaps the dump.
func (d *Dump) Close() error {
	err := d.Raw.Close()
	d.refOne, d.refMany = nil, nil
	return err
}

// Params returns the parameters of the machine that wrote the dump.
func (d *Dump) Params() *RawParams {
	return d.Raw.Params
}

// HeapObjects lists all objects on the heap, sorted by address.
func (d *Dump) HeapObjects() []RawSegment {
	return d.Raw.HeapObjects
}

// FindHeapObject returns the index of the heap object containing addr,
// or -1.
func (d *Dump) FindHeapObject(addr uint64) int {
	objs := d.Raw.HeapObjects
	k := sort.Search(len(objs), func(k int) bool {
		return objs[k].Addr > addr
	}) - 1
	if k < 0 || !objs[k].Contains(addr) {
		return -1
	}
	return k
}

// FindGlobal returns the data or bss segment containing addr, or nil.
func (d *Dump) FindGlobal(addr uint64) *RawSegment {
	for i, seg := range d.Raw.GlobalSegments {
		if seg.Contains(addr) {
			return &d.Raw.GlobalSegments[i]
		}
	}
	return nil
}

// FindFrame returns the stack frame whose extent contains addr. A frame
// pointer saved at the very top of a frame is considered part of it.
func (d *Dump) FindFrame(addr uint64) *StackFrame {
	k := sort.Search(len(d.Frames), func(k int) bool {
		return addr < d.Frames[k].Addr()
	})
	// Walk back over zero-sized frames that share an address.
	for k--; k >= 0; k-- {
		sf := d.Frames[k]
		if addr < sf.Addr()+sf.Size() || (sf.Size() > 0 && addr == sf.Addr()+sf.Size()) {
			return sf
		}
		if sf.Size() > 0 {
			break
		}
	}
	return nil
}

// FindGoroutineStack returns the goroutine whose stack spans addr.
func (d *Dump) FindGoroutineStack(addr uint64) *Goroutine {
	for _, gr := range d.Goroutines {
		if gr.Stack != nil && addr >= gr.stackLo && addr <= gr.stackHi {
			return gr
		}
	}
	return nil
}

// FindFinalizer returns the finalizer registered for the object at addr.
func (d *Dump) FindFinalizer(addr uint64) *Finalizer {
	for _, fin := range d.Finalizers {
		if fin.Raw.ObjAddr == addr {
			return fin
		}
	}
	return nil
}

// AllocSite returns the sampled allocation record for the object at addr, if any.
func (d *Dump) AllocSite(addr uint64) *RawMemProfEntry {
	return d.allocSites[addr]
}

// ForeachPointer calls fn with the address of each pointer slot in seg and
// the pointer stored there.
func (d *Dump) ForeachPointer(seg *RawSegment, fn func(slot, ptr uint64)) {
	ptrSize := d.Raw.Params.PtrSize
	for _, off := range seg.PtrFields.Offsets() {
		if off+ptrSize > seg.Size() {
			verbosef("pointer field at offset %d overflows segment 0x%x (%d bytes)", off, seg.Addr, seg.Size())
			continue
		}
		fn(seg.Addr+off, d.Raw.Params.ReadPtr(seg.Data[off:]))
	}
}

// forEachRootSegment calls fn for each global segment and stack frame.
func (d *Dump) forEachRootSegment(fn func(*RawSegment)) {
	for i := range d.Raw.GlobalSegments {
		fn(&d.Raw.GlobalSegments[i])
	}
	for _, sf := range d.Frames {
		fn(&sf.Raw.Segment)
	}
}

// RootSlot stands in for the slot address of pointers held by the runtime
// itself, such as finalizer registrations.
const RootSlot = ^uint64(0)

// InEdges lists the pointer slots that refer into heap object idx.
// The result is shared and must not be modified.
func (d *Dump) InEdges(idx int) []uint64 {
	d.PrecomputeInEdges()
	if slots, ok := d.refMany[idx]; ok {
		return slots
	}
	if idx >= 0 && idx < len(d.refOne) && d.refOne[idx] != 0 {
		return []uint64{d.refOne[idx]}
	}
	return nil
}

// PrecomputeInEdges scans every root and heap object once to index
// referrers. InEdges calls it on demand.
func (d *Dump) PrecomputeInEdges() {
	if d.refMany != nil {
		return
	}
	d.refOne = make([]uint64, len(d.Raw.HeapObjects))
	d.refMany = make(map[int][]uint64)

	addPtr := func(slot, ptr uint64) {
		idx := -1
		if ptr != 0 {
			idx = d.FindHeapObject(ptr)
		}
		switch {
		case idx < 0:
		case d.refOne[idx] == 0:
			d.refOne[idx] = slot
		case d.refMany[idx] == nil:
			d.refMany[idx] = []uint64{d.refOne[idx], slot}
		default:
			d.refMany[idx] = append(d.refMany[idx], slot)
		}
	}

	d.forEachRootSegment(func(seg *RawSegment) { d.ForeachPointer(seg, addPtr) })
	for _, fin := range d.Finalizers {
		addPtr(RootSlot, fin.Raw.ObjAddr)
	}
	for _, r := range d.Raw.OtherRoots {
		addPtr(RootSlot, r.Addr)
	}
	for i := range d.Raw.HeapObjects {
		d.ForeachPointer(&d.Raw.HeapObjects[i], addPtr)
	}
	logf("in-edges: %d objects with more than one referrer", len(d.refMany))
}

// OSThread is an M together with the goroutines it was running.
type OSThread struct {
	Raw        *RawOSThread
	Goroutines []*Goroutine
}

// Goroutine links a goroutine record to its thread and innermost frame.
type Goroutine struct {
	Raw      *RawGoroutine
	OSThread *OSThread
	Stack    *StackFrame // innermost frame, nil for a goroutine with no frames

	stackLo, stackHi uint64
}

// goroutineStatus names the runtime's g status values (runtime2.go).
var goroutineStatus = map[uint64]string{
	0: "idle",
	1: "runnable",
	2: "running",
	3: "syscall",
	6: "dead",
	8: "copystack",
}

// Status describes the goroutine's scheduling state. Waiting goroutines
// report their wait reason.
func (g *Goroutine) Status() string {
	const gScan = 0x1000
	st := g.Raw.Status &^ gScan
	name, ok := goroutineStatus[st]
	switch {
	case st == 4:
		name = g.Raw.WaitReason
	case !ok:
		name = fmt.Sprintf("status%d", st)
	}
	if g.Raw.Status&gScan != 0 {
		return "scan(" + name + ")"
	}
	return name
}

// StackFrame is one frame of a goroutine stack.
type StackFrame struct {
	Raw       *RawStackFrame
	Caller    *StackFrame
	Callee    *StackFrame
	Goroutine *Goroutine
}

// Addr is the lowest address of the frame.
func (sf *StackFrame) Addr() uint64 { return sf.Raw.Segment.Addr }

// Size is the frame's extent in bytes.
func (sf *StackFrame) Size() uint64 { return sf.Raw.Segment.Size() }

// Depth counts callers from the innermost frame, which has depth 0.
func (sf *StackFrame) Depth() uint64 { return sf.Raw.Depth }

func (sf *StackFrame) String() string {
	var goid uint64
	if sf.Goroutine != nil {
		goid = sf.Goroutine.Raw.GoID
	}
	return fmt.Sprintf("%s+0x%x (goroutine %d, depth %d)", sf.Raw.Name, sf.Raw.PC-sf.Raw.EntryPC, goid, sf.Raw.Depth)
}

// Finalizer is a finalizer registered with runtime.SetFinalizer.
type Finalizer struct {
	Raw *RawFinalizer
}
