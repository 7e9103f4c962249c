package heapdump

import (
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
	"sort"

	"github.com/tombergan/heapscope/internal/mmap"
)

const (
	tagEOF             = 0
	tagObject          = 1
	tagOtherRoot       = 2
	tagType            = 3
	tagGoroutine       = 4
	tagStackFrame      = 5
	tagParams          = 6
	tagFinalizer       = 7
	tagItab            = 8
	tagOSThread        = 9
	tagMemStats        = 10
	tagQueuedFinalizer = 11
	tagData            = 12
	tagBSS             = 13
	tagDefer           = 14
	tagPanic           = 15
	tagMemProf         = 16
	tagAllocSample     = 17
)

const (
	fieldKindEol = 0
	fieldKindPtr = 1
)

const dumpHeader = "go1.7 heap dump\n"

// ErrBadFormat is returned for files that are not heapdumps of a known version.
var ErrBadFormat = errors.New("not a supported heapdump file")

// ReadRaw reads a heapdump from the given file.
// The underlying file is held open by mmap and must be closed with RawDump.Close.
//
// ReadRaw can understand heapdumps written by any architecture, including
// architectures with different pointer sizes or endianness than the current
// one. It fails if the file cannot fit into available virtual memory.
func ReadRaw(dumpname string) (*RawDump, error) {
	fmap, err := mmap.Open(dumpname)
	if err != nil {
		return nil, err
	}
	r := &RawDump{fmap: fmap}
	if err := readRaw(r); err != nil {
		r.Close()
		return nil, fmt.Errorf("%s: %w", dumpname, err)
	}
	return r, nil
}

// decoder reads uvarint-encoded values from a dump. The first error is
// sticky: later reads return zero values and err reports it.
type decoder struct {
	f   *mmap.File
	err error
}

func (d *decoder) uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	x, err := binary.ReadUvarint(d.f)
	if err != nil {
		d.err = err
	}
	return x
}

func (d *decoder) flag() bool {
	return d.uvarint() != 0
}

func (d *decoder) bytes() []byte {
	n := d.uvarint()
	if d.err != nil {
		return nil
	}
	b, err := d.f.ReadSlice(n)
	if err != nil {
		d.err = err
	}
	return b
}

func (d *decoder) str() string {
	return string(d.bytes())
}

// fields skips a field list, returning it undecoded.
func (d *decoder) fields() RawPtrFields {
	start := d.f.Pos()
	for d.err == nil {
		switch kind := d.uvarint(); kind {
		case fieldKindEol:
			end := d.f.Pos() - 1 // drop the terminator
			if d.err != nil || end == start {
				return RawPtrFields{}
			}
			encoded, err := d.f.ReadSliceAt(start, end-start)
			if err != nil {
				d.err = err
			}
			return RawPtrFields{encoded: encoded}
		case fieldKindPtr:
			d.uvarint()
		default:
			if d.err == nil {
				d.err = fmt.Errorf("unexpected field kind %d", kind)
			}
		}
	}
	return RawPtrFields{}
}

func (d *decoder) segment() RawSegment {
	return RawSegment{Addr: d.uvarint(), Data: d.bytes(), PtrFields: d.fields()}
}

// Composite literal elements are evaluated left to right, so each record
// below lists its fields in wire order.

func (d *decoder) otherRoot() *RawOtherRoot {
	return &RawOtherRoot{Description: d.str(), Addr: d.uvarint()}
}

func (d *decoder) typ() *RawType {
	return &RawType{Addr: d.uvarint(), Size: d.uvarint(), Name: d.str(), DirectIFace: d.flag()}
}

func (d *decoder) goroutine() *RawGoroutine {
	return &RawGoroutine{
		GAddr:        d.uvarint(),
		SP:           d.uvarint(),
		GoID:         d.uvarint(),
		GoPC:         d.uvarint(),
		Status:       d.uvarint(),
		IsSystem:     d.flag(),
		IsBackground: d.flag(),
		WaitSince:    d.uvarint(),
		WaitReason:   d.str(),
		CtxtAddr:     d.uvarint(),
		MAddr:        d.uvarint(),
		TopDeferAddr: d.uvarint(),
		TopPanicAddr: d.uvarint(),
	}
}

func (d *decoder) stackFrame() *RawStackFrame {
	sp, depth, calleeSP, data := d.uvarint(), d.uvarint(), d.uvarint(), d.bytes()
	return &RawStackFrame{
		Depth:    depth,
		CalleeSP: calleeSP,
		EntryPC:  d.uvarint(),
		PC:       d.uvarint(),
		NextPC:   d.uvarint(),
		Name:     d.str(),
		Segment:  RawSegment{Addr: sp, Data: data, PtrFields: d.fields()},
	}
}

func (d *decoder) params() (*RawParams, error) {
	p := &RawParams{ByteOrder: binary.LittleEndian}
	if d.flag() {
		p.ByteOrder = binary.BigEndian
	}
	p.PtrSize = d.uvarint()
	p.HeapStart = d.uvarint()
	p.HeapEnd = d.uvarint()
	p.GoArch = d.str()
	p.GoExperiment = d.str()
	p.NCPU = d.uvarint()
	if d.err == nil && p.PtrSize != 4 && p.PtrSize != 8 {
		return nil, fmt.Errorf("unsupported pointer size %d", p.PtrSize)
	}
	return p, nil
}

func (d *decoder) finalizer(queued bool) *RawFinalizer {
	return &RawFinalizer{
		IsQueued:      queued,
		ObjAddr:       d.uvarint(),
		FnAddr:        d.uvarint(),
		FnPC:          d.uvarint(),
		FnArgTypeAddr: d.uvarint(),
		ObjTypeAddr:   d.uvarint(),
	}
}

func (d *decoder) osThread() *RawOSThread {
	return &RawOSThread{MAddr: d.uvarint(), GoID: d.uvarint(), ProcID: d.uvarint()}
}

func (d *decoder) deferRecord() *RawDefer {
	return &RawDefer{
		Addr:     d.uvarint(),
		GAddr:    d.uvarint(),
		ArgP:     d.uvarint(),
		PC:       d.uvarint(),
		FnAddr:   d.uvarint(),
		FnPC:     d.uvarint(),
		LinkAddr: d.uvarint(),
	}
}

func (d *decoder) panicRecord() *RawPanic {
	return &RawPanic{
		Addr:        d.uvarint(),
		GAddr:       d.uvarint(),
		ArgTypeAddr: d.uvarint(),
		ArgAddr:     d.uvarint(),
		DeferAddr:   d.uvarint(),
		LinkAddr:    d.uvarint(),
	}
}

// memProf returns a bucket and its id.
func (d *decoder) memProf() (uint64, *RawMemProfEntry) {
	key := d.uvarint()
	e := &RawMemProfEntry{Size: d.uvarint()}
	nstk := d.uvarint()
	for i := uint64(0); i < nstk && d.err == nil; i++ {
		e.Stacks = append(e.Stacks, RawMemProfFrame{Func: d.bytes(), File: d.bytes(), Line: d.uvarint()})
	}
	e.NumAllocs = d.uvarint()
	e.NumFrees = d.uvarint()
	return key, e
}

// memStats decodes the fields of runtime.MemStats that WriteHeapDump emits.
func (d *decoder) memStats() *runtime.MemStats {
	m := &runtime.MemStats{}
	for _, p := range []*uint64{
		&m.Alloc, &m.TotalAlloc, &m.Sys, &m.Lookups, &m.Mallocs, &m.Frees,
		&m.HeapAlloc, &m.HeapSys, &m.HeapIdle, &m.HeapInuse, &m.HeapReleased, &m.HeapObjects,
		&m.StackInuse, &m.StackSys, &m.MSpanInuse, &m.MSpanSys, &m.MCacheInuse, &m.MCacheSys,
		&m.BuckHashSys, &m.GCSys, &m.OtherSys, &m.NextGC, &m.LastGC, &m.PauseTotalNs,
	} {
		*p = d.uvarint()
	}
	for i := range m.PauseNs {
		m.PauseNs[i] = d.uvarint()
	}
	m.NumGC = uint32(d.uvarint())
	return m
}

func readRaw(r *RawDump) error {
	hdr, err := r.fmap.ReadSlice(uint64(len(dumpHeader)))
	if err != nil || string(hdr) != dumpHeader {
		return ErrBadFormat
	}

	r.TypeFromItab = map[uint64]uint64{}
	r.TypeFromAddr = map[uint64]*RawType{}
	r.MemProfMap = map[uint64]*RawMemProfEntry{}

	d := &decoder{f: r.fmap}
	for {
		offset := r.fmap.Pos()
		if err := r.readRecord(d); err != nil {
			return fmt.Errorf("error parsing record at offset %d: %w", offset, err)
		}
		if d.err != nil {
			return fmt.Errorf("error parsing record at offset %d: %w", offset, d.err)
		}
		if r.done {
			break
		}
	}
	sort.Slice(r.HeapObjects, func(i, k int) bool { return r.HeapObjects[i].Addr < r.HeapObjects[k].Addr })
	logf("read heapdump %s: %d objects, %d goroutines, %d frames, %d types",
		r.fmap.Name(), len(r.HeapObjects), len(r.Goroutines), len(r.StackFrames), len(r.TypeFromAddr))
	return nil
}

// readRecord decodes one record into r. Decoding errors are left in d.
func (r *RawDump) readRecord(d *decoder) error {
	kind := d.uvarint()
	if d.err != nil {
		return nil
	}
	switch kind {
	case tagEOF:
		r.done = true

	case tagObject:
		x := d.segment()
		verbosef("read object{Addr:%x Size:%d Offsets:%v}", x.Addr, len(x.Data), x.PtrFields.Offsets())
		r.HeapObjects = append(r.HeapObjects, x)

	case tagOtherRoot:
		x := d.otherRoot()
		verbosef("read %#v", *x)
		r.OtherRoots = append(r.OtherRoots, x)

	case tagType:
		x := d.typ()
		verbosef("read %#v", *x)
		// Duplicate type records are dropped.
		if _, ok := r.TypeFromAddr[x.Addr]; !ok {
			r.TypeFromAddr[x.Addr] = x
		}

	case tagGoroutine:
		x := d.goroutine()
		verbosef("read %#v", *x)
		r.Goroutines = append(r.Goroutines, x)

	case tagStackFrame:
		x := d.stackFrame()
		verbosef("read frame %s sp:%x size:%d depth:%d callee:%x pc:%x",
			x.Name, x.Segment.Addr, len(x.Segment.Data), x.Depth, x.CalleeSP, x.PC)
		r.StackFrames = append(r.StackFrames, x)

	case tagParams:
		if r.Params != nil {
			return fmt.Errorf("multiple params records, old:{%#v}", *r.Params)
		}
		p, err := d.params()
		if err != nil {
			return err
		}
		verbosef("read %#v", *p)
		r.Params = p

	case tagFinalizer, tagQueuedFinalizer:
		x := d.finalizer(kind == tagQueuedFinalizer)
		verbosef("read %#v", *x)
		r.Finalizers = append(r.Finalizers, x)

	case tagData, tagBSS:
		x := d.segment()
		verbosef("read global segment{Tag:%d Addr:%x Size:%d}", kind, x.Addr, len(x.Data))
		r.GlobalSegments = append(r.GlobalSegments, x)

	case tagItab:
		itab, typ := d.uvarint(), d.uvarint()
		verbosef("read itab %x -> %x", itab, typ)
		r.TypeFromItab[itab] = typ

	case tagOSThread:
		x := d.osThread()
		verbosef("read %#v", *x)
		r.OSThreads = append(r.OSThreads, x)

	case tagMemStats:
		if r.MemStats != nil {
			return errors.New("multiple MemStats records")
		}
		r.MemStats = d.memStats()

	case tagDefer:
		x := d.deferRecord()
		verbosef("read %#v", *x)
		r.Defers = append(r.Defers, x)

	case tagPanic:
		x := d.panicRecord()
		verbosef("read %#v", *x)
		r.Panics = append(r.Panics, x)

	case tagMemProf:
		key, x := d.memProf()
		verbosef("read memprof %x -> %d frames", key, len(x.Stacks))
		r.MemProfMap[key] = x

	case tagAllocSample:
		x := &RawAllocSample{Addr: d.uvarint(), Prof: r.MemProfMap[d.uvarint()]}
		verbosef("read alloc sample %x", x.Addr)
		r.AllocSamples = append(r.AllocSamples, x)

	default:
		return fmt.Errorf("unknown record kind %d", kind)
	}
	return nil
}

// Read reads and links the heapdump in the file named by dumpname.
// Dump.Close should be called to unmap the file when the dump is no longer needed.
func Read(dumpname string) (d *Dump, err error) {
	raw, err := ReadRaw(dumpname)
	if err != nil {
		return nil, err
	}

	// Need to close raw if we fail after this point.
	defer func() {
		if err != nil {
			raw.Close()
		}
	}()

	// Sanity check: must have params otherwise we don't know which endianness to use.
	if raw.Params == nil {
		return nil, fmt.Errorf("%s: heapdump is missing params", dumpname)
	}

	d = &Dump{Raw: raw}
	if err := linkRecords(d); err != nil {
		return nil, fmt.Errorf("%s: %w", dumpname, err)
	}
	return d, nil
}

// linkRecords builds the wrapper structs of d from its raw records.
func linkRecords(d *Dump) error {
	osthreads := make(map[uint64]*OSThread)

	for _, r := range d.Raw.OSThreads {
		x := &OSThread{Raw: r}
		osthreads[r.MAddr] = x
		d.OSThreads = append(d.OSThreads, x)
	}
	for _, r := range d.Raw.Goroutines {
		d.Goroutines = append(d.Goroutines, &Goroutine{Raw: r})
	}
	for _, r := range d.Raw.Finalizers {
		d.Finalizers = append(d.Finalizers, &Finalizer{Raw: r})
	}

	// OSThread <-> Goroutines.
	for _, g := range d.Goroutines {
		if t, ok := osthreads[g.Raw.MAddr]; ok {
			g.OSThread = t
			t.Goroutines = append(t.Goroutines, g)
		}
	}

	// Stack frames may be zero-sized, so we add call depth to the key to ensure uniqueness.
	type frameKey struct {
		sp, depth uint64
	}
	frames := make(map[frameKey]*StackFrame)
	for _, r := range d.Raw.StackFrames {
		x := &StackFrame{Raw: r}
		frames[frameKey{r.Segment.Addr, r.Depth}] = x
		d.Frames = append(d.Frames, x)
	}
	// StackFrame <-> StackFrame.
	for _, sf := range d.Frames {
		if sf.Raw.Depth == 0 {
			continue
		}
		callee, ok := frames[frameKey{sf.Raw.CalleeSP, sf.Raw.Depth - 1}]
		if !ok {
			return fmt.Errorf("callee not found for frame %s at sp 0x%x depth %d", sf.Raw.Name, sf.Raw.Segment.Addr, sf.Raw.Depth)
		}
		sf.Callee = callee
		callee.Caller = sf
	}

	// Goroutine <-> StackFrames.
	for _, g := range d.Goroutines {
		sf, ok := frames[frameKey{g.Raw.SP, 0}]
		if !ok {
			// Dead goroutines have no stack.
			verbosef("no stack for goroutine %d", g.Raw.GoID)
			continue
		}
		g.Stack = sf
		for ; sf != nil; sf = sf.Caller {
			sf.Goroutine = g
			if g.stackLo == 0 || sf.Addr() < g.stackLo {
				g.stackLo = sf.Addr()
			}
			g.stackHi = max(g.stackHi, sf.Addr()+sf.Size())
		}
	}
	sort.Slice(d.Frames, func(i, k int) bool {
		if d.Frames[i].Addr() != d.Frames[k].Addr() {
			return d.Frames[i].Addr() < d.Frames[k].Addr()
		}
		return d.Frames[i].Depth() < d.Frames[k].Depth()
	})

	d.allocSites = make(map[uint64]*RawMemProfEntry, len(d.Raw.AllocSamples))
	for _, s := range d.Raw.AllocSamples {
		if s.Prof != nil {
			d.allocSites[s.Addr] = s.Prof
		}
	}
	return nil
}
