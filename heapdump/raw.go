package heapdump

import (
	"encoding/binary"
	"runtime"

	"github.com/tombergan/heapscope/internal/mmap"
)

// RawDump is a heapdump file decoded record by record, with no linking
// between records. All []byte slices point into the mmap'd file and are
// valid until Close.
type RawDump struct {
	Params         *RawParams
	MemStats       *runtime.MemStats
	HeapObjects    []RawSegment // sorted by Addr
	GlobalSegments []RawSegment // data and bss, in file order
	OtherRoots     []*RawOtherRoot
	Goroutines     []*RawGoroutine
	StackFrames    []*RawStackFrame
	OSThreads      []*RawOSThread
	Finalizers     []*RawFinalizer
	Defers         []*RawDefer
	Panics         []*RawPanic
	AllocSamples   []*RawAllocSample

	TypeFromItab map[uint64]uint64           // itab address -> type address
	TypeFromAddr map[uint64]*RawType         // type address -> type
	MemProfMap   map[uint64]*RawMemProfEntry // bucket id -> entry

	fmap *mmap.File
	done bool // EOF record seen
}

// Close unmaps the underlying file.
func (r *RawDump) Close() error {
	if r.fmap == nil {
		return nil
	}
	return r.fmap.Close()
}

// RawParams describes the machine that wrote the dump.
type RawParams struct {
	ByteOrder    binary.ByteOrder
	PtrSize      uint64
	HeapStart    uint64
	HeapEnd      uint64
	GoArch       string
	GoExperiment string
	NCPU         uint64
}

// ReadPtr decodes a pointer-sized word from b.
func (p *RawParams) ReadPtr(b []byte) uint64 {
	if p.PtrSize == 4 {
		return uint64(p.ByteOrder.Uint32(b))
	}
	return p.ByteOrder.Uint64(b)
}

// WritePtr encodes a pointer-sized word into b.
func (p *RawParams) WritePtr(b []byte, v uint64) {
	if p.PtrSize == 4 {
		p.ByteOrder.PutUint32(b, uint32(v))
		return
	}
	p.ByteOrder.PutUint64(b, v)
}

// RawSegment is a contiguous piece of memory: a heap object, a stack frame,
// or a data or bss section.
type RawSegment struct {
	Addr      uint64
	Data      []byte
	PtrFields RawPtrFields
}

// Size returns the size of the segment in bytes.
func (s *RawSegment) Size() uint64 {
	return uint64(len(s.Data))
}

// Contains reports whether addr is in [s.Addr, s.Addr+s.Size()).
func (s *RawSegment) Contains(addr uint64) bool {
	return s.Addr <= addr && addr < s.Addr+s.Size()
}

// RawPtrFields lists the offsets of pointers in a segment. It is kept in the
// dump's encoding, a sequence of (kind, offset) uvarint pairs, and decoded
// on demand.
type RawPtrFields struct {
	encoded []byte
}

// Offsets decodes the pointer offsets, in dump order.
func (pf RawPtrFields) Offsets() []uint64 {
	var out []uint64
	b := pf.encoded
	for len(b) > 0 {
		kind, n := binary.Uvarint(b)
		if n <= 0 || kind != fieldKindPtr {
			break
		}
		b = b[n:]
		off, n := binary.Uvarint(b)
		if n <= 0 {
			break
		}
		b = b[n:]
		out = append(out, off)
	}
	return out
}

// Empty reports whether there are no pointers.
func (pf RawPtrFields) Empty() bool {
	return len(pf.encoded) == 0
}

// RawType is a type record. Only types of objects stored in interfaces are dumped.
type RawType struct {
	Addr        uint64
	Size        uint64
	Name        string
	DirectIFace bool
}

type RawOtherRoot struct {
	Description string
	Addr        uint64
}

type RawGoroutine struct {
	GAddr        uint64
	SP           uint64 // sp of the youngest frame
	GoID         uint64
	GoPC         uint64 // pc of the go statement that created the goroutine
	Status       uint64
	IsSystem     bool
	IsBackground bool
	WaitSince    uint64
	WaitReason   string
	CtxtAddr     uint64
	MAddr        uint64
	TopDeferAddr uint64
	TopPanicAddr uint64
}

type RawStackFrame struct {
	Name     string
	Depth    uint64 // 0 is the youngest frame
	CalleeSP uint64 // sp of the callee, 0 at depth 0
	EntryPC  uint64
	PC       uint64
	NextPC   uint64
	Segment  RawSegment // Addr is the frame's sp
}

type RawOSThread struct {
	MAddr  uint64
	GoID   uint64
	ProcID uint64
}

type RawFinalizer struct {
	IsQueued      bool
	ObjAddr       uint64
	FnAddr        uint64
	FnPC          uint64
	FnArgTypeAddr uint64
	ObjTypeAddr   uint64
}

type RawDefer struct {
	Addr     uint64
	GAddr    uint64
	ArgP     uint64
	PC       uint64
	FnAddr   uint64
	FnPC     uint64
	LinkAddr uint64
}

type RawPanic struct {
	Addr        uint64
	GAddr       uint64
	ArgTypeAddr uint64
	ArgAddr     uint64
	DeferAddr   uint64
	LinkAddr    uint64
}

type RawMemProfEntry struct {
	Size      uint64
	Stacks    []RawMemProfFrame
	NumAllocs uint64
	NumFrees  uint64
}

type RawMemProfFrame struct {
	Func []byte
	File []byte
	Line uint64
}

type RawAllocSample struct {
	Addr uint64
	Prof *RawMemProfEntry
}
