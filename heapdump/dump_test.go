package heapdump

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

// dumpWriter encodes heapdump records the way runtime/debug.WriteHeapDump does.
type dumpWriter struct {
	bytes.Buffer
}

func newDumpWriter() *dumpWriter {
	w := &dumpWriter{}
	w.WriteString(dumpHeader)
	return w
}

func (w *dumpWriter) uint(xs ...uint64) {
	var buf [binary.MaxVarintLen64]byte
	for _, x := range xs {
		n := binary.PutUvarint(buf[:], x)
		w.Write(buf[:n])
	}
}

func (w *dumpWriter) str(s string) {
	w.uint(uint64(len(s)))
	w.WriteString(s)
}

func (w *dumpWriter) fields(offsets ...uint64) {
	for _, off := range offsets {
		w.uint(fieldKindPtr, off)
	}
	w.uint(fieldKindEol)
}

// data encodes pointer-sized little-endian words.
func (w *dumpWriter) data(words ...uint64) {
	b := make([]byte, 8*len(words))
	for k, x := range words {
		binary.LittleEndian.PutUint64(b[8*k:], x)
	}
	w.str(string(b))
}

func (w *dumpWriter) segment(tag, addr uint64, words []uint64, ptrs ...uint64) {
	w.uint(tag, addr)
	w.data(words...)
	w.fields(ptrs...)
}

func (w *dumpWriter) writeFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "heapdump")
	if err := os.WriteFile(path, w.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// Addresses in the test dump.
const (
	objT    = 0xc000000000 // main.T by type record, points to objItab
	objItab = 0xc000000010 // main.T via itab, points to objS
	objS    = 0xc000000020 // untyped, points back to objT
	objU    = 0xc000001000 // main.U by executable symbol, has a finalizer
	objZ    = 0xc000002000 // untyped, sampled allocation

	typeT  = 0x500000
	itabT  = 0x510000
	typeU  = 0x520000
	data0  = 0x600000
	bss0   = 0x610000
	stack0 = 0xc000080000
	mAddr  = 0x700000
)

// testDump returns a small but complete heapdump:
//
//	data0 -> objT -> objItab -> objS -> objT
//	main.leak's frame -> objU
//
// Goroutine 1 has two frames with a gap between them.
func testDump() *dumpWriter {
	w := newDumpWriter()
	w.uint(tagParams, 0, 8, 0xc000000000, 0xc000100000)
	w.str("amd64")
	w.str("")
	w.uint(4)

	w.uint(tagType, typeT, 16)
	w.str("main.T")
	w.uint(0)
	w.uint(tagType, typeT, 16) // duplicate
	w.str("main.Dup")
	w.uint(0)
	w.uint(tagItab, itabT, typeT)

	// Out of order: objects are sorted after reading.
	w.segment(tagObject, objU, []uint64{typeU})
	w.segment(tagObject, objT, []uint64{typeT, objItab}, 8)
	w.segment(tagObject, objItab, []uint64{itabT, objS}, 8)
	w.segment(tagObject, objS, []uint64{7, objT, 0}, 8)
	w.segment(tagObject, objZ, []uint64{0})

	w.segment(tagData, data0, []uint64{objT, 0}, 0)
	w.segment(tagBSS, bss0, []uint64{0})
	w.uint(tagOtherRoot)
	w.str("runtime.allm")
	w.uint(0)

	w.uint(tagGoroutine, 0xc000010000, stack0, 1, 0x401000, 4, 0, 0, 0)
	w.str("chan receive")
	w.uint(0, mAddr, 0, 0)

	w.uint(tagStackFrame, stack0, 0, 0)
	w.data(0, objU, 0, 0)
	w.uint(0x401000, 0x401020, 0x401020)
	w.str("main.leak")
	w.fields(8)

	w.uint(tagStackFrame, stack0+0x40, 1, stack0)
	w.data(0, 0)
	w.uint(0x402000, 0x402010, 0x402010)
	w.str("main.main")
	w.fields()

	w.uint(tagOSThread, mAddr, 1, 100)
	w.uint(tagFinalizer, objU, 0x800000, 0x401500, 0, typeU)

	w.uint(tagMemProf, 1, 8, 1)
	w.str("main.alloc")
	w.str("/src/main.go")
	w.uint(42, 1, 0)
	w.uint(tagAllocSample, objZ, 1)

	w.uint(tagMemStats)
	for k := 0; k < 24; k++ {
		x := uint64(0)
		if k == 6 { // HeapAlloc
			x = 64
		}
		w.uint(x)
	}
	for k := 0; k < 256; k++ {
		w.uint(0)
	}
	w.uint(3) // NumGC

	w.uint(tagEOF)
	return w
}

func readTestDump(t *testing.T) *Dump {
	t.Helper()
	d, err := Read(testDump().writeFile(t))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestRead(t *testing.T) {
	d := readTestDump(t)

	wantAddrs := []uint64{objT, objItab, objS, objU, objZ}
	objs := d.HeapObjects()
	if len(objs) != len(wantAddrs) {
		t.Fatalf("got %d heap objects, want %d", len(objs), len(wantAddrs))
	}
	for k, want := range wantAddrs {
		if objs[k].Addr != want {
			t.Errorf("HeapObjects[%d].Addr=0x%x want 0x%x", k, objs[k].Addr, want)
		}
	}
	if got := objs[2].PtrFields.Offsets(); len(got) != 1 || got[0] != 8 {
		t.Errorf("objS offsets=%v want [8]", got)
	}
	if !objs[4].PtrFields.Empty() {
		t.Errorf("objZ has pointers: %v", objs[4].PtrFields.Offsets())
	}

	p := d.Params()
	if p.PtrSize != 8 || p.ByteOrder != binary.LittleEndian || p.GoArch != "amd64" || p.NCPU != 4 {
		t.Errorf("params=%+v", *p)
	}
	if got := d.Raw.TypeFromAddr[typeT].Name; got != "main.T" {
		t.Errorf("type name=%q want main.T (duplicates are dropped)", got)
	}
	if d.Raw.MemStats.HeapAlloc != 64 || d.Raw.MemStats.NumGC != 3 {
		t.Errorf("memstats HeapAlloc=%d NumGC=%d", d.Raw.MemStats.HeapAlloc, d.Raw.MemStats.NumGC)
	}
	if len(d.Raw.OtherRoots) != 1 || d.Raw.OtherRoots[0].Description != "runtime.allm" {
		t.Errorf("other roots=%v", d.Raw.OtherRoots)
	}
	if len(d.Raw.GlobalSegments) != 2 {
		t.Errorf("got %d global segments, want 2", len(d.Raw.GlobalSegments))
	}
}

func TestLinkRecords(t *testing.T) {
	d := readTestDump(t)

	if len(d.Goroutines) != 1 {
		t.Fatalf("got %d goroutines", len(d.Goroutines))
	}
	g := d.Goroutines[0]
	if g.Status() != "chan receive" {
		t.Errorf("status=%q", g.Status())
	}
	if g.OSThread == nil || g.OSThread.Raw.ProcID != 100 {
		t.Errorf("goroutine not linked to its thread: %+v", g.OSThread)
	}
	if g.Stack == nil || g.Stack.Raw.Name != "main.leak" {
		t.Fatalf("youngest frame=%+v", g.Stack)
	}
	caller := g.Stack.Caller
	if caller == nil || caller.Raw.Name != "main.main" || caller.Callee != g.Stack || caller.Goroutine != g {
		t.Errorf("caller=%+v", caller)
	}
}

func TestGoroutineStatus(t *testing.T) {
	tests := []struct {
		status uint64
		want   string
	}{
		{0, "idle"},
		{1, "runnable"},
		{3, "syscall"},
		{4, "select"},
		{6, "dead"},
		{0x1001, "scan(runnable)"},
		{9, "status9"},
	}
	for _, test := range tests {
		g := &Goroutine{Raw: &RawGoroutine{Status: test.status, WaitReason: "select"}}
		if got := g.Status(); got != test.want {
			t.Errorf("Status(0x%x)=%q want %q", test.status, got, test.want)
		}
	}
}

func TestFindObjects(t *testing.T) {
	d := readTestDump(t)

	tests := []struct {
		addr    uint64
		wantIdx int
	}{
		{objT, 0},
		{objT + 15, 0},
		{objItab, 1},
		{objS + 23, 2},
		{objS + 24, -1},
		{objZ + 7, 4},
		{0x1000, -1},
	}
	for _, test := range tests {
		if got := d.FindHeapObject(test.addr); got != test.wantIdx {
			t.Errorf("FindHeapObject(0x%x)=%d want %d", test.addr, got, test.wantIdx)
		}
	}

	if d.FindGlobal(data0+8) == nil || d.FindGlobal(bss0+8) != nil {
		t.Errorf("FindGlobal mismatch")
	}

	frames := []struct {
		addr uint64
		want string
	}{
		{stack0, "main.leak"},
		{stack0 + 0x1f, "main.leak"},
		{stack0 + 0x20, "main.leak"}, // saved frame pointer at the top
		{stack0 + 0x30, ""},
		{stack0 + 0x48, "main.main"},
		{stack0 + 0x50, "main.main"},
		{stack0 + 0x58, ""},
	}
	for _, test := range frames {
		got := ""
		if sf := d.FindFrame(test.addr); sf != nil {
			got = sf.Raw.Name
		}
		if got != test.want {
			t.Errorf("FindFrame(0x%x)=%q want %q", test.addr, got, test.want)
		}
	}
}

func TestInEdges(t *testing.T) {
	d := readTestDump(t)

	tests := []struct {
		idx  int
		want []uint64
	}{
		{0, []uint64{data0, objS + 8}},
		{1, []uint64{objT + 8}},
		{2, []uint64{objItab + 8}},
		{3, []uint64{stack0 + 8, RootSlot}},
		{4, nil},
	}
	for _, test := range tests {
		got := d.InEdges(test.idx)
		if len(got) != len(test.want) {
			t.Errorf("InEdges(%d)=%x want %x", test.idx, got, test.want)
			continue
		}
		for k := range got {
			if got[k] != test.want[k] {
				t.Errorf("InEdges(%d)=%x want %x", test.idx, got, test.want)
				break
			}
		}
	}
}

func TestReach(t *testing.T) {
	d := readTestDump(t)

	tests := []struct {
		idx       int
		wantObjs  int
		wantBytes uint64
	}{
		{0, 3, 56}, // the cycle objT -> objItab -> objS -> objT
		{2, 3, 56},
		{3, 1, 8},
		{-1, 0, 0},
	}
	for _, test := range tests {
		n, size := d.Reach(test.idx)
		if n != test.wantObjs || size != test.wantBytes {
			t.Errorf("Reach(%d)=%d,%d want %d,%d", test.idx, n, size, test.wantObjs, test.wantBytes)
		}
	}
}

func TestReadErrors(t *testing.T) {
	truncated := testDump()
	truncated.Truncate(truncated.Len() - 1) // drop the EOF record

	badTag := newDumpWriter()
	badTag.uint(99)

	noParams := newDumpWriter()
	noParams.uint(tagEOF)

	badField := newDumpWriter()
	badField.uint(tagObject, objT)
	badField.data(0)
	badField.uint(7, 0)

	tests := []struct {
		name string
		w    *dumpWriter
	}{
		{"truncated", truncated},
		{"unknown tag", badTag},
		{"no params", noParams},
		{"bad field kind", badField},
	}
	for _, test := range tests {
		if d, err := Read(test.w.writeFile(t)); err == nil {
			d.Close()
			t.Errorf("%s: Read succeeded", test.name)
		}
	}

	path := filepath.Join(t.TempDir(), "notadump")
	if err := os.WriteFile(path, []byte("go1.4 heap dump\n\x00"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadRaw(path); err == nil {
		t.Errorf("ReadRaw of an old version succeeded")
	}
}
