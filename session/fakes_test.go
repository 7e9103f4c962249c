package session

import (
	"encoding/binary"
	"errors"
	"fmt"
)

type fakeTarget struct {
	path   string
	closed bool
}

func (t *fakeTarget) Path() string                   { return t.path }
func (t *fakeTarget) PointerSize() int               { return 8 }
func (t *fakeTarget) ByteOrder() binary.ByteOrder    { return binary.LittleEndian }
func (t *fakeTarget) SymbolAt(uint64) (string, bool) { return "", false }
func (t *fakeTarget) Close() error                   { t.closed = true; return nil }

type fakeFrame struct {
	sym *Symbol
	fp  uint64
}

type fakeProcess struct {
	pid     int
	threads [][]fakeFrame
	closed  bool
}

func (p *fakeProcess) Info() string {
	return fmt.Sprintf("process: pid = %d, state = stopped, threads = %d", p.pid, len(p.threads))
}
func (p *fakeProcess) ID() int                   { return p.pid }
func (p *fakeProcess) State() ProcessState       { return StateStopped }
func (p *fakeProcess) ThreadCount() int          { return len(p.threads) }
func (p *fakeProcess) FrameCount(thread int) int { return len(p.threads[thread]) }
func (p *fakeProcess) Close() error              { p.closed = true; return nil }
func (p *fakeProcess) FramePointer(thread, frame int) uint64 {
	return p.threads[thread][frame].fp
}
func (p *fakeProcess) ResolveSymbol(thread, frame int) (Symbol, bool) {
	if s := p.threads[thread][frame].sym; s != nil {
		return *s, true
	}
	return Symbol{}, false
}

type disasmProcess struct {
	fakeProcess
}

func (p *disasmProcess) Disassemble(thread, frame, count int) ([]string, error) {
	out := make([]string, count)
	for k := range out {
		out[k] = fmt.Sprintf("nop ; t%d f%d", thread, frame)
	}
	return out, nil
}

type fakeBackend struct {
	targetErr   error
	snapshotErr error
	process     Process
	targets     []*fakeTarget
}

func (b *fakeBackend) LoadTarget(exe string) (Target, error) {
	if b.targetErr != nil {
		return nil, b.targetErr
	}
	t := &fakeTarget{path: exe}
	b.targets = append(b.targets, t)
	return t, nil
}

func (b *fakeBackend) LoadSnapshot(Target, string) (Process, error) {
	if b.snapshotErr != nil {
		return nil, b.snapshotErr
	}
	return b.process, nil
}

type fakeObject struct {
	key  TypeKey
	name string
	size uint64
}

type fakeModel struct {
	loadErr error
	walkErr error
	frames  map[uint64]string // fp -> description; "" means failure
	walk    []uint64          // may contain duplicates
	objects map[uint64]fakeObject
	loads   int
	closes  int
}

func (m *fakeModel) Close() error {
	m.closes++
	return nil
}

func (m *fakeModel) Load(Target) error {
	m.loads++
	return m.loadErr
}

func (m *fakeModel) ClassifyFrame(fp uint64) (string, bool) {
	desc, ok := m.frames[fp]
	return desc, ok && desc != ""
}

func (m *fakeModel) WalkHeap(fn func(uint64) bool) error {
	if m.walkErr != nil {
		return m.walkErr
	}
	for _, addr := range m.walk {
		if !fn(addr) {
			break
		}
	}
	return nil
}

func (m *fakeModel) ClassifyObject(addr uint64) (TypeKey, string, uint64) {
	o := m.objects[addr]
	return o.key, o.name, o.size
}

func (m *fakeModel) Inspect(addr uint64, opts InspectOptions) (string, bool) {
	o, ok := m.objects[addr]
	if !ok {
		return "", false
	}
	return fmt.Sprintf("0x%x %s detailed=%v max=%d", addr, o.name, opts.Detailed, opts.MaxElements), true
}

type labeledModel struct {
	*fakeModel
}

func (labeledModel) FrameLabel() string { return "Go" }

var errBadFormat = errors.New("bad format")

// newHeapModel builds a model with A:5, B:2, C:2 instances and one
// duplicate visit of an A instance.
func newHeapModel() *fakeModel {
	m := &fakeModel{objects: map[uint64]fakeObject{}}
	add := func(key TypeKey, name string, size uint64, addrs ...uint64) {
		for _, a := range addrs {
			m.objects[a] = fakeObject{key, name, size}
			m.walk = append(m.walk, a)
		}
	}
	add("c", "C", 32, 0x3000, 0x3010)
	add("a", "A", 16, 0x1040, 0x1000, 0x1030, 0x1010, 0x1020)
	add("b", "B", 8, 0x2008, 0x2000)
	m.walk = append(m.walk, 0x1000)
	return m
}

func newProcess() *fakeProcess {
	return &fakeProcess{
		pid: 4242,
		threads: [][]fakeFrame{
			{
				{sym: &Symbol{FunctionName: "foo", ModuleDir: "/usr/lib", ModuleFile: "libx"}},
				{fp: 0x10},
				{fp: 0x20},
				{fp: 0x30},
			},
			{
				{sym: &Symbol{FunctionName: "main", ModuleDir: "/bin", ModuleFile: "node", HasSource: true, SourceDir: "/src", SourceFile: "main.cc"}},
			},
		},
	}
}
