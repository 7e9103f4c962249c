package heapdump

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/tombergan/heapscope/session"
)

// Model interprets a heapdump as the object model of a Go process.
// It implements session.ObjectModel. The dump is (re)read on every Load.
type Model struct {
	path   string
	dump   *Dump
	target session.Target
}

// NewModel returns a Model that reads the heapdump at path.
func NewModel(path string) *Model {
	return &Model{path: path}
}

// Path returns the heapdump path.
func (m *Model) Path() string {
	return m.path
}

// Dump returns the loaded dump, or nil.
func (m *Model) Dump() *Dump {
	return m.dump
}

// Load reads the heapdump and checks that it was written by a process with
// the target's pointer size and byte order. Symbols of target are used to
// name types.
func (m *Model) Load(target session.Target) error {
	m.Close()
	if m.path == "" {
		return fmt.Errorf("%w: no heapdump path configured", ErrNotLoaded)
	}
	d, err := Read(m.path)
	if err != nil {
		return err
	}
	p := d.Params()
	if target != nil {
		if uint64(target.PointerSize()) != p.PtrSize || target.ByteOrder() != p.ByteOrder {
			d.Close()
			return fmt.Errorf("%w: dump has %d-byte %s pointers, %s has %d-byte %s pointers",
				ErrTargetMismatch, p.PtrSize, p.ByteOrder, target.Path(), target.PointerSize(), target.ByteOrder())
		}
	}
	m.dump, m.target = d, target
	return nil
}

// Close unmaps the loaded dump, if any.
func (m *Model) Close() error {
	if m.dump == nil {
		return nil
	}
	err := m.dump.Close()
	m.dump, m.target = nil, nil
	return err
}

// FrameLabel names goroutine frames.
func (m *Model) FrameLabel() string {
	return "Go"
}

// ClassifyFrame describes the goroutine stack frame containing fp.
func (m *Model) ClassifyFrame(fp uint64) (string, bool) {
	if m.dump == nil {
		return "", false
	}
	if sf := m.dump.FindFrame(fp); sf != nil {
		return sf.String(), true
	}
	if g := m.dump.FindGoroutineStack(fp); g != nil {
		return fmt.Sprintf("<stack of goroutine %d>", g.Raw.GoID), true
	}
	return "", false
}

// WalkHeap visits heap objects in address order.
func (m *Model) WalkHeap(fn func(addr uint64) bool) error {
	if m.dump == nil {
		return ErrNotLoaded
	}
	for k := range m.dump.Raw.HeapObjects {
		if !fn(m.dump.Raw.HeapObjects[k].Addr) {
			break
		}
	}
	return nil
}

// ClassifyObject names the type of the heap object containing addr.
func (m *Model) ClassifyObject(addr uint64) (session.TypeKey, string, uint64) {
	if m.dump == nil {
		return "", "", 0
	}
	idx := m.dump.FindHeapObject(addr)
	if idx < 0 {
		return "$invalid", "$invalid", 0
	}
	seg := &m.dump.Raw.HeapObjects[idx]
	key, name := m.objectType(seg)
	return key, name, seg.Size()
}

// objectType derives a type from the first word of an object: a type
// record, an itab, or a type descriptor symbol in the executable. Objects
// with no recognizable first word get a name describing their shape.
func (m *Model) objectType(seg *RawSegment) (session.TypeKey, string) {
	d := m.dump
	ptrSize := d.Raw.Params.PtrSize
	if seg.Size() >= ptrSize {
		w := d.Raw.Params.ReadPtr(seg.Data)
		if name, ok := m.typeName(w); ok {
			return session.TypeKey(fmt.Sprintf("type:0x%x", w)), name
		}
		if t, ok := d.Raw.TypeFromItab[w]; ok {
			if name, ok := m.typeName(t); ok {
				return session.TypeKey(fmt.Sprintf("type:0x%x", t)), name
			}
		}
	}
	name := shapeName(seg, ptrSize)
	return session.TypeKey(name), name
}

// typeName resolves a type descriptor address.
func (m *Model) typeName(addr uint64) (string, bool) {
	if addr == 0 {
		return "", false
	}
	if t, ok := m.dump.Raw.TypeFromAddr[addr]; ok {
		return t.Name, true
	}
	if m.target == nil {
		return "", false
	}
	sym, ok := m.target.SymbolAt(addr)
	if !ok {
		return "", false
	}
	for _, prefix := range []string{"type:", "type."} {
		if strings.HasPrefix(sym, prefix) && len(sym) > len(prefix) {
			return sym[len(prefix):], true
		}
	}
	return "", false
}

// shapeName names an untyped segment by its alignment, size, and which
// words hold pointers: 'S' means scalar word, 'P' means pointer word.
func shapeName(seg *RawSegment, ptrSize uint64) string {
	sz := seg.Size()
	words := bytes.Repeat([]byte("S"), int(roundUp(sz, ptrSize)/ptrSize))
	for _, off := range seg.PtrFields.Offsets() {
		if off/ptrSize < uint64(len(words)) {
			words[off/ptrSize] = 'P'
		}
	}
	// NB: Technically, seg may not be perfectly aligned to PtrSize. To account
	// for this possibility, we prefix the S/P string with the alignment and size.
	return fmt.Sprintf("$unknown{Align:%d,Size:%d,Fields:%s}", seg.Addr%ptrSize, sz, words)
}
