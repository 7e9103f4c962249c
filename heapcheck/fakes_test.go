package main

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tombergan/heapscope/session"
)

type fakeTarget struct{}

func (fakeTarget) Path() string                   { return "/bin/leaky" }
func (fakeTarget) PointerSize() int               { return 8 }
func (fakeTarget) ByteOrder() binary.ByteOrder    { return binary.LittleEndian }
func (fakeTarget) SymbolAt(uint64) (string, bool) { return "", false }
func (fakeTarget) Close() error                   { return nil }

type fakeProcess struct{}

func (fakeProcess) Info() string                { return "process: pid = 7, state = stopped, threads = 2" }
func (fakeProcess) ID() int                     { return 7 }
func (fakeProcess) State() session.ProcessState { return session.StateStopped }
func (fakeProcess) ThreadCount() int            { return 2 }
func (fakeProcess) FrameCount(thread int) int   { return 2 - thread }
func (fakeProcess) FramePointer(_, frame int) uint64 {
	return uint64(0x100 * (frame + 1))
}
func (fakeProcess) Close() error { return nil }

func (fakeProcess) ResolveSymbol(_, frame int) (session.Symbol, bool) {
	if frame == 0 {
		return session.Symbol{FunctionName: "raise", ModuleDir: "/lib", ModuleFile: "libc.so.6"}, true
	}
	return session.Symbol{}, false
}

type fakeBackend struct{}

func (fakeBackend) LoadTarget(string) (session.Target, error) { return fakeTarget{}, nil }
func (fakeBackend) LoadSnapshot(session.Target, string) (session.Process, error) {
	return fakeProcess{}, nil
}

// fakeModel has two net/http.body objects and one main.U.
type fakeModel struct{}

func (fakeModel) Load(session.Target) error { return nil }
func (fakeModel) FrameLabel() string        { return "Go" }

func (fakeModel) ClassifyFrame(fp uint64) (string, bool) {
	return fmt.Sprintf("main.f (fp 0x%x)", fp), true
}

func (fakeModel) WalkHeap(fn func(uint64) bool) error {
	for _, addr := range []uint64{0x2000, 0x1000, 0x3000} {
		if !fn(addr) {
			break
		}
	}
	return nil
}

func (fakeModel) ClassifyObject(addr uint64) (session.TypeKey, string, uint64) {
	if addr == 0x3000 {
		return "u", "main.U", 8
	}
	return "b", "net/http.body", 48
}

func (fakeModel) Inspect(addr uint64, opts session.InspectOptions) (string, bool) {
	if addr < 0x1000 || addr > 0x3000 {
		return "", false
	}
	return fmt.Sprintf("0x%x <object> (max %d)\n", addr, opts.MaxElements), true
}

func newTestSession(t *testing.T, model session.ObjectModel) *session.Session {
	t.Helper()
	s := session.New(fakeBackend{}, model)
	require.NoError(t, s.Init("core", "/bin/leaky"))
	t.Cleanup(func() { s.Close() })
	return s
}
