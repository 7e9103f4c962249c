package main

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/tombergan/heapscope/session"
)

type fakeTarget struct{}

func (fakeTarget) Path() string                   { return "/bin/leaky" }
func (fakeTarget) PointerSize() int               { return 8 }
func (fakeTarget) ByteOrder() binary.ByteOrder    { return binary.LittleEndian }
func (fakeTarget) SymbolAt(uint64) (string, bool) { return "", false }
func (fakeTarget) Close() error                   { return nil }

type fakeProcess struct {
	closed bool
}

func (p *fakeProcess) Info() string                { return "process: pid = 7, state = stopped, threads = 1" }
func (p *fakeProcess) ID() int                     { return 7 }
func (p *fakeProcess) State() session.ProcessState { return session.StateStopped }
func (p *fakeProcess) ThreadCount() int            { return 1 }
func (p *fakeProcess) FrameCount(int) int          { return 2 }
func (p *fakeProcess) FramePointer(_, frame int) uint64 {
	return uint64(0x100 * (frame + 1))
}
func (p *fakeProcess) Close() error { p.closed = true; return nil }

func (p *fakeProcess) ResolveSymbol(_, frame int) (session.Symbol, bool) {
	if frame == 0 {
		return session.Symbol{FunctionName: "raise", ModuleDir: "/lib", ModuleFile: "libc.so.6"}, true
	}
	return session.Symbol{}, false
}

func (p *fakeProcess) Disassemble(thread, frame, count int) ([]string, error) {
	out := make([]string, count)
	for k := range out {
		out[k] = fmt.Sprintf("0x%x: nop", 0x1000+k)
	}
	return out, nil
}

type fakeBackend struct {
	process *fakeProcess
}

func (b *fakeBackend) LoadTarget(exe string) (session.Target, error) {
	if exe == "missing" {
		return nil, errors.New("no such file")
	}
	return fakeTarget{}, nil
}

func (b *fakeBackend) LoadSnapshot(session.Target, string) (session.Process, error) {
	return b.process, nil
}

// fakeModel has two objects of type T and one of type U.
type fakeModel struct {
	path   string
	closed bool
}

func (m *fakeModel) Load(session.Target) error {
	if m.path == "bad" {
		return errors.New("bad heapdump")
	}
	return nil
}
func (m *fakeModel) FrameLabel() string { return "Go" }
func (m *fakeModel) Close() error       { m.closed = true; return nil }

func (m *fakeModel) ClassifyFrame(fp uint64) (string, bool) {
	return fmt.Sprintf("main.f (fp 0x%x)", fp), true
}

func (m *fakeModel) WalkHeap(fn func(uint64) bool) error {
	for _, addr := range []uint64{0x1000, 0x2000, 0x3000} {
		if !fn(addr) {
			break
		}
	}
	return nil
}

func (m *fakeModel) ClassifyObject(addr uint64) (session.TypeKey, string, uint64) {
	if addr == 0x3000 {
		return "u", "main.U", 8
	}
	return "t", "main.T", 16
}

func (m *fakeModel) Inspect(addr uint64, opts session.InspectOptions) (string, bool) {
	if addr < 0x1000 || addr >= 0x3008 {
		return "", false
	}
	return fmt.Sprintf("0x%x detailed=%v max=%d", addr, opts.Detailed, opts.MaxElements), true
}

type testServer struct {
	t       *testing.T
	srv     *server
	router  *gin.Engine
	process *fakeProcess
	models  []*fakeModel
}

func newTestServer(t *testing.T) *testServer {
	gin.SetMode(gin.TestMode)
	ts := &testServer{t: t, process: &fakeProcess{}}
	ts.srv = newServer(
		func() session.Backend { return &fakeBackend{process: ts.process} },
		func(path string) session.ObjectModel {
			m := &fakeModel{path: path}
			ts.models = append(ts.models, m)
			return m
		},
		16)
	ts.router = gin.New()
	ts.srv.routes(ts.router)
	return ts
}

func (ts *testServer) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func (ts *testServer) get(path string, v interface{}) int {
	w := ts.do("GET", path, "")
	if v != nil && w.Code == http.StatusOK {
		require.NoError(ts.t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
	}
	return w.Code
}

func (ts *testServer) create(heapdump string) string {
	w := ts.do("POST", "/v1/sessions", fmt.Sprintf(`{"snapshot":"core","executable":"/bin/leaky","heapdump":%q}`, heapdump))
	require.Equal(ts.t, http.StatusCreated, w.Code, w.Body.String())
	var resp struct{ ID string }
	require.NoError(ts.t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(ts.t, resp.ID)
	return resp.ID
}

func TestCreateSession(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do("POST", "/v1/sessions", `{"snapshot":"core"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do("POST", "/v1/sessions", `{"snapshot":"core","executable":"missing","heapdump":"dump"}`)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	require.Contains(t, w.Body.String(), "invalid target")
	require.True(t, ts.models[0].closed)

	id := ts.create("dump")
	var list struct{ Sessions []string }
	require.Equal(t, http.StatusOK, ts.get("/v1/sessions", &list))
	require.Equal(t, []string{id}, list.Sessions)

	var proc processResponse
	require.Equal(t, http.StatusOK, ts.get("/v1/sessions/"+id+"/process", &proc))
	require.Equal(t, processResponse{
		Info:        "process: pid = 7, state = stopped, threads = 1",
		PID:         7,
		State:       "stopped",
		ThreadCount: 1,
	}, proc)

	require.Equal(t, http.StatusNotFound, ts.get("/v1/sessions/nope/process", nil))
}

func TestDeleteSession(t *testing.T) {
	ts := newTestServer(t)
	id := ts.create("dump")

	require.Equal(t, http.StatusNoContent, ts.do("DELETE", "/v1/sessions/"+id, "").Code)
	require.True(t, ts.process.closed)
	require.True(t, ts.models[0].closed)
	require.Equal(t, http.StatusNotFound, ts.do("DELETE", "/v1/sessions/"+id, "").Code)
	require.Equal(t, http.StatusNotFound, ts.get("/v1/sessions/"+id+"/snapshot", nil))
}

func TestSnapshotAndFrames(t *testing.T) {
	ts := newTestServer(t)
	id := ts.create("dump")

	var snap session.ProcessSnapshot
	require.Equal(t, http.StatusOK, ts.get("/v1/sessions/"+id+"/snapshot", &snap))
	require.Equal(t, 7, snap.PID)
	require.Len(t, snap.Threads, 1)
	require.Equal(t, []session.FrameSnapshot{
		{Kind: "native", Description: "Native: raise [/lib/libc.so.6]"},
		{Kind: "interpreted", Description: "Go: main.f (fp 0x200)"},
	}, snap.Threads[0].Frames)

	var th session.ThreadSnapshot
	require.Equal(t, http.StatusOK, ts.get("/v1/sessions/"+id+"/threads/0/frames", &th))
	require.Equal(t, 2, th.FrameCount)
	require.Equal(t, http.StatusBadRequest, ts.get("/v1/sessions/"+id+"/threads/1/frames", nil))
	require.Equal(t, http.StatusBadRequest, ts.get("/v1/sessions/"+id+"/threads/x/frames", nil))

	var dis disasmResponse
	require.Equal(t, http.StatusOK, ts.get("/v1/sessions/"+id+"/threads/0/frames/1/disasm?count=2", &dis))
	require.Equal(t, []string{"0x1000: nop", "0x1001: nop"}, dis.Instructions)
	require.Equal(t, http.StatusBadRequest, ts.get("/v1/sessions/"+id+"/threads/0/frames/2/disasm", nil))
	require.Equal(t, http.StatusBadRequest, ts.get("/v1/sessions/"+id+"/threads/0/frames/0/disasm?count=0", nil))
}

func TestTypesAndCursors(t *testing.T) {
	ts := newTestServer(t)
	id := ts.create("dump")
	base := "/v1/sessions/" + id

	var types session.HeapTypes
	require.Equal(t, http.StatusOK, ts.get(base+"/types", &types))
	require.Equal(t, []session.HeapType{
		{Index: 0, Name: "main.T", InstanceCount: 2, TotalSize: 32},
		{Index: 1, Name: "main.U", InstanceCount: 1, TotalSize: 8},
	}, types.Types)

	var ht session.HeapType
	require.Equal(t, http.StatusOK, ts.get(base+"/types/1", &ht))
	require.Equal(t, "main.U", ht.Name)
	require.Equal(t, http.StatusBadRequest, ts.get(base+"/types/2", nil))

	next := fmt.Sprintf("%s/types/0/next?generation=%d", base, types.Generation)
	var inst nextInstanceResponse
	require.Equal(t, http.StatusOK, ts.get(next, &inst))
	require.Equal(t, nextInstanceResponse{Generation: types.Generation, Index: 0, Address: "0x1000", Remaining: 1}, inst)
	require.Equal(t, http.StatusOK, ts.get(base+"/types/0/next", &inst))
	require.Equal(t, "0x2000", inst.Address)
	require.Equal(t, http.StatusNoContent, ts.get(next, nil))
	require.Equal(t, http.StatusBadRequest, ts.get(base+"/types/5/next", nil))

	// A new census invalidates the old generation.
	require.Equal(t, http.StatusOK, ts.get(base+"/types", nil))
	require.Equal(t, http.StatusConflict, ts.get(next, nil))
	require.Equal(t, http.StatusBadRequest, ts.get(base+"/types/0/next?generation=x", nil))
}

func TestTypesUnavailable(t *testing.T) {
	ts := newTestServer(t)
	id := ts.create("")
	base := "/v1/sessions/" + id

	var types session.HeapTypes
	require.Equal(t, http.StatusOK, ts.get(base+"/types", &types))
	require.Empty(t, types.Types)
	require.Equal(t, http.StatusServiceUnavailable, ts.get(base+"/types?strict=1", nil))
	require.Equal(t, http.StatusServiceUnavailable, ts.get(base+"/objects/0x1000", nil))

	id = ts.create("bad")
	require.Equal(t, http.StatusServiceUnavailable, ts.get("/v1/sessions/"+id+"/types?strict=1", nil))
}

func TestObjects(t *testing.T) {
	ts := newTestServer(t)
	base := "/v1/sessions/" + ts.create("dump")

	var obj objectResponse
	require.Equal(t, http.StatusOK, ts.get(base+"/objects/0x1000", &obj))
	require.Equal(t, objectResponse{Address: "0x1000", Description: "0x1000 detailed=true max=16"}, obj)
	require.Equal(t, http.StatusOK, ts.get(base+"/objects/2008?brief=1&max=3", &obj))
	require.Equal(t, "0x2008 detailed=false max=3", obj.Description)

	require.Equal(t, http.StatusNotFound, ts.get(base+"/objects/0x10", nil))
	require.Equal(t, http.StatusBadRequest, ts.get(base+"/objects/zz", nil))
	require.Equal(t, http.StatusBadRequest, ts.get(base+"/objects/0x1000?max=-1", nil))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{session.ErrNotInitialized, http.StatusUnprocessableEntity},
		{fmt.Errorf("%w: bad core", session.ErrInvalidTarget), http.StatusUnprocessableEntity},
		{session.ErrOutOfRange, http.StatusBadRequest},
		{session.ErrStaleCursor, http.StatusConflict},
		{session.ErrNotFound, http.StatusNotFound},
		{session.ErrUnavailable, http.StatusServiceUnavailable},
		{session.ErrUnsupported, http.StatusNotImplemented},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, test := range tests {
		if got := statusFor(test.err); got != test.want {
			t.Errorf("statusFor(%v)=%d want %d", test.err, got, test.want)
		}
	}
}

func TestParseAddr(t *testing.T) {
	tests := []struct {
		in   string
		want uint64
		ok   bool
	}{
		{"0x1000", 0x1000, true},
		{"0XC000", 0xc000, true},
		{"ff", 0xff, true},
		{"", 0, false},
		{"0xg", 0, false},
	}
	for _, test := range tests {
		got, err := parseAddr(test.in)
		if got != test.want || (err == nil) != test.ok {
			t.Errorf("parseAddr(%q)=0x%x,%v want 0x%x,ok=%v", test.in, got, err, test.want, test.ok)
		}
	}
}
