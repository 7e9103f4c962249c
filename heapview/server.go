package main

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tombergan/heapscope/session"
)

// server exposes many sessions over HTTP. Each session has its own lock;
// requests for different sessions run in parallel.
type server struct {
	newBackend  func() session.Backend
	newModel    func(heapdump string) session.ObjectModel
	maxElements int

	mu       sync.Mutex
	sessions map[string]*sessionEntry
}

type sessionEntry struct {
	mu sync.Mutex
	s  *session.Session
}

func newServer(newBackend func() session.Backend, newModel func(string) session.ObjectModel, maxElements int) *server {
	return &server{
		newBackend:  newBackend,
		newModel:    newModel,
		maxElements: maxElements,
		sessions:    map[string]*sessionEntry{},
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

type createSessionRequest struct {
	Snapshot   string `json:"snapshot" binding:"required"`
	Executable string `json:"executable" binding:"required"`
	Heapdump   string `json:"heapdump"`
}

type processResponse struct {
	Info        string `json:"info"`
	PID         int    `json:"pid"`
	State       string `json:"state"`
	ThreadCount int    `json:"thread_count"`
}

type nextInstanceResponse struct {
	Generation uint64 `json:"generation"`
	Index      int    `json:"index"`
	Address    string `json:"address"`
	Remaining  int    `json:"remaining"`
}

type objectResponse struct {
	Address     string `json:"address"`
	Description string `json:"description"`
}

type disasmResponse struct {
	Thread       int      `json:"thread"`
	Frame        int      `json:"frame"`
	Instructions []string `json:"instructions"`
}

func (srv *server) routes(r gin.IRouter) {
	r.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "heapview: POST /v1/sessions to open a core file")
	})
	v1 := r.Group("/v1")
	{
		v1.POST("/sessions", srv.createSession)
		v1.GET("/sessions", srv.listSessions)
		v1.DELETE("/sessions/:id", srv.deleteSession)

		s := v1.Group("/sessions/:id")
		s.GET("/process", srv.withSession(srv.getProcess))
		s.GET("/snapshot", srv.withSession(srv.getSnapshot))
		s.GET("/threads/:thread/frames", srv.withSession(srv.getFrames))
		s.GET("/threads/:thread/frames/:frame/disasm", srv.withSession(srv.getDisasm))
		s.GET("/types", srv.withSession(srv.getTypes))
		s.GET("/types/:index", srv.withSession(srv.getType))
		s.GET("/types/:index/next", srv.withSession(srv.getNextInstance))
		s.GET("/objects/:addr", srv.withSession(srv.getObject))
	}
}

// openSession initializes a new session and registers it under a fresh id.
func (srv *server) openSession(req createSessionRequest) (string, error) {
	var model session.ObjectModel
	if req.Heapdump != "" {
		model = srv.newModel(req.Heapdump)
	}
	s := session.New(srv.newBackend(), model)
	if err := s.Init(req.Snapshot, req.Executable); err != nil {
		s.Close()
		return "", err
	}
	id := uuid.New().String()
	srv.mu.Lock()
	srv.sessions[id] = &sessionEntry{s: s}
	srv.mu.Unlock()
	log.Printf("session %s: %s", id, s.ProcessInfo())
	return id, nil
}

func (srv *server) createSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	id, err := srv.openSession(req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (srv *server) listSessions(c *gin.Context) {
	srv.mu.Lock()
	ids := make([]string, 0, len(srv.sessions))
	for id := range srv.sessions {
		ids = append(ids, id)
	}
	srv.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"sessions": ids})
}

func (srv *server) deleteSession(c *gin.Context) {
	id := c.Param("id")
	srv.mu.Lock()
	e, ok := srv.sessions[id]
	delete(srv.sessions, id)
	srv.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, errorResponse{Error: "no such session"})
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.close(); err != nil {
		log.Printf("session %s: close: %v", id, err)
	}
	c.Status(http.StatusNoContent)
}

// closeAll closes every session. Used at shutdown.
func (srv *server) closeAll() {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	for id, e := range srv.sessions {
		e.mu.Lock()
		if err := e.close(); err != nil {
			log.Printf("session %s: close: %v", id, err)
		}
		e.mu.Unlock()
		delete(srv.sessions, id)
	}
}

func (e *sessionEntry) close() error {
	return e.s.Close()
}

// withSession looks up the session named by the :id parameter and calls h
// with the session locked.
func (srv *server) withSession(h func(*gin.Context, *session.Session)) gin.HandlerFunc {
	return func(c *gin.Context) {
		srv.mu.Lock()
		e, ok := srv.sessions[c.Param("id")]
		srv.mu.Unlock()
		if !ok {
			c.JSON(http.StatusNotFound, errorResponse{Error: "no such session"})
			return
		}
		e.mu.Lock()
		defer e.mu.Unlock()
		h(c, e.s)
	}
}

func (srv *server) getProcess(c *gin.Context, s *session.Session) {
	if !s.Initialized() {
		writeError(c, session.ErrNotInitialized)
		return
	}
	c.JSON(http.StatusOK, processResponse{
		Info:        s.ProcessInfo(),
		PID:         s.ProcessID(),
		State:       s.ProcessState().String(),
		ThreadCount: s.ThreadCount(),
	})
}

func (srv *server) getSnapshot(c *gin.Context, s *session.Session) {
	snap, err := s.Snapshot()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (srv *server) getFrames(c *gin.Context, s *session.Session) {
	thread, ok := intParam(c, "thread")
	if !ok {
		return
	}
	frames, err := s.Frames(thread)
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]session.FrameSnapshot, len(frames))
	for k, f := range frames {
		out[k] = session.FrameSnapshot{Kind: f.Kind.String(), Description: f.Description}
	}
	c.JSON(http.StatusOK, session.ThreadSnapshot{ID: thread, FrameCount: len(out), Frames: out})
}

func (srv *server) getDisasm(c *gin.Context, s *session.Session) {
	thread, ok := intParam(c, "thread")
	if !ok {
		return
	}
	frame, ok := intParam(c, "frame")
	if !ok {
		return
	}
	count := 8
	if v := c.Query("count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1024 {
			c.JSON(http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("bad count %q", v)})
			return
		}
		count = n
	}
	insts, err := s.Disassemble(thread, frame, count)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, disasmResponse{Thread: thread, Frame: frame, Instructions: insts})
}

// getTypes runs a new census. Every cursor handed out before is invalidated.
// An unavailable heap is listed as zero types unless strict is set.
func (srv *server) getTypes(c *gin.Context, s *session.Session) {
	if c.Query("strict") != "" {
		if _, err := s.Census(); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, s.CurrentHeapTypes())
		return
	}
	types, err := s.HeapTypes()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, types)
}

func (srv *server) getType(c *gin.Context, s *session.Session) {
	index, ok := intParam(c, "index")
	if !ok {
		return
	}
	t, err := s.Type(index)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (srv *server) getNextInstance(c *gin.Context, s *session.Session) {
	index, ok := intParam(c, "index")
	if !ok {
		return
	}
	var (
		addr  uint64
		found bool
		err   error
	)
	if g := c.Query("generation"); g != "" {
		gen, perr := strconv.ParseUint(g, 10, 64)
		if perr != nil {
			c.JSON(http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("bad generation %q", g)})
			return
		}
		addr, found, err = s.NextInstanceAt(gen, index)
	} else {
		addr, found, err = s.NextInstance(index)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	if !found {
		c.Status(http.StatusNoContent)
		return
	}
	remaining, _ := s.Cursors().Remaining(index)
	c.JSON(http.StatusOK, nextInstanceResponse{
		Generation: s.Generation(),
		Index:      index,
		Address:    fmt.Sprintf("0x%x", addr),
		Remaining:  remaining,
	})
}

func (srv *server) getObject(c *gin.Context, s *session.Session) {
	addr, err := parseAddr(c.Param("addr"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	opts := session.InspectOptions{Detailed: c.Query("brief") == "", MaxElements: srv.maxElements}
	if v := c.Query("max"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("bad max %q", v)})
			return
		}
		opts.MaxElements = n
	}
	desc, err := s.Inspect(addr, opts)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, objectResponse{Address: fmt.Sprintf("0x%x", addr), Description: desc})
}

// parseAddr parses a hex address, with or without a 0x prefix.
func parseAddr(s string) (uint64, error) {
	x, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse address %q: %v", s, err)
	}
	return x, nil
}

func intParam(c *gin.Context, name string) (int, bool) {
	v := c.Param(name)
	n, err := strconv.Atoi(v)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("failed to parse parameter %s (%q): %v", name, v, err)})
		return 0, false
	}
	return n, true
}

// statusFor maps session errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrNotInitialized), errors.Is(err, session.ErrInvalidTarget):
		return http.StatusUnprocessableEntity
	case errors.Is(err, session.ErrOutOfRange):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrStaleCursor):
		return http.StatusConflict
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, session.ErrUnsupported):
		return http.StatusNotImplemented
	}
	return http.StatusInternalServerError
}

func writeError(c *gin.Context, err error) {
	c.JSON(statusFor(err), errorResponse{Error: err.Error()})
}
