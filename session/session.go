// Package session ties together postmortem inspection of a process snapshot:
// thread and stack enumeration, a heap census grouped by runtime type,
// incremental paging of each type's instances, and object inspection.
//
// The snapshot format and the runtime's object layout are supplied by a
// Backend and an ObjectModel. A Session is single-threaded; callers that
// share one must serialize access.
package session

import (
	"errors"
	"fmt"
	"io"
	"log"
)

// Session is a loaded snapshot plus the result of its latest census.
type Session struct {
	backend Backend
	model   ObjectModel

	target      Target
	process     Process
	modelLoaded bool

	types      *TypeTable
	cursors    *CursorTable
	generation uint64
}

// New returns an uninitialized Session. model may be nil, in which case
// runtime frames are unknown and the census is unavailable.
func New(backend Backend, model ObjectModel) *Session {
	return &Session{backend: backend, model: model}
}

// Init loads executablePath and the snapshot at snapshotPath, then loads the
// object model from the target. Init may be called again to retarget the
// Session; every type index and cursor issued before becomes stale.
//
// On failure the Session is left uninitialized.
func (s *Session) Init(snapshotPath, executablePath string) error {
	s.teardown()

	target, err := s.backend.LoadTarget(executablePath)
	if err != nil {
		return fmt.Errorf("%w: loading executable %s: %w", ErrInvalidTarget, executablePath, err)
	}
	process, err := s.backend.LoadSnapshot(target, snapshotPath)
	if err != nil {
		target.Close()
		return fmt.Errorf("%w: loading snapshot %s: %w", ErrInvalidTarget, snapshotPath, err)
	}
	s.target, s.process = target, process

	if s.model != nil {
		if err := s.model.Load(target); err != nil {
			log.Printf("session: runtime object model not loaded: %v", err)
		} else {
			s.modelLoaded = true
		}
	}
	logf("session: loaded %s (%s), %d threads, generation %d", snapshotPath, executablePath, process.ThreadCount(), s.generation)
	return nil
}

// Close releases the backend handles and, when it implements io.Closer, the
// object model. The Session may be reused with Init.
func (s *Session) Close() error {
	return s.teardown()
}

func (s *Session) teardown() error {
	var errs []error
	if s.process != nil {
		errs = append(errs, s.process.Close())
	}
	if s.target != nil {
		errs = append(errs, s.target.Close())
	}
	if c, ok := s.model.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	s.process, s.target, s.modelLoaded = nil, nil, false
	s.replaceTypes(nil)
	return errors.Join(errs...)
}

// replaceTypes installs a new census result and invalidates all cursors.
func (s *Session) replaceTypes(t *TypeTable) {
	if s.cursors != nil {
		s.cursors.invalidate()
	}
	s.generation++
	if t == nil {
		t = &TypeTable{}
	}
	t.generation = s.generation
	s.types = t
	s.cursors = AllocateCursors(t)
}

// Initialized reports whether the last Init succeeded.
func (s *Session) Initialized() bool {
	return s.process != nil
}

// Generation identifies the current type table. It changes on every Init
// and every census.
func (s *Session) Generation() uint64 {
	return s.generation
}

// ProcessInfo returns a one-line description of the process, or "" before Init.
func (s *Session) ProcessInfo() string {
	if s.process == nil {
		return ""
	}
	return s.process.Info()
}

// ProcessID returns the process id, or 0 before Init.
func (s *Session) ProcessID() int {
	if s.process == nil {
		return 0
	}
	return s.process.ID()
}

// ProcessState returns the process state, or StateInvalid before Init.
func (s *Session) ProcessState() ProcessState {
	if s.process == nil {
		return StateInvalid
	}
	return s.process.State()
}

// ThreadCount returns the number of threads, or 0 before Init.
func (s *Session) ThreadCount() int {
	if s.process == nil {
		return 0
	}
	return s.process.ThreadCount()
}

// Census scans the heap and replaces the type table. On ErrUnavailable the
// table is replaced by an empty one, so the caller sees zero types and may
// retry later.
func (s *Session) Census() (*TypeTable, error) {
	if s.process == nil {
		return nil, ErrNotInitialized
	}
	if !s.modelLoaded {
		s.replaceTypes(nil)
		return s.types, fmt.Errorf("%w: no runtime object model loaded", ErrUnavailable)
	}
	t, err := Scan(s.model)
	if err != nil {
		s.replaceTypes(nil)
		return s.types, err
	}
	s.replaceTypes(t)
	return t, nil
}

// Types returns the current type table. It is empty until the first Census.
func (s *Session) Types() *TypeTable {
	return s.types
}

// Cursors returns the cursors of the current type table.
func (s *Session) Cursors() *CursorTable {
	return s.cursors
}

// TypeCount returns the number of types in the current table.
func (s *Session) TypeCount() int {
	return s.types.Len()
}

// NextInstance advances the cursor of a type in the current table.
func (s *Session) NextInstance(typeIndex int) (uint64, bool, error) {
	if s.process == nil {
		return 0, false, ErrNotInitialized
	}
	return s.cursors.Next(typeIndex)
}

// NextInstanceAt is like NextInstance, but fails with ErrStaleCursor if
// generation is not the current one.
func (s *Session) NextInstanceAt(generation uint64, typeIndex int) (uint64, bool, error) {
	if s.process == nil {
		return 0, false, ErrNotInitialized
	}
	if generation != s.generation {
		return 0, false, fmt.Errorf("%w: generation %d, current is %d", ErrStaleCursor, generation, s.generation)
	}
	return s.cursors.Next(typeIndex)
}

// Inspect renders the object at addr. A non-positive opts.MaxElements is
// replaced by the default.
func (s *Session) Inspect(addr uint64, opts InspectOptions) (string, error) {
	if s.process == nil {
		return "", ErrNotInitialized
	}
	if !s.modelLoaded {
		return "", fmt.Errorf("%w: no runtime object model loaded", ErrUnavailable)
	}
	if opts.MaxElements <= 0 {
		opts.MaxElements = DefaultInspectOptions.MaxElements
	}
	desc, ok := s.model.Inspect(addr, opts)
	if !ok {
		return "", fmt.Errorf("%w: 0x%x", ErrNotFound, addr)
	}
	return desc, nil
}
