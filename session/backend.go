package session

import "encoding/binary"

// Backend opens captured process images.
type Backend interface {
	// LoadTarget loads symbol and image information for an executable.
	LoadTarget(executable string) (Target, error)
	// LoadSnapshot loads a snapshot of a process that ran target.
	LoadSnapshot(target Target, path string) (Process, error)
}

// Target is a loaded executable image.
type Target interface {
	Path() string
	PointerSize() int
	ByteOrder() binary.ByteOrder
	// SymbolAt returns the name of the symbol whose value is exactly addr.
	SymbolAt(addr uint64) (string, bool)
	Close() error
}

// Process is a loaded process snapshot. Threads and frames are indexed from
// zero; frame 0 is the innermost frame. Callers guarantee indices are in range.
type Process interface {
	Info() string
	ID() int
	State() ProcessState
	ThreadCount() int
	FrameCount(thread int) int
	// ResolveSymbol reports the native symbol for a frame, if there is one.
	ResolveSymbol(thread, frame int) (Symbol, bool)
	FramePointer(thread, frame int) uint64
	Close() error
}

// Disassembler is implemented by processes that can decode native code.
type Disassembler interface {
	Disassemble(thread, frame, count int) ([]string, error)
}

// Symbol describes a native function. Unknown fields are empty.
type Symbol struct {
	FunctionName string
	ModuleDir    string
	ModuleFile   string

	// HasSource is set when compile-unit information was found.
	HasSource  bool
	SourceDir  string
	SourceFile string
}

// TypeKey identifies a runtime type within one census.
type TypeKey string

// InspectOptions bounds object rendering.
type InspectOptions struct {
	Detailed bool
	// MaxElements caps the words and referrers listed. Zero or negative
	// means DefaultInspectOptions.MaxElements.
	MaxElements int
}

// DefaultInspectOptions are used by Session.Object.
var DefaultInspectOptions = InspectOptions{Detailed: true, MaxElements: 16}

// ObjectModel decodes the object layout of the runtime inside a snapshot.
type ObjectModel interface {
	// Load reads runtime layout information from a loaded target.
	Load(target Target) error
	// ClassifyFrame describes the runtime frame whose frame pointer is fp.
	// A description starting with '<' marks a frame the model recognized
	// but could not name.
	ClassifyFrame(fp uint64) (string, bool)
	// WalkHeap calls fn for the base address of each live object until
	// fn returns false. It fails if the heap cannot be walked at all.
	WalkHeap(fn func(addr uint64) bool) error
	ClassifyObject(addr uint64) (key TypeKey, name string, size uint64)
	Inspect(addr uint64, opts InspectOptions) (string, bool)
}

// FrameLabeler is implemented by models whose runtime frames are not
// conventionally called JavaScript frames.
type FrameLabeler interface {
	FrameLabel() string
}

// ProcessState is the run state of an inspected process.
type ProcessState int

const (
	StateInvalid ProcessState = iota
	StateUnloaded
	StateConnected
	StateAttaching
	StateLaunching
	StateStopped
	StateRunning
	StateStepping
	StateCrashed
	StateDetached
	StateExited
	StateSuspended
	StateUnknown
)

var stateNames = [...]string{
	StateInvalid:   "invalid",
	StateUnloaded:  "unloaded",
	StateConnected: "connected",
	StateAttaching: "attaching",
	StateLaunching: "launching",
	StateStopped:   "stopped",
	StateRunning:   "running",
	StateStepping:  "stepping",
	StateCrashed:   "crashed",
	StateDetached:  "detached",
	StateExited:    "exited",
	StateSuspended: "suspended",
	StateUnknown:   "unknown",
}

func (s ProcessState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}
