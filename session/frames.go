package session

import "fmt"

// FrameKind says how a stack frame was resolved.
type FrameKind int

const (
	// Native frames resolve to a symbol in compiled code.
	Native FrameKind = iota
	// Interpreted frames were recognized by the runtime object model.
	Interpreted
	// Unknown frames resolved neither way.
	Unknown
)

func (k FrameKind) String() string {
	switch k {
	case Native:
		return "native"
	case Interpreted:
		return "interpreted"
	default:
		return "unknown"
	}
}

// Frame is one rendered stack entry.
type Frame struct {
	Kind        FrameKind
	Description string
}

const defaultFrameLabel = "JavaScript"

// classifyFrame decides the kind and description of one frame. When sym is
// nil the frame has no native symbol and inspect is asked for a runtime
// description; inspect may be nil when no object model is loaded.
func classifyFrame(sym *Symbol, inspect func() (string, bool), label string) Frame {
	if sym != nil {
		desc := "Native: " + sym.FunctionName + " [" + sym.ModuleDir + "/" + sym.ModuleFile + "]"
		if sym.HasSource {
			desc += "\n\t [" + sym.SourceDir + ": " + sym.SourceFile + "]"
		}
		return Frame{Kind: Native, Description: desc}
	}

	var (
		desc string
		ok   bool
	)
	if inspect != nil {
		desc, ok = inspect()
	}
	switch {
	case desc != "" && desc[0] == '<':
		return Frame{Kind: Unknown, Description: "Unknown: " + desc}
	case !ok || desc == "":
		return Frame{Kind: Unknown, Description: "???"}
	}
	return Frame{Kind: Interpreted, Description: label + ": " + desc}
}

// FrameCount returns the number of frames on a thread.
func (s *Session) FrameCount(thread int) (int, error) {
	if err := s.checkThread(thread); err != nil {
		return 0, err
	}
	return s.process.FrameCount(thread), nil
}

// Frames renders every frame of a thread, innermost first.
func (s *Session) Frames(thread int) ([]Frame, error) {
	if err := s.checkThread(thread); err != nil {
		return nil, err
	}
	n := s.process.FrameCount(thread)
	frames := make([]Frame, n)
	for k := 0; k < n; k++ {
		frames[k] = s.frame(thread, k)
	}
	return frames, nil
}

// Frame renders a single frame.
func (s *Session) Frame(thread, frame int) (Frame, error) {
	if err := s.checkFrame(thread, frame); err != nil {
		return Frame{}, err
	}
	return s.frame(thread, frame), nil
}

// Disassemble decodes count instructions at a frame's program counter.
func (s *Session) Disassemble(thread, frame, count int) ([]string, error) {
	if err := s.checkFrame(thread, frame); err != nil {
		return nil, err
	}
	d, ok := s.process.(Disassembler)
	if !ok {
		return nil, ErrUnsupported
	}
	return d.Disassemble(thread, frame, count)
}

func (s *Session) frame(thread, frame int) Frame {
	var sym *Symbol
	if x, ok := s.process.ResolveSymbol(thread, frame); ok {
		sym = &x
	}
	var inspect func() (string, bool)
	if s.modelLoaded {
		inspect = func() (string, bool) {
			return s.model.ClassifyFrame(s.process.FramePointer(thread, frame))
		}
	}
	f := classifyFrame(sym, inspect, s.frameLabel())
	verbosef("thread %d frame %d: %s %q", thread, frame, f.Kind, f.Description)
	return f
}

func (s *Session) frameLabel() string {
	if l, ok := s.model.(FrameLabeler); ok {
		if label := l.FrameLabel(); label != "" {
			return label
		}
	}
	return defaultFrameLabel
}

func (s *Session) checkThread(thread int) error {
	if s.process == nil {
		return ErrNotInitialized
	}
	if n := s.process.ThreadCount(); thread < 0 || thread >= n {
		return fmt.Errorf("%w: thread %d, have %d threads", ErrOutOfRange, thread, n)
	}
	return nil
}

func (s *Session) checkFrame(thread, frame int) error {
	if err := s.checkThread(thread); err != nil {
		return err
	}
	if n := s.process.FrameCount(thread); frame < 0 || frame >= n {
		return fmt.Errorf("%w: frame %d, thread %d has %d frames", ErrOutOfRange, frame, thread, n)
	}
	return nil
}
