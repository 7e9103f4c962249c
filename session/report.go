package session

import (
	"errors"
	"log"
)

// ProcessSnapshot describes every thread and frame of the process.
type ProcessSnapshot struct {
	PID         int              `json:"pid"`
	State       string           `json:"state"`
	ThreadCount int              `json:"thread_count"`
	Threads     []ThreadSnapshot `json:"threads"`
}

// ThreadSnapshot is one thread of a ProcessSnapshot.
type ThreadSnapshot struct {
	ID         int             `json:"id"`
	FrameCount int             `json:"frame_count"`
	Frames     []FrameSnapshot `json:"frames"`
}

// FrameSnapshot is one frame of a ThreadSnapshot.
type FrameSnapshot struct {
	Kind        string `json:"kind"`
	Description string `json:"description"`
}

// HeapType is one row of HeapTypes.
type HeapType struct {
	Index         int    `json:"index"`
	Name          string `json:"name"`
	InstanceCount int    `json:"instance_count"`
	TotalSize     uint64 `json:"total_size"`
}

// HeapTypes is the result of a census as seen by a host.
type HeapTypes struct {
	Generation uint64     `json:"generation"`
	Types      []HeapType `json:"types"`
}

// ObjectView is an inspected object.
type ObjectView struct {
	Address     uint64 `json:"address"`
	Description string `json:"description"`
}

// Snapshot builds a ProcessSnapshot.
func (s *Session) Snapshot() (ProcessSnapshot, error) {
	if s.process == nil {
		return ProcessSnapshot{}, ErrNotInitialized
	}
	snap := ProcessSnapshot{
		PID:         s.process.ID(),
		State:       s.process.State().String(),
		ThreadCount: s.process.ThreadCount(),
	}
	snap.Threads = make([]ThreadSnapshot, snap.ThreadCount)
	for t := range snap.Threads {
		frames, err := s.Frames(t)
		if err != nil {
			return ProcessSnapshot{}, err
		}
		th := ThreadSnapshot{ID: t, FrameCount: len(frames), Frames: make([]FrameSnapshot, len(frames))}
		for k, f := range frames {
			th.Frames[k] = FrameSnapshot{Kind: f.Kind.String(), Description: f.Description}
		}
		snap.Threads[t] = th
	}
	return snap, nil
}

// HeapTypes runs a census and lists the resulting types. An unavailable heap
// is reported as zero types.
func (s *Session) HeapTypes() (HeapTypes, error) {
	t, err := s.Census()
	if err != nil && !errors.Is(err, ErrUnavailable) {
		return HeapTypes{}, err
	}
	if err != nil {
		log.Printf("session: %v", err)
	}
	return listTypes(t), nil
}

// CurrentHeapTypes lists the types of the latest census without rescanning.
func (s *Session) CurrentHeapTypes() HeapTypes {
	return listTypes(s.types)
}

func listTypes(t *TypeTable) HeapTypes {
	out := HeapTypes{Generation: t.Generation(), Types: make([]HeapType, t.Len())}
	for k := range out.Types {
		out.Types[k] = heapType(k, t.records[k])
	}
	return out
}

// Type describes one type of the current table.
func (s *Session) Type(index int) (HeapType, error) {
	if s.process == nil {
		return HeapType{}, ErrNotInitialized
	}
	r, err := s.types.At(index)
	if err != nil {
		return HeapType{}, err
	}
	return heapType(index, r), nil
}

func heapType(index int, r *TypeRecord) HeapType {
	return HeapType{
		Index:         index,
		Name:          r.Name,
		InstanceCount: r.InstanceCount(),
		TotalSize:     r.TotalSize,
	}
}

// Object inspects addr with DefaultInspectOptions.
func (s *Session) Object(addr uint64) (ObjectView, error) {
	desc, err := s.Inspect(addr, DefaultInspectOptions)
	if err != nil {
		return ObjectView{}, err
	}
	return ObjectView{Address: addr, Description: desc}, nil
}
