package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/tombergan/heapscope/session"
)

// termWidth returns the width of w if it is a terminal, else 80.
func termWidth(w io.Writer) int {
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		if width, _, err := term.GetSize(int(f.Fd())); err == nil && width > 0 {
			return width
		}
	}
	return 80
}

// ruler writes a section header centered on a line of '='.
func ruler(w io.Writer, title string) {
	width := termWidth(w)
	pad := (width - len(title) - 2) / 2
	if pad < 3 {
		pad = 3
	}
	fmt.Fprintf(w, "%s %s %s\n", strings.Repeat("=", pad), title, strings.Repeat("=", pad))
}

// report prints everything known about a session: the process, every
// thread's frames, the heap census, and the first instance of the most
// common type.
func report(w io.Writer, s *session.Session) error {
	ruler(w, "Process Info")
	fmt.Fprintln(w, s.ProcessInfo())

	ruler(w, "Process Snapshot")
	snap, err := s.Snapshot()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "pid %d, state %s, %d threads\n", snap.PID, snap.State, snap.ThreadCount)

	ruler(w, "Heap Types")
	types, err := s.HeapTypes()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "generation %d, %d types\n", types.Generation, len(types.Types))

	ruler(w, "Threads & Frames")
	fmt.Fprintf(w, "Thread count %d\n", s.ThreadCount())
	for t := 0; t < s.ThreadCount(); t++ {
		if err := printFrames(w, s, t); err != nil {
			return err
		}
	}

	ruler(w, "Types")
	printTypes(w, types.Types)

	ruler(w, "Objects")
	if len(types.Types) == 0 {
		fmt.Fprintln(w, "no heap types")
		return nil
	}
	addr, ok, err := s.NextInstance(0)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintln(w, "type 0 has no instances")
		return nil
	}
	fmt.Fprintf(w, "Type instance of type 0: 0x%x\n", addr)
	return printObject(w, s, addr)
}

func printFrames(w io.Writer, s *session.Session, thread int) error {
	frames, err := s.Frames(thread)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "  Thread %d has %d frames:\n", thread, len(frames))
	for k, f := range frames {
		fmt.Fprintf(w, "    #%d %s\n", k, f.Description)
	}
	return nil
}

func printTypes(w io.Writer, types []session.HeapType) {
	fmt.Fprintf(w, "Type count %d\n", len(types))
	for _, t := range types {
		fmt.Fprintf(w, "  #%d %s: %d instances, total size: %d\n", t.Index, t.Name, t.InstanceCount, t.TotalSize)
	}
}

func printObject(w io.Writer, s *session.Session, addr uint64) error {
	view, err := s.Object(addr)
	if err != nil {
		return err
	}
	fmt.Fprint(w, view.Description)
	if !strings.HasSuffix(view.Description, "\n") {
		fmt.Fprintln(w)
	}
	return nil
}

// findInstances lists every instance of the types named name, the way
// a checker would flag suspicious objects, e.g. unclosed net/http.body values.
func findInstances(w io.Writer, s *session.Session, name string) (int, error) {
	t := s.Types()
	found := 0
	for k := 0; k < t.Len(); k++ {
		rec, err := t.At(k)
		if err != nil {
			return found, err
		}
		if rec.Name != name {
			continue
		}
		for _, addr := range rec.Instances() {
			fmt.Fprintf(w, "found %s at 0x%x\n", name, addr)
			found++
		}
	}
	return found, nil
}
