package corefile

import (
	"fmt"

	"github.com/tombergan/heapscope/session"
)

// Options configures a Backend.
type Options struct {
	// SysRoot is prepended to the paths of shared libraries named in a core,
	// for inspecting cores from another machine.
	SysRoot string
}

// Backend opens ELF executables and core files. It implements session.Backend.
type Backend struct {
	opts Options
}

// NewBackend returns a Backend.
func NewBackend(opts Options) *Backend {
	return &Backend{opts: opts}
}

func (b *Backend) LoadTarget(executable string) (session.Target, error) {
	exe, err := OpenExecutable(executable)
	if err != nil {
		return nil, err
	}
	return exe, nil
}

func (b *Backend) LoadSnapshot(target session.Target, path string) (session.Process, error) {
	exe, ok := target.(*Executable)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrWrongTarget, target)
	}
	p, err := OpenCore(exe, path, b.opts)
	if err != nil {
		return nil, err
	}
	return p, nil
}
