package corefile

import (
	"debug/elf"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/tombergan/heapscope/internal/mmap"
	"github.com/tombergan/heapscope/session"
)

// Thread is an OS thread recorded in the core.
type Thread struct {
	PID    uint64
	Signal int               // signal being delivered when the core was written
	GPRegs map[string]uint64 // general purpose registers, lowercase names

	frames []frame // lazily unwound
}

// Process is a process snapshot read from an ELF core file.
// It implements session.Process.
type Process struct {
	exe     *Executable
	core    *mmap.File
	anon    []*mmap.File // zero-filled memory past the end of file-backed segments
	arch    arch
	mem     dataSegments
	threads []*Thread
	ps      *psinfo
	modules moduleSet
	exeMod  *module
	sysroot string
}

// OpenCore opens the core file at path, produced by a process running exe.
func OpenCore(exe *Executable, path string, opts Options) (_ *Process, err error) {
	core, err := mmap.Open(path)
	if err != nil {
		return nil, err
	}
	p := &Process{exe: exe, core: core, sysroot: opts.SysRoot}
	defer func() {
		if err != nil {
			p.Close()
		}
	}()

	f, err := elf.NewFile(core)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if f.Type != elf.ET_CORE {
		return nil, fmt.Errorf("%s: %w: ELF type %s", path, ErrNotCore, f.Type)
	}
	if p.arch, err = archForELF(f); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if p.arch.GoArch != exe.arch.GoArch {
		return nil, fmt.Errorf("%w: core is %s, executable is %s", ErrArchMismatch, p.arch.GoArch, exe.arch.GoArch)
	}

	if err := readCoreSegments(core, f, &p.mem); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	notes, err := readCoreNotes(f, p.arch)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if len(notes.threads) == 0 {
		return nil, fmt.Errorf("%s: no NT_PRSTATUS notes", path)
	}
	p.threads, p.ps = notes.threads, notes.psinfo

	// Position-independent executables are relocated by the difference
	// between the run-time and link-time entry points.
	if entry, ok := notes.auxv[auxvEntry]; ok && exe.elf.Type == elf.ET_DYN {
		exe.bias = entry - exe.Entry()
	}
	if err := p.loadImageSegments(exe.image, exe.bias); err != nil {
		return nil, err
	}
	p.loadModules(notes)

	logf("opened core %s: pid %d, %d threads, %d segments, %d modules", path, p.ID(), len(p.threads), len(p.mem), len(p.modules.list))
	return p, nil
}

// loadImageSegments fills memory the core did not capture, such as
// read-only text, from the image's PT_LOAD segments.
func (p *Process) loadImageSegments(img *image, bias uint64) error {
	for _, ph := range img.elf.Progs {
		if ph.Type != elf.PT_LOAD || ph.Memsz == 0 {
			continue
		}
		ph := ph
		readable := ph.Flags&elf.PF_R != 0
		executable := ph.Flags&elf.PF_X != 0
		if ph.Filesz > 0 {
			err := p.mem.insert(ph.Vaddr+bias, ph.Filesz, func(addr, size uint64) (dataSegment, error) {
				data, err := img.file.ReadSliceAt(ph.Off+(addr-bias-ph.Vaddr), size)
				if err != nil {
					return dataSegment{}, fmt.Errorf("bad ELF segment %+v in %s: %v", ph, img.path, err)
				}
				return dataSegment{addr: addr, data: data, readable: readable, executable: executable}, nil
			})
			if err != nil {
				return err
			}
		}
		// The rest of the segment is zero-filled, e.g. BSS.
		if ph.Memsz > ph.Filesz {
			err := p.mem.insert(ph.Vaddr+bias+ph.Filesz, ph.Memsz-ph.Filesz, func(addr, size uint64) (dataSegment, error) {
				if int(size) < 0 {
					return dataSegment{}, fmt.Errorf("zero-filled segment too large: %v", size)
				}
				anon, err := mmap.OpenAnonymous(int(size))
				if err != nil {
					return dataSegment{}, err
				}
				p.anon = append(p.anon, anon)
				return dataSegment{addr: addr, data: anon.Bytes(), readable: readable}, nil
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// loadModules builds the module set from NT_FILE. The executable's module
// is the one containing the run-time entry point.
func (p *Process) loadModules(notes *coreNotes) {
	entry := p.exe.Entry() + p.exe.bias
	for _, m := range modulesFromFileNote(notes.files) {
		if err := p.modules.insert(m); err != nil {
			printf("core: %v", err)
			continue
		}
		if m.contains(entry) {
			m.img, m.bias = p.exe.image, p.exe.bias
			p.exeMod = m
		}
	}
	if p.exeMod != nil {
		return
	}
	// No NT_FILE entry for the executable: cover its link range.
	lo, hi := p.exe.linkRange()
	m := &module{path: p.exe.path, start: lo + p.exe.bias, end: hi + p.exe.bias, img: p.exe.image, bias: p.exe.bias}
	if err := p.modules.insert(m); err != nil {
		verbosef("core: executable module: %v", err)
	}
	p.exeMod = m
}

// imageFor returns the module and image containing addr, loading shared
// libraries from disk on first use.
func (p *Process) imageFor(addr uint64) (*module, *image, bool) {
	m := p.modules.findAddr(addr)
	if m == nil {
		if p.exeMod != nil && p.exeMod.contains(addr) {
			return p.exeMod, p.exe.image, true
		}
		return nil, nil, false
	}
	if m.img == nil && m.loadErr == nil {
		m.loadErr = p.loadModule(m)
		if m.loadErr != nil {
			printf("core: cannot load %s: %v", m.path, m.loadErr)
		}
	}
	if m.img == nil {
		return nil, nil, false
	}
	return m, m.img, true
}

func (p *Process) loadModule(m *module) error {
	img, err := openImage(filepath.Join(p.sysroot, m.path))
	if err != nil {
		return err
	}
	if img.arch.GoArch != p.arch.GoArch {
		img.close()
		return fmt.Errorf("%w: %s is %s", ErrArchMismatch, m.path, img.arch.GoArch)
	}
	bias, ok := img.loadBias(m.start, m.offset)
	if !ok {
		img.close()
		return fmt.Errorf("file offset 0x%x is not in a PT_LOAD segment", m.offset)
	}
	m.img, m.bias, m.owned = img, bias, true
	verbosef("core: loaded %s", m)
	return nil
}

// Threads returns the threads recorded in the core.
func (p *Process) Threads() []*Thread {
	return p.threads
}

// Info returns a one-line summary of the process.
func (p *Process) Info() string {
	name := filepath.Base(p.exe.path)
	if p.ps != nil && p.ps.fname != "" {
		name = p.ps.fname
	}
	return fmt.Sprintf("process: pid = %d, state = %s, threads = %d, executable = %s", p.ID(), p.State(), p.ThreadCount(), name)
}

// ID returns the process id.
func (p *Process) ID() int {
	if p.ps != nil && p.ps.pid != 0 {
		return p.ps.pid
	}
	return int(p.threads[0].PID)
}

// State is always StateStopped: a core is a process frozen in time.
func (p *Process) State() session.ProcessState {
	return session.StateStopped
}

func (p *Process) ThreadCount() int {
	return len(p.threads)
}

func (p *Process) FrameCount(thread int) int {
	return len(p.frames(thread))
}

// FramePointer returns the frame pointer register value of a frame.
func (p *Process) FramePointer(thread, frame int) uint64 {
	return p.frames(thread)[frame].fp
}

// PC returns the program counter of a frame.
func (p *Process) PC(thread, frame int) uint64 {
	return p.frames(thread)[frame].pc
}

// ResolveSymbol finds the native function containing a frame's pc.
func (p *Process) ResolveSymbol(thread, frame int) (session.Symbol, bool) {
	pc := p.frames(thread)[frame].pc
	// Return addresses point after the call instruction.
	if frame > 0 && pc > 0 {
		pc--
	}
	m, img, ok := p.imageFor(pc)
	if !ok {
		return session.Symbol{}, false
	}
	s, ok := img.syms.lookupFunc(pc - m.bias)
	if !ok {
		return session.Symbol{}, false
	}
	sym := session.Symbol{
		FunctionName: displayName(s.name),
		ModuleDir:    m.dir(),
		ModuleFile:   m.file(),
	}
	var info PCInfo
	if lookupDWARF(img.dwarf, pc-m.bias, &info) {
		sym.HasSource = true
		sym.SourceDir = info.SourceDir()
		sym.SourceFile = info.SourceFile()
	}
	return sym, true
}

// Close unmaps the core. The executable is not closed.
func (p *Process) Close() error {
	var errs []error
	for _, m := range p.modules.list {
		if m.owned && m.img != nil {
			errs = append(errs, m.img.close())
		}
	}
	for _, a := range p.anon {
		errs = append(errs, a.Close())
	}
	if p.core != nil {
		errs = append(errs, p.core.Close())
	}
	p.modules, p.anon, p.mem = moduleSet{}, nil, nil
	return errors.Join(errs...)
}
