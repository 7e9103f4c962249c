package corefile

import (
	"bytes"
	"cmp"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"
	"reflect"
	"slices"
	"strings"

	"github.com/tombergan/heapscope/internal/mmap"
)

// readCoreSegments maps the dumped part of every PT_LOAD segment of a core
// into mem. Adjacent fully-dumped segments with the same permissions are
// coalesced first.
func readCoreSegments(core *mmap.File, f *elf.File, mem *dataSegments) error {
	var loads []elf.ProgHeader
	for _, ph := range f.Progs {
		verbosef("core PT header: %#v", ph.ProgHeader)
		if ph.Type != elf.PT_LOAD || ph.Memsz == 0 {
			continue
		}
		if ph.Filesz > ph.Memsz {
			return fmt.Errorf("core segment at 0x%x has filesz %d > memsz %d", ph.Vaddr, ph.Filesz, ph.Memsz)
		}
		loads = append(loads, ph.ProgHeader)
	}
	slices.SortFunc(loads, func(x, y elf.ProgHeader) int { return cmp.Compare(x.Vaddr, y.Vaddr) })
	loads = mergeLoads(loads)

	// Filesz < Memsz happens for file mappings the kernel did not dump;
	// those bytes are filled in from the mapped files later.
	for _, ph := range loads {
		if ph.Filesz == 0 {
			continue
		}
		err := mem.insert(ph.Vaddr, ph.Filesz, func(addr, size uint64) (dataSegment, error) {
			data, err := core.ReadSliceAt(ph.Off+addr-ph.Vaddr, size)
			if err != nil {
				return dataSegment{}, fmt.Errorf("reading core segment at 0x%x: %w", addr, err)
			}
			return dataSegment{
				addr:       addr,
				data:       data,
				readable:   ph.Flags&elf.PF_R != 0,
				executable: ph.Flags&elf.PF_X != 0,
			}, nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// mergeLoads coalesces sorted headers that are contiguous both in memory
// and in the file.
func mergeLoads(loads []elf.ProgHeader) []elf.ProgHeader {
	const perms = elf.PF_R | elf.PF_X
	out := loads[:0]
	for _, ph := range loads {
		if n := len(out); n > 0 {
			last := &out[n-1]
			if last.Flags&perms == ph.Flags&perms && last.Filesz == last.Memsz &&
				last.Vaddr+last.Memsz == ph.Vaddr && last.Off+last.Filesz == ph.Off {
				verbosef("merging core segments 0x%x and 0x%x", last.Vaddr, ph.Vaddr)
				last.Memsz += ph.Memsz
				last.Filesz += ph.Filesz
				continue
			}
		}
		out = append(out, ph)
	}
	return out
}

// Parsing ELF notes.
// TODO: currently only supporting Linux note structs

// See /usr/include/linux/elf.h.
const (
	elfNtPrstatus = 1
	elfNtPrpsinfo = 3
	elfNtAuxv     = 6
	elfNtFile     = 0x46494c45 // "FILE"

	auxvNull  = 0
	auxvEntry = 9
)

type elfNote struct {
	Namesz uint32
	Descsz uint32
	Ntype  uint32
}

// See /usr/include/linux/elfcore.h.
type elfLinuxPsinfo32 struct {
	State  uint8 // numeric process state
	Sname  byte  // process state as a character
	Zombie uint8
	Nice   int8
	Flag   uint32
	Uid    uint16
	Gid    uint16
	Pid    uint32
	Ppid   uint32
	Pgrp   uint32
	Sid    uint32
	Fname  [16]byte // file name, truncated, usually no directory
	Psargs [80]byte // executable args, truncated
}

type elfLinuxPsinfo64 struct {
	State  uint8 // numeric process state
	Sname  byte  // process state as a character
	Zombie uint8
	Nice   int8
	_      uint32
	Flag   uint64
	Uid    uint32
	Gid    uint32
	Pid    uint32
	Ppid   uint32
	Pgrp   uint32
	Sid    uint32
	Fname  [16]byte // file name, truncated, usually no directory
	Psargs [80]byte // executable args, truncated
}

type elfLinuxSiginfo struct {
	Signo int32
	Code  int32
	Errno int32
}

type elfLinuxTimeval32 struct {
	Sec  int32
	Usec int32
}

type elfLinuxTimeval64 struct {
	Sec  int64
	Usec int64
}

type elfLinuxPrstatus32 struct {
	Siginfo elfLinuxSiginfo // info about the current signal
	Cursig  uint16          // current signal
	_       uint16
	Sigpend uint32 // set of pending signals
	Sighold uint32 // set of held signals
	Pid     uint32
	Ppid    uint32
	Pgrp    uint32
	Sid     uint32
	Utime   elfLinuxTimeval32 // user time
	Stime   elfLinuxTimeval32 // system time
	Cutime  elfLinuxTimeval32 // cumulative user time
	Cstime  elfLinuxTimeval32 // cumulative system time
	Reg     elfLinuxGPRegs32  // GP registers
	Fpvalid int32
}

type elfLinuxPrstatus64 struct {
	Siginfo elfLinuxSiginfo // info about the current signal
	Cursig  uint16          // current signal
	_       uint16
	Sigpend uint64 // set of pending signals
	Sighold uint64 // set of held signals
	Pid     uint32
	Ppid    uint32
	Pgrp    uint32
	Sid     uint32
	Utime   elfLinuxTimeval64 // user time
	Stime   elfLinuxTimeval64 // system time
	Cutime  elfLinuxTimeval64 // cumulative user time
	Cstime  elfLinuxTimeval64 // cumulative system time
	Reg     elfLinuxGPRegs64  // GP registers
	Fpvalid int32
	_       int32
}

// See linux's arch/x86/include/uapi/asm/ptrace.h.
type elfLinuxGPRegs64 struct {
	R15      uint64
	R14      uint64
	R13      uint64
	R12      uint64
	Rbp      uint64
	Rbx      uint64
	R11      uint64
	R10      uint64
	R9       uint64
	R8       uint64
	Rax      uint64
	Rcx      uint64
	Rdx      uint64
	Rsi      uint64
	Rdi      uint64
	Orig_rax uint64
	Rip      uint64
	Cs       uint64
	Rflags   uint64
	Rsp      uint64
	Ss       uint64
	Fs_base  uint64
	Gs_base  uint64
	Ds       uint64
	Es       uint64
	Fs       uint64
	Gs       uint64
}

type elfLinuxGPRegs32 struct {
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
	Esi      uint32
	Edi      uint32
	Ebp      uint32
	Eax      uint32
	Ds       uint32
	Es       uint32
	Fs       uint32
	Gs       uint32
	Orig_eax uint32
	Eip      uint32
	Cs       uint32
	Eflags   uint32
	Esp      uint32
	Ss       uint32
}

// psinfo summarizes NT_PRPSINFO.
type psinfo struct {
	pid   int
	state byte
	fname string
	args  string
}

// fileMapping is one NT_FILE entry.
type fileMapping struct {
	start, end uint64
	offset     uint64 // in bytes
	path       string
}

// coreNotes collects the PT_NOTE contents of a core file.
type coreNotes struct {
	threads []*Thread
	psinfo  *psinfo
	auxv    map[uint64]uint64
	files   []fileMapping
}

func readCoreNotes(f *elf.File, a arch) (*coreNotes, error) {
	notes := &coreNotes{auxv: map[uint64]uint64{}}
	for _, ph := range f.Progs {
		if ph.Type == elf.PT_NOTE {
			if err := notes.read(ph, f.Class, a); err != nil {
				return nil, err
			}
		}
	}
	verbosef("core notes: %d threads, %d file mappings", len(notes.threads), len(notes.files))
	return notes, nil
}

// align4 rounds n up to the 4-byte note alignment.
func align4(n uint32) uint32 { return (n + 3) &^ 3 }

func (notes *coreNotes) read(ph *elf.Prog, class elf.Class, a arch) error {
	r := ph.Open()
	for {
		var note elfNote
		switch err := binary.Read(r, a.ByteOrder, &note); {
		case err == io.EOF:
			return nil
		case err != nil:
			return fmt.Errorf("PT_NOTE at offset %d: %w", ph.Off, err)
		}
		note.Namesz, note.Descsz = align4(note.Namesz), align4(note.Descsz)
		verbosef("core note: type 0x%x, desc %d bytes", note.Ntype, note.Descsz)
		if err := skip(r, int64(note.Namesz)); err != nil {
			return fmt.Errorf("PT_NOTE at offset %d: note name: %w", ph.Off, err)
		}

		var err error
		switch note.Ntype {
		case elfNtPrstatus:
			var t *Thread
			if t, err = readPrstatus(note, r, class, a); err == nil {
				notes.threads = append(notes.threads, t)
			}
		case elfNtPrpsinfo:
			notes.psinfo, err = readPsinfo(note, r, class, a)
		case elfNtAuxv:
			var desc []byte
			if desc, err = readDesc(note, r); err == nil {
				readAuxv(desc, a, notes.auxv)
			}
		case elfNtFile:
			var desc []byte
			if desc, err = readDesc(note, r); err == nil {
				notes.files, err = readFileNote(desc, a)
			}
		default:
			err = skip(r, int64(note.Descsz))
		}
		if err != nil {
			return err
		}
	}
}

func skip(r io.Seeker, n int64) error {
	_, err := r.Seek(n, io.SeekCurrent)
	return err
}

func readDesc(note elfNote, r io.Reader) ([]byte, error) {
	desc := make([]byte, note.Descsz)
	if _, err := io.ReadFull(r, desc); err != nil {
		return nil, fmt.Errorf("note type 0x%x: %w", note.Ntype, err)
	}
	return desc, nil
}

func readPrstatus(note elfNote, r io.ReadSeeker, class elf.Class, a arch) (*Thread, error) {
	var (
		pid    uint32
		signal uint16
		regs   reflect.Value
	)
	switch class {
	case elf.ELFCLASS32:
		var prstatus elfLinuxPrstatus32
		if err := decodeDesc(note, r, a, &prstatus, "prstatus32"); err != nil {
			return nil, err
		}
		pid, signal, regs = prstatus.Pid, prstatus.Cursig, reflect.ValueOf(prstatus.Reg)
	default:
		var prstatus elfLinuxPrstatus64
		if err := decodeDesc(note, r, a, &prstatus, "prstatus64"); err != nil {
			return nil, err
		}
		pid, signal, regs = prstatus.Pid, prstatus.Cursig, reflect.ValueOf(prstatus.Reg)
	}
	t := &Thread{
		PID:    uint64(pid),
		Signal: int(signal),
		GPRegs: map[string]uint64{},
	}
	for i := 0; i < regs.NumField(); i++ {
		t.GPRegs[strings.ToLower(regs.Type().Field(i).Name)] = regs.Field(i).Uint()
	}
	verbosef("NT_PRSTATUS: thread %d, signal %d", t.PID, t.Signal)
	return t, nil
}

func readPsinfo(note elfNote, r io.ReadSeeker, class elf.Class, a arch) (*psinfo, error) {
	var (
		ps     psinfo
		fname  []byte
		psargs []byte
	)
	switch class {
	case elf.ELFCLASS32:
		var raw elfLinuxPsinfo32
		if err := decodeDesc(note, r, a, &raw, "psinfo32"); err != nil {
			return nil, err
		}
		ps.pid, ps.state = int(raw.Pid), raw.Sname
		fname, psargs = raw.Fname[:], raw.Psargs[:]
	default:
		var raw elfLinuxPsinfo64
		if err := decodeDesc(note, r, a, &raw, "psinfo64"); err != nil {
			return nil, err
		}
		ps.pid, ps.state = int(raw.Pid), raw.Sname
		fname, psargs = raw.Fname[:], raw.Psargs[:]
	}
	ps.fname = cString(fname)
	ps.args = strings.TrimSpace(cString(psargs))
	verbosef("NT_PRPSINFO: %+v", ps)
	return &ps, nil
}

func cString(b []byte) string {
	if k := bytes.IndexByte(b, 0); k >= 0 {
		return string(b[:k])
	}
	return string(b)
}

func readAuxv(desc []byte, a arch, auxv map[uint64]uint64) {
	w := a.PointerSize
	for off := 0; off+2*w <= len(desc); off += 2 * w {
		key, val := a.Uint(desc[off:]), a.Uint(desc[off+w:])
		if key == auxvNull {
			return
		}
		auxv[key] = val
	}
}

// readFileNote decodes NT_FILE: a count and page size, count (start, end,
// page offset) triples, then count NUL-terminated paths.
func readFileNote(desc []byte, a arch) ([]fileMapping, error) {
	w := a.PointerSize
	if len(desc) < 2*w {
		return nil, fmt.Errorf("NT_FILE note too short: %d bytes", len(desc))
	}
	count, pageSize := a.Uint(desc), a.Uint(desc[w:])
	off := 2 * w
	if count > uint64(len(desc)) || off+int(count)*3*w > len(desc) {
		return nil, fmt.Errorf("NT_FILE note has %d entries but only %d bytes", count, len(desc))
	}
	files := make([]fileMapping, count)
	for k := range files {
		files[k].start = a.Uint(desc[off:])
		files[k].end = a.Uint(desc[off+w:])
		files[k].offset = a.Uint(desc[off+2*w:]) * pageSize
		off += 3 * w
	}
	names := bytes.Split(desc[off:], []byte{0})
	for k := range files {
		if k < len(names) {
			files[k].path = string(names[k])
		}
	}
	return files, nil
}

// decodeDesc decodes a fixed-layout note descriptor into desc and skips
// whatever padding the kernel appended.
func decodeDesc(note elfNote, r io.ReadSeeker, a arch, desc any, what string) error {
	if err := binary.Read(r, a.ByteOrder, desc); err != nil {
		return fmt.Errorf("decoding %s note: %w", what, err)
	}
	if extra := int64(note.Descsz) - int64(binary.Size(desc)); extra > 0 {
		if err := skip(r, extra); err != nil {
			return fmt.Errorf("%s note padding: %w", what, err)
		}
	}
	return nil
}
