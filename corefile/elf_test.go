package corefile

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

// Helpers for writing small ELF64 little-endian files.

type testProg struct {
	typ   elf.ProgType
	flags elf.ProgFlag
	vaddr uint64
	data  []byte
	memsz uint64 // 0 means len(data)
}

type testSym struct {
	name  string
	value uint64
	size  uint64
	typ   elf.SymType
}

type testELF struct {
	typ     elf.Type
	machine elf.Machine // 0 means EM_X86_64
	entry   uint64
	progs   []testProg
	syms    []testSym
}

const testPageSize = 0x1000

func writeTestELF(t *testing.T, path string, e testELF) {
	t.Helper()
	le := binary.LittleEndian
	if e.machine == 0 {
		e.machine = elf.EM_X86_64
	}

	const (
		ehsize = 64
		phsize = 56
		shsize = 64
	)
	var body bytes.Buffer
	body.Write(make([]byte, ehsize+phsize*len(e.progs)))

	// Segment contents. File offsets are congruent to vaddr modulo the page size.
	phdrs := make([]elf.Prog64, len(e.progs))
	for k, p := range e.progs {
		off := uint64(body.Len())
		off = (off+testPageSize-1)&^(testPageSize-1) + p.vaddr%testPageSize
		body.Write(make([]byte, off-uint64(body.Len())))
		body.Write(p.data)
		memsz := p.memsz
		if memsz == 0 {
			memsz = uint64(len(p.data))
		}
		phdrs[k] = elf.Prog64{
			Type:   uint32(p.typ),
			Flags:  uint32(p.flags),
			Off:    off,
			Vaddr:  p.vaddr,
			Paddr:  p.vaddr,
			Filesz: uint64(len(p.data)),
			Memsz:  memsz,
			Align:  testPageSize,
		}
	}

	// Symbol table, string tables, and section headers.
	var shoff, shnum, shstrndx uint64
	if len(e.syms) > 0 {
		strtab := []byte{0}
		var symtab bytes.Buffer
		binary.Write(&symtab, le, elf.Sym64{})
		for _, s := range e.syms {
			name := uint32(len(strtab))
			strtab = append(append(strtab, s.name...), 0)
			binary.Write(&symtab, le, elf.Sym64{
				Name:  name,
				Info:  elf.ST_INFO(elf.STB_GLOBAL, s.typ),
				Shndx: uint16(elf.SHN_ABS),
				Value: s.value,
				Size:  s.size,
			})
		}
		shstrtab := []byte("\x00.symtab\x00.strtab\x00.shstrtab\x00")

		align8 := func() {
			for body.Len()%8 != 0 {
				body.WriteByte(0)
			}
		}
		align8()
		symOff := uint64(body.Len())
		body.Write(symtab.Bytes())
		strOff := uint64(body.Len())
		body.Write(strtab)
		shstrOff := uint64(body.Len())
		body.Write(shstrtab)
		align8()

		shoff, shnum, shstrndx = uint64(body.Len()), 4, 3
		sections := []elf.Section64{
			{},
			{Name: 1, Type: uint32(elf.SHT_SYMTAB), Off: symOff, Size: uint64(symtab.Len()), Link: 2, Info: 1, Addralign: 8, Entsize: 24},
			{Name: 9, Type: uint32(elf.SHT_STRTAB), Off: strOff, Size: uint64(len(strtab)), Addralign: 1},
			{Name: 17, Type: uint32(elf.SHT_STRTAB), Off: shstrOff, Size: uint64(len(shstrtab)), Addralign: 1},
		}
		for _, s := range sections {
			binary.Write(&body, le, s)
		}
	}

	out := body.Bytes()
	var hdr bytes.Buffer
	ident := [elf.EI_NIDENT]byte{0x7f, 'E', 'L', 'F', byte(elf.ELFCLASS64), byte(elf.ELFDATA2LSB), byte(elf.EV_CURRENT)}
	binary.Write(&hdr, le, elf.Header64{
		Ident:     ident,
		Type:      uint16(e.typ),
		Machine:   uint16(e.machine),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     e.entry,
		Phoff:     ehsize,
		Shoff:     shoff,
		Ehsize:    ehsize,
		Phentsize: phsize,
		Phnum:     uint16(len(e.progs)),
		Shentsize: shsize,
		Shnum:     uint16(shnum),
		Shstrndx:  uint16(shstrndx),
	})
	for _, ph := range phdrs {
		binary.Write(&hdr, le, ph)
	}
	copy(out, hdr.Bytes())

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		t.Fatal(err)
	}
}

// Note builders for core files.

func coreNote(typ uint32, desc []byte) []byte {
	var b bytes.Buffer
	name := []byte("CORE\x00\x00\x00\x00")
	binary.Write(&b, binary.LittleEndian, elfNote{Namesz: 5, Descsz: uint32(len(desc)), Ntype: typ})
	b.Write(name)
	b.Write(desc)
	for b.Len()%4 != 0 {
		b.WriteByte(0)
	}
	return b.Bytes()
}

func encode(v interface{}) []byte {
	var b bytes.Buffer
	if err := binary.Write(&b, binary.LittleEndian, v); err != nil {
		panic(err)
	}
	return b.Bytes()
}

func prstatusNote(pid uint32, rip, rsp, rbp uint64) []byte {
	return coreNote(elfNtPrstatus, encode(elfLinuxPrstatus64{
		Pid: pid,
		Reg: elfLinuxGPRegs64{Rip: rip, Rsp: rsp, Rbp: rbp},
	}))
}

func psinfoNote(pid uint32, fname string) []byte {
	ps := elfLinuxPsinfo64{Pid: pid, Sname: 'S'}
	copy(ps.Fname[:], fname)
	copy(ps.Psargs[:], "./"+fname+" -v")
	return coreNote(elfNtPrpsinfo, encode(ps))
}

func auxvNote(entry uint64) []byte {
	return coreNote(elfNtAuxv, encode([]uint64{auxvEntry, entry, auxvNull, 0}))
}

func fileNote(files ...fileMapping) []byte {
	words := []uint64{uint64(len(files)), testPageSize}
	for _, f := range files {
		words = append(words, f.start, f.end, f.offset/testPageSize)
	}
	desc := encode(words)
	for _, f := range files {
		desc = append(append(desc, f.path...), 0)
	}
	return coreNote(elfNtFile, desc)
}

func words(ws ...uint64) []byte {
	return encode(ws)
}
