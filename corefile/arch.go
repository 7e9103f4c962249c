package corefile

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
)

// arch describes the machine a core was produced on.
type arch struct {
	GoArch      string
	PointerSize int
	ByteOrder   binary.ByteOrder

	// Names of the registers holding the pc, sp, and frame pointer,
	// as they appear in Thread.GPRegs.
	pcReg, spReg, fpReg string
}

var (
	archAMD64 = arch{GoArch: "amd64", PointerSize: 8, ByteOrder: binary.LittleEndian, pcReg: "rip", spReg: "rsp", fpReg: "rbp"}
	arch386   = arch{GoArch: "386", PointerSize: 4, ByteOrder: binary.LittleEndian, pcReg: "eip", spReg: "esp", fpReg: "ebp"}
)

func archForELF(f *elf.File) (arch, error) {
	switch f.Machine {
	case elf.EM_386:
		if f.Class == elf.ELFCLASS32 {
			return arch386, nil
		}
		return archAMD64, nil
	case elf.EM_X86_64:
		return archAMD64, nil
	default:
		// TODO: support elf.EM_AARCH64 once frame walking knows about the link register.
		return arch{}, fmt.Errorf("unsupported ELF machine type %s", f.Machine)
	}
}

// Uint reads a pointer-sized unsigned integer.
func (a arch) Uint(b []byte) uint64 {
	if a.PointerSize == 4 {
		return uint64(a.ByteOrder.Uint32(b))
	}
	return a.ByteOrder.Uint64(b)
}
