package corefile

import (
	"debug/dwarf"
	"fmt"
	"path/filepath"
)

// PCInfo gives information about a program counter.
type PCInfo struct {
	PC       uint64 // program counter value, as seen by the process
	Function string // demangled name of the function containing PC, if known
	Module   string // path of the image containing PC

	// Compile unit containing PC, from DWARF.
	CompDir string
	CUName  string

	File string // path to the file containing the line that compiled to PC
	Line int    // line number in File that compiled to PC
}

// SourceDir and SourceFile split the compile unit's primary source path.
func (info *PCInfo) SourceDir() string  { return filepath.Dir(info.cuPath()) }
func (info *PCInfo) SourceFile() string { return filepath.Base(info.cuPath()) }

func (info *PCInfo) cuPath() string {
	if info.CompDir != "" && !filepath.IsAbs(info.CUName) {
		return filepath.Join(info.CompDir, info.CUName)
	}
	return info.CUName
}

// lookupDWARF fills the DWARF-derived fields of info. pc is a link-time
// address in d's image. Returns false if d has no compile unit for pc.
func lookupDWARF(d *dwarf.Data, pc uint64, info *PCInfo) bool {
	if d == nil {
		return false
	}
	r := d.Reader()
	cu, err := r.SeekPC(pc)
	if err != nil {
		verbosef("DWARF: no compile unit for pc 0x%x: %v", pc, err)
		return false
	}
	info.CUName, _ = cu.Val(dwarf.AttrName).(string)
	info.CompDir, _ = cu.Val(dwarf.AttrCompDir).(string)

	lr, err := d.LineReader(cu)
	if err != nil || lr == nil {
		return info.CUName != ""
	}
	var le dwarf.LineEntry
	if err := lr.SeekPC(pc, &le); err == nil && le.File != nil {
		info.File = le.File.Name
		info.Line = le.Line
	}
	return info.CUName != ""
}

// PCInfo returns information about the given program counter.
func (p *Process) PCInfo(pc uint64) (*PCInfo, error) {
	m, img, ok := p.imageFor(pc)
	if !ok {
		return nil, fmt.Errorf("pc 0x%x is not in a known image", pc)
	}
	info := &PCInfo{PC: pc, Module: img.path}
	if s, ok := img.syms.lookupFunc(pc - m.bias); ok {
		info.Function = displayName(s.name)
	}
	lookupDWARF(img.dwarf, pc-m.bias, info)
	if info.Function == "" && info.CUName == "" {
		return nil, fmt.Errorf("no symbol or DWARF information about pc 0x%x in %s", pc, img.path)
	}
	return info, nil
}
