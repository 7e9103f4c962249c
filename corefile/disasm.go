package corefile

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// Disassemble decodes count instructions starting at a frame's pc, in GNU syntax.
func (p *Process) Disassemble(thread, frame, count int) ([]string, error) {
	pc := p.frames(thread)[frame].pc
	seg, ok := p.mem.findSegment(pc)
	if !ok || !seg.readable {
		return nil, fmt.Errorf("pc 0x%x is not in readable memory", pc)
	}
	code, _ := seg.suffix(pc)

	mode := 64
	if p.arch.PointerSize == 4 {
		mode = 32
	}
	var out []string
	addr, data := pc, code.data
	for k := 0; k < count && len(data) > 0; k++ {
		inst, err := x86asm.Decode(data, mode)
		if err != nil {
			out = append(out, fmt.Sprintf("0x%x: (bad)", addr))
			addr, data = addr+1, data[1:]
			continue
		}
		out = append(out, fmt.Sprintf("0x%x: %s", addr, x86asm.GNUSyntax(inst, addr, p.symbolize)))
		addr, data = addr+uint64(inst.Len), data[inst.Len:]
	}
	return out, nil
}

// symbolize names call and jump targets for x86asm.
func (p *Process) symbolize(addr uint64) (string, uint64) {
	m, img, ok := p.imageFor(addr)
	if !ok {
		return "", 0
	}
	s, ok := img.syms.lookupFunc(addr - m.bias)
	if !ok {
		return "", 0
	}
	return displayName(s.name), s.value + m.bias
}
