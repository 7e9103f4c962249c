package corefile

// maxFrames bounds unwinding of corrupt or cyclic frame chains.
const maxFrames = 1024

type frame struct {
	pc, sp, fp uint64
}

// frames returns the unwound stack of a thread, innermost first.
func (p *Process) frames(thread int) []frame {
	t := p.threads[thread]
	if t.frames == nil {
		t.frames = p.unwind(t)
	}
	return t.frames
}

// unwind follows the saved frame pointer chain: at fp the caller's frame
// pointer is stored, followed by the return address. Unwinding stops at a
// zero, unreadable, or non-increasing frame pointer.
func (p *Process) unwind(t *Thread) []frame {
	a := p.arch
	ptr := uint64(a.PointerSize)
	frames := []frame{{
		pc: t.GPRegs[a.pcReg],
		sp: t.GPRegs[a.spReg],
		fp: t.GPRegs[a.fpReg],
	}}
	for len(frames) < maxFrames {
		fp := frames[len(frames)-1].fp
		if fp == 0 {
			break
		}
		callerFP, ok1 := p.mem.readPtr(a, fp)
		ret, ok2 := p.mem.readPtr(a, fp+ptr)
		if !ok1 || !ok2 {
			verbosef("unwind: thread %d: frame pointer 0x%x is unreadable", t.PID, fp)
			break
		}
		if ret == 0 {
			break
		}
		frames = append(frames, frame{pc: ret, sp: fp + 2*ptr, fp: callerFP})
		if callerFP != 0 && callerFP <= fp {
			verbosef("unwind: thread %d: frame pointer 0x%x does not increase from 0x%x", t.PID, callerFP, fp)
			break
		}
	}
	verbosef("unwind: thread %d: %d frames", t.PID, len(frames))
	return frames
}
