package stackwalk

import (
	"github.com/crashwalk/crashwalk/pkg/cpucontext"
	"github.com/crashwalk/crashwalk/pkg/memrange"
)

// cfiWalker implements symbols.FrameWalker, bridging a symbol provider's
// CFI evaluator to the callee context and stack memory being unwound. The
// walker only borrows it for the duration of a single WalkFrame call
// (SPEC_FULL.md §9).
type cfiWalker struct {
	arch   Arch
	callee *cpucontext.Context
	mem    *memrange.Region

	hasGrandCallee bool

	callerRegs map[string]uint64
	cfa        uint64
	cfaSet     bool
	ra         uint64
	raSet      bool
}

func newCFIWalker(arch Arch, callee *cpucontext.Context, mem *memrange.Region, hasGrandCallee bool) *cfiWalker {
	return &cfiWalker{
		arch:           arch,
		callee:         callee,
		mem:            mem,
		hasGrandCallee: hasGrandCallee,
		callerRegs:     make(map[string]uint64),
	}
}

func (w *cfiWalker) GetCalleeRegister(name string) (uint64, bool) {
	v, err := w.callee.Register(name)
	if err != nil {
		return 0, false
	}
	return v, true
}

func (w *cfiWalker) SetCallerRegister(name string, value uint64) bool {
	w.callerRegs[name] = value
	return true
}

func (w *cfiWalker) SetCFA(value uint64) bool {
	w.cfa = value
	w.cfaSet = true
	return true
}

func (w *cfiWalker) SetRA(value uint64) bool {
	w.ra = value
	w.raSet = true
	return true
}

func (w *cfiWalker) GetInstruction() uint64 {
	ip, _ := w.callee.InstructionPointer()
	return ip
}

func (w *cfiWalker) HasGrandCallee() bool {
	return w.hasGrandCallee
}

func (w *cfiWalker) GetRegisterAtAddress(addr uint64) (uint64, bool) {
	if w.mem == nil {
		return 0, false
	}
	if w.arch.PtrSize == 4 {
		v, ok := w.mem.ReadUint32(addr, w.arch.ByteOrder)
		return uint64(v), ok
	}
	return w.mem.ReadUint64(addr, w.arch.ByteOrder)
}

// buildCallerContext turns the registers recorded during WalkFrame into a
// caller Context, or reports failure if no return address was ever set.
func (w *cfiWalker) buildCallerContext() (*cpucontext.Context, bool) {
	if !w.raSet {
		return nil, false
	}
	regs := make(map[string]uint64, len(w.callerRegs)+2)
	for k, v := range w.callerRegs {
		regs[k] = v
	}
	regs[w.arch.IPReg] = w.ra
	if w.cfaSet {
		regs[w.arch.SPReg] = w.cfa
	}
	valid := make([]string, 0, len(regs))
	for k := range regs {
		valid = append(valid, k)
	}
	return cpucontext.NewPartial(w.callee.Architecture(), regs, valid), true
}
