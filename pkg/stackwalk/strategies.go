package stackwalk

import (
	"context"
	"errors"

	"github.com/crashwalk/crashwalk/pkg/cpucontext"
	"github.com/crashwalk/crashwalk/pkg/frame"
	"github.com/crashwalk/crashwalk/pkg/logflags"
	"github.com/crashwalk/crashwalk/pkg/memrange"
	"github.com/crashwalk/crashwalk/pkg/module"
	"github.com/crashwalk/crashwalk/pkg/symbols"
)

// tryUnwindInfo is strategy 1: ask the symbol provider to evaluate
// call-frame-information rules for the callee's current instruction.
func tryUnwindInfo(
	ctx context.Context,
	arch Arch,
	callee *cpucontext.Context,
	stackMemory *memrange.Region,
	modules *module.List,
	provider symbols.Provider,
	hasGrandCallee bool,
) (*cpucontext.Context, frame.Trust, bool) {
	ip, err := callee.InstructionPointer()
	if err != nil {
		return nil, 0, false
	}
	mod, ok := modules.ModuleForAddress(ip)
	if !ok {
		return nil, 0, false
	}
	walker := newCFIWalker(arch, callee, stackMemory, hasGrandCallee)
	if err := provider.WalkFrame(ctx, mod, walker); err != nil {
		if !errors.Is(err, symbols.ErrNotFound) {
			logStrategyError("call-frame-info", ip, err)
		}
		return nil, 0, false
	}
	caller, ok := walker.buildCallerContext()
	if !ok {
		return nil, 0, false
	}
	return caller, frame.TrustCallFrameInfo, true
}

// tryFramePointer is strategy 2: follow the conventional frame-pointer
// chain (*fp = caller's fp, *(fp+ptrSize) = return address).
func tryFramePointer(arch Arch, callee *cpucontext.Context, stackMemory *memrange.Region) (*cpucontext.Context, frame.Trust, bool) {
	if stackMemory == nil {
		return nil, 0, false
	}
	fp, err := callee.FramePointer()
	if err != nil {
		return nil, 0, false
	}
	ptr := uint64(arch.PtrSize)

	var callerFP, returnAddr uint64
	var ok1, ok2 bool
	if ptr == 4 {
		v1, o1 := stackMemory.ReadUint32(fp, arch.ByteOrder)
		v2, o2 := stackMemory.ReadUint32(fp+ptr, arch.ByteOrder)
		callerFP, returnAddr, ok1, ok2 = uint64(v1), uint64(v2), o1, o2
	} else {
		callerFP, ok1 = stackMemory.ReadUint64(fp, arch.ByteOrder)
		returnAddr, ok2 = stackMemory.ReadUint64(fp+ptr, arch.ByteOrder)
	}
	if !ok1 || !ok2 {
		return nil, 0, false
	}

	callerSP := fp + 2*ptr
	regs := map[string]uint64{
		arch.IPReg: returnAddr,
		arch.SPReg: callerSP,
		arch.FPReg: callerFP,
	}
	caller := cpucontext.NewPartial(callee.Architecture(), regs, []string{arch.IPReg, arch.SPReg, arch.FPReg})
	return caller, frame.TrustFramePointer, true
}

// maxScanWords bounds how far the stack-scan strategy searches upward
// before giving up, guarding against scanning an entire unrelated memory
// region when the stack is corrupt.
const maxScanWords = 1 << 16

// tryScan is strategy 3 (fallback): scan the stack upward from the
// callee's stack pointer for the first pointer-sized value that looks like
// a return address: it must point into a loaded module, and stepping back
// by the architecture's minimum call length must still land inside that
// module (a crude "plausible call site" check — a true disassembly-based
// check belongs to a symbol provider, not the walker).
func tryScan(arch Arch, callee *cpucontext.Context, stackMemory *memrange.Region, modules *module.List) (*cpucontext.Context, frame.Trust, bool) {
	if stackMemory == nil {
		return nil, 0, false
	}
	sp, err := callee.StackPointer()
	if err != nil {
		return nil, 0, false
	}
	ptr := uint64(arch.PtrSize)

	for i := 0; i < maxScanWords; i++ {
		addr := sp + uint64(i)*ptr
		var candidate uint64
		var ok bool
		if ptr == 4 {
			var v uint32
			v, ok = stackMemory.ReadUint32(addr, arch.ByteOrder)
			candidate = uint64(v)
		} else {
			candidate, ok = stackMemory.ReadUint64(addr, arch.ByteOrder)
		}
		if !ok {
			break // ran off the end of the captured stack memory
		}
		mod, inMod := modules.ModuleForAddress(candidate)
		if !inMod {
			continue
		}
		callSite := candidate - arch.MinCallLen
		if callSite < mod.BaseAddress {
			continue
		}

		callerSP := addr + ptr
		regs := map[string]uint64{
			arch.IPReg: candidate,
			arch.SPReg: callerSP,
		}
		caller := cpucontext.NewPartial(callee.Architecture(), regs, []string{arch.IPReg, arch.SPReg})
		return caller, frame.TrustScan, true
	}
	return nil, 0, false
}

func logStrategyError(strategy string, ip uint64, err error) {
	// Degraded-per-frame errors (SPEC_FULL.md §7) are logged, never
	// propagated: the walker simply falls back to the next strategy.
	if logflags.Stack() {
		logflags.StackLogger().WithField("pc", ip).Debugf("%s unwind failed: %v", strategy, err)
	}
}
