package stackwalk

import (
	"encoding/binary"

	"github.com/crashwalk/crashwalk/pkg/cpucontext"
)

// Arch is the per-architecture strategy table: the register names and
// calling-convention facts the walker's strategies need, kept as plain data
// rather than as a trait-object hierarchy (SPEC_FULL.md §9).
type Arch struct {
	Name string

	PtrSize   uint8
	ByteOrder binary.ByteOrder

	IPReg, SPReg, FPReg string

	// UsesLR is true for architectures with a dedicated link register
	// (ARM, ARM64): the return address is available directly in a
	// register at call time, rather than only on the stack.
	UsesLR bool
	LRReg  string

	// MinCallLen is subtracted from a return address to land inside the
	// call instruction for symbolication purposes (SPEC_FULL.md §4.1,
	// "address-of-call adjustment"): 1 on x86/amd64, where any byte of
	// the call will do, and the shortest call instruction length on ARM
	// and ARM64.
	MinCallLen uint64

	// ScratchRegs names the registers the calling convention allows a
	// callee to clobber without saving; the CFI evaluator doesn't need
	// to recover them if the caller never asks for them explicitly.
	ScratchRegs map[string]struct{}
}

func regSet(names ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(names))
	for _, n := range names {
		m[n] = struct{}{}
	}
	return m
}

var archX86 = Arch{
	Name:       "x86",
	PtrSize:    4,
	ByteOrder:  binary.LittleEndian,
	IPReg:      "eip",
	SPReg:      "esp",
	FPReg:      "ebp",
	MinCallLen: 1,
	ScratchRegs: regSet("eax", "ecx", "edx"),
}

var archAMD64 = Arch{
	Name:       "amd64",
	PtrSize:    8,
	ByteOrder:  binary.LittleEndian,
	IPReg:      "rip",
	SPReg:      "rsp",
	FPReg:      "rbp",
	MinCallLen: 1,
	ScratchRegs: regSet("rax", "rcx", "rdx", "rsi", "rdi", "r8", "r9", "r10", "r11"),
}

var archARM = Arch{
	Name:       "arm",
	PtrSize:    4,
	ByteOrder:  binary.LittleEndian,
	IPReg:      "r15",
	SPReg:      "r13",
	FPReg:      "r11",
	UsesLR:     true,
	LRReg:      "r14",
	MinCallLen: 2, // thumb BLX <reg> is 2 bytes
	ScratchRegs: regSet("r0", "r1", "r2", "r3", "r12"),
}

var archARM64 = Arch{
	Name:       "arm64",
	PtrSize:    8,
	ByteOrder:  binary.LittleEndian,
	IPReg:      "pc",
	SPReg:      "sp",
	FPReg:      "x29",
	UsesLR:     true,
	LRReg:      "x30",
	MinCallLen: 4,
	ScratchRegs: regSet("x0", "x1", "x2", "x3", "x4", "x5", "x6", "x7", "x8", "x9"),
}

func archFor(arch cpucontext.Architecture) (Arch, bool) {
	switch arch {
	case cpucontext.X86:
		return archX86, true
	case cpucontext.AMD64:
		return archAMD64, true
	case cpucontext.ARM:
		return archARM, true
	case cpucontext.ARM64:
		return archARM64, true
	default:
		return Arch{}, false
	}
}
