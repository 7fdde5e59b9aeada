// Package opanalysis analyzes the CPU instruction a thread was executing at
// the moment a minidump was written: what memory it touched, whether it
// updates the instruction pointer, and whether it carries any properties
// (division, privileged, ...) relevant to diagnosing why it crashed.
//
// Disassembly support is currently limited to amd64, via x86asm. Every other
// architecture reports ErrUnsupportedCPUArch.
package opanalysis

import (
	"github.com/pkg/errors"

	"github.com/crashwalk/crashwalk/pkg/cpucontext"
	"github.com/crashwalk/crashwalk/pkg/memrange"
)

// Sentinel errors of the analyzer. Use errors.Is to test for a specific
// one; wrapped errors (DecodeFailed in particular) carry the underlying
// decoder error's message. AnalyzeThreadContext returns the first four;
// ErrRegisterInvalid fails only the memory-access derivation, which
// AnalyzeThreadContext reports as a nil MemoryAccessList, not as an error.
var (
	ErrUnsupportedCPUArch    = errors.New("opanalysis: unsupported CPU architecture")
	ErrReadInstructionFailed = errors.New("opanalysis: failed to read memory at instruction pointer")
	ErrInstructionTruncated  = errors.New("opanalysis: byte slice contained truncated instruction")
	ErrDecodeFailed          = errors.New("opanalysis: failed to decode instruction")
	ErrRegisterInvalid       = errors.New("opanalysis: a register used by the instruction had an invalid value")
)

// maxInstructionLength is the longest an x86/amd64 instruction can legally
// be encoded as.
const maxInstructionLength = 15

// OpAnalysis is the result of analyzing a single CPU instruction. Most
// fields are optional: some kinds of analysis can succeed even when others
// fail (for example when only some of the registers an instruction touches
// are valid).
type OpAnalysis struct {
	// InstructionString is a human-readable rendering of the instruction.
	InstructionString string
	// InstructionProperties flags crash-relevant properties of the opcode.
	InstructionProperties InstructionProperties
	// MemoryAccessList lists every memory access the instruction performs.
	// Nil means access could not be determined at all; a non-nil list with
	// zero entries means it was determined that the instruction performs no
	// memory access.
	MemoryAccessList *MemoryAccessList
	// InstructionPointerUpdate describes how the instruction changes the
	// instruction pointer, or nil if that could not be determined (this is
	// expected for conditional branches, whose target depends on flags this
	// package does not evaluate).
	InstructionPointerUpdate *InstructionPointerUpdate
	// Registers lists the base and index registers of the instruction's
	// memory operands, sorted and deduplicated. Registers used only as
	// register operands (e.g. rax in "push rax") are not listed.
	Registers []string
}

// InstructionProperties flags properties of an instruction that are useful
// when reasoning about why a thread crashed while executing it.
type InstructionProperties struct {
	// IsAccessDerivable is true when this package knows the precise memory
	// access behavior of the opcode (see classifyAccessDerivable).
	// Only a subset of opcodes are covered.
	IsAccessDerivable bool
	// IsDivision is true for DIV/IDIV: a common source of #DE faults.
	IsDivision bool
	// IsPrivileged is true for ring-0-only instructions, which fault with
	// #GP when executed at a lower privilege level regardless of the
	// operand address.
	IsPrivileged bool
	// IsOnlyGPFWhenNonCanonical is true when, for an access-derivable
	// opcode, a #GP at this instruction can only be explained by a
	// non-canonical address (as opposed to some other cause, such as an
	// unaligned access). It is always false for opcodes that aren't
	// access-derivable, since this package has no way to rule out other
	// causes for those.
	IsOnlyGPFWhenNonCanonical bool
}

// MemoryAccessType is the direction of a MemoryAccess.
type MemoryAccessType int

const (
	AccessRead MemoryAccessType = iota
	AccessWrite
	AccessReadWrite
	// AccessUnderivable means this package could compute the address being
	// accessed but not whether it is read, written, or both.
	AccessUnderivable
)

func (t MemoryAccessType) String() string {
	switch t {
	case AccessRead:
		return "Read"
	case AccessWrite:
		return "Write"
	case AccessReadWrite:
		return "ReadWrite"
	case AccessUnderivable:
		return "Underivable"
	default:
		return "Unknown"
	}
}

// IsReadOrWrite reports whether a concrete direction was determined.
func (t MemoryAccessType) IsReadOrWrite() bool {
	return t != AccessUnderivable
}

// MemoryAddressInfo describes a single memory address touched by a memory
// access or instruction-pointer update.
type MemoryAddressInfo struct {
	Address uint64
	// IsLikelyNullPointerDereference is a heuristic: true when the base
	// register feeding this address held zero.
	IsLikelyNullPointerDereference bool
	// IsLikelyGuardPage is set by the caller (the processor orchestrator,
	// which has access to the minidump's memory-info stream); this package
	// never sets it itself.
	IsLikelyGuardPage bool
}

// MemoryAccess is one memory access performed by an instruction.
type MemoryAccess struct {
	AddressInfo MemoryAddressInfo
	// Size is the access width in bytes. Nil for the rare instruction whose
	// access size can't be determined without deeper context.
	Size       *uint8
	AccessType MemoryAccessType
}

// MemoryAccessList is every memory access an instruction performs.
type MemoryAccessList struct {
	Accesses []MemoryAccess
}

// IsEmpty reports whether the instruction performs no memory access.
func (l *MemoryAccessList) IsEmpty() bool {
	return l == nil || len(l.Accesses) == 0
}

// ContainsAccess reports whether any access in the list of the given type
// covers address.
func (l *MemoryAccessList) ContainsAccess(address uint64, accessType MemoryAccessType) bool {
	if l == nil {
		return false
	}
	for _, a := range l.Accesses {
		if a.AccessType != accessType || a.Size == nil {
			continue
		}
		lower := a.AddressInfo.Address
		upper, overflowed := addOverflows(lower, uint64(*a.Size))
		if overflowed {
			if lower <= address || address < upper {
				return true
			}
			continue
		}
		if lower <= address && address < upper {
			return true
		}
	}
	return false
}

func addOverflows(a, b uint64) (uint64, bool) {
	sum := a + b
	return sum, sum < a
}

// InstructionPointerUpdate describes how an instruction changes the
// instruction pointer.
type InstructionPointerUpdate struct {
	// Updates is false for instructions known not to redirect control flow
	// (the NoUpdate case). When true, AddressInfo holds the target.
	Updates     bool
	AddressInfo MemoryAddressInfo
}

// MemoryReader is the minimal memory-read capability AnalyzeThreadContext
// needs: fetching the raw bytes at the instruction pointer and, for
// RET-family instructions, the return address at the top of the stack.
type MemoryReader interface {
	RegionForAddress(addr uint64) (memrange.Region, bool)
}

// AnalyzeThreadContext disassembles the instruction at cc's instruction
// pointer (read from memory) and derives whatever crash-relevant properties
// it can from the decoded instruction and the register values in cc.
//
// stackMemory, if non-nil, is consulted for RET/IRET-family instructions to
// resolve the instruction-pointer update from the value at the top of the
// stack. It may be the same region as part of memory, or a more precise
// per-thread stack descriptor.
//
// Even when this function succeeds, individual fields of the returned
// OpAnalysis may still be nil/zero: most analysis here is best-effort.
func AnalyzeThreadContext(cc *cpucontext.Context, memory *memrange.List, stackMemory *memrange.Region) (*OpAnalysis, error) {
	instrBytes, err := instructionBytes(cc, memory)
	if err != nil {
		return nil, err
	}

	switch cc.Architecture() {
	case cpucontext.AMD64:
		return analyzeAMD64(cc, instrBytes, memory, stackMemory)
	default:
		return nil, ErrUnsupportedCPUArch
	}
}

// instructionBytes reads up to maxInstructionLength bytes at cc's
// instruction pointer from memory.
func instructionBytes(cc *cpucontext.Context, memory *memrange.List) ([]byte, error) {
	ip, err := cc.InstructionPointer()
	if err != nil {
		return nil, errors.Wrap(ErrReadInstructionFailed, err.Error())
	}
	region, ok := memory.RegionForAddress(ip)
	if !ok {
		return nil, ErrReadInstructionFailed
	}
	b, ok := region.BytesAt(ip, maxInstructionLength)
	if !ok || len(b) == 0 {
		return nil, ErrReadInstructionFailed
	}
	return b, nil
}
