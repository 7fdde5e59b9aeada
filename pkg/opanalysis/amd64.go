package opanalysis

import (
	"encoding/binary"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"

	"github.com/crashwalk/crashwalk/pkg/cpucontext"
	"github.com/crashwalk/crashwalk/pkg/logflags"
	"github.com/crashwalk/crashwalk/pkg/memrange"
)

// accessDerivableOpcode is the subset of opcodes this package knows the
// precise memory-access behavior of, commonly seen in crashes or known to
// appear in specific inconsistent-crash reports.
type accessDerivableOpcode int

const (
	opADD accessDerivableOpcode = iota
	opCALL
	opCMP
	opDEC
	opINC
	opJcc
	opJMP
	opJMPF
	opLEA
	opMOV
	opMOVAPS
	opMOVUPS
	opPOP
	opPUSH
	opRETF
	opRETURN
	opSUB
	opUCOMISS
)

var jccOps = map[x86asm.Op]bool{
	x86asm.JA: true, x86asm.JAE: true, x86asm.JB: true, x86asm.JBE: true,
	x86asm.JE: true, x86asm.JG: true, x86asm.JGE: true, x86asm.JL: true,
	x86asm.JLE: true, x86asm.JNE: true, x86asm.JNO: true, x86asm.JNP: true,
	x86asm.JNS: true, x86asm.JO: true, x86asm.JP: true, x86asm.JS: true,
	x86asm.JCXZ: true, x86asm.JECXZ: true, x86asm.JRCXZ: true,
}

func classifyAccessDerivable(op x86asm.Op) (accessDerivableOpcode, bool) {
	switch op {
	case x86asm.ADD:
		return opADD, true
	case x86asm.CALL:
		return opCALL, true
	case x86asm.CMP:
		return opCMP, true
	case x86asm.DEC:
		return opDEC, true
	case x86asm.INC:
		return opINC, true
	case x86asm.JMP:
		return opJMP, true
	case x86asm.LJMP:
		return opJMPF, true
	case x86asm.LEA:
		return opLEA, true
	case x86asm.MOV:
		return opMOV, true
	case x86asm.MOVAPS:
		return opMOVAPS, true
	case x86asm.MOVUPS:
		return opMOVUPS, true
	case x86asm.POP:
		return opPOP, true
	case x86asm.PUSH:
		return opPUSH, true
	case x86asm.LRET:
		return opRETF, true
	case x86asm.RET:
		return opRETURN, true
	case x86asm.SUB:
		return opSUB, true
	case x86asm.UCOMISS:
		return opUCOMISS, true
	default:
		if jccOps[op] {
			return opJcc, true
		}
		return 0, false
	}
}

// privilegedOps are ring-0-only instructions that fault with #GP when run
// outside ring 0, independent of any operand address.
//
// MOV is included unconditionally, not just MOV to/from a control or debug
// register: an inherited imprecision, kept faithfully rather than narrowed,
// since narrowing it would need to distinguish control/debug-register
// operands this package doesn't otherwise model.
//
// The table is not exhaustive: INVEPT and INVVPID are not listed.
var privilegedOps = map[x86asm.Op]bool{
	x86asm.CLI:    true,
	x86asm.CLTS:   true,
	x86asm.HLT:    true,
	x86asm.IN:     true,
	x86asm.INSB:   true,
	x86asm.INSW:   true,
	x86asm.INSD:   true,
	x86asm.INT:    true,
	x86asm.INTO:   true,
	x86asm.INVD:   true,
	x86asm.INVLPG: true,
	x86asm.IRET:   true,
	x86asm.LGDT:   true,
	x86asm.LIDT:   true,
	x86asm.LLDT:   true,
	x86asm.LMSW:   true,
	x86asm.LTR:    true,
	x86asm.MONITOR: true,
	x86asm.MOV:    true,
	x86asm.MWAIT:  true,
	x86asm.OUT:    true,
	x86asm.OUTSB:  true,
	x86asm.OUTSW:  true,
	x86asm.OUTSD:  true,
	x86asm.RDMSR:  true,
	x86asm.RDPMC:  true,
	x86asm.RDTSC:  true,
	x86asm.RDTSCP: true,
	x86asm.LRET:   true,
	x86asm.STI:    true,
	x86asm.SWAPGS: true,
	x86asm.SYSEXIT: true,
	x86asm.SYSRET: true,
	x86asm.VMCALL: true,
	x86asm.VMCLEAR: true,
	x86asm.VMLAUNCH: true,
	x86asm.VMPTRLD: true,
	x86asm.VMPTRST: true,
	x86asm.VMREAD: true,
	x86asm.VMRESUME: true,
	x86asm.VMWRITE: true,
	x86asm.VMXOFF: true,
	x86asm.VMXON:  true,
	x86asm.WBINVD: true,
	x86asm.WRMSR:  true,
	x86asm.XSETBV: true,
}

func analyzeAMD64(cc *cpucontext.Context, instrBytes []byte, memory *memrange.List, stackMemory *memrange.Region) (*OpAnalysis, error) {
	inst, err := decodeAMD64(instrBytes)
	if err != nil {
		return nil, err
	}

	accessList, accErr := memoryAccessList(inst, cc)
	if accErr != nil {
		accessList = nil
		logAnalysisDegraded("memory-access-list", inst, accErr)
	}

	ipUpdate, ipErr := instructionPointerUpdate(inst, cc, memory, stackMemory)
	if ipErr != nil {
		ipUpdate = nil
		logAnalysisDegraded("instruction-pointer-update", inst, ipErr)
	}

	return &OpAnalysis{
		InstructionString:        inst.String(),
		InstructionProperties:    instructionProperties(inst),
		MemoryAccessList:         accessList,
		InstructionPointerUpdate: ipUpdate,
		Registers:                registersOf(inst),
	}, nil
}

// logAnalysisDegraded records that one piece of an instruction's analysis
// came back undetermined. Like pkg/stackwalk's per-frame fallback logging,
// this is never propagated: a partial OpAnalysis is still a usable result.
func logAnalysisDegraded(stage string, inst x86asm.Inst, err error) {
	if logflags.Analysis() {
		logflags.AnalysisLogger().WithField("op", inst.Op.String()).Debugf("%s undetermined: %v", stage, err)
	}
}

func decodeAMD64(b []byte) (x86asm.Inst, error) {
	inst, err := x86asm.Decode(b, 64)
	if err != nil {
		if strings.Contains(err.Error(), "truncat") {
			return x86asm.Inst{}, ErrInstructionTruncated
		}
		return x86asm.Inst{}, errors.Wrap(ErrDecodeFailed, err.Error())
	}
	return inst, nil
}

func instructionProperties(inst x86asm.Inst) InstructionProperties {
	opcode, derivable := classifyAccessDerivable(inst.Op)
	return InstructionProperties{
		IsAccessDerivable: derivable,
		IsDivision:        inst.Op == x86asm.DIV || inst.Op == x86asm.IDIV,
		IsPrivileged:      privilegedOps[inst.Op],
		// We only detect non-canonical-address inconsistencies on opcodes
		// we can derive every access of; MOVAPS is the one derivable
		// opcode whose #GP can also come from a misaligned (but canonical)
		// operand, so it's excluded.
		IsOnlyGPFWhenNonCanonical: derivable && opcode != opMOVAPS,
	}
}

func firstArg(inst x86asm.Inst) x86asm.Arg {
	for _, a := range inst.Args {
		if a != nil {
			return a
		}
	}
	return nil
}

func memoryAccessList(inst x86asm.Inst, cc *cpucontext.Context) (*MemoryAccessList, error) {
	list := &MemoryAccessList{}
	if opcode, ok := classifyAccessDerivable(inst.Op); ok {
		if err := addDerivableAccesses(list, opcode, inst, cc); err != nil {
			return nil, err
		}
		return list, nil
	}
	if err := addUnderivableAccesses(list, inst, cc); err != nil {
		return nil, err
	}
	return list, nil
}

func addDerivableAccesses(list *MemoryAccessList, opcode accessDerivableOpcode, inst x86asm.Inst, cc *cpucontext.Context) error {
	if inst.MemBytes != 0 {
		size := uint8(inst.MemBytes)
		for idx, arg := range inst.Args {
			if arg == nil {
				break
			}
			mem, isMem := arg.(x86asm.Mem)
			if !isMem {
				continue
			}
			accessType, skip, err := derivableAccessType(opcode, idx)
			if err != nil {
				return err
			}
			if skip {
				continue
			}
			info, err := memoryAddressInfo(mem, inst.Len, cc)
			if err != nil {
				return err
			}
			list.Accesses = append(list.Accesses, MemoryAccess{AddressInfo: *info, Size: &size, AccessType: accessType})
		}
	}

	if hasImplicitStackAccess(opcode) {
		addImplicitAccesses(list, opcode, implicitStackSlotSize(inst), cc)
	}
	return nil
}

func hasImplicitStackAccess(opcode accessDerivableOpcode) bool {
	switch opcode {
	case opCALL, opPUSH, opPOP, opRETURN, opRETF:
		return true
	default:
		return false
	}
}

// implicitStackSlotSize is the width of the implicit stack access that
// PUSH, POP, CALL, and the RET family always make. It's the decoded
// explicit memory operand's size when there is one (e.g. "push qword ptr
// [rbx]"), or the default 64-bit stack slot size otherwise — register-form
// and no-operand encodings ("push rax", "ret") never carry a ModRM memory
// operand of their own, so inst.MemBytes is 0 for them even though they do
// touch the stack.
func implicitStackSlotSize(inst x86asm.Inst) uint8 {
	if inst.MemBytes != 0 {
		return uint8(inst.MemBytes)
	}
	return 8
}

// derivableAccessType reports the access direction of the memory operand at
// idx for opcode, or skip=true if that operand position is known not to be
// a real memory access for this opcode (LEA never dereferences; RET/Jcc
// aren't expected to carry a memory operand at all).
func derivableAccessType(opcode accessDerivableOpcode, idx int) (MemoryAccessType, bool, error) {
	switch opcode {
	case opADD, opSUB:
		switch idx {
		case 0:
			return AccessReadWrite, false, nil
		case 1:
			return AccessRead, false, nil
		}
	case opCALL, opJMP, opJMPF, opPUSH:
		if idx == 0 {
			return AccessRead, false, nil
		}
	case opCMP, opUCOMISS:
		if idx == 0 || idx == 1 {
			return AccessRead, false, nil
		}
	case opDEC, opINC:
		if idx == 0 {
			return AccessReadWrite, false, nil
		}
	case opPOP:
		if idx == 0 {
			return AccessWrite, false, nil
		}
	case opMOV, opMOVAPS, opMOVUPS:
		switch idx {
		case 0:
			return AccessWrite, false, nil
		case 1:
			return AccessRead, false, nil
		}
	case opLEA:
		return 0, true, nil
	case opRETURN, opRETF, opJcc:
		return 0, true, nil
	}
	return 0, false, errors.Errorf("opanalysis: opcode had unexpected memory operand at index %d", idx)
}

// addImplicitAccesses records the stack access a CALL/PUSH/POP/RET performs
// in addition to (or instead of) any explicit operand.
func addImplicitAccesses(list *MemoryAccessList, opcode accessDerivableOpcode, size uint8, cc *cpucontext.Context) {
	push := func(address uint64, accessType MemoryAccessType) {
		s := size
		list.Accesses = append(list.Accesses, MemoryAccess{
			AddressInfo: MemoryAddressInfo{Address: address, IsLikelyNullPointerDereference: address == 0},
			Size:        &s,
			AccessType:  accessType,
		})
	}

	switch opcode {
	case opCALL, opPUSH:
		if rsp, err := cc.Register("rsp"); err == nil {
			// The faulting address recorded for a crashing CALL/PUSH is 8
			// bytes below the captured rsp; the write to [rsp] itself
			// happens after the fault that rsp reflects.
			push(rsp-8, AccessWrite)
		}
	case opPOP, opRETF, opRETURN:
		if rsp, err := cc.Register("rsp"); err == nil {
			push(rsp, AccessRead)
		}
	}
}

func addUnderivableAccesses(list *MemoryAccessList, inst x86asm.Inst, cc *cpucontext.Context) error {
	if inst.MemBytes == 0 {
		return nil
	}
	size := uint8(inst.MemBytes)
	for _, arg := range inst.Args {
		if arg == nil {
			break
		}
		mem, isMem := arg.(x86asm.Mem)
		if !isMem {
			continue
		}
		info, err := memoryAddressInfo(mem, inst.Len, cc)
		if err != nil {
			return err
		}
		list.Accesses = append(list.Accesses, MemoryAccess{AddressInfo: *info, Size: &size, AccessType: AccessUnderivable})
	}
	return nil
}

// memoryAddressInfo computes base + index*scale + disp from a decoded
// memory operand, flagging a null base as a likely null-pointer
// dereference. Arithmetic wraps on overflow, matching real CPU address
// computation. A RIP-relative operand is relative to the end of the
// instruction, so instLen is added to the captured rip for it.
func memoryAddressInfo(mem x86asm.Mem, instLen int, cc *cpucontext.Context) (*MemoryAddressInfo, error) {
	info := MemoryAddressInfo{}
	if mem.Base != 0 {
		base, err := cc.Register(regName(mem.Base))
		if err != nil {
			return nil, ErrRegisterInvalid
		}
		info.Address = base
		if mem.Base == x86asm.RIP {
			info.Address += uint64(instLen)
		}
		if base == 0 {
			info.IsLikelyNullPointerDereference = true
		}
	}
	if mem.Index != 0 {
		index, err := cc.Register(regName(mem.Index))
		if err != nil {
			return nil, ErrRegisterInvalid
		}
		scale := mem.Scale
		if scale == 0 {
			scale = 1
		}
		info.Address += index * uint64(scale)
	}
	info.Address += uint64(mem.Disp)
	return &info, nil
}

// instructionPointerUpdate derives where control flow goes next, where
// that can be determined without evaluating condition flags.
func instructionPointerUpdate(inst x86asm.Inst, cc *cpucontext.Context, memory *memrange.List, stackMemory *memrange.Region) (*InstructionPointerUpdate, error) {
	rip := func(address uint64) *InstructionPointerUpdate {
		return &InstructionPointerUpdate{
			Updates:     true,
			AddressInfo: MemoryAddressInfo{Address: address, IsLikelyNullPointerDereference: address == 0},
		}
	}

	switch inst.Op {
	case x86asm.CALL, x86asm.LCALL, x86asm.JMP, x86asm.LJMP:
		arg := firstArg(inst)
		switch a := arg.(type) {
		case x86asm.Reg:
			v, err := cc.Register(regName(a))
			if err != nil {
				return nil, nil
			}
			return rip(v), nil
		case x86asm.Mem:
			info, err := memoryAddressInfo(a, inst.Len, cc)
			if err != nil || memory == nil {
				return nil, nil
			}
			region, ok := memory.RegionForAddress(info.Address)
			if !ok {
				return nil, nil
			}
			target, ok := region.ReadUint64(info.Address, binary.LittleEndian)
			if !ok {
				return nil, nil
			}
			return rip(target), nil
		default:
			// Direct relative/absolute-immediate targets: left
			// undetermined, same as the analysis this was grounded on.
			return nil, nil
		}

	case x86asm.RET, x86asm.LRET, x86asm.IRET:
		if stackMemory == nil {
			return nil, nil
		}
		rsp, err := cc.Register("rsp")
		if err != nil {
			return nil, nil
		}
		target, ok := stackMemory.ReadUint64(rsp, binary.LittleEndian)
		if !ok {
			return nil, nil
		}
		return rip(target), nil

	default:
		if jccOps[inst.Op] {
			return nil, nil
		}
		return &InstructionPointerUpdate{Updates: false}, nil
	}
}

func registersOf(inst x86asm.Inst) []string {
	set := map[string]struct{}{}
	for _, arg := range inst.Args {
		if arg == nil {
			break
		}
		mem, ok := arg.(x86asm.Mem)
		if !ok {
			continue
		}
		if mem.Base != 0 {
			set[regName(mem.Base)] = struct{}{}
		}
		if mem.Index != 0 {
			set[regName(mem.Index)] = struct{}{}
		}
	}
	names := make([]string, 0, len(set))
	for n := range set {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func regName(r x86asm.Reg) string {
	return strings.ToLower(r.String())
}
