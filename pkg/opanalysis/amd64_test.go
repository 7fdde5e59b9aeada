package opanalysis

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/crashwalk/crashwalk/pkg/cpucontext"
	"github.com/crashwalk/crashwalk/pkg/memrange"
)

const testRIP = 0x1000

// analyze builds an AMD64 context with rip fixed at testRIP and the given
// registers, places instrBytes at testRIP in a one-region memory list, and
// runs AnalyzeThreadContext against it.
func analyze(t *testing.T, instrBytes []byte, regs map[string]uint64) *OpAnalysis {
	t.Helper()
	full := make(map[string]uint64, len(regs)+1)
	for k, v := range regs {
		require.NotEqual(t, "rip", k, "set rip via testRIP, not the regs map")
		full[k] = v
	}
	full["rip"] = testRIP

	cc := cpucontext.NewAllValid(cpucontext.AMD64, full)
	mem := memrange.New([]memrange.Region{{BaseAddress: testRIP, Bytes: instrBytes}})

	analysis, err := AnalyzeThreadContext(cc, mem, nil)
	require.NoError(t, err)
	require.NotNil(t, analysis)
	return analysis
}

func assertAccessAddresses(t *testing.T, analysis *OpAnalysis, expectedSize uint8, expected ...uint64) {
	t.Helper()
	require.NotNil(t, analysis.MemoryAccessList)
	want := map[uint64]bool{}
	for _, a := range expected {
		want[a] = true
	}
	for _, access := range analysis.MemoryAccessList.Accesses {
		require.NotNil(t, access.Size)
		require.Equal(t, expectedSize, *access.Size)
		require.True(t, want[access.AddressInfo.Address], "unexpected address %#x", access.AddressInfo.Address)
		delete(want, access.AddressInfo.Address)
	}
	require.Empty(t, want, "expected addresses not seen")
}

func TestRegDeref(t *testing.T) {
	regs := map[string]uint64{"rbx": 0xbadc0ffebadc0ffe}

	// mov al, [rbx]
	a := analyze(t, []byte{0x8a, 0x03}, regs)
	assertAccessAddresses(t, a, 1, 0xbadc0ffebadc0ffe)

	// mov ax, [rbx]
	a = analyze(t, []byte{0x66, 0x8b, 0x03}, regs)
	assertAccessAddresses(t, a, 2, 0xbadc0ffebadc0ffe)

	// mov eax, [rbx]
	a = analyze(t, []byte{0x8b, 0x03}, regs)
	assertAccessAddresses(t, a, 4, 0xbadc0ffebadc0ffe)

	// mov rax, [rbx]
	a = analyze(t, []byte{0x48, 0x8b, 0x03}, regs)
	assertAccessAddresses(t, a, 8, 0xbadc0ffebadc0ffe)
}

func TestBaseDisp(t *testing.T) {
	regs := map[string]uint64{"rbp": 0x1000}

	// mov al, [rbp + 0x800]
	a := analyze(t, []byte{0x8a, 0x85, 0x00, 0x08, 0x00, 0x00}, regs)
	assertAccessAddresses(t, a, 1, 0x1800)

	// mov rax, [rbp + 0x800]
	a = analyze(t, []byte{0x48, 0x8b, 0x85, 0x00, 0x08, 0x00, 0x00}, regs)
	assertAccessAddresses(t, a, 8, 0x1800)

	// mov rax, [rbp - 0x800]
	a = analyze(t, []byte{0x48, 0x8b, 0x85, 0x00, 0xf8, 0xff, 0xff}, regs)
	assertAccessAddresses(t, a, 8, 0x800)
}

func TestIndexScale(t *testing.T) {
	regs := map[string]uint64{"rsi": 0x1000}

	// mov al, [rsi * 4]
	a := analyze(t, []byte{0x8a, 0x04, 0xb5, 0x00, 0x00, 0x00, 0x00}, regs)
	assertAccessAddresses(t, a, 1, 0x4000)

	// mov rax, [rsi * 4]
	a = analyze(t, []byte{0x48, 0x8b, 0x04, 0xb5, 0x00, 0x00, 0x00, 0x00}, regs)
	assertAccessAddresses(t, a, 8, 0x4000)
}

func TestBaseIndex(t *testing.T) {
	regs := map[string]uint64{"rbx": 0x1000, "rcx": 0x234}

	// mov al, [rbx + rcx]
	a := analyze(t, []byte{0x8a, 0x04, 0x0b}, regs)
	assertAccessAddresses(t, a, 1, 0x1234)

	// mov rax, [rbx + rcx]
	a = analyze(t, []byte{0x48, 0x8b, 0x04, 0x0b}, regs)
	assertAccessAddresses(t, a, 8, 0x1234)
}

func TestBaseIndexDisp(t *testing.T) {
	regs := map[string]uint64{"rcx": 0x4000, "r9": 0x2000}

	// mov al, [rcx + r9 + 16]
	a := analyze(t, []byte{0x42, 0x8a, 0x44, 0x09, 0x10}, regs)
	assertAccessAddresses(t, a, 1, 0x6010)

	// mov rax, [rcx + r9 + 16]
	a = analyze(t, []byte{0x4a, 0x8b, 0x44, 0x09, 0x10}, regs)
	assertAccessAddresses(t, a, 8, 0x6010)

	// mov rax, [rcx + r9 - 16]
	a = analyze(t, []byte{0x4a, 0x8b, 0x44, 0x09, 0xf0}, regs)
	assertAccessAddresses(t, a, 8, 0x5ff0)
}

func TestIndexScaleDisp(t *testing.T) {
	regs := map[string]uint64{"r13": 0x1000}

	// mov al, [r13 * 8 + 0x100000]
	a := analyze(t, []byte{0x42, 0x8a, 0x04, 0xed, 0x00, 0x00, 0x10, 0x00}, regs)
	assertAccessAddresses(t, a, 1, 0x108000)

	// mov rax, [r13 * 8 - 0x100000]
	a = analyze(t, []byte{0x4a, 0x8b, 0x04, 0xed, 0x00, 0x00, 0xf0, 0xff}, regs)
	assertAccessAddresses(t, a, 8, 0xfffffffffff08000)
}

func TestBaseIndexScale(t *testing.T) {
	regs := map[string]uint64{"r12": 0x8000, "r14": 0x10000}

	// mov al, [r12 + r14 * 2]
	a := analyze(t, []byte{0x43, 0x8a, 0x04, 0x74}, regs)
	assertAccessAddresses(t, a, 1, 0x28000)

	// mov rax, [r12 + r14 * 2]
	a = analyze(t, []byte{0x4b, 0x8b, 0x04, 0x74}, regs)
	assertAccessAddresses(t, a, 8, 0x28000)
}

func TestBaseIndexScaleDisp(t *testing.T) {
	regs := map[string]uint64{"r9": 0x100001, "rbx": 0x1000}

	// mov al, [r9 + rbx * 8 + 0x7fffffff]
	a := analyze(t, []byte{0x41, 0x8a, 0x84, 0xd9, 0xff, 0xff, 0xff, 0x7f}, regs)
	assertAccessAddresses(t, a, 1, 0x80108000)

	// mov rax, [r9 + rbx * 8 - 0x7fffffff]
	a = analyze(t, []byte{0x49, 0x8b, 0x84, 0xd9, 0x01, 0x00, 0x00, 0x80}, regs)
	assertAccessAddresses(t, a, 8, 0xffffffff80108002)
}

func TestNullPointerDereferenceFlag(t *testing.T) {
	// mov eax, [rbx] with rbx == 0: base-register-is-zero heuristic.
	a := analyze(t, []byte{0x8b, 0x03}, map[string]uint64{"rbx": 0})
	require.NotNil(t, a.MemoryAccessList)
	require.Len(t, a.MemoryAccessList.Accesses, 1)
	require.True(t, a.MemoryAccessList.Accesses[0].AddressInfo.IsLikelyNullPointerDereference)
}

func TestPushImplicitWrite(t *testing.T) {
	// push rax
	a := analyze(t, []byte{0x50}, map[string]uint64{"rsp": 0x2000, "rax": 0x42})
	require.NotNil(t, a.MemoryAccessList)
	require.True(t, a.MemoryAccessList.ContainsAccess(0x2000-8, AccessWrite))
}

func TestCallIndirectThroughMemory(t *testing.T) {
	// call [rax], with rax pointing at a memory cell holding the call
	// target 0x5000beef. Exercises the CALL-via-memory-operand branch of
	// instructionPointerUpdate (amd64.go's x86asm.Mem case), which needs a
	// second memory region (distinct from the instruction bytes) to
	// dereference.
	const callTarget = uint64(0x5000beef)
	targetBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(targetBuf, callTarget)

	cc := cpucontext.NewAllValid(cpucontext.AMD64, map[string]uint64{
		"rip": testRIP, "rax": 0x3000, "rsp": 0x4000,
	})
	mem := memrange.New([]memrange.Region{
		{BaseAddress: testRIP, Bytes: []byte{0xff, 0x10}},
		{BaseAddress: 0x3000, Bytes: targetBuf},
	})

	a, err := AnalyzeThreadContext(cc, mem, nil)
	require.NoError(t, err)
	require.NotNil(t, a.MemoryAccessList)
	require.True(t, a.MemoryAccessList.ContainsAccess(0x3000, AccessRead))
	require.True(t, a.MemoryAccessList.ContainsAccess(0x4000-8, AccessWrite))

	require.NotNil(t, a.InstructionPointerUpdate)
	require.True(t, a.InstructionPointerUpdate.Updates)
	require.Equal(t, callTarget, a.InstructionPointerUpdate.AddressInfo.Address)
}

func TestCallIndirectThroughRegister(t *testing.T) {
	// call rax
	a := analyze(t, []byte{0xff, 0xd0}, map[string]uint64{"rax": 0x40001234, "rsp": 0x4000})
	require.NotNil(t, a.InstructionPointerUpdate)
	require.True(t, a.InstructionPointerUpdate.Updates)
	require.Equal(t, uint64(0x40001234), a.InstructionPointerUpdate.AddressInfo.Address)
}

func TestReturnInstructionPointerUpdateReadsStack(t *testing.T) {
	// ret, with the return address sitting at [rsp] on the thread's stack.
	const returnAddr = uint64(0x40005678)
	const rsp = uint64(0x80000000)
	stackBuf := make([]byte, 16)
	binary.LittleEndian.PutUint64(stackBuf, returnAddr)
	stackMem := &memrange.Region{BaseAddress: rsp, Bytes: stackBuf}

	cc := cpucontext.NewAllValid(cpucontext.AMD64, map[string]uint64{"rip": testRIP, "rsp": rsp})
	mem := memrange.New([]memrange.Region{{BaseAddress: testRIP, Bytes: []byte{0xc3}}})

	a, err := AnalyzeThreadContext(cc, mem, stackMem)
	require.NoError(t, err)
	require.NotNil(t, a.InstructionPointerUpdate)
	require.True(t, a.InstructionPointerUpdate.Updates)
	require.Equal(t, returnAddr, a.InstructionPointerUpdate.AddressInfo.Address)

	require.NotNil(t, a.MemoryAccessList)
	require.True(t, a.MemoryAccessList.ContainsAccess(rsp, AccessRead))
}

func TestConditionalJumpInstructionPointerUpdateUndetermined(t *testing.T) {
	// je +4: a conditional branch's target can't be derived without
	// evaluating flags, so InstructionPointerUpdate must stay nil.
	a := analyze(t, []byte{0x74, 0x04}, map[string]uint64{})
	require.Nil(t, a.InstructionPointerUpdate)
}

func TestDivisionFlag(t *testing.T) {
	// idiv ecx
	a := analyze(t, []byte{0xf7, 0xf9}, map[string]uint64{"rcx": 1})
	require.True(t, a.InstructionProperties.IsDivision)
}

func TestUnsupportedArch(t *testing.T) {
	cc := cpucontext.NewAllValid(cpucontext.ARM, map[string]uint64{"r15": testRIP})
	mem := memrange.New([]memrange.Region{{BaseAddress: testRIP, Bytes: []byte{0x00, 0x00, 0x00, 0x00}}})
	_, err := AnalyzeThreadContext(cc, mem, nil)
	require.ErrorIs(t, err, ErrUnsupportedCPUArch)
}
