package cpucontext

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllValidContextReadsEveryRegister(t *testing.T) {
	cc := NewAllValid(AMD64, map[string]uint64{"rip": 0x1000, "rsp": 0x2000, "rbp": 0x3000})

	ip, err := cc.InstructionPointer()
	require.NoError(t, err)
	require.Equal(t, uint64(0x1000), ip)

	sp, err := cc.StackPointer()
	require.NoError(t, err)
	require.Equal(t, uint64(0x2000), sp)

	fp, err := cc.FramePointer()
	require.NoError(t, err)
	require.Equal(t, uint64(0x3000), fp)

	_, err = cc.Register("rax")
	require.ErrorIs(t, err, ErrRegisterInvalid)
}

func TestPartialContextOnlyReadsValidNames(t *testing.T) {
	cc := NewPartial(ARM64, map[string]uint64{"pc": 0x4000, "sp": 0x5000, "x29": 0x6000}, []string{"pc", "sp"})

	_, err := cc.FramePointer()
	require.True(t, errors.Is(err, ErrRegisterInvalid))

	ip, err := cc.InstructionPointer()
	require.NoError(t, err)
	require.Equal(t, uint64(0x4000), ip)

	require.False(t, cc.IsValid("x29"))
	cc.SetRegister("x29", 0x6000)
	require.True(t, cc.IsValid("x29"))
	fp, err := cc.FramePointer()
	require.NoError(t, err)
	require.Equal(t, uint64(0x6000), fp)
}

func TestSetRegisterNeverShrinksAllValid(t *testing.T) {
	cc := NewAllValid(X86, map[string]uint64{"eip": 1, "esp": 2, "ebp": 3})
	cc.SetRegister("eax", 42)
	v, err := cc.Register("eax")
	require.NoError(t, err)
	require.Equal(t, uint64(42), v)
	require.True(t, cc.IsValid("eip"))
}

func TestCloneIsIndependent(t *testing.T) {
	cc := NewPartial(ARM, map[string]uint64{"r15": 1, "r13": 2}, []string{"r15"})
	clone := cc.Clone()
	clone.SetRegister("r13", 99)

	require.False(t, cc.IsValid("r13"))
	require.True(t, clone.IsValid("r13"))
}

func TestUnknownArchitectureHasNoIPSFRegisters(t *testing.T) {
	cc := NewAllValid(Architecture(42), map[string]uint64{})
	_, err := cc.InstructionPointer()
	require.ErrorIs(t, err, ErrRegisterInvalid)
}
