package module

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestModuleForAddress(t *testing.T) {
	mods, err := New([]Module{
		{BaseAddress: 0x40000000, Size: 0x10000, CodeFile: "module1"},
		{BaseAddress: 0x50000000, Size: 0x2000, CodeFile: "module2"},
	})
	require.NoError(t, err)

	m, ok := mods.ModuleForAddress(0x40000100)
	require.True(t, ok)
	require.Equal(t, "module1", m.CodeFile)

	m, ok = mods.ModuleForAddress(0x5000000)
	require.False(t, ok)

	m, ok = mods.ModuleForAddress(0x50001fff)
	require.True(t, ok)
	require.Equal(t, "module2", m.CodeFile)

	_, ok = mods.ModuleForAddress(0x50002000) // one past End()
	require.False(t, ok)
}

func TestNewRejectsOverlappingModules(t *testing.T) {
	_, err := New([]Module{
		{BaseAddress: 0x1000, Size: 0x1000, CodeFile: "a"},
		{BaseAddress: 0x1800, Size: 0x1000, CodeFile: "b"},
	})
	require.Error(t, err)
	var overlap ErrOverlapping
	require.ErrorAs(t, err, &overlap)
}

func TestEmptyListLookupsFail(t *testing.T) {
	_, ok := Empty().ModuleForAddress(0x1000)
	require.False(t, ok)

	var nilList *List
	_, ok = nilList.ModuleForAddress(0x1000)
	require.False(t, ok)
	require.Equal(t, 0, nilList.Len())
}
