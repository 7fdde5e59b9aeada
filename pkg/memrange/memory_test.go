package memrange

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegionReadUint64(t *testing.T) {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[8:], 0xdeadbeefcafef00d)
	r := Region{BaseAddress: 0x1000, Bytes: buf}

	v, ok := r.ReadUint64(0x1008, binary.LittleEndian)
	require.True(t, ok)
	require.Equal(t, uint64(0xdeadbeefcafef00d), v)

	_, ok = r.ReadUint64(0x1009, binary.LittleEndian) // would cross region end
	require.False(t, ok)

	_, ok = r.ReadUint64(0x0ff8, binary.LittleEndian) // below base
	require.False(t, ok)
}

func TestRegionBytesAtTruncatesToRegionEnd(t *testing.T) {
	r := Region{BaseAddress: 0x2000, Bytes: []byte{1, 2, 3, 4}}

	b, ok := r.BytesAt(0x2002, 15)
	require.True(t, ok)
	require.Equal(t, []byte{3, 4}, b)

	_, ok = r.BytesAt(0x1000, 4)
	require.False(t, ok)
}

func TestListRegionForAddressPrefersClosestOverlap(t *testing.T) {
	// A spans 0x1000-0x1100, B (a more specific, smaller region) spans
	// 0x1050-0x1060 and overlaps it; the backward scan from the address's
	// insertion point checks the highest-based region first.
	list := New([]Region{
		{BaseAddress: 0x1000, Bytes: make([]byte, 0x100)},
		{BaseAddress: 0x1050, Bytes: make([]byte, 0x10)},
	})

	r, ok := list.RegionForAddress(0x1055)
	require.True(t, ok)
	require.Equal(t, uint64(0x1050), r.BaseAddress)
}

func TestListRegionForAddressMiss(t *testing.T) {
	list := New([]Region{{BaseAddress: 0x1000, Bytes: make([]byte, 0x10)}})
	_, ok := list.RegionForAddress(0x2000)
	require.False(t, ok)

	_, ok = Empty().RegionForAddress(0x1000)
	require.False(t, ok)

	var nilList *List
	_, ok = nilList.RegionForAddress(0x1000)
	require.False(t, ok)
}
