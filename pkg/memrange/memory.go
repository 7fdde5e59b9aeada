// Package memrange holds the captured-memory region list from a minidump:
// the (possibly disjoint, possibly overlapping across streams) ranges of
// process memory the dump-writer chose to capture.
package memrange

import (
	"encoding/binary"
	"sort"
)

// Region is one contiguous captured range of process memory.
type Region struct {
	BaseAddress uint64
	Bytes       []byte
}

// End returns the address one past the last captured byte.
func (r Region) End() uint64 {
	return r.BaseAddress + uint64(len(r.Bytes))
}

// Contains reports whether addr was captured by this region.
func (r Region) Contains(addr uint64) bool {
	return addr >= r.BaseAddress && addr < r.End()
}

// ReadUint64 reads a little/big-endian (per order) 8-byte pointer-sized
// value at addr. It returns (0, false) if the read would cross out of the
// region.
func (r Region) ReadUint64(addr uint64, order binary.ByteOrder) (uint64, bool) {
	if addr < r.BaseAddress {
		return 0, false
	}
	off := addr - r.BaseAddress
	if off+8 > uint64(len(r.Bytes)) {
		return 0, false
	}
	return order.Uint64(r.Bytes[off : off+8]), true
}

// ReadUint32 reads a 4-byte value at addr, per the same contract as
// ReadUint64.
func (r Region) ReadUint32(addr uint64, order binary.ByteOrder) (uint32, bool) {
	if addr < r.BaseAddress {
		return 0, false
	}
	off := addr - r.BaseAddress
	if off+4 > uint64(len(r.Bytes)) {
		return 0, false
	}
	return order.Uint32(r.Bytes[off : off+4]), true
}

// BytesAt returns up to n bytes starting at addr, truncated if the region
// ends first. It returns (nil, false) if addr isn't captured at all.
func (r Region) BytesAt(addr uint64, n int) ([]byte, bool) {
	if !r.Contains(addr) {
		return nil, false
	}
	off := addr - r.BaseAddress
	end := off + uint64(n)
	if end > uint64(len(r.Bytes)) {
		end = uint64(len(r.Bytes))
	}
	return r.Bytes[off:end], true
}

// List is an address-ordered set of captured memory regions. Unlike
// modules, regions coming from different minidump streams (memory list,
// per-thread inline stack memory) may overlap; List keeps the first region
// it finds containing a given address.
type List struct {
	regions []Region
}

// New builds a List from an unordered slice of regions.
func New(regions []Region) *List {
	cp := make([]Region, len(regions))
	copy(cp, regions)
	sort.Slice(cp, func(i, j int) bool { return cp[i].BaseAddress < cp[j].BaseAddress })
	return &List{regions: cp}
}

// Empty returns a List with no regions, for dumps with no memory stream.
func Empty() *List {
	return &List{}
}

// RegionForAddress returns the region containing addr, if any. Regions may
// overlap (the per-thread inline stack descriptor and the general memory
// list can describe the same bytes), so a binary search alone can't find the
// right region: it only narrows the candidates to those based at or below
// addr, which are then scanned from the highest base downward.
func (l *List) RegionForAddress(addr uint64) (Region, bool) {
	if l == nil {
		return Region{}, false
	}
	// addr can only be contained by a region whose BaseAddress is <= addr;
	// binary search to that point and scan backward over the (typically
	// small) run of regions that could still contain it.
	idx := sort.Search(len(l.regions), func(i int) bool { return l.regions[i].BaseAddress > addr })
	for i := idx - 1; i >= 0; i-- {
		if l.regions[i].Contains(addr) {
			return l.regions[i], true
		}
	}
	return Region{}, false
}

// All returns the regions in address order. The returned slice must not be
// mutated by the caller.
func (l *List) All() []Region {
	if l == nil {
		return nil
	}
	return l.regions
}
