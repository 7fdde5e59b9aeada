// Package module holds the loaded-module list: the main binary plus any
// shared libraries present in a minidump, indexed by address range.
package module

import (
	"fmt"
	"sort"

	"golang.org/x/exp/slices"
)

// Module describes one loaded binary image.
type Module struct {
	BaseAddress     uint64
	Size            uint64
	CodeFile        string
	CodeIdentifier  string // empty if not present
	DebugFile       string // empty if not present
	DebugIdentifier string // empty if not present
}

// End returns the address one past the last byte occupied by the module.
func (m Module) End() uint64 {
	return m.BaseAddress + m.Size
}

// Contains reports whether addr falls within [BaseAddress, End).
func (m Module) Contains(addr uint64) bool {
	return addr >= m.BaseAddress && addr < m.End()
}

// ErrOverlapping is returned by New when two modules claim overlapping
// address ranges.
type ErrOverlapping struct {
	A, B Module
}

func (e ErrOverlapping) Error() string {
	return fmt.Sprintf("module %q [%#x,%#x) overlaps module %q [%#x,%#x)",
		e.A.CodeFile, e.A.BaseAddress, e.A.End(),
		e.B.CodeFile, e.B.BaseAddress, e.B.End())
}

// List is an immutable, address-ordered set of modules.
type List struct {
	mods []Module
}

// New builds a List from an unordered slice of modules. It fails if any two
// modules overlap.
func New(mods []Module) (*List, error) {
	cp := make([]Module, len(mods))
	copy(cp, mods)
	sort.Slice(cp, func(i, j int) bool { return cp[i].BaseAddress < cp[j].BaseAddress })
	for i := 1; i < len(cp); i++ {
		if cp[i].BaseAddress < cp[i-1].End() {
			return nil, ErrOverlapping{A: cp[i-1], B: cp[i]}
		}
	}
	return &List{mods: cp}, nil
}

// Empty returns a List with no modules, for dumps with no module stream.
func Empty() *List {
	return &List{}
}

// ModuleForAddress returns the module containing addr, if any.
func (l *List) ModuleForAddress(addr uint64) (Module, bool) {
	if l == nil || len(l.mods) == 0 {
		return Module{}, false
	}
	idx, found := slices.BinarySearchFunc(l.mods, addr, func(m Module, addr uint64) int {
		switch {
		case addr < m.BaseAddress:
			return 1
		case addr >= m.End():
			return -1
		default:
			return 0
		}
	})
	if !found {
		return Module{}, false
	}
	return l.mods[idx], true
}

// All returns the modules in address order. The returned slice must not be
// mutated by the caller.
func (l *List) All() []Module {
	if l == nil {
		return nil
	}
	return l.mods
}

// Len returns the number of modules in the list.
func (l *List) Len() int {
	if l == nil {
		return 0
	}
	return len(l.mods)
}
