// Package symbols declares the abstract capability set the stack walker and
// orchestrator consume to resolve symbols and call-frame-info unwind rules.
// Concrete providers (breakpad .sym files, a symbol server, local debuginfo)
// live outside this module; this package only pins the contract.
package symbols

import (
	"context"
	"errors"

	"github.com/crashwalk/crashwalk/pkg/frame"
	"github.com/crashwalk/crashwalk/pkg/module"
)

// ErrNotFound is returned by FillSymbol, WalkFrame, and GetFilePath when the
// requested information genuinely isn't available (missing symbol file,
// stripped module, no CFI at this address). Callers that can tolerate
// absence (the stack walker falling back to the next strategy) check for
// this with errors.Is; any other error is treated as unexpected.
var ErrNotFound = errors.New("symbol information not found")

// FileKind selects which on-disk artifact GetFilePath resolves.
type FileKind int

const (
	FileBreakpadSym FileKind = iota
	FileBinary
	FileExtraDebugInfo
)

// FrameSymbolizer receives the results of a FillSymbol call. The walker
// passes in a per-frame builder and copies what it recorded onto the frame
// being built only when FillSymbol returns nil.
type FrameSymbolizer interface {
	SetFunction(name string, base uint64)
	SetSourceLine(file string, line uint32)
	AddInlineFrame(fr frame.InlineFrame)
}

// FrameWalker is the callback a symbol provider uses to evaluate
// call-frame-information rules against the callee's registers and produce
// the caller's. Register values flow in with GetCalleeRegister and the
// computed caller state flows back out with SetCallerRegister/SetCFA/SetRA.
type FrameWalker interface {
	// GetCalleeRegister reads a register from the frame being unwound
	// (the callee, i.e. the frame closer to the top of the stack).
	GetCalleeRegister(name string) (uint64, bool)
	// SetCallerRegister records a computed register value for the caller
	// frame and reports whether it was recorded. The stack walker's
	// implementation records every name and always returns true.
	SetCallerRegister(name string, value uint64) bool
	// SetCFA records the canonical frame address computed for this frame.
	SetCFA(value uint64) bool
	// SetRA records the return address computed for this frame.
	SetRA(value uint64) bool
	// GetInstruction returns the instruction address CFI is being
	// evaluated at.
	GetInstruction() uint64
	// HasGrandCallee reports whether there is a frame beyond the callee
	// (used by some CFI evaluators to decide whether certain registers
	// are still live).
	HasGrandCallee() bool
	// GetRegisterAtAddress reads a pointer-sized value from the callee's
	// stack memory, for memory-expressed CFI rules (DWARF expressions).
	GetRegisterAtAddress(addr uint64) (uint64, bool)
}

// ModuleStats is a snapshot of what a provider knows about one module.
type ModuleStats struct {
	SymbolURL      string
	LoadedSymbols  bool
	CorruptSymbols bool
}

// Stats is a snapshot of provider-wide statistics, safe to read while other
// lookups for the same dump are still in flight.
type Stats struct {
	Modules map[string]ModuleStats
}

// Provider is the capability set the stack walker and orchestrator consume.
// Implementations must be safe for concurrent use by suspended callers (see
// SPEC_FULL.md §5): one Provider is shared across every thread of a single
// dump.
type Provider interface {
	// FillSymbol resolves function name, function base, source location,
	// and inline frames for instruction within mod, reporting them onto
	// sym. Returns ErrNotFound if nothing could be resolved.
	FillSymbol(ctx context.Context, mod module.Module, instruction uint64, sym FrameSymbolizer) error
	// WalkFrame applies call-frame-information rules for the instruction
	// walker.GetInstruction() reports, using walker to read callee
	// registers and record caller registers/CFA/RA. Returns ErrNotFound
	// if there is no CFI for this instruction.
	WalkFrame(ctx context.Context, mod module.Module, walker FrameWalker) error
	// GetFilePath resolves the on-disk path backing mod for the given
	// kind. Returns ErrNotFound if it isn't available locally.
	GetFilePath(ctx context.Context, mod module.Module, kind FileKind) (string, error)
	// Stats returns a snapshot of lookup statistics, consistent with
	// respect to completed lookups.
	Stats() Stats
}
