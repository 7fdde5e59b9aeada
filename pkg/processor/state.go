package processor

import (
	"time"

	"github.com/crashwalk/crashwalk/pkg/frame"
	"github.com/crashwalk/crashwalk/pkg/minidump"
	"github.com/crashwalk/crashwalk/pkg/module"
	"github.com/crashwalk/crashwalk/pkg/opanalysis"
	"github.com/crashwalk/crashwalk/pkg/symbols"
)

// ProcessState is the complete result of processing one minidump: a
// per-thread call stack plus whatever crash classification and system
// metadata could be recovered.
type ProcessState struct {
	ProcessID         *uint32
	ProcessCreateTime *time.Time

	SystemInfo minidump.SystemInfo

	// CrashingThreadIndex is the index into Threads of the thread that
	// requested the dump (prefers the exception stream's thread id over
	// the Breakpad-info stream's), or nil if neither was present.
	CrashingThreadIndex *int
	// HasCrash is true when an exception stream was present at all.
	HasCrash      bool
	CrashReason   string
	CrashAddress  uint64
	ExceptionCode uint32

	// OpAnalysis is the instruction analyzer's result for the crashing
	// thread's context, or nil if there was no crashing thread, the
	// analysis wasn't requested, or it failed (always logged, never
	// fatal).
	OpAnalysis *opanalysis.OpAnalysis

	Threads         []frame.CallStack
	Modules         *module.List
	UnloadedModules *minidump.UnloadedModuleList

	LinuxStandardBase   *minidump.LsbRelease
	CPUMicrocodeVersion *uint64

	UnknownStreams       []uint32
	UnimplementedStreams []uint32

	SymbolStats symbols.Stats
}
