// Package frame holds the reconstructed-stack data model: Frame, CallStack,
// and the trust levels that record how each frame was recovered.
package frame

import (
	"github.com/crashwalk/crashwalk/pkg/cpucontext"
	"github.com/crashwalk/crashwalk/pkg/module"
)

// Trust records the provenance of a reconstructed frame, ordered by
// decreasing reliability. Comparing two Trust values with < / > reflects
// that ordering (Context is the most trusted).
type Trust int

const (
	TrustContext Trust = iota
	TrustCallFrameInfo
	TrustFramePointer
	TrustScan
	TrustPrewalked
)

func (t Trust) String() string {
	switch t {
	case TrustContext:
		return "context"
	case TrustCallFrameInfo:
		return "call-frame-info"
	case TrustFramePointer:
		return "frame-pointer"
	case TrustScan:
		return "scan"
	case TrustPrewalked:
		return "prewalked"
	default:
		return "unknown"
	}
}

// MoreReliableThan reports whether t is a more trustworthy provenance than
// other (lower enum value wins).
func (t Trust) MoreReliableThan(other Trust) bool {
	return t < other
}

// InlineFrame is a synthetic frame produced by expanding an inline call
// chain the symbol provider reported for a concrete Frame.
type InlineFrame struct {
	Function     string
	FunctionBase uint64
	SourceFile   string
	SourceLine   uint32
}

// Frame is one entry of a reconstructed call stack.
type Frame struct {
	Context      *cpucontext.Context
	Instruction  uint64
	Module       *module.Module // nil if unattributed
	Function     string         // "" if unknown
	FunctionBase uint64
	HasFunction  bool
	SourceFile   string
	SourceLine   uint32
	HasSourceLine bool
	InlineFrames []InlineFrame
	Trust        Trust
}

// Info classifies the overall outcome of walking one thread's stack.
type Info int

const (
	InfoOk Info = iota
	InfoDumpThreadSkipped
	InfoMissingContext
	InfoMissingMemory
	InfoInvalidContext
	InfoUnsupportedCPU
)

func (i Info) String() string {
	switch i {
	case InfoOk:
		return "OK"
	case InfoDumpThreadSkipped:
		return "DUMP_THREAD_SKIPPED"
	case InfoMissingContext:
		return "MISSING_CONTEXT"
	case InfoMissingMemory:
		return "MISSING_MEMORY"
	case InfoInvalidContext:
		return "INVALID_CONTEXT"
	case InfoUnsupportedCPU:
		return "UNSUPPORTED_CPU"
	default:
		return "UNKNOWN"
	}
}

// CallStack is the reconstructed stack for a single thread.
type CallStack struct {
	Info           Info
	Frames         []Frame
	ThreadID       uint32
	ThreadName     string
	HasThreadName  bool
	LastErrorValue uint32
	HasLastError   bool
}

// WithInfo builds a CallStack carrying only an Info outcome and no frames,
// for threads that were never walked (e.g. DumpThreadSkipped).
func WithInfo(info Info, threadID uint32) CallStack {
	return CallStack{Info: info, ThreadID: threadID}
}
