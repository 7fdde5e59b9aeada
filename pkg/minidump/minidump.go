// Package minidump models the "minidump stream consumer contract" (§6):
// the typed views the core requires an external dump parser to expose.
// Parsing the binary minidump format itself is out of scope (§1) — this
// package only pins the shapes the core consumes, plus a Source interface
// a real parser implements.
package minidump

import (
	"context"
	"errors"
	"time"

	"github.com/crashwalk/crashwalk/pkg/cpucontext"
	"github.com/crashwalk/crashwalk/pkg/memrange"
	"github.com/crashwalk/crashwalk/pkg/module"
)

// ErrStreamNotPresent is returned by Source methods when the minidump
// simply doesn't contain that stream. It is distinct from a read error on a
// stream that is present but malformed.
var ErrStreamNotPresent = errors.New("minidump: stream not present")

// OS identifies the operating system a dump was captured on.
type OS int

const (
	OSUnknown OS = iota
	OSWindows
	OSLinux
	OSMac
)

// SystemInfo is the required "system info" stream.
type SystemInfo struct {
	OS                  OS
	OSVersion           string
	CPU                 cpucontext.Architecture
	CPUInfo             string
	CPUCount            uint32
	CPUMicrocodeVersion *uint64
}

// Thread is one entry of the required thread-list stream.
type Thread struct {
	ThreadID  uint32
	Context   *cpucontext.Context // nil if the dump didn't capture it
	Stack     *memrange.Region    // inline stack memory descriptor, nil if absent/null
	StackBase uint64              // start_of_memory_range, used to look the stack up in the memory list when Stack is nil
	TEB       uint64              // thread environment block address (Windows only), 0 if absent/not applicable
}

// ThreadList is the required thread-list stream.
type ThreadList struct {
	Threads []Thread
}

// ThreadNames is the optional thread-names stream.
type ThreadNames struct {
	names map[uint32]string
}

// NewThreadNames builds a ThreadNames lookup from a name-by-id map.
func NewThreadNames(names map[uint32]string) *ThreadNames {
	return &ThreadNames{names: names}
}

// Get returns the name registered for threadID, if any.
func (t *ThreadNames) Get(threadID uint32) (string, bool) {
	if t == nil {
		return "", false
	}
	n, ok := t.names[threadID]
	return n, ok
}

// UnloadedModule is one entry of the optional unloaded-module-list stream.
type UnloadedModule struct {
	BaseAddress    uint64
	Size           uint64
	CodeFile       string
	CodeIdentifier string
}

// UnloadedModuleList is the optional unloaded-module-list stream.
type UnloadedModuleList struct {
	Modules []UnloadedModule
}

// MemoryInfoRegion describes page-level metadata (protection, guard-page
// status) for one region, from the optional memory-info-list stream.
type MemoryInfoRegion struct {
	BaseAddress uint64
	RegionSize  uint64
	IsGuardPage bool
}

// MemoryInfoList is the optional memory-info-list stream, consulted by the
// orchestrator to fill in OpAnalysis.MemoryAccess.IsLikelyGuardPage.
type MemoryInfoList struct {
	Regions []MemoryInfoRegion
}

// IsGuardPage reports whether addr falls within a region the dump marked
// as a guard page.
func (l *MemoryInfoList) IsGuardPage(addr uint64) bool {
	if l == nil {
		return false
	}
	for _, r := range l.Regions {
		if addr >= r.BaseAddress && addr < r.BaseAddress+r.RegionSize {
			return r.IsGuardPage
		}
	}
	return false
}

// Exception is the optional exception stream.
type Exception struct {
	ThreadID         uint32
	ExceptionCode    uint32
	ExceptionAddress uint64
	Context          *cpucontext.Context // the exception-time context, if captured
}

// MiscInfo is the optional misc-info stream.
type MiscInfo struct {
	ProcessID         *uint32
	ProcessCreateTime *time.Time
}

// BreakpadInfo is the optional Breakpad-info stream.
type BreakpadInfo struct {
	DumpThreadID       *uint32
	RequestingThreadID *uint32
}

// LsbRelease is the optional Linux lsb-release sidecar, key/value pairs
// parsed from /etc/lsb-release or /etc/os-release.
type LsbRelease struct {
	ID          string
	Release     string
	Codename    string
	Description string
}

// LinuxCPUInfo is the optional Linux cpuinfo sidecar.
type LinuxCPUInfo struct {
	Fields map[string]string
}

// LinuxEnviron is the optional Linux environ sidecar: the raw "KEY=VALUE"
// entries of the crashing process's environment.
type LinuxEnviron struct {
	Entries []string
}

// LinuxProcStatus is the optional Linux /proc/[pid]/status sidecar.
type LinuxProcStatus struct {
	Fields map[string]string
}

// Source is the minidump stream consumer contract: what the core requires
// an external dump parser to expose. Every method returns
// ErrStreamNotPresent if the dump simply lacks that stream.
type Source interface {
	SystemInfo(ctx context.Context) (*SystemInfo, error)
	ThreadList(ctx context.Context) (*ThreadList, error)
	ThreadNames(ctx context.Context) (*ThreadNames, error)
	ModuleList(ctx context.Context) (*module.List, error)
	UnloadedModuleList(ctx context.Context) (*UnloadedModuleList, error)
	MemoryList(ctx context.Context) (*memrange.List, error)
	MemoryInfoList(ctx context.Context) (*MemoryInfoList, error)
	Exception(ctx context.Context) (*Exception, error)
	MiscInfo(ctx context.Context) (*MiscInfo, error)
	BreakpadInfo(ctx context.Context) (*BreakpadInfo, error)
	LinuxLsbRelease(ctx context.Context) (*LsbRelease, error)
	LinuxCPUInfo(ctx context.Context) (*LinuxCPUInfo, error)
	LinuxEnviron(ctx context.Context) (*LinuxEnviron, error)
	LinuxProcStatus(ctx context.Context) (*LinuxProcStatus, error)

	// UnknownStreams returns the stream-type codes present in the dump
	// that this Source doesn't recognize at all.
	UnknownStreams() []uint32
	// UnimplementedStreams returns the stream-type codes this Source
	// recognizes but chose not to implement a typed reader for.
	UnimplementedStreams() []uint32
}
