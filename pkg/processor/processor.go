// Package processor is the orchestration layer: it drives one minidump's
// streams through the stack walker and instruction analyzer and assembles
// the result into a ProcessState.
package processor

import (
	"context"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/crashwalk/crashwalk/pkg/frame"
	"github.com/crashwalk/crashwalk/pkg/logflags"
	"github.com/crashwalk/crashwalk/pkg/memrange"
	"github.com/crashwalk/crashwalk/pkg/minidump"
	"github.com/crashwalk/crashwalk/pkg/module"
	"github.com/crashwalk/crashwalk/pkg/opanalysis"
	"github.com/crashwalk/crashwalk/pkg/stackwalk"
	"github.com/crashwalk/crashwalk/pkg/symbols"
)

// Process unwinds every thread in src and returns a ProcessState. It's the
// equivalent of calling ProcessWithOptions with DefaultProcessorOptions().
func Process(ctx context.Context, src minidump.Source, provider symbols.Provider) (*ProcessState, error) {
	return ProcessWithOptions(ctx, src, provider, DefaultProcessorOptions())
}

// ProcessWithOptions is Process with explicit options.
func ProcessWithOptions(ctx context.Context, src minidump.Source, provider symbols.Provider, opts ProcessorOptions) (*ProcessState, error) {
	threadList, err := src.ThreadList(ctx)
	if err != nil {
		if errors.Is(err, minidump.ErrStreamNotPresent) {
			return nil, ErrMissingThreadList
		}
		return nil, errors.Wrap(ErrMinidumpRead, err.Error())
	}

	sysInfo, err := src.SystemInfo(ctx)
	if err != nil {
		if errors.Is(err, minidump.ErrStreamNotPresent) {
			return nil, ErrMissingSystemInfo
		}
		return nil, errors.Wrap(ErrMinidumpRead, err.Error())
	}

	threadNames, _ := src.ThreadNames(ctx)

	modules, err := src.ModuleList(ctx)
	if err != nil {
		modules = module.Empty()
	}
	unloadedModules, err := src.UnloadedModuleList(ctx)
	if err != nil {
		unloadedModules = &minidump.UnloadedModuleList{}
	}
	memoryList, err := src.MemoryList(ctx)
	if err != nil {
		memoryList = memrange.Empty()
	}
	memoryInfo, err := src.MemoryInfoList(ctx)
	if err != nil {
		memoryInfo = nil
	}

	lsb, err := src.LinuxLsbRelease(ctx)
	if err != nil {
		lsb = nil
	}
	microcode := linuxMicrocodeVersion(src, ctx)

	breakpadInfo, _ := src.BreakpadInfo(ctx)
	var dumpThreadID, requestingThreadID *uint32
	if breakpadInfo != nil {
		dumpThreadID = breakpadInfo.DumpThreadID
		requestingThreadID = breakpadInfo.RequestingThreadID
	}

	exception, excErr := src.Exception(ctx)
	hasException := excErr == nil && exception != nil

	var crashingThreadID *uint32
	if hasException {
		crashingThreadID = &exception.ThreadID
	} else {
		crashingThreadID = requestingThreadID
	}

	state := &ProcessState{
		SystemInfo:          *sysInfo,
		Modules:             modules,
		UnloadedModules:     unloadedModules,
		LinuxStandardBase:   lsb,
		CPUMicrocodeVersion: microcode,
	}

	if miscInfo, err := src.MiscInfo(ctx); err == nil && miscInfo != nil {
		state.ProcessID = miscInfo.ProcessID
		state.ProcessCreateTime = miscInfo.ProcessCreateTime
	}

	if hasException {
		state.HasCrash = true
		state.CrashReason = crashReason(sysInfo.OS, exception.ExceptionCode)
		state.CrashAddress = exception.ExceptionAddress
		state.ExceptionCode = exception.ExceptionCode
	}

	threads := make([]frame.CallStack, 0, len(threadList.Threads))
	for i, thread := range threadList.Threads {
		if dumpThreadID != nil && *dumpThreadID == thread.ThreadID {
			threads = append(threads, frame.WithInfo(frame.InfoDumpThreadSkipped, thread.ThreadID))
			continue
		}

		isCrashingThread := crashingThreadID != nil && *crashingThreadID == thread.ThreadID
		cc := thread.Context
		if isCrashingThread && hasException && exception.Context != nil {
			cc = exception.Context
		}
		if isCrashingThread {
			idx := i
			state.CrashingThreadIndex = &idx
		}

		stackMemory := thread.Stack
		if stackMemory == nil {
			if r, ok := memoryList.RegionForAddress(thread.StackBase); ok {
				stackMemory = &r
			}
		}

		stack := stackwalk.WalkStack(ctx, cc, stackMemory, modules, provider, opts.walkOptions())
		stack.ThreadID = thread.ThreadID
		if name, ok := threadNames.Get(thread.ThreadID); ok {
			stack.ThreadName = name
			stack.HasThreadName = true
		}
		if v, ok := lastErrorValue(sysInfo.OS, sysInfo.CPU, thread.TEB, memoryList); ok {
			stack.LastErrorValue = v
			stack.HasLastError = true
		}
		threads = append(threads, stack)

		if isCrashingThread && opts.AnalyzeCrashingThread && cc != nil {
			analysis, err := opanalysis.AnalyzeThreadContext(cc, memoryList, stackMemory)
			if err != nil {
				if logflags.Processor() {
					logflags.ProcessorLogger().WithField("thread_id", thread.ThreadID).Debugf("op analysis failed: %v", err)
				}
			} else {
				annotateGuardPages(analysis, memoryInfo)
				state.OpAnalysis = analysis
			}
		}
	}
	state.Threads = threads

	state.UnknownStreams = src.UnknownStreams()
	state.UnimplementedStreams = src.UnimplementedStreams()
	state.SymbolStats = provider.Stats()

	return state, nil
}

// annotateGuardPages fills in IsLikelyGuardPage on every memory access and
// instruction-pointer update the analyzer recorded. pkg/opanalysis has no
// access to the minidump's memory-info stream, so this is the orchestrator's
// job rather than the analyzer's.
func annotateGuardPages(analysis *opanalysis.OpAnalysis, memoryInfo *minidump.MemoryInfoList) {
	if memoryInfo == nil || analysis == nil {
		return
	}
	if analysis.MemoryAccessList != nil {
		for i := range analysis.MemoryAccessList.Accesses {
			addr := &analysis.MemoryAccessList.Accesses[i].AddressInfo
			addr.IsLikelyGuardPage = memoryInfo.IsGuardPage(addr.Address)
		}
	}
	if analysis.InstructionPointerUpdate != nil && analysis.InstructionPointerUpdate.Updates {
		addr := &analysis.InstructionPointerUpdate.AddressInfo
		addr.IsLikelyGuardPage = memoryInfo.IsGuardPage(addr.Address)
	}
}

func linuxMicrocodeVersion(src minidump.Source, ctx context.Context) *uint64 {
	cpuInfo, err := src.LinuxCPUInfo(ctx)
	if err != nil || cpuInfo == nil {
		return nil
	}
	raw, ok := cpuInfo.Fields["microcode"]
	if !ok {
		return nil
	}
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	v, err := strconv.ParseUint(raw, 16, 64)
	if err != nil {
		return nil
	}
	return &v
}
