// Package stackwalk reconstructs a thread's call stack by chaining unwind
// strategies (call-frame-info, frame-pointer, stack scan) with strict
// provenance tracking, per SPEC_FULL.md §4.1.
package stackwalk

import (
	"context"

	"github.com/crashwalk/crashwalk/pkg/cpucontext"
	"github.com/crashwalk/crashwalk/pkg/frame"
	"github.com/crashwalk/crashwalk/pkg/logflags"
	"github.com/crashwalk/crashwalk/pkg/memrange"
	"github.com/crashwalk/crashwalk/pkg/module"
	"github.com/crashwalk/crashwalk/pkg/symbols"
)

// DefaultMaxFrames is the default bound on frames produced per thread
// (SPEC_FULL.md §4.1 "Stop conditions").
const DefaultMaxFrames = 1024

// Options tunes a single WalkStack call.
type Options struct {
	// MaxFrames bounds the number of frames produced. Zero means
	// DefaultMaxFrames.
	MaxFrames int
}

func (o Options) maxFrames() int {
	if o.MaxFrames <= 0 {
		return DefaultMaxFrames
	}
	return o.MaxFrames
}

// WalkStack reconstructs a single thread's call stack. It never fails by
// returning an error: every failure mode is reported through
// CallStack.Info (SPEC_FULL.md §4.1 "Preconditions").
func WalkStack(
	ctx context.Context,
	cc *cpucontext.Context,
	stackMemory *memrange.Region,
	modules *module.List,
	provider symbols.Provider,
	opts Options,
) frame.CallStack {
	if cc == nil {
		return frame.CallStack{Info: frame.InfoMissingContext}
	}
	arch, ok := archFor(cc.Architecture())
	if !ok {
		return frame.CallStack{Info: frame.InfoUnsupportedCPU}
	}

	ip, err := cc.InstructionPointer()
	if err != nil {
		return frame.CallStack{Info: frame.InfoInvalidContext}
	}

	frames := make([]frame.Frame, 0, 8)
	frames = append(frames, buildFrame(ctx, cc, ip, frame.TrustContext, modules, provider))
	frames = expandInlines(frames, len(frames)-1)

	callee := cc
	calleeTrust := frame.TrustContext
	max := opts.maxFrames()

	for len(frames) < max {
		select {
		case <-ctx.Done():
			return frame.CallStack{Info: frame.InfoOk, Frames: frames}
		default:
		}

		calleeSP, err := callee.StackPointer()
		if err != nil {
			break
		}

		caller, trust, ok := tryUnwindInfo(ctx, arch, callee, stackMemory, modules, provider, len(frames) > 1)
		if !ok {
			caller, trust, ok = tryFramePointer(arch, callee, stackMemory)
		}
		if !ok {
			caller, trust, ok = tryScan(arch, callee, stackMemory, modules)
		}
		if !ok {
			break
		}

		callerIP, err := caller.InstructionPointer()
		if err != nil || callerIP == 0 {
			break
		}
		callerSP, err := caller.StackPointer()
		if err != nil || callerSP <= calleeSP {
			break
		}

		// A caller IP outside every loaded module can't be symbolicated
		// (FillSymbol requires a module to look up against), so this is
		// the walk's "outside all modules AND cannot be symbolicated"
		// stop condition collapsed into one check.
		if _, inModule := modules.ModuleForAddress(callerIP); !inModule && calleeTrust != frame.TrustContext {
			break
		}

		instrForFrame := callerIP - arch.MinCallLen
		if instrForFrame > callerIP {
			// underflowed (callerIP smaller than MinCallLen); clamp.
			instrForFrame = 0
		}

		f := buildFrame(ctx, caller, instrForFrame, trust, modules, provider)
		frames = append(frames, f)
		frames = expandInlines(frames, len(frames)-1)

		callee = caller
		calleeTrust = trust
	}

	if len(frames) > max {
		// Inline expansion can push the frame count past max even though
		// the walk loop itself stopped in time; keep the invariant that
		// no more than max frames are ever returned.
		frames = frames[:max]
	}

	return frame.CallStack{Info: frame.InfoOk, Frames: frames}
}

func buildFrame(ctx context.Context, cc *cpucontext.Context, instruction uint64, trust frame.Trust, modules *module.List, provider symbols.Provider) frame.Frame {
	f := frame.Frame{
		Context:     cc,
		Instruction: instruction,
		Trust:       trust,
	}
	mod, ok := modules.ModuleForAddress(instruction)
	if ok {
		m := mod
		f.Module = &m
		b := &frameBuilder{}
		if err := provider.FillSymbol(ctx, mod, instruction, b); err == nil {
			if b.hasFunction {
				f.Function = b.function
				f.FunctionBase = b.functionBase
				f.HasFunction = true
			}
			if b.hasSourceLine {
				f.SourceFile = b.sourceFile
				f.SourceLine = b.sourceLine
				f.HasSourceLine = true
			}
			f.InlineFrames = b.inlines
		} else if logflags.Stack() {
			logflags.StackLogger().WithField("pc", instruction).Debugf("fill_symbol miss: %v", err)
		}
	}
	return f
}

// expandInlines inserts synthetic frames for any inline chain discovered on
// frames[idx], innermost first, directly before it, inheriting its trust
// and context (SPEC_FULL.md §4.1 "Inline-frame expansion").
func expandInlines(frames []frame.Frame, idx int) []frame.Frame {
	concrete := frames[idx]
	if len(concrete.InlineFrames) == 0 {
		return frames
	}
	synth := make([]frame.Frame, 0, len(concrete.InlineFrames))
	for _, inl := range concrete.InlineFrames {
		synth = append(synth, frame.Frame{
			Context:       concrete.Context,
			Instruction:   concrete.Instruction,
			Module:        concrete.Module,
			Function:      inl.Function,
			FunctionBase:  inl.FunctionBase,
			HasFunction:   inl.Function != "",
			SourceFile:    inl.SourceFile,
			SourceLine:    inl.SourceLine,
			HasSourceLine: inl.SourceLine != 0,
			Trust:         concrete.Trust,
		})
	}
	out := make([]frame.Frame, 0, len(frames)+len(synth))
	out = append(out, frames[:idx]...)
	out = append(out, synth...)
	out = append(out, concrete)
	return out
}

type frameBuilder struct {
	function      string
	functionBase  uint64
	hasFunction   bool
	sourceFile    string
	sourceLine    uint32
	hasSourceLine bool
	inlines       []frame.InlineFrame
}

func (b *frameBuilder) SetFunction(name string, base uint64) {
	b.function = name
	b.functionBase = base
	b.hasFunction = true
}

func (b *frameBuilder) SetSourceLine(file string, line uint32) {
	b.sourceFile = file
	b.sourceLine = line
	b.hasSourceLine = true
}

func (b *frameBuilder) AddInlineFrame(fr frame.InlineFrame) {
	b.inlines = append(b.inlines, fr)
}
