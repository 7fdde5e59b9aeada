// Package cpucontext is the typed view of a thread's captured CPU state.
//
// A Context is a tagged variant over the supported architectures. It wraps
// a register file and a validity descriptor: either every register is
// considered valid (the common case for a context captured straight from
// the dump) or only a named subset is (the common case for a context
// synthesized by an unwind strategy, which only knows the registers its
// rule set touched). Reading an invalid register returns ErrRegisterInvalid
// rather than a zero value, so callers can't silently treat "unknown" as
// "zero".
package cpucontext

import (
	"errors"
	"fmt"
)

// Architecture identifies the CPU architecture a Context was captured on.
type Architecture int

const (
	X86 Architecture = iota
	AMD64
	ARM
	ARM64
)

func (a Architecture) String() string {
	switch a {
	case X86:
		return "x86"
	case AMD64:
		return "amd64"
	case ARM:
		return "arm"
	case ARM64:
		return "arm64"
	default:
		return fmt.Sprintf("Architecture(%d)", int(a))
	}
}

// ErrRegisterInvalid is returned when reading a register that is either
// unknown to the architecture or not currently marked valid.
var ErrRegisterInvalid = errors.New("register invalid")

// names of the instruction-pointer, stack-pointer, and frame-pointer
// registers for each architecture, used by InstructionPointer/StackPointer/
// FramePointer. Per-strategy register tables (return-address register,
// scratch registers a callee may clobber) live in pkg/stackwalk, which is
// where they're actually consumed.
var ipsfRegs = map[Architecture][3]string{
	X86:   {"eip", "esp", "ebp"},
	AMD64: {"rip", "rsp", "rbp"},
	ARM:   {"r15", "r13", "r11"},
	ARM64: {"pc", "sp", "x29"},
}

// Context is a snapshot of a thread or frame's register state.
type Context struct {
	arch  Architecture
	regs  map[string]uint64
	all   bool                // every register is considered valid
	valid map[string]struct{} // nil when all == true
}

// NewAllValid builds a Context whose every register is considered valid,
// for contexts captured directly from a dump.
func NewAllValid(arch Architecture, regs map[string]uint64) *Context {
	cp := make(map[string]uint64, len(regs))
	for k, v := range regs {
		cp[k] = v
	}
	return &Context{arch: arch, regs: cp, all: true}
}

// NewPartial builds a Context where only the registers named in validNames
// are considered valid, for contexts synthesized by an unwind strategy.
// Registers in regs but not in validNames are retained but unreadable until
// a later SetRegister call marks them valid.
func NewPartial(arch Architecture, regs map[string]uint64, validNames []string) *Context {
	cp := make(map[string]uint64, len(regs))
	for k, v := range regs {
		cp[k] = v
	}
	valid := make(map[string]struct{}, len(validNames))
	for _, n := range validNames {
		valid[n] = struct{}{}
	}
	return &Context{arch: arch, regs: cp, valid: valid}
}

// Architecture returns the architecture this context was captured on.
func (c *Context) Architecture() Architecture {
	return c.arch
}

// IsValid reports whether name is currently readable.
func (c *Context) IsValid(name string) bool {
	if c.all {
		_, ok := c.regs[name]
		return ok
	}
	_, ok := c.valid[name]
	return ok
}

// Register reads a named register, failing with ErrRegisterInvalid if it is
// unknown or not currently valid.
func (c *Context) Register(name string) (uint64, error) {
	if !c.IsValid(name) {
		return 0, fmt.Errorf("%s: %w", name, ErrRegisterInvalid)
	}
	return c.regs[name], nil
}

// SetRegister writes a named register and marks it valid. The validity set
// can only grow during a single walk step: SetRegister never un-marks a
// register that was already valid, and never shrinks an "all valid"
// context to a subset.
func (c *Context) SetRegister(name string, value uint64) {
	c.regs[name] = value
	if !c.all {
		if c.valid == nil {
			c.valid = make(map[string]struct{}, 1)
		}
		c.valid[name] = struct{}{}
	}
}

// ValidNames returns the set of currently-valid register names. If every
// register is valid, it returns the names present in the register file.
func (c *Context) ValidNames() []string {
	if c.all {
		out := make([]string, 0, len(c.regs))
		for k := range c.regs {
			out = append(out, k)
		}
		return out
	}
	out := make([]string, 0, len(c.valid))
	for k := range c.valid {
		out = append(out, k)
	}
	return out
}

func (c *Context) ipsf() [3]string {
	return ipsfRegs[c.arch]
}

// InstructionPointer returns the value of the architecture's instruction
// pointer register.
func (c *Context) InstructionPointer() (uint64, error) {
	return c.Register(c.ipsf()[0])
}

// StackPointer returns the value of the architecture's stack pointer
// register.
func (c *Context) StackPointer() (uint64, error) {
	return c.Register(c.ipsf()[1])
}

// FramePointer returns the value of the architecture's conventional frame
// pointer register.
func (c *Context) FramePointer() (uint64, error) {
	return c.Register(c.ipsf()[2])
}

// Clone returns an independent copy of c, so that callers building a
// caller context from a callee context don't alias register state.
func (c *Context) Clone() *Context {
	out := &Context{arch: c.arch, all: c.all}
	out.regs = make(map[string]uint64, len(c.regs))
	for k, v := range c.regs {
		out.regs[k] = v
	}
	if !c.all {
		out.valid = make(map[string]struct{}, len(c.valid))
		for k := range c.valid {
			out.valid[k] = struct{}{}
		}
	}
	return out
}
