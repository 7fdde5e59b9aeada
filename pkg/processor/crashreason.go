package processor

import (
	"fmt"

	"github.com/crashwalk/crashwalk/pkg/minidump"
)

// crashReason renders a human-readable name for an OS-specific exception
// code, the way Breakpad's per-platform exception tables do. Only the
// codes common enough to show up in most crash triage are named; anything
// else renders as a generic "unknown code" string rather than failing.
func crashReason(os minidump.OS, code uint32) string {
	table := crashReasonTables[os]
	if table == nil {
		return fmt.Sprintf("UNKNOWN_EXCEPTION_CODE_0x%x", code)
	}
	if name, ok := table[code]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN_EXCEPTION_CODE_0x%x", code)
}

// Linux/POSIX exception codes are signal numbers, as written by the
// breakpad client's exception handler.
var linuxCrashReasons = map[uint32]string{
	4:  "SIGILL",
	5:  "SIGTRAP",
	6:  "SIGABRT",
	7:  "SIGBUS",
	8:  "SIGFPE",
	9:  "SIGKILL",
	11: "SIGSEGV",
	13: "SIGPIPE",
	31: "SIGSYS",
}

// Windows exception codes, as defined by ntstatus.h / winbase.h.
var windowsCrashReasons = map[uint32]string{
	0xC0000005: "EXCEPTION_ACCESS_VIOLATION",
	0xC0000006: "EXCEPTION_IN_PAGE_ERROR",
	0xC0000017: "EXCEPTION_NO_MEMORY",
	0xC000001D: "EXCEPTION_ILLEGAL_INSTRUCTION",
	0xC0000025: "EXCEPTION_NONCONTINUABLE_EXCEPTION",
	0xC0000026: "EXCEPTION_INVALID_DISPOSITION",
	0xC000008C: "EXCEPTION_ARRAY_BOUNDS_EXCEEDED",
	0xC000008D: "EXCEPTION_FLT_DENORMAL_OPERAND",
	0xC000008E: "EXCEPTION_FLT_DIVIDE_BY_ZERO",
	0xC000008F: "EXCEPTION_FLT_INEXACT_RESULT",
	0xC0000090: "EXCEPTION_FLT_INVALID_OPERATION",
	0xC0000091: "EXCEPTION_FLT_OVERFLOW",
	0xC0000092: "EXCEPTION_FLT_STACK_CHECK",
	0xC0000093: "EXCEPTION_FLT_UNDERFLOW",
	0xC0000094: "EXCEPTION_INT_DIVIDE_BY_ZERO",
	0xC0000095: "EXCEPTION_INT_OVERFLOW",
	0xC0000096: "EXCEPTION_PRIV_INSTRUCTION",
	0xC00000FD: "EXCEPTION_STACK_OVERFLOW",
	0x80000003: "EXCEPTION_BREAKPOINT",
	0x80000004: "EXCEPTION_SINGLE_STEP",
}

// Mac exception types, as defined by mach/exception_types.h.
var macCrashReasons = map[uint32]string{
	1: "EXC_BAD_ACCESS",
	2: "EXC_BAD_INSTRUCTION",
	3: "EXC_ARITHMETIC",
	4: "EXC_EMULATION",
	5: "EXC_SOFTWARE",
	6: "EXC_BREAKPOINT",
}

var crashReasonTables = map[minidump.OS]map[uint32]string{
	minidump.OSLinux:   linuxCrashReasons,
	minidump.OSWindows: windowsCrashReasons,
	minidump.OSMac:     macCrashReasons,
}
