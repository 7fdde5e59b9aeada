package processor

import (
	"encoding/binary"

	"github.com/crashwalk/crashwalk/pkg/cpucontext"
	"github.com/crashwalk/crashwalk/pkg/memrange"
	"github.com/crashwalk/crashwalk/pkg/minidump"
)

// tebLastErrorOffset is the byte offset of the LastErrorValue field within
// the Windows Thread Environment Block, which differs between the 32-bit
// and 64-bit TEB layouts. ARM64 Windows uses the same 64-bit TEB layout as
// amd64. There is no TEB on non-Windows dumps, so every other (cpu, OS)
// combination has no offset at all.
var tebLastErrorOffset = map[cpucontext.Architecture]uint64{
	cpucontext.X86:   0x34,
	cpucontext.AMD64: 0x68,
	cpucontext.ARM64: 0x68,
}

// lastErrorValue reads a thread's last-error value out of its Thread
// Environment Block, the way GetLastError() does from user-mode code. Only
// meaningful on Windows dumps with a captured TEB address; anything else
// reports false.
func lastErrorValue(os minidump.OS, cpu cpucontext.Architecture, teb uint64, memory *memrange.List) (uint32, bool) {
	if os != minidump.OSWindows || teb == 0 {
		return 0, false
	}
	offset, ok := tebLastErrorOffset[cpu]
	if !ok {
		return 0, false
	}
	region, ok := memory.RegionForAddress(teb + offset)
	if !ok {
		return 0, false
	}
	return region.ReadUint32(teb+offset, binary.LittleEndian)
}
