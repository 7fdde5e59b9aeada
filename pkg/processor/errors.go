package processor

import "github.com/pkg/errors"

// Fatal-to-process errors: Process returns one of these when it cannot
// produce a ProcessState at all. A failed stream read is returned as
// ErrMinidumpRead wrapped (errors.Wrap) with the read error's message, so
// errors.Is and errors.Cause both report ErrMinidumpRead; the read error
// value itself is not kept.
var (
	ErrMinidumpRead      = errors.New("processor: failed to read minidump")
	ErrMissingSystemInfo = errors.New("processor: system info stream not found")
	ErrMissingThreadList = errors.New("processor: thread list stream not found")
)
