package frame

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTrustOrdering(t *testing.T) {
	require.True(t, TrustContext.MoreReliableThan(TrustCallFrameInfo))
	require.True(t, TrustCallFrameInfo.MoreReliableThan(TrustFramePointer))
	require.True(t, TrustFramePointer.MoreReliableThan(TrustScan))
	require.False(t, TrustScan.MoreReliableThan(TrustContext))
}

func TestWithInfoCarriesNoFrames(t *testing.T) {
	cs := WithInfo(InfoDumpThreadSkipped, 7)
	require.Equal(t, InfoDumpThreadSkipped, cs.Info)
	require.Equal(t, uint32(7), cs.ThreadID)
	require.Empty(t, cs.Frames)
}

func TestInfoStringsAreStable(t *testing.T) {
	cases := map[Info]string{
		InfoOk:                "OK",
		InfoDumpThreadSkipped: "DUMP_THREAD_SKIPPED",
		InfoMissingContext:    "MISSING_CONTEXT",
		InfoMissingMemory:     "MISSING_MEMORY",
		InfoInvalidContext:    "INVALID_CONTEXT",
		InfoUnsupportedCPU:    "UNSUPPORTED_CPU",
	}
	for info, want := range cases {
		require.Equal(t, want, info.String())
	}
	require.Equal(t, "unknown", Trust(99).String())
}
