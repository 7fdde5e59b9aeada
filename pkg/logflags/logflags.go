// Package logflags provides logging configuration for the crash analysis
// core. Each logical subsystem gets its own named logger so that verbosity
// can be toggled independently, following the approach delve itself uses
// for gating its debug output.
package logflags

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	mu        sync.Mutex
	stack     bool
	analysis  bool
	processor bool

	stackLogger     *logrus.Entry
	analysisLogger  *logrus.Entry
	processorLogger *logrus.Entry
)

const (
	stackString     = "stack"
	analysisString  = "analysis"
	processorString = "processor"
)

// Setup configures logging from a comma-separated list of logger names
// (e.g. "stack,analysis"), mirroring delve's --log-dest/--log flags.
func Setup(logOut bool, logstr string, logDest string) error {
	mu.Lock()
	defer mu.Unlock()

	out := logrus.New()
	if logOut {
		out.Out = os.Stderr
	} else {
		out.Out = io.Discard
	}
	logger := out.WithFields(logrus.Fields{})

	stack = false
	analysis = false
	processor = false

	if logstr == "" {
		return nil
	}

	for _, s := range strings.Split(logstr, ",") {
		switch s {
		case stackString:
			stack = true
		case analysisString:
			analysis = true
		case processorString:
			processor = true
		default:
			return fmt.Errorf("unknown log group %q", s)
		}
	}

	stackLogger = logger.WithFields(logrus.Fields{"layer": stackString})
	analysisLogger = logger.WithFields(logrus.Fields{"layer": analysisString})
	processorLogger = logger.WithFields(logrus.Fields{"layer": processorString})

	return nil
}

func entryOrDiscard(e *logrus.Entry) *logrus.Entry {
	if e != nil {
		return e
	}
	discard := logrus.New()
	discard.Out = io.Discard
	return logrus.NewEntry(discard)
}

// Stack returns true if the stack-walking logger is enabled.
func Stack() bool {
	mu.Lock()
	defer mu.Unlock()
	return stack
}

// StackLogger returns the logger used by pkg/stackwalk.
func StackLogger() *logrus.Entry {
	mu.Lock()
	defer mu.Unlock()
	return entryOrDiscard(stackLogger)
}

// Analysis returns true if the instruction-analysis logger is enabled.
func Analysis() bool {
	mu.Lock()
	defer mu.Unlock()
	return analysis
}

// AnalysisLogger returns the logger used by pkg/opanalysis.
func AnalysisLogger() *logrus.Entry {
	mu.Lock()
	defer mu.Unlock()
	return entryOrDiscard(analysisLogger)
}

// Processor returns true if the orchestrator logger is enabled.
func Processor() bool {
	mu.Lock()
	defer mu.Unlock()
	return processor
}

// ProcessorLogger returns the logger used by pkg/processor.
func ProcessorLogger() *logrus.Entry {
	mu.Lock()
	defer mu.Unlock()
	return entryOrDiscard(processorLogger)
}
