package processor

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/crashwalk/crashwalk/pkg/stackwalk"
)

// ProcessorOptions tunes a single Process call. Its zero value is usable:
// a zero MaxFrames takes the walker's default, and a false
// AnalyzeCrashingThread skips the instruction analyzer. Process itself
// uses DefaultProcessorOptions, which turns the analyzer on.
type ProcessorOptions struct {
	// MaxFrames bounds frames produced per thread. Zero means
	// stackwalk.DefaultMaxFrames.
	MaxFrames int `yaml:"max_frames"`
	// AnalyzeCrashingThread controls whether the instruction analyzer runs
	// against the crashing thread's context. Analyzer failures are always
	// non-fatal regardless of this setting; this only controls whether the
	// attempt is made at all.
	AnalyzeCrashingThread bool `yaml:"analyze_crashing_thread"`
}

// DefaultProcessorOptions returns the options Process uses when none are
// given explicitly.
func DefaultProcessorOptions() ProcessorOptions {
	return ProcessorOptions{
		MaxFrames:             stackwalk.DefaultMaxFrames,
		AnalyzeCrashingThread: true,
	}
}

func (o ProcessorOptions) walkOptions() stackwalk.Options {
	return stackwalk.Options{MaxFrames: o.MaxFrames}
}

// LoadYAML reads ProcessorOptions from path, letting a host CLI persist
// processing configuration across invocations.
func LoadYAML(path string) (ProcessorOptions, error) {
	var opts ProcessorOptions
	b, err := os.ReadFile(path)
	if err != nil {
		return opts, errors.Wrap(err, "read processor options")
	}
	if err := yaml.Unmarshal(b, &opts); err != nil {
		return opts, errors.Wrap(err, "parse processor options")
	}
	return opts, nil
}

// WriteYAML persists opts to path.
func (o ProcessorOptions) WriteYAML(path string) error {
	b, err := yaml.Marshal(o)
	if err != nil {
		return errors.Wrap(err, "marshal processor options")
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return errors.Wrap(err, "write processor options")
	}
	return nil
}
