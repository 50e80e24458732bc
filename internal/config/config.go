// Package config holds the validated RunConfig the core pipeline
// consumes. Construction and CLI/flag loading live one layer up in
// cmd/paralleltest; this package owns only the shape and its invariants.
package config

import (
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// JSON is the json-iterator API used across the module for all JSON
// encode/decode operations.
var JSON = jsoniter.ConfigCompatibleWithStandardLibrary

// Mode selects how a test file is mapped onto subprocess invocations.
type Mode int

const (
	// PerTest runs one subprocess per individual test case, isolated via
	// a name-pattern selector.
	PerTest Mode = iota
	// PerFile runs one subprocess per file, parsing multiple test
	// outcomes out of its output.
	PerFile
)

func (m Mode) String() string {
	switch m {
	case PerTest:
		return "per-test"
	case PerFile:
		return "per-file"
	default:
		return "unknown"
	}
}

// ParseMode converts a CLI-facing string into a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "per-test":
		return PerTest, nil
	case "per-file":
		return PerFile, nil
	default:
		return PerTest, fmt.Errorf("invalid mode %q: expected per-test or per-file", s)
	}
}

const (
	// DefaultTimeout is the per-subprocess timeout applied when none is
	// configured.
	DefaultTimeout = 5 * time.Minute

	// DefaultMaxWorkers is used when the caller does not specify a
	// worker count.
	DefaultMaxWorkers = 4

	// GracefulKillWait is the delay between the graceful-termination
	// signal and the forceful kill on timeout.
	GracefulKillWait = 2 * time.Second

	// SuccessGracePeriod is the delay the driver waits after every
	// exit-code-0 invocation, PerTest and PerFile alike, before
	// finalising, to let in-flight child cleanup flush. No delay follows
	// a non-zero exit or a timeout.
	SuccessGracePeriod = 500 * time.Millisecond

	// ReportsSubdir is the directory, relative to WorkingDir, that the
	// JSON artifact is written under.
	ReportsSubdir = "reports"

	// StatusArtifactName is the JSON artifact's filename.
	StatusArtifactName = "test-status.json"

	// ProgressEmitInterval bounds how often StatusSnapshots are pushed
	// to the ProgressSink absent a batch completion.
	ProgressEmitInterval = 1 * time.Second

	// WorkerTokenEnv is the environment variable name under which the
	// signed per-invocation worker token is exposed to the subprocess.
	WorkerTokenEnv = "PARALLELTEST_WORKER_TOKEN"

	// WorkerIDEnv names the env var carrying the numeric worker slot id.
	WorkerIDEnv = "PARALLELTEST_WORKER_ID"
)

// TestSelector chooses which files Discovery should consider: either a
// glob pattern or an explicit list of paths. Exactly one should be set.
type TestSelector struct {
	Glob  string
	Files []string
}

// RunConfig is the immutable input the core pipeline consumes for one
// run. It is constructed by the CLI/config-loading layer and never
// mutated after Validate succeeds.
type RunConfig struct {
	Mode             Mode
	MaxWorkers       int
	Timeout          time.Duration
	Selector         TestSelector
	FrameworkOptions map[string]string
	WorkingDir       string
	ProgressSink     func(StatusSnapshot)

	// FrameworkBinary is the host test framework executable invoked as
	// an opaque subprocess (e.g. "jest", "npx jest").
	FrameworkBinary string

	// FrameworkInternalWorkers caps the framework's own internal worker
	// count; defaults to 1 for PerFile invocations so the framework's own
	// concurrency never doubles up against MaxWorkers.
	FrameworkInternalWorkers int
}

// StatusSnapshot is the immutable progress record pushed to
// RunConfig.ProgressSink. Declared here (not in internal/tracker) so
// RunConfig can reference it without an import cycle; internal/tracker
// constructs values of this type.
type StatusSnapshot struct {
	Total     int
	Passed    int
	Failed    int
	Skipped   int
	Running   int
	Completed int
}

// NewRunConfig returns a RunConfig with the documented defaults applied.
func NewRunConfig() *RunConfig {
	return &RunConfig{
		Mode:                     PerTest,
		MaxWorkers:               DefaultMaxWorkers,
		Timeout:                  DefaultTimeout,
		FrameworkOptions:         map[string]string{},
		FrameworkInternalWorkers: 1,
	}
}

// Validate checks RunConfig for internal consistency, failing fast
// before any subprocess is spawned. The returned error is not itself
// wrapped in errs.ErrConfiguration; scheduler.Run adds that wrapping.
func (c *RunConfig) Validate() error {
	if c.MaxWorkers <= 0 {
		return fmt.Errorf("max workers must be positive, got %d", c.MaxWorkers)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %v", c.Timeout)
	}
	if c.Selector.Glob == "" && len(c.Selector.Files) == 0 {
		return fmt.Errorf("test selector requires either a glob or an explicit file list")
	}
	if c.Selector.Glob != "" && len(c.Selector.Files) > 0 {
		return fmt.Errorf("test selector accepts either a glob or an explicit file list, not both")
	}
	if c.WorkingDir == "" {
		return fmt.Errorf("working dir must be set")
	}
	if c.FrameworkBinary == "" {
		return fmt.Errorf("framework binary must be set")
	}
	if c.FrameworkInternalWorkers < 0 {
		return fmt.Errorf("framework internal workers must be non-negative, got %d", c.FrameworkInternalWorkers)
	}
	return nil
}

// ArtifactPath returns the path of the JSON status artifact for this
// run's WorkingDir.
func (c *RunConfig) ArtifactPath() string {
	return c.WorkingDir + "/" + ReportsSubdir + "/" + StatusArtifactName
}
