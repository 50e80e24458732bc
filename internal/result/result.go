// Package result holds the TestResult/FileResult/RunResult data model,
// the Aggregator that groups and orders them, and the JSON artifact
// writer, which serializes through the shared codec rather than the
// standard library's json package directly.
package result

import "time"

// Status is a TestResult's or FileResult's outcome.
type Status int

const (
	Passed Status = iota
	Failed
	Skipped
	Todo
)

func (s Status) String() string {
	switch s {
	case Passed:
		return "passed"
	case Failed:
		return "failed"
	case Skipped:
		return "skipped"
	case Todo:
		return "todo"
	default:
		return "unknown"
	}
}

// MarshalJSON renders Status as its lowercase string form in the JSON
// artifact, matching the schema's {"status": "passed"} style fields.
func (s Status) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// ErrorClass classifies a failure's diagnostic text, per the
// OutputParser's classification stage.
type ErrorClass int

const (
	NoErrorClass ErrorClass = iota
	AssertionFailure
	HookFailure
	Timeout
	ReferenceError
	TypeError
	GenericException
	SuiteFailure
)

func (c ErrorClass) String() string {
	switch c {
	case AssertionFailure:
		return "AssertionFailure"
	case HookFailure:
		return "HookFailure"
	case Timeout:
		return "Timeout"
	case ReferenceError:
		return "ReferenceError"
	case TypeError:
		return "TypeError"
	case GenericException:
		return "GenericException"
	case SuiteFailure:
		return "SuiteFailure"
	default:
		return ""
	}
}

// TestResult is one test case's outcome, with a suite/name/file
// identity carried through from the ParsedFile that produced it.
type TestResult struct {
	ID         string
	Name       string
	Suite      string
	FilePath   string
	Status     Status
	DurationMs int64
	Error      *string
	ErrorClass ErrorClass
	WorkerID   int
}

// FileResult is the synthesized or parsed outcome of one WorkItem. In
// PerTest mode several FileResults (one per dispatched WorkItem) share
// the same FilePath and must be merged by the Aggregator into a single
// per-file entry before reaching a RunResult.
type FileResult struct {
	FilePath    string
	Status      Status
	TestResults []TestResult
	Passed      int
	Failed      int
	Skipped     int
	DurationMs  int64
	RawStdout   string
	RawStderr   string
	ExitCode    int
	Error       *string

	// Index is the originating WorkItem's schedule index, used only by
	// the Aggregator to order same-file results before merging; it never
	// reaches the JSON artifact.
	Index int `json:"-"`
}

// Summary is the run-wide rollup attached to a RunResult.
type Summary struct {
	Total      int
	Passed     int
	Failed     int
	Skipped    int
	DurationMs int64
	StartedAt  time.Time
	EndedAt    time.Time
}

// RunResult is the core's final, structured output: every FileResult
// plus the run-wide Summary, ready for a reporter to render without
// further normalisation.
type RunResult struct {
	Files   []FileResult
	Summary Summary
}
