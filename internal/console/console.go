// Package console renders a RunResult to a buffered stdout writer, one
// line per test plus a trailing summary: a bufio.NewWriterSize(os.Stdout,
// 64*1024) writer over fixed-width columns, flushed after each
// FileResult's ordered TestResults.
package console

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/erigontech/paralleltest/internal/result"
)

// Reporter writes a RunResult to an underlying writer in a fixed-width
// column style, flushing after every file.
type Reporter struct {
	w *bufio.Writer
}

// NewStdout constructs a Reporter writing to os.Stdout through a
// 64KB buffer.
func NewStdout() *Reporter {
	return &Reporter{w: bufio.NewWriterSize(os.Stdout, 64*1024)}
}

// New constructs a Reporter writing to an arbitrary writer, for tests.
func New(w io.Writer) *Reporter {
	return &Reporter{w: bufio.NewWriterSize(w, 64*1024)}
}

// PrintFile renders one FileResult's TestResults in parse order,
// flushing once the file is done.
func (r *Reporter) PrintFile(fr result.FileResult) {
	for _, tr := range fr.TestResults {
		r.printTest(tr)
	}
	if len(fr.TestResults) == 0 && fr.Error != nil {
		file := fmt.Sprintf("%-60s", fr.FilePath)
		fmt.Fprintf(r.w, "%s   failed: %s\n", file, *fr.Error)
	}
	r.w.Flush()
}

// printTest writes a single fixed-width status line in
// "%-60s   OK|skipped|todo|failed[: <first error line>]" layout, the
// name column being "<suite> › <name>" when a suite is known.
func (r *Reporter) printTest(tr result.TestResult) {
	name := tr.Name
	if tr.Suite != "" {
		name = tr.Suite + " › " + tr.Name
	}
	file := fmt.Sprintf("%-60s", name)

	switch tr.Status {
	case result.Passed:
		fmt.Fprintf(r.w, "%s   OK\n", file)
	case result.Skipped:
		fmt.Fprintf(r.w, "%s   skipped\n", file)
	case result.Todo:
		fmt.Fprintf(r.w, "%s   todo\n", file)
	case result.Failed:
		if tr.Error != nil {
			fmt.Fprintf(r.w, "%s   failed: %s\n", file, firstLine(*tr.Error))
		} else {
			fmt.Fprintf(r.w, "%s   failed\n", file)
		}
	}
}

// PrintSummary writes the run-wide totals and elapsed wall time.
func (r *Reporter) PrintSummary(run *result.RunResult) {
	s := run.Summary
	fmt.Fprintf(r.w, "\n%d total, %d passed, %d failed, %d skipped (%s)\n",
		s.Total, s.Passed, s.Failed, s.Skipped, time.Duration(s.DurationMs)*time.Millisecond)
	r.w.Flush()
}

func firstLine(s string) string {
	for i, c := range s {
		if c == '\n' {
			return s[:i]
		}
	}
	return s
}
