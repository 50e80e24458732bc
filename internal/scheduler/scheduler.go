// Package scheduler runs a WorkQueue to exhaustion across a bounded
// pool of worker slots, invoking a Driver per WorkItem, folding the
// Parser's reconstruction into a FileResult, and feeding completions to
// a Tracker. Each slot is a goroutine reading from a shared channel
// until ctx.Done, feeding results to the Aggregator rather than
// printing them directly.
package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/erigontech/paralleltest/internal/config"
	"github.com/erigontech/paralleltest/internal/driver"
	"github.com/erigontech/paralleltest/internal/errs"
	"github.com/erigontech/paralleltest/internal/parser"
	"github.com/erigontech/paralleltest/internal/queue"
	"github.com/erigontech/paralleltest/internal/result"
	"github.com/erigontech/paralleltest/internal/tracker"
)

// knownPostRunWarning matches diagnostic text the Status rule treats as
// a non-fatal, post-run-only failure: the framework exited non-zero for
// shutdown-related reasons even though every test passed.
func knownPostRunWarning(stderr string) bool {
	lower := strings.ToLower(stderr)
	for _, marker := range []string{"force exiting", "open handles", "--forceexit", "a worker process has failed to exit"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// Run drains items across maxWorkers concurrent driver invocations,
// parses each completion, and returns the aggregated RunResult.
// min(maxWorkers, len(items)) subprocesses are in flight at once from the
// start, a completing slot immediately pulls the next item, and a
// subprocess-level failure (non-zero exit, parse failure, timeout, spawn
// error) never halts the pool — only cfg.Validate failing, or an
// internal invariant breach, aborts Run. If ctx is cancelled mid-run,
// every in-flight driver reacts to ctx.Done() as it would to a timeout
// and every WorkItem that never got dispatched is represented by a
// synthetic Failed FileResult, so the pool never drops a WorkItem
// silently. skipped carries pre-seeded FileResults (one per file with at
// least one filtered-out test) for tests the TestFilter excluded before
// any WorkItem existed for them; Run folds these into the Tracker's
// total and into the final RunResult exactly as if they had been
// dispatched and come back Skipped, so a filtered test is reported,
// never dropped.
func Run(ctx context.Context, items []*queue.WorkItem, skipped []result.FileResult, cfg *config.RunConfig, drv driver.Driver, trk *tracker.Tracker) (*result.RunResult, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrConfiguration, err)
	}

	startedAt := time.Now()
	trk.Initialize(expectedTestCount(items, skipped))
	for _, fr := range skipped {
		trk.RecordBatch(fr.TestResults)
	}

	if len(items) == 0 {
		endedAt := time.Now()
		return result.Aggregate(items, skipped, startedAt, endedAt), nil
	}

	q := queue.New(items)
	workers := cfg.MaxWorkers
	if workers > len(items) {
		workers = len(items)
	}

	fileResults := make([]result.FileResult, 0, len(items))
	var mu sync.Mutex

	var wg sync.WaitGroup
	for slot := 0; slot < workers; slot++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				default:
				}

				item, ok := q.Take()
				if !ok {
					return
				}

				fr := runOne(ctx, item, cfg, drv, slot)

				mu.Lock()
				fileResults = append(fileResults, fr)
				mu.Unlock()

				trk.RecordBatch(fr.TestResults)
			}
		}(slot)
	}
	wg.Wait()

	mu.Lock()
	completed := len(fileResults)
	mu.Unlock()
	if completed > len(items) {
		return nil, fmt.Errorf("%w: produced %d FileResults for %d WorkItems", errs.ErrInternal, completed, len(items))
	}

	for _, it := range remainingAfterCancellation(items, fileResults) {
		msg := "run was cancelled before this item completed"
		fileResults = append(fileResults, result.FileResult{
			FilePath: it.FilePath,
			Status:   result.Failed,
			Error:    &msg,
			Index:    it.Index,
		})
	}
	fileResults = append(fileResults, skipped...)

	endedAt := time.Now()
	return result.Aggregate(items, fileResults, startedAt, endedAt), nil
}

// expectedTestCount sums the total number of tests the Tracker should
// expect to see RecordBatch calls for: one per PerTest item, a file's
// ExpectedTestCount per PerFile item (falling back to 1 for a file whose
// test count could not be determined up front, so a single subprocess
// failure still registers as one completion rather than none), plus
// every test already carried in skipped.
func expectedTestCount(items []*queue.WorkItem, skipped []result.FileResult) int {
	total := 0
	for _, it := range items {
		switch it.Kind {
		case queue.PerFile:
			if it.ExpectedTestCount > 0 {
				total += it.ExpectedTestCount
			} else {
				total++
			}
		case queue.PerTest:
			total++
		}
	}
	for _, fr := range skipped {
		total += len(fr.TestResults)
	}
	return total
}

// remainingAfterCancellation returns the WorkItems that never produced a
// FileResult (possible only when ctx was cancelled mid-run and some
// queued items were never dispatched). Tracked by WorkItem.Index, not
// FilePath: in PerTest mode many WorkItems share one FilePath, so a
// by-path check would wrongly mark every remaining test in a file as
// "seen" the moment any one test from that file completed.
func remainingAfterCancellation(items []*queue.WorkItem, fileResults []result.FileResult) []*queue.WorkItem {
	seen := make(map[int]bool, len(fileResults))
	for _, fr := range fileResults {
		seen[fr.Index] = true
	}
	var missing []*queue.WorkItem
	for _, it := range items {
		if !seen[it.Index] {
			missing = append(missing, it)
		}
	}
	return missing
}

// runOne drives a single WorkItem through the Driver and Parser and
// produces exactly one FileResult: a spawn error, a timeout, empty
// output, and a parser that recovered nothing each map to their own
// distinct Failed FileResult shape before falling through to the normal
// parsed-and-classified case.
func runOne(ctx context.Context, item *queue.WorkItem, cfg *config.RunConfig, drv driver.Driver, slot int) result.FileResult {
	raw := drv.Execute(ctx, item, slot)

	if raw.SpawnErr != nil {
		msg := raw.SpawnErr.Error()
		return result.FileResult{
			FilePath: item.FilePath,
			Status:   result.Failed,
			Error:    &msg,
			ExitCode: raw.ExitCode,
			Index:    item.Index,
		}
	}

	if raw.TimedOut {
		msg := fmt.Sprintf("subprocess timed out after %s (%s)", cfg.Timeout, filepath.Base(item.FilePath))
		tests, _, _ := parser.Parse(raw.Stdout, raw.Stderr, item)
		tagWorker(tests, slot)
		return result.FileResult{
			FilePath:    item.FilePath,
			Status:      result.Failed,
			Error:       &msg,
			TestResults: tests,
			ExitCode:    raw.ExitCode,
			DurationMs:  raw.WallDurationMs,
			RawStdout:   raw.Stdout,
			RawStderr:   raw.Stderr,
			Index:       item.Index,
		}
	}

	if raw.Stdout == "" && raw.Stderr == "" {
		msg := "Worker produced no output"
		return result.FileResult{
			FilePath:   item.FilePath,
			Status:     result.Failed,
			Error:      &msg,
			ExitCode:   raw.ExitCode,
			DurationMs: raw.WallDurationMs,
			Index:      item.Index,
		}
	}

	tests, _, quality := parser.Parse(raw.Stdout, raw.Stderr, item)
	tagWorker(tests, slot)

	if quality == parser.Poor {
		msg := "Parser could not reconstruct any results"
		return result.FileResult{
			FilePath:   item.FilePath,
			Status:     result.Failed,
			Error:      &msg,
			ExitCode:   raw.ExitCode,
			DurationMs: raw.WallDurationMs,
			RawStdout:  raw.Stdout,
			RawStderr:  raw.Stderr,
			Index:      item.Index,
		}
	}

	status := fileStatus(raw, tests)

	return result.FileResult{
		FilePath:    item.FilePath,
		Status:      status,
		TestResults: tests,
		ExitCode:    raw.ExitCode,
		DurationMs:  raw.WallDurationMs,
		RawStdout:   raw.Stdout,
		RawStderr:   raw.Stderr,
		Index:       item.Index,
	}
}

// tagWorker stamps every TestResult with the worker slot that produced
// it, so the JSON artifact and console report can correlate a test back
// to the subprocess that ran it.
func tagWorker(tests []result.TestResult, slot int) {
	for i := range tests {
		tests[i].WorkerID = slot
	}
}

// fileStatus applies the FileResult-level status rule: a zero exit is
// always Passed; a non-zero exit is also Passed when every parsed test
// passed and the stderr carries only a known post-run warning
// (force-exit, open handles, worker-cleanup noise).
func fileStatus(raw driver.RawExecution, tests []result.TestResult) result.Status {
	if raw.ExitCode == 0 {
		return result.Passed
	}
	for _, tr := range tests {
		if tr.Status == result.Failed {
			return result.Failed
		}
	}
	if knownPostRunWarning(raw.Stderr) {
		return result.Passed
	}
	return result.Failed
}
