package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/erigontech/paralleltest/internal/config"
	"github.com/erigontech/paralleltest/internal/driver"
	"github.com/erigontech/paralleltest/internal/queue"
	"github.com/erigontech/paralleltest/internal/result"
	"github.com/erigontech/paralleltest/internal/tracker"
)

// fakeDriver satisfies driver.Driver by looking up a canned RawExecution
// per WorkItem.FilePath, so scheduler tests can drive every failure path
// without spawning a real subprocess.
type fakeDriver struct {
	mu        sync.Mutex
	byFile    map[string]driver.RawExecution
	callCount map[string]int
}

func newFakeDriver(byFile map[string]driver.RawExecution) *fakeDriver {
	return &fakeDriver{byFile: byFile, callCount: map[string]int{}}
}

func (f *fakeDriver) Execute(ctx context.Context, item *queue.WorkItem, workerID int) driver.RawExecution {
	f.mu.Lock()
	f.callCount[item.FilePath]++
	f.mu.Unlock()
	return f.byFile[item.FilePath]
}

func testConfig(t *testing.T, maxWorkers int) *config.RunConfig {
	t.Helper()
	cfg := config.NewRunConfig()
	cfg.WorkingDir = t.TempDir()
	cfg.FrameworkBinary = "fake"
	cfg.MaxWorkers = maxWorkers
	cfg.Selector = config.TestSelector{Glob: "*.test.js"}
	return cfg
}

func items(paths ...string) []*queue.WorkItem {
	out := make([]*queue.WorkItem, len(paths))
	for i, p := range paths {
		out[i] = &queue.WorkItem{Kind: queue.PerFile, FilePath: p, Index: i, ExpectedTestCount: 1}
	}
	return out
}

// TestRun_AllFilesPassWithCleanExit covers an entirely clean run: every
// file exits 0 with parseable passing output.
func TestRun_AllFilesPassWithCleanExit(t *testing.T) {
	cfg := testConfig(t, 2)
	wi := items("a.test.js", "b.test.js")

	drv := newFakeDriver(map[string]driver.RawExecution{
		"a.test.js": {ExitCode: 0, Stdout: "✓ works"},
		"b.test.js": {ExitCode: 0, Stdout: "✓ also works"},
	})

	trk := tracker.New(nil, time.Second)
	run, err := Run(context.Background(), wi, nil, cfg, drv, trk)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.Summary.Failed != 0 || run.Summary.Passed != 2 {
		t.Fatalf("expected 2 passed 0 failed, got %+v", run.Summary)
	}
	if run.Files[0].FilePath != "a.test.js" || run.Files[1].FilePath != "b.test.js" {
		t.Errorf("expected input order preserved, got %v", run.Files)
	}
}

// TestRun_FileWithInlineDiagnosticFailureAmongPasses covers a file with
// an inline diagnostic failure among passes.
func TestRun_FileWithInlineDiagnosticFailureAmongPasses(t *testing.T) {
	cfg := testConfig(t, 1)
	wi := items("mixed.test.js")
	wi[0].ExpectedTestCount = 3

	drv := newFakeDriver(map[string]driver.RawExecution{
		"mixed.test.js": {ExitCode: 1, Stdout: "✓ a\n✗ b\nExpected: 1\nReceived: 2\n✓ c"},
	})

	trk := tracker.New(nil, time.Second)
	run, err := Run(context.Background(), wi, nil, cfg, drv, trk)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fr := run.Files[0]
	if fr.Status != result.Failed {
		t.Errorf("FileResult.Status = %v, want Failed", fr.Status)
	}
	if fr.Passed != 2 || fr.Failed != 1 {
		t.Errorf("expected 2 passed 1 failed, got passed=%d failed=%d", fr.Passed, fr.Failed)
	}

	snap := trk.Snapshot()
	if snap.Total != 3 {
		t.Fatalf("Tracker.Total = %d, want 3 (the file's ExpectedTestCount, not 1 WorkItem)", snap.Total)
	}
	if got := snap.Passed + snap.Failed + snap.Skipped + snap.Running; got > snap.Total {
		t.Errorf("passed+failed+skipped+running = %d, exceeds total %d", got, snap.Total)
	}
}

// TestRun_NonZeroExitWithKnownWarningStillCountsPassed covers the
// Passed-despite-nonzero-exit special case: every test passed and
// stderr carries a known post-run warning.
func TestRun_NonZeroExitWithKnownWarningStillCountsPassed(t *testing.T) {
	cfg := testConfig(t, 1)
	wi := items("flaky-exit.test.js")

	drv := newFakeDriver(map[string]driver.RawExecution{
		"flaky-exit.test.js": {
			ExitCode: 1,
			Stdout:   "✓ a\n✓ b\nTests: 2 passed, 0 failed, 2 total",
			Stderr:   "Jest did not exit one second after the test run completed. This usually means there are asynchronous operations that weren't stopped. A worker process has failed to exit gracefully.",
		},
	})

	trk := tracker.New(nil, time.Second)
	run, err := Run(context.Background(), wi, nil, cfg, drv, trk)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.Files[0].Status != result.Passed {
		t.Errorf("Status = %v, want Passed (known post-run warning)", run.Files[0].Status)
	}
}

// TestRun_TimeoutPreservesPartialResults covers the timeout failure
// path: a synthetic Failed FileResult carrying the timeout description,
// with any partial results preserved.
func TestRun_TimeoutPreservesPartialResults(t *testing.T) {
	cfg := testConfig(t, 1)
	wi := items("slow.test.js")

	drv := newFakeDriver(map[string]driver.RawExecution{
		"slow.test.js": {ExitCode: driver.TimedOutExitCode, TimedOut: true, Stdout: "✓ a"},
	})

	trk := tracker.New(nil, time.Second)
	run, err := Run(context.Background(), wi, nil, cfg, drv, trk)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fr := run.Files[0]
	if fr.Status != result.Failed {
		t.Errorf("Status = %v, want Failed", fr.Status)
	}
	if fr.Error == nil || !strings.Contains(*fr.Error, "slow.test.js") {
		t.Fatalf("expected timeout error text containing the file's base name, got %v", fr.Error)
	}
	if len(fr.TestResults) != 1 {
		t.Errorf("expected partial results preserved, got %d", len(fr.TestResults))
	}
}

// TestRun_TimeoutTakesPrecedenceOverEmptyOutput covers a subprocess that
// hangs indefinitely and is killed before producing any stdout/stderr:
// this must still be reported as a timeout, never as "Worker produced
// no output", since TimedOut takes precedence over the empty-output
// check.
func TestRun_TimeoutTakesPrecedenceOverEmptyOutput(t *testing.T) {
	cfg := testConfig(t, 1)
	wi := items("hung.test.js")

	drv := newFakeDriver(map[string]driver.RawExecution{
		"hung.test.js": {ExitCode: driver.TimedOutExitCode, TimedOut: true},
	})

	trk := tracker.New(nil, time.Second)
	run, err := Run(context.Background(), wi, nil, cfg, drv, trk)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fr := run.Files[0]
	if fr.Status != result.Failed {
		t.Errorf("Status = %v, want Failed", fr.Status)
	}
	if fr.Error == nil || !strings.Contains(*fr.Error, "timed out") || !strings.Contains(*fr.Error, "hung.test.js") {
		t.Fatalf("expected a timeout error naming the file, got %v", fr.Error)
	}
}

// TestRun_SpawnErrorProducesFailedResult covers a Driver reporting
// SpawnErr: a synthetic Failed FileResult carrying the spawn error text.
func TestRun_SpawnErrorProducesFailedResult(t *testing.T) {
	cfg := testConfig(t, 1)
	wi := items("missing.test.js")

	drv := newFakeDriver(map[string]driver.RawExecution{
		"missing.test.js": {ExitCode: driver.TimedOutExitCode, SpawnErr: errors.New("spawn error: no such file or directory")},
	})

	trk := tracker.New(nil, time.Second)
	run, err := Run(context.Background(), wi, nil, cfg, drv, trk)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fr := run.Files[0]
	if fr.Status != result.Failed {
		t.Errorf("Status = %v, want Failed", fr.Status)
	}
	if fr.Error == nil {
		t.Fatal("expected spawn error text")
	}
}

// TestRun_EmptyOutputProducesFailedResult covers a subprocess that
// exited but produced no stdout or stderr at all.
func TestRun_EmptyOutputProducesFailedResult(t *testing.T) {
	cfg := testConfig(t, 1)
	wi := items("silent.test.js")

	drv := newFakeDriver(map[string]driver.RawExecution{
		"silent.test.js": {ExitCode: 0},
	})

	trk := tracker.New(nil, time.Second)
	run, err := Run(context.Background(), wi, nil, cfg, drv, trk)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fr := run.Files[0]
	if fr.Status != result.Failed {
		t.Errorf("Status = %v, want Failed", fr.Status)
	}
	if fr.Error == nil || *fr.Error != "Worker produced no output" {
		t.Errorf("Error = %v, want %q", fr.Error, "Worker produced no output")
	}
}

// TestRun_PreservesInputOrderRegardlessOfCompletionOrder dispatches
// three files across three slots, leaving their completion order to
// goroutine scheduling, then checks the RunResult still reflects input
// order.
func TestRun_PreservesInputOrderRegardlessOfCompletionOrder(t *testing.T) {
	cfg := testConfig(t, 3)
	wi := items("first.test.js", "second.test.js", "third.test.js")

	drv := newFakeDriver(map[string]driver.RawExecution{
		"first.test.js":  {ExitCode: 0, Stdout: "✓ a"},
		"second.test.js": {ExitCode: 0, Stdout: "✓ b"},
		"third.test.js":  {ExitCode: 0, Stdout: "✓ c"},
	})

	trk := tracker.New(nil, time.Second)
	run, err := Run(context.Background(), wi, nil, cfg, drv, trk)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"first.test.js", "second.test.js", "third.test.js"}
	for i, w := range want {
		if run.Files[i].FilePath != w {
			t.Errorf("Files[%d] = %q, want %q", i, run.Files[i].FilePath, w)
		}
	}
}

// TestRun_DispatchesEveryItemOnceWhenMaxWorkersExceedsQueue verifies
// that with maxWorkers larger than the queue every item produces a
// FileResult, with each file's driver invoked exactly once.
func TestRun_DispatchesEveryItemOnceWhenMaxWorkersExceedsQueue(t *testing.T) {
	cfg := testConfig(t, 8)
	wi := items("a.test.js", "b.test.js", "c.test.js")

	drv := newFakeDriver(map[string]driver.RawExecution{
		"a.test.js": {ExitCode: 0, Stdout: "✓ a"},
		"b.test.js": {ExitCode: 0, Stdout: "✓ b"},
		"c.test.js": {ExitCode: 0, Stdout: "✓ c"},
	})

	trk := tracker.New(nil, time.Second)
	run, err := Run(context.Background(), wi, nil, cfg, drv, trk)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(run.Files) != 3 {
		t.Fatalf("expected 3 FileResults, got %d", len(run.Files))
	}
	for _, p := range []string{"a.test.js", "b.test.js", "c.test.js"} {
		if drv.callCount[p] != 1 {
			t.Errorf("callCount[%q] = %d, want 1", p, drv.callCount[p])
		}
	}
}

// TestRun_FailurePoolContinuesDispatching verifies a failing/timing-out
// file never halts dispatch of the remaining queue.
func TestRun_FailurePoolContinuesDispatching(t *testing.T) {
	cfg := testConfig(t, 1) // single slot forces sequential dispatch
	wi := items("fails.test.js", "after.test.js")

	drv := newFakeDriver(map[string]driver.RawExecution{
		"fails.test.js": {ExitCode: driver.TimedOutExitCode, TimedOut: true},
		"after.test.js": {ExitCode: 0, Stdout: "✓ ok"},
	})

	trk := tracker.New(nil, time.Second)
	run, err := Run(context.Background(), wi, nil, cfg, drv, trk)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(run.Files) != 2 {
		t.Fatalf("expected both items to produce a FileResult, got %d", len(run.Files))
	}
	failed := run.Files[0]
	if failed.Status != result.Failed || failed.Error == nil || !strings.Contains(*failed.Error, "fails.test.js") {
		t.Errorf("first item = %+v, want a Failed timeout result naming fails.test.js", failed)
	}
	if run.Files[1].Status != result.Passed {
		t.Errorf("second item Status = %v, want Passed", run.Files[1].Status)
	}
}

// TestRun_InvalidConfigFailsBeforeAnySpawn covers the configuration
// guard: Run must reject a bad RunConfig before invoking the Driver at
// all.
func TestRun_InvalidConfigFailsBeforeAnySpawn(t *testing.T) {
	cfg := testConfig(t, 0) // MaxWorkers <= 0 is invalid
	wi := items("a.test.js")

	drv := newFakeDriver(map[string]driver.RawExecution{
		"a.test.js": {ExitCode: 0, Stdout: "✓ a"},
	})

	trk := tracker.New(nil, time.Second)
	_, err := Run(context.Background(), wi, nil, cfg, drv, trk)
	if err == nil {
		t.Fatal("expected a configuration error")
	}
	if drv.callCount["a.test.js"] != 0 {
		t.Error("Driver must not be invoked when config validation fails")
	}
}

// TestRun_EmptyQueueReturnsEmptyResult covers the degenerate zero-item
// case: Run must return immediately with an empty RunResult rather than
// blocking on a worker pool with nothing to dispatch.
func TestRun_EmptyQueueReturnsEmptyResult(t *testing.T) {
	cfg := testConfig(t, 4)
	trk := tracker.New(nil, time.Second)

	run, err := Run(context.Background(), nil, nil, cfg, newFakeDriver(nil), trk)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(run.Files) != 0 || run.Summary.Total != 0 {
		t.Errorf("expected empty RunResult, got %+v", run)
	}
}

// TestRunOne_StampsTestResultsWithDispatchingWorkerSlot verifies every
// TestResult runOne returns carries the worker slot that produced it,
// so a report can correlate a test back to the subprocess that ran it.
// Calls runOne directly with a fixed, non-zero slot: going through the
// pool's goroutines would leave which slot handles the one item
// unspecified.
func TestRunOne_StampsTestResultsWithDispatchingWorkerSlot(t *testing.T) {
	cfg := testConfig(t, 1)
	item := &queue.WorkItem{Kind: queue.PerFile, FilePath: "a.test.js"}
	drv := newFakeDriver(map[string]driver.RawExecution{
		"a.test.js": {ExitCode: 0, Stdout: "✓ a\n✓ b"},
	})

	const slot = 3
	fr := runOne(context.Background(), item, cfg, drv, slot)

	if len(fr.TestResults) != 2 {
		t.Fatalf("expected 2 test results, got %d", len(fr.TestResults))
	}
	for _, tr := range fr.TestResults {
		if tr.WorkerID != slot {
			t.Errorf("TestResult %q WorkerID = %d, want %d", tr.Name, tr.WorkerID, slot)
		}
	}
}

// cancelingDriver runs one canned test per WorkItem and cancels the run
// after executing a named test, modelling an external cancellation that
// arrives while later WorkItems for the same file are still queued.
type cancelingDriver struct {
	cancel      context.CancelFunc
	cancelAfter string
}

func (d *cancelingDriver) Execute(ctx context.Context, item *queue.WorkItem, workerID int) driver.RawExecution {
	raw := driver.RawExecution{ExitCode: 0, Stdout: "✓ " + item.TestName}
	if item.TestName == d.cancelAfter {
		d.cancel()
	}
	return raw
}

// TestRun_CancellationSynthesizesResultForEveryUndispatchedTest covers a
// PerTest-mode file with two WorkItems: the run is cancelled right after
// the first test completes, before the second test for the same file is
// ever dispatched. Both WorkItems must still be accounted for — the
// completed test's real result plus a synthetic Failed entry for the one
// cancellation left undispatched — rather than the second test vanishing
// because it shares a FilePath with the first.
func TestRun_CancellationSynthesizesResultForEveryUndispatchedTest(t *testing.T) {
	cfg := testConfig(t, 1) // single slot forces strictly sequential dispatch
	wi := []*queue.WorkItem{
		{Kind: queue.PerTest, FilePath: "multi.test.js", TestName: "t1", Index: 0},
		{Kind: queue.PerTest, FilePath: "multi.test.js", TestName: "t2", Index: 1},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	drv := &cancelingDriver{cancel: cancel, cancelAfter: "t1"}

	trk := tracker.New(nil, time.Second)
	run, err := Run(ctx, wi, nil, cfg, drv, trk)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(run.Files) != 1 {
		t.Fatalf("expected both WorkItems to merge into one FileResult for multi.test.js, got %d", len(run.Files))
	}
	fr := run.Files[0]
	if fr.Status != result.Failed {
		t.Errorf("Status = %v, want Failed (t2 was never dispatched)", fr.Status)
	}
	if len(fr.TestResults) != 1 {
		t.Fatalf("expected t1's real result to survive, got %d test results: %+v", len(fr.TestResults), fr.TestResults)
	}
	if fr.Error == nil || !strings.Contains(*fr.Error, "cancelled") {
		t.Errorf("expected a cancellation error for the undispatched test, got %v", fr.Error)
	}
}
