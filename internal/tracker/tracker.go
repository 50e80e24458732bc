// Package tracker holds live run counters and emits progress snapshots
// to a sink, throttled to at most once per second except that every
// completed batch always forces an emission. A mutex-guarded counter
// struct mutated concurrently by every worker and readable at any time
// during the run, rather than a post-hoc counter printed once at the
// end.
package tracker

import (
	"context"
	"sync"
	"time"

	"github.com/erigontech/paralleltest/internal/config"
	"github.com/erigontech/paralleltest/internal/result"
)

// Tracker maintains {total, passed, failed, skipped, running, completed}
// and pushes StatusSnapshots to an optional sink. RecordBatch may be
// invoked concurrently from every worker slot; the mutex serializes
// updates across all of them.
type Tracker struct {
	mu protectedCounters

	sink     func(config.StatusSnapshot)
	interval time.Duration

	lastEmit time.Time
	emitMu   sync.Mutex
}

type protectedCounters struct {
	sync.Mutex
	total, passed, failed, skipped, running, completed int
}

// New constructs a Tracker that pushes snapshots to sink (which may be
// nil) no more often than interval, plus once per RecordBatch call.
func New(sink func(config.StatusSnapshot), interval time.Duration) *Tracker {
	return &Tracker{sink: sink, interval: interval}
}

// Initialize sets total and zeros every other counter, ready for a
// fresh run's batch of RecordBatch calls.
func (t *Tracker) Initialize(expectedTotal int) {
	t.mu.Lock()
	t.mu.total = expectedTotal
	t.mu.passed = 0
	t.mu.failed = 0
	t.mu.skipped = 0
	t.mu.running = 0
	t.mu.completed = 0
	t.mu.Unlock()
	t.emit(true)
}

// RecordBatch folds a completed FileResult's TestResults into the live
// counters and emits a snapshot, ignoring the throttle interval: a batch
// completion always forces an emission.
func (t *Tracker) RecordBatch(results []result.TestResult) {
	t.mu.Lock()
	for _, r := range results {
		switch r.Status {
		case result.Passed:
			t.mu.passed++
		case result.Failed:
			t.mu.failed++
		case result.Skipped, result.Todo:
			t.mu.skipped++
		}
		t.mu.completed++
	}
	t.mu.running = t.mu.total - t.mu.completed
	if t.mu.running < 0 {
		t.mu.running = 0
	}
	t.mu.Unlock()
	t.emit(true)
}

// Snapshot returns an immutable copy of the current counters.
func (t *Tracker) Snapshot() config.StatusSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// snapshotLocked builds a StatusSnapshot; callers must hold t.mu.
func (t *Tracker) snapshotLocked() config.StatusSnapshot {
	return config.StatusSnapshot{
		Total:     t.mu.total,
		Passed:    t.mu.passed,
		Failed:    t.mu.failed,
		Skipped:   t.mu.skipped,
		Running:   t.mu.running,
		Completed: t.mu.completed,
	}
}

// RunPeriodicEmit pushes a throttled snapshot to the sink every
// interval until ctx is cancelled, so a long gap between batch
// completions (e.g. a single slow PerFile worker) still surfaces live
// progress rather than going silent until the next batch.
func (t *Tracker) RunPeriodicEmit(ctx context.Context) {
	if t.sink == nil || t.interval <= 0 {
		return
	}
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.emit(false)
		}
	}
}

// emit pushes a snapshot to the sink if one is configured, and either
// force is set or the throttle interval has elapsed since the last
// emission.
func (t *Tracker) emit(force bool) {
	if t.sink == nil {
		return
	}
	t.emitMu.Lock()
	defer t.emitMu.Unlock()
	if !force && time.Since(t.lastEmit) < t.interval {
		return
	}
	t.lastEmit = time.Now()
	t.sink(t.Snapshot())
}
