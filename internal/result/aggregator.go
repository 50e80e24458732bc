package result

import (
	"sort"
	"strings"
	"time"

	"github.com/erigontech/paralleltest/internal/queue"
)

// group collects every FileResult dispatched for one FilePath, plus the
// position (earliest originating WorkItem.Index) that path sorts at.
type group struct {
	index   int
	members []FileResult
}

// Aggregate groups fileResults by FilePath, merges each group into a
// single FileResult, and rolls the merged files up into a RunResult.
// Grouping matters because PerTest mode dispatches one WorkItem — and
// therefore one FileResult — per test: every test in a file produces a
// FileResult sharing that file's FilePath, and a caller needs exactly
// one FileResult per actual file, never one per test. PerFile mode and
// pre-seeded skipped-test entries already carry at most one member per
// path, so grouping is a no-op for them.
//
// Files are ordered by the lowest WorkItem.Index scheduled for that
// path; a path with no matching WorkItem (every test in it was filtered
// out before any WorkItem was built) sorts after every scheduled file,
// in first-seen order.
func Aggregate(items []*queue.WorkItem, fileResults []FileResult, startedAt, endedAt time.Time) *RunResult {
	byFile := make(map[string]int, len(items))
	for i, it := range items {
		if _, ok := byFile[it.FilePath]; !ok {
			byFile[it.FilePath] = i
		}
	}

	groups := make(map[string]*group)
	order := make([]string, 0, len(fileResults))
	nextUnknown := len(items)
	for _, fr := range fileResults {
		g, ok := groups[fr.FilePath]
		if !ok {
			idx, known := byFile[fr.FilePath]
			if !known {
				idx = nextUnknown
				nextUnknown++
			}
			g = &group{index: idx}
			groups[fr.FilePath] = g
			order = append(order, fr.FilePath)
		}
		g.members = append(g.members, fr)
	}

	sort.SliceStable(order, func(i, j int) bool {
		return groups[order[i]].index < groups[order[j]].index
	})

	files := make([]FileResult, 0, len(order))
	summary := Summary{StartedAt: startedAt, EndedAt: endedAt, DurationMs: endedAt.Sub(startedAt).Milliseconds()}
	for _, path := range order {
		merged := finalizeFile(mergeGroup(path, groups[path].members))
		files = append(files, merged)
		summary.Total += len(merged.TestResults)
		summary.Passed += merged.Passed
		summary.Failed += merged.Failed
		summary.Skipped += merged.Skipped
	}

	return &RunResult{Files: files, Summary: summary}
}

// mergeGroup folds every FileResult dispatched for the same path into
// the single FileResult a reporter expects per file, concatenating
// TestResults in schedule order (by each member's Index) and combining
// the file-level Status/Error/raw-output fields.
func mergeGroup(path string, members []FileResult) FileResult {
	sort.SliceStable(members, func(i, j int) bool {
		return members[i].Index < members[j].Index
	})

	merged := FileResult{FilePath: path, Status: Passed}
	var errMsgs []string
	for _, m := range members {
		merged.TestResults = append(merged.TestResults, m.TestResults...)
		merged.RawStdout += m.RawStdout
		merged.RawStderr += m.RawStderr
		merged.DurationMs += m.DurationMs
		if m.ExitCode != 0 {
			merged.ExitCode = m.ExitCode
		}
		if m.Status == Failed {
			merged.Status = Failed
		}
		if m.Error != nil {
			errMsgs = append(errMsgs, *m.Error)
		}
	}
	if len(errMsgs) > 0 {
		joined := strings.Join(errMsgs, "; ")
		merged.Error = &joined
	}

	return merged
}

// finalizeFile recomputes a FileResult's passed/failed/skipped counts
// and duration from its TestResults, so callers that only populate
// TestResults need not keep the roll-up fields in sync by hand.
func finalizeFile(fr FileResult) FileResult {
	var passed, failed, skipped int
	var durationMs int64
	for _, tr := range fr.TestResults {
		switch tr.Status {
		case Passed:
			passed++
		case Failed:
			failed++
		case Skipped, Todo:
			skipped++
		}
		durationMs += tr.DurationMs
	}
	fr.Passed = passed
	fr.Failed = failed
	fr.Skipped = skipped
	if len(fr.TestResults) > 0 {
		fr.DurationMs = durationMs
	}
	return fr
}
