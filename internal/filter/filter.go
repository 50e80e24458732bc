// Package filter resolves which discovered tests actually get scheduled,
// given each ParsedTest's skip/only flags. Nothing is precomputed at
// construction: Selected and Skipped each walk the file's tests on every
// call.
package filter

import "github.com/erigontech/paralleltest/internal/discovery"

// TestFilter decides, for a given file's tests, which ones run.
type TestFilter struct{}

// New constructs a TestFilter. It currently has no configuration fields
// of its own — this dispatcher's selection surface is the host
// framework's own skip/only annotations, already captured per-test —
// but is kept as a type rather than bare functions, to leave room for
// future selector options (e.g. tag-based inclusion) without changing
// callers.
func New() *TestFilter {
	return &TestFilter{}
}

// Selected returns the subset of tests in a file that should actually be
// dispatched, applying the file-wide skip/only resolution the host
// framework itself would apply: if any test in the file is flagged
// Only, every other test is excluded; otherwise every non-Skip test is
// included.
func (f *TestFilter) Selected(tests []discovery.ParsedTest) []discovery.ParsedTest {
	hasOnly := false
	for _, t := range tests {
		if t.Flags.Only {
			hasOnly = true
			break
		}
	}

	out := make([]discovery.ParsedTest, 0, len(tests))
	for _, t := range tests {
		if hasOnly {
			if t.Flags.Only {
				out = append(out, t)
			}
			continue
		}
		if t.Flags.Skip {
			continue
		}
		out = append(out, t)
	}
	return out
}

// Skipped returns the tests in a file excluded by Selected — used by the
// caller to still count them as Skipped in the StatusTracker rather than
// silently dropping them.
func (f *TestFilter) Skipped(tests []discovery.ParsedTest) []discovery.ParsedTest {
	selected := f.Selected(tests)
	selectedIDs := make(map[string]struct{}, len(selected))
	for _, t := range selected {
		selectedIDs[t.ID] = struct{}{}
	}

	out := make([]discovery.ParsedTest, 0)
	for _, t := range tests {
		if _, ok := selectedIDs[t.ID]; !ok {
			out = append(out, t)
		}
	}
	return out
}
