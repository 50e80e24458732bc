// Package discovery resolves a test selector (glob or explicit file
// list) into the []ParsedFile the dispatcher core consumes, so the
// module is runnable end to end without a separate framework-aware
// parser wired in.
package discovery

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/erigontech/paralleltest/internal/config"
)

// Flags captures the per-test directives a host framework source file
// can carry (skip/only/concurrent annotations).
type Flags struct {
	Skip       bool
	Only       bool
	Concurrent bool
}

// ParsedTest is one test case found inside a ParsedFile.
type ParsedTest struct {
	ID        string
	Name      string
	SuitePath string
	Flags     Flags
}

// ParsedFile is one discovered test-definition file, along with whatever
// the Discovery/Parse collaborator determined about its hooks and test
// cases.
type ParsedFile struct {
	FilePath string
	Tests    []ParsedTest

	HasBeforeAll  bool
	HasAfterAll   bool
	HasBeforeEach bool
	HasAfterEach  bool
}

// Discover resolves a RunConfig's TestSelector into the ordered list of
// candidate files, sorted lexically. It does not parse file contents
// into ParsedTest records — that level of detail is a framework-specific
// concern the real Discovery/Parse collaborator owns. DiscoverParsed
// wraps these paths as ParsedFiles with zero ParsedTests; callers that
// need per-test detail build their own []ParsedFile.
func Discover(sel config.TestSelector) ([]string, error) {
	if sel.Glob != "" {
		matches, err := filepath.Glob(sel.Glob)
		if err != nil {
			return nil, fmt.Errorf("invalid glob %q: %w", sel.Glob, err)
		}
		sort.Strings(matches)
		return matches, nil
	}
	files := append([]string(nil), sel.Files...)
	sort.Strings(files)
	return files, nil
}

// DiscoverParsed resolves a selector to files and wraps each in a
// ParsedFile shell with no tests. Callers that have a real
// framework-aware parser should build []ParsedFile themselves instead;
// this is the fallback path used when only file-level scheduling
// (Mode == PerFile) is needed.
func DiscoverParsed(sel config.TestSelector) ([]ParsedFile, error) {
	files, err := Discover(sel)
	if err != nil {
		return nil, err
	}
	out := make([]ParsedFile, 0, len(files))
	for _, f := range files {
		out = append(out, ParsedFile{FilePath: f})
	}
	return out, nil
}
