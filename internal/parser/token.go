// Package parser reconstructs per-test outcomes from a host test
// framework's human-readable stdout+stderr, via a small line-oriented
// state machine. Grounded on the tokenize-then-classify texture of
// stream-based test-output parsers elsewhere in the pack (a ring
// buffer of context lines feeding named line classes), adapted here
// from JSON-event lines to glyph-prefixed text lines.
package parser

import (
	"regexp"
	"strings"
)

// tokenKind classifies one line of framework output.
type tokenKind int

const (
	otherLine tokenKind = iota
	passLine
	failLine
	skipLine
	todoLine
	suiteHeaderLine
	errorHeaderLine
	summaryLine
)

// token is one classified line, with the glyph/marker stripped off
// and, for suite/error headers, the parsed identity retained.
type token struct {
	kind tokenKind
	raw  string
	text string // line with leading glyph/marker stripped

	// suitePath/testName are populated for errorHeaderLine tokens of the
	// form "● <suitepath> › <testname>".
	suitePath string
	testName  string
}

var (
	passGlyphRe  = regexp.MustCompile(`^\s*(?:✓|✔|PASS)\s+(.*)$`)
	failGlyphRe  = regexp.MustCompile(`^\s*(?:✗|✖|×|FAIL)\s+(.*)$`)
	skipGlyphRe  = regexp.MustCompile(`^\s*(?:○|-)\s+(.*)$`)
	todoGlyphRe  = regexp.MustCompile(`^\s*(?:◦|TODO)\s+(.*)$`)
	errorHeadRe  = regexp.MustCompile(`^\s*●\s+(.*)$`)
	summaryRe    = regexp.MustCompile(`(?i)tests:\s*(.*total.*|.*passed.*|.*failed.*)`)
	suiteFailRe  = regexp.MustCompile(`(?i)test suite failed to run`)
	suiteNameSep = " › "
)

// tokenizeLine classifies a single line of output. Suite headers are
// recognised contextually (see looksLikeSuiteHeader), not by this function,
// since they share no unique marker with plain prose lines.
func tokenizeLine(line string) token {
	if m := passGlyphRe.FindStringSubmatch(line); m != nil {
		return token{kind: passLine, raw: line, text: strings.TrimSpace(m[1])}
	}
	if m := failGlyphRe.FindStringSubmatch(line); m != nil {
		return token{kind: failLine, raw: line, text: strings.TrimSpace(m[1])}
	}
	if m := skipGlyphRe.FindStringSubmatch(line); m != nil {
		return token{kind: skipLine, raw: line, text: strings.TrimSpace(m[1])}
	}
	if m := todoGlyphRe.FindStringSubmatch(line); m != nil {
		return token{kind: todoLine, raw: line, text: strings.TrimSpace(m[1])}
	}
	if m := errorHeadRe.FindStringSubmatch(line); m != nil {
		t := token{kind: errorHeaderLine, raw: line, text: strings.TrimSpace(m[1])}
		if idx := strings.Index(t.text, suiteNameSep); idx >= 0 {
			t.suitePath = strings.TrimSpace(t.text[:idx])
			t.testName = strings.TrimSpace(t.text[idx+len(suiteNameSep):])
		} else {
			t.testName = t.text
		}
		return t
	}
	if summaryRe.MatchString(line) {
		return token{kind: summaryLine, raw: line, text: strings.TrimSpace(line)}
	}
	// A bare "Test suite failed to run" line carries the same role as an
	// ErrorHeader even without the ● marker: the framework never got far
	// enough to emit a per-test line at all, so this line itself names
	// the synthesized failure.
	if suiteFailRe.MatchString(line) {
		t := strings.TrimSpace(line)
		return token{kind: errorHeaderLine, raw: line, text: t, testName: t}
	}
	return token{kind: otherLine, raw: line, text: line}
}

// isBlank reports whether a line carries no content worth tokenizing.
func isBlank(line string) bool {
	return strings.TrimSpace(line) == ""
}
