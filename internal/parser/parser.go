package parser

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/erigontech/paralleltest/internal/queue"
	"github.com/erigontech/paralleltest/internal/result"
)

// Quality grades how fully a Parse call reconstructed results from raw
// output: Good (every result came from a real per-test line), Reconciled
// (synthetic placeholders were added to match the framework's own
// summary), or Poor (no usable structure at all; the caller must fall
// back to a file-level synthetic result).
type Quality int

const (
	Good Quality = iota
	Reconciled
	Poor
)

func (q Quality) String() string {
	switch q {
	case Good:
		return "good"
	case Reconciled:
		return "reconciled"
	default:
		return "poor"
	}
}

// HookInfo records which lifecycle hooks, if any, were identified as
// having failed while classifying the diagnostic text attached to failed
// results.
type HookInfo struct {
	BeforeAllFailed  bool
	BeforeEachFailed bool
	AfterAllFailed   bool
	AfterEachFailed  bool
}

var durationSuffixRe = regexp.MustCompile(`\s*\(([0-9]+(?:\.[0-9]+)?)\s*m?s\)\s*$`)

// Parse reconstructs per-test outcomes from a subprocess's concatenated
// stdout+stderr, following the tokenize / extract / attach-errors /
// classify / dedup / reconcile pipeline. The passes are kept separate so
// each stays simple and independently testable, per the "multi-pass
// design is deliberate" guidance: structural recovery and diagnostic
// attachment never interleave.
func Parse(rawStdout, rawStderr string, item *queue.WorkItem) ([]result.TestResult, HookInfo, Quality) {
	combined := rawStdout
	if rawStderr != "" {
		if combined != "" {
			combined += "\n"
		}
		combined += rawStderr
	}

	lines := strings.Split(combined, "\n")
	tokens := make([]token, 0, len(lines))
	for _, l := range lines {
		tokens = append(tokens, tokenizeLine(l))
	}

	results := extractResults(tokens, item.FilePath)
	var hooks HookInfo
	results, hooks = attachErrors(tokens, results)
	for i := range results {
		if results[i].Status == result.Failed && results[i].Error != nil {
			classifyError(&results[i], *results[i].Error, &hooks)
		}
	}

	results = dedup(results)
	fillMissingErrors(results)

	summaryTotal, summaryFailed, haveSummary := parseSummary(tokens)

	if len(results) == 0 && !haveSummary {
		return nil, hooks, Poor
	}

	quality := Good
	if item.Kind == queue.PerFile && haveSummary && summaryTotal > len(results) {
		ceiling := item.ExpectedTestCount
		if ceiling <= 0 || ceiling > summaryTotal {
			ceiling = summaryTotal
		}
		results = reconcile(results, ceiling, summaryFailed == 0)
		quality = Reconciled
	}

	return results, hooks, quality
}

// extractResults is the first pass: walk tokens in order, tracking a
// currentSuite (a non-blank, non-glyph line whose next non-blank line is
// a result line; indentation is not checked), and emit one TestResult per Pass/Fail/Skip/Todo
// token. Errors are left nil here; attachErrors fills them in.
func extractResults(tokens []token, filePath string) []result.TestResult {
	var out []result.TestResult
	currentSuite := ""

	for i, tok := range tokens {
		switch tok.kind {
		case otherLine:
			if looksLikeSuiteHeader(tokens, i) {
				currentSuite = tok.text
			}
		case passLine, failLine, skipLine, todoLine:
			name, durationMs := splitDuration(tok.text)
			tr := result.TestResult{
				Name:       name,
				Suite:      currentSuite,
				FilePath:   filePath,
				DurationMs: durationMs,
			}
			switch tok.kind {
			case passLine:
				tr.Status = result.Passed
			case failLine:
				tr.Status = result.Failed
				if diag := inlineDiagnostic(tokens, i); diag != "" {
					tr.Error = &diag
				}
			case skipLine:
				tr.Status = result.Skipped
			case todoLine:
				tr.Status = result.Todo
			}
			out = append(out, tr)
		}
	}
	return out
}

// looksLikeSuiteHeader reports whether the otherLine token at index i is
// acting as a suite-name header: non-blank, and the next non-blank
// token is a result line (a suite header always immediately precedes
// the tests it groups, in the framework's own console output).
func looksLikeSuiteHeader(tokens []token, i int) bool {
	if isBlank(tokens[i].raw) {
		return false
	}
	for j := i + 1; j < len(tokens); j++ {
		if isBlank(tokens[j].raw) {
			continue
		}
		switch tokens[j].kind {
		case passLine, failLine, skipLine, todoLine:
			return true
		default:
			return false
		}
	}
	return false
}

// inlineDiagnostic collects the Other lines immediately following a
// FailLine at index i, stopping at the next result-producing token, an
// ErrorHeader, or a SummaryLine. This covers framework output that
// prints a failing test's diagnostic directly beneath it with no
// separate "● suite › name" marker — common when the framework has no
// suite nesting to report.
func inlineDiagnostic(tokens []token, i int) string {
	var sb strings.Builder
	for j := i + 1; j < len(tokens); j++ {
		switch tokens[j].kind {
		case passLine, failLine, skipLine, todoLine, errorHeaderLine, summaryLine:
			return sb.String()
		}
		if !isBlank(tokens[j].raw) {
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(tokens[j].raw)
		}
	}
	return sb.String()
}

// splitDuration strips a trailing "(NNms)" marker off a result line's
// text and returns the bare test name plus the parsed duration, or 0 if
// none was present.
func splitDuration(text string) (string, int64) {
	m := durationSuffixRe.FindStringSubmatch(text)
	if m == nil {
		return text, 0
	}
	name := strings.TrimSpace(durationSuffixRe.ReplaceAllString(text, ""))
	ms, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return name, 0
	}
	return name, int64(ms)
}

// attachErrors is the second pass: walk tokens again, and on each
// ErrorHeader collect the following Other lines as diagnostic text,
// terminated by the next result-producing token, another ErrorHeader,
// or a SummaryLine. The accumulated text is attached to the best
// matching Failed TestResult lacking an error: first by (suite, name),
// falling back to name-only, preferring the earliest unattached match.
// When no TestResult exists for a header at all (the framework died
// before emitting any per-test line), a synthetic Failed TestResult is
// appended so the diagnostic is never silently dropped.
func attachErrors(tokens []token, results []result.TestResult) ([]result.TestResult, HookInfo) {
	var hooks HookInfo

	for i, tok := range tokens {
		if tok.kind != errorHeaderLine {
			continue
		}
		var sb strings.Builder
		for j := i + 1; j < len(tokens); j++ {
			stop := false
			switch tokens[j].kind {
			case passLine, failLine, skipLine, todoLine, errorHeaderLine, summaryLine:
				stop = true
			}
			if stop {
				break
			}
			if !isBlank(tokens[j].raw) {
				if sb.Len() > 0 {
					sb.WriteString("\n")
				}
				sb.WriteString(tokens[j].raw)
			}
		}
		text := sb.String()

		target := findErrorTarget(results, tok)
		if target != nil {
			if target.Error == nil {
				errCopy := text
				target.Error = &errCopy
			}
			continue
		}

		name := tok.testName
		if name == "" {
			name = tok.text
		}
		errCopy := text
		results = append(results, result.TestResult{
			Name:   name,
			Suite:  tok.suitePath,
			Status: result.Failed,
			Error:  &errCopy,
		})
	}
	return results, hooks
}

// findErrorTarget locates the Failed TestResult an ErrorHeader's
// diagnostic belongs to.
func findErrorTarget(results []result.TestResult, head token) *result.TestResult {
	if head.suitePath != "" {
		for i := range results {
			r := results[i]
			if r.Status == result.Failed && r.Error == nil &&
				strings.EqualFold(r.Suite, head.suitePath) && strings.EqualFold(r.Name, head.testName) {
				return &results[i]
			}
		}
	}
	name := head.testName
	if name == "" {
		name = head.text
	}
	for i := range results {
		r := results[i]
		if r.Status == result.Failed && r.Error == nil && strings.EqualFold(r.Name, name) {
			return &results[i]
		}
	}
	// Last resort: the earliest failed result still lacking an error,
	// covering synthesized headers like "Test suite failed to run" that
	// name no specific test.
	for i := range results {
		if results[i].Status == result.Failed && results[i].Error == nil {
			return &results[i]
		}
	}
	return nil
}

var (
	hookTokenRe    = regexp.MustCompile(`\b(beforeAll|beforeEach|afterAll|afterEach)\b`)
	referenceErrRe = regexp.MustCompile(`\bReferenceError\b`)
	typeErrRe      = regexp.MustCompile(`\bTypeError\b`)
	timeoutRe      = regexp.MustCompile(`(?i)\btimeout\b`)
	assertionRe    = regexp.MustCompile(`(?i)Expected:.*|Received:.*|\bexpect\(`)
	suiteFailureRe = regexp.MustCompile(`(?i)test suite failed to run`)
)

// classifyError assigns an ErrorClass to a failed TestResult's attached
// diagnostic text, and records lifecycle-hook failures into hooks.
func classifyError(tr *result.TestResult, text string, hooks *HookInfo) {
	if hm := hookTokenRe.FindStringSubmatch(text); hm != nil {
		tr.ErrorClass = result.HookFailure
		switch hm[1] {
		case "beforeAll":
			hooks.BeforeAllFailed = true
		case "beforeEach":
			hooks.BeforeEachFailed = true
		case "afterAll":
			hooks.AfterAllFailed = true
		case "afterEach":
			hooks.AfterEachFailed = true
		}
		return
	}
	switch {
	case suiteFailureRe.MatchString(text):
		tr.ErrorClass = result.SuiteFailure
	case timeoutRe.MatchString(text):
		tr.ErrorClass = result.Timeout
	case referenceErrRe.MatchString(text):
		tr.ErrorClass = result.ReferenceError
	case typeErrRe.MatchString(text):
		tr.ErrorClass = result.TypeError
	case assertionRe.MatchString(text):
		tr.ErrorClass = result.AssertionFailure
	default:
		tr.ErrorClass = result.GenericException
	}
}

// dedup collapses results sharing a normalised (name, status) pair,
// keeping the one with an attached error, else the one with the longer
// suite path, else the first encountered. Idempotent by construction:
// running it again over its own output changes nothing, since no two
// surviving entries share a (name, status) key.
func dedup(results []result.TestResult) []result.TestResult {
	type key struct {
		name   string
		status result.Status
	}
	best := make(map[key]int, len(results))
	kept := make([]result.TestResult, 0, len(results))

	for _, r := range results {
		k := key{name: strings.ToLower(strings.TrimSpace(r.Name)), status: r.Status}
		idx, exists := best[k]
		if !exists {
			best[k] = len(kept)
			kept = append(kept, r)
			continue
		}
		cur := kept[idx]
		if cur.Error == nil && r.Error != nil {
			kept[idx] = r
		} else if cur.Error == nil && r.Error == nil && len(r.Suite) > len(cur.Suite) {
			kept[idx] = r
		}
	}
	return kept
}

// fillMissingErrors enforces the invariant that every Failed TestResult
// carries a non-empty error: when neither an inline diagnostic nor an
// ErrorHeader attachment produced one, the framework simply reported a
// bare fail glyph with no further detail, so a fixed placeholder is
// attached instead of leaving the field nil.
func fillMissingErrors(results []result.TestResult) {
	for i := range results {
		if results[i].Status == result.Failed && results[i].Error == nil {
			msg := "Test failed (no parsed diagnostic)"
			results[i].Error = &msg
		}
	}
}

var summaryCountRe = regexp.MustCompile(`(\d+)\s+(passed|failed|skipped|total)`)

// parseSummary extracts the framework's own "Tests: N passed, M failed,
// K total" counts from the last SummaryLine token, if any.
func parseSummary(tokens []token) (total, failed int, ok bool) {
	var line string
	for _, tok := range tokens {
		if tok.kind == summaryLine {
			line = tok.text
		}
	}
	if line == "" {
		return 0, 0, false
	}
	for _, m := range summaryCountRe.FindAllStringSubmatch(line, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		switch m[2] {
		case "total":
			total = n
		case "failed":
			failed = n
		}
		ok = true
	}
	return total, failed, ok
}

// reconcile pads results with synthetic placeholders until it reaches
// ceiling entries, marking them Passed when filesPassed (the summary
// showed no failures) or Failed with a fixed diagnostic otherwise. The
// file's exit code is not consulted here; Parse does not receive it. Never produces more than ceiling
// placeholders, however high the framework's own summary total claims.
func reconcile(results []result.TestResult, ceiling int, filesPassed bool) []result.TestResult {
	for len(results) < ceiling {
		status := result.Failed
		var errText *string
		if filesPassed {
			status = result.Passed
		} else {
			msg := "Parser could not recover details"
			errText = &msg
		}
		results = append(results, result.TestResult{
			Name:   "<recovered>",
			Status: status,
			Error:  errText,
		})
	}
	return results
}
