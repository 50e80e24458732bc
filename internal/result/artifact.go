package result

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/erigontech/paralleltest/internal/config"
)

// artifactDoc mirrors the JSON artifact's top-level shape. Struct keys
// are emitted in declaration order via jsoniter, same as encoding/json,
// and map keys are sorted; the key names themselves are load-bearing:
// downstream reporters key off them bit-for-bit.
type artifactDoc struct {
	Summary     artifactSummary       `json:"summary"`
	FileSummary []artifactFileSummary `json:"fileSummary"`
	FileDetails map[string]FileResult `json:"fileDetails"`
	Results     []FileResult          `json:"results"`
}

type artifactSummary struct {
	Total       int    `json:"total"`
	Passed      int    `json:"passed"`
	Failed      int    `json:"failed"`
	Skipped     int    `json:"skipped"`
	Completed   int    `json:"completed"`
	Running     int    `json:"running"`
	SuccessRate string `json:"successRate"`
	Duration    string `json:"duration"`
	DurationMs  int64  `json:"durationMs"`
	StartTime   string `json:"startTime"`
	EndTime     string `json:"endTime"`
}

type artifactFileSummary struct {
	FilePath   string `json:"filePath"`
	Status     Status `json:"status"`
	TestCount  int    `json:"testCount"`
	Passed     int    `json:"passed"`
	Failed     int    `json:"failed"`
	Skipped    int    `json:"skipped"`
	Duration   string `json:"duration"`
	DurationMs int64  `json:"durationMs"`
}

// WriteArtifact serialises run to <workingDir>/reports/test-status.json
// via the shared jsoniter codec, creating the reports directory if
// needed. The schema's keys are fixed by the reporter contract; do not
// rename them without also updating every downstream consumer.
func WriteArtifact(workingDir string, run *RunResult) error {
	dir := filepath.Join(workingDir, config.ReportsSubdir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating reports dir: %w", err)
	}

	completed := run.Summary.Passed + run.Summary.Failed + run.Summary.Skipped
	running := run.Summary.Total - completed
	if running < 0 {
		running = 0
	}

	doc := artifactDoc{
		Summary: artifactSummary{
			Total:       run.Summary.Total,
			Passed:      run.Summary.Passed,
			Failed:      run.Summary.Failed,
			Skipped:     run.Summary.Skipped,
			Completed:   completed,
			Running:     running,
			SuccessRate: successRate(run.Summary),
			Duration:    fmt.Sprintf("%.2f", float64(run.Summary.DurationMs)/1000.0),
			DurationMs:  run.Summary.DurationMs,
			StartTime:   run.Summary.StartedAt.UTC().Format(time.RFC3339),
			EndTime:     run.Summary.EndedAt.UTC().Format(time.RFC3339),
		},
		FileDetails: make(map[string]FileResult, len(run.Files)),
		Results:     run.Files,
	}

	for _, f := range run.Files {
		doc.FileSummary = append(doc.FileSummary, artifactFileSummary{
			FilePath:   f.FilePath,
			Status:     f.Status,
			TestCount:  len(f.TestResults),
			Passed:     f.Passed,
			Failed:     f.Failed,
			Skipped:    f.Skipped,
			Duration:   fmt.Sprintf("%.2f", float64(f.DurationMs)/1000.0),
			DurationMs: f.DurationMs,
		})
		doc.FileDetails[f.FilePath] = f
	}

	data, err := config.JSON.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling artifact: %w", err)
	}

	path := filepath.Join(dir, config.StatusArtifactName)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing artifact %s: %w", path, err)
	}
	return nil
}

func successRate(s Summary) string {
	if s.Total == 0 {
		return "0.0%"
	}
	rate := float64(s.Passed) / float64(s.Total) * 100.0
	return fmt.Sprintf("%.1f%%", rate)
}
