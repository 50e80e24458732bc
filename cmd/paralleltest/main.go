// Command paralleltest discovers test files for a host framework,
// dispatches them across subprocess workers, and writes a consolidated
// JSON status artifact plus a console report. A flat flag set feeds a
// Config struct consumed by a single cli.App Action that builds and
// runs the pipeline.
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/erigontech/paralleltest/internal/config"
	"github.com/erigontech/paralleltest/internal/console"
	"github.com/erigontech/paralleltest/internal/discovery"
	"github.com/erigontech/paralleltest/internal/driver"
	"github.com/erigontech/paralleltest/internal/filter"
	"github.com/erigontech/paralleltest/internal/progress"
	"github.com/erigontech/paralleltest/internal/queue"
	"github.com/erigontech/paralleltest/internal/result"
	"github.com/erigontech/paralleltest/internal/scheduler"
	"github.com/erigontech/paralleltest/internal/tracker"
)

func main() {
	app := &cli.App{
		Name:  "paralleltest",
		Usage: "Dispatch a host test framework's test files across parallel subprocess workers",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "glob",
				Aliases: []string{"g"},
				Usage:   "Glob pattern selecting test files (mutually exclusive with --file)",
			},
			&cli.StringSliceFlag{
				Name:    "file",
				Aliases: []string{"f"},
				Usage:   "Explicit test file path (repeatable; mutually exclusive with --glob)",
			},
			&cli.StringFlag{
				Name:  "mode",
				Value: "per-test",
				Usage: "Dispatch granularity: per-test or per-file",
			},
			&cli.IntFlag{
				Name:    "max-workers",
				Aliases: []string{"w"},
				Value:   config.DefaultMaxWorkers,
				Usage:   "Maximum concurrent subprocess workers",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Value: config.DefaultTimeout,
				Usage: "Per-subprocess timeout",
			},
			&cli.StringFlag{
				Name:     "framework-binary",
				Aliases:  []string{"b"},
				Required: true,
				Usage:    "Host test framework executable to invoke per WorkItem",
			},
			&cli.StringFlag{
				Name:  "working-dir",
				Value: ".",
				Usage: "Working directory subprocesses run in and the JSON artifact is written under",
			},
			&cli.StringSliceFlag{
				Name:  "framework-option",
				Usage: "Extra key=value option forwarded to the framework binary (repeatable)",
			},
			&cli.BoolFlag{
				Name:  "live-progress",
				Usage: "Serve a websocket broadcasting live StatusSnapshots while the run is in flight",
			},
			&cli.StringFlag{
				Name:  "live-progress-addr",
				Value: "127.0.0.1:0",
				Usage: "Listen address for the live progress websocket server",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(c *cli.Context) error {
	cfg := config.NewRunConfig()

	mode, err := config.ParseMode(c.String("mode"))
	if err != nil {
		return err
	}
	cfg.Mode = mode
	cfg.MaxWorkers = c.Int("max-workers")
	cfg.Timeout = c.Duration("timeout")
	cfg.FrameworkBinary = c.String("framework-binary")

	workingDir, err := filepath.Abs(c.String("working-dir"))
	if err != nil {
		return fmt.Errorf("resolving working dir: %w", err)
	}
	cfg.WorkingDir = workingDir

	cfg.Selector = config.TestSelector{Glob: c.String("glob"), Files: c.StringSlice("file")}
	cfg.FrameworkOptions = parseFrameworkOptions(c.StringSlice("framework-option"))

	var broadcaster *progress.Broadcaster
	if c.Bool("live-progress") {
		broadcaster = progress.New()
		cfg.ProgressSink = broadcaster.Sink

		ln, lerr := serveProgress(c.String("live-progress-addr"), broadcaster)
		if lerr != nil {
			return fmt.Errorf("starting live progress server: %w", lerr)
		}
		defer ln.Close()
		fmt.Printf("Live progress: ws://%s\n", ln.Addr())
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	files, err := discovery.DiscoverParsed(cfg.Selector)
	if err != nil {
		return fmt.Errorf("discovery: %w", err)
	}

	f := filter.New()
	items, skipped := buildWorkItems(cfg.Mode, files, f)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	reporter := console.NewStdout()
	trk := tracker.New(cfg.ProgressSink, config.ProgressEmitInterval)
	go trk.RunPeriodicEmit(ctx)

	drv := driver.New(cfg)
	run, err := scheduler.Run(ctx, items, skipped, cfg, drv, trk)
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}

	for _, fr := range run.Files {
		reporter.PrintFile(fr)
	}
	reporter.PrintSummary(run)

	if err := result.WriteArtifact(cfg.WorkingDir, run); err != nil {
		return fmt.Errorf("writing artifact: %w", err)
	}

	if run.Summary.Failed != 0 {
		os.Exit(1)
	}
	return nil
}

// skippedGroupIndex orders synthetic skipped-test FileResults after
// every real WorkItem in the Aggregator's per-file merge: skipped tests
// were never dispatched, so they have no natural schedule position of
// their own and are placed last within their file's merged TestResults.
const skippedGroupIndex = 1 << 30

// buildWorkItems expands discovered files into the queue's indexed
// WorkItems, one per test for PerTest mode or one per file for PerFile
// mode, applying the TestFilter's skip/only resolution along the way.
// Tests the filter excludes are returned as pre-seeded skipped
// FileResults rather than silently omitted, so they still surface as
// Skipped in the final RunResult.
func buildWorkItems(mode config.Mode, files []discovery.ParsedFile, f *filter.TestFilter) ([]*queue.WorkItem, []result.FileResult) {
	var items []*queue.WorkItem
	var skipped []result.FileResult
	index := 0

	for _, file := range files {
		selected := f.Selected(file.Tests)
		if excluded := f.Skipped(file.Tests); len(excluded) > 0 {
			skipped = append(skipped, skippedFileResult(file.FilePath, excluded))
		}

		switch mode {
		case config.PerFile:
			items = append(items, &queue.WorkItem{
				Kind:              queue.PerFile,
				FilePath:          file.FilePath,
				ExpectedTestCount: len(selected),
				Index:             index,
			})
			index++
		case config.PerTest:
			if len(file.Tests) == 0 {
				items = append(items, &queue.WorkItem{
					Kind:     queue.PerFile,
					FilePath: file.FilePath,
					Index:    index,
				})
				index++
				continue
			}
			for _, t := range selected {
				items = append(items, &queue.WorkItem{
					Kind:     queue.PerTest,
					FilePath: file.FilePath,
					TestName: t.Name,
					Index:    index,
				})
				index++
			}
		}
	}
	return items, skipped
}

// skippedFileResult builds the synthetic per-file FileResult representing
// every test the TestFilter excluded for one file, so Aggregate can merge
// it into that file's real result (or stand alone, if every test in the
// file was excluded).
func skippedFileResult(filePath string, tests []discovery.ParsedTest) result.FileResult {
	trs := make([]result.TestResult, 0, len(tests))
	for _, t := range tests {
		trs = append(trs, result.TestResult{
			ID:       t.ID,
			Name:     t.Name,
			Suite:    t.SuitePath,
			FilePath: filePath,
			Status:   result.Skipped,
		})
	}
	return result.FileResult{FilePath: filePath, Index: skippedGroupIndex, TestResults: trs}
}

func parseFrameworkOptions(raw []string) map[string]string {
	out := make(map[string]string, len(raw))
	for _, kv := range raw {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				out[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	return out
}

// serveProgress starts the live-progress websocket endpoint on a
// background goroutine and returns the bound listener so the caller can
// print its address and close it on exit.
func serveProgress(addr string, b *progress.Broadcaster) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/progress", b.Handler)
	go func() {
		_ = http.Serve(ln, mux)
	}()
	return ln, nil
}
