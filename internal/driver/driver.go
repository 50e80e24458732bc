// Package driver launches one host-framework subprocess per WorkItem,
// enforces the timeout/graceful-then-forceful kill policy, and streams
// stdout/stderr back to the caller. A done-channel plus time.After
// select loop drives the subprocess against its timeout; each child is
// started in its own process group (Setpgid) so a timeout kills the
// whole group (syscall.Kill(-pid, ...)) rather than just the direct
// child, for orphan-free termination.
package driver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	log "github.com/sirupsen/logrus"

	"github.com/erigontech/paralleltest/internal/config"
	"github.com/erigontech/paralleltest/internal/errs"
	"github.com/erigontech/paralleltest/internal/queue"
)

// RawExecution is one subprocess invocation's raw outcome, before any
// output parsing.
type RawExecution struct {
	ExitCode       int
	Stdout         string
	Stderr         string
	WallDurationMs int64
	TimedOut       bool
	SpawnErr       error
}

// TimedOutExitCode is the sentinel ExitCode a RawExecution carries when
// the subprocess was killed for exceeding its timeout. The same value is
// also carried when the subprocess failed to spawn, or when Wait reported
// an error with no exit status.
const TimedOutExitCode = -1

// Driver executes one WorkItem as an opaque subprocess invocation of
// the host test framework.
type Driver interface {
	Execute(ctx context.Context, item *queue.WorkItem, workerID int) RawExecution
}

// SubprocessDriver is the concrete Driver: it shells out to
// cfg.FrameworkBinary, builds mode-specific invocation flags, and
// applies the two-stage timeout/kill policy.
type SubprocessDriver struct {
	cfg *config.RunConfig
}

// New constructs a SubprocessDriver bound to cfg.
func New(cfg *config.RunConfig) *SubprocessDriver {
	return &SubprocessDriver{cfg: cfg}
}

// Execute runs item through the configured framework binary, returning
// once the subprocess exits, is force-killed after timeout, or fails to
// spawn. It never returns an error for subprocess-level failures — those
// are captured into RawExecution so a failing test file never aborts the
// pool — only SpawnErr distinguishes a failed launch.
func (d *SubprocessDriver) Execute(ctx context.Context, item *queue.WorkItem, workerID int) RawExecution {
	args := buildArgs(d.cfg, item)
	return d.run(ctx, d.cfg.FrameworkBinary, args, buildEnv(d.cfg, workerID), item.FilePath, workerID)
}

// run is the binary-agnostic core of Execute: spawn binary with args
// and env in its own process group, drain stdout/stderr concurrently,
// and apply the two-stage timeout/kill policy. Split out from Execute
// so the invocation-construction logic (buildArgs/buildEnv, which is
// specific to the host framework's flags) stays independently testable
// from the process-lifecycle logic (which is not).
func (d *SubprocessDriver) run(ctx context.Context, binary string, args, env []string, label string, workerID int) RawExecution {
	start := time.Now()

	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Dir = d.cfg.WorkingDir
	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return RawExecution{ExitCode: TimedOutExitCode, SpawnErr: fmt.Errorf("%w: %v", errs.ErrSpawn, err)}
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return RawExecution{ExitCode: TimedOutExitCode, SpawnErr: fmt.Errorf("%w: %v", errs.ErrSpawn, err)}
	}

	if err := cmd.Start(); err != nil {
		log.WithFields(log.Fields{"file": label, "worker": workerID}).Warn("subprocess spawn failed")
		return RawExecution{ExitCode: TimedOutExitCode, SpawnErr: fmt.Errorf("%w: %v", errs.ErrSpawn, err)}
	}

	var stdout, stderr bytes.Buffer
	var drainWG sync.WaitGroup
	drainWG.Add(2)
	go drain(&drainWG, stdoutPipe, &stdout)
	go drain(&drainWG, stderrPipe, &stderr)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(d.cfg.Timeout)
	defer timer.Stop()

	var timedOut bool
	var waitErr error

	select {
	case waitErr = <-done:
		timer.Stop()
	case <-timer.C:
		timedOut = true
		waitErr = d.killAfterTimeout(cmd, done)
	case <-ctx.Done():
		// Cancellation gets the timeout's group-wide SIGTERM-then-SIGKILL
		// sequence; exec.CommandContext also kills the direct child at once.
		waitErr = d.killAfterTimeout(cmd, done)
	}

	drainWG.Wait()
	elapsed := time.Since(start)

	exitCode := exitCodeFromErr(waitErr, timedOut)

	if !timedOut && exitCode == 0 {
		time.Sleep(config.SuccessGracePeriod)
	}

	return RawExecution{
		ExitCode:       exitCode,
		Stdout:         stdout.String(),
		Stderr:         stderr.String(),
		WallDurationMs: elapsed.Milliseconds(),
		TimedOut:       timedOut,
	}
}

// killAfterTimeout delivers SIGTERM to the process group, waits
// GracefulKillWait for a voluntary exit, and if the process is still
// alive sends SIGKILL to the whole group. Returns whatever error the
// subprocess's Wait ultimately produced.
func (d *SubprocessDriver) killAfterTimeout(cmd *exec.Cmd, done chan error) error {
	pid := cmd.Process.Pid
	_ = syscall.Kill(-pid, syscall.SIGTERM)

	select {
	case err := <-done:
		return err
	case <-time.After(config.GracefulKillWait):
	}

	_ = syscall.Kill(-pid, syscall.SIGKILL)
	return <-done
}

// drain copies r's full contents into buf and signals wg.Done when the
// pipe closes. Running stdout and stderr drains concurrently is
// mandatory: reading them sequentially risks deadlock if either pipe's
// OS buffer fills while the subprocess blocks on the other.
func drain(wg *sync.WaitGroup, r io.Reader, buf *bytes.Buffer) {
	defer wg.Done()
	chunk := make([]byte, 32*1024)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
		}
		if err != nil {
			return
		}
	}
}

// exitCodeFromErr extracts a process exit code from exec.Cmd.Wait's
// error, returning TimedOutExitCode for timeouts and 0 for a clean
// exit.
func exitCodeFromErr(err error, timedOut bool) int {
	if timedOut {
		return TimedOutExitCode
	}
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return TimedOutExitCode
}

// buildArgs constructs the framework invocation's argument list for
// item, per the mode-specific contract: PerTest anchors a name-pattern
// selector to the exact test name and forces serial execution within
// the subprocess; PerFile runs every test in the file, capping the
// framework's own internal worker count to avoid double-counting
// concurrency against the pool's MaxWorkers.
func buildArgs(cfg *config.RunConfig, item *queue.WorkItem) []string {
	args := []string{item.FilePath, "--verbose", "--no-cache", "--forceExit"}

	switch item.Kind {
	case queue.PerTest:
		args = append(args, "--testNamePattern", anchoredPattern(item.TestName), "--runInBand")
	case queue.PerFile:
		args = append(args, "--maxWorkers", strconv.Itoa(cfg.FrameworkInternalWorkers))
	}

	for k, v := range cfg.FrameworkOptions {
		args = append(args, "--"+k, v)
	}
	return args
}

// anchoredPattern escapes testName's regex metacharacters and anchors it
// to the full string, so a test name containing regex metacharacters
// (e.g. "a.b()") still selects only the exact test and never a loose
// substring match. The exact escaping convention is framework-specific;
// a hand-rolled escape equivalent to regexp.QuoteMeta plus ^$ anchoring
// is the conservative choice that works for any framework accepting a
// standard regex name-pattern flag.
func anchoredPattern(testName string) string {
	return "^" + quoteMeta(testName) + "$"
}

func quoteMeta(s string) string {
	var b strings.Builder
	for _, r := range s {
		if strings.ContainsRune(`\.+*?()|[]{}^$`, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// buildEnv augments the parent process's environment with
// frameworkOptions-adjacent worker identity: a numeric worker id and a
// short-lived signed token (jwt.NewWithClaims with SigningMethodHS256)
// a subprocess can present back to any callback server it talks to.
func buildEnv(cfg *config.RunConfig, workerID int) []string {
	env := os.Environ()
	env = append(env, fmt.Sprintf("%s=%d", config.WorkerIDEnv, workerID))
	if token, err := mintWorkerToken(workerID); err == nil {
		env = append(env, fmt.Sprintf("%s=%s", config.WorkerTokenEnv, token))
	}
	for k, v := range cfg.FrameworkOptions {
		env = append(env, fmt.Sprintf("PARALLELTEST_OPT_%s=%s", strings.ToUpper(k), v))
	}
	return env
}

// workerTokenSecret is process-local: the token only needs to prove to
// a subprocess which worker slot it was launched under for the
// lifetime of this run, not to survive a restart.
var workerTokenSecret = []byte("paralleltest-worker-identity")

func mintWorkerToken(workerID int) (string, error) {
	claims := jwt.MapClaims{
		"worker_id": workerID,
		"iat":       time.Now().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(workerTokenSecret)
}
