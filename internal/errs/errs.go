// Package errs defines the sentinel error taxonomy that the dispatcher
// core distinguishes, per the error-handling design: only Configuration
// and Internal errors ever escape the scheduler; everything else is
// captured into a FileResult.
package errs

import "errors"

var (
	// ErrConfiguration marks a bad RunConfig. Fails the run before any
	// subprocess is spawned.
	ErrConfiguration = errors.New("configuration error")

	// ErrSpawn marks a failure to start a subprocess.
	ErrSpawn = errors.New("spawn error")

	// ErrTimeout marks a subprocess that was killed after exceeding its
	// timeout budget.
	ErrTimeout = errors.New("timeout error")

	// ErrEmptyOutput marks a subprocess that exited but produced no
	// readable stdout or stderr.
	ErrEmptyOutput = errors.New("empty output error")

	// ErrParseQuality marks output the parser could only partially
	// reconstruct against the framework's own summary line.
	ErrParseQuality = errors.New("parse quality warning")

	// ErrInternal marks an invariant breach in the coordinator. The only
	// error, besides ErrConfiguration, that propagates out of Run.
	ErrInternal = errors.New("internal error")
)
