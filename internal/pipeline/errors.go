package pipeline

import "errors"

// Sentinel errors classifying pipeline failures. Per-item transient errors
// are anything not matching one of these; they stay inside the worker pool
// and become StatusFailed outcomes after retries are exhausted.
var (
	// ErrDetected marks an automation-challenge hit. Never retried; it
	// escalates to the restart controller instead.
	ErrDetected = errors.New("automation challenge detected")

	// ErrBrowserGone means the extraction browser process is unreachable
	// and could not be relaunched. Fatal to the current run.
	ErrBrowserGone = errors.New("browser disconnected")

	// ErrCancelled is raised when the advisory cancellation flag is
	// observed. It unwinds the run after partial output is flushed.
	ErrCancelled = errors.New("run cancelled")

	// ErrDetectionLimit is returned once the run-wide detection counter
	// trips the circuit breaker; no further work may be issued.
	ErrDetectionLimit = errors.New("detection limit reached for run")
)
