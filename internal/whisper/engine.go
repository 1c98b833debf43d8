package whisper

import (
	"context"
	"time"
)

// Outcome is the terminal classification of one engine invocation.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeTimeout
	OutcomeNonZeroExit
	OutcomeMalformedOutput
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeNonZeroExit:
		return "non_zero_exit"
	case OutcomeMalformedOutput:
		return "malformed_output"
	default:
		return "unknown"
	}
}

type InvokeRequest struct {
	AudioPath string
	Tier      ModelTier
	Language  string
	Timeout   time.Duration
}

// Invocation records one subprocess execution. ExitCode is the raw
// process status; -1 means the process did not exit on its own (spawn
// failure or forced termination). Text is only set on OutcomeSuccess.
type Invocation struct {
	Tier     Tier
	Started  time.Time
	Finished time.Time
	ExitCode int
	Stdout   string
	Stderr   string
	Outcome  Outcome
	Text     string
	Err      error
}

func (i Invocation) Elapsed() time.Duration {
	if i.Finished.Before(i.Started) {
		return 0
	}
	return i.Finished.Sub(i.Started)
}

// Invoker runs the recognition engine once. It never retries and never
// decides whether a failure is retryable.
type Invoker interface {
	Invoke(ctx context.Context, req InvokeRequest) Invocation
}
