package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/fmueller/voxserve/internal/whisper"
)

// Result is a successful transcription. Tier is the tier whose invocation
// produced Text, which after a fallback differs from the one requested.
type Result struct {
	RequestID   string
	Text        string
	Tier        whisper.Tier
	Attempts    int
	Elapsed     time.Duration
	Invocations []whisper.Invocation
}

// Assemble folds the attempts of one request into a Result. Only the last
// attempt may have succeeded; anything else is an EngineFailure and no
// text from earlier attempts is returned. Elapsed covers the whole request
// and is never less than the summed attempt durations.
func Assemble(requestID string, attempts []whisper.Invocation, started, finished time.Time) (Result, error) {
	if len(attempts) == 0 {
		return Result{}, newError(KindInternal, "assemble", "no engine invocation was made", nil)
	}

	var spent time.Duration
	for _, inv := range attempts {
		spent += inv.Elapsed()
	}
	elapsed := finished.Sub(started)
	if elapsed < spent {
		elapsed = spent
	}

	last := attempts[len(attempts)-1]
	if last.Outcome != whisper.OutcomeSuccess {
		return Result{}, &Error{
			Kind:     KindEngineFailure,
			Op:       "assemble",
			Message:  KindEngineFailure.PublicMessage(),
			Cause:    fmt.Errorf("%d attempt(s): %s", len(attempts), summarize(attempts)),
			Attempts: attempts,
		}
	}

	return Result{
		RequestID:   requestID,
		Text:        last.Text,
		Tier:        last.Tier,
		Attempts:    len(attempts),
		Elapsed:     elapsed,
		Invocations: attempts,
	}, nil
}

func summarize(attempts []whisper.Invocation) string {
	parts := make([]string, 0, len(attempts))
	for _, inv := range attempts {
		parts = append(parts, fmt.Sprintf("%s=%s", inv.Tier, inv.Outcome))
	}
	return strings.Join(parts, ", ")
}
