// Package pipeline turns one uploaded clip into a transcript: it stages the
// audio, walks the tier plan under the scheduler's slot budget and folds the
// invocations into a Result.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fmueller/voxserve/internal/audio"
	"github.com/fmueller/voxserve/internal/logging"
	"github.com/fmueller/voxserve/internal/scheduler"
	"github.com/fmueller/voxserve/internal/whisper"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// maxLoggedStderr bounds the engine diagnostics copied into a log entry.
const maxLoggedStderr = 2048

// Request is one transcription job. It is not modified after NewRequest.
type Request struct {
	ID       string
	Audio    []byte
	MIMEType string
	Language string
	// Tier is "auto", empty, or a tier name.
	Tier string
}

func NewRequest(raw []byte, mimeType, language, tier string) Request {
	return Request{
		ID:       uuid.NewString(),
		Audio:    raw,
		MIMEType: mimeType,
		Language: strings.TrimSpace(language),
		Tier:     strings.TrimSpace(tier),
	}
}

type Stager interface {
	Stage(ctx context.Context, raw []byte, declaredMIME string) (*audio.StagedAudio, error)
}

// SlotPool bounds concurrent invocations. Acquire admits a new request and
// may refuse it for depth; Requeue is used for the fallback attempts of a
// request that was already admitted and never is.
type SlotPool interface {
	Acquire(ctx context.Context) (*scheduler.Slot, error)
	Requeue(ctx context.Context) (*scheduler.Slot, error)
}

// Recorder receives observability events. Implementations must be safe for
// concurrent use.
type Recorder interface {
	ObserveQueueWait(wait time.Duration)
	ObserveInvocation(inv whisper.Invocation)
	ObserveRequest(kind string, tier whisper.Tier, attempts int, elapsed time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) ObserveQueueWait(time.Duration) {}
func (nopRecorder) ObserveInvocation(whisper.Invocation) {}
func (nopRecorder) ObserveRequest(string, whisper.Tier, int, time.Duration) {}

type Options struct {
	Tiers    whisper.TierSet
	Stager   Stager
	Engine   whisper.Invoker
	Slots    SlotPool
	Timeout  time.Duration
	Logger   *zap.Logger
	Recorder Recorder
}

type Pipeline struct {
	tiers    whisper.TierSet
	stager   Stager
	engine   whisper.Invoker
	slots    SlotPool
	timeout  time.Duration
	logger   *zap.Logger
	recorder Recorder
}

func New(opts Options) (*Pipeline, error) {
	switch {
	case opts.Stager == nil:
		return nil, errors.New("pipeline requires a stager")
	case opts.Engine == nil:
		return nil, errors.New("pipeline requires an engine")
	case opts.Slots == nil:
		return nil, errors.New("pipeline requires a slot pool")
	}
	if len(opts.Tiers.Usable()) == 0 {
		return nil, whisper.ErrNoUsableTier
	}
	if opts.Timeout <= 0 {
		opts.Timeout = whisper.DefaultTimeout
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}

	return &Pipeline{
		tiers:    opts.Tiers,
		stager:   opts.Stager,
		engine:   opts.Engine,
		slots:    opts.Slots,
		timeout:  opts.Timeout,
		logger:   logging.OrNop(opts.Logger),
		recorder: opts.Recorder,
	}, nil
}

func (p *Pipeline) Tiers() whisper.TierSet {
	return p.tiers
}

// Transcribe runs req to completion. Every returned error is an *Error.
// Canceling ctx abandons queued work and skips remaining tiers, but an
// engine invocation already running is left to finish or time out.
func (p *Pipeline) Transcribe(ctx context.Context, req Request) (Result, error) {
	started := time.Now()
	logger := logging.ForRequest(p.logger, req.ID)

	result, err := p.transcribe(ctx, logger, req, started)
	elapsed := time.Since(started)

	if err != nil {
		perr := classify("transcribe", err)
		p.recorder.ObserveRequest(string(perr.Kind), "", len(perr.Attempts), elapsed)
		logger.Info("transcription failed",
			zap.String("error_kind", string(perr.Kind)),
			zap.Int("attempts", len(perr.Attempts)),
			zap.Duration("elapsed", elapsed),
			zap.Error(perr.Cause),
		)
		return Result{}, perr
	}

	p.recorder.ObserveRequest("ok", result.Tier, result.Attempts, result.Elapsed)
	logger.Info("transcription finished",
		zap.String("model_used", string(result.Tier)),
		zap.Int("attempts", result.Attempts),
		zap.Duration("elapsed", result.Elapsed),
	)
	return result, nil
}

func (p *Pipeline) transcribe(ctx context.Context, logger *zap.Logger, req Request, started time.Time) (Result, error) {
	plan, err := PlanFor(req.Tier, p.tiers)
	if err != nil {
		return Result{}, err
	}
	language, err := whisper.ParseLanguage(req.Language)
	if err != nil {
		return Result{}, newError(KindInvalidRequest, "plan", fmt.Sprintf("unsupported language %q", req.Language), err)
	}

	staged, err := p.stager.Stage(ctx, req.Audio, req.MIMEType)
	if err != nil {
		return Result{}, classify("stage", err)
	}
	defer func() {
		if err := staged.Cleanup(); err != nil {
			logger.Warn("failed to clean up staged audio", zap.Error(err))
		}
	}()
	logger.Debug("audio staged",
		zap.String("detected_as", staged.DetectedAs),
		zap.Duration("duration", staged.Duration),
		zap.Int64("samples", staged.Samples),
	)

	ctrl := NewController(plan)
	for {
		tier, ok := ctrl.Next()
		if !ok {
			break
		}
		if ctx.Err() != nil {
			ctrl.Cancel()
			break
		}

		inv, err := p.attempt(ctx, logger, staged, tier, language, len(ctrl.Attempts())+1)
		if err != nil {
			if ctx.Err() != nil {
				ctrl.Cancel()
				break
			}
			perr := classify("schedule", err)
			perr.Attempts = ctrl.Attempts()
			return Result{}, perr
		}
		ctrl.Observe(inv)
	}

	switch ctrl.State() {
	case StateCanceled:
		return Result{}, &Error{
			Kind:     KindCanceled,
			Op:       "transcribe",
			Message:  KindCanceled.PublicMessage(),
			Cause:    context.Cause(ctx),
			Attempts: ctrl.Attempts(),
		}
	default:
		return Assemble(req.ID, ctrl.Attempts(), started, time.Now())
	}
}

// attempt runs one invocation while holding a slot. The slot is released
// as soon as the engine returns, so a retry queues again behind requests
// that arrived in the meantime. Only the first attempt can be turned away
// for a full queue.
func (p *Pipeline) attempt(ctx context.Context, logger *zap.Logger, staged *audio.StagedAudio, tier whisper.ModelTier, language string, n int) (whisper.Invocation, error) {
	acquire := p.slots.Acquire
	if n > 1 {
		acquire = p.slots.Requeue
	}
	slot, err := acquire(ctx)
	if err != nil {
		return whisper.Invocation{}, err
	}
	p.recorder.ObserveQueueWait(slot.Waited)

	inv := p.engine.Invoke(ctx, whisper.InvokeRequest{
		AudioPath: staged.Path,
		Tier:      tier,
		Language:  language,
		Timeout:   p.timeout,
	})
	slot.Release()
	p.recorder.ObserveInvocation(inv)

	fields := []zap.Field{
		zap.String("tier", string(inv.Tier)),
		zap.Int("attempt", n),
		zap.Stringer("outcome", inv.Outcome),
		zap.Int("exit_code", inv.ExitCode),
		zap.Duration("elapsed", inv.Elapsed()),
	}
	if inv.Outcome == whisper.OutcomeSuccess {
		logger.Debug("engine invocation succeeded", fields...)
	} else {
		fields = append(fields, zap.String("stderr", truncate(inv.Stderr, maxLoggedStderr)), zap.Error(inv.Err))
		logger.Warn("engine invocation failed", fields...)
	}
	return inv, nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
