package cli

import (
	"errors"
	"fmt"

	"github.com/fmueller/voxserve/internal/audio"
	"github.com/fmueller/voxserve/internal/httpapi"
	"github.com/fmueller/voxserve/internal/metrics"
	"github.com/fmueller/voxserve/internal/pipeline"
	"github.com/fmueller/voxserve/internal/platform"
	"github.com/fmueller/voxserve/internal/scheduler"
	"github.com/fmueller/voxserve/internal/whisper"
	"go.uber.org/zap"
)

// serviceRuntime is everything a transcription needs, built once per
// process from the effective config.
type serviceRuntime struct {
	engine   *whisper.BundledEngine
	stager   *audio.Stager
	tiers    whisper.TierSet
	pool     *scheduler.Pool
	metrics  *metrics.Metrics
	pipeline *pipeline.Pipeline
}

func (a *appState) buildRuntime() (*serviceRuntime, error) {
	engine, err := whisper.NewBundledEngine(a.cfg.Engine.Path, a.log())
	if err != nil {
		return nil, err
	}

	tiers, err := a.validateTiers()
	if err != nil {
		return nil, err
	}

	stager, err := a.newStager()
	if err != nil {
		return nil, err
	}
	if err := stager.Check(); err != nil {
		return nil, err
	}

	pool, err := scheduler.New(a.cfg.Scheduler.Slots, a.cfg.Scheduler.QueueDepth)
	if err != nil {
		return nil, err
	}
	m := metrics.New(pool)

	p, err := pipeline.New(pipeline.Options{
		Tiers:    tiers,
		Stager:   stager,
		Engine:   engine,
		Slots:    pool,
		Timeout:  a.cfg.Engine.Timeout,
		Logger:   a.log(),
		Recorder: m,
	})
	if err != nil {
		return nil, err
	}

	a.log().Info("transcription runtime ready",
		zap.String("engine", engine.Executable),
		zap.Strings("tiers", tierNames(tiers.Usable())),
		zap.Int("slots", a.cfg.Scheduler.Slots),
		zap.Int("queue_depth", a.cfg.Scheduler.QueueDepth),
	)

	return &serviceRuntime{
		engine:   engine,
		stager:   stager,
		tiers:    tiers,
		pool:     pool,
		metrics:  m,
		pipeline: p,
	}, nil
}

// validateTiers checks every model file once. A broken tier is logged and
// left out; the error is non-nil only when no tier is usable.
func (a *appState) validateTiers() (whisper.TierSet, error) {
	modelDir, err := platform.ResolveModelDir(a.cfg.Models.Dir)
	if err != nil {
		return whisper.TierSet{}, err
	}

	tiers, err := whisper.ValidateTiers(modelDir, map[whisper.Tier]string{
		whisper.TierBase: a.cfg.Models.Base.Path,
		whisper.TierTiny: a.cfg.Models.Tiny.Path,
	}, a.cfg.Models.MinSizeBytes)
	for _, problem := range tiers.Problems() {
		a.log().Warn("model tier unavailable", zap.String("tier", string(problem.Tier)), zap.Error(problem.Err))
	}
	if err != nil {
		if errors.Is(err, whisper.ErrNoUsableTier) {
			return tiers, fmt.Errorf("%w; run \"voxserve setup\" to download models into %s", err, modelDir)
		}
		return tiers, err
	}
	return tiers, nil
}

func (a *appState) newStager() (*audio.Stager, error) {
	scratch, err := platform.ResolveScratchDir(a.cfg.Staging.ScratchDir)
	if err != nil {
		return nil, err
	}
	return audio.NewStager(audio.Options{
		FFmpegPath:  a.cfg.FFmpeg.Path,
		ScratchDir:  scratch,
		MaxBytes:    a.cfg.Staging.MaxUploadBytes,
		MinDuration: a.cfg.Staging.MinDuration,
		SilenceGate: a.cfg.Staging.SilenceGate,
		SilenceDBFS: a.cfg.Staging.SilenceThresholdDBFS,
		Logger:      a.log(),
	}), nil
}

func (rt *serviceRuntime) ready() error {
	return errors.Join(rt.engine.Check(), rt.stager.Check())
}

func (rt *serviceRuntime) tierStatus() []httpapi.TierStatus {
	return tierStatuses(rt.tiers)
}

func tierStatuses(tiers whisper.TierSet) []httpapi.TierStatus {
	catalog := whisper.Catalog()
	out := make([]httpapi.TierStatus, 0, len(catalog))
	for _, model := range catalog {
		_, err := tiers.Lookup(model.Tier)
		out = append(out, httpapi.TierStatus{
			Tier:      string(model.Tier),
			Available: err == nil,
			Accuracy:  model.Accuracy,
			Latency:   model.Latency,
		})
	}
	return out
}

func tierNames(tiers []whisper.ModelTier) []string {
	names := make([]string, 0, len(tiers))
	for _, t := range tiers {
		names = append(names, string(t.Tier))
	}
	return names
}
