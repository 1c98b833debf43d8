package whisper

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Tier names one recognition model configuration.
type Tier string

const (
	TierBase Tier = "base"
	TierTiny Tier = "tiny"
)

// TierAuto is the request value asking the service to choose the tiers.
const TierAuto = "auto"

var (
	ErrUnknownTier     = errors.New("unknown model tier")
	ErrTierUnavailable = errors.New("model tier unavailable")
	ErrNoUsableTier    = errors.New("no usable model tier")
)

// Model describes a tier's model file and its expected profile. Accuracy
// and Latency are relative ranks: higher accuracy is better, lower latency
// is faster.
type Model struct {
	Tier     Tier
	FileName string
	URL      string
	SHA256   string
	// MinSize is the smallest file size accepted as a real model.
	MinSize  int64
	Accuracy int
	Latency  int
}

// catalog is ordered by preference: most accurate first.
var catalog = []Model{
	{
		Tier:     TierBase,
		FileName: "ggml-base.bin",
		URL:      "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-base.bin",
		SHA256:   "60ed5bc3dd14eea856493d334349b405782ddcaf0028d4b5df4088345fba2efe",
		MinSize:  100 << 20,
		Accuracy: 2,
		Latency:  2,
	},
	{
		Tier:     TierTiny,
		FileName: "ggml-tiny.bin",
		URL:      "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-tiny.bin",
		SHA256:   "be07e048e1e599ad46341c8d2a135645097a538221678b7acdd1b1919c6e1b21",
		MinSize:  50 << 20,
		Accuracy: 1,
		Latency:  1,
	},
}

func Catalog() []Model {
	out := make([]Model, len(catalog))
	copy(out, catalog)
	return out
}

func LookupModel(tier Tier) (Model, bool) {
	for _, model := range catalog {
		if model.Tier == tier {
			return model, true
		}
	}
	return Model{}, false
}

// ParseTier maps a request value to a tier. The empty string and "auto"
// are not tiers; callers handle them before parsing.
func ParseTier(value string) (Tier, error) {
	tier := Tier(strings.ToLower(strings.TrimSpace(value)))
	if _, ok := LookupModel(tier); !ok {
		return "", fmt.Errorf("%w %q (known tiers: %s)", ErrUnknownTier, value, strings.Join(TierNames(), ", "))
	}
	return tier, nil
}

func TierNames() []string {
	names := make([]string, 0, len(catalog))
	for _, model := range catalog {
		names = append(names, string(model.Tier))
	}
	return names
}

// ModelTier is a tier bound to a model file on disk that passed startup
// validation.
type ModelTier struct {
	Model
	Path string
}

// TierSet is the immutable, validated tier table built once at startup.
type TierSet struct {
	usable   []ModelTier
	problems map[Tier]error
}

// TierProblem is one tier that failed validation.
type TierProblem struct {
	Tier Tier
	Err  error
}

// ValidateTiers checks every catalog tier's model file. paths overrides
// the location per tier; tiers without an override are looked up in
// modelDir. minSize, when positive, replaces the catalog minimum. The
// returned error is ErrNoUsableTier when every tier failed.
func ValidateTiers(modelDir string, paths map[Tier]string, minSize int64) (TierSet, error) {
	set := TierSet{problems: make(map[Tier]error)}

	for _, model := range catalog {
		path := strings.TrimSpace(paths[model.Tier])
		if path == "" {
			if strings.TrimSpace(modelDir) == "" {
				set.problems[model.Tier] = errors.New("no model path configured and model directory is empty")
				continue
			}
			path = filepath.Join(modelDir, model.FileName)
		}
		path = filepath.Clean(path)

		threshold := model.MinSize
		if minSize > 0 {
			threshold = minSize
		}
		if err := checkModelFile(path, threshold); err != nil {
			set.problems[model.Tier] = err
			continue
		}
		set.usable = append(set.usable, ModelTier{Model: model, Path: path})
	}

	if len(set.usable) == 0 {
		return set, fmt.Errorf("%w: %w", ErrNoUsableTier, set.problemsErr())
	}
	return set, nil
}

// NewTierSet builds a set from already-validated tiers, preserving order.
func NewTierSet(tiers ...ModelTier) TierSet {
	return TierSet{usable: append([]ModelTier(nil), tiers...), problems: map[Tier]error{}}
}

func (s TierSet) Usable() []ModelTier {
	return append([]ModelTier(nil), s.usable...)
}

// Lookup returns the usable tier, ErrTierUnavailable when the tier failed
// validation, or ErrUnknownTier.
func (s TierSet) Lookup(tier Tier) (ModelTier, error) {
	for _, t := range s.usable {
		if t.Tier == tier {
			return t, nil
		}
	}
	if problem, ok := s.problems[tier]; ok {
		return ModelTier{}, fmt.Errorf("%w: %s: %v", ErrTierUnavailable, tier, problem)
	}
	if _, ok := LookupModel(tier); ok {
		return ModelTier{}, fmt.Errorf("%w: %s", ErrTierUnavailable, tier)
	}
	return ModelTier{}, fmt.Errorf("%w %q", ErrUnknownTier, tier)
}

func (s TierSet) Problems() []TierProblem {
	var out []TierProblem
	for _, model := range catalog {
		if err, ok := s.problems[model.Tier]; ok {
			out = append(out, TierProblem{Tier: model.Tier, Err: err})
		}
	}
	return out
}

func (s TierSet) problemsErr() error {
	var errs []error
	for _, p := range s.Problems() {
		errs = append(errs, fmt.Errorf("%s: %w", p.Tier, p.Err))
	}
	return errors.Join(errs...)
}

func checkModelFile(path string, minSize int64) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("model file missing at %s", path)
		}
		return fmt.Errorf("stat model file: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("model path %s is a directory", path)
	}
	if info.Size() < minSize {
		return fmt.Errorf("model file %s is implausibly small (%d bytes, expected at least %d)", path, info.Size(), minSize)
	}
	return nil
}
