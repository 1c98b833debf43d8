package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
)

// Engine input format.
const (
	TargetSampleRate = 16000
	TargetChannels   = 1
	TargetBitDepth   = 16
)

const (
	DefaultMaxBytes      = 25 << 20
	DefaultMinDuration   = 250 * time.Millisecond
	DefaultSilenceDBFS   = -65.0
	DefaultFFmpegTimeout = 60 * time.Second
)

var (
	ErrEmptyAudio        = errors.New("empty audio")
	ErrUnsupportedFormat = errors.New("unsupported audio format")
	ErrDecodeFailure     = errors.New("audio could not be decoded")
	ErrTooLarge          = errors.New("audio exceeds size limit")
)

type Options struct {
	FFmpegPath    string
	FFmpegTimeout time.Duration
	ScratchDir    string
	MaxBytes      int64
	MinDuration   time.Duration
	SilenceGate   bool
	SilenceDBFS   float64
	Logger        *zap.Logger
}

// Stager normalizes uploads into the engine's WAV format using ffmpeg.
type Stager struct {
	opts Options
}

// StagedAudio is a normalized file owned by one request. Cleanup removes
// its directory together with anything the engine wrote next to it.
type StagedAudio struct {
	Path       string
	Dir        string
	DetectedAs string
	Duration   time.Duration
	Samples    int64
	Levels     SilenceMetrics
}

func (s *StagedAudio) Cleanup() error {
	if s == nil || s.Dir == "" {
		return nil
	}
	if err := os.RemoveAll(s.Dir); err != nil {
		return fmt.Errorf("remove staged audio: %w", err)
	}
	return nil
}

func NewStager(opts Options) *Stager {
	if strings.TrimSpace(opts.FFmpegPath) == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	if opts.FFmpegTimeout <= 0 {
		opts.FFmpegTimeout = DefaultFFmpegTimeout
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Stager{opts: opts}
}

// Stage validates raw and transcodes it to 16 kHz mono 16-bit PCM. The
// declared MIME type is only logged; the content is sniffed. On error no
// files are left behind.
func (s *Stager) Stage(ctx context.Context, raw []byte, declaredMIME string) (*StagedAudio, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyAudio
	}
	if int64(len(raw)) > s.opts.MaxBytes {
		return nil, fmt.Errorf("%w: %d bytes > %d", ErrTooLarge, len(raw), s.opts.MaxBytes)
	}

	detected := mimetype.Detect(raw)
	if !isMediaType(detected) {
		return nil, fmt.Errorf("%w: detected %s", ErrUnsupportedFormat, detected.String())
	}
	if declaredMIME != "" && !detected.Is(declaredMIME) {
		s.opts.Logger.Debug("declared content type differs from sniffed type",
			zap.String("declared", declaredMIME),
			zap.String("detected", detected.String()),
		)
	}

	dir, err := os.MkdirTemp(s.opts.ScratchDir, "stage-*")
	if err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	staged := &StagedAudio{Dir: dir, DetectedAs: detected.String()}
	ok := false
	defer func() {
		if !ok {
			_ = staged.Cleanup()
		}
	}()

	input := filepath.Join(dir, "input"+detected.Extension())
	if err := os.WriteFile(input, raw, 0o600); err != nil {
		return nil, fmt.Errorf("write upload: %w", err)
	}

	staged.Path = filepath.Join(dir, "audio.wav")
	if err := s.transcode(ctx, input, staged.Path); err != nil {
		return nil, err
	}
	if err := os.Remove(input); err != nil {
		s.opts.Logger.Warn("failed to remove raw upload", zap.String("path", input), zap.Error(err))
	}

	info, err := AnalyzeWAV(staged.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailure, err)
	}
	if info.SampleRate != TargetSampleRate || info.Channels != TargetChannels || info.BitDepth != TargetBitDepth {
		return nil, fmt.Errorf("%w: transcoder produced %d Hz, %d channel(s), %d-bit", ErrDecodeFailure, info.SampleRate, info.Channels, info.BitDepth)
	}

	staged.Duration = info.Duration
	staged.Samples = info.Frames
	staged.Levels = info.Levels

	if info.Frames == 0 {
		return nil, fmt.Errorf("%w: no samples after decoding", ErrEmptyAudio)
	}
	if s.opts.MinDuration > 0 && info.Duration < s.opts.MinDuration {
		return nil, fmt.Errorf("%w: %s is shorter than %s", ErrEmptyAudio, info.Duration, s.opts.MinDuration)
	}
	if s.opts.SilenceGate && info.Levels.IsSilent(s.opts.SilenceDBFS) {
		return nil, fmt.Errorf("%w: silent (rms %.1f dBFS, peak %.1f dBFS)", ErrEmptyAudio, info.Levels.RMSdBFS, info.Levels.PeakdBFS)
	}

	ok = true
	return staged, nil
}

func (s *Stager) transcode(ctx context.Context, input, output string) error {
	runCtx, cancel := context.WithTimeout(ctx, s.opts.FFmpegTimeout)
	defer cancel()

	args := []string{
		"-hide_banner", "-nostdin", "-loglevel", "error", "-y",
		"-i", input,
		"-vn",
		"-ac", fmt.Sprint(TargetChannels),
		"-ar", fmt.Sprint(TargetSampleRate),
		"-c:a", "pcm_s16le",
		"-f", "wav",
		output,
	}
	cmd := exec.CommandContext(runCtx, s.opts.FFmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		var execErr *exec.Error
		if errors.As(err, &execErr) {
			return fmt.Errorf("run ffmpeg: %w", err)
		}
		s.opts.Logger.Debug("ffmpeg rejected input", zap.String("stderr", strings.TrimSpace(stderr.String())), zap.Error(err))
		return fmt.Errorf("%w: transcoder failed: %v", ErrDecodeFailure, err)
	}
	return nil
}

// Check reports whether the transcoder can be started.
func (s *Stager) Check() error {
	if _, err := exec.LookPath(s.opts.FFmpegPath); err != nil {
		return fmt.Errorf("ffmpeg not usable: %w", err)
	}
	return nil
}

func isMediaType(m *mimetype.MIME) bool {
	for ; m != nil; m = m.Parent() {
		value := m.String()
		if strings.HasPrefix(value, "audio/") || strings.HasPrefix(value, "video/") {
			return true
		}
	}
	return false
}
