package whisper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/fmueller/voxserve/internal/platform"
	"go.uber.org/zap"
)

const (
	DefaultTimeout = 120 * time.Second
	// killGrace bounds how long output pipes are drained after the engine
	// has been killed.
	killGrace = 2 * time.Second
)

// BundledEngine runs whisper-cli as a single-shot subprocess per invocation.
type BundledEngine struct {
	Executable string
	Logger     *zap.Logger
}

// NewBundledEngine resolves the engine binary: the explicit path when set,
// then whisper-cli on PATH, then the libexec layout next to the voxserve
// binary.
func NewBundledEngine(explicit string, logger *zap.Logger) (*BundledEngine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if explicit = strings.TrimSpace(explicit); explicit != "" {
		if err := ensureExecutable(explicit); err != nil {
			return nil, fmt.Errorf("configured whisper engine is not executable: %w", err)
		}
		return &BundledEngine{Executable: explicit, Logger: logger}, nil
	}

	if onPath, err := exec.LookPath(engineBinaryName()); err == nil {
		return &BundledEngine{Executable: onPath, Logger: logger}, nil
	}

	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve voxserve executable path: %w", err)
	}

	whisperExe, err := ResolveBundledEnginePath(self)
	if err != nil {
		return nil, err
	}
	return &BundledEngine{Executable: whisperExe, Logger: logger}, nil
}

func ResolveBundledEnginePath(selfExecutable string) (string, error) {
	for _, candidate := range EnginePathCandidates(selfExecutable) {
		if err := ensureExecutable(candidate); err == nil {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("whisper engine not found on PATH or near %s; set engine.path or VOXSERVE_WHISPER_PATH (expected ../libexec/whisper/%s)", selfExecutable, engineBinaryName())
}

func EnginePathCandidates(selfExecutable string) []string {
	binDir := filepath.Dir(selfExecutable)
	engineName := engineBinaryName()

	return []string{
		filepath.Join(binDir, "..", "libexec", "whisper", engineName),
		filepath.Join(binDir, "libexec", "whisper", engineName),
		filepath.Join(binDir, "packaging", "whisper", platform.CurrentRuntime().Target(), engineName),
		filepath.Join(binDir, engineName),
	}
}

// Check reports whether the resolved executable is still usable.
func (b *BundledEngine) Check() error {
	return ensureExecutable(b.Executable)
}

// Invoke runs the engine once against req.AudioPath with req.Tier's model.
// Cancellation of ctx does not stop a running engine; only req.Timeout
// does, and on expiry the process group is killed before Invoke returns.
func (b *BundledEngine) Invoke(ctx context.Context, req InvokeRequest) Invocation {
	inv := Invocation{Tier: req.Tier.Tier, ExitCode: -1, Started: time.Now()}
	done := func(outcome Outcome, err error) Invocation {
		inv.Finished = time.Now()
		inv.Outcome = outcome
		inv.Err = err
		return inv
	}

	if strings.TrimSpace(req.AudioPath) == "" {
		return done(OutcomeNonZeroExit, errors.New("audio path is required"))
	}
	if strings.TrimSpace(req.Tier.Path) == "" {
		return done(OutcomeNonZeroExit, errors.New("model path is required"))
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	outBase := outputBase(req.AudioPath, req.Tier.Tier)
	txtOut := outBase + ".txt"
	defer b.removeOutput(txtOut)

	args := buildArgs(req.Tier.Path, req.AudioPath, outBase, req.Language)
	cmd := exec.CommandContext(runCtx, b.Executable, args...)
	configureProcessGroup(cmd)
	cmd.WaitDelay = killGrace

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	b.log().Debug("running whisper engine", zap.String("engine", b.Executable), zap.Strings("args", args), zap.Duration("timeout", timeout))
	runErr := cmd.Run()

	inv.Stdout = stdout.String()
	inv.Stderr = stderr.String()
	if cmd.ProcessState != nil {
		inv.ExitCode = cmd.ProcessState.ExitCode()
	}

	if runErr != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return done(OutcomeTimeout, fmt.Errorf("whisper engine exceeded %s and was terminated", timeout))
		}
		return done(OutcomeNonZeroExit, b.describeFailure(runErr, inv.Stderr))
	}

	raw, err := os.ReadFile(txtOut)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return done(OutcomeMalformedOutput, fmt.Errorf("read whisper output: %w", err))
		}
		raw = stdout.Bytes()
	}

	text, err := ParseTranscript(raw)
	if err != nil {
		return done(OutcomeMalformedOutput, err)
	}
	inv.Text = text
	return done(OutcomeSuccess, nil)
}

func (b *BundledEngine) log() *zap.Logger {
	if b.Logger == nil {
		return zap.NewNop()
	}
	return b.Logger
}

func (b *BundledEngine) describeFailure(runErr error, stderr string) error {
	errText := strings.TrimSpace(stderr)
	switch {
	case isMissingSharedLibraryError(errText):
		return fmt.Errorf("whisper engine at %s is missing required shared libraries: %w", b.Executable, runErr)
	case isIllegalInstructionError(errText) || isIllegalInstructionError(runErr.Error()):
		return fmt.Errorf("whisper engine crashed with an illegal CPU instruction; rebuild whisper-cli for this CPU: %w", runErr)
	default:
		return fmt.Errorf("whisper engine failed: %w", runErr)
	}
}

func buildArgs(modelPath, audioPath, outBase, language string) []string {
	args := []string{"-m", modelPath, "-f", audioPath, "-nt", "-otxt", "-of", outBase}
	if lang := strings.ToLower(strings.TrimSpace(language)); lang != "" && lang != LanguageAuto {
		args = append(args, "-l", lang)
	}
	return args
}

// outputBase derives the -of argument from the staged file so two tiers
// run against the same file never share a transcript path.
func outputBase(audioPath string, tier Tier) string {
	return strings.TrimSuffix(audioPath, filepath.Ext(audioPath)) + "." + string(tier)
}

func (b *BundledEngine) removeOutput(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		b.log().Warn("failed to remove whisper output", zap.String("path", path), zap.Error(err))
	}
}

func engineBinaryName() string {
	if runtime.GOOS == "windows" {
		return "whisper-cli.exe"
	}
	return "whisper-cli"
}

func ensureExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	if runtime.GOOS != "windows" && info.Mode()&0o111 == 0 {
		return fmt.Errorf("%s is not executable", path)
	}
	return nil
}

func isMissingSharedLibraryError(stderr string) bool {
	value := strings.ToLower(strings.TrimSpace(stderr))
	if value == "" {
		return false
	}

	for _, pattern := range []string{
		"error while loading shared libraries",
		"cannot open shared object file",
		"dyld: library not loaded",
		"image not found",
	} {
		if strings.Contains(value, pattern) {
			return true
		}
	}
	return false
}

func isIllegalInstructionError(text string) bool {
	return strings.Contains(strings.ToLower(text), "illegal instruction")
}
