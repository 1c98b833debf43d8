package platform

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

const appName = "voxserve"

type Runtime struct {
	OS   string
	Arch string
}

func CurrentRuntime() Runtime {
	return Runtime{
		OS:   runtime.GOOS,
		Arch: NormalizeArch(runtime.GOARCH),
	}
}

// Target renders the runtime as the os_arch pair used in packaging paths.
func (r Runtime) Target() string {
	return r.OS + "_" + r.Arch
}

func NormalizeArch(arch string) string {
	switch arch {
	case "x86_64":
		return "amd64"
	case "aarch64":
		return "arm64"
	default:
		return arch
	}
}

func DefaultModelDirFor(goos, homeDir, xdgDataHome string) (string, error) {
	dataDir, err := defaultDataDirFor(goos, homeDir, xdgDataHome)
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, "models"), nil
}

// ScratchDirFor returns the directory staged audio is written to. Staged
// files are short lived, so they go under the system temp dir unless the
// runtime dir is available.
func ScratchDirFor(goos, xdgRuntimeDir, tempDir string) string {
	if goos == "linux" && xdgRuntimeDir != "" {
		return filepath.Join(xdgRuntimeDir, appName, "staging")
	}
	return filepath.Join(tempDir, appName+"-staging")
}

func ResolveModelDir(override string) (string, error) {
	if override != "" {
		return filepath.Clean(override), nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	return DefaultModelDirFor(runtime.GOOS, homeDir, os.Getenv("XDG_DATA_HOME"))
}

// ResolveScratchDir returns override or the platform default and makes sure
// the directory exists.
func ResolveScratchDir(override string) (string, error) {
	dir := filepath.Clean(override)
	if override == "" {
		dir = ScratchDirFor(runtime.GOOS, os.Getenv("XDG_RUNTIME_DIR"), os.TempDir())
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create scratch directory %s: %w", dir, err)
	}
	return dir, nil
}

func defaultDataDirFor(goos, homeDir, xdgDataHome string) (string, error) {
	if homeDir == "" {
		return "", errors.New("home directory is empty")
	}

	switch goos {
	case "linux":
		if xdgDataHome != "" {
			return filepath.Join(xdgDataHome, appName), nil
		}
		return filepath.Join(homeDir, ".local", "share", appName), nil
	case "darwin":
		return filepath.Join(homeDir, "Library", "Application Support", appName), nil
	default:
		return "", fmt.Errorf("unsupported OS: %s", goos)
	}
}
