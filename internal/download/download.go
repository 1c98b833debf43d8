// Package download fetches model files for provisioning. It is never used
// on the request path.
package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"
	"golang.org/x/term"
)

var ErrChecksumMismatch = errors.New("checksum mismatch")

// Asset is one file to place at Destination. SHA256 is required.
type Asset struct {
	Name        string
	URL         string
	Destination string
	SHA256      string
}

type Fetcher struct {
	Client   *http.Client
	Retries  int
	Backoff  time.Duration
	Progress bool
	Logger   *zap.Logger
}

func NewFetcher(logger *zap.Logger, progress bool) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		Client:   &http.Client{Timeout: 30 * time.Minute},
		Retries:  3,
		Backoff:  500 * time.Millisecond,
		Progress: progress,
		Logger:   logger,
	}
}

// Ensure leaves a verified copy of asset on disk. An existing file with the
// right checksum is kept; a corrupt one is replaced. It reports whether a
// download happened.
func (f *Fetcher) Ensure(ctx context.Context, asset Asset) (bool, error) {
	if err := validateAsset(asset); err != nil {
		return false, err
	}

	if _, err := os.Stat(asset.Destination); err == nil {
		err := VerifyFileChecksum(asset.Destination, asset.SHA256)
		if err == nil {
			f.log().Info("asset already present", zap.String("asset", asset.Name), zap.String("path", asset.Destination))
			return false, nil
		}
		f.log().Warn("existing asset failed verification; downloading fresh copy", zap.String("asset", asset.Name), zap.Error(err))
	}

	return true, f.Fetch(ctx, asset)
}

// Fetch downloads asset with retries, verifying the checksum before the
// file is moved into place.
func (f *Fetcher) Fetch(ctx context.Context, asset Asset) error {
	if err := validateAsset(asset); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(asset.Destination), 0o755); err != nil {
		return fmt.Errorf("create destination directory: %w", err)
	}

	retries := max(f.Retries, 1)
	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		if attempt > 1 {
			f.log().Warn("retrying download", zap.String("asset", asset.Name), zap.Int("attempt", attempt), zap.Int("max", retries), zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt-1) * f.Backoff):
			}
		}

		lastErr = f.fetchOnce(ctx, asset)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return fmt.Errorf("download %s: %w", asset.Name, lastErr)
}

func validateAsset(asset Asset) error {
	switch {
	case strings.TrimSpace(asset.URL) == "":
		return errors.New("download URL is required")
	case strings.TrimSpace(asset.Destination) == "":
		return errors.New("destination path is required")
	case len(strings.TrimSpace(asset.SHA256)) != sha256.Size*2:
		return fmt.Errorf("asset %s has no valid sha256", asset.Name)
	}
	return nil
}

func VerifyFileChecksum(path, expectedSHA256 string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open file for checksum: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("hash file: %w", err)
	}
	return compareChecksum(hex.EncodeToString(h.Sum(nil)), expectedSHA256)
}

func compareChecksum(actual, expected string) error {
	expected = strings.ToLower(strings.TrimSpace(expected))
	if actual != expected {
		return fmt.Errorf("%w: expected %s, got %s", ErrChecksumMismatch, expected, actual)
	}
	return nil
}

func (f *Fetcher) fetchOnce(ctx context.Context, asset Asset) error {
	tempPath := asset.Destination + ".part"
	_ = os.Remove(tempPath)

	outFile, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	success := false
	defer func() {
		_ = outFile.Close()
		if !success {
			_ = os.Remove(tempPath)
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, asset.URL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "voxserve/1")

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("download request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	hash := sha256.New()
	writer := io.MultiWriter(outFile, hash)

	var bar *progressbar.ProgressBar
	if f.renderProgress(resp.ContentLength) {
		bar = progressbar.NewOptions64(
			resp.ContentLength,
			progressbar.OptionSetDescription(asset.Name),
			progressbar.OptionSetWidth(20),
			progressbar.OptionShowBytes(true),
			progressbar.OptionThrottle(65*time.Millisecond),
			progressbar.OptionSetRenderBlankState(true),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionClearOnFinish(),
		)
		writer = io.MultiWriter(outFile, hash, bar)
	}

	if _, err := io.Copy(writer, resp.Body); err != nil {
		return fmt.Errorf("download body: %w", err)
	}
	if bar != nil {
		_ = bar.Finish()
	}

	if err := compareChecksum(hex.EncodeToString(hash.Sum(nil)), asset.SHA256); err != nil {
		return err
	}
	if err := outFile.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := outFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tempPath, asset.Destination); err != nil {
		return fmt.Errorf("move temp file into destination: %w", err)
	}

	success = true
	return nil
}

func (f *Fetcher) renderProgress(contentLength int64) bool {
	if !f.Progress || contentLength <= 0 {
		return false
	}
	return term.IsTerminal(int(os.Stderr.Fd()))
}

func (f *Fetcher) log() *zap.Logger {
	if f.Logger == nil {
		return zap.NewNop()
	}
	return f.Logger
}
