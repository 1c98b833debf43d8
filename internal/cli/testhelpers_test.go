package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/fmueller/voxserve/internal/config"
	"github.com/fmueller/voxserve/internal/download"
	"github.com/stretchr/testify/require"
)

func runCommand(t *testing.T, args []string) (stdout string, stderr string, err error) {
	t.Helper()

	cmd := NewRootCmd()
	outBuf := new(bytes.Buffer)
	errBuf := new(bytes.Buffer)

	cmd.SetOut(outBuf)
	cmd.SetErr(errBuf)
	cmd.SetArgs(args)

	err = cmd.Execute()
	return outBuf.String(), errBuf.String(), err
}

// testApp returns state with defaults loaded, as after prepare.
func testApp(t *testing.T) *appState {
	t.Helper()

	cfg := config.Default()
	cfg.Models.Dir = t.TempDir()
	cfg.Staging.ScratchDir = t.TempDir()
	return &appState{cfg: cfg, noProgress: true}
}

func writeExecutable(t *testing.T, name, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func writeModel(t *testing.T, path string, size int) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
}

type fakeFetcher struct {
	assets  []download.Asset
	present map[string]bool
	err     error
}

func (f *fakeFetcher) Ensure(_ context.Context, asset download.Asset) (bool, error) {
	f.assets = append(f.assets, asset)
	if f.err != nil {
		return false, f.err
	}
	return !f.present[asset.Name], nil
}
