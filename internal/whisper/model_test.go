package whisper

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeModel(t *testing.T, path string, size int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
}

func TestCatalogPrefersAccuracy(t *testing.T) {
	t.Parallel()

	models := Catalog()
	require.Len(t, models, 2)
	require.Equal(t, TierBase, models[0].Tier)
	require.Equal(t, TierTiny, models[1].Tier)
	require.Greater(t, models[0].Accuracy, models[1].Accuracy)
	require.Greater(t, models[0].Latency, models[1].Latency)
	for _, model := range models {
		require.Lenf(t, model.SHA256, 64, "tier %s should have a pinned sha256", model.Tier)
	}
}

func TestParseTier(t *testing.T) {
	t.Parallel()

	tier, err := ParseTier(" Tiny ")
	require.NoError(t, err)
	require.Equal(t, TierTiny, tier)

	_, err = ParseTier("large-v3")
	require.ErrorIs(t, err, ErrUnknownTier)

	_, err = ParseTier(TierAuto)
	require.ErrorIs(t, err, ErrUnknownTier)
}

func TestValidateTiersFromModelDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeModel(t, filepath.Join(dir, "ggml-base.bin"), 64)
	writeModel(t, filepath.Join(dir, "ggml-tiny.bin"), 64)

	set, err := ValidateTiers(dir, nil, 16)
	require.NoError(t, err)
	require.Empty(t, set.Problems())

	usable := set.Usable()
	require.Len(t, usable, 2)
	require.Equal(t, TierBase, usable[0].Tier)
	require.Equal(t, filepath.Join(dir, "ggml-base.bin"), usable[0].Path)
}

func TestValidateTiersExplicitPathOverridesDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	custom := filepath.Join(t.TempDir(), "custom-tiny.bin")
	writeModel(t, filepath.Join(dir, "ggml-base.bin"), 64)
	writeModel(t, custom, 64)

	set, err := ValidateTiers(dir, map[Tier]string{TierTiny: custom}, 16)
	require.NoError(t, err)

	tiny, err := set.Lookup(TierTiny)
	require.NoError(t, err)
	require.Equal(t, custom, tiny.Path)
}

func TestValidateTiersKeepsServingWithOneBrokenTier(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeModel(t, filepath.Join(dir, "ggml-base.bin"), 64)
	writeModel(t, filepath.Join(dir, "ggml-tiny.bin"), 3)

	set, err := ValidateTiers(dir, nil, 16)
	require.NoError(t, err)
	require.Len(t, set.Usable(), 1)

	problems := set.Problems()
	require.Len(t, problems, 1)
	require.Equal(t, TierTiny, problems[0].Tier)
	require.ErrorContains(t, problems[0].Err, "implausibly small")

	_, err = set.Lookup(TierTiny)
	require.ErrorIs(t, err, ErrTierUnavailable)
}

func TestValidateTiersFailsWhenNothingUsable(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "ggml-base.bin"), 0o755))

	_, err := ValidateTiers(dir, nil, 16)
	require.ErrorIs(t, err, ErrNoUsableTier)
	require.ErrorContains(t, err, "is a directory")
	require.ErrorContains(t, err, "model file missing")
}

func TestValidateTiersUsesCatalogMinimumByDefault(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeModel(t, filepath.Join(dir, "ggml-base.bin"), 1024)
	writeModel(t, filepath.Join(dir, "ggml-tiny.bin"), 1024)

	_, err := ValidateTiers(dir, nil, 0)
	require.ErrorIs(t, err, ErrNoUsableTier)
}

func TestTierSetLookupUnknown(t *testing.T) {
	t.Parallel()

	set := NewTierSet(ModelTier{Model: catalog[0], Path: "/m/base.bin"})
	_, err := set.Lookup(Tier("huge"))
	require.ErrorIs(t, err, ErrUnknownTier)

	_, err = set.Lookup(TierTiny)
	require.ErrorIs(t, err, ErrTierUnavailable)
}
