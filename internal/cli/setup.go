package cli

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fmueller/voxserve/internal/download"
	"github.com/fmueller/voxserve/internal/platform"
	"github.com/fmueller/voxserve/internal/whisper"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type assetEnsurer interface {
	Ensure(ctx context.Context, asset download.Asset) (bool, error)
}

func newSetupCmd(app *appState) *cobra.Command {
	var tier string

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Download and verify tier model files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			models, err := modelsForSetup(tier)
			if err != nil {
				return err
			}

			modelDir, err := platform.ResolveModelDir(app.cfg.Models.Dir)
			if err != nil {
				return err
			}

			fetcher := app.fetcher
			if fetcher == nil {
				fetcher = download.NewFetcher(app.log(), app.progressEnabled())
			}

			for _, model := range models {
				destination := app.modelPath(modelDir, model)
				app.log().Info("ensuring model", zap.String("tier", string(model.Tier)), zap.String("path", destination))

				downloaded, err := fetcher.Ensure(cmd.Context(), download.Asset{
					Name:        string(model.Tier),
					URL:         model.URL,
					Destination: destination,
					SHA256:      model.SHA256,
				})
				if err != nil {
					return fmt.Errorf("set up tier %s: %w", model.Tier, err)
				}

				if downloaded {
					fmt.Fprintf(cmd.OutOrStdout(), "Tier %s installed at %s\n", model.Tier, destination)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "Tier %s already present at %s\n", model.Tier, destination)
				}
			}
			return nil
		},
	}

	bindProgressFlag(cmd, app)
	cmd.Flags().StringVar(&tier, "tier", "all", "Tier to install: all|"+strings.Join(whisper.TierNames(), "|"))

	return cmd
}

func modelsForSetup(tier string) ([]whisper.Model, error) {
	if strings.EqualFold(strings.TrimSpace(tier), "all") {
		return whisper.Catalog(), nil
	}
	parsed, err := whisper.ParseTier(tier)
	if err != nil {
		return nil, err
	}
	model, _ := whisper.LookupModel(parsed)
	return []whisper.Model{model}, nil
}

// modelPath is where validation will look for the tier's model, so setup
// and serve always agree.
func (a *appState) modelPath(modelDir string, model whisper.Model) string {
	var override string
	switch model.Tier {
	case whisper.TierBase:
		override = a.cfg.Models.Base.Path
	case whisper.TierTiny:
		override = a.cfg.Models.Tiny.Path
	}
	if strings.TrimSpace(override) != "" {
		return filepath.Clean(override)
	}
	return filepath.Join(modelDir, model.FileName)
}
