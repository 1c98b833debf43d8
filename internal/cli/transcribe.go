package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/fmueller/voxserve/internal/httpapi"
	"github.com/fmueller/voxserve/internal/pipeline"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newTranscribeCmd(app *appState) *cobra.Command {
	var (
		tier     string
		language string
		output   string
	)

	cmd := &cobra.Command{
		Use:   "transcribe <audio-file>",
		Short: "Transcribe an audio file through the local pipeline without starting the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output = strings.ToLower(strings.TrimSpace(output))
			if output != "json" && output != "text" {
				return fmt.Errorf("unsupported output %q; use json or text", output)
			}

			audioPath := filepath.Clean(args[0])
			raw, err := os.ReadFile(audioPath)
			if err != nil {
				return fmt.Errorf("audio file not found: %w", err)
			}

			transcribeFn := app.transcribeFn
			if transcribeFn == nil {
				transcribeFn = app.transcribeOnce
			}

			req := pipeline.NewRequest(raw, mime.TypeByExtension(filepath.Ext(audioPath)), language, tier)
			stopSpinner := startSpinner(app.progressEnabled(), cmd.ErrOrStderr(), "Transcribing")
			result, err := transcribeFn(cmd.Context(), req)
			stopSpinner()
			if err != nil {
				return err
			}

			if output == "text" {
				fmt.Fprintln(cmd.OutOrStdout(), result.Text)
				if strings.TrimSpace(result.Text) == "" {
					app.log().Warn("no speech detected in audio", zap.String("audio", audioPath))
				}
				return nil
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(httpapi.TranscriptionResponse{
				Text:       result.Text,
				ModelUsed:  string(result.Tier),
				Attempts:   result.Attempts,
				DurationMS: result.Elapsed.Milliseconds(),
			})
		},
	}

	bindProgressFlag(cmd, app)
	cmd.Flags().StringVar(&tier, "model-tier", "auto", "Model tier: auto|base|tiny")
	cmd.Flags().StringVar(&language, "language", "", "Language code (en|de|...); empty lets the engine detect it")
	cmd.Flags().StringVarP(&output, "output", "o", "json", "Output format: json|text")
	return cmd
}

func (a *appState) transcribeOnce(ctx context.Context, req pipeline.Request) (pipeline.Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	rt, err := a.buildRuntime()
	if err != nil {
		return pipeline.Result{}, err
	}
	defer rt.pool.Close()

	a.log().Info("transcribing...", zap.String("request_id", req.ID), zap.String("model_tier", req.Tier), zap.String("language", req.Language))
	return rt.pipeline.Transcribe(ctx, req)
}
