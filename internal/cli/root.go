package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/fmueller/voxserve/internal/config"
	"github.com/fmueller/voxserve/internal/logging"
	"github.com/fmueller/voxserve/internal/pipeline"
	"github.com/fmueller/voxserve/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/term"
)

type appState struct {
	configPath  string
	verbose     bool
	jsonLogs    bool
	noProgress  bool
	bind        string
	port        int
	enginePath  string
	ffmpegPath  string
	modelDir    string
	slots       int
	queueDepth  int
	silenceGate bool
	silenceDBFS float64

	cfg    config.Config
	logger *zap.Logger

	serveFn      func(ctx context.Context) error
	transcribeFn func(ctx context.Context, req pipeline.Request) (pipeline.Result, error)
	fetcher      assetEnsurer
}

func NewRootCmd() *cobra.Command {
	return newRootCmd(newAppState())
}

func newAppState() *appState {
	app := &appState{cfg: config.Default()}
	app.serveFn = app.runServe
	app.transcribeFn = app.transcribeOnce
	return app
}

func newRootCmd(app *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "voxserve",
		Short:         "Serve speech-to-text transcription over HTTP with a bundled whisper engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version.Resolve(),
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return app.prepare(cmd.Flags())
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.serveFn(cmd.Context())
		},
	}

	cmd.SetVersionTemplate("{{.Name}} v{{.Version}}\n")

	cmd.PersistentFlags().StringVar(&app.configPath, "config", "", "Path to a YAML config file")
	bindLoggingFlags(cmd, app)
	bindServerFlags(cmd, app)
	bindEngineFlags(cmd, app)
	bindSchedulerFlags(cmd, app)
	bindStagingFlags(cmd, app)

	cmd.AddCommand(newServeCmd(app))
	cmd.AddCommand(newTranscribeCmd(app))
	cmd.AddCommand(newSetupCmd(app))
	cmd.AddCommand(newCheckCmd(app))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func bindLoggingFlags(cmd *cobra.Command, app *appState) {
	cmd.PersistentFlags().BoolVar(&app.verbose, "verbose", app.verbose, "Enable verbose logs")
	cmd.PersistentFlags().BoolVar(&app.jsonLogs, "json", app.jsonLogs, "Enable JSON logging")
}

func bindProgressFlag(cmd *cobra.Command, app *appState) {
	cmd.Flags().BoolVar(&app.noProgress, "no-progress", app.noProgress, "Disable progress indicators")
}

func bindServerFlags(cmd *cobra.Command, app *appState) {
	cmd.Flags().StringVar(&app.bind, "bind", app.cfg.HTTP.Bind, "Address to bind the HTTP server to")
	cmd.Flags().IntVar(&app.port, "port", app.cfg.HTTP.Port, "HTTP port")
}

func bindEngineFlags(cmd *cobra.Command, app *appState) {
	cmd.PersistentFlags().StringVar(&app.enginePath, "whisper-path", "", "Path to the whisper-cli executable")
	cmd.PersistentFlags().StringVar(&app.ffmpegPath, "ffmpeg-path", app.cfg.FFmpeg.Path, "Path to the ffmpeg executable")
	cmd.PersistentFlags().StringVar(&app.modelDir, "model-dir", "", "Directory where tier models are stored")
}

func bindSchedulerFlags(cmd *cobra.Command, app *appState) {
	cmd.Flags().IntVar(&app.slots, "slots", app.cfg.Scheduler.Slots, "Maximum concurrent engine invocations")
	cmd.Flags().IntVar(&app.queueDepth, "queue-depth", app.cfg.Scheduler.QueueDepth, "Maximum requests waiting for a slot")
}

func bindStagingFlags(cmd *cobra.Command, app *appState) {
	cmd.PersistentFlags().BoolVar(&app.silenceGate, "silence-gate", app.cfg.Staging.SilenceGate, "Reject near-silent audio before invoking the engine")
	cmd.PersistentFlags().Float64Var(&app.silenceDBFS, "silence-threshold-dbfs", app.cfg.Staging.SilenceThresholdDBFS, "Silence gate threshold in dBFS")
}

// prepare loads the config file and environment, then applies the flags
// the user set explicitly on top.
func (a *appState) prepare(flags *pflag.FlagSet) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	a.applyFlags(&cfg, flags)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(logging.Options{Verbose: cfg.Log.Verbose, JSON: cfg.Log.JSON, Service: "voxserve"})
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	a.cfg = cfg
	a.logger = logger
	return nil
}

func (a *appState) applyFlags(cfg *config.Config, flags *pflag.FlagSet) {
	changed := func(name string) bool {
		f := flags.Lookup(name)
		return f != nil && f.Changed
	}

	if changed("verbose") {
		cfg.Log.Verbose = a.verbose
	}
	if changed("json") {
		cfg.Log.JSON = a.jsonLogs
	}
	if changed("bind") {
		cfg.HTTP.Bind = a.bind
	}
	if changed("port") {
		cfg.HTTP.Port = a.port
	}
	if changed("whisper-path") {
		cfg.Engine.Path = a.enginePath
	}
	if changed("ffmpeg-path") {
		cfg.FFmpeg.Path = a.ffmpegPath
	}
	if changed("model-dir") {
		cfg.Models.Dir = a.modelDir
	}
	if changed("slots") {
		cfg.Scheduler.Slots = a.slots
	}
	if changed("queue-depth") {
		cfg.Scheduler.QueueDepth = a.queueDepth
	}
	if changed("silence-gate") {
		cfg.Staging.SilenceGate = a.silenceGate
	}
	if changed("silence-threshold-dbfs") {
		cfg.Staging.SilenceThresholdDBFS = a.silenceDBFS
	}
}

func (a *appState) log() *zap.Logger {
	if a.logger == nil {
		return zap.NewNop()
	}
	return a.logger
}

func (a *appState) progressEnabled() bool {
	if a.noProgress {
		return false
	}
	return term.IsTerminal(int(os.Stderr.Fd()))
}
