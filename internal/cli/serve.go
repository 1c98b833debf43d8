package cli

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/fmueller/voxserve/internal/httpapi"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd(app *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the transcription HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.serveFn(cmd.Context())
		},
	}

	bindServerFlags(cmd, app)
	bindSchedulerFlags(cmd, app)

	return cmd
}

func (a *appState) runServe(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	rt, err := a.buildRuntime()
	if err != nil {
		return err
	}

	var metricsHandler http.Handler
	if a.cfg.Metrics.Enabled {
		metricsHandler = rt.metrics.Handler()
	}

	router, err := httpapi.NewRouter(httpapi.Options{
		Transcriber:    rt.pipeline,
		Tiers:          rt.tierStatus,
		Ready:          rt.ready,
		Metrics:        metricsHandler,
		MaxUploadBytes: a.cfg.Staging.MaxUploadBytes,
		Logger:         a.log(),
		Debug:          a.cfg.Log.Verbose,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = httpapi.Serve(ctx, httpapi.ServerOptions{
		Addr:            a.cfg.Addr(),
		Handler:         router,
		ShutdownTimeout: a.cfg.HTTP.ShutdownTimeout,
		Logger:          a.log(),
		OnShutdown:      rt.pool.Drain,
	})
	if err != nil {
		a.log().Error("server stopped with error", zap.Error(err))
	} else {
		a.log().Info("server stopped")
	}
	_ = a.log().Sync()
	return err
}
