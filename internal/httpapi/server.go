package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/fmueller/voxserve/internal/logging"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type ServerOptions struct {
	Addr            string
	Handler         http.Handler
	ShutdownTimeout time.Duration
	Logger          *zap.Logger
	// OnShutdown runs after the listener stops accepting and in-flight
	// requests have drained or the shutdown deadline passed.
	OnShutdown func(ctx context.Context) error
}

// Serve listens on opts.Addr until ctx is canceled, then shuts down
// gracefully within ShutdownTimeout.
func Serve(ctx context.Context, opts ServerOptions) error {
	listener, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", opts.Addr, err)
	}
	return ServeListener(ctx, listener, opts)
}

func ServeListener(ctx context.Context, listener net.Listener, opts ServerOptions) error {
	logger := logging.OrNop(opts.Logger)
	srv := &http.Server{
		Handler:           opts.Handler,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          zap.NewStdLog(logger),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", listener.Addr().String()))
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		timeout := opts.ShutdownTimeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()

		logger.Info("http server shutting down", zap.Duration("timeout", timeout))
		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown http server: %w", err))
		}
		if opts.OnShutdown != nil {
			if err := opts.OnShutdown(shutdownCtx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}
