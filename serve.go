package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/pixelforge/internal/artifact"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the background removal HTTP API",
		Example: `  # Serve on the default port 8000
  pixelforge serve

  # Serve with a config file on a custom address
  pixelforge serve --config pixelforge.yaml --addr :9000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck
			if addr != "" {
				cfg.Server.Addr = addr
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()

			session, err := newSession(cfg, logger)
			if err != nil {
				return fmt.Errorf("load model %s: %w", cfg.Model.Name, err)
			}
			defer closeSession(session, logger)

			staging, err := artifact.NewStaging(cfg.Storage.StagingDir)
			if err != nil {
				return err
			}

			jobs, err := initDatabase(ctx, cfg.Database, logger)
			if err != nil {
				return err
			}

			registry, memory, closeRegistry, err := initRegistry(ctx, cfg.Redis, logger)
			if err != nil {
				return err
			}
			defer closeRegistry()

			janitor := artifact.NewJanitor(staging, cfg.Storage.ArtifactTTL, memory, logger)
			if err := janitor.Start(cfg.Storage.SweepSchedule); err != nil {
				return err
			}
			defer janitor.Stop()

			uc := newUseCase(cfg, session, staging, registry, jobs, logger)

			gin.SetMode(gin.ReleaseMode)
			server := &http.Server{
				Addr:         cfg.Server.Addr,
				Handler:      newRouter(cfg, uc, session, logger),
				ReadTimeout:  cfg.Server.ReadTimeout,
				WriteTimeout: cfg.Server.WriteTimeout,
			}

			logger.Info("PixelForge API listening",
				zap.String("addr", cfg.Server.Addr),
				zap.String("model", session.Model()),
				zap.String("backend", cfg.Model.Backend),
			)
			return serveHTTPServer(server, cfg.Server.ShutdownTimeout, logger)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides server.addr and PORT")
	return cmd
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	sigCh, stopSignals := shutdownSignals(signalCh)
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}

// shutdownSignals returns signalCh when given, otherwise a channel fed by
// SIGINT and SIGTERM.
func shutdownSignals(signalCh <-chan os.Signal) (<-chan os.Signal, func()) {
	if signalCh != nil {
		return signalCh, func() {}
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	return ch, func() {
		signal.Stop(ch)
	}
}
