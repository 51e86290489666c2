package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"mediaq/internal/config"
	httprouter "mediaq/internal/infrastructure/delivery/http"
	"mediaq/internal/observability"
	httpserver "mediaq/pkg/http/server"
)

const lockFileName = "mediaq.lock"

var errAlreadyRunning = errors.New("another mediaq server is already running")

func newServeCommand(ctx *commandContext) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			if addr != "" {
				cfg.HTTP.Port = addr
			}

			return runServe(cmd.Context(), ctx, cfg)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default from MEDIAQ_HTTP_PORT)")

	return cmd
}

func runServe(cmdCtx context.Context, ctx *commandContext, cfg *config.Config) error {
	signalCtx, stop := signal.NotifyContext(cmdCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := ctx.newLogger(cfg, false)

	if err := os.MkdirAll(cfg.Dir.Data, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	lockPath := filepath.Join(cfg.Dir.Data, lockFileName)
	lock := flock.New(lockPath)

	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}

	if !ok {
		return fmt.Errorf("%w (lock %s)", errAlreadyRunning, lockPath)
	}

	defer func() {
		if err := lock.Unlock(); err != nil {
			log.Warn("release lock", slog.Any("error", err))
		}
	}()

	metrics := observability.New(prometheus.DefaultRegisterer)

	eng, err := newEngine(signalCtx, cfg, log, metrics)
	if err != nil {
		return err
	}

	router := httprouter.New(log, httprouter.Deps{
		Service:        eng.svc,
		History:        eng.history,
		Metrics:        metrics,
		HandlerTimeout: cfg.HTTP.HandlerTimeout,
	})

	srv := httpserver.New(router, httpserver.Options{
		Addr:            cfg.HTTP.Port,
		ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
	})

	if err := srv.Start(); err != nil {
		eng.close(context.Background(), log)

		return fmt.Errorf("start http server: %w", err)
	}

	eng.depMgr.StartUpdateChecker(signalCtx)

	log.InfoContext(signalCtx, "mediaq started",
		slog.String("addr", srv.Addr()), slog.String("lock", lockPath))

	var serveErr error

	select {
	case <-signalCtx.Done():
	case err := <-srv.Notify():
		serveErr = err
		log.Error("http server stopped", slog.Any("error", err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown http server", slog.Any("error", err))
	}

	eng.close(shutdownCtx, log)

	log.Info("mediaq shut down gracefully")

	return serveErr
}
