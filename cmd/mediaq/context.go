package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"mediaq/internal/config"
	"mediaq/internal/depmanager"
	"mediaq/internal/downloader"
	"mediaq/internal/history"
	"mediaq/internal/observability"
	"mediaq/internal/procexec"
	"mediaq/internal/service"
	"mediaq/internal/storage"
	"mediaq/pkg/logger"
)

// commandContext carries the global flags and the lazily loaded configuration.
type commandContext struct {
	logLevel       string
	dataDir        string
	binsDir        string
	systemBinaries bool

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

// ensureConfig loads the environment configuration once and applies the
// global flags on top of it.
func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		cfg, err := config.New()
		if err != nil {
			c.configErr = err

			return
		}

		if err := c.applyFlags(cfg); err != nil {
			c.configErr = err

			return
		}

		c.config = cfg
	})

	return c.config, c.configErr
}

func (c *commandContext) applyFlags(cfg *config.Config) error {
	if c.logLevel != "" {
		cfg.App.LogLevel = c.logLevel
	}

	if c.dataDir != "" {
		dir, err := filepath.Abs(c.dataDir)
		if err != nil {
			return fmt.Errorf("data dir: %w", err)
		}

		// the history db follows the data dir unless it was set explicitly
		if os.Getenv("MEDIAQ_STORAGE_HISTORY_DB") == "" {
			cfg.Storage.HistoryDB = filepath.Join(dir, "history.db")
		}

		cfg.Dir.Data = dir
	}

	if c.binsDir != "" {
		dir, err := filepath.Abs(c.binsDir)
		if err != nil {
			return fmt.Errorf("bins dir: %w", err)
		}

		cfg.DepManager.BinsDir = dir
	}

	if c.systemBinaries {
		cfg.DepManager.UseSystemBinaries = true
	}

	return nil
}

// newLogger builds the JSON logger of the server. Interactive commands log
// as text to stderr so the output stays readable, and only warnings by default.
func (c *commandContext) newLogger(cfg *config.Config, interactive bool) *slog.Logger {
	opts := &logger.Options{
		AddSource: !interactive,
		Level:     cfg.App.LogLevel,
	}

	if interactive {
		opts.Text = true
		opts.Writer = os.Stderr

		if c.logLevel == "" {
			opts.Level = "warn"
		}
	}

	log, err := logger.New(opts)
	if err != nil {
		log.Warn("logger level invalid; defaulting to info", slog.Any("error", err))
	}

	return log
}

// engine bundles the collaborators shared by serve and get.
type engine struct {
	depMgr  *depmanager.Manager
	history *history.Store
	metrics *observability.Metrics
	svc     service.Orchestrator
}

// newEngine prepares the tools, opens the history and starts the orchestrator.
// Tool acquisition failures are logged; the orchestrator then reports itself
// not ready and rejects submissions.
func newEngine(ctx context.Context, cfg *config.Config, log *slog.Logger, metrics *observability.Metrics) (*engine, error) {
	runner := procexec.New(log, cfg.Tool.KillGrace)
	depMgr := depmanager.New(log, cfg, runner)

	log.InfoContext(ctx, "checking if yt-dlp, ffmpeg and deno are installed. it may take some time...")

	if err := depMgr.Start(ctx); err != nil {
		log.ErrorContext(ctx, "prepare tools", slog.Any("error", err))
	}

	hist, err := history.Open(ctx, log, cfg.Storage.HistoryDB)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}

	tools := depMgr.Tools()
	ytdlp := downloader.NewYTdlp(log, runner, tools)

	svc := service.New(cfg, log, service.Deps{
		Storer:   storage.New(ctx, log, cfg),
		Executor: runner,
		Tools:    tools,
		Looker:   downloader.NewCachedLookup(ytdlp, cfg.Job.LookupCacheTTL),
		Expander: ytdlp,
		Recorder: hist,
		Metrics:  metrics,
		IsReady:  func() bool { return depMgr.IsReady(depmanager.BinaryYTdlp) },
	})

	return &engine{
		depMgr:  depMgr,
		history: hist,
		metrics: metrics,
		svc:     svc,
	}, nil
}

// close stops the orchestrator and closes the history once every job has
// been recorded.
func (e *engine) close(ctx context.Context, log *slog.Logger) {
	if err := e.svc.Close(ctx); err != nil {
		log.WarnContext(ctx, "close service", slog.Any("error", err))
	}

	if err := e.history.Close(); err != nil {
		log.WarnContext(ctx, "close history", slog.Any("error", err))
	}
}

func writeLine(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format+"\n", args...)
}
