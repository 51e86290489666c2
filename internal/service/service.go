// Package service implements the download orchestrator: it accepts jobs and
// drives each one through lookup, a bounded transfer gate and the yt-dlp run.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"mediaq/internal/config"
	"mediaq/internal/downloader"
	"mediaq/internal/entity"
	"mediaq/internal/errs"
	"mediaq/internal/gate"
	"mediaq/internal/observability"
	"mediaq/internal/procexec"
	"mediaq/internal/progress"
	"mediaq/internal/storage"
	"mediaq/pkg/gen"
	"mediaq/pkg/urls"
)

const dirPerm = 0o755

// Recorder persists finished jobs.
type Recorder interface {
	Record(ctx context.Context, job entity.Job) error
}

// Orchestrator is the job-facing API of the service.
type Orchestrator interface {
	Submit(ctx context.Context, url string, opts entity.Options) (entity.Job, error)
	SubmitPlaylist(ctx context.Context, url string, opts entity.Options) ([]entity.Job, error)
	Cancel(ctx context.Context, id string) error
	CancelAll(ctx context.Context) int

	Get(ctx context.Context, id string) (entity.Job, error)
	List(ctx context.Context) []entity.Job
	Stats(ctx context.Context) entity.Stats
	Subscribe(ctx context.Context) <-chan entity.JobEvent

	// Ready reports whether the transfer tool is present.
	Ready() bool
	// Wait blocks until every job driver has returned.
	Wait()
	// Close stops accepting jobs, cancels the running ones and waits for them.
	Close(ctx context.Context) error
}

// Deps are the collaborators of the orchestrator.
type Deps struct {
	Storer   storage.Storer
	Executor procexec.Executor
	Tools    downloader.Tools

	Looker   downloader.Looker   // nil skips the metadata lookup
	Expander downloader.Expander // nil disables playlists
	Recorder Recorder            // optional
	Metrics  *observability.Metrics

	// IsReady reports whether the transfer tool can be run.
	// Defaults to a file check of Tools.YTdlp.
	IsReady func() bool
}

type orchestrator struct {
	log  *slog.Logger
	cfg  *config.Config
	deps Deps
	gate *gate.Gate

	// jobs outlive the requests that submitted them
	ctx    context.Context
	cancel context.CancelFunc

	wg     sync.WaitGroup
	closed atomic.Bool
}

var _ Orchestrator = (*orchestrator)(nil)

// New creates the orchestrator.
func New(cfg *config.Config, log *slog.Logger, deps Deps) Orchestrator {
	if deps.IsReady == nil {
		tool := deps.Tools.YTdlp
		deps.IsReady = func() bool { return downloader.IsFileReady(tool) }
	}

	ctx, cancel := context.WithCancel(context.Background())

	storer := deps.Storer
	deps.Metrics.TrackStoredJobs(func() int {
		return storer.Stats(context.Background()).Total
	})

	return &orchestrator{
		log:    log.With(slog.String("package", "service")),
		cfg:    cfg,
		deps:   deps,
		gate:   gate.New(cfg.Job.Concurrency),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (svc *orchestrator) Ready() bool {
	return svc.deps.IsReady()
}

func (svc *orchestrator) Submit(ctx context.Context, rawURL string, opts entity.Options) (entity.Job, error) {
	url, opts, err := svc.validate(rawURL, opts)
	if err != nil {
		return entity.Job{}, err
	}

	return svc.submit(ctx, url, opts)
}

func (svc *orchestrator) SubmitPlaylist(ctx context.Context, rawURL string, opts entity.Options) ([]entity.Job, error) {
	url, opts, err := svc.validate(rawURL, opts)
	if err != nil {
		return nil, err
	}

	// every entry would write the same file
	if opts.CustomName != "" {
		return nil, fmt.Errorf("%w: a custom name cannot be used for a playlist", errs.ErrInvalidOptions)
	}

	if svc.deps.Expander == nil {
		return nil, fmt.Errorf("%w: playlist expansion is not configured", errs.ErrExpansionFailed)
	}

	members, err := svc.deps.Expander.Expand(ctx, url, opts.CookieFile)
	if err != nil {
		svc.deps.Metrics.RecordDownloaderError("expand")

		return nil, fmt.Errorf("expand playlist: %w", err)
	}

	svc.deps.Metrics.RecordDownloaderRequest("expand", "ok")

	jobs := make([]entity.Job, 0, len(members))

	for _, member := range members {
		job, err := svc.submit(ctx, urls.Normalize(member), opts)
		if err != nil {
			return jobs, fmt.Errorf("submit playlist entry %s: %w", member, err)
		}

		jobs = append(jobs, job)
	}

	svc.log.InfoContext(ctx, "playlist submitted", slog.String("url", url), slog.Int("count", len(jobs)))

	return jobs, nil
}

// validate checks everything that is reported synchronously to the caller and
// fills option defaults from the configuration.
func (svc *orchestrator) validate(rawURL string, opts entity.Options) (string, entity.Options, error) {
	if svc.closed.Load() {
		return "", opts, errs.ErrServiceClosed
	}

	url := urls.Normalize(rawURL)
	if !urls.IsURLValid(url) {
		return "", opts, fmt.Errorf("%w: %q", errs.ErrInvalidURL, rawURL)
	}

	if !svc.deps.IsReady() {
		return "", opts, errs.ErrToolNotReady
	}

	opts.CustomName = strings.TrimSpace(opts.CustomName)
	if !isPlainName(opts.CustomName) {
		return "", opts, fmt.Errorf("%w: custom name %q must be a plain file name", errs.ErrInvalidOptions, opts.CustomName)
	}

	if opts.OutputDir == "" {
		opts.OutputDir = svc.cfg.Dir.Downloads
	}

	if opts.CookieFile == "" {
		opts.CookieFile = svc.cfg.Dir.CookieFile
	}

	if opts.CookieFile != "" {
		if _, err := os.Stat(opts.CookieFile); err != nil {
			return "", opts, fmt.Errorf("%w: %s", errs.ErrCookieFileNotFound, opts.CookieFile)
		}
	}

	return url, opts, nil
}

// isPlainName reports whether name stays inside the output directory.
// An empty name selects the title template.
func isPlainName(name string) bool {
	if name == "" {
		return true
	}

	return name != "." && name != ".." && !strings.ContainsAny(name, `/\`)
}

func (svc *orchestrator) submit(ctx context.Context, url string, opts entity.Options) (entity.Job, error) {
	if svc.closed.Load() {
		return entity.Job{}, errs.ErrServiceClosed
	}

	jobCtx, cancel := context.WithCancel(svc.ctx)

	job, err := svc.deps.Storer.AddJob(ctx, entity.Job{
		ID:      gen.ID(),
		URL:     url,
		Options: opts,
	}, cancel)
	if err != nil {
		cancel()

		return entity.Job{}, fmt.Errorf("add job: %w", err)
	}

	svc.deps.Metrics.RecordJobSubmitted()

	svc.log.InfoContext(ctx, "job submitted", slog.Any("job", job))

	svc.wg.Go(func() {
		defer cancel()

		svc.drive(jobCtx, job)
	})

	return job, nil
}

func (svc *orchestrator) Cancel(ctx context.Context, id string) error {
	if id == "" {
		return errs.ErrJobIDEmpty
	}

	err := svc.deps.Storer.CancelJob(ctx, id)
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}

	return nil
}

func (svc *orchestrator) CancelAll(ctx context.Context) int {
	return svc.deps.Storer.CancelAll(ctx)
}

func (svc *orchestrator) Get(ctx context.Context, id string) (entity.Job, error) {
	job, ok := svc.deps.Storer.GetJobByID(ctx, id)
	if !ok {
		return entity.Job{}, errs.ErrJobNotFound
	}

	return job, nil
}

func (svc *orchestrator) List(ctx context.Context) []entity.Job {
	return svc.deps.Storer.GetJobs(ctx)
}

func (svc *orchestrator) Stats(ctx context.Context) entity.Stats {
	return svc.deps.Storer.Stats(ctx)
}

func (svc *orchestrator) Subscribe(ctx context.Context) <-chan entity.JobEvent {
	return svc.deps.Storer.Subscribe(ctx)
}

func (svc *orchestrator) Wait() {
	svc.wg.Wait()
}

func (svc *orchestrator) Close(ctx context.Context) error {
	if !svc.closed.CompareAndSwap(false, true) {
		return nil
	}

	count := svc.CancelAll(ctx)
	svc.cancel()

	svc.log.InfoContext(ctx, "service closing", slog.Int("canceled", count))

	done := make(chan struct{})

	go func() {
		svc.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for jobs: %w", ctx.Err())
	}
}

// drive runs one job to a terminal status. It never returns an error; every
// outcome is written to the job itself.
func (svc *orchestrator) drive(ctx context.Context, job entity.Job) {
	log := svc.log.With(slog.String("job_id", job.ID))

	defer func() {
		if r := recover(); r != nil {
			log.ErrorContext(ctx, "job driver panicked", slog.Any("panic", r))

			ctx := context.WithoutCancel(ctx)

			failed, err := svc.deps.Storer.Abort(ctx, job.ID, fmt.Sprintf("internal error: %v", r))
			if err != nil {
				log.WarnContext(ctx, "abort job", slog.Any("error", err))

				return
			}

			svc.settle(ctx, failed)
		}
	}()

	if !svc.lookup(ctx, job) {
		return
	}

	if _, err := svc.deps.Storer.Transition(ctx, job.ID, entity.JobStatusQueued, ""); err != nil {
		log.WarnContext(ctx, "queue job", slog.Any("error", err))

		return
	}

	svc.transfer(ctx, job)
}

// lookup fetches metadata and moves the job to ready. It reports false when
// the job reached a terminal status.
func (svc *orchestrator) lookup(ctx context.Context, job entity.Job) bool {
	if svc.deps.Looker == nil || svc.cfg.Job.SkipLookup {
		return true
	}

	if _, err := svc.deps.Storer.Transition(ctx, job.ID, entity.JobStatusChecking, ""); err != nil {
		svc.log.WarnContext(ctx, "start lookup", slog.String("job_id", job.ID), slog.Any("error", err))

		return false
	}

	meta, err := svc.deps.Looker.Lookup(ctx, job.URL, job.Options.CookieFile)
	if err != nil {
		if ctx.Err() != nil {
			svc.finish(ctx, job.ID, entity.JobStatusCanceled, "")

			return false
		}

		svc.deps.Metrics.RecordDownloaderError("lookup")
		svc.finish(ctx, job.ID, entity.JobStatusFailed, err.Error())

		return false
	}

	svc.deps.Metrics.RecordDownloaderRequest("lookup", "ok")

	if err := svc.deps.Storer.SetMetadata(ctx, job.ID, meta); err != nil {
		svc.log.WarnContext(ctx, "set metadata", slog.String("job_id", job.ID), slog.Any("error", err))
	}

	if _, err := svc.deps.Storer.Transition(ctx, job.ID, entity.JobStatusReady, ""); err != nil {
		svc.log.WarnContext(ctx, "mark ready", slog.String("job_id", job.ID), slog.Any("error", err))

		return false
	}

	return true
}

// transfer waits for a slot and runs yt-dlp. The slot is released on every path.
func (svc *orchestrator) transfer(ctx context.Context, job entity.Job) {
	log := svc.log.With(slog.String("job_id", job.ID))

	waitStart := time.Now()

	slot, err := svc.gate.Acquire(ctx)
	if err != nil {
		svc.finish(ctx, job.ID, entity.JobStatusCanceled, "")

		return
	}
	defer slot.Release()

	svc.deps.Metrics.RecordGateWait(time.Since(waitStart))

	if ctx.Err() != nil {
		svc.finish(ctx, job.ID, entity.JobStatusCanceled, "")

		return
	}

	if _, err := svc.deps.Storer.Transition(ctx, job.ID, entity.JobStatusStarting, ""); err != nil {
		log.WarnContext(ctx, "start job", slog.Any("error", err))

		return
	}

	if err := os.MkdirAll(job.Options.OutputDir, dirPerm); err != nil {
		svc.finish(ctx, job.ID, entity.JobStatusFailed, fmt.Sprintf("create output directory: %v", err))

		return
	}

	var (
		activateOnce sync.Once
		tail         downloader.Tail
	)

	activate := func() {
		activateOnce.Do(func() {
			if _, err := svc.deps.Storer.Transition(ctx, job.ID, entity.JobStatusActive, ""); err != nil {
				log.WarnContext(ctx, "activate job", slog.Any("error", err))
			}
		})
	}

	command := procexec.Command{
		Path:    svc.deps.Tools.YTdlp,
		Args:    downloader.BuildArgs(svc.deps.Tools, job.URL, job.Options),
		Dir:     job.Options.OutputDir,
		OnStart: func(int) { activate() },
	}

	stdout := func(line string) {
		activate()

		event, ok := progress.Parse(line)
		if !ok {
			return
		}

		if err := svc.deps.Storer.ApplyProgress(ctx, job.ID, event); err != nil {
			log.WarnContext(ctx, "apply progress", slog.Any("error", err))
		}
	}

	stderr := func(line string) {
		activate()
		tail.Add(line)
	}

	done := svc.deps.Metrics.TransferTimer()
	code, err := svc.deps.Executor.Run(ctx, command, stdout, stderr)

	done()

	status, diagnostic := svc.outcome(ctx, job.ID, code, err, &tail)
	if status != entity.JobStatusCanceled && err == nil {
		activate()
	}

	svc.finish(ctx, job.ID, status, diagnostic)
}

// outcome maps the result of a transfer run to the terminal status.
func (svc *orchestrator) outcome(ctx context.Context,
	id string,
	code int,
	runErr error,
	tail *downloader.Tail) (entity.JobStatus, string) {
	switch {
	case errors.Is(runErr, errs.ErrProcessCanceled):
		return entity.JobStatusCanceled, ""
	case runErr != nil:
		svc.deps.Metrics.RecordDownloaderError("transfer")

		return entity.JobStatusFailed, runErr.Error()
	case code != 0:
		svc.deps.Metrics.RecordDownloaderRequest("transfer", "error")

		diagnostic := fmt.Sprintf("%s: exit status %d", errs.ErrTransferFailed, code)
		if msg := tail.Diagnostic(); msg != "" {
			diagnostic += ": " + msg
		}

		return entity.JobStatusFailed, diagnostic
	}

	job, _ := svc.deps.Storer.GetJobByID(ctx, id)
	if job.Destination == "" {
		svc.deps.Metrics.RecordDownloaderRequest("transfer", "no_file")

		return entity.JobStatusFailed, "tool exited successfully but produced no file"
	}

	svc.deps.Metrics.RecordDownloaderRequest("transfer", "ok")

	return entity.JobStatusCompleted, ""
}

// finish writes the terminal status, records the job and logs the outcome.
func (svc *orchestrator) finish(ctx context.Context, id string, status entity.JobStatus, diagnostic string) {
	log := svc.log.With(slog.String("job_id", id))

	// the job context is usually canceled by now
	ctx = context.WithoutCancel(ctx)

	job, err := svc.deps.Storer.Transition(ctx, id, status, diagnostic)
	if err != nil {
		log.WarnContext(ctx, "finish job", slog.String("status", string(status)), slog.Any("error", err))

		return
	}

	svc.settle(ctx, job)
}

// settle counts, logs and records a job that just reached a terminal status.
func (svc *orchestrator) settle(ctx context.Context, job entity.Job) {
	log := svc.log.With(slog.String("job_id", job.ID))

	svc.deps.Metrics.RecordJobFinished(string(job.Status))

	switch job.Status {
	case entity.JobStatusFailed:
		log.ErrorContext(ctx, "job failed", slog.Any("job", job), slog.String("error", job.Error))
	default:
		log.InfoContext(ctx, "job finished", slog.Any("job", job))
	}

	if svc.deps.Recorder == nil {
		return
	}

	if err := svc.deps.Recorder.Record(ctx, job); err != nil {
		log.WarnContext(ctx, "record job history", slog.Any("error", err))
	}
}
