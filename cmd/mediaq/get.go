package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"mediaq/internal/config"
	"mediaq/internal/consts"
	"mediaq/internal/entity"
	"mediaq/internal/errs"
	"mediaq/internal/service"
)

const refreshInterval = 250 * time.Millisecond

type getOptions struct {
	audio    bool
	subs     string
	cookies  string
	out      string
	name     string
	playlist bool
	jobs     int
}

func (o getOptions) validate(urls int) error {
	if o.jobs < 0 {
		return fmt.Errorf("--jobs must not be negative, got %d", o.jobs)
	}

	if o.name != "" && (urls > 1 || o.playlist) {
		return errors.New("--name applies to a single video; drop it or pass one URL without --playlist")
	}

	return nil
}

func (o getOptions) entityOptions() entity.Options {
	return entity.Options{
		OutputDir:  o.out,
		CustomName: o.name,
		SubLangs:   o.subs,
		CookieFile: o.cookies,
		AudioOnly:  o.audio,
	}
}

func newGetCommand(ctx *commandContext) *cobra.Command {
	var opts getOptions

	cmd := &cobra.Command{
		Use:   "get URL...",
		Short: "Download URLs in the foreground",
		Long: "Download one or more URLs and show their progress until every job has finished.\n" +
			"Ctrl-C cancels all jobs. The exit status is non-zero when any job did not complete.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.validate(len(args)); err != nil {
				return err
			}

			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			if opts.jobs > 0 {
				cfg.Job.Concurrency = opts.jobs
			}

			// run in the order given on the command line
			cfg.Job.InsertAt = consts.InsertBack

			return runGet(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), ctx, cfg, args, opts)
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&opts.audio, "audio", false, "Extract audio only")
	flags.StringVar(&opts.subs, "subs", "", "Subtitle languages to embed, e.g. \"en,vi\"")
	flags.StringVar(&opts.cookies, "cookies", "", "Netscape cookies.txt file (default from MEDIAQ_DIR_COOKIE_FILE)")
	flags.StringVarP(&opts.out, "out", "o", "", "Output directory (default from MEDIAQ_DIR_DOWNLOAD)")
	flags.StringVar(&opts.name, "name", "", "Output file name without extension")
	flags.BoolVar(&opts.playlist, "playlist", false, "Treat each URL as a playlist and download every entry")
	flags.IntVarP(&opts.jobs, "jobs", "j", 0, "Number of simultaneous downloads (default from MEDIAQ_JOB_CONCURRENCY)")

	return cmd
}

func runGet(cmdCtx context.Context,
	stdout, stderr io.Writer,
	ctx *commandContext,
	cfg *config.Config,
	urls []string,
	opts getOptions) error {
	signalCtx, stop := signal.NotifyContext(cmdCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := ctx.newLogger(cfg, true)

	eng, err := newEngine(signalCtx, cfg, log, nil)
	if err != nil {
		return err
	}

	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(cmdCtx), cfg.HTTP.ShutdownTimeout)
		defer cancel()

		eng.close(closeCtx, log)
	}()

	if !eng.svc.Ready() {
		return fmt.Errorf("%w: run `mediaq tools install` or pass --system-binaries", errs.ErrToolNotReady)
	}

	ids, submitErrs := submitAll(signalCtx, eng.svc, urls, opts)
	for _, err := range submitErrs {
		writeLine(stderr, "error: %v", err)
	}

	if len(ids) == 0 {
		return errors.New("no jobs were submitted")
	}

	var view progressView = &lineView{w: stdout}
	if isTerminal(stdout) {
		view = &liveView{w: stdout}
	}

	jobs := watchJobs(signalCtx, eng.svc, ids, view)

	return summarize(jobs, len(submitErrs))
}

// submitAll submits every URL, continuing past the ones that are rejected.
func submitAll(ctx context.Context, svc service.Orchestrator, urls []string, opts getOptions) ([]string, []error) {
	var (
		ids        []string
		submitErrs []error
	)

	for _, url := range urls {
		if opts.playlist {
			jobs, err := svc.SubmitPlaylist(ctx, url, opts.entityOptions())
			if err != nil {
				submitErrs = append(submitErrs, fmt.Errorf("%s: %w", url, err))

				continue
			}

			for _, job := range jobs {
				ids = append(ids, job.ID)
			}

			continue
		}

		job, err := svc.Submit(ctx, url, opts.entityOptions())
		if err != nil {
			submitErrs = append(submitErrs, fmt.Errorf("%s: %w", url, err))

			continue
		}

		ids = append(ids, job.ID)
	}

	return ids, submitErrs
}

// watchJobs renders the jobs until all of them are terminal. When ctx ends
// every job is canceled once and the jobs are watched until they settle.
func watchJobs(ctx context.Context, svc service.Orchestrator, ids []string, view progressView) []entity.Job {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	done := ctx.Done()

	for {
		jobs := snapshot(svc, ids)
		view.update(jobs)

		if allTerminal(jobs) {
			view.finish(jobs)

			return jobs
		}

		select {
		case <-done:
			svc.CancelAll(context.WithoutCancel(ctx))

			done = nil
		case <-ticker.C:
		}
	}
}

func snapshot(svc service.Orchestrator, ids []string) []entity.Job {
	jobs := make([]entity.Job, 0, len(ids))

	for _, id := range ids {
		job, err := svc.Get(context.Background(), id)
		if err != nil {
			continue
		}

		jobs = append(jobs, job)
	}

	return jobs
}

func allTerminal(jobs []entity.Job) bool {
	for _, job := range jobs {
		if !job.Status.IsTerminal() {
			return false
		}
	}

	return true
}

// summarize turns the final job states into the command result.
func summarize(jobs []entity.Job, rejected int) error {
	stats := entity.ComputeStats(jobs)
	total := stats.Total + rejected

	switch {
	case stats.Failed > 0 || rejected > 0:
		return fmt.Errorf("%d of %d jobs failed", stats.Failed+rejected, total)
	case stats.Canceled > 0:
		return fmt.Errorf("%d of %d jobs: %w: %w", stats.Canceled, total, errs.ErrJobCanceled, context.Canceled)
	}

	return nil
}

type progressView interface {
	update(jobs []entity.Job)
	finish(jobs []entity.Job)
}

// liveView redraws the job table in place.
type liveView struct {
	w     io.Writer
	lines int
}

func (v *liveView) update(jobs []entity.Job) {
	if v.lines > 0 {
		// cursor up, clear to end of screen
		_, _ = fmt.Fprintf(v.w, "\x1b[%dA\x1b[J", v.lines)
	}

	out := renderTable(jobColumns, jobRows(jobs, true))
	v.lines = strings.Count(out, "\n") + 1

	writeLine(v.w, "%s", out)
}

func (v *liveView) finish([]entity.Job) {}

// lineView prints one line per status change and the table at the end.
type lineView struct {
	w    io.Writer
	seen map[string]entity.JobStatus
}

func (v *lineView) update(jobs []entity.Job) {
	if v.seen == nil {
		v.seen = make(map[string]entity.JobStatus, len(jobs))
	}

	for _, job := range jobs {
		if v.seen[job.ID] == job.Status {
			continue
		}

		v.seen[job.ID] = job.Status

		line := fmt.Sprintf("[%s] %-9s %s", shortID(job.ID), job.Status, job.DisplayTitle())
		if detail := jobDetail(job); detail != "" {
			line += ": " + detail
		}

		writeLine(v.w, "%s", line)
	}
}

func (v *lineView) finish(jobs []entity.Job) {
	writeLine(v.w, "%s", renderTable(jobColumns, jobRows(jobs, false)))
}
