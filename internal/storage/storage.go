// Package storage keeps the ordered in-memory job queue. It is the only writer
// of job state and enforces the status transition rules.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"mediaq/internal/config"
	"mediaq/internal/consts"
	"mediaq/internal/entity"
	"mediaq/internal/errs"
	"mediaq/internal/progress"
)

// maxProgressWhileActive keeps a running job below 100% until its process exits.
const maxProgressWhileActive = 0.99

// Storer defines the interface for storage operations.
type Storer interface {
	// AddJob inserts a new job together with its cancel func.
	AddJob(ctx context.Context, job entity.Job, cancel context.CancelFunc) (entity.Job, error)
	GetJobByID(ctx context.Context, id string) (entity.Job, bool)
	// GetJobs returns snapshots in queue order.
	GetJobs(ctx context.Context) []entity.Job
	Stats(ctx context.Context) entity.Stats

	// Transition moves a job to next. diagnostic is stored for failed jobs.
	Transition(ctx context.Context, id string, next entity.JobStatus, diagnostic string) (entity.Job, error)
	// Abort fails a non-terminal job from any status. It is reserved for
	// internal faults that leave the normal transitions unusable.
	Abort(ctx context.Context, id string, diagnostic string) (entity.Job, error)
	SetMetadata(ctx context.Context, id string, meta entity.Metadata) error
	// ApplyProgress folds one parsed output event into the job.
	ApplyProgress(ctx context.Context, id string, event progress.Event) error

	// CancelJob triggers the cancel func of a non-terminal job.
	CancelJob(ctx context.Context, id string) error
	// CancelAll triggers every non-terminal job and returns how many were signaled.
	CancelAll(ctx context.Context) int

	// Subscribe returns a channel of job events that is closed when ctx is done.
	Subscribe(ctx context.Context) <-chan entity.JobEvent

	CleanupExpiredJobs(ctx context.Context, interval time.Duration)
}

type record struct {
	job    entity.Job
	cancel context.CancelFunc
}

type storage struct {
	log *slog.Logger
	cfg *config.Config
	now func() time.Time

	mu    sync.RWMutex
	jobs  map[string]*record // job id : record
	order []string           // queue order of job ids

	subMu       sync.Mutex
	subscribers map[chan entity.JobEvent]struct{}
}

// New creates a new in-memory storage instance and starts the cleanup loop.
func New(ctx context.Context, log *slog.Logger, cfg *config.Config) Storer {
	storage := &storage{
		log:         log.With(slog.String("package", "storage")),
		cfg:         cfg,
		now:         time.Now,
		jobs:        make(map[string]*record),
		subscribers: make(map[chan entity.JobEvent]struct{}),
	}

	if cfg.Storage.TTL > 0 && cfg.Storage.CleanupInterval > 0 {
		go storage.CleanupExpiredJobs(ctx, cfg.Storage.CleanupInterval)
	}

	return storage
}

func (stg *storage) AddJob(ctx context.Context, job entity.Job, cancel context.CancelFunc) (entity.Job, error) {
	if job.ID == "" {
		return entity.Job{}, errs.ErrJobIDEmpty
	}

	now := stg.now()
	job.Status = entity.JobStatusPending
	job.CreatedAt = now
	job.UpdatedAt = now

	stg.mu.Lock()
	defer stg.mu.Unlock()

	if _, exists := stg.jobs[job.ID]; exists {
		return entity.Job{}, fmt.Errorf("%w: %s", errs.ErrJobAlreadyExists, job.ID)
	}

	stg.jobs[job.ID] = &record{job: job, cancel: cancel}

	if stg.cfg.Job.InsertAt == consts.InsertBack {
		stg.order = append(stg.order, job.ID)
	} else {
		stg.order = slices.Insert(stg.order, 0, job.ID)
	}

	stg.publishLocked(entity.JobEventAdded, job)

	stg.log.DebugContext(ctx, "job added", slog.Any("job", job))

	return job, nil
}

func (stg *storage) GetJobByID(_ context.Context, id string) (entity.Job, bool) {
	stg.mu.RLock()
	defer stg.mu.RUnlock()

	rec, ok := stg.jobs[id]
	if !ok {
		return entity.Job{}, false
	}

	return rec.job, true
}

func (stg *storage) GetJobs(_ context.Context) []entity.Job {
	stg.mu.RLock()
	defer stg.mu.RUnlock()

	return stg.snapshotLocked()
}

func (stg *storage) Stats(_ context.Context) entity.Stats {
	stg.mu.RLock()
	defer stg.mu.RUnlock()

	return entity.ComputeStats(stg.snapshotLocked())
}

func (stg *storage) Transition(ctx context.Context,
	id string,
	next entity.JobStatus,
	diagnostic string) (entity.Job, error) {
	stg.mu.Lock()
	defer stg.mu.Unlock()

	rec, ok := stg.jobs[id]
	if !ok {
		return entity.Job{}, errs.ErrJobNotFound
	}

	job := &rec.job

	if job.Status.IsTerminal() {
		return *job, fmt.Errorf("%w: %s is %s", errs.ErrJobTerminal, id, job.Status)
	}

	if !job.Status.CanTransitionTo(next) {
		return *job, fmt.Errorf("%w: %s to %s", errs.ErrInvalidTransition, job.Status, next)
	}

	stg.setStatusLocked(job, next, diagnostic)

	return *job, nil
}

func (stg *storage) Abort(_ context.Context, id string, diagnostic string) (entity.Job, error) {
	stg.mu.Lock()
	defer stg.mu.Unlock()

	rec, ok := stg.jobs[id]
	if !ok {
		return entity.Job{}, errs.ErrJobNotFound
	}

	job := &rec.job

	if job.Status.IsTerminal() {
		return *job, fmt.Errorf("%w: %s is %s", errs.ErrJobTerminal, id, job.Status)
	}

	stg.setStatusLocked(job, entity.JobStatusFailed, diagnostic)

	return *job, nil
}

func (stg *storage) setStatusLocked(job *entity.Job, next entity.JobStatus, diagnostic string) {
	now := stg.now()
	job.Status = next
	job.UpdatedAt = now

	switch next {
	case entity.JobStatusStarting:
		job.StartedAt = now
	case entity.JobStatusCompleted:
		job.Progress = 1
		job.Rate = ""
		job.Merging = false
	case entity.JobStatusFailed:
		if diagnostic == "" {
			diagnostic = "unknown error"
		}

		job.Error = diagnostic
		job.Rate = ""
		job.Merging = false
	case entity.JobStatusCanceled:
		job.Error = ""
		job.Rate = ""
		job.Merging = false
	}

	if next.IsTerminal() {
		job.FinishedAt = now
	}

	stg.publishLocked(entity.JobEventStatus, *job)
}

func (stg *storage) SetMetadata(_ context.Context, id string, meta entity.Metadata) error {
	stg.mu.Lock()
	defer stg.mu.Unlock()

	rec, ok := stg.jobs[id]
	if !ok {
		return errs.ErrJobNotFound
	}

	job := &rec.job
	if job.Status.IsTerminal() {
		return nil
	}

	if meta.Title != "" {
		job.Title = meta.Title
	}

	job.ThumbnailURL = meta.ThumbnailURL
	job.Duration = meta.Duration
	job.UpdatedAt = stg.now()

	stg.publishLocked(entity.JobEventProgress, *job)

	return nil
}

func (stg *storage) ApplyProgress(_ context.Context, id string, event progress.Event) error {
	stg.mu.Lock()
	defer stg.mu.Unlock()

	rec, ok := stg.jobs[id]
	if !ok {
		return errs.ErrJobNotFound
	}

	job := &rec.job

	// late output of a finished process
	if job.Status != entity.JobStatusStarting && job.Status != entity.JobStatusActive {
		return nil
	}

	if !applyEvent(job, event) {
		return nil
	}

	job.UpdatedAt = stg.now()

	stg.publishLocked(entity.JobEventProgress, *job)

	return nil
}

// applyEvent mutates job according to event and reports whether anything changed.
func applyEvent(job *entity.Job, event progress.Event) bool {
	before := *job

	switch event.Kind {
	case progress.KindPercent:
		job.Progress = max(job.Progress, min(event.Fraction, maxProgressWhileActive))
		if !job.Merging && job.Rate != consts.PhaseAlreadyDownloaded {
			job.Rate = event.Rate
		}
	case progress.KindDestination:
		job.Destination = event.Path
	case progress.KindAlreadyComplete:
		job.Progress = 1
		job.Rate = consts.PhaseAlreadyDownloaded
		if event.Path != "" {
			job.Destination = event.Path
		}
	case progress.KindMergeStarted:
		job.Merging = true
		if job.Rate != consts.PhaseAlreadyDownloaded {
			job.Rate = consts.PhaseProcessing
		}

		if event.Path != "" {
			job.Destination = event.Path
		}
	}

	return before != *job
}

func (stg *storage) CancelJob(ctx context.Context, id string) error {
	stg.mu.RLock()
	rec, ok := stg.jobs[id]

	var (
		status entity.JobStatus
		cancel context.CancelFunc
	)

	if ok {
		status = rec.job.Status
		cancel = rec.cancel
	}
	stg.mu.RUnlock()

	if !ok {
		return errs.ErrJobNotFound
	}

	// canceling a finished job is a no-op
	if status.IsTerminal() {
		return nil
	}

	if cancel == nil {
		stg.log.WarnContext(ctx, "no cancel func registered for job", slog.String("job_id", id))

		return nil
	}

	cancel()

	stg.log.InfoContext(ctx, "job cancel requested", slog.String("job_id", id))

	return nil
}

func (stg *storage) CancelAll(ctx context.Context) int {
	stg.mu.RLock()

	cancels := make([]context.CancelFunc, 0, len(stg.jobs))

	for _, rec := range stg.jobs {
		if rec.job.Status.IsTerminal() || rec.cancel == nil {
			continue
		}

		cancels = append(cancels, rec.cancel)
	}
	stg.mu.RUnlock()

	for _, cancel := range cancels {
		cancel()
	}

	stg.log.InfoContext(ctx, "cancel requested for all jobs", slog.Int("count", len(cancels)))

	return len(cancels)
}

func (stg *storage) Subscribe(ctx context.Context) <-chan entity.JobEvent {
	ch := make(chan entity.JobEvent, consts.DefaultSubscriberBuffer)

	stg.subMu.Lock()
	stg.subscribers[ch] = struct{}{}
	stg.subMu.Unlock()

	context.AfterFunc(ctx, func() {
		stg.subMu.Lock()
		defer stg.subMu.Unlock()

		delete(stg.subscribers, ch)
		close(ch)
	})

	return ch
}

// publishLocked fans an event out to subscribers. Must be called with mu held
// so that events and their stats are ordered consistently. Slow subscribers
// miss events instead of blocking job drivers.
func (stg *storage) publishLocked(typ entity.JobEventType, job entity.Job) {
	stg.subMu.Lock()
	defer stg.subMu.Unlock()

	if len(stg.subscribers) == 0 {
		return
	}

	event := entity.JobEvent{
		Type:  typ,
		Job:   job,
		Stats: entity.ComputeStats(stg.snapshotLocked()),
	}

	for ch := range stg.subscribers {
		select {
		case ch <- event:
		default:
			stg.log.Debug("subscriber too slow, event dropped",
				slog.String("job_id", job.ID), slog.String("type", string(typ)))
		}
	}
}

func (stg *storage) snapshotLocked() []entity.Job {
	jobs := make([]entity.Job, 0, len(stg.order))
	for _, id := range stg.order {
		jobs = append(jobs, stg.jobs[id].job)
	}

	return jobs
}
