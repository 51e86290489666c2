package storage_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"mediaq/internal/config"
	"mediaq/internal/consts"
	"mediaq/internal/entity"
	"mediaq/internal/errs"
	"mediaq/internal/progress"
	"mediaq/internal/storage"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newStorer(t *testing.T, insertAt string) storage.Storer {
	t.Helper()

	cfg := &config.Config{
		Job:     config.Job{InsertAt: insertAt},
		Storage: config.Storage{CleanupInterval: time.Minute},
	}

	return storage.New(t.Context(), newLogger(), cfg)
}

func mustTransition(t *testing.T, storer storage.Storer, id string, steps ...entity.JobStatus) entity.Job {
	t.Helper()

	var (
		job entity.Job
		err error
	)

	for _, step := range steps {
		job, err = storer.Transition(t.Context(), id, step, "")
		if err != nil {
			t.Fatalf("Transition(%s, %s) failed: %v", id, step, err)
		}
	}

	return job
}

func addJobs(t *testing.T, storer storage.Storer, ids ...string) {
	t.Helper()

	for _, id := range ids {
		if _, err := storer.AddJob(t.Context(), entity.Job{ID: id, URL: "https://example.com/" + id}, func() {}); err != nil {
			t.Fatalf("AddJob(%s) failed: %v", id, err)
		}
	}
}

func jobIDs(jobs []entity.Job) []string {
	ids := make([]string, 0, len(jobs))
	for _, job := range jobs {
		ids = append(ids, job.ID)
	}

	return ids
}

func TestAddJobOrder(t *testing.T) {
	tests := []struct {
		name     string
		insertAt string
		want     []string
	}{
		{name: "front", insertAt: consts.InsertFront, want: []string{"c", "b", "a"}},
		{name: "back", insertAt: consts.InsertBack, want: []string{"a", "b", "c"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			storer := newStorer(t, tt.insertAt)
			addJobs(t, storer, "a", "b", "c")

			got := jobIDs(storer.GetJobs(t.Context()))
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}

			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("got %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestAddJobValidation(t *testing.T) {
	storer := newStorer(t, consts.InsertFront)

	if _, err := storer.AddJob(t.Context(), entity.Job{}, nil); !errors.Is(err, errs.ErrJobIDEmpty) {
		t.Errorf("AddJob() with empty id error = %v, want ErrJobIDEmpty", err)
	}

	addJobs(t, storer, "a")

	if _, err := storer.AddJob(t.Context(), entity.Job{ID: "a"}, nil); !errors.Is(err, errs.ErrJobAlreadyExists) {
		t.Errorf("AddJob() duplicate error = %v, want ErrJobAlreadyExists", err)
	}

	job, ok := storer.GetJobByID(t.Context(), "a")
	if !ok || job.Status != entity.JobStatusPending {
		t.Errorf("GetJobByID() = %+v, %v, want pending job", job, ok)
	}
}

func TestTransition(t *testing.T) {
	tests := []struct {
		name    string
		steps   []entity.JobStatus
		next    entity.JobStatus
		wantErr error
	}{
		{
			name: "lookup path",
			steps: []entity.JobStatus{
				entity.JobStatusChecking, entity.JobStatusReady, entity.JobStatusQueued,
				entity.JobStatusStarting, entity.JobStatusActive,
			},
			next: entity.JobStatusCompleted,
		},
		{
			name:  "skip lookup",
			steps: nil,
			next:  entity.JobStatusQueued,
		},
		{
			name:    "back to pending",
			steps:   []entity.JobStatus{entity.JobStatusQueued},
			next:    entity.JobStatusPending,
			wantErr: errs.ErrInvalidTransition,
		},
		{
			name:    "queued cannot skip starting",
			steps:   []entity.JobStatus{entity.JobStatusQueued},
			next:    entity.JobStatusActive,
			wantErr: errs.ErrInvalidTransition,
		},
		{
			name:    "completed is absorbing",
			steps:   []entity.JobStatus{entity.JobStatusQueued, entity.JobStatusStarting, entity.JobStatusActive, entity.JobStatusCompleted},
			next:    entity.JobStatusCanceled,
			wantErr: errs.ErrJobTerminal,
		},
		{
			name:    "canceled is absorbing",
			steps:   []entity.JobStatus{entity.JobStatusCanceled},
			next:    entity.JobStatusQueued,
			wantErr: errs.ErrJobTerminal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			storer := newStorer(t, consts.InsertFront)
			addJobs(t, storer, "job")
			mustTransition(t, storer, "job", tt.steps...)

			_, err := storer.Transition(t.Context(), "job", tt.next, "")
			if tt.wantErr == nil && err != nil {
				t.Fatalf("Transition() failed: %v", err)
			}

			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("Transition() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	storer := newStorer(t, consts.InsertFront)
	if _, err := storer.Transition(t.Context(), "missing", entity.JobStatusQueued, ""); !errors.Is(err, errs.ErrJobNotFound) {
		t.Errorf("Transition() on unknown job error = %v, want ErrJobNotFound", err)
	}
}

func TestTransitionDiagnostics(t *testing.T) {
	storer := newStorer(t, consts.InsertFront)
	addJobs(t, storer, "failed", "canceled", "completed")

	failed, err := storer.Transition(t.Context(), "failed", entity.JobStatusChecking, "")
	if err != nil {
		t.Fatal(err)
	}

	failed, err = storer.Transition(t.Context(), failed.ID, entity.JobStatusFailed, "")
	if err != nil {
		t.Fatal(err)
	}

	if failed.Error == "" {
		t.Error("failed job without diagnostic")
	}

	if failed.FinishedAt.IsZero() {
		t.Error("failed job without finish time")
	}

	canceled, err := storer.Transition(t.Context(), "canceled", entity.JobStatusCanceled, "ignored")
	if err != nil {
		t.Fatal(err)
	}

	if canceled.Error != "" {
		t.Errorf("canceled job carries diagnostic %q", canceled.Error)
	}

	completed := mustTransition(t, storer, "completed",
		entity.JobStatusQueued, entity.JobStatusStarting, entity.JobStatusActive, entity.JobStatusCompleted)
	if completed.Progress != 1 {
		t.Errorf("completed progress = %v, want 1", completed.Progress)
	}

	if completed.StartedAt.IsZero() {
		t.Error("completed job without start time")
	}
}

func TestApplyProgress(t *testing.T) {
	percent := func(f float64, rate string) progress.Event {
		return progress.Event{Kind: progress.KindPercent, Fraction: f, Rate: rate}
	}

	tests := []struct {
		name         string
		events       []progress.Event
		wantProgress float64
		wantRate     string
		wantDest     string
	}{
		{
			name:         "percent updates",
			events:       []progress.Event{percent(0.1, "1MiB/s"), percent(0.45, "2MiB/s")},
			wantProgress: 0.45,
			wantRate:     "2MiB/s",
		},
		{
			name:         "never decreases",
			events:       []progress.Event{percent(0.8, "1MiB/s"), percent(0.05, "3MiB/s")},
			wantProgress: 0.8,
			wantRate:     "3MiB/s",
		},
		{
			name:         "capped before exit",
			events:       []progress.Event{percent(1, "5MiB/s")},
			wantProgress: 0.99,
			wantRate:     "5MiB/s",
		},
		{
			name: "merge keeps processing label",
			events: []progress.Event{
				{Kind: progress.KindDestination, Path: "/d/v.f137.mp4"},
				percent(0.7, "1MiB/s"),
				{Kind: progress.KindMergeStarted, Path: "/d/v.mp4"},
				percent(0.2, "9MiB/s"),
			},
			wantProgress: 0.7,
			wantRate:     consts.PhaseProcessing,
			wantDest:     "/d/v.mp4",
		},
		{
			name:         "already complete",
			events:       []progress.Event{{Kind: progress.KindAlreadyComplete, Fraction: 1, Path: "video.mp4"}},
			wantProgress: 1,
			wantRate:     consts.PhaseAlreadyDownloaded,
			wantDest:     "video.mp4",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			storer := newStorer(t, consts.InsertFront)
			addJobs(t, storer, "job")
			mustTransition(t, storer, "job", entity.JobStatusQueued, entity.JobStatusStarting, entity.JobStatusActive)

			last := 0.0

			for _, event := range tt.events {
				if err := storer.ApplyProgress(t.Context(), "job", event); err != nil {
					t.Fatalf("ApplyProgress() failed: %v", err)
				}

				job, _ := storer.GetJobByID(t.Context(), "job")
				if job.Progress < last {
					t.Fatalf("progress went from %v to %v", last, job.Progress)
				}

				last = job.Progress
			}

			job, _ := storer.GetJobByID(t.Context(), "job")
			if job.Progress != tt.wantProgress {
				t.Errorf("progress = %v, want %v", job.Progress, tt.wantProgress)
			}

			if job.Rate != tt.wantRate {
				t.Errorf("rate = %q, want %q", job.Rate, tt.wantRate)
			}

			if job.Destination != tt.wantDest {
				t.Errorf("destination = %q, want %q", job.Destination, tt.wantDest)
			}
		})
	}
}

func TestApplyProgressDiscardedWhenTerminal(t *testing.T) {
	storer := newStorer(t, consts.InsertFront)
	addJobs(t, storer, "job")
	mustTransition(t, storer, "job", entity.JobStatusQueued, entity.JobStatusCanceled)

	event := progress.Event{Kind: progress.KindPercent, Fraction: 0.5, Rate: "1MiB/s"}
	if err := storer.ApplyProgress(t.Context(), "job", event); err != nil {
		t.Fatalf("ApplyProgress() failed: %v", err)
	}

	job, _ := storer.GetJobByID(t.Context(), "job")
	if job.Progress != 0 || job.Rate != "" {
		t.Errorf("terminal job mutated: progress %v rate %q", job.Progress, job.Rate)
	}
}

func TestCancelJob(t *testing.T) {
	storer := newStorer(t, consts.InsertFront)

	calls := 0

	if _, err := storer.AddJob(t.Context(), entity.Job{ID: "job"}, func() { calls++ }); err != nil {
		t.Fatal(err)
	}

	if err := storer.CancelJob(t.Context(), "job"); err != nil {
		t.Fatalf("CancelJob() failed: %v", err)
	}

	mustTransition(t, storer, "job", entity.JobStatusCanceled)

	if err := storer.CancelJob(t.Context(), "job"); err != nil {
		t.Fatalf("second CancelJob() failed: %v", err)
	}

	if calls != 1 {
		t.Errorf("cancel func called %d times, want 1", calls)
	}

	if err := storer.CancelJob(t.Context(), "missing"); !errors.Is(err, errs.ErrJobNotFound) {
		t.Errorf("CancelJob() on unknown job error = %v, want ErrJobNotFound", err)
	}
}

func TestCancelAllSkipsTerminal(t *testing.T) {
	storer := newStorer(t, consts.InsertFront)

	canceled := map[string]bool{}

	for _, id := range []string{"a", "b", "c"} {
		if _, err := storer.AddJob(t.Context(), entity.Job{ID: id}, func() { canceled[id] = true }); err != nil {
			t.Fatal(err)
		}
	}

	mustTransition(t, storer, "b", entity.JobStatusCanceled)

	if got := storer.CancelAll(t.Context()); got != 2 {
		t.Errorf("CancelAll() = %d, want 2", got)
	}

	if !canceled["a"] || canceled["b"] || !canceled["c"] {
		t.Errorf("canceled = %v, want a and c", canceled)
	}
}

func TestSubscribe(t *testing.T) {
	storer := newStorer(t, consts.InsertFront)

	ctx, cancel := context.WithCancel(t.Context())
	events := storer.Subscribe(ctx)

	addJobs(t, storer, "a", "b")
	mustTransition(t, storer, "a", entity.JobStatusQueued, entity.JobStatusCanceled)

	want := []struct {
		typ    entity.JobEventType
		id     string
		status entity.JobStatus
		done   int
	}{
		{entity.JobEventAdded, "a", entity.JobStatusPending, 0},
		{entity.JobEventAdded, "b", entity.JobStatusPending, 0},
		{entity.JobEventStatus, "a", entity.JobStatusQueued, 0},
		{entity.JobEventStatus, "a", entity.JobStatusCanceled, 1},
	}

	for i, w := range want {
		event := <-events
		if event.Type != w.typ || event.Job.ID != w.id || event.Job.Status != w.status {
			t.Fatalf("event %d = %s %s %s, want %s %s %s",
				i, event.Type, event.Job.ID, event.Job.Status, w.typ, w.id, w.status)
		}

		if event.Stats.Done != w.done {
			t.Errorf("event %d stats done = %d, want %d", i, event.Stats.Done, w.done)
		}
	}

	cancel()

	for range events {
	}
}

func TestStats(t *testing.T) {
	storer := newStorer(t, consts.InsertFront)
	addJobs(t, storer, "a", "b", "c", "d")

	mustTransition(t, storer, "a", entity.JobStatusQueued, entity.JobStatusStarting, entity.JobStatusActive)
	mustTransition(t, storer, "b", entity.JobStatusQueued, entity.JobStatusStarting,
		entity.JobStatusActive, entity.JobStatusCompleted)
	mustTransition(t, storer, "c", entity.JobStatusCanceled)

	got := storer.Stats(t.Context())
	want := entity.Stats{Total: 4, Pending: 1, Active: 1, Done: 2, Completed: 1, Canceled: 1, Fraction: 0.5}

	if got != want {
		t.Errorf("Stats() = %+v, want %+v", got, want)
	}
}

func TestAbort(t *testing.T) {
	storer := newStorer(t, consts.InsertBack)
	addJobs(t, storer, "a")
	mustTransition(t, storer, "a", entity.JobStatusQueued)

	job, err := storer.Abort(t.Context(), "a", "internal error: boom")
	if err != nil {
		t.Fatalf("Abort() failed: %v", err)
	}

	if job.Status != entity.JobStatusFailed || job.Error != "internal error: boom" || job.FinishedAt.IsZero() {
		t.Errorf("job = %s %q finished=%v, want failed with diagnostic", job.Status, job.Error, job.FinishedAt)
	}

	if _, err := storer.Abort(t.Context(), "a", "again"); !errors.Is(err, errs.ErrJobTerminal) {
		t.Errorf("Abort() on terminal job error = %v, want ErrJobTerminal", err)
	}

	if _, err := storer.Abort(t.Context(), "missing", ""); !errors.Is(err, errs.ErrJobNotFound) {
		t.Errorf("Abort(missing) error = %v, want ErrJobNotFound", err)
	}
}
