package storage

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"mediaq/internal/entity"
)

// CleanupExpiredJobs periodically drops finished jobs older than the storage
// TTL from the queue. Downloaded files are never touched.
func (stg *storage) CleanupExpiredJobs(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log := stg.log.With(slog.String("action", "cleanup_expired_jobs"), slog.Duration("interval", interval))

	for {
		select {
		case <-ticker.C:
			stg.performCleanup(ctx)
		case <-ctx.Done():
			log.Info("cleanup expired jobs stopped")

			return
		}
	}
}

func (stg *storage) performCleanup(ctx context.Context) {
	log := stg.log
	deadline := stg.now().Add(-stg.cfg.Storage.TTL)

	stg.mu.Lock()
	defer stg.mu.Unlock()

	expired := stg.getExpiredJobsLocked(deadline)
	if len(expired) == 0 {
		log.DebugContext(ctx, "no expired jobs found to clean up")

		return
	}

	for _, job := range expired {
		delete(stg.jobs, job.ID)
	}

	stg.order = slices.DeleteFunc(stg.order, func(id string) bool {
		_, ok := stg.jobs[id]

		return !ok
	})

	for _, job := range expired {
		stg.publishLocked(entity.JobEventRemoved, job)
	}

	log.InfoContext(ctx, "expired jobs removed", slog.Int("count", len(expired)))
}

func (stg *storage) getExpiredJobsLocked(deadline time.Time) []entity.Job {
	var expired []entity.Job

	for _, rec := range stg.jobs {
		if rec.job.Status.IsTerminal() && rec.job.FinishedAt.Before(deadline) {
			expired = append(expired, rec.job)
		}
	}

	return expired
}
