// Package entity defines the core entities used in the application.
package entity

import (
	"log/slog"
	"time"
)

// Options holds per-job transfer settings.
type Options struct {
	OutputDir  string `json:"outputDir,omitempty"`
	CustomName string `json:"customName,omitempty"`
	SubLangs   string `json:"subLangs,omitempty"` // e.g. "vi,en"
	CookieFile string `json:"cookieFile,omitempty"`
	AudioOnly  bool   `json:"audioOnly,omitempty"`
}

// Metadata is the result of a metadata lookup.
type Metadata struct {
	ID           string        `json:"id,omitempty"`
	Title        string        `json:"title"`
	ThumbnailURL string        `json:"thumbnailUrl,omitempty"`
	Duration     time.Duration `json:"duration,omitempty"`
	Extractor    string        `json:"extractor,omitempty"`
}

// Job represents a download job. Values of this type are snapshots; the live
// state is owned by storage.
type Job struct {
	ID           string        `json:"id"`
	URL          string        `json:"url"`
	Title        string        `json:"title"`
	ThumbnailURL string        `json:"thumbnailUrl,omitempty"`
	Duration     time.Duration `json:"duration,omitempty"`
	Options      Options       `json:"options"`
	Status       JobStatus     `json:"status"`
	Progress     float64       `json:"progress"` // 0.0 to 1.0
	Rate         string        `json:"rate,omitempty"`
	Destination  string        `json:"destination,omitempty"`
	Merging      bool          `json:"merging,omitempty"`
	Error        string        `json:"error,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
	StartedAt    time.Time     `json:"startedAt,omitzero"`
	FinishedAt   time.Time     `json:"finishedAt,omitzero"`
}

// DisplayTitle returns the title, falling back to the URL.
func (j Job) DisplayTitle() string {
	if j.Title != "" {
		return j.Title
	}

	return j.URL
}

// LogValue implements the slog.LogValuer interface for structured logging.
func (j Job) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", j.ID),
		slog.String("url", j.URL),
		slog.String("status", string(j.Status)),
		slog.Float64("progress", j.Progress),
		slog.String("rate", j.Rate),
		slog.String("destination", j.Destination),
	)
}

// Stats is the aggregate state of the queue. It is always derived from the
// job list, never stored.
type Stats struct {
	Total     int     `json:"total"`
	Pending   int     `json:"pending"` // not yet holding a slot
	Active    int     `json:"active"`  // starting or active
	Done      int     `json:"done"`    // any terminal status
	Completed int     `json:"completed"`
	Failed    int     `json:"failed"`
	Canceled  int     `json:"canceled"`
	Fraction  float64 `json:"fraction"` // done / total
}

// ComputeStats derives aggregate statistics from job snapshots.
func ComputeStats(jobs []Job) Stats {
	var stats Stats

	stats.Total = len(jobs)

	for _, job := range jobs {
		switch job.Status {
		case JobStatusCompleted:
			stats.Completed++
		case JobStatusFailed:
			stats.Failed++
		case JobStatusCanceled:
			stats.Canceled++
		case JobStatusStarting, JobStatusActive:
			stats.Active++
		default:
			stats.Pending++
		}
	}

	stats.Done = stats.Completed + stats.Failed + stats.Canceled

	if stats.Total > 0 {
		stats.Fraction = float64(stats.Done) / float64(stats.Total)
	}

	return stats
}

// JobEventType distinguishes change notifications.
type JobEventType string

const (
	// JobEventAdded is published when a job is inserted into the queue.
	JobEventAdded JobEventType = "added"
	// JobEventStatus is published on every status transition.
	JobEventStatus JobEventType = "status"
	// JobEventProgress is published when progress, rate, title or destination change.
	JobEventProgress JobEventType = "progress"
	// JobEventRemoved is published when an expired job is dropped from the queue.
	JobEventRemoved JobEventType = "removed"
)

// JobEvent is a state-change notification carrying the job snapshot and the
// aggregate statistics computed right after the change.
type JobEvent struct {
	Type  JobEventType `json:"type"`
	Job   Job          `json:"job"`
	Stats Stats        `json:"stats"`
}
