package downloader

import (
	"time"

	"mediaq/internal/entity"
	"mediaq/pkg/maths"
)

// InfoJSON is the subset of yt-dlp's --dump-json output used for lookups.
type InfoJSON struct {
	Type         string  `json:"_type"`
	ID           string  `json:"id"`
	Title        string  `json:"title"`
	Fulltitle    string  `json:"fulltitle"`
	Thumbnail    string  `json:"thumbnail"`
	Duration     float64 `json:"duration"`
	Extractor    string  `json:"extractor"`
	ExtractorKey string  `json:"extractor_key"`
	WebpageURL   string  `json:"webpage_url"`
	Uploader     string  `json:"uploader"`
}

// Metadata converts the info into the job metadata.
func (i InfoJSON) Metadata() entity.Metadata {
	title := i.Title
	if title == "" {
		title = i.Fulltitle
	}

	extractor := i.ExtractorKey
	if extractor == "" {
		extractor = i.Extractor
	}

	return entity.Metadata{
		ID:           i.ID,
		Title:        title,
		ThumbnailURL: i.Thumbnail,
		Duration:     time.Duration(maths.RoundFloat64ToInt(i.Duration)) * time.Second,
		Extractor:    extractor,
	}
}
