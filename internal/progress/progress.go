// Package progress turns single lines of yt-dlp output into structured events.
// Parsing is best-effort: the line format is not a stable protocol and differs
// between tool versions, so unknown lines simply yield no event.
package progress

import (
	"regexp"
	"strconv"
	"strings"
)

// Kind identifies the type of an Event.
type Kind int

const (
	// KindPercent reports download percentage and transfer rate.
	KindPercent Kind = iota + 1
	// KindDestination names the file being written.
	KindDestination
	// KindAlreadyComplete reports that the target exists already.
	KindAlreadyComplete
	// KindMergeStarted reports that merging or post-processing began.
	KindMergeStarted
)

// String returns the name of the kind.
func (k Kind) String() string {
	switch k {
	case KindPercent:
		return "percent"
	case KindDestination:
		return "destination"
	case KindAlreadyComplete:
		return "already_complete"
	case KindMergeStarted:
		return "merge_started"
	default:
		return "unknown"
	}
}

// Event is one structured observation extracted from an output line.
type Event struct {
	Kind     Kind
	Fraction float64 // KindPercent, KindAlreadyComplete
	Rate     string  // KindPercent, may be empty
	Path     string  // KindDestination, KindAlreadyComplete, optionally KindMergeStarted
}

const (
	percentDivisor = 100
	partSuffix     = ".part"
)

var (
	// [download]  45.0% of 10.00MiB at 1.2MiB/s ETA 00:05.
	rePercent = regexp.MustCompile(`^\[download\]\s+(\d+(?:\.\d+)?)%`)
	reRate    = regexp.MustCompile(`\sat\s+(~?\s*[0-9.]+\s*[A-Za-z]+/s)`)
	// [download] Destination: /path/video.f137.mp4.
	reDestination = regexp.MustCompile(`^\[download\]\s+Destination:\s+(.+)$`)
	// [download] /path/video.mp4 has already been downloaded.
	reAlreadyDone = regexp.MustCompile(`^\[download\]\s+(.+?)\s+has already been downloaded`)
	// [Merger] Merging formats into "/path/video.mp4".
	reMerger = regexp.MustCompile(`^\[Merger\]\s+Merging formats into\s+"(.+)"`)
	// [ExtractAudio] Destination: /path/video.mp3.
	rePostDestination = regexp.MustCompile(`^\[(?:ExtractAudio|VideoConvertor|VideoRemuxer)\]\s+.*?Destination:\s+(.+)$`)
	// Any other post-processor marker.
	rePostProcessor = regexp.MustCompile(`^\[(?:Merger|ExtractAudio|VideoConvertor|VideoRemuxer|FixupM3u8|FixupM4a|FixupStretched|EmbedSubtitle|EmbedThumbnail|Metadata|FFmpegMetadata)\]`)
)

// Parse extracts at most one event from line.
func Parse(line string) (Event, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Event{}, false
	}

	if m := rePercent.FindStringSubmatch(line); m != nil {
		return parsePercent(line, m[1])
	}

	if m := reAlreadyDone.FindStringSubmatch(line); m != nil {
		return Event{Kind: KindAlreadyComplete, Fraction: 1, Path: m[1]}, true
	}

	if m := reDestination.FindStringSubmatch(line); m != nil {
		path := strings.TrimSpace(m[1])
		if strings.HasSuffix(path, partSuffix) {
			return Event{}, false
		}

		return Event{Kind: KindDestination, Path: path}, true
	}

	if m := reMerger.FindStringSubmatch(line); m != nil {
		return Event{Kind: KindMergeStarted, Path: m[1]}, true
	}

	if m := rePostDestination.FindStringSubmatch(line); m != nil {
		return Event{Kind: KindMergeStarted, Path: strings.TrimSpace(m[1])}, true
	}

	if rePostProcessor.MatchString(line) {
		return Event{Kind: KindMergeStarted}, true
	}

	return Event{}, false
}

func parsePercent(line, raw string) (Event, bool) {
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil || value < 0 || value > percentDivisor {
		return Event{}, false
	}

	event := Event{Kind: KindPercent, Fraction: value / percentDivisor}

	if m := reRate.FindStringSubmatch(line); m != nil {
		event.Rate = strings.ReplaceAll(m[1], " ", "")
	}

	return event, true
}
