// Package downloader drives yt-dlp: it builds transfer arguments and runs the
// metadata lookup and playlist expansion calls.
package downloader

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"

	"mediaq/internal/entity"
	"mediaq/internal/procexec"
)

// tailSize is the number of stderr lines kept for diagnostics.
const tailSize = 20

// Tools holds resolved program paths.
type Tools struct {
	YTdlp           string
	FFmpeg          string
	AuxScriptHelper string // deno
}

// Looker fetches metadata for a single URL.
type Looker interface {
	Lookup(ctx context.Context, url, cookieFile string) (entity.Metadata, error)
}

// Expander resolves a playlist URL into member URLs.
type Expander interface {
	Expand(ctx context.Context, url, cookieFile string) ([]string, error)
}

// YTdlp runs yt-dlp through an Executor.
type YTdlp struct {
	log   *slog.Logger
	exec  procexec.Executor
	tools Tools
}

var (
	_ Looker   = (*YTdlp)(nil)
	_ Expander = (*YTdlp)(nil)
)

// NewYTdlp creates a new YTdlp instance.
func NewYTdlp(log *slog.Logger, exec procexec.Executor, tools Tools) *YTdlp {
	return &YTdlp{
		log:   log.With(slog.String("package", "downloader")),
		exec:  exec,
		tools: tools,
	}
}

// IsFileReady reports whether path names an existing, non-empty file.
func IsFileReady(path string) bool {
	if path == "" {
		return false
	}

	info, err := os.Stat(path)

	return err == nil && !info.IsDir() && info.Size() > 0
}

// Tail keeps the last lines written to it. Safe for concurrent use.
type Tail struct {
	mu    sync.Mutex
	lines []string
}

// Add appends a line, dropping the oldest one when full.
func (t *Tail) Add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.lines) == tailSize {
		t.lines = t.lines[1:]
	}

	t.lines = append(t.lines, line)
}

// Diagnostic returns the most useful summary of the collected lines: the last
// "ERROR:" line when yt-dlp printed one, else the whole tail.
func (t *Tail) Diagnostic() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := len(t.lines) - 1; i >= 0; i-- {
		if msg, ok := strings.CutPrefix(t.lines[i], "ERROR:"); ok {
			return strings.TrimSpace(msg)
		}
	}

	return strings.Join(t.lines, "\n")
}
