package downloader

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"mediaq/internal/entity"
	"mediaq/internal/errs"
	"mediaq/internal/procexec"
)

const (
	defaultNameTemplate = "%(title)s.%(ext)s"

	formatAudio = "bestaudio/best"
	formatVideo = "bestvideo[height<=1080]+bestaudio/best[height<=1080]/best"
)

// OutputTemplate returns the -o value for opts.
func OutputTemplate(opts entity.Options) string {
	name := defaultNameTemplate
	if opts.CustomName != "" {
		name = opts.CustomName + ".%(ext)s"
	}

	return filepath.Join(opts.OutputDir, name)
}

// BuildArgs returns the yt-dlp arguments that transfer url with opts.
// ffmpeg and the script helper are passed only when their files exist.
func BuildArgs(tools Tools, url string, opts entity.Options) []string {
	args := []string{
		"--encoding", "utf8",
		"--newline",
		"-o", OutputTemplate(opts),
	}

	if opts.AudioOnly {
		args = append(args,
			"-f", formatAudio,
			"--extract-audio",
			"--audio-format", "mp3",
			"--audio-quality", "192K")
	} else {
		args = append(args,
			"-f", formatVideo,
			"--merge-output-format", "mp4")
	}

	args = append(args,
		"--embed-thumbnail",
		"--add-metadata",
		"--no-check-certificate",
		"--ignore-errors",
		"--no-mtime",
		"--no-playlist")

	if IsFileReady(tools.FFmpeg) {
		args = append(args, "--ffmpeg-location", tools.FFmpeg)
	}

	if IsFileReady(tools.AuxScriptHelper) {
		args = append(args, "--js-runtimes", "deno:"+tools.AuxScriptHelper)
	}

	if opts.SubLangs != "" {
		args = append(args,
			"--write-subs",
			"--write-auto-subs",
			"--sub-langs", opts.SubLangs,
			"--embed-subs")
	}

	if IsFileReady(opts.CookieFile) {
		args = append(args, "--cookies", opts.CookieFile)
	}

	return append(args, "--", url)
}

// Lookup runs yt-dlp --dump-json and decodes the first info object.
func (d *YTdlp) Lookup(ctx context.Context, url, cookieFile string) (entity.Metadata, error) {
	log := d.log.With(slog.String("url", url))

	args := []string{"--dump-json", "--no-playlist", "--skip-download", "--ignore-errors", "--no-check-certificate"}
	if IsFileReady(cookieFile) {
		args = append(args, "--cookies", cookieFile)
	}

	args = append(args, "--", url)

	var (
		info  *InfoJSON
		tail  Tail
		jsErr error
	)

	stdout := func(line string) {
		if info != nil || !strings.HasPrefix(line, "{") {
			return
		}

		var parsed InfoJSON
		if err := json.Unmarshal([]byte(line), &parsed); err != nil {
			jsErr = err

			return
		}

		info = &parsed
	}

	code, err := d.exec.Run(ctx, procexec.Command{Path: d.tools.YTdlp, Args: args}, stdout, tail.Add)
	if err != nil {
		return entity.Metadata{}, fmt.Errorf("lookup: %w", err)
	}

	if info == nil || (info.Title == "" && info.Fulltitle == "") {
		msg := tail.Diagnostic()

		switch {
		case msg != "":
		case jsErr != nil:
			msg = "decode info: " + jsErr.Error()
		default:
			msg = fmt.Sprintf("no metadata returned (exit status %d)", code)
		}

		log.DebugContext(ctx, "lookup failed", slog.Int("exit_code", code), slog.String("diagnostic", msg))

		return entity.Metadata{}, fmt.Errorf("%w: %s", errs.ErrLookupFailed, msg)
	}

	meta := info.Metadata()

	log.DebugContext(ctx, "lookup done", slog.String("title", meta.Title), slog.Duration("duration", meta.Duration))

	return meta, nil
}

// Expand lists the member URLs of a playlist. Partial listings are returned
// as success; only an empty result is an error.
func (d *YTdlp) Expand(ctx context.Context, url, cookieFile string) ([]string, error) {
	args := []string{"--flat-playlist", "--print", "url", "--no-check-certificate", "--ignore-errors"}
	if IsFileReady(cookieFile) {
		args = append(args, "--cookies", cookieFile)
	}

	args = append(args, "--", url)

	var (
		urls []string
		tail Tail
	)

	stdout := func(line string) {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "http") {
			urls = append(urls, line)
		}
	}

	code, err := d.exec.Run(ctx, procexec.Command{Path: d.tools.YTdlp, Args: args}, stdout, tail.Add)
	if err != nil {
		return nil, fmt.Errorf("expand: %w", err)
	}

	if len(urls) == 0 {
		msg := tail.Diagnostic()
		if msg == "" {
			msg = fmt.Sprintf("playlist is empty (exit status %d)", code)
		}

		return nil, fmt.Errorf("%w: %s", errs.ErrExpansionFailed, msg)
	}

	if code != 0 {
		d.log.WarnContext(ctx, "playlist partially expanded",
			slog.String("url", url), slog.Int("count", len(urls)), slog.Int("exit_code", code))
	}

	return urls, nil
}
