// Package config handles application configuration loading and management.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"mediaq/internal/consts"
)

// Config holds the application configuration.
type Config struct {
	HTTP       HTTP
	App        App
	Tool       Tool
	Job        Job
	Dir        Dir
	Storage    Storage
	DepManager DepManager
}

// App holds application-wide configuration.
type App struct {
	LogLevel string `env:"MEDIAQ_APP_LOG_LEVEL" envDefault:"info"`
}

// Tool holds paths of the external programs. Empty paths are resolved by the
// dependency manager (bins dir or system PATH).
type Tool struct {
	Path       string `env:"MEDIAQ_TOOL_PATH"        envDefault:""` // yt-dlp
	FFmpegPath string `env:"MEDIAQ_TOOL_FFMPEG_PATH" envDefault:""`
	// AuxScriptHelperPath is the JavaScript runtime yt-dlp uses for player challenges (deno).
	AuxScriptHelperPath string `env:"MEDIAQ_TOOL_AUX_SCRIPT_HELPER_PATH" envDefault:""`
	// KillGrace bounds how long output pipes stay open after a process was killed.
	KillGrace time.Duration `env:"MEDIAQ_TOOL_KILL_GRACE" envDefault:"2s"`
}

// SetAbsPaths converts configured tool paths to absolute paths. Bare command
// names ("yt-dlp") are left alone so they resolve through PATH.
func (t *Tool) SetAbsPaths() error {
	for _, path := range []*string{&t.Path, &t.FFmpegPath, &t.AuxScriptHelperPath} {
		if *path == "" || !strings.ContainsRune(*path, filepath.Separator) {
			continue
		}

		abs, err := filepath.Abs(*path)
		if err != nil {
			return fmt.Errorf("tool path %s: %w", *path, err)
		}

		*path = abs
	}

	return nil
}

// Job holds job processing configuration.
type Job struct {
	// Concurrency is the number of transfers allowed to run at the same time.
	Concurrency int `env:"MEDIAQ_JOB_CONCURRENCY" envDefault:"3"`
	// InsertAt is where new jobs enter the queue: "front" (newest first) or "back".
	InsertAt string `env:"MEDIAQ_JOB_INSERT" envDefault:"front"`
	// SkipLookup disables the metadata lookup; jobs are titled with their URL.
	SkipLookup     bool          `env:"MEDIAQ_JOB_SKIP_LOOKUP"      envDefault:"false"`
	LookupCacheTTL time.Duration `env:"MEDIAQ_JOB_LOOKUP_CACHE_TTL" envDefault:"10m"`
}

// Validate checks job settings.
func (j *Job) Validate() error {
	if j.Concurrency < 1 {
		return fmt.Errorf("concurrency must be positive, got %d", j.Concurrency)
	}

	switch j.InsertAt {
	case consts.InsertFront, consts.InsertBack:
	default:
		return fmt.Errorf("insert position must be %q or %q, got %q", consts.InsertFront, consts.InsertBack, j.InsertAt)
	}

	return nil
}

// Storage holds job storage configuration.
type Storage struct {
	// TTL is how long finished jobs stay listed. Zero keeps them forever.
	TTL             time.Duration `env:"MEDIAQ_STORAGE_TTL"              envDefault:"168h"`
	CleanupInterval time.Duration `env:"MEDIAQ_STORAGE_CLEANUP_INTERVAL" envDefault:"1h"`
	// HistoryDB is the sqlite file finished jobs are recorded in. Defaults to <data>/history.db.
	HistoryDB string `env:"MEDIAQ_STORAGE_HISTORY_DB" envDefault:""`
}

// HTTP holds HTTP server configuration.
type HTTP struct {
	Port            string        `env:"MEDIAQ_HTTP_PORT"             envDefault:":8080"`
	HandlerTimeout  time.Duration `env:"MEDIAQ_HTTP_HANDLER_TIMEOUT"  envDefault:"20s"`
	ShutdownTimeout time.Duration `env:"MEDIAQ_HTTP_SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Dir holds directory paths for downloads, application data and the cookie file.
type Dir struct {
	Downloads string `env:"MEDIAQ_DIR_DOWNLOAD" envDefault:"./data/downloads"` // downloads stored here
	Data      string `env:"MEDIAQ_DIR_DATA"     envDefault:"./data"`           // lock file, history db

	// Netscape cookies.txt used when a job does not name its own
	// see: https://github.com/yt-dlp/yt-dlp/wiki/FAQ#how-do-i-pass-cookies-to-yt-dlp
	CookieFile string `env:"MEDIAQ_DIR_COOKIE_FILE" envDefault:""`
}

// SetAbsPaths converts all directory paths to absolute paths.
func (c *Dir) SetAbsPaths() error {
	var err error
	if c.Downloads, err = filepath.Abs(c.Downloads); err != nil {
		return fmt.Errorf("downloads: %w", err)
	}

	if c.Data, err = filepath.Abs(c.Data); err != nil {
		return fmt.Errorf("data: %w", err)
	}

	if c.CookieFile != "" {
		if c.CookieFile, err = filepath.Abs(c.CookieFile); err != nil {
			return fmt.Errorf("cookie file: %w", err)
		}
	}

	return nil
}

// New loads configuration from environment variables.
func New() (*Config, error) {
	cfg := &Config{}

	err := env.Parse(cfg)
	if err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	err = cfg.Dir.SetAbsPaths()
	if err != nil {
		return nil, fmt.Errorf("set absolute paths: %w", err)
	}

	err = cfg.Tool.SetAbsPaths()
	if err != nil {
		return nil, fmt.Errorf("set tool absolute paths: %w", err)
	}

	err = cfg.DepManager.SetAbsPaths()
	if err != nil {
		return nil, fmt.Errorf("set dep manager absolute paths: %w", err)
	}

	if cfg.Storage.HistoryDB == "" {
		cfg.Storage.HistoryDB = filepath.Join(cfg.Dir.Data, "history.db")
	}

	err = cfg.Job.Validate()
	if err != nil {
		return nil, fmt.Errorf("job: %w", err)
	}

	return cfg, nil
}

// DepManager holds binary dependency management configuration.
type DepManager struct {
	// BinsDir is the directory where downloaded binaries are stored
	BinsDir string `env:"MEDIAQ_DEPMANAGER_BINS_DIR" envDefault:"./bins"`
	// UseSystemBinaries looks the tools up in PATH instead of downloading them.
	UseSystemBinaries bool `env:"MEDIAQ_DEPMANAGER_USE_SYSTEM_BINARIES" envDefault:"false"`
	// UpdateInterval is how often yt-dlp -U runs while serving. Zero disables it.
	UpdateInterval time.Duration `env:"MEDIAQ_DEPMANAGER_UPDATE_INTERVAL" envDefault:"0"`

	// ffmpeg archive URLs per platform.
	FFmpegLinuxARM64 string `env:"MEDIAQ_DEPMANAGER_FFMPEG_LINUX_ARM64" envDefault:"https://github.com/BtbN/FFmpeg-Builds/releases/latest/download/ffmpeg-master-latest-linuxarm64-gpl.tar.xz"` //nolint:lll
	FFmpegLinuxAMD64 string `env:"MEDIAQ_DEPMANAGER_FFMPEG_LINUX_AMD64" envDefault:"https://github.com/BtbN/FFmpeg-Builds/releases/latest/download/ffmpeg-master-latest-linux64-gpl.tar.xz"`    //nolint:lll

	// yt-dlp binary URLs per platform.
	YTdlpLinuxARM64 string `env:"MEDIAQ_DEPMANAGER_YTDLP_LINUX_ARM64" envDefault:"https://github.com/yt-dlp/yt-dlp/releases/latest/download/yt-dlp_linux_aarch64"` //nolint:lll
	YTdlpLinuxAMD64 string `env:"MEDIAQ_DEPMANAGER_YTDLP_LINUX_AMD64" envDefault:"https://github.com/yt-dlp/yt-dlp/releases/latest/download/yt-dlp_linux"`         //nolint:lll

	// deno archive URLs per platform.
	DenoLinuxARM64 string `env:"MEDIAQ_DEPMANAGER_DENO_LINUX_ARM64" envDefault:"https://github.com/denoland/deno/releases/latest/download/deno-aarch64-unknown-linux-gnu.zip"` //nolint:lll
	DenoLinuxAMD64 string `env:"MEDIAQ_DEPMANAGER_DENO_LINUX_AMD64" envDefault:"https://github.com/denoland/deno/releases/latest/download/deno-x86_64-unknown-linux-gnu.zip"`  //nolint:lll
}

// SetAbsPaths converts the BinsDir path to an absolute path.
func (d *DepManager) SetAbsPaths() error {
	var err error
	if d.BinsDir, err = filepath.Abs(d.BinsDir); err != nil {
		return fmt.Errorf("bins dir: %w", err)
	}

	return nil
}
