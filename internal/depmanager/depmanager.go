// Package depmanager handles the external tools the transfer engine runs.
// It resolves yt-dlp, ffmpeg and deno from PATH or downloads them into the
// bins directory, and keeps yt-dlp current with its own updater.
package depmanager

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"mediaq/internal/config"
	"mediaq/internal/downloader"
	"mediaq/internal/errs"
	"mediaq/internal/procexec"

	"github.com/ulikunitz/xz"
)

// BinaryName represents the name of a binary dependency.
type BinaryName string

// Binary dependency names.
const (
	BinaryYTdlp   BinaryName = "yt-dlp"
	BinaryFFmpeg  BinaryName = "ffmpeg"
	BinaryFFprobe BinaryName = "ffprobe"
	BinaryDeno    BinaryName = "deno"
)

// Binaries lists the tools in install order. Only yt-dlp is required.
var Binaries = []BinaryName{BinaryYTdlp, BinaryFFmpeg, BinaryDeno}

// Platform operating system names and architectures.
const (
	platformLinux   = "linux"
	platformWindows = "windows"
	archARM64       = "arm64"
	archAMD64       = "amd64"
)

const (
	// downloadTimeout is the HTTP client timeout for downloading binaries.
	downloadTimeout = 10 * time.Minute
	// filePermExecutable is the file permission for executable binaries.
	filePermExecutable = 0o755
)

// Platform represents the OS and architecture combination.
type Platform struct {
	OS   string
	Arch string
}

// String returns the platform string in format "os/arch".
func (p Platform) String() string {
	return p.OS + "/" + p.Arch
}

// Status describes one tool for `tools check`.
type Status struct {
	Name     BinaryName
	Path     string
	Ready    bool
	Required bool
}

// Manager manages binary dependencies.
type Manager struct {
	log      *slog.Logger
	cfg      *config.Config
	exec     procexec.Executor
	platform Platform
	client   *http.Client

	mu       sync.RWMutex
	binPaths map[BinaryName]string // binary name -> resolved path

	isUpdating atomic.Bool
}

// New creates a new dependency manager. The executor runs yt-dlp -U.
func New(log *slog.Logger, cfg *config.Config, exec procexec.Executor) *Manager {
	return &Manager{
		log:  log.With(slog.String("package", "depmanager")),
		cfg:  cfg,
		exec: exec,
		platform: Platform{
			OS:   runtime.GOOS,
			Arch: runtime.GOARCH,
		},
		client: &http.Client{
			Timeout: downloadTimeout,
		},
		binPaths: make(map[BinaryName]string),
	}
}

// Start makes the tools available: from PATH when system binaries are
// configured, otherwise by installing whatever is missing from the bins dir.
func (m *Manager) Start(ctx context.Context) error {
	if m.cfg.DepManager.UseSystemBinaries {
		return m.ResolveSystem(ctx)
	}

	return m.Install(ctx)
}

// ResolveSystem looks the tools up in PATH. A missing yt-dlp is an error,
// the optional helpers are only reported.
func (m *Manager) ResolveSystem(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, binary := range Binaries {
		path, err := exec.LookPath(string(binary))
		if err != nil {
			if binary == BinaryYTdlp {
				return fmt.Errorf("%w: %s in PATH: %w", errs.ErrBinaryNotFound, binary, err)
			}

			m.log.WarnContext(ctx, "optional tool not found in PATH", slog.String("binary", string(binary)))

			continue
		}

		m.binPaths[binary] = path
	}

	return nil
}

// Install downloads every binary that is missing from the bins dir.
func (m *Manager) Install(ctx context.Context) error {
	log := m.log

	err := os.MkdirAll(m.cfg.DepManager.BinsDir, filePermExecutable)
	if err != nil {
		return fmt.Errorf("create bins directory: %w", err)
	}

	for _, binary := range Binaries {
		if m.isBinaryExists(binary) {
			m.setBinaryPath(binary, m.GetBinaryPath(binary))
			log.DebugContext(ctx, "binary already exists", slog.String("binary", string(binary)))

			continue
		}

		err = m.downloadAndInstall(ctx, binary)
		if err != nil {
			return fmt.Errorf("download and install %s: %w", binary, err)
		}
	}

	log.InfoContext(ctx, "all binaries are installed", slog.Any("binaries", m.installed()))

	return nil
}

// Update runs yt-dlp's self-updater, streaming its output to stdout.
func (m *Manager) Update(ctx context.Context, stdout procexec.LineSink) error {
	if !m.isUpdating.CompareAndSwap(false, true) {
		return nil
	}
	defer m.isUpdating.Store(false)

	path := m.Tools().YTdlp
	if !downloader.IsFileReady(path) {
		return fmt.Errorf("%w: %s", errs.ErrToolNotReady, path)
	}

	var tail downloader.Tail

	code, err := m.exec.Run(ctx, procexec.Command{Path: path, Args: []string{"-U"}}, stdout, tail.Add)
	if err != nil {
		return fmt.Errorf("update yt-dlp: %w", err)
	}

	if code != 0 {
		return fmt.Errorf("update yt-dlp: exit status %d: %s", code, tail.Diagnostic())
	}

	return nil
}

// StartUpdateChecker periodically runs Update until ctx is done.
func (m *Manager) StartUpdateChecker(ctx context.Context) {
	if m.cfg.DepManager.UpdateInterval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(m.cfg.DepManager.UpdateInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := m.Update(ctx, func(line string) {
					m.log.DebugContext(ctx, "yt-dlp update", slog.String("line", line))
				})
				if err != nil && !errors.Is(err, errs.ErrProcessCanceled) {
					m.log.WarnContext(ctx, "update check failed", slog.Any("error", err))
				}
			}
		}
	}()
}

// Tools returns the paths the transfer engine runs. Explicit tool paths from
// the configuration take precedence over resolved or installed ones.
func (m *Manager) Tools() downloader.Tools {
	return downloader.Tools{
		YTdlp:           m.path(BinaryYTdlp, m.cfg.Tool.Path),
		FFmpeg:          m.path(BinaryFFmpeg, m.cfg.Tool.FFmpegPath),
		AuxScriptHelper: m.path(BinaryDeno, m.cfg.Tool.AuxScriptHelperPath),
	}
}

// IsReady reports whether the binary exists and is non-empty.
func (m *Manager) IsReady(name BinaryName) bool {
	switch name {
	case BinaryYTdlp:
		return downloader.IsFileReady(m.Tools().YTdlp)
	case BinaryFFmpeg:
		return downloader.IsFileReady(m.Tools().FFmpeg)
	case BinaryDeno:
		return downloader.IsFileReady(m.Tools().AuxScriptHelper)
	}

	return downloader.IsFileReady(m.path(name, ""))
}

// Check reports the state of every tool.
func (m *Manager) Check() []Status {
	tools := m.Tools()
	paths := map[BinaryName]string{
		BinaryYTdlp:  tools.YTdlp,
		BinaryFFmpeg: tools.FFmpeg,
		BinaryDeno:   tools.AuxScriptHelper,
	}

	statuses := make([]Status, 0, len(Binaries))
	for _, binary := range Binaries {
		statuses = append(statuses, Status{
			Name:     binary,
			Path:     paths[binary],
			Ready:    downloader.IsFileReady(paths[binary]),
			Required: binary == BinaryYTdlp,
		})
	}

	return statuses
}

func (m *Manager) path(name BinaryName, override string) string {
	if override != "" {
		// bare names are looked up in PATH
		if !strings.ContainsRune(override, filepath.Separator) {
			if resolved, err := exec.LookPath(override); err == nil {
				return resolved
			}
		}

		return override
	}

	m.mu.RLock()
	path, ok := m.binPaths[name]
	m.mu.RUnlock()

	if ok {
		return path
	}

	return m.GetBinaryPath(name)
}

// GetBinaryPath returns the full path to a binary in the bins dir.
//   - /home/user/ + binary => /home/user/binary
func (m *Manager) GetBinaryPath(name BinaryName) string {
	filename := string(name)
	if m.platform.OS == platformWindows {
		filename += ".exe"
	}

	return filepath.Join(m.cfg.DepManager.BinsDir, filename)
}

func (m *Manager) installed() map[BinaryName]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return maps.Clone(m.binPaths)
}

// isBinaryExists checks if a binary file exists and has non-zero size.
func (m *Manager) isBinaryExists(name BinaryName) bool {
	return downloader.IsFileReady(m.GetBinaryPath(name))
}

func (m *Manager) setBinaryPath(name BinaryName, path string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.binPaths[name] = path
}

// downloadAndInstall downloads and installs a dependency binary.
func (m *Manager) downloadAndInstall(ctx context.Context, name BinaryName) error {
	log := m.log.With(slog.String("binary", string(name)))

	url := m.getBinaryURL(name)
	if url == "" {
		return fmt.Errorf("%w: no download URL for %s on %s", errs.ErrUnsupportedPlatform, name, m.platform)
	}

	log.InfoContext(ctx, "downloading binary", slog.String("url", url))

	binPaths, err := m.downloadDependency(ctx, url, name)
	if err != nil {
		return fmt.Errorf("download dependency: %w", err)
	}

	for _, path := range binPaths {
		if err := os.Chmod(path, filePermExecutable); err != nil {
			return fmt.Errorf("chmod: %w", err)
		}

		base := strings.TrimSuffix(filepath.Base(path), ".exe")
		m.setBinaryPath(BinaryName(base), path)
	}

	log.InfoContext(ctx, "binary installed successfully", slog.Any("paths", binPaths))

	return nil
}

func (m *Manager) getBinaryURL(name BinaryName) string {
	cfg := m.cfg.DepManager

	switch name {
	case BinaryYTdlp:
		return m.selectURL(cfg.YTdlpLinuxARM64, cfg.YTdlpLinuxAMD64)
	case BinaryFFmpeg, BinaryFFprobe:
		return m.selectURL(cfg.FFmpegLinuxARM64, cfg.FFmpegLinuxAMD64)
	case BinaryDeno:
		return m.selectURL(cfg.DenoLinuxARM64, cfg.DenoLinuxAMD64)
	}

	return ""
}

// selectURL picks the configured URL for the running platform. Only linux
// builds are configured; other platforms get an empty URL.
func (m *Manager) selectURL(linuxARM64, linuxAMD64 string) string {
	if m.platform.OS != platformLinux {
		return ""
	}

	switch m.platform.Arch {
	case archARM64:
		return linuxARM64
	case archAMD64:
		return linuxAMD64
	}

	return ""
}

// downloadDependency downloads and installs a binary dependency from a URL. Returns installed paths.
func (m *Manager) downloadDependency(ctx context.Context, url string, name BinaryName) ([]string, error) {
	binPath := m.GetBinaryPath(name)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	destDir := filepath.Dir(binPath)

	tmpFile, err := os.CreateTemp(destDir, "download-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}

	tmpPath := tmpFile.Name()

	defer func() {
		tmpFile.Close()
		os.Remove(tmpPath)
	}()

	if _, err := io.Copy(tmpFile, resp.Body); err != nil {
		return nil, fmt.Errorf("write file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return nil, fmt.Errorf("close temp file: %w", err)
	}

	if !isArchive(url) {
		if err := os.Rename(tmpPath, binPath); err != nil {
			return nil, fmt.Errorf("rename: %w", err)
		}

		return []string{binPath}, nil
	}

	targets := filesNeeded(name)

	extracted, err := extractFiles(tmpPath, destDir, url, targets)
	if err != nil {
		return nil, fmt.Errorf("extract: %w", err)
	}

	return extracted, nil
}

func isArchive(url string) bool {
	return strings.HasSuffix(url, ".zip") ||
		strings.HasSuffix(url, ".tar.xz") ||
		strings.HasSuffix(url, ".tar.gz")
}

// filesNeeded returns the set of files needed from an archive for a given binary.
func filesNeeded(name BinaryName) map[string]struct{} {
	files := make(map[string]struct{})

	switch name {
	case BinaryFFmpeg:
		files["ffmpeg"] = struct{}{}
		files["ffprobe"] = struct{}{}
	default:
		files[string(name)] = struct{}{}
	}

	return files
}

func extractFiles(archivePath, destDir, url string, targets map[string]struct{}) ([]string, error) {
	switch {
	case strings.HasSuffix(url, ".zip"):
		return extractFromZip(archivePath, destDir, targets)
	case strings.HasSuffix(url, ".tar.xz"):
		return extractFromTarXZ(archivePath, destDir, targets)
	case strings.HasSuffix(url, ".tar.gz"):
		return extractFromTarGZ(archivePath, destDir, targets)
	default:
		return nil, fmt.Errorf("unsupported archive format")
	}
}

func extractFromZip(zipPath, destDir string, targets map[string]struct{}) ([]string, error) {
	reader, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}
	defer reader.Close()

	var extracted []string

	for _, file := range reader.File {
		if file.FileInfo().IsDir() {
			continue
		}

		filename := file.FileInfo().Name()
		if _, ok := targets[filename]; !ok {
			continue
		}

		fileReader, err := file.Open()
		if err != nil {
			return nil, fmt.Errorf("open file in zip: %w", err)
		}

		destPath := filepath.Join(destDir, filename)

		err = writeExecutable(destPath, fileReader)
		fileReader.Close()

		if err != nil {
			return nil, err
		}

		extracted = append(extracted, destPath)

		if len(extracted) == len(targets) {
			break
		}
	}

	if len(extracted) == 0 {
		return nil, fmt.Errorf("no target files found in zip archive")
	}

	return extracted, nil
}

func extractFromTarXZ(tarXZPath, destDir string, targets map[string]struct{}) ([]string, error) {
	file, err := os.Open(tarXZPath)
	if err != nil {
		return nil, fmt.Errorf("open tar.xz: %w", err)
	}
	defer file.Close()

	xzReader, err := xz.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("create xz reader: %w", err)
	}

	return extractTarSelected(xzReader, destDir, targets)
}

func extractFromTarGZ(tarGZPath, destDir string, targets map[string]struct{}) ([]string, error) {
	file, err := os.Open(tarGZPath)
	if err != nil {
		return nil, fmt.Errorf("open tar.gz: %w", err)
	}
	defer file.Close()

	gzReader, err := gzip.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("create gzip reader: %w", err)
	}
	defer gzReader.Close()

	return extractTarSelected(gzReader, destDir, targets)
}

func extractTarSelected(reader io.Reader, destDir string, targets map[string]struct{}) ([]string, error) {
	tarReader := tar.NewReader(reader)

	var extracted []string

	for len(extracted) < len(targets) {
		header, err := tarReader.Next()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return nil, fmt.Errorf("read tar header: %w", err)
		}

		if header.Typeflag != tar.TypeReg {
			continue
		}

		filename := filepath.Base(header.Name)
		if _, ok := targets[filename]; !ok {
			continue
		}

		destPath := filepath.Join(destDir, filename)
		if err := writeExecutable(destPath, tarReader); err != nil {
			return nil, err
		}

		extracted = append(extracted, destPath)
	}

	if len(extracted) == 0 {
		return nil, fmt.Errorf("no target files found in tar archive")
	}

	return extracted, nil
}

func writeExecutable(path string, src io.Reader) error {
	outFile, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, filePermExecutable)
	if err != nil {
		return fmt.Errorf("create dest file: %w", err)
	}

	_, err = io.Copy(outFile, src)
	if closeErr := outFile.Close(); err == nil {
		err = closeErr
	}

	if err != nil {
		return fmt.Errorf("extract file: %w", err)
	}

	return nil
}
