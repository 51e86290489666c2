//go:build integration

package integration_test

import (
	"context"
	_ "embed"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"mediaq/internal/config"
	"mediaq/internal/consts"
	"mediaq/internal/depmanager"
	"mediaq/internal/downloader"
	"mediaq/internal/entity"
	"mediaq/internal/history"
	"mediaq/internal/procexec"
	"mediaq/internal/service"
	"mediaq/internal/storage"
)

//go:embed testdata/fake-ytdlp.sh
var fakeYTDLPScript string

type fixture struct {
	cfg        *config.Config
	log        *slog.Logger
	depMgr     *depmanager.Manager
	ytdlp      *downloader.YTdlp
	history    *history.Store
	svc        service.Orchestrator
	outputFile string
}

func newFixture(t *testing.T, mode string) *fixture {
	t.Helper()

	if runtime.GOOS == "windows" {
		t.Skip("integration fake yt-dlp helper uses shell script")
	}

	baseDir := t.TempDir()
	downloadsDir := filepath.Join(baseDir, "downloads")

	t.Setenv("MEDIAQ_DIR_DATA", filepath.Join(baseDir, "data"))
	t.Setenv("MEDIAQ_DIR_DOWNLOAD", downloadsDir)
	t.Setenv("MEDIAQ_DEPMANAGER_BINS_DIR", filepath.Join(baseDir, "bins"))
	t.Setenv("MEDIAQ_JOB_INSERT", consts.InsertBack)
	t.Setenv("MEDIAQ_JOB_CONCURRENCY", "2")
	t.Setenv("MEDIAQ_TOOL_KILL_GRACE", "500ms")
	t.Setenv("MEDIAQ_TOOL_PATH", "")
	t.Setenv("MEDIAQ_STORAGE_HISTORY_DB", "")
	t.Setenv("MEDIAQ_DEPMANAGER_USE_SYSTEM_BINARIES", "false")

	cfg, err := config.New()
	if err != nil {
		t.Fatalf("config new: %v", err)
	}

	if err := os.MkdirAll(cfg.DepManager.BinsDir, 0o755); err != nil {
		t.Fatalf("mkdir bins dir: %v", err)
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	runner := procexec.New(log, cfg.Tool.KillGrace)
	depMgr := depmanager.New(log, cfg, runner)

	fakeBinaryPath := depMgr.GetBinaryPath(depmanager.BinaryYTdlp)
	if err := os.WriteFile(fakeBinaryPath, []byte(fakeYTDLPScript), 0o755); err != nil {
		t.Fatalf("write fake yt-dlp: %v", err)
	}

	outputFile := filepath.Join(downloadsDir, "fake-output.mp4")
	t.Setenv("MEDIAQ_FAKE_MODE", mode)
	t.Setenv("MEDIAQ_FAKE_OUTPUT_FILE", outputFile)

	hist, err := history.Open(t.Context(), log, cfg.Storage.HistoryDB)
	if err != nil {
		t.Fatalf("open history: %v", err)
	}

	tools := depMgr.Tools()
	ytdlp := downloader.NewYTdlp(log, runner, tools)

	svc := service.New(cfg, log, service.Deps{
		Storer:   storage.New(t.Context(), log, cfg),
		Executor: runner,
		Tools:    tools,
		Looker:   downloader.NewCachedLookup(ytdlp, cfg.Job.LookupCacheTTL),
		Expander: ytdlp,
		Recorder: hist,
		IsReady:  func() bool { return depMgr.IsReady(depmanager.BinaryYTdlp) },
	})

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := svc.Close(ctx); err != nil {
			t.Errorf("close service: %v", err)
		}

		_ = hist.Close()
	})

	return &fixture{
		cfg:        cfg,
		log:        log,
		depMgr:     depMgr,
		ytdlp:      ytdlp,
		history:    hist,
		svc:        svc,
		outputFile: outputFile,
	}
}

// waitForStatus polls until the job reaches want or the deadline passes.
func waitForStatus(t *testing.T, svc service.Orchestrator, id string, want entity.JobStatus) entity.Job {
	t.Helper()

	deadline := time.Now().Add(10 * time.Second)

	for {
		job, err := svc.Get(t.Context(), id)
		if err != nil {
			t.Fatalf("get job %s: %v", id, err)
		}

		if job.Status == want {
			return job
		}

		if job.Status.IsTerminal() || time.Now().After(deadline) {
			t.Fatalf("job %s status = %s (%q), want %s", id, job.Status, job.Error, want)
		}

		time.Sleep(20 * time.Millisecond)
	}
}
