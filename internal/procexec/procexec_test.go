package procexec_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"sync"
	"testing"
	"time"

	"mediaq/internal/errs"
	"mediaq/internal/procexec"
)

func newRunner() *procexec.Runner {
	return procexec.New(slog.New(slog.NewTextHandler(io.Discard, nil)), 200*time.Millisecond)
}

func writeScript(t *testing.T, body string) string {
	t.Helper()

	if runtime.GOOS == "windows" {
		t.Skip("process tests use shell scripts")
	}

	path := filepath.Join(t.TempDir(), "tool.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}

	return path
}

type collector struct {
	mu    sync.Mutex
	lines []string
}

func (c *collector) sink(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lines = append(c.lines, line)
}

func (c *collector) get() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]string(nil), c.lines...)
}

func TestRunDeliversLinesInOrder(t *testing.T) {
	script := writeScript(t, `
echo "out 1"
echo "err 1" >&2
echo ""
echo "out 2"
printf 'out 3\rout 4\n'
echo "err 2" >&2
exit 0
`)

	var stdout, stderr collector

	code, err := newRunner().Run(t.Context(), procexec.Command{Path: script}, stdout.sink, stderr.sink)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	if code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}

	if got, want := stdout.get(), []string{"out 1", "out 2", "out 3", "out 4"}; !reflect.DeepEqual(got, want) {
		t.Errorf("stdout = %v, want %v", got, want)
	}

	if got, want := stderr.get(), []string{"err 1", "err 2"}; !reflect.DeepEqual(got, want) {
		t.Errorf("stderr = %v, want %v", got, want)
	}
}

func TestRunNonZeroExit(t *testing.T) {
	script := writeScript(t, `echo "ERROR: unsupported url" >&2; exit 3`)

	var stderr collector

	code, err := newRunner().Run(t.Context(), procexec.Command{Path: script}, nil, stderr.sink)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	if code != 3 {
		t.Errorf("exit code = %d, want 3", code)
	}

	if got := stderr.get(); len(got) != 1 || got[0] != "ERROR: unsupported url" {
		t.Errorf("stderr = %v", got)
	}
}

func TestRunLaunchFailure(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "does-not-exist")

	_, err := newRunner().Run(t.Context(), procexec.Command{Path: missing}, nil, nil)
	if !errors.Is(err, errs.ErrLaunchFailed) {
		t.Fatalf("Run() error = %v, want ErrLaunchFailed", err)
	}
}

func TestRunCancelKillsProcess(t *testing.T) {
	script := writeScript(t, `echo "started"; sleep 30; echo "never"`)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	var stdout collector

	started := time.Now()

	_, err := newRunner().Run(ctx, procexec.Command{Path: script}, func(line string) {
		stdout.sink(line)
		cancel()
	}, nil)
	if !errors.Is(err, errs.ErrProcessCanceled) {
		t.Fatalf("Run() error = %v, want ErrProcessCanceled", err)
	}

	if !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want wrapped context.Canceled", err)
	}

	if elapsed := time.Since(started); elapsed > 10*time.Second {
		t.Errorf("Run() took %v after cancel, process was not killed", elapsed)
	}

	if got := stdout.get(); !reflect.DeepEqual(got, []string{"started"}) {
		t.Errorf("stdout = %v, want [started]", got)
	}
}

func TestRunAlreadyCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	spawned := false

	_, err := newRunner().Run(ctx, procexec.Command{
		Path:    "/bin/true",
		OnStart: func(int) { spawned = true },
	}, nil, nil)
	if !errors.Is(err, errs.ErrProcessCanceled) {
		t.Fatalf("Run() error = %v, want ErrProcessCanceled", err)
	}

	if spawned {
		t.Error("process started for an already canceled context")
	}
}

func TestRunOnStartAndEnv(t *testing.T) {
	script := writeScript(t, `echo "$MEDIAQ_TEST_VALUE"`)

	var (
		stdout collector
		pid    int
	)

	_, err := newRunner().Run(t.Context(), procexec.Command{
		Path:    script,
		Env:     []string{"MEDIAQ_TEST_VALUE=hello"},
		OnStart: func(p int) { pid = p },
	}, stdout.sink, nil)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	if pid <= 0 {
		t.Errorf("OnStart pid = %d, want > 0", pid)
	}

	if got := stdout.get(); !reflect.DeepEqual(got, []string{"hello"}) {
		t.Errorf("stdout = %v, want [hello]", got)
	}
}
