package procexec

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"mediaq/internal/errs"
)

// ScriptFunc produces the output and exit code of one mocked process run.
type ScriptFunc func(ctx context.Context, command Command, stdout, stderr LineSink) (int, error)

// Mock is an Executor that plays back a script instead of starting a process.
// It records every command and the peak number of concurrent runs.
type Mock struct {
	Script ScriptFunc

	mu    sync.Mutex
	calls []Command

	running atomic.Int64
	peak    atomic.Int64
	pid     atomic.Int64
}

var _ Executor = (*Mock)(nil)

// Run implements Executor.
func (m *Mock) Run(ctx context.Context, command Command, stdout, stderr LineSink) (int, error) {
	if err := ctx.Err(); err != nil {
		return -1, fmt.Errorf("%w: %w", errs.ErrProcessCanceled, err)
	}

	m.mu.Lock()
	m.calls = append(m.calls, command)
	m.mu.Unlock()

	running := m.running.Add(1)
	defer m.running.Add(-1)

	for {
		peak := m.peak.Load()
		if running <= peak || m.peak.CompareAndSwap(peak, running) {
			break
		}
	}

	if command.OnStart != nil {
		command.OnStart(int(m.pid.Add(1)))
	}

	if stdout == nil {
		stdout = func(string) {}
	}

	if stderr == nil {
		stderr = func(string) {}
	}

	if m.Script == nil {
		return 0, nil
	}

	return m.Script(ctx, command, stdout, stderr)
}

// Calls returns the commands run so far.
func (m *Mock) Calls() []Command {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]Command(nil), m.calls...)
}

// Running returns the number of runs in progress.
func (m *Mock) Running() int {
	return int(m.running.Load())
}

// Peak returns the highest number of simultaneous runs observed.
func (m *Mock) Peak() int {
	return int(m.peak.Load())
}

// SimulateDownload returns a script that prints yt-dlp style progress lines,
// one every step, and exits 0 after announcing dest. Cancellation aborts it
// the way a killed process would.
func SimulateDownload(dest string, steps int, step time.Duration) ScriptFunc {
	return func(ctx context.Context, _ Command, stdout, _ LineSink) (int, error) {
		stdout("[download] Destination: " + dest)

		ticker := time.NewTicker(step)
		defer ticker.Stop()

		for i := 1; i <= steps; i++ {
			select {
			case <-ctx.Done():
				return -1, fmt.Errorf("%w: %w", errs.ErrProcessCanceled, ctx.Err())
			case <-ticker.C:
				percent := float64(i) * 100 / float64(steps)
				stdout(fmt.Sprintf("[download] %5.1f%% of 10.00MiB at 1.00MiB/s ETA 00:01", percent))
			}
		}

		return 0, nil
	}
}
