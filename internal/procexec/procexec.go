// Package procexec runs one external command and streams its output line by line.
package procexec

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"mediaq/internal/errs"
	"mediaq/pkg/shellquote"
)

const (
	// DefaultKillGrace is how long output pipes stay open after cancellation
	// before they are closed forcibly.
	DefaultKillGrace = 2 * time.Second

	bufSize     = 4096             // 4 KiB initial scanner buffer
	maxLineSize = 10 * 1024 * 1024 // 10 MiB, --dump-json lines are large
)

// LineSink receives one line of process output.
type LineSink func(line string)

// Command describes a process to start.
type Command struct {
	Path string
	Args []string
	Dir  string
	Env  []string // appended to the current environment

	// OnStart, if set, is called once the process has been started.
	OnStart func(pid int)
}

// String returns a shell-pasteable command line.
func (c Command) String() string {
	return shellquote.Join(c.Path, c.Args)
}

// Executor runs a command to completion. Implemented by Runner; replaced by
// fakes in tests.
type Executor interface {
	Run(ctx context.Context, command Command, stdout, stderr LineSink) (int, error)
}

// Runner is the os/exec backed Executor.
type Runner struct {
	log       *slog.Logger
	killGrace time.Duration
}

var _ Executor = (*Runner)(nil)

// New creates a Runner. A non-positive killGrace selects DefaultKillGrace.
func New(log *slog.Logger, killGrace time.Duration) *Runner {
	if killGrace <= 0 {
		killGrace = DefaultKillGrace
	}

	return &Runner{
		log:       log.With(slog.String("package", "procexec")),
		killGrace: killGrace,
	}
}

// Run starts the command and blocks until it exited and both output streams
// were drained. Every non-empty line goes to its sink exactly once and in
// order. A non-zero exit code is not an error.
//
// Errors: errs.ErrLaunchFailed when the process cannot be started,
// errs.ErrProcessCanceled when the process was killed because ctx ended.
func (r *Runner) Run(ctx context.Context, command Command, stdout, stderr LineSink) (int, error) {
	if err := ctx.Err(); err != nil {
		return -1, fmt.Errorf("%w: %w", errs.ErrProcessCanceled, err)
	}

	log := r.log.With(slog.String("command", command.String()))

	cmd := exec.CommandContext(ctx, command.Path, command.Args...)
	cmd.Dir = command.Dir
	cmd.WaitDelay = r.killGrace

	if len(command.Env) > 0 {
		cmd.Env = append(cmd.Environ(), command.Env...)
	}

	outPipe, err := cmd.StdoutPipe()
	if err != nil {
		return -1, fmt.Errorf("stdout pipe: %w", err)
	}

	errPipe, err := cmd.StderrPipe()
	if err != nil {
		return -1, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("%w: %s: %w", errs.ErrLaunchFailed, command.Path, err)
	}

	log.DebugContext(ctx, "process started", slog.Int("pid", cmd.Process.Pid))

	if command.OnStart != nil {
		command.OnStart(cmd.Process.Pid)
	}

	readersDone := make(chan struct{})

	// grandchildren (ffmpeg) may keep the pipes open after the tool itself was killed
	stop := context.AfterFunc(ctx, func() {
		timer := time.NewTimer(r.killGrace)
		defer timer.Stop()

		select {
		case <-readersDone:
		case <-timer.C:
			outPipe.Close()
			errPipe.Close()
		}
	})
	defer stop()

	var group errgroup.Group

	group.Go(func() error { return readLines(outPipe, stdout) })
	group.Go(func() error { return readLines(errPipe, stderr) })

	readErr := group.Wait()
	close(readersDone)

	waitErr := cmd.Wait()

	// a clean exit stands even when ctx ended after it
	if ctxErr := ctx.Err(); ctxErr != nil && waitErr != nil {
		log.DebugContext(ctx, "process killed", slog.Any("reason", ctxErr))

		return -1, fmt.Errorf("%w: %w", errs.ErrProcessCanceled, ctxErr)
	}

	if readErr != nil {
		log.WarnContext(ctx, "read process output", slog.Any("error", readErr))
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			log.DebugContext(ctx, "process exited", slog.Int("exit_code", exitErr.ExitCode()))

			return exitErr.ExitCode(), nil
		}

		return -1, fmt.Errorf("wait: %w", waitErr)
	}

	log.DebugContext(ctx, "process exited", slog.Int("exit_code", 0))

	return 0, nil
}

// readLines feeds every non-empty line to sink. On a scanner error the rest of
// the stream is discarded so the process never blocks on a full pipe.
func readLines(reader io.Reader, sink LineSink) error {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, bufSize), maxLineSize)
	scanner.Split(splitLinesAny)

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), " \t")
		if strings.TrimSpace(line) == "" {
			continue
		}

		if sink != nil {
			sink(line)
		}
	}

	err := scanner.Err()
	if err != nil {
		_, _ = io.Copy(io.Discard, reader)

		return fmt.Errorf("scan: %w", err)
	}

	return nil
}

// splitLinesAny is a bufio.SplitFunc that ends a line at \n, \r or \r\n.
// yt-dlp redraws its progress line with \r when --newline is not passed.
func splitLinesAny(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	if idx := bytes.IndexAny(data, "\r\n"); idx >= 0 {
		advance := idx + 1
		if data[idx] == '\r' && idx+1 < len(data) && data[idx+1] == '\n' {
			advance++
		}

		return advance, data[:idx], nil
	}

	if atEOF {
		return len(data), data, nil
	}

	return 0, nil, nil
}
