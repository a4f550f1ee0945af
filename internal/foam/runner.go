// Package foam drives the external meshing and CFD tools inside a workspace
// and reads back their file-based output.
package foam

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mattn/go-shellwords"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// maxStderrBytes caps the stderr tail kept for error messages.
	maxStderrBytes = 4 * 1024

	defaultGrace = 5 * time.Second
)

// Result is the outcome of one tool invocation.
type Result struct {
	Tool     string
	ExitCode int
	Stderr   string
	Duration time.Duration
}

// OK reports whether the tool exited with status zero.
func (r Result) OK() bool { return r.ExitCode == 0 }

// Runner executes a command line inside dir. A nonzero exit is reported in
// Result, not as an error; the error covers start failures, timeouts and
// cancellation.
type Runner interface {
	Run(ctx context.Context, dir, tool, line string) (Result, error)
}

// ExecRunner runs tools as local processes. Each process gets its own
// process group so a whole tool tree can be stopped at once.
type ExecRunner struct {
	// Timeout bounds a single invocation. Zero means no limit.
	Timeout time.Duration
	// Grace is the wait between SIGTERM and SIGKILL.
	Grace time.Duration
	// Env is appended to the inherited environment.
	Env []string
}

var _ Runner = (*ExecRunner)(nil)

// Run parses line with shell word rules and runs it in dir. Stdout and
// stderr are appended to log.<tool> in dir.
func (r *ExecRunner) Run(ctx context.Context, dir, tool, line string) (Result, error) {
	res := Result{Tool: tool}
	argv, err := shellwords.Parse(line)
	if err != nil {
		return res, fmt.Errorf("parse %s command %q: %w", tool, line, err)
	}
	if len(argv) == 0 {
		return res, fmt.Errorf("%s command is empty", tool)
	}

	logFile, err := os.OpenFile(filepath.Join(dir, "log."+tool), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return res, fmt.Errorf("open %s log: %w", tool, err)
	}
	defer logFile.Close()

	var stderr tailBuffer
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), r.Env...)
	cmd.Stdout = logFile
	cmd.Stderr = multiWriter{logFile, &stderr}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	logger := log.With().Str("tool", tool).Str("dir", dir).Logger()
	logger.Debug().Strs("argv", argv).Msg("starting tool")

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return res, fmt.Errorf("start %s: %w", tool, err)
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		r.terminate(cmd, waitErr, logger)
		res.Duration = time.Since(start)
		res.Stderr = stderr.String()
		return res, fmt.Errorf("%s interrupted: %w", tool, ctx.Err())
	case err = <-waitErr:
	}

	res.Duration = time.Since(start)
	res.Stderr = stderr.String()
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return res, fmt.Errorf("wait for %s: %w", tool, err)
		}
		res.ExitCode = exitErr.ExitCode()
		if res.ExitCode == 0 {
			res.ExitCode = 1
		}
	}
	logger.Debug().Int("exit_code", res.ExitCode).Dur("duration", res.Duration).Msg("tool finished")
	return res, nil
}

// terminate sends SIGTERM to the process group and escalates to SIGKILL
// after the grace period.
func (r *ExecRunner) terminate(cmd *exec.Cmd, waitErr <-chan error, logger zerolog.Logger) {
	if cmd.Process == nil {
		return
	}
	pgid := -cmd.Process.Pid
	logger.Warn().Msg("stopping tool, sending SIGTERM")
	if err := syscall.Kill(pgid, syscall.SIGTERM); err != nil {
		logger.Error().Err(err).Msg("failed to send SIGTERM")
	}

	grace := r.Grace
	if grace <= 0 {
		grace = defaultGrace
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-waitErr:
	case <-timer.C:
		logger.Warn().Msg("tool did not exit after SIGTERM, sending SIGKILL")
		if err := syscall.Kill(pgid, syscall.SIGKILL); err != nil {
			logger.Error().Err(err).Msg("failed to send SIGKILL")
		}
		<-waitErr
	}
}

// tailBuffer keeps the last maxStderrBytes written to it.
type tailBuffer struct {
	buf bytes.Buffer
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	t.buf.Write(p)
	if extra := t.buf.Len() - maxStderrBytes; extra > 0 {
		t.buf.Next(extra)
	}
	return n, nil
}

func (t *tailBuffer) String() string { return t.buf.String() }

type multiWriter struct {
	file   *os.File
	buffer *tailBuffer
}

func (m multiWriter) Write(p []byte) (int, error) {
	_, _ = m.buffer.Write(p)
	return m.file.Write(p)
}
