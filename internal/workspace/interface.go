// Package workspace provides isolated case directories for the external mesh
// and solver tools. Each directory is a copy of a case template and is owned
// by exactly one job at a time.
package workspace

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

// Workspace is a job-scoped copy of the case template.
type Workspace struct {
	JobID string
	Dir   string
	Slot  int
}

// Path joins elem onto the workspace root.
func (w *Workspace) Path(elem ...string) string {
	return filepath.Join(append([]string{w.Dir}, elem...)...)
}

// Manager hands out workspaces.
type Manager interface {
	// Acquire blocks until a clean workspace is available for jobID or ctx is
	// done.
	Acquire(ctx context.Context, jobID string) (*Workspace, error)

	// Release returns ws to a clean state. It must be called exactly once per
	// successful Acquire.
	Release(ws *Workspace) error

	// Close removes every directory the manager created.
	Close() error
}

// With runs fn inside a workspace acquired for jobID and releases it on every
// exit path, including panics in fn.
func With(ctx context.Context, m Manager, jobID string, fn func(ws *Workspace) error) (err error) {
	ws, err := m.Acquire(ctx, jobID)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := m.Release(ws); rerr != nil && err == nil {
			err = fmt.Errorf("release workspace %s: %w", ws.Dir, rerr)
		}
	}()
	return fn(ws)
}

func validateJobID(jobID string) error {
	trimmed := strings.TrimSpace(jobID)
	if trimmed == "" {
		return fmt.Errorf("jobID is empty")
	}
	if trimmed == "." || trimmed == ".." {
		return fmt.Errorf("jobID %q is invalid", jobID)
	}
	if strings.Contains(trimmed, "/") || strings.Contains(trimmed, `\`) {
		return fmt.Errorf("jobID %q must not contain path separators", jobID)
	}
	if filepath.Clean(trimmed) != trimmed {
		return fmt.Errorf("jobID %q is invalid", jobID)
	}
	return nil
}
