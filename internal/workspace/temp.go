package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/3cpo-dev/flowgen/pkg/api"
)

// TempManager creates a fresh directory per job and deletes it on release.
// Workspaces are always distinct, so Acquire never blocks.
type TempManager struct {
	template string
	baseDir  string

	mu     sync.Mutex
	active map[string]string
}

var _ Manager = (*TempManager)(nil)

func NewTempManager(template, baseDir string) (*TempManager, error) {
	template = strings.TrimSpace(template)
	baseDir = strings.TrimSpace(baseDir)
	if template == "" || baseDir == "" {
		return nil, fmt.Errorf("workspace template and base directory are required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace base directory: %w", err)
	}
	return &TempManager{
		template: filepath.Clean(template),
		baseDir:  filepath.Clean(baseDir),
		active:   make(map[string]string),
	}, nil
}

func (m *TempManager) Acquire(ctx context.Context, jobID string) (*Workspace, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateJobID(jobID); err != nil {
		return nil, err
	}
	parent, err := os.MkdirTemp(m.baseDir, jobID+"-")
	if err != nil {
		return nil, api.IOErrorf("create workspace for job %q: %w", jobID, err)
	}
	dir := filepath.Join(parent, "case")
	if err := copyTree(m.template, dir); err != nil {
		_ = os.RemoveAll(parent)
		return nil, api.IOErrorf("populate workspace for job %q: %w", jobID, err)
	}

	m.mu.Lock()
	m.active[dir] = parent
	m.mu.Unlock()
	return &Workspace{JobID: jobID, Dir: dir, Slot: -1}, nil
}

func (m *TempManager) Release(ws *Workspace) error {
	if ws == nil {
		return fmt.Errorf("release of nil workspace")
	}
	m.mu.Lock()
	parent, ok := m.active[ws.Dir]
	delete(m.active, ws.Dir)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("workspace %s is not active", ws.Dir)
	}
	if err := os.RemoveAll(parent); err != nil {
		return api.IOErrorf("remove workspace for job %q: %w", ws.JobID, err)
	}
	return nil
}

// Close removes workspaces that were never released.
func (m *TempManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for dir, parent := range m.active {
		if err := os.RemoveAll(parent); err != nil {
			return fmt.Errorf("remove workspace %s: %w", dir, err)
		}
		delete(m.active, dir)
	}
	return nil
}
