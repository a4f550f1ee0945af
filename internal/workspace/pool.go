package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/flowgen/pkg/api"
)

// ErrPoolExhausted is returned by Acquire once every slot has been retired
// after failed resets.
var ErrPoolExhausted = errors.New("workspace pool exhausted")

// Pool is a fixed set of pre-provisioned slot directories reused across jobs.
// A slot is reset to a fresh copy of the template before it is handed out
// again.
type Pool struct {
	template string
	baseDir  string

	free      chan int
	exhausted chan struct{}

	mu     sync.Mutex
	owners map[int]string
	live   int
}

var _ Manager = (*Pool)(nil)

// NewPool provisions size slots under baseDir, each a copy of template.
// Leftover slot directories from an earlier run are replaced.
func NewPool(template, baseDir string, size int) (*Pool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("pool size must be positive, got %d", size)
	}
	template = strings.TrimSpace(template)
	baseDir = strings.TrimSpace(baseDir)
	if template == "" || baseDir == "" {
		return nil, fmt.Errorf("workspace template and base directory are required")
	}
	p := &Pool{
		template:  filepath.Clean(template),
		baseDir:   filepath.Clean(baseDir),
		free:      make(chan int, size),
		exhausted: make(chan struct{}),
		owners:    make(map[int]string, size),
	}
	for slot := 0; slot < size; slot++ {
		if err := p.reset(slot); err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("provision slot %d: %w", slot, err)
		}
		p.free <- slot
		p.live++
	}
	return p, nil
}

func (p *Pool) slotDir(slot int) string {
	return filepath.Join(p.baseDir, fmt.Sprintf("slot-%02d", slot))
}

func (p *Pool) reset(slot int) error {
	dir := p.slotDir(slot)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("clear slot directory: %w", err)
	}
	return copyTree(p.template, dir)
}

// Acquire waits for a free slot.
func (p *Pool) Acquire(ctx context.Context, jobID string) (*Workspace, error) {
	if err := validateJobID(jobID); err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.exhausted:
		return nil, api.IOErrorf("acquire slot for job %q: %w", jobID, ErrPoolExhausted)
	case slot := <-p.free:
		p.mu.Lock()
		p.owners[slot] = jobID
		p.mu.Unlock()
		return &Workspace{JobID: jobID, Dir: p.slotDir(slot), Slot: slot}, nil
	}
}

// Release resets the slot and makes it available again. A slot that cannot
// be reset is retired instead of being handed out dirty.
func (p *Pool) Release(ws *Workspace) error {
	if ws == nil {
		return fmt.Errorf("release of nil workspace")
	}
	p.mu.Lock()
	owner, ok := p.owners[ws.Slot]
	if !ok || owner != ws.JobID {
		p.mu.Unlock()
		return fmt.Errorf("slot %d is not held by %q", ws.Slot, ws.JobID)
	}
	delete(p.owners, ws.Slot)
	p.mu.Unlock()

	err := p.reset(ws.Slot)
	if err != nil {
		// Retry once before retiring the slot.
		err = p.reset(ws.Slot)
	}
	if err != nil {
		p.mu.Lock()
		p.live--
		if p.live == 0 {
			close(p.exhausted)
		}
		p.mu.Unlock()
		log.Error().Err(err).Int("slot", ws.Slot).Msg("retiring workspace slot")
		return api.IOErrorf("reset slot %d: %w", ws.Slot, err)
	}
	p.free <- ws.Slot
	return nil
}

// Close removes all slot directories.
func (p *Pool) Close() error {
	entries, err := os.ReadDir(p.baseDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read workspace base directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "slot-") {
			continue
		}
		if err := os.RemoveAll(filepath.Join(p.baseDir, entry.Name())); err != nil {
			return fmt.Errorf("remove %s: %w", entry.Name(), err)
		}
	}
	return nil
}
