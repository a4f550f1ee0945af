package dataset

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
	xssh "golang.org/x/crypto/ssh"

	gssh "github.com/3cpo-dev/flowgen/internal/ssh"
)

// Pusher uploads one persisted artifact to a remote store.
type Pusher interface {
	Push(ctx context.Context, a Artifact) error
	Close() error
}

// RemoteSync pushes artifacts over SFTP into RemoteDir. The connection is
// opened lazily and reopened after a failed upload.
type RemoteSync struct {
	Client    *gssh.Client
	RemoteDir string

	mu       sync.Mutex
	conn     *xssh.Client
	uploader *gssh.Uploader
}

var _ Pusher = (*RemoteSync)(nil)

func (r *RemoteSync) connect(ctx context.Context) error {
	if r.uploader != nil {
		return nil
	}
	conn, err := gssh.Dial(ctx, r.Client)
	if err != nil {
		return err
	}
	up, err := gssh.NewUploader(conn)
	if err != nil {
		_ = conn.Close()
		return err
	}
	r.conn, r.uploader = conn, up
	return nil
}

func (r *RemoteSync) reset() {
	if r.uploader != nil {
		_ = r.uploader.Close()
	}
	if r.conn != nil {
		_ = r.conn.Close()
	}
	r.conn, r.uploader = nil, nil
}

// Push uploads a under its base name. Uploads are serialized over the single
// session.
func (r *RemoteSync) Push(ctx context.Context, a Artifact) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.connect(ctx); err != nil {
		return fmt.Errorf("connect to %s: %w", r.Client.Addr, err)
	}
	remote := path.Join(r.RemoteDir, filepath.Base(a.Path))
	n, err := r.uploader.PushFile(a.Path, remote)
	if err != nil {
		r.reset()
		return fmt.Errorf("push %s: %w", filepath.Base(a.Path), err)
	}
	log.Debug().Str("remote", remote).Int64("bytes", n).Msg("artifact synced")
	return nil
}

func (r *RemoteSync) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reset()
	return nil
}
