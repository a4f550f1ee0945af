package ssh

import (
	"fmt"
	"io"
	"os"
	"path"

	"github.com/pkg/sftp"
	xssh "golang.org/x/crypto/ssh"
)

// Uploader pushes files over one SFTP session.
type Uploader struct {
	sf *sftp.Client
}

// NewUploader opens an SFTP session on an established connection.
func NewUploader(client *xssh.Client) (*Uploader, error) {
	sf, err := sftp.NewClient(client)
	if err != nil {
		return nil, fmt.Errorf("sftp client: %w", err)
	}
	return &Uploader{sf: sf}, nil
}

// PushFile uploads localPath to remotePath. The data is written to a .part
// file first and renamed once its size matches the local file.
func (u *Uploader) PushFile(localPath, remotePath string) (int64, error) {
	if err := u.sf.MkdirAll(path.Dir(remotePath)); err != nil {
		return 0, fmt.Errorf("mkdir remote: %w", err)
	}
	src, err := os.Open(localPath)
	if err != nil {
		return 0, fmt.Errorf("open local: %w", err)
	}
	defer src.Close()

	part := remotePath + ".part"
	dst, err := u.sf.Create(part)
	if err != nil {
		return 0, fmt.Errorf("create remote: %w", err)
	}
	n, err := io.Copy(dst, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = u.sf.Remove(part)
		return 0, fmt.Errorf("copy: %w", err)
	}

	info, err := u.sf.Stat(part)
	if err != nil {
		return 0, fmt.Errorf("stat remote: %w", err)
	}
	if info.Size() != n {
		_ = u.sf.Remove(part)
		return 0, fmt.Errorf("size mismatch: wrote %d bytes, remote has %d", n, info.Size())
	}
	if err := u.sf.PosixRename(part, remotePath); err != nil {
		// Servers without the posix-rename extension refuse to overwrite.
		_ = u.sf.Remove(remotePath)
		if err := u.sf.Rename(part, remotePath); err != nil {
			return 0, fmt.Errorf("rename remote: %w", err)
		}
	}
	return n, nil
}

func (u *Uploader) Close() error { return u.sf.Close() }
