package dataset

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/3cpo-dev/flowgen/internal/raster"
	"github.com/3cpo-dev/flowgen/pkg/api"
)

// Artifact describes a persisted dataset file.
type Artifact struct {
	Path     string
	Checksum string
	Bytes    int64
}

// Writer persists tensors under Dir with a fixed codec.
type Writer struct {
	Dir   string
	Codec Codec
}

// NewWriter creates dir if needed.
func NewWriter(dir string, codec Codec) (*Writer, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("output directory is required")
	}
	if codec == nil {
		codec = NpzCodec{}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	return &Writer{Dir: dir, Codec: codec}, nil
}

// Path is where the artifact for spec lives.
func (w *Writer) Path(spec api.JobSpec) string {
	return Path(w.Dir, spec, w.Codec)
}

// Exists reports whether the artifact for spec is already on disk.
func (w *Writer) Exists(spec api.JobSpec) (bool, error) {
	_, err := os.Stat(w.Path(spec))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, api.IOErrorf("stat artifact: %w", err)
}

// Persist encodes t into a temporary file next to the target and renames it
// into place, so a reader never sees a partial artifact. An existing file for
// the same spec is replaced.
func (w *Writer) Persist(spec api.JobSpec, t *raster.FieldTensor) (Artifact, error) {
	target := w.Path(spec)
	tmp, err := os.CreateTemp(w.Dir, ".tmp-"+Name(spec)+"-*")
	if err != nil {
		return Artifact{}, api.IOErrorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if tmpName != "" {
			_ = os.Remove(tmpName)
		}
	}()

	h := blake3.New()
	counter := &countingWriter{w: io.MultiWriter(tmp, h)}
	if err := w.Codec.Encode(counter, t); err != nil {
		_ = tmp.Close()
		return Artifact{}, api.IOErrorf("encode %s: %w", filepath.Base(target), err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return Artifact{}, api.IOErrorf("sync %s: %w", filepath.Base(target), err)
	}
	if err := tmp.Close(); err != nil {
		return Artifact{}, api.IOErrorf("close %s: %w", filepath.Base(target), err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return Artifact{}, api.IOErrorf("chmod %s: %w", filepath.Base(target), err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return Artifact{}, api.IOErrorf("rename into %s: %w", filepath.Base(target), err)
	}
	tmpName = ""

	return Artifact{
		Path:     target,
		Checksum: "blake3:" + hex.EncodeToString(h.Sum(nil)),
		Bytes:    counter.n,
	}, nil
}

// Read decodes a dataset file, choosing the codec from its extension.
func Read(path string) (*raster.FieldTensor, error) {
	codec, err := CodecFor(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return codec.Decode(data)
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
