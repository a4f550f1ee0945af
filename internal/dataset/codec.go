package dataset

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"
	"github.com/pierrec/lz4/v4"

	"github.com/3cpo-dev/flowgen/internal/raster"
)

// Codec turns a tensor into file bytes and back.
type Codec interface {
	// Name is the configuration value that selects the codec.
	Name() string
	// Ext is the file extension, including the leading dot.
	Ext() string
	Encode(w io.Writer, t *raster.FieldTensor) error
	Decode(data []byte) (*raster.FieldTensor, error)
}

const (
	CodecNpz = "npz"
	CodecLZ4 = "lz4"
)

// npzMember is the array name inside the archive; numpy.load exposes it as
// data["a"].
const npzMember = "a.npy"

// ParseCodec selects a codec by configuration name.
func ParseCodec(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", CodecNpz:
		return NpzCodec{}, nil
	case CodecLZ4:
		return LZ4Codec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q (want %s or %s)", name, CodecNpz, CodecLZ4)
	}
}

// CodecFor picks the codec that wrote path, judging by its extension.
func CodecFor(path string) (Codec, error) {
	for _, c := range []Codec{NpzCodec{}, LZ4Codec{}} {
		if strings.HasSuffix(path, c.Ext()) {
			return c, nil
		}
	}
	return nil, fmt.Errorf("unrecognized dataset file %q", path)
}

// NpzCodec writes a deflate-compressed zip holding a single a.npy member,
// the layout numpy.savez_compressed produces.
type NpzCodec struct{}

func (NpzCodec) Name() string { return CodecNpz }
func (NpzCodec) Ext() string  { return ".npz" }

func (NpzCodec) Encode(w io.Writer, t *raster.FieldTensor) error {
	zw := zip.NewWriter(w)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.DefaultCompression)
	})
	member, err := zw.CreateHeader(&zip.FileHeader{Name: npzMember, Method: zip.Deflate})
	if err != nil {
		return fmt.Errorf("create %s: %w", npzMember, err)
	}
	if err := writeNpy(member, t); err != nil {
		return fmt.Errorf("write %s: %w", npzMember, err)
	}
	return zw.Close()
}

func (NpzCodec) Decode(data []byte) (*raster.FieldTensor, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open npz: %w", err)
	}
	for _, f := range zr.File {
		if f.Name != npzMember {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", npzMember, err)
		}
		raw, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", npzMember, err)
		}
		return readNpy(raw)
	}
	return nil, fmt.Errorf("npz has no %s member", npzMember)
}

// LZ4Codec writes a raw .npy stream in an LZ4 frame.
type LZ4Codec struct{}

func (LZ4Codec) Name() string { return CodecLZ4 }
func (LZ4Codec) Ext() string  { return ".npy.lz4" }

func (LZ4Codec) Encode(w io.Writer, t *raster.FieldTensor) error {
	zw := lz4.NewWriter(w)
	if err := writeNpy(zw, t); err != nil {
		return err
	}
	return zw.Close()
}

func (LZ4Codec) Decode(data []byte) (*raster.FieldTensor, error) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(lz4.NewReader(bytes.NewReader(data))); err != nil {
		return nil, fmt.Errorf("decompress lz4: %w", err)
	}
	return readNpy(buf.Bytes())
}
