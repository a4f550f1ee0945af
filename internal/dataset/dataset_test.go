package dataset

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/flowgen/internal/raster"
	"github.com/3cpo-dev/flowgen/pkg/api"
)

func sampleTensor(res int) *raster.FieldTensor {
	t := raster.NewFieldTensor(res)
	for n := range t.Data {
		t.Data[n] = float64(n)*0.25 - 3
	}
	return t
}

func TestNameMatchesTrainingLayout(t *testing.T) {
	spec := api.JobSpec{Index: 42, Geometry: "naca2412", InflowX: 93.456, InflowY: -12.349}
	assert.Equal(t, "naca2412_0000042_009345_-01234", Name(spec))

	small := api.JobSpec{Index: 7, Geometry: "e387", InflowX: 0.009, InflowY: -0.009}
	assert.Equal(t, "e387_0000007_000000_000000", Name(small))

	assert.Equal(t, filepath.Join("out", "naca2412_0000042_009345_-01234.npz"), Path("out", spec, NpzCodec{}))
	assert.Equal(t, filepath.Join("out", "naca2412_0000042_009345_-01234.npy.lz4"), Path("out", spec, LZ4Codec{}))
}

func TestNpyHeaderAlignment(t *testing.T) {
	for _, res := range []int{1, 4, 32, 128, 1000} {
		h := npyHeader(res)
		assert.Zero(t, len(h)%npyAlign, "res %d", res)
		assert.Equal(t, byte('\n'), h[len(h)-1])
		assert.Equal(t, len(h)-10, int(binary.LittleEndian.Uint16(h[8:10])))
		assert.Contains(t, string(h), "'shape': (6, ")
	}
}

func TestNpzRoundTrip(t *testing.T) {
	in := sampleTensor(8)
	var buf bytes.Buffer
	require.NoError(t, NpzCodec{}.Encode(&buf, in))

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	require.Len(t, zr.File, 1)
	assert.Equal(t, "a.npy", zr.File[0].Name)
	assert.Equal(t, zip.Deflate, zr.File[0].Method)

	out, err := NpzCodec{}.Decode(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, in.Res, out.Res)
	assert.Equal(t, in.Data, out.Data)
}

func TestLZ4RoundTrip(t *testing.T) {
	in := sampleTensor(16)
	var buf bytes.Buffer
	require.NoError(t, LZ4Codec{}.Encode(&buf, in))
	out, err := LZ4Codec{}.Decode(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, in.Data, out.Data)
}

func TestReadNpyRejectsWrongShape(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeNpy(&buf, sampleTensor(2)))
	data := bytes.Replace(buf.Bytes(), []byte("(6, 2, 2)"), []byte("(5, 2, 2)"), 1)
	_, err := readNpy(data)
	assert.Error(t, err)

	_, err = readNpy(buf.Bytes()[:len(buf.Bytes())-8])
	assert.Error(t, err)

	_, err = readNpy([]byte("PK\x03\x04 not numpy"))
	assert.ErrorIs(t, err, errNotNpy)
}

func TestParseCodec(t *testing.T) {
	c, err := ParseCodec("")
	require.NoError(t, err)
	assert.Equal(t, CodecNpz, c.Name())
	c, err = ParseCodec("LZ4")
	require.NoError(t, err)
	assert.Equal(t, CodecLZ4, c.Name())
	_, err = ParseCodec("hdf5")
	assert.Error(t, err)

	c, err = CodecFor("x/a_0000001_000001_000001.npy.lz4")
	require.NoError(t, err)
	assert.Equal(t, CodecLZ4, c.Name())
	_, err = CodecFor("x/readme.txt")
	assert.Error(t, err)
}

func TestWriterPersistIsIdempotent(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "train")
	w, err := NewWriter(dir, NpzCodec{})
	require.NoError(t, err)
	spec := api.JobSpec{Index: 3, Geometry: "naca0012", InflowX: 10, InflowY: -1}

	exists, err := w.Exists(spec)
	require.NoError(t, err)
	assert.False(t, exists)

	first, err := w.Persist(spec, sampleTensor(4))
	require.NoError(t, err)
	assert.Equal(t, w.Path(spec), first.Path)
	assert.True(t, strings.HasPrefix(first.Checksum, "blake3:"))
	info, err := os.Stat(first.Path)
	require.NoError(t, err)
	assert.Equal(t, info.Size(), first.Bytes)

	// Same spec, same tensor: same file, same bytes.
	second, err := w.Persist(spec, sampleTensor(4))
	require.NoError(t, err)
	assert.Equal(t, first, second)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files must not be left behind")

	exists, err = w.Exists(spec)
	require.NoError(t, err)
	assert.True(t, exists)

	got, err := Read(first.Path)
	require.NoError(t, err)
	assert.Equal(t, sampleTensor(4).Data, got.Data)
}

func TestWriterReportsIOError(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, LZ4Codec{})
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(dir))

	_, err = w.Persist(api.JobSpec{Geometry: "g"}, sampleTensor(2))
	assert.ErrorIs(t, err, api.ErrIO)
	assert.True(t, api.IsSystemic(err))
}
