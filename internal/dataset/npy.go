package dataset

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/3cpo-dev/flowgen/internal/raster"
)

// numpy .npy format, version 1.0, little-endian float64, C order.

var npyMagic = []byte("\x93NUMPY")

const npyAlign = 64

var (
	errNotNpy = errors.New("not a numpy array file")

	shapeRe = regexp.MustCompile(`'shape':\s*\(([^)]*)\)`)
	descrRe = regexp.MustCompile(`'descr':\s*'([^']*)'`)
)

func npyHeader(res int) []byte {
	dict := fmt.Sprintf("{'descr': '<f8', 'fortran_order': False, 'shape': (%d, %d, %d), }",
		raster.NumChannels, res, res)
	// magic(6) + version(2) + length(2) + dict + padding + '\n'
	total := len(npyMagic) + 4 + len(dict) + 1
	pad := (npyAlign - total%npyAlign) % npyAlign
	dict += strings.Repeat(" ", pad) + "\n"

	var b bytes.Buffer
	b.Write(npyMagic)
	b.Write([]byte{1, 0})
	_ = binary.Write(&b, binary.LittleEndian, uint16(len(dict)))
	b.WriteString(dict)
	return b.Bytes()
}

// writeNpy writes t as a (6, R, R) float64 array.
func writeNpy(w io.Writer, t *raster.FieldTensor) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.Write(npyHeader(t.Res)); err != nil {
		return err
	}
	var buf [8]byte
	for _, v := range t.Data {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		if _, err := bw.Write(buf[:]); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// readNpy parses an array written by writeNpy or by numpy.save with the
// same dtype and shape.
func readNpy(data []byte) (*raster.FieldTensor, error) {
	if len(data) < 10 || !bytes.Equal(data[:6], npyMagic) {
		return nil, errNotNpy
	}
	var hlen, off int
	switch data[6] {
	case 1:
		hlen, off = int(binary.LittleEndian.Uint16(data[8:10])), 10
	case 2, 3:
		if len(data) < 12 {
			return nil, errNotNpy
		}
		hlen, off = int(binary.LittleEndian.Uint32(data[8:12])), 12
	default:
		return nil, fmt.Errorf("unsupported npy version %d.%d", data[6], data[7])
	}
	if len(data) < off+hlen {
		return nil, fmt.Errorf("truncated npy header")
	}
	header := string(data[off : off+hlen])
	body := data[off+hlen:]

	if m := descrRe.FindStringSubmatch(header); m == nil || m[1] != "<f8" {
		return nil, fmt.Errorf("unsupported dtype in header %q", strings.TrimSpace(header))
	}
	if strings.Contains(header, "'fortran_order': True") {
		return nil, fmt.Errorf("fortran-ordered arrays are not supported")
	}
	m := shapeRe.FindStringSubmatch(header)
	if m == nil {
		return nil, fmt.Errorf("no shape in header %q", strings.TrimSpace(header))
	}
	var dims []int
	for _, part := range strings.Split(m[1], ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("bad shape %q: %w", m[1], err)
		}
		dims = append(dims, d)
	}
	if len(dims) != 3 || dims[0] != raster.NumChannels || dims[1] != dims[2] || dims[1] <= 0 {
		return nil, fmt.Errorf("shape %v is not (%d, R, R)", dims, raster.NumChannels)
	}

	t := raster.NewFieldTensor(dims[1])
	if len(body) != 8*len(t.Data) {
		return nil, fmt.Errorf("array body is %d bytes, want %d", len(body), 8*len(t.Data))
	}
	for n := range t.Data {
		t.Data[n] = math.Float64frombits(binary.LittleEndian.Uint64(body[8*n:]))
	}
	return t, nil
}
