package foam

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/3cpo-dev/flowgen/internal/raster"
	"github.com/3cpo-dev/flowgen/pkg/api"
)

// Column layout of the internalCloud sample: x y z p Ux Uy Uz.
const (
	colX = 0
	colY = 1
	colP = 3
	colU = 4
	colV = 5

	minColumns = colV + 1
)

// ReadSample loads a point sample file written by the solver.
func ReadSample(path string) (raster.Sample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, api.SolveErrorf("open sample: %w", err)
	}
	defer f.Close()
	return ParseSample(f)
}

// ParseSample reads whitespace-separated sample rows. Blank lines and lines
// starting with # are ignored. Row order is preserved.
func ParseSample(r io.Reader) (raster.Sample, error) {
	var sample raster.Sample
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) < minColumns {
			return nil, api.SolveErrorf("sample line %d: %d columns, need %d", line, len(fields), minColumns)
		}
		var vals [minColumns]float64
		for _, c := range []int{colX, colY, colP, colU, colV} {
			v, err := strconv.ParseFloat(fields[c], 64)
			if err != nil {
				return nil, api.SolveErrorf("sample line %d column %d: %w", line, c, err)
			}
			vals[c] = v
		}
		sample = append(sample, raster.Record{
			X:        vals[colX],
			Y:        vals[colY],
			Pressure: vals[colP],
			VelX:     vals[colU],
			VelY:     vals[colV],
		})
	}
	if err := sc.Err(); err != nil {
		return nil, api.SolveErrorf("read sample: %w", err)
	}
	return sample, nil
}
