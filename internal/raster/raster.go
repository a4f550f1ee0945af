package raster

import (
	"fmt"
	"math"

	"github.com/3cpo-dev/flowgen/pkg/api"
)

// MatchTolerance is the per-axis distance under which a sample record is
// considered to sit on a grid point.
const MatchTolerance = 1e-4

// Record is one point reported by the solver.
type Record struct {
	X, Y     float64
	Pressure float64
	VelX     float64
	VelY     float64
}

// Sample is the solver output in scan order. Points inside solid geometry are
// absent.
type Sample []Record

// Options tunes mismatch detection.
type Options struct {
	// Required reports cells that must be covered by the sample. An uncovered
	// required cell means the solver output is truncated or misaligned.
	Required func(i, j int, x, y float64) bool
}

// GridX maps pixel index i to the physical x coordinate of the sampled
// sub-domain. The +0.5 shift places the airfoil chord in the middle.
func GridX(i, res int) float64 { return (float64(i)/float64(res)-0.5)*2 + 0.5 }

// GridY maps pixel index j to the physical y coordinate.
func GridY(j, res int) float64 { return (float64(j)/float64(res) - 0.5) * 2 }

// Cell returns the grid cell nearest to a physical point.
func Cell(x, y float64, res int) (i, j int) {
	i = int(math.Round(((x-0.5)/2 + 0.5) * float64(res)))
	j = int(math.Round((y/2 + 0.5) * float64(res)))
	return i, j
}

func matches(r Record, x, y float64) bool {
	return math.Abs(r.X-x) < MatchTolerance && math.Abs(r.Y-y) < MatchTolerance
}

// Rasterize merges sample into a res x res grid with a single cursor. Cells
// are visited j-major, i-minor, which is the order the solver reports its
// points in. A record that matches the current cell fills the output channels
// and advances the cursor; otherwise the cell is masked and the cursor waits
// for a later cell.
//
// The sample must be in scan order and contain only grid points. Anything
// else is reported as a raster mismatch instead of silently shifting fields.
func Rasterize(sample Sample, spec api.JobSpec, res int, opts Options) (*FieldTensor, error) {
	if res <= 0 {
		return nil, fmt.Errorf("resolution must be positive, got %d", res)
	}
	t := NewFieldTensor(res)
	cursor := 0
	for j := 0; j < res; j++ {
		y := GridY(j, res)
		for i := 0; i < res; i++ {
			x := GridX(i, res)
			t.Set(ChannelInflowX, i, j, spec.InflowX)
			t.Set(ChannelInflowY, i, j, spec.InflowY)

			if cursor < len(sample) {
				rec := sample[cursor]
				if matches(rec, x, y) {
					t.Set(ChannelPressure, i, j, rec.Pressure)
					t.Set(ChannelVelX, i, j, rec.VelX)
					t.Set(ChannelVelY, i, j, rec.VelY)
					cursor++
					continue
				}
				if ri, rj := Cell(rec.X, rec.Y, res); rj*res+ri < j*res+i {
					return nil, api.RasterMismatchf("record %d at (%g, %g) is behind cell (%d, %d) in scan order", cursor, rec.X, rec.Y, i, j)
				}
			}

			t.Set(ChannelMask, i, j, 1)
			if opts.Required != nil && opts.Required(i, j, x, y) {
				if cursor >= len(sample) {
					return nil, api.RasterMismatchf("sample ended after %d records, cell (%d, %d) not covered", len(sample), i, j)
				}
				return nil, api.RasterMismatchf("required cell (%d, %d) at (%g, %g) not covered", i, j, x, y)
			}
		}
	}
	if cursor != len(sample) {
		rec := sample[cursor]
		return nil, api.RasterMismatchf("%d of %d records left after scan, first at (%g, %g)", len(sample)-cursor, len(sample), rec.X, rec.Y)
	}
	return t, nil
}

// Box is an axis-aligned rectangle in physical coordinates.
type Box struct {
	MinX, MinY, MaxX, MaxY float64
}

// Pad grows the box by d on every side.
func (b Box) Pad(d float64) Box {
	return Box{MinX: b.MinX - d, MinY: b.MinY - d, MaxX: b.MaxX + d, MaxY: b.MaxY + d}
}

func (b Box) Contains(x, y float64) bool {
	return x >= b.MinX && x <= b.MaxX && y >= b.MinY && y <= b.MaxY
}

// RequireOutside marks every cell outside b as required: far from the
// geometry the solver reports every grid point.
func RequireOutside(b Box) func(i, j int, x, y float64) bool {
	return func(_, _ int, x, y float64) bool { return !b.Contains(x, y) }
}
