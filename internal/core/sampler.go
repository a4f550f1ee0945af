package core

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/3cpo-dev/flowgen/internal/foam"
	"github.com/3cpo-dev/flowgen/pkg/api"
)

// pcgIncrement is mixed into the seed to derive the second PCG word.
const pcgIncrement = 0x9e3779b97f4a7c15

// SamplingBounds limits the freestream draw.
type SamplingBounds struct {
	MaxAngle     float64
	BaseLength   float64
	LengthFactor float64
}

// Sampler draws JobSpecs from a seeded stream. It is not safe for concurrent
// use; a single producer owns it so that the sequence does not depend on how
// many workers consume it.
type Sampler struct {
	geometries []string
	bounds     SamplingBounds
	rng        *rand.Rand
	next       int
}

// NewSeed draws a fresh seed for runs that do not configure one.
func NewSeed() uint64 { return rand.Uint64() }

// NewSampler returns a sampler over geometries, which must be sorted.
func NewSampler(geometries []string, seed uint64, b SamplingBounds) (*Sampler, error) {
	if len(geometries) == 0 {
		return nil, fmt.Errorf("geometry set is empty")
	}
	if b.BaseLength <= 0 || b.LengthFactor < 1 || b.MaxAngle < 0 {
		return nil, fmt.Errorf("invalid sampling bounds %+v", b)
	}
	return &Sampler{
		geometries: geometries,
		bounds:     b,
		rng:        rand.New(rand.NewPCG(seed, seed^pcgIncrement)),
	}, nil
}

func (s *Sampler) uniform(lo, hi float64) float64 {
	return lo + (hi-lo)*s.rng.Float64()
}

// angle draws from the open interval (-MaxAngle, MaxAngle).
func (s *Sampler) angle() float64 {
	for {
		a := s.uniform(-s.bounds.MaxAngle, s.bounds.MaxAngle)
		if a != -s.bounds.MaxAngle || s.bounds.MaxAngle == 0 {
			return a
		}
	}
}

// Draw returns the next JobSpec. Geometry, then length, then angle are drawn
// in that order.
func (s *Sampler) Draw() api.JobSpec {
	path := s.geometries[s.rng.IntN(len(s.geometries))]
	length := s.bounds.BaseLength * s.uniform(1, s.bounds.LengthFactor)
	angle := s.angle()

	spec := api.JobSpec{
		Index:        s.next,
		Geometry:     foam.GeometryName(path),
		GeometryPath: path,
		Angle:        angle,
		Length:       length,
		InflowX:      math.Cos(angle) * length,
		InflowY:      -math.Sin(angle) * length,
	}
	s.next++
	return spec
}
