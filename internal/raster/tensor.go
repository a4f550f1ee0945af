// Package raster turns the solver's scattered point sample into the dense
// multi-channel tensor used as training data.
package raster

import "fmt"

// Channel layout of a FieldTensor.
const (
	ChannelInflowX = iota
	ChannelInflowY
	ChannelMask
	ChannelPressure
	ChannelVelX
	ChannelVelY

	NumChannels
)

var channelNames = [NumChannels]string{"inflow_x", "inflow_y", "mask", "pressure", "vel_x", "vel_y"}

// ChannelName returns a short label for channel c.
func ChannelName(c int) string {
	if c < 0 || c >= NumChannels {
		return fmt.Sprintf("channel_%d", c)
	}
	return channelNames[c]
}

// FieldTensor is a dense (NumChannels, Res, Res) array in C order. The first
// spatial index i follows the x pixel, the second j the y pixel.
type FieldTensor struct {
	Res  int
	Data []float64
}

func NewFieldTensor(res int) *FieldTensor {
	return &FieldTensor{Res: res, Data: make([]float64, NumChannels*res*res)}
}

// Shape returns the tensor dimensions.
func (t *FieldTensor) Shape() [3]int { return [3]int{NumChannels, t.Res, t.Res} }

func (t *FieldTensor) offset(c, i, j int) int { return c*t.Res*t.Res + i*t.Res + j }

func (t *FieldTensor) At(c, i, j int) float64 { return t.Data[t.offset(c, i, j)] }

func (t *FieldTensor) Set(c, i, j int, v float64) { t.Data[t.offset(c, i, j)] = v }

// Channel returns the backing slice of channel c.
func (t *FieldTensor) Channel(c int) []float64 {
	n := t.Res * t.Res
	return t.Data[c*n : (c+1)*n]
}

// Occluded counts the cells with mask set.
func (t *FieldTensor) Occluded() int {
	n := 0
	for _, v := range t.Channel(ChannelMask) {
		if v != 0 {
			n++
		}
	}
	return n
}

// ChannelStats summarizes one channel.
type ChannelStats struct {
	Min, Max, Mean float64
}

func (t *FieldTensor) Stats(c int) ChannelStats {
	ch := t.Channel(c)
	if len(ch) == 0 {
		return ChannelStats{}
	}
	s := ChannelStats{Min: ch[0], Max: ch[0]}
	sum := 0.0
	for _, v := range ch {
		if v < s.Min {
			s.Min = v
		}
		if v > s.Max {
			s.Max = v
		}
		sum += v
	}
	s.Mean = sum / float64(len(ch))
	return s
}
