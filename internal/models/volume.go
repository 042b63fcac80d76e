// Package models holds the shared data types passed between the dataset,
// encoder and export layers.
package models

import (
	"fmt"

	"golang.org/x/exp/rand"

	"qboldnet/pkg/graph"
)

// SignalVolume is a 4D multi-echo magnitude volume stored flat in
// [x, y, z, echo] order.
type SignalVolume struct {
	// Data is the voxel data in row-major order, echoes fastest.
	Data []float64

	// Width, Height and Depth are the spatial extents in voxels.
	Width, Height, Depth int

	// Echoes is the number of acquired echoes per voxel.
	Echoes int
}

// NewSignalVolume allocates a zero volume of the given extents.
func NewSignalVolume(width, height, depth, echoes int) *SignalVolume {
	return &SignalVolume{
		Data:   make([]float64, width*height*depth*echoes),
		Width:  width,
		Height: height,
		Depth:  depth,
		Echoes: echoes,
	}
}

// Voxels returns the number of spatial voxels.
func (v *SignalVolume) Voxels() int { return v.Width * v.Height * v.Depth }

// Tensor returns the volume as a [1, x, y, z, echoes] graph tensor.
func (v *SignalVolume) Tensor() *graph.Tensor {
	return graph.NewConst(v.Data, 1, v.Width, v.Height, v.Depth, v.Echoes)
}

// Mask marks valid tissue voxels of a volume with ones.
type Mask struct {
	Data                 []float64
	Width, Height, Depth int
}

// NewMask allocates an all-zero mask.
func NewMask(width, height, depth int) *Mask {
	return &Mask{
		Data:   make([]float64, width*height*depth),
		Width:  width,
		Height: height,
		Depth:  depth,
	}
}

// FullMask returns a mask with every voxel valid.
func FullMask(width, height, depth int) *Mask {
	m := NewMask(width, height, depth)
	for i := range m.Data {
		m.Data[i] = 1
	}
	return m
}

// Sum returns the number of valid voxels.
func (m *Mask) Sum() float64 {
	s := 0.0
	for _, v := range m.Data {
		s += v
	}
	return s
}

// Tensor returns the mask as a single-channel [1, x, y, z, 1] graph tensor.
func (m *Mask) Tensor() *graph.Tensor {
	return graph.NewConst(m.Data, 1, m.Width, m.Height, m.Depth, 1)
}

// ParameterMap is a per-voxel map of estimated quantities (OEF, DBV, R2'
// or their spreads), one channel per quantity.
type ParameterMap struct {
	Data                 []float64
	Width, Height, Depth int
	Channels             int

	// Names labels the channels, e.g. ["oef", "dbv", "r2p"].
	Names []string
}

// NewParameterMap allocates a zero map with the given channel names.
func NewParameterMap(width, height, depth int, names []string) *ParameterMap {
	return &ParameterMap{
		Data:     make([]float64, width*height*depth*len(names)),
		Width:    width,
		Height:   height,
		Depth:    depth,
		Channels: len(names),
		Names:    names,
	}
}

// Channel extracts one named channel as a flat spatial volume.
func (p *ParameterMap) Channel(name string) ([]float64, error) {
	idx := -1
	for i, n := range p.Names {
		if n == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("models: parameter map has no channel %q (have %v)", name, p.Names)
	}
	out := make([]float64, p.Width*p.Height*p.Depth)
	for v := range out {
		out[v] = p.Data[v*p.Channels+idx]
	}
	return out, nil
}

// Batch is one training batch: a signal tensor of shape
// [batch, x, y, z, echoes], an optional ground-truth tensor of shape
// [batch, x, y, z, 3] (OEF, DBV, R2') and a mask tensor [batch, x, y, z, 1].
type Batch struct {
	Signal *graph.Tensor
	Truth  *graph.Tensor
	Mask   *graph.Tensor
}

// RandomCrop extracts a random in-plane crop of size cropXY from the signal
// and mask of a subject, keeping the full depth and echo dimensions. This is
// the fine-tuning augmentation applied to real volumes.
func RandomCrop(signal *SignalVolume, mask *Mask, cropXY int, rng *rand.Rand) (*SignalVolume, *Mask, error) {
	if cropXY > signal.Width || cropXY > signal.Height {
		return nil, nil, fmt.Errorf("models: crop %d exceeds volume extent %dx%d", cropXY, signal.Width, signal.Height)
	}
	x0 := rng.Intn(signal.Width - cropXY + 1)
	y0 := rng.Intn(signal.Height - cropXY + 1)

	cs := NewSignalVolume(cropXY, cropXY, signal.Depth, signal.Echoes)
	cm := NewMask(cropXY, cropXY, signal.Depth)
	for x := 0; x < cropXY; x++ {
		for y := 0; y < cropXY; y++ {
			for z := 0; z < signal.Depth; z++ {
				srcVox := ((x0+x)*signal.Height+(y0+y))*signal.Depth + z
				dstVox := (x*cropXY+y)*signal.Depth + z
				copy(cs.Data[dstVox*cs.Echoes:(dstVox+1)*cs.Echoes],
					signal.Data[srcVox*signal.Echoes:(srcVox+1)*signal.Echoes])
				cm.Data[dstVox] = mask.Data[srcVox]
			}
		}
	}
	return cs, cm, nil
}
