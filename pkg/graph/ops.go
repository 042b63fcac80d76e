package graph

import "fmt"

// Channel and shape manipulation operations. All of these treat the trailing
// dimension as channels and preserve the leading (spatial/batch) dimensions.

// ConcatChannels concatenates tensors along the channel axis. All inputs must
// share their leading dimensions.
func (g *Graph) ConcatChannels(ts ...*Tensor) *Tensor {
	if len(ts) == 0 {
		panic("graph: ConcatChannels requires at least one tensor")
	}
	rows := ts[0].Rows()
	totalC := 0
	for _, t := range ts {
		if t.Rows() != rows {
			panic("graph: ConcatChannels: leading dimensions differ")
		}
		totalC += t.Channels()
	}
	outShape := make([]int, len(ts[0].Shape))
	copy(outShape, ts[0].Shape)
	outShape[len(outShape)-1] = totalC
	out := NewTensor(outShape...)

	offset := 0
	for _, t := range ts {
		c := t.Channels()
		for r := 0; r < rows; r++ {
			copy(out.Data[r*totalC+offset:r*totalC+offset+c], t.Data[r*c:(r+1)*c])
		}
		offset += c
	}
	g.addBackward(func() {
		off := 0
		for _, t := range ts {
			c := t.Channels()
			for r := 0; r < rows; r++ {
				for j := 0; j < c; j++ {
					t.Grad[r*c+j] += out.Grad[r*totalC+off+j]
				}
			}
			off += c
		}
	})
	return out
}

// SliceChannels extracts channels [from, to) of x.
func (g *Graph) SliceChannels(x *Tensor, from, to int) *Tensor {
	c := x.Channels()
	if from < 0 || to > c || from >= to {
		panic(fmt.Sprintf("graph: SliceChannels [%d,%d) out of range for %d channels", from, to, c))
	}
	rows := x.Rows()
	n := to - from
	outShape := make([]int, len(x.Shape))
	copy(outShape, x.Shape)
	outShape[len(outShape)-1] = n
	out := NewTensor(outShape...)
	for r := 0; r < rows; r++ {
		copy(out.Data[r*n:(r+1)*n], x.Data[r*c+from:r*c+to])
	}
	g.addBackward(func() {
		for r := 0; r < rows; r++ {
			for j := 0; j < n; j++ {
				x.Grad[r*c+from+j] += out.Grad[r*n+j]
			}
		}
	})
	return out
}

// MeanChannels averages channels [from, to) into a single trailing channel,
// keeping the leading dimensions. Used for the spin-echo window mean.
func (g *Graph) MeanChannels(x *Tensor, from, to int) *Tensor {
	c := x.Channels()
	if from < 0 || to > c || from >= to {
		panic(fmt.Sprintf("graph: MeanChannels [%d,%d) out of range for %d channels", from, to, c))
	}
	rows := x.Rows()
	n := float64(to - from)
	outShape := make([]int, len(x.Shape))
	copy(outShape, x.Shape)
	outShape[len(outShape)-1] = 1
	out := NewTensor(outShape...)
	for r := 0; r < rows; r++ {
		sum := 0.0
		for j := from; j < to; j++ {
			sum += x.Data[r*c+j]
		}
		out.Data[r] = sum / n
	}
	g.addBackward(func() {
		for r := 0; r < rows; r++ {
			go_ := out.Grad[r] / n
			for j := from; j < to; j++ {
				x.Grad[r*c+j] += go_
			}
		}
	})
	return out
}

// SumChannels sums all channels into a single trailing channel.
func (g *Graph) SumChannels(x *Tensor) *Tensor {
	c := x.Channels()
	rows := x.Rows()
	outShape := make([]int, len(x.Shape))
	copy(outShape, x.Shape)
	outShape[len(outShape)-1] = 1
	out := NewTensor(outShape...)
	for r := 0; r < rows; r++ {
		sum := 0.0
		for j := 0; j < c; j++ {
			sum += x.Data[r*c+j]
		}
		out.Data[r] = sum
	}
	g.addBackward(func() {
		for r := 0; r < rows; r++ {
			for j := 0; j < c; j++ {
				x.Grad[r*c+j] += out.Grad[r]
			}
		}
	})
	return out
}

// AddBroadcast adds the single-channel tensor a to every channel of x.
func (g *Graph) AddBroadcast(x, a *Tensor) *Tensor {
	if a.Channels() != 1 || a.Rows() != x.Rows() {
		panic("graph: AddBroadcast: addend must have one channel and matching rows")
	}
	c := x.Channels()
	rows := x.Rows()
	out := NewTensor(x.Shape...)
	for r := 0; r < rows; r++ {
		av := a.Data[r]
		for j := 0; j < c; j++ {
			out.Data[r*c+j] = x.Data[r*c+j] + av
		}
	}
	g.addBackward(func() {
		for r := 0; r < rows; r++ {
			for j := 0; j < c; j++ {
				go_ := out.Grad[r*c+j]
				x.Grad[r*c+j] += go_
				a.Grad[r] += go_
			}
		}
	})
	return out
}

// DivBroadcast divides every channel of x by the single-channel tensor d,
// which must share the leading dimensions of x.
func (g *Graph) DivBroadcast(x, d *Tensor) *Tensor {
	if d.Channels() != 1 || d.Rows() != x.Rows() {
		panic("graph: DivBroadcast: divisor must have one channel and matching rows")
	}
	c := x.Channels()
	rows := x.Rows()
	out := NewTensor(x.Shape...)
	for r := 0; r < rows; r++ {
		dv := d.Data[r]
		for j := 0; j < c; j++ {
			out.Data[r*c+j] = x.Data[r*c+j] / dv
		}
	}
	g.addBackward(func() {
		for r := 0; r < rows; r++ {
			dv := d.Data[r]
			for j := 0; j < c; j++ {
				go_ := out.Grad[r*c+j]
				x.Grad[r*c+j] += go_ / dv
				d.Grad[r] -= go_ * x.Data[r*c+j] / (dv * dv)
			}
		}
	})
	return out
}

// MulBroadcast multiplies every channel of x by the single-channel tensor m.
// Used for masking and shared gating.
func (g *Graph) MulBroadcast(x, m *Tensor) *Tensor {
	if m.Channels() != 1 || m.Rows() != x.Rows() {
		panic("graph: MulBroadcast: multiplier must have one channel and matching rows")
	}
	c := x.Channels()
	rows := x.Rows()
	out := NewTensor(x.Shape...)
	for r := 0; r < rows; r++ {
		mv := m.Data[r]
		for j := 0; j < c; j++ {
			out.Data[r*c+j] = x.Data[r*c+j] * mv
		}
	}
	g.addBackward(func() {
		for r := 0; r < rows; r++ {
			mv := m.Data[r]
			for j := 0; j < c; j++ {
				go_ := out.Grad[r*c+j]
				x.Grad[r*c+j] += go_ * mv
				m.Grad[r] += go_ * x.Data[r*c+j]
			}
		}
	})
	return out
}

// BroadcastChannels tiles the channel vector v (shape [C]) across all rows of
// the reference tensor, producing a tensor with like's leading dimensions and
// C channels. Gradients sum back into v. This is how global learned
// variables (population priors, global noise scales) enter the graph.
func (g *Graph) BroadcastChannels(v, like *Tensor) *Tensor {
	if len(v.Shape) != 1 {
		panic("graph: BroadcastChannels: v must be a flat channel vector")
	}
	c := v.Shape[0]
	rows := like.Rows()
	outShape := make([]int, len(like.Shape))
	copy(outShape, like.Shape)
	outShape[len(outShape)-1] = c
	out := NewTensor(outShape...)
	for r := 0; r < rows; r++ {
		copy(out.Data[r*c:(r+1)*c], v.Data)
	}
	g.addBackward(func() {
		for r := 0; r < rows; r++ {
			for j := 0; j < c; j++ {
				v.Grad[j] += out.Grad[r*c+j]
			}
		}
	})
	return out
}

// SumAll reduces the tensor to a scalar sum.
func (g *Graph) SumAll(x *Tensor) *Tensor {
	out := NewTensor(1)
	sum := 0.0
	for _, v := range x.Data {
		sum += v
	}
	out.Data[0] = sum
	g.addBackward(func() {
		go_ := out.Grad[0]
		for i := range x.Grad {
			x.Grad[i] += go_
		}
	})
	return out
}

// MeanAll reduces the tensor to a scalar mean.
func (g *Graph) MeanAll(x *Tensor) *Tensor {
	n := float64(x.Size())
	return g.MulScalar(g.SumAll(x), 1/n)
}

// TileBatch concatenates n copies of x along the batch (first) axis. The
// backward pass sums the replica gradients, which is exactly the Monte Carlo
// averaging semantics required for multi-sample training.
func (g *Graph) TileBatch(x *Tensor, n int) *Tensor {
	if n < 1 {
		panic("graph: TileBatch requires n >= 1")
	}
	if n == 1 {
		return x
	}
	outShape := make([]int, len(x.Shape))
	copy(outShape, x.Shape)
	outShape[0] *= n
	out := NewTensor(outShape...)
	size := x.Size()
	for i := 0; i < n; i++ {
		copy(out.Data[i*size:(i+1)*size], x.Data)
	}
	g.addBackward(func() {
		for i := 0; i < n; i++ {
			for j := 0; j < size; j++ {
				x.Grad[j] += out.Grad[i*size+j]
			}
		}
	})
	return out
}

// SliceAxis extracts indices [from, to) along the given axis, used for the
// finite differences of the total-variation penalty.
func (g *Graph) SliceAxis(x *Tensor, axis, from, to int) *Tensor {
	if axis < 0 || axis >= len(x.Shape) {
		panic("graph: SliceAxis: axis out of range")
	}
	if from < 0 || to > x.Shape[axis] || from >= to {
		panic(fmt.Sprintf("graph: SliceAxis [%d,%d) out of range for axis extent %d", from, to, x.Shape[axis]))
	}
	outShape := make([]int, len(x.Shape))
	copy(outShape, x.Shape)
	outShape[axis] = to - from
	out := NewTensor(outShape...)

	// Treat the tensor as [outer, axis, inner].
	outer := 1
	for i := 0; i < axis; i++ {
		outer *= x.Shape[i]
	}
	inner := 1
	for i := axis + 1; i < len(x.Shape); i++ {
		inner *= x.Shape[i]
	}
	extent := x.Shape[axis]
	n := to - from
	for o := 0; o < outer; o++ {
		for a := 0; a < n; a++ {
			src := (o*extent + from + a) * inner
			dst := (o*n + a) * inner
			copy(out.Data[dst:dst+inner], x.Data[src:src+inner])
		}
	}
	g.addBackward(func() {
		for o := 0; o < outer; o++ {
			for a := 0; a < n; a++ {
				src := (o*extent + from + a) * inner
				dst := (o*n + a) * inner
				for i := 0; i < inner; i++ {
					x.Grad[src+i] += out.Grad[dst+i]
				}
			}
		}
	})
	return out
}
