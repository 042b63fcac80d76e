// Package graph implements a small reverse-mode automatic differentiation
// engine over dense float64 tensors. Tensors are stored flat in row-major
// order with an explicit shape; the last dimension is treated as the channel
// axis by the channel-wise operations. Volumes used elsewhere in this module
// follow the layout [batch, x, y, z, channels].
package graph

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
)

// Tensor is a dense multi-dimensional array with a gradient buffer of the
// same size. Tensors are not safe for concurrent mutation.
type Tensor struct {
	// Data holds the values flat in row-major order.
	Data []float64

	// Grad accumulates gradients during the backward pass.
	Grad []float64

	// Shape holds the dimensions, e.g. [batch, x, y, z, channels].
	Shape []int
}

// NewTensor creates a zero-initialized tensor with the given shape.
// Shape errors are programmer bugs and panic rather than returning an error.
func NewTensor(shape ...int) *Tensor {
	if len(shape) == 0 {
		panic("graph: tensor shape cannot be empty")
	}
	size := 1
	for i, d := range shape {
		if d <= 0 {
			panic(fmt.Sprintf("graph: shape[%d] must be positive, got %d", i, d))
		}
		size *= d
	}
	shapeCopy := make([]int, len(shape))
	copy(shapeCopy, shape)
	return &Tensor{
		Data:  make([]float64, size),
		Grad:  make([]float64, size),
		Shape: shapeCopy,
	}
}

// NewTensorRand creates a tensor with normally distributed values of the
// given standard deviation.
func NewTensorRand(rng *rand.Rand, stddev float64, shape ...int) *Tensor {
	t := NewTensor(shape...)
	for i := range t.Data {
		t.Data[i] = rng.NormFloat64() * stddev
	}
	return t
}

// NewTensorHe creates a tensor initialized with He-normal weights for a
// layer with the given fan-in.
func NewTensorHe(rng *rand.Rand, fanIn int, shape ...int) *Tensor {
	if fanIn <= 0 {
		panic("graph: He initialization requires positive fan-in")
	}
	return NewTensorRand(rng, math.Sqrt(2.0/float64(fanIn)), shape...)
}

// NewConst creates a tensor from existing values. The data slice is copied.
func NewConst(data []float64, shape ...int) *Tensor {
	t := NewTensor(shape...)
	if len(data) != len(t.Data) {
		panic(fmt.Sprintf("graph: data length %d does not match shape %v", len(data), shape))
	}
	copy(t.Data, data)
	return t
}

// NewScalar creates a single-element tensor holding v.
func NewScalar(v float64) *Tensor {
	t := NewTensor(1)
	t.Data[0] = v
	return t
}

// Size returns the number of elements.
func (t *Tensor) Size() int { return len(t.Data) }

// Channels returns the extent of the trailing (channel) dimension.
func (t *Tensor) Channels() int { return t.Shape[len(t.Shape)-1] }

// Rows returns the number of channel vectors, i.e. Size()/Channels().
func (t *Tensor) Rows() int { return len(t.Data) / t.Channels() }

// At returns the element at the given indices.
func (t *Tensor) At(indices ...int) float64 {
	return t.Data[t.flatIndex(indices)]
}

// Set stores v at the given indices.
func (t *Tensor) Set(v float64, indices ...int) {
	t.Data[t.flatIndex(indices)] = v
}

func (t *Tensor) flatIndex(indices []int) int {
	if len(indices) != len(t.Shape) {
		panic(fmt.Sprintf("graph: expected %d indices, got %d", len(t.Shape), len(indices)))
	}
	idx := 0
	stride := 1
	for i := len(indices) - 1; i >= 0; i-- {
		if indices[i] < 0 || indices[i] >= t.Shape[i] {
			panic(fmt.Sprintf("graph: index[%d]=%d out of bounds [0,%d)", i, indices[i], t.Shape[i]))
		}
		idx += indices[i] * stride
		stride *= t.Shape[i]
	}
	return idx
}

// Reshape returns a view over the same data with a new shape. The element
// count must match; data and gradients are shared with the receiver.
func (t *Tensor) Reshape(shape ...int) *Tensor {
	size := 1
	for _, d := range shape {
		size *= d
	}
	if size != len(t.Data) {
		panic(fmt.Sprintf("graph: cannot reshape %v (size %d) to %v", t.Shape, len(t.Data), shape))
	}
	shapeCopy := make([]int, len(shape))
	copy(shapeCopy, shape)
	return &Tensor{Data: t.Data, Grad: t.Grad, Shape: shapeCopy}
}

// Clone returns a deep copy of the tensor values. Gradients are not copied.
func (t *Tensor) Clone() *Tensor {
	c := NewTensor(t.Shape...)
	copy(c.Data, t.Data)
	return c
}

// ZeroGrad clears the gradient buffer.
func (t *Tensor) ZeroGrad() {
	for i := range t.Grad {
		t.Grad[i] = 0
	}
}

// Fill sets every element to v.
func (t *Tensor) Fill(v float64) {
	for i := range t.Data {
		t.Data[i] = v
	}
}

// String returns a short description for debugging.
func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, size=%d)", t.Shape, len(t.Data))
}

func shapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
