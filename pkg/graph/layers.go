package graph

import (
	"math"

	"golang.org/x/exp/rand"
)

// ConvLayer is a persistent 3D convolution with an optional built-in
// activation. Its weights survive across graphs; Apply threads them through
// the current tape.
type ConvLayer struct {
	W    *Tensor // [kx, ky, kz, inC, outC]
	B    *Tensor // [outC]
	Act  Activation
	name string
}

// NewPointwiseLayer creates a 1x1x1 (channel-mixing) convolution with
// He-normal weights, matching the pointwise projections of the encoder.
func NewPointwiseLayer(rng *rand.Rand, inC, outC int, act Activation, name string) *ConvLayer {
	return &ConvLayer{
		W:    NewTensorHe(rng, inC, 1, 1, 1, inC, outC),
		B:    NewTensor(outC),
		Act:  act,
		name: name,
	}
}

// NewConvLayer creates a convolution with the given kernel extents and
// normally distributed weights of standard deviation initStd.
func NewConvLayer(rng *rand.Rand, kx, ky, kz, inC, outC int, initStd float64, act Activation, name string) *ConvLayer {
	return &ConvLayer{
		W:    NewTensorRand(rng, initStd, kx, ky, kz, inC, outC),
		B:    NewTensor(outC),
		Act:  act,
		name: name,
	}
}

// Apply runs the convolution and activation on x within graph g.
func (l *ConvLayer) Apply(g *Graph, x *Tensor) *Tensor {
	out := g.Conv3D(x, l.W, l.B)
	return g.Activate(out, l.Act)
}

// Params returns the trainable tensors of the layer.
func (l *ConvLayer) Params() []*Tensor { return []*Tensor{l.W, l.B} }

// Name identifies the layer in diagnostics.
func (l *ConvLayer) Name() string { return l.name }

// SetBias fills the bias with a constant, used to steer initial predictions
// (e.g. a noise head starting near a configured prior scale).
func (l *ConvLayer) SetBias(v float64) {
	l.B.Fill(v)
}

// NormLayer holds the learned gain/offset of a single-group channel
// normalization.
type NormLayer struct {
	Gamma   *Tensor
	Beta    *Tensor
	Epsilon float64
}

// NewNormLayer creates a channel normalization over c channels with unit
// gain and zero offset.
func NewNormLayer(c int) *NormLayer {
	n := &NormLayer{Gamma: NewTensor(c), Beta: NewTensor(c), Epsilon: 1e-5}
	n.Gamma.Fill(1)
	return n
}

// Apply normalizes x within graph g.
func (n *NormLayer) Apply(g *Graph, x *Tensor) *Tensor {
	return g.ChannelNorm(x, n.Gamma, n.Beta, n.Epsilon)
}

// Params returns the trainable tensors of the layer.
func (n *NormLayer) Params() []*Tensor { return []*Tensor{n.Gamma, n.Beta} }

// Dropout zeroes each element with probability rate and rescales the
// survivors (inverted dropout). A nil rng or non-positive rate is a no-op,
// which is also the inference path.
func (g *Graph) Dropout(x *Tensor, rate float64, rng *rand.Rand) *Tensor {
	if rate <= 0 || rng == nil || !g.NeedsBackprop {
		return x
	}
	if rate >= 1 {
		panic("graph: Dropout rate must be < 1")
	}
	keep := 1 - rate
	scale := 1 / keep
	mask := make([]float64, x.Size())
	out := NewTensor(x.Shape...)
	for i := range x.Data {
		if rng.Float64() < keep {
			mask[i] = scale
			out.Data[i] = x.Data[i] * scale
		}
	}
	g.addBackward(func() {
		for i := range x.Data {
			x.Grad[i] += out.Grad[i] * mask[i]
		}
	})
	return out
}

// GlobalVar is a spatially constant learned variable with an optional exp
// activation, broadcast across all voxels when it enters a graph. Population
// priors and the homoscedastic noise scale are GlobalVars; each trained model
// owns its own instances.
type GlobalVar struct {
	V      *Tensor
	ExpAct bool
}

// NewGlobalVar creates a global variable initialized to init.
func NewGlobalVar(init []float64, expAct bool) *GlobalVar {
	v := NewTensor(len(init))
	copy(v.Data, init)
	return &GlobalVar{V: v, ExpAct: expAct}
}

// NewGlobalVarLog creates an exp-activated global variable whose activated
// value starts at init (the variable stores log(init)).
func NewGlobalVarLog(init []float64) *GlobalVar {
	logged := make([]float64, len(init))
	for i, v := range init {
		logged[i] = math.Log(v)
	}
	return NewGlobalVar(logged, true)
}

// Broadcast tiles the (activated) variable across the rows of like.
func (gv *GlobalVar) Broadcast(g *Graph, like *Tensor) *Tensor {
	out := g.BroadcastChannels(gv.V, like)
	if gv.ExpAct {
		out = g.Exp(out)
	}
	return out
}

// Params returns the trainable tensor of the variable.
func (gv *GlobalVar) Params() []*Tensor { return []*Tensor{gv.V} }
