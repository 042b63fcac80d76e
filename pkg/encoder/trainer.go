// Package encoder implements the self-supervised variational encoder that
// maps multi-echo ASE volumes to per-voxel distributions over OEF and DBV.
// The network is a pair of coupled streams of 1x1x1 and in-plane 3x3x1
// convolutions: the pointwise stream is trained on synthetic voxels, while
// the gated residual stream adds spatial context during fine-tuning on real
// acquisitions.
package encoder

import (
	"errors"
	"fmt"
	"math"

	"golang.org/x/exp/rand"

	"qboldnet/pkg/dist"
	"qboldnet/pkg/graph"
	"qboldnet/pkg/qbold"
)

// ErrNotImplemented marks operations that are declared for interface
// completeness but intentionally unimplemented.
var ErrNotImplemented = errors.New("encoder: not implemented")

// Options collects the architecture and training hyperparameters.
type Options struct {
	// IntermediateLayers is the number of dual-stream blocks between the
	// input projection and the output head.
	IntermediateLayers int

	// Units is the channel width of every hidden layer.
	Units int

	// Activation is the nonlinearity of the pointwise stream.
	Activation graph.Activation

	// DropoutRate, when positive, applies inverted dropout inside the
	// residual stream during training.
	DropoutRate float64

	// UseChannelNorm normalizes residual-stream activations over channels
	// before each spatial convolution.
	UseChannelNorm bool

	// ChannelwiseGating gives every channel its own gate instead of one
	// shared gate per voxel.
	ChannelwiseGating bool

	// GateOffset shifts the gate logits; large negative values start the
	// residual stream close to an identity of the pointwise stream.
	GateOffset float64

	// ResidInitStd is the weight scale of the spatial convolutions and the
	// gate projection.
	ResidInitStd float64

	// MVN selects the bivariate (correlated) output distribution family.
	MVN bool

	// StudentTDF is the degrees of freedom of the reconstruction
	// likelihood. Values of 50 or above select a Gaussian likelihood.
	StudentTDF float64

	// InitialImageSigma initializes the predicted noise standard deviation.
	InitialImageSigma float64

	// HeteroscedasticNoise predicts a per-voxel, per-echo noise scale from
	// the residual stream instead of learning one global scale.
	HeteroscedasticNoise bool

	// PredictLogData compares reconstructions to log-transformed data.
	PredictLogData bool

	// MultiImageNorm normalizes by a three-echo window around the spin
	// echo rather than by the spin echo alone.
	MultiImageNorm bool

	// UsePopulationPrior regularizes towards learned population-level
	// distribution parameters instead of the pretrained voxelwise prior.
	UsePopulationPrior bool

	// MoGComponents is the number of mixture components of the population
	// prior. One component uses the closed-form KL.
	MoGComponents int

	// Samples is the number of reparameterized draws per voxel used by the
	// fine-tuning losses.
	Samples int

	// InferInvGamma appends learned inverse-gamma hyperparameters to the
	// pointwise-stream output.
	InferInvGamma bool

	// Seed fixes weight initialization and sampling.
	Seed uint64
}

// DefaultOptions mirrors the configuration the estimator ships with.
func DefaultOptions() Options {
	return Options{
		IntermediateLayers:   1,
		Units:                30,
		Activation:           graph.GELU,
		DropoutRate:          0,
		UseChannelNorm:       false,
		ChannelwiseGating:    false,
		GateOffset:           0,
		ResidInitStd:         0.05,
		MVN:                  true,
		StudentTDF:           2,
		InitialImageSigma:    0.08,
		HeteroscedasticNoise: true,
		PredictLogData:       true,
		MultiImageNorm:       true,
		UsePopulationPrior:   false,
		MoGComponents:        1,
		Samples:              2,
		InferInvGamma:        false,
		Seed:                 1,
	}
}

// Trainer owns the hyperparameters, the output distribution family and the
// RNG shared by initialization, dropout and sampling.
type Trainer struct {
	opts   Options
	sys    qbold.SystemParams
	dist   dist.OutputDist
	signal *qbold.SignalModel
	rng    *rand.Rand

	nEcho int
	seIdx int
}

// NewTrainer validates the configuration and builds a trainer.
func NewTrainer(sys qbold.SystemParams, opts Options) (*Trainer, error) {
	if err := sys.ValidateWindow(opts.MultiImageNorm); err != nil {
		return nil, err
	}
	if opts.Units <= 0 {
		return nil, fmt.Errorf("encoder: units must be positive, got %d", opts.Units)
	}
	if opts.IntermediateLayers < 0 {
		return nil, fmt.Errorf("encoder: intermediate layers must be non-negative, got %d", opts.IntermediateLayers)
	}
	if opts.Samples < 1 {
		return nil, fmt.Errorf("encoder: samples must be at least 1, got %d", opts.Samples)
	}
	if opts.MoGComponents < 1 {
		return nil, fmt.Errorf("encoder: mixture components must be at least 1, got %d", opts.MoGComponents)
	}
	if opts.InitialImageSigma <= 0 {
		return nil, fmt.Errorf("encoder: initial image sigma must be positive, got %g", opts.InitialImageSigma)
	}
	sig, err := qbold.NewSignalModel(sys)
	if err != nil {
		return nil, err
	}
	var d dist.OutputDist
	if opts.MVN {
		d = dist.NewLogitMVNormal()
	} else {
		d = dist.NewLogitNormal()
	}
	return &Trainer{
		opts:   opts,
		sys:    sys,
		dist:   d,
		signal: sig,
		rng:    rand.New(rand.NewSource(opts.Seed)),
		nEcho:  sys.NumEchoes(),
		seIdx:  sys.SpinEchoIndex(),
	}, nil
}

// Options returns the trainer configuration.
func (t *Trainer) Options() Options { return t.opts }

// Dist returns the output distribution family.
func (t *Trainer) Dist() dist.OutputDist { return t.dist }

// Signal returns the forward model the trainer reconstructs with.
func (t *Trainer) Signal() *qbold.SignalModel { return t.signal }

// seWindow returns the [lo, hi) echo window used for normalization: the
// three echoes centred on the spin echo in multi-image mode, otherwise the
// spin echo alone.
func (t *Trainer) seWindow() (lo, hi int) {
	if t.opts.MultiImageNorm {
		return t.seIdx - 1, t.seIdx + 2
	}
	return t.seIdx, t.seIdx + 1
}

// NormalizeSignal clips the raw magnitudes to a sane range, divides by the
// spin-echo window mean and takes the log, making the encoder input
// invariant to overall signal scale.
func (t *Trainer) NormalizeSignal(g *graph.Graph, raw *graph.Tensor) *graph.Tensor {
	if raw.Channels() != t.nEcho {
		panic(fmt.Sprintf("encoder: signal has %d channels, want %d echoes", raw.Channels(), t.nEcho))
	}
	x := g.Clip(raw, 1e-2, 1e8)
	lo, hi := t.seWindow()
	m := g.MeanChannels(x, lo, hi)
	return g.Log(g.DivBroadcast(x, m))
}

// DualBlock is one coupled pair of stream layers. The pointwise convolution
// is shared: it advances the first stream and simultaneously provides the
// skip path of the residual stream, keeping the two streams consistent.
type DualBlock struct {
	Shared *graph.ConvLayer // 1x1x1, activated
	Conv1  *graph.ConvLayer // 3x3x1, linear
	Conv2  *graph.ConvLayer // 3x3x1, linear
	Gate   *graph.ConvLayer // 1x1x1, linear
	Norm1  *graph.NormLayer // nil unless channel norm is enabled
	Norm2  *graph.NormLayer
}

// Inner is the trunk of the network: the dual-stream blocks and the output
// heads, parameterized purely by post-projection hidden features. It is
// constructible on its own so trained trunk weights can be reused across
// differently preprocessed inputs.
type Inner struct {
	Blocks    []*DualBlock
	Head      *graph.ConvLayer
	NoiseHead *graph.ConvLayer // nil unless heteroscedastic
	InvGamma  *graph.GlobalVar // nil unless inferred

	t *Trainer
}

// Encoder composes the preprocessing stage with the trunk: signal
// normalization, the first pointwise projection, and one Inner instance the
// encoder exclusively owns.
type Encoder struct {
	First *graph.ConvLayer
	Inner *Inner

	t *Trainer
}

// BuildInner constructs a fresh trunk with randomly initialized weights.
func (t *Trainer) BuildInner() *Inner {
	o := t.opts
	in := &Inner{
		Head: graph.NewPointwiseLayer(t.rng, o.Units, t.dist.NumParams(), graph.Linear, "head"),
		t:    t,
	}
	for i := 0; i < o.IntermediateLayers; i++ {
		gateC := 1
		if o.ChannelwiseGating {
			gateC = o.Units
		}
		b := &DualBlock{
			Shared: graph.NewPointwiseLayer(t.rng, o.Units, o.Units, o.Activation, fmt.Sprintf("shared%d", i)),
			Conv1:  graph.NewConvLayer(t.rng, 3, 3, 1, o.Units, o.Units, o.ResidInitStd, graph.Linear, fmt.Sprintf("spatial%d_1", i)),
			Conv2:  graph.NewConvLayer(t.rng, 3, 3, 1, o.Units, o.Units, o.ResidInitStd, graph.Linear, fmt.Sprintf("spatial%d_2", i)),
			Gate:   graph.NewConvLayer(t.rng, 1, 1, 1, o.Units, gateC, o.ResidInitStd, graph.Linear, fmt.Sprintf("gate%d", i)),
		}
		if o.UseChannelNorm {
			b.Norm1 = graph.NewNormLayer(o.Units)
			b.Norm2 = graph.NewNormLayer(o.Units)
		}
		in.Blocks = append(in.Blocks, b)
	}
	if o.HeteroscedasticNoise {
		in.NoiseHead = graph.NewConvLayer(t.rng, 1, 1, 1, o.Units, t.nEcho, o.ResidInitStd, graph.Linear, "noise")
		in.NoiseHead.SetBias(math.Log(o.InitialImageSigma))
	}
	if o.InferInvGamma {
		in.InvGamma = graph.NewGlobalVarLog([]float64{20, 2.5, 20, 2.5})
	}
	return in
}

// BuildEncoder constructs a fresh network: a projection layer plus a trunk
// of its own.
func (t *Trainer) BuildEncoder() *Encoder {
	return &Encoder{
		First: graph.NewPointwiseLayer(t.rng, t.nEcho, t.opts.Units, t.opts.Activation, "first"),
		Inner: t.BuildInner(),
		t:     t,
	}
}

// apply runs one dual block. n1 is the pointwise stream, n2 the residual
// stream; training enables dropout.
func (b *DualBlock) apply(g *graph.Graph, t *Trainer, n1, n2 *graph.Tensor, training bool) (*graph.Tensor, *graph.Tensor) {
	s1 := b.Shared.Apply(g, n1)
	skip := b.Shared.Apply(g, n2)

	var dropRNG *rand.Rand
	if training {
		dropRNG = t.rng
	}
	c := g.Dropout(n2, t.opts.DropoutRate, dropRNG)
	if b.Norm1 != nil {
		c = b.Norm1.Apply(g, c)
	}
	c = b.Conv1.Apply(g, g.Activate(c, t.opts.Activation))
	c = g.Dropout(c, t.opts.DropoutRate, dropRNG)
	if b.Norm2 != nil {
		c = b.Norm2.Apply(g, c)
	}
	c = b.Conv2.Apply(g, g.Activate(c, t.opts.Activation))

	gate := g.Sigmoid(g.AddScalar(b.Gate.Apply(g, c), t.opts.GateOffset))
	var n2out *graph.Tensor
	if t.opts.ChannelwiseGating {
		keep := g.AddScalar(g.Neg(gate), 1)
		n2out = g.Add(g.Mul(skip, keep), g.Mul(c, gate))
	} else {
		keep := g.AddScalar(g.Neg(gate), 1)
		n2out = g.Add(g.MulBroadcast(skip, keep), g.MulBroadcast(c, gate))
	}
	return s1, n2out
}

// Forward runs the trunk on hidden features. It returns the pointwise
// stream's distribution parameters, the residual stream's parameters and the
// predicted per-echo noise standard deviation (nil when homoscedastic). The
// pointwise output carries the inverse-gamma hyperparameters as extra
// channels when those are inferred.
func (in *Inner) Forward(g *graph.Graph, feats *graph.Tensor, training bool) (pointwise, resid, sigma *graph.Tensor) {
	n1 := feats
	n2 := feats
	for _, b := range in.Blocks {
		n1, n2 = b.apply(g, in.t, n1, n2, training)
	}
	pointwise = in.Head.Apply(g, n1)
	resid = in.Head.Apply(g, n2)
	if in.NoiseHead != nil {
		sigma = g.Exp(in.NoiseHead.Apply(g, n2))
	}
	if in.InvGamma != nil {
		pointwise = g.ConcatChannels(pointwise, in.InvGamma.Broadcast(g, pointwise))
	}
	return pointwise, resid, sigma
}

// Params returns every trainable tensor of the trunk.
func (in *Inner) Params() []*graph.Tensor {
	var ps []*graph.Tensor
	for _, b := range in.Blocks {
		ps = append(ps, b.Shared.Params()...)
		ps = append(ps, b.Conv1.Params()...)
		ps = append(ps, b.Conv2.Params()...)
		ps = append(ps, b.Gate.Params()...)
		if b.Norm1 != nil {
			ps = append(ps, b.Norm1.Params()...)
			ps = append(ps, b.Norm2.Params()...)
		}
	}
	ps = append(ps, in.Head.Params()...)
	if in.NoiseHead != nil {
		ps = append(ps, in.NoiseHead.Params()...)
	}
	if in.InvGamma != nil {
		ps = append(ps, in.InvGamma.Params()...)
	}
	return ps
}

// Forward runs the full network on a raw signal tensor: normalize, project
// to the hidden width, then the trunk.
func (e *Encoder) Forward(g *graph.Graph, raw *graph.Tensor, training bool) (pointwise, resid, sigma *graph.Tensor) {
	x := e.t.NormalizeSignal(g, raw)
	return e.Inner.Forward(g, e.First.Apply(g, x), training)
}

// Params returns every trainable tensor of the network.
func (e *Encoder) Params() []*graph.Tensor {
	return append(e.First.Params(), e.Inner.Params()...)
}

// VarianceRegularizer penalizes posterior variances that stray from the
// inferred inverse-gamma hyperprior. The analytic form is pending validation
// against the mixture prior, so the term is declared but not yet available.
func (t *Trainer) VarianceRegularizer(g *graph.Graph, params *graph.Tensor) (*graph.Tensor, error) {
	return nil, ErrNotImplemented
}
