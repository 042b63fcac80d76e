// Package dist implements the parametric output distributions over
// (OEF, DBV) used by the encoder. Distributions live in an unconstrained
// logit space and are mapped to the bounded physiological ranges through a
// scaled sigmoid. Two families are provided: LogitNormal (independent
// Gaussians, 4 parameters per voxel) and LogitMVNormal (bivariate Gaussian
// with a correlation channel, 5 parameters per voxel).
//
// The family is chosen once at model-construction time and threaded through
// the encoder as a strategy interface; there is no runtime type inspection.
package dist

import (
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"qboldnet/pkg/graph"
)

// Sampled values are clipped to this open interval before they reach the
// signal model, avoiding singularities at the range boundaries.
const (
	SampleClipMin = 1e-3
	SampleClipMax = 0.99
)

// Range maps a logit to a bounded natural value: v = Min + Width*sigmoid(z).
type Range struct {
	Min   float64
	Width float64
}

// Forward maps a logit to the bounded range.
func (r Range) Forward(z float64) float64 {
	return r.Min + r.Width/(1+math.Exp(-z))
}

// Backward inverts Forward for values strictly inside the open range.
func (r Range) Backward(v float64) float64 {
	p := (v - r.Min) / r.Width
	return math.Log(p / (1 - p))
}

// DefaultOEFRange is the physiological oxygen extraction fraction range.
func DefaultOEFRange() Range { return Range{Min: 0.04, Width: 0.8} }

// DefaultDBVRange is the physiological deoxygenated blood volume range.
func DefaultDBVRange() Range { return Range{Min: 0.001, Width: 0.2} }

// OutputDist is the strategy interface over the two distribution families.
// Tensor-valued methods operate within a graph so that sampling and KL terms
// stay differentiable; the Draw* methods are the plain inference path.
type OutputDist interface {
	// NumParams is the per-voxel parameter count (4 or 5).
	NumParams() int

	// OEF and DBV expose the bounded natural ranges.
	OEF() Range
	DBV() Range

	// LogProb returns the per-voxel log density (single trailing channel)
	// of natural-space targets (channels [oef, dbv]) under the predicted
	// parameters.
	LogProb(g *graph.Graph, trueNatural, params *graph.Tensor) *graph.Tensor

	// Sample draws one reparameterized (differentiable) sample per voxel,
	// forward-transformed, clipped and masked. The result has two channels.
	Sample(g *graph.Graph, params, mask *graph.Tensor, rng *rand.Rand) *graph.Tensor

	// DrawNatural draws a single non-differentiable sample for the voxel
	// whose parameters are given. Used by Monte Carlo mean estimation.
	DrawNatural(params []float64, rng *rand.Rand) (oef, dbv float64)

	// ForwardTransform maps a two-channel logit tensor to natural space.
	ForwardTransform(g *graph.Graph, logit *graph.Tensor) *graph.Tensor

	// KL returns the per-voxel KL divergence (single trailing channel)
	// from the posterior q to the prior p, both given as parameter
	// tensors with NumParams channels. The prior is treated as diagonal.
	KL(g *graph.Graph, q, p *graph.Tensor) *graph.Tensor

	// KLMoG returns a Monte Carlo estimate of the per-voxel KL divergence
	// from q to a uniform mixture of the given diagonal Gaussian priors.
	KLMoG(g *graph.Graph, q *graph.Tensor, priors []*graph.Tensor, nSamples int, rng *rand.Rand) *graph.Tensor
}

// normalSample fills a single-channel tensor shaped like the rows of ref
// with unit normal draws. The result is a constant with respect to the tape.
func normalSample(ref *graph.Tensor, rng *rand.Rand) *graph.Tensor {
	shape := make([]int, len(ref.Shape))
	copy(shape, ref.Shape)
	shape[len(shape)-1] = 1
	eps := graph.NewTensor(shape...)
	n := distuv.Normal{Mu: 0, Sigma: 1, Src: rng}
	for i := range eps.Data {
		eps.Data[i] = n.Rand()
	}
	return eps
}

// gaussianLogPDF composes the per-voxel log density of x under a Gaussian
// with the given mean and log standard deviation, all single-channel tensors.
func gaussianLogPDF(g *graph.Graph, x, mean, logStd *graph.Tensor) *graph.Tensor {
	z := g.Div(g.Sub(x, mean), g.Exp(logStd))
	quad := g.MulScalar(g.Square(z), -0.5)
	return g.AddScalar(g.Sub(quad, logStd), -0.5*math.Log(2*math.Pi))
}

// klDiagonal composes the closed-form KL between two univariate Gaussians
// given mean/log-std channels for q and p.
func klDiagonal(g *graph.Graph, qMean, qLogStd, pMean, pLogStd *graph.Tensor) *graph.Tensor {
	// 0.5*(exp(2q-2p) + (pm-qm)^2*exp(-2p) + 2p - 2q - 1)
	varRatio := g.Exp(g.MulScalar(g.Sub(qLogStd, pLogStd), 2))
	meanTerm := g.Mul(g.Square(g.Sub(pMean, qMean)), g.Exp(g.MulScalar(pLogStd, -2)))
	logTerm := g.MulScalar(g.Sub(pLogStd, qLogStd), 2)
	sum := g.Add(g.Add(varRatio, meanTerm), logTerm)
	return g.MulScalar(g.AddScalar(sum, -1), 0.5)
}
