package dist

import (
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"qboldnet/pkg/graph"
)

// LogitNormal models OEF and DBV as independent Gaussians in logit space.
// Parameter channels: [oefMean, oefLogStd, dbvMean, dbvLogStd].
type LogitNormal struct {
	oef Range
	dbv Range
}

// NewLogitNormal creates the independent-Gaussian family over the default
// physiological ranges.
func NewLogitNormal() *LogitNormal {
	return &LogitNormal{oef: DefaultOEFRange(), dbv: DefaultDBVRange()}
}

// NewLogitNormalRanges creates the family over explicit ranges.
func NewLogitNormalRanges(oef, dbv Range) *LogitNormal {
	return &LogitNormal{oef: oef, dbv: dbv}
}

// NumParams returns 4.
func (d *LogitNormal) NumParams() int { return 4 }

// OEF returns the bounded OEF range.
func (d *LogitNormal) OEF() Range { return d.oef }

// DBV returns the bounded DBV range.
func (d *LogitNormal) DBV() Range { return d.dbv }

// ForwardTransform maps a two-channel logit tensor to natural space.
func (d *LogitNormal) ForwardTransform(g *graph.Graph, logit *graph.Tensor) *graph.Tensor {
	zo := g.SliceChannels(logit, 0, 1)
	zd := g.SliceChannels(logit, 1, 2)
	oef := g.AddScalar(g.MulScalar(g.Sigmoid(zo), d.oef.Width), d.oef.Min)
	dbv := g.AddScalar(g.MulScalar(g.Sigmoid(zd), d.dbv.Width), d.dbv.Min)
	return g.ConcatChannels(oef, dbv)
}

// backwardTransform maps natural-space targets to logit space inside the
// graph. The values are clipped slightly inside the open range first so the
// logit stays finite.
func (d *LogitNormal) backwardTransform(g *graph.Graph, natural *graph.Tensor) *graph.Tensor {
	vo := g.SliceChannels(natural, 0, 1)
	vd := g.SliceChannels(natural, 1, 2)
	zo := logitOfRange(g, vo, d.oef)
	zd := logitOfRange(g, vd, d.dbv)
	return g.ConcatChannels(zo, zd)
}

func logitOfRange(g *graph.Graph, v *graph.Tensor, r Range) *graph.Tensor {
	p := g.Clip(g.MulScalar(g.AddScalar(v, -r.Min), 1/r.Width), 1e-6, 1-1e-6)
	return g.Sub(g.Log(p), g.Log(g.AddScalar(g.Neg(p), 1)))
}

// LogProb returns the per-voxel log density of natural targets under the
// predicted parameters, evaluated in logit space.
func (d *LogitNormal) LogProb(g *graph.Graph, trueNatural, params *graph.Tensor) *graph.Tensor {
	z := d.backwardTransform(g, trueNatural)
	lo := gaussianLogPDF(g, g.SliceChannels(z, 0, 1), g.SliceChannels(params, 0, 1), g.SliceChannels(params, 1, 2))
	ld := gaussianLogPDF(g, g.SliceChannels(z, 1, 2), g.SliceChannels(params, 2, 3), g.SliceChannels(params, 3, 4))
	return g.Add(lo, ld)
}

// Sample draws one reparameterized sample per voxel: mean + eps*exp(logStd)
// in logit space, forward transform, clip, mask.
func (d *LogitNormal) Sample(g *graph.Graph, params, mask *graph.Tensor, rng *rand.Rand) *graph.Tensor {
	epsO := normalSample(params, rng)
	epsD := normalSample(params, rng)
	zo := g.Add(g.SliceChannels(params, 0, 1), g.Mul(g.Exp(g.SliceChannels(params, 1, 2)), epsO))
	zd := g.Add(g.SliceChannels(params, 2, 3), g.Mul(g.Exp(g.SliceChannels(params, 3, 4)), epsD))
	nat := d.ForwardTransform(g, g.ConcatChannels(zo, zd))
	nat = g.Clip(nat, SampleClipMin, SampleClipMax)
	return g.MulBroadcast(nat, mask)
}

// DrawNatural draws one plain sample for a single voxel's parameters.
func (d *LogitNormal) DrawNatural(params []float64, rng *rand.Rand) (float64, float64) {
	n := distuv.Normal{Mu: 0, Sigma: 1, Src: rng}
	zo := params[0] + math.Exp(params[1])*n.Rand()
	zd := params[2] + math.Exp(params[3])*n.Rand()
	oef := clipSample(d.oef.Forward(zo))
	dbv := clipSample(d.dbv.Forward(zd))
	return oef, dbv
}

func clipSample(v float64) float64 {
	return math.Min(SampleClipMax, math.Max(SampleClipMin, v))
}

// KL returns the per-voxel analytic KL divergence from q to the diagonal
// prior p, both 4-channel parameter tensors.
func (d *LogitNormal) KL(g *graph.Graph, q, p *graph.Tensor) *graph.Tensor {
	klo := klDiagonal(g,
		g.SliceChannels(q, 0, 1), g.SliceChannels(q, 1, 2),
		g.SliceChannels(p, 0, 1), g.SliceChannels(p, 1, 2))
	kld := klDiagonal(g,
		g.SliceChannels(q, 2, 3), g.SliceChannels(q, 3, 4),
		g.SliceChannels(p, 2, 3), g.SliceChannels(p, 3, 4))
	return g.Add(klo, kld)
}

// KLMoG estimates KL(q || uniform mixture of priors) by sampling from q in
// logit space and scoring the samples under both densities with a
// log-sum-exp over components.
func (d *LogitNormal) KLMoG(g *graph.Graph, q *graph.Tensor, priors []*graph.Tensor, nSamples int, rng *rand.Rand) *graph.Tensor {
	if len(priors) == 0 {
		panic("dist: KLMoG requires at least one prior component")
	}
	var acc *graph.Tensor
	for s := 0; s < nSamples; s++ {
		epsO := normalSample(q, rng)
		epsD := normalSample(q, rng)
		zo := g.Add(g.SliceChannels(q, 0, 1), g.Mul(g.Exp(g.SliceChannels(q, 1, 2)), epsO))
		zd := g.Add(g.SliceChannels(q, 2, 3), g.Mul(g.Exp(g.SliceChannels(q, 3, 4)), epsD))

		logQ := g.Add(
			gaussianLogPDF(g, zo, g.SliceChannels(q, 0, 1), g.SliceChannels(q, 1, 2)),
			gaussianLogPDF(g, zd, g.SliceChannels(q, 2, 3), g.SliceChannels(q, 3, 4)))

		logP := logMixturePDF(g, zo, zd, priors)
		diff := g.Sub(logQ, logP)
		if acc == nil {
			acc = diff
		} else {
			acc = g.Add(acc, diff)
		}
	}
	return g.MulScalar(acc, 1/float64(nSamples))
}

// logMixturePDF computes log( (1/K) sum_k N(z; mu_k, sigma_k) ) with a
// numerically stable log-sum-exp composed from primitive ops.
func logMixturePDF(g *graph.Graph, zo, zd *graph.Tensor, priors []*graph.Tensor) *graph.Tensor {
	k := len(priors)
	comps := make([]*graph.Tensor, k)
	for i, p := range priors {
		comps[i] = g.Add(
			gaussianLogPDF(g, zo, g.SliceChannels(p, 0, 1), g.SliceChannels(p, 1, 2)),
			gaussianLogPDF(g, zd, g.SliceChannels(p, 2, 3), g.SliceChannels(p, 3, 4)))
	}
	if k == 1 {
		return comps[0]
	}
	stacked := g.ConcatChannels(comps...)
	// Shift by the per-voxel maximum before exponentiation. The max is a
	// constant with respect to the tape (gradient flows via the shifted
	// exponentials, which is the standard stable log-sum-exp).
	maxShape := append(append([]int{}, stacked.Shape[:len(stacked.Shape)-1]...), 1)
	maxVals := graph.NewTensor(maxShape...)
	maxFull := graph.NewTensor(stacked.Shape...)
	rows := stacked.Rows()
	for r := 0; r < rows; r++ {
		m := stacked.Data[r*k]
		for j := 1; j < k; j++ {
			if stacked.Data[r*k+j] > m {
				m = stacked.Data[r*k+j]
			}
		}
		maxVals.Data[r] = m
		for j := 0; j < k; j++ {
			maxFull.Data[r*k+j] = m
		}
	}
	shifted := g.Sub(stacked, maxFull)
	sumExp := g.SumChannels(g.Exp(shifted))
	logSum := g.Add(g.Log(sumExp), maxVals)
	return g.AddScalar(logSum, -math.Log(float64(k)))
}
