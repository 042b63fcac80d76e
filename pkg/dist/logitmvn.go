package dist

import (
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"qboldnet/pkg/graph"
)

// LogitMVNormal models (OEF, DBV) as a bivariate Gaussian in logit space.
// Parameter channels: [oefMean, oefLogStd, dbvMean, dbvLogStd, corr], where
// the correlation coefficient is tanh(corr). Priors are always diagonal; the
// fifth prior channel is carried for shape compatibility but ignored.
type LogitMVNormal struct {
	oef Range
	dbv Range
}

// NewLogitMVNormal creates the correlated family over the default ranges.
func NewLogitMVNormal() *LogitMVNormal {
	return &LogitMVNormal{oef: DefaultOEFRange(), dbv: DefaultDBVRange()}
}

// NumParams returns 5.
func (d *LogitMVNormal) NumParams() int { return 5 }

// OEF returns the bounded OEF range.
func (d *LogitMVNormal) OEF() Range { return d.oef }

// DBV returns the bounded DBV range.
func (d *LogitMVNormal) DBV() Range { return d.dbv }

// ForwardTransform maps a two-channel logit tensor to natural space.
func (d *LogitMVNormal) ForwardTransform(g *graph.Graph, logit *graph.Tensor) *graph.Tensor {
	zo := g.SliceChannels(logit, 0, 1)
	zd := g.SliceChannels(logit, 1, 2)
	oef := g.AddScalar(g.MulScalar(g.Sigmoid(zo), d.oef.Width), d.oef.Min)
	dbv := g.AddScalar(g.MulScalar(g.Sigmoid(zd), d.dbv.Width), d.dbv.Min)
	return g.ConcatChannels(oef, dbv)
}

// rho extracts the clipped correlation coefficient channel.
func (d *LogitMVNormal) rho(g *graph.Graph, params *graph.Tensor) *graph.Tensor {
	return g.Clip(g.Tanh(g.SliceChannels(params, 4, 5)), -0.99, 0.99)
}

// LogProb returns the per-voxel bivariate Gaussian log density of natural
// targets under the predicted parameters, evaluated in logit space.
func (d *LogitMVNormal) LogProb(g *graph.Graph, trueNatural, params *graph.Tensor) *graph.Tensor {
	vo := g.SliceChannels(trueNatural, 0, 1)
	vd := g.SliceChannels(trueNatural, 1, 2)
	zo := logitOfRange(g, vo, d.oef)
	zd := logitOfRange(g, vd, d.dbv)

	sO := g.Exp(g.SliceChannels(params, 1, 2))
	sD := g.Exp(g.SliceChannels(params, 3, 4))
	a := g.Div(g.Sub(zo, g.SliceChannels(params, 0, 1)), sO)
	b := g.Div(g.Sub(zd, g.SliceChannels(params, 2, 3)), sD)
	rho := d.rho(g, params)
	oneMinusR2 := g.AddScalar(g.Neg(g.Square(rho)), 1)

	quadNum := g.Sub(g.Add(g.Square(a), g.Square(b)), g.MulScalar(g.Mul(rho, g.Mul(a, b)), 2))
	quad := g.Div(quadNum, g.MulScalar(oneMinusR2, 2))

	logDet := g.Add(g.Add(g.SliceChannels(params, 1, 2), g.SliceChannels(params, 3, 4)),
		g.MulScalar(g.Log(oneMinusR2), 0.5))
	lp := g.Neg(g.Add(quad, logDet))
	return g.AddScalar(lp, -math.Log(2*math.Pi))
}

// Sample draws one reparameterized sample per voxel using the Cholesky form
// of the correlated Gaussian, then transforms, clips and masks it.
func (d *LogitMVNormal) Sample(g *graph.Graph, params, mask *graph.Tensor, rng *rand.Rand) *graph.Tensor {
	epsO := normalSample(params, rng)
	epsD := normalSample(params, rng)
	sO := g.Exp(g.SliceChannels(params, 1, 2))
	sD := g.Exp(g.SliceChannels(params, 3, 4))
	rho := d.rho(g, params)
	oneMinusR2 := g.AddScalar(g.Neg(g.Square(rho)), 1)

	zo := g.Add(g.SliceChannels(params, 0, 1), g.Mul(sO, epsO))
	corrEps := g.Add(g.Mul(rho, epsO), g.Mul(g.Sqrt(oneMinusR2), epsD))
	zd := g.Add(g.SliceChannels(params, 2, 3), g.Mul(sD, corrEps))

	nat := d.ForwardTransform(g, g.ConcatChannels(zo, zd))
	nat = g.Clip(nat, SampleClipMin, SampleClipMax)
	return g.MulBroadcast(nat, mask)
}

// DrawNatural draws one plain correlated sample for a single voxel.
func (d *LogitMVNormal) DrawNatural(params []float64, rng *rand.Rand) (float64, float64) {
	n := distuv.Normal{Mu: 0, Sigma: 1, Src: rng}
	e1, e2 := n.Rand(), n.Rand()
	rho := math.Tanh(params[4])
	if rho > 0.99 {
		rho = 0.99
	} else if rho < -0.99 {
		rho = -0.99
	}
	zo := params[0] + math.Exp(params[1])*e1
	zd := params[2] + math.Exp(params[3])*(rho*e1+math.Sqrt(1-rho*rho)*e2)
	return clipSample(d.oef.Forward(zo)), clipSample(d.dbv.Forward(zd))
}

// KL returns the per-voxel KL divergence from the correlated posterior q to
// the diagonal prior p in closed form.
func (d *LogitMVNormal) KL(g *graph.Graph, q, p *graph.Tensor) *graph.Tensor {
	rho := d.rho(g, q)
	oneMinusR2 := g.AddScalar(g.Neg(g.Square(rho)), 1)

	trace := g.Add(
		g.Exp(g.MulScalar(g.Sub(g.SliceChannels(q, 1, 2), g.SliceChannels(p, 1, 2)), 2)),
		g.Exp(g.MulScalar(g.Sub(g.SliceChannels(q, 3, 4), g.SliceChannels(p, 3, 4)), 2)))
	meanO := g.Mul(g.Square(g.Sub(g.SliceChannels(p, 0, 1), g.SliceChannels(q, 0, 1))),
		g.Exp(g.MulScalar(g.SliceChannels(p, 1, 2), -2)))
	meanD := g.Mul(g.Square(g.Sub(g.SliceChannels(p, 2, 3), g.SliceChannels(q, 2, 3))),
		g.Exp(g.MulScalar(g.SliceChannels(p, 3, 4), -2)))

	logDetP := g.MulScalar(g.Add(g.SliceChannels(p, 1, 2), g.SliceChannels(p, 3, 4)), 2)
	logDetQ := g.Add(g.MulScalar(g.Add(g.SliceChannels(q, 1, 2), g.SliceChannels(q, 3, 4)), 2),
		g.Log(oneMinusR2))

	sum := g.Add(g.Add(trace, g.Add(meanO, meanD)), g.Sub(logDetP, logDetQ))
	return g.MulScalar(g.AddScalar(sum, -2), 0.5)
}

// KLMoG estimates KL(q || uniform mixture of diagonal priors) by scoring
// correlated samples from q under both densities.
func (d *LogitMVNormal) KLMoG(g *graph.Graph, q *graph.Tensor, priors []*graph.Tensor, nSamples int, rng *rand.Rand) *graph.Tensor {
	if len(priors) == 0 {
		panic("dist: KLMoG requires at least one prior component")
	}
	sO := g.Exp(g.SliceChannels(q, 1, 2))
	sD := g.Exp(g.SliceChannels(q, 3, 4))
	rho := d.rho(g, q)
	oneMinusR2 := g.AddScalar(g.Neg(g.Square(rho)), 1)

	var acc *graph.Tensor
	for s := 0; s < nSamples; s++ {
		epsO := normalSample(q, rng)
		epsD := normalSample(q, rng)
		zo := g.Add(g.SliceChannels(q, 0, 1), g.Mul(sO, epsO))
		corrEps := g.Add(g.Mul(rho, epsO), g.Mul(g.Sqrt(oneMinusR2), epsD))
		zd := g.Add(g.SliceChannels(q, 2, 3), g.Mul(sD, corrEps))

		a := g.Div(g.Sub(zo, g.SliceChannels(q, 0, 1)), sO)
		b := g.Div(g.Sub(zd, g.SliceChannels(q, 2, 3)), sD)
		quadNum := g.Sub(g.Add(g.Square(a), g.Square(b)), g.MulScalar(g.Mul(rho, g.Mul(a, b)), 2))
		quad := g.Div(quadNum, g.MulScalar(oneMinusR2, 2))
		logDet := g.Add(g.Add(g.SliceChannels(q, 1, 2), g.SliceChannels(q, 3, 4)),
			g.MulScalar(g.Log(oneMinusR2), 0.5))
		logQ := g.AddScalar(g.Neg(g.Add(quad, logDet)), -math.Log(2*math.Pi))

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
