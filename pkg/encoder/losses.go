package encoder

import (
	"math"

	"qboldnet/pkg/graph"
)

// FineTuneLoss is the reconstruction negative log likelihood. yTrue carries
// the raw signal plus a trailing mask channel; yPred carries the model
// signal plus its noise channels (per-echo when heteroscedastic, a single
// channel otherwise). Both signals are normalized by their own spin-echo
// window so the likelihood compares shapes, not scales. With returnMean the
// result is a scalar mean over valid voxels; otherwise a masked per-voxel
// map.
func (t *Trainer) FineTuneLoss(g *graph.Graph, yTrue, yPred *graph.Tensor, returnMean bool) *graph.Tensor {
	yTrue = g.TileBatch(yTrue, t.opts.Samples)
	mask := g.SliceChannels(yTrue, t.nEcho, t.nEcho+1)
	obs := g.SliceChannels(yTrue, 0, t.nEcho)
	pred := g.SliceChannels(yPred, 0, t.nEcho)

	var sigma *graph.Tensor
	hetero := t.opts.HeteroscedasticNoise
	if hetero {
		sigma = g.SliceChannels(yPred, t.nEcho, 2*t.nEcho)
	} else {
		sigma = g.SliceChannels(yPred, t.nEcho, t.nEcho+1)
	}

	lo, hi := t.seWindow()
	obs = g.DivBroadcast(obs, g.AddScalar(g.MeanChannels(obs, lo, hi), 1e-3))
	pred = g.DivBroadcast(pred, g.AddScalar(g.MeanChannels(pred, lo, hi), 1e-3))
	if t.opts.PredictLogData {
		obs = g.MulBroadcast(g.Log(g.Clip(obs, 1e-8, 1e8)), mask)
		pred = g.MulBroadcast(g.Log(g.Clip(pred, 1e-8, 1e8)), mask)
	}
	res := g.Sub(obs, pred)

	var z *graph.Tensor
	if hetero {
		z = g.Div(res, sigma)
	} else {
		z = g.DivBroadcast(res, sigma)
	}

	logSigma := g.Log(sigma)
	if !hetero {
		logSigma = g.AddBroadcast(graph.NewTensor(res.Shape...), logSigma)
	}

	var nll *graph.Tensor
	if df := t.opts.StudentTDF; df > 0 && df < 50 {
		c0, _ := math.Lgamma(df / 2)
		c1, _ := math.Lgamma((df + 1) / 2)
		c := c0 - c1 + 0.5*math.Log(df*math.Pi)
		inner := g.AddScalar(g.MulScalar(g.Square(z), 1/df), 1)
		nll = g.AddScalar(g.Add(logSigma, g.MulScalar(g.Log(inner), (df+1)/2)), c)
	} else {
		nll = g.AddScalar(g.Add(logSigma, g.MulScalar(g.Square(z), 0.5)), 0.5*math.Log(2*math.Pi))
	}

	perVoxel := g.Mul(g.SumChannels(nll), mask)
	if !returnMean {
		return perVoxel
	}
	return g.Div(g.SumAll(perVoxel), g.SumAll(mask))
}

// KLLoss is the divergence of the per-voxel posterior from its prior. yTrue
// carries the frozen voxelwise prior parameters plus a trailing mask
// channel; predicted carries the posterior parameters, followed by the
// population prior parameters when those are learned. With a multi-component
// population prior the divergence is estimated by sampling.
func (t *Trainer) KLLoss(g *graph.Graph, yTrue, predicted *graph.Tensor, returnMean bool) *graph.Tensor {
	yTrue = g.TileBatch(yTrue, t.opts.Samples)
	p := t.dist.NumParams()
	mask := g.SliceChannels(yTrue, yTrue.Channels()-1, yTrue.Channels())
	q := g.SliceChannels(predicted, 0, p)

	var kl *graph.Tensor
	switch {
	case t.opts.UsePopulationPrior && t.opts.MoGComponents > 1:
		priors := make([]*graph.Tensor, t.opts.MoGComponents)
		for k := range priors {
			priors[k] = g.SliceChannels(predicted, p*(k+1), p*(k+2))
		}
		kl = t.dist.KLMoG(g, q, priors, klMoGSamples, t.rng)
	case t.opts.UsePopulationPrior:
		kl = t.dist.KL(g, q, g.SliceChannels(predicted, p, 2*p))
	default:
		kl = t.dist.KL(g, q, g.SliceChannels(yTrue, 0, p))
	}

	perVoxel := g.Mul(kl, mask)
	if !returnMean {
		return perVoxel
	}
	return g.Div(g.SumAll(perVoxel), g.SumAll(mask))
}

// klMoGSamples is the Monte Carlo draw count of the mixture KL estimate.
const klMoGSamples = 10

// SmoothnessLoss is an in-plane total-variation penalty on the posterior
// mean maps in natural units, each rescaled by its physiological range so
// OEF and DBV contribute comparably. Differences straddling the mask edge
// are excluded.
func (t *Trainer) SmoothnessLoss(g *graph.Graph, yTrue, predicted *graph.Tensor) *graph.Tensor {
	yTrue = g.TileBatch(yTrue, t.opts.Samples)
	mask := g.SliceChannels(yTrue, yTrue.Channels()-1, yTrue.Channels())

	means := g.ConcatChannels(
		g.SliceChannels(predicted, 0, 1),
		g.SliceChannels(predicted, 2, 3))
	nat := t.dist.ForwardTransform(g, means)
	scaled := g.ConcatChannels(
		g.MulScalar(g.SliceChannels(nat, 0, 1), 1/t.dist.OEF().Width),
		g.MulScalar(g.SliceChannels(nat, 1, 2), 1/t.dist.DBV().Width))

	total := graph.NewScalar(0)
	zero := true
	for _, axis := range []int{1, 2} {
		n := scaled.Shape[axis]
		if n < 2 {
			continue
		}
		d := g.Sub(g.SliceAxis(scaled, axis, 0, n-1), g.SliceAxis(scaled, axis, 1, n))
		pair := g.Mul(g.SliceAxis(mask, axis, 0, n-1), g.SliceAxis(mask, axis, 1, n))
		sum := g.SumAll(g.Abs(g.MulBroadcast(d, pair)))
		if zero {
			total = sum
			zero = false
		} else {
			total = g.Add(total, sum)
		}
	}
	if zero {
		return total
	}
	return g.Div(total, g.SumAll(mask))
}

// SyntheticLoss is the pretraining objective: the mean negative log density
// of the known ground truth under the predicted voxelwise distribution,
// optionally augmented with a sampled R2' likelihood term.
func (t *Trainer) SyntheticLoss(g *graph.Graph, truth, params *graph.Tensor, useR2Prime bool) *graph.Tensor {
	lp := t.dist.LogProb(g, g.SliceChannels(truth, 0, 2), params)
	loss := g.Neg(g.MeanAll(lp))
	if useR2Prime {
		loss = g.Add(loss, t.R2PrimeLoss(g, truth, params))
	}
	return loss
}

// r2pSamples is the draw count of the sampled R2' distribution.
const r2pSamples = 10

// R2PrimeLoss scores the ground-truth R2' under a Gaussian fitted to the
// R2' values implied by reparameterized (OEF, DBV) draws. It ties the joint
// behaviour of the two parameters to the directly observable quantity.
func (t *Trainer) R2PrimeLoss(g *graph.Graph, truth, params *graph.Tensor) *graph.Tensor {
	dwCoeff := t.sys.DwCoeff()

	onesShape := make([]int, len(params.Shape))
	copy(onesShape, params.Shape)
	onesShape[len(onesShape)-1] = 1
	ones := graph.NewTensor(onesShape...)
	ones.Fill(1)

	draws := make([]*graph.Tensor, r2pSamples)
	for k := range draws {
		s := t.dist.Sample(g, params, ones, t.rng)
		oef := g.SliceChannels(s, 0, 1)
		dbv := g.SliceChannels(s, 1, 2)
		draws[k] = g.MulScalar(g.Mul(oef, dbv), dwCoeff)
	}
	stacked := g.ConcatChannels(draws...)
	mean := g.MeanChannels(stacked, 0, r2pSamples)
	dev := g.AddBroadcast(stacked, g.Neg(mean))
	variance := g.MeanChannels(g.Square(dev), 0, r2pSamples)
	logStd := g.MulScalar(g.Log(g.AddScalar(variance, 1e-12)), 0.5)

	trueR2p := g.SliceChannels(truth, 2, 3)
	z := g.Div(g.Sub(trueR2p, mean), g.Exp(logStd))
	nll := g.AddScalar(g.Add(logStd, g.MulScalar(g.Square(z), 0.5)), 0.5*math.Log(2*math.Pi))
	return g.MeanAll(nll)
}
