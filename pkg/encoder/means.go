package encoder

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"qboldnet/pkg/dist"
	"qboldnet/pkg/graph"
)

// MeanOptions controls Monte Carlo posterior summarization.
type MeanOptions struct {
	// Samples is the number of posterior draws per voxel.
	Samples int

	// IncludeR2Prime adds a third channel with the implied R2'.
	IncludeR2Prime bool

	// ReturnStds also computes per-voxel standard deviations.
	ReturnStds bool
}

// DefaultMeanOptions is the fast setting used for training metrics. Final
// maps are produced with a larger draw count.
func DefaultMeanOptions() MeanOptions { return MeanOptions{Samples: 20} }

// CalculateMeans summarizes the posterior by sampling: per masked voxel it
// draws from the predicted distribution, transforms to natural units and
// averages. Means are never read off the raw parameter channels, so the
// summary is exact for any transform of the distribution. The returned
// tensors have channels [oef, dbv] or [oef, dbv, r2p]; stds is nil unless
// requested.
func (t *Trainer) CalculateMeans(params, mask *graph.Tensor, o MeanOptions) (means, stds *graph.Tensor, err error) {
	p := t.dist.NumParams()
	c := params.Channels()
	if c < p {
		return nil, nil, fmt.Errorf("encoder: parameter tensor has %d channels, want at least %d", c, p)
	}
	if mask.Rows() != params.Rows() {
		return nil, nil, fmt.Errorf("encoder: mask rows %d do not match parameter rows %d", mask.Rows(), params.Rows())
	}
	if o.Samples < 2 {
		return nil, nil, fmt.Errorf("encoder: need at least 2 samples, got %d", o.Samples)
	}

	outC := 2
	if o.IncludeR2Prime {
		outC = 3
	}
	outShape := make([]int, len(params.Shape))
	copy(outShape, params.Shape)
	outShape[len(outShape)-1] = outC
	means = graph.NewTensor(outShape...)
	if o.ReturnStds {
		stds = graph.NewTensor(outShape...)
	}

	dwCoeff := t.sys.DwCoeff()
	rows := params.Rows()
	vec := make([]float64, p)
	oefs := make([]float64, o.Samples)
	dbvs := make([]float64, o.Samples)
	r2ps := make([]float64, o.Samples)
	for r := 0; r < rows; r++ {
		if mask.Data[r] == 0 {
			continue
		}
		copy(vec, params.Data[r*c:r*c+p])
		for s := 0; s < o.Samples; s++ {
			oef, dbv := t.dist.DrawNatural(vec, t.rng)
			oefs[s], dbvs[s] = oef, dbv
			r2ps[s] = dwCoeff * oef * dbv
		}
		means.Data[r*outC] = stat.Mean(oefs, nil)
		means.Data[r*outC+1] = stat.Mean(dbvs, nil)
		if o.IncludeR2Prime {
			means.Data[r*outC+2] = stat.Mean(r2ps, nil)
		}
		if o.ReturnStds {
			stds.Data[r*outC] = stat.StdDev(oefs, nil)
			stds.Data[r*outC+1] = stat.StdDev(dbvs, nil)
			if o.IncludeR2Prime {
				stds.Data[r*outC+2] = stat.StdDev(r2ps, nil)
			}
		}
	}
	return means, stds, nil
}

// Metrics are masked mean squared errors of the posterior-mean maps against
// ground truth, one per physiological quantity.
type Metrics struct {
	OEFMSE float64
	DBVMSE float64
	R2pMSE float64
}

// EvaluateMetrics compares Monte Carlo posterior means against a truth
// tensor with channels [oef, dbv, r2p].
func (t *Trainer) EvaluateMetrics(params, truth, mask *graph.Tensor, samples int) (Metrics, error) {
	if truth.Channels() != 3 {
		return Metrics{}, fmt.Errorf("encoder: truth tensor has %d channels, want 3", truth.Channels())
	}
	means, _, err := t.CalculateMeans(params, mask, MeanOptions{Samples: samples, IncludeR2Prime: true})
	if err != nil {
		return Metrics{}, err
	}
	var m Metrics
	var n float64
	rows := params.Rows()
	for r := 0; r < rows; r++ {
		if mask.Data[r] == 0 {
			continue
		}
		for j, acc := range []*float64{&m.OEFMSE, &m.DBVMSE, &m.R2pMSE} {
			d := means.Data[r*3+j] - truth.Data[r*3+j]
			*acc += d * d
		}
		n++
	}
	if n > 0 {
		m.OEFMSE /= n
		m.DBVMSE /= n
		m.R2pMSE /= n
	}
	return m, nil
}

// EstimatePopulationParams fits a single diagonal logit-space Gaussian to
// the pretrained posterior means over a cohort, used to initialize the
// learned population prior. The returned vector matches the layout of the
// distribution parameters (a zero correlation channel for the bivariate
// family).
func (t *Trainer) EstimatePopulationParams(enc *Encoder, signals, masks []*graph.Tensor) ([]float64, error) {
	if len(signals) == 0 || len(signals) != len(masks) {
		return nil, fmt.Errorf("encoder: need matching non-empty signal and mask sets, got %d and %d", len(signals), len(masks))
	}
	var zo, zd []float64
	for i, s := range signals {
		g := graph.New(false)
		pw, _, _ := enc.Forward(g, s, false)
		means, _, err := t.CalculateMeans(pw, masks[i], DefaultMeanOptions())
		if err != nil {
			return nil, err
		}
		rows := pw.Rows()
		for r := 0; r < rows; r++ {
			if masks[i].Data[r] == 0 {
				continue
			}
			oef := clampInterior(means.Data[r*2], t.dist.OEF())
			dbv := clampInterior(means.Data[r*2+1], t.dist.DBV())
			zo = append(zo, t.dist.OEF().Backward(oef))
			zd = append(zd, t.dist.DBV().Backward(dbv))
		}
	}
	if len(zo) < 2 {
		return nil, fmt.Errorf("encoder: only %d masked voxels, cannot estimate a population prior", len(zo))
	}
	out := []float64{
		stat.Mean(zo, nil), math.Log(stat.StdDev(zo, nil)),
		stat.Mean(zd, nil), math.Log(stat.StdDev(zd, nil)),
	}
	if t.opts.MVN {
		out = append(out, 0)
	}
	return out, nil
}

// clampInterior keeps a value strictly inside its range so the logit stays
// finite.
func clampInterior(v float64, r dist.Range) float64 {
	eps := 1e-4 * r.Width
	return math.Min(r.Min+r.Width-eps, math.Max(r.Min+eps, v))
}
