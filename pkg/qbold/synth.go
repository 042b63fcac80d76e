package qbold

import (
	"golang.org/x/exp/rand"

	"qboldnet/internal/models"
	"qboldnet/pkg/graph"
)

// SynthRanges bounds the uniformly sampled ground-truth parameters of a
// synthetic dataset.
type SynthRanges struct {
	OEFMin, OEFMax float64
	DBVMin, DBVMax float64
}

// DefaultSynthRanges covers the physiological spread seen in vivo.
func DefaultSynthRanges() SynthRanges {
	return SynthRanges{OEFMin: 0.02, OEFMax: 0.6, DBVMin: 0.002, DBVMax: 0.15}
}

// Synthesize generates n batches of paired (signal, truth) volumes of shape
// [batch, w, h, d]. Truth has three channels (OEF, DBV, R2'); signals are
// produced by the forward model with optional additive Gaussian noise of the
// given standard deviation relative to the spin-echo amplitude.
func (m *SignalModel) Synthesize(n, batch, w, h, d int, ranges SynthRanges, noiseSD float64, rng *rand.Rand) []models.Batch {
	nEcho := m.NumEchoes()
	dwCoeff := m.params.DwCoeff()
	batches := make([]models.Batch, n)
	for bi := range batches {
		x := graph.NewTensor(batch, w, h, d, nEcho)
		y := graph.NewTensor(batch, w, h, d, 3)
		mask := graph.NewTensor(batch, w, h, d, 1)
		voxels := batch * w * h * d
		for v := 0; v < voxels; v++ {
			oef := ranges.OEFMin + rng.Float64()*(ranges.OEFMax-ranges.OEFMin)
			dbv := ranges.DBVMin + rng.Float64()*(ranges.DBVMax-ranges.DBVMin)
			sig := m.Predict(oef, dbv)
			for e := 0; e < nEcho; e++ {
				s := sig[e]
				if noiseSD > 0 {
					s += rng.NormFloat64() * noiseSD * sig[m.params.SpinEchoIndex()]
				}
				if s < 1e-6 {
					s = 1e-6
				}
				x.Data[v*nEcho+e] = s
			}
			y.Data[v*3] = oef
			y.Data[v*3+1] = dbv
			y.Data[v*3+2] = dwCoeff * oef * dbv
			mask.Data[v] = 1
		}
		batches[bi] = models.Batch{Signal: x, Truth: y, Mask: mask}
	}
	return batches
}
