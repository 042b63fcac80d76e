package encoder

import (
	"math"
	"testing"

	"qboldnet/pkg/graph"
)

// buildLossFixture creates matching observed/predicted tensors over a 2x1x1
// grid where only the first voxel is masked in.
func buildLossFixture(tr *Trainer) (yTrue, yPred *graph.Tensor) {
	n := tr.nEcho
	yTrue = graph.NewTensor(1, 2, 1, 1, n+1)
	yPred = graph.NewTensor(1, 2, 1, 1, 2*n)
	for v := 0; v < 2; v++ {
		for e := 0; e < n; e++ {
			s := 300 + 10*float64(e+v)
			yTrue.Data[v*(n+1)+e] = s
			yPred.Data[v*2*n+e] = s * 1.05
			yPred.Data[v*2*n+n+e] = 0.1
		}
	}
	yTrue.Data[n] = 1 // mask voxel 0 in, voxel 1 out
	return yTrue, yPred
}

// TestFineTuneLossMaskInvariance verifies that masked-out voxels cannot
// influence the mean reconstruction loss.
func TestFineTuneLossMaskInvariance(t *testing.T) {
	tr := newTestTrainer(t, testOptions())
	yTrue, yPred := buildLossFixture(tr)

	g := graph.New(false)
	base := tr.FineTuneLoss(g, yTrue, yPred, true).Data[0]

	// Corrupt the masked-out voxel's signal.
	n := tr.nEcho
	for e := 0; e < n; e++ {
		yTrue.Data[(n+1)+e] *= 7
	}
	mutated := tr.FineTuneLoss(graph.New(false), yTrue, yPred, true).Data[0]
	if math.Abs(base-mutated) > 1e-12 {
		t.Errorf("masked voxel changed the loss: %g vs %g", base, mutated)
	}
}

// TestFineTuneLossPerfectReconstruction verifies the Gaussian likelihood
// value when the prediction matches the data exactly with unit sigma.
func TestFineTuneLossPerfectReconstruction(t *testing.T) {
	o := testOptions()
	o.StudentTDF = 100 // Gaussian branch
	o.HeteroscedasticNoise = false
	tr := newTestTrainer(t, o)

	n := tr.nEcho
	yTrue := graph.NewTensor(1, 1, 1, 1, n+1)
	yPred := graph.NewTensor(1, 1, 1, 1, n+1)
	for e := 0; e < n; e++ {
		s := 200 + 5*float64(e)
		yTrue.Data[e] = s
		yPred.Data[e] = s
	}
	yTrue.Data[n] = 1 // mask
	yPred.Data[n] = 1 // unit sigma

	g := graph.New(false)
	got := tr.FineTuneLoss(g, yTrue, yPred, true).Data[0]
	want := float64(n) * 0.5 * math.Log(2*math.Pi)
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("perfect reconstruction NLL %g, want %g", got, want)
	}
}

// TestFineTuneLossSelfReconstruction verifies the likelihood floor: a
// posterior concentrated on the true parameters reconstructs its own
// noiseless acquisition through sampling and the forward model, leaving
// only the constant Gaussian entropy term.
func TestFineTuneLossSelfReconstruction(t *testing.T) {
	o := testOptions()
	o.StudentTDF = 100 // Gaussian branch
	o.HeteroscedasticNoise = false
	tr := newTestTrainer(t, o)
	n := tr.nEcho

	oef, dbv := 0.35, 0.06
	obs := tr.Signal().Predict(oef, dbv)
	yTrue := graph.NewTensor(1, 1, 1, 1, n+1)
	copy(yTrue.Data, obs)
	yTrue.Data[n] = 1 // mask

	params := graph.NewConst([]float64{
		tr.dist.OEF().Backward(oef), -12,
		tr.dist.DBV().Backward(dbv), -12,
	}, 1, 1, 1, 1, 4)
	ones := graph.NewTensor(1, 1, 1, 1, 1)
	ones.Fill(1)

	g := graph.New(false)
	sampled := tr.dist.Sample(g, params, ones, tr.rng)
	recon := tr.Signal().Apply(g, sampled)
	yPred := g.ConcatChannels(recon, ones) // unit sigma

	got := tr.FineTuneLoss(g, yTrue, yPred, true).Data[0]
	want := float64(n) * 0.5 * math.Log(2*math.Pi)
	if math.Abs(got-want) > 1e-5 {
		t.Errorf("self-reconstruction NLL %g, want %g", got, want)
	}
}

// TestFineTuneLossStudentTHeavierTails verifies the Student-t branch
// penalizes large residuals less than the Gaussian.
func TestFineTuneLossStudentTHeavierTails(t *testing.T) {
	gaussOpts := testOptions()
	gaussOpts.StudentTDF = 100
	tOpts := testOptions()
	tOpts.StudentTDF = 2

	trG := newTestTrainer(t, gaussOpts)
	trT := newTestTrainer(t, tOpts)
	n := trG.nEcho

	yTrue := graph.NewTensor(1, 1, 1, 1, n+1)
	yPred := graph.NewTensor(1, 1, 1, 1, 2*n)
	for e := 0; e < n; e++ {
		yTrue.Data[e] = 100
		yPred.Data[e] = 100
		yPred.Data[n+e] = 0.05
	}
	yPred.Data[n-1] = 500 // gross outlier on the last echo
	yTrue.Data[n] = 1

	lg := trG.FineTuneLoss(graph.New(false), yTrue, yPred, true).Data[0]
	lt := trT.FineTuneLoss(graph.New(false), yTrue, yPred, true).Data[0]
	if lt >= lg {
		t.Errorf("Student-t loss %g should be below Gaussian %g on outliers", lt, lg)
	}
}

// TestKLLossZeroAtPrior verifies the KL term vanishes when the posterior
// equals the frozen voxelwise prior.
func TestKLLossZeroAtPrior(t *testing.T) {
	tr := newTestTrainer(t, testOptions())
	q := graph.NewConst([]float64{
		-0.9, 0.2, -1.1, -0.3,
		-0.5, 0.1, -1.3, 0.4,
	}, 1, 2, 1, 1, 4)
	mask := graph.NewTensor(1, 2, 1, 1, 1)
	mask.Fill(1)
	yTrue := concatConst(q, mask)

	g := graph.New(false)
	kl := tr.KLLoss(g, yTrue, q, true)
	if math.Abs(kl.Data[0]) > 1e-9 {
		t.Errorf("KL at prior: %g, want 0", kl.Data[0])
	}
}

// TestKLLossPopulationPrior verifies the dispatch to the learned population
// prior channels.
func TestKLLossPopulationPrior(t *testing.T) {
	o := testOptions()
	o.UsePopulationPrior = true
	tr := newTestTrainer(t, o)

	q := graph.NewConst([]float64{-0.9, 0.2, -1.1, -0.3}, 1, 1, 1, 1, 4)
	// Population prior equals the posterior: KL must be zero even though
	// the voxelwise prior channels disagree.
	predicted := concatConst(q, q)
	bogusPrior := graph.NewTensor(1, 1, 1, 1, 4)
	bogusPrior.Fill(3)
	mask := graph.NewTensor(1, 1, 1, 1, 1)
	mask.Fill(1)
	yTrue := concatConst(bogusPrior, mask)

	g := graph.New(false)
	kl := tr.KLLoss(g, yTrue, predicted, true)
	if math.Abs(kl.Data[0]) > 1e-9 {
		t.Errorf("population-prior KL: %g, want 0", kl.Data[0])
	}
}

// TestSmoothnessLoss verifies the total-variation penalty is zero on a
// spatially constant map and positive otherwise.
func TestSmoothnessLoss(t *testing.T) {
	tr := newTestTrainer(t, testOptions())
	mask := graph.NewTensor(1, 3, 3, 1, 1)
	mask.Fill(1)
	prior := graph.NewTensor(1, 3, 3, 1, 4)
	yTrue := concatConst(prior, mask)

	flat := graph.NewTensor(1, 3, 3, 1, 4)
	for v := 0; v < 9; v++ {
		copy(flat.Data[v*4:(v+1)*4], []float64{-0.9, 0.2, -1.1, -0.3})
	}
	g := graph.New(false)
	if tv := tr.SmoothnessLoss(g, yTrue, flat); math.Abs(tv.Data[0]) > 1e-12 {
		t.Errorf("flat map TV: %g, want 0", tv.Data[0])
	}

	bumpy := flat.Clone()
	bumpy.Data[4*4] = 2 // perturb the centre voxel's OEF mean
	if tv := tr.SmoothnessLoss(graph.New(false), yTrue, bumpy); tv.Data[0] <= 0 {
		t.Errorf("bumpy map TV: %g, want positive", tv.Data[0])
	}
}

// TestSmoothnessLossMaskEdges verifies differences across the mask boundary
// are excluded.
func TestSmoothnessLossMaskEdges(t *testing.T) {
	tr := newTestTrainer(t, testOptions())
	// Two in-plane voxels, only the first masked in.
	mask := graph.NewConst([]float64{1, 0}, 1, 2, 1, 1, 1)
	prior := graph.NewTensor(1, 2, 1, 1, 4)
	yTrue := concatConst(prior, mask)

	params := graph.NewTensor(1, 2, 1, 1, 4)
	params.Data[4] = 5 // large jump into the masked-out voxel

	g := graph.New(false)
	if tv := tr.SmoothnessLoss(g, yTrue, params); math.Abs(tv.Data[0]) > 1e-12 {
		t.Errorf("TV across mask edge: %g, want 0", tv.Data[0])
	}
}

// TestSyntheticLossPrefersTruth verifies the pretraining objective scores a
// posterior centred on the truth better than a mis-centred one.
func TestSyntheticLossPrefersTruth(t *testing.T) {
	tr := newTestTrainer(t, testOptions())
	oef, dbv := 0.35, 0.06
	truth := graph.NewConst([]float64{oef, dbv, tr.sys.DwCoeff() * oef * dbv}, 1, 1, 1, 1, 3)

	centred := graph.NewConst([]float64{
		tr.dist.OEF().Backward(oef), -1,
		tr.dist.DBV().Backward(dbv), -1,
	}, 1, 1, 1, 1, 4)
	offset := graph.NewConst([]float64{
		tr.dist.OEF().Backward(oef) + 2, -1,
		tr.dist.DBV().Backward(dbv) - 2, -1,
	}, 1, 1, 1, 1, 4)

	g := graph.New(false)
	lc := tr.SyntheticLoss(g, truth, centred, false).Data[0]
	lo := tr.SyntheticLoss(g, truth, offset, false).Data[0]
	if lc >= lo {
		t.Errorf("centred loss %g should be below offset loss %g", lc, lo)
	}
}

// TestR2PrimeLossFinite verifies the sampled R2' term produces a finite,
// differentiable value.
func TestR2PrimeLossFinite(t *testing.T) {
	tr := newTestTrainer(t, testOptions())
	oef, dbv := 0.35, 0.06
	truth := graph.NewConst([]float64{oef, dbv, tr.sys.DwCoeff() * oef * dbv}, 1, 1, 1, 1, 3)
	params := graph.NewConst([]float64{
		tr.dist.OEF().Backward(oef), -2,
		tr.dist.DBV().Backward(dbv), -2,
	}, 1, 1, 1, 1, 4)

	g := graph.New(true)
	loss := tr.R2PrimeLoss(g, truth, params)
	if math.IsNaN(loss.Data[0]) || math.IsInf(loss.Data[0], 0) {
		t.Fatalf("R2' loss is not finite: %g", loss.Data[0])
	}
	g.BackwardFrom(loss)
	var total float64
	for _, gr := range params.Grad {
		total += math.Abs(gr)
	}
	if total == 0 {
		t.Error("no gradient reached the distribution parameters")
	}
}
