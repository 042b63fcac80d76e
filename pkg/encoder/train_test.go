package encoder

import (
	"math"
	"testing"

	"golang.org/x/exp/rand"

	"qboldnet/pkg/graph"
	"qboldnet/pkg/qbold"
)

// TestPretrainReducesLoss verifies that a few epochs of supervised training
// on noiseless synthetic voxels reduce the density loss.
func TestPretrainReducesLoss(t *testing.T) {
	o := testOptions()
	o.IntermediateLayers = 1
	tr := newTestTrainer(t, o)
	enc := tr.BuildEncoder()

	rng := rand.New(rand.NewSource(42))
	batches := tr.Signal().Synthesize(6, 2, 5, 5, 2, qbold.DefaultSynthRanges(), 0, rng)
	valid := tr.Signal().Synthesize(1, 2, 5, 5, 2, qbold.DefaultSynthRanges(), 0, rng)[0]

	stats, err := tr.Pretrain(enc, batches, &valid, PretrainConfig{
		Epochs:       10,
		LearningRate: 5e-3,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(stats) != 10 {
		t.Fatalf("got %d epoch stats, want 10", len(stats))
	}
	first, last := stats[0], stats[len(stats)-1]
	if !last.HasValid {
		t.Fatal("validation metrics missing")
	}
	if last.MeanLoss >= first.MeanLoss {
		t.Errorf("loss did not decrease: %g -> %g", first.MeanLoss, last.MeanLoss)
	}
	for _, v := range []float64{last.Validation.OEFMSE, last.Validation.DBVMSE, last.Validation.R2pMSE} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Fatalf("validation metric is not finite: %g", v)
		}
	}
}

// TestPretrainHeldOutAccuracy verifies the end-to-end pretraining property
// on noiseless synthetic volumes: the held-out OEF/DBV MSE descends on
// average across epochs and the final errors fall below the documented
// thresholds (OEF MSE < 0.02, DBV MSE < 0.0016 after 25 epochs at the
// reference learning rate).
func TestPretrainHeldOutAccuracy(t *testing.T) {
	o := testOptions()
	o.Units = 24
	o.IntermediateLayers = 1
	tr := newTestTrainer(t, o)
	enc := tr.BuildEncoder()

	rng := rand.New(rand.NewSource(23))
	batches := tr.Signal().Synthesize(6, 4, 10, 10, 5, qbold.DefaultSynthRanges(), 0, rng)
	valid := tr.Signal().Synthesize(1, 4, 10, 10, 5, qbold.DefaultSynthRanges(), 0, rng)[0]

	const epochs = 25
	stats, err := tr.Pretrain(enc, batches, &valid, PretrainConfig{
		Epochs:       epochs,
		LearningRate: 5e-3,
	})
	if err != nil {
		t.Fatal(err)
	}

	avg := func(from, to int, pick func(Metrics) float64) float64 {
		var s float64
		for _, st := range stats[from:to] {
			s += pick(st.Validation)
		}
		return s / float64(to-from)
	}
	oefMSE := func(m Metrics) float64 { return m.OEFMSE }
	dbvMSE := func(m Metrics) float64 { return m.DBVMSE }
	if early, late := avg(0, 5, oefMSE), avg(epochs-5, epochs, oefMSE); late >= early {
		t.Errorf("OEF MSE did not descend on average: %g -> %g", early, late)
	}
	if early, late := avg(0, 5, dbvMSE), avg(epochs-5, epochs, dbvMSE); late >= early {
		t.Errorf("DBV MSE did not descend on average: %g -> %g", early, late)
	}
	last := stats[epochs-1].Validation
	if last.OEFMSE >= 0.02 {
		t.Errorf("final OEF MSE %g, want < 0.02", last.OEFMSE)
	}
	if last.DBVMSE >= 0.0016 {
		t.Errorf("final DBV MSE %g, want < 0.0016", last.DBVMSE)
	}
}

// TestFineTuneRuns verifies the full self-supervised loop: forward model
// reconstruction, KL and smoothness terms, optimizer step.
func TestFineTuneRuns(t *testing.T) {
	o := testOptions()
	o.Samples = 2
	tr := newTestTrainer(t, o)
	enc := tr.BuildEncoder()

	rng := rand.New(rand.NewSource(7))
	b := tr.Signal().Synthesize(1, 1, 6, 6, 1, qbold.DefaultSynthRanges(), 0.01, rng)[0]

	batches, err := tr.PrepareFineTune(enc, []*graph.Tensor{b.Signal}, []*graph.Tensor{b.Mask})
	if err != nil {
		t.Fatal(err)
	}
	ft := tr.BuildFineTuner(enc)
	stats, err := tr.FineTune(ft, batches, FineTuneConfig{
		Epochs:           2,
		LearningRate:     1e-3,
		KLWeight:         0.1,
		SmoothnessWeight: 0.1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(stats) != 2 {
		t.Fatalf("got %d epoch stats, want 2", len(stats))
	}
	for _, st := range stats {
		for _, v := range []float64{st.NLL, st.KL, st.Smoothness, st.Total} {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				t.Fatalf("epoch %d produced a non-finite loss component: %+v", st.Epoch, st)
			}
		}
		if st.KL < -1e-6 {
			t.Errorf("epoch %d: negative mean KL %g", st.Epoch, st.KL)
		}
	}
}

// TestFineTunerPopulationPrior verifies the posterior tensor layout and the
// learned variables under a mixture population prior.
func TestFineTunerPopulationPrior(t *testing.T) {
	o := testOptions()
	o.MVN = true
	o.UsePopulationPrior = true
	o.MoGComponents = 2
	o.HeteroscedasticNoise = false
	tr := newTestTrainer(t, o)
	enc := tr.BuildEncoder()
	ft := tr.BuildFineTuner(enc)

	if len(ft.PopPriors) != 2 {
		t.Fatalf("got %d prior components, want 2", len(ft.PopPriors))
	}
	if ft.GlobalSigma == nil {
		t.Fatal("homoscedastic model needs a global sigma variable")
	}

	rng := rand.New(rand.NewSource(3))
	b := tr.Signal().Synthesize(1, 1, 4, 4, 1, qbold.DefaultSynthRanges(), 0, rng)[0]
	g := graph.New(true)
	out := ft.Forward(g, b.Signal, b.Mask, true)

	p := tr.Dist().NumParams()
	if got := out.Posterior.Channels(); got != p*3 {
		t.Errorf("posterior has %d channels, want %d", got, p*3)
	}
	if got := out.Reconstruction.Channels(); got != tr.nEcho+1 {
		t.Errorf("reconstruction has %d channels, want %d", got, tr.nEcho+1)
	}
	if got := out.Sampled.Shape[0]; got != o.Samples {
		t.Errorf("sampled batch %d, want %d tiles", got, o.Samples)
	}
}

// TestEstimatePopulationParams verifies the cohort prior fit returns a
// finite parameter vector of the family's width.
func TestEstimatePopulationParams(t *testing.T) {
	o := testOptions()
	o.MVN = true
	tr := newTestTrainer(t, o)
	enc := tr.BuildEncoder()

	rng := rand.New(rand.NewSource(11))
	b := tr.Signal().Synthesize(1, 1, 5, 5, 1, qbold.DefaultSynthRanges(), 0.01, rng)[0]

	pop, err := tr.EstimatePopulationParams(enc, []*graph.Tensor{b.Signal}, []*graph.Tensor{b.Mask})
	if err != nil {
		t.Fatal(err)
	}
	if len(pop) != tr.Dist().NumParams() {
		t.Fatalf("got %d prior parameters, want %d", len(pop), tr.Dist().NumParams())
	}
	for i, v := range pop {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Errorf("prior parameter %d is not finite: %g", i, v)
		}
	}
	if pop[4] != 0 {
		t.Errorf("estimated prior correlation %g, want 0", pop[4])
	}
}
