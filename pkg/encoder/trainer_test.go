package encoder

import (
	"errors"
	"math"
	"testing"

	"qboldnet/pkg/graph"
	"qboldnet/pkg/qbold"
)

func testOptions() Options {
	o := DefaultOptions()
	o.Units = 12
	o.Samples = 1
	o.MVN = false
	return o
}

func newTestTrainer(t *testing.T, o Options) *Trainer {
	t.Helper()
	tr, err := NewTrainer(qbold.DefaultSystemParams(), o)
	if err != nil {
		t.Fatal(err)
	}
	return tr
}

// randSignal fills a positive multi-echo tensor resembling raw magnitudes.
func randSignal(tr *Trainer, w, h, d int) *graph.Tensor {
	x := graph.NewTensor(1, w, h, d, tr.nEcho)
	for i := range x.Data {
		x.Data[i] = 400 + 100*math.Sin(float64(i))
	}
	return x
}

// TestNewTrainerValidation verifies the configuration checks.
func TestNewTrainerValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Options)
	}{
		{"zero units", func(o *Options) { o.Units = 0 }},
		{"negative layers", func(o *Options) { o.IntermediateLayers = -1 }},
		{"zero samples", func(o *Options) { o.Samples = 0 }},
		{"zero mixture", func(o *Options) { o.MoGComponents = 0 }},
		{"bad sigma", func(o *Options) { o.InitialImageSigma = 0 }},
	}
	for _, tc := range cases {
		o := testOptions()
		tc.mutate(&o)
		if _, err := NewTrainer(qbold.DefaultSystemParams(), o); err == nil {
			t.Errorf("%s: expected an error", tc.name)
		}
	}
}

// TestNormalizeScaleInvariance verifies that the encoder input is invariant
// to a global intensity scale.
func TestNormalizeScaleInvariance(t *testing.T) {
	tr := newTestTrainer(t, testOptions())
	x := randSignal(tr, 2, 2, 1)
	scaled := graph.NewTensor(x.Shape...)
	for i, v := range x.Data {
		scaled.Data[i] = 10 * v
	}

	g := graph.New(false)
	a := tr.NormalizeSignal(g, x)
	b := tr.NormalizeSignal(g, scaled)
	for i := range a.Data {
		if math.Abs(a.Data[i]-b.Data[i]) > 1e-12 {
			t.Fatalf("element %d: %g vs %g after scaling", i, a.Data[i], b.Data[i])
		}
	}
}

// TestNormalizeSpinEchoWindow verifies that the window mean normalizes the
// spin-echo region to log(1) = 0 for a flat signal.
func TestNormalizeSpinEchoWindow(t *testing.T) {
	tr := newTestTrainer(t, testOptions())
	x := graph.NewTensor(1, 1, 1, 1, tr.nEcho)
	x.Fill(250)

	g := graph.New(false)
	n := tr.NormalizeSignal(g, x)
	for i, v := range n.Data {
		if math.Abs(v) > 1e-12 {
			t.Errorf("echo %d: normalized flat signal is %g, want 0", i, v)
		}
	}
}

// TestGateOffsetLimits verifies the residual stream collapses onto the
// pointwise stream when the gate saturates closed, and departs from it when
// the gate saturates open.
func TestGateOffsetLimits(t *testing.T) {
	closed := testOptions()
	closed.GateOffset = -40
	tr := newTestTrainer(t, closed)
	enc := tr.BuildEncoder()
	x := randSignal(tr, 3, 3, 1)

	g := graph.New(false)
	pw, resid, _ := enc.Forward(g, x, false)
	for i := range pw.Data {
		if math.Abs(pw.Data[i]-resid.Data[i]) > 1e-9 {
			t.Fatalf("closed gate: streams differ at %d: %g vs %g", i, pw.Data[i], resid.Data[i])
		}
	}

	open := testOptions()
	open.GateOffset = 40
	tr2 := newTestTrainer(t, open)
	enc2 := tr2.BuildEncoder()
	g2 := graph.New(false)
	pw2, resid2, _ := enc2.Forward(g2, x, false)
	var diff float64
	for i := range pw2.Data {
		diff += math.Abs(pw2.Data[i] - resid2.Data[i])
	}
	if diff == 0 {
		t.Error("open gate: residual stream should depart from the pointwise stream")
	}
}

// TestInnerStandalone verifies the trunk is constructible and runnable on
// its own hidden features, and that every encoder owns a distinct trunk.
func TestInnerStandalone(t *testing.T) {
	o := testOptions()
	tr := newTestTrainer(t, o)
	inner := tr.BuildInner()

	feats := graph.NewTensor(1, 2, 2, 1, o.Units)
	for i := range feats.Data {
		feats.Data[i] = math.Sin(float64(i))
	}
	g := graph.New(false)
	pw, resid, sigma := inner.Forward(g, feats, false)
	if pw.Channels() != tr.dist.NumParams() || resid.Channels() != tr.dist.NumParams() {
		t.Errorf("trunk outputs %d/%d channels, want %d", pw.Channels(), resid.Channels(), tr.dist.NumParams())
	}
	if sigma == nil {
		t.Fatal("heteroscedastic trunk returned no noise tensor")
	}

	a, b := tr.BuildEncoder(), tr.BuildEncoder()
	if a.Inner == b.Inner {
		t.Error("encoders must not share a trunk")
	}
	if want := len(a.First.Params()) + len(a.Inner.Params()); len(a.Params()) != want {
		t.Errorf("encoder exposes %d parameter tensors, want %d", len(a.Params()), want)
	}
}

// TestNoiseHeadInitialScale verifies the predicted noise starts at the
// configured sigma when the head weights are zero-initialized.
func TestNoiseHeadInitialScale(t *testing.T) {
	o := testOptions()
	o.ResidInitStd = 0 // zero spatial and noise-head weights, bias only
	tr := newTestTrainer(t, o)
	enc := tr.BuildEncoder()

	g := graph.New(false)
	_, _, sigma := enc.Forward(g, randSignal(tr, 2, 2, 1), false)
	if sigma == nil {
		t.Fatal("heteroscedastic model returned no noise tensor")
	}
	for i, v := range sigma.Data {
		if math.Abs(v-o.InitialImageSigma) > 1e-12 {
			t.Fatalf("element %d: initial sigma %g, want %g", i, v, o.InitialImageSigma)
		}
	}
}

// TestEncoderParams verifies the trainable tensor inventory for a known
// configuration.
func TestEncoderParams(t *testing.T) {
	o := testOptions()
	tr := newTestTrainer(t, o)
	enc := tr.BuildEncoder()

	// first(2) + block: shared(2)+conv1(2)+conv2(2)+gate(2) + head(2) + noise(2)
	want := 2 + o.IntermediateLayers*8 + 2 + 2
	if got := len(enc.Params()); got != want {
		t.Errorf("got %d parameter tensors, want %d", got, want)
	}

	o2 := o
	o2.UseChannelNorm = true
	o2.InferInvGamma = true
	o2.HeteroscedasticNoise = false
	tr2 := newTestTrainer(t, o2)
	enc2 := tr2.BuildEncoder()
	// Norm adds 4 per block, the inverse-gamma variable adds 1, dropping
	// the noise head removes 2.
	want2 := want + o.IntermediateLayers*4 + 1 - 2
	if got := len(enc2.Params()); got != want2 {
		t.Errorf("variant: got %d parameter tensors, want %d", got, want2)
	}
}

// TestInvGammaChannels verifies the hyperparameter channels are appended to
// the pointwise output only.
func TestInvGammaChannels(t *testing.T) {
	o := testOptions()
	o.InferInvGamma = true
	tr := newTestTrainer(t, o)
	enc := tr.BuildEncoder()

	g := graph.New(false)
	pw, resid, _ := enc.Forward(g, randSignal(tr, 2, 2, 1), false)
	if pw.Channels() != tr.dist.NumParams()+4 {
		t.Errorf("pointwise channels %d, want %d", pw.Channels(), tr.dist.NumParams()+4)
	}
	if resid.Channels() != tr.dist.NumParams() {
		t.Errorf("residual channels %d, want %d", resid.Channels(), tr.dist.NumParams())
	}
	// The activated hyperparameters start at their configured values.
	want := []float64{20, 2.5, 20, 2.5}
	for j, w := range want {
		got := pw.Data[tr.dist.NumParams()+j]
		if math.Abs(got-w) > 1e-9 {
			t.Errorf("hyperparameter %d: got %g, want %g", j, got, w)
		}
	}
}

// TestVarianceRegularizerUnimplemented verifies the sentinel.
func TestVarianceRegularizerUnimplemented(t *testing.T) {
	tr := newTestTrainer(t, testOptions())
	if _, err := tr.VarianceRegularizer(graph.New(false), nil); !errors.Is(err, ErrNotImplemented) {
		t.Errorf("expected ErrNotImplemented, got %v", err)
	}
}

// TestCalculateMeansTightPosterior verifies the Monte Carlo summary against
// a near-deterministic posterior.
func TestCalculateMeansTightPosterior(t *testing.T) {
	tr := newTestTrainer(t, testOptions())
	oef, dbv := 0.3, 0.05
	params := graph.NewConst([]float64{
		tr.dist.OEF().Backward(oef), -6,
		tr.dist.DBV().Backward(dbv), -6,
	}, 1, 4)
	mask := graph.NewConst([]float64{1}, 1, 1)

	means, stds, err := tr.CalculateMeans(params, mask, MeanOptions{Samples: 200, IncludeR2Prime: true, ReturnStds: true})
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(means.Data[0]-oef) > 0.005 {
		t.Errorf("OEF mean %g, want ~%g", means.Data[0], oef)
	}
	if math.Abs(means.Data[1]-dbv) > 0.002 {
		t.Errorf("DBV mean %g, want ~%g", means.Data[1], dbv)
	}
	wantR2p := tr.sys.DwCoeff() * oef * dbv
	if math.Abs(means.Data[2]-wantR2p) > 0.05*wantR2p {
		t.Errorf("R2' mean %g, want ~%g", means.Data[2], wantR2p)
	}
	if stds.Data[0] > 0.01 {
		t.Errorf("OEF std %g too large for a near-deterministic posterior", stds.Data[0])
	}
}

// TestCalculateMeansMaskedVoxels verifies masked voxels stay zero.
func TestCalculateMeansMaskedVoxels(t *testing.T) {
	tr := newTestTrainer(t, testOptions())
	params := graph.NewTensor(2, 4)
	mask := graph.NewConst([]float64{0, 1}, 2, 1)

	means, _, err := tr.CalculateMeans(params, mask, MeanOptions{Samples: 10})
	if err != nil {
		t.Fatal(err)
	}
	if means.Data[0] != 0 || means.Data[1] != 0 {
		t.Errorf("masked voxel has non-zero means: %v", means.Data[:2])
	}
	if means.Data[2] == 0 {
		t.Error("unmasked voxel has zero OEF mean")
	}
}
