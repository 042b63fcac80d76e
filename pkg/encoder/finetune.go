package encoder

import (
	"fmt"

	"qboldnet/pkg/graph"
)

// FineTuner wraps a pretrained encoder with the learned variables that only
// exist during fine-tuning: the population prior parameters and, for
// homoscedastic models, the global noise scale.
type FineTuner struct {
	Enc *Encoder

	// PopPriors holds one parameter vector per mixture component. Empty
	// unless the population prior is enabled.
	PopPriors []*graph.GlobalVar

	// GlobalSigma is the learned homoscedastic noise scale. Nil when the
	// encoder predicts per-voxel noise.
	GlobalSigma *graph.GlobalVar

	t *Trainer
}

// FineTuneBatch is one real-data training example: the raw signal, its brain
// mask and the frozen voxelwise prior parameters captured from the encoder
// before fine-tuning began (unused under a population prior).
type FineTuneBatch struct {
	Signal *graph.Tensor
	Mask   *graph.Tensor
	Prior  *graph.Tensor
}

// FineTuneOutput gathers the tensors of one fine-tuning forward pass. All
// are tiled by the configured sample count along the batch axis.
type FineTuneOutput struct {
	// Posterior is the residual-stream distribution parameters, with the
	// population prior parameters appended as extra channels when enabled.
	Posterior *graph.Tensor

	// Sampled is the reparameterized (OEF, DBV) draw fed to the forward
	// model.
	Sampled *graph.Tensor

	// Reconstruction is the predicted signal concatenated with the noise
	// standard deviation channels.
	Reconstruction *graph.Tensor

	// Mask is the tiled brain mask.
	Mask *graph.Tensor
}

// BuildFineTuner attaches the fine-tuning variables to a pretrained encoder.
func (t *Trainer) BuildFineTuner(enc *Encoder) *FineTuner {
	ft := &FineTuner{Enc: enc, t: t}
	if t.opts.UsePopulationPrior {
		base := []float64{-0.97, 0.4, -1.14, 0.6}
		if t.opts.MVN {
			base = append(base, 0)
		}
		for k := 0; k < t.opts.MoGComponents; k++ {
			init := make([]float64, len(base))
			if t.opts.MoGComponents == 1 {
				copy(init, base)
			} else {
				// Components must start apart or the mixture collapses.
				for i := range init {
					init[i] = base[i] + t.rng.NormFloat64()*0.5
				}
			}
			ft.PopPriors = append(ft.PopPriors, graph.NewGlobalVar(init, false))
		}
	}
	if !t.opts.HeteroscedasticNoise {
		ft.GlobalSigma = graph.NewGlobalVarLog([]float64{t.opts.InitialImageSigma})
	}
	return ft
}

// Params returns the encoder parameters plus the fine-tuning variables.
func (f *FineTuner) Params() []*graph.Tensor {
	ps := f.Enc.Params()
	for _, p := range f.PopPriors {
		ps = append(ps, p.Params()...)
	}
	if f.GlobalSigma != nil {
		ps = append(ps, f.GlobalSigma.Params()...)
	}
	return ps
}

// Forward runs one fine-tuning pass: encode, tile by the sample count, draw
// reparameterized samples, push them through the forward model and append
// the noise channels. Sampling sees only the posterior parameters; the
// population prior channels are appended afterwards for the KL term.
func (f *FineTuner) Forward(g *graph.Graph, signal, mask *graph.Tensor, training bool) FineTuneOutput {
	t := f.t
	_, resid, sigma := f.Enc.Forward(g, signal, training)

	post := g.TileBatch(resid, t.opts.Samples)
	maskT := g.TileBatch(mask, t.opts.Samples)

	sampled := t.dist.Sample(g, post, maskT, t.rng)
	recon := t.signal.Apply(g, sampled)

	if sigma != nil {
		recon = g.ConcatChannels(recon, g.TileBatch(sigma, t.opts.Samples))
	} else {
		recon = g.ConcatChannels(recon, f.GlobalSigma.Broadcast(g, g.SliceChannels(recon, 0, 1)))
	}

	if len(f.PopPriors) > 0 {
		parts := []*graph.Tensor{post}
		for _, p := range f.PopPriors {
			parts = append(parts, p.Broadcast(g, post))
		}
		post = g.ConcatChannels(parts...)
	}
	return FineTuneOutput{Posterior: post, Sampled: sampled, Reconstruction: recon, Mask: maskT}
}

// PrepareFineTune captures frozen voxelwise priors for each subject by
// running the pretrained pointwise stream once in inference mode.
func (t *Trainer) PrepareFineTune(enc *Encoder, signals, masks []*graph.Tensor) ([]FineTuneBatch, error) {
	if len(signals) != len(masks) {
		return nil, fmt.Errorf("encoder: %d signals but %d masks", len(signals), len(masks))
	}
	batches := make([]FineTuneBatch, len(signals))
	for i, s := range signals {
		g := graph.New(false)
		pw, _, _ := enc.Forward(g, s, false)
		prior := graph.NewConst(pw.Data, pw.Shape...)
		batches[i] = FineTuneBatch{Signal: s, Mask: masks[i], Prior: prior}
	}
	return batches, nil
}
