package encoder

import (
	"fmt"

	"qboldnet/internal/models"
	"qboldnet/pkg/graph"
)

// PretrainConfig controls supervised pretraining on synthetic voxels.
type PretrainConfig struct {
	Epochs       int
	LearningRate float64
	WeightDecay  float64
	UseR2Prime   bool
}

// PretrainStats summarizes one pretraining epoch.
type PretrainStats struct {
	Epoch      int
	MeanLoss   float64
	Validation Metrics
	HasValid   bool
}

// Pretrain fits the encoder to synthetic batches by maximizing the log
// density of the known ground truth. Validation metrics, when a held-out
// batch is supplied, are Monte Carlo posterior-mean errors.
func (t *Trainer) Pretrain(enc *Encoder, train []models.Batch, valid *models.Batch, cfg PretrainConfig) ([]PretrainStats, error) {
	if len(train) == 0 {
		return nil, fmt.Errorf("encoder: no training batches")
	}
	if cfg.Epochs < 1 || cfg.LearningRate <= 0 {
		return nil, fmt.Errorf("encoder: invalid pretraining config: epochs=%d lr=%g", cfg.Epochs, cfg.LearningRate)
	}
	opt := graph.NewAdam(enc.Params(), cfg.WeightDecay)

	order := make([]int, len(train))
	for i := range order {
		order[i] = i
	}
	stats := make([]PretrainStats, 0, cfg.Epochs)
	for epoch := 1; epoch <= cfg.Epochs; epoch++ {
		t.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		var sum float64
		for _, i := range order {
			b := train[i]
			g := graph.New(true)
			pw, _, _ := enc.Forward(g, b.Signal, true)
			loss := t.SyntheticLoss(g, b.Truth, pw, cfg.UseR2Prime)
			opt.ZeroGrad()
			g.BackwardFrom(loss)
			opt.Step(cfg.LearningRate)
			sum += loss.Data[0]
		}
		st := PretrainStats{Epoch: epoch, MeanLoss: sum / float64(len(train))}
		if valid != nil {
			g := graph.New(false)
			pw, _, _ := enc.Forward(g, valid.Signal, false)
			m, err := t.EvaluateMetrics(pw, valid.Truth, valid.Mask, DefaultMeanOptions().Samples)
			if err != nil {
				return stats, err
			}
			st.Validation = m
			st.HasValid = true
		}
		stats = append(stats, st)
	}
	return stats, nil
}

// FineTuneConfig controls self-supervised fine-tuning on real acquisitions.
type FineTuneConfig struct {
	Epochs           int
	LearningRate     float64
	WeightDecay      float64
	KLWeight         float64
	SmoothnessWeight float64
}

// FineTuneStats summarizes one fine-tuning epoch with the mean of each loss
// component over its steps.
type FineTuneStats struct {
	Epoch      int
	NLL        float64
	KL         float64
	Smoothness float64
	Total      float64
}

// FineTune adapts a pretrained encoder to real volumes by minimizing the
// reconstruction likelihood plus weighted KL and smoothness penalties.
func (t *Trainer) FineTune(ft *FineTuner, batches []FineTuneBatch, cfg FineTuneConfig) ([]FineTuneStats, error) {
	if len(batches) == 0 {
		return nil, fmt.Errorf("encoder: no fine-tuning batches")
	}
	if cfg.Epochs < 1 || cfg.LearningRate <= 0 {
		return nil, fmt.Errorf("encoder: invalid fine-tuning config: epochs=%d lr=%g", cfg.Epochs, cfg.LearningRate)
	}
	opt := graph.NewAdam(ft.Params(), cfg.WeightDecay)

	// Precompute the constant target tensors per batch.
	recon := make([]*graph.Tensor, len(batches))
	klTrue := make([]*graph.Tensor, len(batches))
	for i, b := range batches {
		recon[i] = concatConst(b.Signal, b.Mask)
		prior := b.Prior
		if prior == nil {
			shape := make([]int, len(b.Mask.Shape))
			copy(shape, b.Mask.Shape)
			shape[len(shape)-1] = t.dist.NumParams()
			prior = graph.NewTensor(shape...)
		}
		klTrue[i] = concatConst(prior, b.Mask)
	}

	order := make([]int, len(batches))
	for i := range order {
		order[i] = i
	}
	stats := make([]FineTuneStats, 0, cfg.Epochs)
	for epoch := 1; epoch <= cfg.Epochs; epoch++ {
		t.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		var st FineTuneStats
		st.Epoch = epoch
		for _, i := range order {
			b := batches[i]
			g := graph.New(true)
			out := ft.Forward(g, b.Signal, b.Mask, true)

			nll := t.FineTuneLoss(g, recon[i], out.Reconstruction, true)
			kl := t.KLLoss(g, klTrue[i], out.Posterior, true)
			tv := t.SmoothnessLoss(g, klTrue[i], out.Posterior)
			loss := g.Add(nll, g.Add(
				g.MulScalar(kl, cfg.KLWeight),
				g.MulScalar(tv, cfg.SmoothnessWeight)))

			opt.ZeroGrad()
			g.BackwardFrom(loss)
			opt.Step(cfg.LearningRate)

			st.NLL += nll.Data[0]
			st.KL += kl.Data[0]
			st.Smoothness += tv.Data[0]
			st.Total += loss.Data[0]
		}
		n := float64(len(batches))
		st.NLL /= n
		st.KL /= n
		st.Smoothness /= n
		st.Total /= n
		stats = append(stats, st)
	}
	return stats, nil
}

// concatConst joins two constant tensors along the channel axis without
// touching a graph.
func concatConst(a, b *graph.Tensor) *graph.Tensor {
	if a.Rows() != b.Rows() {
		panic("encoder: concatConst: leading dimensions differ")
	}
	ca, cb := a.Channels(), b.Channels()
	shape := make([]int, len(a.Shape))
	copy(shape, a.Shape)
	shape[len(shape)-1] = ca + cb
	out := graph.NewTensor(shape...)
	rows := a.Rows()
	for r := 0; r < rows; r++ {
		copy(out.Data[r*(ca+cb):r*(ca+cb)+ca], a.Data[r*ca:(r+1)*ca])
		copy(out.Data[r*(ca+cb)+ca:(r+1)*(ca+cb)], b.Data[r*cb:(r+1)*cb])
	}
	return out
}
