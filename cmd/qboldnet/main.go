package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"golang.org/x/exp/rand"

	"qboldnet/internal/models"
	"qboldnet/pkg/config"
	"qboldnet/pkg/encoder"
	"qboldnet/pkg/export"
	"qboldnet/pkg/graph"
)

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "qboldnet.yaml", "Path to YAML configuration file")
	writeConfig := flag.Bool("write-config", false, "Write the default configuration to the config path and exit")
	inputPath := flag.String("input", "", "Sidecar of a 4D multi-echo ASE acquisition (empty: synthetic demo volume)")
	maskPath := flag.String("mask", "", "Sidecar of a 3D brain mask (empty: all voxels valid)")
	outputDir := flag.String("output", "", "Output directory (overrides the configured one)")
	flag.Parse()

	if *writeConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			log.Fatalf("Failed to write default config: %v", err)
		}
		fmt.Printf("Default configuration written to: %s\n", *configPath)
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *outputDir != "" {
		cfg.Output.Dir = *outputDir
	}

	opts, err := cfg.EncoderOptions()
	if err != nil {
		log.Fatalf("Invalid model configuration: %v", err)
	}
	trainer, err := encoder.NewTrainer(cfg.System, opts)
	if err != nil {
		log.Fatalf("Failed to build trainer: %v", err)
	}

	fmt.Println("================================")
	fmt.Println("QBOLDNET: SELF-SUPERVISED OEF/DBV ESTIMATION FROM MULTI-ECHO ASE MRI")
	fmt.Println("================================")
	fmt.Printf("Echoes: %d, spin echo index: %d, distribution: %s\n",
		cfg.System.NumEchoes(), cfg.System.SpinEchoIndex(), distName(cfg.Model.MVN))

	// Phase 1: pretraining on synthetic voxels with known ground truth.
	fmt.Println("\nGenerating synthetic pretraining data...")
	synthRNG := rand.New(rand.NewSource(cfg.Training.Seed + 1))
	batches := trainer.Signal().Synthesize(cfg.Synth.Batches+1, cfg.Synth.BatchSize,
		cfg.Synth.Width, cfg.Synth.Height, cfg.Synth.Depth,
		cfg.SynthRanges(), cfg.Synth.NoiseSD, synthRNG)
	train, valid := batches[:cfg.Synth.Batches], &batches[cfg.Synth.Batches]
	fmt.Printf("Generated %d batches of %dx%dx%dx%d volumes\n",
		len(train), cfg.Synth.BatchSize, cfg.Synth.Width, cfg.Synth.Height, cfg.Synth.Depth)

	enc := trainer.BuildEncoder()
	fmt.Printf("\nPretraining for %d epochs...\n", cfg.Training.PretrainEpochs)
	preStats, err := trainer.Pretrain(enc, train, valid, encoder.PretrainConfig{
		Epochs:       cfg.Training.PretrainEpochs,
		LearningRate: cfg.Training.PretrainLR,
		WeightDecay:  cfg.Training.WeightDecay,
		UseR2Prime:   cfg.Training.UseR2Prime,
	})
	if err != nil {
		log.Fatalf("Pretraining failed: %v", err)
	}
	for _, st := range preStats {
		if cfg.Output.Verbose || st.Epoch == len(preStats) {
			fmt.Printf("  epoch %3d: loss=%.4f  oef_mse=%.5f  dbv_mse=%.6f\n",
				st.Epoch, st.MeanLoss, st.Validation.OEFMSE, st.Validation.DBVMSE)
		}
	}

	// Phase 2: fine-tuning on a real (or demo) acquisition.
	signal, mask, err := loadSubject(trainer, *inputPath, *maskPath, cfg, synthRNG)
	if err != nil {
		log.Fatalf("Failed to load subject: %v", err)
	}
	fmt.Printf("\nSubject volume: %dx%dx%d, %d echoes, %d masked voxels\n",
		signal.Width, signal.Height, signal.Depth, signal.Echoes, int(mask.Sum()))

	ftBatches, err := cropBatches(trainer, enc, signal, mask, cfg)
	if err != nil {
		log.Fatalf("Failed to prepare fine-tuning batches: %v", err)
	}

	ft := trainer.BuildFineTuner(enc)
	if cfg.Prior.UsePopulationPrior && cfg.Prior.MoGComponents == 1 {
		pop, err := trainer.EstimatePopulationParams(enc,
			[]*graph.Tensor{signal.Tensor()}, []*graph.Tensor{mask.Tensor()})
		if err != nil {
			log.Fatalf("Failed to estimate population prior: %v", err)
		}
		copy(ft.PopPriors[0].V.Data, pop)
	}

	fmt.Printf("\nFine-tuning for %d epochs on %d crops...\n", cfg.Training.FineTuneEpochs, len(ftBatches))
	ftStats, err := trainer.FineTune(ft, ftBatches, encoder.FineTuneConfig{
		Epochs:           cfg.Training.FineTuneEpochs,
		LearningRate:     cfg.Training.FineTuneLR,
		WeightDecay:      cfg.Training.WeightDecay,
		KLWeight:         cfg.Prior.KLWeight,
		SmoothnessWeight: cfg.Prior.SmoothnessWeight,
	})
	if err != nil {
		log.Fatalf("Fine-tuning failed: %v", err)
	}
	for _, st := range ftStats {
		if cfg.Output.Verbose || st.Epoch == len(ftStats) {
			fmt.Printf("  epoch %3d: nll=%.4f  kl=%.4f  tv=%.4f  total=%.4f\n",
				st.Epoch, st.NLL, st.KL, st.Smoothness, st.Total)
		}
	}

	// Phase 3: posterior summarization and export.
	fmt.Println("\nEstimating parameter maps...")
	g := graph.New(false)
	_, posterior, _ := enc.Forward(g, signal.Tensor(), false)
	means, stds, err := trainer.CalculateMeans(posterior, mask.Tensor(), encoder.MeanOptions{
		Samples:        200,
		IncludeR2Prime: true,
		ReturnStds:     true,
	})
	if err != nil {
		log.Fatalf("Failed to summarize posterior: %v", err)
	}

	exp, err := export.NewExporter(cfg.Output.Dir)
	if err != nil {
		log.Fatalf("Failed to create exporter: %v", err)
	}
	exp.SaveSlices = cfg.Output.SaveSlices
	exp.WarpCommand = cfg.Output.WarpCommand

	ctx := context.Background()
	meanMap := tensorToMap(means, signal.Width, signal.Height, signal.Depth, []string{"oef", "dbv", "r2p"})
	stdMap := tensorToMap(stds, signal.Width, signal.Height, signal.Depth, []string{"oef_std", "dbv_std", "r2p_std"})
	if err := exp.WriteMaps(ctx, meanMap); err != nil {
		log.Fatalf("Failed to export mean maps: %v", err)
	}
	if err := exp.WriteMaps(ctx, stdMap); err != nil {
		log.Fatalf("Failed to export std maps: %v", err)
	}

	fmt.Printf("\nEstimation completed. Maps saved to: %s\n", exp.Dir())
}

func distName(mvn bool) string {
	if mvn {
		return "logit-mvnormal"
	}
	return "logit-normal"
}

// loadSubject reads the acquisition and mask, or synthesizes a demo volume
// when no input is given.
func loadSubject(t *encoder.Trainer, inputPath, maskPath string, cfg *config.Config, rng *rand.Rand) (*models.SignalVolume, *models.Mask, error) {
	if inputPath == "" {
		fmt.Println("\nNo input given, synthesizing a demo volume")
		b := t.Signal().Synthesize(1, 1, cfg.Synth.Width, cfg.Synth.Height, cfg.Synth.Depth,
			cfg.SynthRanges(), cfg.Synth.NoiseSD, rng)[0]
		sv := models.NewSignalVolume(cfg.Synth.Width, cfg.Synth.Height, cfg.Synth.Depth, cfg.System.NumEchoes())
		copy(sv.Data, b.Signal.Data)
		return sv, models.FullMask(sv.Width, sv.Height, sv.Depth), nil
	}
	sv, err := export.ReadSignalVolume(inputPath)
	if err != nil {
		return nil, nil, err
	}
	if sv.Echoes != cfg.System.NumEchoes() {
		return nil, nil, fmt.Errorf("input has %d echoes but the acquisition defines %d", sv.Echoes, cfg.System.NumEchoes())
	}
	if maskPath == "" {
		return sv, models.FullMask(sv.Width, sv.Height, sv.Depth), nil
	}
	m, err := export.ReadMask(maskPath)
	if err != nil {
		return nil, nil, err
	}
	if m.Width != sv.Width || m.Height != sv.Height || m.Depth != sv.Depth {
		return nil, nil, fmt.Errorf("mask extents %dx%dx%d do not match volume %dx%dx%d",
			m.Width, m.Height, m.Depth, sv.Width, sv.Height, sv.Depth)
	}
	return sv, m, nil
}

// cropBatches builds the fine-tuning set: random in-plane crops when a crop
// size is configured, the whole volume otherwise. Frozen voxelwise priors
// are captured from the pretrained encoder.
func cropBatches(t *encoder.Trainer, enc *encoder.Encoder, sv *models.SignalVolume, mask *models.Mask, cfg *config.Config) ([]encoder.FineTuneBatch, error) {
	var signals, masks []*graph.Tensor
	if cs := cfg.Training.CropSize; cs > 0 && cs < sv.Width && cs < sv.Height {
		rng := rand.New(rand.NewSource(cfg.Training.Seed + 2))
		const nCrops = 8
		for i := 0; i < nCrops; i++ {
			s, m, err := models.RandomCrop(sv, mask, cs, rng)
			if err != nil {
				return nil, err
			}
			signals = append(signals, s.Tensor())
			masks = append(masks, m.Tensor())
		}
	} else {
		signals = append(signals, sv.Tensor())
		masks = append(masks, mask.Tensor())
	}
	return t.PrepareFineTune(enc, signals, masks)
}

// tensorToMap copies a [1, x, y, z, c] tensor into a named parameter map.
func tensorToMap(t *graph.Tensor, w, h, d int, names []string) *models.ParameterMap {
	p := models.NewParameterMap(w, h, d, names)
	copy(p.Data, t.Data)
	return p
}
