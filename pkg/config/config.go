// Package config provides configuration loading and management for qboldnet.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"qboldnet/pkg/encoder"
	"qboldnet/pkg/graph"
	"qboldnet/pkg/qbold"
)

// Config represents the application configuration loaded from YAML.
type Config struct {
	// Model parameters select the architecture and distribution family.
	Model struct {
		// IntermediateLayers is the number of dual-stream blocks.
		IntermediateLayers int `yaml:"intermediateLayers"`

		// Units is the hidden channel width.
		Units int `yaml:"units"`

		// Activation names the hidden nonlinearity: "gelu", "relu" or "linear".
		Activation string `yaml:"activation"`

		// DropoutRate applies inverted dropout in the residual stream.
		DropoutRate float64 `yaml:"dropoutRate"`

		// UseChannelNorm normalizes residual activations over channels.
		UseChannelNorm bool `yaml:"useChannelNorm"`

		// ChannelwiseGating gives every channel its own residual gate.
		ChannelwiseGating bool `yaml:"channelwiseGating"`

		// GateOffset shifts the residual gate logits.
		GateOffset float64 `yaml:"gateOffset"`

		// ResidInitStd scales the spatial convolution weights at init.
		ResidInitStd float64 `yaml:"residInitStd"`

		// MVN selects the correlated bivariate output distribution.
		MVN bool `yaml:"mvn"`

		// InferInvGamma appends learned inverse-gamma hyperparameters.
		InferInvGamma bool `yaml:"inferInvGamma"`
	} `yaml:"model"`

	// Likelihood parameters control the reconstruction term.
	Likelihood struct {
		// StudentTDF is the Student-t degrees of freedom; >= 50 selects a
		// Gaussian likelihood.
		StudentTDF float64 `yaml:"studentTDF"`

		// InitialImageSigma initializes the noise standard deviation.
		InitialImageSigma float64 `yaml:"initialImageSigma"`

		// HeteroscedasticNoise predicts per-voxel noise.
		HeteroscedasticNoise bool `yaml:"heteroscedasticNoise"`

		// PredictLogData compares log-transformed signals.
		PredictLogData bool `yaml:"predictLogData"`

		// MultiImageNorm normalizes by a three-echo spin-echo window.
		MultiImageNorm bool `yaml:"multiImageNorm"`
	} `yaml:"likelihood"`

	// Prior parameters control regularization during fine-tuning.
	Prior struct {
		// UsePopulationPrior learns population-level prior parameters.
		UsePopulationPrior bool `yaml:"usePopulationPrior"`

		// MoGComponents is the mixture size of the population prior.
		MoGComponents int `yaml:"mogComponents"`

		// KLWeight scales the KL penalty.
		KLWeight float64 `yaml:"klWeight"`

		// SmoothnessWeight scales the total-variation penalty.
		SmoothnessWeight float64 `yaml:"smoothnessWeight"`
	} `yaml:"prior"`

	// Training parameters cover both phases.
	Training struct {
		// Seed fixes initialization and sampling.
		Seed uint64 `yaml:"seed"`

		// Samples is the reparameterized draw count per voxel.
		Samples int `yaml:"samples"`

		// PretrainEpochs and PretrainLR control synthetic pretraining.
		PretrainEpochs int     `yaml:"pretrainEpochs"`
		PretrainLR     float64 `yaml:"pretrainLR"`

		// UseR2Prime adds the sampled R2' term to the synthetic loss.
		UseR2Prime bool `yaml:"useR2Prime"`

		// FineTuneEpochs and FineTuneLR control fine-tuning.
		FineTuneEpochs int     `yaml:"fineTuneEpochs"`
		FineTuneLR     float64 `yaml:"fineTuneLR"`

		// WeightDecay is the decoupled weight decay of both phases.
		WeightDecay float64 `yaml:"weightDecay"`

		// CropSize is the in-plane crop applied to real volumes; zero
		// disables cropping.
		CropSize int `yaml:"cropSize"`
	} `yaml:"training"`

	// Synth parameters shape the synthetic pretraining data.
	Synth struct {
		// Batches, BatchSize and the extents of each synthetic volume.
		Batches   int `yaml:"batches"`
		BatchSize int `yaml:"batchSize"`
		Width     int `yaml:"width"`
		Height    int `yaml:"height"`
		Depth     int `yaml:"depth"`

		// NoiseSD is additive noise relative to the spin-echo amplitude.
		NoiseSD float64 `yaml:"noiseSD"`

		// Parameter ranges of the sampled ground truth.
		OEFMin float64 `yaml:"oefMin"`
		OEFMax float64 `yaml:"oefMax"`
		DBVMin float64 `yaml:"dbvMin"`
		DBVMax float64 `yaml:"dbvMax"`
	} `yaml:"synth"`

	// System holds the acquisition constants.
	System qbold.SystemParams `yaml:"system"`

	// Output parameters.
	Output struct {
		// Dir is the root directory for estimated maps.
		Dir string `yaml:"dir"`

		// SaveSlices renders per-slice PNG previews of each map.
		SaveSlices bool `yaml:"saveSlices"`

		// WarpCommand, when set, is run on each exported map to resample
		// it into a reference space (e.g. an applywarp invocation).
		WarpCommand string `yaml:"warpCommand"`

		// Verbose controls the level of logging output.
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Model.IntermediateLayers = 1
	cfg.Model.Units = 30
	cfg.Model.Activation = "gelu"
	cfg.Model.DropoutRate = 0
	cfg.Model.UseChannelNorm = false
	cfg.Model.ChannelwiseGating = false
	cfg.Model.GateOffset = 0
	cfg.Model.ResidInitStd = 0.05
	cfg.Model.MVN = true
	cfg.Model.InferInvGamma = false

	cfg.Likelihood.StudentTDF = 2
	cfg.Likelihood.InitialImageSigma = 0.08
	cfg.Likelihood.HeteroscedasticNoise = true
	cfg.Likelihood.PredictLogData = true
	cfg.Likelihood.MultiImageNorm = true

	cfg.Prior.UsePopulationPrior = false
	cfg.Prior.MoGComponents = 1
	cfg.Prior.KLWeight = 1.0
	cfg.Prior.SmoothnessWeight = 1.0

	cfg.Training.Seed = 1
	cfg.Training.Samples = 2
	cfg.Training.PretrainEpochs = 100
	cfg.Training.PretrainLR = 5e-3
	cfg.Training.UseR2Prime = false
	cfg.Training.FineTuneEpochs = 50
	cfg.Training.FineTuneLR = 5e-4
	cfg.Training.WeightDecay = 0
	cfg.Training.CropSize = 20

	cfg.Synth.Batches = 50
	cfg.Synth.BatchSize = 6
	cfg.Synth.Width = 16
	cfg.Synth.Height = 16
	cfg.Synth.Depth = 4
	cfg.Synth.NoiseSD = 0.02
	ranges := qbold.DefaultSynthRanges()
	cfg.Synth.OEFMin = ranges.OEFMin
	cfg.Synth.OEFMax = ranges.OEFMax
	cfg.Synth.DBVMin = ranges.DBVMin
	cfg.Synth.DBVMax = ranges.DBVMax

	cfg.System = qbold.DefaultSystemParams()

	cfg.Output.Dir = "qbold_out"
	cfg.Output.SaveSlices = true
	cfg.Output.Verbose = true

	return cfg
}

// LoadConfig loads configuration from a YAML file.
// If the file doesn't exist, it returns the default configuration.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the cross-field constraints the YAML schema cannot express.
func (c *Config) Validate() error {
	if _, err := parseActivation(c.Model.Activation); err != nil {
		return err
	}
	if err := c.System.ValidateWindow(c.Likelihood.MultiImageNorm); err != nil {
		return err
	}
	if c.Synth.OEFMin >= c.Synth.OEFMax || c.Synth.DBVMin >= c.Synth.DBVMax {
		return fmt.Errorf("config: synthetic parameter ranges must be non-empty")
	}
	if c.Synth.Batches < 1 || c.Synth.BatchSize < 1 {
		return fmt.Errorf("config: need at least one synthetic batch of size one")
	}
	if c.Prior.KLWeight < 0 || c.Prior.SmoothnessWeight < 0 {
		return fmt.Errorf("config: penalty weights must be non-negative")
	}
	return nil
}

// EncoderOptions translates the configuration into trainer options.
func (c *Config) EncoderOptions() (encoder.Options, error) {
	act, err := parseActivation(c.Model.Activation)
	if err != nil {
		return encoder.Options{}, err
	}
	return encoder.Options{
		IntermediateLayers:   c.Model.IntermediateLayers,
		Units:                c.Model.Units,
		Activation:           act,
		DropoutRate:          c.Model.DropoutRate,
		UseChannelNorm:       c.Model.UseChannelNorm,
		ChannelwiseGating:    c.Model.ChannelwiseGating,
		GateOffset:           c.Model.GateOffset,
		ResidInitStd:         c.Model.ResidInitStd,
		MVN:                  c.Model.MVN,
		StudentTDF:           c.Likelihood.StudentTDF,
		InitialImageSigma:    c.Likelihood.InitialImageSigma,
		HeteroscedasticNoise: c.Likelihood.HeteroscedasticNoise,
		PredictLogData:       c.Likelihood.PredictLogData,
		MultiImageNorm:       c.Likelihood.MultiImageNorm,
		UsePopulationPrior:   c.Prior.UsePopulationPrior,
		MoGComponents:        c.Prior.MoGComponents,
		Samples:              c.Training.Samples,
		InferInvGamma:        c.Model.InferInvGamma,
		Seed:                 c.Training.Seed,
	}, nil
}

// SynthRanges translates the synthetic parameter bounds.
func (c *Config) SynthRanges() qbold.SynthRanges {
	return qbold.SynthRanges{
		OEFMin: c.Synth.OEFMin,
		OEFMax: c.Synth.OEFMax,
		DBVMin: c.Synth.DBVMin,
		DBVMax: c.Synth.DBVMax,
	}
}

func parseActivation(name string) (graph.Activation, error) {
	switch name {
	case "gelu":
		return graph.GELU, nil
	case "relu":
		return graph.ReLU, nil
	case "linear":
		return graph.Linear, nil
	default:
		return graph.Linear, fmt.Errorf("config: unknown activation %q (want gelu, relu or linear)", name)
	}
}

// SaveConfig saves the configuration to a YAML file.
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path.
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}
