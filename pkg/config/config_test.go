package config

import (
	"os"
	"path/filepath"
	"testing"

	"qboldnet/pkg/graph"
)

// TestDefaultConfig verifies the defaults are internally consistent.
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	opts, err := cfg.EncoderOptions()
	if err != nil {
		t.Fatal(err)
	}
	if opts.Units != 30 {
		t.Errorf("expected 30 units, got %d", opts.Units)
	}
	if opts.Activation != graph.GELU {
		t.Errorf("expected GELU activation, got %v", opts.Activation)
	}
	if !opts.MVN || !opts.HeteroscedasticNoise {
		t.Error("defaults should select the bivariate family with heteroscedastic noise")
	}
}

// TestLoadConfigMissingFile verifies a missing file yields the defaults.
func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Model.Units != DefaultConfig().Model.Units {
		t.Error("missing file should return the default configuration")
	}
}

// TestConfigRoundTrip verifies save/load preserves overridden values.
func TestConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "cfg.yaml")
	cfg := DefaultConfig()
	cfg.Model.Units = 48
	cfg.Training.PretrainEpochs = 7
	cfg.Prior.KLWeight = 0.5
	cfg.System.Hct = 0.4

	if err := SaveConfig(cfg, path); err != nil {
		t.Fatal(err)
	}
	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Model.Units != 48 || loaded.Training.PretrainEpochs != 7 {
		t.Errorf("round trip lost values: %+v", loaded.Model)
	}
	if loaded.Prior.KLWeight != 0.5 || loaded.System.Hct != 0.4 {
		t.Errorf("round trip lost values: klWeight=%g hct=%g", loaded.Prior.KLWeight, loaded.System.Hct)
	}
}

// TestLoadConfigRejectsInvalid verifies validation runs on load.
func TestLoadConfigRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("model:\n  activation: softplus\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Error("expected an error for an unknown activation")
	}

	if err := os.WriteFile(path, []byte("synth:\n  oefMin: 0.5\n  oefMax: 0.1\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Error("expected an error for an empty parameter range")
	}
}

// TestCreateDefaultConfigFile verifies the generated file loads back.
func TestCreateDefaultConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "default.yaml")
	if err := CreateDefaultConfigFile(path); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("generated config invalid: %v", err)
	}
}
