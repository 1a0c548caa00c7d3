package config

import (
	"os"
	"path/filepath"
	"testing"

	perr "lungctanalyzer/internal/errors"
	"lungctanalyzer/internal/models"
	"lungctanalyzer/pkg/threshold"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Expected default config to be valid, got %v", err)
	}
	if cfg.Batch.TestModeLimit != 3 {
		t.Errorf("Expected test mode limit 3, got %d", cfg.Batch.TestModeLimit)
	}
	if cfg.Batch.Format != "bundle" {
		t.Errorf("Expected bundle format, got %s", cfg.Batch.Format)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "none.yaml"))
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if cfg.Output.Dir != "output" {
		t.Errorf("Expected default output dir, got %s", cfg.Output.Dir)
	}
}

func TestSaveAndLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "config.yaml")

	cfg := DefaultConfig()
	cfg.Processing.NumCores = 3
	cfg.Regions.Enabled = true
	cfg.Regions.PerSide = true
	cfg.Batch.Format = "nifti"
	cfg.Densities.Vessels = 1.06

	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("Expected no error saving config, got %v", err)
	}
	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("Expected no error loading config, got %v", err)
	}

	if loaded.Processing.NumCores != 3 {
		t.Errorf("Expected 3 cores, got %d", loaded.Processing.NumCores)
	}
	if !loaded.Regions.Enabled || !loaded.Regions.PerSide {
		t.Errorf("Expected regions enabled per side, got %+v", loaded.Regions)
	}
	if loaded.Batch.Format != "nifti" {
		t.Errorf("Expected nifti format, got %s", loaded.Batch.Format)
	}
	if loaded.Densities.Vessels != 1.06 {
		t.Errorf("Expected vessels density 1.06, got %v", loaded.Densities.Vessels)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name  string
		mod   func(*Config)
		field string
	}{
		{"format", func(c *Config) { c.Batch.Format = "dicom" }, "Config.batch.format"},
		{"limit", func(c *Config) { c.Batch.TestModeLimit = 0 }, "Config.batch.testModeLimit"},
		{"level", func(c *Config) { c.Logging.Level = "loud" }, "Config.logging.level"},
		{"density", func(c *Config) { c.Densities.Bulla = -1 }, "Config.densities.bulla"},
		{"outdir", func(c *Config) { c.Output.Dir = "" }, "Config.output.dir"},
		{"calibration", func(c *Config) {
			c.Processing.HUCalibration.Enabled = true
			c.Processing.HUCalibration.MeasuredAir = 10
		}, "huCalibration.measuredFat"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mod(cfg)
			err := cfg.Validate()
			if !perr.IsCode(err, perr.ErrorCodeValidation) {
				t.Fatalf("Expected validation error, got %v", err)
			}
			e, _ := perr.As(err)
			if e.Field() != tt.field {
				t.Errorf("Expected field %s, got %s", tt.field, e.Field())
			}
		})
	}
}

func TestAnalysisParamsLoadsPreset(t *testing.T) {
	dir := t.TempDir()
	preset := threshold.DefaultSet()
	preset.SetRange(models.CategoryBulla, -1100, -910)
	presetPath := filepath.Join(dir, "preset.yaml")
	if err := threshold.SavePreset(preset, presetPath); err != nil {
		t.Fatalf("Expected no error saving preset, got %v", err)
	}

	cfg := DefaultConfig()
	cfg.Thresholds.PresetPath = presetPath
	p, err := cfg.AnalysisParams()
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	r, _ := p.Thresholds.Range(models.CategoryBulla)
	if r.MinHU != -1100 || r.MaxHU != -910 {
		t.Errorf("Expected preset bulla range [-1100,-910], got [%v,%v]", r.MinHU, r.MaxHU)
	}

	cfg.Thresholds.PresetPath = filepath.Join(dir, "missing.yaml")
	if _, err := cfg.AnalysisParams(); !perr.IsCode(err, perr.ErrorCodeInput) {
		t.Errorf("Expected input error for missing preset, got %v", err)
	}
}

func TestLoadConfigParseError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("batch: [unterminated"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); !perr.IsCode(err, perr.ErrorCodeValidation) {
		t.Errorf("Expected validation error, got %v", err)
	}
}
