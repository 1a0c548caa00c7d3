// Package config provides configuration loading and management for lungctanalyzer.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	perr "lungctanalyzer/internal/errors"
	"lungctanalyzer/internal/validate"
	"lungctanalyzer/pkg/analysis"
	"lungctanalyzer/pkg/regions"
	"lungctanalyzer/pkg/threshold"
	"lungctanalyzer/pkg/volumetry"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// NumCores specifies how many goroutines classify and aggregate a case
		NumCores int `yaml:"numCores" validate:"gte=0"`

		// HUCalibration rescales raw intensities to HU before classification
		HUCalibration analysis.Calibration `yaml:"huCalibration"`
	} `yaml:"processing"`

	// Threshold parameters
	Thresholds struct {
		// PresetPath is a threshold preset YAML file. Empty uses the built-in ranges.
		PresetPath string `yaml:"presetPath"`
	} `yaml:"thresholds"`

	// Densities are the g/mL values used for mass estimates
	Densities volumetry.DensityTable `yaml:"densities"`

	// Regions controls region statistics
	Regions regions.Options `yaml:"regions"`

	// Batch parameters
	Batch struct {
		// TestMode processes only the first TestModeLimit cases
		TestMode bool `yaml:"testMode"`

		// TestModeLimit is the number of cases kept in test mode
		TestModeLimit int `yaml:"testModeLimit" validate:"gte=1"`

		// CSVOnly skips the per-case artifact bundle
		CSVOnly bool `yaml:"csvOnly"`

		// Format selects the case folder layout
		Format string `yaml:"format" validate:"oneof=bundle nifti"`

		// Resume skips cases that already succeeded according to the database
		Resume bool `yaml:"resume"`
	} `yaml:"batch"`

	// Output parameters
	Output struct {
		// Dir is the root of the per-case folders and the shared CSV
		Dir string `yaml:"dir" validate:"required"`

		// HistogramPNG writes HU histogram and category bar charts per case
		HistogramPNG bool `yaml:"histogramPNG"`

		// PreviewPNG writes axial, coronal and sagittal label overlays per case
		PreviewPNG bool `yaml:"previewPNG"`

		// HTMLSummary writes an interactive chart page of the whole batch
		HTMLSummary bool `yaml:"htmlSummary"`

		// Database is the results database path. Empty disables it.
		Database string `yaml:"database"`
	} `yaml:"output"`

	// Logging parameters
	Logging struct {
		// Level is one of trace, debug, info, warn, error, off
		Level string `yaml:"level" validate:"oneof=trace debug info warn error off"`

		// Format is console or json
		Format string `yaml:"format" validate:"oneof=console json"`
	} `yaml:"logging"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default processing parameters
	cfg.Processing.NumCores = runtime.NumCPU() // Use all available cores by default

	// Set default densities
	cfg.Densities = volumetry.DefaultDensities()

	// Set default batch parameters
	cfg.Batch.TestModeLimit = 3
	cfg.Batch.Format = "bundle"

	// Set default output parameters
	cfg.Output.Dir = "output"
	cfg.Output.HistogramPNG = true
	cfg.Output.PreviewPNG = true
	cfg.Output.HTMLSummary = true

	// Set default logging parameters
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "console"

	return cfg
}

// Validate checks the configuration. Errors carry the yaml path of the
// offending field.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return perr.WithOp(err, "config")
	}
	return c.Processing.HUCalibration.Validate()
}

// AnalysisParams builds the per-case analysis parameters, loading the
// threshold preset if one is configured
func (c *Config) AnalysisParams() (*analysis.Params, error) {
	set := threshold.DefaultSet()
	if c.Thresholds.PresetPath != "" {
		loaded, err := threshold.LoadPreset(c.Thresholds.PresetPath)
		if err != nil {
			return nil, err
		}
		set = loaded
	}
	return &analysis.Params{
		Thresholds:  set,
		Densities:   c.Densities,
		Regions:     c.Regions,
		Calibration: c.Processing.HUCalibration,
		NumCores:    c.Processing.NumCores,
	}, nil
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, perr.Wrap(err, perr.ErrorCodeInput, "error reading config file")
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, perr.Wrap(err, perr.ErrorCodeValidation, "error parsing config file")
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
