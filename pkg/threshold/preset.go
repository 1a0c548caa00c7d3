package threshold

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	perr "lungctanalyzer/internal/errors"
)

// LoadPreset reads a threshold preset from a YAML file and validates it.
// An invalid preset is reported as a validation error, never corrected.
func LoadPreset(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, perr.Wrapf(err, perr.ErrorCodeInput, "error reading threshold preset %s", path)
	}
	return ParsePreset(data)
}

// ParsePreset decodes and validates preset YAML
func ParsePreset(data []byte) (*Set, error) {
	set := &Set{}
	if err := yaml.Unmarshal(data, set); err != nil {
		return nil, perr.Wrap(err, perr.ErrorCodeValidation, "error parsing threshold preset")
	}
	if err := set.Validate(); err != nil {
		return nil, err
	}
	return set, nil
}

// SavePreset validates the set and writes it as YAML
func SavePreset(set *Set, path string) error {
	if err := set.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating preset directory: %w", err)
	}

	data, err := yaml.Marshal(set)
	if err != nil {
		return fmt.Errorf("error marshaling threshold preset: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("error writing threshold preset: %w", err)
	}
	return nil
}
