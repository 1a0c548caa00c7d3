// Package threshold classifies CT voxels into lung tissue categories using
// Hounsfield unit ranges. It holds the threshold set, its preset file format
// and the bulk classifier.
package threshold

import (
	"fmt"

	perr "lungctanalyzer/internal/errors"
	"lungctanalyzer/internal/models"
	"lungctanalyzer/internal/validate"
)

// Range is a named, inclusive HU interval for one tissue category
type Range struct {
	// Name is the category display name, e.g. "Inflated"
	Name string `yaml:"name" validate:"required"`

	// MinHU is the lower bound (inclusive)
	MinHU float64 `yaml:"min" validate:"ltefield=MaxHU"`

	// MaxHU is the upper bound (inclusive)
	MaxHU float64 `yaml:"max"`
}

// Contains reports whether hu lies in [MinHU, MaxHU]
func (r Range) Contains(hu float64) bool {
	return hu >= r.MinHU && hu <= r.MaxHU
}

// Set is the collection of the five category ranges. Ranges may overlap;
// the classifier resolves overlaps by models.PrecedenceOrder, not by the
// order of Ranges.
type Set struct {
	// Name identifies a preset, empty for ad-hoc sets
	Name string `yaml:"name,omitempty"`

	Ranges []Range `yaml:"ranges" validate:"len=5,dive"`
}

// DefaultSet returns the built-in thresholds. Adjacent ranges share their
// boundary value; precedence assigns the boundary to the earlier category.
func DefaultSet() *Set {
	return &Set{
		Name: "default",
		Ranges: []Range{
			{Name: models.CategoryBulla.String(), MinHU: -1200, MaxHU: -900},
			{Name: models.CategoryInflated.String(), MinHU: -900, MaxHU: -750},
			{Name: models.CategoryInfiltrated.String(), MinHU: -750, MaxHU: -400},
			{Name: models.CategoryCollapsed.String(), MinHU: -400, MaxHU: 0},
			{Name: models.CategoryVessels.String(), MinHU: 0, MaxHU: 3000},
		},
	}
}

// Clone returns a deep copy of the set
func (s *Set) Clone() *Set {
	c := &Set{Name: s.Name, Ranges: make([]Range, len(s.Ranges))}
	copy(c.Ranges, s.Ranges)
	return c
}

// Validate checks that the set has exactly one well-formed range for each
// of the five tissue categories. A range with MinHU > MaxHU is a validation
// error; nothing is clamped.
func (s *Set) Validate() error {
	if s == nil {
		return perr.Validationf("threshold set is nil")
	}
	if err := validate.Struct(s); err != nil {
		return perr.WithOp(err, "threshold.Validate")
	}

	seen := make(map[models.Category]bool, len(s.Ranges))
	for i, r := range s.Ranges {
		cat, ok := models.ParseCategory(r.Name)
		if !ok || cat == models.CategoryOutside || cat == models.CategoryUnclassified {
			return perr.WithField(perr.Validationf("range %d has unknown category %q", i, r.Name),
				fmt.Sprintf("ranges[%d].name", i))
		}
		if seen[cat] {
			return perr.WithField(perr.Validationf("category %s is defined more than once", cat),
				fmt.Sprintf("ranges[%d].name", i))
		}
		seen[cat] = true
	}
	return nil
}

// Range returns the range defined for a category
func (s *Set) Range(cat models.Category) (Range, bool) {
	for _, r := range s.Ranges {
		if c, ok := models.ParseCategory(r.Name); ok && c == cat {
			return r, true
		}
	}
	return Range{}, false
}

// SetRange replaces the bounds of a category, appending it if missing. The
// set is not validated; call Validate before classifying.
func (s *Set) SetRange(cat models.Category, minHU, maxHU float64) {
	for i, r := range s.Ranges {
		if c, ok := models.ParseCategory(r.Name); ok && c == cat {
			s.Ranges[i].MinHU = minHU
			s.Ranges[i].MaxHU = maxHU
			return
		}
	}
	s.Ranges = append(s.Ranges, Range{Name: cat.String(), MinHU: minHU, MaxHU: maxHU})
}
