// Package volumetry turns classified voxels into per-category, per-region
// statistics: voxel counts, volumes in millilitres, mean HU and estimated mass.
package volumetry

import (
	"lungctanalyzer/internal/models"
	"lungctanalyzer/internal/validate"
)

// DensityTable holds the tissue density assumed for each category in g/mL.
// Estimated mass is density times volume.
type DensityTable struct {
	Bulla        float64 `yaml:"bulla" validate:"gte=0"`
	Inflated     float64 `yaml:"inflated" validate:"gte=0"`
	Infiltrated  float64 `yaml:"infiltrated" validate:"gte=0"`
	Collapsed    float64 `yaml:"collapsed" validate:"gte=0"`
	Vessels      float64 `yaml:"vessels" validate:"gte=0"`
	Unclassified float64 `yaml:"unclassified" validate:"gte=0"`
}

// DefaultDensities returns densities derived from the midpoint of each default
// HU range on the water scale (0 HU = 1 g/mL, -1000 HU = 0 g/mL). Bulla uses
// 0.05 instead of a negative value and vessels use blood density.
func DefaultDensities() DensityTable {
	return DensityTable{
		Bulla:        0.05,
		Inflated:     0.175,
		Infiltrated:  0.425,
		Collapsed:    0.8,
		Vessels:      1.05,
		Unclassified: 0,
	}
}

// Validate rejects negative densities
func (d DensityTable) Validate() error {
	return validate.Struct(d)
}

// Of returns the density of a category, 0 for categories without one
func (d DensityTable) Of(cat models.Category) float64 {
	switch cat {
	case models.CategoryBulla:
		return d.Bulla
	case models.CategoryInflated:
		return d.Inflated
	case models.CategoryInfiltrated:
		return d.Infiltrated
	case models.CategoryCollapsed:
		return d.Collapsed
	case models.CategoryVessels:
		return d.Vessels
	case models.CategoryUnclassified:
		return d.Unclassified
	default:
		return 0
	}
}
