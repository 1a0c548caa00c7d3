package models

import "strings"

// Category is a tissue class assigned to a segmented voxel
type Category uint8

const (
	// CategoryOutside marks voxels outside the lung segmentation. They are
	// excluded from every statistic.
	CategoryOutside Category = iota
	CategoryBulla
	CategoryInflated
	CategoryInfiltrated
	CategoryCollapsed
	CategoryVessels
	// CategoryUnclassified marks lung voxels that fall in no threshold range
	CategoryUnclassified
)

// NumCategories is the number of Category values including CategoryOutside
const NumCategories = int(CategoryUnclassified) + 1

// WholeRegion is the region name of the baseline rows aggregated over the
// entire segmented lung
const WholeRegion = "whole"

// PrecedenceOrder lists the five tissue categories in the order used to
// resolve overlapping threshold ranges: the first match wins.
var PrecedenceOrder = []Category{
	CategoryBulla,
	CategoryInflated,
	CategoryInfiltrated,
	CategoryCollapsed,
	CategoryVessels,
}

// ReportedCategories lists the categories that get a ResultRecord per region
var ReportedCategories = []Category{
	CategoryBulla,
	CategoryInflated,
	CategoryInfiltrated,
	CategoryCollapsed,
	CategoryVessels,
	CategoryUnclassified,
}

var categoryNames = [NumCategories]string{
	CategoryOutside:      "outside",
	CategoryBulla:        "Bulla/Emphysema",
	CategoryInflated:     "Inflated",
	CategoryInfiltrated:  "Infiltrated",
	CategoryCollapsed:    "Collapsed",
	CategoryVessels:      "Vessels",
	CategoryUnclassified: "unclassified",
}

// String returns the display name of the category
func (c Category) String() string {
	if int(c) < NumCategories {
		return categoryNames[c]
	}
	return "invalid"
}

// Valid reports whether c is a known category
func (c Category) Valid() bool {
	return int(c) < NumCategories
}

// ParseCategory resolves a display name (case-insensitive). "Bulla" and
// "Emphysema" are accepted as short forms of "Bulla/Emphysema".
func ParseCategory(name string) (Category, bool) {
	n := strings.ToLower(strings.TrimSpace(name))
	switch n {
	case "bulla", "emphysema", "bullae":
		return CategoryBulla, true
	}
	for i, s := range categoryNames {
		if strings.ToLower(s) == n {
			return Category(i), true
		}
	}
	return CategoryOutside, false
}

// LabelVolume holds one Category per voxel of a classified case
type LabelVolume struct {
	Geometry

	Labels []Category
}

// NewLabelVolume allocates a label volume with every voxel outside the lung
func NewLabelVolume(g Geometry) *LabelVolume {
	return &LabelVolume{Geometry: g, Labels: make([]Category, g.NumVoxels())}
}

// Counts returns the number of voxels per category
func (lv *LabelVolume) Counts() [NumCategories]int {
	var counts [NumCategories]int
	for _, c := range lv.Labels {
		if c.Valid() {
			counts[c]++
		}
	}
	return counts
}
