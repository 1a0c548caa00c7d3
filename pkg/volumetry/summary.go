package volumetry

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"lungctanalyzer/internal/models"
)

// Histogram bounds in HU. Values outside are clamped to the first or last bin.
const (
	histMinHU = -2048
	histMaxHU = 4095
)

// Histogram counts lung voxels per integer HU value
type Histogram struct {
	counts []float64
}

// NewHistogram returns an empty histogram covering [-2048, 4095] HU
func NewHistogram() *Histogram {
	return &Histogram{counts: make([]float64, histMaxHU-histMinHU+1)}
}

// Add counts one voxel, rounded to the nearest HU
func (h *Histogram) Add(hu float64) {
	bin := int(math.Round(hu)) - histMinHU
	if bin < 0 {
		bin = 0
	} else if bin >= len(h.counts) {
		bin = len(h.counts) - 1
	}
	h.counts[bin]++
}

// Merge adds the counts of o to h
func (h *Histogram) Merge(o *Histogram) {
	for i, c := range o.counts {
		h.counts[i] += c
	}
}

// Total returns the number of voxels counted
func (h *Histogram) Total() int {
	n := 0.0
	for _, c := range h.counts {
		n += c
	}
	return int(n)
}

// Values returns the non-empty bins as ascending HU values with their counts
func (h *Histogram) Values() (hu, weights []float64) {
	for i, c := range h.counts {
		if c > 0 {
			hu = append(hu, float64(i+histMinHU))
			weights = append(weights, c)
		}
	}
	return hu, weights
}

// CaseSummary holds whole-lung indices of one case
type CaseSummary struct {
	CaseID       string  `yaml:"caseId"`
	RegionMode   string  `yaml:"regionMode"`
	LungVoxels   int     `yaml:"lungVoxels"`
	LungVolumeML float64 `yaml:"lungVolumeMilliliters"`

	// MeanHU and StdHU are computed from the integer HU histogram
	MeanHU float64 `yaml:"meanHU"`
	StdHU  float64 `yaml:"stdHU"`

	// Perc15HU is the HU value below which 15% of lung voxels lie
	Perc15HU float64 `yaml:"perc15HU"`

	// LAA950Percent is the share of lung voxels below -950 HU
	LAA950Percent float64 `yaml:"laa950Percent"`

	TotalMassGrams float64 `yaml:"totalMassGrams"`

	// CategoryPercent is the share of the lung volume per category name
	CategoryPercent map[string]float64 `yaml:"categoryPercent"`

	Warnings []string `yaml:"warnings,omitempty"`
}

// summarize derives the summary from the whole rows and the histogram
func summarize(caseID string, records []models.ResultRecord, hist *Histogram, laa int, voxelML float64) CaseSummary {
	s := CaseSummary{
		CaseID:          caseID,
		RegionMode:      "disabled",
		CategoryPercent: make(map[string]float64, len(models.ReportedCategories)),
	}

	for _, r := range records {
		if r.Region != models.WholeRegion {
			continue
		}
		s.LungVoxels += r.VoxelCount
		s.TotalMassGrams += r.MassGrams
	}
	s.LungVolumeML = float64(s.LungVoxels) * voxelML

	for _, r := range records {
		if r.Region != models.WholeRegion {
			continue
		}
		pct := 0.0
		if s.LungVoxels > 0 {
			pct = 100 * float64(r.VoxelCount) / float64(s.LungVoxels)
		}
		s.CategoryPercent[r.Category] = pct
	}

	if s.LungVoxels == 0 {
		return s
	}

	hu, w := hist.Values()
	s.MeanHU, s.StdHU = stat.MeanStdDev(hu, w)
	if math.IsNaN(s.StdHU) {
		s.StdHU = 0
	}
	s.Perc15HU = stat.Quantile(0.15, stat.Empirical, hu, w)
	s.LAA950Percent = 100 * float64(laa) / float64(s.LungVoxels)
	return s
}
