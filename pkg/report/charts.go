package report

import (
	"fmt"
	"image/color"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"lungctanalyzer/internal/models"
	"lungctanalyzer/pkg/visualization"
	"lungctanalyzer/pkg/volumetry"
)

// histogramBins is the number of bars of the HU histogram
const histogramBins = 100

// WriteHistogramPNG plots the lung HU distribution of one case
func WriteHistogramPNG(path, caseID string, hist *volumetry.Histogram) error {
	hu, counts := hist.Values()
	if len(hu) == 0 {
		return fmt.Errorf("histogram of case %s is empty", caseID)
	}

	xys := make(plotter.XYs, len(hu))
	for i := range hu {
		xys[i] = plotter.XY{X: hu[i], Y: counts[i]}
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s - Lung HU Histogram", caseID)
	p.X.Label.Text = "HU"
	p.Y.Label.Text = "Voxels"

	h, err := plotter.NewHistogram(xys, histogramBins)
	if err != nil {
		return fmt.Errorf("error building histogram: %w", err)
	}
	h.FillColor = color.Gray{Y: 128}
	h.LineStyle.Width = vg.Points(0.5)
	p.Add(h)

	if err := p.Save(8*vg.Inch, 4*vg.Inch, path); err != nil {
		return fmt.Errorf("error saving histogram %s: %w", path, err)
	}
	return nil
}

// WriteCategoryBarPNG plots the whole-lung volume of every category
func WriteCategoryBarPNG(path, caseID string, records []models.ResultRecord) error {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s - Tissue Volumes", caseID)
	p.Y.Label.Text = "Volume (mL)"

	var names []string
	for i, cat := range models.ReportedCategories {
		var vol float64
		for _, r := range records {
			if r.Region == models.WholeRegion && r.Category == cat.String() {
				vol = r.VolumeML
				break
			}
		}
		bar, err := plotter.NewBarChart(plotter.Values{vol}, vg.Points(30))
		if err != nil {
			return fmt.Errorf("error building bar chart: %w", err)
		}
		bar.XMin = float64(i)
		bar.Color = visualization.CategoryColor(cat)
		bar.LineStyle.Width = vg.Length(0)
		p.Add(bar)
		names = append(names, cat.String())
	}
	p.NominalX(names...)

	if err := p.Save(8*vg.Inch, 4*vg.Inch, path); err != nil {
		return fmt.Errorf("error saving bar chart %s: %w", path, err)
	}
	return nil
}
