package report

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"lungctanalyzer/internal/models"
	"lungctanalyzer/pkg/visualization"
)

// WriteHTMLSummary renders the whole-lung category volumes of every case as
// a stacked bar chart, plus a second chart with the category shares in
// percent. Failure marker rows are skipped.
func WriteHTMLSummary(path string, records []models.ResultRecord) error {
	var cases []string
	volumes := map[string]map[string]float64{}
	for _, r := range records {
		if r.Region != models.WholeRegion || r.Category == FailedCategory {
			continue
		}
		if _, ok := volumes[r.CaseID]; !ok {
			cases = append(cases, r.CaseID)
			volumes[r.CaseID] = map[string]float64{}
		}
		volumes[r.CaseID][r.Category] = r.VolumeML
	}
	if len(cases) == 0 {
		return fmt.Errorf("no case results to summarize")
	}

	volBar := stackedBar("Tissue Volume per Case", fmt.Sprintf("cases=%d", len(cases)), "Volume (mL)", cases)
	pctBar := stackedBar("Tissue Share per Case", "percent of segmented lung", "%", cases)
	for _, cat := range models.ReportedCategories {
		name := cat.String()
		vols := make([]opts.BarData, len(cases))
		pcts := make([]opts.BarData, len(cases))
		for i, id := range cases {
			total := 0.0
			for _, v := range volumes[id] {
				total += v
			}
			v := volumes[id][name]
			vols[i] = opts.BarData{Value: round2(v)}
			if total > 0 {
				pcts[i] = opts.BarData{Value: round2(100 * v / total)}
			} else {
				pcts[i] = opts.BarData{Value: 0}
			}
		}
		style := charts.WithItemStyleOpts(opts.ItemStyle{Color: visualization.CategoryColor(cat).Hex()})
		stack := charts.WithBarChartOpts(opts.BarChart{Stack: "lung"})
		volBar.AddSeries(name, vols, style, stack)
		pctBar.AddSeries(name, pcts, style, stack)
	}

	page := components.NewPage()
	page.PageTitle = "Lung CT Batch Summary"
	page.AddCharts(volBar, pctBar)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating summary directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating summary %s: %w", path, err)
	}
	defer f.Close()
	if err := page.Render(f); err != nil {
		return fmt.Errorf("error rendering summary: %w", err)
	}
	return f.Close()
}

func stackedBar(title, subtitle, yName string, cases []string) *charts.Bar {
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Top: "bottom"}),
		charts.WithYAxisOpts(opts.YAxis{Name: yName}),
	)
	bar.SetXAxis(cases)
	return bar
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}
