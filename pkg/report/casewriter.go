package report

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"lungctanalyzer/internal/logger"
	"lungctanalyzer/pkg/analysis"
	"lungctanalyzer/pkg/threshold"
	"lungctanalyzer/pkg/visualization"
	"lungctanalyzer/pkg/volumeio"
)

// Artifact file names inside a case output folder
const (
	LabelMapFile     = "labels.nii.gz"
	CaseCSVFile      = "results.csv"
	SummaryFile      = "summary.yaml"
	ThresholdsFile   = "thresholds.yaml"
	HistogramFile    = "histogram.png"
	CategoryBarFile  = "categories.png"
	PreviewDirectory = "preview"
)

// CaseWriterOptions selects the optional artifacts
type CaseWriterOptions struct {
	// HistogramPNG writes the HU histogram and category bar charts
	HistogramPNG bool

	// PreviewPNG writes center slice overlays
	PreviewPNG bool

	// PreviewScale is the pixels per finest voxel spacing of the previews
	PreviewScale float64

	// Thresholds is written next to the results so a bundle records how it
	// was classified. Nil skips the file.
	Thresholds *threshold.Set
}

// CaseWriter writes the result bundle of one case into a folder
type CaseWriter struct {
	opts CaseWriterOptions
	log  *logger.Logger
}

// NewCaseWriter creates a case writer
func NewCaseWriter(opts CaseWriterOptions) *CaseWriter {
	if opts.PreviewScale <= 0 {
		opts.PreviewScale = 1
	}
	return &CaseWriter{opts: opts, log: logger.Named("report")}
}

// WriteCase writes the label map, the case CSV, the summary and the optional
// charts and previews into dir
func (w *CaseWriter) WriteCase(dir string, res *analysis.CaseResult) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating case output directory: %w", err)
	}

	labels := make([]uint8, len(res.Labels.Labels))
	for i, c := range res.Labels.Labels {
		labels[i] = uint8(c)
	}
	if err := volumeio.WriteLabelsNifti(filepath.Join(dir, LabelMapFile), res.Labels.Geometry, labels); err != nil {
		return err
	}

	if err := WriteRecordsCSV(filepath.Join(dir, CaseCSVFile), res.Records); err != nil {
		return err
	}

	data, err := yaml.Marshal(&res.Summary)
	if err != nil {
		return fmt.Errorf("error marshaling case summary: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, SummaryFile), data, 0644); err != nil {
		return fmt.Errorf("error writing case summary: %w", err)
	}

	if w.opts.Thresholds != nil {
		if err := threshold.SavePreset(w.opts.Thresholds, filepath.Join(dir, ThresholdsFile)); err != nil {
			return err
		}
	}

	if w.opts.HistogramPNG {
		if res.Summary.LungVoxels > 0 {
			if err := WriteHistogramPNG(filepath.Join(dir, HistogramFile), res.CaseID, res.Histogram); err != nil {
				return err
			}
		} else {
			w.log.Debug().Str("case", res.CaseID).Msg("no lung voxels, histogram skipped")
		}
		if err := WriteCategoryBarPNG(filepath.Join(dir, CategoryBarFile), res.CaseID, res.Records); err != nil {
			return err
		}
	}

	if w.opts.PreviewPNG {
		viewer := visualization.NewViewer(res.Volume, res.Labels)
		if _, err := viewer.SavePreviews(filepath.Join(dir, PreviewDirectory), w.opts.PreviewScale); err != nil {
			return err
		}
	}
	return nil
}
