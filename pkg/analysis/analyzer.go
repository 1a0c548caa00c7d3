// Package analysis runs the per-case pipeline: optional HU calibration,
// threshold classification, region building and volumetric aggregation.
package analysis

import (
	"time"

	perr "lungctanalyzer/internal/errors"
	"lungctanalyzer/internal/logger"
	"lungctanalyzer/internal/models"
	"lungctanalyzer/pkg/regions"
	"lungctanalyzer/pkg/threshold"
	"lungctanalyzer/pkg/volumetry"
)

// Params holds the analysis parameters shared by every case of a run.
type Params struct {
	// Thresholds is the HU range set used to classify lung voxels. Nil means
	// threshold.DefaultSet.
	Thresholds *threshold.Set

	// Densities converts category volumes into estimated mass
	Densities volumetry.DensityTable

	// Regions controls lobe or geometric region statistics
	Regions regions.Options

	// Calibration optionally rescales intensities to HU before classifying
	Calibration Calibration

	// NumCores is the number of goroutines used for classification and
	// aggregation. Zero or less uses all CPUs.
	NumCores int
}

// DefaultParams returns the built-in thresholds and densities with region
// analysis disabled
func DefaultParams() *Params {
	return &Params{
		Thresholds: threshold.DefaultSet(),
		Densities:  volumetry.DefaultDensities(),
	}
}

// CaseResult is everything produced for one case. The caller owns it and
// hands it to the artifact writer.
type CaseResult struct {
	CaseID string

	// Records is the statistics table, whole rows first
	Records []models.ResultRecord

	Summary   volumetry.CaseSummary
	Histogram *volumetry.Histogram

	// Volume is the volume that was classified, after calibration
	Volume *models.Volume

	// Labels holds the category of every voxel
	Labels *models.LabelVolume

	Regions *regions.RegionSet

	// Warnings holds non-fatal conditions such as an empty segmentation
	Warnings []error
}

// Analyzer runs the pipeline on one case at a time. It is safe to reuse
// across cases; nothing from a case is kept after Process returns.
type Analyzer struct {
	params     *Params
	classifier *threshold.Classifier
	builder    *regions.Builder
	aggregator *volumetry.Aggregator
	log        *logger.Logger
}

// NewAnalyzer validates the parameters and builds the pipeline stages. Any
// error is a validation error and should halt a batch before it starts.
func NewAnalyzer(params *Params) (*Analyzer, error) {
	if params == nil {
		params = DefaultParams()
	}
	set := params.Thresholds
	if set == nil {
		set = threshold.DefaultSet()
	}
	classifier, err := threshold.NewClassifier(set)
	if err != nil {
		return nil, err
	}
	if err := params.Densities.Validate(); err != nil {
		return nil, perr.WithOp(err, "densities")
	}
	if err := params.Calibration.Validate(); err != nil {
		return nil, err
	}

	return &Analyzer{
		params:     params,
		classifier: classifier,
		builder:    regions.NewBuilder(params.Regions),
		aggregator: volumetry.NewAggregator(params.Densities, params.NumCores),
		log:        logger.Named("analysis"),
	}, nil
}

// Thresholds returns a copy of the thresholds in use
func (a *Analyzer) Thresholds() *threshold.Set {
	return a.classifier.Set()
}

// Process runs the complete analysis pipeline on one case
func (a *Analyzer) Process(c *models.Case) (*CaseResult, error) {
	if c == nil {
		return nil, perr.Inputf("case is nil")
	}
	start := time.Now()
	log := a.log.With().Str("case", c.ID).Logger()

	// Step 1: Check that the segmentation fits the volume
	log.Info().Msg("Step 1: Checking volume and segmentation grids...")
	if err := models.CheckGrid(c.Volume, c.Segmentation); err != nil {
		return nil, err
	}
	if err := c.Volume.Geometry.Validate(); err != nil {
		return nil, err
	}

	res := &CaseResult{CaseID: c.ID, Volume: c.Volume}
	if c.Segmentation.LungVoxelCount() == 0 {
		w := perr.EmptyInputf("case %s has no segmented lung voxels", c.ID)
		log.Warn().Err(w).Msg("statistics will be zero")
		res.Warnings = append(res.Warnings, w)
	}

	// Step 2: Rescale intensities
	if a.params.Calibration.Enabled {
		log.Info().
			Float64("air", a.params.Calibration.MeasuredAir).
			Float64("fat", a.params.Calibration.MeasuredFat).
			Msg("Step 2: Calibrating intensities to HU...")
		vol, err := a.params.Calibration.Apply(c.Volume)
		if err != nil {
			return nil, err
		}
		res.Volume = vol
	}

	// Step 3: Classify every lung voxel
	log.Info().Msg("Step 3: Classifying lung voxels...")
	labels, err := a.classifier.ClassifyVolume(res.Volume, c.Segmentation, a.params.NumCores)
	if err != nil {
		return nil, err
	}
	res.Labels = labels

	// Step 4: Build region masks
	log.Info().Msg("Step 4: Building region masks...")
	rs, err := a.builder.Build(c.Segmentation)
	if err != nil {
		return nil, perr.WithOp(err, "regions")
	}
	res.Regions = rs

	// Step 5: Aggregate statistics
	log.Info().Msg("Step 5: Aggregating volumetric statistics...")
	agg, err := a.aggregator.Aggregate(volumetry.Input{
		CaseID:       c.ID,
		Volume:       res.Volume,
		Segmentation: c.Segmentation,
		Labels:       labels,
		Regions:      rs,
	})
	if err != nil {
		return nil, err
	}
	res.Records = agg.Records
	res.Summary = agg.Summary
	res.Histogram = agg.Histogram
	for _, w := range res.Warnings {
		res.Summary.Warnings = append(res.Summary.Warnings, w.Error())
	}

	log.Info().
		Int("lungVoxels", res.Summary.LungVoxels).
		Float64("lungVolumeML", res.Summary.LungVolumeML).
		Str("regionMode", res.Summary.RegionMode).
		Dur("elapsed", time.Since(start)).
		Msg("Case analysis complete")
	return res, nil
}
