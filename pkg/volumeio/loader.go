package volumeio

import (
	"math"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	perr "lungctanalyzer/internal/errors"
	"lungctanalyzer/internal/models"
)

// Case folder formats
const (
	FormatBundle = "bundle"
	FormatNifti  = "nifti"
)

// NIfTI case file names, each tried with .nii.gz before .nii
const (
	NiftiVolumeBase       = "volume"
	NiftiSegmentationBase = "segmentation"
	SegmentsFile          = "segments.yaml"
)

// lobeSegments names the labels of a standard five-lobe segmentation
var lobeSegments = []models.Segment{
	{Label: 1, Name: "left upper lobe"},
	{Label: 2, Name: "left lower lobe"},
	{Label: 3, Name: "right upper lobe"},
	{Label: 4, Name: "right middle lobe"},
	{Label: 5, Name: "right lower lobe"},
}

// lungSegments names the labels of a two-lung segmentation
var lungSegments = []models.Segment{
	{Label: 1, Name: "right lung"},
	{Label: 2, Name: "left lung"},
}

// Loader reads one case folder in the configured format
type Loader struct {
	Format string
}

// NewLoader returns a loader for the given format, defaulting to the bundle
func NewLoader(format string) *Loader {
	if format == "" {
		format = FormatBundle
	}
	return &Loader{Format: format}
}

// Load reads the volume and segmentation of the case in dir. The case ID is
// the folder name. Missing or unreadable files are input errors.
func (l *Loader) Load(dir string) (*models.Case, error) {
	c := &models.Case{ID: filepath.Base(dir), Dir: dir}

	var err error
	switch l.Format {
	case FormatBundle, "":
		c.Volume, c.Segmentation, err = ReadBundle(dir)
	case FormatNifti:
		c.Volume, c.Segmentation, err = readNiftiCase(dir)
	default:
		return nil, perr.Validationf("unknown case format %q", l.Format)
	}
	if err != nil {
		return nil, err
	}
	if err := models.CheckGrid(c.Volume, c.Segmentation); err != nil {
		return nil, err
	}
	return c, nil
}

// findImage returns the path of base.nii.gz or base.nii in dir
func findImage(dir, base string) (string, error) {
	for _, ext := range []string{".nii.gz", ".nii"} {
		p := filepath.Join(dir, base+ext)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", perr.Inputf("no %s.nii.gz or %s.nii in %s", base, base, dir)
}

func readNiftiCase(dir string) (*models.Volume, *models.Segmentation, error) {
	volPath, err := findImage(dir, NiftiVolumeBase)
	if err != nil {
		return nil, nil, err
	}
	segPath, err := findImage(dir, NiftiSegmentationBase)
	if err != nil {
		return nil, nil, err
	}

	volImg, err := readNifti(volPath)
	if err != nil {
		return nil, nil, err
	}
	segImg, err := readNifti(segPath)
	if err != nil {
		return nil, nil, err
	}

	vol := &models.Volume{Geometry: volImg.Geometry, Data: volImg.Data}
	seg := models.NewSegmentation(segImg.Geometry)
	maxLabel := uint8(0)
	for i, v := range segImg.Data {
		if v < 0 || v > 255 || v != math.Trunc(v) {
			return nil, nil, perr.Inputf("segmentation voxel %d has non-label value %g", i, v)
		}
		seg.Labels[i] = uint8(v)
		if seg.Labels[i] > maxLabel {
			maxLabel = seg.Labels[i]
		}
	}

	seg.Segments, err = readSegments(dir, maxLabel)
	if err != nil {
		return nil, nil, err
	}
	return vol, seg, nil
}

// readSegments loads segments.yaml if present, otherwise names the labels
// after the standard lung or lobe layout
func readSegments(dir string, maxLabel uint8) ([]models.Segment, error) {
	data, err := os.ReadFile(filepath.Join(dir, SegmentsFile))
	if err == nil {
		var segs []models.Segment
		if err := yaml.Unmarshal(data, &segs); err != nil {
			return nil, perr.Wrapf(err, perr.ErrorCodeInput, "error parsing %s", SegmentsFile)
		}
		return segs, nil
	}
	if !os.IsNotExist(err) {
		return nil, perr.Wrapf(err, perr.ErrorCodeInput, "error reading %s", SegmentsFile)
	}

	switch {
	case maxLabel > 2:
		return append([]models.Segment(nil), lobeSegments...), nil
	case maxLabel > 0:
		return append([]models.Segment(nil), lungSegments...), nil
	default:
		return nil, nil
	}
}
