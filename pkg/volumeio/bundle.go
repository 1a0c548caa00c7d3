// Package volumeio reads and writes case folders: the native bundle layout
// (a YAML header next to raw little-endian bodies) and NIfTI-1 images.
package volumeio

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	perr "lungctanalyzer/internal/errors"
	"lungctanalyzer/internal/models"
)

// Bundle file names inside a case folder
const (
	BundleHeaderFile       = "volume.yaml"
	BundleVolumeFile       = "volume.raw"
	BundleSegmentationFile = "segmentation.raw"
)

// BundleHeader is the YAML header of a bundle. The volume body is int16 HU,
// the segmentation body uint8 labels, both little-endian in voxel order.
type BundleHeader struct {
	Geometry     models.Geometry  `yaml:"geometry"`
	Volume       string           `yaml:"volume"`
	Segmentation string           `yaml:"segmentation"`
	Segments     []models.Segment `yaml:"segments"`
}

// ReadBundle loads the volume and segmentation of a bundle folder
func ReadBundle(dir string) (*models.Volume, *models.Segmentation, error) {
	data, err := os.ReadFile(filepath.Join(dir, BundleHeaderFile))
	if err != nil {
		return nil, nil, perr.Wrapf(err, perr.ErrorCodeInput, "error reading bundle header in %s", dir)
	}
	var hdr BundleHeader
	if err := yaml.Unmarshal(data, &hdr); err != nil {
		return nil, nil, perr.Wrapf(err, perr.ErrorCodeInput, "error parsing bundle header in %s", dir)
	}
	if hdr.Volume == "" {
		hdr.Volume = BundleVolumeFile
	}
	if hdr.Segmentation == "" {
		hdr.Segmentation = BundleSegmentationFile
	}
	if err := hdr.Geometry.Validate(); err != nil {
		return nil, nil, perr.Wrapf(err, perr.ErrorCodeInput, "invalid bundle geometry in %s", dir)
	}

	n := hdr.Geometry.NumVoxels()
	volBody, err := readBody(filepath.Join(dir, hdr.Volume), 2*n)
	if err != nil {
		return nil, nil, err
	}
	segBody, err := readBody(filepath.Join(dir, hdr.Segmentation), n)
	if err != nil {
		return nil, nil, err
	}

	vol := models.NewVolume(hdr.Geometry)
	for i := range vol.Data {
		vol.Data[i] = float64(int16(binary.LittleEndian.Uint16(volBody[2*i:])))
	}
	seg := models.NewSegmentation(hdr.Geometry, hdr.Segments...)
	copy(seg.Labels, segBody)
	return vol, seg, nil
}

// readBody reads a raw body and checks its size
func readBody(path string, want int) ([]byte, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, perr.Wrapf(err, perr.ErrorCodeInput, "error reading %s", filepath.Base(path))
	}
	if len(body) != want {
		return nil, perr.Inputf("%s holds %d bytes, header declares %d", filepath.Base(path), len(body), want)
	}
	return body, nil
}

// WriteBundle writes vol and seg as a bundle into dir, creating it if needed
func WriteBundle(dir string, vol *models.Volume, seg *models.Segmentation) error {
	if err := models.CheckGrid(vol, seg); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating bundle directory: %w", err)
	}

	hdr := BundleHeader{
		Geometry:     vol.Geometry,
		Volume:       BundleVolumeFile,
		Segmentation: BundleSegmentationFile,
		Segments:     seg.Segments,
	}
	data, err := yaml.Marshal(&hdr)
	if err != nil {
		return fmt.Errorf("error marshaling bundle header: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, BundleHeaderFile), data, 0644); err != nil {
		return fmt.Errorf("error writing bundle header: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, BundleVolumeFile), encodeInt16(vol.Data), 0644); err != nil {
		return fmt.Errorf("error writing volume body: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, BundleSegmentationFile), seg.Labels, 0644); err != nil {
		return fmt.Errorf("error writing segmentation body: %w", err)
	}
	return nil
}

// encodeInt16 rounds and clamps values to little-endian int16
func encodeInt16(data []float64) []byte {
	out := make([]byte, 2*len(data))
	for i, v := range data {
		v = math.Round(v)
		v = math.Max(math.MinInt16, math.Min(math.MaxInt16, v))
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(v)))
	}
	return out
}
