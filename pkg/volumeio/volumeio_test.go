package volumeio

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perr "lungctanalyzer/internal/errors"
	"lungctanalyzer/internal/models"
)

func sampleCase() (*models.Volume, *models.Segmentation) {
	g := models.NewGeometry(6, 5, 4, 0.75, 0.75, 1.5)
	g.Origin = [3]float64{-120, -95.5, 310}
	vol := models.NewVolume(g)
	seg := models.NewSegmentation(g,
		models.Segment{Label: 1, Name: "right lung"},
		models.Segment{Label: 2, Name: "left lung"})
	for i := range vol.Data {
		vol.Data[i] = float64(-1024 + 13*i)
		seg.Labels[i] = uint8(i % 3)
	}
	return vol, seg
}

func TestBundleRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "case01")
	vol, seg := sampleCase()
	require.NoError(t, WriteBundle(dir, vol, seg))

	c, err := NewLoader(FormatBundle).Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "case01", c.ID)
	assert.Equal(t, vol.Geometry, c.Volume.Geometry)
	assert.Equal(t, vol.Data, c.Volume.Data)
	assert.Equal(t, seg.Labels, c.Segmentation.Labels)
	assert.Equal(t, seg.Segments, c.Segmentation.Segments)
}

func TestBundleMissingFiles(t *testing.T) {
	dir := t.TempDir()
	_, err := NewLoader(FormatBundle).Load(dir)
	assert.True(t, perr.IsCode(err, perr.ErrorCodeInput), "got %v", err)

	vol, seg := sampleCase()
	require.NoError(t, WriteBundle(dir, vol, seg))
	require.NoError(t, os.Remove(filepath.Join(dir, BundleSegmentationFile)))
	_, err = NewLoader(FormatBundle).Load(dir)
	assert.True(t, perr.IsCode(err, perr.ErrorCodeInput), "got %v", err)
}

func TestBundleTruncatedBody(t *testing.T) {
	dir := t.TempDir()
	vol, seg := sampleCase()
	require.NoError(t, WriteBundle(dir, vol, seg))
	require.NoError(t, os.WriteFile(filepath.Join(dir, BundleVolumeFile), []byte{1, 2, 3}, 0644))

	_, err := NewLoader(FormatBundle).Load(dir)
	assert.True(t, perr.IsCode(err, perr.ErrorCodeInput), "got %v", err)
}

func TestNiftiRoundTrip(t *testing.T) {
	for _, ext := range []string{".nii", ".nii.gz"} {
		t.Run(ext, func(t *testing.T) {
			dir := t.TempDir()
			vol, seg := sampleCase()
			require.NoError(t, WriteVolumeNifti(filepath.Join(dir, NiftiVolumeBase+ext), vol))
			require.NoError(t, WriteLabelsNifti(filepath.Join(dir, NiftiSegmentationBase+ext), seg.Geometry, seg.Labels))

			c, err := NewLoader(FormatNifti).Load(dir)
			require.NoError(t, err)
			assert.True(t, vol.Geometry.Matches(c.Volume.Geometry), "got %s origin %v", c.Volume.Geometry, c.Volume.Origin)
			assert.Equal(t, vol.Data, c.Volume.Data)
			assert.Equal(t, seg.Labels, c.Segmentation.Labels)
			// no segments.yaml and labels up to 2: two-lung naming
			assert.Equal(t, lungSegments, c.Segmentation.Segments)
		})
	}
}

func TestNiftiLobeNamingAndSegmentsFile(t *testing.T) {
	dir := t.TempDir()
	vol, seg := sampleCase()
	for i := range seg.Labels {
		seg.Labels[i] = uint8(i % 6)
	}
	require.NoError(t, WriteVolumeNifti(filepath.Join(dir, "volume.nii.gz"), vol))
	require.NoError(t, WriteLabelsNifti(filepath.Join(dir, "segmentation.nii.gz"), seg.Geometry, seg.Labels))

	c, err := NewLoader(FormatNifti).Load(dir)
	require.NoError(t, err)
	assert.True(t, c.Segmentation.HasLobes())
	assert.Equal(t, "right middle lobe", c.Segmentation.SegmentName(4))

	custom := "- {label: 1, name: lung}\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, SegmentsFile), []byte(custom), 0644))
	c, err = NewLoader(FormatNifti).Load(dir)
	require.NoError(t, err)
	assert.Equal(t, []models.Segment{{Label: 1, Name: "lung"}}, c.Segmentation.Segments)
}

func TestNiftiDirectionFromSform(t *testing.T) {
	dir := t.TempDir()
	vol, seg := sampleCase()
	// LPS-like grid: i towards left, j towards posterior
	vol.Direction = [9]float64{-1, 0, 0, 0, -1, 0, 0, 0, 1}
	seg.Direction = vol.Direction
	require.NoError(t, WriteVolumeNifti(filepath.Join(dir, "volume.nii"), vol))
	require.NoError(t, WriteLabelsNifti(filepath.Join(dir, "segmentation.nii"), seg.Geometry, seg.Labels))

	c, err := NewLoader(FormatNifti).Load(dir)
	require.NoError(t, err)
	assert.InDeltaSlice(t, vol.Direction[:], c.Volume.Direction[:], 1e-6)
	assert.InDeltaSlice(t, vol.Spacing[:], c.Volume.Spacing[:], 1e-6)
}

func TestQuaternionIdentity(t *testing.T) {
	m := quaternionMatrix(0, 0, 0)
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			want := 0.0
			if r == c {
				want = 1
			}
			assert.InDelta(t, want, m.At(r, c), 1e-12)
		}
	}
	// 180 degrees about z
	m = quaternionMatrix(0, 0, 1)
	assert.InDelta(t, -1.0, m.At(0, 0), 1e-12)
	assert.InDelta(t, -1.0, m.At(1, 1), 1e-12)
	assert.InDelta(t, 1.0, m.At(2, 2), 1e-12)
}

func TestNiftiErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := NewLoader(FormatNifti).Load(dir)
	assert.True(t, perr.IsCode(err, perr.ErrorCodeInput), "got %v", err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "volume.nii"), []byte("not a nifti"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "segmentation.nii"), []byte("not a nifti"), 0644))
	_, err = NewLoader(FormatNifti).Load(dir)
	assert.True(t, perr.IsCode(err, perr.ErrorCodeInput), "got %v", err)

	_, err = NewLoader("dicom").Load(dir)
	assert.True(t, perr.IsCode(err, perr.ErrorCodeValidation), "got %v", err)
}
