package models

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/mat"

	perr "lungctanalyzer/internal/errors"
)

// geometryTolerance is the absolute tolerance used when comparing spacing,
// origin and direction of two grids. Header round trips through float32 NIfTI
// fields lose precision well below this value.
const geometryTolerance = 1e-4

// Geometry describes the voxel grid shared by a CT volume and its segmentation.
// Voxels are stored as a 1D array in row-major order: index = z*nx*ny + y*nx + x.
type Geometry struct {
	// Dims is the number of voxels along i, j and k
	Dims [3]int `yaml:"dims"`

	// Spacing is the physical size of a voxel along i, j and k in mm
	Spacing [3]float64 `yaml:"spacing"`

	// Origin is the RAS position of voxel (0,0,0) in mm
	Origin [3]float64 `yaml:"origin"`

	// Direction holds the IJK to RAS direction cosines in row-major order.
	// Column c is the world direction of increasing voxel index along axis c.
	Direction [9]float64 `yaml:"direction"`
}

// IdentityDirection returns the direction cosines of an axis-aligned RAS grid:
// i increases towards the patient's right, j towards anterior and k towards
// superior.
func IdentityDirection() [9]float64 {
	return [9]float64{
		1, 0, 0,
		0, 1, 0,
		0, 0, 1,
	}
}

// NewGeometry returns an axis-aligned geometry with the given dimensions and spacing.
func NewGeometry(nx, ny, nz int, sx, sy, sz float64) Geometry {
	return Geometry{
		Dims:      [3]int{nx, ny, nz},
		Spacing:   [3]float64{sx, sy, sz},
		Direction: IdentityDirection(),
	}
}

// NumVoxels returns nx*ny*nz
func (g Geometry) NumVoxels() int {
	return g.Dims[0] * g.Dims[1] * g.Dims[2]
}

// SliceSize returns the number of voxels in one axial (constant k) slice
func (g Geometry) SliceSize() int {
	return g.Dims[0] * g.Dims[1]
}

// VoxelVolumeMM3 returns sx*sy*sz
func (g Geometry) VoxelVolumeMM3() float64 {
	return g.Spacing[0] * g.Spacing[1] * g.Spacing[2]
}

// Index converts voxel coordinates to a flat array index
func (g Geometry) Index(x, y, z int) int {
	return z*g.Dims[0]*g.Dims[1] + y*g.Dims[0] + x
}

// Coords converts a flat array index back to voxel coordinates
func (g Geometry) Coords(idx int) (x, y, z int) {
	plane := g.Dims[0] * g.Dims[1]
	z = idx / plane
	rem := idx - z*plane
	y = rem / g.Dims[0]
	x = rem - y*g.Dims[0]
	return x, y, z
}

// DirectionMatrix returns the direction cosines as a 3x3 gonum matrix
func (g Geometry) DirectionMatrix() *mat.Dense {
	data := make([]float64, 9)
	copy(data, g.Direction[:])
	return mat.NewDense(3, 3, data)
}

// Validate checks that the grid is non-degenerate
func (g Geometry) Validate() error {
	for i := 0; i < 3; i++ {
		if g.Dims[i] <= 0 {
			return perr.Validationf("dimension %d must be positive, got %d", i, g.Dims[i])
		}
		if !(g.Spacing[i] > 0) || math.IsInf(g.Spacing[i], 0) {
			return perr.Validationf("spacing %d must be positive and finite, got %g", i, g.Spacing[i])
		}
	}
	if mat.Det(g.DirectionMatrix()) == 0 {
		return perr.Validationf("direction matrix is singular")
	}
	return nil
}

// Matches reports whether two grids describe the same voxels
func (g Geometry) Matches(o Geometry) bool {
	if g.Dims != o.Dims {
		return false
	}
	for i := 0; i < 3; i++ {
		if math.Abs(g.Spacing[i]-o.Spacing[i]) > geometryTolerance ||
			math.Abs(g.Origin[i]-o.Origin[i]) > geometryTolerance {
			return false
		}
	}
	for i := 0; i < 9; i++ {
		if math.Abs(g.Direction[i]-o.Direction[i]) > geometryTolerance {
			return false
		}
	}
	return true
}

// String returns a compact description used in log lines and error messages
func (g Geometry) String() string {
	return fmt.Sprintf("%dx%dx%d @ %.3gx%.3gx%.3g mm",
		g.Dims[0], g.Dims[1], g.Dims[2], g.Spacing[0], g.Spacing[1], g.Spacing[2])
}

// Volume is a CT volume of Hounsfield units
type Volume struct {
	Geometry

	// Data is the 3D volume data as a 1D array in row-major order
	Data []float64
}

// NewVolume allocates a zero-filled volume for the given grid
func NewVolume(g Geometry) *Volume {
	return &Volume{Geometry: g, Data: make([]float64, g.NumVoxels())}
}

// At returns the HU value at voxel (x,y,z)
func (v *Volume) At(x, y, z int) float64 {
	return v.Data[v.Index(x, y, z)]
}

// Set stores an HU value at voxel (x,y,z)
func (v *Volume) Set(x, y, z int, hu float64) {
	v.Data[v.Index(x, y, z)] = hu
}

// Fill sets every voxel to hu
func (v *Volume) Fill(hu float64) {
	for i := range v.Data {
		v.Data[i] = hu
	}
}

// Segment names one label value of a segmentation
type Segment struct {
	Label uint8  `yaml:"label"`
	Name  string `yaml:"name"`
}

// IsLobe reports whether the segment describes a lung lobe
func (s Segment) IsLobe() bool {
	return strings.Contains(strings.ToLower(s.Name), "lobe")
}

// Segmentation is a small-integer label grid aligned with a Volume. Label 0 is
// background; every other label is lung tissue.
type Segmentation struct {
	Geometry

	// Labels holds one label per voxel in the same order as Volume.Data
	Labels []uint8

	// Segments maps label values to names
	Segments []Segment
}

// NewSegmentation allocates an empty segmentation for the given grid
func NewSegmentation(g Geometry, segments ...Segment) *Segmentation {
	return &Segmentation{
		Geometry: g,
		Labels:   make([]uint8, g.NumVoxels()),
		Segments: segments,
	}
}

// At returns the label at voxel (x,y,z)
func (s *Segmentation) At(x, y, z int) uint8 {
	return s.Labels[s.Index(x, y, z)]
}

// Set stores a label at voxel (x,y,z)
func (s *Segmentation) Set(x, y, z int, label uint8) {
	s.Labels[s.Index(x, y, z)] = label
}

// SegmentName returns the name of a label, or a generated name for labels
// without an entry in the segment table
func (s *Segmentation) SegmentName(label uint8) string {
	for _, seg := range s.Segments {
		if seg.Label == label {
			return seg.Name
		}
	}
	return fmt.Sprintf("label %d", label)
}

// LabelByName looks a segment up by name, ignoring case
func (s *Segmentation) LabelByName(name string) (uint8, bool) {
	for _, seg := range s.Segments {
		if strings.EqualFold(seg.Name, name) {
			return seg.Label, true
		}
	}
	return 0, false
}

// HasLobes reports whether any named segment is a lung lobe
func (s *Segmentation) HasLobes() bool {
	for _, seg := range s.Segments {
		if seg.Label != 0 && seg.IsLobe() {
			return true
		}
	}
	return false
}

// LungVoxelCount returns the number of voxels with a non-zero label
func (s *Segmentation) LungVoxelCount() int {
	n := 0
	for _, l := range s.Labels {
		if l != 0 {
			n++
		}
	}
	return n
}

// LabelsPresent returns the distinct non-zero labels found in the grid, sorted
func (s *Segmentation) LabelsPresent() []uint8 {
	var seen [256]bool
	for _, l := range s.Labels {
		seen[l] = true
	}
	var out []uint8
	for l := 1; l < 256; l++ {
		if seen[l] {
			out = append(out, uint8(l))
		}
	}
	return out
}

// CheckGrid verifies that a segmentation can be used with a volume
func CheckGrid(vol *Volume, seg *Segmentation) error {
	if vol == nil || seg == nil {
		return perr.Inputf("volume and segmentation are both required")
	}
	if len(vol.Data) != vol.NumVoxels() {
		return perr.Inputf("volume holds %d voxels, header declares %d", len(vol.Data), vol.NumVoxels())
	}
	if len(seg.Labels) != seg.NumVoxels() {
		return perr.Inputf("segmentation holds %d voxels, header declares %d", len(seg.Labels), seg.NumVoxels())
	}
	if !vol.Geometry.Matches(seg.Geometry) {
		return perr.GeometryMismatchf("segmentation grid %s does not match volume grid %s",
			seg.Geometry, vol.Geometry)
	}
	return nil
}

// Case bundles the inputs of one patient dataset. It is owned by the caller
// for the duration of one analysis and dropped afterwards.
type Case struct {
	// ID is the case identifier, usually the case folder name
	ID string

	// Dir is the folder the case was loaded from, empty for in-memory cases
	Dir string

	Volume       *Volume
	Segmentation *Segmentation
}
