// Package visualization renders preview slices of a classified CT volume:
// a grey lung window with tissue categories blended over it.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/lucasb-eyer/go-colorful"

	"lungctanalyzer/internal/models"
)

// Default lung window in HU
const (
	DefaultWindowLevel = -600.0
	DefaultWindowWidth = 1500.0
)

// categoryColors is the overlay palette. Vessels reuse the vessel mask color
// of the lung segmenter.
var categoryColors = [models.NumCategories]colorful.Color{
	models.CategoryOutside:      {},
	models.CategoryBulla:        mustHex("#1f3a93"),
	models.CategoryInflated:     mustHex("#4daf4a"),
	models.CategoryInfiltrated:  mustHex("#ff7f00"),
	models.CategoryCollapsed:    mustHex("#e41a1c"),
	models.CategoryVessels:      {R: 0.85, G: 0.40, B: 0.31},
	models.CategoryUnclassified: mustHex("#999999"),
}

func mustHex(s string) colorful.Color {
	c, err := colorful.Hex(s)
	if err != nil {
		panic(err)
	}
	return c
}

// CategoryColor returns the overlay color of a category
func CategoryColor(cat models.Category) colorful.Color {
	if !cat.Valid() {
		return colorful.Color{}
	}
	return categoryColors[cat]
}

// Viewer extracts 2D slices from a CT volume and its category labels
type Viewer struct {
	// vol holds the HU values
	vol *models.Volume

	// labels holds one category per voxel, nil renders the CT only
	labels *models.LabelVolume

	// window maps HU to grey levels
	level float64
	width float64

	// opacity of the category overlay in [0,1]
	opacity float64
}

// NewViewer creates a viewer over a volume and its labels. labels may be nil.
func NewViewer(vol *models.Volume, labels *models.LabelVolume) *Viewer {
	return &Viewer{
		vol:     vol,
		labels:  labels,
		level:   DefaultWindowLevel,
		width:   DefaultWindowWidth,
		opacity: 0.5,
	}
}

// SetWindow changes the HU window used for the grey background
func (v *Viewer) SetWindow(level, width float64) {
	v.level = level
	if width > 0 {
		v.width = width
	}
}

// SetOpacity changes the overlay opacity, clamped to [0,1]
func (v *Viewer) SetOpacity(opacity float64) {
	v.opacity = math.Max(0, math.Min(1, opacity))
}

// grey maps a HU value through the window to [0,1]
func (v *Viewer) grey(hu float64) float64 {
	lo := v.level - v.width/2
	return math.Max(0, math.Min(1, (hu-lo)/v.width))
}

// planeSize returns the image size of a slice along axis. Slices along x and
// y put superior at the top.
func (v *Viewer) planeSize(axis string) (w, h, depth int, err error) {
	nx, ny, nz := v.vol.Dims[0], v.vol.Dims[1], v.vol.Dims[2]
	switch axis {
	case "x", "X":
		return ny, nz, nx, nil
	case "y", "Y":
		return nx, nz, ny, nil
	case "z", "Z":
		return nx, ny, nz, nil
	default:
		return 0, 0, 0, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}
}

// voxelIndex maps image pixel (px,py) of a slice at position to a voxel index
func (v *Viewer) voxelIndex(axis string, position, px, py int) int {
	nz := v.vol.Dims[2]
	switch axis {
	case "x", "X":
		return v.vol.Index(position, px, nz-1-py)
	case "y", "Y":
		return v.vol.Index(px, position, nz-1-py)
	default:
		return v.vol.Index(px, py, position)
	}
}

// ExtractSlice extracts a grey 2D slice from the volume along the specified axis
func (v *Viewer) ExtractSlice(axis string, position int) (*image.Gray, error) {
	w, h, depth, err := v.planeSize(axis)
	if err != nil {
		return nil, err
	}
	if position < 0 || position >= depth {
		return nil, fmt.Errorf("position %d outside [0,%d) along %s", position, depth, axis)
	}

	img := image.NewGray(image.Rect(0, 0, w, h))
	for py := 0; py < h; py++ {
		for px := 0; px < w; px++ {
			hu := v.vol.Data[v.voxelIndex(axis, position, px, py)]
			img.SetGray(px, py, color.Gray{Y: uint8(math.Round(v.grey(hu) * 255))})
		}
	}
	return img, nil
}

// ExtractOverlay extracts a slice with the category colors blended over the
// grey window. Voxels outside the lung stay grey.
func (v *Viewer) ExtractOverlay(axis string, position int) (*image.NRGBA, error) {
	grey, err := v.ExtractSlice(axis, position)
	if err != nil {
		return nil, err
	}
	b := grey.Bounds()
	img := image.NewNRGBA(b)
	for py := 0; py < b.Dy(); py++ {
		for px := 0; px < b.Dx(); px++ {
			g := float64(grey.GrayAt(px, py).Y) / 255
			c := colorful.Color{R: g, G: g, B: g}
			if v.labels != nil {
				cat := v.labels.Labels[v.voxelIndex(axis, position, px, py)]
				if cat != models.CategoryOutside {
					c = c.BlendLab(CategoryColor(cat), v.opacity).Clamped()
				}
			}
			r, gg, bb := c.RGB255()
			img.SetNRGBA(px, py, color.NRGBA{R: r, G: gg, B: bb, A: 255})
		}
	}
	return img, nil
}

// physicalSize returns the pixel size that gives square pixels on screen,
// scaled so the finest spacing maps to scale pixels per voxel
func (v *Viewer) physicalSize(axis string, w, h int, scale float64) (int, int) {
	sp := v.vol.Spacing
	var sw, sh float64
	switch axis {
	case "x", "X":
		sw, sh = sp[1], sp[2]
	case "y", "Y":
		sw, sh = sp[0], sp[2]
	default:
		sw, sh = sp[0], sp[1]
	}
	finest := math.Min(sw, sh)
	return int(math.Round(float64(w) * sw / finest * scale)), int(math.Round(float64(h) * sh / finest * scale))
}

// SaveSlice resizes img to physical proportions and saves it. The format
// follows the file extension.
func (v *Viewer) SaveSlice(img image.Image, axis string, scale float64, filename string) error {
	if scale <= 0 {
		scale = 1
	}
	b := img.Bounds()
	w, h := v.physicalSize(axis, b.Dx(), b.Dy(), scale)
	resized := imaging.Resize(img, max(w, 1), max(h, 1), imaging.NearestNeighbor)
	return imaging.Save(resized, filename)
}

// previewAxes names the three center slices written by SavePreviews
var previewAxes = []struct {
	axis, name string
}{
	{"z", "axial"},
	{"y", "coronal"},
	{"x", "sagittal"},
}

// SavePreviews writes the center axial, coronal and sagittal overlay slices
// as PNG files and returns their paths
func (v *Viewer) SavePreviews(outputDir string, scale float64) ([]string, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}

	var paths []string
	for _, p := range previewAxes {
		_, _, depth, _ := v.planeSize(p.axis)
		img, err := v.ExtractOverlay(p.axis, depth/2)
		if err != nil {
			return nil, err
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("preview_%s.png", p.name))
		if err := v.SaveSlice(img, p.axis, scale, filename); err != nil {
			return nil, fmt.Errorf("error saving %s preview: %w", p.name, err)
		}
		paths = append(paths, filename)
	}
	return paths, nil
}
