package regions

import (
	"math"

	"gonum.org/v1/gonum/mat"

	perr "lungctanalyzer/internal/errors"
	"lungctanalyzer/internal/models"
)

// RAS world rows of the direction matrix
const (
	worldAP = 1
	worldSI = 2
)

// Axes names the voxel axes that run along the patient's anatomical axes
type Axes struct {
	// AP is the voxel axis (0=i, 1=j, 2=k) closest to anterior-posterior
	AP int

	// SI is the voxel axis closest to superior-inferior
	SI int

	// AnteriorIncreasing is true when the voxel index grows towards anterior
	AnteriorIncreasing bool

	// SuperiorIncreasing is true when the voxel index grows towards superior
	SuperiorIncreasing bool
}

// AnatomicalAxes picks, for the anterior and superior world directions, the
// voxel axis whose direction cosine has the largest magnitude. Oblique grids
// where both directions map to the same voxel axis are rejected.
func AnatomicalAxes(g models.Geometry) (Axes, error) {
	dir := g.DirectionMatrix()

	ap, apSign := dominantAxis(dir, worldAP)
	si, siSign := dominantAxis(dir, worldSI)
	if ap == si {
		return Axes{}, perr.Validationf("cannot separate anterior-posterior from superior-inferior: both follow voxel axis %d", ap)
	}
	if apSign == 0 || siSign == 0 {
		return Axes{}, perr.Validationf("direction matrix has no anterior or superior component")
	}
	return Axes{
		AP:                 ap,
		SI:                 si,
		AnteriorIncreasing: apSign > 0,
		SuperiorIncreasing: siSign > 0,
	}, nil
}

// dominantAxis returns the voxel axis whose column has the largest absolute
// component along the given world row, and the sign of that component
func dominantAxis(dir *mat.Dense, world int) (axis int, sign float64) {
	best := -1.0
	for c := 0; c < 3; c++ {
		col := mat.Col(nil, c, dir)
		v := col[world]
		if math.Abs(v) > best {
			best = math.Abs(v)
			axis = c
			sign = v
		}
	}
	if sign > 0 {
		return axis, 1
	}
	if sign < 0 {
		return axis, -1
	}
	return axis, 0
}

// coord returns the voxel coordinate along axis
func coord(axis, x, y, z int) int {
	switch axis {
	case 0:
		return x
	case 1:
		return y
	default:
		return z
	}
}
