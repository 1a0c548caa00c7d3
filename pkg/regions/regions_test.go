package regions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perr "lungctanalyzer/internal/errors"
	"lungctanalyzer/internal/models"
)

// twoLungs labels x<5 as right lung and x>=5 as left lung inside the box
// x 2..7, y 1..6, z 0..8 of a 10x8x9 grid
func twoLungs(g models.Geometry) *models.Segmentation {
	seg := models.NewSegmentation(g,
		models.Segment{Label: 1, Name: "right lung"},
		models.Segment{Label: 2, Name: "left lung"})
	for z := 0; z <= 8; z++ {
		for y := 1; y <= 6; y++ {
			for x := 2; x <= 7; x++ {
				if x < 5 {
					seg.Set(x, y, z, 1)
				} else {
					seg.Set(x, y, z, 2)
				}
			}
		}
	}
	return seg
}

// regionCounts counts lung voxels per region name
func regionCounts(rs *RegionSet, seg *models.Segmentation) map[string]int {
	counts := map[string]int{}
	for i, l := range seg.Labels {
		if l == 0 {
			continue
		}
		x, y, z := seg.Coords(i)
		for _, g := range rs.Groups {
			if r := g.RegionOf(x, y, z, l); r >= 0 {
				counts[g.Regions[r]]++
			}
		}
	}
	return counts
}

func TestSelectMode(t *testing.T) {
	g := models.NewGeometry(4, 4, 4, 1, 1, 1)
	lungs := models.NewSegmentation(g, models.Segment{Label: 1, Name: "lung"})
	lobes := models.NewSegmentation(g, models.Segment{Label: 1, Name: "right upper lobe"})

	assert.Equal(t, ModeDisabled, NewBuilder(Options{}).SelectMode(lobes))
	assert.Equal(t, ModeGeometric, NewBuilder(Options{Enabled: true}).SelectMode(lungs))
	assert.Equal(t, ModeLobes, NewBuilder(Options{Enabled: true}).SelectMode(lobes))
}

func TestGeometricBandsPartitionLung(t *testing.T) {
	seg := twoLungs(models.NewGeometry(10, 8, 9, 1, 1, 1))
	rs, err := NewBuilder(Options{Enabled: true}).Build(seg)
	require.NoError(t, err)
	require.Equal(t, ModeGeometric, rs.Mode)
	assert.Equal(t, []string{Anterior, Posterior, Upper, Middle, Lower}, rs.Names())

	lung := seg.LungVoxelCount()
	counts := regionCounts(rs, seg)
	assert.Equal(t, lung, counts[Anterior]+counts[Posterior])
	assert.Equal(t, lung, counts[Upper]+counts[Middle]+counts[Lower])

	// 9 slices split evenly into thirds, 6 rows into halves
	assert.Equal(t, lung/3, counts[Upper])
	assert.Equal(t, lung/3, counts[Middle])
	assert.Equal(t, lung/2, counts[Anterior])
}

func TestGeometricBandsFollowDirection(t *testing.T) {
	g := models.NewGeometry(10, 8, 9, 1, 1, 1)
	seg := twoLungs(g)
	rs, err := NewBuilder(Options{Enabled: true}).Build(seg)
	require.NoError(t, err)

	ap := rs.Groups[0]
	si := rs.Groups[1]
	// identity: j grows anterior, k grows superior
	assert.Equal(t, 0, ap.RegionOf(3, 6, 0, 1), "top row should be anterior")
	assert.Equal(t, 1, ap.RegionOf(3, 1, 0, 1), "bottom row should be posterior")
	assert.Equal(t, 0, si.RegionOf(3, 3, 8, 1), "last slice should be upper")
	assert.Equal(t, 2, si.RegionOf(3, 3, 0, 1), "first slice should be lower")

	// flip j: posterior-pointing rows, so anterior is now the low end
	g.Direction[4] = -1
	flipped := twoLungs(g)
	rs, err = NewBuilder(Options{Enabled: true}).Build(flipped)
	require.NoError(t, err)
	assert.Equal(t, 0, rs.Groups[0].RegionOf(3, 1, 0, 1))
	assert.Equal(t, 1, rs.Groups[0].RegionOf(3, 6, 0, 1))
}

func TestPerSideRegions(t *testing.T) {
	seg := twoLungs(models.NewGeometry(10, 8, 9, 1, 1, 1))
	rs, err := NewBuilder(Options{Enabled: true, PerSide: true}).Build(seg)
	require.NoError(t, err)

	names := rs.Names()
	assert.Contains(t, names, RightLung)
	assert.Contains(t, names, "right lung upper")
	assert.Contains(t, names, "left lung posterior")

	counts := regionCounts(rs, seg)
	assert.Equal(t, seg.LungVoxelCount(), counts[RightLung]+counts[LeftLung])
	assert.Equal(t, counts[RightLung], counts["right lung upper"]+counts["right lung middle"]+counts["right lung lower"])
	assert.Equal(t, counts[LeftLung], counts["left lung anterior"]+counts["left lung posterior"])
}

func TestLobeMode(t *testing.T) {
	g := models.NewGeometry(5, 2, 2, 1, 1, 1)
	seg := models.NewSegmentation(g,
		models.Segment{Label: 1, Name: "left upper lobe"},
		models.Segment{Label: 2, Name: "left lower lobe"},
		models.Segment{Label: 3, Name: "right upper lobe"},
		models.Segment{Label: 4, Name: "right middle lobe"},
		models.Segment{Label: 5, Name: "right lower lobe"})
	for i := range seg.Labels {
		seg.Labels[i] = uint8(i%5) + 1
	}
	seg.Labels[0] = 0

	rs, err := NewBuilder(Options{Enabled: true}).Build(seg)
	require.NoError(t, err)
	require.Equal(t, ModeLobes, rs.Mode)
	assert.Equal(t, []string{"left upper lobe", "left lower lobe", "right upper lobe", "right middle lobe", "right lower lobe"}, rs.Names())

	counts := regionCounts(rs, seg)
	total := 0
	for _, n := range counts {
		total += n
	}
	assert.Equal(t, seg.LungVoxelCount(), total)
	assert.Equal(t, 3, counts["left upper lobe"])

	mask, err := rs.Mask("right middle lobe", seg)
	require.NoError(t, err)
	for i, in := range mask {
		assert.Equal(t, seg.Labels[i] == 4, in, "voxel %d", i)
	}
	_, err = rs.Mask("nowhere", seg)
	assert.Error(t, err)
}

func TestEmptySegmentationGivesEmptySet(t *testing.T) {
	seg := models.NewSegmentation(models.NewGeometry(6, 6, 6, 1, 1, 1), models.Segment{Label: 1, Name: "lung"})
	rs, err := NewBuilder(Options{Enabled: true, PerSide: true}).Build(seg)
	require.NoError(t, err)
	assert.True(t, rs.Empty())
	assert.Empty(t, rs.Names())
}

func TestObliqueDirectionRejected(t *testing.T) {
	g := models.NewGeometry(4, 4, 4, 1, 1, 1)
	g.Direction = [9]float64{
		1, 0, 0,
		0, 0.7071, 0.7071,
		0, 0.7071, 0.7071,
	}
	seg := models.NewSegmentation(g, models.Segment{Label: 1, Name: "lung"})
	seg.Set(1, 1, 1, 1)

	_, err := NewBuilder(Options{Enabled: true}).Build(seg)
	require.Error(t, err)
	assert.True(t, perr.IsCode(err, perr.ErrorCodeValidation), "got %v", err)
}
