// Package regions derives anatomical sub-masks from a lung segmentation:
// one region per lobe when lobe labels are present, otherwise anterior/
// posterior halves and upper/middle/lower thirds of the lung bounding box.
package regions

import (
	"fmt"
	"strings"

	"lungctanalyzer/internal/logger"
	"lungctanalyzer/internal/models"
)

// Mode selects how regions are derived for a case
type Mode int

const (
	// ModeDisabled produces no regions; only the whole-lung rows are reported
	ModeDisabled Mode = iota

	// ModeLobes passes lobe labels through, one region per lobe
	ModeLobes

	// ModeGeometric splits the lung bounding box into fractional bands
	ModeGeometric
)

// String returns the mode name used in logs and summaries
func (m Mode) String() string {
	switch m {
	case ModeLobes:
		return "lobes"
	case ModeGeometric:
		return "geometric"
	default:
		return "disabled"
	}
}

// Region names
const (
	Anterior  = "anterior"
	Posterior = "posterior"
	Upper     = "upper"
	Middle    = "middle"
	Lower     = "lower"

	RightLung = "right lung"
	LeftLung  = "left lung"
)

// none marks a voxel or label outside every region of a group
const none = -1

// Group is a partition of (part of) the lung into named regions. Every lung
// voxel belongs to at most one region of a group; groups are independent, so
// a voxel is counted once per group.
type Group struct {
	// Name identifies the partition, e.g. "anterior-posterior"
	Name string

	// Regions lists the region names in report order
	Regions []string

	// byLabel maps a segmentation label to a region index, or for band
	// groups to 0 when the label takes part in the group. none excludes it.
	byLabel [256]int

	// axis is the voxel axis of a band group, or none for label groups
	axis int

	// bands maps a coordinate along axis to a region index
	bands []int
}

// RegionOf returns the index into Regions of the voxel at (x,y,z) with the
// given label, or -1 if the voxel is in no region of this group
func (g *Group) RegionOf(x, y, z int, label uint8) int {
	r := g.byLabel[label]
	if r == none || g.axis == none {
		return r
	}
	return g.bands[coord(g.axis, x, y, z)]
}

func newLabelGroup(name string) *Group {
	g := &Group{Name: name, axis: none}
	for i := range g.byLabel {
		g.byLabel[i] = none
	}
	return g
}

// RegionSet is the result of the builder for one case
type RegionSet struct {
	Mode   Mode
	Groups []*Group
}

// Empty reports whether the set holds no regions
func (rs *RegionSet) Empty() bool {
	return rs == nil || len(rs.Groups) == 0
}

// Names returns every region name in report order
func (rs *RegionSet) Names() []string {
	if rs == nil {
		return nil
	}
	var names []string
	for _, g := range rs.Groups {
		names = append(names, g.Regions...)
	}
	return names
}

// Mask materializes the named region as a boolean grid over seg
func (rs *RegionSet) Mask(name string, seg *models.Segmentation) ([]bool, error) {
	if rs != nil {
		for _, g := range rs.Groups {
			for ri, rn := range g.Regions {
				if rn != name {
					continue
				}
				mask := make([]bool, seg.NumVoxels())
				nx, ny := seg.Dims[0], seg.Dims[1]
				for z := 0; z < seg.Dims[2]; z++ {
					for y := 0; y < ny; y++ {
						row := z*nx*ny + y*nx
						for x := 0; x < nx; x++ {
							label := seg.Labels[row+x]
							if label != 0 && g.RegionOf(x, y, z, label) == ri {
								mask[row+x] = true
							}
						}
					}
				}
				return mask, nil
			}
		}
	}
	return nil, fmt.Errorf("region %q not found", name)
}

// Options controls region analysis
type Options struct {
	// Enabled turns region analysis on; without it only whole-lung rows are produced
	Enabled bool `yaml:"enabled"`

	// PerSide adds right and left lung regions and, in geometric mode, bands
	// computed separately for each side
	PerSide bool `yaml:"perSide"`
}

// Builder derives RegionSets from segmentations
type Builder struct {
	opts Options
	log  *logger.Logger
}

// NewBuilder creates a builder with the given options
func NewBuilder(opts Options) *Builder {
	return &Builder{opts: opts, log: logger.Named("regions")}
}

// SelectMode inspects the segmentation once and picks the region mode
func (b *Builder) SelectMode(seg *models.Segmentation) Mode {
	if !b.opts.Enabled {
		return ModeDisabled
	}
	if seg.HasLobes() {
		return ModeLobes
	}
	return ModeGeometric
}

// Build derives the regions of seg. A segmentation without lung voxels yields
// an empty set, not an error.
func (b *Builder) Build(seg *models.Segmentation) (*RegionSet, error) {
	rs := &RegionSet{Mode: b.SelectMode(seg)}
	if rs.Mode == ModeDisabled {
		return rs, nil
	}

	boxes := labelBoxes(seg)
	present := boxes.labels()
	if len(present) == 0 {
		b.log.Warn().Msg("segmentation has no lung voxels, no regions built")
		return rs, nil
	}

	switch rs.Mode {
	case ModeLobes:
		rs.Groups = append(rs.Groups, lobeGroup(seg, present))
	case ModeGeometric:
		axes, err := AnatomicalAxes(seg.Geometry)
		if err != nil {
			return nil, err
		}
		groups := bandGroups("", seg.Geometry, axes, boxes, present)
		rs.Groups = append(rs.Groups, groups...)
	}

	if b.opts.PerSide {
		sides := sideLabels(seg, present)
		if len(sides[0]) > 0 && len(sides[1]) > 0 {
			rs.Groups = append(rs.Groups, sideGroup(sides))
			if rs.Mode == ModeGeometric {
				axes, _ := AnatomicalAxes(seg.Geometry)
				rs.Groups = append(rs.Groups, bandGroups(RightLung, seg.Geometry, axes, boxes, sides[0])...)
				rs.Groups = append(rs.Groups, bandGroups(LeftLung, seg.Geometry, axes, boxes, sides[1])...)
			}
		} else {
			b.log.Debug().Msg("per-side regions requested but right and left lung are not both labelled")
		}
	}

	b.log.Debug().Str("mode", rs.Mode.String()).Strs("regions", rs.Names()).Msg("regions built")
	return rs, nil
}

// lobeGroup assigns one region per lobe label present in the grid
func lobeGroup(seg *models.Segmentation, present []uint8) *Group {
	g := newLabelGroup("lobes")
	for _, label := range present {
		var lobe *models.Segment
		for i := range seg.Segments {
			if seg.Segments[i].Label == label && seg.Segments[i].IsLobe() {
				lobe = &seg.Segments[i]
				break
			}
		}
		if lobe == nil {
			continue
		}
		g.byLabel[label] = len(g.Regions)
		g.Regions = append(g.Regions, lobe.Name)
	}
	return g
}

// sideLabels splits the present labels into right and left by segment name
func sideLabels(seg *models.Segmentation, present []uint8) [2][]uint8 {
	var sides [2][]uint8
	for _, label := range present {
		name := strings.ToLower(seg.SegmentName(label))
		switch {
		case strings.HasPrefix(name, "right"):
			sides[0] = append(sides[0], label)
		case strings.HasPrefix(name, "left"):
			sides[1] = append(sides[1], label)
		}
	}
	return sides
}

func sideGroup(sides [2][]uint8) *Group {
	g := newLabelGroup("sides")
	g.Regions = []string{RightLung, LeftLung}
	for side, labels := range sides {
		for _, l := range labels {
			g.byLabel[l] = side
		}
	}
	return g
}

// bandGroups builds the anterior/posterior and upper/middle/lower partitions
// over the bounding box of the given labels
func bandGroups(prefix string, geom models.Geometry, axes Axes, boxes *boxSet, labels []uint8) []*Group {
	box := boxes.union(labels)

	name := func(region string) string {
		if prefix == "" {
			return region
		}
		return prefix + " " + region
	}

	ap := newLabelGroup(strings.TrimSpace(prefix + " anterior-posterior"))
	ap.Regions = []string{name(Anterior), name(Posterior)}
	ap.axis = axes.AP
	ap.bands = halves(geom.Dims[axes.AP], box.min[axes.AP], box.max[axes.AP], axes.AnteriorIncreasing)

	si := newLabelGroup(strings.TrimSpace(prefix + " superior-inferior"))
	si.Regions = []string{name(Upper), name(Middle), name(Lower)}
	si.axis = axes.SI
	si.bands = thirds(geom.Dims[axes.SI], box.min[axes.SI], box.max[axes.SI], axes.SuperiorIncreasing)

	for _, l := range labels {
		ap.byLabel[l] = 0
		si.byLabel[l] = 0
	}
	return []*Group{ap, si}
}

// halves splits [lo,hi] at the midplane. Index 0 is the half nearest to the
// end the axis points to when increasing is true, otherwise the lower end.
func halves(n, lo, hi int, increasing bool) []int {
	bands := emptyBands(n)
	extent := hi - lo + 1
	for c := lo; c <= hi; c++ {
		d := c - lo
		if increasing {
			d = hi - c
		}
		if 2*d < extent {
			bands[c] = 0
		} else {
			bands[c] = 1
		}
	}
	return bands
}

// thirds splits [lo,hi] into three bands counted from the end the axis
// points to when increasing is true
func thirds(n, lo, hi int, increasing bool) []int {
	bands := emptyBands(n)
	extent := hi - lo + 1
	for c := lo; c <= hi; c++ {
		d := c - lo
		if increasing {
			d = hi - c
		}
		bands[c] = 3 * d / extent
	}
	return bands
}

func emptyBands(n int) []int {
	bands := make([]int, n)
	for i := range bands {
		bands[i] = none
	}
	return bands
}
