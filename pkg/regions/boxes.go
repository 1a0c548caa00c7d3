package regions

import "lungctanalyzer/internal/models"

// box is an inclusive voxel bounding box
type box struct {
	min, max [3]int
	voxels   int
}

func (b *box) add(x, y, z int) {
	p := [3]int{x, y, z}
	if b.voxels == 0 {
		b.min, b.max = p, p
	} else {
		for i := range p {
			if p[i] < b.min[i] {
				b.min[i] = p[i]
			}
			if p[i] > b.max[i] {
				b.max[i] = p[i]
			}
		}
	}
	b.voxels++
}

func (b *box) merge(o box) {
	if o.voxels == 0 {
		return
	}
	if b.voxels == 0 {
		*b = o
		return
	}
	for i := 0; i < 3; i++ {
		if o.min[i] < b.min[i] {
			b.min[i] = o.min[i]
		}
		if o.max[i] > b.max[i] {
			b.max[i] = o.max[i]
		}
	}
	b.voxels += o.voxels
}

// boxSet holds one bounding box per segmentation label
type boxSet [256]box

// labelBoxes computes every label's bounding box in a single pass
func labelBoxes(seg *models.Segmentation) *boxSet {
	var bs boxSet
	nx, ny, nz := seg.Dims[0], seg.Dims[1], seg.Dims[2]
	i := 0
	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				if l := seg.Labels[i]; l != 0 {
					bs[l].add(x, y, z)
				}
				i++
			}
		}
	}
	return &bs
}

// labels lists the non-zero labels with at least one voxel, ascending
func (bs *boxSet) labels() []uint8 {
	var out []uint8
	for l := 1; l < len(bs); l++ {
		if bs[l].voxels > 0 {
			out = append(out, uint8(l))
		}
	}
	return out
}

func (bs *boxSet) union(labels []uint8) box {
	var u box
	for _, l := range labels {
		u.merge(bs[l])
	}
	return u
}
