package volumetry

import (
	"runtime"
	"sync"

	"gonum.org/v1/gonum/floats"

	perr "lungctanalyzer/internal/errors"
	"lungctanalyzer/internal/logger"
	"lungctanalyzer/internal/models"
	"lungctanalyzer/pkg/regions"
)

// laaThresholdHU is the cut-off of the low attenuation area score
const laaThresholdHU = -950

// Input is everything the aggregator reads for one case. None of it is
// retained after Aggregate returns.
type Input struct {
	CaseID       string
	Volume       *models.Volume
	Segmentation *models.Segmentation
	Labels       *models.LabelVolume

	// Regions may be nil or empty, in which case only whole rows are produced
	Regions *regions.RegionSet
}

// Result is the output of one aggregation
type Result struct {
	// Records holds the whole rows followed by the rows of each region, every
	// region listing models.ReportedCategories in order
	Records []models.ResultRecord

	Summary   CaseSummary
	Histogram *Histogram
}

// Aggregator computes the statistics table of a case
type Aggregator struct {
	densities  DensityTable
	numWorkers int
	log        *logger.Logger
}

// NewAggregator creates an aggregator. numWorkers <= 0 uses all CPUs.
func NewAggregator(densities DensityTable, numWorkers int) *Aggregator {
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	return &Aggregator{
		densities:  densities,
		numWorkers: numWorkers,
		log:        logger.Named("volumetry"),
	}
}

// slicePartial holds the sums of one axial slice. Buckets are the whole lung
// followed by every region of the set.
type slicePartial struct {
	counts [][models.NumCategories]int
	sums   [][models.NumCategories]float64
}

// workerTally holds the order-independent integer tallies of one worker
type workerTally struct {
	hist *Histogram
	laa  int
}

// bucketMap resolves a voxel to its region buckets
type bucketMap struct {
	groups  []*regions.Group
	offsets []int
	names   []string
}

func newBucketMap(rs *regions.RegionSet) *bucketMap {
	bm := &bucketMap{names: []string{models.WholeRegion}}
	if rs.Empty() {
		return bm
	}
	for _, g := range rs.Groups {
		bm.groups = append(bm.groups, g)
		bm.offsets = append(bm.offsets, len(bm.names))
		bm.names = append(bm.names, g.Regions...)
	}
	return bm
}

// Aggregate computes one record per (region, category) pair, including
// records with zero voxels. Partial sums are kept per axial slice and
// reduced in slice order, so the result does not depend on numWorkers.
func (a *Aggregator) Aggregate(in Input) (*Result, error) {
	if err := models.CheckGrid(in.Volume, in.Segmentation); err != nil {
		return nil, err
	}
	if in.Labels == nil || len(in.Labels.Labels) != in.Volume.NumVoxels() {
		return nil, perr.Inputf("label volume does not cover the CT volume")
	}

	bm := newBucketMap(in.Regions)
	geom := in.Volume.Geometry
	nx, ny, nz := geom.Dims[0], geom.Dims[1], geom.Dims[2]
	partials := make([]slicePartial, nz)
	tallies := make([]workerTally, a.numWorkers)

	slices := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < a.numWorkers; w++ {
		wg.Add(1)
		go func(t *workerTally) {
			defer wg.Done()
			t.hist = NewHistogram()
			for z := range slices {
				partials[z] = a.scanSlice(in, bm, t, z, nx, ny)
			}
		}(&tallies[w])
	}
	for z := 0; z < nz; z++ {
		slices <- z
	}
	close(slices)
	wg.Wait()

	res := &Result{Histogram: NewHistogram()}
	buckets := len(bm.names)
	voxelML := geom.VoxelVolumeMM3() / 1000.0
	perSlice := make([]float64, nz)
	laa := 0

	for b := 0; b < buckets; b++ {
		for _, cat := range models.ReportedCategories {
			count := 0
			for z := range partials {
				count += partials[z].counts[b][cat]
				perSlice[z] = partials[z].sums[b][cat]
			}
			rec := models.ResultRecord{
				CaseID:     in.CaseID,
				Category:   cat.String(),
				Region:     bm.names[b],
				VoxelCount: count,
				VolumeML:   float64(count) * voxelML,
			}
			if count > 0 {
				rec.MeanHU = floats.Sum(perSlice) / float64(count)
			}
			rec.MassGrams = a.densities.Of(cat) * rec.VolumeML
			res.Records = append(res.Records, rec)
		}
	}
	for _, t := range tallies {
		res.Histogram.Merge(t.hist)
		laa += t.laa
	}

	res.Summary = summarize(in.CaseID, res.Records, res.Histogram, laa, voxelML)
	if in.Regions != nil {
		res.Summary.RegionMode = in.Regions.Mode.String()
	}

	a.log.Debug().
		Str("case", in.CaseID).
		Int("records", len(res.Records)).
		Int("lungVoxels", res.Summary.LungVoxels).
		Msg("aggregation complete")
	return res, nil
}

// scanSlice accumulates one axial slice in y, x order
func (a *Aggregator) scanSlice(in Input, bm *bucketMap, t *workerTally, z, nx, ny int) slicePartial {
	buckets := len(bm.names)
	p := slicePartial{
		counts: make([][models.NumCategories]int, buckets),
		sums:   make([][models.NumCategories]float64, buckets),
	}
	base := z * nx * ny
	for y := 0; y < ny; y++ {
		for x := 0; x < nx; x++ {
			i := base + y*nx + x
			cat := in.Labels.Labels[i]
			if cat == models.CategoryOutside {
				continue
			}
			hu := in.Volume.Data[i]
			p.counts[0][cat]++
			p.sums[0][cat] += hu
			t.hist.Add(hu)
			if hu < laaThresholdHU {
				t.laa++
			}

			label := in.Segmentation.Labels[i]
			for gi, g := range bm.groups {
				if r := g.RegionOf(x, y, z, label); r >= 0 {
					b := bm.offsets[gi] + r
					p.counts[b][cat]++
					p.sums[b][cat] += hu
				}
			}
		}
	}
	return p
}
