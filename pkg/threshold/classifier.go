package threshold

import (
	"runtime"
	"sync"

	"lungctanalyzer/internal/models"
)

// rule is one entry of the precedence list
type rule struct {
	cat      models.Category
	min, max float64
}

// Classifier maps HU values to tissue categories. It is immutable and safe
// for concurrent use.
type Classifier struct {
	rules []rule
	set   *Set
}

// NewClassifier validates the set and builds the precedence list. The set is
// copied, so later changes to it do not affect the classifier.
func NewClassifier(set *Set) (*Classifier, error) {
	if err := set.Validate(); err != nil {
		return nil, err
	}
	c := &Classifier{set: set.Clone()}
	for _, cat := range models.PrecedenceOrder {
		r, _ := c.set.Range(cat)
		c.rules = append(c.rules, rule{cat: cat, min: r.MinHU, max: r.MaxHU})
	}
	return c, nil
}

// Set returns a copy of the thresholds in use
func (c *Classifier) Set() *Set {
	return c.set.Clone()
}

// Classify returns the category of the first range in precedence order that
// contains hu, or CategoryUnclassified.
func (c *Classifier) Classify(hu float64) models.Category {
	for _, r := range c.rules {
		if hu >= r.min && hu <= r.max {
			return r.cat
		}
	}
	return models.CategoryUnclassified
}

// ClassifyVolume labels every segmented voxel of vol. Voxels with label 0 in
// seg stay CategoryOutside. Axial slices are distributed over numWorkers
// goroutines; each worker writes a disjoint range of the output so the result
// does not depend on the worker count.
func (c *Classifier) ClassifyVolume(vol *models.Volume, seg *models.Segmentation, numWorkers int) (*models.LabelVolume, error) {
	if err := models.CheckGrid(vol, seg); err != nil {
		return nil, err
	}
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}

	out := models.NewLabelVolume(vol.Geometry)
	sliceSize := vol.SliceSize()
	depth := vol.Dims[2]

	slices := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for z := range slices {
				start := z * sliceSize
				end := start + sliceSize
				for i := start; i < end; i++ {
					if seg.Labels[i] == 0 {
						continue
					}
					out.Labels[i] = c.Classify(vol.Data[i])
				}
			}
		}()
	}
	for z := 0; z < depth; z++ {
		slices <- z
	}
	close(slices)
	wg.Wait()

	return out, nil
}
