// Package benchmark - Segmentation quality metrics and evaluation runs.
package benchmark

import (
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/nvr-ai/go-spatialembed/models/postprocess"
)

// overlap holds the pairwise intersections and per-label areas of two instance maps.
type overlap struct {
	inter map[[2]uint16]int
	areaA map[uint16]int
	areaB map[uint16]int
}

func newOverlap(a, b *postprocess.InstanceMap) *overlap {
	o := &overlap{
		inter: make(map[[2]uint16]int),
		areaA: make(map[uint16]int),
		areaB: make(map[uint16]int),
	}
	for i, la := range a.Labels {
		lb := b.Labels[i]
		if la != postprocess.Background {
			o.areaA[la]++
		}
		if lb != postprocess.Background {
			o.areaB[lb]++
		}
		if la != postprocess.Background && lb != postprocess.Background {
			o.inter[[2]uint16{la, lb}]++
		}
	}
	return o
}

// best returns, for every label of A, the best score against any label of B.
func (o *overlap) best(score func(inter, areaA, areaB int) float64) []float64 {
	out := make([]float64, 0, len(o.areaA))
	for la, areaA := range o.areaA {
		best := 0.0
		for lb, areaB := range o.areaB {
			if s := score(o.inter[[2]uint16{la, lb}], areaA, areaB); s > best {
				best = s
			}
		}
		out = append(out, best)
	}
	return out
}

func dice(inter, a, b int) float64 {
	return 2 * float64(inter) / float64(a+b)
}

func iou(inter, a, b int) float64 {
	return float64(inter) / float64(a+b-inter)
}

// empty scores maps without instances: two empty maps agree perfectly, an empty map
// never matches a non-empty one.
func (o *overlap) empty() (float64, bool) {
	switch {
	case len(o.areaA) == 0 && len(o.areaB) == 0:
		return 1, true
	case len(o.areaA) == 0 || len(o.areaB) == 0:
		return 0, true
	}
	return 0, false
}

// BestDice averages, over the instances of a, the highest Dice score against any instance of b.
//
// Arguments:
//   - a: The instance map whose instances are averaged.
//   - b: The instance map searched for matches. Must have a's size.
//
// Returns:
//   - float64: The mean best Dice in [0, 1].
func BestDice(a, b *postprocess.InstanceMap) float64 {
	o := newOverlap(a, b)
	if s, ok := o.empty(); ok {
		return s
	}
	return stat.Mean(o.best(dice), nil)
}

// SymmetricBestDice is the smaller of BestDice in both directions.
func SymmetricBestDice(pred, gt *postprocess.InstanceMap) float64 {
	return min(BestDice(pred, gt), BestDice(gt, pred))
}

// DifferenceInCount is the number of predicted instances minus the number of true instances.
func DifferenceInCount(pred, gt *postprocess.InstanceMap) int {
	return pred.Count() - gt.Count()
}

// MeanIoU averages, over the ground-truth instances, the best IoU with any predicted instance.
func MeanIoU(pred, gt *postprocess.InstanceMap) float64 {
	o := newOverlap(gt, pred)
	if s, ok := o.empty(); ok {
		return s
	}
	return stat.Mean(o.best(iou), nil)
}

// Scores bundles the per-image metrics.
type Scores struct {
	SBD     float64 `json:"sbd"`
	DiC     int     `json:"dic"`
	MeanIoU float64 `json:"mean_iou"`
}

// Score computes every metric of pred against gt.
func Score(pred, gt *postprocess.InstanceMap) Scores {
	return Scores{
		SBD:     SymmetricBestDice(pred, gt),
		DiC:     DifferenceInCount(pred, gt),
		MeanIoU: MeanIoU(pred, gt),
	}
}

// MemoryMetrics captures memory usage statistics
type MemoryMetrics struct {
	AllocBytes      uint64 `json:"alloc_bytes"`
	TotalAllocBytes uint64 `json:"total_alloc_bytes"`
	SysBytes        uint64 `json:"sys_bytes"`
	NumGC           uint32 `json:"num_gc"`
	HeapAllocBytes  uint64 `json:"heap_alloc_bytes"`
}

// Report aggregates an evaluation run.
type Report struct {
	Samples         []SampleResult `json:"samples"`
	MeanSBD         float64        `json:"mean_sbd"`
	MeanDiC         float64        `json:"mean_dic"`
	MeanAbsDiC      float64        `json:"mean_abs_dic"`
	MeanIoU         float64        `json:"mean_iou"`
	TotalDuration   time.Duration  `json:"total_duration"`
	FramesPerSecond float64        `json:"frames_per_second"`
	Memory          MemoryMetrics  `json:"memory"`
}

// summarize fills the averaged fields from the per-sample results.
func (r *Report) summarize() {
	n := len(r.Samples)
	if n == 0 {
		return
	}
	sbd := make([]float64, n)
	dic := make([]float64, n)
	absDiC := make([]float64, n)
	ious := make([]float64, n)
	for i, s := range r.Samples {
		sbd[i] = s.Scores.SBD
		dic[i] = float64(s.Scores.DiC)
		absDiC[i] = float64(max(s.Scores.DiC, -s.Scores.DiC))
		ious[i] = s.Scores.MeanIoU
	}
	r.MeanSBD = stat.Mean(sbd, nil)
	r.MeanDiC = stat.Mean(dic, nil)
	r.MeanAbsDiC = stat.Mean(absDiC, nil)
	r.MeanIoU = stat.Mean(ious, nil)

	durations := make([]float64, n)
	for i, s := range r.Samples {
		durations[i] = s.Duration.Seconds()
	}
	if total := floats.Sum(durations); total > 0 {
		r.FramesPerSecond = float64(n) / total
	}
}
