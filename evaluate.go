package densecrf

import (
	"math"

	"github.com/RoaringBitmap/roaring/v2"
	"gonum.org/v1/gonum/stat"
)

func checkSameGrid(a, b Labeling) error {
	if a.W != b.W || a.H != b.H {
		return &ConfigError{Field: "labeling", Reason: "grid mismatch", cause: &ShapeError{What: "pixels", Expected: a.W * a.H, Actual: b.W * b.H}}
	}
	if len(a.Labels) != a.W*a.H || len(b.Labels) != b.W*b.H {
		return configErrorf("labeling", "label slice does not match grid")
	}
	return nil
}

// PixelAccuracy returns the fraction of pixels where pred equals truth,
// skipping pixels whose truth label is ignore.
func PixelAccuracy(pred, truth Labeling, ignore int) (float64, error) {
	if err := checkSameGrid(pred, truth); err != nil {
		return 0, err
	}
	var correct, total int
	for i, t := range truth.Labels {
		if t == ignore {
			continue
		}
		total++
		if pred.Labels[i] == t {
			correct++
		}
	}
	if total == 0 {
		return 0, nil
	}
	return float64(correct) / float64(total), nil
}

// classSets returns one bitmap of pixel indices per label in [0, k).
// Pixels in skip are left out.
func classSets(l Labeling, k int, skip *roaring.Bitmap) []*roaring.Bitmap {
	sets := make([]*roaring.Bitmap, k)
	for c := range sets {
		sets[c] = roaring.New()
	}
	for i, lbl := range l.Labels {
		if lbl < 0 || lbl >= k {
			continue
		}
		if skip != nil && skip.Contains(uint32(i)) {
			continue
		}
		sets[lbl].Add(uint32(i))
	}
	return sets
}

// MeanIoU returns the mean intersection-over-union over classes present in
// either labeling, and the per-class IoU (NaN for absent classes). Pixels
// whose truth label is ignore are excluded from both sides.
func MeanIoU(pred, truth Labeling, k, ignore int) (float64, []float64, error) {
	if err := checkSameGrid(pred, truth); err != nil {
		return 0, nil, err
	}
	if k < 1 {
		return 0, nil, configErrorf("K", "must be >= 1, got %d", k)
	}
	skip := roaring.New()
	for i, t := range truth.Labels {
		if t == ignore {
			skip.Add(uint32(i))
		}
	}
	ps := classSets(pred, k, skip)
	ts := classSets(truth, k, skip)

	perClass := make([]float64, k)
	var sum float64
	var present int
	for c := range k {
		union := ps[c].OrCardinality(ts[c])
		if union == 0 {
			perClass[c] = math.NaN()
			continue
		}
		perClass[c] = float64(ps[c].AndCardinality(ts[c])) / float64(union)
		sum += perClass[c]
		present++
	}
	if present == 0 {
		return 0, perClass, nil
	}
	return sum / float64(present), perClass, nil
}

// ChangedPixels returns the indices of pixels whose label differs between a
// and b, e.g. the unary arg-max and the refined labeling.
func ChangedPixels(a, b Labeling) (*roaring.Bitmap, error) {
	if err := checkSameGrid(a, b); err != nil {
		return nil, err
	}
	out := roaring.New()
	for i, l := range a.Labels {
		if b.Labels[i] != l {
			out.Add(uint32(i))
		}
	}
	return out, nil
}

// EntropyMap returns the per-pixel entropy (nats) of q, a cheap uncertainty
// map.
func EntropyMap(q Distribution) []float64 {
	n := q.W * q.H
	out := make([]float64, n)
	row := make([]float64, q.K)
	for i := range n {
		for l, p := range q.Pixel(i) {
			row[l] = float64(p)
		}
		out[i] = stat.Entropy(row)
	}
	return out
}
