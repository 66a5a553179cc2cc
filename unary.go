package densecrf

import (
	"math"
)

// UnaryScores holds per-pixel, per-label energies (negative log
// probabilities), pixel-major: Energy[i*K+l] with i = y*W+x.
type UnaryScores struct {
	W, H, K int
	Energy  []float32
}

// NewUnaryScores wraps energy after validating its shape. The slice is not
// copied.
func NewUnaryScores(w, h, k int, energy []float32) (UnaryScores, error) {
	u := UnaryScores{W: w, H: h, K: k, Energy: energy}
	return u, u.validate()
}

// UnaryFromProbabilities converts class probabilities to energies
// -log(max(p, clamp)). clamp <= 0 defaults to 1e-8.
func UnaryFromProbabilities(w, h, k int, prob []float32, clamp float64) (UnaryScores, error) {
	if err := checkGrid(w, h, k, len(prob), "probabilities"); err != nil {
		return UnaryScores{}, err
	}
	if clamp <= 0 {
		clamp = 1e-8
	}
	energy := make([]float32, len(prob))
	for i, p := range prob {
		if math.IsNaN(float64(p)) {
			return UnaryScores{}, configErrorf("probabilities", "NaN at index %d", i)
		}
		energy[i] = float32(-math.Log(max(float64(p), clamp)))
	}
	return NewUnaryScores(w, h, k, energy)
}

// UnaryFromLogits converts raw network scores to energies. Using -logits
// instead of -log softmax(logits) only shifts each pixel by a constant, which
// the per-pixel softmax ignores.
func UnaryFromLogits(w, h, k int, logits []float32) (UnaryScores, error) {
	if err := checkGrid(w, h, k, len(logits), "logits"); err != nil {
		return UnaryScores{}, err
	}
	energy := make([]float32, len(logits))
	for i, v := range logits {
		energy[i] = -v
	}
	return NewUnaryScores(w, h, k, energy)
}

// UnaryFromLabels builds a unary from a hard annotation. Labeled pixels get
// probability confidence on their label and the rest spread uniformly.
// Label -1 is unknown and gets a uniform unary. With zeroUnsure, label 0 is
// unknown too and labels 1..K map to classes 0..K-1.
func UnaryFromLabels(labels []int, w, h, k int, confidence float64, zeroUnsure bool) (UnaryScores, error) {
	if err := checkGrid(w, h, 1, len(labels), "labels"); err != nil {
		return UnaryScores{}, err
	}
	if k < 1 {
		return UnaryScores{}, configErrorf("K", "must be >= 1, got %d", k)
	}
	if !(confidence > 0 && confidence < 1) {
		return UnaryScores{}, configErrorf("confidence", "must be in (0, 1), got %g", confidence)
	}
	uniform := float32(-math.Log(1 / float64(k)))
	on := float32(-math.Log(confidence))
	off := uniform
	if k > 1 {
		off = float32(-math.Log((1 - confidence) / float64(k-1)))
	}

	energy := make([]float32, len(labels)*k)
	for i, lbl := range labels {
		if zeroUnsure {
			lbl--
		}
		row := energy[i*k : (i+1)*k]
		if lbl < 0 {
			for l := range row {
				row[l] = uniform
			}
			continue
		}
		if lbl >= k {
			return UnaryScores{}, configErrorf("labels", "label %d at pixel %d out of range [0,%d)", lbl, i, k)
		}
		for l := range row {
			row[l] = off
		}
		row[lbl] = on
	}
	return NewUnaryScores(w, h, k, energy)
}

// Pixel returns the K energies of pixel i.
func (u UnaryScores) Pixel(i int) []float32 {
	return u.Energy[i*u.K : (i+1)*u.K]
}

func (u UnaryScores) validate() error {
	if err := checkGrid(u.W, u.H, u.K, len(u.Energy), "unary energy"); err != nil {
		return err
	}
	for i, e := range u.Energy {
		if math.IsNaN(float64(e)) || math.IsInf(float64(e), 0) {
			return configErrorf("unary", "non-finite energy at pixel %d label %d", i/u.K, i%u.K)
		}
	}
	return nil
}

func checkGrid(w, h, k, n int, what string) error {
	if w < 1 || h < 1 {
		return configErrorf("grid", "size must be positive, got %dx%d", w, h)
	}
	if k < 1 {
		return configErrorf("K", "must be >= 1, got %d", k)
	}
	if n != w*h*k {
		return &ConfigError{Field: what, Reason: "length mismatch", cause: &ShapeError{What: what, Expected: w * h * k, Actual: n}}
	}
	return nil
}

// Distribution is the per-pixel label distribution Q, laid out like
// UnaryScores. Every pixel row is non-negative and sums to 1.
type Distribution struct {
	W, H, K int
	Prob    []float32
}

// Pixel returns the K probabilities of pixel i.
func (q Distribution) Pixel(i int) []float32 {
	return q.Prob[i*q.K : (i+1)*q.K]
}

// Labeling is a per-pixel label map, Labels[y*W+x].
type Labeling struct {
	W, H   int
	Labels []int
}

// At returns the label at (x, y).
func (l Labeling) At(x, y int) int {
	return l.Labels[labelOffset(l.W, x, y)]
}

// MAP returns the arg-max label of every pixel. Ties go to the lowest label.
func MAP(q Distribution) Labeling {
	n := q.W * q.H
	out := Labeling{W: q.W, H: q.H, Labels: make([]int, n)}
	for i := range n {
		out.Labels[i] = argmax(q.Prob[i*q.K : (i+1)*q.K])
	}
	return out
}

func argmax(row []float32) int {
	best := 0
	for l := 1; l < len(row); l++ {
		if row[l] > row[best] {
			best = l
		}
	}
	return best
}

// Result is the outcome of one Infer call.
type Result struct {
	Q          Distribution
	Labeling   Labeling
	Iterations int
	Converged  bool
	// Mean-field free energy after each iteration, when Config.TraceEnergy is set.
	Energy []float64
}
