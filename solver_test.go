package densecrf

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func noiseImage(rng *rand.Rand, w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.SetRGBA(x, y, color.RGBA{uint8(rng.IntN(256)), uint8(rng.IntN(256)), uint8(rng.IntN(256)), 255})
		}
	}
	return img
}

func splitImage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			v := uint8(0)
			if x >= w/2 {
				v = 255
			}
			img.SetRGBA(x, y, color.RGBA{v, v, v, 255})
		}
	}
	return img
}

func randomUnary(t testing.TB, rng *rand.Rand, w, h, k int) UnaryScores {
	energy := make([]float32, w*h*k)
	for i := range energy {
		energy[i] = float32(rng.Float64() * 3)
	}
	u, err := NewUnaryScores(w, h, k, energy)
	require.NoError(t, err)
	return u
}

func unaryArgmin(u UnaryScores) []int {
	out := make([]int, u.W*u.H)
	for i := range out {
		row := u.Pixel(i)
		best := 0
		for l := 1; l < len(row); l++ {
			if row[l] < row[best] {
				best = l
			}
		}
		out[i] = best
	}
	return out
}

func defaultTerms() []PairwiseTerm {
	return []PairwiseTerm{
		SpatialTerm(3, 3),
		BilateralTerm(20, 13, 5),
	}
}

func TestSimplexInvariantEveryIteration(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 1))
	w, h, k := 24, 16, 3
	img := noiseImage(rng, w, h)
	model, err := NewPotentialModel(randomUnary(t, rng, w, h, k), defaultTerms(), nil)
	require.NoError(t, err)

	for _, relax := range []float64{1, 0.5} {
		cfg := DefaultConfig()
		cfg.Iterations = 6
		cfg.Relaxation = relax
		seen := 0
		cfg.OnIteration = func(_ int, q Distribution) {
			seen++
			for i := range q.W * q.H {
				var sum float64
				for _, p := range q.Pixel(i) {
					require.GreaterOrEqual(t, p, float32(0))
					sum += float64(p)
				}
				require.InDelta(t, 1, sum, 1e-5)
			}
		}
		res, err := NewSolver().Infer(context.Background(), img, model, cfg)
		require.NoError(t, err)
		assert.Equal(t, 6, seen)
		assert.Equal(t, 6, res.Iterations)
	}
}

func TestZeroWeightIsUnaryArgmax(t *testing.T) {
	rng := rand.New(rand.NewPCG(2, 2))
	w, h, k := 20, 15, 4
	unary := randomUnary(t, rng, w, h, k)
	terms := []PairwiseTerm{SpatialTerm(3, 0), BilateralTerm(50, 10, 0)}
	model, err := NewPotentialModel(unary, terms, nil)
	require.NoError(t, err)

	res, err := NewSolver().Infer(context.Background(), noiseImage(rng, w, h), model, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, unaryArgmin(unary), res.Labeling.Labels)

	row := make([]float64, k)
	for i := range w * h {
		e := make([]float64, k)
		for l, v := range unary.Pixel(i) {
			e[l] = float64(v)
		}
		require.Empty(t, softmax(e, row, 80))
		for l, p := range res.Q.Pixel(i) {
			assert.InDelta(t, row[l], p, 1e-6)
		}
	}
}

func TestSinglePixelConvergesToUnary(t *testing.T) {
	unary, err := NewUnaryScores(1, 1, 3, []float32{1.2, 0.4, 2})
	require.NoError(t, err)
	model, err := NewPotentialModel(unary, defaultTerms(), nil)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Iterations = 10
	cfg.Tolerance = 1e-6
	img := image.NewRGBA(image.Rect(0, 0, 1, 1))
	res, err := NewSolver().Infer(context.Background(), img, model, cfg)
	require.NoError(t, err)

	assert.True(t, res.Converged)
	assert.Equal(t, 1, res.Iterations)
	assert.Equal(t, []int{1}, res.Labeling.Labels)

	e := []float64{1.2, 0.4, 2}
	want := make([]float64, 3)
	softmax(e, want, 80)
	for l, p := range res.Q.Prob {
		assert.InDelta(t, want[l], p, 1e-6)
	}
}

func TestTwoIdenticalPixelsAgree(t *testing.T) {
	unary, err := NewUnaryScores(2, 1, 2, []float32{0, 0.3, 2, 0})
	require.NoError(t, err)
	// A huge sigma makes both embeddings coincide.
	model, err := NewPotentialModel(unary, []PairwiseTerm{SpatialTerm(1e4, 6)}, nil)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Iterations = 10
	res, err := NewSolver().Infer(context.Background(), nil, model, cfg)
	require.NoError(t, err)

	assert.Equal(t, res.Labeling.Labels[0], res.Labeling.Labels[1])
	for l := range 2 {
		assert.InDelta(t, res.Q.Pixel(0)[l], res.Q.Pixel(1)[l], 0.01)
	}
}

func TestDeterministicAcrossWorkers(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 3))
	w, h, k := 64, 48, 4
	img := noiseImage(rng, w, h)
	model, err := NewPotentialModel(randomUnary(t, rng, w, h, k), defaultTerms(), nil)
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.TraceEnergy = true

	run := func(workers int) *Result {
		res, err := NewSolver(WithWorkers(workers)).Infer(context.Background(), img, model, cfg)
		require.NoError(t, err)
		return res
	}
	a := run(1)
	b := run(8)
	c := run(8)
	assert.Equal(t, a.Q.Prob, b.Q.Prob)
	assert.Equal(t, b.Q.Prob, c.Q.Prob)
	assert.Equal(t, a.Labeling, b.Labeling)
	assert.Equal(t, a.Energy, b.Energy)
}

func TestBilateralRespectsEdges(t *testing.T) {
	w, h, k := 20, 10, 2
	img := splitImage(w, h)
	prob := make([]float32, w*h*k)
	truth := Labeling{W: w, H: h, Labels: make([]int, w*h)}
	for y := range h {
		for x := range w {
			i := y*w + x
			lbl := 0
			if x >= w/2 {
				lbl = 1
			}
			truth.Labels[i] = lbl
			conf := float32(0.7)
			if (x+3*y)%7 == 0 {
				conf = 0.4
			}
			prob[i*k+lbl] = conf
			prob[i*k+1-lbl] = 1 - conf
		}
	}
	unary, err := UnaryFromProbabilities(w, h, k, prob, 1e-6)
	require.NoError(t, err)
	model, err := NewPotentialModel(unary, []PairwiseTerm{SpatialTerm(1, 1), BilateralTerm(10, 10, 5)}, nil)
	require.NoError(t, err)

	before, err := PixelAccuracy(Labeling{W: w, H: h, Labels: unaryArgmin(unary)}, truth, -1)
	require.NoError(t, err)
	require.Less(t, before, 1.0)

	res, err := NewSolver().Infer(context.Background(), img, model, DefaultConfig())
	require.NoError(t, err)
	acc, err := PixelAccuracy(res.Labeling, truth, -1)
	require.NoError(t, err)
	assert.Equal(t, 1.0, acc)
}

func TestInferConfigErrors(t *testing.T) {
	rng := rand.New(rand.NewPCG(4, 4))
	unary := randomUnary(t, rng, 8, 6, 3)
	model, err := NewPotentialModel(unary, defaultTerms(), nil)
	require.NoError(t, err)
	solver := NewSolver()
	ctx := context.Background()

	cases := []struct {
		name  string
		img   image.Image
		model *PotentialModel
		cfg   func(*Config)
	}{
		{"nil model", noiseImage(rng, 8, 6), nil, nil},
		{"image size", noiseImage(rng, 9, 6), model, nil},
		{"bilateral without image", nil, model, nil},
		{"relaxation", noiseImage(rng, 8, 6), model, func(c *Config) { c.Relaxation = 0 }},
		{"iterations", noiseImage(rng, 8, 6), model, func(c *Config) { c.Iterations = -1 }},
		{"clamp", noiseImage(rng, 8, 6), model, func(c *Config) { c.EnergyClamp = 0 }},
		{"self term", noiseImage(rng, 8, 6), model, func(c *Config) { c.SelfTerm = 7 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			if tc.cfg != nil {
				tc.cfg(&cfg)
			}
			_, err := solver.Infer(ctx, tc.img, tc.model, cfg)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrConfig)
			var ce *ConfigError
			assert.True(t, errors.As(err, &ce))
		})
	}
}

func TestImageSizeMismatchCarriesShape(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 5))
	model, err := NewPotentialModel(randomUnary(t, rng, 4, 4, 2), []PairwiseTerm{SpatialTerm(3, 1)}, nil)
	require.NoError(t, err)
	_, err = NewSolver().Infer(context.Background(), noiseImage(rng, 5, 4), model, DefaultConfig())
	var se *ShapeError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 16, se.Expected)
	assert.Equal(t, 20, se.Actual)
}

func TestNumericInstabilityIsReported(t *testing.T) {
	rng := rand.New(rand.NewPCG(6, 6))
	terms := make([]PairwiseTerm, 4)
	for i := range terms {
		terms[i] = SpatialTerm(3, math.MaxFloat64)
	}
	model, err := NewPotentialModel(randomUnary(t, rng, 4, 4, 2), terms, nil)
	require.NoError(t, err)

	_, err = NewSolver().Infer(context.Background(), nil, model, DefaultConfig())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNumericInstability)
	var ne *NumericInstabilityError
	require.True(t, errors.As(err, &ne))
	assert.Equal(t, 1, ne.Iteration)
}

func TestExtremeUnaryStaysFinite(t *testing.T) {
	unary, err := NewUnaryScores(2, 1, 2, []float32{0, 1e30, 1e30, 0})
	require.NoError(t, err)
	model, err := NewPotentialModel(unary, []PairwiseTerm{SpatialTerm(1, 3)}, nil)
	require.NoError(t, err)

	res, err := NewSolver().Infer(context.Background(), nil, model, DefaultConfig())
	require.NoError(t, err)
	for _, p := range res.Q.Prob {
		assert.False(t, math.IsNaN(float64(p)))
	}
	assert.Equal(t, []int{0, 1}, res.Labeling.Labels)
	assert.InDelta(t, 1, res.Q.Prob[0], 1e-6)
}

func TestInferCancelled(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 7))
	model, err := NewPotentialModel(randomUnary(t, rng, 8, 8, 2), []PairwiseTerm{SpatialTerm(3, 1)}, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := NewSolver().Infer(ctx, nil, model, DefaultConfig())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, res)
}

// splitUnary favours label 0 on the left half and label 1 on the right, with
// a margin that varies per pixel but never flips the preference.
func splitUnary(t testing.TB, w, h int) (UnaryScores, Labeling) {
	energy := make([]float32, w*h*2)
	truth := Labeling{W: w, H: h, Labels: make([]int, w*h)}
	for y := range h {
		for x := range w {
			i := y*w + x
			lbl := 0
			if x >= w/2 {
				lbl = 1
			}
			truth.Labels[i] = lbl
			energy[i*2+1-lbl] = 0.5 + float32((7*x+3*y)%5)*0.25
		}
	}
	u, err := NewUnaryScores(w, h, 2, energy)
	require.NoError(t, err)
	return u, truth
}

func TestEarlyStopAndEnergyTrace(t *testing.T) {
	w, h := 16, 16
	unary, truth := splitUnary(t, w, h)
	model, err := NewPotentialModel(unary, defaultTerms(), nil)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Iterations = 50
	cfg.Tolerance = 1e-3
	cfg.TraceEnergy = true
	res, err := NewSolver().Infer(context.Background(), splitImage(w, h), model, cfg)
	require.NoError(t, err)
	assert.True(t, res.Converged)
	assert.Less(t, res.Iterations, 50)
	assert.Equal(t, truth, res.Labeling)
	require.Len(t, res.Energy, res.Iterations)
	for _, e := range res.Energy {
		assert.False(t, math.IsNaN(e) || math.IsInf(e, 0))
	}
}

// Two coinciding pixels whose unaries prefer opposite labels. Undamped
// parallel updates make each pixel adopt the other's label, so the labeling
// alternates with the iteration count.
func swapPairModel(t testing.TB) *PotentialModel {
	unary, err := NewUnaryScores(2, 1, 2, []float32{0, 1, 1, 0})
	require.NoError(t, err)
	model, err := NewPotentialModel(unary, []PairwiseTerm{SpatialTerm(1e4, 5)}, nil)
	require.NoError(t, err)
	return model
}

func labelsAfter(t *testing.T, model *PotentialModel, cfg Config, iterations int) []int {
	t.Helper()
	cfg.Iterations = iterations
	res, err := NewSolver().Infer(context.Background(), nil, model, cfg)
	require.NoError(t, err)
	return res.Labeling.Labels
}

func TestDefaultConfigLabelsSettle(t *testing.T) {
	model := swapPairModel(t)
	cfg := DefaultConfig()
	for _, n := range []int{5, 20} {
		a := labelsAfter(t, model, cfg, n)
		b := labelsAfter(t, model, cfg, n+1)
		assert.Equal(t, a, b, "iterations %d and %d", n, n+1)
		assert.Equal(t, []int{0, 1}, b)
	}

	cfg.Iterations = 50
	cfg.Tolerance = 1e-3
	res, err := NewSolver().Infer(context.Background(), nil, model, cfg)
	require.NoError(t, err)
	assert.True(t, res.Converged)
	assert.Less(t, res.Iterations, 30)
}

func TestUndampedUpdatesOscillate(t *testing.T) {
	model := swapPairModel(t)
	cfg := DefaultConfig()
	cfg.Relaxation = 1
	assert.NotEqual(t, labelsAfter(t, model, cfg, 20), labelsAfter(t, model, cfg, 21))

	cfg.SelfTerm = SelfTermInclude
	assert.Equal(t, labelsAfter(t, model, cfg, 20), labelsAfter(t, model, cfg, 21))
}

func TestSharedLatticeForIdenticalKernels(t *testing.T) {
	rng := rand.New(rand.NewPCG(9, 9))
	w, h := 10, 10
	terms := []PairwiseTerm{SpatialTerm(3, 1), SpatialTerm(3, 2), BilateralTerm(30, 10, 4), SpatialTerm(5, 0)}
	model, err := NewPotentialModel(randomUnary(t, rng, w, h, 2), terms, nil)
	require.NoError(t, err)

	metrics := &BasicMetricsCollector{}
	cfg := DefaultConfig()
	cfg.Iterations = 3
	_, err = NewSolver(WithMetricsCollector(metrics)).Infer(context.Background(), noiseImage(rng, w, h), model, cfg)
	require.NoError(t, err)

	st := metrics.GetStats()
	assert.Equal(t, int64(1), st.InferenceCount)
	assert.Equal(t, int64(0), st.InferenceErrors)
	assert.Equal(t, int64(2), st.LatticeCount)
	assert.Equal(t, int64(6), st.FilterCount)
	assert.Equal(t, int64(3), st.Iterations)
	assert.Equal(t, int64(w*h), st.PixelsProcessed)
}

func TestDenseCompatibilityMatchesPotts(t *testing.T) {
	rng := rand.New(rand.NewPCG(10, 10))
	w, h, k := 12, 9, 3
	unary := randomUnary(t, rng, w, h, k)
	img := noiseImage(rng, w, h)

	potts, err := NewPotentialModel(unary, defaultTerms(), nil)
	require.NoError(t, err)
	m := mat.NewDense(k, k, nil)
	for i := range k {
		m.Set(i, i, -1)
	}
	dense, err := NewPotentialModel(unary, defaultTerms(), MatrixCompatibility(m))
	require.NoError(t, err)

	a, err := NewSolver().Infer(context.Background(), img, potts, DefaultConfig())
	require.NoError(t, err)
	b, err := NewSolver().Infer(context.Background(), img, dense, DefaultConfig())
	require.NoError(t, err)
	assert.InDeltaSlice(t, toFloat64(a.Q.Prob), toFloat64(b.Q.Prob), 1e-6)
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

// Quadrupling the pixel count should roughly quadruple the run time.
func TestScalingIsLinear(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test")
	}
	rng := rand.New(rand.NewPCG(11, 11))
	run := func(side int) float64 {
		img := noiseImage(rng, side, side)
		model, err := NewPotentialModel(randomUnary(t, rng, side, side, 3), defaultTerms(), nil)
		require.NoError(t, err)
		res := testing.Benchmark(func(b *testing.B) {
			for b.Loop() {
				_, _ = NewSolver().Infer(context.Background(), img, model, DefaultConfig())
			}
		})
		return float64(res.NsPerOp())
	}
	small := run(96)
	large := run(192)
	assert.Less(t, large/small, 12.0)
}

func BenchmarkInfer(b *testing.B) {
	rng := rand.New(rand.NewPCG(1, 2))
	for _, side := range []int{128, 256, 512} {
		img := noiseImage(rng, side, side)
		model, err := NewPotentialModel(randomUnary(b, rng, side, side, 5), defaultTerms(), nil)
		require.NoError(b, err)
		b.Run(fmt.Sprintf("%dx%d", side, side), func(b *testing.B) {
			for b.Loop() {
				_, _ = NewSolver().Infer(context.Background(), img, model, DefaultConfig())
			}
		})
	}
}
