package densecrf

import (
	"context"
	"image"
	"math"
	"time"

	"github.com/setanarut/densecrf/internal/parallel"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
)

// Solver runs mean-field inference. It holds only immutable collaborators and
// is safe for concurrent Infer calls.
type Solver struct {
	opts solverOptions
}

// NewSolver creates a Solver.
func NewSolver(opts ...Option) *Solver {
	o := solverOptions{
		logger:  NoopLogger(),
		metrics: NoopMetricsCollector{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Solver{opts: o}
}

// filterKey identifies terms that share an embedding and normalisation and
// can therefore share one lattice and one message per iteration.
type filterKey struct {
	kind          KernelKind
	spatialSigma  float64
	colorSigma    float64
	normalization Normalization
}

func keyOf(t PairwiseTerm) filterKey {
	k := filterKey{kind: t.Kind, spatialSigma: t.SpatialSigma, normalization: t.Normalization}
	if t.Kind == KernelBilateral {
		k.colorSigma = t.ColorSigma
	}
	return k
}

// activeTerm links a non-zero-weight term to the filter computing its message.
type activeTerm struct {
	term   int
	filter int
}

// Infer refines the model's unary energies against img and returns the final
// distribution and labeling. img may be nil when the model has no active
// bilateral term; otherwise its size must equal the unary grid.
//
// The context is checked between phases and iterations. On cancellation or
// any error no partial result is returned.
func (s *Solver) Infer(ctx context.Context, img image.Image, model *PotentialModel, cfg Config) (res *Result, err error) {
	start := time.Now()
	iterations := 0
	logger := s.opts.logger
	defer func() {
		var pixels, labels int
		if model != nil {
			pixels, labels = model.NumPixels(), model.NumLabels()
		}
		d := time.Since(start)
		s.opts.metrics.RecordInference(pixels, labels, iterations, d, err)
		logger.LogInference(ctx, iterations, res != nil && res.Converged, d, err)
	}()

	if model == nil {
		return nil, configErrorf("model", "nil model")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	w, h, k := model.Width(), model.Height(), model.NumLabels()
	n := w * h
	logger = logger.WithGrid(w, h, k)
	if img != nil {
		b := img.Bounds()
		if b.Dx() != w || b.Dy() != h {
			return nil, &ConfigError{
				Field:  "image",
				Reason: "grid differs from unary scores",
				cause:  &ShapeError{What: "image pixels", Expected: n, Actual: b.Dx() * b.Dy()},
			}
		}
	}

	var colors []float32
	if model.needsColor() {
		if img == nil {
			return nil, configErrorf("image", "bilateral terms need an image")
		}
		if colors, err = colorBuffer(ctx, img, cfg.ColorSpace, s.opts.workers); err != nil {
			return nil, err
		}
	}

	filters, active, err := s.buildFilters(ctx, logger, model, colors, cfg)
	if err != nil {
		return nil, err
	}

	q := make([]float32, n*k)
	next := make([]float32, n*k)
	if err := s.initialise(ctx, model, q, cfg); err != nil {
		return nil, err
	}

	msgs := make([][]float32, len(filters))
	scratch := make([][]float32, len(filters))
	for f, tf := range filters {
		msgs[f] = make([]float32, n*k)
		if tf.pre != nil {
			scratch[f] = make([]float32, n*k)
		}
	}

	res = &Result{}
	for it := 1; it <= cfg.Iterations; it++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := s.messages(ctx, filters, q, k, msgs, scratch); err != nil {
			return nil, err
		}
		delta, energy, err := s.update(ctx, model, active, msgs, q, next, cfg, it)
		if err != nil {
			return nil, err
		}
		q, next = next, q
		iterations = it

		if cfg.TraceEnergy {
			res.Energy = append(res.Energy, energy)
		}
		logger.LogIteration(ctx, it, delta, energy)
		if cfg.OnIteration != nil {
			cfg.OnIteration(it, Distribution{W: w, H: h, K: k, Prob: q})
		}
		if cfg.Tolerance > 0 && delta < cfg.Tolerance {
			res.Converged = true
			break
		}
	}

	res.Q = Distribution{W: w, H: h, K: k, Prob: q}
	res.Iterations = iterations
	res.Labeling, err = s.labeling(ctx, res.Q)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// buildFilters builds one lattice per distinct active term, concurrently.
func (s *Solver) buildFilters(ctx context.Context, logger *Logger, model *PotentialModel, colors []float32, cfg Config) ([]*termFilter, []activeTerm, error) {
	var (
		active []activeTerm
		owners []int
	)
	index := make(map[filterKey]int)
	for t, term := range model.terms {
		if term.Weight == 0 {
			continue
		}
		key := keyOf(term)
		f, ok := index[key]
		if !ok {
			f = len(owners)
			index[key] = f
			owners = append(owners, t)
		}
		active = append(active, activeTerm{term: t, filter: f})
	}

	filters := make([]*termFilter, len(owners))
	g, gctx := errgroup.WithContext(ctx)
	for f, t := range owners {
		g.Go(func() error {
			tf, err := s.buildTermFilter(gctx, logger, model, t, colors, cfg)
			if err != nil {
				return err
			}
			filters[f] = tf
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return filters, active, nil
}

func (s *Solver) messages(ctx context.Context, filters []*termFilter, q []float32, k int, msgs, scratch [][]float32) error {
	g, gctx := errgroup.WithContext(ctx)
	for f, tf := range filters {
		g.Go(func() error {
			start := time.Now()
			err := tf.message(gctx, s.opts.workers, q, k, msgs[f], scratch[f])
			s.opts.metrics.RecordFilter(tf.term, time.Since(start))
			return err
		})
	}
	return g.Wait()
}

func (s *Solver) initialise(ctx context.Context, model *PotentialModel, q []float32, cfg Config) error {
	k := model.NumLabels()
	n := model.NumPixels()
	errs := make([]error, parallel.NumChunks(n))
	err := parallel.ForChunks(ctx, s.opts.workers, n, func(c, lo, hi int) error {
		e := make([]float64, k)
		row := make([]float64, k)
		for i := lo; i < hi; i++ {
			for l, u := range model.UnaryEnergy(i) {
				e[l] = float64(u)
			}
			if detail := softmax(e, row, cfg.EnergyClamp); detail != "" {
				errs[c] = &NumericInstabilityError{Pixel: i, Iteration: 0, Detail: detail}
				return nil
			}
			dst := q[i*k : (i+1)*k]
			for l, v := range row {
				dst[l] = float32(v)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return firstError(errs)
}

// update combines unary and messages into new energies, takes the softmax and
// the damped step. It returns the largest probability change and, when
// tracing, the free energy of the incoming distribution.
func (s *Solver) update(ctx context.Context, model *PotentialModel, active []activeTerm, msgs [][]float32, q, next []float32, cfg Config, it int) (float64, float64, error) {
	k := model.NumLabels()
	n := model.NumPixels()
	chunks := parallel.NumChunks(n)
	deltas := make([]float64, chunks)
	energies := make([]float64, chunks)
	errs := make([]error, chunks)
	r := cfg.Relaxation

	err := parallel.ForChunks(ctx, s.opts.workers, n, func(c, lo, hi int) error {
		e := make([]float64, k)
		row := make([]float64, k)
		var maxDelta, fe float64
		for i := lo; i < hi; i++ {
			u := model.UnaryEnergy(i)
			for l, v := range u {
				e[l] = float64(v)
			}
			for _, a := range active {
				model.applyCompatibility(a.term, msgs[a.filter][i*k:(i+1)*k], e)
			}
			old := q[i*k : (i+1)*k]
			if cfg.TraceEnergy {
				fe += freeEnergy(old, u, e)
			}
			if detail := softmax(e, row, cfg.EnergyClamp); detail != "" {
				errs[c] = &NumericInstabilityError{Pixel: i, Iteration: it, Detail: detail}
				return nil
			}
			if r < 1 {
				for l := range row {
					row[l] = (1-r)*float64(old[l]) + r*row[l]
				}
				projectToSimplexInPlace(row)
			}
			dst := next[i*k : (i+1)*k]
			for l, v := range row {
				p := float32(v)
				maxDelta = max(maxDelta, math.Abs(float64(p-old[l])))
				dst[l] = p
			}
		}
		deltas[c] = maxDelta
		energies[c] = fe
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	if err := firstError(errs); err != nil {
		return 0, 0, err
	}

	var delta, energy float64
	for c := range chunks {
		delta = max(delta, deltas[c])
		energy += energies[c]
	}
	return delta, energy, nil
}

func (s *Solver) labeling(ctx context.Context, q Distribution) (Labeling, error) {
	n := q.W * q.H
	out := Labeling{W: q.W, H: q.H, Labels: make([]int, n)}
	err := parallel.For(ctx, s.opts.workers, n, func(lo, hi int) error {
		for i := lo; i < hi; i++ {
			out.Labels[i] = argmax(q.Pixel(i))
		}
		return nil
	})
	return out, err
}

// softmax writes exp(-e) normalised into out, with e clamped to
// [min, min+clamp] first. It returns a non-empty detail on failure.
func softmax(e, out []float64, clamp float64) string {
	lo := math.Inf(1)
	for _, v := range e {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return "non-finite energy"
		}
		lo = min(lo, v)
	}
	for l, v := range e {
		out[l] = -min(v-lo, clamp)
	}
	lse := floats.LogSumExp(out)
	if math.IsNaN(lse) || math.IsInf(lse, 0) {
		return "non-finite normalizer"
	}
	for l, v := range out {
		out[l] = math.Exp(v - lse)
	}
	return ""
}

// freeEnergy is the mean-field free energy contribution of one pixel:
// Σ Q·U + ½ Σ Q·P + Σ Q log Q, where P = e - U is the pairwise energy.
func freeEnergy(q, u []float32, e []float64) float64 {
	var f float64
	for l, p := range q {
		if p <= 0 {
			continue
		}
		pf := float64(p)
		uf := float64(u[l])
		f += pf*uf + 0.5*pf*(e[l]-uf) + pf*math.Log(pf)
	}
	return f
}

func projectToSimplexInPlace(vals []float64) {
	sum := 0.0
	for i := range vals {
		if vals[i] < 0 {
			vals[i] = 0
		}
		sum += vals[i]
	}
	if sum <= 1e-12 {
		u := 1.0 / float64(len(vals))
		for i := range vals {
			vals[i] = u
		}
		return
	}
	inv := 1.0 / sum
	for i := range vals {
		vals[i] *= inv
	}
}

func firstError(errs []error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
