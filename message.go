package densecrf

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/setanarut/densecrf/internal/parallel"
	"github.com/setanarut/densecrf/lattice"
)

// minAffinity is the fraction of a pixel's total affinity that must remain
// after removing its self gain for the pixel to receive a message at all.
const minAffinity = 1e-4

// termFilter computes the normalised message of one pairwise term. It owns a
// lattice built over the term's embedding and the per-pixel normalisation.
type termFilter struct {
	term  int
	n     int
	lat   *lattice.Lattice
	self  []float32 // nil when the self term is kept
	pre   []float32 // D^-1/2 for symmetric normalisation
	post  []float32 // per-pixel output factor
	scale float32   // global factor when post is nil
}

func (s *Solver) buildTermFilter(ctx context.Context, logger *Logger, model *PotentialModel, t int, colors []float32, cfg Config) (*termFilter, error) {
	term := model.terms[t]
	w, h := model.Width(), model.Height()
	n := w * h

	start := time.Now()
	kern := newKernel(term, w, h, colors)
	features, err := kern.Embedding(ctx, s.opts.workers)
	if err != nil {
		return nil, err
	}
	lat, err := lattice.New(features, n, kern.Dim(),
		lattice.WithWorkers(s.opts.workers),
		lattice.WithContext(ctx),
	)
	if err != nil {
		return nil, fmt.Errorf("densecrf: term %d: %w", t, err)
	}
	st := lat.Stats()
	elapsed := time.Since(start)
	s.opts.metrics.RecordLattice(t, st.Vertices, elapsed)
	logger.WithTerm(t).LogLattice(ctx, st.Points, st.Dim, st.Vertices, elapsed)

	f := &termFilter{term: t, n: n, lat: lat}

	affinity := make([]float32, n)
	ones := make([]float32, n)
	for i := range ones {
		ones[i] = 1
	}
	if err := lat.FilterContext(ctx, affinity, ones, 1); err != nil {
		return nil, err
	}
	if cfg.SelfTerm == SelfTermExclude {
		f.self = lat.SelfGain()
		for i, sg := range f.self {
			affinity[i] = reduceAffinity(affinity[i], sg)
		}
	}

	switch term.Normalization {
	case NormalizeAfter:
		f.post = make([]float32, n)
		for i, a := range affinity {
			if a > 0 {
				f.post[i] = 1 / a
			}
		}
	case NormalizeSymmetric:
		f.pre = make([]float32, n)
		for i, a := range affinity {
			if a > 0 {
				f.pre[i] = float32(1 / math.Sqrt(float64(a)))
			}
		}
		f.post = f.pre
	case NoNormalization:
		var sum float64
		for _, a := range affinity {
			sum += float64(a)
		}
		if mean := sum / float64(n); mean > 0 {
			f.scale = float32(1 / mean)
		}
	}
	return f, nil
}

// reduceAffinity removes the self gain from a pixel's total affinity and
// returns 0 when nothing but the pixel itself is left.
func reduceAffinity(total, self float32) float32 {
	rest := total - self
	if rest <= minAffinity*total {
		return 0
	}
	return rest
}

// message writes the normalised message of the term for distribution q (K
// values per pixel) into out. scratch must have the length of q.
func (f *termFilter) message(ctx context.Context, workers int, q []float32, k int, out, scratch []float32) error {
	src := q
	if f.pre != nil {
		err := parallel.For(ctx, workers, f.n, func(lo, hi int) error {
			for i := lo; i < hi; i++ {
				p := f.pre[i]
				for l := i * k; l < (i+1)*k; l++ {
					scratch[l] = q[l] * p
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		src = scratch
	}

	if err := f.lat.FilterContext(ctx, out, src, k); err != nil {
		return err
	}

	return parallel.For(ctx, workers, f.n, func(lo, hi int) error {
		for i := lo; i < hi; i++ {
			var self float32
			if f.self != nil {
				self = f.self[i]
			}
			c := f.scale
			if f.post != nil {
				c = f.post[i]
			}
			row := out[i*k : (i+1)*k]
			in := src[i*k : (i+1)*k]
			for l := range row {
				row[l] = max(row[l]-self*in[l], 0) * c
			}
		}
		return nil
	})
}
