package lattice

import (
	"context"

	"github.com/setanarut/densecrf/internal/parallel"
)

// SelfGain returns the diagonal of the filter operator: the weight with which
// src[i] contributes to dst[i] in Filter. It is computed on first use and
// cached. The returned slice must not be modified.
//
// The blur only moves mass between vertices one lattice step apart per axis,
// so between two vertices of the same simplex there are at most three step
// patterns (stay, step forward on a subset of axes, step backward on the
// complement). Each pattern is walked through the neighbour tables; a missing
// vertex kills the path exactly as it does during Filter.
func (l *Lattice) SelfGain() []float32 {
	l.selfOnce.Do(func() {
		l.self = make([]float32, l.n)
		_ = parallel.For(context.Background(), l.workers, l.n, func(lo, hi int) error {
			for i := lo; i < hi; i++ {
				l.self[i] = float32(l.selfGain(i))
			}
			return nil
		})
	})
	return l.self
}

func (l *Lattice) selfGain(i int) float64 {
	d := l.d
	d1 := d + 1
	base := i * d1
	full := uint32(1)<<d1 - 1

	var sum float64
	for a := range d1 {
		ba := float64(l.bary[base+a])
		if ba == 0 {
			continue
		}
		va := l.offset[base+a]
		for b := range d1 {
			bb := float64(l.bary[base+b])
			if bb == 0 {
				continue
			}
			var k float64
			switch {
			case a == b:
				k = 1 + l.walk(va, full, false) + l.walk(va, full, true)
			case a < b:
				s := l.axesBetween(base, a, b)
				k = l.walk(va, s, true) + l.walk(va, full&^s, false)
			default:
				s := l.axesBetween(base, b, a)
				k = l.walk(va, s, false) + l.walk(va, full&^s, true)
			}
			sum += ba * bb * k
		}
	}
	return float64(l.alpha) * sum
}

// axesBetween returns the axes whose n2 steps lead from the remainder-lo
// vertex to the remainder-hi vertex of point base/(d+1).
func (l *Lattice) axesBetween(base, lo, hi int) uint32 {
	var mask uint32
	for j := 0; j <= l.d; j++ {
		r := int(l.rank[base+j])
		if r > l.d-hi && r <= l.d-lo {
			mask |= 1 << j
		}
	}
	return mask
}

// walk follows n1 (or n2 when forward) on every axis in mask, in blur order,
// and returns the accumulated stencil weight, or 0 if a vertex is missing.
func (l *Lattice) walk(v int32, mask uint32, forward bool) float64 {
	m := l.vertices
	w := 1.0
	for j := 0; j <= l.d; j++ {
		if mask&(1<<j) == 0 {
			continue
		}
		if forward {
			v = l.n2[j*m+int(v)]
		} else {
			v = l.n1[j*m+int(v)]
		}
		if v < 0 {
			return 0
		}
		w *= 0.5
	}
	return w
}
