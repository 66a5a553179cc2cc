package lattice

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/setanarut/densecrf/internal/parallel"
)

// MaxDim is the largest supported feature dimensionality.
const MaxDim = 16

// maxCoord bounds elevated coordinates so lattice keys fit in int32.
const maxCoord = 1 << 28

var (
	// ErrInvalidDim is returned for feature dimensionalities outside [1, MaxDim].
	ErrInvalidDim = errors.New("lattice: invalid feature dimension")
	// ErrShape is returned when buffer lengths do not match the lattice.
	ErrShape = errors.New("lattice: shape mismatch")
	// ErrRange is returned for non-finite or out-of-range features.
	ErrRange = errors.New("lattice: feature out of range")
)

// Stats describes a built lattice.
type Stats struct {
	Points       int
	Dim          int
	Vertices     int
	HashCapacity int
}

// Lattice is a permutohedral lattice built over a fixed set of feature
// vectors. It is immutable after New and safe for concurrent Filter calls.
type Lattice struct {
	n, d     int
	vertices int
	capacity int
	alpha    float32
	workers  int

	// Per (pixel, remainder) entry, index p = i*(d+1)+r.
	offset []int32
	bary   []float32
	rank   []uint8 // per (pixel, axis)

	// Splat lists in CSR form: entries splatEntry[splatStart[v]:splatStart[v+1]]
	// are the (pixel, remainder) indices landing on vertex v, in pixel order.
	splatStart []int32
	splatEntry []int32

	// Blur neighbours, axis-major: n1[j*vertices+v].
	n1, n2 []int32

	selfOnce sync.Once
	self     []float32
}

// New builds a lattice over n feature vectors of dimension d stored row-major
// in features.
func New(features []float32, n, d int, opts ...Option) (*Lattice, error) {
	if d < 1 || d > MaxDim {
		return nil, fmt.Errorf("%w: %d", ErrInvalidDim, d)
	}
	if n < 1 || len(features) != n*d {
		return nil, fmt.Errorf("%w: %d features for %d points of dim %d", ErrShape, len(features), n, d)
	}
	d1 := d + 1
	if int64(n)*int64(d1) > math.MaxInt32 {
		return nil, fmt.Errorf("%w: %d points too many for dim %d", ErrShape, n, d)
	}
	o := applyOptions(opts)
	ctx := o.ctx

	l := &Lattice{
		n:       n,
		d:       d,
		alpha:   float32(1 / (1 + math.Pow(2, -float64(d)))),
		workers: o.workers,
		offset:  make([]int32, n*d1),
		bary:    make([]float32, n*d1),
		rank:    make([]uint8, n*d1),
	}

	rem0 := make([]int32, n*d1)
	if err := l.embed(ctx, features, rem0); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	table := l.insert(rem0)
	l.vertices = table.size()
	l.capacity = table.capacity()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.buildSplatLists()
	if err := l.buildNeighbours(ctx, table); err != nil {
		return nil, err
	}
	return l, nil
}

// embed elevates every feature vector, finds its enclosing simplex and the
// barycentric weights. Runs in parallel over points.
func (l *Lattice) embed(ctx context.Context, features []float32, rem0 []int32) error {
	d := l.d
	d1 := d + 1
	scale := make([]float64, d)
	invStd := math.Sqrt(2.0/3.0) * float64(d1)
	for i := range d {
		scale[i] = invStd / math.Sqrt(float64((i+1)*(i+2)))
	}
	down := 1 / float64(d1)

	return parallel.For(ctx, l.workers, l.n, func(lo, hi int) error {
		elevated := make([]float64, d1)
		r0 := make([]int, d1)
		rk := make([]int, d1)
		b := make([]float64, d+2)
		for p := lo; p < hi; p++ {
			f := features[p*d : p*d+d]

			sm := 0.0
			for j := d; j > 0; j-- {
				v := float64(f[j-1])
				if math.IsNaN(v) || math.IsInf(v, 0) {
					return fmt.Errorf("%w: point %d has non-finite feature", ErrRange, p)
				}
				cf := v * scale[j-1]
				elevated[j] = sm - float64(j)*cf
				sm += cf
			}
			elevated[0] = sm

			sum := 0
			for j := range d1 {
				if math.Abs(elevated[j]) > maxCoord {
					return fmt.Errorf("%w: point %d exceeds lattice range", ErrRange, p)
				}
				v := elevated[j] * down
				up := math.Ceil(v) * float64(d1)
				dn := math.Floor(v) * float64(d1)
				if up-elevated[j] < elevated[j]-dn {
					r0[j] = int(up)
				} else {
					r0[j] = int(dn)
				}
				sum += r0[j]
			}
			sum /= d1

			for j := range d1 {
				rk[j] = 0
			}
			for j := range d {
				dj := elevated[j] - float64(r0[j])
				for k := j + 1; k <= d; k++ {
					if dj < elevated[k]-float64(r0[k]) {
						rk[j]++
					} else {
						rk[k]++
					}
				}
			}

			if sum > 0 {
				for j := range d1 {
					if rk[j] >= d1-sum {
						r0[j] -= d1
						rk[j] += sum - d1
					} else {
						rk[j] += sum
					}
				}
			} else if sum < 0 {
				for j := range d1 {
					if rk[j] < -sum {
						r0[j] += d1
						rk[j] += d1 + sum
					} else {
						rk[j] += sum
					}
				}
			}

			for j := range b {
				b[j] = 0
			}
			for j := range d1 {
				v := (elevated[j] - float64(r0[j])) * down
				b[d-rk[j]] += v
				b[d-rk[j]+1] -= v
			}
			b[0] += 1 + b[d1]

			base := p * d1
			for j := range d1 {
				rem0[base+j] = int32(r0[j])
				l.rank[base+j] = uint8(rk[j])
				l.bary[base+j] = float32(b[j])
			}
		}
		return nil
	})
}

// insert hashes the d+1 simplex vertices of every point. It is sequential so
// vertex ids are assigned in a fixed order.
func (l *Lattice) insert(rem0 []int32) *hashTable {
	d := l.d
	d1 := d + 1
	table := newHashTable(d, l.n*d1/2+1)
	key := make([]int32, d)
	for p := range l.n {
		base := p * d1
		for r := range d1 {
			for j := range d {
				c := int32(r)
				if int(l.rank[base+j]) > d-r {
					c -= int32(d1)
				}
				key[j] = rem0[base+j] + c
			}
			l.offset[base+r] = table.find(key, true)
		}
	}
	return table
}

func (l *Lattice) buildSplatLists() {
	l.splatStart = make([]int32, l.vertices+1)
	for _, v := range l.offset {
		l.splatStart[v+1]++
	}
	for v := range l.vertices {
		l.splatStart[v+1] += l.splatStart[v]
	}
	l.splatEntry = make([]int32, len(l.offset))
	next := make([]int32, l.vertices)
	copy(next, l.splatStart[:l.vertices])
	for p, v := range l.offset {
		l.splatEntry[next[v]] = int32(p)
		next[v]++
	}
}

func (l *Lattice) buildNeighbours(ctx context.Context, table *hashTable) error {
	d := l.d
	m := l.vertices
	l.n1 = make([]int32, (d+1)*m)
	l.n2 = make([]int32, (d+1)*m)
	return parallel.For(ctx, l.workers, m, func(lo, hi int) error {
		k1 := make([]int32, d)
		k2 := make([]int32, d)
		for v := lo; v < hi; v++ {
			key := table.key(int32(v))
			for j := 0; j <= d; j++ {
				for k := range d {
					k1[k] = key[k] - 1
					k2[k] = key[k] + 1
				}
				if j < d {
					k1[j] = key[j] + int32(d)
					k2[j] = key[j] - int32(d)
				}
				l.n1[j*m+v] = table.find(k1, false)
				l.n2[j*m+v] = table.find(k2, false)
			}
		}
		return nil
	})
}

// Stats reports the lattice size.
func (l *Lattice) Stats() Stats {
	return Stats{
		Points:       l.n,
		Dim:          l.d,
		Vertices:     l.vertices,
		HashCapacity: l.capacity,
	}
}

// Points returns the number of feature vectors the lattice was built over.
func (l *Lattice) Points() int { return l.n }

// Filter computes dst = K·src, where src and dst hold vdim values per point.
func (l *Lattice) Filter(dst, src []float32, vdim int) error {
	return l.FilterContext(context.Background(), dst, src, vdim)
}

// FilterContext is Filter with cancellation between phases.
func (l *Lattice) FilterContext(ctx context.Context, dst, src []float32, vdim int) error {
	if vdim < 1 || len(src) != l.n*vdim || len(dst) != l.n*vdim {
		return fmt.Errorf("%w: src %d, dst %d for %d points x %d values", ErrShape, len(src), len(dst), l.n, vdim)
	}
	d1 := l.d + 1
	m := l.vertices
	values := make([]float32, m*vdim)
	scratch := make([]float32, m*vdim)

	// splat
	err := parallel.For(ctx, l.workers, m, func(lo, hi int) error {
		for v := lo; v < hi; v++ {
			row := values[v*vdim : (v+1)*vdim]
			for _, p := range l.splatEntry[l.splatStart[v]:l.splatStart[v+1]] {
				w := l.bary[p]
				in := src[int(p)/d1*vdim:]
				for k := range row {
					row[k] += w * in[k]
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	// blur
	for j := range d1 {
		n1 := l.n1[j*m : (j+1)*m]
		n2 := l.n2[j*m : (j+1)*m]
		old := values
		err := parallel.For(ctx, l.workers, m, func(lo, hi int) error {
			for v := lo; v < hi; v++ {
				out := scratch[v*vdim : (v+1)*vdim]
				copy(out, old[v*vdim:(v+1)*vdim])
				if a := n1[v]; a >= 0 {
					nb := old[int(a)*vdim:]
					for k := range out {
						out[k] += 0.5 * nb[k]
					}
				}
				if b := n2[v]; b >= 0 {
					nb := old[int(b)*vdim:]
					for k := range out {
						out[k] += 0.5 * nb[k]
					}
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		values, scratch = scratch, values
	}

	// slice
	return parallel.For(ctx, l.workers, l.n, func(lo, hi int) error {
		for i := lo; i < hi; i++ {
			out := dst[i*vdim : (i+1)*vdim]
			for k := range out {
				out[k] = 0
			}
			for r := range d1 {
				p := i*d1 + r
				w := l.bary[p] * l.alpha
				in := values[int(l.offset[p])*vdim:]
				for k := range out {
					out[k] += w * in[k]
				}
			}
		}
		return nil
	})
}
