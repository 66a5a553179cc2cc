package densecrf

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

type compatKind int

const (
	compatPotts compatKind = iota
	compatDiagonal
	compatDense
)

// Compatibility is the K×K label compatibility matrix C. The pairwise energy
// of label l receives Σ_l' C[l,l']·M[l'], so negative entries attract.
type Compatibility struct {
	kind compatKind
	m    *mat.Dense
	diag []float64
}

// PottsCompatibility returns -I: each label is rewarded by the neighbour mass
// agreeing with it.
func PottsCompatibility(k int) *Compatibility {
	diag := make([]float64, k)
	for i := range diag {
		diag[i] = -1
	}
	c := DiagonalCompatibility(diag)
	c.kind = compatPotts
	return c
}

// DiagonalCompatibility returns diag(weights). Use negative weights for
// attraction.
func DiagonalCompatibility(weights []float64) *Compatibility {
	k := len(weights)
	diag := append([]float64(nil), weights...)
	var m *mat.Dense
	if k > 0 {
		m = mat.NewDense(k, k, nil)
		for i, w := range diag {
			m.Set(i, i, w)
		}
	}
	return &Compatibility{kind: compatDiagonal, m: m, diag: diag}
}

// MatrixCompatibility wraps a full matrix. It is copied.
func MatrixCompatibility(m *mat.Dense) *Compatibility {
	c := &Compatibility{kind: compatDense}
	if m != nil {
		c.m = mat.DenseCopyOf(m)
	}
	return c
}

// Dims returns the matrix dimensions.
func (c *Compatibility) Dims() (r, cols int) {
	if c == nil || c.m == nil {
		return 0, 0
	}
	return c.m.Dims()
}

// At returns C[a, b].
func (c *Compatibility) At(a, b int) float64 {
	return c.m.At(a, b)
}

// Matrix returns a copy of the matrix.
func (c *Compatibility) Matrix() *mat.Dense {
	return mat.DenseCopyOf(c.m)
}

func (c *Compatibility) validate(field string, k int) error {
	if c == nil || c.m == nil {
		return configErrorf(field, "empty compatibility")
	}
	r, cols := c.m.Dims()
	if r != cols {
		return configErrorf(field, "must be square, got %dx%d", r, cols)
	}
	if r != k {
		return &ConfigError{Field: field, Reason: "label count mismatch", cause: &ShapeError{What: "compatibility", Expected: k, Actual: r}}
	}
	for i := range r {
		for j := range cols {
			if v := c.m.At(i, j); math.IsNaN(v) || math.IsInf(v, 0) {
				return configErrorf(field, "non-finite entry at (%d,%d)", i, j)
			}
		}
	}
	if c.kind != compatDense && !mat.Equal(c.m, c.m.T()) {
		return configErrorf(field, "must be symmetric")
	}
	return nil
}

// accumulate adds scale·C·msg to out.
func (c *Compatibility) accumulate(out []float64, msg []float32, scale float64) {
	if c.kind != compatDense {
		for l, d := range c.diag {
			out[l] += scale * d * float64(msg[l])
		}
		return
	}
	raw := c.m.RawMatrix()
	for l := range out {
		row := raw.Data[l*raw.Stride : l*raw.Stride+raw.Cols]
		var s float64
		for l2, v := range row {
			s += v * float64(msg[l2])
		}
		out[l] += scale * s
	}
}
