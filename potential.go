package densecrf

import (
	"fmt"
)

// PotentialModel holds the unary energies, the pairwise terms and the label
// compatibility of one inference problem. It is immutable once built.
type PotentialModel struct {
	unary  UnaryScores
	terms  []PairwiseTerm
	compat *Compatibility
}

// NewPotentialModel validates and assembles a model. A nil compat means
// Potts. The unary buffer is referenced, not copied, and must not change
// while the model is in use.
func NewPotentialModel(unary UnaryScores, terms []PairwiseTerm, compat *Compatibility) (*PotentialModel, error) {
	if err := unary.validate(); err != nil {
		return nil, err
	}
	if compat == nil {
		compat = PottsCompatibility(unary.K)
	}
	if err := compat.validate("compatibility", unary.K); err != nil {
		return nil, err
	}
	for t, term := range terms {
		field := fmt.Sprintf("terms[%d]", t)
		if err := term.validate(field); err != nil {
			return nil, err
		}
		if term.Compatibility != nil {
			if err := term.Compatibility.validate(field+".Compatibility", unary.K); err != nil {
				return nil, err
			}
		}
	}
	return &PotentialModel{
		unary:  unary,
		terms:  append([]PairwiseTerm(nil), terms...),
		compat: compat,
	}, nil
}

// UnaryEnergy returns the K energies of a pixel. The slice must not be
// modified.
func (m *PotentialModel) UnaryEnergy(pixel int) []float32 {
	return m.unary.Pixel(pixel)
}

// Unary returns the unary scores.
func (m *PotentialModel) Unary() UnaryScores { return m.unary }

// PairwiseWeight returns the weight of a term.
func (m *PotentialModel) PairwiseWeight(term int) float64 {
	return m.terms[term].Weight
}

// Compatibility returns C[a, b] of a term.
func (m *PotentialModel) Compatibility(term, a, b int) float64 {
	return m.termCompat(term).At(a, b)
}

// NumLabels returns K.
func (m *PotentialModel) NumLabels() int { return m.unary.K }

// NumPixels returns W*H.
func (m *PotentialModel) NumPixels() int { return m.unary.W * m.unary.H }

// Width returns the grid width.
func (m *PotentialModel) Width() int { return m.unary.W }

// Height returns the grid height.
func (m *PotentialModel) Height() int { return m.unary.H }

// Terms returns a copy of the pairwise terms.
func (m *PotentialModel) Terms() []PairwiseTerm {
	return append([]PairwiseTerm(nil), m.terms...)
}

func (m *PotentialModel) termCompat(term int) *Compatibility {
	if c := m.terms[term].Compatibility; c != nil {
		return c
	}
	return m.compat
}

// applyCompatibility adds w·C·msg of a term to out.
func (m *PotentialModel) applyCompatibility(term int, msg []float32, out []float64) {
	m.termCompat(term).accumulate(out, msg, m.terms[term].Weight)
}

func (m *PotentialModel) needsColor() bool {
	for _, t := range m.terms {
		if t.Weight > 0 && t.Kind == KernelBilateral {
			return true
		}
	}
	return false
}
