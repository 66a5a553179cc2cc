package densecrf

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func identicalPairFilter(t *testing.T, self SelfTermMode, norm Normalization) *termFilter {
	t.Helper()
	unary, err := NewUnaryScores(2, 1, 2, make([]float32, 4))
	require.NoError(t, err)
	term := SpatialTerm(1e4, 1)
	term.Normalization = norm
	model, err := NewPotentialModel(unary, []PairwiseTerm{term}, nil)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.SelfTerm = self
	f, err := NewSolver().buildTermFilter(context.Background(), NoopLogger(), model, 0, nil, cfg)
	require.NoError(t, err)
	return f
}

func TestMessageExcludesSelf(t *testing.T) {
	f := identicalPairFilter(t, SelfTermExclude, NormalizeAfter)
	q := []float32{0.9, 0.1, 0.2, 0.8}
	out := make([]float32, 4)
	require.NoError(t, f.message(context.Background(), 1, q, 2, out, nil))

	// Each pixel only hears the other one.
	assert.InDeltaSlice(t, []float32{0.2, 0.8, 0.9, 0.1}, out, 1e-3)
}

func TestMessageIncludesSelf(t *testing.T) {
	f := identicalPairFilter(t, SelfTermInclude, NormalizeAfter)
	q := []float32{0.9, 0.1, 0.2, 0.8}
	out := make([]float32, 4)
	require.NoError(t, f.message(context.Background(), 1, q, 2, out, nil))

	assert.InDeltaSlice(t, []float32{0.55, 0.45, 0.55, 0.45}, out, 1e-3)
}

func TestSymmetricNormalizationOnIdenticalPair(t *testing.T) {
	f := identicalPairFilter(t, SelfTermExclude, NormalizeSymmetric)
	q := []float32{0.9, 0.1, 0.2, 0.8}
	out := make([]float32, 4)
	require.NoError(t, f.message(context.Background(), 1, q, 2, out, make([]float32, 4)))

	// Equal degrees make D^-1/2 K D^-1/2 equal to the row-normalised operator.
	assert.InDeltaSlice(t, []float32{0.2, 0.8, 0.9, 0.1}, out, 1e-3)
}

func TestIsolatedPixelGetsNoMessage(t *testing.T) {
	unary, err := NewUnaryScores(1, 1, 2, []float32{0, 1})
	require.NoError(t, err)
	model, err := NewPotentialModel(unary, []PairwiseTerm{SpatialTerm(1, 1)}, nil)
	require.NoError(t, err)
	f, err := NewSolver().buildTermFilter(context.Background(), NoopLogger(), model, 0, nil, DefaultConfig())
	require.NoError(t, err)

	out := make([]float32, 2)
	require.NoError(t, f.message(context.Background(), 1, []float32{0.3, 0.7}, 2, out, nil))
	assert.Equal(t, []float32{0, 0}, out)
}

func TestReduceAffinity(t *testing.T) {
	assert.Equal(t, float32(0), reduceAffinity(1, 1))
	assert.Equal(t, float32(0), reduceAffinity(1, 0.99999))
	assert.InDelta(t, 0.5, reduceAffinity(1, 0.5), 1e-7)
}

func TestNoNormalizationScalesToUnitMeanAffinity(t *testing.T) {
	unary, err := NewUnaryScores(3, 1, 1, make([]float32, 3))
	require.NoError(t, err)
	term := SpatialTerm(2, 1)
	term.Normalization = NoNormalization
	model, err := NewPotentialModel(unary, []PairwiseTerm{term}, nil)
	require.NoError(t, err)
	f, err := NewSolver().buildTermFilter(context.Background(), NoopLogger(), model, 0, nil, DefaultConfig())
	require.NoError(t, err)
	require.Nil(t, f.post)

	out := make([]float32, 3)
	require.NoError(t, f.message(context.Background(), 1, []float32{1, 1, 1}, 1, out, nil))
	var mean float64
	for _, v := range out {
		mean += float64(v) / 3
	}
	assert.InDelta(t, 1, mean, 1e-4)
}
