package densecrf

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 5, cfg.Iterations)
	assert.Equal(t, 0.5, cfg.Relaxation)
	assert.Equal(t, 80.0, cfg.EnergyClamp)
	assert.Equal(t, SelfTermExclude, cfg.SelfTerm)
	assert.NoError(t, cfg.validate())
}

func TestConfigFromSize(t *testing.T) {
	tests := []struct {
		size image.Point
		want int
	}{
		{image.Pt(0, 0), 5},
		{image.Pt(200, 200), 5},
		{image.Pt(800, 600), 8},
		{image.Pt(4000, 3000), 10},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ConfigFromSize(tt.size).Iterations, "size %v", tt.size)
	}
}
