package utils

import (
	"image"
	"image/color"
	"testing"

	"github.com/lucasb-eyer/go-colorful"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func twoToneImage(w, h int, left, right color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			c := left
			if x >= w/2 {
				c = right
			}
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func TestParsePaletteMethod(t *testing.T) {
	m, err := ParsePaletteMethod("kmeans")
	require.NoError(t, err)
	assert.Equal(t, PaletteMethodKMeans, m)
	assert.Equal(t, "kmeans", m.String())

	m, err = ParsePaletteMethod("")
	require.NoError(t, err)
	assert.Equal(t, PaletteMethodDominantColor, m)

	_, err = ParsePaletteMethod("median-cut")
	assert.Error(t, err)
}

func TestSortPaletteByBrightness(t *testing.T) {
	p := []colorful.Color{{R: 1, G: 1, B: 1}, {R: 0, G: 0, B: 0}, {R: 0.5, G: 0.5, B: 0.5}}
	SortPaletteByBrightness(p)
	assert.Equal(t, colorful.Color{}, p[0])
	assert.Equal(t, colorful.Color{R: 1, G: 1, B: 1}, p[2])
}

func TestSelectDiverseWeightedColors(t *testing.T) {
	cands := []WeightedColor{
		{Col: colorful.Color{R: 1}, Weight: 10},
		{Col: colorful.Color{R: 0.98}, Weight: 9},
		{Col: colorful.Color{B: 1}, Weight: 1},
	}
	out := SelectDiverseWeightedColors(cands, 2)
	require.Len(t, out, 2)
	assert.Equal(t, colorful.Color{R: 1}, out[0])
	assert.Equal(t, colorful.Color{B: 1}, out[1])

	assert.Len(t, SelectDiverseWeightedColors(cands, 10), 3)
	assert.Nil(t, SelectDiverseWeightedColors(nil, 2))
}

func TestExtractPalette(t *testing.T) {
	img := twoToneImage(32, 32, color.RGBA{220, 20, 20, 255}, color.RGBA{20, 20, 220, 255})
	for _, method := range []PaletteMethod{PaletteMethodDominantColor, PaletteMethodKMeans} {
		t.Run(method.String(), func(t *testing.T) {
			p, err := ExtractPalette(img, 2, method)
			require.NoError(t, err)
			require.NotEmpty(t, p)
			assert.LessOrEqual(t, len(p), 2)
		})
	}
}

func TestLabelPalette(t *testing.T) {
	p := LabelPalette(6)
	require.Len(t, p, 6)
	for i := range p {
		for j := i + 1; j < len(p); j++ {
			assert.Greater(t, p[i].DistanceLab(p[j]), 0.05)
		}
	}
}
