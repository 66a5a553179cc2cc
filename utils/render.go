package utils

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/lucasb-eyer/go-colorful"
	"github.com/setanarut/densecrf"
)

// PaletteUnary builds a unary from colour distances: the energy of label l at
// a pixel is its CIELAB distance (L in 0..100) to palette[l] divided by
// temperature. It stands in for a CNN in demos and tests.
func PaletteUnary(img image.Image, palette []colorful.Color, temperature float64) (densecrf.UnaryScores, error) {
	if len(palette) == 0 {
		return densecrf.UnaryScores{}, ErrEmptyPalette
	}
	if !(temperature > 0) {
		return densecrf.UnaryScores{}, fmt.Errorf("utils: temperature must be > 0, got %g", temperature)
	}
	b := img.Bounds()
	w, h, k := b.Dx(), b.Dy(), len(palette)
	energy := make([]float32, w*h*k)
	for y := range h {
		for x := range w {
			c, _ := colorful.MakeColor(img.At(b.Min.X+x, b.Min.Y+y))
			row := energy[(y*w+x)*k : (y*w+x+1)*k]
			for l, p := range palette {
				row[l] = float32(100 * c.DistanceLab(p) / temperature)
			}
		}
	}
	return densecrf.NewUnaryScores(w, h, k, energy)
}

// LabelImage paints every pixel with the palette colour of its label.
// Labels outside the palette are black.
func LabelImage(l densecrf.Labeling, palette []colorful.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, l.W, l.H))
	fills := make([]color.RGBA, len(palette))
	for i, c := range palette {
		fills[i] = toRGBA(c)
	}
	for y := range l.H {
		for x := range l.W {
			lbl := l.At(x, y)
			if lbl < 0 || lbl >= len(fills) {
				img.SetRGBA(x, y, color.RGBA{A: 255})
				continue
			}
			img.SetRGBA(x, y, fills[lbl])
		}
	}
	return img
}

func clampUnit(v float32) float64 {
	if math.IsNaN(float64(v)) {
		return 0
	}
	return float64(max(0, min(1, v)))
}

// ProbabilityLayers renders Q as one grayscale image per label.
func ProbabilityLayers(q densecrf.Distribution) []*image.Gray {
	out := make([]*image.Gray, q.K)
	for l := range q.K {
		layer := image.NewGray(image.Rect(0, 0, q.W, q.H))
		for y := range q.H {
			for x := range q.W {
				a := clampUnit(q.Prob[(y*q.W+x)*q.K+l])
				layer.SetGray(x, y, color.Gray{Y: uint8(math.Round(a * 255))})
			}
		}
		out[l] = layer
	}
	return out
}

// ClassLayers renders Q as one palette-coloured layer per label with the
// probability as alpha.
func ClassLayers(q densecrf.Distribution, palette []colorful.Color) []*image.NRGBA {
	if len(palette) < q.K {
		return nil
	}
	out := make([]*image.NRGBA, q.K)
	for l := range q.K {
		layer := image.NewNRGBA(image.Rect(0, 0, q.W, q.H))
		fill := toRGBA(palette[l])
		for y := range q.H {
			for x := range q.W {
				a := clampUnit(q.Prob[(y*q.W+x)*q.K+l])
				layer.SetNRGBA(x, y, color.NRGBA{R: fill.R, G: fill.G, B: fill.B, A: uint8(math.Round(a * 255))})
			}
		}
		out[l] = layer
	}
	return out
}

// SoftReconstruct blends the palette by Q at every pixel: an expected-colour
// image that shows where the CRF is uncertain.
func SoftReconstruct(q densecrf.Distribution, palette []colorful.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, q.W, q.H))
	if len(palette) < q.K {
		return img
	}
	for y := range q.H {
		for x := range q.W {
			var r, g, b float64
			for l, p := range q.Pixel(y*q.W + x) {
				a := clampUnit(p)
				r += a * palette[l].R
				g += a * palette[l].G
				b += a * palette[l].B
			}
			img.SetRGBA(x, y, toRGBA(colorful.Color{R: r, G: g, B: b}))
		}
	}
	return img
}
