package utils

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"slices"

	"github.com/cenkalti/dominantcolor"
	"github.com/lucasb-eyer/go-colorful"
	"github.com/muesli/clusters"
	"github.com/muesli/kmeans"
)

// ErrEmptyPalette is returned when no palette colour could be extracted.
var ErrEmptyPalette = errors.New("utils: empty palette")

type PaletteMethod int

const (
	PaletteMethodDominantColor PaletteMethod = iota
	PaletteMethodKMeans
)

func (m PaletteMethod) String() string {
	switch m {
	case PaletteMethodKMeans:
		return "kmeans"
	default:
		return "dominantcolor"
	}
}

// ParsePaletteMethod accepts the names returned by PaletteMethod.String.
func ParsePaletteMethod(s string) (PaletteMethod, error) {
	switch s {
	case "kmeans":
		return PaletteMethodKMeans, nil
	case "dominantcolor", "dominant", "":
		return PaletteMethodDominantColor, nil
	default:
		return 0, fmt.Errorf("utils: unknown palette method %q", s)
	}
}

// WeightedColor is a palette candidate with its pixel share.
type WeightedColor struct {
	Col    colorful.Color
	Weight float64
}

// SortPaletteByBrightness orders colors from darkest to brightest, so label 0
// is the darkest class.
func SortPaletteByBrightness(palette []colorful.Color) {
	slices.SortFunc(palette, func(a, b colorful.Color) int {
		ri, gi, bi := a.LinearRgb()
		rj, gj, bj := b.LinearRgb()
		yi := 0.2126*ri + 0.7152*gi + 0.0722*bi
		yj := 0.2126*rj + 0.7152*gj + 0.0722*bj
		switch {
		case yi < yj:
			return -1
		case yi > yj:
			return 1
		default:
			return 0
		}
	})
}

// ExtractDominantPalette picks k well separated colours among the dominant
// colours of img.
func ExtractDominantPalette(img image.Image, k int) []colorful.Color {
	if k <= 0 {
		return nil
	}
	candidates := dominantcolor.FindWeight(img, max(24, k*8))
	if len(candidates) == 0 {
		candidates = append(candidates, dominantcolor.Color{
			RGBA:   color.RGBA{R: 128, G: 128, B: 128, A: 255},
			Weight: 1.0,
		})
	}
	weighted := make([]WeightedColor, 0, len(candidates))
	for _, c := range candidates {
		col, _ := colorful.MakeColor(c.RGBA)
		weighted = append(weighted, WeightedColor{Col: col.Clamped(), Weight: c.Weight})
	}
	return SelectDiverseWeightedColors(weighted, k)
}

// SelectDiverseWeightedColors greedily picks k candidates: the heaviest one
// first, then each time the candidate farthest (in Lab) from those already
// picked, with a mild bonus for heavy candidates.
func SelectDiverseWeightedColors(cands []WeightedColor, k int) []colorful.Color {
	if k <= 0 || len(cands) == 0 {
		return nil
	}
	k = min(k, len(cands))

	labs := make([][3]float64, len(cands))
	weights := make([]float64, len(cands))
	maxW := 0.0
	seed := 0
	for i, c := range cands {
		l, a, b := c.Col.Clamped().Lab()
		labs[i] = [3]float64{l, a, b}
		weights[i] = max(c.Weight, 1e-6)
		if weights[i] > maxW {
			maxW = weights[i]
			seed = i
		}
	}

	picked := []int{seed}
	// nearest[i] is the squared Lab distance from i to the closest pick.
	nearest := make([]float64, len(cands))
	for i := range nearest {
		nearest[i] = math.MaxFloat64
	}
	for len(picked) < k {
		last := labs[picked[len(picked)-1]]
		best, bestScore := -1, -1.0
		for i := range cands {
			d0 := labs[i][0] - last[0]
			d1 := labs[i][1] - last[1]
			d2 := labs[i][2] - last[2]
			nearest[i] = min(nearest[i], d0*d0+d1*d1+d2*d2)
			if slices.Contains(picked, i) {
				continue
			}
			score := math.Sqrt(nearest[i]) * (0.55 + 0.45*math.Sqrt(weights[i]/maxW))
			if score > bestScore {
				best, bestScore = i, score
			}
		}
		if best < 0 {
			break
		}
		picked = append(picked, best)
	}

	out := make([]colorful.Color, len(picked))
	for i, idx := range picked {
		out[i] = cands[idx].Col.Clamped()
	}
	return out
}

// ExtractKMeansPalette clusters a subsample of the opaque pixels of img and
// picks k diverse cluster centres.
func ExtractKMeansPalette(img image.Image, k int) []colorful.Color {
	if k <= 0 {
		return nil
	}
	b := img.Bounds()
	width, height := b.Dx(), b.Dy()
	if width == 0 || height == 0 {
		return nil
	}

	const maxSamples = 12000
	step := 1
	if width*height > maxSamples {
		step = int(math.Sqrt(float64(width*height)/float64(maxSamples))) + 1
	}
	dataset := make(clusters.Observations, 0, min(width*height, maxSamples))
	for y := b.Min.Y; y < b.Max.Y; y += step {
		for x := b.Min.X; x < b.Max.X; x += step {
			r16, g16, b16, a16 := img.At(x, y).RGBA()
			if a16 == 0 {
				continue
			}
			dataset = append(dataset, clusters.Coordinates{
				float64(r16) / 65535.0,
				float64(g16) / 65535.0,
				float64(b16) / 65535.0,
			})
		}
	}
	if len(dataset) == 0 {
		return nil
	}

	cc, err := kmeans.New().Partition(dataset, min(max(k*4, k+2), len(dataset)))
	if err != nil || len(cc) == 0 {
		return nil
	}
	weighted := make([]WeightedColor, 0, len(cc))
	for _, c := range cc {
		if len(c.Center) < 3 || len(c.Observations) == 0 {
			continue
		}
		col := colorful.Color{R: c.Center[0], G: c.Center[1], B: c.Center[2]}.Clamped()
		weighted = append(weighted, WeightedColor{Col: col, Weight: float64(len(c.Observations))})
	}
	// Heaviest clusters first so ties resolve toward dominant colours.
	slices.SortStableFunc(weighted, func(a, b WeightedColor) int {
		switch {
		case a.Weight > b.Weight:
			return -1
		case a.Weight < b.Weight:
			return 1
		default:
			return 0
		}
	})
	return SelectDiverseWeightedColors(weighted, k)
}

// ExtractPalette extracts k colours with the given method. k-means falls back
// to dominant colours when clustering yields nothing.
func ExtractPalette(img image.Image, k int, method PaletteMethod) ([]colorful.Color, error) {
	var p []colorful.Color
	if method == PaletteMethodKMeans {
		p = ExtractKMeansPalette(img, k)
	}
	if len(p) == 0 {
		p = ExtractDominantPalette(img, k)
	}
	if len(p) == 0 {
		return nil, ErrEmptyPalette
	}
	return p, nil
}

// LabelPalette returns k evenly spaced HCL hues for rendering label maps.
func LabelPalette(k int) []colorful.Color {
	out := make([]colorful.Color, k)
	for i := range out {
		out[i] = colorful.Hcl(float64(i)*360/float64(max(k, 1)), 0.55, 0.65).Clamped()
	}
	return out
}
