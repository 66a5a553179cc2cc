package densecrf

import (
	"context"
	"image"
	"math"

	"github.com/setanarut/densecrf/internal/parallel"
)

// KernelKind selects the features of a Gaussian pairwise kernel.
type KernelKind int

const (
	// KernelSpatial uses position only and acts as a smoothness prior.
	KernelSpatial KernelKind = iota
	// KernelBilateral uses position and colour and smooths within, but not
	// across, colour edges.
	KernelBilateral
)

func (k KernelKind) String() string {
	switch k {
	case KernelSpatial:
		return "spatial"
	case KernelBilateral:
		return "bilateral"
	default:
		return "unknown"
	}
}

// FeatureDim returns the embedding dimensionality of the kernel kind.
func FeatureDim(kind KernelKind) int {
	if kind == KernelBilateral {
		return 5
	}
	return 2
}

// ColorSpace selects the colour features of bilateral kernels.
type ColorSpace int

const (
	// ColorSpaceRGB uses 8-bit RGB channels (0..255).
	ColorSpaceRGB ColorSpace = iota
	// ColorSpaceLab uses CIELAB (L 0..100, a/b roughly -100..100).
	ColorSpaceLab
)

func (c ColorSpace) String() string {
	switch c {
	case ColorSpaceRGB:
		return "rgb"
	case ColorSpaceLab:
		return "lab"
	default:
		return "unknown"
	}
}

// Normalization selects how a term's filtered message is normalised.
type Normalization int

const (
	// NormalizeAfter divides each message by the pixel's total affinity,
	// turning it into a weighted average of neighbour distributions.
	NormalizeAfter Normalization = iota
	// NormalizeSymmetric applies D^-1/2 before and after filtering.
	NormalizeSymmetric
	// NoNormalization scales messages by one global constant so the mean
	// total affinity is 1.
	NoNormalization
)

func (n Normalization) String() string {
	switch n {
	case NormalizeAfter:
		return "after"
	case NormalizeSymmetric:
		return "symmetric"
	case NoNormalization:
		return "none"
	default:
		return "unknown"
	}
}

// PairwiseTerm is one Gaussian pairwise potential.
type PairwiseTerm struct {
	Kind KernelKind
	// Spatial standard deviation in pixels.
	// Ideal start: 3 for spatial terms, 40-80 for bilateral terms.
	SpatialSigma float64
	// Colour standard deviation in ColorSpace units (bilateral only).
	// Ideal start: 10-15 in RGB. Lower keeps edges crisper but leaves noise.
	ColorSigma float64
	// Weight of the term, >= 0. A zero weight disables the term.
	// Ideal start: 3 spatial, 5-10 bilateral.
	Weight float64
	// Message normalisation.
	Normalization Normalization
	// Optional per-term compatibility. Nil uses the model compatibility.
	Compatibility *Compatibility
}

// SpatialTerm returns a position-only smoothness term.
func SpatialTerm(sigma, weight float64) PairwiseTerm {
	return PairwiseTerm{Kind: KernelSpatial, SpatialSigma: sigma, Weight: weight}
}

// BilateralTerm returns a position+colour appearance term.
func BilateralTerm(spatialSigma, colorSigma, weight float64) PairwiseTerm {
	return PairwiseTerm{Kind: KernelBilateral, SpatialSigma: spatialSigma, ColorSigma: colorSigma, Weight: weight}
}

func (t PairwiseTerm) validate(field string) error {
	if t.Kind != KernelSpatial && t.Kind != KernelBilateral {
		return configErrorf(field+".Kind", "unknown kernel kind %d", t.Kind)
	}
	if !(t.SpatialSigma > 0) || math.IsInf(t.SpatialSigma, 0) {
		return configErrorf(field+".SpatialSigma", "must be finite and > 0, got %g", t.SpatialSigma)
	}
	if t.Kind == KernelBilateral && (!(t.ColorSigma > 0) || math.IsInf(t.ColorSigma, 0)) {
		return configErrorf(field+".ColorSigma", "must be finite and > 0, got %g", t.ColorSigma)
	}
	if !(t.Weight >= 0) || math.IsInf(t.Weight, 0) {
		return configErrorf(field+".Weight", "must be finite and >= 0, got %g", t.Weight)
	}
	if t.Normalization < NormalizeAfter || t.Normalization > NoNormalization {
		return configErrorf(field+".Normalization", "unknown normalization %d", t.Normalization)
	}
	return nil
}

// PairwiseKernel embeds the pixels of one W×H grid for one pairwise term.
// It is a pure function of the term and the image.
type PairwiseKernel struct {
	term  PairwiseTerm
	w, h  int
	color []float32 // interleaved 3-channel buffer, nil for spatial kernels
}

// NewPairwiseKernel binds term to img. Spatial kernels only use the image
// bounds; bilateral kernels read its colours in the given space.
func NewPairwiseKernel(term PairwiseTerm, img image.Image, space ColorSpace) (*PairwiseKernel, error) {
	if err := term.validate("term"); err != nil {
		return nil, err
	}
	if img == nil {
		return nil, configErrorf("image", "kernel needs an image")
	}
	b := img.Bounds()
	if term.Kind == KernelSpatial {
		return newSpatialKernel(term, b.Dx(), b.Dy()), nil
	}
	color, err := colorBuffer(context.Background(), img, space, 0)
	if err != nil {
		return nil, err
	}
	return newKernel(term, b.Dx(), b.Dy(), color), nil
}

func newSpatialKernel(term PairwiseTerm, w, h int) *PairwiseKernel {
	return &PairwiseKernel{term: term, w: w, h: h}
}

func newKernel(term PairwiseTerm, w, h int, color []float32) *PairwiseKernel {
	if term.Kind == KernelSpatial {
		color = nil
	}
	return &PairwiseKernel{term: term, w: w, h: h, color: color}
}

// Dim returns the embedding dimensionality.
func (k *PairwiseKernel) Dim() int { return FeatureDim(k.term.Kind) }

// Embed writes the feature vector of pixel i = y*W+x into dst (allocated if
// too short) and returns it.
func (k *PairwiseKernel) Embed(pixel int, dst []float32) []float32 {
	d := k.Dim()
	if cap(dst) < d {
		dst = make([]float32, d)
	}
	dst = dst[:d]
	x := pixel % k.w
	y := pixel / k.w
	is := float32(1 / k.term.SpatialSigma)
	dst[0] = float32(x) * is
	dst[1] = float32(y) * is
	if k.term.Kind == KernelBilateral {
		ic := float32(1 / k.term.ColorSigma)
		off := pixOffset(k.w, x, y)
		dst[2] = k.color[off] * ic
		dst[3] = k.color[off+1] * ic
		dst[4] = k.color[off+2] * ic
	}
	return dst
}

// Embedding returns the row-major N×Dim features of every pixel.
func (k *PairwiseKernel) Embedding(ctx context.Context, workers int) ([]float32, error) {
	d := k.Dim()
	out := make([]float32, k.w*k.h*d)
	err := parallel.For(ctx, workers, k.h, func(lo, hi int) error {
		for y := lo; y < hi; y++ {
			for x := range k.w {
				i := labelOffset(k.w, x, y)
				k.Embed(i, out[i*d:(i+1)*d])
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
