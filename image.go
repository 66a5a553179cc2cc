package densecrf

import (
	"context"
	"image"

	"github.com/lucasb-eyer/go-colorful"
	"github.com/setanarut/densecrf/internal/parallel"
)

type rgb32 struct {
	W, H int
	Pix  []float32 // Interleaved RGB in [0,255], len = W*H*3
}

type lab32 struct {
	W, H int
	Pix  []float32 // Interleaved LAB, len = W*H*3
}

func pixOffset(w, x, y int) int {
	return (y*w + x) * 3
}

func labelOffset(w, x, y int) int {
	return y*w + x
}

func makeRGB32Image(ctx context.Context, img image.Image, workers int) (rgb32, error) {
	bounds := img.Bounds()
	h := bounds.Dy()
	w := bounds.Dx()
	out := rgb32{
		W:   w,
		H:   h,
		Pix: make([]float32, h*w*3),
	}
	err := parallel.For(ctx, workers, h, func(lo, hi int) error {
		for y := lo; y < hi; y++ {
			for x := range w {
				r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
				off := pixOffset(w, x, y)
				out.Pix[off] = float32(r >> 8)
				out.Pix[off+1] = float32(g >> 8)
				out.Pix[off+2] = float32(b >> 8)
			}
		}
		return nil
	})
	return out, err
}

func makeLab32ImageFromRGB32(ctx context.Context, rgb rgb32, workers int) (lab32, error) {
	h := rgb.H
	w := rgb.W
	out := lab32{
		W:   w,
		H:   h,
		Pix: make([]float32, h*w*3),
	}
	err := parallel.For(ctx, workers, h, func(lo, hi int) error {
		for y := lo; y < hi; y++ {
			for x := range w {
				off := pixOffset(w, x, y)
				c := colorful.Color{
					R: float64(rgb.Pix[off]) / 255.0,
					G: float64(rgb.Pix[off+1]) / 255.0,
					B: float64(rgb.Pix[off+2]) / 255.0,
				}
				l, a, b := c.Lab()
				// Scale to 0..100 for L and roughly -100..100 for a, b so
				// colour sigmas read like the usual CIELAB units.
				out.Pix[off] = float32(l * 100)
				out.Pix[off+1] = float32(a * 100)
				out.Pix[off+2] = float32(b * 100)
			}
		}
		return nil
	})
	return out, err
}

// colorBuffer returns the interleaved 3-channel buffer for the requested
// colour space.
func colorBuffer(ctx context.Context, img image.Image, space ColorSpace, workers int) ([]float32, error) {
	rgb, err := makeRGB32Image(ctx, img, workers)
	if err != nil {
		return nil, err
	}
	if space == ColorSpaceRGB {
		return rgb.Pix, nil
	}
	lab, err := makeLab32ImageFromRGB32(ctx, rgb, workers)
	if err != nil {
		return nil, err
	}
	return lab.Pix, nil
}
