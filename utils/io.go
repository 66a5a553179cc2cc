package utils

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"

	"github.com/lucasb-eyer/go-colorful"
)

// ReadImage decodes the image at path. The decoder set depends on the build:
// the default build uses the Go image decoders, the gocv tag uses OpenCV.
func ReadImage(path string) (image.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	img, err := decodeImage(data)
	if err != nil {
		return nil, fmt.Errorf("utils: decode %s: %w", path, err)
	}
	return img, nil
}

func SaveImage(img image.Image, filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// SaveGrayImages writes images as dir/<prefix>_00.png, dir/<prefix>_01.png...
func SaveGrayImages(images []*image.Gray, dir, prefix string) error {
	for i, img := range images {
		if err := SaveImage(img, filepath.Join(dir, fmt.Sprintf("%s_%02d.png", prefix, i))); err != nil {
			return err
		}
	}
	return nil
}

// SaveRGBAImages writes images as dir/<prefix>_00.png, dir/<prefix>_01.png...
func SaveRGBAImages(images []*image.NRGBA, dir, prefix string) error {
	for i, img := range images {
		if err := SaveImage(img, filepath.Join(dir, fmt.Sprintf("%s_%02d.png", prefix, i))); err != nil {
			return err
		}
	}
	return nil
}

// SavePalette writes the palette as a strip of square tiles.
func SavePalette(palette []colorful.Color, tileSize int, filename string) error {
	if len(palette) == 0 {
		return ErrEmptyPalette
	}
	if tileSize <= 0 {
		tileSize = 64
	}
	img := image.NewRGBA(image.Rect(0, 0, tileSize*len(palette), tileSize))
	for i, c := range palette {
		fill := toRGBA(c)
		for y := range tileSize {
			for x := i * tileSize; x < (i+1)*tileSize; x++ {
				img.SetRGBA(x, y, fill)
			}
		}
	}
	return SaveImage(img, filename)
}

func toRGBA(c colorful.Color) color.RGBA {
	return color.RGBA{
		R: uint8(max(0, min(255, c.R*255))),
		G: uint8(max(0, min(255, c.G*255))),
		B: uint8(max(0, min(255, c.B*255))),
		A: 255,
	}
}
