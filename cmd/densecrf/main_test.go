package main

import (
	"context"
	"image"
	"image/color"
	"io"
	"path/filepath"
	"testing"

	"github.com/setanarut/densecrf/tensor"
	"github.com/setanarut/densecrf/utils"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func imagePoint(x, y int) image.Point { return image.Pt(x, y) }

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func writeSplitImage(t *testing.T, path string) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 16, 8))
	for y := range 8 {
		for x := range 16 {
			c := color.RGBA{R: 220, G: 30, B: 30, A: 255}
			if x >= 8 {
				c = color.RGBA{R: 20, G: 40, B: 200, A: 255}
			}
			img.SetRGBA(x, y, c)
		}
	}
	require.NoError(t, utils.SaveImage(img, path))
}

func TestRunPaletteUnary(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.png")
	writeSplitImage(t, in)

	cfg := defaultConfig()
	cfg.ImagePath = in
	cfg.Palette = 2
	cfg.OutPath = filepath.Join(dir, "labels.png")
	cfg.QPath = filepath.Join(dir, "q.dcrf")
	cfg.Workers = 2

	require.NoError(t, run(context.Background(), cfg, quietLogger()))

	out, err := utils.ReadImage(cfg.OutPath)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 16, 8), out.Bounds())
	assert.Equal(t, out.At(0, 0), out.At(7, 7), "a uniform half keeps one label")

	q, err := tensor.ReadFile(cfg.QPath)
	require.NoError(t, err)
	assert.Equal(t, tensor.KindProbability, q.Kind)
	assert.Equal(t, 16, q.W)
	assert.Equal(t, 8, q.H)
	for i := 0; i < q.W*q.H; i++ {
		var sum float32
		for _, p := range q.Data[i*q.K : (i+1)*q.K] {
			sum += p
		}
		assert.InDelta(t, 1.0, sum, 1e-4)
	}
}

func TestRunTensorUnary(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.png")
	writeSplitImage(t, in)

	u, err := tensor.New(16, 8, 3, tensor.KindProbability)
	require.NoError(t, err)
	for i := 0; i < 16*8; i++ {
		u.Data[3*i], u.Data[3*i+1], u.Data[3*i+2] = 0.6, 0.3, 0.1
	}
	unaryPath := filepath.Join(dir, "u.dcrf")
	require.NoError(t, tensor.WriteFile(unaryPath, u, tensor.CodecZstd))

	cfg := defaultConfig()
	cfg.ImagePath = in
	cfg.UnaryPath = unaryPath
	cfg.OutPath = filepath.Join(dir, "labels.png")
	cfg.LayersDir = dir
	require.NoError(t, run(context.Background(), cfg, quietLogger()))

	_, err = utils.ReadImage(filepath.Join(dir, "label_00.png"))
	assert.NoError(t, err)
}

func TestRunRejectsMismatchedTensor(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.png")
	writeSplitImage(t, in)

	u, err := tensor.New(4, 4, 2, tensor.KindUnary)
	require.NoError(t, err)
	unaryPath := filepath.Join(dir, "u.dcrf")
	require.NoError(t, tensor.WriteFile(unaryPath, u, tensor.CodecNone))

	cfg := defaultConfig()
	cfg.ImagePath = in
	cfg.UnaryPath = unaryPath
	cfg.OutPath = filepath.Join(dir, "labels.png")
	assert.Error(t, run(context.Background(), cfg, quietLogger()))
}
