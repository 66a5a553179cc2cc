//go:build gocv

package utils

import (
	"errors"
	"image"

	"gocv.io/x/gocv"
)

func decodeImage(data []byte) (image.Image, error) {
	mat, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		return nil, err
	}
	defer mat.Close()
	if mat.Empty() {
		return nil, errors.New("failed to decode image")
	}
	return mat.ToImage()
}
