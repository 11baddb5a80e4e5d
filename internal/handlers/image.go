package handlers

import (
	"image"
	"image/color"

	"github.com/Brownie44l1/mnist-api/internal/model"
	"github.com/nfnt/resize"
)

// preprocessImage scales img to the model's 28x28 single-channel input,
// row-major with luminance in [0,1]. invert flips polarity for dark-on-light
// drawings, since the model expects a light digit on a dark background.
func preprocessImage(img image.Image, invert bool) []float32 {
	resized := resize.Resize(model.ImageSide, model.ImageSide, img, resize.Lanczos3)
	bounds := resized.Bounds()

	data := make([]float32, model.InputSize)
	for y := 0; y < model.ImageSide; y++ {
		for x := 0; x < model.ImageSide; x++ {
			gray := color.Gray16Model.Convert(resized.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.Gray16)
			v := float32(gray.Y) / 65535.0
			if invert {
				v = 1 - v
			}
			data[y*model.ImageSide+x] = v
		}
	}
	return data
}
