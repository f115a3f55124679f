package client

import (
	"image"

	"dstream/internal/geometry"
)

// CaptureTransform turns a camera frame into the square input the server
// expects. With CropSize set a fixed square is cut with a vertical offset,
// otherwise the largest centred square is used.
type CaptureTransform struct {
	Size     int
	CropSize int
	OffsetY  int
	// Rotation is applied before cropping, in degrees counter-clockwise.
	Rotation float64
}

func (c CaptureTransform) Apply(img *image.RGBA) *image.RGBA {
	if c.Rotation != 0 {
		img = geometry.Rotate(img, c.Rotation)
	}
	if c.CropSize > 0 {
		img = geometry.CenterSquareOffset(img, c.CropSize, c.OffsetY)
	} else {
		img = geometry.CenterSquare(img)
	}
	return geometry.Resize(img, c.Size, c.Size, geometry.Bilinear)
}

// DisplayTransform fits a reply to the screen.
type DisplayTransform struct {
	Width    int
	Height   int
	Flip     bool
	Rotation float64
}

func (d DisplayTransform) Apply(img *image.RGBA) *image.RGBA {
	if d.Flip {
		img = geometry.FlipHorizontal(img)
	}
	img = geometry.AspectFit(img, d.Width, d.Height, geometry.CatmullRom)
	if d.Rotation != 0 {
		img = geometry.Rotate(img, d.Rotation)
	}
	return img
}
