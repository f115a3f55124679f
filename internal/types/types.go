package types

import (
	"image"

	"golang.org/x/image/draw"
)

// Channels is the number of bytes per pixel in a Frame (packed R, G, B).
const Channels = 3

type Encoding string

const (
	EncodingRaw  Encoding = "raw"
	EncodingJPEG Encoding = "jpeg"
)

// Frame is a packed RGB pixel buffer of a fixed, negotiated shape.
type Frame struct {
	Width  int
	Height int
	Pix    []byte
}

func NewFrame(width, height int) Frame {
	return Frame{
		Width:  width,
		Height: height,
		Pix:    make([]byte, width*height*Channels),
	}
}

func (f Frame) Empty() bool {
	return f.Width <= 0 || f.Height <= 0 || len(f.Pix) == 0
}

func (f Frame) Valid() bool {
	return f.Width > 0 && f.Height > 0 && len(f.Pix) == f.Width*f.Height*Channels
}

// Image copies the frame into an opaque RGBA image.
func (f Frame) Image() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	for i, j := 0, 0; i+2 < len(f.Pix) && j+3 < len(img.Pix); i, j = i+3, j+4 {
		img.Pix[j] = f.Pix[i]
		img.Pix[j+1] = f.Pix[i+1]
		img.Pix[j+2] = f.Pix[i+2]
		img.Pix[j+3] = 0xff
	}
	return img
}

// FrameFromImage flattens any image into a Frame, dropping alpha.
func FrameFromImage(img image.Image) Frame {
	b := img.Bounds()
	rgba, ok := img.(*image.RGBA)
	if !ok {
		rgba = image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
		b = rgba.Bounds()
	}
	out := NewFrame(b.Dx(), b.Dy())
	for y := 0; y < out.Height; y++ {
		src := rgba.Pix[(y+b.Min.Y-rgba.Rect.Min.Y)*rgba.Stride+(b.Min.X-rgba.Rect.Min.X)*4:]
		dst := out.Pix[y*out.Width*Channels:]
		for x := 0; x < out.Width; x++ {
			dst[x*3] = src[x*4]
			dst[x*3+1] = src[x*4+1]
			dst[x*3+2] = src[x*4+2]
		}
	}
	return out
}

// ControlMessage reconfigures the transform peer's compute resource.
type ControlMessage struct {
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt"`
}

// ErrorReply is sent by the transform peer in place of an image.
type ErrorReply struct {
	Error string `json:"error"`
}
