// Package geometry implements the crop, resize, flip and rotate steps applied
// around the exchange: squaring captured frames before sending and fitting
// replies to the display.
package geometry

import (
	"image"
	"math"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

type Interpolation int

const (
	Bilinear Interpolation = iota
	CatmullRom
	Nearest
)

func (i Interpolation) scaler() draw.Interpolator {
	switch i {
	case CatmullRom:
		return draw.CatmullRom
	case Nearest:
		return draw.NearestNeighbor
	default:
		return draw.BiLinear
	}
}

// Crop copies rect (clipped to the image) into a new zero-origin image.
func Crop(img *image.RGBA, rect image.Rectangle) *image.RGBA {
	rect = rect.Intersect(img.Bounds())
	out := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(out, out.Bounds(), img, rect.Min, draw.Src)
	return out
}

// CenterSquare crops the largest centred square.
func CenterSquare(img *image.RGBA) *image.RGBA {
	b := img.Bounds()
	side := min(b.Dx(), b.Dy())
	x0 := b.Min.X + (b.Dx()-side)/2
	y0 := b.Min.Y + (b.Dy()-side)/2
	return Crop(img, image.Rect(x0, y0, x0+side, y0+side))
}

// CenterSquareOffset crops a size x size square around the centre, moved up by
// offsetY pixels and clamped inside the image.
func CenterSquareOffset(img *image.RGBA, size, offsetY int) *image.RGBA {
	b := img.Bounds()
	if size <= 0 || size > b.Dx() || size > b.Dy() {
		return CenterSquare(img)
	}
	x0 := b.Min.X + b.Dx()/2 - size/2
	y0 := b.Min.Y + b.Dy()/2 - size/2 - offsetY
	y0 = max(b.Min.Y, min(y0, b.Max.Y-size))
	return Crop(img, image.Rect(x0, y0, x0+size, y0+size))
}

// CropToAspect trims the longer dimension so width/height matches aspect.
func CropToAspect(img *image.RGBA, aspect float64) *image.RGBA {
	b := img.Bounds()
	if aspect <= 0 || b.Empty() {
		return img
	}
	source := float64(b.Dx()) / float64(b.Dy())
	if source > aspect {
		width := max(1, int(float64(b.Dy())*aspect))
		x0 := b.Min.X + (b.Dx()-width)/2
		return Crop(img, image.Rect(x0, b.Min.Y, x0+width, b.Max.Y))
	}
	height := max(1, int(float64(b.Dx())/aspect))
	y0 := b.Min.Y + (b.Dy()-height)/2
	return Crop(img, image.Rect(b.Min.X, y0, b.Max.X, y0+height))
}

func Resize(img *image.RGBA, width, height int, interp Interpolation) *image.RGBA {
	out := image.NewRGBA(image.Rect(0, 0, width, height))
	if b := img.Bounds(); b.Dx() == width && b.Dy() == height {
		draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
		return out
	}
	interp.scaler().Scale(out, out.Bounds(), img, img.Bounds(), draw.Src, nil)
	return out
}

// AspectFit crops to the target aspect ratio and resizes to exactly width x height.
func AspectFit(img *image.RGBA, width, height int, interp Interpolation) *image.RGBA {
	return Resize(CropToAspect(img, float64(width)/float64(height)), width, height, interp)
}

func FlipHorizontal(img *image.RGBA) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	w := b.Dx()
	for y := 0; y < b.Dy(); y++ {
		src := img.Pix[img.PixOffset(b.Min.X, b.Min.Y+y):]
		dst := out.Pix[y*out.Stride:]
		for x := 0; x < w; x++ {
			copy(dst[(w-1-x)*4:(w-1-x)*4+4], src[x*4:x*4+4])
		}
	}
	return out
}

// Rotate turns the image counter-clockwise by degrees about its centre,
// keeping the original size. Uncovered corners are black.
func Rotate(img *image.RGBA, degrees float64) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for i := 3; i < len(out.Pix); i += 4 {
		out.Pix[i] = 0xff
	}
	if math.Mod(degrees, 360) == 0 {
		draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
		return out
	}
	rad := degrees * math.Pi / 180
	alpha, beta := math.Cos(rad), math.Sin(rad)
	cx := float64(b.Min.X) + float64(b.Dx())/2
	cy := float64(b.Min.Y) + float64(b.Dy())/2
	ox := float64(b.Dx()) / 2
	oy := float64(b.Dy()) / 2
	// Source to destination: rotate about (cx, cy), then move to the output's centre.
	m := f64.Aff3{
		alpha, beta, ox - alpha*cx - beta*cy,
		-beta, alpha, oy + beta*cx - alpha*cy,
	}
	draw.BiLinear.Transform(out, m, img, b, draw.Over, nil)
	return out
}
