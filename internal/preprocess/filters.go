package preprocess

import (
	"image"
	"math"
)

const (
	cannyLow      = 100
	cannyHigh     = 200
	blendOriginal = 0.8
	blendEdges    = 0.2
	claheClip     = 2.0
	claheTiles    = 8
)

// plane is a single channel float image.
type plane struct {
	w, h int
	v    []float64
}

func newPlane(w, h int) plane {
	return plane{w: w, h: h, v: make([]float64, w*h)}
}

func (p plane) at(x, y int) float64 {
	return p.v[reflect101(y, p.h)*p.w+reflect101(x, p.w)]
}

// reflect101 mirrors out-of-range indices without repeating the edge (dcb|abcd|cba).
func reflect101(i, n int) int {
	if n == 1 {
		return 0
	}
	for i < 0 || i >= n {
		if i < 0 {
			i = -i
		}
		if i >= n {
			i = 2*n - 2 - i
		}
	}
	return i
}

func clamp8(v float64) uint8 {
	v = math.Round(v)
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

func channels(img *image.RGBA) [3]plane {
	b := img.Bounds()
	var out [3]plane
	for c := range out {
		out[c] = newPlane(b.Dx(), b.Dy())
	}
	for y := 0; y < b.Dy(); y++ {
		row := img.Pix[img.PixOffset(b.Min.X, b.Min.Y+y):]
		for x := 0; x < b.Dx(); x++ {
			for c := 0; c < 3; c++ {
				out[c].v[y*b.Dx()+x] = float64(row[x*4+c])
			}
		}
	}
	return out
}

func luma(img *image.RGBA) plane {
	b := img.Bounds()
	out := newPlane(b.Dx(), b.Dy())
	for y := 0; y < b.Dy(); y++ {
		row := img.Pix[img.PixOffset(b.Min.X, b.Min.Y+y):]
		for x := 0; x < b.Dx(); x++ {
			r, g, bl := float64(row[x*4]), float64(row[x*4+1]), float64(row[x*4+2])
			out.v[y*b.Dx()+x] = float64(clamp8(0.299*r + 0.587*g + 0.114*bl))
		}
	}
	return out
}

func fromPlanes(r, g, b plane) *image.RGBA {
	out := image.NewRGBA(image.Rect(0, 0, r.w, r.h))
	for i := range r.v {
		out.Pix[i*4] = clamp8(r.v[i])
		out.Pix[i*4+1] = clamp8(g.v[i])
		out.Pix[i*4+2] = clamp8(b.v[i])
		out.Pix[i*4+3] = 0xff
	}
	return out
}

func grayToRGBA(p plane) *image.RGBA {
	return fromPlanes(p, p, p)
}

// gaussianKernel matches the sigma OpenCV derives from the kernel size.
func gaussianKernel(size int) []float64 {
	sigma := 0.3*(float64(size-1)*0.5-1) + 0.8
	k := make([]float64, size)
	sum := 0.0
	half := size / 2
	for i := range k {
		d := float64(i - half)
		k[i] = math.Exp(-(d * d) / (2 * sigma * sigma))
		sum += k[i]
	}
	for i := range k {
		k[i] /= sum
	}
	return k
}

func convolveSeparable(p plane, k []float64) plane {
	half := len(k) / 2
	tmp := newPlane(p.w, p.h)
	for y := 0; y < p.h; y++ {
		for x := 0; x < p.w; x++ {
			s := 0.0
			for i, kv := range k {
				s += kv * p.at(x+i-half, y)
			}
			tmp.v[y*p.w+x] = s
		}
	}
	out := newPlane(p.w, p.h)
	for y := 0; y < p.h; y++ {
		for x := 0; x < p.w; x++ {
			s := 0.0
			for i, kv := range k {
				s += kv * tmp.at(x, y+i-half)
			}
			out.v[y*p.w+x] = math.Round(s)
		}
	}
	return out
}

func gaussianBlur(img *image.RGBA, size int) *image.RGBA {
	k := gaussianKernel(size)
	ch := channels(img)
	return fromPlanes(convolveSeparable(ch[0], k), convolveSeparable(ch[1], k), convolveSeparable(ch[2], k))
}

func blurFilter(img *image.RGBA) *image.RGBA {
	return gaussianBlur(img, 5)
}

func grayFilter(img *image.RGBA) *image.RGBA {
	return grayToRGBA(luma(img))
}

// cannyEdges returns a plane of 0 or 255: 3x3 Sobel, L1 magnitude,
// non-maximum suppression and hysteresis between low and high.
func cannyEdges(gray plane, low, high float64) plane {
	w, h := gray.w, gray.h
	gx := newPlane(w, h)
	gy := newPlane(w, h)
	mag := newPlane(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dx := (gray.at(x+1, y-1) + 2*gray.at(x+1, y) + gray.at(x+1, y+1)) -
				(gray.at(x-1, y-1) + 2*gray.at(x-1, y) + gray.at(x-1, y+1))
			dy := (gray.at(x-1, y+1) + 2*gray.at(x, y+1) + gray.at(x+1, y+1)) -
				(gray.at(x-1, y-1) + 2*gray.at(x, y-1) + gray.at(x+1, y-1))
			i := y*w + x
			gx.v[i], gy.v[i] = dx, dy
			mag.v[i] = math.Abs(dx) + math.Abs(dy)
		}
	}

	const (
		none   = 0
		weak   = 1
		strong = 2
	)
	class := make([]uint8, w*h)
	magAt := func(x, y int) float64 {
		if x < 0 || y < 0 || x >= w || y >= h {
			return 0
		}
		return mag.v[y*w+x]
	}
	tan22 := math.Tan(math.Pi / 8)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*w + x
			m := mag.v[i]
			if m <= low {
				continue
			}
			ax, ay := math.Abs(gx.v[i]), math.Abs(gy.v[i])
			var n1, n2 float64
			switch {
			case ay <= ax*tan22:
				n1, n2 = magAt(x-1, y), magAt(x+1, y)
			case ay >= ax/tan22:
				n1, n2 = magAt(x, y-1), magAt(x, y+1)
			case (gx.v[i] > 0) == (gy.v[i] > 0):
				n1, n2 = magAt(x-1, y-1), magAt(x+1, y+1)
			default:
				n1, n2 = magAt(x+1, y-1), magAt(x-1, y+1)
			}
			if m < n1 || m < n2 {
				continue
			}
			if m > high {
				class[i] = strong
			} else {
				class[i] = weak
			}
		}
	}

	out := newPlane(w, h)
	stack := make([]int, 0, 64)
	for i, c := range class {
		if c == strong {
			stack = append(stack, i)
			out.v[i] = 255
		}
	}
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		x, y := i%w, i/w
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				nx, ny := x+dx, y+dy
				if nx < 0 || ny < 0 || nx >= w || ny >= h {
					continue
				}
				j := ny*w + nx
				if class[j] == weak && out.v[j] == 0 {
					out.v[j] = 255
					stack = append(stack, j)
				}
			}
		}
	}
	return out
}

func cannyFilter(img *image.RGBA) *image.RGBA {
	return grayToRGBA(cannyEdges(luma(img), cannyLow, cannyHigh))
}

// cannyBlurShiftFilter overlays edges on the original, tinting the
// non-edge background blue.
func cannyBlurShiftFilter(img *image.RGBA) *image.RGBA {
	blurred := gaussianBlur(img, 3)
	edges := cannyEdges(luma(blurred), cannyLow, cannyHigh)
	src := channels(img)
	r, g, b := newPlane(edges.w, edges.h), newPlane(edges.w, edges.h), newPlane(edges.w, edges.h)
	for i, e := range edges.v {
		er, eg, eb := 255.0, 255.0, 255.0
		if e == 0 {
			er, eg, eb = 0, 0, 255
		}
		r.v[i] = blendOriginal*src[0].v[i] + blendEdges*er
		g.v[i] = blendOriginal*src[1].v[i] + blendEdges*eg
		b.v[i] = blendOriginal*src[2].v[i] + blendEdges*eb
	}
	return fromPlanes(r, g, b)
}

// contrastFilter applies CLAHE to the luma channel.
func contrastFilter(img *image.RGBA) *image.RGBA {
	return grayToRGBA(clahe(luma(img), claheClip, claheTiles))
}

func clahe(p plane, clip float64, tiles int) plane {
	tx := min(tiles, p.w)
	ty := min(tiles, p.h)
	bounds := func(n, count, i int) (int, int) {
		return i * n / count, (i + 1) * n / count
	}

	luts := make([][256]float64, tx*ty)
	for j := 0; j < ty; j++ {
		y0, y1 := bounds(p.h, ty, j)
		for i := 0; i < tx; i++ {
			x0, x1 := bounds(p.w, tx, i)
			var hist [256]float64
			for y := y0; y < y1; y++ {
				for x := x0; x < x1; x++ {
					hist[int(p.v[y*p.w+x])]++
				}
			}
			area := float64((x1 - x0) * (y1 - y0))
			limit := math.Max(1, clip*area/256)
			excess := 0.0
			for k := range hist {
				if hist[k] > limit {
					excess += hist[k] - limit
					hist[k] = limit
				}
			}
			bonus := excess / 256
			cdf := 0.0
			lut := &luts[j*tx+i]
			for k := range hist {
				cdf += hist[k] + bonus
				lut[k] = math.Min(255, cdf*255/area)
			}
		}
	}

	center := func(n, count, i int) float64 {
		a, b := bounds(n, count, i)
		return float64(a+b-1) / 2
	}
	locate := func(pos float64, n, count int) (int, int, float64) {
		if pos <= center(n, count, 0) {
			return 0, 0, 0
		}
		if pos >= center(n, count, count-1) {
			return count - 1, count - 1, 0
		}
		for i := 0; i < count-1; i++ {
			c0, c1 := center(n, count, i), center(n, count, i+1)
			if pos <= c1 {
				return i, i + 1, (pos - c0) / (c1 - c0)
			}
		}
		return count - 1, count - 1, 0
	}

	out := newPlane(p.w, p.h)
	for y := 0; y < p.h; y++ {
		j0, j1, fy := locate(float64(y), p.h, ty)
		for x := 0; x < p.w; x++ {
			i0, i1, fx := locate(float64(x), p.w, tx)
			v := int(p.v[y*p.w+x])
			top := (1-fx)*luts[j0*tx+i0][v] + fx*luts[j0*tx+i1][v]
			bottom := (1-fx)*luts[j1*tx+i0][v] + fx*luts[j1*tx+i1][v]
			out.v[y*p.w+x] = (1-fy)*top + fy*bottom
		}
	}
	return out
}
