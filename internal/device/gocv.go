//go:build gocv

package device

import (
	"context"
	"fmt"
	"image"
	"image/draw"

	"gocv.io/x/gocv"
)

type Camera struct {
	capture *gocv.VideoCapture
	mat     gocv.Mat
}

func OpenCamera(id int) (Capture, error) {
	vc, err := gocv.OpenVideoCapture(id)
	if err != nil {
		return nil, fmt.Errorf("%w: camera %d: %v", ErrUnavailable, id, err)
	}
	if !vc.IsOpened() {
		_ = vc.Close()
		return nil, fmt.Errorf("%w: camera %d did not open", ErrUnavailable, id)
	}
	return &Camera{capture: vc, mat: gocv.NewMat()}, nil
}

func (c *Camera) Read(ctx context.Context) (*image.RGBA, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ok := c.capture.Read(&c.mat); !ok || c.mat.Empty() {
		return nil, ErrCapture
	}
	img, err := c.mat.ToImage()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCapture, err)
	}
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba, nil
	}
	rgba := image.NewRGBA(img.Bounds())
	draw.Draw(rgba, rgba.Rect, img, img.Bounds().Min, draw.Src)
	return rgba, nil
}

func (c *Camera) Close() error {
	_ = c.mat.Close()
	return c.capture.Close()
}

type Window struct {
	window *gocv.Window
	keys   keyWatch
}

func OpenWindow(name string, fullscreen bool) (Display, error) {
	w := gocv.NewWindow(name)
	if fullscreen {
		w.SetWindowProperty(gocv.WindowPropertyFullscreen, gocv.WindowFullscreen)
	}
	return &Window{window: w, keys: keyWatch{poll: w.WaitKey}}, nil
}

func (w *Window) Show(img *image.RGBA) error {
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return err
	}
	defer mat.Close()
	w.window.IMShow(mat)
	return nil
}

// Quit pumps the HighGUI event loop; call it every tick, shown frame or not.
func (w *Window) Quit() bool { return w.keys.Quit() }

func (w *Window) Close() error {
	return w.window.Close()
}
