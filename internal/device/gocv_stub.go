//go:build !gocv

package device

import "fmt"

func OpenCamera(id int) (Capture, error) {
	return nil, fmt.Errorf("%w: camera %d: built without OpenCV; build with -tags gocv", ErrUnavailable, id)
}

func OpenWindow(name string, _ bool) (Display, error) {
	return nil, fmt.Errorf("%w: window %q: built without OpenCV; build with -tags gocv", ErrUnavailable, name)
}
