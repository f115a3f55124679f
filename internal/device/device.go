// Package device defines the capture and display collaborators of the client
// loop. Camera and window support needs OpenCV and is only built with the
// gocv tag; Headless works everywhere.
package device

import (
	"context"
	"errors"
	"image"
	"sync"
)

var (
	ErrCapture     = errors.New("capture failed")
	ErrUnavailable = errors.New("device not available")
)

type Capture interface {
	// Read blocks until the next frame is available.
	Read(ctx context.Context) (*image.RGBA, error)
	Close() error
}

type Display interface {
	Show(img *image.RGBA) error
	// Quit reports whether the user asked to stop (the q key).
	Quit() bool
	Close() error
}

// KeyPoller pumps the window event loop for up to delay milliseconds and
// returns the pressed key, or -1.
type KeyPoller func(delay int) int

// keyWatch latches the quit key. It polls on every Quit call.
type keyWatch struct {
	poll KeyPoller
	quit bool
}

func (k *keyWatch) Quit() bool {
	if !k.quit && k.poll != nil {
		if key := k.poll(1); key >= 0 && (key&0xff == 'q' || key&0xff == 'Q') {
			k.quit = true
		}
	}
	return k.quit
}

// Headless keeps the last shown frame instead of drawing it. With MaxFrames
// set it asks to quit after that many new frames; showing the frame already
// on screen again does not count.
type Headless struct {
	MaxFrames int
	// OnShow, if set, is called with every shown frame.
	OnShow func(*image.RGBA)

	mu     sync.Mutex
	shown  int
	fresh  int
	last   *image.RGBA
	closed bool
}

func (h *Headless) Show(img *image.RGBA) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrUnavailable
	}
	h.shown++
	if img != h.last {
		h.fresh++
	}
	h.last = img
	fn := h.OnShow
	h.mu.Unlock()
	if fn != nil {
		fn(img)
	}
	return nil
}

func (h *Headless) Quit() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.MaxFrames > 0 && h.fresh >= h.MaxFrames
}

func (h *Headless) Close() error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	return nil
}

// Shown counts every Show call, repeats included.
func (h *Headless) Shown() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.shown
}

// Fresh counts shown frames that differed from the one before.
func (h *Headless) Fresh() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fresh
}

func (h *Headless) Last() *image.RGBA {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last
}

func (h *Headless) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}
