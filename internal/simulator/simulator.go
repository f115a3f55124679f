// Package simulator is a synthetic capture device: a noisy gaussian blob
// drifting across the frame, delivered at a fixed rate.
package simulator

import (
	"context"
	"image"
	"math"
	"math/rand"
	"sync"
	"time"
)

type Source struct {
	width    int
	height   int
	interval time.Duration

	mu     sync.Mutex
	rng    *rand.Rand
	frame  int
	next   time.Time
	closed bool
}

// New returns a source of width x height frames. rate <= 0 delivers frames as
// fast as they are read.
func New(width, height int, rate float64) *Source {
	var interval time.Duration
	if rate > 0 {
		interval = time.Duration(float64(time.Second) / rate)
	}
	return &Source{
		width:    width,
		height:   height,
		interval: interval,
		rng:      rand.New(rand.NewSource(1)),
	}
}

func (s *Source) Read(ctx context.Context) (*image.RGBA, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, context.Canceled
	}

	if s.interval > 0 {
		now := time.Now()
		if s.next.IsZero() {
			s.next = now
		}
		if wait := s.next.Sub(now); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
		s.next = s.next.Add(s.interval)
		if behind := time.Since(s.next); behind > s.interval {
			s.next = time.Now()
		}
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}

	img := s.render(s.frame)
	s.frame++
	return img, nil
}

func (s *Source) render(n int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, s.width, s.height))
	w, h := float64(s.width), float64(s.height)
	phase := float64(n) / 60
	centerX := w/2 + w/4*math.Cos(phase)
	centerY := h/2 + h/4*math.Sin(phase)
	spread := w * h / 20

	for y := 0; y < s.height; y++ {
		for x := 0; x < s.width; x++ {
			dx := float64(x) - centerX
			dy := float64(y) - centerY
			base := 220 * math.Exp(-(dx*dx+dy*dy)/spread)
			noise := s.rng.NormFloat64() * math.Sqrt(base+1)
			v := clamp(base + noise + 20)
			i := img.PixOffset(x, y)
			img.Pix[i+0] = v
			img.Pix[i+1] = clamp(float64(v) * 0.7)
			img.Pix[i+2] = uint8(255 * x / max(s.width-1, 1))
			img.Pix[i+3] = 0xff
		}
	}
	return img
}

func (s *Source) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame
}

func (s *Source) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func clamp(v float64) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}
