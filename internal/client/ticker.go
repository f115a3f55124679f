package client

import (
	"context"
	"image"
	"sync"
	"time"
)

// Ticker is the loop's yield point between iterations. A zero interval only
// checks for cancellation.
type Ticker struct {
	ticker *time.Ticker
}

func NewTicker(interval time.Duration) *Ticker {
	if interval <= 0 {
		return &Ticker{}
	}
	return &Ticker{ticker: time.NewTicker(interval)}
}

func (t *Ticker) Wait(ctx context.Context) error {
	if t.ticker == nil {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.ticker.C:
		return nil
	}
}

func (t *Ticker) Stop() {
	if t.ticker != nil {
		t.ticker.Stop()
	}
}

// LastGood holds the most recent successfully rendered reply.
type LastGood struct {
	mu  sync.Mutex
	img *image.RGBA
	at  time.Time
}

func (l *LastGood) Set(img *image.RGBA, at time.Time) {
	l.mu.Lock()
	l.img = img
	l.at = at
	l.mu.Unlock()
}

func (l *LastGood) Get() (*image.RGBA, time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.img, l.at, l.img != nil
}
