// Package pacing caps how often captured frames are sent to the transform peer.
//
// Capture runs as fast as the device allows; only admitted frames are encoded
// and sent. A frame that is not admitted is dropped and the consumer keeps
// showing its last good output.
package pacing

import (
	"sync"
	"time"
)

type Governor struct {
	mu          sync.Mutex
	minInterval time.Duration
	lastSend    time.Time
	admitted    bool
}

// New returns a governor admitting at most targetFPS sends per second.
// A non-positive rate disables throttling.
func New(targetFPS float64) *Governor {
	var interval time.Duration
	if targetFPS > 0 {
		interval = time.Duration(float64(time.Second) / targetFPS)
	}
	return &Governor{minInterval: interval}
}

func (g *Governor) MinInterval() time.Duration {
	return g.minInterval
}

// TryAdmit reports whether a frame may be sent at now. On admission the send
// time is recorded; otherwise the state is left untouched.
func (g *Governor) TryAdmit(now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.admitted && now.Sub(g.lastSend) < g.minInterval {
		return false
	}
	g.lastSend = now
	g.admitted = true
	return true
}

// LastSend returns the time of the most recent admission.
func (g *Governor) LastSend() (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastSend, g.admitted
}
