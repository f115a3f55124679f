// Package stats keeps rolling per-stage timings for a frame loop and flushes a
// summary every N frames or every interval, whichever comes first. It is
// purely observational.
package stats

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"dstream/internal/metrics"
)

const (
	DefaultEvery    = 30
	DefaultInterval = 5 * time.Second
)

type StageReport struct {
	Name  string        `cbor:"name" json:"name"`
	Count int           `cbor:"count" json:"count"`
	Mean  time.Duration `cbor:"mean_ns" json:"mean_ns"`
	Last  time.Duration `cbor:"last_ns" json:"last_ns"`
	Total time.Duration `cbor:"total_ns" json:"total_ns"`
}

type Report struct {
	Role    string        `cbor:"role" json:"role"`
	At      time.Time     `cbor:"at" json:"at"`
	Frames  int           `cbor:"frames" json:"frames"`
	Elapsed time.Duration `cbor:"elapsed_ns" json:"elapsed_ns"`
	FPS     float64       `cbor:"fps" json:"fps"`
	Stages  []StageReport `cbor:"stages" json:"stages"`
}

// Sink receives flushed reports. Implementations must not block.
type Sink interface {
	Flush(Report)
}

type SinkFunc func(Report)

func (f SinkFunc) Flush(r Report) { f(r) }

// Collector is safe for concurrent use. A nil *Collector discards everything.
type Collector struct {
	mu       sync.Mutex
	role     string
	every    int
	interval time.Duration
	win      *window
	flushes  int
	sinks    []Sink
}

func New(role string, every int, interval time.Duration, sinks ...Sink) *Collector {
	if every < 1 {
		every = DefaultEvery
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Collector{
		role:     role,
		every:    every,
		interval: interval,
		win:      newWindow(time.Now()),
		sinks:    sinks,
	}
}

func (c *Collector) Observe(stage string, d time.Duration) {
	if c == nil {
		return
	}
	metrics.ObserveStage(c.role, stage, d.Seconds())
	c.mu.Lock()
	c.win.add(stage, d)
	c.mu.Unlock()
}

// Time starts a stage timer; call the returned func to record it.
func (c *Collector) Time(stage string) func() {
	start := time.Now()
	return func() { c.Observe(stage, time.Since(start)) }
}

// FrameDone counts one loop iteration and flushes when the window is due.
func (c *Collector) FrameDone(now time.Time) (Report, bool) {
	if c == nil {
		return Report{}, false
	}
	c.mu.Lock()
	c.win.frames++
	if c.win.frames < c.every && now.Sub(c.win.start) < c.interval {
		c.mu.Unlock()
		return Report{}, false
	}
	report := c.win.report(c.role, now)
	c.win.reset(now)
	c.flushes++
	sinks := c.sinks
	c.mu.Unlock()

	for _, s := range sinks {
		s.Flush(report)
	}
	return report, true
}

// Snapshot returns the current, unflushed window.
func (c *Collector) Snapshot() Report {
	if c == nil {
		return Report{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.win.report(c.role, time.Now())
}

func (c *Collector) Flushes() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushes
}

// LogSink prints a timing breakdown through the standard logger.
type LogSink struct {
	Logger *log.Logger
}

func (s LogSink) Flush(r Report) {
	text := Format(r)
	if s.Logger != nil {
		s.Logger.Print(text)
		return
	}
	log.Print(text)
}

func Format(r Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s timing breakdown over %d frames (seconds):\n", r.Role, r.Frames)
	for _, st := range r.Stages {
		fmt.Fprintf(&b, "  %-12s mean %.4f last %.4f\n", st.Name+":", st.Mean.Seconds(), st.Last.Seconds())
	}
	fmt.Fprintf(&b, "  %-12s %.2f\n", "fps:", r.FPS)
	return b.String()
}
