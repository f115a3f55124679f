package stats

import "time"

type stageTotals struct {
	sum   time.Duration
	last  time.Duration
	count int
}

// window accumulates per-stage durations between flushes.
type window struct {
	start  time.Time
	frames int
	order  []string
	stages map[string]*stageTotals
}

func newWindow(start time.Time) *window {
	return &window{
		start:  start,
		stages: make(map[string]*stageTotals),
	}
}

func (w *window) add(stage string, d time.Duration) {
	st, ok := w.stages[stage]
	if !ok {
		st = &stageTotals{}
		w.stages[stage] = st
		w.order = append(w.order, stage)
	}
	st.sum += d
	st.last = d
	st.count++
}

func (w *window) reset(now time.Time) {
	w.start = now
	w.frames = 0
	w.stages = make(map[string]*stageTotals, len(w.order))
	w.order = w.order[:0]
}

func (w *window) report(role string, now time.Time) Report {
	r := Report{
		Role:    role,
		At:      now,
		Frames:  w.frames,
		Elapsed: now.Sub(w.start),
		Stages:  make([]StageReport, 0, len(w.order)),
	}
	for _, name := range w.order {
		st := w.stages[name]
		r.Stages = append(r.Stages, StageReport{
			Name:  name,
			Count: st.count,
			Mean:  st.sum / time.Duration(st.count),
			Last:  st.last,
			Total: st.sum,
		})
	}
	if secs := r.Elapsed.Seconds(); secs > 0 {
		r.FPS = float64(r.Frames) / secs
	}
	return r
}
