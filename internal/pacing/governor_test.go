package pacing

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFirstFrameAdmitted(t *testing.T) {
	g := New(10)
	require.True(t, g.TryAdmit(time.Unix(0, 0)))
}

func TestRejectLeavesStateUnchanged(t *testing.T) {
	g := New(10)
	start := time.Unix(100, 0)
	require.True(t, g.TryAdmit(start))

	require.False(t, g.TryAdmit(start.Add(50*time.Millisecond)))
	last, ok := g.LastSend()
	require.True(t, ok)
	require.Equal(t, start, last)

	require.False(t, g.TryAdmit(start.Add(99*time.Millisecond)))
	require.True(t, g.TryAdmit(start.Add(100*time.Millisecond)))
	last, _ = g.LastSend()
	require.Equal(t, start.Add(100*time.Millisecond), last)
}

func TestExactIntervalAdmits(t *testing.T) {
	g := New(30)
	start := time.Unix(0, 0)
	require.True(t, g.TryAdmit(start))
	require.True(t, g.TryAdmit(start.Add(g.MinInterval())))
}

func TestDisabledAdmitsEverything(t *testing.T) {
	g := New(0)
	now := time.Unix(0, 0)
	for i := 0; i < 5; i++ {
		require.True(t, g.TryAdmit(now))
	}
}

func TestAdmissionsBoundedPerWindow(t *testing.T) {
	for _, fps := range []float64{1, 7.5, 24, 30, 60} {
		g := New(fps)
		start := time.Unix(0, 0)
		var admitted []time.Time
		// Capture at 1 kHz for 3 seconds.
		for i := 0; i < 3000; i++ {
			now := start.Add(time.Duration(i) * time.Millisecond)
			if g.TryAdmit(now) {
				admitted = append(admitted, now)
			}
		}
		require.NotEmpty(t, admitted)

		for _, window := range []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, time.Second, 2500 * time.Millisecond} {
			limit := int(math.Ceil(window.Seconds()*fps)) + 1
			for i := range admitted {
				count := 0
				for j := i; j < len(admitted) && admitted[j].Sub(admitted[i]) < window; j++ {
					count++
				}
				require.LessOrEqual(t, count, limit, "fps=%v window=%v", fps, window)
			}
		}
	}
}
