package device

import (
	"errors"
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeadlessQuitsAfterMaxFrames(t *testing.T) {
	var seen int
	h := &Headless{MaxFrames: 2, OnShow: func(*image.RGBA) { seen++ }}
	first := image.NewRGBA(image.Rect(0, 0, 1, 1))
	img := image.NewRGBA(image.Rect(0, 0, 1, 1))

	require.NoError(t, h.Show(first))
	assert.False(t, h.Quit())
	require.NoError(t, h.Show(img))
	assert.True(t, h.Quit())
	assert.Equal(t, 2, seen)
	assert.Same(t, img, h.Last())

	require.NoError(t, h.Close())
	assert.True(t, h.Closed())
	assert.True(t, errors.Is(h.Show(img), ErrUnavailable))
}

func TestHeadlessWithoutLimitNeverQuits(t *testing.T) {
	h := &Headless{}
	for i := 0; i < 10; i++ {
		require.NoError(t, h.Show(image.NewRGBA(image.Rect(0, 0, 1, 1))))
	}
	assert.False(t, h.Quit())
	assert.Equal(t, 10, h.Shown())
}

func TestHeadlessCountsOnlyNewFrames(t *testing.T) {
	h := &Headless{MaxFrames: 2}
	first := image.NewRGBA(image.Rect(0, 0, 1, 1))
	for i := 0; i < 5; i++ {
		require.NoError(t, h.Show(first))
	}
	assert.False(t, h.Quit())
	assert.Equal(t, 5, h.Shown())
	assert.Equal(t, 1, h.Fresh())

	require.NoError(t, h.Show(image.NewRGBA(image.Rect(0, 0, 1, 1))))
	assert.True(t, h.Quit())
	assert.Equal(t, 2, h.Fresh())
}

func TestKeyWatchPollsEveryCall(t *testing.T) {
	keys := []int{-1, -1, 'x', 'q'}
	var polls int
	k := &keyWatch{poll: func(delay int) int {
		assert.Equal(t, 1, delay)
		key := keys[polls]
		polls++
		return key
	}}

	for i := 0; i < 3; i++ {
		assert.False(t, k.Quit())
	}
	assert.True(t, k.Quit())
	assert.Equal(t, 4, polls)

	// Latched; the event loop is not polled again.
	assert.True(t, k.Quit())
	assert.Equal(t, 4, polls)
}

func TestKeyWatchWithoutPoller(t *testing.T) {
	assert.False(t, (&keyWatch{}).Quit())
}
