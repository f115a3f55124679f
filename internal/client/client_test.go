package client

import (
	"context"
	"image"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dstream/internal/config"
	"dstream/internal/device"
	"dstream/internal/simulator"
	"dstream/internal/transport"
	"dstream/internal/types"
)

const (
	inSize  = 8
	outSize = 16
)

type step struct {
	messages []transport.Message
	closed   bool
}

func replyOf(v byte) step {
	payload := make([]byte, outSize*outSize*types.Channels)
	for i := range payload {
		payload[i] = v
	}
	return step{messages: []transport.Message{{Kind: transport.KindFrame, Payload: payload}}}
}

func remoteError(msg string) step {
	return step{messages: []transport.Message{{Kind: transport.KindError, RemoteError: msg}}}
}

func noReply() step { return step{} }

// fakeSession answers the n-th sent frame with script[n]. An empty step
// simulates a reply that never arrives in time.
type fakeSession struct {
	mu        sync.Mutex
	script    []step
	sent      int
	pending   []transport.Message
	closedErr bool
	controls  []types.ControlMessage
	abandoned int
	closed    bool
}

func (f *fakeSession) ID() string { return "fake" }

func (f *fakeSession) SendControl(msg types.ControlMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.controls = append(f.controls, msg)
	return nil
}

func (f *fakeSession) SendFrame(_ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sent < len(f.script) {
		s := f.script[f.sent]
		f.pending = append(f.pending, s.messages...)
		if s.closed {
			f.closedErr = true
		}
	}
	f.sent++
	return nil
}

func (f *fakeSession) Receive(ctx context.Context, _ time.Duration) (transport.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return transport.Message{}, err
	}
	if len(f.pending) > 0 {
		msg := f.pending[0]
		f.pending = f.pending[1:]
		return msg, nil
	}
	if f.closedErr {
		return transport.Message{}, transport.ErrClosed
	}
	return transport.Message{}, transport.ErrTimeout
}

func (f *fakeSession) Abandon() {
	f.mu.Lock()
	f.abandoned++
	f.mu.Unlock()
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func testConfig() config.ClientConfig {
	cfg := config.DefaultClient()
	cfg.Encoding = types.EncodingRaw
	cfg.InputSize = inSize
	cfg.OutputSize = outSize
	cfg.ScreenWidth = outSize
	cfg.ScreenHeight = outSize
	cfg.TargetFPS = 0
	cfg.Yield = 0
	cfg.Timeout = 50 * time.Millisecond
	return cfg
}

type harness struct {
	session *fakeSession
	display *device.Headless
	capture *simulator.Source
	shown   []byte
	loop    *Loop
}

func newHarness(t *testing.T, cfg config.ClientConfig, maxFrames int, script ...step) *harness {
	t.Helper()
	h := &harness{
		session: &fakeSession{script: script},
		capture: simulator.New(64, 48, 0),
	}
	h.display = &device.Headless{
		MaxFrames: maxFrames,
		OnShow:    func(img *image.RGBA) { h.shown = append(h.shown, img.Pix[0]) },
	}
	loop, err := New(cfg, Deps{Capture: h.capture, Display: h.display, Session: h.session})
	require.NoError(t, err)
	h.loop = loop
	return h
}

func (h *harness) run(t *testing.T) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return h.loop.Run(ctx)
}

func TestTimeoutShowsPreviousReply(t *testing.T) {
	h := newHarness(t, testConfig(), 2, replyOf(10), noReply(), replyOf(30))
	require.NoError(t, h.run(t))

	assert.Equal(t, []byte{10, 10, 30}, h.shown)
	assert.Equal(t, 1, h.session.abandoned)
	assert.Equal(t, 3, h.session.sent)
	assert.True(t, h.session.closed)
	assert.True(t, h.display.Closed())

	last, ok := h.loop.LastGood()
	require.True(t, ok)
	assert.Equal(t, byte(30), last.Pix[0])
}

func TestRemoteErrorShowsPreviousReply(t *testing.T) {
	h := newHarness(t, testConfig(), 2, replyOf(10), remoteError("compute failed"), replyOf(30))
	require.NoError(t, h.run(t))
	assert.Equal(t, []byte{10, 10, 30}, h.shown)
	assert.Zero(t, h.session.abandoned)
}

func TestUndecodableReplyIsSkipped(t *testing.T) {
	bad := step{messages: []transport.Message{{Kind: transport.KindFrame, Payload: []byte{1, 2, 3}}}}
	h := newHarness(t, testConfig(), 2, replyOf(10), bad, replyOf(30))
	require.NoError(t, h.run(t))
	assert.Equal(t, []byte{10, 10, 30}, h.shown)
}

func TestNothingShownBeforeFirstReply(t *testing.T) {
	h := newHarness(t, testConfig(), 1, noReply(), noReply(), replyOf(20))
	require.NoError(t, h.run(t))
	assert.Equal(t, []byte{20}, h.shown)
	assert.Equal(t, 2, h.session.abandoned)
}

func TestStrayControlIsIgnored(t *testing.T) {
	withControl := replyOf(40)
	withControl.messages = append([]transport.Message{{Kind: transport.KindControl}}, withControl.messages...)
	h := newHarness(t, testConfig(), 1, withControl)
	require.NoError(t, h.run(t))
	assert.Equal(t, []byte{40}, h.shown)
}

func TestGovernorReusesLastReply(t *testing.T) {
	cfg := testConfig()
	cfg.TargetFPS = 0.001
	h := newHarness(t, cfg, 0, replyOf(10), replyOf(20), replyOf(30))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	h.display.OnShow = func(img *image.RGBA) {
		h.shown = append(h.shown, img.Pix[0])
		if len(h.shown) == 3 {
			cancel()
		}
	}
	require.NoError(t, h.loop.Run(ctx))
	assert.Equal(t, []byte{10, 10, 10}, h.shown)
	assert.Equal(t, 1, h.session.sent)
}

func TestMaxFramesCountsNewRepliesOnly(t *testing.T) {
	cfg := testConfig()
	cfg.TargetFPS = 0.001
	h := newHarness(t, cfg, 2, replyOf(10), replyOf(20))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	h.display.OnShow = func(img *image.RGBA) {
		h.shown = append(h.shown, img.Pix[0])
		if len(h.shown) == 5 {
			cancel()
		}
	}
	require.NoError(t, h.loop.Run(ctx))

	// Gated ticks re-show the only reply; that alone never reaches the limit.
	assert.False(t, h.display.Quit())
	assert.Equal(t, 1, h.display.Fresh())
	assert.Equal(t, 5, h.display.Shown())
	assert.Equal(t, 1, h.session.sent)
}

func TestDefaultConfigMirrorsReply(t *testing.T) {
	require.True(t, config.DefaultClient().Flip)

	// Left half black, right half white.
	payload := make([]byte, outSize*outSize*types.Channels)
	for y := 0; y < outSize; y++ {
		for x := outSize / 2; x < outSize; x++ {
			i := (y*outSize + x) * types.Channels
			payload[i], payload[i+1], payload[i+2] = 255, 255, 255
		}
	}
	h := newHarness(t, testConfig(), 1, step{messages: []transport.Message{{Kind: transport.KindFrame, Payload: payload}}})
	require.NoError(t, h.run(t))

	shown := h.display.Last()
	require.NotNil(t, shown)
	assert.Greater(t, shown.RGBAAt(0, outSize/2).R, uint8(200))
	assert.Less(t, shown.RGBAAt(outSize-1, outSize/2).R, uint8(50))
}

func TestClosedSessionEndsLoop(t *testing.T) {
	h := newHarness(t, testConfig(), 0, replyOf(10), step{closed: true})
	err := h.run(t)
	require.ErrorIs(t, err, transport.ErrClosed)
	assert.Equal(t, []byte{10}, h.shown)
	assert.True(t, h.session.closed)
	assert.True(t, h.display.Closed())
}

func TestCancelEndsLoopCleanly(t *testing.T) {
	h := newHarness(t, testConfig(), 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, h.loop.Run(ctx))
	assert.True(t, h.session.closed)
	require.Len(t, h.session.controls, 1)
}

func TestPromptFileChangesAreSent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompt.txt")
	require.NoError(t, os.WriteFile(path, []byte("first\n"), 0o644))

	cfg := testConfig()
	cfg.Prompt = ""
	cfg.PromptFile = path
	cfg.PromptReload = 0

	h := newHarness(t, cfg, 3, replyOf(1), replyOf(2), replyOf(3))
	h.display.OnShow = func(img *image.RGBA) {
		h.shown = append(h.shown, img.Pix[0])
		if len(h.shown) == 1 {
			require.NoError(t, os.WriteFile(path, []byte("second"), 0o644))
		}
	}
	require.NoError(t, h.run(t))

	require.Len(t, h.session.controls, 2)
	assert.Equal(t, "first", h.session.controls[0].Prompt)
	assert.Equal(t, "second", h.session.controls[1].Prompt)
	assert.Equal(t, "low quality", h.session.controls[1].NegativePrompt)
}

func TestMissingPromptFileWithoutFallback(t *testing.T) {
	cfg := testConfig()
	cfg.Prompt = ""
	cfg.PromptFile = filepath.Join(t.TempDir(), "missing.txt")
	_, err := New(cfg, Deps{})
	require.Error(t, err)
}
