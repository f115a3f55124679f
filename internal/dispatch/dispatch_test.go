package dispatch

import (
	"context"
	"errors"
	"image"
	"image/color"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dstream/internal/codec"
	"dstream/internal/compute"
	"dstream/internal/control"
	"dstream/internal/preprocess"
	"dstream/internal/transport"
	"dstream/internal/types"
)

const (
	inSize  = 8
	outSize = 16
)

type reply struct {
	frame []byte
	err   string
}

type fakeConn struct {
	id    string
	inbox chan transport.Message

	mu      sync.Mutex
	replies []reply
}

func newFakeConn(id string, msgs ...transport.Message) *fakeConn {
	c := &fakeConn{id: id, inbox: make(chan transport.Message, len(msgs))}
	for _, m := range msgs {
		c.inbox <- m
	}
	close(c.inbox)
	return c
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Receive(ctx context.Context, _ time.Duration) (transport.Message, error) {
	select {
	case m, ok := <-c.inbox:
		if !ok {
			return transport.Message{}, transport.ErrClosed
		}
		return m, nil
	case <-ctx.Done():
		return transport.Message{}, ctx.Err()
	}
}

func (c *fakeConn) SendFrame(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replies = append(c.replies, reply{frame: payload})
	return nil
}

func (c *fakeConn) SendError(message string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replies = append(c.replies, reply{err: message})
	return nil
}

func (c *fakeConn) got() []reply {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]reply(nil), c.replies...)
}

// recordingBackend returns a flat image in the output size and records the
// prompt of each call. It fails when the call number is in failOn.
type recordingBackend struct {
	mu      sync.Mutex
	prompts []string
	failOn  map[int]bool
	size    int
	delay   time.Duration

	active    atomic.Int32
	overlaps  atomic.Int32
	callCount atomic.Int32
}

func (b *recordingBackend) Compute(_ context.Context, _ *image.RGBA, params compute.Params) (*image.RGBA, error) {
	if b.active.Add(1) > 1 {
		b.overlaps.Add(1)
	}
	defer b.active.Add(-1)
	n := int(b.callCount.Add(1))
	if b.delay > 0 {
		time.Sleep(b.delay)
	}
	b.mu.Lock()
	b.prompts = append(b.prompts, params.Prompt)
	b.mu.Unlock()
	if b.failOn[n] {
		return nil, errors.New("out of memory")
	}
	out := image.NewRGBA(image.Rect(0, 0, b.size, b.size))
	for i := range out.Pix {
		out.Pix[i] = 200
	}
	return out, nil
}

func (b *recordingBackend) seen() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.prompts...)
}

func newDispatcher(t *testing.T, backend compute.Backend) *Dispatcher {
	t.Helper()
	in, err := codec.NewRaw(inSize, inSize)
	require.NoError(t, err)
	out, err := codec.NewRaw(outSize, outSize)
	require.NoError(t, err)
	resource := compute.NewResource(backend, compute.Params{Prompt: "initial", NegativePrompt: "low quality", Steps: 1})
	return New(resource, Options{Input: in, Output: out, Pipeline: preprocess.Parse("gray")})
}

func frameMsg(t *testing.T) transport.Message {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, inSize, inSize))
	for y := 0; y < inSize; y++ {
		for x := 0; x < inSize; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 30), G: uint8(y * 30), B: 10, A: 255})
		}
	}
	c, err := codec.NewRaw(inSize, inSize)
	require.NoError(t, err)
	payload, err := codec.EncodeImage(c, img)
	require.NoError(t, err)
	return transport.Message{Kind: transport.KindFrame, Payload: payload}
}

func controlMsg(prompt string) transport.Message {
	return transport.Message{Kind: transport.KindControl, Control: control.Update{Prompt: prompt}}
}

func TestControlAppliesToFollowingFrames(t *testing.T) {
	backend := &recordingBackend{size: outSize}
	d := newDispatcher(t, backend)
	conn := newFakeConn("a",
		controlMsg("A"),
		frameMsg(t),
		controlMsg("B"),
		frameMsg(t),
	)

	require.NoError(t, d.Serve(context.Background(), conn))

	assert.Equal(t, []string{"A", "B"}, backend.seen())
	replies := conn.got()
	require.Len(t, replies, 2)
	for _, r := range replies {
		assert.Empty(t, r.err)
		assert.Len(t, r.frame, outSize*outSize*types.Channels)
	}
	assert.Equal(t, Counters{Frames: 2, Control: 2}, d.Counters())
}

func TestMalformedControlIsIgnored(t *testing.T) {
	backend := &recordingBackend{size: outSize}
	d := newDispatcher(t, backend)
	conn := newFakeConn("a",
		transport.Message{Kind: transport.KindControl, ControlErr: control.ErrMalformed},
		frameMsg(t),
	)

	require.NoError(t, d.Serve(context.Background(), conn))
	assert.Equal(t, []string{"initial"}, backend.seen())
	require.Len(t, conn.got(), 1)
	assert.Empty(t, conn.got()[0].err)
}

func TestFailingFrameDoesNotAffectNext(t *testing.T) {
	backend := &recordingBackend{size: outSize, failOn: map[int]bool{2: true}}
	d := newDispatcher(t, backend)
	conn := newFakeConn("a", frameMsg(t), frameMsg(t), frameMsg(t))

	require.NoError(t, d.Serve(context.Background(), conn))

	replies := conn.got()
	require.Len(t, replies, 3)
	assert.NotEmpty(t, replies[0].frame)
	assert.Contains(t, replies[1].err, "out of memory")
	assert.Nil(t, replies[1].frame)
	assert.NotEmpty(t, replies[2].frame)
	assert.Equal(t, uint64(1), d.Counters().Errors)
}

func TestDecodeErrorBecomesErrorReply(t *testing.T) {
	backend := &recordingBackend{size: outSize}
	d := newDispatcher(t, backend)
	conn := newFakeConn("a",
		transport.Message{Kind: transport.KindFrame, Payload: []byte{1, 2, 3}},
		frameMsg(t),
	)

	require.NoError(t, d.Serve(context.Background(), conn))

	replies := conn.got()
	require.Len(t, replies, 2)
	assert.NotEmpty(t, replies[0].err)
	assert.NotEmpty(t, replies[1].frame)
	assert.Len(t, backend.seen(), 1)
}

func TestOutputShapeMismatchBecomesErrorReply(t *testing.T) {
	backend := &recordingBackend{size: outSize + 1}
	d := newDispatcher(t, backend)
	conn := newFakeConn("a", frameMsg(t))

	require.NoError(t, d.Serve(context.Background(), conn))

	replies := conn.got()
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0].err, "compute output 17x17")
}

func TestComputeIsExclusiveAcrossConnections(t *testing.T) {
	backend := &recordingBackend{size: outSize, delay: 2 * time.Millisecond}
	d := newDispatcher(t, backend)

	const conns, frames = 4, 5
	var wg sync.WaitGroup
	all := make([]*fakeConn, conns)
	for i := range all {
		msgs := []transport.Message{controlMsg("p")}
		for j := 0; j < frames; j++ {
			msgs = append(msgs, frameMsg(t))
		}
		all[i] = newFakeConn(string(rune('a'+i)), msgs...)
	}
	for _, c := range all {
		wg.Add(1)
		go func(c *fakeConn) {
			defer wg.Done()
			assert.NoError(t, d.Serve(context.Background(), c))
		}(c)
	}
	wg.Wait()

	assert.Zero(t, backend.overlaps.Load())
	assert.Equal(t, int32(conns*frames), backend.callCount.Load())
	for _, c := range all {
		assert.Len(t, c.got(), frames)
	}
}

func TestServeStopsOnContext(t *testing.T) {
	d := newDispatcher(t, &recordingBackend{size: outSize})
	conn := &fakeConn{id: "idle", inbox: make(chan transport.Message)}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, d.Serve(ctx, conn), context.Canceled)
}
