package compute

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"dstream/internal/types"
)

const maxWorkerReply = 64 << 20

// workerRequest is one length-prefixed CBOR message written to the worker's stdin.
type workerRequest struct {
	Op     string `cbor:"op"`
	Params Params `cbor:"params"`
	Width  int    `cbor:"width,omitempty"`
	Height int    `cbor:"height,omitempty"`
	Pixels []byte `cbor:"pixels,omitempty"`
}

type workerReply struct {
	Error  string          `cbor:"error,omitempty"`
	Width  int             `cbor:"width"`
	Height int             `cbor:"height"`
	Pixels cbor.RawMessage `cbor:"pixels"`
}

// Worker drives an external model process (for example a diffusion runtime)
// over its stdin/stdout. Frames travel as packed RGB.
//
// Protocol: [uint32 big-endian length][CBOR body] in both directions.
type Worker struct {
	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func StartWorker(name string, args ...string) (*Worker, error) {
	cmd := exec.Command(name, args...)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("compute worker %q failed to start: %w", name, err)
	}
	return &Worker{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

func newWorkerFromPipes(stdin io.WriteCloser, stdout io.ReadCloser) *Worker {
	return &Worker{stdin: stdin, stdout: stdout}
}

func (w *Worker) Prepare(_ context.Context, params Params) error {
	_, err := w.roundTrip(workerRequest{Op: "prepare", Params: params})
	return err
}

func (w *Worker) Compute(_ context.Context, img *image.RGBA, params Params) (*image.RGBA, error) {
	frame := types.FrameFromImage(img)
	reply, err := w.roundTrip(workerRequest{
		Op:     "compute",
		Params: params,
		Width:  frame.Width,
		Height: frame.Height,
		Pixels: frame.Pix,
	})
	if err != nil {
		return nil, err
	}
	pixels, dims, err := decodePixels(reply.Pixels)
	if err != nil {
		return nil, err
	}
	out := types.Frame{Width: reply.Width, Height: reply.Height, Pix: pixels}
	if len(dims) == 3 && out.Width == 0 && out.Height == 0 {
		if dims[2] != types.Channels {
			return nil, fmt.Errorf("worker returned %d channels, want %d", dims[2], types.Channels)
		}
		out.Height, out.Width = dims[0], dims[1]
	}
	if !out.Valid() {
		return nil, fmt.Errorf("worker returned %d bytes for %dx%d", len(pixels), out.Width, out.Height)
	}
	return out.Image(), nil
}

func (w *Worker) roundTrip(req workerRequest) (workerReply, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	body, err := cbor.Marshal(req)
	if err != nil {
		return workerReply{}, err
	}
	if err := binary.Write(w.stdin, binary.BigEndian, uint32(len(body))); err != nil {
		return workerReply{}, fmt.Errorf("write to worker: %w", err)
	}
	if _, err := w.stdin.Write(body); err != nil {
		return workerReply{}, fmt.Errorf("write to worker: %w", err)
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.stdout, header); err != nil {
		return workerReply{}, fmt.Errorf("read from worker: %w", err)
	}
	size := binary.BigEndian.Uint32(header)
	if size > maxWorkerReply {
		return workerReply{}, fmt.Errorf("worker reply of %d bytes exceeds limit", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(w.stdout, payload); err != nil {
		return workerReply{}, fmt.Errorf("read from worker: %w", err)
	}

	var reply workerReply
	if err := cbor.Unmarshal(payload, &reply); err != nil {
		return workerReply{}, fmt.Errorf("decode worker reply: %w", err)
	}
	if reply.Error != "" {
		return workerReply{}, errors.New(reply.Error)
	}
	return reply, nil
}

func (w *Worker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.stdin.Close()
	_ = w.stdout.Close()
	if w.cmd != nil {
		return w.cmd.Wait()
	}
	return nil
}
