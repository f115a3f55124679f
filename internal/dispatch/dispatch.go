// Package dispatch runs the transform side of a session: control messages
// reconfigure the shared compute resource, frames are decoded, preprocessed,
// transformed and sent back.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"dstream/internal/codec"
	"dstream/internal/compute"
	"dstream/internal/metrics"
	"dstream/internal/preprocess"
	"dstream/internal/stats"
	"dstream/internal/transport"
)

// Conn is the part of a transport session the dispatcher needs.
type Conn interface {
	ID() string
	Receive(ctx context.Context, timeout time.Duration) (transport.Message, error)
	SendFrame(payload []byte) error
	SendError(message string) error
}

type Options struct {
	// Input decodes request frames; Output encodes replies.
	Input    codec.Codec
	Output   codec.Codec
	Pipeline preprocess.Pipeline
	Stats    *stats.Collector
}

type Counters struct {
	Frames  uint64 `json:"frames"`
	Errors  uint64 `json:"errors"`
	Control uint64 `json:"control"`
}

// Dispatcher is shared by all connections of a server. Concurrent Serve
// calls contend only on the compute resource.
type Dispatcher struct {
	resource *compute.Resource
	input    codec.Codec
	output   codec.Codec
	pipeline preprocess.Pipeline
	stats    *stats.Collector
	logs     *rate.Sometimes

	frames  atomic.Uint64
	errors  atomic.Uint64
	control atomic.Uint64
}

func New(resource *compute.Resource, opts Options) *Dispatcher {
	return &Dispatcher{
		resource: resource,
		input:    opts.Input,
		output:   opts.Output,
		pipeline: opts.Pipeline,
		stats:    opts.Stats,
		logs:     &rate.Sometimes{First: 5, Interval: 5 * time.Second},
	}
}

func (d *Dispatcher) Counters() Counters {
	return Counters{
		Frames:  d.frames.Load(),
		Errors:  d.errors.Load(),
		Control: d.control.Load(),
	}
}

// Serve handles messages from conn until it closes or ctx is done. A closed
// connection is a normal end and returns nil.
func (d *Dispatcher) Serve(ctx context.Context, conn Conn) error {
	for {
		msg, err := conn.Receive(ctx, 0)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) {
				return nil
			}
			return err
		}

		switch msg.Kind {
		case transport.KindControl:
			d.handleControl(ctx, conn, msg)
		case transport.KindFrame:
			if err := d.handleFrame(ctx, conn, msg.Payload); err != nil {
				if errors.Is(err, transport.ErrClosed) {
					return nil
				}
				return err
			}
		case transport.KindError:
			d.logf("session %s sent error: %s", conn.ID(), msg.RemoteError)
		}
	}
}

func (d *Dispatcher) handleControl(ctx context.Context, conn Conn, msg transport.Message) {
	if msg.ControlErr != nil {
		metrics.RecordControlUpdate(metrics.StatusError)
		d.logf("session %s: ignoring control message: %v", conn.ID(), msg.ControlErr)
		return
	}
	params, err := d.resource.Configure(ctx, msg.Control)
	if err != nil {
		metrics.RecordControlUpdate(metrics.StatusError)
		log.Printf("session %s: configure failed, keeping prompt %q: %v", conn.ID(), params.Prompt, err)
		return
	}
	d.control.Add(1)
	metrics.RecordControlUpdate(metrics.StatusOK)
	log.Printf("session %s: prompt %q negative %q", conn.ID(), params.Prompt, params.NegativePrompt)
}

// handleFrame answers one frame with either a frame or an error reply. Only
// a failed send or a cancelled context is returned.
func (d *Dispatcher) handleFrame(ctx context.Context, conn Conn, payload []byte) error {
	start := time.Now()
	reply, err := d.transform(ctx, payload)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d.errors.Add(1)
		metrics.RecordFrame(metrics.RoleServer, metrics.StatusError)
		d.logf("session %s: frame failed: %v", conn.ID(), err)
		return conn.SendError(err.Error())
	}

	sent := d.stats.Time("send")
	err = conn.SendFrame(reply)
	sent()
	if err != nil {
		return err
	}
	d.frames.Add(1)
	metrics.RecordFrame(metrics.RoleServer, metrics.StatusOK)
	d.stats.Observe("total", time.Since(start))
	d.stats.FrameDone(time.Now())
	return nil
}

func (d *Dispatcher) transform(ctx context.Context, payload []byte) ([]byte, error) {
	done := d.stats.Time("decode")
	frame, err := d.input.Decode(payload)
	done()
	if err != nil {
		return nil, err
	}

	done = d.stats.Time("preprocess")
	img, err := d.preprocess(frame.Image())
	done()
	if err != nil {
		return nil, err
	}

	done = d.stats.Time("compute")
	out, _, err := d.resource.Run(ctx, img)
	done()
	if err != nil {
		return nil, err
	}

	done = d.stats.Time("encode")
	data, err := codec.EncodeImage(d.output, out)
	done()
	if err != nil {
		return nil, fmt.Errorf("compute output %dx%d: %w", out.Bounds().Dx(), out.Bounds().Dy(), err)
	}
	return data, nil
}

func (d *Dispatcher) preprocess(img *image.RGBA) (out *image.RGBA, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			out = nil
			err = fmt.Errorf("%w: preprocess %s panicked: %v", compute.ErrCompute, d.pipeline, rec)
		}
	}()
	return d.pipeline.Apply(img), nil
}

func (d *Dispatcher) logf(format string, args ...any) {
	d.logs.Do(func() { log.Printf(format, args...) })
}
