// Package client runs the producer/consumer side: capture a frame, send it
// when the pacing governor admits it, wait a bounded time for the transformed
// reply and show it, falling back to the last good reply.
package client

import (
	"context"
	"fmt"
	"image"
	"log"
	"time"

	"golang.org/x/time/rate"

	"dstream/internal/codec"
	"dstream/internal/config"
	"dstream/internal/device"
	"dstream/internal/metrics"
	"dstream/internal/pacing"
	"dstream/internal/stats"
	"dstream/internal/types"
)

// Session is the transport the loop drives. *transport.Session implements it.
type Session interface {
	Receiver
	ID() string
	SendControl(msg types.ControlMessage) error
	SendFrame(payload []byte) error
	Close() error
}

// Recorder receives every reply payload that decoded successfully.
type Recorder interface {
	Record(payload []byte) error
}

type Deps struct {
	Capture  device.Capture
	Display  device.Display
	Session  Session
	Stats    *stats.Collector
	Recorder Recorder
}

type Loop struct {
	cfg      config.ClientConfig
	capture  device.Capture
	display  device.Display
	session  Session
	stats    *stats.Collector
	recorder Recorder

	input    codec.Codec
	output   codec.Codec
	governor *pacing.Governor
	waiter   Waiter
	lastGood LastGood
	prompt   *PromptFile
	control  types.ControlMessage
	toServer CaptureTransform
	toScreen DisplayTransform
	logs     *rate.Sometimes
}

// New takes ownership of the devices and the session in deps; Run releases
// them.
func New(cfg config.ClientConfig, deps Deps) (*Loop, error) {
	input, err := codec.New(cfg.Encoding, cfg.InputSize, cfg.InputSize, cfg.Quality)
	if err != nil {
		return nil, err
	}
	output, err := codec.New(cfg.Encoding, cfg.OutputSize, cfg.OutputSize, cfg.Quality)
	if err != nil {
		return nil, err
	}
	l := &Loop{
		cfg:      cfg,
		capture:  deps.Capture,
		display:  deps.Display,
		session:  deps.Session,
		stats:    deps.Stats,
		recorder: deps.Recorder,
		input:    input,
		output:   output,
		governor: pacing.New(cfg.TargetFPS),
		control:  types.ControlMessage{Prompt: cfg.Prompt, NegativePrompt: cfg.NegativePrompt},
		toServer: CaptureTransform{
			Size:     cfg.InputSize,
			CropSize: cfg.CropSize,
			OffsetY:  cfg.CropOffsetY,
			Rotation: cfg.CaptureRotate,
		},
		toScreen: DisplayTransform{
			Width:    cfg.ScreenWidth,
			Height:   cfg.ScreenHeight,
			Flip:     cfg.Flip,
			Rotation: cfg.Rotation,
		},
		logs: &rate.Sometimes{First: 5, Interval: 5 * time.Second},
	}
	if cfg.PromptFile != "" {
		l.prompt = &PromptFile{Path: cfg.PromptFile, Interval: cfg.PromptReload}
		if prompt, err := l.prompt.Load(); err == nil {
			l.control.Prompt = prompt
		} else if cfg.Prompt == "" {
			return nil, err
		} else {
			log.Printf("prompt file unreadable, using configured prompt: %v", err)
		}
	}
	return l, nil
}

// Run loops until ctx is done, the display asks to quit or the session
// closes. Devices and the session are closed on every return path.
func (l *Loop) Run(ctx context.Context) error {
	defer l.capture.Close()
	defer l.display.Close()
	defer l.session.Close()

	ticker := NewTicker(l.cfg.Yield)
	defer ticker.Stop()

	if err := l.session.SendControl(l.control); err != nil {
		return fmt.Errorf("send initial prompt: %w", err)
	}
	log.Printf("session %s: prompt %q", l.session.ID(), l.control.Prompt)

	for {
		if err := ticker.Wait(ctx); err != nil {
			return nil
		}
		if l.display.Quit() {
			log.Printf("quit requested")
			return nil
		}
		if err := l.reloadPrompt(time.Now()); err != nil {
			return err
		}
		if err := l.step(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (l *Loop) reloadPrompt(now time.Time) error {
	prompt, changed, err := l.prompt.Poll(now)
	if err != nil {
		l.logf("prompt reload: %v", err)
		return nil
	}
	if !changed {
		return nil
	}
	l.control.Prompt = prompt
	if err := l.session.SendControl(l.control); err != nil {
		return fmt.Errorf("send prompt: %w", err)
	}
	log.Printf("prompt changed to %q", prompt)
	return nil
}

// step runs one iteration. Only errors that end the session are returned.
func (l *Loop) step(ctx context.Context) error {
	start := time.Now()

	done := l.stats.Time("capture")
	frame, err := l.capture.Read(ctx)
	done()
	if err != nil {
		return fmt.Errorf("%w: %v", device.ErrCapture, err)
	}

	done = l.stats.Time("resize")
	square := l.toServer.Apply(frame)
	done()

	if !l.governor.TryAdmit(time.Now()) {
		metrics.RecordFrame(metrics.RoleClient, metrics.StatusDropped)
		return l.showLastGood()
	}

	done = l.stats.Time("encode")
	payload, err := codec.EncodeImage(l.input, square)
	done()
	if err != nil {
		l.logf("encode: %v", err)
		metrics.RecordFrame(metrics.RoleClient, metrics.StatusSkipped)
		return l.showLastGood()
	}

	done = l.stats.Time("send")
	err = l.session.SendFrame(payload)
	done()
	if err != nil {
		return err
	}

	done = l.stats.Time("wait")
	outcome := l.waiter.AwaitReply(ctx, l.session, l.cfg.Timeout)
	done()

	switch outcome.Kind {
	case OutcomeClosed:
		return outcome.Err
	case OutcomeExpired:
		metrics.RecordFrame(metrics.RoleClient, metrics.StatusExpired)
		l.logf("no reply within %s, showing last frame", l.cfg.Timeout)
		if err := l.showLastGood(); err != nil {
			return err
		}
	case OutcomeRemoteError:
		metrics.RecordFrame(metrics.RoleClient, metrics.StatusError)
		l.logf("server error: %s", outcome.Message)
		if err := l.showLastGood(); err != nil {
			return err
		}
	case OutcomeReply:
		if err := l.showReply(outcome.Payload); err != nil {
			return err
		}
	}

	l.stats.Observe("total", time.Since(start))
	l.stats.FrameDone(time.Now())
	return nil
}

func (l *Loop) showReply(payload []byte) error {
	done := l.stats.Time("decode")
	reply, err := l.output.Decode(payload)
	done()
	if err != nil {
		metrics.RecordFrame(metrics.RoleClient, metrics.StatusSkipped)
		l.logf("decode reply: %v", err)
		return l.showLastGood()
	}

	done = l.stats.Time("display")
	img := l.toScreen.Apply(reply.Image())
	err = l.display.Show(img)
	done()
	if err != nil {
		return err
	}
	l.lastGood.Set(img, time.Now())
	metrics.RecordFrame(metrics.RoleClient, metrics.StatusOK)

	if l.recorder != nil {
		if err := l.recorder.Record(payload); err != nil {
			l.logf("record reply: %v", err)
		}
	}
	return nil
}

func (l *Loop) showLastGood() error {
	img, _, ok := l.lastGood.Get()
	if !ok {
		return nil
	}
	return l.display.Show(img)
}

// LastGood returns the most recently shown reply.
func (l *Loop) LastGood() (*image.RGBA, bool) {
	img, _, ok := l.lastGood.Get()
	return img, ok
}

func (l *Loop) logf(format string, args ...any) {
	l.logs.Do(func() { log.Printf(format, args...) })
}
