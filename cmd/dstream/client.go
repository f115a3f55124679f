package main

import (
	"fmt"
	"log"
	"net"

	"github.com/spf13/cobra"

	"dstream/internal/client"
	"dstream/internal/config"
	"dstream/internal/device"
	"dstream/internal/metrics"
	"dstream/internal/output"
	"dstream/internal/simulator"
	"dstream/internal/stats"
	"dstream/internal/stats/zmqsink"
	"dstream/internal/transport"
)

var clientCfg = config.DefaultClient()

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Capture frames, send them to a server and display the replies",
	Long: `Client captures frames from a camera (or a synthetic source), sends them to
the server at most --target-fps times per second and shows each reply. When a
reply takes longer than --timeout the previous reply stays on screen.

Press q in the window or Ctrl-C to quit.`,
	Args: cobra.NoArgs,
	RunE: runClient,
}

func init() {
	c := &clientCfg
	f := clientCmd.Flags()
	f.StringVar(&c.URL, "url", c.URL, "Server websocket URL")
	f.StringVar(&c.Prompt, "prompt", c.Prompt, "Prompt sent on connect")
	f.StringVar(&c.NegativePrompt, "negative-prompt", c.NegativePrompt, "Negative prompt")
	f.StringVar(&c.PromptFile, "prompt-file", c.PromptFile, "Read the prompt from this file and resend it when it changes")
	f.DurationVar(&c.PromptReload, "prompt-reload", c.PromptReload, "How often to re-read --prompt-file")
	f.StringVar((*string)(&c.Encoding), "encoding", string(c.Encoding), "Frame encoding on the wire: raw or jpeg")
	f.IntVar(&c.Quality, "quality", c.Quality, "JPEG quality (1-100)")
	f.IntVar(&c.InputSize, "input-size", c.InputSize, "Side of the square frames sent to the server")
	f.IntVar(&c.OutputSize, "output-size", c.OutputSize, "Side of the square frames the server replies with")
	f.Float64Var(&c.TargetFPS, "target-fps", c.TargetFPS, "Maximum frames sent per second (0 disables pacing)")
	f.DurationVar(&c.Timeout, "timeout", c.Timeout, "How long to wait for a reply before showing the previous one")
	f.DurationVar(&c.Yield, "yield", c.Yield, "Pause between loop iterations")
	f.Float64Var(&c.Rotation, "rotation", c.Rotation, "Rotate the displayed frame, degrees counter-clockwise")
	f.Float64Var(&c.CaptureRotate, "capture-rotation", c.CaptureRotate, "Rotate the captured frame before cropping")
	f.IntVar(&c.CropSize, "crop-size", c.CropSize, "Crop a fixed square of this size instead of the largest centred square")
	f.IntVar(&c.CropOffsetY, "crop-offset-y", c.CropOffsetY, "Vertical offset of the --crop-size square")
	f.BoolVar(&c.Flip, "flip", c.Flip, "Mirror the displayed frame horizontally (--flip=false to disable)")
	f.BoolVar(&c.Fullscreen, "fullscreen", c.Fullscreen, "Fullscreen window")
	f.IntVar(&c.ScreenWidth, "screen-width", c.ScreenWidth, "Display width")
	f.IntVar(&c.ScreenHeight, "screen-height", c.ScreenHeight, "Display height")
	f.StringVar(&c.Device, "device", c.Device, "Capture device: camera or synthetic")
	f.IntVar(&c.Camera, "camera", c.Camera, "Camera index")
	f.Float64Var(&c.SyntheticRate, "synthetic-rate", c.SyntheticRate, "Frame rate of the synthetic device")
	f.BoolVar(&c.Headless, "headless", c.Headless, "Do not open a window")
	f.IntVar(&c.MaxFrames, "max-frames", c.MaxFrames, "Stop after this many new replies when headless (0 runs forever)")
	f.StringVar(&c.RecordDir, "record-dir", c.RecordDir, "Record reply frames into a frame log in this directory")
	f.IntVar(&c.StatsEvery, "stats-every", c.StatsEvery, "Log a timing breakdown every N frames")
	f.DurationVar(&c.StatsInterval, "stats-interval", c.StatsInterval, "Log a timing breakdown at least this often")
	f.StringVar(&c.StatsEndpoint, "stats-endpoint", c.StatsEndpoint, "ZeroMQ endpoint to publish timing reports on")
	f.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "Serve Prometheus metrics on this address, e.g. :9101")
	rootCmd.AddCommand(clientCmd)
}

func runClient(cmd *cobra.Command, _ []string) error {
	cfg := &clientCfg
	if err := loadConfig(cmd, cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	ctx := cmd.Context()

	if cfg.MetricsAddr != "" {
		ln, err := net.Listen("tcp", cfg.MetricsAddr)
		if err != nil {
			return fmt.Errorf("metrics listener: %w", err)
		}
		go func() {
			if err := metrics.Serve(ctx, ln); err != nil {
				log.Printf("metrics server: %v", err)
			}
		}()
	}

	capture, err := openCapture(*cfg)
	if err != nil {
		return err
	}
	display, err := openDisplay(*cfg)
	if err != nil {
		_ = capture.Close()
		return err
	}

	log.Printf("connecting to %s", cfg.URL)
	sess, err := transport.Dial(ctx, cfg.URL, transport.Options{Role: transport.RoleProducer})
	if err != nil {
		_ = capture.Close()
		_ = display.Close()
		return err
	}
	log.Printf("session %s connected", sess.ID())

	sinks := []stats.Sink{stats.LogSink{}}
	if cfg.StatsEndpoint != "" {
		pub, err := zmqsink.NewPublisher(cfg.StatsEndpoint, zmqsink.DefaultTopic)
		if err != nil {
			log.Printf("stats publisher disabled: %v", err)
		} else {
			defer pub.Close()
			sinks = append(sinks, pub)
		}
	}

	deps := client.Deps{
		Capture: capture,
		Display: display,
		Session: sess,
		Stats:   stats.New(metrics.RoleClient, cfg.StatsEvery, cfg.StatsInterval, sinks...),
	}
	if cfg.RecordDir != "" {
		rec, err := output.NewRecorder(cfg.RecordDir, "replies", output.Header{
			Encoding: cfg.Encoding,
			Width:    cfg.OutputSize,
			Height:   cfg.OutputSize,
		})
		if err != nil {
			log.Printf("recording disabled: %v", err)
		} else {
			defer func() {
				if err := rec.Close(); err != nil {
					log.Printf("frame log close failed: %v", err)
				}
				log.Printf("recorded %d frames to %s", rec.Count(), rec.Path())
			}()
			deps.Recorder = rec
		}
	}

	loop, err := client.New(*cfg, deps)
	if err != nil {
		_ = capture.Close()
		_ = display.Close()
		_ = sess.Close()
		return err
	}
	return loop.Run(ctx)
}

func openCapture(cfg config.ClientConfig) (device.Capture, error) {
	if cfg.Device == "camera" {
		return device.OpenCamera(cfg.Camera)
	}
	// Synthetic frames have the aspect of a typical webcam.
	return simulator.New(640, 480, cfg.SyntheticRate), nil
}

func openDisplay(cfg config.ClientConfig) (device.Display, error) {
	if cfg.Headless {
		return &device.Headless{MaxFrames: cfg.MaxFrames}, nil
	}
	return device.OpenWindow("dstream", cfg.Fullscreen)
}

