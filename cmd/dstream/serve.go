package main

import (
	"fmt"
	"log"
	"strings"

	"github.com/spf13/cobra"

	"dstream/internal/codec"
	"dstream/internal/compute"
	"dstream/internal/config"
	"dstream/internal/dispatch"
	"dstream/internal/metrics"
	"dstream/internal/preprocess"
	"dstream/internal/server"
	"dstream/internal/stats"
	"dstream/internal/stats/zmqsink"
)

var (
	serveCfg    = config.DefaultServer()
	serveWorker string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the transform peer",
	Long: `Serve accepts websocket sessions on /ws, applies prompt updates to the
compute backend and answers every frame with a transformed frame or an error.

Filters for --preprocess: ` + strings.Join(preprocess.Names(), ", ") + `.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	f := serveCmd.Flags()
	f.IntVar(&serveCfg.Port, "port", serveCfg.Port, "HTTP port")
	f.StringVar((*string)(&serveCfg.Encoding), "encoding", string(serveCfg.Encoding), "Frame encoding on the wire: raw or jpeg")
	f.IntVar(&serveCfg.Quality, "quality", serveCfg.Quality, "JPEG quality for replies (1-100)")
	f.IntVar(&serveCfg.InputSize, "input-size", serveCfg.InputSize, "Side of the square frames clients send")
	f.IntVar(&serveCfg.OutputSize, "output-size", serveCfg.OutputSize, "Side of the square frames sent back")
	f.StringVar(&serveCfg.Preprocess, "preprocess", serveCfg.Preprocess, "Comma separated preprocessing filters")
	f.StringVar(&serveCfg.Prompt, "prompt", serveCfg.Prompt, "Prompt used until a client sends one")
	f.StringVar(&serveCfg.NegativePrompt, "negative-prompt", serveCfg.NegativePrompt, "Initial negative prompt")
	f.IntVar(&serveCfg.Steps, "steps", serveCfg.Steps, "Inference steps")
	f.Float64Var(&serveCfg.GuidanceScale, "guidance-scale", serveCfg.GuidanceScale, "Guidance scale")
	f.StringVar(&serveCfg.Backend, "backend", serveCfg.Backend, "Compute backend: echo or worker")
	f.StringVar(&serveWorker, "worker", "", "Worker command line for the worker backend")
	f.IntVar(&serveCfg.StatsEvery, "stats-every", serveCfg.StatsEvery, "Log a timing breakdown every N frames")
	f.DurationVar(&serveCfg.StatsInterval, "stats-interval", serveCfg.StatsInterval, "Log a timing breakdown at least this often")
	f.StringVar(&serveCfg.StatsEndpoint, "stats-endpoint", serveCfg.StatsEndpoint, "ZeroMQ endpoint to publish timing reports on, e.g. tcp://*:5556")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg := &serveCfg
	if err := loadConfig(cmd, cfg); err != nil {
		return err
	}
	if serveWorker != "" {
		cfg.WorkerCommand = strings.Fields(serveWorker)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	ctx := cmd.Context()

	backend, closeBackend, err := openBackend(*cfg)
	if err != nil {
		return err
	}
	defer closeBackend()

	resource := compute.NewResource(backend, compute.Params{
		Prompt:         cfg.Prompt,
		NegativePrompt: cfg.NegativePrompt,
		Steps:          cfg.Steps,
		GuidanceScale:  cfg.GuidanceScale,
	})
	if err := resource.Prepare(ctx); err != nil {
		return err
	}

	in, err := codec.New(cfg.Encoding, cfg.InputSize, cfg.InputSize, cfg.Quality)
	if err != nil {
		return err
	}
	out, err := codec.New(cfg.Encoding, cfg.OutputSize, cfg.OutputSize, cfg.Quality)
	if err != nil {
		return err
	}

	sinks := []stats.Sink{stats.LogSink{}}
	if cfg.StatsEndpoint != "" {
		pub, err := zmqsink.NewPublisher(cfg.StatsEndpoint, zmqsink.DefaultTopic)
		if err != nil {
			return err
		}
		defer pub.Close()
		sinks = append(sinks, pub)
		log.Printf("publishing timing reports on %s", cfg.StatsEndpoint)
	}
	collector := stats.New(metrics.RoleServer, cfg.StatsEvery, cfg.StatsInterval, sinks...)

	pipeline := preprocess.Parse(cfg.Preprocess)
	d := dispatch.New(resource, dispatch.Options{
		Input:    in,
		Output:   out,
		Pipeline: pipeline,
		Stats:    collector,
	})

	log.Printf("serving %s frames %d -> %d, backend %s, preprocessing %s", cfg.Encoding, cfg.InputSize, cfg.OutputSize, cfg.Backend, pipeline)
	return server.New(*cfg, d, resource).Run(ctx)
}

func openBackend(cfg config.ServerConfig) (compute.Backend, func(), error) {
	switch cfg.Backend {
	case "echo":
		return compute.Echo{Width: cfg.OutputSize, Height: cfg.OutputSize}, func() {}, nil
	case "worker":
		w, err := compute.StartWorker(cfg.WorkerCommand[0], cfg.WorkerCommand[1:]...)
		if err != nil {
			return nil, nil, err
		}
		log.Printf("started compute worker %q", strings.Join(cfg.WorkerCommand, " "))
		return w, func() {
			if err := w.Close(); err != nil {
				log.Printf("compute worker exit: %v", err)
			}
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}
