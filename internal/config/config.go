package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"dstream/internal/codec"
	"dstream/internal/compute"
	"dstream/internal/control"
	"dstream/internal/preprocess"
	"dstream/internal/types"
)

var ErrInvalid = errors.New("invalid config")

const (
	DefaultInputSize  = 256
	DefaultOutputSize = 512
)

// ServerConfig configures the transform peer.
type ServerConfig struct {
	Port           int            `yaml:"port"`
	Encoding       types.Encoding `yaml:"encoding"`
	Quality        int            `yaml:"quality"`
	InputSize      int            `yaml:"input_size"`
	OutputSize     int            `yaml:"output_size"`
	Preprocess     string         `yaml:"preprocess"`
	Prompt         string         `yaml:"prompt"`
	NegativePrompt string         `yaml:"negative_prompt"`
	Steps          int            `yaml:"steps"`
	GuidanceScale  float64        `yaml:"guidance_scale"`
	Backend        string         `yaml:"backend"`
	WorkerCommand  []string       `yaml:"worker_command"`
	StatsEvery     int            `yaml:"stats_every"`
	StatsInterval  time.Duration  `yaml:"stats_interval"`
	StatsEndpoint  string         `yaml:"stats_endpoint"`
}

// ClientConfig configures the producer/consumer peer.
type ClientConfig struct {
	URL            string         `yaml:"url"`
	Prompt         string         `yaml:"prompt"`
	NegativePrompt string         `yaml:"negative_prompt"`
	PromptFile     string         `yaml:"prompt_file"`
	PromptReload   time.Duration  `yaml:"prompt_reload"`
	Encoding       types.Encoding `yaml:"encoding"`
	Quality        int            `yaml:"quality"`
	InputSize      int            `yaml:"input_size"`
	OutputSize     int            `yaml:"output_size"`
	TargetFPS      float64        `yaml:"target_fps"`
	Timeout        time.Duration  `yaml:"timeout"`
	Yield          time.Duration  `yaml:"yield"`
	Rotation       float64        `yaml:"rotation"`
	CaptureRotate  float64        `yaml:"capture_rotation"`
	CropSize       int            `yaml:"crop_size"`
	CropOffsetY    int            `yaml:"crop_offset_y"`
	Flip           bool           `yaml:"flip"`
	Fullscreen     bool           `yaml:"fullscreen"`
	Headless       bool           `yaml:"headless"`
	MaxFrames      int            `yaml:"max_frames"`
	ScreenWidth    int            `yaml:"screen_width"`
	ScreenHeight   int            `yaml:"screen_height"`
	Device         string         `yaml:"device"`
	Camera         int            `yaml:"camera"`
	SyntheticRate  float64        `yaml:"synthetic_rate"`
	RecordDir      string         `yaml:"record_dir"`
	StatsEvery     int            `yaml:"stats_every"`
	StatsInterval  time.Duration  `yaml:"stats_interval"`
	StatsEndpoint  string         `yaml:"stats_endpoint"`
	MetricsAddr    string         `yaml:"metrics_addr"`
}

func DefaultServer() ServerConfig {
	return ServerConfig{
		Port:           8765,
		Encoding:       types.EncodingJPEG,
		Quality:        codec.DefaultQuality,
		InputSize:      DefaultInputSize,
		OutputSize:     DefaultOutputSize,
		Prompt:         "a painting in the style of van gogh",
		NegativePrompt: control.DefaultNegativePrompt,
		Steps:          compute.DefaultSteps,
		GuidanceScale:  compute.DefaultGuidanceScale,
		Backend:        "echo",
		StatsEvery:     30,
		StatsInterval:  5 * time.Second,
	}
}

func DefaultClient() ClientConfig {
	return ClientConfig{
		URL:            "ws://localhost:8765/ws",
		Prompt:         "a painting in the style of van gogh",
		NegativePrompt: control.DefaultNegativePrompt,
		PromptReload:   2 * time.Second,
		Encoding:       types.EncodingJPEG,
		Quality:        codec.DefaultQuality,
		InputSize:      DefaultInputSize,
		OutputSize:     DefaultOutputSize,
		TargetFPS:      30,
		Timeout:        500 * time.Millisecond,
		Yield:          time.Millisecond,
		Flip:           true,
		ScreenWidth:    1280,
		ScreenHeight:   720,
		Device:         "synthetic",
		SyntheticRate:  30,
		StatsEvery:     30,
		StatsInterval:  5 * time.Second,
	}
}

func validEncoding(e types.Encoding) bool {
	return e == types.EncodingRaw || e == types.EncodingJPEG
}

func (c ServerConfig) Validate() error {
	var errs []error
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if !validEncoding(c.Encoding) {
		errs = append(errs, fmt.Errorf("unknown encoding %q", c.Encoding))
	}
	if c.Quality < codec.MinQuality || c.Quality > codec.MaxQuality {
		errs = append(errs, fmt.Errorf("quality %d outside %d-%d", c.Quality, codec.MinQuality, codec.MaxQuality))
	}
	if c.InputSize < 1 || c.OutputSize < 1 {
		errs = append(errs, fmt.Errorf("sizes must be positive (input %d, output %d)", c.InputSize, c.OutputSize))
	}
	for _, name := range preprocess.Parse(c.Preprocess).Names() {
		if !preprocess.Known(name) {
			errs = append(errs, fmt.Errorf("unknown preprocessing filter %q", name))
		}
	}
	if c.Prompt == "" {
		errs = append(errs, errors.New("prompt is empty"))
	}
	if c.Steps < 1 {
		errs = append(errs, fmt.Errorf("steps %d must be positive", c.Steps))
	}
	switch c.Backend {
	case "echo":
	case "worker":
		if len(c.WorkerCommand) == 0 {
			errs = append(errs, errors.New("worker backend needs worker_command"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q", c.Backend))
	}
	if c.StatsEvery < 1 {
		errs = append(errs, fmt.Errorf("stats_every %d must be positive", c.StatsEvery))
	}
	return wrap(errs)
}

func (c ClientConfig) Validate() error {
	var errs []error
	if c.URL == "" {
		errs = append(errs, errors.New("url is empty"))
	}
	if c.Prompt == "" && c.PromptFile == "" {
		errs = append(errs, errors.New("prompt or prompt_file is required"))
	}
	if !validEncoding(c.Encoding) {
		errs = append(errs, fmt.Errorf("unknown encoding %q", c.Encoding))
	}
	if c.Quality < codec.MinQuality || c.Quality > codec.MaxQuality {
		errs = append(errs, fmt.Errorf("quality %d outside %d-%d", c.Quality, codec.MinQuality, codec.MaxQuality))
	}
	if c.InputSize < 1 || c.OutputSize < 1 {
		errs = append(errs, fmt.Errorf("sizes must be positive (input %d, output %d)", c.InputSize, c.OutputSize))
	}
	if c.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("timeout %s must be positive", c.Timeout))
	}
	if c.Yield < 0 {
		errs = append(errs, fmt.Errorf("yield %s must not be negative", c.Yield))
	}
	if c.CropSize < 0 {
		errs = append(errs, fmt.Errorf("crop_size %d must not be negative", c.CropSize))
	}
	if c.MaxFrames < 0 {
		errs = append(errs, fmt.Errorf("max_frames %d must not be negative", c.MaxFrames))
	}
	if c.ScreenWidth < 1 || c.ScreenHeight < 1 {
		errs = append(errs, fmt.Errorf("screen %dx%d must be positive", c.ScreenWidth, c.ScreenHeight))
	}
	switch c.Device {
	case "synthetic", "camera":
	default:
		errs = append(errs, fmt.Errorf("unknown device %q", c.Device))
	}
	if c.StatsEvery < 1 {
		errs = append(errs, fmt.Errorf("stats_every %d must be positive", c.StatsEvery))
	}
	return wrap(errs)
}

func wrap(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

// Load decodes a YAML file over dst, so fields the file omits keep their
// current values. An empty path is a no-op.
func Load(path string, dst any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}
