package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	iface "PeopleDetServer/interface"

	"gopkg.in/yaml.v3"
)

const (
	DefaultFile        = "config.yaml"
	DefaultHTTPPort    = 7860
	DefaultMaxUploadMB = 16
)

type RenderConfig struct {
	Color       string `yaml:"color"`
	LineWidth   int    `yaml:"lineWidth"`
	LineMode    string `yaml:"lineWidthMode"`
	LabelOffset int    `yaml:"labelOffset"`
}

type Config struct {
	HTTPPort      int                `yaml:"httpPort"`
	RPCPort       int                `yaml:"RPCPort"`
	ReleaseMode   bool               `yaml:"releaseMode"`
	MaxUploadMB   int                `yaml:"maxUploadMB"`
	WSIdleTimeout time.Duration      `yaml:"wsIdleTimeout"`
	FrameSize     int                `yaml:"frameSize"`
	LogMode       string             `yaml:"logMode"`
	SentryDSN     string             `yaml:"sentryDSN"`
	UseRegServer  bool               `yaml:"UseRegServer"`
	RegServerHost string             `yaml:"RegServerHost"`
	RegServerPort int                `yaml:"RegServerPort"`
	Engine        iface.EngineConfig `yaml:"engine"`
	Render        RenderConfig       `yaml:"render"`

	// Warnings collects non fatal remarks made while loading.
	Warnings []string `yaml:"-"`
}

func Default() *Config {
	return &Config{
		HTTPPort:      DefaultHTTPPort,
		MaxUploadMB:   DefaultMaxUploadMB,
		WSIdleTimeout: 30 * time.Second,
		FrameSize:     640,
		LogMode:       "production",
		Engine: iface.EngineConfig{
			Backend:   "opencv",
			ModelPath: "best.onnx",
			Conf:      0.3,
			Iou:       0.45,
			InputSize: 640,
			Workers:   1,
		},
		Render: RenderConfig{
			Color:       "#00fff7",
			LineWidth:   3,
			LineMode:    "fixed",
			LabelOffset: 15,
		},
	}
}

// Load reads path over the defaults and applies environment overrides. A
// missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"MODEL_PATH":        &c.Engine.ModelPath,
		"INFERENCE_BACKEND": &c.Engine.Backend,
		"REMOTE_URL":        &c.Engine.RemoteURL,
		"ONNX_LIB_PATH":     &c.Engine.OnnxLibPath,
		"LOG_MODE":          &c.LogMode,
		"SENTRY_DSN":        &c.SentryDSN,
	}
	for key, dst := range str {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	ints := map[string]*int{
		"PORT":     &c.HTTPPort,
		"RPC_PORT": &c.RPCPort,
		"WORKERS":  &c.Engine.Workers,
	}
	for key, dst := range ints {
		v, ok := lookup(key)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, v, err)
		}
		*dst = n
	}
	return nil
}

func (c *Config) validate() error {
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid http port %d", c.HTTPPort)
	}
	if c.RPCPort < 0 || c.RPCPort > 65535 {
		return fmt.Errorf("invalid rpc port %d", c.RPCPort)
	}
	if c.MaxUploadMB <= 0 {
		c.MaxUploadMB = DefaultMaxUploadMB
	}
	if c.FrameSize <= 0 {
		c.FrameSize = 640
	}
	if c.Engine.Conf <= 0 || c.Engine.Conf > 1 {
		return fmt.Errorf("confidence must be in (0, 1], got %v", c.Engine.Conf)
	}
	if c.Engine.Iou <= 0 || c.Engine.Iou > 1 {
		return fmt.Errorf("IoU must be in (0, 1], got %v", c.Engine.Iou)
	}
	c.Engine.Backend = strings.ToLower(strings.TrimSpace(c.Engine.Backend))
	switch c.Engine.Backend {
	case "opencv", "onnx", "remote":
	default:
		return fmt.Errorf("unsupported backend %q", c.Engine.Backend)
	}
	switch c.Render.LineMode {
	case "fixed", "confidence":
	default:
		return fmt.Errorf("invalid lineWidthMode %q", c.Render.LineMode)
	}
	if c.Engine.Workers <= 0 {
		c.Engine.Workers = 1
		c.Warnings = append(c.Warnings, "Invalid workers in config, defaulting to 1")
	} else if n := runtime.NumCPU(); c.Engine.Workers > n {
		c.Warnings = append(c.Warnings, fmt.Sprintf("workers (%d) exceeds CPU cores (%d), which may lead to performance degradation", c.Engine.Workers, n))
	}
	if c.UseRegServer && c.RegServerHost == "" {
		return fmt.Errorf("UseRegServer needs RegServerHost")
	}
	return nil
}

func (c *Config) MaxUploadBytes() int64 {
	return int64(c.MaxUploadMB) << 20
}
