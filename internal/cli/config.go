package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/livetask/internal/controller"
)

// Config represents the complete system configuration structure
// Maps config file fields through YAML tags
type Config struct {
	Executor struct {
		ShutdownGrace time.Duration `yaml:"shutdown_grace"`
	} `yaml:"executor"`

	Queue struct {
		Capacity    int           `yaml:"capacity"`
		PollTimeout time.Duration `yaml:"poll_timeout"`
		StopTimeout time.Duration `yaml:"stop_timeout"`
	} `yaml:"queue"`

	Fanout struct {
		PollInterval  time.Duration `yaml:"poll_interval"`
		QueryTimeout  time.Duration `yaml:"query_timeout"`
		StreamTimeout time.Duration `yaml:"stream_timeout"`
		RecordSource  string        `yaml:"record_source"` // tracker | redis
	} `yaml:"fanout"`

	Redis struct {
		Addr   string `yaml:"addr"`
		Prefix string `yaml:"prefix"`
	} `yaml:"redis"`

	Tracker struct {
		MaxRetained  int `yaml:"max_retained"`
		PerPrincipal int `yaml:"per_principal"`
	} `yaml:"tracker"`

	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`

	GRPC struct {
		Port int `yaml:"port"`
	} `yaml:"grpc"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		SampleRatio float64 `yaml:"sample_ratio"` // 0 < ratio <= 1
		Pretty      bool    `yaml:"pretty"`
	} `yaml:"tracing"`

	Log struct {
		Level         string        `yaml:"level"`  // debug | info | warn | error
		Format        string        `yaml:"format"` // text | json
		StatsInterval time.Duration `yaml:"stats_interval"`
	} `yaml:"log"`
}

// Default returns the configuration used for every field a config file
// leaves unset.
func Default() Config {
	var cfg Config
	cfg.Executor.ShutdownGrace = 30 * time.Second
	cfg.Queue.PollTimeout = 500 * time.Millisecond
	cfg.Queue.StopTimeout = 10 * time.Second
	cfg.Fanout.PollInterval = 3 * time.Minute
	cfg.Fanout.QueryTimeout = 30 * time.Second
	cfg.Fanout.RecordSource = controller.SourceTracker
	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.Prefix = "livetask"
	cfg.Tracker.MaxRetained = 10000
	cfg.Tracker.PerPrincipal = 256
	cfg.HTTP.Addr = ":8080"
	cfg.GRPC.Port = 50051
	cfg.Metrics.Port = 9090
	cfg.Tracing.SampleRatio = 1
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	cfg.Log.StatsInterval = time.Minute
	return cfg
}

// loadConfig reads path and fills unset fields from Default. An empty path
// yields the defaults.
func loadConfig(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := mergo.Merge(&cfg, Default()); err != nil {
		return nil, fmt.Errorf("failed to apply config defaults: %w", err)
	}
	return &cfg, nil
}

// controllerConfig maps the file configuration onto controller.Config.
func (c *Config) controllerConfig() controller.Config {
	return controller.Config{
		ShutdownGrace:    c.Executor.ShutdownGrace,
		QueueCapacity:    c.Queue.Capacity,
		QueuePollTimeout: c.Queue.PollTimeout,
		QueueStopTimeout: c.Queue.StopTimeout,
		PollInterval:     c.Fanout.PollInterval,
		QueryTimeout:     c.Fanout.QueryTimeout,
		MaxRetained:      c.Tracker.MaxRetained,
		PerPrincipal:     c.Tracker.PerPrincipal,
		RecordSource:     c.Fanout.RecordSource,
		RedisAddr:        c.Redis.Addr,
		RedisPrefix:      c.Redis.Prefix,
		StatsInterval:    c.Log.StatsInterval,
	}
}

// newLogger builds the process logger from the log section.
func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}
