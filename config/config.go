package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default engine sizing. Channel count is fixed for the lifetime of the
// engine; the worker pool may be resized at runtime.
const (
	DefaultMaxChannels  = 32
	DefaultWorkers      = 3
	DefaultPollInterval = time.Millisecond
)

// Duration wraps time.Duration to support YAML unmarshalling from strings.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration strings like "5s" or "1ms".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return fmt.Errorf("duration value node is nil")
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	if raw == "" {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = dur
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// DriverConfig selects a channel I/O driver and carries its free-form
// settings node. Drivers decode the settings themselves.
type DriverConfig struct {
	Driver   string     `yaml:"driver"`
	Settings *yaml.Node `yaml:"settings,omitempty"`
}

// LokiConfig describes an optional Grafana Loki log sink.
type LokiConfig struct {
	Enabled bool              `yaml:"enabled"`
	URL     string            `yaml:"url,omitempty"`
	Labels  map[string]string `yaml:"labels,omitempty"`
}

// LoggingConfig controls log level, output format and shipping.
type LoggingConfig struct {
	Level  string     `yaml:"level,omitempty"`
	Format string     `yaml:"format,omitempty"`
	Loki   LokiConfig `yaml:"loki,omitempty"`
}

// TelemetryConfig selects the metrics collector implementation.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Provider string `yaml:"provider,omitempty"`
}

// StatusConfig controls the optional status HTTP server.
type StatusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen,omitempty"`
}

// Config is the root configuration for the orchestrator engine.
type Config struct {
	MaxChannels  int             `yaml:"max_channels,omitempty"`
	Workers      int             `yaml:"workers,omitempty"`
	PollInterval Duration        `yaml:"poll_interval,omitempty"`
	Logging      LoggingConfig   `yaml:"logging,omitempty"`
	Telemetry    TelemetryConfig `yaml:"telemetry,omitempty"`
	Status       StatusConfig    `yaml:"status,omitempty"`
	Control      DriverConfig    `yaml:"control,omitempty"`
	Source       DriverConfig    `yaml:"source,omitempty"`
}

// Default returns a configuration with all engine knobs at their defaults.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.MaxChannels <= 0 {
		c.MaxChannels = DefaultMaxChannels
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.PollInterval.Duration <= 0 {
		c.PollInterval.Duration = DefaultPollInterval
	}
}

// Validate checks the semantic constraints the schema cannot express.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config must not be nil")
	}
	if c.MaxChannels <= 0 {
		return fmt.Errorf("max_channels must be positive, got %d", c.MaxChannels)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.PollInterval.Duration <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %s", c.PollInterval.Duration)
	}
	if c.Logging.Loki.Enabled && c.Logging.Loki.URL == "" {
		return fmt.Errorf("logging.loki.url is required when loki is enabled")
	}
	return nil
}

// Load reads, schema-checks and decodes the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes raw YAML configuration bytes.
func Parse(data []byte) (*Config, error) {
	if err := validateSchema(data); err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
