package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models cofounder.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Webhooks struct {
		ConversationSecret string `yaml:"conversation_secret"`
		BuildSecret        string `yaml:"build_secret"`
		ToleranceSeconds   int    `yaml:"tolerance_seconds"`
		FutureSkewSeconds  int    `yaml:"future_skew_seconds"`
	} `yaml:"webhooks"`
	Queue struct {
		BatchSize         int `yaml:"batch_size"`
		MaxConcurrency    int `yaml:"max_concurrency"`
		MaxRetries        int `yaml:"max_retries"`
		BaseDelayMillis   int `yaml:"base_delay_ms"`
		MaxDelayMillis    int `yaml:"max_delay_ms"`
		WavePauseMillis   int `yaml:"wave_pause_ms"`
		StaleClaimSeconds int `yaml:"stale_claim_seconds"`
	} `yaml:"queue"`
	Pipeline struct {
		MaxBuildRetries int `yaml:"max_build_retries"`
	} `yaml:"pipeline"`
	AI      ServiceConfig `yaml:"ai"`
	Builder ServiceConfig `yaml:"builder"`
	Broadcast struct {
		Relays []RelayConfig `yaml:"relays"`
	} `yaml:"broadcast"`
}

// ServiceConfig points at one external HTTP service.
type ServiceConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type RelayConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Load reads and validates config from workspace, falling back to defaults
// if the file does not exist.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Queue.BatchSize <= 0 {
		return fmt.Errorf("config.queue.batch_size must be positive")
	}
	if c.Queue.MaxConcurrency <= 0 {
		return fmt.Errorf("config.queue.max_concurrency must be positive")
	}
	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("config.queue.max_retries must not be negative")
	}
	if c.Queue.BaseDelayMillis <= 0 {
		return fmt.Errorf("config.queue.base_delay_ms must be positive")
	}
	if c.Queue.MaxDelayMillis < c.Queue.BaseDelayMillis {
		return fmt.Errorf("config.queue.max_delay_ms must be >= base_delay_ms")
	}
	if c.Pipeline.MaxBuildRetries < 0 {
		return fmt.Errorf("config.pipeline.max_build_retries must not be negative")
	}
	if c.Webhooks.ToleranceSeconds <= 0 {
		return fmt.Errorf("config.webhooks.tolerance_seconds must be positive")
	}
	for i, relay := range c.Broadcast.Relays {
		if relay.URL == "" {
			return fmt.Errorf("config.broadcast.relays[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "cofounder.yml")
}

func (c *Config) Tolerance() time.Duration {
	return time.Duration(c.Webhooks.ToleranceSeconds) * time.Second
}

func (c *Config) FutureSkew() time.Duration {
	if c.Webhooks.FutureSkewSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Webhooks.FutureSkewSeconds) * time.Second
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// WriteDefault writes the default config template to the workspace unless a
// config file already exists.
func WriteDefault(workspace string) (string, error) {
	path := Path(workspace)
	if _, err := os.Stat(path); err == nil {
		return path, fmt.Errorf("%s already exists", path)
	}
	if err := os.WriteFile(path, []byte(defaultTemplate), 0o644); err != nil {
		return path, err
	}
	return path, nil
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v0

webhooks:
  conversation_secret: ""
  build_secret: ""
  tolerance_seconds: 300
  future_skew_seconds: 30

queue:
  batch_size: 10
  max_concurrency: 3
  max_retries: 3
  base_delay_ms: 1000
  max_delay_ms: 60000
  wave_pause_ms: 250
  stale_claim_seconds: 3600

pipeline:
  max_build_retries: 3

ai:
  base_url: ""
  api_key: ""
  timeout_seconds: 60

builder:
  base_url: ""
  api_key: ""
  timeout_seconds: 30

broadcast:
  relays: []
`
