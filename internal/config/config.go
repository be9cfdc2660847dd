package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models greenlight.yml.
type Config struct {
	Workspace string `yaml:"workspace"`
	Server    struct {
		Addr               string `yaml:"addr"`
		BasePath           string `yaml:"base_path"`
		JWTSecret          string `yaml:"jwt_secret"`
		AllowSubjectHeader bool   `yaml:"allow_subject_header"`
	} `yaml:"server"`
	Runner struct {
		Consumer      string `yaml:"consumer"`
		QueueCapacity int    `yaml:"queue_capacity"`
		Workers       int    `yaml:"workers"`
		PollSeconds   int    `yaml:"poll_seconds"`
		Executor      struct {
			URL            string `yaml:"url"`
			TimeoutSeconds int    `yaml:"timeout_seconds"`
		} `yaml:"executor"`
	} `yaml:"runner"`
	SchemaDir string `yaml:"schema_dir"`
}

// Default returns a config that works without a file: local workspace, dev
// server on :8080, four workers.
func Default() *Config {
	var cfg Config
	cfg.Workspace = "."
	cfg.Server.Addr = ":8080"
	cfg.Server.BasePath = "/api/v1"
	cfg.Server.AllowSubjectHeader = true
	cfg.Runner.Consumer = "runner"
	cfg.Runner.QueueCapacity = 64
	cfg.Runner.Workers = 4
	cfg.Runner.PollSeconds = 2
	return &cfg
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "greenlight.yml")
}

// Load reads config from the workspace, falling back to Default when no file
// exists.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default()
			cfg.Workspace = workspace
			return cfg, nil
		}
		return nil, err
	}
	cfg, err := FromYAML(data)
	if err != nil {
		return nil, err
	}
	if cfg.Workspace == "" {
		cfg.Workspace = workspace
	}
	return cfg, nil
}

// FromYAML parses and validates config from raw YAML bytes. Missing fields
// take their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Runner.QueueCapacity < 0 {
		return fmt.Errorf("config.runner.queue_capacity must not be negative")
	}
	if c.Runner.Workers < 0 {
		return fmt.Errorf("config.runner.workers must not be negative")
	}
	if c.Runner.PollSeconds < 0 {
		return fmt.Errorf("config.runner.poll_seconds must not be negative")
	}
	if c.Runner.Executor.TimeoutSeconds < 0 {
		return fmt.Errorf("config.runner.executor.timeout_seconds must not be negative")
	}
	return nil
}

// PollInterval converts the configured poll cadence to a duration.
func (c *Config) PollInterval() time.Duration {
	if c.Runner.PollSeconds <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.Runner.PollSeconds) * time.Second
}

// ExecutorTimeout converts the configured executor timeout to a duration.
func (c *Config) ExecutorTimeout() time.Duration {
	if c.Runner.Executor.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Runner.Executor.TimeoutSeconds) * time.Second
}
