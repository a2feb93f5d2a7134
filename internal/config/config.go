package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"taskline/internal/domain"
)

// Config models taskline.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Defaults struct {
		Assignee string `yaml:"assignee"`
		Priority string `yaml:"priority"`
	} `yaml:"defaults"`
	Stats struct {
		DaysRange int `yaml:"days_range"`
		Limit     int `yaml:"limit"`
	} `yaml:"stats"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Defaults.Priority != "" && !domain.ValidPriority(c.Defaults.Priority) {
		return fmt.Errorf("config.defaults.priority %s is not a known priority", c.Defaults.Priority)
	}
	if c.Stats.DaysRange < 0 {
		return fmt.Errorf("config.stats.days_range must not be negative")
	}
	if c.Stats.Limit < 0 {
		return fmt.Errorf("config.stats.limit must not be negative")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "taskline.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found", Path(workspace))
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes. Omitted fields
// keep their defaults.
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

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	cfg.Server.Addr = "127.0.0.1:8080"
	cfg.Defaults.Assignee = "User"
	cfg.Defaults.Priority = domain.PriorityMedium
	cfg.Stats.DaysRange = 7
	cfg.Stats.Limit = 50
	return &cfg
}
