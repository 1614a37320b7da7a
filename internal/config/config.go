package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models dealflow.yml.
type Config struct {
	Pipeline struct {
		Timezone string `yaml:"timezone"`
	} `yaml:"pipeline"`
	Classify struct {
		ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	} `yaml:"classify"`
	Validation struct {
		AutoSend string `yaml:"auto_send"`
	} `yaml:"validation"`
	SLA struct {
		OffsetDays           int `yaml:"offset_days"`
		CheckHour            int `yaml:"check_hour"`
		SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
	} `yaml:"sla"`
	Notify struct {
		Company        string `yaml:"company"`
		SupportAddress string `yaml:"support_address"`
		SystemAddress  string `yaml:"system_address"`
	} `yaml:"notify"`
	Server struct {
		Addr string `yaml:"addr"`
		Auth struct {
			Enabled   bool   `yaml:"enabled"`
			JWTSecret string `yaml:"jwt_secret"`
		} `yaml:"auth"`
	} `yaml:"server"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run dfl init first", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Pipeline.Timezone != "" {
		if _, err := time.LoadLocation(c.Pipeline.Timezone); err != nil {
			return fmt.Errorf("config.pipeline.timezone %q is not a known zone", c.Pipeline.Timezone)
		}
	}
	switch c.Validation.AutoSend {
	case "", "comparator", "always", "never":
	default:
		return fmt.Errorf("config.validation.auto_send must be comparator, always or never")
	}
	if c.Classify.ConfidenceThreshold < 0 || c.Classify.ConfidenceThreshold > 1 {
		return fmt.Errorf("config.classify.confidence_threshold must be within [0,1]")
	}
	if c.SLA.OffsetDays < 0 {
		return fmt.Errorf("config.sla.offset_days must not be negative")
	}
	if c.SLA.CheckHour < 0 || c.SLA.CheckHour > 23 {
		return fmt.Errorf("config.sla.check_hour must be an hour of day")
	}
	if c.SLA.SweepIntervalSeconds < 0 {
		return fmt.Errorf("config.sla.sweep_interval_seconds must not be negative")
	}
	if c.Server.Auth.Enabled && c.Server.Auth.JWTSecret == "" {
		return fmt.Errorf("config.server.auth.jwt_secret is required when auth is enabled")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Timezone returns the pipeline timezone, defaulting to Australia/Melbourne.
func (c *Config) Timezone() *time.Location {
	name := c.Pipeline.Timezone
	if name == "" {
		name = "Australia/Melbourne"
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Threshold returns the classifier confidence threshold, defaulting to 0.8.
func (c *Config) Threshold() float64 {
	if c.Classify.ConfidenceThreshold == 0 {
		return 0.8
	}
	return c.Classify.ConfidenceThreshold
}

// SweepInterval returns the SLA sweep interval, defaulting to 30 seconds.
func (c *Config) SweepInterval() time.Duration {
	if c.SLA.SweepIntervalSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.SLA.SweepIntervalSeconds) * time.Second
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "dealflow.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
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

const defaultTemplate = `pipeline:
  timezone: Australia/Melbourne

classify:
  confidence_threshold: 0.8

validation:
  # comparator follows the comparison verdict; always and never override it
  auto_send: comparator

sla:
  offset_days: 2
  check_hour: 9
  sweep_interval_seconds: 30

notify:
  company: OneCorp
  support_address: support@onecorpaustralia.com.au
  system_address: system@onecorpaustralia.com.au

server:
  addr: ":8080"
  auth:
    enabled: false
    jwt_secret: ""
`
