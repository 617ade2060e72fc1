package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ottolabs/otto/internal/consts"
)

type (
	// Config is the YAML file portion of Otto's configuration
	// (<ottoHome>/config.yaml). Scheduler and control-plane knobs come
	// from the environment, see env.go.
	Config struct {
		Logging     LoggingConfig     `yaml:"logging"`
		Telegram    TelegramConfig    `yaml:"telegram"`
		Agent       AgentConfig       `yaml:"agent"`
		Outbound    OutboundConfig    `yaml:"outbound"`
		Maintenance MaintenanceConfig `yaml:"maintenance"`
		Store       StoreConfig       `yaml:"store"`
	}

	LoggingConfig struct {
		Level      string `yaml:"level"`  // debug, info, warn, error
		Format     string `yaml:"format"` // json, text
		Output     string `yaml:"output"` // stdout, file, both
		File       string `yaml:"file"`
		MaxSize    int    `yaml:"max_size"` // MB
		MaxBackups int    `yaml:"max_backups"`
		MaxAge     int    `yaml:"max_age"` // days
	}

	TelegramConfig struct {
		Token string `yaml:"token"`
	}

	// AgentConfig configures the external agent session gateway the task
	// engine prompts against.
	AgentConfig struct {
		BaseURL         string `yaml:"base_url"`
		APIKey          string `yaml:"api_key"`
		DefaultModel    string `yaml:"default_model"`
		PromptTimeoutMs int64  `yaml:"prompt_timeout_ms"`
	}

	OutboundConfig struct {
		PollIntervalMs int64 `yaml:"poll_interval_ms"`
		MaxAttempts    int   `yaml:"max_attempts"`
		BaseDelayMs    int64 `yaml:"base_delay_ms"`
		MaxDelayMs     int64 `yaml:"max_delay_ms"`
	}

	MaintenanceConfig struct {
		Enabled       *bool  `yaml:"enabled"`
		Schedule      string `yaml:"schedule"` // 5-field cron expression
		RetentionDays int    `yaml:"retention_days"`
	}

	StoreConfig struct {
		Path string `yaml:"path"`
	}
)

// Load reads the config file at path (or the default location when empty).
// A missing file yields a default config so first runs work unconfigured.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		path = consts.DefaultConfigPath()
	}

	cfg := &Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate normalizes the config in place and fills defaults.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config cannot be nil")
	}

	if c.Outbound.PollIntervalMs <= 0 {
		c.Outbound.PollIntervalMs = 5000
	}
	if c.Outbound.MaxAttempts <= 0 {
		c.Outbound.MaxAttempts = 8
	}
	if c.Outbound.BaseDelayMs <= 0 {
		c.Outbound.BaseDelayMs = 30_000
	}
	if c.Outbound.MaxDelayMs < c.Outbound.BaseDelayMs {
		c.Outbound.MaxDelayMs = 30 * 60_000
	}

	if c.Maintenance.Enabled == nil {
		enabled := true
		c.Maintenance.Enabled = &enabled
	}
	c.Maintenance.Schedule = strings.TrimSpace(c.Maintenance.Schedule)
	if c.Maintenance.Schedule == "" {
		c.Maintenance.Schedule = "0 3 * * *"
	}
	if c.Maintenance.RetentionDays <= 0 {
		c.Maintenance.RetentionDays = 30
	}

	if c.Agent.PromptTimeoutMs <= 0 {
		c.Agent.PromptTimeoutMs = 10 * 60_000
	}

	c.Store.Path = strings.TrimSpace(c.Store.Path)
	if c.Store.Path == "" {
		c.Store.Path = consts.DefaultStorePath()
	}
	return nil
}
