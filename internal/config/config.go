// Package config loads the mergemail YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/foxzi/mergemail/internal/message"
)

// Config is the main configuration structure.
type Config struct {
	Gmail   GmailConfig   `yaml:"gmail"`
	Send    SendConfig    `yaml:"send"`
	Quota   QuotaConfig   `yaml:"quota"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`

	// OutputDir is where table snapshots are written.
	OutputDir string `yaml:"output_dir"`
}

// GmailConfig contains the OAuth2 client credentials and sender
// identity for the Gmail provider.
type GmailConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RefreshToken string `yaml:"refresh_token"`
	Sender       string `yaml:"sender"`
	SenderName   string `yaml:"sender_name"`
}

// SendConfig contains the per-run send settings.
type SendConfig struct {
	// Intent selects the disposition: new, reply or draft.
	Intent string `yaml:"intent"`

	// EmailColumn designates the address column in the table.
	EmailColumn string `yaml:"email_column"`

	// Delay is the nominal inter-message delay; the actual delay is
	// jittered by ±10%.
	Delay time.Duration `yaml:"delay"`

	// BatchSize caps rows processed per invocation. Ignored for draft
	// intent.
	BatchSize int `yaml:"batch_size"`

	// Label is applied to messages sent with new intent. Optional.
	Label string `yaml:"label"`

	// ReplyPolicy decides what to do with reply rows lacking threading
	// data: downgrade (send as new) or skip.
	ReplyPolicy string `yaml:"reply_policy"`

	// Subject/body templates, inline or from files.
	SubjectTemplate string `yaml:"subject_template"`
	BodyTemplate    string `yaml:"body_template"`
	SubjectFile     string `yaml:"subject_file"`
	BodyFile        string `yaml:"body_file"`

	// Backoff tuning for throttled calls.
	BaseBackoff        time.Duration `yaml:"base_backoff"`
	MaxBackoff         time.Duration `yaml:"max_backoff"`
	MaxThrottleRetries int           `yaml:"max_throttle_retries"`
}

// QuotaConfig contains the persisted send-budget settings.
type QuotaConfig struct {
	Enabled         bool   `yaml:"enabled"`
	MessagesPerHour int    `yaml:"messages_per_hour"`
	MessagesPerDay  int    `yaml:"messages_per_day"`
	Path            string `yaml:"path"`
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
	Path       string `yaml:"path"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Default returns a configuration with all defaults applied, for
// commands that work without a config file.
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

// setDefaults sets default values for configuration.
func (c *Config) setDefaults() {
	if c.Send.Intent == "" {
		c.Send.Intent = string(message.IntentNew)
	}
	if c.Send.EmailColumn == "" {
		c.Send.EmailColumn = "Email"
	}
	if c.Send.Delay == 0 {
		// The provider flags fast lock-step sending as automated abuse;
		// 20s matches the floor the tool has always enforced.
		c.Send.Delay = 20 * time.Second
	}
	if c.Send.BatchSize == 0 {
		c.Send.BatchSize = 50
	}
	if c.Send.ReplyPolicy == "" {
		c.Send.ReplyPolicy = string(message.ReplyPolicyDowngrade)
	}
	if c.Send.BaseBackoff == 0 {
		c.Send.BaseBackoff = 2 * time.Second
	}
	if c.Send.MaxBackoff == 0 {
		c.Send.MaxBackoff = 5 * time.Minute
	}
	if c.Send.MaxThrottleRetries == 0 {
		c.Send.MaxThrottleRetries = 5
	}

	if c.OutputDir == "" {
		c.OutputDir = "."
	}

	if c.Quota.Path == "" {
		c.Quota.Path = "mergemail-quota.db"
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if _, err := message.ParseIntent(c.Send.Intent); err != nil {
		return err
	}
	if _, err := message.ParseReplyPolicy(c.Send.ReplyPolicy); err != nil {
		return err
	}

	if c.Send.Delay < 0 {
		return fmt.Errorf("send.delay must not be negative")
	}
	if c.Send.BatchSize <= 0 {
		return fmt.Errorf("send.batch_size must be positive")
	}

	if c.Send.SubjectTemplate != "" && c.Send.SubjectFile != "" {
		return fmt.Errorf("send.subject_template and send.subject_file are mutually exclusive")
	}
	if c.Send.BodyTemplate != "" && c.Send.BodyFile != "" {
		return fmt.Errorf("send.body_template and send.body_file are mutually exclusive")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	return nil
}

// ValidateCredentials checks the settings required to reach the
// provider. Commands that never call the provider (status, preview,
// reset) skip this.
func (c *Config) ValidateCredentials() error {
	if c.Gmail.Sender == "" {
		return fmt.Errorf("gmail.sender is required")
	}
	if c.Gmail.ClientID == "" || c.Gmail.ClientSecret == "" || c.Gmail.RefreshToken == "" {
		return fmt.Errorf("gmail.client_id, gmail.client_secret and gmail.refresh_token are required")
	}
	return nil
}

// Templates resolves the subject and body templates, reading template
// files when configured.
func (c *Config) Templates() (subject, body string, err error) {
	subject = c.Send.SubjectTemplate
	if c.Send.SubjectFile != "" {
		data, err := os.ReadFile(c.Send.SubjectFile)
		if err != nil {
			return "", "", fmt.Errorf("failed to read subject template: %w", err)
		}
		subject = string(data)
	}

	body = c.Send.BodyTemplate
	if c.Send.BodyFile != "" {
		data, err := os.ReadFile(c.Send.BodyFile)
		if err != nil {
			return "", "", fmt.Errorf("failed to read body template: %w", err)
		}
		body = string(data)
	}

	if subject == "" {
		return "", "", fmt.Errorf("no subject template configured")
	}
	if body == "" {
		return "", "", fmt.Errorf("no body template configured")
	}

	return subject, body, nil
}
