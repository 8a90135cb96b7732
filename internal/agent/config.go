package agent

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/chrishm00/efs-compliance-checker/internal/remote"
)

// Config holds all agent configuration parsed from environment variables.
type Config struct {
	// Evidence bucket (required)
	BucketName string

	// Remote command
	CommandDocument string
	PollMinDelay    time.Duration
	PollMaxDelay    time.Duration
	CommandTimeout  time.Duration

	// Send evaluations with TestMode set (nothing is recorded by AWS Config)
	ConfigTestMode bool

	// Sweep ledger (SQLite file path), used by the audit command only
	LedgerPath string

	// Webhook for sweep events
	WebhookURL   string
	WebhookToken string

	// Version (set by main)
	Version string

	// Logging
	LogFormat string // json, text
	LogLevel  string // debug, info, warn, error
}

// LoadConfig reads configuration from environment variables.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		// Defaults
		CommandDocument: remote.DefaultDocument,
		PollMinDelay:    time.Second,
		PollMaxDelay:    5 * time.Second,
		CommandTimeout:  time.Minute,
		LedgerPath:      "./noresvport.db",
		LogFormat:       "json",
		LogLevel:        "info",
	}

	cfg.BucketName = os.Getenv("BUCKET_NAME")
	if cfg.BucketName == "" {
		return nil, errors.New("BUCKET_NAME is required")
	}

	if v := os.Getenv("COMMAND_DOCUMENT"); v != "" {
		cfg.CommandDocument = v
	}

	durations := []struct {
		env string
		dst *time.Duration
	}{
		{"COMMAND_POLL_MIN", &cfg.PollMinDelay},
		{"COMMAND_POLL_MAX", &cfg.PollMaxDelay},
		{"COMMAND_TIMEOUT", &cfg.CommandTimeout},
	}
	for _, d := range durations {
		v := os.Getenv(d.env)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.env, err)
		}
		if parsed <= 0 {
			return nil, fmt.Errorf("invalid %s: must be positive, got %s", d.env, v)
		}
		*d.dst = parsed
	}
	if cfg.PollMinDelay > cfg.PollMaxDelay {
		return nil, fmt.Errorf("COMMAND_POLL_MIN (%s) must not exceed COMMAND_POLL_MAX (%s)", cfg.PollMinDelay, cfg.PollMaxDelay)
	}

	if v := os.Getenv("CONFIG_TEST_MODE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid CONFIG_TEST_MODE: %w", err)
		}
		cfg.ConfigTestMode = b
	}

	if v := os.Getenv("LEDGER_PATH"); v != "" {
		cfg.LedgerPath = v
	}

	cfg.WebhookURL = os.Getenv("WEBHOOK_URL")
	cfg.WebhookToken = os.Getenv("WEBHOOK_TOKEN")

	// Logging
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	return cfg, nil
}

// HasWebhook returns true if sweep events should be posted to a webhook.
func (c *Config) HasWebhook() bool {
	return c.WebhookURL != ""
}

// RunnerOptions returns the remote command options derived from the config.
func (c *Config) RunnerOptions() remote.Options {
	return remote.Options{
		Document:     c.CommandDocument,
		MinPollDelay: c.PollMinDelay,
		MaxPollDelay: c.PollMaxDelay,
		Timeout:      c.CommandTimeout,
	}
}
