// ABOUTME: Configuration loading and parsing for the relaydesk gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Ingress   IngressConfig   `yaml:"ingress"`
	Events    EventsConfig    `yaml:"events"`
	Platforms PlatformsConfig `yaml:"platforms"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds the HTTP listener configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// DispatchConfig holds outbound delivery tuning
type DispatchConfig struct {
	SendTimeout time.Duration `yaml:"-"`
	BackoffBase time.Duration `yaml:"-"`
	MaxAttempts int           `yaml:"max_attempts"`

	// Raw string values for YAML unmarshaling
	SendTimeoutRaw string `yaml:"send_timeout"`
	BackoffBaseRaw string `yaml:"backoff_base"`
}

// IngressConfig holds webhook dedupe tuning
type IngressConfig struct {
	DedupeTTL     time.Duration `yaml:"-"`
	DedupeMaxSize int           `yaml:"dedupe_max_size"`

	DedupeTTLRaw string `yaml:"dedupe_ttl"`
}

// EventsConfig holds the optional AMQP event mirror configuration
type EventsConfig struct {
	AMQP AMQPConfig `yaml:"amqp"`
}

// AMQPConfig holds RabbitMQ connection details for mirroring events
type AMQPConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

// PlatformsConfig holds configuration for all platform integrations
type PlatformsConfig struct {
	WhatsApp WhatsAppConfig `yaml:"whatsapp"`
	Telegram TelegramConfig `yaml:"telegram"`
}

// WhatsAppConfig holds Twilio WhatsApp integration configuration
type WhatsAppConfig struct {
	Enabled    bool   `yaml:"enabled"`
	AccountSID string `yaml:"account_sid"`
	AuthToken  string `yaml:"auth_token"`
	WebhookURL string `yaml:"webhook_url"`
}

// TelegramConfig holds Telegram bot integration configuration
type TelegramConfig struct {
	Enabled       bool   `yaml:"enabled"`
	BotID         string `yaml:"bot_id"`
	Token         string `yaml:"token"`
	WebhookSecret string `yaml:"webhook_secret"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultPath resolves the config file location: RELAYDESK_CONFIG env var,
// then the XDG config directory, then ~/.config/relaydesk/gateway.yaml.
func DefaultPath() string {
	if p := os.Getenv("RELAYDESK_CONFIG"); p != "" {
		return p
	}
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "relaydesk", "gateway.yaml")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "relaydesk", "gateway.yaml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}

	if c.Events.AMQP.Enabled {
		if c.Events.AMQP.URL == "" {
			return fmt.Errorf("events.amqp.url is required when amqp is enabled")
		}
		if c.Events.AMQP.Exchange == "" {
			return fmt.Errorf("events.amqp.exchange is required when amqp is enabled")
		}
	}

	if c.Platforms.WhatsApp.Enabled {
		if c.Platforms.WhatsApp.AccountSID == "" || c.Platforms.WhatsApp.AuthToken == "" {
			return fmt.Errorf("platforms.whatsapp requires account_sid and auth_token")
		}
	}
	if c.Platforms.Telegram.Enabled {
		if c.Platforms.Telegram.BotID == "" || c.Platforms.Telegram.Token == "" {
			return fmt.Errorf("platforms.telegram requires bot_id and token")
		}
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Dispatch.SendTimeoutRaw != "" {
		cfg.Dispatch.SendTimeout, err = time.ParseDuration(cfg.Dispatch.SendTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing send_timeout %q: %w", cfg.Dispatch.SendTimeoutRaw, err)
		}
	}

	if cfg.Dispatch.BackoffBaseRaw != "" {
		cfg.Dispatch.BackoffBase, err = time.ParseDuration(cfg.Dispatch.BackoffBaseRaw)
		if err != nil {
			return fmt.Errorf("parsing backoff_base %q: %w", cfg.Dispatch.BackoffBaseRaw, err)
		}
	}

	if cfg.Ingress.DedupeTTLRaw != "" {
		cfg.Ingress.DedupeTTL, err = time.ParseDuration(cfg.Ingress.DedupeTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing dedupe_ttl %q: %w", cfg.Ingress.DedupeTTLRaw, err)
		}
	}

	return nil
}
