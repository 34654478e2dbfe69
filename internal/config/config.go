// Package config provides the immutable configuration value object for the
// relay, loaded once at startup from a YAML or JSON file with environment
// variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// defaultRateLimitSecs is the minimum interval between accepted posts from
// the same sender.
const defaultRateLimitSecs = 60

// defaultHeaderWhitelist is the set of header names, lower-cased, that
// survive filtering when the config file does not supply its own list.
var defaultHeaderWhitelist = []string{
	"subject", "received", "mime-version", "date", "from", "to", "x-sender",
	"user-agent", "content-type", "content-transfer-encoding",
	"x-gm-message-state", "x-google-smtp-source", "x-received",
}

// Config holds the complete relay configuration. It is never mutated after
// loading; every component receives it by pointer at construction time.
type Config struct {
	Recipients           []string         `yaml:"recipients"`
	RejectNonRecipients  bool             `yaml:"reject_non_recipients"`
	SetHeaders           []HeaderOverride `yaml:"set_headers"`
	HeaderWhitelist      []string         `yaml:"header_whitelist"`
	DB                   string           `yaml:"db"`
	PerUserRateLimitSecs int              `yaml:"per_user_ratelimit_secs"`
	ArchiveDir           string           `yaml:"archive_dir"`
	SMTP                 SMTPConfig       `yaml:"smtp"`
	Provider             string           `yaml:"provider"`
	SES                  SESConfig        `yaml:"ses"`
	Logging              LoggingConfig    `yaml:"logging"`
}

// SMTPConfig holds the outbound SMTP submission endpoint.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	MailFrom string `yaml:"mail_from"`
}

// SESConfig holds AWS SES credentials for the ses delivery backend.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// HeaderOverride is one forced header rewrite, expressed in the config file
// as a two-element [name, value] sequence.
type HeaderOverride struct {
	Name  string
	Value string
}

// UnmarshalYAML decodes a [name, value] pair. YAML is a superset of JSON, so
// the JSON form ["X-List", "example"] decodes the same way.
func (o *HeaderOverride) UnmarshalYAML(node *yaml.Node) error {
	var pair []string
	if err := node.Decode(&pair); err != nil {
		return fmt.Errorf("set_headers entry must be a [name, value] pair: %w", err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("set_headers entry must have exactly 2 elements, got %d", len(pair))
	}
	o.Name = pair[0]
	o.Value = pair[1]
	return nil
}

// Load loads configuration from environment variables over built-in defaults.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML (or JSON) file as the base
// layer, then overrides with environment variables. Unknown keys in the file
// are ignored.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvVars()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Whitelist returns the retained header names as a lower-cased set.
func (c *Config) Whitelist() map[string]struct{} {
	set := make(map[string]struct{}, len(c.HeaderWhitelist))
	for _, name := range c.HeaderWhitelist {
		set[strings.ToLower(name)] = struct{}{}
	}
	return set
}

// IsRecipient reports whether addr is one of the configured recipients.
func (c *Config) IsRecipient(addr string) bool {
	for _, r := range c.Recipients {
		if r == addr {
			return true
		}
	}
	return false
}

// RateLimitWindow returns the per-sender rate limit window as a duration.
func (c *Config) RateLimitWindow() time.Duration {
	return time.Duration(c.PerUserRateLimitSecs) * time.Second
}

// RateLimitEnabled reports whether a durable post-history store is
// configured. Without one the rate-limit stage is skipped entirely.
func (c *Config) RateLimitEnabled() bool {
	return c.DB != ""
}

// ArchiveEnabled reports whether message archiving is configured.
func (c *Config) ArchiveEnabled() bool {
	return c.ArchiveDir != ""
}

// SESConfigured returns true if the SES backend has the settings it needs.
func (c *Config) SESConfigured() bool {
	return c.SES.Region != ""
}

// validate rejects configurations the pipeline cannot run with.
func (c *Config) validate() error {
	switch c.Provider {
	case "smtp":
		if c.SMTP.MailFrom == "" {
			return fmt.Errorf("smtp.mail_from is required when the smtp provider is selected")
		}
	case "ses", "stdout", "":
	default:
		return fmt.Errorf("unknown provider %q", c.Provider)
	}
	return nil
}

// applyDefaults sets the built-in defaults for all configuration fields.
func (c *Config) applyDefaults() {
	c.RejectNonRecipients = true
	c.HeaderWhitelist = append([]string(nil), defaultHeaderWhitelist...)
	c.PerUserRateLimitSecs = defaultRateLimitSecs
	c.SMTP.Host = "localhost"
	c.SMTP.Port = 25
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("MD_RECIPIENTS"); v != "" {
		c.Recipients = splitList(v)
	}
	if v := os.Getenv("MD_REJECT_NON_RECIPIENTS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.RejectNonRecipients = b
		}
	}
	if v := os.Getenv("MD_DB"); v != "" {
		c.DB = v
	}
	if v := os.Getenv("MD_RATELIMIT_SECS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			c.PerUserRateLimitSecs = secs
		}
	}
	if v := os.Getenv("MD_ARCHIVE_DIR"); v != "" {
		c.ArchiveDir = v
	}
	if v := os.Getenv("MD_SMTP_HOST"); v != "" {
		c.SMTP.Host = v
	}
	if v := os.Getenv("MD_SMTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.SMTP.Port = port
		}
	}
	if v := os.Getenv("MD_SMTP_MAIL_FROM"); v != "" {
		c.SMTP.MailFrom = v
	}
	if v := os.Getenv("MD_PROVIDER"); v != "" {
		c.Provider = strings.ToLower(v)
	}

	if v := os.Getenv("SES_REGION"); v != "" {
		c.SES.Region = v
	}
	if v := os.Getenv("SES_ACCESS_KEY_ID"); v != "" {
		c.SES.AccessKeyID = v
	}
	if v := os.Getenv("SES_SECRET_ACCESS_KEY"); v != "" {
		c.SES.SecretAccessKey = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

// splitList splits a comma-separated environment value into trimmed,
// non-empty elements.
func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
