// Package config provides the PolicyShield configuration schema.
//
// Configuration is layered: built-in defaults, then an optional YAML file,
// then POLICYSHIELD_* environment variables, then CLI flags. Durations are
// written as Go duration strings ("30s", "5m") and validated at load time.
package config

import (
	"net"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level PolicyShield configuration.
type Config struct {
	// Server configures the HTTP listener.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Rules locates the YAML rule set.
	Rules RulesConfig `yaml:"rules" mapstructure:"rules"`

	// Mode selects enforce, audit or disabled.
	Mode string `yaml:"mode" mapstructure:"mode" validate:"omitempty,oneof=enforce audit disabled"`

	// FailMode selects the verdict after an internal evaluation error:
	// open allows, closed blocks.
	FailMode string `yaml:"fail_mode" mapstructure:"fail_mode" validate:"omitempty,oneof=open closed"`

	// Auth configures the API bearer token. Token usually arrives via
	// POLICYSHIELD_API_TOKEN; TokenHash lets the file carry a hash instead
	// of the secret itself.
	Auth AuthConfig `yaml:"auth" mapstructure:"auth"`

	// Session configures session tracking.
	Session SessionConfig `yaml:"session" mapstructure:"session"`

	// Approval configures the approval store.
	Approval ApprovalConfig `yaml:"approval" mapstructure:"approval"`

	// Trace configures decision tracing.
	Trace TraceConfig `yaml:"trace" mapstructure:"trace"`

	// PostCheck configures tool result scanning.
	PostCheck PostCheckConfig `yaml:"post_check" mapstructure:"post_check"`

	// Telegram configures the approval notification transport. Optional;
	// both fields must be set together.
	Telegram TelegramConfig `yaml:"telegram" mapstructure:"telegram"`

	// Telemetry configures OpenTelemetry export.
	Telemetry TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry"`

	// Log configures the slog handler.
	Log LogConfig `yaml:"log" mapstructure:"log"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	// Host is the bind address. Defaults to 127.0.0.1; set 0.0.0.0
	// explicitly to listen on the network.
	Host string `yaml:"host" mapstructure:"host"`

	// Port is the listen port. Defaults to 8100.
	Port int `yaml:"port" mapstructure:"port" validate:"omitempty,min=1,max=65535"`

	// ReadTimeout bounds reading one request (e.g. "10s").
	ReadTimeout string `yaml:"read_timeout" mapstructure:"read_timeout" validate:"omitempty,duration"`

	// WriteTimeout bounds writing one response.
	WriteTimeout string `yaml:"write_timeout" mapstructure:"write_timeout" validate:"omitempty,duration"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout string `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" validate:"omitempty,duration"`
}

// Addr returns the host:port the server binds to.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// RulesConfig locates the rule set file.
type RulesConfig struct {
	// Path is the rules YAML file. Required, usually via the --rules flag.
	Path string `yaml:"path" mapstructure:"path" validate:"required"`

	// Watch enables hot reload on file changes.
	Watch bool `yaml:"watch" mapstructure:"watch"`
}

// AuthConfig configures bearer token authentication. With both fields
// empty the API is open.
type AuthConfig struct {
	// Token is the plaintext bearer token.
	Token string `yaml:"token" mapstructure:"token"`

	// TokenHash is a stored hash of the token: an argon2id PHC string,
	// "sha256:<hex>", or bare sha256 hex.
	TokenHash string `yaml:"token_hash" mapstructure:"token_hash" validate:"omitempty,token_hash"`
}

// SessionConfig configures session tracking.
type SessionConfig struct {
	// TTL evicts sessions idle longer than this (e.g. "30m").
	TTL string `yaml:"ttl" mapstructure:"ttl" validate:"omitempty,duration"`

	// RingCapacity bounds the per-session event ring buffer.
	RingCapacity int `yaml:"ring_capacity" mapstructure:"ring_capacity" validate:"omitempty,min=1"`
}

// ApprovalConfig configures the approval store.
type ApprovalConfig struct {
	// MaxAge evicts approval records older than this (e.g. "1h").
	MaxAge string `yaml:"max_age" mapstructure:"max_age" validate:"omitempty,duration"`
}

// TraceConfig configures decision tracing. Path enables the JSONL sink,
// DBPath the SQLite archive; both may be active at once.
type TraceConfig struct {
	// Path is the JSONL trace file. Empty disables the file sink.
	Path string `yaml:"path" mapstructure:"path"`

	// DBPath is the SQLite trace database. Empty disables the archive.
	DBPath string `yaml:"db_path" mapstructure:"db_path"`

	// BufferSize caps in-memory buffered records before drops.
	BufferSize int `yaml:"buffer_size" mapstructure:"buffer_size" validate:"omitempty,min=1"`

	// FlushInterval is how often buffered records are written.
	FlushInterval string `yaml:"flush_interval" mapstructure:"flush_interval" validate:"omitempty,duration"`
}

// PostCheckConfig configures tool result scanning.
type PostCheckConfig struct {
	// MaxResultBytes truncates scanned tool results. Defaults to 10000.
	MaxResultBytes int `yaml:"max_result_bytes" mapstructure:"max_result_bytes" validate:"omitempty,min=1"`
}

// TelegramConfig configures approval notifications over Telegram.
type TelegramConfig struct {
	// Token is the bot token, usually via POLICYSHIELD_TELEGRAM_TOKEN.
	Token string `yaml:"token" mapstructure:"token"`

	// ChatID is the chat notifications are sent to.
	ChatID string `yaml:"chat_id" mapstructure:"chat_id"`
}

// Enabled reports whether Telegram notifications are configured.
func (t TelegramConfig) Enabled() bool {
	return t.Token != "" && t.ChatID != ""
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	// Enabled turns tracing export on.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// Exporter selects where spans go: stdout or none.
	Exporter string `yaml:"exporter" mapstructure:"exporter" validate:"omitempty,oneof=stdout none"`

	// Metrics exposes the Prometheus endpoint. On by default.
	Metrics bool `yaml:"metrics" mapstructure:"metrics"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is the minimum level: debug, info, warn or error.
	Level string `yaml:"level" mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
}

// Duration parses a validated duration field. Invalid or empty strings
// return the fallback; Validate has already rejected malformed values on
// the load path.
func Duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// SetDefaults applies default values to unset fields.
func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8100
	}
	if c.Server.ReadTimeout == "" {
		c.Server.ReadTimeout = "10s"
	}
	if c.Server.WriteTimeout == "" {
		c.Server.WriteTimeout = "30s"
	}
	if c.Server.ShutdownTimeout == "" {
		c.Server.ShutdownTimeout = "10s"
	}

	if c.Mode == "" {
		c.Mode = "enforce"
	}
	if c.FailMode == "" {
		c.FailMode = "open"
	}

	if c.Session.TTL == "" {
		c.Session.TTL = "30m"
	}
	if c.Session.RingCapacity == 0 {
		c.Session.RingCapacity = 128
	}

	if c.Approval.MaxAge == "" {
		c.Approval.MaxAge = "1h"
	}

	if c.Trace.BufferSize == 0 {
		c.Trace.BufferSize = 8192
	}
	if c.Trace.FlushInterval == "" {
		c.Trace.FlushInterval = "2s"
	}

	if c.PostCheck.MaxResultBytes == 0 {
		c.PostCheck.MaxResultBytes = 10000
	}

	if c.Telemetry.Exporter == "" {
		c.Telemetry.Exporter = "stdout"
	}
	// Metrics default to on. viper.IsSet distinguishes "not set" from an
	// explicit false.
	if !viper.IsSet("telemetry.metrics") {
		c.Telemetry.Metrics = true
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}
