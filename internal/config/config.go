// ABOUTME: Configuration loading and parsing for coven-desk
// ABOUTME: Supports YAML or TOML files with .env loading, environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/2389/coven-desk/internal/routing"
)

// EnvConfigPath names the environment variable holding the config file path.
const EnvConfigPath = "COVEN_DESK_CONFIG"

// Config represents the complete coven-desk configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Database DatabaseConfig `yaml:"database" toml:"database"`
	State    StateConfig    `yaml:"state" toml:"state"`
	Redis    RedisConfig    `yaml:"redis" toml:"redis"`
	AMQP     AMQPConfig     `yaml:"amqp" toml:"amqp"`
	Chatbot  ChatbotConfig  `yaml:"chatbot" toml:"chatbot"`
	Routing  RoutingConfig  `yaml:"routing" toml:"routing"`
	Delivery DeliveryConfig `yaml:"delivery" toml:"delivery"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
}

// ServerConfig holds the HTTP listener configuration
type ServerConfig struct {
	HTTPAddr       string        `yaml:"http_addr" toml:"http_addr"`
	AllowedOrigins []string      `yaml:"allowed_origins" toml:"allowed_origins"` // websocket origins, empty allows all
	JWTSecret      string        `yaml:"jwt_secret" toml:"jwt_secret"`           // signs agent and operator tokens, empty disables auth
	RequestTimeout time.Duration `yaml:"-" toml:"-"`
	ShutdownGrace  time.Duration `yaml:"-" toml:"-"`

	RequestTimeoutRaw string `yaml:"request_timeout" toml:"request_timeout"`
	ShutdownGraceRaw  string `yaml:"shutdown_grace" toml:"shutdown_grace"`
}

// DatabaseConfig holds the SQLite mirror configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// Backends for shared routing state.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// StateConfig selects where registry and conversation state live
type StateConfig struct {
	Backend     string        `yaml:"backend" toml:"backend"`
	LockTimeout time.Duration `yaml:"-" toml:"-"`
	LockTTL     time.Duration `yaml:"-" toml:"-"`

	LockTimeoutRaw string `yaml:"lock_timeout" toml:"lock_timeout"`
	LockTTLRaw     string `yaml:"lock_ttl" toml:"lock_ttl"`
}

// RedisConfig holds the Redis connection used by the redis state backend
type RedisConfig struct {
	URL    string `yaml:"url" toml:"url"`
	Prefix string `yaml:"prefix" toml:"prefix"`
}

// AMQPConfig holds the message broker transport configuration
type AMQPConfig struct {
	Enabled          bool   `yaml:"enabled" toml:"enabled"`
	URL              string `yaml:"url" toml:"url"`
	InboundExchange  string `yaml:"inbound_exchange" toml:"inbound_exchange"`
	OutboundExchange string `yaml:"outbound_exchange" toml:"outbound_exchange"`
	Queue            string `yaml:"queue" toml:"queue"`
	Prefetch         int    `yaml:"prefetch" toml:"prefetch"`
	AppID            string `yaml:"app_id" toml:"app_id"`
}

// ChatbotConfig holds the external chatbot service configuration
type ChatbotConfig struct {
	Enabled  bool          `yaml:"enabled" toml:"enabled"`
	BaseURL  string        `yaml:"base_url" toml:"base_url"`
	ClientID string        `yaml:"client_id" toml:"client_id"`
	Secret   string        `yaml:"secret" toml:"secret"`
	BotName  string        `yaml:"bot_name" toml:"bot_name"`
	Timeout  time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw string `yaml:"timeout" toml:"timeout"`
}

// RoutingConfig holds assignment and housekeeping settings
type RoutingConfig struct {
	SweepSchedule string        `yaml:"sweep_schedule" toml:"sweep_schedule"` // cron expression, empty disables the sweep
	MaxIdle       time.Duration `yaml:"-" toml:"-"`
	DedupeWindow  time.Duration `yaml:"-" toml:"-"`
	DedupeSize    int           `yaml:"dedupe_size" toml:"dedupe_size"`

	MaxIdleRaw      string `yaml:"max_idle" toml:"max_idle"`
	DedupeWindowRaw string `yaml:"dedupe_window" toml:"dedupe_window"`
}

// DeliveryConfig holds fan-out retry settings
type DeliveryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts" toml:"max_attempts"`
	RetryBackoff   time.Duration `yaml:"-" toml:"-"`
	AttemptTimeout time.Duration `yaml:"-" toml:"-"`

	RetryBackoffRaw   string `yaml:"retry_backoff" toml:"retry_backoff"`
	AttemptTimeoutRaw string `yaml:"attempt_timeout" toml:"attempt_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// A .env file next to the config (or in the working directory) is loaded first;
// variables already set in the environment win.
// Environment variables in the format ${VAR_NAME} are expanded.
// Files ending in .toml are parsed as TOML, everything else as YAML.
func Load(path string) (*Config, error) {
	loadDotEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	cfg := Default()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns a configuration that runs a single node on in-memory state.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr:          ":8080",
			RequestTimeoutRaw: "10s",
			ShutdownGraceRaw:  "10s",
		},
		Database: DatabaseConfig{Path: "./coven-desk.db"},
		State: StateConfig{
			Backend:        BackendMemory,
			LockTimeoutRaw: "5s",
			LockTTLRaw:     "10s",
		},
		Redis: RedisConfig{Prefix: "coven-desk:"},
		AMQP: AMQPConfig{
			AppID: "coven-desk",
		},
		Chatbot: ChatbotConfig{
			BotName:    "Assistant",
			TimeoutRaw: "10s",
		},
		Routing: RoutingConfig{
			SweepSchedule:   "@every 1m",
			MaxIdleRaw:      "30m",
			DedupeWindowRaw: "10m",
			DedupeSize:      10000,
		},
		Delivery: DeliveryConfig{
			MaxAttempts:       3,
			RetryBackoffRaw:   "50ms",
			AttemptTimeoutRaw: "5s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// loadDotEnv loads .env files without overriding the process environment.
// Missing files are not an error.
func loadDotEnv(configPath string) {
	candidates := []string{filepath.Join(filepath.Dir(configPath), ".env"), ".env"}
	seen := make(map[string]bool)
	for _, p := range candidates {
		abs, err := filepath.Abs(p)
		if err != nil || seen[abs] {
			continue
		}
		seen[abs] = true
		if _, err := os.Stat(abs); err == nil {
			_ = godotenv.Load(abs)
		}
	}
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return errors.New("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	if c.Server.JWTSecret != "" && len(c.Server.JWTSecret) < 32 {
		return errors.New("server.jwt_secret must be at least 32 characters")
	}

	switch c.State.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Redis.URL == "" {
			return errors.New("redis.url is required when state.backend is redis")
		}
	default:
		return fmt.Errorf("state.backend must be %q or %q, got %q", BackendMemory, BackendRedis, c.State.Backend)
	}

	if c.AMQP.Enabled && c.AMQP.URL == "" {
		return errors.New("amqp.url is required when amqp is enabled")
	}

	if c.Chatbot.Enabled {
		if c.Chatbot.BaseURL == "" {
			return errors.New("chatbot.base_url is required when chatbot is enabled")
		}
		if c.Chatbot.ClientID == "" {
			return errors.New("chatbot.client_id is required when chatbot is enabled")
		}
	}

	if c.Routing.SweepSchedule != "" {
		if err := routing.ValidateSchedule(c.Routing.SweepSchedule); err != nil {
			return fmt.Errorf("routing.sweep_schedule: %w", err)
		}
		if c.Routing.MaxIdle <= 0 {
			return errors.New("routing.max_idle must be positive when the sweep is scheduled")
		}
	}

	if c.Delivery.MaxAttempts < 0 {
		return errors.New("delivery.max_attempts must not be negative")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.request_timeout", cfg.Server.RequestTimeoutRaw, &cfg.Server.RequestTimeout},
		{"server.shutdown_grace", cfg.Server.ShutdownGraceRaw, &cfg.Server.ShutdownGrace},
		{"state.lock_timeout", cfg.State.LockTimeoutRaw, &cfg.State.LockTimeout},
		{"state.lock_ttl", cfg.State.LockTTLRaw, &cfg.State.LockTTL},
		{"chatbot.timeout", cfg.Chatbot.TimeoutRaw, &cfg.Chatbot.Timeout},
		{"routing.max_idle", cfg.Routing.MaxIdleRaw, &cfg.Routing.MaxIdle},
		{"routing.dedupe_window", cfg.Routing.DedupeWindowRaw, &cfg.Routing.DedupeWindow},
		{"delivery.retry_backoff", cfg.Delivery.RetryBackoffRaw, &cfg.Delivery.RetryBackoff},
		{"delivery.attempt_timeout", cfg.Delivery.AttemptTimeoutRaw, &cfg.Delivery.AttemptTimeout},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
