package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/file"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Lease     LeaseConfig     `koanf:"lease"`
	WebSocket WebSocketConfig `koanf:"websocket"`
	Sessions  SessionsConfig  `koanf:"sessions"`
	Redis     RedisConfig     `koanf:"redis"`
	Metrics   MetricsConfig   `koanf:"metrics"`
	Logging   LoggingConfig   `koanf:"logging"`
}

type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	AllowedOrigins  []string      `koanf:"allowed_origins"`
	MaxIDLength     int           `koanf:"max_id_length"`
}

type LeaseConfig struct {
	TTL           time.Duration `koanf:"ttl"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

type WebSocketConfig struct {
	ReadLimit       int64         `koanf:"read_limit"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	PongTimeout     time.Duration `koanf:"pong_timeout"`
	PingInterval    time.Duration `koanf:"ping_interval"`
	SendQueue       int           `koanf:"send_queue"`
	RateLimitPerSec float64       `koanf:"rate_limit_per_sec"`
	RateLimitBurst  int           `koanf:"rate_limit_burst"`
}

type SessionsConfig struct {
	Store string `koanf:"store"` // none | redis
}

type RedisConfig struct {
	Addr          string `koanf:"addr"`
	Password      string `koanf:"password"`
	DB            int    `koanf:"db"`
	SessionPrefix string `koanf:"session_prefix"`
}

type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Path    string `koanf:"path"`
}

type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

const (
	SessionStoreNone  = "none"
	SessionStoreRedis = "redis"
)

func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8000,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			AllowedOrigins:  []string{"*"},
			MaxIDLength:     128,
		},
		Lease: LeaseConfig{
			TTL:           20 * time.Second,
			SweepInterval: 5 * time.Second,
		},
		WebSocket: WebSocketConfig{
			ReadLimit:       4096,
			WriteTimeout:    10 * time.Second,
			PongTimeout:     60 * time.Second,
			PingInterval:    54 * time.Second,
			SendQueue:       64,
			RateLimitPerSec: 20,
			RateLimitBurst:  40,
		},
		Sessions: SessionsConfig{
			Store: SessionStoreNone,
		},
		Redis: RedisConfig{
			Addr:          "localhost:6379",
			SessionPrefix: "sessions:",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadConfig builds the configuration from defaults, then the given TOML
// files in order, then environment variables.
func LoadConfig(files ...string) (*Config, error) {
	cfg := Defaults()

	if len(files) > 0 {
		ko := koanf.New(".")
		for _, f := range files {
			if err := ko.Load(file.Provider(f), toml.Parser()); err != nil {
				return nil, fmt.Errorf("reading config %s: %w", f, err)
			}
		}
		if err := ko.Unmarshal("", cfg); err != nil {
			return nil, fmt.Errorf("decoding config: %w", err)
		}
		// Slices decode over the defaults element by element; replace instead.
		if ko.Exists("server.allowed_origins") {
			cfg.Server.AllowedOrigins = ko.Strings("server.allowed_origins")
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Server.Host = getEnv("LOCKS_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvInt("LOCKS_PORT", cfg.Server.Port)
	cfg.Server.ReadTimeout = getEnvSeconds("LOCKS_READ_TIMEOUT", cfg.Server.ReadTimeout)
	cfg.Server.WriteTimeout = getEnvSeconds("LOCKS_WRITE_TIMEOUT", cfg.Server.WriteTimeout)
	cfg.Server.ShutdownTimeout = getEnvSeconds("LOCKS_SHUTDOWN_TIMEOUT", cfg.Server.ShutdownTimeout)
	if raw := os.Getenv("ALLOWED_ORIGINS"); raw != "" {
		cfg.Server.AllowedOrigins = ParseOrigins(raw)
	}
	cfg.Server.MaxIDLength = getEnvInt("LOCKS_MAX_ID_LENGTH", cfg.Server.MaxIDLength)

	// LOCK_TTL_SECONDS is the older name and loses to the new one.
	cfg.Lease.TTL = getEnvSeconds("LOCK_TTL_SECONDS", cfg.Lease.TTL)
	cfg.Lease.TTL = getEnvSeconds("LEASE_TTL_SECONDS", cfg.Lease.TTL)
	cfg.Lease.SweepInterval = getEnvSeconds("LEASE_SWEEP_INTERVAL_SECONDS", cfg.Lease.SweepInterval)

	cfg.WebSocket.ReadLimit = int64(getEnvInt("LOCKS_WS_READ_LIMIT", int(cfg.WebSocket.ReadLimit)))
	cfg.WebSocket.WriteTimeout = getEnvSeconds("LOCKS_WS_WRITE_TIMEOUT", cfg.WebSocket.WriteTimeout)
	cfg.WebSocket.PongTimeout = getEnvSeconds("LOCKS_WS_PONG_TIMEOUT", cfg.WebSocket.PongTimeout)
	cfg.WebSocket.PingInterval = getEnvSeconds("LOCKS_WS_PING_INTERVAL", cfg.WebSocket.PingInterval)
	cfg.WebSocket.SendQueue = getEnvInt("LOCKS_WS_SEND_QUEUE", cfg.WebSocket.SendQueue)
	cfg.WebSocket.RateLimitPerSec = getEnvFloat("LOCKS_RATE_LIMIT_PER_SEC", cfg.WebSocket.RateLimitPerSec)
	cfg.WebSocket.RateLimitBurst = getEnvInt("LOCKS_RATE_LIMIT_BURST", cfg.WebSocket.RateLimitBurst)

	cfg.Sessions.Store = getEnv("LOCKS_SESSION_STORE", cfg.Sessions.Store)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvInt("REDIS_DB", cfg.Redis.DB)
	cfg.Redis.SessionPrefix = getEnv("REDIS_SESSION_PREFIX", cfg.Redis.SessionPrefix)

	cfg.Metrics.Enabled = getEnvBool("METRICS_ENABLED", cfg.Metrics.Enabled)
	cfg.Metrics.Path = getEnv("METRICS_PATH", cfg.Metrics.Path)

	cfg.Logging.Level = getEnv("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnv("LOG_FORMAT", cfg.Logging.Format)
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Lease.TTL <= 0:
		return fmt.Errorf("%w: lease.ttl must be positive", ErrInvalidConfig)
	case c.Lease.SweepInterval < 0:
		return fmt.Errorf("%w: lease.sweep_interval must not be negative", ErrInvalidConfig)
	case c.WebSocket.SendQueue <= 0:
		return fmt.Errorf("%w: websocket.send_queue must be positive", ErrInvalidConfig)
	case c.WebSocket.ReadLimit <= 0:
		return fmt.Errorf("%w: websocket.read_limit must be positive", ErrInvalidConfig)
	case c.WebSocket.PingInterval <= 0 || c.WebSocket.PingInterval >= c.WebSocket.PongTimeout:
		return fmt.Errorf("%w: websocket.ping_interval must be positive and below pong_timeout", ErrInvalidConfig)
	}

	switch c.Sessions.Store {
	case SessionStoreNone, SessionStoreRedis:
	default:
		return fmt.Errorf("%w: unknown sessions.store %q", ErrInvalidConfig, c.Sessions.Store)
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("%w: logging.format must be json or console, got %q", ErrInvalidConfig, c.Logging.Format)
	}
	return nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// ParseOrigins reads a comma separated origin list. "*" allows any origin.
func ParseOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "*" {
		return []string{"*"}
	}
	var out []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvSeconds(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return time.Duration(intValue) * time.Second
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
