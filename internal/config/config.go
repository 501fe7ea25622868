package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Service struct {
		Name        string `yaml:"name"`
		Environment string `yaml:"environment"`
	} `yaml:"service"`

	HTTP      HTTPConfig      `yaml:"http"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Call      CallConfig      `yaml:"call"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Log       LogConfig       `yaml:"log"`
}

// HTTPConfig represents HTTP server configuration
type HTTPConfig struct {
	Address         string        `yaml:"address" validate:"required"`
	ReadTimeout     time.Duration `yaml:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" validate:"gt=0"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

// WebSocketConfig represents WebSocket endpoint configuration
type WebSocketConfig struct {
	Path             string        `yaml:"path" validate:"required"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" validate:"gt=0"`
	BufferSize       int           `yaml:"buffer_size" validate:"gt=0"`
	MaxMessageSize   int64         `yaml:"max_message_size" validate:"gt=0"`
	WriteWait        time.Duration `yaml:"write_wait" validate:"gt=0"`
	PongWait         time.Duration `yaml:"pong_wait" validate:"gt=0"`
	PingPeriod       time.Duration `yaml:"ping_period" validate:"gt=0"`
	SendBuffer       int           `yaml:"send_buffer" validate:"gt=0"`
}

// HeartbeatConfig represents the inactivity sweep configuration
type HeartbeatConfig struct {
	InactivityBound time.Duration `yaml:"inactivity_bound" validate:"gt=0"`
	SweepInterval   time.Duration `yaml:"sweep_interval" validate:"gt=0"`
}

// CallConfig represents call session configuration
type CallConfig struct {
	StaleAfter time.Duration `yaml:"stale_after" validate:"gt=0"`
}

// AuthConfig represents the identity-verifier boundary configuration.
// With an empty JWTSecret the relay trusts the userId query parameter,
// which assumes an upstream gateway already verified it.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// RateLimitConfig represents per-remote upgrade rate limiting
type RateLimitConfig struct {
	Enabled   bool    `yaml:"enabled"`
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load loads the configuration from a file. An empty path yields defaults
// plus environment overrides.
func Load(path string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvironmentOverrides(config)

	if err := validator.New().Struct(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	config := &Config{
		HTTP: HTTPConfig{
			Address:         ":8090",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			AllowedOrigins:  []string{"*"},
		},
		WebSocket: WebSocketConfig{
			Path:             "/ws",
			HandshakeTimeout: 10 * time.Second,
			BufferSize:       4096,
			MaxMessageSize:   65536,
			WriteWait:        10 * time.Second,
			PongWait:         60 * time.Second,
			PingPeriod:       25 * time.Second,
			SendBuffer:       256,
		},
		Heartbeat: HeartbeatConfig{
			InactivityBound: 60 * time.Second,
			SweepInterval:   time.Minute,
		},
		Call: CallConfig{
			StaleAfter: time.Hour,
		},
		RateLimit: RateLimitConfig{
			Enabled:   true,
			PerSecond: 5,
			Burst:     10,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
	config.Service.Name = "presence-relay"
	config.Service.Environment = "development"
	return config
}

// applyEnvironmentOverrides applies environment overrides
func applyEnvironmentOverrides(config *Config) {
	if addr := os.Getenv("HTTP_ADDRESS"); addr != "" {
		config.HTTP.Address = addr
	}

	if path := os.Getenv("WS_PATH"); path != "" {
		config.WebSocket.Path = path
	}

	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		config.Auth.JWTSecret = secret
	}

	if env := os.Getenv("ENVIRONMENT"); env != "" {
		config.Service.Environment = env
	}

	if v := os.Getenv("HEARTBEAT_INACTIVITY_BOUND"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Heartbeat.InactivityBound = d
		}
	}

	if v := os.Getenv("HEARTBEAT_SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Heartbeat.SweepInterval = d
		}
	}

	if v := os.Getenv("CALL_STALE_AFTER"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Call.StaleAfter = d
		}
	}

	if v := os.Getenv("RATE_LIMIT_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			config.RateLimit.Enabled = enabled
		}
	}
}
