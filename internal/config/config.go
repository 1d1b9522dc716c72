// Package config defines runtime defaults, validation, and the layered
// loading of settings for the relaychat server.
//
// Sources are applied lowest to highest precedence: defaults, environment
// (optionally seeded from a .env file), then a JSON config file. Command-line
// flags are applied by the caller on top of the result.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/afero"

	"github.com/Tyrowin/relaychat/internal/protocol"
)

const envPrefix = "RELAYCHAT_"

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int           `validate:"gte=1"`
	RefillInterval time.Duration `validate:"gt=0"`
}

// LogConfig selects logger level, output format and an optional log file.
type LogConfig struct {
	Level  string `validate:"oneof=debug info warn error"`
	Format string `validate:"oneof=console json"`
	File   string
}

// Config holds the server configuration.
type Config struct {
	TCPAddr string `validate:"required"`
	// HTTPAddr serves the ops endpoints and the WebSocket transport. Empty
	// disables both.
	HTTPAddr           string
	WorkerPoolSize     int           `validate:"gte=1"`
	CacheCapacity      int           `validate:"gte=1"`
	MaxUsernameLen     int           `validate:"gte=1"`
	PollInterval       time.Duration `validate:"gt=0"`
	// HandshakeTimeout bounds how long a new connection may take to send
	// its user identifier.
	HandshakeTimeout   time.Duration `validate:"gt=0"`
	WriteTimeout       time.Duration `validate:"gt=0"`
	ShutdownGrace      time.Duration `validate:"gt=0"`
	SendQueueSize      int           `validate:"gte=1"`
	MaxMalformedFrames int           `validate:"gte=1"`
	AllowedOrigins     []string
	RateLimit          RateLimitConfig
	Log                LogConfig
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Default returns a Config populated with default values for all settings.
func Default() *Config {
	return &Config{
		TCPAddr:            ":8080",
		HTTPAddr:           ":8081",
		WorkerPoolSize:     6,
		CacheCapacity:      10,
		MaxUsernameLen:     protocol.MaxSenderLen,
		PollInterval:       time.Second,
		HandshakeTimeout:   5 * time.Second,
		WriteTimeout:       5 * time.Second,
		ShutdownGrace:      5 * time.Second,
		SendQueueSize:      256,
		MaxMalformedFrames: 3,
		AllowedOrigins: []string{
			"http://localhost:8081",
		},
		RateLimit: RateLimitConfig{
			Burst:          50,
			RefillInterval: time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Validate checks every field and returns an error wrapping ErrInvalidConfig
// on the first set of violations.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.MaxUsernameLen > protocol.MaxSenderLen {
		return fmt.Errorf("%w: MaxUsernameLen %d exceeds sender field limit %d",
			ErrInvalidConfig, c.MaxUsernameLen, protocol.MaxSenderLen)
	}
	return nil
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	out := *c
	out.AllowedOrigins = append([]string(nil), c.AllowedOrigins...)
	return &out
}

// Load builds a Config from defaults, the optional .env file, the
// environment and the optional JSON file, then validates it. Empty paths
// are skipped; a missing .env file is not an error.
func Load(fs afero.Fs, envFile, configFile string) (*Config, error) {
	if envFile != "" {
		if err := LoadDotEnv(fs, envFile); err != nil {
			return nil, err
		}
	}

	cfg := FromEnv()

	if configFile != "" {
		if err := cfg.ApplyFile(fs, configFile); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv creates a Config from RELAYCHAT_* environment variables.
// Falls back to default values if variables are unset or unparsable.
func FromEnv() *Config {
	cfg := Default()
	cfg.ApplyEnv()
	return cfg
}

// ApplyEnv overrides fields with any RELAYCHAT_* variables that are set.
func (c *Config) ApplyEnv() {
	if v := getenv("TCP_ADDR"); v != "" {
		c.TCPAddr = v
	}
	if v, ok := os.LookupEnv(envPrefix + "HTTP_ADDR"); ok {
		// set-but-empty disables the HTTP surface
		c.HTTPAddr = strings.TrimSpace(v)
	}
	if v := getenv("WORKERS"); v != "" {
		c.WorkerPoolSize = parseIntValue(v, c.WorkerPoolSize)
	}
	if v := getenv("CACHE_CAPACITY"); v != "" {
		c.CacheCapacity = parseIntValue(v, c.CacheCapacity)
	}
	if v := getenv("MAX_USERNAME_LEN"); v != "" {
		c.MaxUsernameLen = parseIntValue(v, c.MaxUsernameLen)
	}
	if v := getenv("POLL_INTERVAL"); v != "" {
		c.PollInterval = parseDuration(v, c.PollInterval)
	}
	if v := getenv("HANDSHAKE_TIMEOUT"); v != "" {
		c.HandshakeTimeout = parseDuration(v, c.HandshakeTimeout)
	}
	if v := getenv("WRITE_TIMEOUT"); v != "" {
		c.WriteTimeout = parseDuration(v, c.WriteTimeout)
	}
	if v := getenv("SHUTDOWN_GRACE"); v != "" {
		c.ShutdownGrace = parseDuration(v, c.ShutdownGrace)
	}
	if v := getenv("SEND_QUEUE_SIZE"); v != "" {
		c.SendQueueSize = parseIntValue(v, c.SendQueueSize)
	}
	if v := getenv("MAX_MALFORMED_FRAMES"); v != "" {
		c.MaxMalformedFrames = parseIntValue(v, c.MaxMalformedFrames)
	}
	if v := getenv("ALLOWED_ORIGINS"); v != "" {
		c.AllowedOrigins = ParseOrigins(v)
	}
	if v := getenv("RATE_LIMIT_BURST"); v != "" {
		c.RateLimit.Burst = parseIntValue(v, c.RateLimit.Burst)
	}
	if v := getenv("RATE_LIMIT_REFILL_INTERVAL"); v != "" {
		c.RateLimit.RefillInterval = parseDuration(v, c.RateLimit.RefillInterval)
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = strings.ToLower(v)
	}
	if v := getenv("LOG_FORMAT"); v != "" {
		c.Log.Format = strings.ToLower(v)
	}
	if v := getenv("LOG_FILE"); v != "" {
		c.Log.File = v
	}
}

func getenv(key string) string {
	return strings.TrimSpace(os.Getenv(envPrefix + key))
}

// ParseOrigins splits a comma-separated origin list, dropping blanks.
func ParseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

// parseDuration accepts Go duration strings and, for compatibility with
// plain integer settings, a bare number of seconds.
func parseDuration(value string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}
