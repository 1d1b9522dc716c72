package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/afero"
)

// fileConfig is the JSON shape of a config file. Pointer fields tell absent
// keys apart from zero values; durations are strings such as "1500ms".
type fileConfig struct {
	TCPAddr            *string  `json:"tcp_addr"`
	HTTPAddr           *string  `json:"http_addr"`
	WorkerPoolSize     *int     `json:"worker_pool_size"`
	CacheCapacity      *int     `json:"cache_capacity"`
	MaxUsernameLen     *int     `json:"max_username_len"`
	PollInterval       *string  `json:"poll_interval"`
	HandshakeTimeout   *string  `json:"handshake_timeout"`
	WriteTimeout       *string  `json:"write_timeout"`
	ShutdownGrace      *string  `json:"shutdown_grace"`
	SendQueueSize      *int     `json:"send_queue_size"`
	MaxMalformedFrames *int     `json:"max_malformed_frames"`
	AllowedOrigins     []string `json:"allowed_origins"`
	RateLimit          *struct {
		Burst          *int    `json:"burst"`
		RefillInterval *string `json:"refill_interval"`
	} `json:"rate_limit"`
	Log *struct {
		Level  *string `json:"level"`
		Format *string `json:"format"`
		File   *string `json:"file"`
	} `json:"log"`
}

type durationField struct {
	name string
	dst  *time.Duration
	src  *string
}

// ApplyFile overlays the keys present in the JSON file at path. Unknown keys
// and malformed durations are errors.
func (c *Config) ApplyFile(fsys afero.Fs, path string) error {
	f, err := fsys.Open(path)
	if err != nil {
		return fmt.Errorf("%w: open %s: %w", ErrConfigFile, path, err)
	}
	defer f.Close()

	var fc fileConfig
	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&fc); err != nil {
		return fmt.Errorf("%w: parse %s: %w", ErrConfigFile, path, err)
	}

	setString(&c.TCPAddr, fc.TCPAddr)
	setString(&c.HTTPAddr, fc.HTTPAddr)
	setInt(&c.WorkerPoolSize, fc.WorkerPoolSize)
	setInt(&c.CacheCapacity, fc.CacheCapacity)
	setInt(&c.MaxUsernameLen, fc.MaxUsernameLen)
	setInt(&c.SendQueueSize, fc.SendQueueSize)
	setInt(&c.MaxMalformedFrames, fc.MaxMalformedFrames)
	if fc.AllowedOrigins != nil {
		c.AllowedOrigins = append([]string(nil), fc.AllowedOrigins...)
	}

	durations := []durationField{
		{"poll_interval", &c.PollInterval, fc.PollInterval},
		{"handshake_timeout", &c.HandshakeTimeout, fc.HandshakeTimeout},
		{"write_timeout", &c.WriteTimeout, fc.WriteTimeout},
		{"shutdown_grace", &c.ShutdownGrace, fc.ShutdownGrace},
	}
	if fc.RateLimit != nil {
		setInt(&c.RateLimit.Burst, fc.RateLimit.Burst)
		durations = append(durations, durationField{
			"rate_limit.refill_interval", &c.RateLimit.RefillInterval, fc.RateLimit.RefillInterval,
		})
	}
	for _, d := range durations {
		if d.src == nil {
			continue
		}
		parsed, err := time.ParseDuration(*d.src)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrConfigFile, d.name, err)
		}
		*d.dst = parsed
	}

	if fc.Log != nil {
		setString(&c.Log.Level, fc.Log.Level)
		setString(&c.Log.Format, fc.Log.Format)
		setString(&c.Log.File, fc.Log.File)
	}
	return nil
}

// LoadDotEnv reads KEY=VALUE pairs from a .env file and exports the ones not
// already present in the environment. A missing file is ignored.
func LoadDotEnv(fsys afero.Fs, path string) error {
	f, err := fsys.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("%w: open %s: %w", ErrConfigFile, path, err)
	}
	defer f.Close()

	vars, err := godotenv.Parse(f)
	if err != nil {
		return fmt.Errorf("%w: parse %s: %w", ErrConfigFile, path, err)
	}
	for k, v := range vars {
		if _, set := os.LookupEnv(k); set {
			continue
		}
		if err := os.Setenv(k, v); err != nil {
			return fmt.Errorf("set %s: %w", k, err)
		}
	}
	return nil
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}
