package config

import (
	"os"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":8080", cfg.TCPAddr)
	assert.Equal(t, ":8081", cfg.HTTPAddr)
	assert.Equal(t, 6, cfg.WorkerPoolSize)
	assert.Equal(t, 10, cfg.CacheCapacity)
	assert.Equal(t, 63, cfg.MaxUsernameLen)
	assert.Equal(t, time.Second, cfg.PollInterval)
	assert.Equal(t, 5*time.Second, cfg.HandshakeTimeout)
	assert.Equal(t, 50, cfg.RateLimit.Burst)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero workers", func(c *Config) { c.WorkerPoolSize = 0 }},
		{"negative cache", func(c *Config) { c.CacheCapacity = -1 }},
		{"empty tcp addr", func(c *Config) { c.TCPAddr = "" }},
		{"username too long", func(c *Config) { c.MaxUsernameLen = 64 }},
		{"zero poll interval", func(c *Config) { c.PollInterval = 0 }},
		{"zero handshake timeout", func(c *Config) { c.HandshakeTimeout = 0 }},
		{"zero burst", func(c *Config) { c.RateLimit.Burst = 0 }},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestEmptyHTTPAddrIsValid(t *testing.T) {
	cfg := Default()
	cfg.HTTPAddr = ""
	assert.NoError(t, cfg.Validate())
}

func TestFromEnv(t *testing.T) {
	t.Setenv("RELAYCHAT_TCP_ADDR", "127.0.0.1:9000")
	t.Setenv("RELAYCHAT_HTTP_ADDR", "")
	t.Setenv("RELAYCHAT_WORKERS", "12")
	t.Setenv("RELAYCHAT_CACHE_CAPACITY", "not-a-number")
	t.Setenv("RELAYCHAT_POLL_INTERVAL", "250ms")
	t.Setenv("RELAYCHAT_SHUTDOWN_GRACE", "9")
	t.Setenv("RELAYCHAT_HANDSHAKE_TIMEOUT", "2s")
	t.Setenv("RELAYCHAT_ALLOWED_ORIGINS", " http://a.example , ,https://b.example")
	t.Setenv("RELAYCHAT_LOG_LEVEL", "DEBUG")

	cfg := FromEnv()
	assert.Equal(t, "127.0.0.1:9000", cfg.TCPAddr)
	assert.Empty(t, cfg.HTTPAddr, "set-but-empty disables HTTP")
	assert.Equal(t, 12, cfg.WorkerPoolSize)
	assert.Equal(t, 10, cfg.CacheCapacity, "unparsable values keep the default")
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 9*time.Second, cfg.ShutdownGrace)
	assert.Equal(t, 2*time.Second, cfg.HandshakeTimeout)
	assert.Equal(t, []string{"http://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestApplyFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/etc/relaychat.json", []byte(`{
		"tcp_addr": ":7000",
		"worker_pool_size": 3,
		"poll_interval": "1500ms",
		"handshake_timeout": "750ms",
		"allowed_origins": ["*"],
		"rate_limit": {"burst": 5, "refill_interval": "2s"},
		"log": {"format": "json"}
	}`), 0o644))

	cfg := Default()
	require.NoError(t, cfg.ApplyFile(fs, "/etc/relaychat.json"))

	assert.Equal(t, ":7000", cfg.TCPAddr)
	assert.Equal(t, ":8081", cfg.HTTPAddr, "absent keys keep their value")
	assert.Equal(t, 3, cfg.WorkerPoolSize)
	assert.Equal(t, 1500*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 750*time.Millisecond, cfg.HandshakeTimeout)
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins)
	assert.Equal(t, 5, cfg.RateLimit.Burst)
	assert.Equal(t, 2*time.Second, cfg.RateLimit.RefillInterval)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestApplyFileErrors(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "bad-duration.json", []byte(`{"write_timeout": "soon"}`), 0o644))
	require.NoError(t, afero.WriteFile(fs, "unknown.json", []byte(`{"port": 1}`), 0o644))
	require.NoError(t, afero.WriteFile(fs, "broken.json", []byte(`{`), 0o644))

	for _, path := range []string{"missing.json", "bad-duration.json", "unknown.json", "broken.json"} {
		t.Run(path, func(t *testing.T) {
			assert.ErrorIs(t, Default().ApplyFile(fs, path), ErrConfigFile)
		})
	}
}

func TestLoadPrecedence(t *testing.T) {
	const key = "RELAYCHAT_CACHE_CAPACITY"
	require.NoError(t, os.Unsetenv(key))
	t.Cleanup(func() { _ = os.Unsetenv(key) })

	t.Setenv("RELAYCHAT_WORKERS", "8")
	t.Setenv("RELAYCHAT_TCP_ADDR", ":6000")

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, ".env", []byte("RELAYCHAT_CACHE_CAPACITY=42\nRELAYCHAT_WORKERS=99\n"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "config.json", []byte(`{"tcp_addr": ":6500"}`), 0o644))

	cfg, err := Load(fs, ".env", "config.json")
	require.NoError(t, err)

	assert.Equal(t, 42, cfg.CacheCapacity, ".env fills unset variables")
	assert.Equal(t, 8, cfg.WorkerPoolSize, "real environment wins over .env")
	assert.Equal(t, ":6500", cfg.TCPAddr, "file wins over environment")
}

func TestLoadMissingDotEnvIsIgnored(t *testing.T) {
	cfg, err := Load(afero.NewMemMapFs(), ".env", "")
	require.NoError(t, err)
	assert.NotNil(t, cfg)
}

func TestLoadValidates(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "c.json", []byte(`{"cache_capacity": 0}`), 0o644))

	_, err := Load(fs, "", "c.json")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestClone(t *testing.T) {
	cfg := Default()
	cp := cfg.Clone()
	cp.AllowedOrigins[0] = "http://other"
	assert.Equal(t, "http://localhost:8081", cfg.AllowedOrigins[0])
}
