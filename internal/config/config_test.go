package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
hostname: mail.example.com
db:
  url: postgres://localhost/ultrazend
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "mail.example.com", cfg.Hostname)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 25, cfg.SMTP.MXPort)
	assert.Equal(t, 587, cfg.SMTP.SubmissionPort)
	assert.Equal(t, int64(25*1024*1024), cfg.Server.MaxMessageBytes)
	assert.Equal(t, 60*time.Second, cfg.Retry.Base())
	assert.Equal(t, 2.0, cfg.Retry.Factor)
	assert.Equal(t, 12*time.Hour, cfg.Retry.MaxBackoff())
	assert.Equal(t, 10, cfg.Retry.MaxAttempts)
	assert.Equal(t, 48*time.Hour, cfg.Retry.WallclockMax())
	assert.Equal(t, 32, cfg.Worker.Delivery.Concurrency)
	assert.Equal(t, 8, cfg.Worker.Delivery.PerRecipientDomain)
	assert.Equal(t, "postgres", cfg.DB.Backend)
	assert.Equal(t, 10*time.Second, cfg.DNS.Timeout())
	assert.Equal(t, 30, cfg.Analytics.RawRetentionDays)
}

func TestLoadRateLimits(t *testing.T) {
	path := writeConfig(t, `
hostname: mail.example.com
db:
  url: postgres://localhost/ultrazend
rate_limits:
  free:
    tenant_minute: 10
    tenant_day: 500
  pro:
    tenant_minute: 600
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.RateLimits.Limit("free", "tenant_minute", 100))
	assert.Equal(t, 500, cfg.RateLimits.Limit("free", "tenant_day", 100))
	assert.Equal(t, 600, cfg.RateLimits.Limit("pro", "tenant_minute", 100))
	// Unset scope falls back to the default
	assert.Equal(t, 100, cfg.RateLimits.Limit("pro", "tenant_day", 100))
	// Unknown plan falls back to the default
	assert.Equal(t, 100, cfg.RateLimits.Limit("business", "tenant_minute", 100))
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
hostname: mail.example.com
db:
  url: postgres://localhost/ultrazend
`)

	t.Setenv("DATABASE_URL", "postgres://override/db")
	t.Setenv("DATABASE_BACKEND", "sqlite")
	t.Setenv("API_PORT", "9090")
	t.Setenv("DKIM_FALLBACK_DOMAIN", "fallback.example.net")

	cfg, err := LoadFromEnv(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://override/db", cfg.DB.URL)
	assert.Equal(t, "sqlite", cfg.DB.Backend)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "fallback.example.net", cfg.DKIM.FallbackDomain)
}

func TestValidateRejectsBadBackend(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.DB.URL = "x"
	cfg.DB.Backend = "mongodb"
	assert.Error(t, cfg.Validate())
}
