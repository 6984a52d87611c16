package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the platform.
type Config struct {
	Hostname   string           `yaml:"hostname"`
	Server     ServerConfig     `yaml:"server"`
	SMTP       SMTPConfig       `yaml:"smtp"`
	DB         DBConfig         `yaml:"db"`
	Redis      RedisConfig      `yaml:"redis"`
	Worker     WorkerConfig     `yaml:"worker"`
	Retry      RetryConfig      `yaml:"retry"`
	DKIM       DKIMConfig       `yaml:"dkim"`
	RateLimits RateLimitsConfig `yaml:"rate_limits"`
	TLS        TLSConfig        `yaml:"tls"`
	Webhook    WebhookConfig    `yaml:"webhook"`
	Analytics  AnalyticsConfig  `yaml:"analytics"`
	DNS        DNSConfig        `yaml:"dns"`
	Log        LogConfig        `yaml:"log"`
}

// ServerConfig holds HTTP API server configuration.
type ServerConfig struct {
	Port            int   `yaml:"api_port"`
	Host            string `yaml:"host"`
	MaxMessageBytes int64 `yaml:"max_message_bytes"`
	MaxBatchSize    int   `yaml:"max_batch_size"`
	MaxRecipients   int   `yaml:"max_recipients"`
}

// GetHost returns the listen host, with container detection.
func (c ServerConfig) GetHost() string {
	// In a container, listen on all interfaces
	if os.Getenv("CONTAINER") != "" || os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// SMTPConfig holds the inbound listener configuration.
type SMTPConfig struct {
	MXPort                int `yaml:"mx_port"`
	SubmissionPort        int `yaml:"submission_port"`
	ConnectTimeoutSeconds int `yaml:"connect_timeout_seconds"`
	CommandTimeoutSeconds int `yaml:"command_timeout_seconds"`
	MaxConnectionsPerIP   int `yaml:"max_connections_per_ip"`

	// MaxMessageBytes defaults to the API cap when unset.
	MaxMessageBytes int64 `yaml:"max_message_bytes"`
}

// MXAddr returns the MX listener address.
func (c SMTPConfig) MXAddr() string {
	return fmt.Sprintf(":%d", c.MXPort)
}

// SubmissionAddr returns the submission listener address.
func (c SMTPConfig) SubmissionAddr() string {
	return fmt.Sprintf(":%d", c.SubmissionPort)
}

// ConnectTimeout returns the session establishment timeout.
func (c SMTPConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

// CommandTimeout returns the per-command timeout.
func (c SMTPConfig) CommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeoutSeconds) * time.Second
}

// DBConfig selects the storage backend: "postgres" or "sqlite".
type DBConfig struct {
	Backend             string `yaml:"backend"`
	URL                 string `yaml:"url"`
	MaxOpenConns        int    `yaml:"max_open_conns"`
	QueryTimeoutSeconds int    `yaml:"query_timeout_seconds"`
}

// QueryTimeout returns the per-query timeout.
func (c DBConfig) QueryTimeout() time.Duration {
	return time.Duration(c.QueryTimeoutSeconds) * time.Second
}

// RedisConfig holds the Redis connection used for rate limits, locks,
// idempotency keys, and the tenant-context cache.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// WorkerConfig sizes the background pools.
type WorkerConfig struct {
	Delivery DeliveryWorkerConfig `yaml:"delivery"`
	Webhook  WebhookWorkerConfig  `yaml:"webhook"`
}

// DeliveryWorkerConfig sizes the delivery task pool. TenantID pins the
// worker to one tenant's queue namespace; empty rotates over every
// tenant with runnable work.
type DeliveryWorkerConfig struct {
	Concurrency          int    `yaml:"concurrency"`
	PerRecipientDomain   int    `yaml:"per_recipient_domain"`
	DrainTimeoutSeconds  int    `yaml:"drain_timeout_seconds"`
	PollIntervalMillis   int    `yaml:"poll_interval_millis"`
	BatchSize            int    `yaml:"batch_size"`
	TenantID             string `yaml:"tenant_id"`
}

// DrainTimeout returns the two-phase shutdown drain deadline.
func (c DeliveryWorkerConfig) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

// PollInterval returns the queue poll interval.
func (c DeliveryWorkerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMillis) * time.Millisecond
}

// WebhookWorkerConfig sizes the webhook fanout pool.
type WebhookWorkerConfig struct {
	Concurrency    int `yaml:"concurrency"`
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// Timeout returns the per-delivery HTTP timeout.
func (c WebhookWorkerConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// RetryConfig holds the delivery backoff parameters.
type RetryConfig struct {
	BaseSeconds         int     `yaml:"base"`
	Factor              float64 `yaml:"factor"`
	MaxBackoffSeconds   int     `yaml:"max"`
	MaxAttempts         int     `yaml:"max_attempts"`
	WallclockMaxSeconds int     `yaml:"wallclock_max"`
}

// Base returns the first retry delay.
func (c RetryConfig) Base() time.Duration {
	return time.Duration(c.BaseSeconds) * time.Second
}

// MaxBackoff returns the backoff ceiling.
func (c RetryConfig) MaxBackoff() time.Duration {
	return time.Duration(c.MaxBackoffSeconds) * time.Second
}

// WallclockMax returns the total retry window from first send.
func (c RetryConfig) WallclockMax() time.Duration {
	return time.Duration(c.WallclockMaxSeconds) * time.Second
}

// DKIMConfig holds signing configuration.
type DKIMConfig struct {
	FallbackDomain string `yaml:"fallback_domain"`
}

// RateLimitsConfig maps plan → scope → limit. Scopes: tenant_minute,
// tenant_day, domain_minute, recipient_domain_minute, ip_minute.
type RateLimitsConfig map[string]map[string]int

// Limit returns the configured limit for (plan, scope), or def when unset.
func (c RateLimitsConfig) Limit(plan, scope string, def int) int {
	if scopes, ok := c[plan]; ok {
		if n, ok := scopes[scope]; ok && n > 0 {
			return n
		}
	}
	return def
}

// TLSConfig holds server TLS materials for the submission listener.
type TLSConfig struct {
	CertPath string `yaml:"cert_path"`
	KeyPath  string `yaml:"key_path"`
}

// WebhookConfig tunes the fanout retry ladder.
type WebhookConfig struct {
	SignatureHeader string `yaml:"signature_header"`
}

// AnalyticsConfig tunes event retention and rollups.
type AnalyticsConfig struct {
	RawRetentionDays int    `yaml:"raw_retention_days"`
	RollupCron       string `yaml:"rollup_cron"`
}

// DNSConfig tunes the resolver.
type DNSConfig struct {
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// Timeout returns the per-lookup timeout.
func (c DNSConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Load reads and parses the configuration file, applying defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Hostname == "" {
		cfg.Hostname, _ = os.Hostname()
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.MaxMessageBytes == 0 {
		cfg.Server.MaxMessageBytes = 25 * 1024 * 1024
	}
	if cfg.Server.MaxBatchSize == 0 {
		cfg.Server.MaxBatchSize = 100
	}
	if cfg.Server.MaxRecipients == 0 {
		cfg.Server.MaxRecipients = 50
	}
	if cfg.SMTP.MXPort == 0 {
		cfg.SMTP.MXPort = 25
	}
	if cfg.SMTP.SubmissionPort == 0 {
		cfg.SMTP.SubmissionPort = 587
	}
	if cfg.SMTP.ConnectTimeoutSeconds == 0 {
		cfg.SMTP.ConnectTimeoutSeconds = 30
	}
	if cfg.SMTP.CommandTimeoutSeconds == 0 {
		cfg.SMTP.CommandTimeoutSeconds = 60
	}
	if cfg.SMTP.MaxConnectionsPerIP == 0 {
		cfg.SMTP.MaxConnectionsPerIP = 10
	}
	if cfg.SMTP.MaxMessageBytes == 0 {
		cfg.SMTP.MaxMessageBytes = cfg.Server.MaxMessageBytes
	}
	if cfg.DB.Backend == "" {
		cfg.DB.Backend = "postgres"
	}
	if cfg.DB.MaxOpenConns == 0 {
		cfg.DB.MaxOpenConns = 25
	}
	if cfg.DB.QueryTimeoutSeconds == 0 {
		cfg.DB.QueryTimeoutSeconds = 10
	}
	if cfg.Worker.Delivery.Concurrency == 0 {
		cfg.Worker.Delivery.Concurrency = 32
	}
	if cfg.Worker.Delivery.PerRecipientDomain == 0 {
		cfg.Worker.Delivery.PerRecipientDomain = 8
	}
	if cfg.Worker.Delivery.DrainTimeoutSeconds == 0 {
		cfg.Worker.Delivery.DrainTimeoutSeconds = 30
	}
	if cfg.Worker.Delivery.PollIntervalMillis == 0 {
		cfg.Worker.Delivery.PollIntervalMillis = 250
	}
	if cfg.Worker.Delivery.BatchSize == 0 {
		cfg.Worker.Delivery.BatchSize = 100
	}
	if cfg.Worker.Webhook.Concurrency == 0 {
		cfg.Worker.Webhook.Concurrency = 8
	}
	if cfg.Worker.Webhook.TimeoutSeconds == 0 {
		cfg.Worker.Webhook.TimeoutSeconds = 10
	}
	if cfg.Retry.BaseSeconds == 0 {
		cfg.Retry.BaseSeconds = 60
	}
	if cfg.Retry.Factor == 0 {
		cfg.Retry.Factor = 2
	}
	if cfg.Retry.MaxBackoffSeconds == 0 {
		cfg.Retry.MaxBackoffSeconds = int((12 * time.Hour).Seconds())
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 10
	}
	if cfg.Retry.WallclockMaxSeconds == 0 {
		cfg.Retry.WallclockMaxSeconds = int((48 * time.Hour).Seconds())
	}
	if cfg.DKIM.FallbackDomain == "" {
		cfg.DKIM.FallbackDomain = "mail.ultrazend.example"
	}
	if cfg.Webhook.SignatureHeader == "" {
		cfg.Webhook.SignatureHeader = "X-UZ-Signature"
	}
	if cfg.Analytics.RawRetentionDays == 0 {
		cfg.Analytics.RawRetentionDays = 30
	}
	if cfg.Analytics.RollupCron == "" {
		cfg.Analytics.RollupCron = "@every 5m"
	}
	if cfg.DNS.TimeoutSeconds == 0 {
		cfg.DNS.TimeoutSeconds = 10
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It loads a .env file (if present) before reading env vars, so secrets
// can live in .env locally and in real env vars in production.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("ULTRAZEND_HOSTNAME"); v != "" {
		cfg.Hostname = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DB.URL = v
	}
	if v := os.Getenv("DATABASE_BACKEND"); v != "" {
		cfg.DB.Backend = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("API_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = n
		}
	}
	if v := os.Getenv("MX_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SMTP.MXPort = n
		}
	}
	if v := os.Getenv("SUBMISSION_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SMTP.SubmissionPort = n
		}
	}
	if v := os.Getenv("DKIM_FALLBACK_DOMAIN"); v != "" {
		cfg.DKIM.FallbackDomain = v
	}
	if v := os.Getenv("TLS_CERT_PATH"); v != "" {
		cfg.TLS.CertPath = v
	}
	if v := os.Getenv("TLS_KEY_PATH"); v != "" {
		cfg.TLS.KeyPath = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot boot.
func (cfg *Config) Validate() error {
	if cfg.DB.URL == "" {
		return fmt.Errorf("db.url is required (or DATABASE_URL)")
	}
	switch cfg.DB.Backend {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("db.backend must be postgres or sqlite, got %q", cfg.DB.Backend)
	}
	if cfg.Hostname == "" {
		return fmt.Errorf("hostname is required")
	}
	if cfg.Retry.Factor < 1 {
		return fmt.Errorf("retry.factor must be >= 1")
	}
	return nil
}
