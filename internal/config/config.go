package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port               int      `mapstructure:"port"`
	DatabaseURL        string   `mapstructure:"database_url"`         // SQLite path or postgres:// connection string
	CursorPath         string   `mapstructure:"cursor_path"`          // Dispatcher cursor file
	MaxQueueDepth      int      `mapstructure:"max_queue_depth"`      // Per-connection outbound queue bound
	RematchIntervalSec int      `mapstructure:"rematch_interval_sec"` // Periodic rematch scan; 0 = disabled
	LogLevel           string   `mapstructure:"log_level"`
	LogFormat          string   `mapstructure:"log_format"` // json, console
	LogFile            string   `mapstructure:"log_file"`   // Rotating log file; empty = stderr only
	AllowedOrigins     []string `mapstructure:"allowed_origins"`
	StoreTimeoutMs     int      `mapstructure:"store_timeout_ms"`       // Submit deadline for the durable append
	IdempotencyTTLSec  int      `mapstructure:"idempotency_ttl_sec"`    // Retention window for idempotency keys
	IdempotencyCache   int      `mapstructure:"idempotency_cache_size"` // In-memory key cache size
	PolicyPath         string   `mapstructure:"policy_path"`            // Allocation policy YAML; empty = built-in defaults
	ReplayPageLimit    int      `mapstructure:"replay_page_limit"`      // Max events per GET /events page
	DispatchPollMs     int      `mapstructure:"dispatch_poll_ms"`       // Dispatcher safety-net poll of the store tail
	IngestRatePerSec   float64  `mapstructure:"ingest_rate_per_sec"`    // Per-IP token bucket for POST /events; 0 = no limit
	IngestRateBurst    int      `mapstructure:"ingest_rate_burst"`
	MaxBodyBytes       int64    `mapstructure:"max_body_bytes"`
	ShutdownTimeoutSec int      `mapstructure:"shutdown_timeout_sec"`
	TracingEndpoint    string   `mapstructure:"tracing_endpoint"` // OTLP endpoint; empty = tracing disabled
	TracingSampleRate  float64  `mapstructure:"tracing_sample_rate"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 8080)
	v.SetDefault("database_url", "./sahyog.db")
	v.SetDefault("cursor_path", "./dispatch.cursor")
	v.SetDefault("max_queue_depth", 256)
	v.SetDefault("rematch_interval_sec", 30)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("log_file", "")
	v.SetDefault("allowed_origins", []string{"*"})
	v.SetDefault("store_timeout_ms", 2000)
	v.SetDefault("idempotency_ttl_sec", 24*3600)
	v.SetDefault("idempotency_cache_size", 100000)
	v.SetDefault("policy_path", "")
	v.SetDefault("replay_page_limit", 500)
	v.SetDefault("dispatch_poll_ms", 1000)
	v.SetDefault("ingest_rate_per_sec", 0) // 0 = disabled
	v.SetDefault("ingest_rate_burst", 0)
	v.SetDefault("max_body_bytes", 256*1024)
	v.SetDefault("shutdown_timeout_sec", 15)
	v.SetDefault("tracing_endpoint", "")
	v.SetDefault("tracing_sample_rate", 1.0)
}

// Load reads configuration from defaults, an optional YAML file and SAHYOG_*
// environment variables, in increasing precedence. With an empty configFile
// the standard search paths are tried.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath("/etc/sahyog/")
		v.AddConfigPath("$HOME/.sahyog")
		v.AddConfigPath(".")
	}
	v.SetConfigType("yaml")

	setDefaults(v)

	v.SetEnvPrefix("SAHYOG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !(configFile == "" && os.IsNotExist(err)) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found; using defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// SAHYOG_ALLOWED_ORIGINS arrives as one comma-separated string.
	if len(cfg.AllowedOrigins) == 1 && strings.Contains(cfg.AllowedOrigins[0], ",") {
		parts := strings.Split(cfg.AllowedOrigins[0], ",")
		cfg.AllowedOrigins = cfg.AllowedOrigins[:0]
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, p)
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every out-of-range setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port must be in 1..65535, got %d", c.Port))
	}
	if strings.TrimSpace(c.DatabaseURL) == "" {
		errs = append(errs, errors.New("database_url is required"))
	}
	if strings.TrimSpace(c.CursorPath) == "" {
		errs = append(errs, errors.New("cursor_path is required"))
	}
	if c.MaxQueueDepth < 1 {
		errs = append(errs, fmt.Errorf("max_queue_depth must be >= 1, got %d", c.MaxQueueDepth))
	}
	if c.RematchIntervalSec < 0 {
		errs = append(errs, fmt.Errorf("rematch_interval_sec must be >= 0, got %d", c.RematchIntervalSec))
	}
	if c.StoreTimeoutMs <= 0 {
		errs = append(errs, fmt.Errorf("store_timeout_ms must be > 0, got %d", c.StoreTimeoutMs))
	}
	if c.IdempotencyTTLSec <= 0 {
		errs = append(errs, fmt.Errorf("idempotency_ttl_sec must be > 0, got %d", c.IdempotencyTTLSec))
	}
	if c.IdempotencyCache <= 0 {
		errs = append(errs, fmt.Errorf("idempotency_cache_size must be > 0, got %d", c.IdempotencyCache))
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		errs = append(errs, fmt.Errorf("log_format must be json or console, got %q", c.LogFormat))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

func (c *Config) StoreTimeout() time.Duration {
	return time.Duration(c.StoreTimeoutMs) * time.Millisecond
}

func (c *Config) IdempotencyTTL() time.Duration {
	return time.Duration(c.IdempotencyTTLSec) * time.Second
}

func (c *Config) RematchInterval() time.Duration {
	return time.Duration(c.RematchIntervalSec) * time.Second
}

func (c *Config) DispatchPollInterval() time.Duration {
	return time.Duration(c.DispatchPollMs) * time.Millisecond
}

func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSec) * time.Second
}
