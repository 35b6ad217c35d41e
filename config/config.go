package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"intelvault/core"
	"intelvault/notify"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// StartupMode defines how intelvault handles initialization failures
type StartupMode string

const (
	// StartupModeStrict fails fast on any initialization error (default)
	StartupModeStrict StartupMode = "strict"
	// StartupModeGraceful starts with degraded functionality, logging warnings
	StartupModeGraceful StartupMode = "graceful"
)

// Storage backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendBadger = "badger"
	BackendBolt   = "bbolt"
)

// DataPaths holds data directory and file path configuration
type DataPaths struct {
	// DataDir is the base data directory (INTELVAULT_DATA_DIR, default: ./data)
	DataDir string `mapstructure:"data_dir"`
	// SQLitePath defaults to ${DataDir}/intelvault.db
	SQLitePath string `mapstructure:"sqlite_path"`
	// BadgerDir defaults to ${DataDir}/badger
	BadgerDir string `mapstructure:"badger_dir"`
	// BoltPath defaults to ${DataDir}/intelvault.bolt
	BoltPath string `mapstructure:"bolt_path"`
	// ExportDir defaults to ${DataDir}/exports
	ExportDir string `mapstructure:"export_dir"`
}

// Config holds all configuration for the intelvault service
type Config struct {
	StartupMode StartupMode `mapstructure:"startup_mode"`
	DataPaths   DataPaths   `mapstructure:"data_paths"`

	Logging struct {
		Level string `mapstructure:"level"`
		// Format is "console" or "json"
		Format string `mapstructure:"format"`
	} `mapstructure:"logging"`

	API struct {
		Host           string        `mapstructure:"host"`
		Port           int           `mapstructure:"port"`
		TLS            bool          `mapstructure:"tls"`
		CertFile       string        `mapstructure:"cert_file"`
		KeyFile        string        `mapstructure:"key_file"`
		AllowedOrigins []string      `mapstructure:"allowed_origins"`
		ReadTimeout    time.Duration `mapstructure:"read_timeout"`
		WriteTimeout   time.Duration `mapstructure:"write_timeout"`
		// TenantHeader carries the caller's tenant id
		TenantHeader string `mapstructure:"tenant_header"`
		RateLimit    struct {
			// RequestsPerSecond is a per-tenant token bucket in front of the quota check
			RequestsPerSecond float64 `mapstructure:"requests_per_second"`
			Burst             int     `mapstructure:"burst"`
		} `mapstructure:"rate_limit"`
	} `mapstructure:"api"`

	Storage struct {
		Backend string `mapstructure:"backend"`
		// Codec is "json" or "msgpack"; empty picks the backend default
		Codec   string `mapstructure:"codec"`
		Stripes int    `mapstructure:"stripes"`
		Redis   struct {
			Addr     string `mapstructure:"addr"`
			Password string `mapstructure:"password"`
			DB       int    `mapstructure:"db"`
			PoolSize int    `mapstructure:"pool_size"`
			Prefix   string `mapstructure:"prefix"`
		} `mapstructure:"redis"`
	} `mapstructure:"storage"`

	Quota struct {
		APIWindow      time.Duration `mapstructure:"api_window"`
		BucketInterval time.Duration `mapstructure:"bucket_interval"`
		SweepSchedule  string        `mapstructure:"sweep_schedule"`
	} `mapstructure:"quota"`

	Correlation struct {
		CacheSize int `mapstructure:"cache_size"`
	} `mapstructure:"correlation"`

	Notifications struct {
		Hub  notify.Config `mapstructure:"hub"`
		NATS struct {
			Enabled       bool   `mapstructure:"enabled"`
			URL           string `mapstructure:"url"`
			SubjectPrefix string `mapstructure:"subject_prefix"`
			// Tenants whose events are forwarded; empty forwards none
			Tenants []string `mapstructure:"tenants"`
		} `mapstructure:"nats"`
		Webhooks []notify.WebhookConfig `mapstructure:"webhooks"`
	} `mapstructure:"notifications"`

	Jobs struct {
		Workers int `mapstructure:"workers"`
		Backlog int `mapstructure:"backlog"`
	} `mapstructure:"jobs"`

	Feeds struct {
		SchedulerEnabled   bool          `mapstructure:"scheduler_enabled"`
		MaxConcurrentSyncs int           `mapstructure:"max_concurrent_syncs"`
		SyncTimeout        time.Duration `mapstructure:"sync_timeout"`
		Timezone           string        `mapstructure:"timezone"`
		HTTPTimeout        time.Duration `mapstructure:"http_timeout"`
	} `mapstructure:"feeds"`

	Tracing struct {
		Enabled     bool    `mapstructure:"enabled"`
		ServiceName string  `mapstructure:"service_name"`
		SampleRatio float64 `mapstructure:"sample_ratio"`
		// Exporter is "none" or "stdout"
		Exporter string `mapstructure:"exporter"`
	} `mapstructure:"tracing"`

	// Tenants are provisioned at startup
	Tenants []core.Tenant `mapstructure:"tenants"`
}

// setDefaults sets default configuration values
func setDefaults() {
	viper.SetDefault("startup_mode", string(StartupModeStrict))

	viper.SetDefault("data_paths.data_dir", "./data")
	viper.SetDefault("data_paths.sqlite_path", "") // Empty = derive from data_dir
	viper.SetDefault("data_paths.badger_dir", "")
	viper.SetDefault("data_paths.bolt_path", "")
	viper.SetDefault("data_paths.export_dir", "")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "console")

	viper.SetDefault("api.host", "0.0.0.0")
	viper.SetDefault("api.port", 8081)
	viper.SetDefault("api.tls", false)
	viper.SetDefault("api.cert_file", "server.crt")
	viper.SetDefault("api.key_file", "server.key")
	viper.SetDefault("api.allowed_origins", []string{"http://localhost:3000"})
	viper.SetDefault("api.read_timeout", 15*time.Second)
	viper.SetDefault("api.write_timeout", 30*time.Second)
	viper.SetDefault("api.tenant_header", "X-Tenant-ID")
	viper.SetDefault("api.rate_limit.requests_per_second", 50)
	viper.SetDefault("api.rate_limit.burst", 100)

	viper.SetDefault("storage.backend", BackendMemory)
	viper.SetDefault("storage.codec", "")
	viper.SetDefault("storage.stripes", 16)
	viper.SetDefault("storage.redis.addr", "localhost:6379")
	viper.SetDefault("storage.redis.password", "")
	viper.SetDefault("storage.redis.db", 0)
	viper.SetDefault("storage.redis.pool_size", 10)
	viper.SetDefault("storage.redis.prefix", "intelvault")

	viper.SetDefault("quota.api_window", time.Hour)
	viper.SetDefault("quota.bucket_interval", time.Minute)
	viper.SetDefault("quota.sweep_schedule", "@every 1m")

	viper.SetDefault("correlation.cache_size", 4096)

	viper.SetDefault("notifications.hub.queue_size", notify.DefaultQueueSize)
	viper.SetDefault("notifications.hub.delivery_timeout", notify.DefaultDeliveryTimeout)
	viper.SetDefault("notifications.hub.breaker.max_failures", 5)
	viper.SetDefault("notifications.hub.breaker.cooldown", 30*time.Second)
	viper.SetDefault("notifications.nats.enabled", false)
	viper.SetDefault("notifications.nats.url", "nats://localhost:4222")
	viper.SetDefault("notifications.nats.subject_prefix", notify.DefaultSubjectPrefix)

	viper.SetDefault("jobs.workers", 4)
	viper.SetDefault("jobs.backlog", 1024)

	viper.SetDefault("feeds.scheduler_enabled", true)
	viper.SetDefault("feeds.max_concurrent_syncs", 3)
	viper.SetDefault("feeds.sync_timeout", 10*time.Minute)
	viper.SetDefault("feeds.timezone", "UTC")
	viper.SetDefault("feeds.http_timeout", 60*time.Second)

	viper.SetDefault("tracing.enabled", false)
	viper.SetDefault("tracing.service_name", "intelvault")
	viper.SetDefault("tracing.sample_ratio", 1.0)
	viper.SetDefault("tracing.exporter", "none")
}

// loadFromEnv sets up environment variable loading
func loadFromEnv() {
	viper.SetEnvPrefix("INTELVAULT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// shorter names for the paths
	_ = viper.BindEnv("startup_mode", "INTELVAULT_STARTUP_MODE")
	_ = viper.BindEnv("data_paths.data_dir", "INTELVAULT_DATA_DIR")
	_ = viper.BindEnv("data_paths.sqlite_path", "INTELVAULT_SQLITE_PATH")
	_ = viper.BindEnv("storage.backend", "INTELVAULT_STORAGE_BACKEND")
}

// LoadConfig loads configuration from path, or from config.yaml in . or
// ./config when path is empty, layered under environment variables.
// A missing config file is not an error.
func LoadConfig(path string) (*Config, error) {
	if path != "" {
		viper.SetConfigFile(path)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
	}

	setDefaults()
	loadFromEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound || path != "" {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	config.ResolveDataPaths()
	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &config, nil
}

// ResolveDataPaths derives unset paths from DataDir
func (c *Config) ResolveDataPaths() {
	dataDir := c.DataPaths.DataDir
	if dataDir == "" {
		dataDir = "./data"
		c.DataPaths.DataDir = dataDir
	}
	if c.DataPaths.SQLitePath == "" {
		c.DataPaths.SQLitePath = filepath.Join(dataDir, "intelvault.db")
	}
	if c.DataPaths.BadgerDir == "" {
		c.DataPaths.BadgerDir = filepath.Join(dataDir, "badger")
	}
	if c.DataPaths.BoltPath == "" {
		c.DataPaths.BoltPath = filepath.Join(dataDir, "intelvault.bolt")
	}
	if c.DataPaths.ExportDir == "" {
		c.DataPaths.ExportDir = filepath.Join(dataDir, "exports")
	}
}

// IsGracefulMode returns true if startup mode is graceful
func (c *Config) IsGracefulMode() bool {
	return c.StartupMode == StartupModeGraceful
}

// Addr returns the API listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.API.Host, c.API.Port)
}

func validateConfig(config *Config) error {
	switch config.StartupMode {
	case StartupModeStrict, StartupModeGraceful:
	default:
		return fmt.Errorf("invalid startup mode %q (must be strict or graceful)", config.StartupMode)
	}

	switch config.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("invalid logging format %q (must be console or json)", config.Logging.Format)
	}

	if config.API.Port < 1 || config.API.Port > 65535 {
		return fmt.Errorf("invalid API port: %d (must be 1-65535)", config.API.Port)
	}
	if config.API.TLS && (config.API.CertFile == "" || config.API.KeyFile == "") {
		return fmt.Errorf("API TLS requires cert_file and key_file")
	}
	if config.API.TenantHeader == "" {
		return fmt.Errorf("API tenant header cannot be empty")
	}
	if config.API.RateLimit.RequestsPerSecond < 0 || config.API.RateLimit.Burst < 0 {
		return fmt.Errorf("API rate limit values cannot be negative")
	}

	switch config.Storage.Backend {
	case BackendMemory, BackendSQLite, BackendBadger, BackendBolt:
	case BackendRedis:
		if config.Storage.Redis.Addr == "" {
			return fmt.Errorf("redis storage requires an address")
		}
	default:
		return fmt.Errorf("invalid storage backend %q", config.Storage.Backend)
	}
	switch config.Storage.Codec {
	case "", "json", "msgpack":
	default:
		return fmt.Errorf("invalid storage codec %q (must be json or msgpack)", config.Storage.Codec)
	}

	if config.Quota.APIWindow <= 0 || config.Quota.BucketInterval <= 0 {
		return fmt.Errorf("quota api_window and bucket_interval must be positive")
	}
	if config.Quota.BucketInterval > config.Quota.APIWindow {
		return fmt.Errorf("quota bucket_interval cannot exceed api_window")
	}
	if _, err := cron.ParseStandard(config.Quota.SweepSchedule); err != nil {
		return fmt.Errorf("invalid quota sweep schedule %q: %w", config.Quota.SweepSchedule, err)
	}

	if config.Correlation.CacheSize <= 0 {
		return fmt.Errorf("correlation cache_size must be positive")
	}
	if config.Notifications.Hub.QueueSize <= 0 {
		return fmt.Errorf("notification queue_size must be positive")
	}
	if err := config.Notifications.Hub.Breaker.Validate(); err != nil {
		return err
	}
	if config.Notifications.NATS.Enabled {
		u, err := url.Parse(config.Notifications.NATS.URL)
		if err != nil || u.Host == "" {
			return fmt.Errorf("invalid NATS url %q", config.Notifications.NATS.URL)
		}
	}
	for i, wh := range config.Notifications.Webhooks {
		if err := wh.Validate(); err != nil {
			return fmt.Errorf("webhook %d: %w", i, err)
		}
	}

	if config.Jobs.Workers <= 0 {
		return fmt.Errorf("jobs workers must be positive")
	}
	if config.Feeds.MaxConcurrentSyncs <= 0 {
		return fmt.Errorf("feeds max_concurrent_syncs must be positive")
	}
	if config.Tracing.SampleRatio < 0 || config.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing sample_ratio must be between 0 and 1")
	}
	switch config.Tracing.Exporter {
	case "", "none", "stdout":
	default:
		return fmt.Errorf("invalid tracing exporter %q (must be none or stdout)", config.Tracing.Exporter)
	}

	seen := make(map[string]bool, len(config.Tenants))
	for _, t := range config.Tenants {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("tenant %q: %w", t.Name, err)
		}
		if seen[t.ID] {
			return fmt.Errorf("duplicate tenant id %q", t.ID)
		}
		seen[t.ID] = true
	}
	return nil
}
