package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Store backends.
const (
	StorePebble   = "pebble"
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Dispatch modes.
const (
	DispatchSync  = "sync"
	DispatchQueue = "queue"
)

// Config holds all application configuration.
type Config struct {
	LogLevel         string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat        string `env:"LOG_FORMAT" envDefault:"json"`
	IngestServerAddr string `env:"INGEST_SERVER_ADDR" envDefault:":8080"`
	AdminServerAddr  string `env:"ADMIN_SERVER_ADDR" envDefault:":9091"`
	MaxBodySize      int64  `env:"MAX_BODY_BYTES" envDefault:"65536"` // 64KB

	StoreBackend  string `env:"STORE_BACKEND" envDefault:"pebble"`
	PebbleDir     string `env:"PEBBLE_DIR" envDefault:"./data/events"`
	PebbleFsync   string `env:"PEBBLE_FSYNC" envDefault:"always"`
	PostgresURL   string `env:"POSTGRES_URL"`
	CacheCapacity int    `env:"RECENCY_CACHE_CAPACITY" envDefault:"10000"`

	DispatchMode      string        `env:"DISPATCH_MODE" envDefault:"sync"`
	RedisAddr         string        `env:"REDIS_ADDR" envDefault:"redis://localhost:6379/0"`
	DispatchStream    string        `env:"DISPATCH_STREAM" envDefault:"tracking_notifications"`
	DispatchDLQStream string        `env:"DISPATCH_DLQ_STREAM" envDefault:"tracking_notifications_dlq"`
	DispatchGroup     string        `env:"DISPATCH_GROUP" envDefault:"tracking-dispatchers"`
	DispatcherAddr    string        `env:"DISPATCHER_ADMIN_ADDR" envDefault:":9092"`
	DispatchBatchSize int           `env:"DISPATCH_BATCH_SIZE" envDefault:"100"`
	DispatchWorkers   int           `env:"DISPATCH_CONCURRENCY" envDefault:"8"`
	DispatchClaimIdle time.Duration `env:"DISPATCH_CLAIM_IDLE" envDefault:"30s"`
	WALPath           string        `env:"WAL_PATH" envDefault:"./data/wal"`
	WALSegmentSize    int64         `env:"WAL_SEGMENT_SIZE_BYTES" envDefault:"104857600"`  // 100MB
	WALMaxDiskSize    int64         `env:"WAL_MAX_DISK_SIZE_BYTES" envDefault:"1073741824"` // 1GB

	TrackingEnabled      bool          `env:"TRACKING_ENABLED" envDefault:"true"`
	SegmentWriteKey      string        `env:"SEGMENT_WRITE_KEY" envDefault:"dummy_write_key_123"`
	PostHogAPIKey        string        `env:"POSTHOG_API_KEY" envDefault:"dummy_posthog_key_456"`
	MixpanelToken        string        `env:"MIXPANEL_TOKEN" envDefault:"dummy_mixpanel_token_789"`
	SegmentEndpoint      string        `env:"SEGMENT_ENDPOINT"`
	PostHogEndpoint      string        `env:"POSTHOG_ENDPOINT"`
	MixpanelEndpoint     string        `env:"MIXPANEL_ENDPOINT"`
	VendorTimeout        time.Duration `env:"VENDOR_TIMEOUT" envDefault:"2s"`
	SimulatedFailureRate float64       `env:"TRACKING_SIMULATED_FAILURE_RATE" envDefault:"0.0"`

	PIIRedactionFields []string `env:"PII_REDACTION_FIELDS" envSeparator:"," envDefault:"email,password,credit_card,ssn"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	// Attempt to load .env file for local development.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects settings the services cannot start with.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case StorePebble, StoreMemory:
	case StorePostgres:
		if c.PostgresURL == "" {
			return fmt.Errorf("POSTGRES_URL is required when STORE_BACKEND=%s", StorePostgres)
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}

	switch c.DispatchMode {
	case DispatchSync, DispatchQueue:
	default:
		return fmt.Errorf("unknown DISPATCH_MODE %q", c.DispatchMode)
	}

	switch c.PebbleFsync {
	case "always", "interval", "never":
	default:
		return fmt.Errorf("unknown PEBBLE_FSYNC %q", c.PebbleFsync)
	}

	if c.CacheCapacity <= 0 {
		return fmt.Errorf("RECENCY_CACHE_CAPACITY must be positive, got %d", c.CacheCapacity)
	}
	if c.SimulatedFailureRate < 0 || c.SimulatedFailureRate > 1 {
		return fmt.Errorf("TRACKING_SIMULATED_FAILURE_RATE must be within [0,1], got %v", c.SimulatedFailureRate)
	}
	if c.VendorTimeout <= 0 {
		return fmt.Errorf("VENDOR_TIMEOUT must be positive, got %s", c.VendorTimeout)
	}
	return nil
}
