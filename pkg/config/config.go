// Package config loads and validates application configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Server, Postgres, Kafka, Redis, Elasticsearch, Lock, Sync,
// Pagination, etc.).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Postgres      PostgresConfig      `yaml:"postgres"`
	Kafka         KafkaConfig         `yaml:"kafka"`
	Redis         RedisConfig         `yaml:"redis"`
	Elasticsearch ElasticsearchConfig `yaml:"elasticsearch"`
	Lock          LockConfig          `yaml:"lock"`
	Sync          SyncConfig          `yaml:"sync"`
	Pagination    PaginationConfig    `yaml:"pagination"`
	Logging       LoggingConfig       `yaml:"logging"`
	Metrics       MetricsConfig       `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	RequestTimeout  time.Duration `yaml:"requestTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	RateLimit       int           `yaml:"rateLimit"`
	RateLimitWindow time.Duration `yaml:"rateLimitWindow"`
	// AdminKey guards the /api/v1/admin routes. Empty disables them.
	AdminKey     string   `yaml:"adminKey"`
	AllowOrigins []string `yaml:"allowOrigins"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// KafkaConfig holds Kafka broker and topic settings.
type KafkaConfig struct {
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	AccommodationEvents string `yaml:"accommodationEvents"`
	ReviewEvents        string `yaml:"reviewEvents"`
	ReservationEvents   string `yaml:"reservationEvents"`
	IndexRetry          string `yaml:"indexRetry"`
}

// RedisConfig holds Redis connection and caching parameters.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"poolSize"`
	CacheTTL time.Duration `yaml:"cacheTTL"`
}

// ElasticsearchConfig holds the search index cluster and index name.
type ElasticsearchConfig struct {
	Addresses []string `yaml:"addresses"`
	Username  string   `yaml:"username"`
	Password  string   `yaml:"password"`
	Index     string   `yaml:"index"`
	// Refresh makes writes visible to search immediately. Tests and small
	// deployments only.
	Refresh bool `yaml:"refresh"`
}

// LockConfig controls the distributed lock namespace and lease durations.
type LockConfig struct {
	Prefix       string        `yaml:"prefix"`
	IndexLease   time.Duration `yaml:"indexLease"`
	BookingLease time.Duration `yaml:"bookingLease"`
}

// SyncConfig controls the synchronization worker pool and its retry policy.
type SyncConfig struct {
	Workers            int           `yaml:"workers"`
	QueueSize          int           `yaml:"queueSize"`
	MaxAttempts        int           `yaml:"maxAttempts"`
	InitialBackoff     time.Duration `yaml:"initialBackoff"`
	MaxBackoff         time.Duration `yaml:"maxBackoff"`
	ConflictRetries    int           `yaml:"conflictRetries"`
	RebuildConcurrency int           `yaml:"rebuildConcurrency"`
}

// PaginationConfig controls page sizes and the external parameter names used
// by cursor pagination.
type PaginationConfig struct {
	DefaultSize int    `yaml:"defaultSize"`
	MaxSize     int    `yaml:"maxSize"`
	SizeParam   string `yaml:"sizeParam"`
	CursorParam string `yaml:"cursorParam"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with sensible defaults for any
// missing values.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks the settings that would otherwise fail deep inside a
// component at runtime.
func (c *Config) Validate() error {
	var errs []error
	if c.Lock.IndexLease <= 0 {
		errs = append(errs, errors.New("lock.indexLease must be positive"))
	}
	if c.Lock.BookingLease <= 0 {
		errs = append(errs, errors.New("lock.bookingLease must be positive"))
	}
	if c.Sync.Workers <= 0 {
		errs = append(errs, errors.New("sync.workers must be positive"))
	}
	if c.Pagination.MaxSize < 1 {
		errs = append(errs, errors.New("pagination.maxSize must be at least 1"))
	}
	if c.Pagination.DefaultSize < 1 || c.Pagination.DefaultSize > c.Pagination.MaxSize {
		errs = append(errs, fmt.Errorf("pagination.defaultSize must be within [1, %d]", c.Pagination.MaxSize))
	}
	if c.Elasticsearch.Index == "" {
		errs = append(errs, errors.New("elasticsearch.index is required"))
	}
	return errors.Join(errs...)
}

// defaultConfig returns a Config with defaults for local development.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			RequestTimeout:  10 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			RateLimit:       600,
			RateLimitWindow: time.Minute,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "accommodations",
			User:            "accommodations",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "accommodation-index-sync",
			Topics: KafkaTopics{
				AccommodationEvents: "accommodation-events",
				ReviewEvents:        "review-events",
				ReservationEvents:   "reservation-events",
				IndexRetry:          "index-retry",
			},
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Password: "",
			DB:       0,
			PoolSize: 10,
			CacheTTL: 60 * time.Second,
		},
		Elasticsearch: ElasticsearchConfig{
			Addresses: []string{"http://localhost:9200"},
			Index:     "accommodations",
		},
		Lock: LockConfig{
			Prefix:       "lock:",
			IndexLease:   30 * time.Second,
			BookingLease: 15 * time.Second,
		},
		Sync: SyncConfig{
			Workers:            8,
			QueueSize:          256,
			MaxAttempts:        5,
			InitialBackoff:     200 * time.Millisecond,
			MaxBackoff:         5 * time.Second,
			ConflictRetries:    3,
			RebuildConcurrency: 4,
		},
		Pagination: PaginationConfig{
			DefaultSize: 20,
			MaxSize:     100,
			SizeParam:   "size",
			CursorParam: "cursor",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// applyEnvOverrides reads AS_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AS_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("AS_SERVER_ADMIN_KEY"); v != "" {
		cfg.Server.AdminKey = v
	}
	if v := os.Getenv("AS_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("AS_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("AS_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("AS_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("AS_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("AS_POSTGRES_SSLMODE"); v != "" {
		cfg.Postgres.SSLMode = v
	}
	if v := os.Getenv("AS_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("AS_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("AS_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("AS_ELASTICSEARCH_ADDRESSES"); v != "" {
		cfg.Elasticsearch.Addresses = strings.Split(v, ",")
	}
	if v := os.Getenv("AS_ELASTICSEARCH_INDEX"); v != "" {
		cfg.Elasticsearch.Index = v
	}
	if v := os.Getenv("AS_SYNC_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.Workers = n
		}
	}
	if v := os.Getenv("AS_LOCK_INDEX_LEASE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Lock.IndexLease = d
		}
	}
	if v := os.Getenv("AS_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("AS_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}
