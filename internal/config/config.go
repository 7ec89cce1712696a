package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Database drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
	DriverMemory   = "memory"
)

// Lock backends
const (
	LockNone  = "none"
	LockLocal = "local"
	LockRedis = "redis"
)

// ServerConfig captures HTTP server level configuration.
type ServerConfig struct {
	Addr              string        `yaml:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// LogConfig selects the log level and output format
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DatabaseConfig selects the contact store
type DatabaseConfig struct {
	Driver        string `yaml:"driver"`
	DSN           string `yaml:"dsn"`
	MaxOpenConns  int    `yaml:"max_open_conns"`
	MongoDatabase string `yaml:"mongo_database"`
}

// LockConfig selects how Identify calls sharing an email or phone number are serialized.
// A Redis lock expires after TTL, so TTL must exceed the slowest Identify call.
type LockConfig struct {
	Backend  string        `yaml:"backend"`
	TTL      time.Duration `yaml:"ttl"`
	Wait     time.Duration `yaml:"wait"`
	RedisURL string        `yaml:"redis_url"`
}

// IdentifyConfig tunes the reconciliation service.
type IdentifyConfig struct {
	Transactional        bool `yaml:"transactional"`
	SerializationRetries int  `yaml:"serialization_retries"`
	MaxClosureDepth      int  `yaml:"max_closure_depth"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TracingConfig controls OpenTelemetry span export
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// Config is the full service configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Database DatabaseConfig `yaml:"database"`
	Lock     LockConfig     `yaml:"lock"`
	Identify IdentifyConfig `yaml:"identify"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

// Default returns the configuration used when nothing is overridden
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   10 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "text"},
		Database: DatabaseConfig{
			Driver:        DriverSQLite,
			DSN:           "./bitespeed.db",
			MongoDatabase: "bitespeed",
		},
		Lock: LockConfig{
			Backend: LockNone,
			TTL:     5 * time.Second,
			Wait:    2 * time.Second,
		},
		Identify: IdentifyConfig{
			SerializationRetries: 3,
			MaxClosureDepth:      64,
		},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
		Tracing: TracingConfig{
			Exporter:    "stdout",
			ServiceName: "bitespeed",
			SampleRatio: 1,
		},
	}
}

// Load reads .env files, then the YAML file at path (optional), then environment overrides.
// Environment variables referenced as ${VAR} inside the YAML file are expanded.
func Load(path string, envFiles ...string) (Config, error) {
	if len(envFiles) > 0 {
		if err := godotenv.Load(envFiles...); err != nil {
			return Config{}, fmt.Errorf("failed to load env files: %w", err)
		}
	}

	cfg := Default()
	if path != "" {
		file, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(file))), &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overrides file values with environment variables
func applyEnv(cfg *Config) error {
	if port := os.Getenv("PORT"); port != "" {
		cfg.Server.Addr = ":" + port
	}
	setString(&cfg.Database.DSN, "DATABASE_URL")
	setString(&cfg.Database.Driver, "DATABASE_DRIVER")
	setString(&cfg.Log.Level, "LOG_LEVEL")
	setString(&cfg.Log.Format, "LOG_FORMAT")
	setString(&cfg.Lock.Backend, "LOCK_BACKEND")
	setString(&cfg.Lock.RedisURL, "REDIS_URL")

	if err := setBool(&cfg.Identify.Transactional, "IDENTIFY_TRANSACTIONAL"); err != nil {
		return err
	}
	return setBool(&cfg.Tracing.Enabled, "TRACING_ENABLED")
}

func setBool(dst *bool, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = b
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// Validate checks that the configuration can be used to start the service
func (c Config) Validate() error {
	var errs []error

	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Server.ReadHeaderTimeout <= 0 || c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("server timeouts must be positive"))
	}

	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json", "discard":
	default:
		errs = append(errs, fmt.Errorf("unknown log.format %q", c.Log.Format))
	}

	switch c.Database.Driver {
	case DriverSQLite, DriverPostgres, DriverMongo:
		if c.Database.DSN == "" {
			errs = append(errs, fmt.Errorf("database.dsn is required for driver %q", c.Database.Driver))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown database.driver %q", c.Database.Driver))
	}
	if c.Database.Driver == DriverMongo && c.Identify.Transactional {
		errs = append(errs, errors.New("identify.transactional is not supported with the mongo driver"))
	}

	switch c.Lock.Backend {
	case LockNone, "":
	case LockLocal:
		if c.Lock.Wait <= 0 {
			errs = append(errs, errors.New("lock.wait must be positive"))
		}
	case LockRedis:
		if c.Lock.RedisURL == "" {
			errs = append(errs, errors.New("lock.redis_url is required for the redis backend"))
		}
		if c.Lock.TTL <= 0 || c.Lock.Wait <= 0 {
			errs = append(errs, errors.New("lock.ttl and lock.wait must be positive"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown lock.backend %q", c.Lock.Backend))
	}

	if c.Identify.SerializationRetries < 0 {
		errs = append(errs, errors.New("identify.serialization_retries must not be negative"))
	}
	if c.Identify.MaxClosureDepth <= 0 {
		errs = append(errs, errors.New("identify.max_closure_depth must be positive"))
	}

	if c.Metrics.Enabled && c.Metrics.Path == "" {
		errs = append(errs, errors.New("metrics.path is required when metrics are enabled"))
	}

	if c.Tracing.Enabled {
		if c.Tracing.Exporter != "stdout" {
			errs = append(errs, fmt.Errorf("unknown tracing.exporter %q", c.Tracing.Exporter))
		}
		if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
			errs = append(errs, errors.New("tracing.sample_ratio must be between 0 and 1"))
		}
	}

	return errors.Join(errs...)
}
