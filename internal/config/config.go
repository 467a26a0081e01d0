// Package config loads the batchjobd configuration with viper. Values come
// from defaults, an optional config file and BATCHJOB_* environment
// variables, in increasing precedence.
package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. BATCHJOB_TICK_INTERVAL.
const EnvPrefix = "BATCHJOB"

// Store drivers.
const (
	DriverMemory  = "memory"
	DriverMongoDB = "mongodb"
	DriverSQLite  = "sqlite"
)

// Config is the daemon configuration.
type Config struct {
	PodName         string         `mapstructure:"pod_name"`
	ShutdownTimeout time.Duration  `mapstructure:"shutdown_timeout"`
	Tick            TickConfig     `mapstructure:"tick"`
	Store           StoreConfig    `mapstructure:"store"`
	Peer            PeerConfig     `mapstructure:"peer"`
	Executor        ExecutorConfig `mapstructure:"executor"`
	Queue           QueueConfig    `mapstructure:"queue"`
	HTTP            HTTPConfig     `mapstructure:"http"`
	Log             LogConfig      `mapstructure:"log"`

	// Tenants are upserted into the tenant registry at startup.
	Tenants []TenantSeed `mapstructure:"tenants"`
}

type TickConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	Lookahead   time.Duration `mapstructure:"lookahead"`
	SelfTrigger bool          `mapstructure:"self_trigger"`
}

type StoreConfig struct {
	Driver  string        `mapstructure:"driver"`
	Timeout time.Duration `mapstructure:"timeout"`
	MongoDB MongoDBConfig `mapstructure:"mongodb"`
	SQLite  SQLiteConfig  `mapstructure:"sqlite"`
}

type MongoDBConfig struct {
	URI               string `mapstructure:"uri"`
	Database          string `mapstructure:"database"`
	EntriesCollection string `mapstructure:"entries_collection"`
	TenantsCollection string `mapstructure:"tenants_collection"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type PeerConfig struct {
	Method        string        `mapstructure:"method"`
	URL           string        `mapstructure:"url"` // empty disables forwarding
	Timeout       time.Duration `mapstructure:"timeout"`
	RatePerMinute int           `mapstructure:"rate_per_minute"`
}

type ExecutorConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

type QueueConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	JSON  bool   `mapstructure:"json"`
	Level string `mapstructure:"level"`
}

// TenantSeed declares a tenant and its jobs in the config file.
type TenantSeed struct {
	Name       string            `mapstructure:"name"`
	Status     string            `mapstructure:"status"`
	JobTimeout time.Duration     `mapstructure:"job_timeout"`
	Jobs       map[string]string `mapstructure:"jobs"` // job name -> "<schedule> <target>"
}

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("pod_name", "")
	v.SetDefault("shutdown_timeout", 30*time.Second)

	v.SetDefault("tick.interval", time.Minute)
	v.SetDefault("tick.lookahead", 30*time.Second)
	v.SetDefault("tick.self_trigger", true)

	v.SetDefault("store.driver", DriverMemory)
	v.SetDefault("store.timeout", 30*time.Second)
	v.SetDefault("store.mongodb.uri", "mongodb://localhost:27017")
	v.SetDefault("store.mongodb.database", "batchjob")
	v.SetDefault("store.mongodb.entries_collection", "entries")
	v.SetDefault("store.mongodb.tenants_collection", "tenants")
	v.SetDefault("store.sqlite.path", "batchjob.db")

	v.SetDefault("peer.method", "POST")
	v.SetDefault("peer.url", "")
	v.SetDefault("peer.timeout", 5*time.Second)
	v.SetDefault("peer.rate_per_minute", 60)

	v.SetDefault("executor.base_url", "")
	v.SetDefault("executor.default_timeout", 5*time.Minute)

	v.SetDefault("queue.concurrency", 10)

	v.SetDefault("http.addr", ":8080")

	v.SetDefault("log.json", false)
	v.SetDefault("log.level", "info")
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// Load reads configFile, if given, into v and decodes the result.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %s", configFile)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that have no usable fallback.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory, DriverMongoDB, DriverSQLite:
	default:
		return errors.Newf("store.driver must be one of memory, mongodb, sqlite, got %q", c.Store.Driver)
	}
	if c.Tick.Interval <= 0 {
		return errors.Newf("tick.interval must be positive, got %s", c.Tick.Interval)
	}
	if c.Tick.Lookahead < 0 {
		return errors.Newf("tick.lookahead must not be negative, got %s", c.Tick.Lookahead)
	}
	if c.Executor.BaseURL == "" {
		return errors.New("executor.base_url is required")
	}
	if c.Queue.Concurrency <= 0 {
		return errors.Newf("queue.concurrency must be positive, got %d", c.Queue.Concurrency)
	}
	for _, t := range c.Tenants {
		if t.Name == "" {
			return errors.New("tenants: every tenant needs a name")
		}
	}
	return nil
}
