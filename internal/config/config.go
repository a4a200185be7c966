// Package config handles configuration loading for the MSH daemon.
//
// Configuration is loaded from a YAML file with support for environment
// variable expansion (${VAR} or $VAR syntax). This allows database
// credentials and NATS URLs to be injected at runtime.
//
// # Configuration Sections
//
//   - server: health and metrics listener
//   - storage: SQL database (message logs, locks, PMode tables) and MongoDB
//     (payloads, optionally PMode documents)
//   - resolver: PMode resolution strategy and MPC naming
//   - nats: cluster reload signal, backend notifications, in-flight markers
//     and the outbound queue
//   - scheduler: cron expressions of the reliability sweeps
//   - pmode: file watched for automatic re-upload
//   - logging: level and format
//
// # Example Configuration
//
//	server:
//	  address: ":8080"
//
//	storage:
//	  configurationBackend: sql
//	  sql:
//	    driver: mysql
//	    dsn: ${MSH_DB_DSN}
//	  mongodb:
//	    uri: ${MONGODB_URI}
//	    database: msh
//
//	resolver:
//	  strategy: caching
//
//	nats:
//	  url: nats://localhost:4222
//
//	scheduler:
//	  retrySweep: "@every 10s"
//
// See [Load] for loading configuration from a file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sirosfoundation/go-msh/internal/scheduler"
	"github.com/sirosfoundation/go-msh/pkg/pmode"
	"github.com/sirosfoundation/go-msh/pkg/reliability"
)

const (
	StrategyCaching = "caching"
	StrategyQuery   = "query"

	BackendSQL     = "sql"
	BackendMongoDB = "mongodb"
)

// Config is the root configuration structure
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Resolver  ResolverConfig  `yaml:"resolver"`
	NATS      NATSConfig      `yaml:"nats"`
	Scheduler scheduler.Specs `yaml:"scheduler"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	PMode     PModeConfig     `yaml:"pmode"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"observability"`
}

// ServerConfig holds the HTTP listener
type ServerConfig struct {
	Address string `yaml:"address"`
	// AdminKey guards the /api routes (X-Admin-Key header). Empty disables
	// them.
	AdminKey string `yaml:"adminKey"`
}

// StorageConfig holds database settings
type StorageConfig struct {
	// ConfigurationBackend selects where PMode documents are stored:
	// "sql" (required by the query strategy) or "mongodb"
	ConfigurationBackend string        `yaml:"configurationBackend"`
	SQL                  SQLConfig     `yaml:"sql"`
	MongoDB              MongoDBConfig `yaml:"mongodb"`
}

// SQLConfig holds the relational database settings
type SQLConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// MongoDBConfig holds MongoDB connection settings. An empty URI disables
// MongoDB.
type MongoDBConfig struct {
	URI          string        `yaml:"uri"`
	Database     string        `yaml:"database"`
	PollInterval time.Duration `yaml:"pollInterval"`
	GridFS       struct {
		BucketName     string `yaml:"bucketName"`
		ChunkSizeBytes int    `yaml:"chunkSizeBytes"`
	} `yaml:"gridfs"`
}

// ResolverConfig holds PMode resolution settings
type ResolverConfig struct {
	Strategy                string `yaml:"strategy"`
	LegacyAgreementFallback bool   `yaml:"legacyAgreementFallback"`
	ForcePullByMpc          bool   `yaml:"forcePullByMpc"`
	MpcInitiatorSeparator   string `yaml:"mpcInitiatorSeparator"`
}

// Naming returns the MPC naming rules
func (r ResolverConfig) Naming() pmode.MpcNaming {
	return pmode.MpcNaming{ForcePullByMpc: r.ForcePullByMpc, Separator: r.MpcInitiatorSeparator}
}

// NATSConfig holds NATS settings. An empty URL runs the node standalone:
// in-process queue and markers, outcomes only logged.
type NATSConfig struct {
	URL                 string        `yaml:"url"`
	ReloadSubject       string        `yaml:"reloadSubject"`
	NotifySubjectPrefix string        `yaml:"notifySubjectPrefix"`
	NotifyStream        string        `yaml:"notifyStream"`
	InFlightBucket      string        `yaml:"inFlightBucket"`
	InFlightTTL         time.Duration `yaml:"inFlightTTL"`
	OutboundStream      string        `yaml:"outboundStream"`
	OutboundSubject     string        `yaml:"outboundSubject"`
	OutboundDurable     string        `yaml:"outboundDurable"`
}

// DispatchConfig holds sender settings
type DispatchConfig struct {
	Workers        int `yaml:"workers"`
	QueueSize      int `yaml:"queueSize"`
	RetryBatchSize int `yaml:"retryBatchSize"`
	// StaleEnqueuedAfter is how long a message may stay SEND_ENQUEUED
	// before the retry sweep queues it again
	StaleEnqueuedAfter time.Duration `yaml:"staleEnqueuedAfter"`
}

// PModeConfig holds PMode rollout settings
type PModeConfig struct {
	// WatchFile is uploaded on start and again whenever it changes
	WatchFile string `yaml:"watchFile"`
}

// LoggingConfig holds log output settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SlogLevel returns the configured level
func (l LoggingConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// MetricsConfig holds observability settings
type MetricsConfig struct {
	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"metrics"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse reads configuration from YAML
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply defaults
	cfg.applyDefaults()

	// Validate
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration of a standalone node with a local
// SQLite database
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Storage.ConfigurationBackend == "" {
		c.Storage.ConfigurationBackend = BackendSQL
	}
	if c.Storage.SQL.Driver == "" {
		c.Storage.SQL.Driver = "sqlite"
	}
	if c.Storage.SQL.DSN == "" && c.Storage.SQL.Driver == "sqlite" {
		c.Storage.SQL.DSN = "msh.db"
	}
	if c.Storage.MongoDB.Database == "" {
		c.Storage.MongoDB.Database = "msh"
	}
	if c.Storage.MongoDB.GridFS.BucketName == "" {
		c.Storage.MongoDB.GridFS.BucketName = "payloads"
	}
	if c.Storage.MongoDB.GridFS.ChunkSizeBytes == 0 {
		c.Storage.MongoDB.GridFS.ChunkSizeBytes = 261120 // 255KB
	}
	if c.Storage.MongoDB.PollInterval == 0 {
		c.Storage.MongoDB.PollInterval = 2 * time.Second
	}
	if c.Resolver.Strategy == "" {
		c.Resolver.Strategy = StrategyCaching
	}
	if c.Resolver.MpcInitiatorSeparator == "" {
		c.Resolver.MpcInitiatorSeparator = pmode.DefaultPullSeparator
	}
	if c.NATS.InFlightTTL == 0 {
		c.NATS.InFlightTTL = 30 * time.Minute
	}
	if c.NATS.NotifyStream == "" {
		c.NATS.NotifyStream = "MSH_NOTIFY"
	}
	defaults := scheduler.DefaultSpecs()
	if c.Scheduler == (scheduler.Specs{}) {
		c.Scheduler = defaults
	}
	if c.Dispatch.Workers == 0 {
		c.Dispatch.Workers = 4
	}
	if c.Dispatch.QueueSize == 0 {
		c.Dispatch.QueueSize = 1000
	}
	if c.Dispatch.RetryBatchSize == 0 {
		c.Dispatch.RetryBatchSize = 100
	}
	if c.Dispatch.StaleEnqueuedAfter == 0 {
		c.Dispatch.StaleEnqueuedAfter = reliability.DefaultStaleEnqueued
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Metrics.Path == "" {
		c.Metrics.Metrics.Path = "/metrics"
	}
}

func (c *Config) validate() error {
	switch c.Storage.SQL.Driver {
	case "sqlite", "mysql":
	default:
		return fmt.Errorf("storage.sql.driver must be 'sqlite' or 'mysql', got '%s'", c.Storage.SQL.Driver)
	}
	if c.Storage.SQL.DSN == "" {
		return fmt.Errorf("storage.sql.dsn is required")
	}

	switch c.Storage.ConfigurationBackend {
	case BackendSQL:
	case BackendMongoDB:
		if c.Storage.MongoDB.URI == "" {
			return fmt.Errorf("storage.mongodb.uri is required when configurationBackend is 'mongodb'")
		}
	default:
		return fmt.Errorf("storage.configurationBackend must be 'sql' or 'mongodb', got '%s'", c.Storage.ConfigurationBackend)
	}

	switch c.Resolver.Strategy {
	case StrategyCaching:
	case StrategyQuery:
		if c.Storage.ConfigurationBackend != BackendSQL {
			return fmt.Errorf("resolver.strategy 'query' requires storage.configurationBackend 'sql'")
		}
	default:
		return fmt.Errorf("resolver.strategy must be 'caching' or 'query', got '%s'", c.Resolver.Strategy)
	}
	if strings.Contains(c.Resolver.MpcInitiatorSeparator, "/") {
		return fmt.Errorf("resolver.mpcInitiatorSeparator must not contain '/'")
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be 'text' or 'json', got '%s'", c.Logging.Format)
	}

	if c.Dispatch.Workers < 0 {
		return fmt.Errorf("dispatch.workers must not be negative")
	}
	if c.Dispatch.StaleEnqueuedAfter < 0 {
		return fmt.Errorf("dispatch.staleEnqueuedAfter must not be negative")
	}

	return c.Scheduler.Validate()
}
