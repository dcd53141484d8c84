// Package config provides configuration loading and management for the annotation service.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/partonomy/annotator/internal/telemetry"
)

// EnvPrefix is the prefix of environment variables read by the service
const EnvPrefix = "ANNOTATOR"

const (
	// StoreTypeMemory keeps shared state inside the process
	StoreTypeMemory = "memory"

	// StoreTypeRedis keeps shared state in Redis
	StoreTypeRedis = "redis"

	// StoreTypePostgres keeps shared state in PostgreSQL
	StoreTypePostgres = "postgres"
)

const (
	// QueueStrategyDeferred serves never-annotated categories first
	QueueStrategyDeferred = "deferred"

	// QueueStrategyMinHeap balances categories by running totals
	QueueStrategyMinHeap = "min-heap"

	// QueueStrategyNone orders images by path
	QueueStrategyNone = "none"
)

const (
	defaultSnapshotFile    = "annotations.json"
	defaultBackupDir       = "backups"
	defaultRedisAddress    = "localhost:6379"
	defaultLockTTL         = 5 * time.Minute
	defaultBlockingTimeout = 30 * time.Second
	defaultRetryTimes      = 3
	defaultRetryDelay      = time.Second
	defaultPollInterval    = 100 * time.Millisecond
	defaultSegmentTimeout  = 30 * time.Second
	defaultCacheTTL        = 30 * time.Minute
	defaultCacheSize       = 1024
)

// Option defines the interface for configuration options
type Option func(*loaderConfig) error

// loaderConfig defines the configuration for loading a configuration
type loaderConfig struct {
	path string
}

// WithConfigPath loads configuration from a YAML file
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}

		// Resolve symlinks to prevent symlink attacks.
		// Note that this calls filepath.Clean internally.
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}

		if !filepath.IsAbs(realPath) && !filepath.IsLocal(realPath) {
			return fmt.Errorf("path is not local or contains invalid traversal: %s", path)
		}

		cfg.path = realPath
		return nil
	}
}

// Config represents the root configuration structure
type Config struct {
	Dataset      DatasetConfig       `yaml:"dataset"`
	Store        StoreConfig         `yaml:"store"`
	Locks        *LockConfig         `yaml:"locks,omitempty"`
	Queue        *QueueConfig        `yaml:"queue,omitempty"`
	Segmentation *SegmentationConfig `yaml:"segmentation,omitempty"`
	Telemetry    *telemetry.Config   `yaml:"telemetry,omitempty"`
}

// DatasetConfig locates the images, raw masks and the durable snapshot
type DatasetConfig struct {
	// ImagesDir is the directory image paths are resolved against
	ImagesDir string `yaml:"imagesDir"`

	// MasksDir holds graph.yaml and the *.json mask manifests
	MasksDir string `yaml:"masksDir"`

	// SnapshotFile is the durable annotation snapshot
	// Defaults to "annotations.json" inside the masks directory
	SnapshotFile string `yaml:"snapshotFile,omitempty"`

	// BackupDir receives timestamped snapshot copies before maintenance edits
	BackupDir string `yaml:"backupDir,omitempty"`

	// RequireImages drops manifest entries whose image file is absent
	RequireImages bool `yaml:"requireImages,omitempty"`

	// Workers bounds the number of manifests parsed concurrently
	Workers int `yaml:"workers,omitempty"`
}

// StoreConfig selects the shared store backend
type StoreConfig struct {
	// Type is one of memory, redis or postgres
	Type     string          `yaml:"type"`
	Redis    *RedisConfig    `yaml:"redis,omitempty"`
	Database *DatabaseConfig `yaml:"database,omitempty"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	// Addresses lists one address for a single node, several for a cluster
	Addresses []string `yaml:"addresses,omitempty"`

	// MasterName enables sentinel mode
	MasterName string `yaml:"masterName,omitempty"`

	Username     string `yaml:"username,omitempty"`
	PasswordFile string `yaml:"passwordFile,omitempty"`
	DB           int    `yaml:"db,omitempty"`
	PoolSize     int    `yaml:"poolSize,omitempty"`
}

// DatabaseConfig defines database connection settings
type DatabaseConfig struct {
	// Host is the database server hostname or IP address
	Host string `yaml:"host"`

	// Port is the database server port
	Port int `yaml:"port"`

	// User is the database username
	User string `yaml:"user"`

	// PasswordFile is the path to a file containing the database password
	// The file should contain only the password with optional trailing whitespace
	PasswordFile string `yaml:"passwordFile,omitempty"`

	// Database is the database name
	Database string `yaml:"database"`

	// SSLMode is the SSL mode for the connection (disable, require, verify-ca, verify-full)
	SSLMode string `yaml:"sslMode,omitempty"`

	// MaxOpenConns is the maximum number of open connections to the database
	MaxOpenConns int32 `yaml:"maxOpenConns,omitempty"`

	// MaxIdleConns is the maximum number of idle connections in the pool
	MaxIdleConns int32 `yaml:"maxIdleConns,omitempty"`

	// ConnMaxLifetime is the maximum lifetime of a connection (e.g., "1h", "30m")
	ConnMaxLifetime string `yaml:"connMaxLifetime,omitempty"`
}

// LockConfig tunes the distributed lock service. Durations use Go syntax.
type LockConfig struct {
	TTL             string `yaml:"ttl,omitempty"`
	BlockingTimeout string `yaml:"blockingTimeout,omitempty"`
	RetryTimes      int    `yaml:"retryTimes,omitempty"`
	RetryDelay      string `yaml:"retryDelay,omitempty"`
	PollInterval    string `yaml:"pollInterval,omitempty"`
}

// QueueConfig selects the work queue ordering
type QueueConfig struct {
	Strategy  string `yaml:"strategy,omitempty"`
	BatchSize int    `yaml:"batchSize,omitempty"`
}

// SegmentationConfig points at the segmentation model service
type SegmentationConfig struct {
	// Endpoint is the base URL of the model service; empty disables prompts
	Endpoint  string `yaml:"endpoint,omitempty"`
	Timeout   string `yaml:"timeout,omitempty"`
	CacheTTL  string `yaml:"cacheTTL,omitempty"`
	CacheSize int    `yaml:"cacheSize,omitempty"`
}

// LoadConfig loads and parses configuration from a YAML file
func LoadConfig(opts ...Option) (*Config, error) {
	loaderCfg := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(loaderCfg); err != nil {
			return nil, err
		}
	}

	if loaderCfg.path == "" {
		return nil, fmt.Errorf("path is required")
	}

	data, err := os.ReadFile(loaderCfg.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// GetSnapshotFile returns the snapshot path, defaulting next to the masks
func (d *DatasetConfig) GetSnapshotFile() string {
	if d.SnapshotFile != "" {
		return d.SnapshotFile
	}
	return filepath.Join(d.MasksDir, defaultSnapshotFile)
}

// GetBackupDir returns the backup directory, defaulting next to the snapshot
func (d *DatasetConfig) GetBackupDir() string {
	if d.BackupDir != "" {
		return d.BackupDir
	}
	return filepath.Join(filepath.Dir(d.GetSnapshotFile()), defaultBackupDir)
}

// GetType returns the store type, using memory if not specified
func (s *StoreConfig) GetType() string {
	if s.Type == "" {
		return StoreTypeMemory
	}
	return s.Type
}

// GetAddresses returns the configured Redis addresses or the local default
func (r *RedisConfig) GetAddresses() []string {
	if len(r.Addresses) == 0 {
		return []string{defaultRedisAddress}
	}
	return r.Addresses
}

// GetPassword returns the Redis password from PasswordFile or the
// ANNOTATOR_REDIS_PASSWORD environment variable. An unset password is valid.
func (r *RedisConfig) GetPassword() (string, error) {
	if r.PasswordFile != "" {
		return readSecret(r.PasswordFile)
	}
	return os.Getenv(EnvPrefix + "_REDIS_PASSWORD"), nil
}

// GetPassword returns the database password using the following priority:
// 1. Read from PasswordFile if specified
// 2. Read from ANNOTATOR_DATABASE_PASSWORD environment variable
func (d *DatabaseConfig) GetPassword() (string, error) {
	if d.PasswordFile != "" {
		return readSecret(d.PasswordFile)
	}

	if envPassword := os.Getenv(EnvPrefix + "_DATABASE_PASSWORD"); envPassword != "" {
		return envPassword, nil
	}

	return "", fmt.Errorf(
		"no database password configured: set passwordFile or %s_DATABASE_PASSWORD environment variable",
		EnvPrefix,
	)
}

// GetConnectionString builds a PostgreSQL connection string with proper password handling.
// The password is URL-escaped to handle special characters safely.
func (d *DatabaseConfig) GetConnectionString() (string, error) {
	password, err := d.GetPassword()
	if err != nil {
		return "", err
	}

	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}

	connString := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(d.User),
		url.QueryEscape(password),
		d.Host,
		d.Port,
		d.Database,
		sslMode,
	)

	return connString, nil
}

// GetConnMaxLifetime returns the parsed connection lifetime, zero when unset
func (d *DatabaseConfig) GetConnMaxLifetime() time.Duration {
	return durationOr(d.ConnMaxLifetime, 0)
}

// GetTTL returns the lock TTL
func (l *LockConfig) GetTTL() time.Duration {
	if l == nil {
		return defaultLockTTL
	}
	return durationOr(l.TTL, defaultLockTTL)
}

// GetBlockingTimeout returns how long a blocking acquire may wait
func (l *LockConfig) GetBlockingTimeout() time.Duration {
	if l == nil {
		return defaultBlockingTimeout
	}
	return durationOr(l.BlockingTimeout, defaultBlockingTimeout)
}

// GetRetryTimes returns the number of attempts in retry mode
func (l *LockConfig) GetRetryTimes() int {
	if l == nil || l.RetryTimes == 0 {
		return defaultRetryTimes
	}
	return l.RetryTimes
}

// GetRetryDelay returns the pause between retry mode attempts
func (l *LockConfig) GetRetryDelay() time.Duration {
	if l == nil {
		return defaultRetryDelay
	}
	return durationOr(l.RetryDelay, defaultRetryDelay)
}

// GetPollInterval returns the blocking mode poll interval
func (l *LockConfig) GetPollInterval() time.Duration {
	if l == nil {
		return defaultPollInterval
	}
	return durationOr(l.PollInterval, defaultPollInterval)
}

// GetStrategy returns the queue strategy, using deferred if not specified
func (q *QueueConfig) GetStrategy() string {
	if q == nil || q.Strategy == "" {
		return QueueStrategyDeferred
	}
	return q.Strategy
}

// GetBatchSize returns how many images a category contributes per turn
func (q *QueueConfig) GetBatchSize() int {
	if q == nil || q.BatchSize == 0 {
		return 1
	}
	return q.BatchSize
}

// Enabled reports whether a segmentation endpoint is configured
func (s *SegmentationConfig) Enabled() bool {
	return s != nil && s.Endpoint != ""
}

// GetTimeout returns the model request timeout
func (s *SegmentationConfig) GetTimeout() time.Duration {
	if s == nil {
		return defaultSegmentTimeout
	}
	return durationOr(s.Timeout, defaultSegmentTimeout)
}

// GetCacheTTL returns the idle lifetime of a session cache entry
func (s *SegmentationConfig) GetCacheTTL() time.Duration {
	if s == nil {
		return defaultCacheTTL
	}
	return durationOr(s.CacheTTL, defaultCacheTTL)
}

// GetCacheSize returns the maximum number of cached (session, image) pairs
func (s *SegmentationConfig) GetCacheSize() int {
	if s == nil || s.CacheSize == 0 {
		return defaultCacheSize
	}
	return s.CacheSize
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if c.Dataset.MasksDir == "" {
		return fmt.Errorf("dataset.masksDir is required")
	}
	if c.Dataset.Workers < 0 {
		return fmt.Errorf("dataset.workers must not be negative")
	}

	if err := c.Store.validate(); err != nil {
		return err
	}
	if err := c.Locks.validate(); err != nil {
		return err
	}
	if err := c.Queue.validate(); err != nil {
		return err
	}
	if err := c.Segmentation.validate(); err != nil {
		return err
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	return nil
}

func (s *StoreConfig) validate() error {
	switch s.GetType() {
	case StoreTypeMemory:
		return nil
	case StoreTypeRedis:
		if s.Redis == nil {
			return fmt.Errorf("store.redis is required when store.type is %s", StoreTypeRedis)
		}
		return nil
	case StoreTypePostgres:
		if s.Database == nil {
			return fmt.Errorf("store.database is required when store.type is %s", StoreTypePostgres)
		}
		if s.Database.Host == "" || s.Database.Database == "" {
			return fmt.Errorf("store.database.host and store.database.database are required")
		}
		if err := validateDuration("store.database.connMaxLifetime", s.Database.ConnMaxLifetime); err != nil {
			return err
		}
		return nil
	default:
		return fmt.Errorf("store.type must be one of %s, %s or %s, got %q",
			StoreTypeMemory, StoreTypeRedis, StoreTypePostgres, s.Type)
	}
}

func (l *LockConfig) validate() error {
	if l == nil {
		return nil
	}
	for field, value := range map[string]string{
		"locks.ttl":             l.TTL,
		"locks.blockingTimeout": l.BlockingTimeout,
		"locks.retryDelay":      l.RetryDelay,
		"locks.pollInterval":    l.PollInterval,
	} {
		if err := validateDuration(field, value); err != nil {
			return err
		}
	}
	if l.RetryTimes < 0 {
		return fmt.Errorf("locks.retryTimes must not be negative")
	}
	if l.GetBlockingTimeout() >= l.GetTTL() {
		return fmt.Errorf("locks.blockingTimeout must be shorter than locks.ttl")
	}
	return nil
}

func (q *QueueConfig) validate() error {
	if q == nil {
		return nil
	}
	switch q.GetStrategy() {
	case QueueStrategyDeferred, QueueStrategyMinHeap, QueueStrategyNone:
	default:
		return fmt.Errorf("queue.strategy must be one of %s, %s or %s, got %q",
			QueueStrategyDeferred, QueueStrategyMinHeap, QueueStrategyNone, q.Strategy)
	}
	if q.BatchSize < 0 {
		return fmt.Errorf("queue.batchSize must not be negative")
	}
	return nil
}

func (s *SegmentationConfig) validate() error {
	if s == nil {
		return nil
	}
	if s.Endpoint != "" {
		u, err := url.Parse(s.Endpoint)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("segmentation.endpoint must be an absolute URL, got %q", s.Endpoint)
		}
	}
	if err := validateDuration("segmentation.timeout", s.Timeout); err != nil {
		return err
	}
	if err := validateDuration("segmentation.cacheTTL", s.CacheTTL); err != nil {
		return err
	}
	if s.CacheSize < 0 {
		return fmt.Errorf("segmentation.cacheSize must not be negative")
	}
	return nil
}

func validateDuration(field, value string) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s must be a valid duration (e.g., '30s', '5m'): %w", field, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s must be positive", field)
	}
	return nil
}

// durationOr parses a validated duration, falling back when unset
func durationOr(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

func readSecret(path string) (string, error) {
	// Use filepath.Clean to prevent path traversal attacks
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("failed to read password from file %s: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}
