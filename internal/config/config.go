// Package config loads and validates AeroDB's JSON configuration.
//
// Adapted from bunbase's pkg/config, which binds environment/file config
// into a typed struct via viper. AeroDB's configuration is file-based JSON
// (spec §6) rather than .env, so this version points viper at a JSON file
// and layers an AERODB_ environment override on top, keeping the teacher's
// "read file, then let env win" precedence.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/aerodb/aerodb/internal/aeroerr"
)

// BackpressureConfig mirrors spec §6 "backpressure.*" options.
type BackpressureConfig struct {
	MaxConnections    int `mapstructure:"max_connections" json:"max_connections"`
	MaxQueueDepth     int `mapstructure:"max_queue_depth" json:"max_queue_depth"`
	MaxOpsPerConn     int `mapstructure:"max_ops_per_connection" json:"max_ops_per_connection"`
	QueueTimeoutMs    int `mapstructure:"queue_timeout_ms" json:"queue_timeout_ms"`
}

// ResourceLimitsConfig mirrors spec §6 "resource_limits.*" options.
type ResourceLimitsConfig struct {
	MinFreeDiskBytes        int64 `mapstructure:"min_free_disk_bytes" json:"min_free_disk_bytes"`
	WarningThresholdPercent int   `mapstructure:"warning_threshold_percent" json:"warning_threshold_percent"`
	CriticalThresholdPercent int  `mapstructure:"critical_threshold_percent" json:"critical_threshold_percent"`
}

// BackupConfig mirrors spec §6 "backup.*" options.
type BackupConfig struct {
	Enabled      bool   `mapstructure:"enabled" json:"enabled"`
	IntervalHrs  int    `mapstructure:"interval_hours" json:"interval_hours"`
	MaxBackups   int    `mapstructure:"max_backups" json:"max_backups"`
	BackupDir    string `mapstructure:"backup_dir" json:"backup_dir"`
}

// Config is the root configuration object (spec §6).
type Config struct {
	DataDir              string               `mapstructure:"data_dir" json:"data_dir"`
	MaxWALSizeBytes      int64                `mapstructure:"max_wal_size_bytes" json:"max_wal_size_bytes"`
	MaxMemoryBytes       int64                `mapstructure:"max_memory_bytes" json:"max_memory_bytes"`
	WALSyncMode          string               `mapstructure:"wal_sync_mode" json:"wal_sync_mode"`
	MaxWritesPerSecond   float64              `mapstructure:"max_writes_per_second" json:"max_writes_per_second"`
	MaxConcurrentQueries int64                `mapstructure:"max_concurrent_queries" json:"max_concurrent_queries"`
	Backpressure         BackpressureConfig   `mapstructure:"backpressure" json:"backpressure"`
	ResourceLimits       ResourceLimitsConfig `mapstructure:"resource_limits" json:"resource_limits"`
	Backup               BackupConfig         `mapstructure:"backup" json:"backup"`
}

// Defaults returns a Config pre-populated with spec §6 defaults.
func Defaults() Config {
	return Config{
		MaxWALSizeBytes:      1 << 30, // 1 GiB
		MaxMemoryBytes:       512 << 20, // 512 MiB
		WALSyncMode:          "fsync",
		MaxWritesPerSecond:   0,
		MaxConcurrentQueries: 0,
		Backpressure: BackpressureConfig{
			MaxConnections: 1000,
			MaxQueueDepth:  10000,
			MaxOpsPerConn:  1000,
			QueueTimeoutMs: 5000,
		},
		ResourceLimits: ResourceLimitsConfig{
			MinFreeDiskBytes:         0,
			WarningThresholdPercent:  75,
			CriticalThresholdPercent: 90,
		},
		Backup: BackupConfig{
			Enabled:     false,
			IntervalHrs: 24,
			MaxBackups:  7,
		},
	}
}

// EnvPathVar is the environment variable that overrides the config path.
const EnvPathVar = "AERODB_CONFIG"

// Load reads JSON configuration from path (or $AERODB_CONFIG if path is
// empty), overlays AERODB_-prefixed environment variables, and validates
// the recognized fields.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvPathVar)
	}
	if path == "" {
		return nil, aeroerr.New(aeroerr.CodeInvalidConfig, "no config path provided", aeroerr.SeverityError)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")

	cfg := Defaults()
	for k, val := range flatten(cfg) {
		v.SetDefault(k, val)
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, aeroerr.Wrap(aeroerr.CodeInvalidConfig, "failed to read config file", aeroerr.SeverityError, err)
	}

	applyEnvOverrides(v, "AERODB_")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, aeroerr.Wrap(aeroerr.CodeInvalidConfig, "failed to unmarshal config", aeroerr.SeverityError, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the recognized-option constraints from spec §6.
func Validate(cfg *Config) error {
	if cfg.DataDir == "" {
		return aeroerr.New(aeroerr.CodeInvalidConfig, "data_dir is required", aeroerr.SeverityError)
	}
	if cfg.WALSyncMode != "fsync" {
		return aeroerr.New(aeroerr.CodeInvalidConfig, fmt.Sprintf("wal_sync_mode %q is not a recognized value (only \"fsync\" is accepted)", cfg.WALSyncMode), aeroerr.SeverityError)
	}
	if cfg.MaxWALSizeBytes <= 0 {
		return aeroerr.New(aeroerr.CodeInvalidConfig, "max_wal_size_bytes must be positive", aeroerr.SeverityError)
	}
	if cfg.MaxMemoryBytes <= 0 {
		return aeroerr.New(aeroerr.CodeInvalidConfig, "max_memory_bytes must be positive", aeroerr.SeverityError)
	}
	if cfg.MaxWritesPerSecond < 0 {
		return aeroerr.New(aeroerr.CodeInvalidConfig, "max_writes_per_second must be non-negative", aeroerr.SeverityError)
	}
	if cfg.MaxConcurrentQueries < 0 {
		return aeroerr.New(aeroerr.CodeInvalidConfig, "max_concurrent_queries must be non-negative", aeroerr.SeverityError)
	}
	return nil
}

// applyEnvOverrides mimics bunbase/pkg/config's manual env-to-viper-key
// translation (AERODB_BACKUP_MAX_BACKUPS -> backup.max_backups), since
// viper's AutomaticEnv doesn't bind unknown keys without this.
func applyEnvOverrides(v *viper.Viper, prefix string) {
	for _, envStr := range os.Environ() {
		pair := strings.SplitN(envStr, "=", 2)
		if len(pair) != 2 {
			continue
		}
		key, value := pair[0], pair[1]
		if key == prefix+"CONFIG" {
			continue // reserved for the path override itself
		}
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		envKey := strings.TrimPrefix(key, prefix)
		for _, propKey := range v.AllKeys() {
			if strings.ToUpper(strings.ReplaceAll(propKey, ".", "_")) == envKey {
				v.Set(propKey, value)
			}
		}
	}
}

// flatten turns a Config's defaults into viper dotted-key defaults so
// ReadInConfig + partial JSON still yields full defaults for untouched
// fields.
func flatten(cfg Config) map[string]interface{} {
	return map[string]interface{}{
		"max_wal_size_bytes":                     cfg.MaxWALSizeBytes,
		"max_memory_bytes":                       cfg.MaxMemoryBytes,
		"wal_sync_mode":                          cfg.WALSyncMode,
		"max_writes_per_second":                  cfg.MaxWritesPerSecond,
		"max_concurrent_queries":                 cfg.MaxConcurrentQueries,
		"backpressure.max_connections":           cfg.Backpressure.MaxConnections,
		"backpressure.max_queue_depth":           cfg.Backpressure.MaxQueueDepth,
		"backpressure.max_ops_per_connection":    cfg.Backpressure.MaxOpsPerConn,
		"backpressure.queue_timeout_ms":          cfg.Backpressure.QueueTimeoutMs,
		"resource_limits.min_free_disk_bytes":        cfg.ResourceLimits.MinFreeDiskBytes,
		"resource_limits.warning_threshold_percent":  cfg.ResourceLimits.WarningThresholdPercent,
		"resource_limits.critical_threshold_percent": cfg.ResourceLimits.CriticalThresholdPercent,
		"backup.enabled":       cfg.Backup.Enabled,
		"backup.interval_hours": cfg.Backup.IntervalHrs,
		"backup.max_backups":   cfg.Backup.MaxBackups,
	}
}
