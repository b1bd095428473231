// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Backends holds the base URLs of the two database instances the proxy
// fronts and the liveness path the health prober calls on each.
type Backends struct {
	PrimaryURL   string `mapstructure:"primary_url"`
	ReplicaURL   string `mapstructure:"replica_url"`
	LivenessPath string `mapstructure:"liveness_path"`
}

type Store struct {
	DatabaseURL string        `mapstructure:"database_url"`
	MaxConns    int           `mapstructure:"max_conns"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type Health struct {
	CheckInterval     time.Duration `mapstructure:"check_interval"`
	FailureThreshold  int           `mapstructure:"failure_threshold"`
	ProbeTimeout      time.Duration `mapstructure:"probe_timeout"`
}

type WAL struct {
	SyncInterval        time.Duration `mapstructure:"sync_interval"`
	BatchSize           int           `mapstructure:"batch_size"`
	HighVolumeBatchSize int           `mapstructure:"high_volume_batch_size"`
	MemoryThresholdPct  float64       `mapstructure:"memory_threshold"`
	CPUThresholdPct     float64       `mapstructure:"cpu_threshold"`
	RetryAttempts       int           `mapstructure:"retry_attempts"`
	RetryDelay          time.Duration `mapstructure:"retry_delay"`
	DeletionConversion  bool          `mapstructure:"deletion_conversion"`
	MaxConcurrentSync   int           `mapstructure:"max_concurrent_sync"`
}

type Ledger struct {
	RecoveryInterval time.Duration `mapstructure:"recovery_interval"`
	MaxRetries       int           `mapstructure:"max_retries"`
	RecoveryBatch    int           `mapstructure:"recovery_batch"`
}

type Routing struct {
	ReadReplicaRatio  float64       `mapstructure:"read_replica_ratio"`
	ConsistencyWindow time.Duration `mapstructure:"consistency_window"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
}

type Retention struct {
	WALDays    int `mapstructure:"wal_days"`
	LedgerDays int `mapstructure:"ledger_days"`
}

type Observability struct {
	ListenAddr  string `mapstructure:"listen_addr"`
	MetricsPort int    `mapstructure:"metrics_port"`
	LogLevel    string `mapstructure:"log_level"`
}

type Config struct {
	Backends      Backends      `mapstructure:"backends"`
	Store         Store         `mapstructure:"store"`
	Health        Health        `mapstructure:"health"`
	WAL           WAL           `mapstructure:"wal"`
	Ledger        Ledger        `mapstructure:"ledger"`
	Routing       Routing       `mapstructure:"routing"`
	Retention     Retention     `mapstructure:"retention"`
	Observability Observability `mapstructure:"observability"`
	MaxWorkers    int           `mapstructure:"max_workers"`
	MaxMemoryMB   int           `mapstructure:"max_memory_mb"`
}

func defaultConfig() *Config {
	return &Config{
		Backends: Backends{
			LivenessPath: "/api/v2/version",
		},
		Store: Store{
			MaxConns: 10,
			Timeout:  15 * time.Second,
		},
		Health: Health{
			CheckInterval:    30 * time.Second,
			FailureThreshold: 3,
			ProbeTimeout:     10 * time.Second,
		},
		WAL: WAL{
			SyncInterval:        10 * time.Second,
			BatchSize:           50,
			HighVolumeBatchSize: 200,
			MemoryThresholdPct:  80,
			CPUThresholdPct:     80,
			RetryAttempts:       3,
			RetryDelay:          5 * time.Second,
			DeletionConversion:  true,
			MaxConcurrentSync:   3,
		},
		Ledger: Ledger{
			RecoveryInterval: 30 * time.Second,
			MaxRetries:       3,
			RecoveryBatch:    20,
		},
		Routing: Routing{
			ReadReplicaRatio:  0.8,
			ConsistencyWindow: 30 * time.Second,
			RequestTimeout:    15 * time.Second,
		},
		Retention: Retention{
			WALDays:    7,
			LedgerDays: 7,
		},
		Observability: Observability{
			ListenAddr:  ":8080",
			MetricsPort: 9090,
			LogLevel:    "info",
		},
		MaxWorkers:  3,
		MaxMemoryMB: 450,
	}
}

// Load reads configuration from a YAML file (if present) layered under
// environment-variable overrides, matching the §6 Configuration table's
// keys (e.g. PRIMARY_URL, WAL_SYNC_INTERVAL).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindSpecEnvVars(v)

	def := defaultConfig()
	v.SetDefault("backends.primary_url", def.Backends.PrimaryURL)
	v.SetDefault("backends.replica_url", def.Backends.ReplicaURL)
	v.SetDefault("backends.liveness_path", def.Backends.LivenessPath)

	v.SetDefault("store.database_url", def.Store.DatabaseURL)
	v.SetDefault("store.max_conns", def.Store.MaxConns)
	v.SetDefault("store.timeout", def.Store.Timeout)

	v.SetDefault("health.check_interval", def.Health.CheckInterval)
	v.SetDefault("health.failure_threshold", def.Health.FailureThreshold)
	v.SetDefault("health.probe_timeout", def.Health.ProbeTimeout)

	v.SetDefault("wal.sync_interval", def.WAL.SyncInterval)
	v.SetDefault("wal.batch_size", def.WAL.BatchSize)
	v.SetDefault("wal.high_volume_batch_size", def.WAL.HighVolumeBatchSize)
	v.SetDefault("wal.memory_threshold", def.WAL.MemoryThresholdPct)
	v.SetDefault("wal.cpu_threshold", def.WAL.CPUThresholdPct)
	v.SetDefault("wal.retry_attempts", def.WAL.RetryAttempts)
	v.SetDefault("wal.retry_delay", def.WAL.RetryDelay)
	v.SetDefault("wal.deletion_conversion", def.WAL.DeletionConversion)
	v.SetDefault("wal.max_concurrent_sync", def.WAL.MaxConcurrentSync)

	v.SetDefault("ledger.recovery_interval", def.Ledger.RecoveryInterval)
	v.SetDefault("ledger.max_retries", def.Ledger.MaxRetries)
	v.SetDefault("ledger.recovery_batch", def.Ledger.RecoveryBatch)

	v.SetDefault("routing.read_replica_ratio", def.Routing.ReadReplicaRatio)
	v.SetDefault("routing.consistency_window", def.Routing.ConsistencyWindow)
	v.SetDefault("routing.request_timeout", def.Routing.RequestTimeout)

	v.SetDefault("retention.wal_days", def.Retention.WALDays)
	v.SetDefault("retention.ledger_days", def.Retention.LedgerDays)

	v.SetDefault("observability.listen_addr", def.Observability.ListenAddr)
	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)

	v.SetDefault("max_workers", def.MaxWorkers)
	v.SetDefault("max_memory_mb", def.MaxMemoryMB)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// bindSpecEnvVars binds the flat environment-variable names from §6's
// Configuration table onto their nested mapstructure keys. Without this,
// viper's AutomaticEnv would only see the derived BACKENDS_PRIMARY_URL
// form, not the spec's PRIMARY_URL.
func bindSpecEnvVars(v *viper.Viper) {
	pairs := map[string]string{
		"backends.primary_url":           "PRIMARY_URL",
		"backends.replica_url":           "REPLICA_URL",
		"store.database_url":             "DATABASE_URL",
		"health.check_interval":          "CHECK_INTERVAL",
		"health.failure_threshold":       "FAILURE_THRESHOLD",
		"wal.sync_interval":              "WAL_SYNC_INTERVAL",
		"wal.batch_size":                 "WAL_BATCH_SIZE",
		"wal.high_volume_batch_size":     "WAL_HIGH_VOLUME_BATCH_SIZE",
		"wal.memory_threshold":           "WAL_MEMORY_THRESHOLD",
		"wal.cpu_threshold":              "WAL_CPU_THRESHOLD",
		"wal.retry_attempts":             "WAL_RETRY_ATTEMPTS",
		"wal.retry_delay":                "WAL_RETRY_DELAY",
		"wal.deletion_conversion":        "WAL_DELETION_CONVERSION",
		"routing.read_replica_ratio":     "READ_REPLICA_RATIO",
		"routing.consistency_window":     "CONSISTENCY_WINDOW",
		"routing.request_timeout":        "REQUEST_TIMEOUT",
		"max_workers":                    "MAX_WORKERS",
		"max_memory_mb":                  "MAX_MEMORY_MB",
	}
	for key, env := range pairs {
		_ = v.BindEnv(key, env)
	}
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	if cfg.Backends.PrimaryURL == "" {
		return fmt.Errorf("backends.primary_url is required")
	}
	if cfg.Backends.ReplicaURL == "" {
		return fmt.Errorf("backends.replica_url is required")
	}
	if cfg.Store.DatabaseURL == "" {
		return fmt.Errorf("store.database_url is required")
	}
	if cfg.Health.FailureThreshold < 1 {
		return fmt.Errorf("health.failure_threshold must be >= 1")
	}
	if cfg.WAL.BatchSize < 1 || cfg.WAL.HighVolumeBatchSize < cfg.WAL.BatchSize {
		return fmt.Errorf("wal.batch_size must be >=1 and <= wal.high_volume_batch_size")
	}
	if cfg.Routing.ReadReplicaRatio < 0 || cfg.Routing.ReadReplicaRatio > 1 {
		return fmt.Errorf("routing.read_replica_ratio must be in [0,1]")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	if cfg.MaxWorkers < 1 {
		return fmt.Errorf("max_workers must be >= 1")
	}
	return nil
}
