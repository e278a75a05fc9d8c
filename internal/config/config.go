// Package config loads the engine's configuration.
//
// Precedence matches the teacher app's Load(): defaults < config.json <
// environment variables. All job-lifecycle knobs are environment-style
// keys per the service's external-interfaces contract.
package config

import (
	"encoding/json"
	"os"
	"strconv"
)

// Config holds the immutable, process-wide engine configuration. It is
// loaded once at startup and injected into Dispatcher/Runner/Reconciler;
// nothing in the engine reads os.Getenv directly after Load returns.
type Config struct {
	DBPath string

	JobsPerMinLimit           int
	ConcurrentJobsLimit       int
	JobLeaseSeconds           int
	JobRetryDelaySeconds      int
	JobThrottleBackoffSeconds int
	JobPendingTimeoutSeconds  int
	JobRetryScanSeconds       int

	DefaultMaxAttempts int
	MaxAttemptsCeiling int
	MinAttemptsFloor   int

	LeaseSecondsFloor   int
	LeaseSecondsCeiling int

	RetryInSecondsFloor   int
	RetryInSecondsCeiling int

	// WorkerCount is the size of the Runner's in-process worker pool.
	WorkerCount int
	// ReconcilerBatchSize bounds how many jobs each reconciler category
	// processes per sweep (spec: at most 50 per category).
	ReconcilerBatchSize int
}

// fileConfig mirrors the subset of Config an operator may override via a
// JSON file on disk, before environment variables take the final say.
type fileConfig struct {
	DBPath                    string `json:"db_path,omitempty"`
	JobsPerMinLimit           int    `json:"jobs_per_min_limit,omitempty"`
	ConcurrentJobsLimit       int    `json:"concurrent_jobs_limit,omitempty"`
	JobLeaseSeconds           int    `json:"job_lease_seconds,omitempty"`
	JobRetryDelaySeconds      int    `json:"job_retry_delay_seconds,omitempty"`
	JobThrottleBackoffSeconds int    `json:"job_throttle_backoff_seconds,omitempty"`
	JobPendingTimeoutSeconds  int    `json:"job_pending_timeout_seconds,omitempty"`
	JobRetryScanSeconds       int    `json:"job_retry_scan_seconds,omitempty"`
	WorkerCount               int    `json:"worker_count,omitempty"`
}

// Default returns the engine's default configuration (spec §6 defaults).
func Default() Config {
	return Config{
		DBPath:                    "jobqueue.db",
		JobsPerMinLimit:           4,
		ConcurrentJobsLimit:       2,
		JobLeaseSeconds:           60,
		JobRetryDelaySeconds:      5,
		JobThrottleBackoffSeconds: 15,
		JobPendingTimeoutSeconds:  10,
		JobRetryScanSeconds:       5,
		DefaultMaxAttempts:        3,
		MinAttemptsFloor:          1,
		MaxAttemptsCeiling:        10,
		LeaseSecondsFloor:         30,
		LeaseSecondsCeiling:       900,
		RetryInSecondsFloor:       30,
		RetryInSecondsCeiling:     86400,
		WorkerCount:               10,
		ReconcilerBatchSize:       50,
	}
}

// ConfigPath returns the path to the optional config.json override file.
func ConfigPath() string {
	if p := os.Getenv("JOB_QUEUE_CONFIG_PATH"); p != "" {
		return p
	}
	return "config.json"
}

// Load returns a Config with file and environment overrides applied on
// top of the defaults.
func Load() Config {
	cfg := Default()

	if fc := loadFileConfig(ConfigPath()); fc != nil {
		applyFileConfig(&cfg, fc)
	}

	applyEnvOverrides(&cfg)
	return cfg
}

func loadFileConfig(path string) *fileConfig {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var fc fileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil
	}
	return &fc
}

func applyFileConfig(cfg *Config, fc *fileConfig) {
	if fc.DBPath != "" {
		cfg.DBPath = fc.DBPath
	}
	if fc.JobsPerMinLimit > 0 {
		cfg.JobsPerMinLimit = fc.JobsPerMinLimit
	}
	if fc.ConcurrentJobsLimit > 0 {
		cfg.ConcurrentJobsLimit = fc.ConcurrentJobsLimit
	}
	if fc.JobLeaseSeconds > 0 {
		cfg.JobLeaseSeconds = fc.JobLeaseSeconds
	}
	if fc.JobRetryDelaySeconds > 0 {
		cfg.JobRetryDelaySeconds = fc.JobRetryDelaySeconds
	}
	if fc.JobThrottleBackoffSeconds > 0 {
		cfg.JobThrottleBackoffSeconds = fc.JobThrottleBackoffSeconds
	}
	if fc.JobPendingTimeoutSeconds > 0 {
		cfg.JobPendingTimeoutSeconds = fc.JobPendingTimeoutSeconds
	}
	if fc.JobRetryScanSeconds > 0 {
		cfg.JobRetryScanSeconds = fc.JobRetryScanSeconds
	}
	if fc.WorkerCount > 0 {
		cfg.WorkerCount = fc.WorkerCount
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("JOB_QUEUE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	setIntEnv("JOBS_PER_MIN_LIMIT", &cfg.JobsPerMinLimit)
	setIntEnv("CONCURRENT_JOBS_LIMIT", &cfg.ConcurrentJobsLimit)
	setIntEnv("JOB_LEASE_SECONDS", &cfg.JobLeaseSeconds)
	setIntEnv("JOB_RETRY_DELAY_SECONDS", &cfg.JobRetryDelaySeconds)
	setIntEnv("JOB_THROTTLE_BACKOFF_SECONDS", &cfg.JobThrottleBackoffSeconds)
	setIntEnv("JOB_PENDING_TIMEOUT_SECONDS", &cfg.JobPendingTimeoutSeconds)
	setIntEnv("JOB_RETRY_SCAN_SECONDS", &cfg.JobRetryScanSeconds)
	setIntEnv("JOB_QUEUE_WORKER_COUNT", &cfg.WorkerCount)
}

func setIntEnv(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		*dst = n
	}
}

// ClampMaxAttempts bounds a caller-supplied max_attempts to the configured
// floor/ceiling (spec: default 3, bounded 1..10).
func (c Config) ClampMaxAttempts(v int) int {
	if v <= 0 {
		return c.DefaultMaxAttempts
	}
	if v < c.MinAttemptsFloor {
		return c.MinAttemptsFloor
	}
	if v > c.MaxAttemptsCeiling {
		return c.MaxAttemptsCeiling
	}
	return v
}

// ClampLeaseSeconds bounds a caller-supplied lease_seconds (default from
// JOB_LEASE_SECONDS, bounded 30..900).
func (c Config) ClampLeaseSeconds(v int) int {
	if v <= 0 {
		return c.JobLeaseSeconds
	}
	if v < c.LeaseSecondsFloor {
		return c.LeaseSecondsFloor
	}
	if v > c.LeaseSecondsCeiling {
		return c.LeaseSecondsCeiling
	}
	return v
}

// ClampRetryInSeconds bounds a caller-supplied retry_in_seconds (default
// from JOB_RETRY_DELAY_SECONDS, bounded 30..86400).
func (c Config) ClampRetryInSeconds(v int) int {
	if v <= 0 {
		return c.JobRetryDelaySeconds
	}
	if v < c.RetryInSecondsFloor {
		return c.RetryInSecondsFloor
	}
	if v > c.RetryInSecondsCeiling {
		return c.RetryInSecondsCeiling
	}
	return v
}
