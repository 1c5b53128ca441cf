// Package config loads the service configuration from the environment.
// The configuration is built once at startup and passed down by value;
// nothing in the core reads the environment after Load returns.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the frozen configuration for the intake core.
type Config struct {
	// Worker pool
	WorkerConcurrency int
	WorkerPrefetch    int
	JobSoftTimeout    time.Duration
	JobHardTimeout    time.Duration

	// Retry policy defaults (per job-type overrides live in the queue config)
	RetryMaxAttempts  int
	RetryInitialDelay time.Duration
	RetryMultiplier   float64
	RetryMaxDelay     time.Duration

	// Idempotency
	IdempotencyTTL           time.Duration
	IdempotencyMaxExecutions int

	// Validation
	ValidationTolerance   string // decimal literal, e.g. "0.01"
	AutoApproveConfidence float64

	// Staging / export
	StagingQualityThreshold int
	StagingApprovalTimeout  time.Duration
	StagingRollbackWindow   time.Duration

	// SLO alerting
	AlertDeliverySLA time.Duration

	// Operational
	LogLevel    string
	HTTPPort    int
	DatabaseURL string
}

// Load reads the recognized environment options, applying defaults for
// anything unset. It never fails on unknown keys; it fails only when a set
// value cannot be parsed.
func Load() (Config, error) {
	cfg := Config{
		WorkerConcurrency:        4,
		WorkerPrefetch:           1,
		JobSoftTimeout:           300 * time.Second,
		JobHardTimeout:           600 * time.Second,
		RetryMaxAttempts:         3,
		RetryInitialDelay:        60 * time.Second,
		RetryMultiplier:          2,
		RetryMaxDelay:            600 * time.Second,
		IdempotencyTTL:           86400 * time.Second,
		IdempotencyMaxExecutions: 3,
		ValidationTolerance:      "0.01",
		AutoApproveConfidence:    0.85,
		StagingQualityThreshold:  70,
		StagingApprovalTimeout:   72 * time.Hour,
		StagingRollbackWindow:    24 * time.Hour,
		AlertDeliverySLA:         30 * time.Second,
		LogLevel:                 "info",
		HTTPPort:                 8080,
		DatabaseURL:              "postgres://localhost:5432/ap_intake",
	}

	var err error
	if cfg.WorkerConcurrency, err = envInt("WORKER_CONCURRENCY", cfg.WorkerConcurrency); err != nil {
		return cfg, err
	}
	if cfg.WorkerPrefetch, err = envInt("WORKER_PREFETCH", cfg.WorkerPrefetch); err != nil {
		return cfg, err
	}
	if cfg.JobSoftTimeout, err = envSeconds("JOB_SOFT_TIMEOUT_S", cfg.JobSoftTimeout); err != nil {
		return cfg, err
	}
	if cfg.JobHardTimeout, err = envSeconds("JOB_HARD_TIMEOUT_S", cfg.JobHardTimeout); err != nil {
		return cfg, err
	}
	if cfg.RetryMaxAttempts, err = envInt("RETRY_MAX_ATTEMPTS", cfg.RetryMaxAttempts); err != nil {
		return cfg, err
	}
	if cfg.RetryInitialDelay, err = envSeconds("RETRY_INITIAL_DELAY_S", cfg.RetryInitialDelay); err != nil {
		return cfg, err
	}
	if cfg.RetryMultiplier, err = envFloat("RETRY_MULTIPLIER", cfg.RetryMultiplier); err != nil {
		return cfg, err
	}
	if cfg.RetryMaxDelay, err = envSeconds("RETRY_MAX_DELAY_S", cfg.RetryMaxDelay); err != nil {
		return cfg, err
	}
	if cfg.IdempotencyTTL, err = envSeconds("IDEMPOTENCY_TTL_S", cfg.IdempotencyTTL); err != nil {
		return cfg, err
	}
	if cfg.IdempotencyMaxExecutions, err = envInt("IDEMPOTENCY_MAX_EXECUTIONS", cfg.IdempotencyMaxExecutions); err != nil {
		return cfg, err
	}
	if v := os.Getenv("VALIDATION_TOLERANCE"); v != "" {
		if _, perr := strconv.ParseFloat(v, 64); perr != nil {
			return cfg, fmt.Errorf("VALIDATION_TOLERANCE: %w", perr)
		}
		cfg.ValidationTolerance = v
	}
	if cfg.AutoApproveConfidence, err = envFloat("AUTO_APPROVE_CONFIDENCE", cfg.AutoApproveConfidence); err != nil {
		return cfg, err
	}
	if cfg.StagingQualityThreshold, err = envInt("STAGING_QUALITY_THRESHOLD", cfg.StagingQualityThreshold); err != nil {
		return cfg, err
	}
	if cfg.StagingApprovalTimeout, err = envHours("STAGING_APPROVAL_TIMEOUT_H", cfg.StagingApprovalTimeout); err != nil {
		return cfg, err
	}
	if cfg.StagingRollbackWindow, err = envHours("STAGING_ROLLBACK_WINDOW_H", cfg.StagingRollbackWindow); err != nil {
		return cfg, err
	}
	if cfg.AlertDeliverySLA, err = envSeconds("ALERT_DELIVERY_SLA_S", cfg.AlertDeliverySLA); err != nil {
		return cfg, err
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if cfg.HTTPPort, err = envInt("HTTP_PORT", cfg.HTTPPort); err != nil {
		return cfg, err
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}

	return cfg, nil
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func envSeconds(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return time.Duration(n) * time.Second, nil
}

func envHours(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return time.Duration(n) * time.Hour, nil
}
