package jobs

import (
	"os"
	"strconv"
	"time"
)

// JobConfig controls the packaging job queue and its workers.
type JobConfig struct {
	Concurrency   int           // Max concurrent packaging runs. Default 2.
	MaxRetries    int           // Max retry attempts after execution errors. Default 3.
	PollInterval  time.Duration // How often workers poll for new jobs. Default 2s.
	ClaimTimeout  time.Duration // Max run time before a job is cut off and considered stuck. Default 60m.
	RetentionDays int           // How long to keep finished jobs. Default 14.
	Enabled       bool          // Whether the job system is active. Default true.
}

// DefaultJobConfig returns the default job configuration.
func DefaultJobConfig() *JobConfig {
	return &JobConfig{
		Concurrency:   2,
		MaxRetries:    3,
		PollInterval:  2 * time.Second,
		ClaimTimeout:  60 * time.Minute,
		RetentionDays: 14,
		Enabled:       true,
	}
}

// JobConfigFromEnv overlays INSTALLER_JOB_CONCURRENCY,
// INSTALLER_JOB_MAX_RETRIES, INSTALLER_JOB_POLL_INTERVAL_SECONDS,
// INSTALLER_JOB_CLAIM_TIMEOUT_MINUTES, INSTALLER_JOB_RETENTION_DAYS and
// INSTALLER_JOB_ENABLED on the defaults. Unparseable or out of range values
// are ignored.
func JobConfigFromEnv() *JobConfig {
	cfg := DefaultJobConfig()

	if n, ok := envInt("INSTALLER_JOB_CONCURRENCY", 1); ok {
		cfg.Concurrency = n
	}
	if n, ok := envInt("INSTALLER_JOB_MAX_RETRIES", 0); ok {
		cfg.MaxRetries = n
	}
	if n, ok := envInt("INSTALLER_JOB_POLL_INTERVAL_SECONDS", 1); ok {
		cfg.PollInterval = time.Duration(n) * time.Second
	}
	if n, ok := envInt("INSTALLER_JOB_CLAIM_TIMEOUT_MINUTES", 1); ok {
		cfg.ClaimTimeout = time.Duration(n) * time.Minute
	}
	if n, ok := envInt("INSTALLER_JOB_RETENTION_DAYS", 1); ok {
		cfg.RetentionDays = n
	}
	if v := os.Getenv("INSTALLER_JOB_ENABLED"); v != "" {
		cfg.Enabled, _ = strconv.ParseBool(v)
	}
	return cfg
}

func envInt(name string, minimum int) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < minimum {
		return 0, false
	}
	return n, true
}
