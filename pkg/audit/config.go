package audit

import (
	"os"
	"strconv"
)

// Config controls snapshot capture and retention.
type Config struct {
	RetentionDays int  // 0 keeps snapshots forever
	Provenance    bool // stamp snapshots with git provenance
	Enabled       bool
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		RetentionDays: 0,
		Provenance:    true,
		Enabled:       true,
	}
}

// ConfigFromEnv loads config from environment variables.
// INSTALLER_AUDIT_RETENTION_DAYS, INSTALLER_AUDIT_PROVENANCE, INSTALLER_AUDIT_ENABLED
func ConfigFromEnv() *Config {
	cfg := DefaultConfig()

	if v := os.Getenv("INSTALLER_AUDIT_RETENTION_DAYS"); v != "" {
		if days, err := strconv.Atoi(v); err == nil && days >= 0 {
			cfg.RetentionDays = days
		}
	}

	if v := os.Getenv("INSTALLER_AUDIT_PROVENANCE"); v != "" {
		cfg.Provenance, _ = strconv.ParseBool(v)
	}

	if v := os.Getenv("INSTALLER_AUDIT_ENABLED"); v != "" {
		cfg.Enabled, _ = strconv.ParseBool(v)
	}

	return cfg
}
