package cache

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config controls dashboard response caching.
type Config struct {
	Enabled    bool
	TTL        time.Duration
	MaxEntries int
}

func DefaultConfig() *Config {
	return &Config{
		Enabled:    true,
		TTL:        5 * time.Second,
		MaxEntries: 256,
	}
}

// ConfigFromEnv reads INSTALLER_DASHBOARD_CACHE_ENABLED,
// INSTALLER_DASHBOARD_CACHE_TTL_SECONDS and
// INSTALLER_DASHBOARD_CACHE_MAX_ENTRIES over the defaults.
func ConfigFromEnv() *Config {
	cfg := DefaultConfig()

	if v := os.Getenv("INSTALLER_DASHBOARD_CACHE_ENABLED"); v != "" {
		cfg.Enabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("INSTALLER_DASHBOARD_CACHE_TTL_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.TTL = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("INSTALLER_DASHBOARD_CACHE_MAX_ENTRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxEntries = n
		}
	}
	return cfg
}

// New returns a cache for cfg, or nil when caching is disabled.
func New(cfg *Config) *ResponseCache {
	if cfg == nil || !cfg.Enabled {
		return nil
	}
	return NewResponseCache(cfg.MaxEntries, cfg.TTL)
}
