// Package config loads installerkit configuration from a YAML file,
// INSTALLER_* environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/installerkit/installerkit/internal/logging"
	"github.com/installerkit/installerkit/pkg/agent"
	"github.com/installerkit/installerkit/pkg/audit"
	"github.com/installerkit/installerkit/pkg/cache"
	"github.com/installerkit/installerkit/pkg/identity"
	"github.com/installerkit/installerkit/pkg/jobs"
	"github.com/installerkit/installerkit/pkg/packaging"
	"github.com/installerkit/installerkit/pkg/toolexec"
)

// EnvPrefix prefixes every environment override: database.dsn is read from
// INSTALLER_DATABASE_DSN.
const EnvPrefix = "INSTALLER"

// Supported database types.
const (
	DatabaseSQLite   = "sqlite"
	DatabasePostgres = "postgres"
	DatabaseMySQL    = "mysql"
)

type Config struct {
	Server    ServerConfig       `mapstructure:"server"`
	Log       LogConfig          `mapstructure:"log"`
	Database  DatabaseConfig     `mapstructure:"database"`
	Projects  ProjectsConfig     `mapstructure:"projects"`
	Plugins   PluginsConfig      `mapstructure:"plugins"`
	Policy    PolicyConfig       `mapstructure:"policy"`
	Pipeline  PipelineConfig     `mapstructure:"pipeline"`
	Agents    []agent.Definition `mapstructure:"agents"`
	SSH       toolexec.SSHConfig `mapstructure:"ssh"`
	Jobs      JobsConfig         `mapstructure:"jobs"`
	Telemetry TelemetryConfig    `mapstructure:"telemetry"`
	Dashboard DashboardConfig    `mapstructure:"dashboard"`
	Audit     AuditConfig        `mapstructure:"audit"`
	Auth      AuthConfig         `mapstructure:"auth"`
}

type ServerConfig struct {
	Listen          string        `mapstructure:"listen"`
	ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
	// CORSOrigins lists origins allowed to call the API from a browser.
	CORSOrigins []string `mapstructure:"corsOrigins"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type DatabaseConfig struct {
	Type string `mapstructure:"type"`
	DSN  string `mapstructure:"dsn"`
}

type ProjectsConfig struct {
	Dir string `mapstructure:"dir"`
	// Watch invalidates the project cache on file changes.
	Watch bool `mapstructure:"watch"`
}

type PluginsConfig struct {
	Dir string `mapstructure:"dir"`
}

type PolicyConfig struct {
	DefaultsFile string `mapstructure:"defaultsFile"`
}

type PipelineConfig struct {
	UnmatchedFormatWarnings bool   `mapstructure:"unmatchedFormatWarnings"`
	TempDir                 string `mapstructure:"tempDir"`
	// OutputDir holds artifacts of requests without an output directory,
	// one subdirectory per job.
	OutputDir string `mapstructure:"outputDir"`
}

type JobsConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Concurrency   int           `mapstructure:"concurrency"`
	PollInterval  time.Duration `mapstructure:"pollInterval"`
	MaxRetries    int           `mapstructure:"maxRetries"`
	ClaimTimeout  time.Duration `mapstructure:"claimTimeout"`
	RetentionDays int           `mapstructure:"retentionDays"`
}

type TelemetryConfig struct {
	// Persist stores raw events and replays them at startup.
	Persist       bool `mapstructure:"persist"`
	RetentionDays int  `mapstructure:"retentionDays"`
	MaxRetained   int  `mapstructure:"maxRetained"`
}

type DashboardConfig struct {
	CacheEnabled    bool          `mapstructure:"cacheEnabled"`
	CacheTTL        time.Duration `mapstructure:"cacheTTL"`
	CacheMaxEntries int           `mapstructure:"cacheMaxEntries"`
}

type AuditConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	Persist       bool `mapstructure:"persist"`
	Provenance    bool `mapstructure:"provenance"`
	RetentionDays int  `mapstructure:"retentionDays"`
}

type AuthConfig struct {
	JWTPublicKeyPath string   `mapstructure:"jwtPublicKeyPath"`
	Issuer           string   `mapstructure:"issuer"`
	Audience         string   `mapstructure:"audience"`
	RolesClaim       string   `mapstructure:"rolesClaim"`
	SubmitRoles      []string `mapstructure:"submitRoles"`
}

// Default returns the built-in configuration.
func Default() *Config {
	jc := jobs.DefaultJobConfig()
	ac := audit.DefaultConfig()
	cc := cache.DefaultConfig()
	return &Config{
		Server:   ServerConfig{Listen: ":8080", ShutdownTimeout: 30 * time.Second},
		Log:      LogConfig{Level: "info", Format: "text"},
		Database: DatabaseConfig{Type: DatabaseSQLite, DSN: "installerkit.db"},
		Projects: ProjectsConfig{Dir: "projects", Watch: true},
		Plugins:  PluginsConfig{Dir: "plugins"},
		Pipeline: PipelineConfig{OutputDir: "out"},
		SSH:      toolexec.SSHConfig{Timeout: 15 * time.Second},
		Jobs: JobsConfig{
			Enabled:       jc.Enabled,
			Concurrency:   jc.Concurrency,
			PollInterval:  jc.PollInterval,
			MaxRetries:    jc.MaxRetries,
			ClaimTimeout:  jc.ClaimTimeout,
			RetentionDays: jc.RetentionDays,
		},
		Telemetry: TelemetryConfig{Persist: true, RetentionDays: 30},
		Dashboard: DashboardConfig{
			CacheEnabled:    cc.Enabled,
			CacheTTL:        cc.TTL,
			CacheMaxEntries: cc.MaxEntries,
		},
		Audit: AuditConfig{
			Enabled:       ac.Enabled,
			Persist:       true,
			Provenance:    ac.Provenance,
			RetentionDays: ac.RetentionDays,
		},
		Auth: AuthConfig{RolesClaim: "roles"},
	}
}

// FlagKeys maps command-line flag names to configuration keys. Flags that
// are registered on the FlagSet passed to Load and explicitly set win over
// the file and environment.
var FlagKeys = map[string]string{
	"listen":     "server.listen",
	"log-level":  "log.level",
	"log-format": "log.format",
	"db-type":    "database.type",
	"db-dsn":     "database.dsn",
	"projects":   "projects.dir",
	"plugins":    "plugins.dir",
	"policy":     "policy.defaultsFile",
}

// Load reads path (optional), applies INSTALLER_* environment overrides and
// the flags in fs (optional), and validates the result.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if fs != nil {
		for name, key := range FlagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("server.listen", d.Server.Listen)
	v.SetDefault("server.shutdownTimeout", d.Server.ShutdownTimeout)
	v.SetDefault("server.corsOrigins", d.Server.CORSOrigins)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("database.type", d.Database.Type)
	v.SetDefault("database.dsn", d.Database.DSN)
	v.SetDefault("projects.dir", d.Projects.Dir)
	v.SetDefault("projects.watch", d.Projects.Watch)
	v.SetDefault("plugins.dir", d.Plugins.Dir)
	v.SetDefault("policy.defaultsFile", d.Policy.DefaultsFile)
	v.SetDefault("pipeline.unmatchedFormatWarnings", d.Pipeline.UnmatchedFormatWarnings)
	v.SetDefault("pipeline.tempDir", d.Pipeline.TempDir)
	v.SetDefault("pipeline.outputDir", d.Pipeline.OutputDir)
	v.SetDefault("ssh.user", d.SSH.User)
	v.SetDefault("ssh.keyFile", d.SSH.KeyFile)
	v.SetDefault("ssh.knownHostsFile", d.SSH.KnownHostsFile)
	v.SetDefault("ssh.insecureIgnoreHostKey", d.SSH.InsecureIgnoreHostKey)
	v.SetDefault("ssh.timeout", d.SSH.Timeout)
	v.SetDefault("jobs.enabled", d.Jobs.Enabled)
	v.SetDefault("jobs.concurrency", d.Jobs.Concurrency)
	v.SetDefault("jobs.pollInterval", d.Jobs.PollInterval)
	v.SetDefault("jobs.maxRetries", d.Jobs.MaxRetries)
	v.SetDefault("jobs.claimTimeout", d.Jobs.ClaimTimeout)
	v.SetDefault("jobs.retentionDays", d.Jobs.RetentionDays)
	v.SetDefault("telemetry.persist", d.Telemetry.Persist)
	v.SetDefault("telemetry.retentionDays", d.Telemetry.RetentionDays)
	v.SetDefault("telemetry.maxRetained", d.Telemetry.MaxRetained)
	v.SetDefault("dashboard.cacheEnabled", d.Dashboard.CacheEnabled)
	v.SetDefault("dashboard.cacheTTL", d.Dashboard.CacheTTL)
	v.SetDefault("dashboard.cacheMaxEntries", d.Dashboard.CacheMaxEntries)
	v.SetDefault("audit.enabled", d.Audit.Enabled)
	v.SetDefault("audit.persist", d.Audit.Persist)
	v.SetDefault("audit.provenance", d.Audit.Provenance)
	v.SetDefault("audit.retentionDays", d.Audit.RetentionDays)
	v.SetDefault("auth.jwtPublicKeyPath", d.Auth.JWTPublicKeyPath)
	v.SetDefault("auth.issuer", d.Auth.Issuer)
	v.SetDefault("auth.audience", d.Auth.Audience)
	v.SetDefault("auth.rolesClaim", d.Auth.RolesClaim)
	v.SetDefault("auth.submitRoles", d.Auth.SubmitRoles)
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Type {
	case DatabaseSQLite, DatabasePostgres, DatabaseMySQL:
	default:
		errs = append(errs, fmt.Errorf("database.type must be sqlite, postgres or mysql, got %q", c.Database.Type))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	if c.Jobs.Enabled {
		if c.Jobs.Concurrency <= 0 {
			errs = append(errs, fmt.Errorf("jobs.concurrency must be positive, got %d", c.Jobs.Concurrency))
		}
		if c.Jobs.PollInterval <= 0 {
			errs = append(errs, fmt.Errorf("jobs.pollInterval must be positive, got %s", c.Jobs.PollInterval))
		}
	}
	if c.Jobs.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("jobs.maxRetries must not be negative, got %d", c.Jobs.MaxRetries))
	}
	for i, a := range c.Agents {
		if a.Name == "" {
			errs = append(errs, fmt.Errorf("agents[%d].name is required", i))
		}
		if _, err := packaging.ParsePlatform(string(a.Platform)); err != nil {
			errs = append(errs, fmt.Errorf("agents[%d]: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// JobConfig converts the jobs section for jobs.NewWorkerPool.
func (c *Config) JobConfig() *jobs.JobConfig {
	return &jobs.JobConfig{
		Concurrency:   c.Jobs.Concurrency,
		MaxRetries:    c.Jobs.MaxRetries,
		PollInterval:  c.Jobs.PollInterval,
		ClaimTimeout:  c.Jobs.ClaimTimeout,
		RetentionDays: c.Jobs.RetentionDays,
		Enabled:       c.Jobs.Enabled,
	}
}

// AuditConfig converts the audit section.
func (c *Config) AuditConfig() *audit.Config {
	return &audit.Config{
		RetentionDays: c.Audit.RetentionDays,
		Provenance:    c.Audit.Provenance,
		Enabled:       c.Audit.Enabled,
	}
}

// CacheConfig converts the dashboard cache settings.
func (c *Config) CacheConfig() *cache.Config {
	return &cache.Config{
		Enabled:    c.Dashboard.CacheEnabled,
		TTL:        c.Dashboard.CacheTTL,
		MaxEntries: c.Dashboard.CacheMaxEntries,
	}
}

// JWTConfig converts the auth section. ok is false when no bearer token
// verification is configured.
func (c *Config) JWTConfig() (cfg identity.JWTConfig, ok bool) {
	cfg = identity.JWTConfig{
		PublicKeyPath: c.Auth.JWTPublicKeyPath,
		Issuer:        c.Auth.Issuer,
		Audience:      c.Auth.Audience,
		RolesClaim:    c.Auth.RolesClaim,
	}
	return cfg, c.Auth.JWTPublicKeyPath != "" || c.Auth.Issuer != ""
}
