// Package app assembles the packaging runtime from configuration. It is
// shared by installer-server and installerctl.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/installerkit/installerkit/pkg/agent"
	"github.com/installerkit/installerkit/pkg/audit"
	"github.com/installerkit/installerkit/pkg/cache"
	"github.com/installerkit/installerkit/pkg/config"
	"github.com/installerkit/installerkit/pkg/dblock"
	"github.com/installerkit/installerkit/pkg/jobs"
	"github.com/installerkit/installerkit/pkg/packaging"
	"github.com/installerkit/installerkit/pkg/pipeline"
	"github.com/installerkit/installerkit/pkg/plugins"
	"github.com/installerkit/installerkit/pkg/policy"
	"github.com/installerkit/installerkit/pkg/projectstore"
	"github.com/installerkit/installerkit/pkg/providers"
	"github.com/installerkit/installerkit/pkg/telemetry"
	"github.com/installerkit/installerkit/pkg/toolexec"
)

// Version is the host version plugin compatibility constraints are checked
// against. Overridden at link time.
var Version = "1.0.0"

// OpenDatabase connects to sqlite, postgres or mysql.
func OpenDatabase(dbType, dsn string) (*gorm.DB, error) {
	if dsn == "" {
		return nil, errors.New("database DSN is required (use --db-dsn or INSTALLER_DATABASE_DSN)")
	}

	var dialector gorm.Dialector
	switch strings.ToLower(dbType) {
	case "", config.DatabaseSQLite:
		dialector = sqlite.Open(dsn)
	case config.DatabasePostgres:
		dialector = postgres.Open(dsn)
	case config.DatabaseMySQL:
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database type %q", dbType)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s database: %w", dbType, err)
	}
	return db, nil
}

// App holds every long-lived component of a packaging deployment.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	Projects   *projectstore.DirStore
	Evaluator  *policy.RuleEvaluator
	Runner     toolexec.Runner
	// Broker is the shared agent pool; nil when every pipeline runs locally.
	Broker     *agent.PoolBroker
	Aggregator *telemetry.Aggregator
	Telemetry  telemetry.Channel
	// Cache holds rendered dashboard responses; nil when disabled.
	Cache      *cache.ResponseCache
	Audit      *audit.Service
	Pipelines  *pipeline.Set
	Plugins    plugins.Built

	// Persistence; nil without a database.
	DB        *gorm.DB
	Events    *telemetry.EventStore
	Snapshots *audit.SnapshotStore
	Jobs      *jobs.JobStore
}

// New builds an App. db may be nil, in which case jobs, event persistence
// and snapshot persistence are unavailable and everything else runs in
// memory.
func New(ctx context.Context, cfg *config.Config, db *gorm.DB, logger *slog.Logger) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{
		Config:     cfg,
		Logger:     logger,
		DB:         db,
		Projects:   projectstore.NewDirStore(cfg.Projects.Dir, logger.With("component", "projects")),
		Aggregator: telemetry.NewAggregator(cfg.Telemetry.MaxRetained),
	}

	defaults, err := policy.LoadDefaults(cfg.Policy.DefaultsFile)
	if err != nil {
		return nil, err
	}
	a.Evaluator = policy.NewEvaluator(policy.WithDefaults(defaults), policy.WithLogger(logger))

	if db != nil {
		if err := a.migrate(ctx); err != nil {
			return nil, err
		}
	}

	a.Runner, err = newRunner(cfg, logger)
	if err != nil {
		return nil, err
	}

	manifests, err := plugins.LoadManifests(cfg.Plugins.Dir)
	if err != nil {
		return nil, err
	}
	built, errs := plugins.NewDefaultRegistry().Build(manifests, Version, plugins.Deps{Runner: a.Runner, Logger: logger})
	for _, e := range errs {
		logger.Warn("plugin not loaded", "error", e)
	}
	a.Plugins = built

	a.Cache = cache.New(cfg.CacheConfig())
	sinks := telemetry.FanOut{
		a.Aggregator,
		cache.InvalidatingSink{Cache: a.Cache},
		telemetry.LogSink{Logger: logger.With("component", "telemetry")},
	}
	if a.Events != nil {
		sinks = append(sinks, telemetry.NewStoreSink(a.Events, logger))
	}
	sinks = append(sinks, built.Sinks...)
	a.Telemetry = telemetry.NewSinkChannel(sinks)

	auditOpts := []audit.Option{audit.WithLogger(logger)}
	if cfg.Audit.Provenance {
		auditOpts = append(auditOpts, audit.WithProvenance(audit.GitProvenanceExtractor{Logger: logger}))
	}
	if a.Snapshots != nil {
		auditOpts = append(auditOpts, audit.WithStore(a.Snapshots))
	}
	a.Audit = audit.NewService(auditOpts...)
	if a.Snapshots != nil {
		n, err := a.Audit.LoadFrom(ctx, a.Snapshots)
		if err != nil {
			return nil, fmt.Errorf("load snapshots: %w", err)
		}
		logger.Info("snapshots restored", "count", n)
	}

	if err := a.buildPipelines(); err != nil {
		return nil, err
	}
	return a, nil
}

// migrate creates the stores and their tables under a migration lock, then
// replays persisted telemetry.
func (a *App) migrate(ctx context.Context) error {
	a.Jobs = jobs.NewJobStore(a.DB)
	if a.Config.Audit.Persist {
		a.Snapshots = audit.NewSnapshotStore(a.DB)
	}
	if a.Config.Telemetry.Persist {
		a.Events = telemetry.NewEventStore(a.DB)
	}

	locker, err := dblock.New(a.DB, "installerkit-migrate")
	if err != nil {
		return err
	}
	err = locker.WithLock(ctx, func() error {
		if err := a.DB.AutoMigrate(&jobs.PackagingJob{}); err != nil {
			return fmt.Errorf("migrate jobs: %w", err)
		}
		if a.Snapshots != nil {
			if err := a.Snapshots.AutoMigrate(); err != nil {
				return fmt.Errorf("migrate snapshots: %w", err)
			}
		}
		if a.Events != nil {
			if err := a.Events.AutoMigrate(); err != nil {
				return fmt.Errorf("migrate telemetry events: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if a.Events != nil {
		n, err := a.Events.Replay(ctx, a.Aggregator)
		if err != nil {
			return fmt.Errorf("replay telemetry: %w", err)
		}
		a.Logger.Info("telemetry replayed", "events", n)
	}
	return nil
}

func newRunner(cfg *config.Config, logger *slog.Logger) (toolexec.Runner, error) {
	local := toolexec.NewLocalRunner(logger)

	remote := false
	for _, d := range cfg.Agents {
		if strings.EqualFold(d.Capabilities[agent.CapTransport], "ssh") {
			remote = true
			break
		}
	}
	if !remote {
		return toolexec.NewDispatcher(local), nil
	}

	sc, err := toolexec.NewSSHClient(cfg.SSH, logger)
	if err != nil {
		return nil, fmt.Errorf("ssh agents configured: %w", err)
	}
	return toolexec.NewDispatcher(local, sc), nil
}

// buildPipelines creates one pipeline per platform. Configured agents are
// shared through a single pool broker; without agents each pipeline runs on
// a local agent.
func (a *App) buildPipelines() error {
	var broker agent.Broker
	if len(a.Config.Agents) > 0 {
		pb, err := agent.NewPoolBroker(a.Config.Agents, a.Logger)
		if err != nil {
			return err
		}
		a.Broker = pb
		broker = pb
	}

	pls := make([]*pipeline.Pipeline, 0, len(packaging.Platforms))
	for _, platform := range packaging.Platforms {
		provs := providers.ForPlatform(platform, a.Runner, a.Logger)
		provs = append(provs, a.Plugins.Formats[platform]...)

		p, err := pipeline.New(pipeline.Config{
			Platform:  platform,
			Projects:  a.Projects,
			Evaluator: a.Evaluator,
			Broker:    broker,
			Providers: provs,
			Telemetry: a.Telemetry,
			Audit:     a.Audit,
			Logger:    a.Logger.With("platform", string(platform)),
			Options: pipeline.Options{
				UnmatchedFormatWarnings: a.Config.Pipeline.UnmatchedFormatWarnings,
				TempDir:                 a.Config.Pipeline.TempDir,
				OutputDir:               a.Config.Pipeline.OutputDir,
			},
		})
		if err != nil {
			return fmt.Errorf("build %s pipeline: %w", platform, err)
		}
		pls = append(pls, p)
	}

	set, err := pipeline.NewSet(a.Telemetry, pls...)
	if err != nil {
		return err
	}
	a.Pipelines = set
	return nil
}

// Close releases the database connection.
func (a *App) Close() error {
	if a.DB == nil {
		return nil
	}
	sqlDB, err := a.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
