// Package main provides the installer server: the packaging job API, the
// release dashboard API and the audit API over one database.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/golang/glog"
	"github.com/spf13/pflag"

	"github.com/installerkit/installerkit/internal/app"
	"github.com/installerkit/installerkit/internal/logging"
	"github.com/installerkit/installerkit/pkg/audit"
	"github.com/installerkit/installerkit/pkg/config"
	"github.com/installerkit/installerkit/pkg/identity"
	"github.com/installerkit/installerkit/pkg/jobs"
)

func main() {
	defaults := config.Default()

	fs := pflag.NewFlagSet("installer-server", pflag.ExitOnError)
	configPath := fs.String("config", os.Getenv("INSTALLER_CONFIG"), "Path to the YAML config file")
	fs.String("listen", defaults.Server.Listen, "Address to listen on")
	fs.String("db-type", defaults.Database.Type, "Database type (sqlite, postgres or mysql)")
	fs.String("db-dsn", defaults.Database.DSN, "Database connection string")
	fs.String("projects", defaults.Projects.Dir, "Directory of project documents")
	fs.String("plugins", defaults.Plugins.Dir, "Directory of plugin manifests")
	fs.String("policy", defaults.Policy.DefaultsFile, "Organization policy defaults file")
	fs.String("log-level", defaults.Log.Level, "Log level (debug, info, warn, error)")
	fs.String("log-format", defaults.Log.Format, "Log format (text or json)")
	fs.AddGoFlagSet(flag.CommandLine)
	_ = fs.Parse(os.Args[1:])

	// glog backs fatal startup errors only.
	_ = flag.Set("logtostderr", "true")

	cfg, err := config.Load(*configPath, fs)
	if err != nil {
		glog.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(os.Stdout, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		glog.Fatalf("Failed to set up logging: %v", err)
	}
	slog.SetDefault(logger)

	logger.Info("starting installer server",
		"listen", cfg.Server.Listen,
		"dbType", cfg.Database.Type,
		"projects", cfg.Projects.Dir,
		"plugins", cfg.Plugins.Dir,
		"agents", len(cfg.Agents),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	db, err := app.OpenDatabase(cfg.Database.Type, cfg.Database.DSN)
	if err != nil {
		glog.Fatalf("Failed to connect to database: %v", err)
	}

	a, err := app.New(ctx, cfg, db, logger)
	if err != nil {
		glog.Fatalf("Failed to initialize: %v", err)
	}
	defer a.Close()

	var verifier *identity.JWTVerifier
	if jwtCfg, ok := cfg.JWTConfig(); ok {
		jwtCfg.Logger = logger
		verifier, err = identity.NewJWTVerifier(jwtCfg)
		if err != nil {
			glog.Fatalf("Failed to set up JWT verification: %v", err)
		}
		logger.Info("using JWT auth", "issuer", jwtCfg.Issuer, "hasPublicKey", jwtCfg.PublicKeyPath != "")
	} else {
		logger.Info("using proxy header auth (X-Remote-User)")
	}

	pool := jobs.NewWorkerPool(a.Jobs, a.Pipelines, cfg.JobConfig(), logger.With("component", "jobs"))

	var wg sync.WaitGroup
	background := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}

	background(pool.Run)
	if cfg.Projects.Watch {
		background(func(ctx context.Context) {
			if err := a.Projects.Watch(ctx); err != nil {
				logger.Warn("project directory watch stopped", "error", err)
			}
		})
	}
	if a.Snapshots != nil {
		background(audit.NewRetentionWorker("auditSnapshots", a.Snapshots, cfg.Audit.RetentionDays, logger).Run)
	}
	if a.Events != nil {
		background(audit.NewRetentionWorker("telemetryEvents", a.Events, cfg.Telemetry.RetentionDays, logger).Run)
	}

	httpServer := &http.Server{
		Addr:    cfg.Server.Listen,
		Handler: a.Router(pool, verifier),
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			glog.Fatalf("HTTP server error: %v", err)
		}
	}()

	logger.Info("installer server ready",
		"listen", cfg.Server.Listen,
		"platforms", a.Pipelines.Platforms(),
	)

	<-ctx.Done()

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Warn("background workers did not stop before the shutdown timeout")
	}

	logger.Info("installer server stopped")
}
