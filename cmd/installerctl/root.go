package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/installerkit/installerkit/internal/app"
	"github.com/installerkit/installerkit/internal/logging"
	"github.com/installerkit/installerkit/pkg/config"
	"github.com/installerkit/installerkit/pkg/identity"
)

// options carries the global flags shared by every subcommand.
type options struct {
	configPath string
	output     string
	serverURL  string
	user       string
	roles      []string
	token      string

	stdout io.Writer
	stderr io.Writer
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	o := &options{stdout: stdout, stderr: stderr}

	cmd := &cobra.Command{
		Use:   "installerctl",
		Short: "Build, check and audit installer packages",
		Long: `installerctl runs the packaging pipeline against project documents.

Local commands (package, policy, audit, projects, plugins, dashboard) load the
same configuration file as installer-server and work on the local database.
Remote commands (jobs) and "dashboard --server" talk to a running server.`,
		Version:       app.Version,
		SilenceUsage:  true,
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	pf := cmd.PersistentFlags()
	pf.StringVar(&o.configPath, "config", os.Getenv("INSTALLER_CONFIG"), "Path to the YAML configuration file")
	pf.StringVarP(&o.output, "output", "o", "table", "Output format: table, json, yaml")
	pf.StringVar(&o.serverURL, "server", os.Getenv("INSTALLER_SERVER"), "installer-server URL for remote commands")
	pf.StringVar(&o.user, "user", "", "Act as this user (sent as X-Remote-User to the server)")
	pf.StringSliceVar(&o.roles, "roles", nil, "Roles of --user")
	pf.StringVar(&o.token, "token", "", "Bearer token for the server (default: INSTALLER_TOKEN)")
	pf.String("db-type", "", "Database type: sqlite, postgres, mysql")
	pf.String("db-dsn", "", "Database DSN")
	pf.String("projects", "", "Project document directory")
	pf.String("plugins", "", "Plugin manifest directory")
	pf.String("policy", "", "Policy defaults file")
	pf.String("log-level", "", "Log level: debug, info, warn, error")
	pf.String("log-format", "", "Log format: text, json")

	cmd.AddCommand(
		newPackageCmd(o),
		newPolicyCmd(o),
		newAuditCmd(o),
		newProjectsCmd(o),
		newPluginsCmd(o),
		newDashboardCmd(o),
		newJobsCmd(o),
	)
	return cmd
}

func (o *options) format() (outputFormat, error) {
	return parseOutputFormat(o.output)
}

// loadConfig resolves the configuration with the command's flags applied.
// The CLI logs at warn unless a level was asked for explicitly.
func (o *options) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(o.configPath, cmd.Flags())
	if err != nil {
		return nil, err
	}
	if !cmd.Flags().Changed("log-level") && os.Getenv("INSTALLER_LOG_LEVEL") == "" {
		cfg.Log.Level = "warn"
	}
	return cfg, nil
}

// openApp wires the application the same way the server does. withDB opens
// the configured database so that jobs, telemetry and audit history persist.
func (o *options) openApp(cmd *cobra.Command, withDB bool) (*app.App, error) {
	cfg, err := o.loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(o.stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	if !withDB {
		return app.New(cmd.Context(), cfg, nil, logger)
	}
	db, err := app.OpenDatabase(cfg.Database.Type, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	return app.New(cmd.Context(), cfg, db, logger)
}

// principal is the identity given by --user and --roles.
func (o *options) principal() (identity.Principal, bool) {
	user := strings.TrimSpace(o.user)
	if user == "" {
		return identity.Principal{}, false
	}
	return identity.Principal{ID: user, DisplayName: user, Roles: o.roles}, true
}

// withPrincipal attaches the --user identity to ctx, if one was given.
func (o *options) withPrincipal(ctx context.Context) context.Context {
	if p, ok := o.principal(); ok {
		return identity.WithPrincipal(ctx, p)
	}
	return ctx
}

// author names the actor recorded on audit snapshots.
func (o *options) author() string {
	if o.user != "" {
		return o.user
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "unknown"
}
