// Package cmd implements the chronod command line: the service itself
// (serve, migrate) and a client for a running instance (jobs, executions).
package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/chronod/internal/config"
)

// version is stamped via -ldflags at release time.
var version = "dev"

var configFlag string

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chronod",
		Short: "Persistent cron job scheduler with REST and MCP APIs",
		Long: `chronod runs cron jobs persisted in PostgreSQL and exposes them over a
REST API and an MCP server. Start the service with "chronod serve"; the
other commands either talk to a running instance over HTTP or operate on
the database directly.`,
		Version: version,
	}

	cmd.PersistentFlags().StringVar(&configFlag, "config", "", "config file (default ./chronod.json5, then ~/.config/chronod/chronod.json5)")

	cmd.AddCommand(serveCmd())
	cmd.AddCommand(jobsCmd())
	cmd.AddCommand(executionsCmd())
	cmd.AddCommand(migrateCmd())
	cmd.AddCommand(configCmd())
	cmd.AddCommand(initCmd())
	cmd.AddCommand(doctorCmd())
	return cmd
}

// Execute runs the CLI and exits non-zero on error.
func Execute() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config file to use: the --config flag if
// given, then $CHRONOD_CONFIG, then the first default location that exists.
// Empty means "defaults only", which is a valid way to run.
func resolveConfigPath() string {
	if configFlag != "" {
		return configFlag
	}
	if p := os.Getenv(config.EnvConfigPath); p != "" {
		return p
	}
	return config.DefaultPath()
}
