// Kantai is the agent fleet orchestrator binary.
//
// "kantai serve" runs the HTTP API, the metrics collector and the snapshot
// pruner. Every other command works directly against the same database and
// container engine, so it can be used with or without a running server.
//
// Configuration comes from the environment (KANTAI_*; see app.LoadConfig),
// overridden by flags, overridden in turn by values persisted with
// "kantai config set".
//
//	KANTAI_DATABASE_PATH   - SQLite database (default ./kantai.db)
//	KANTAI_DATA_DIR        - generated configs and workspaces (default ./data)
//	KANTAI_HTTP_ADDR       - API listen address (default :8080)
//	KANTAI_FLEET_API_KEY   - provider key for agents in fleet_default key mode
//	KANTAI_LOG_LEVEL       - "debug", "info", "warn", "error" (default: "info")
//	KANTAI_LOG_FORMAT      - "text" or "json" (default: "text")
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bdobrica/kantai/common/version"
	"github.com/bdobrica/kantai/internal/kantai/app"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "kantai",
		Short:         "Agent fleet orchestrator",
		Version:       version.Info(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().String("db", "", "SQLite database path (default from KANTAI_DATABASE_PATH)")
	root.PersistentFlags().String("data-dir", "", "Directory for generated configs and workspaces (default from KANTAI_DATA_DIR)")
	root.PersistentFlags().StringP("output", "o", "table", "Output format: table, json, yaml")
	root.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")

	root.AddCommand(newServeCommand())
	root.AddCommand(newAgentsCommand())
	root.AddCommand(newFleetCommand())
	root.AddCommand(newMetricsCommand())
	root.AddCommand(newConfigCommand())
	return root
}

// loadConfig reads the environment and applies the persistent flags.
func loadConfig(cmd *cobra.Command) *app.Config {
	cfg := app.LoadConfig()
	if v, _ := cmd.Flags().GetString("db"); v != "" {
		cfg.DatabasePath = v
	}
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.LogLevel = v
	}
	app.SetupLogging(cfg.LogLevel, cfg.LogFormat)
	return cfg
}

// withApp runs fn against a locally opened application without the HTTP
// server or background loops.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg := loadConfig(cmd)
	cfg.HTTPAddr = ""
	cfg.EngineAttempts = 1

	a, err := app.New(cfg)
	if err != nil {
		return err
	}
	defer a.Stop()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return fn(ctx, a)
}

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the fleet API server and background collectors",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig(cmd)
			if v, _ := cmd.Flags().GetString("http-addr"); v != "" {
				cfg.HTTPAddr = v
			}

			a, err := app.New(cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize kantai: %w", err)
			}
			defer a.Stop()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.Run(ctx)
		},
	}
	cmd.Flags().String("http-addr", "", "API listen address (default from KANTAI_HTTP_ADDR)")
	return cmd
}
