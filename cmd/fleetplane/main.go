package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/greenlease/fleetplane/internal/app"
	"github.com/greenlease/fleetplane/internal/config"
	"github.com/greenlease/fleetplane/internal/platform"
)

var modeFlag string

var rootCmd = &cobra.Command{
	Use:   "fleetplane",
	Short: "Control plane for an ephemeral VM executor fleet",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane (HTTP API and/or background loops)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if modeFlag != "" {
			cfg.Mode = modeFlag
		}

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		return app.Run(ctx, cfg)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		return platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir)
	},
}

func init() {
	serveCmd.Flags().StringVar(&modeFlag, "mode", "", "run mode: all, api, or loops (overrides FLEETPLANE_MODE)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}
