package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/voxgate/voxgate"
	"github.com/voxgate/voxgate/internal/config"
	"github.com/voxgate/voxgate/internal/logger"
)

// ServeFlags holds serve-specific flags.
type ServeFlags struct {
	Daemonize bool
	PidFile   string
	LogFile   string
}

func createServeCommand(flags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the voxgate daemon",
		Long: `Run the gateway and the worker supervisor in the foreground, or as a
background daemon with --daemonize.

Examples:
  voxgate serve --config=voxgate.toml
  voxgate serve --config=voxgate.toml --daemonize --pidfile=/run/voxgate.pid`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if serveFlags.Daemonize {
				if err := daemonize(serveFlags.PidFile, serveFlags.LogFile); err != nil {
					return err
				}
			}
			return runServe(flags.ConfigPath)
		},
	}

	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run in the background")
	cmd.Flags().StringVar(&serveFlags.PidFile, "pidfile", "", "write daemon PID to this file")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon output to this file")
	return cmd
}

func runServe(configPath string) error {
	cfg := voxgate.DefaultConfig()
	if configPath != "" {
		loaded, err := voxgate.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}

	slog.SetDefault(slog.New(logger.NewColorTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))
	if err := voxgate.RegisterMetricsDefault(); err != nil {
		slog.Warn("metrics registration failed", "error", err)
	}

	svc, err := voxgate.NewService(cfg)
	if err != nil {
		return err
	}

	if configPath != "" {
		// Most settings require a worker restart; surface edits instead of
		// applying them half-way.
		config.Watch(configPath, func(config.Config) {
			slog.Warn("configuration file changed; restart voxgate to apply")
		}, func(err error) {
			slog.Error("config watch error", "error", err)
		})
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return svc.Run(ctx)
}
