package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/voxgate/voxgate/pkg/client"
)

func newClient(flags *GlobalFlags) *client.Client {
	cfg := client.DefaultConfig()
	if flags.APIUrl != "" {
		cfg.BaseURL = flags.APIUrl
	}
	if flags.APITimeout > 0 {
		cfg.Timeout = flags.APITimeout
	}
	return client.New(cfg)
}

func createStatusCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show worker and startup status",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(flags)
			st, err := c.Status(context.Background())
			if err != nil {
				return err
			}
			printStatus(st)
			return nil
		},
	}
}

func printStatus(st client.StatusResponse) {
	w := st.Worker
	if w.Running {
		fmt.Printf("worker:  running (pid %d, up %s)\n", w.PID,
			humanize.RelTime(w.StartedAt, time.Now(), "", ""))
	} else {
		fmt.Println("worker:  stopped")
	}
	fmt.Printf("restarts: %d", w.Restarts)
	if w.BudgetExhausted {
		fmt.Print(" (budget exhausted)")
	}
	fmt.Println()
	if w.LastError != "" {
		fmt.Printf("last error: %s\n", w.LastError)
	}
	fmt.Printf("startup: %s\n", st.Line)
	for _, line := range w.StderrTail {
		fmt.Printf("  stderr| %s\n", line)
	}
}

func createStartCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the worker and wait until it is ready",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(flags)
			if err := c.Start(context.Background()); err != nil {
				return err
			}
			fmt.Println("worker ready")
			return nil
		},
	}
}

func createStopCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the worker gracefully",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(flags)
			if err := c.Stop(context.Background()); err != nil {
				return err
			}
			fmt.Println("worker stopped")
			return nil
		},
	}
}

func createRestartCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Restart the worker and reset the restart budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(flags)
			if err := c.Restart(context.Background()); err != nil {
				return err
			}
			fmt.Println("worker restarted")
			return nil
		},
	}
}

func createWarmupCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "warmup",
		Short: "Kick the readiness sequence without waiting",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(flags)
			if err := c.Warmup(context.Background()); err != nil {
				return err
			}
			fmt.Println("warmup started")
			return nil
		},
	}
}
