package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/contextforge/forgehost/internal/client"
)

func newWorkerCommand() *cobra.Command {
	workerCmd := &cobra.Command{
		Use:           "worker",
		Short:         "Worker process commands",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	statusCmd := &cobra.Command{
		Use:           "status",
		Short:         "Get worker process status",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          workerStatus,
	}

	restartCmd := &cobra.Command{
		Use:           "restart",
		Short:         "Restart the worker process",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          workerRestart,
	}

	workerCmd.AddCommand(statusCmd, restartCmd)
	return workerCmd
}

func workerStatus(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)

	c, err := client.New()
	if err != nil {
		return out.Error("Failed to connect to daemon", err)
	}

	status, err := c.GetWorkerStatus()
	if err != nil {
		return out.Error("Failed to fetch worker status", err)
	}

	if out.jsonMode {
		return out.Print(status)
	}

	fmt.Println("Worker Status:")
	fmt.Printf("  Running: %v\n", status.Status.IsRunning)
	if status.Status.IsRunning {
		fmt.Printf("  PID:     %d\n", status.Status.PID)
		fmt.Printf("  Started: %s\n", status.Status.StartTime.Format(time.RFC3339))
		fmt.Printf("  Uptime:  %d seconds\n", status.UptimeSeconds)
		if status.Status.ExecutablePath != "" {
			fmt.Printf("  Binary:  %s\n", status.Status.ExecutablePath)
		}
	}
	return nil
}

func workerRestart(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)

	c, err := client.New()
	if err != nil {
		return out.Error("Failed to connect to daemon", err)
	}

	status, err := c.RestartWorker()
	if err != nil {
		return out.Error("Failed to restart worker", err)
	}

	return out.Success(fmt.Sprintf("Worker restarted (PID %d)", status.PID), map[string]any{
		"status": status,
	})
}
