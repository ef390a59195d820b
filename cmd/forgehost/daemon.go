package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/contextforge/forgehost/internal/client"
	"github.com/contextforge/forgehost/internal/config"
	"github.com/contextforge/forgehost/internal/procutil"
	daemonruntime "github.com/contextforge/forgehost/internal/runtime"
)

func newDaemonCommand() *cobra.Command {
	daemonCmd := &cobra.Command{
		Use:           "daemon",
		Short:         "Daemon management commands",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	statusCmd := &cobra.Command{
		Use:           "status",
		Short:         "Get daemon status",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          daemonStatus,
	}

	stopCmd := &cobra.Command{
		Use:           "stop",
		Short:         "Stop the daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          daemonStop,
	}

	daemonCmd.AddCommand(statusCmd, stopCmd)
	return daemonCmd
}

func newEventsCommand() *cobra.Command {
	return &cobra.Command{
		Use:           "events",
		Short:         "Stream session events from the daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          watchEvents,
	}
}

func daemonStatus(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)

	c, err := client.New()
	if err != nil {
		return out.Error("Failed to connect to daemon", err)
	}

	status, err := c.GetDaemonStatus()
	if err != nil {
		return out.Error("Failed to fetch daemon status", err)
	}

	if out.jsonMode {
		return out.Print(status)
	}

	fmt.Println("Daemon Status:")
	fmt.Printf("  Version: %v\n", status["version"])
	fmt.Printf("  Started: %v\n", status["startTime"])
	fmt.Printf("  Uptime:  %v seconds\n", status["uptimeSeconds"])
	if worker, ok := status["worker"].(map[string]any); ok {
		fmt.Printf("  Worker running: %v\n", worker["isRunning"])
		if pid, ok := worker["pid"]; ok {
			fmt.Printf("  Worker PID: %v\n", pid)
		}
	}
	if profile, ok := status["activeProfile"].(map[string]any); ok {
		fmt.Printf("  Active profile: %v (%v)\n", profile["id"], profile["email"])
	} else {
		fmt.Println("  Active profile: none")
	}
	return nil
}

// daemonStop asks the daemon to shut down over the API and falls back to
// signalling the PID from the lock file when the API is unreachable.
func daemonStop(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)

	var apiErr error
	if c, err := client.New(); err == nil {
		if err := c.ShutdownDaemon(); err == nil {
			return out.Success("Shutdown request sent to daemon", map[string]any{
				"method": "api",
			})
		} else if !errors.Is(err, client.ErrShutdownUnavailable) {
			apiErr = err
		}
	} else {
		apiErr = err
	}

	paths := config.GetInstancePaths(config.DefaultInstance)
	pid := daemonruntime.DaemonPID(paths.Lock)
	if pid == 0 {
		if apiErr != nil {
			return out.Error("Failed to stop daemon via API and no local daemon found", apiErr)
		}
		return out.Error("Daemon is not running", nil)
	}

	if err := procutil.TerminateByPID(pid); err != nil {
		return out.Error("Failed to signal daemon", err)
	}

	return out.Success("Sent termination signal to daemon", map[string]any{
		"pid":    pid,
		"method": "signal",
	})
}

func watchEvents(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)

	c, err := client.New()
	if err != nil {
		return out.Error("Failed to connect to daemon", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		<-sigChan
		cancel()
	}()

	events, err := c.WatchEvents(ctx)
	if err != nil {
		return out.Error("Failed to subscribe to events", err)
	}

	for event := range events {
		if out.jsonMode {
			out.Print(event)
			continue
		}
		line := fmt.Sprintf("%s  %s", event.Timestamp.Format("15:04:05"), event.Type)
		if event.Profile != nil {
			line += fmt.Sprintf("  %s (%s)", event.Profile.ID, event.Profile.Email)
		}
		if event.Error != "" {
			line += "  " + event.Error
		}
		fmt.Println(line)
	}
	return nil
}
