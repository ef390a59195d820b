package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/contextforge/forgehost/internal/config"
	"github.com/contextforge/forgehost/internal/daemon"
	forgehostversion "github.com/contextforge/forgehost/internal/version"
)

var opts daemon.Options

func main() {
	rootCmd := &cobra.Command{
		Use:           "forgehostd",
		Short:         "ForgeHost daemon - manages profiles and the worker process",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runDaemon,
	}
	rootCmd.Version = forgehostversion.String()
	rootCmd.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")

	flags := rootCmd.Flags()
	flags.StringVar(&opts.APIHost, "host", "127.0.0.1", "control API bind host")
	flags.IntVar(&opts.APIPort, "port", 4600, "control API port (0 picks a free port)")
	flags.StringVar(&opts.WorkerExecutable, "worker-exec", "", "worker binary path (defaults to the instance bin dir, then PATH)")
	flags.IntVar(&opts.WorkerPort, "worker-port", 0, "worker HTTP port")
	flags.StringVar(&opts.WorkerLogLevel, "worker-log-level", "", "log level handed to the worker")
	flags.StringVar(&opts.PluginConfig, "plugin-config", "", "plugin-config file handed to the worker")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	if err := setupLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialise logging: %v\n", err)
	}

	if pid, running := daemon.IsRunning(config.DefaultInstance); running {
		return fmt.Errorf("daemon is already running (pid %d)", pid)
	}

	d, err := daemon.New(opts)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- d.Start()
	}()

	log.Printf("ForgeHost daemon started (PID: %d)", os.Getpid())

	select {
	case sig := <-sigChan:
		log.Printf("Received signal %s, shutting down...", sig)
		d.Shutdown()
		if err := <-errChan; err != nil {
			return err
		}
	case err := <-errChan:
		if err != nil {
			log.Printf("Daemon error: %v", err)
			return err
		}
	}

	log.Println("Daemon stopped")
	return nil
}

func setupLogging() error {
	paths, err := config.EnsureInstanceDirs(config.DefaultInstance)
	if err != nil {
		return fmt.Errorf("initialise instance directories: %w", err)
	}

	logPath := filepath.Join(paths.Logs, "daemon.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	multi := io.MultiWriter(os.Stdout, logFile)
	log.SetOutput(multi)
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	log.Printf("=== ForgeHost Daemon Starting (PID: %d) ===", os.Getpid())
	log.Printf("Log file: %s", logPath)
	return nil
}
