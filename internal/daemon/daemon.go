// Package daemon wires the profile store, backend client, worker supervisor,
// session manager and control API into a single long-running process.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/contextforge/forgehost/internal/backend"
	"github.com/contextforge/forgehost/internal/config"
	configstore "github.com/contextforge/forgehost/internal/config/store"
	daemonruntime "github.com/contextforge/forgehost/internal/runtime"
	"github.com/contextforge/forgehost/internal/server"
	"github.com/contextforge/forgehost/internal/session"
	"github.com/contextforge/forgehost/internal/supervisor"
)

const (
	defaultAPIHost    = "127.0.0.1"
	defaultWorkerHost = "127.0.0.1"
	defaultWorkerPort = 4620

	// internalAdminEmail is the account the daemon provisions for its own
	// worker access; its password is generated once and kept in settings.
	internalAdminEmail = "admin@forgehost.local"

	settingAdminPassword = "internal.admin_password"

	workerReadyAttempts = 30
	workerReadyDelay    = time.Second

	// internalLoginRetryDelay spaces the second EnsureInternalProfile attempt
	// when the worker was slow to report ready.
	internalLoginRetryDelay = 5 * time.Second

	serviceOpTimeout = 10 * time.Second
)

// ErrAlreadyRunning indicates another daemon instance holds the lock file.
var ErrAlreadyRunning = errors.New("daemon: already running")

// Options configures a daemon instance.
type Options struct {
	InstanceName string // defaults to config.DefaultInstance

	APIHost string // control API bind host, defaults to 127.0.0.1
	APIPort int    // control API port, 0 picks a free port

	WorkerExecutable string // optional worker binary override
	WorkerHost       string
	WorkerPort       int
	WorkerLogLevel   string
	PluginConfig     string
}

// Daemon composes the host-side runtime around a single worker process.
type Daemon struct {
	opts     Options
	paths    config.InstancePaths
	store    *configstore.Store
	backend  *backend.Client
	sessions *session.Manager
	worker   *supervisor.Supervisor
	api      *server.Server

	lifecycle *daemonruntime.Lifecycle
}

// New builds a daemon from the given options. The profile store is opened and
// the internal admin password provisioned here; the worker and API server are
// started by Start.
func New(opts Options) (*Daemon, error) {
	if opts.InstanceName == "" {
		opts.InstanceName = config.DefaultInstance
	}
	if opts.APIHost == "" {
		opts.APIHost = defaultAPIHost
	}
	if opts.WorkerHost == "" {
		opts.WorkerHost = defaultWorkerHost
	}
	if opts.WorkerPort == 0 {
		opts.WorkerPort = defaultWorkerPort
	}

	paths, err := config.EnsureInstanceDirs(opts.InstanceName)
	if err != nil {
		return nil, fmt.Errorf("daemon: ensure instance directories: %w", err)
	}

	st, err := configstore.Open(configstore.Options{InstanceName: opts.InstanceName})
	if err != nil {
		return nil, fmt.Errorf("daemon: open profile store: %w", err)
	}

	adminPassword, err := ensureAdminPassword(context.Background(), st)
	if err != nil {
		st.Close()
		return nil, err
	}

	backendClient := backend.New(fmt.Sprintf("http://%s:%d", opts.WorkerHost, opts.WorkerPort), nil)
	sessions := session.NewManager(st, backendClient)

	worker := supervisor.New(supervisor.Config{
		ExecutablePath: opts.WorkerExecutable,
		Host:           opts.WorkerHost,
		Port:           opts.WorkerPort,
		AuthRequired:   true,
		AdminEmail:     internalAdminEmail,
		AdminPassword:  adminPassword,
		WorkerHome:     paths.WorkerHome,
		LogLevel:       opts.WorkerLogLevel,
		PluginConfig:   opts.PluginConfig,
	}, paths)

	api := server.New(sessions, worker)

	d := &Daemon{
		opts:      opts,
		paths:     paths,
		store:     st,
		backend:   backendClient,
		sessions:  sessions,
		worker:    worker,
		api:       api,
		lifecycle: daemonruntime.NewLifecycle(),
	}

	api.SetShutdownFunc(func(ctx context.Context) error {
		d.lifecycle.Shutdown()
		return nil
	})

	return d, nil
}

// ensureAdminPassword loads the internal admin password from settings,
// generating and persisting one on first run.
func ensureAdminPassword(ctx context.Context, st *configstore.Store) (string, error) {
	settings, err := st.LoadSettings(ctx, settingAdminPassword)
	if err != nil {
		return "", fmt.Errorf("daemon: load admin password: %w", err)
	}
	if password := settings[settingAdminPassword]; password != "" {
		return password, nil
	}

	password := uuid.New().String()
	if err := st.SaveSettings(ctx, map[string]string{settingAdminPassword: password}); err != nil {
		return "", fmt.Errorf("daemon: save admin password: %w", err)
	}
	return password, nil
}

// Start launches the API server and worker, then blocks until Shutdown is
// called or a signal arrives. It returns once teardown completes.
func (d *Daemon) Start() error {
	if pid := daemonruntime.DaemonPID(d.paths.Lock); pid != 0 {
		return fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
	}
	if err := daemonruntime.WritePIDFile(d.paths.Lock, os.Getpid()); err != nil {
		return fmt.Errorf("daemon: write pid file: %w", err)
	}
	defer daemonruntime.RemovePIDFile(d.paths.Lock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := d.api.Start(d.opts.APIHost, d.opts.APIPort); err != nil {
		return err
	}
	if err := d.store.SaveSettings(ctx, map[string]string{
		configstore.SettingAPIHost: d.opts.APIHost,
		configstore.SettingAPIPort: strconv.Itoa(d.api.Port()),
	}); err != nil {
		log.Printf("[Daemon] failed to record API address: %v", err)
	}

	// A missing worker binary is not fatal: the control API keeps serving
	// profile management, and /worker/restart can pick the binary up later.
	if err := d.worker.Start(ctx); err != nil {
		log.Printf("[Daemon] worker start failed: %v", err)
	} else {
		go d.bootstrapSession(ctx)
	}

	<-d.lifecycle.Done()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), serviceOpTimeout)
	defer shutdownCancel()

	if err := d.api.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Daemon] API server shutdown error: %v", err)
	}
	d.worker.Stop(shutdownCtx)

	if err := d.store.Close(); err != nil {
		log.Printf("[Daemon] store close error: %v", err)
	}

	return nil
}

// bootstrapSession waits for the worker to answer health probes, provisions
// the internal admin profile, migrates legacy credentials and restores the
// previously active session.
func (d *Daemon) bootstrapSession(ctx context.Context) {
	ready := d.worker.WaitForReady(ctx, workerReadyAttempts, workerReadyDelay)
	if !ready {
		log.Printf("[Daemon] worker not ready after %d probes, proceeding anyway", workerReadyAttempts)
	}

	if err := d.ensureInternalProfile(ctx); err != nil {
		if !ready {
			// The worker may have come up between the last probe and now;
			// give it one more chance.
			select {
			case <-time.After(internalLoginRetryDelay):
			case <-ctx.Done():
				return
			}
			if retryErr := d.ensureInternalProfile(ctx); retryErr != nil {
				log.Printf("[Daemon] internal profile retry failed: %v", retryErr)
			}
		} else {
			log.Printf("[Daemon] internal profile setup failed: %v", err)
		}
	}

	d.sessions.Initialize(ctx)
}

func (d *Daemon) ensureInternalProfile(ctx context.Context) error {
	settings, err := d.store.LoadSettings(ctx, settingAdminPassword)
	if err != nil {
		return fmt.Errorf("daemon: load admin password: %w", err)
	}
	_, err = d.sessions.EnsureInternalProfile(ctx, internalAdminEmail, settings[settingAdminPassword], d.worker.Endpoint())
	return err
}

// Shutdown signals the daemon to stop. Safe to call more than once.
func (d *Daemon) Shutdown() {
	d.lifecycle.Shutdown()
}

// Sessions exposes the session manager (primarily for tests).
func (d *Daemon) Sessions() *session.Manager {
	return d.sessions
}

// APIPort returns the control API port once Start has bound the listener.
func (d *Daemon) APIPort() int {
	return d.api.Port()
}

// IsRunning reports whether a live daemon holds the instance lock file, and
// its PID when so.
func IsRunning(instanceName string) (int, bool) {
	paths := config.GetInstancePaths(instanceName)
	pid := daemonruntime.DaemonPID(paths.Lock)
	return pid, pid != 0
}
