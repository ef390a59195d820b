// Package supervisor owns the lifecycle of the single local worker process
// that exposes the backend API. It spawns the worker with an injected
// environment, relays its output to the daemon log, and tears it down with a
// bounded grace period.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/contextforge/forgehost/internal/config"
	"github.com/contextforge/forgehost/internal/procutil"
)

const (
	defaultGracePeriod  = 5 * time.Second
	defaultRestartDelay = 1 * time.Second
	healthProbeTimeout  = 2 * time.Second
)

// ErrExecutableNotFound indicates the worker binary could not be resolved.
var ErrExecutableNotFound = errors.New("supervisor: worker executable not found")

// Config describes how the worker process is launched.
type Config struct {
	ExecutablePath string // optional override; resolved from the instance bin dir, then PATH
	Host           string
	Port           int
	AuthRequired   bool
	AdminEmail     string
	AdminPassword  string
	WorkerHome     string
	LogLevel       string
	PluginConfig   string // optional plugin-config file path

	// GracePeriod bounds how long Stop waits between the graceful signal and
	// the forced kill. Zero means the 5s default.
	GracePeriod time.Duration

	// Stdout/Stderr override where worker output goes (primarily for tests).
	// When nil the output is relayed line by line to the daemon log.
	Stdout io.Writer
	Stderr io.Writer
}

// Status is a point-in-time snapshot of the supervised process.
type Status struct {
	IsRunning      bool      `json:"isRunning"`
	PID            int       `json:"pid,omitempty"`
	StartTime      time.Time `json:"startTime,omitempty"`
	ExecutablePath string    `json:"executablePath,omitempty"`
}

// Supervisor manages exactly one worker process. All state transitions happen
// under the mutex, so two concurrent Start calls spawn exactly one process.
type Supervisor struct {
	mu         sync.Mutex
	cfg        Config
	paths      config.InstancePaths
	httpClient *http.Client

	cmd       *exec.Cmd
	running   bool
	startTime time.Time
	execPath  string
	waitCh    chan error
}

// New builds a supervisor for the given worker configuration.
func New(cfg Config, paths config.InstancePaths) *Supervisor {
	return &Supervisor{
		cfg:        cfg,
		paths:      paths,
		httpClient: &http.Client{Timeout: healthProbeTimeout},
	}
}

// Endpoint returns the worker's base HTTP URL.
func (s *Supervisor) Endpoint() string {
	return fmt.Sprintf("http://%s:%d", s.cfg.Host, s.cfg.Port)
}

// resolveExecutable locates the worker binary: explicit override first, then
// the instance bin directory, then PATH.
func (s *Supervisor) resolveExecutable() (string, error) {
	if s.cfg.ExecutablePath != "" {
		if _, err := os.Stat(s.cfg.ExecutablePath); err != nil {
			return "", fmt.Errorf("%w: %s", ErrExecutableNotFound, s.cfg.ExecutablePath)
		}
		return s.cfg.ExecutablePath, nil
	}

	bundled := filepath.Join(s.paths.BinDir, config.WorkerExecutableName())
	if _, err := os.Stat(bundled); err == nil {
		return bundled, nil
	}

	if path, err := exec.LookPath(config.WorkerExecutableName()); err == nil {
		return path, nil
	}

	return "", fmt.Errorf("%w: looked in %s and PATH", ErrExecutableNotFound, s.paths.BinDir)
}

func (s *Supervisor) environment() []string {
	env := append(os.Environ(),
		"FORGE_WORKER_HOST="+s.cfg.Host,
		"FORGE_WORKER_PORT="+strconv.Itoa(s.cfg.Port),
		"FORGE_AUTH_REQUIRED="+strconv.FormatBool(s.cfg.AuthRequired),
		"FORGE_ADMIN_EMAIL="+s.cfg.AdminEmail,
		"FORGE_ADMIN_PASSWORD="+s.cfg.AdminPassword,
		"FORGE_HOME="+s.cfg.WorkerHome,
		"FORGE_LOG_LEVEL="+s.cfg.LogLevel,
	)
	if s.cfg.PluginConfig != "" {
		env = append(env, "FORGE_PLUGIN_CONFIG="+s.cfg.PluginConfig)
	}
	return env
}

// Start spawns the worker. Calling Start while the worker is already running
// is not an error; it returns immediately. Start resolves once the OS
// confirms the spawn; readiness is a separate concern (WaitForReady).
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	execPath, err := s.resolveExecutable()
	if err != nil {
		return err
	}

	cmd := exec.Command(execPath, "serve")
	cmd.Env = s.environment()
	if s.cfg.WorkerHome != "" {
		cmd.Dir = s.cfg.WorkerHome
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("supervisor: stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("supervisor: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("supervisor: spawn worker: %w", err)
	}

	s.cmd = cmd
	s.running = true
	s.startTime = time.Now()
	s.execPath = execPath
	s.waitCh = make(chan error, 1)

	stdoutDone := make(chan struct{})
	stderrDone := make(chan struct{})
	go func() {
		relay(stdoutPipe, s.cfg.Stdout, "[Worker] ")
		close(stdoutDone)
	}()
	go func() {
		relay(stderrPipe, s.cfg.Stderr, "[Worker] ERR ")
		close(stderrDone)
	}()

	waitCh := s.waitCh
	go func() {
		err := cmd.Wait()
		<-stdoutDone
		<-stderrDone

		s.mu.Lock()
		// Only clear state if this is still the current process; a Restart
		// may already have replaced it.
		if s.cmd == cmd {
			s.running = false
			s.cmd = nil
		}
		s.mu.Unlock()

		if err != nil {
			log.Printf("[Supervisor] Worker exited: %v", err)
		} else {
			log.Printf("[Supervisor] Worker exited cleanly")
		}

		waitCh <- err
		close(waitCh)
	}()

	log.Printf("[Supervisor] Started worker pid=%d exec=%s endpoint=%s", cmd.Process.Pid, execPath, s.Endpoint())
	return nil
}

// WaitForReady polls the worker's health endpoint until it responds with a
// 2xx status, up to maxAttempts probes spaced delay apart. Returns true on
// the first healthy response.
func (s *Supervisor) WaitForReady(ctx context.Context, maxAttempts int, delay time.Duration) bool {
	url := s.Endpoint() + "/health"

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(delay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
		if err != nil {
			return false
		}
		resp, err := s.httpClient.Do(req)
		if err != nil {
			continue
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return true
		}
	}
	return false
}

// Stop terminates the worker: graceful signal first, forced kill if the
// process has not exited within the grace period. Stop never fails; it
// returns once the process exit has been observed. Stopping a stopped
// worker is a no-op.
func (s *Supervisor) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.running || s.cmd == nil || s.cmd.Process == nil {
		s.mu.Unlock()
		return
	}
	cmd := s.cmd
	waitCh := s.waitCh
	s.mu.Unlock()

	if err := procutil.GracefulTerminate(cmd.Process); err != nil {
		log.Printf("[Supervisor] Graceful terminate failed: %v", err)
	}

	grace := s.cfg.GracePeriod
	if grace <= 0 {
		grace = defaultGracePeriod
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-waitCh:
		return
	case <-ctx.Done():
	case <-timer.C:
		log.Printf("[Supervisor] Worker did not exit within %s, killing", grace)
	}

	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		log.Printf("[Supervisor] Kill failed: %v", err)
	}
	<-waitCh
}

// Restart stops the worker, waits a beat for the listen port to free up,
// then starts it again.
func (s *Supervisor) Restart(ctx context.Context) error {
	s.Stop(ctx)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(defaultRestartDelay):
	}

	return s.Start(ctx)
}

// Status reports the current process state.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		IsRunning:      s.running,
		ExecutablePath: s.execPath,
	}
	if s.running && s.cmd != nil && s.cmd.Process != nil {
		st.PID = s.cmd.Process.Pid
		st.StartTime = s.startTime
	}
	return st
}

// Uptime returns how long the worker has been running, or 0 when stopped.
func (s *Supervisor) Uptime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return 0
	}
	return time.Since(s.startTime)
}

// relay pumps process output to w, or to the daemon log line by line when w
// is nil.
func relay(r io.Reader, w io.Writer, prefix string) {
	if w != nil {
		_, _ = io.Copy(w, r)
		return
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		log.Printf("%s%s", prefix, scanner.Text())
	}
}
