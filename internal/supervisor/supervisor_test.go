package supervisor

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/contextforge/forgehost/internal/config"
)

// writeWorkerScript creates an executable shell script standing in for the
// worker binary. Unix only; supervisor behavior is identical on Windows.
func writeWorkerScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("worker script tests use /bin/sh")
	}

	path := filepath.Join(t.TempDir(), "forge-worker")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write worker script: %v", err)
	}
	return path
}

func newTestSupervisor(t *testing.T, execPath string) *Supervisor {
	t.Helper()
	return New(Config{
		ExecutablePath: execPath,
		Host:           "127.0.0.1",
		Port:           4444,
		WorkerHome:     t.TempDir(),
		GracePeriod:    500 * time.Millisecond,
	}, config.InstancePaths{BinDir: t.TempDir()})
}

func TestStartExecutableNotFound(t *testing.T) {
	s := newTestSupervisor(t, filepath.Join(t.TempDir(), "missing"))

	err := s.Start(context.Background())
	if err == nil {
		t.Fatal("expected error for missing executable")
	}
	if !errors.Is(err, ErrExecutableNotFound) {
		t.Fatalf("expected ErrExecutableNotFound, got %v", err)
	}
	if s.Status().IsRunning {
		t.Fatal("supervisor should remain stopped after failed start")
	}
}

func TestStartIdempotent(t *testing.T) {
	script := writeWorkerScript(t, "sleep 300")
	s := newTestSupervisor(t, script)
	ctx := context.Background()
	defer s.Stop(ctx)

	if err := s.Start(ctx); err != nil {
		t.Fatalf("first start: %v", err)
	}
	firstPID := s.Status().PID
	if firstPID == 0 {
		t.Fatal("no PID after start")
	}

	if err := s.Start(ctx); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if got := s.Status().PID; got != firstPID {
		t.Fatalf("second start spawned a new process: pid %d != %d", got, firstPID)
	}
}

func TestConcurrentStartSpawnsOneProcess(t *testing.T) {
	script := writeWorkerScript(t, "sleep 300")
	s := newTestSupervisor(t, script)
	ctx := context.Background()
	defer s.Stop(ctx)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Start(ctx)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
	}
	if !s.Status().IsRunning {
		t.Fatal("worker not running after concurrent starts")
	}
}

func TestStopGraceful(t *testing.T) {
	script := writeWorkerScript(t, "sleep 300")
	s := newTestSupervisor(t, script)
	ctx := context.Background()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	s.Stop(ctx)

	if s.Status().IsRunning {
		t.Fatal("worker still reported running after stop")
	}
	if s.Uptime() != 0 {
		t.Fatalf("uptime = %v after stop, want 0", s.Uptime())
	}

	// Stopping again is a no-op.
	s.Stop(ctx)
}

func TestStopForcesKillAfterGrace(t *testing.T) {
	// Worker traps SIGTERM and refuses to exit; Stop must fall through to
	// the forced kill once the grace period elapses. The worker touches a
	// sentinel file after installing the trap so the test can wait until
	// SIGTERM is actually ignored before calling Stop.
	sentinel := filepath.Join(t.TempDir(), "trap-ready")
	script := writeWorkerScript(t, "trap '' TERM\ntouch "+sentinel+"\nwhile true; do sleep 1; done")
	s := newTestSupervisor(t, script)
	ctx := context.Background()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(sentinel); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("worker never installed TERM trap")
		}
		time.Sleep(10 * time.Millisecond)
	}

	start := time.Now()
	s.Stop(ctx)
	elapsed := time.Since(start)

	if elapsed < 400*time.Millisecond {
		t.Fatalf("stop returned before grace period: %v", elapsed)
	}
	if s.Status().IsRunning {
		t.Fatal("worker still reported running after forced kill")
	}
}

func TestRestart(t *testing.T) {
	script := writeWorkerScript(t, "sleep 300")
	s := newTestSupervisor(t, script)
	ctx := context.Background()
	defer s.Stop(ctx)

	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	firstPID := s.Status().PID

	if err := s.Restart(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	st := s.Status()
	if !st.IsRunning {
		t.Fatal("worker not running after restart")
	}
	if st.PID == firstPID {
		t.Fatalf("restart reused pid %d", firstPID)
	}
}

func TestCrashResetsState(t *testing.T) {
	script := writeWorkerScript(t, "exit 3")
	s := newTestSupervisor(t, script)
	ctx := context.Background()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	// The monitor goroutine observes the exit and clears the running flag.
	deadline := time.Now().Add(5 * time.Second)
	for s.Status().IsRunning {
		if time.Now().After(deadline) {
			t.Fatal("running flag not cleared after worker exit")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWaitForReady(t *testing.T) {
	var mu sync.Mutex
	healthyAfter := 2
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n < healthyAfter {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, _ := strconv.Atoi(portStr)

	s := New(Config{Host: host, Port: port}, config.InstancePaths{})
	if !s.WaitForReady(context.Background(), 5, 10*time.Millisecond) {
		t.Fatal("expected readiness within 5 attempts")
	}

	mu.Lock()
	got := calls
	mu.Unlock()
	if got != healthyAfter {
		t.Fatalf("health probed %d times, want %d", got, healthyAfter)
	}
}

func TestWaitForReadyExhaustsAttempts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	host, portStr, _ := net.SplitHostPort(srv.Listener.Addr().String())
	port, _ := strconv.Atoi(portStr)

	s := New(Config{Host: host, Port: port}, config.InstancePaths{})
	if s.WaitForReady(context.Background(), 3, time.Millisecond) {
		t.Fatal("expected readiness to fail")
	}
}

func TestUptime(t *testing.T) {
	script := writeWorkerScript(t, "sleep 300")
	s := newTestSupervisor(t, script)
	ctx := context.Background()
	defer s.Stop(ctx)

	if s.Uptime() != 0 {
		t.Fatal("uptime should be 0 before start")
	}
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if s.Uptime() <= 0 {
		t.Fatal("uptime should be positive while running")
	}
}
