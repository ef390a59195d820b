// Package server exposes the daemon's control API to the UI: profile CRUD,
// switch/login/logout, credential testing, worker lifecycle and a websocket
// event stream.
package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/contextforge/forgehost/internal/session"
	"github.com/contextforge/forgehost/internal/supervisor"
)

// Server is the daemon's HTTP control API.
type Server struct {
	sessions *session.Manager
	worker   *supervisor.Supervisor
	events   *eventHub

	httpServer *http.Server
	listener   net.Listener
	startTime  time.Time

	shutdownMu sync.RWMutex
	shutdownFn func(context.Context) error
}

// New builds the control API over the given session manager and worker
// supervisor. The server subscribes to session events and fans them out to
// websocket clients.
func New(sessions *session.Manager, worker *supervisor.Supervisor) *Server {
	s := &Server{
		sessions:  sessions,
		worker:    worker,
		events:    newEventHub(),
		startTime: time.Now(),
	}
	sessions.AddEventListener(s.events.BroadcastSessionEvent)
	return s
}

// SetShutdownFunc installs the callback invoked by POST /daemon/shutdown.
func (s *Server) SetShutdownFunc(fn func(context.Context) error) {
	s.shutdownMu.Lock()
	defer s.shutdownMu.Unlock()
	s.shutdownFn = fn
}

// Handler returns the routed HTTP handler (exposed for tests).
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/profiles", s.handleProfilesRoot)
	mux.HandleFunc("/profiles/", s.handleProfileSubroutes)
	mux.HandleFunc("/logout", s.handleLogout)
	mux.HandleFunc("/credentials/test", s.handleTestCredentials)
	mux.HandleFunc("/worker/status", s.handleWorkerStatus)
	mux.HandleFunc("/worker/restart", s.handleWorkerRestart)
	mux.HandleFunc("/daemon/status", s.handleDaemonStatus)
	mux.HandleFunc("/daemon/shutdown", s.handleDaemonShutdown)
	mux.HandleFunc("/events", s.events.HandleWebSocket)
	return mux
}

// Start binds the listener and serves in the background. Port 0 picks a free
// port; the effective port is available via Port().
func (s *Server) Start(host string, port int) error {
	address := net.JoinHostPort(host, strconv.Itoa(port))
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", address, err)
	}

	s.listener = listener
	s.httpServer = &http.Server{Handler: s.Handler()}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Printf("[APIServer] serve error: %v", err)
		}
	}()

	log.Printf("[APIServer] Listening on %s", listener.Addr())
	return nil
}

// Port returns the effective listen port, or 0 before Start.
func (s *Server) Port() int {
	if s.listener == nil {
		return 0
	}
	if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Shutdown stops accepting connections, closes websocket clients and drains
// in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.events.Close()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
