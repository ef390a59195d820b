package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/contextforge/forgehost/internal/config/store"
	"github.com/contextforge/forgehost/internal/session"
)

func envelope(data any) map[string]any {
	return map[string]any{"success": true, "data": data}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func TestListProfilesUnwrapsEnvelope(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/profiles" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		writeJSON(w, http.StatusOK, envelope([]store.Profile{
			{ID: "abc123", Email: "a@example.com"},
			{ID: "def456", Email: "b@example.com"},
		}))
	}))
	defer srv.Close()

	c := NewInitialisedClient(srv.URL, nil)
	profiles, err := c.ListProfiles()
	if err != nil {
		t.Fatalf("ListProfiles: %v", err)
	}
	if len(profiles) != 2 || profiles[0].ID != "abc123" {
		t.Fatalf("profiles = %+v", profiles)
	}
}

func TestErrorEnvelopeSurfacesMessage(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "error": "store: profile not found: xyz"})
	}))
	defer srv.Close()

	c := NewInitialisedClient(srv.URL, nil)
	_, err := c.GetProfile("xyz")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "profile not found") {
		t.Fatalf("error = %v, want envelope message", err)
	}
}

func TestCreateProfileSendsRequestBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req session.CreateProfileRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if req.Email != "new@example.com" || req.Password != "pw" {
			t.Errorf("body = %+v", req)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q", ct)
		}
		writeJSON(w, http.StatusCreated, envelope(store.Profile{ID: "newid", Email: req.Email}))
	}))
	defer srv.Close()

	c := NewInitialisedClient(srv.URL, nil)
	profile, err := c.CreateProfile(session.CreateProfileRequest{
		Email:    "new@example.com",
		Password: "pw",
		APIURL:   "http://localhost:9000",
	})
	if err != nil {
		t.Fatalf("CreateProfile: %v", err)
	}
	if profile.ID != "newid" {
		t.Fatalf("profile = %+v", profile)
	}
}

func TestSwitchProfilePath(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/profiles/abc123/switch" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		writeJSON(w, http.StatusOK, envelope(store.Profile{ID: "abc123", IsActive: true}))
	}))
	defer srv.Close()

	c := NewInitialisedClient(srv.URL, nil)
	profile, err := c.SwitchProfile("abc123")
	if err != nil {
		t.Fatalf("SwitchProfile: %v", err)
	}
	if !profile.IsActive {
		t.Fatalf("profile = %+v, want active", profile)
	}
}

func TestShutdownDaemonAccepted(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusAccepted, envelope(map[string]string{"status": "shutting_down"}))
	}))
	defer srv.Close()

	c := NewInitialisedClient(srv.URL, nil)
	if err := c.ShutdownDaemon(); err != nil {
		t.Fatalf("ShutdownDaemon: %v", err)
	}
}

func TestShutdownDaemonUnavailable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotImplemented, map[string]any{"success": false, "error": "daemon shutdown not available"})
	}))
	defer srv.Close()

	c := NewInitialisedClient(srv.URL, nil)
	err := c.ShutdownDaemon()
	if !errors.Is(err, ErrShutdownUnavailable) {
		t.Fatalf("error = %v, want ErrShutdownUnavailable", err)
	}
}

func TestWorkerStatusDecodes(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, envelope(map[string]any{
			"status":        map[string]any{"isRunning": true, "pid": 4242},
			"uptimeSeconds": 17,
		}))
	}))
	defer srv.Close()

	c := NewInitialisedClient(srv.URL, nil)
	status, err := c.GetWorkerStatus()
	if err != nil {
		t.Fatalf("GetWorkerStatus: %v", err)
	}
	if !status.Status.IsRunning || status.Status.PID != 4242 || status.UptimeSeconds != 17 {
		t.Fatalf("status = %+v", status)
	}
}

func TestTestCredentialsResult(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, envelope(session.TestResult{Success: false, Error: "invalid credentials"}))
	}))
	defer srv.Close()

	c := NewInitialisedClient(srv.URL, nil)
	result, err := c.TestCredentials("a@example.com", "pw", "http://localhost:9000")
	if err != nil {
		t.Fatalf("TestCredentials: %v", err)
	}
	if result.Success || result.Error != "invalid credentials" {
		t.Fatalf("result = %+v", result)
	}
}

func TestBaseURLTrimsTrailingSlash(t *testing.T) {
	t.Parallel()

	c := NewInitialisedClient("http://127.0.0.1:4500/", nil)
	if c.BaseURL() != "http://127.0.0.1:4500" {
		t.Fatalf("BaseURL = %q", c.BaseURL())
	}
}

func TestWatchEventsStreamsMessages(t *testing.T) {
	t.Parallel()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/events" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		conn.WriteJSON(Event{Type: "login_success", Timestamp: time.Now()})
		conn.WriteJSON(Event{Type: "logout", Timestamp: time.Now()})
		// Keep the connection open until the client disconnects.
		conn.ReadMessage()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	c := NewInitialisedClient(srv.URL, nil)
	events, err := c.WatchEvents(ctx)
	if err != nil {
		t.Fatalf("WatchEvents: %v", err)
	}

	var got []string
	for len(got) < 2 {
		select {
		case event, ok := <-events:
			if !ok {
				t.Fatalf("stream closed early, got %v", got)
			}
			got = append(got, event.Type)
		case <-ctx.Done():
			t.Fatalf("timed out, got %v", got)
		}
	}
	if got[0] != "login_success" || got[1] != "logout" {
		t.Fatalf("event types = %v", got)
	}
}
