// Package client talks to the forgehostd control API on behalf of the CLI.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/contextforge/forgehost/internal/config/store"
	"github.com/contextforge/forgehost/internal/session"
	"github.com/contextforge/forgehost/internal/supervisor"
)

const (
	defaultHTTPTimeout = 10 * time.Second
	maxErrorBody       = 8 << 10
)

// ErrShutdownUnavailable indicates the daemon does not expose the shutdown endpoint.
var ErrShutdownUnavailable = errors.New("daemon shutdown endpoint unavailable")

// ErrDaemonNotRunning indicates no daemon API address could be discovered.
var ErrDaemonNotRunning = errors.New("daemon API address not available; is forgehostd running?")

// Client communicates with the daemon's HTTP control API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewInitialisedClient constructs a client from explicit parameters.
func NewInitialisedClient(baseURL string, transport http.RoundTripper) *Client {
	httpClient := &http.Client{Timeout: defaultHTTPTimeout}
	if transport != nil {
		httpClient.Transport = transport
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// New initialises a client bound to the local daemon. The base URL comes from
// FORGEHOST_BASE_URL when set, otherwise from the address the daemon recorded
// in the profile database on startup.
func New() (*Client, error) {
	if base := strings.TrimSpace(os.Getenv("FORGEHOST_BASE_URL")); base != "" {
		return NewInitialisedClient(base, nil), nil
	}

	host, port, err := loadAPIAddress()
	if err != nil {
		return nil, err
	}
	return NewInitialisedClient(fmt.Sprintf("http://%s:%d", host, port), nil), nil
}

func loadAPIAddress() (string, int, error) {
	st, err := store.Open(store.Options{ReadOnly: true})
	if err != nil {
		return "", 0, fmt.Errorf("client: open profile store: %w", err)
	}
	defer st.Close()

	settings, err := st.LoadSettings(context.Background(), store.SettingAPIHost, store.SettingAPIPort)
	if err != nil {
		return "", 0, fmt.Errorf("client: load daemon address: %w", err)
	}

	host := strings.TrimSpace(settings[store.SettingAPIHost])
	if host == "" {
		host = "127.0.0.1"
	}
	port, err := strconv.Atoi(strings.TrimSpace(settings[store.SettingAPIPort]))
	if err != nil || port <= 0 {
		return "", 0, ErrDaemonNotRunning
	}
	return host, port, nil
}

// BaseURL returns the base HTTP URL the client is configured to use.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Health reports whether the daemon answers its health endpoint.
func (c *Client) Health() error {
	return c.doJSON(http.MethodGet, "/health", nil, nil)
}

// ListProfiles returns all stored profiles.
func (c *Client) ListProfiles() ([]store.Profile, error) {
	var profiles []store.Profile
	if err := c.doJSON(http.MethodGet, "/profiles", nil, &profiles); err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	return profiles, nil
}

// GetProfile fetches a single profile by id.
func (c *Client) GetProfile(id string) (*store.Profile, error) {
	var profile store.Profile
	if err := c.doJSON(http.MethodGet, "/profiles/"+id, nil, &profile); err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return &profile, nil
}

// ActiveProfile fetches the currently active profile, if any.
func (c *Client) ActiveProfile() (*store.Profile, error) {
	var profile store.Profile
	if err := c.doJSON(http.MethodGet, "/profiles/active", nil, &profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

// CreateProfile stores a new profile after the daemon verifies its credentials.
func (c *Client) CreateProfile(req session.CreateProfileRequest) (*store.Profile, error) {
	var profile store.Profile
	if err := c.doJSON(http.MethodPost, "/profiles", req, &profile); err != nil {
		return nil, fmt.Errorf("create profile: %w", err)
	}
	return &profile, nil
}

// UpdateProfile applies partial changes to a stored profile.
func (c *Client) UpdateProfile(id string, req session.UpdateProfileRequest) (*store.Profile, error) {
	var profile store.Profile
	if err := c.doJSON(http.MethodPatch, "/profiles/"+id, req, &profile); err != nil {
		return nil, fmt.Errorf("update profile: %w", err)
	}
	return &profile, nil
}

// DeleteProfile removes a stored profile.
func (c *Client) DeleteProfile(id string) error {
	if err := c.doJSON(http.MethodDelete, "/profiles/"+id, nil, nil); err != nil {
		return fmt.Errorf("delete profile: %w", err)
	}
	return nil
}

// SwitchProfile logs in with the given profile and makes it active.
func (c *Client) SwitchProfile(id string) (*store.Profile, error) {
	var profile store.Profile
	if err := c.doJSON(http.MethodPost, "/profiles/"+id+"/switch", nil, &profile); err != nil {
		return nil, fmt.Errorf("switch profile: %w", err)
	}
	return &profile, nil
}

// Logout ends the current session without deleting any profile.
func (c *Client) Logout() error {
	if err := c.doJSON(http.MethodPost, "/logout", nil, nil); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

// TestCredentials checks credentials against a backend without storing them.
func (c *Client) TestCredentials(email, password, apiURL string) (*session.TestResult, error) {
	payload := map[string]string{
		"email":    email,
		"password": password,
		"apiUrl":   apiURL,
	}
	var result session.TestResult
	if err := c.doJSON(http.MethodPost, "/credentials/test", payload, &result); err != nil {
		return nil, fmt.Errorf("test credentials: %w", err)
	}
	return &result, nil
}

// WorkerStatus describes the supervised worker process.
type WorkerStatus struct {
	Status        supervisor.Status `json:"status"`
	UptimeSeconds int               `json:"uptimeSeconds"`
}

// GetWorkerStatus fetches the worker process state.
func (c *Client) GetWorkerStatus() (*WorkerStatus, error) {
	var status WorkerStatus
	if err := c.doJSON(http.MethodGet, "/worker/status", nil, &status); err != nil {
		return nil, fmt.Errorf("worker status: %w", err)
	}
	return &status, nil
}

// RestartWorker stops and relaunches the worker process.
func (c *Client) RestartWorker() (*supervisor.Status, error) {
	var status supervisor.Status
	if err := c.doJSON(http.MethodPost, "/worker/restart", nil, &status); err != nil {
		return nil, fmt.Errorf("restart worker: %w", err)
	}
	return &status, nil
}

// GetDaemonStatus fetches daemon metadata.
func (c *Client) GetDaemonStatus() (map[string]any, error) {
	var status map[string]any
	if err := c.doJSON(http.MethodGet, "/daemon/status", nil, &status); err != nil {
		return nil, fmt.Errorf("daemon status: %w", err)
	}
	return status, nil
}

// ShutdownDaemon requests a graceful daemon shutdown via the HTTP API.
func (c *Client) ShutdownDaemon() error {
	req, err := http.NewRequest(http.MethodPost, c.baseURL+"/daemon/shutdown", http.NoBody)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted {
		return nil
	}

	errResp := readAPIError(resp)
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNotImplemented {
		return fmt.Errorf("shutdown daemon: %w: %w", ErrShutdownUnavailable, errResp)
	}
	return fmt.Errorf("shutdown daemon: %w", errResp)
}

// doJSON performs a request against the daemon API and unwraps the response
// envelope. out may be nil when the caller only cares about success.
func (c *Client) doJSON(method, path string, body, out any) error {
	var reader io.Reader = http.NoBody
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   string          `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&envelope); err != nil {
		return fmt.Errorf("decode response (%s): %w", resp.Status, err)
	}

	if !envelope.Success {
		msg := strings.TrimSpace(envelope.Error)
		if msg == "" {
			msg = resp.Status
		}
		return errors.New(msg)
	}

	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("decode response data: %w", err)
		}
	}
	return nil
}

func readAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if len(body) == 0 {
		return errors.New(resp.Status)
	}
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "{") {
		var payload struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal([]byte(trimmed), &payload); err == nil {
			if msg := strings.TrimSpace(payload.Error); msg != "" {
				return errors.New(msg)
			}
		}
	}
	return errors.New(trimmed)
}
