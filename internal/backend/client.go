// Package backend talks to a worker's HTTP API: login, the forced
// password-reset recovery call, and health probes. One shared Client is
// repointed at whichever profile's endpoint is in play.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	defaultHTTPTimeout = 10 * time.Second
	maxResponseBody    = 64 << 10

	loginPath          = "/auth/email/login"
	changePasswordPath = "/auth/email/change-password"
	healthPath         = "/health"

	// passwordChangeMarker is the backend's detail phrase that signals a
	// forced password reset.
	passwordChangeMarker = "password change required"
)

// Client wraps HTTP interactions with a worker backend. The base URL and
// bearer token are guarded by a mutex so the session manager can repoint the
// shared client while credential tests run on other goroutines.
type Client struct {
	mu      sync.RWMutex
	client  *http.Client
	baseURL string
	token   string
}

// New builds a backend client with optional custom transport.
func New(baseURL string, transport http.RoundTripper) *Client {
	client := &http.Client{Timeout: defaultHTTPTimeout}
	if transport != nil {
		client.Transport = transport
	}

	return &Client{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// BaseURL returns the current base HTTP URL.
func (c *Client) BaseURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.baseURL
}

// SetBaseURL repoints the client at a different backend.
func (c *Client) SetBaseURL(baseURL string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.baseURL = strings.TrimRight(baseURL, "/")
}

// Token returns the configured bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// SetToken installs (or clears, when empty) the bearer token attached to
// subsequent requests.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = strings.TrimSpace(token)
}

// LoginResult carries everything the caller needs to drive the login
// protocol, including the non-2xx body fields. A token may be present even
// on an error status; callers must treat token presence as success.
type LoginResult struct {
	Token      string
	Detail     string
	StatusCode int
}

// PasswordChangeRequired reports whether the backend rejected the login
// pending a forced password reset.
func (r LoginResult) PasswordChangeRequired() bool {
	return strings.Contains(strings.ToLower(r.Detail), passwordChangeMarker)
}

// Login posts credentials to the login endpoint. The error return covers
// transport and decode failures only; protocol-level rejection is expressed
// through the result's Detail/StatusCode with an empty Token.
func (c *Client) Login(ctx context.Context, email, password string) (LoginResult, error) {
	payload, err := json.Marshal(map[string]string{
		"email":    email,
		"password": password,
	})
	if err != nil {
		return LoginResult{}, fmt.Errorf("backend: encode login payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL()+loginPath, bytes.NewReader(payload))
	if err != nil {
		return LoginResult{}, fmt.Errorf("backend: build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return LoginResult{}, fmt.Errorf("backend: login request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return LoginResult{}, fmt.Errorf("backend: read login response: %w", err)
	}

	result := LoginResult{StatusCode: resp.StatusCode}

	var parsed struct {
		AccessToken string          `json:"access_token"`
		Detail      json.RawMessage `json:"detail"`
	}
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &parsed); err != nil {
			// Non-JSON body (proxy error page etc). Surface it as detail so
			// the caller still gets a readable failure message.
			result.Detail = strings.TrimSpace(string(body))
			return result, nil
		}
	}

	result.Token = strings.TrimSpace(parsed.AccessToken)
	result.Detail = detailString(parsed.Detail)
	return result, nil
}

// ChangePassword issues the password-change call with bearer auth. Used by
// the recovery handshake with old == new to clear the force-reset flag.
func (c *Client) ChangePassword(ctx context.Context, token, oldPassword, newPassword string) error {
	payload, err := json.Marshal(map[string]string{
		"old_password": oldPassword,
		"new_password": newPassword,
	})
	if err != nil {
		return fmt.Errorf("backend: encode change-password payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL()+changePasswordPath, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("backend: build change-password request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("backend: change-password request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	var parsed struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		if detail := detailString(parsed.Detail); detail != "" {
			return fmt.Errorf("backend: change password: %s", detail)
		}
	}
	return fmt.Errorf("backend: change password: %s", resp.Status)
}

// Health probes the health endpoint at baseURL; any 2xx counts as healthy.
// The per-attempt timeout is enforced via ctx by the caller.
func (c *Client) Health(ctx context.Context, baseURL string) error {
	if baseURL == "" {
		baseURL = c.BaseURL()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+healthPath, http.NoBody)
	if err != nil {
		return fmt.Errorf("backend: build health request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("backend: health request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("backend: health returned %s", resp.Status)
	}
	return nil
}

// detailString flattens the backend's detail field, which can be a plain
// string or a structured validation payload.
func detailString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(string(raw))
}
