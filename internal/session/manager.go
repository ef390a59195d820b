// Package session owns the in-memory session (current profile + token) and
// orchestrates login, profile switching and the backend's forced
// password-reset recovery handshake. It is the only component that mutates
// session state; all mutations are serialized by a single mutex.
package session

import (
	"context"
	"log"
	"net/url"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/contextforge/forgehost/internal/backend"
	"github.com/contextforge/forgehost/internal/config/store"
)

// Event names emitted to listeners.
const (
	EventProfileCreated  = "profile_created"
	EventProfileUpdated  = "profile_updated"
	EventProfileDeleted  = "profile_deleted"
	EventProfileSwitched = "profile_switched"
	EventLoginSuccess    = "login_success"
	EventLoginFailed     = "login_failed"
	EventLogout          = "logout"
)

// Legacy single-credential environment variables, migrated into a profile on
// first initialize when the store is empty.
const (
	legacyEmailEnv    = "FORGE_API_EMAIL"
	legacyPasswordEnv = "FORGE_API_PASSWORD"
	legacyURLEnv      = "FORGE_API_URL"
)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// Event describes a profile/session lifecycle notification.
type Event struct {
	Type    string
	Profile *store.Profile // nil for logout
	Error   string         // set on login_failed
}

// EventListener is called when session events occur.
type EventListener func(Event)

// CreateProfileRequest carries the input for CreateProfile.
type CreateProfileRequest struct {
	DisplayName string          `json:"displayName"`
	Email       string          `json:"email"`
	Password    string          `json:"password"`
	APIURL      string          `json:"apiUrl"`
	Metadata    *store.Metadata `json:"metadata,omitempty"`
}

// UpdateProfileRequest carries a partial profile update. Nil fields are left
// untouched.
type UpdateProfileRequest struct {
	DisplayName *string         `json:"displayName,omitempty"`
	Email       *string         `json:"email,omitempty"`
	Password    *string         `json:"password,omitempty"`
	APIURL      *string         `json:"apiUrl,omitempty"`
	Metadata    *store.Metadata `json:"metadata,omitempty"`
}

// LoginResult is the outcome of a login or switch operation.
type LoginResult struct {
	Profile store.Profile `json:"profile"`
	Token   string        `json:"-"`
}

// TestResult is the outcome of a side-effect-free credential probe.
type TestResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Manager orchestrates profile and session state. All public operations that
// mutate session state are serialized by mu; two interleaved logins can
// never race on which token wins.
type Manager struct {
	mu     sync.Mutex
	store  *store.Store
	client *backend.Client

	currentProfile *store.Profile
	authToken      string

	listenerMu sync.RWMutex
	listeners  []EventListener
}

// NewManager builds a session manager over the given store and shared
// backend client.
func NewManager(st *store.Store, client *backend.Client) *Manager {
	return &Manager{
		store:  st,
		client: client,
	}
}

// AddEventListener registers a listener for session events.
func (m *Manager) AddEventListener(listener EventListener) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.listeners = append(m.listeners, listener)
}

// notifyListeners invokes listeners synchronously. Listeners are called
// while the session mutex may be held and must not call back into the
// manager; they are meant to fan events out (logging, websocket broadcast).
func (m *Manager) notifyListeners(event Event) {
	m.listenerMu.RLock()
	listeners := append([]EventListener(nil), m.listeners...)
	m.listenerMu.RUnlock()

	for _, listener := range listeners {
		listener(event)
	}
}

// Initialize runs the one-time legacy-credential migration and then tries to
// restore the previously active profile by logging in with it. Restore
// failure is logged, not fatal: the session stays empty and the user
// re-authenticates manually.
func (m *Manager) Initialize(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.migrateLegacyCredentials(ctx); err != nil {
		log.Printf("[Session] Legacy credential migration failed: %v", err)
	}

	active, err := m.store.ActiveProfile(ctx)
	if err != nil {
		if !store.IsNotFound(err) {
			log.Printf("[Session] Could not read active profile: %v", err)
		}
		return
	}

	if _, err := m.loginLocked(ctx, active.ID, 0); err != nil {
		log.Printf("[Session] Could not restore session for profile %s: %v", active.ID, err)
	}
}

// migrateLegacyCredentials synthesizes a profile from the legacy
// single-credential environment variables when the store is empty. No live
// credential test: the backend may not be reachable during startup.
func (m *Manager) migrateLegacyCredentials(ctx context.Context) error {
	email := strings.TrimSpace(os.Getenv(legacyEmailEnv))
	password := os.Getenv(legacyPasswordEnv)
	if email == "" || password == "" {
		return nil
	}

	profiles, err := m.store.Profiles(ctx)
	if err != nil {
		return err
	}
	if len(profiles) > 0 {
		return nil
	}

	apiURL := strings.TrimSpace(os.Getenv(legacyURLEnv))
	if apiURL == "" {
		apiURL = m.client.BaseURL()
	}

	profile := store.Profile{
		ID:          store.ProfileID(email, apiURL),
		Email:       email,
		APIURL:      apiURL,
		DisplayName: "Migrated",
	}
	if err := m.store.CreateProfile(ctx, profile, password); err != nil {
		return err
	}
	if err := m.store.SetActiveProfile(ctx, profile.ID); err != nil {
		return err
	}

	log.Printf("[Session] Migrated legacy environment credentials into profile %s", profile.ID)
	m.notifyListeners(Event{Type: EventProfileCreated, Profile: &profile})
	return nil
}

// ActiveProfile returns the in-memory session's profile, if any.
func (m *Manager) ActiveProfile() (store.Profile, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.currentProfile == nil {
		return store.Profile{}, false
	}
	return *m.currentProfile, true
}

// Token returns the current session token, empty when logged out.
func (m *Manager) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.authToken
}

// Profiles lists all stored profiles.
func (m *Manager) Profiles(ctx context.Context) ([]store.Profile, error) {
	return m.store.Profiles(ctx)
}

// GetProfile returns a stored profile by ID.
func (m *Manager) GetProfile(ctx context.Context, id string) (store.Profile, error) {
	return m.store.GetProfile(ctx, id)
}

func (m *Manager) getCredentials(ctx context.Context, id string) (store.Credentials, error) {
	return m.store.GetCredentials(ctx, id)
}

func validateCreateRequest(req CreateProfileRequest) error {
	if strings.TrimSpace(req.DisplayName) == "" {
		return ValidationError{Field: "displayName", Message: "must not be empty"}
	}
	if !emailPattern.MatchString(req.Email) {
		return ValidationError{Field: "email", Message: "malformed address"}
	}
	if req.Password == "" {
		return ValidationError{Field: "password", Message: "must not be empty"}
	}
	return validateAPIURL(req.APIURL)
}

func validateAPIURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ValidationError{Field: "apiUrl", Message: "must be an http(s) URL"}
	}
	return nil
}

// CreateProfile validates the request, tests the credentials live against
// the target backend, and only then persists the profile. A profile whose
// credentials do not authenticate is never written. On success the new
// profile is logged in and marked active.
func (m *Manager) CreateProfile(ctx context.Context, req CreateProfileRequest) (store.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := validateCreateRequest(req); err != nil {
		return store.Profile{}, err
	}

	if test := m.testCredentialsLocked(ctx, req.Email, req.Password, req.APIURL); !test.Success {
		return store.Profile{}, AuthError{Detail: test.Error}
	}

	profile := store.Profile{
		ID:          store.ProfileID(req.Email, req.APIURL),
		Email:       strings.TrimSpace(req.Email),
		APIURL:      strings.TrimSpace(req.APIURL),
		DisplayName: strings.TrimSpace(req.DisplayName),
		Metadata:    req.Metadata,
	}
	if err := m.store.CreateProfile(ctx, profile, req.Password); err != nil {
		return store.Profile{}, err
	}

	m.notifyListeners(Event{Type: EventProfileCreated, Profile: &profile})

	result, err := m.loginLocked(ctx, profile.ID, 0)
	if err != nil {
		// Credentials tested fine moments ago; a login failure here is
		// transient. The profile stays; the caller sees the login error.
		return profile, err
	}
	return result.Profile, nil
}

// UpdateProfile applies a partial update, merging the given fields over the
// stored profile. The profile ID never changes, even when email or API URL
// do. When the password changes, the new credentials are re-tested live
// against the merged email and URL before anything is persisted. If the
// updated profile is the active one, the cached session profile is
// refreshed; the cached token is deliberately kept valid (a password
// rotation does not force an immediate re-login).
func (m *Manager) UpdateProfile(ctx context.Context, id string, req UpdateProfileRequest) (store.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	profile, err := m.store.GetProfile(ctx, id)
	if err != nil {
		return store.Profile{}, err
	}

	var upd store.ProfileUpdate

	email := profile.Email
	if req.Email != nil {
		email = strings.TrimSpace(*req.Email)
		if !emailPattern.MatchString(email) {
			return store.Profile{}, ValidationError{Field: "email", Message: "malformed address"}
		}
		upd.Email = &email
	}

	apiURL := profile.APIURL
	if req.APIURL != nil {
		apiURL = strings.TrimSpace(*req.APIURL)
		if err := validateAPIURL(apiURL); err != nil {
			return store.Profile{}, err
		}
		upd.APIURL = &apiURL
	}

	if req.DisplayName != nil {
		name := strings.TrimSpace(*req.DisplayName)
		if name == "" {
			return store.Profile{}, ValidationError{Field: "displayName", Message: "must not be empty"}
		}
		upd.DisplayName = &name
	}
	upd.Metadata = req.Metadata

	if req.Password != nil {
		if *req.Password == "" {
			return store.Profile{}, ValidationError{Field: "password", Message: "must not be empty"}
		}
		if test := m.testCredentialsLocked(ctx, email, *req.Password, apiURL); !test.Success {
			return store.Profile{}, AuthError{ProfileID: id, Detail: test.Error}
		}
		if err := m.store.UpdatePassword(ctx, id, *req.Password); err != nil {
			return store.Profile{}, err
		}
	}

	if upd.Email != nil || upd.APIURL != nil || upd.DisplayName != nil || upd.Metadata != nil {
		if err := m.store.UpdateProfile(ctx, id, upd); err != nil {
			return store.Profile{}, err
		}
	}

	updated, err := m.store.GetProfile(ctx, id)
	if err != nil {
		return store.Profile{}, err
	}

	if m.currentProfile != nil && m.currentProfile.ID == id {
		m.currentProfile = &updated
	}

	m.notifyListeners(Event{Type: EventProfileUpdated, Profile: &updated})
	return updated, nil
}

// DeleteProfile removes a profile unless it owns the current session.
func (m *Manager) DeleteProfile(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.currentProfile != nil && m.currentProfile.ID == id {
		return ErrCannotDeleteActive
	}

	profile, err := m.store.GetProfile(ctx, id)
	if err != nil {
		return err
	}
	if err := m.store.DeleteProfile(ctx, id); err != nil {
		return err
	}

	m.notifyListeners(Event{Type: EventProfileDeleted, Profile: &profile})
	return nil
}

// SwitchProfile logs in with the target profile; only on success does the
// profile become active and the session switch over.
func (m *Manager) SwitchProfile(ctx context.Context, id string) (LoginResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result, err := m.loginLocked(ctx, id, 0)
	if err != nil {
		return LoginResult{}, err
	}

	m.notifyListeners(Event{Type: EventProfileSwitched, Profile: &result.Profile})
	return result, nil
}

// LoginWithProfile runs the login protocol against the given profile.
func (m *Manager) LoginWithProfile(ctx context.Context, id string) (LoginResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loginLocked(ctx, id, 0)
}

// loginLocked is the core login protocol. depth bounds the forced
// password-reset recovery to exactly one retry. Callers hold m.mu.
func (m *Manager) loginLocked(ctx context.Context, id string, depth int) (LoginResult, error) {
	profile, err := m.store.GetProfile(ctx, id)
	if err != nil {
		return LoginResult{}, m.failLogin(id, err)
	}
	creds, err := m.store.GetCredentials(ctx, id)
	if err != nil {
		return LoginResult{}, m.failLogin(id, err)
	}

	m.client.SetBaseURL(profile.APIURL)

	resp, err := m.client.Login(ctx, profile.Email, creds.Password)
	if err != nil {
		// Transport errors are converted to the uniform failure shape so
		// callers never handle raw network errors.
		return LoginResult{}, m.failLogin(id, AuthError{ProfileID: id, Detail: err.Error()})
	}

	switch {
	case resp.PasswordChangeRequired():
		if resp.Token == "" {
			return LoginResult{}, m.failLogin(id, UnrecoverableResetError{ProfileID: id})
		}
		if depth >= 1 {
			return LoginResult{}, m.failLogin(id, AuthError{ProfileID: id, Detail: "password change still required after recovery attempt"})
		}
		// Same-password change clears the backend's force-reset flag.
		log.Printf("[Session] Profile %s requires a password change; performing recovery handshake", id)
		if err := m.client.ChangePassword(ctx, resp.Token, creds.Password, creds.Password); err != nil {
			return LoginResult{}, m.failLogin(id, AuthError{ProfileID: id, Detail: err.Error()})
		}
		return m.loginLocked(ctx, id, depth+1)

	case resp.Token != "":
		// Token presence wins, even on a non-2xx status. The token stays in
		// memory only; it is never written to the store.
		if err := m.store.SetActiveProfile(ctx, id); err != nil {
			return LoginResult{}, m.failLogin(id, err)
		}
		profile.IsActive = true
		m.currentProfile = &profile
		m.authToken = resp.Token
		m.client.SetToken(resp.Token)

		log.Printf("[Session] Logged in profile %s (%s)", id, profile.Email)
		m.notifyListeners(Event{Type: EventLoginSuccess, Profile: &profile})
		return LoginResult{Profile: profile, Token: resp.Token}, nil

	default:
		return LoginResult{}, m.failLogin(id, AuthError{ProfileID: id, Detail: resp.Detail})
	}
}

// failLogin emits the login_failed event and passes the error through.
func (m *Manager) failLogin(id string, err error) error {
	log.Printf("[Session] Login failed for profile %s: %v", id, err)
	m.notifyListeners(Event{Type: EventLoginFailed, Profile: &store.Profile{ID: id}, Error: err.Error()})
	return err
}

// Logout clears the session, the shared client's token, and every profile's
// active flag. Clearing all flags is deliberate: no profile may be left
// marked active when nobody is logged in.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.currentProfile = nil
	m.authToken = ""
	m.client.SetToken("")

	if err := m.store.ClearActiveProfile(ctx); err != nil {
		return err
	}

	log.Printf("[Session] Logged out")
	m.notifyListeners(Event{Type: EventLogout})
	return nil
}

// TestCredentials probes the backend with the given credentials without
// touching any stored state. The shared client's base URL is restored
// afterward regardless of outcome.
func (m *Manager) TestCredentials(ctx context.Context, email, password, apiURL string) TestResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := validateAPIURL(apiURL); err != nil {
		return TestResult{Error: err.Error()}
	}
	return m.testCredentialsLocked(ctx, email, password, apiURL)
}

func (m *Manager) testCredentialsLocked(ctx context.Context, email, password, apiURL string) TestResult {
	prev := m.client.BaseURL()
	m.client.SetBaseURL(apiURL)
	defer m.client.SetBaseURL(prev)

	resp, err := m.client.Login(ctx, email, password)
	if err != nil {
		return TestResult{Error: err.Error()}
	}
	if resp.Token == "" {
		detail := resp.Detail
		if detail == "" {
			detail = "no token received"
		}
		return TestResult{Error: detail}
	}
	return TestResult{Success: true}
}

// EnsureInternalProfile finds or creates the well-known profile pointing at
// the locally supervised worker and logs in with it. The live credential
// test is always skipped for this profile: its credentials are generated by
// this application, and testing them would fail before the worker is ready.
func (m *Manager) EnsureInternalProfile(ctx context.Context, email, password, apiURL string) (LoginResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := store.ProfileID(email, apiURL)
	_, err := m.store.GetProfile(ctx, id)
	switch {
	case store.IsNotFound(err):
		profile := store.Profile{
			ID:          id,
			Email:       email,
			APIURL:      apiURL,
			DisplayName: "Local Worker",
			IsInternal:  true,
		}
		if err := m.store.CreateProfile(ctx, profile, password); err != nil {
			return LoginResult{}, err
		}
		m.notifyListeners(Event{Type: EventProfileCreated, Profile: &profile})
	case err != nil:
		return LoginResult{}, err
	default:
		// Keep the stored password in sync with the worker's bootstrap
		// credentials; they can drift when the instance home is recreated.
		creds, err := m.store.GetCredentials(ctx, id)
		if err != nil {
			return LoginResult{}, err
		}
		if creds.Password != password {
			if err := m.store.UpdatePassword(ctx, id, password); err != nil {
				return LoginResult{}, err
			}
		}
	}

	return m.loginLocked(ctx, id, 0)
}
