package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/estately/client-go/internal/gateway"
	"github.com/estately/client-go/internal/provider"
	"github.com/estately/client-go/internal/token"
)

// Role is the capability level of the current session.
type Role int

const (
	RoleAnonymous Role = iota
	RoleMember
	RoleStaff
)

func (r Role) String() string {
	switch r {
	case RoleMember:
		return "member"
	case RoleStaff:
		return "staff"
	default:
		return "anonymous"
	}
}

// Identity is the authenticated user's profile as reported by the auth
// service.
type Identity struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	IsStaff  bool   `json:"is_staff"`
}

// Session is derived state: who the caller is right now.
type Session struct {
	Identity *Identity
	Role     Role
}

// Snapshot is a point-in-time view of the session for access decisions.
// Resolved is false until a profile fetch has completed (or been found
// unnecessary); guards must treat an unresolved snapshot as pending, not
// anonymous.
type Snapshot struct {
	Session  Session
	Resolved bool
}

var ErrInvalidCredentials = errors.New("invalid username or password")

// Manager owns session resolution. It derives the session from the token
// store and the auth service's profile endpoint, and recomputes it
// whenever the credential pair changes.
type Manager struct {
	store   *token.Store
	gw      *gateway.Gateway
	baseURL string

	mu        sync.RWMutex
	session   Session
	resolved  bool
	resolving bool
}

// NewManager creates a session manager. baseURL is the auth/property API
// base URL.
func NewManager(store *token.Store, gw *gateway.Gateway, baseURL string) *Manager {
	return &Manager{store: store, gw: gw, baseURL: baseURL}
}

// Snapshot returns the current session along with whether resolution has
// completed.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{Session: m.session, Resolved: m.resolved && !m.resolving}
}

// Current returns the resolved session. Before resolution it reports an
// anonymous session.
func (m *Manager) Current() Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session
}

// Resolve recomputes the session from the stored credentials. With no
// credential pair the session is anonymous; otherwise the profile is
// fetched through the gateway. An expired session resolves to anonymous;
// transport faults leave the snapshot unresolved and are returned.
func (m *Manager) Resolve(ctx context.Context) (Session, error) {
	if _, ok := m.store.Current(); !ok {
		return m.setSession(Session{Role: RoleAnonymous}), nil
	}

	m.mu.Lock()
	m.resolving = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.resolving = false
		m.mu.Unlock()
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+"/api/auth/profile/", nil)
	if err != nil {
		return Session{}, fmt.Errorf("build profile request: %w", err)
	}

	resp, err := m.gw.Do(req)
	if errors.Is(err, gateway.ErrSessionExpired) {
		return m.setSession(Session{Role: RoleAnonymous}), nil
	}
	if err != nil {
		return Session{}, fmt.Errorf("fetch profile: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Session{}, fmt.Errorf("profile fetch: status %d", resp.StatusCode)
	}

	var ident Identity
	if err := json.NewDecoder(resp.Body).Decode(&ident); err != nil {
		return Session{}, fmt.Errorf("decode profile: %w", err)
	}

	role := RoleMember
	if ident.IsStaff {
		role = RoleStaff
	}
	return m.setSession(Session{Identity: &ident, Role: role}), nil
}

// Login exchanges credentials for a token pair and resolves the profile.
func (m *Manager) Login(ctx context.Context, username, password string) error {
	resp, err := m.postJSON(ctx, "/api/auth/login/", map[string]string{
		"username": username,
		"password": password,
	})
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrInvalidCredentials
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("login: status %d", resp.StatusCode)
	}

	var pair token.Pair
	if err := json.NewDecoder(resp.Body).Decode(&pair); err != nil {
		return fmt.Errorf("login: decode tokens: %w", err)
	}
	if pair.Access == "" || pair.Refresh == "" {
		return errors.New("login: incomplete token pair in response")
	}
	m.store.Set(pair)

	if _, err := m.Resolve(ctx); err != nil {
		provider.LogError("session", "post-login resolve", err)
	}
	return nil
}

// Register creates an account. The caller logs in separately afterwards.
func (m *Manager) Register(ctx context.Context, username, email, password string) error {
	resp, err := m.postJSON(ctx, "/api/auth/register/", map[string]string{
		"username": username,
		"email":    email,
		"password": password,
	})
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("register: status %d", resp.StatusCode)
	}
	return nil
}

// Logout discards the credentials and resets the session to anonymous.
func (m *Manager) Logout() {
	m.store.Clear()
	m.setSession(Session{Role: RoleAnonymous})
}

func (m *Manager) setSession(s Session) Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = s
	m.resolved = true
	return s
}

func (m *Manager) postJSON(ctx context.Context, path string, payload interface{}) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return m.gw.Do(req)
}
