package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"solidauth/oidc"
	"solidauth/storage"
)

// DefaultHTTPTimeout bounds outgoing requests when no HTTP client is
// supplied.
const DefaultHTTPTimeout = 15 * time.Second

// Config customizes a Manager. The zero value works: sessions are then
// held in process memory only.
type Config struct {
	// SecureStorage holds credentials (refresh tokens, keys, secrets).
	SecureStorage storage.Storage
	// InsecureStorage holds non-sensitive session state.
	InsecureStorage storage.Storage
	HTTPClient      *http.Client
	Logger          *slog.Logger
}

// Manager creates, restores, and tracks sessions. One Manager per
// application is the intended shape: its issuer metadata cache and client
// registrations are shared across all sessions.
type Manager struct {
	d *deps

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager builds a manager from cfg, filling in in-memory storage, a
// timeout-bounded HTTP client, and the default logger where unset.
func NewManager(cfg Config) *Manager {
	if cfg.SecureStorage == nil {
		cfg.SecureStorage = storage.NewInMemory()
	}
	if cfg.InsecureStorage == nil {
		cfg.InsecureStorage = storage.NewInMemory()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	store := storage.NewUtility(cfg.SecureStorage, cfg.InsecureStorage)
	d := &deps{
		httpClient: cfg.HTTPClient,
		store:      store,
		fetcher:    oidc.NewIssuerConfigFetcher(cfg.HTTPClient, store, cfg.Logger),
		registrar:  oidc.NewClientRegistrar(cfg.HTTPClient, store, cfg.Logger),
		logger:     cfg.Logger,
	}
	return &Manager{d: d, sessions: make(map[string]*Session)}
}

// NewSession creates and registers a fresh session.
func (m *Manager) NewSession(ctx context.Context) (*Session, error) {
	id := uuid.NewString()
	if err := m.d.store.RegisterSession(ctx, id); err != nil {
		return nil, err
	}
	s := newSession(m.d, id)
	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()
	return s, nil
}

// GetSession returns the live session with the given ID, restoring it from
// storage when the process has not seen it yet. A restored session with a
// stored refresh token is logged back in silently.
func (m *Manager) GetSession(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	if s, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	registered, err := m.isRegistered(ctx, id)
	if err != nil {
		return nil, err
	}
	if !registered {
		return nil, fmt.Errorf("no session registered under ID %s", id)
	}

	s := newSession(m.d, id)
	if err := m.restore(ctx, s); err != nil {
		return nil, err
	}

	m.mu.Lock()
	// Another caller may have restored concurrently. First one wins.
	if existing, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	m.sessions[id] = s
	m.mu.Unlock()
	return s, nil
}

func (m *Manager) isRegistered(ctx context.Context, id string) (bool, error) {
	ids, err := m.d.store.RegisteredSessions(ctx)
	if err != nil {
		return false, err
	}
	for _, candidate := range ids {
		if candidate == id {
			return true, nil
		}
	}
	return false, nil
}

// restore rebuilds session state from storage, refreshing tokens when a
// refresh token survived.
func (m *Manager) restore(ctx context.Context, s *Session) error {
	id := s.ID()
	refreshToken, hasToken, err := m.d.store.GetForUser(ctx, id, "refreshToken", true)
	if err != nil {
		return err
	}
	clientID, hasClient, err := m.d.store.GetForUser(ctx, id, "clientId", false)
	if err != nil {
		return err
	}
	if !hasToken || !hasClient {
		if webID, ok, _ := m.d.store.GetForUser(ctx, id, "webId", false); ok {
			s.mu.Lock()
			s.info.WebID = webID
			s.mu.Unlock()
		}
		return nil
	}

	issuer, _, err := m.d.store.GetForUser(ctx, id, "issuer", false)
	if err != nil {
		return err
	}
	secret, _, _ := m.d.store.GetForUser(ctx, id, "clientSecret", true)
	dpopFlag, _, _ := m.d.store.GetForUser(ctx, id, "dpop", false)
	keepAlive, _, _ := m.d.store.GetForUser(ctx, id, "keepAlive", false)

	tokenType := oidc.TokenTypeDPoP
	if dpopFlag == "false" {
		tokenType = oidc.TokenTypeBearer
	}
	err = s.Login(ctx, oidc.LoginOptions{
		Issuer:       issuer,
		ClientID:     clientID,
		ClientSecret: secret,
		RefreshToken: refreshToken,
		TokenType:    tokenType,
		KeepAlive:    keepAlive == "true",
	})
	if err != nil {
		m.d.logger.Warn("restoring session from stored refresh token failed", "session_id", id, "error", err)
	}
	return nil
}

// HandleIncomingRedirect routes a redirect URL to the session that started
// the authorization request, identified through the state parameter.
func (m *Manager) HandleIncomingRedirect(ctx context.Context, redirectURL string) (*Session, *Info, error) {
	u, err := url.Parse(redirectURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redirect URL: %w", err)
	}
	state := u.Query().Get("state")
	if state == "" {
		return nil, nil, oidc.ErrUnknownState
	}
	sessionID, ok, err := m.d.store.GetForUser(ctx, state, "sessionId", false)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, oidc.ErrUnknownState
	}

	s, err := m.GetSession(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	info, err := s.HandleIncomingRedirect(ctx, redirectURL)
	if err != nil {
		return nil, nil, err
	}
	return s, info, nil
}

// SessionIDs lists every registered session.
func (m *Manager) SessionIDs(ctx context.Context) ([]string, error) {
	return m.d.store.RegisteredSessions(ctx)
}

// RemoveSession logs the session out, wipes its stored data, and
// unregisters it.
func (m *Manager) RemoveSession(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if ok {
		if err := s.Logout(ctx); err != nil {
			m.d.logger.Warn("logout during session removal failed", "session_id", id, "error", err)
		}
	}
	if err := m.d.store.DeleteAllUserData(ctx, id); err != nil {
		return err
	}
	return m.d.store.UnregisterSession(ctx, id)
}
