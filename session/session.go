// Package session ties the login handlers, token refresh, and storage
// together into long-lived authenticated sessions.
package session

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"solidauth/oidc"
	"solidauth/storage"
)

// refreshMargin is how long before token expiry a keep-alive session
// refreshes proactively.
const refreshMargin = 5 * time.Second

// Info is the publicly visible state of a session.
type Info struct {
	SessionID      string
	WebID          string
	ClientAppID    string
	IsLoggedIn     bool
	ExpirationDate time.Time
}

// deps are the shared components every session is built on.
type deps struct {
	httpClient *http.Client
	store      *storage.Utility
	fetcher    *oidc.IssuerConfigFetcher
	registrar  *oidc.ClientRegistrar
	logger     *slog.Logger
}

// Session is one authenticated identity. Sessions are created and restored
// through a Manager. All methods are safe for concurrent use.
type Session struct {
	// Events delivers this session's lifecycle notifications.
	Events *oidc.Emitter

	d         *deps
	refresher *oidc.TokenRefresher
	login     *oidc.AggregateHandler
	redirect  *oidc.AggregateRedirectHandler

	mu                     sync.Mutex
	info                   Info
	fetch                  *oidc.AuthFetch
	logoutURL              func(string) string
	keepAlive              bool
	tokenRequestInProgress bool
	expiryTimer            *time.Timer
}

func newSession(d *deps, id string) *Session {
	emitter := oidc.NewEmitter(d.logger)
	refresher := oidc.NewTokenRefresher(d.httpClient, d.store, d.fetcher, d.registrar, emitter, d.logger)
	s := &Session{
		Events:    emitter,
		d:         d,
		refresher: refresher,
		info:      Info{SessionID: id},
	}
	// Interactive logins outrank the client credentials grant: a static
	// client carrying a redirect URL still goes through the browser.
	s.login = oidc.NewAggregateHandler(
		oidc.NewRefreshTokenHandler(d.httpClient, d.store, d.fetcher, d.registrar, refresher, emitter, d.logger),
		oidc.NewAuthorizationCodePKCEHandler(d.httpClient, d.store, d.fetcher, d.registrar, emitter, d.logger),
		oidc.NewClientCredentialsHandler(d.httpClient, d.store, d.fetcher, d.registrar, refresher, emitter, d.logger),
		&oidc.AuthorizationCodeHandler{},
	)
	s.redirect = oidc.NewAggregateRedirectHandler(
		oidc.NewAuthCodeRedirectHandler(d.httpClient, d.store, d.fetcher, d.registrar, refresher, emitter, d.logger),
		oidc.FallbackRedirectHandler{},
	)
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info.SessionID
}

// Info returns a snapshot of the session state.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// Login authenticates the session. Non-interactive credentials complete
// immediately. Interactive logins return with the session still logged out:
// they finish when the redirect comes back through HandleIncomingRedirect.
func (s *Session) Login(ctx context.Context, opts oidc.LoginOptions) error {
	s.mu.Lock()
	opts.SessionID = s.info.SessionID
	s.keepAlive = opts.KeepAlive
	s.mu.Unlock()

	result, err := s.login.Handle(ctx, opts)
	if err != nil {
		s.Events.Emit(oidc.EventError, err)
		return err
	}
	if result == nil {
		return nil
	}
	s.applyLogin(result.WebID, result.ClientAppID, result.Fetch, nil, result.ExpirationDate)
	return nil
}

// HandleIncomingRedirect completes an interactive login from the URL the
// issuer redirected the user agent to. When another redirect is already
// being processed for this session the call is dropped and returns
// (nil, nil): exactly one token request per authorization code.
func (s *Session) HandleIncomingRedirect(ctx context.Context, redirectURL string) (*Info, error) {
	s.mu.Lock()
	if s.tokenRequestInProgress {
		s.mu.Unlock()
		return nil, nil
	}
	s.tokenRequestInProgress = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.tokenRequestInProgress = false
		s.mu.Unlock()
	}()

	result, err := s.redirect.Handle(ctx, redirectURL)
	if err != nil {
		s.Events.Emit(oidc.EventError, err)
		return nil, err
	}
	if !result.IsLoggedIn {
		info := s.Info()
		return &info, nil
	}
	s.applyLogin(result.WebID, result.ClientAppID, result.Fetch, result.LogoutURL, result.ExpirationDate)
	info := s.Info()
	return &info, nil
}

func (s *Session) applyLogin(webID, clientAppID string, fetch *oidc.AuthFetch, logoutURL func(string) string, expiresAt time.Time) {
	s.mu.Lock()
	s.info.WebID = webID
	s.info.ClientAppID = clientAppID
	s.info.IsLoggedIn = true
	s.info.ExpirationDate = expiresAt
	s.fetch = fetch
	s.logoutURL = logoutURL
	s.mu.Unlock()

	s.scheduleExpiry(expiresAt)
	s.Events.Emit(oidc.EventLogin, s.Info())
}

func (s *Session) scheduleExpiry(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expiryTimer != nil {
		s.expiryTimer.Stop()
		s.expiryTimer = nil
	}
	if at.IsZero() {
		return
	}
	until := time.Until(at)
	fireIn := until - refreshMargin
	if fireIn < 0 {
		fireIn = 0
	}
	s.expiryTimer = time.AfterFunc(fireIn, s.onExpiry)
	s.Events.Emit(oidc.EventTimeoutSet, until)
}

// onExpiry runs when the access token is about to lapse. Keep-alive
// sessions refresh silently, others expire.
func (s *Session) onExpiry() {
	s.mu.Lock()
	keepAlive := s.keepAlive
	fetch := s.fetch
	id := s.info.SessionID
	s.mu.Unlock()

	if keepAlive {
		set, err := s.refresher.Refresh(context.Background(), id, "", nil)
		if err == nil {
			fetch.UpdateTokens(set)
			expiresAt := time.Time{}
			if set.ExpiresIn > 0 {
				expiresAt = time.Now().Add(set.ExpiresIn)
			}
			s.mu.Lock()
			s.info.ExpirationDate = expiresAt
			s.mu.Unlock()
			s.scheduleExpiry(expiresAt)
			return
		}
		s.d.logger.Warn("proactive token refresh failed", "session_id", id, "error", err)
	}

	s.mu.Lock()
	s.info.IsLoggedIn = false
	s.fetch = nil
	s.mu.Unlock()
	s.Events.Emit(oidc.EventSessionExpired, nil)
}

// Fetch sends req with the session's credentials. A logged-out session
// sends it unauthenticated.
func (s *Session) Fetch(req *http.Request) (*http.Response, error) {
	s.mu.Lock()
	fetch := s.fetch
	loggedIn := s.info.IsLoggedIn
	s.mu.Unlock()

	if !loggedIn || fetch == nil {
		return s.d.httpClient.Do(req)
	}
	return fetch.Do(req)
}

// Client returns an *http.Client issuing requests through Fetch.
func (s *Session) Client() *http.Client {
	s.mu.Lock()
	fetch := s.fetch
	loggedIn := s.info.IsLoggedIn
	s.mu.Unlock()

	if !loggedIn || fetch == nil {
		return s.d.httpClient
	}
	return fetch.Client()
}

// LogoutURL builds the issuer's RP-initiated logout URL for the current
// login, or "" when the issuer does not support it or the session never
// logged in interactively.
func (s *Session) LogoutURL(postLogoutRedirectURI string) string {
	s.mu.Lock()
	build := s.logoutURL
	s.mu.Unlock()
	if build == nil {
		return ""
	}
	return build(postLogoutRedirectURI)
}

// Logout drops the session's credentials. The session identity and client
// registration survive so the session can log in again.
func (s *Session) Logout(ctx context.Context) error {
	s.mu.Lock()
	id := s.info.SessionID
	if s.expiryTimer != nil {
		s.expiryTimer.Stop()
		s.expiryTimer = nil
	}
	s.fetch = nil
	s.logoutURL = nil
	s.info.IsLoggedIn = false
	s.info.WebID = ""
	s.info.ClientAppID = ""
	s.info.ExpirationDate = time.Time{}
	s.mu.Unlock()

	// The DPoP key pair dies with the login that bound it. The next login
	// generates a fresh one.
	for _, field := range []string{"refreshToken", "publicKey", "privateKey"} {
		if err := s.d.store.DeleteForUser(ctx, id, field, true); err != nil {
			return err
		}
	}
	err := s.d.store.SetForUser(ctx, id, map[string]string{"isLoggedIn": "false"}, false)
	if err != nil {
		return err
	}
	s.Events.Emit(oidc.EventLogout, nil)
	return nil
}
