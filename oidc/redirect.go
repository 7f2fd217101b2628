package oidc

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"solidauth/storage"
)

// RedirectResult is the outcome of completing an interactive login.
type RedirectResult struct {
	SessionID      string
	WebID          string
	ClientAppID    string
	IsLoggedIn     bool
	Fetch          *AuthFetch
	ExpirationDate time.Time
	// LogoutURL builds the RP-initiated logout URL for this login, or
	// returns "" when the issuer advertises no end_session_endpoint.
	LogoutURL func(postLogoutRedirectURI string) string
}

// RedirectHandler processes the URL the issuer sent the user agent back to.
type RedirectHandler interface {
	CanHandle(redirectURL string) bool
	Handle(ctx context.Context, redirectURL string) (*RedirectResult, error)
}

// AuthCodeRedirectHandler finishes the authorization code flow: it trades
// the code for tokens, verifies the identity, and persists the session.
type AuthCodeRedirectHandler struct {
	httpClient *http.Client
	store      *storage.Utility
	fetcher    *IssuerConfigFetcher
	registrar  *ClientRegistrar
	refresher  *TokenRefresher
	emitter    *Emitter
	logger     *slog.Logger
}

// NewAuthCodeRedirectHandler wires the redirect handler.
func NewAuthCodeRedirectHandler(httpClient *http.Client, store *storage.Utility, fetcher *IssuerConfigFetcher, registrar *ClientRegistrar, refresher *TokenRefresher, emitter *Emitter, logger *slog.Logger) *AuthCodeRedirectHandler {
	return &AuthCodeRedirectHandler{
		httpClient: httpClient,
		store:      store,
		fetcher:    fetcher,
		registrar:  registrar,
		refresher:  refresher,
		emitter:    emitter,
		logger:     logger,
	}
}

// CanHandle accepts URLs carrying a state parameter together with either a
// code or an issuer error.
func (h *AuthCodeRedirectHandler) CanHandle(redirectURL string) bool {
	u, err := url.Parse(redirectURL)
	if err != nil {
		return false
	}
	q := u.Query()
	return q.Get("state") != "" && (q.Get("code") != "" || q.Get("error") != "")
}

// Handle completes the login the redirect belongs to.
func (h *AuthCodeRedirectHandler) Handle(ctx context.Context, redirectURL string) (*RedirectResult, error) {
	u, err := url.Parse(redirectURL)
	if err != nil {
		return nil, fmt.Errorf("parse redirect URL: %w", err)
	}
	q := u.Query()
	state := q.Get("state")

	sessionID, ok, err := h.store.GetForUser(ctx, state, "sessionId", false)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrUnknownState
	}
	// The state is single use, whether or not the login succeeds.
	if err := h.store.DeleteAllUserData(ctx, state); err != nil {
		h.logger.Warn("deleting state record failed", "error", err)
	}

	if issuerErr := q.Get("error"); issuerErr != "" {
		desc := q.Get("error_description")
		if desc != "" {
			return nil, fmt.Errorf("the issuer rejected the authorization request: %s (%s)", issuerErr, desc)
		}
		return nil, fmt.Errorf("the issuer rejected the authorization request: %s", issuerErr)
	}
	code := q.Get("code")

	issuer, ok, err := h.store.GetForUser(ctx, sessionID, "issuer", false)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("session %s has no stored issuer, cannot complete login", sessionID)
	}
	storedRedirect, _, err := h.store.GetForUser(ctx, sessionID, "redirectUrl", false)
	if err != nil {
		return nil, err
	}
	dpopFlag, _, err := h.store.GetForUser(ctx, sessionID, "dpop", false)
	if err != nil {
		return nil, err
	}
	verifier, ok, err := h.store.GetForUser(ctx, sessionID, "codeVerifier", true)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("session %s has no pending authorization request", sessionID)
	}

	issuerConfig, err := h.fetcher.ConfigFor(ctx, issuer)
	if err != nil {
		return nil, err
	}
	client, ok, err := h.registrar.storedClient(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("session %s has no registered client, cannot complete login", sessionID)
	}

	var key *KeyPair
	if dpopFlag == "true" {
		key, err = ensureSessionKeyPair(ctx, h.store, sessionID)
		if err != nil {
			return nil, err
		}
	}

	set, err := ExchangeAuthorizationCode(ctx, h.httpClient, client, issuerConfig, storedRedirect, code, verifier, key)
	if err != nil {
		return nil, err
	}
	if set.IDToken == "" {
		return nil, fmt.Errorf("the issuer returned no ID token, cannot establish the user's identity")
	}

	identity, err := WebIDFromIDToken(ctx, h.httpClient, issuerConfig, client.ID, set.IDToken)
	if err != nil {
		// The raw tokens stay out of the error: they are credentials.
		return nil, fmt.Errorf("the ID token returned by %s failed validation: %w", issuer, err)
	}

	fields := map[string]string{
		"webId":      identity.WebID,
		"isLoggedIn": "true",
	}
	if err := h.store.SetForUser(ctx, sessionID, fields, false); err != nil {
		return nil, err
	}
	if set.RefreshToken != "" {
		err = h.store.SetForUser(ctx, sessionID, map[string]string{"refreshToken": set.RefreshToken}, true)
		if err != nil {
			return nil, err
		}
	}
	if err := h.store.DeleteForUser(ctx, sessionID, "codeVerifier", true); err != nil {
		h.logger.Warn("deleting code verifier failed", "session_id", sessionID, "error", err)
	}

	var refreshOpts *RefreshOptions
	if set.RefreshToken != "" {
		refreshOpts = &RefreshOptions{
			SessionID:    sessionID,
			RefreshToken: set.RefreshToken,
			Refresher:    h.refresher,
		}
	}
	var fetch *AuthFetch
	if key != nil {
		fetch = NewDPoPFetch(h.httpClient, set.AccessToken, key, refreshOpts, h.emitter)
	} else {
		fetch = NewBearerFetch(h.httpClient, set.AccessToken, refreshOpts, h.emitter)
	}

	h.logger.Info("login completed", "session_id", sessionID, "issuer", issuer)
	return &RedirectResult{
		SessionID:      sessionID,
		WebID:          identity.WebID,
		ClientAppID:    identity.ClientAppID,
		IsLoggedIn:     true,
		Fetch:          fetch,
		ExpirationDate: expirationDate(set.ExpiresIn),
		LogoutURL:      rpInitiatedLogoutURL(issuerConfig.EndSessionEndpoint, set.IDToken),
	}, nil
}

// rpInitiatedLogoutURL builds the closure handed out on RedirectResult.
func rpInitiatedLogoutURL(endSessionEndpoint, idToken string) func(string) string {
	return func(postLogoutRedirectURI string) string {
		if endSessionEndpoint == "" {
			return ""
		}
		u, err := url.Parse(endSessionEndpoint)
		if err != nil {
			return ""
		}
		q := u.Query()
		q.Set("id_token_hint", idToken)
		if postLogoutRedirectURI != "" {
			q.Set("post_logout_redirect_uri", postLogoutRedirectURI)
		}
		u.RawQuery = q.Encode()
		return u.String()
	}
}

// FallbackRedirectHandler accepts any URL and reports an anonymous session.
// It terminates the redirect handler chain.
type FallbackRedirectHandler struct{}

// CanHandle always accepts.
func (FallbackRedirectHandler) CanHandle(string) bool { return true }

// Handle reports a logged-out state.
func (FallbackRedirectHandler) Handle(context.Context, string) (*RedirectResult, error) {
	return &RedirectResult{IsLoggedIn: false}, nil
}

// AggregateRedirectHandler tries redirect handlers in registration order.
type AggregateRedirectHandler struct {
	handlers []RedirectHandler
}

// NewAggregateRedirectHandler registers handlers in priority order.
func NewAggregateRedirectHandler(handlers ...RedirectHandler) *AggregateRedirectHandler {
	return &AggregateRedirectHandler{handlers: handlers}
}

// Handle dispatches to the first handler accepting the URL.
func (a *AggregateRedirectHandler) Handle(ctx context.Context, redirectURL string) (*RedirectResult, error) {
	for _, h := range a.handlers {
		if h.CanHandle(redirectURL) {
			return h.Handle(ctx, redirectURL)
		}
	}
	return nil, fmt.Errorf("%w for redirect URL", ErrNoSuitableHandler)
}
