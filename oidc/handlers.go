package oidc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"solidauth/storage"
)

// Token type values accepted in LoginOptions.
const (
	TokenTypeDPoP   = "DPoP"
	TokenTypeBearer = "Bearer"
)

// LoginOptions describe one login attempt. Which handler serves the attempt
// depends on which fields are set.
type LoginOptions struct {
	SessionID    string
	Issuer       string
	RedirectURL  string
	ClientID     string
	ClientSecret string
	ClientName   string
	RefreshToken string
	// TokenType selects DPoP-bound or plain Bearer tokens. Empty means DPoP.
	TokenType string
	// Scopes are requested in addition to the defaults.
	Scopes []string
	Prompt string
	// KeepAlive controls whether the session refreshes tokens on its own
	// before they expire.
	KeepAlive bool
	// HandleRedirect sends the user to the issuer's authorization page.
	// Required for interactive flows.
	HandleRedirect func(authorizationURL string) error
	// RegistrationAccessToken authorizes dynamic registration against
	// issuers that restrict it.
	RegistrationAccessToken string
}

func (o LoginOptions) dpop() bool {
	return o.TokenType == "" || o.TokenType == TokenTypeDPoP
}

// LoginResult is produced by non-interactive handlers. Interactive handlers
// return a nil result: their login completes at the redirect.
type LoginResult struct {
	WebID          string
	ClientAppID    string
	IsLoggedIn     bool
	Fetch          *AuthFetch
	ExpirationDate time.Time
}

// Handler serves one style of login.
type Handler interface {
	// CanHandle reports whether the options are sufficient for this
	// handler. It must not have side effects.
	CanHandle(opts LoginOptions) bool
	Handle(ctx context.Context, opts LoginOptions) (*LoginResult, error)
}

// AggregateHandler dispatches login options to the first registered handler
// that accepts them. Capability checks run concurrently but registration
// order decides ties.
type AggregateHandler struct {
	handlers []Handler
}

// NewAggregateHandler registers handlers in priority order.
func NewAggregateHandler(handlers ...Handler) *AggregateHandler {
	return &AggregateHandler{handlers: handlers}
}

// Handle dispatches to the first capable handler.
func (a *AggregateHandler) Handle(ctx context.Context, opts LoginOptions) (*LoginResult, error) {
	capable := make([]bool, len(a.handlers))
	var wg sync.WaitGroup
	for i, h := range a.handlers {
		wg.Add(1)
		go func(i int, h Handler) {
			defer wg.Done()
			capable[i] = h.CanHandle(opts)
		}(i, h)
	}
	wg.Wait()

	for i, ok := range capable {
		if ok {
			return a.handlers[i].Handle(ctx, opts)
		}
	}
	return nil, fmt.Errorf("%w for options %s", ErrNoSuitableHandler, describeLoginOptions(opts))
}

// describeLoginOptions renders options for diagnostics. Credentials are
// reduced to presence flags so errors never carry secrets.
func describeLoginOptions(opts LoginOptions) string {
	summary := map[string]any{
		"sessionId":       opts.SessionID,
		"oidcIssuer":      opts.Issuer,
		"redirectUrl":     opts.RedirectURL,
		"clientName":      opts.ClientName,
		"tokenType":       opts.TokenType,
		"hasClientId":     opts.ClientID != "",
		"hasClientSecret": opts.ClientSecret != "",
		"hasRefreshToken": opts.RefreshToken != "",
		"hasRedirect":     opts.HandleRedirect != nil,
	}
	raw, err := json.Marshal(summary)
	if err != nil {
		return fmt.Sprintf("%+v", summary)
	}
	return string(raw)
}

// loadSessionKeyPair returns the session's persisted DPoP key pair, or nil
// when none was stored yet.
func loadSessionKeyPair(ctx context.Context, store *storage.Utility, sessionID string) (*KeyPair, error) {
	pub, ok, err := store.GetForUser(ctx, sessionID, "publicKey", true)
	if err != nil || !ok {
		return nil, err
	}
	priv, ok, err := store.GetForUser(ctx, sessionID, "privateKey", true)
	if err != nil || !ok {
		return nil, err
	}
	return KeyPairFromStorage(pub, priv)
}

// ensureSessionKeyPair reuses the persisted key pair or generates and
// persists a fresh one. Reuse matters: the issuer binds DPoP refresh tokens
// to the original key.
func ensureSessionKeyPair(ctx context.Context, store *storage.Utility, sessionID string) (*KeyPair, error) {
	key, err := loadSessionKeyPair(ctx, store, sessionID)
	if err != nil {
		return nil, err
	}
	if key != nil {
		return key, nil
	}
	key, err = GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	pub, priv, err := key.MarshalStorage()
	if err != nil {
		return nil, err
	}
	err = store.SetForUser(ctx, sessionID, map[string]string{"publicKey": pub, "privateKey": priv}, true)
	if err != nil {
		return nil, err
	}
	return key, nil
}

func boolField(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

// AuthorizationRequest is the payload of EventAuthorizationRequest. It
// carries everything another process needs to complete the pending login
// when the redirect lands there instead of here.
type AuthorizationRequest struct {
	URL          string
	SessionID    string
	State        string
	CodeVerifier string
	Issuer       string
	RedirectURL  string
	DPoPBound    bool
	ClientID     string
}

// AuthorizationCodePKCEHandler starts the interactive authorization code
// flow with PKCE. It never completes a login itself: the user agent comes
// back through the redirect handler.
type AuthorizationCodePKCEHandler struct {
	httpClient *http.Client
	store      *storage.Utility
	fetcher    *IssuerConfigFetcher
	registrar  *ClientRegistrar
	emitter    *Emitter
	logger     *slog.Logger
}

// NewAuthorizationCodePKCEHandler wires the interactive login handler.
func NewAuthorizationCodePKCEHandler(httpClient *http.Client, store *storage.Utility, fetcher *IssuerConfigFetcher, registrar *ClientRegistrar, emitter *Emitter, logger *slog.Logger) *AuthorizationCodePKCEHandler {
	return &AuthorizationCodePKCEHandler{
		httpClient: httpClient,
		store:      store,
		fetcher:    fetcher,
		registrar:  registrar,
		emitter:    emitter,
		logger:     logger,
	}
}

// CanHandle accepts interactive logins: an issuer, somewhere to send the
// user back to, and a way to get them to the issuer.
func (h *AuthorizationCodePKCEHandler) CanHandle(opts LoginOptions) bool {
	return opts.Issuer != "" && opts.RedirectURL != "" && opts.HandleRedirect != nil
}

// Handle builds the authorization URL and hands it to the caller's redirect
// callback. The returned result is nil: completion happens out of band.
func (h *AuthorizationCodePKCEHandler) Handle(ctx context.Context, opts LoginOptions) (*LoginResult, error) {
	issuerConfig, err := h.fetcher.ConfigFor(ctx, opts.Issuer)
	if err != nil {
		return nil, err
	}
	if !issuerConfig.SupportsGrantType("authorization_code") {
		return nil, fmt.Errorf("issuer %s does not support the authorization code grant", opts.Issuer)
	}

	client, err := h.resolveClient(ctx, opts, issuerConfig)
	if err != nil {
		return nil, err
	}

	state := uuid.NewString()
	verifier := oauth2.GenerateVerifier()

	// The state round-trips through the issuer and is the only link back
	// to the session when the redirect lands.
	err = h.store.SetForUser(ctx, state, map[string]string{"sessionId": opts.SessionID}, false)
	if err != nil {
		return nil, err
	}
	err = h.store.SetForUser(ctx, opts.SessionID, map[string]string{
		"issuer":      opts.Issuer,
		"redirectUrl": opts.RedirectURL,
		"dpop":        boolField(opts.dpop()),
		"keepAlive":   boolField(opts.KeepAlive),
	}, false)
	if err != nil {
		return nil, err
	}
	err = h.store.SetForUser(ctx, opts.SessionID, map[string]string{"codeVerifier": verifier}, true)
	if err != nil {
		return nil, err
	}

	scopes := append(append([]string{}, DefaultScopes...), opts.Scopes...)
	cfg := oauthConfig(client, issuerConfig, opts.RedirectURL, scopes)

	prompt := opts.Prompt
	if prompt == "" {
		prompt = "consent"
	}
	authURL := cfg.AuthCodeURL(state,
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("prompt", prompt),
	)

	h.emitter.Emit(EventAuthorizationRequest, AuthorizationRequest{
		URL:          authURL,
		SessionID:    opts.SessionID,
		State:        state,
		CodeVerifier: verifier,
		Issuer:       opts.Issuer,
		RedirectURL:  opts.RedirectURL,
		DPoPBound:    opts.dpop(),
		ClientID:     client.ID,
	})
	h.logger.Debug("redirecting to authorization endpoint", "issuer", opts.Issuer, "session_id", opts.SessionID)
	if err := opts.HandleRedirect(authURL); err != nil {
		return nil, fmt.Errorf("redirect to authorization endpoint: %w", err)
	}
	return nil, nil
}

func (h *AuthorizationCodePKCEHandler) resolveClient(ctx context.Context, opts LoginOptions, issuerConfig *IssuerConfig) (Client, error) {
	if opts.ClientID != "" {
		client := Client{
			ID:     opts.ClientID,
			Secret: opts.ClientSecret,
			Name:   opts.ClientName,
		}
		if err := h.registrar.PersistClient(ctx, opts.SessionID, client); err != nil {
			return Client{}, err
		}
		return client, nil
	}
	return h.registrar.GetClient(ctx, ClientRegistrarOptions{
		SessionID:               opts.SessionID,
		RedirectURL:             opts.RedirectURL,
		ClientName:              opts.ClientName,
		RegistrationAccessToken: opts.RegistrationAccessToken,
	}, issuerConfig)
}

// RefreshTokenHandler restores a session from a previously issued refresh
// token, without user interaction.
type RefreshTokenHandler struct {
	httpClient *http.Client
	store      *storage.Utility
	fetcher    *IssuerConfigFetcher
	registrar  *ClientRegistrar
	refresher  *TokenRefresher
	emitter    *Emitter
	logger     *slog.Logger
}

// NewRefreshTokenHandler wires the refresh token login handler.
func NewRefreshTokenHandler(httpClient *http.Client, store *storage.Utility, fetcher *IssuerConfigFetcher, registrar *ClientRegistrar, refresher *TokenRefresher, emitter *Emitter, logger *slog.Logger) *RefreshTokenHandler {
	return &RefreshTokenHandler{
		httpClient: httpClient,
		store:      store,
		fetcher:    fetcher,
		registrar:  registrar,
		refresher:  refresher,
		emitter:    emitter,
		logger:     logger,
	}
}

// CanHandle accepts logins carrying both a refresh token and a client ID.
func (h *RefreshTokenHandler) CanHandle(opts LoginOptions) bool {
	return opts.RefreshToken != "" && opts.ClientID != ""
}

// Handle refreshes immediately and builds an authenticated fetch from the
// resulting tokens.
func (h *RefreshTokenHandler) Handle(ctx context.Context, opts LoginOptions) (*LoginResult, error) {
	if !h.CanHandle(opts) {
		return nil, fmt.Errorf("refresh token login is missing one of 'refreshToken', 'clientId'")
	}

	issuerConfig, err := h.fetcher.ConfigFor(ctx, opts.Issuer)
	if err != nil {
		return nil, err
	}

	client := Client{ID: opts.ClientID, Secret: opts.ClientSecret, Name: opts.ClientName}
	if err := h.registrar.PersistClient(ctx, opts.SessionID, client); err != nil {
		return nil, err
	}
	err = h.store.SetForUser(ctx, opts.SessionID, map[string]string{
		"issuer": opts.Issuer,
		"dpop":   boolField(opts.dpop()),
	}, false)
	if err != nil {
		return nil, err
	}
	err = h.store.SetForUser(ctx, opts.SessionID, map[string]string{"refreshToken": opts.RefreshToken}, true)
	if err != nil {
		return nil, err
	}

	var key *KeyPair
	if opts.dpop() {
		// The issuer bound the refresh token to the key that requested it,
		// so a stored key must be reused rather than regenerated.
		key, err = ensureSessionKeyPair(ctx, h.store, opts.SessionID)
		if err != nil {
			return nil, err
		}
	}

	set, err := h.refresher.Refresh(ctx, opts.SessionID, opts.RefreshToken, key)
	if err != nil {
		return nil, err
	}
	if set.IDToken == "" {
		return nil, fmt.Errorf("the issuer returned no ID token on refresh, cannot establish the user's identity")
	}

	identity, err := WebIDFromIDToken(ctx, h.httpClient, issuerConfig, client.ID, set.IDToken)
	if err != nil {
		return nil, err
	}

	err = h.store.SetForUser(ctx, opts.SessionID, map[string]string{
		"webId":      identity.WebID,
		"isLoggedIn": "true",
	}, false)
	if err != nil {
		return nil, err
	}

	refreshToken := set.RefreshToken
	if refreshToken == "" {
		refreshToken = opts.RefreshToken
	}
	refreshOpts := &RefreshOptions{
		SessionID:    opts.SessionID,
		RefreshToken: refreshToken,
		Refresher:    h.refresher,
	}
	var fetch *AuthFetch
	if key != nil {
		fetch = NewDPoPFetch(h.httpClient, set.AccessToken, key, refreshOpts, h.emitter)
	} else {
		fetch = NewBearerFetch(h.httpClient, set.AccessToken, refreshOpts, h.emitter)
	}

	return &LoginResult{
		WebID:          identity.WebID,
		ClientAppID:    identity.ClientAppID,
		IsLoggedIn:     true,
		Fetch:          fetch,
		ExpirationDate: expirationDate(set.ExpiresIn),
	}, nil
}

// ClientCredentialsHandler logs in with statically provisioned client
// credentials, the flow for trusted server-side agents.
type ClientCredentialsHandler struct {
	httpClient *http.Client
	store      *storage.Utility
	fetcher    *IssuerConfigFetcher
	registrar  *ClientRegistrar
	refresher  *TokenRefresher
	emitter    *Emitter
	logger     *slog.Logger
}

// NewClientCredentialsHandler wires the client credentials login handler.
func NewClientCredentialsHandler(httpClient *http.Client, store *storage.Utility, fetcher *IssuerConfigFetcher, registrar *ClientRegistrar, refresher *TokenRefresher, emitter *Emitter, logger *slog.Logger) *ClientCredentialsHandler {
	return &ClientCredentialsHandler{
		httpClient: httpClient,
		store:      store,
		fetcher:    fetcher,
		registrar:  registrar,
		refresher:  refresher,
		emitter:    emitter,
		logger:     logger,
	}
}

// CanHandle accepts logins with a full client credential set and an issuer
// to authenticate against. A refresh token or a redirect URL means the
// caller wants another flow: a static client with a redirect URL is an
// interactive login, not a machine login.
func (h *ClientCredentialsHandler) CanHandle(opts LoginOptions) bool {
	return opts.ClientID != "" && opts.ClientSecret != "" &&
		opts.RefreshToken == "" && opts.RedirectURL == "" && opts.Issuer != ""
}

// Handle runs the client credentials grant and derives the WebID from the
// issued tokens.
func (h *ClientCredentialsHandler) Handle(ctx context.Context, opts LoginOptions) (*LoginResult, error) {
	issuerConfig, err := h.fetcher.ConfigFor(ctx, opts.Issuer)
	if err != nil {
		return nil, err
	}

	client := Client{ID: opts.ClientID, Secret: opts.ClientSecret, Name: opts.ClientName}
	if err := h.registrar.PersistClient(ctx, opts.SessionID, client); err != nil {
		return nil, err
	}
	err = h.store.SetForUser(ctx, opts.SessionID, map[string]string{
		"issuer": opts.Issuer,
		"dpop":   boolField(opts.dpop()),
	}, false)
	if err != nil {
		return nil, err
	}

	var key *KeyPair
	if opts.dpop() {
		key, err = ensureSessionKeyPair(ctx, h.store, opts.SessionID)
		if err != nil {
			return nil, err
		}
	}

	scopes := append([]string{"webid"}, opts.Scopes...)
	set, err := ClientCredentialsGrant(ctx, h.httpClient, client, issuerConfig, scopes, key)
	if err != nil {
		return nil, err
	}

	// Client credentials grants often omit the ID token. The access token
	// then carries the identity claims instead.
	var identity *Identity
	if set.IDToken != "" {
		identity, err = WebIDFromIDToken(ctx, h.httpClient, issuerConfig, client.ID, set.IDToken)
	} else {
		identity, err = WebIDFromAccessToken(ctx, h.httpClient, issuerConfig, set.AccessToken)
	}
	if err != nil {
		return nil, err
	}
	if identity.ClientAppID == "" {
		identity.ClientAppID = client.ID
	}

	err = h.store.SetForUser(ctx, opts.SessionID, map[string]string{
		"webId":      identity.WebID,
		"isLoggedIn": "true",
	}, false)
	if err != nil {
		return nil, err
	}

	var refreshOpts *RefreshOptions
	if set.RefreshToken != "" && opts.KeepAlive {
		refreshOpts = &RefreshOptions{
			SessionID:    opts.SessionID,
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

	return &LoginResult{
		WebID:          identity.WebID,
		ClientAppID:    identity.ClientAppID,
		IsLoggedIn:     true,
		Fetch:          fetch,
		ExpirationDate: expirationDate(set.ExpiresIn),
	}, nil
}

func expirationDate(expiresIn time.Duration) time.Time {
	if expiresIn <= 0 {
		return time.Time{}
	}
	return time.Now().Add(expiresIn)
}

// AuthorizationCodeHandler would serve the plain authorization code grant
// without PKCE. Issuers in this ecosystem require PKCE, so it accepts
// nothing and exists to give the plain grant an explicit rejection.
type AuthorizationCodeHandler struct{}

// CanHandle always declines.
func (h *AuthorizationCodeHandler) CanHandle(LoginOptions) bool { return false }

// Handle reports the grant as unsupported.
func (h *AuthorizationCodeHandler) Handle(context.Context, LoginOptions) (*LoginResult, error) {
	return nil, fmt.Errorf("the authorization code grant without PKCE is not supported")
}
