package oidc

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"solidauth/storage"
)

// TokenRefresher replays the refresh grant for a session using its persisted
// issuer and client context.
type TokenRefresher struct {
	httpClient *http.Client
	store      *storage.Utility
	fetcher    *IssuerConfigFetcher
	registrar  *ClientRegistrar
	emitter    *Emitter
	logger     *slog.Logger
}

// NewTokenRefresher constructs a refresher sharing the session store with the
// rest of the stack.
func NewTokenRefresher(httpClient *http.Client, store *storage.Utility, fetcher *IssuerConfigFetcher, registrar *ClientRegistrar, emitter *Emitter, logger *slog.Logger) *TokenRefresher {
	return &TokenRefresher{
		httpClient: httpClient,
		store:      store,
		fetcher:    fetcher,
		registrar:  registrar,
		emitter:    emitter,
		logger:     logger,
	}
}

// Refresh exchanges the session's refresh token for fresh tokens. The key a
// DPoP-bound token was issued against must be supplied so the issuer accepts
// the replay. A rotated refresh token is persisted before Refresh returns.
func (r *TokenRefresher) Refresh(ctx context.Context, sessionID, refreshToken string, key *KeyPair) (*TokenSet, error) {
	issuer, ok, err := r.store.GetForUser(ctx, sessionID, "issuer", false)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("session %s has no stored issuer, cannot refresh", sessionID)
	}
	dpopFlag, _, err := r.store.GetForUser(ctx, sessionID, "dpop", false)
	if err != nil {
		return nil, err
	}

	if refreshToken == "" {
		refreshToken, ok, err = r.store.GetForUser(ctx, sessionID, "refreshToken", true)
		if err != nil {
			return nil, err
		}
		if !ok || refreshToken == "" {
			return nil, fmt.Errorf("session %s has no refresh token", sessionID)
		}
	}
	if dpopFlag == "true" && key == nil {
		key, err = loadSessionKeyPair(ctx, r.store, sessionID)
		if err != nil {
			return nil, err
		}
		if key == nil {
			return nil, fmt.Errorf("session %s: the key bound to the DPoP access token must be provided to refresh", sessionID)
		}
	}
	if dpopFlag != "true" {
		key = nil
	}

	issuerConfig, err := r.fetcher.ConfigFor(ctx, issuer)
	if err != nil {
		return nil, err
	}
	client, ok, err := r.registrar.storedClient(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("session %s has no registered client, cannot refresh", sessionID)
	}

	set, err := RefreshGrant(ctx, r.httpClient, client, issuerConfig, refreshToken, key)
	if err != nil {
		return nil, err
	}
	if set.AccessToken == "" {
		return nil, fmt.Errorf("the issuer returned no access token on refresh")
	}
	if set.TokenType != "" && !strings.EqualFold(set.TokenType, "Bearer") && !strings.EqualFold(set.TokenType, "DPoP") {
		return nil, fmt.Errorf("unsupported token type %q returned on refresh", set.TokenType)
	}

	if set.RefreshToken != "" && set.RefreshToken != refreshToken {
		err := r.store.SetForUser(ctx, sessionID, map[string]string{"refreshToken": set.RefreshToken}, true)
		if err != nil {
			return nil, fmt.Errorf("persist rotated refresh token: %w", err)
		}
		r.emitter.Emit(EventNewRefreshToken, set.RefreshToken)
		r.logger.Debug("refresh token rotated", "session_id", sessionID)
	}
	r.emitter.Emit(EventNewTokens, set)
	return set, nil
}
