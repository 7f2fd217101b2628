package oidc

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// TokenSet bundles the tokens one grant exchange yields.
type TokenSet struct {
	AccessToken  string
	IDToken      string
	RefreshToken string
	TokenType    string
	ExpiresIn    time.Duration
}

func tokenSetFrom(tok *oauth2.Token) *TokenSet {
	set := &TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
	}
	if id, ok := tok.Extra("id_token").(string); ok {
		set.IDToken = id
	}
	if !tok.Expiry.IsZero() {
		set.ExpiresIn = time.Until(tok.Expiry)
	}
	return set
}

// DefaultScopes are requested on every interactive login: openid for OIDC
// itself, offline_access for a refresh token, webid for Solid-OIDC.
var DefaultScopes = []string{"openid", "offline_access", "webid"}

func oauthConfig(client Client, issuerConfig *IssuerConfig, redirectURL string, scopes []string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     client.ID,
		ClientSecret: client.Secret,
		RedirectURL:  redirectURL,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  issuerConfig.AuthorizationEndpoint,
			TokenURL: issuerConfig.TokenEndpoint,
		},
	}
}

// grantContext injects the HTTP client the oauth2 package uses for token
// endpoint calls, wrapping it with a DPoP proof transport when key is set.
func grantContext(ctx context.Context, httpClient *http.Client, key *KeyPair) context.Context {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return context.WithValue(ctx, oauth2.HTTPClient, httpClientWithDPoP(httpClient, key))
}

// ExchangeAuthorizationCode redeems an authorization code together with its
// PKCE verifier at the issuer's token endpoint.
func ExchangeAuthorizationCode(ctx context.Context, httpClient *http.Client, client Client, issuerConfig *IssuerConfig, redirectURL, code, codeVerifier string, key *KeyPair) (*TokenSet, error) {
	cfg := oauthConfig(client, issuerConfig, redirectURL, DefaultScopes)
	tok, err := cfg.Exchange(grantContext(ctx, httpClient, key), code,
		oauth2.SetAuthURLParam("code_verifier", codeVerifier))
	if err != nil {
		return nil, fmt.Errorf("authorization code exchange with %s: %w", issuerConfig.Issuer, err)
	}
	return tokenSetFrom(tok), nil
}

// RefreshGrant exchanges a refresh token for a fresh token set.
func RefreshGrant(ctx context.Context, httpClient *http.Client, client Client, issuerConfig *IssuerConfig, refreshToken string, key *KeyPair) (*TokenSet, error) {
	cfg := oauthConfig(client, issuerConfig, "", nil)
	src := cfg.TokenSource(grantContext(ctx, httpClient, key), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("refresh grant with %s: %w", issuerConfig.Issuer, err)
	}
	set := tokenSetFrom(tok)
	// The oauth2 package echoes the old refresh token when the issuer does
	// not rotate. Only a differing value indicates rotation.
	if set.RefreshToken == refreshToken {
		set.RefreshToken = ""
	}
	return set, nil
}

// ClientCredentialsGrant obtains tokens directly with the client's own
// credentials, the non-interactive grant for trusted server-side agents.
func ClientCredentialsGrant(ctx context.Context, httpClient *http.Client, client Client, issuerConfig *IssuerConfig, scopes []string, key *KeyPair) (*TokenSet, error) {
	cfg := &clientcredentials.Config{
		ClientID:     client.ID,
		ClientSecret: client.Secret,
		TokenURL:     issuerConfig.TokenEndpoint,
		Scopes:       scopes,
	}
	tok, err := cfg.Token(grantContext(ctx, httpClient, key))
	if err != nil {
		return nil, fmt.Errorf("client credentials grant with %s: %w", issuerConfig.Issuer, err)
	}
	return tokenSetFrom(tok), nil
}
