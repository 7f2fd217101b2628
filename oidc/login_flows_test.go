package oidc

import (
	"context"
	"net/url"
	"strings"
	"testing"
)

func loginStack(t *testing.T, ti *testIssuer) (*RefreshTokenHandler, *ClientCredentialsHandler, *AuthorizationCodePKCEHandler) {
	t.Helper()
	store := newTestUtility()
	fetcher := NewIssuerConfigFetcher(ti.client(), store, testLogger())
	registrar := NewClientRegistrar(ti.client(), store, testLogger())
	emitter := NewEmitter(testLogger())
	refresher := NewTokenRefresher(ti.client(), store, fetcher, registrar, emitter, testLogger())

	refresh := NewRefreshTokenHandler(ti.client(), store, fetcher, registrar, refresher, emitter, testLogger())
	creds := NewClientCredentialsHandler(ti.client(), store, fetcher, registrar, refresher, emitter, testLogger())
	pkce := NewAuthorizationCodePKCEHandler(ti.client(), store, fetcher, registrar, emitter, testLogger())
	return refresh, creds, pkce
}

func TestRefreshTokenHandlerLogsIn(t *testing.T) {
	ti := newTestIssuer(t)
	refresh, _, _ := loginStack(t, ti)

	idToken := ti.idToken(t, "client-1", "user-1", map[string]any{
		"webid": "https://user.example/me",
	})
	ti.tokenHandler = func(form url.Values) (map[string]any, int) {
		if form.Get("grant_type") != "refresh_token" {
			t.Errorf("grant_type = %s", form.Get("grant_type"))
		}
		return map[string]any{
			"access_token":  "a1",
			"id_token":      idToken,
			"refresh_token": "r1",
			"token_type":    "Bearer",
			"expires_in":    3600,
		}, 200
	}

	result, err := refresh.Handle(context.Background(), LoginOptions{
		SessionID:    "s1",
		Issuer:       ti.url(),
		ClientID:     "client-1",
		RefreshToken: "r0",
		TokenType:    TokenTypeBearer,
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !result.IsLoggedIn || result.WebID != "https://user.example/me" {
		t.Fatalf("result = %+v", result)
	}
	if result.Fetch == nil || result.ExpirationDate.IsZero() {
		t.Fatalf("fetch or expiration missing: %+v", result)
	}
}

func TestRefreshTokenHandlerRequiresIDToken(t *testing.T) {
	ti := newTestIssuer(t)
	refresh, _, _ := loginStack(t, ti)

	ti.tokenHandler = func(url.Values) (map[string]any, int) {
		return map[string]any{
			"access_token": "a1",
			"token_type":   "Bearer",
		}, 200
	}

	_, err := refresh.Handle(context.Background(), LoginOptions{
		SessionID:    "s1",
		Issuer:       ti.url(),
		ClientID:     "client-1",
		RefreshToken: "r0",
		TokenType:    TokenTypeBearer,
	})
	if err == nil || !strings.Contains(err.Error(), "no ID token") {
		t.Fatalf("err = %v, want missing-ID-token error", err)
	}
}

func TestClientCredentialsHandlerLogsInFromAccessToken(t *testing.T) {
	ti := newTestIssuer(t)
	_, creds, _ := loginStack(t, ti)

	// No ID token in the response: the identity comes from the access
	// token, which Solid issuers scope to the "solid" audience.
	accessToken := ti.idToken(t, "solid", "user-1", map[string]any{
		"webid": "https://agent.example/me",
		"azp":   "client-1",
	})
	ti.tokenHandler = func(form url.Values) (map[string]any, int) {
		if form.Get("grant_type") != "client_credentials" {
			t.Errorf("grant_type = %s", form.Get("grant_type"))
		}
		if !strings.Contains(form.Get("scope"), "webid") {
			t.Errorf("scope = %s", form.Get("scope"))
		}
		return map[string]any{
			"access_token": accessToken,
			"token_type":   "Bearer",
			"expires_in":   600,
		}, 200
	}

	result, err := creds.Handle(context.Background(), LoginOptions{
		SessionID:    "s1",
		Issuer:       ti.url(),
		ClientID:     "client-1",
		ClientSecret: "secret-1",
		TokenType:    TokenTypeBearer,
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if result.WebID != "https://agent.example/me" || result.ClientAppID != "client-1" {
		t.Fatalf("result = %+v", result)
	}
}

func TestPKCEHandlerBuildsAuthorizationRequest(t *testing.T) {
	ti := newTestIssuer(t)
	_, _, pkce := loginStack(t, ti)

	var emitted AuthorizationRequest
	pkce.emitter.On(EventAuthorizationRequest, func(payload any) {
		emitted, _ = payload.(AuthorizationRequest)
	})

	var redirected string
	result, err := pkce.Handle(context.Background(), LoginOptions{
		SessionID:   "s1",
		Issuer:      ti.url(),
		RedirectURL: "https://app.example/callback",
		ClientID:    "client-1",
		HandleRedirect: func(u string) error {
			redirected = u
			return nil
		},
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if result != nil {
		t.Fatalf("interactive login must not return a result, got %+v", result)
	}
	if redirected == "" || redirected != emitted.URL {
		t.Fatalf("redirect URL %q, emitted %q", redirected, emitted.URL)
	}

	u, err := url.Parse(redirected)
	if err != nil {
		t.Fatalf("parse authorization URL: %v", err)
	}
	q := u.Query()
	if !strings.HasPrefix(redirected, ti.url()+"/authorize?") {
		t.Fatalf("authorization URL = %s", redirected)
	}
	if q.Get("response_type") != "code" || q.Get("client_id") != "client-1" {
		t.Fatalf("query = %v", q)
	}
	if q.Get("code_challenge") == "" || q.Get("code_challenge_method") != "S256" {
		t.Fatalf("missing PKCE challenge: %v", q)
	}
	if q.Get("prompt") != "consent" {
		t.Fatalf("prompt = %s", q.Get("prompt"))
	}
	scope := q.Get("scope")
	for _, want := range []string{"openid", "offline_access", "webid"} {
		if !strings.Contains(scope, want) {
			t.Fatalf("scope %q missing %s", scope, want)
		}
	}
	state := q.Get("state")
	if state == "" {
		t.Fatalf("no state parameter")
	}

	// The event payload carries the whole pending request so another
	// process can complete the flow.
	if emitted.SessionID != "s1" || emitted.State != state || emitted.Issuer != ti.url() {
		t.Fatalf("event payload = %+v", emitted)
	}
	if emitted.RedirectURL != "https://app.example/callback" || emitted.ClientID != "client-1" {
		t.Fatalf("event payload = %+v", emitted)
	}
	if !emitted.DPoPBound {
		t.Fatalf("default token type must be DPoP bound")
	}

	// The state resolves back to the session.
	sessionID, ok, err := pkce.store.GetForUser(context.Background(), state, "sessionId", false)
	if err != nil || !ok || sessionID != "s1" {
		t.Fatalf("state record: id=%q ok=%v err=%v", sessionID, ok, err)
	}
	verifier, ok, _ := pkce.store.GetForUser(context.Background(), "s1", "codeVerifier", true)
	if !ok || verifier != emitted.CodeVerifier {
		t.Fatalf("code verifier not stored or not carried by the event")
	}
}
