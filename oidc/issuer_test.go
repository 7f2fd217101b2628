package oidc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"solidauth/storage"
)

func discoveryServer(t *testing.T, hits *atomic.Int32, mutate func(doc map[string]any)) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/openid-configuration" {
			http.NotFound(w, r)
			return
		}
		if hits != nil {
			hits.Add(1)
		}
		doc := map[string]any{
			"issuer":                                srv.URL,
			"authorization_endpoint":                srv.URL + "/authorize",
			"token_endpoint":                        srv.URL + "/token",
			"jwks_uri":                              srv.URL + "/jwks",
			"registration_endpoint":                 srv.URL + "/register",
			"end_session_endpoint":                  srv.URL + "/logout",
			"claims_supported":                      []string{"sub", "webid"},
			"subject_types_supported":               []string{"public"},
			"scopes_supported":                      []string{"openid", "offline_access", "webid"},
			"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
			"id_token_signing_alg_values_supported": []string{"RS256", "ES256"},
			"response_types_supported":              []string{"code"},
		}
		if mutate != nil {
			mutate(doc)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(doc)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestUtility() *storage.Utility {
	return storage.NewUtility(storage.NewInMemory(), storage.NewInMemory())
}

func TestConfigForFetchesAndValidates(t *testing.T) {
	srv := discoveryServer(t, nil, nil)
	f := NewIssuerConfigFetcher(srv.Client(), newTestUtility(), testLogger())

	cfg, err := f.ConfigFor(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("config for: %v", err)
	}
	if cfg.AuthorizationEndpoint != srv.URL+"/authorize" {
		t.Fatalf("authorization endpoint = %s", cfg.AuthorizationEndpoint)
	}
	if cfg.TokenEndpoint != srv.URL+"/token" {
		t.Fatalf("token endpoint = %s", cfg.TokenEndpoint)
	}
	if cfg.EndSessionEndpoint != srv.URL+"/logout" {
		t.Fatalf("end session endpoint = %s", cfg.EndSessionEndpoint)
	}
	if !cfg.SolidOIDCSupported {
		t.Fatalf("webid scope should mark Solid-OIDC support")
	}
	if !cfg.SupportsGrantType("refresh_token") || cfg.SupportsGrantType("client_credentials") {
		t.Fatalf("grant type support misread")
	}
}

func TestConfigForRejectsIncompleteMetadata(t *testing.T) {
	srv := discoveryServer(t, nil, func(doc map[string]any) {
		delete(doc, "claims_supported")
	})
	f := NewIssuerConfigFetcher(srv.Client(), newTestUtility(), testLogger())

	_, err := f.ConfigFor(context.Background(), srv.URL)
	if err == nil || !strings.Contains(err.Error(), "claims") {
		t.Fatalf("err = %v, want missing-claims error", err)
	}
}

func TestConfigForCachesAcrossCallsAndFetchers(t *testing.T) {
	var hits atomic.Int32
	srv := discoveryServer(t, &hits, nil)
	store := newTestUtility()

	f := NewIssuerConfigFetcher(srv.Client(), store, testLogger())
	if _, err := f.ConfigFor(context.Background(), srv.URL); err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	if _, err := f.ConfigFor(context.Background(), srv.URL); err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("discovery hits = %d, want 1", hits.Load())
	}

	// A fresh fetcher sharing the store reuses the persisted document.
	f2 := NewIssuerConfigFetcher(srv.Client(), store, testLogger())
	if _, err := f2.ConfigFor(context.Background(), srv.URL); err != nil {
		t.Fatalf("fetch via shared store: %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("discovery hits after shared-store fetch = %d, want 1", hits.Load())
	}
}

func TestSupportsGrantTypeDefault(t *testing.T) {
	cfg := &IssuerConfig{}
	if !cfg.SupportsGrantType("authorization_code") {
		t.Fatalf("authorization_code should be assumed when the issuer lists nothing")
	}
	if cfg.SupportsGrantType("refresh_token") {
		t.Fatalf("refresh_token must not be assumed")
	}
}
