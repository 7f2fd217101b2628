package oidc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"
)

func registrationServer(t *testing.T, hits *int, expiresAt int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method", http.StatusMethodNotAllowed)
			return
		}
		*hits++
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		uris, _ := req["redirect_uris"].([]any)
		if len(uris) != 1 {
			http.Error(w, "redirect_uris", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"client_id":                    "dyn-" + strconv.Itoa(*hits),
			"client_secret":                "dyn-secret",
			"client_name":                  req["client_name"],
			"id_token_signed_response_alg": req["id_token_signed_response_alg"],
			"client_secret_expires_at":     expiresAt,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func issuerWithRegistration(endpoint string, algs []string) *IssuerConfig {
	return &IssuerConfig{
		Issuer:                           "https://idp.example",
		AuthorizationEndpoint:            "https://idp.example/authorize",
		TokenEndpoint:                    "https://idp.example/token",
		JWKSURI:                          "https://idp.example/jwks",
		RegistrationEndpoint:             endpoint,
		ClaimsSupported:                  []string{"sub"},
		SubjectTypesSupported:            []string{"public"},
		IDTokenSigningAlgValuesSupported: algs,
	}
}

func TestGetClientRegistersDynamically(t *testing.T) {
	hits := 0
	srv := registrationServer(t, &hits, 0)
	store := newTestUtility()
	r := NewClientRegistrar(srv.Client(), store, testLogger())
	issuerConfig := issuerWithRegistration(srv.URL, []string{"RS256", "ES256"})

	opts := ClientRegistrarOptions{
		SessionID:   "s1",
		RedirectURL: "https://app.example/callback",
		ClientName:  "My App",
	}
	client, err := r.GetClient(context.Background(), opts, issuerConfig)
	if err != nil {
		t.Fatalf("get client: %v", err)
	}
	if client.ID != "dyn-1" || client.Secret != "dyn-secret" {
		t.Fatalf("client = %+v", client)
	}
	// ES256 is preferred over RS256 regardless of issuer order.
	if client.IDTokenSignedResponseAlg != "ES256" {
		t.Fatalf("alg = %s, want ES256", client.IDTokenSignedResponseAlg)
	}

	// The registration is reused, not repeated.
	again, err := r.GetClient(context.Background(), opts, issuerConfig)
	if err != nil {
		t.Fatalf("second get client: %v", err)
	}
	if hits != 1 {
		t.Fatalf("registration hits = %d, want 1", hits)
	}
	if again.ID != client.ID {
		t.Fatalf("stored client not reused: %s vs %s", again.ID, client.ID)
	}

	// The secret lands in the secure partition only.
	if _, ok, _ := store.GetForUser(context.Background(), "s1", "clientSecret", false); ok {
		t.Fatalf("client secret stored insecurely")
	}
	if secret, ok, _ := store.GetForUser(context.Background(), "s1", "clientSecret", true); !ok || secret != "dyn-secret" {
		t.Fatalf("client secret not in secure partition")
	}
}

func TestGetClientReRegistersExpiredClient(t *testing.T) {
	hits := 0
	srv := registrationServer(t, &hits, time.Now().Add(-time.Hour).Unix())
	r := NewClientRegistrar(srv.Client(), newTestUtility(), testLogger())
	issuerConfig := issuerWithRegistration(srv.URL, []string{"ES256"})
	opts := ClientRegistrarOptions{SessionID: "s1", RedirectURL: "https://app.example/callback"}

	if _, err := r.GetClient(context.Background(), opts, issuerConfig); err != nil {
		t.Fatalf("first registration: %v", err)
	}
	client, err := r.GetClient(context.Background(), opts, issuerConfig)
	if err != nil {
		t.Fatalf("second registration: %v", err)
	}
	if hits != 2 {
		t.Fatalf("registration hits = %d, want 2 (expired client re-registered)", hits)
	}
	if client.ID != "dyn-2" {
		t.Fatalf("client = %s, want the fresh registration", client.ID)
	}
}

func TestGetClientWithoutRegistrationEndpoint(t *testing.T) {
	r := NewClientRegistrar(http.DefaultClient, newTestUtility(), testLogger())
	issuerConfig := issuerWithRegistration("", []string{"ES256"})

	_, err := r.GetClient(context.Background(), ClientRegistrarOptions{SessionID: "s1"}, issuerConfig)
	if err == nil || !strings.Contains(err.Error(), "dynamic client registration") {
		t.Fatalf("err = %v, want registration-unsupported error", err)
	}
}

func TestGetClientNoAlgorithmOverlap(t *testing.T) {
	hits := 0
	srv := registrationServer(t, &hits, 0)
	r := NewClientRegistrar(srv.Client(), newTestUtility(), testLogger())
	issuerConfig := issuerWithRegistration(srv.URL, []string{"HS256"})

	_, err := r.GetClient(context.Background(), ClientRegistrarOptions{SessionID: "s1"}, issuerConfig)
	if err == nil || !strings.Contains(err.Error(), "algorithm") {
		t.Fatalf("err = %v, want algorithm mismatch error", err)
	}
	if hits != 0 {
		t.Fatalf("registration attempted despite algorithm mismatch")
	}
}

func TestPersistClientStoresStaticRegistration(t *testing.T) {
	store := newTestUtility()
	r := NewClientRegistrar(http.DefaultClient, store, testLogger())

	err := r.PersistClient(context.Background(), "s1", Client{ID: "static-id", Name: "Static"})
	if err != nil {
		t.Fatalf("persist: %v", err)
	}
	client, ok, err := r.storedClient(context.Background(), "s1")
	if err != nil || !ok {
		t.Fatalf("stored client: ok=%v err=%v", ok, err)
	}
	if client.ID != "static-id" || client.Name != "Static" || !client.ExpiresAt.IsZero() {
		t.Fatalf("client = %+v", client)
	}
}
