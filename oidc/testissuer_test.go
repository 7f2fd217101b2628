package oidc

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

// testIssuer is an in-process OIDC provider: discovery, a JWKS, and a token
// endpoint whose behaviour each test scripts through tokenHandler.
type testIssuer struct {
	srv *httptest.Server
	key *rsa.PrivateKey
	kid string

	tokenHandler  func(form url.Values) (map[string]any, int)
	tokenRequests []*http.Request
	tokenForms    []url.Values
}

func newTestIssuer(t *testing.T) *testIssuer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate issuer key: %v", err)
	}
	ti := &testIssuer{key: key, kid: "issuer-key-1"}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"issuer":                                ti.srv.URL,
			"authorization_endpoint":                ti.srv.URL + "/authorize",
			"token_endpoint":                        ti.srv.URL + "/token",
			"jwks_uri":                              ti.srv.URL + "/jwks",
			"end_session_endpoint":                  ti.srv.URL + "/logout",
			"claims_supported":                      []string{"sub", "webid"},
			"subject_types_supported":               []string{"public"},
			"scopes_supported":                      []string{"openid", "offline_access", "webid"},
			"grant_types_supported":                 []string{"authorization_code", "refresh_token", "client_credentials"},
			"id_token_signing_alg_values_supported": []string{"RS256"},
			"response_types_supported":              []string{"code"},
		})
	})
	mux.HandleFunc("/jwks", func(w http.ResponseWriter, r *http.Request) {
		set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
			Key: &ti.key.PublicKey, KeyID: ti.kid, Algorithm: "RS256", Use: "sig",
		}}}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(set)
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		ti.tokenRequests = append(ti.tokenRequests, r.Clone(r.Context()))
		ti.tokenForms = append(ti.tokenForms, r.PostForm)
		if ti.tokenHandler == nil {
			http.Error(w, "no token handler", http.StatusInternalServerError)
			return
		}
		body, status := ti.tokenHandler(r.PostForm)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(body)
	})

	ti.srv = httptest.NewServer(mux)
	t.Cleanup(ti.srv.Close)
	return ti
}

func (ti *testIssuer) url() string { return ti.srv.URL }

func (ti *testIssuer) client() *http.Client { return ti.srv.Client() }

// idToken signs an ID token the issuer's JWKS verifies.
func (ti *testIssuer) idToken(t *testing.T, audience, subject string, extra map[string]any) string {
	t.Helper()
	claims := jwt.MapClaims{
		"iss": ti.srv.URL,
		"aud": audience,
		"sub": subject,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	for k, v := range extra {
		claims[k] = v
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = ti.kid
	signed, err := tok.SignedString(ti.key)
	if err != nil {
		t.Fatalf("sign ID token: %v", err)
	}
	return signed
}
