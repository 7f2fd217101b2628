package oidc

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// PreferredSigningAlgs lists the signature algorithms the library is willing
// to use, most preferred first.
var PreferredSigningAlgs = []string{"ES256", "RS256"}

// KeyPair is the asymmetric key a DPoP-bound token is tied to. One key pair
// exists per session once a DPoP token has been issued, and the same pair
// must be reused across refreshes: the issuer binds the refresh token to it.
type KeyPair struct {
	PrivateKey *ecdsa.PrivateKey
	PublicJWK  jose.JSONWebKey
}

// GenerateKeyPair creates a fresh ES256 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate dpop key: %w", err)
	}
	kid := uuid.NewString()
	pub := jose.JSONWebKey{Key: priv.Public(), KeyID: kid, Algorithm: string(jose.ES256), Use: "sig"}
	return &KeyPair{PrivateKey: priv, PublicJWK: pub}, nil
}

type dpopClaims struct {
	jwt.RegisteredClaims

	HTTPMethod string `json:"htm"`
	TargetURI  string `json:"htu"`
}

// Proof signs a short-lived proof-of-possession JWT binding method and
// target URL to the key, per RFC 9449.
func (k *KeyPair) Proof(method, target string) (string, error) {
	htu, err := normalizeHTU(target)
	if err != nil {
		return "", err
	}
	if method == "" {
		method = http.MethodGet
	}
	claims := dpopClaims{
		HTTPMethod: method,
		TargetURI:  htu,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       uuid.NewString(),
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	}

	pubJSON, err := k.PublicJWK.MarshalJSON()
	if err != nil {
		return "", fmt.Errorf("marshal dpop public key: %w", err)
	}
	var pubMap map[string]any
	if err := json.Unmarshal(pubJSON, &pubMap); err != nil {
		return "", err
	}
	// kid and use are not part of the dpop+jwt header key per RFC 9449.
	delete(pubMap, "kid")
	delete(pubMap, "use")

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["typ"] = "dpop+jwt"
	token.Header["jwk"] = pubMap
	return token.SignedString(k.PrivateKey)
}

// normalizeHTU strips the fragment and userinfo from a URL so the proof's
// htu claim matches what the server validates. Case and trailing slashes are
// preserved.
func normalizeHTU(target string) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("invalid dpop target URL: %w", err)
	}
	u.Fragment = ""
	u.RawFragment = ""
	u.User = nil
	return u.String(), nil
}

// MarshalStorage serializes the pair for persistence: the public JWK as-is
// and the private key in exportable JWK form.
func (k *KeyPair) MarshalStorage() (publicJWK, privateJWK string, err error) {
	pub, err := k.PublicJWK.MarshalJSON()
	if err != nil {
		return "", "", err
	}
	privKey := jose.JSONWebKey{Key: k.PrivateKey, KeyID: k.PublicJWK.KeyID, Algorithm: k.PublicJWK.Algorithm}
	priv, err := privKey.MarshalJSON()
	if err != nil {
		return "", "", err
	}
	return string(pub), string(priv), nil
}

// KeyPairFromStorage rebuilds a key pair persisted by MarshalStorage.
func KeyPairFromStorage(publicJWK, privateJWK string) (*KeyPair, error) {
	var pub jose.JSONWebKey
	if err := pub.UnmarshalJSON([]byte(publicJWK)); err != nil {
		return nil, fmt.Errorf("parse stored public key: %w", err)
	}
	var priv jose.JSONWebKey
	if err := priv.UnmarshalJSON([]byte(privateJWK)); err != nil {
		return nil, fmt.Errorf("parse stored private key: %w", err)
	}
	ecPriv, ok := priv.Key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("stored private key is not an EC key")
	}
	return &KeyPair{PrivateKey: ecPriv, PublicJWK: pub}, nil
}

// dpopTransport adds a DPoP proof header to every outgoing request. It is
// used as the HTTP client for token endpoint calls when the grant is
// DPoP-bound.
type dpopTransport struct {
	base http.RoundTripper
	key  *KeyPair
}

func (t *dpopTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	proof, err := t.key.Proof(req.Method, req.URL.String())
	if err != nil {
		return nil, err
	}
	clone := req.Clone(req.Context())
	clone.Header.Set("DPoP", proof)
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(clone)
}

// httpClientWithDPoP derives a client from base whose requests carry DPoP
// proofs signed with key. A nil key returns base unchanged.
func httpClientWithDPoP(base *http.Client, key *KeyPair) *http.Client {
	if key == nil {
		return base
	}
	derived := *base
	derived.Transport = &dpopTransport{base: base.Transport, key: key}
	return &derived
}
