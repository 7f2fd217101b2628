package oidc

import (
	"context"
	"crypto/ecdsa"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

// Identity is what token verification yields: who the session acts as and
// which client the issuer bound the token to.
type Identity struct {
	// WebID is the dereferenceable URL identifying the agent.
	WebID string
	// ClientAppID is the azp claim when the issuer includes one, otherwise
	// the client ID the token was verified against.
	ClientAppID string
}

// WebIDFromIDToken verifies an ID token against the issuer's keyset and
// extracts the agent's WebID. The webid claim wins when present, otherwise
// the subject is used if it parses as a URL.
func WebIDFromIDToken(ctx context.Context, httpClient *http.Client, issuerConfig *IssuerConfig, clientID, rawIDToken string) (*Identity, error) {
	ctx = gooidc.ClientContext(ctx, httpClient)
	keySet := gooidc.NewRemoteKeySet(ctx, issuerConfig.JWKSURI)
	verifier := gooidc.NewVerifier(issuerConfig.Issuer, keySet, &gooidc.Config{ClientID: clientID})

	idToken, err := verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("verify ID token from %s: %w", issuerConfig.Issuer, err)
	}

	var claims struct {
		WebID string `json:"webid"`
		Azp   string `json:"azp"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("parse ID token claims: %w", err)
	}

	identity := &Identity{ClientAppID: clientID}
	if claims.Azp != "" {
		identity.ClientAppID = claims.Azp
	}
	switch {
	case claims.WebID != "":
		identity.WebID = claims.WebID
	default:
		webID, err := subjectAsWebID(idToken.Subject)
		if err != nil {
			return nil, err
		}
		identity.WebID = webID
	}
	return identity, nil
}

func subjectAsWebID(sub string) (string, error) {
	u, err := url.Parse(sub)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return "", fmt.Errorf("the token has no webid claim and its subject is not a URL")
	}
	return u.String(), nil
}

// solidAudience is the audience value Solid issuers put on resource access
// tokens. Client credentials flows may yield no ID token, so the WebID is
// recovered from the access token instead.
const solidAudience = "solid"

// WebIDFromAccessToken validates a DPoP or Bearer access token against the
// issuer's keyset and extracts the WebID. Used when a grant returned no ID
// token.
func WebIDFromAccessToken(ctx context.Context, httpClient *http.Client, issuerConfig *IssuerConfig, accessToken string) (*Identity, error) {
	keys, err := fetchJWKS(ctx, httpClient, issuerConfig.JWKSURI)
	if err != nil {
		return nil, err
	}

	var claims struct {
		jwt.RegisteredClaims

		WebID string `json:"webid"`
		Azp   string `json:"azp"`
	}
	_, err = jwt.ParseWithClaims(accessToken, &claims, keyFor(keys),
		jwt.WithIssuer(issuerConfig.Issuer),
		jwt.WithAudience(solidAudience),
		jwt.WithValidMethods([]string{"ES256", "RS256"}),
	)
	if err != nil {
		return nil, fmt.Errorf("validate access token from %s: %w", issuerConfig.Issuer, err)
	}

	identity := &Identity{ClientAppID: claims.Azp}
	switch {
	case claims.WebID != "":
		identity.WebID = claims.WebID
	default:
		webID, err := subjectAsWebID(claims.Subject)
		if err != nil {
			return nil, err
		}
		identity.WebID = webID
	}
	return identity, nil
}

func fetchJWKS(ctx context.Context, httpClient *http.Client, jwksURI string) (*jose.JSONWebKeySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURI, nil)
	if err != nil {
		return nil, err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch issuer keyset: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch issuer keyset: HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	var keys jose.JSONWebKeySet
	if err := json.Unmarshal(body, &keys); err != nil {
		return nil, fmt.Errorf("parse issuer keyset: %w", err)
	}
	return &keys, nil
}

func keyFor(keys *jose.JSONWebKeySet) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		candidates := keys.Keys
		if kid != "" {
			candidates = keys.Key(kid)
		}
		for _, k := range candidates {
			switch pub := k.Key.(type) {
			case *rsa.PublicKey, *ecdsa.PublicKey:
				return pub, nil
			}
		}
		return nil, fmt.Errorf("no usable key in issuer keyset for kid %q", kid)
	}
}
