package oidc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"solidauth/storage"
)

// IssuerConfig is a normalized OIDC discovery document. It is never mutated
// after construction, only replaced by a fresh fetch.
type IssuerConfig struct {
	Issuer                           string   `json:"issuer"`
	AuthorizationEndpoint            string   `json:"authorization_endpoint"`
	TokenEndpoint                    string   `json:"token_endpoint"`
	JWKSURI                          string   `json:"jwks_uri"`
	UserinfoEndpoint                 string   `json:"userinfo_endpoint,omitempty"`
	RegistrationEndpoint             string   `json:"registration_endpoint,omitempty"`
	EndSessionEndpoint               string   `json:"end_session_endpoint,omitempty"`
	ClaimsSupported                  []string `json:"claims_supported"`
	SubjectTypesSupported            []string `json:"subject_types_supported"`
	GrantTypesSupported              []string `json:"grant_types_supported,omitempty"`
	ScopesSupported                  []string `json:"scopes_supported,omitempty"`
	IDTokenSigningAlgValuesSupported []string `json:"id_token_signing_alg_values_supported,omitempty"`
	SolidOIDCSupported               bool     `json:"solid_oidc_supported,omitempty"`
}

// The Solid-OIDC spec marks issuer support through this scope value.
const solidOIDCScope = "webid"

// IssuerConfigFetcher resolves and caches discovery documents. Concurrent
// fetches for the same issuer are coalesced, and validated configs are kept
// in a small LRU plus the storage facade so other processes sharing the
// store can reuse them.
type IssuerConfigFetcher struct {
	httpClient *http.Client
	store      *storage.Utility
	cache      *lru.Cache[string, *IssuerConfig]
	group      singleflight.Group
	logger     *slog.Logger
}

// NewIssuerConfigFetcher constructs a fetcher backed by store.
func NewIssuerConfigFetcher(httpClient *http.Client, store *storage.Utility, logger *slog.Logger) *IssuerConfigFetcher {
	cache, _ := lru.New[string, *IssuerConfig](32)
	return &IssuerConfigFetcher{
		httpClient: httpClient,
		store:      store,
		cache:      cache,
		logger:     logger,
	}
}

// ConfigFor returns the issuer's configuration, fetching and validating the
// discovery document if it is not cached yet.
func (f *IssuerConfigFetcher) ConfigFor(ctx context.Context, issuer string) (*IssuerConfig, error) {
	if cfg, ok := f.cache.Get(issuer); ok {
		return cfg, nil
	}
	if raw, ok, err := f.store.Get(ctx, storage.IssuerConfigKey(issuer), false); err == nil && ok {
		var cfg IssuerConfig
		if json.Unmarshal([]byte(raw), &cfg) == nil && cfg.Issuer != "" {
			f.cache.Add(issuer, &cfg)
			return &cfg, nil
		}
		// A corrupt cache entry is replaced by a fresh fetch.
	}

	v, err, _ := f.group.Do(issuer, func() (any, error) {
		return f.fetch(ctx, issuer)
	})
	if err != nil {
		return nil, err
	}
	return v.(*IssuerConfig), nil
}

func (f *IssuerConfigFetcher) fetch(ctx context.Context, issuer string) (*IssuerConfig, error) {
	ctx = gooidc.ClientContext(ctx, f.httpClient)
	provider, err := gooidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("discover issuer %s: %w", issuer, err)
	}

	var claims struct {
		Issuer                           string   `json:"issuer"`
		JWKSURI                          string   `json:"jwks_uri"`
		UserinfoEndpoint                 string   `json:"userinfo_endpoint"`
		RegistrationEndpoint             string   `json:"registration_endpoint"`
		EndSessionEndpoint               string   `json:"end_session_endpoint"`
		ClaimsSupported                  []string `json:"claims_supported"`
		SubjectTypesSupported            []string `json:"subject_types_supported"`
		GrantTypesSupported              []string `json:"grant_types_supported"`
		ScopesSupported                  []string `json:"scopes_supported"`
		IDTokenSigningAlgValuesSupported []string `json:"id_token_signing_alg_values_supported"`
	}
	if err := provider.Claims(&claims); err != nil {
		return nil, fmt.Errorf("parse issuer metadata for %s: %w", issuer, err)
	}

	endpoint := provider.Endpoint()
	cfg := &IssuerConfig{
		Issuer:                           claims.Issuer,
		AuthorizationEndpoint:            endpoint.AuthURL,
		TokenEndpoint:                    endpoint.TokenURL,
		JWKSURI:                          claims.JWKSURI,
		UserinfoEndpoint:                 claims.UserinfoEndpoint,
		RegistrationEndpoint:             claims.RegistrationEndpoint,
		EndSessionEndpoint:               claims.EndSessionEndpoint,
		ClaimsSupported:                  claims.ClaimsSupported,
		SubjectTypesSupported:            claims.SubjectTypesSupported,
		GrantTypesSupported:              claims.GrantTypesSupported,
		ScopesSupported:                  claims.ScopesSupported,
		IDTokenSigningAlgValuesSupported: claims.IDTokenSigningAlgValuesSupported,
	}
	for _, sc := range claims.ScopesSupported {
		if sc == solidOIDCScope {
			cfg.SolidOIDCSupported = true
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	if err := f.store.Set(ctx, storage.IssuerConfigKey(issuer), string(raw), false); err != nil {
		f.logger.Warn("caching issuer config failed", "issuer", issuer, "error", err)
	}
	f.cache.Add(issuer, cfg)
	return cfg, nil
}

func (c *IssuerConfig) validate() error {
	switch {
	case c.AuthorizationEndpoint == "":
		return fmt.Errorf("issuer %s metadata is missing an authorization endpoint", c.Issuer)
	case c.TokenEndpoint == "":
		return fmt.Errorf("issuer %s metadata is missing a token endpoint", c.Issuer)
	case c.JWKSURI == "":
		return fmt.Errorf("issuer %s metadata is missing a keyset URI", c.Issuer)
	case len(c.ClaimsSupported) == 0:
		return fmt.Errorf("issuer %s metadata is missing supported claims", c.Issuer)
	case len(c.SubjectTypesSupported) == 0:
		return fmt.Errorf("issuer %s metadata is missing supported subject types", c.Issuer)
	}
	return nil
}

// SupportsGrantType reports whether the issuer advertises the grant type.
// Issuers omitting grant_types_supported default to supporting the
// authorization code grant per RFC 8414.
func (c *IssuerConfig) SupportsGrantType(grant string) bool {
	if len(c.GrantTypesSupported) == 0 {
		return grant == "authorization_code"
	}
	for _, g := range c.GrantTypesSupported {
		if g == grant {
			return true
		}
	}
	return false
}
