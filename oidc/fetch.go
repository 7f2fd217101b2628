package oidc

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
)

// Refresher exchanges a session's refresh token for new tokens.
// *TokenRefresher is the production implementation.
type Refresher interface {
	Refresh(ctx context.Context, sessionID, refreshToken string, key *KeyPair) (*TokenSet, error)
}

// RefreshOptions enable an AuthFetch to recover from expired access tokens
// on its own.
type RefreshOptions struct {
	SessionID    string
	RefreshToken string
	Refresher    Refresher
}

// AuthFetch issues HTTP requests carrying the session's credentials. Bearer
// tokens go in the Authorization header alone, DPoP tokens additionally
// carry a proof bound to each request's method and URL.
//
// A 401 or 403 response triggers at most one token refresh followed by one
// retry. When the refresh fails the latest response is returned untouched
// so callers see what the server actually said. A DPoP request that was
// redirected before failing is replayed once against the final URL with a
// matching proof; when that replay is still rejected the refresh applies
// on top of it.
type AuthFetch struct {
	httpClient *http.Client
	key        *KeyPair
	refresher  Refresher
	sessionID  string
	emitter    *Emitter

	mu           sync.Mutex
	accessToken  string
	refreshToken string
}

// NewBearerFetch builds an AuthFetch using plain Bearer authentication.
func NewBearerFetch(httpClient *http.Client, accessToken string, opts *RefreshOptions, emitter *Emitter) *AuthFetch {
	return newAuthFetch(httpClient, accessToken, nil, opts, emitter)
}

// NewDPoPFetch builds an AuthFetch whose requests are proof-of-possession
// bound to key.
func NewDPoPFetch(httpClient *http.Client, accessToken string, key *KeyPair, opts *RefreshOptions, emitter *Emitter) *AuthFetch {
	return newAuthFetch(httpClient, accessToken, key, opts, emitter)
}

func newAuthFetch(httpClient *http.Client, accessToken string, key *KeyPair, opts *RefreshOptions, emitter *Emitter) *AuthFetch {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	f := &AuthFetch{
		httpClient:  httpClient,
		key:         key,
		accessToken: accessToken,
		emitter:     emitter,
	}
	if opts != nil {
		f.refresher = opts.Refresher
		f.sessionID = opts.SessionID
		f.refreshToken = opts.RefreshToken
	}
	return f
}

func isAuthError(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

// Do sends req with credentials attached. The request body must be
// replayable (GetBody set) for the retry paths to work on requests that
// carry one.
func (f *AuthFetch) Do(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	token := f.accessToken
	f.mu.Unlock()

	authorized, err := f.authorize(req, token, req.URL)
	if err != nil {
		return nil, err
	}
	resp, err := f.httpClient.Do(authorized)
	if err != nil {
		return nil, err
	}
	if !isAuthError(resp.StatusCode) {
		return resp, nil
	}

	// Servers reject DPoP proofs whose htu no longer matches after a
	// redirect. Replay once against the URL the request ended up at.
	if f.key != nil && resp.Request != nil && resp.Request.URL.String() != req.URL.String() {
		return f.replayRedirected(req, resp, token)
	}

	return f.refreshAndRetry(req, resp)
}

func (f *AuthFetch) replayRedirected(req *http.Request, resp *http.Response, token string) (*http.Response, error) {
	clone, err := replayableClone(req)
	if err != nil {
		return resp, nil
	}
	target := resp.Request.URL
	clone.URL = target
	clone.Host = ""
	authorized, err := f.authorize(clone, token, target)
	if err != nil {
		return resp, nil
	}
	replay, err := f.httpClient.Do(authorized)
	if err != nil {
		return resp, nil
	}
	resp.Body.Close()
	if !isAuthError(replay.StatusCode) {
		return replay, nil
	}
	// The proof matched the final URL and the server still refused: the
	// access token itself has expired, not the binding.
	return f.refreshAndRetry(req, replay)
}

func (f *AuthFetch) refreshAndRetry(req *http.Request, resp *http.Response) (*http.Response, error) {
	if f.refresher == nil {
		return resp, nil
	}
	clone, err := replayableClone(req)
	if err != nil {
		return resp, nil
	}

	f.mu.Lock()
	refreshToken := f.refreshToken
	f.mu.Unlock()

	set, err := f.refresher.Refresh(req.Context(), f.sessionID, refreshToken, f.key)
	if err != nil {
		f.emitter.Emit(EventError, fmt.Errorf("unable to refresh the access token: %w", err))
		return resp, nil
	}

	f.mu.Lock()
	f.accessToken = set.AccessToken
	if set.RefreshToken != "" {
		f.refreshToken = set.RefreshToken
	}
	token := f.accessToken
	f.mu.Unlock()

	authorized, err := f.authorize(clone, token, clone.URL)
	if err != nil {
		return resp, nil
	}
	retry, err := f.httpClient.Do(authorized)
	if err != nil {
		return resp, nil
	}
	resp.Body.Close()
	return retry, nil
}

// authorize returns a clone of req carrying the credentials. The caller's
// request is never mutated so it can be replayed.
func (f *AuthFetch) authorize(req *http.Request, token string, target *url.URL) (*http.Request, error) {
	clone := req.Clone(req.Context())
	if f.key != nil {
		proof, err := f.key.Proof(req.Method, target.String())
		if err != nil {
			return nil, err
		}
		clone.Header.Set("Authorization", "DPoP "+token)
		clone.Header.Set("DPoP", proof)
	} else {
		clone.Header.Set("Authorization", "Bearer "+token)
	}
	return clone, nil
}

// replayableClone duplicates a request for a second send. Requests with a
// consumed, non-replayable body cannot be retried.
func replayableClone(req *http.Request) (*http.Request, error) {
	clone := req.Clone(req.Context())
	if req.Body == nil || req.Body == http.NoBody {
		return clone, nil
	}
	if req.GetBody == nil {
		return nil, fmt.Errorf("request body cannot be replayed")
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, err
	}
	clone.Body = body
	return clone, nil
}

// UpdateTokens swaps in credentials obtained by an out-of-band refresh, for
// callers refreshing proactively instead of waiting for a 401.
func (f *AuthFetch) UpdateTokens(set *TokenSet) {
	if set == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if set.AccessToken != "" {
		f.accessToken = set.AccessToken
	}
	if set.RefreshToken != "" {
		f.refreshToken = set.RefreshToken
	}
}

// Client wraps the AuthFetch as a standard *http.Client so it can be handed
// to code expecting one.
func (f *AuthFetch) Client() *http.Client {
	return &http.Client{Transport: roundTripperFunc(f.Do)}
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (fn roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return fn(req)
}
