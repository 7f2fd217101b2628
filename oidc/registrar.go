package oidc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"solidauth/storage"
)

// Client identifies this application to an issuer. It is either statically
// pre-registered or obtained through Dynamic Client Registration.
type Client struct {
	ID                       string
	Secret                   string
	Name                     string
	IDTokenSignedResponseAlg string
	// ExpiresAt is non-zero for dynamically registered clients whose
	// secret expires. An expired dynamic client is treated as absent.
	ExpiresAt time.Time
}

func (c Client) expired() bool {
	return !c.ExpiresAt.IsZero() && time.Now().After(c.ExpiresAt)
}

// ClientRegistrarOptions carry the per-session inputs of client resolution.
type ClientRegistrarOptions struct {
	SessionID               string
	RedirectURL             string
	ClientName              string
	RegistrationAccessToken string
}

// ClientRegistrar resolves the OAuth client for a session: stored clients
// are reused, otherwise one is dynamically registered against the issuer
// and persisted.
type ClientRegistrar struct {
	httpClient *http.Client
	store      *storage.Utility
	logger     *slog.Logger
}

// NewClientRegistrar constructs a registrar backed by store.
func NewClientRegistrar(httpClient *http.Client, store *storage.Utility, logger *slog.Logger) *ClientRegistrar {
	return &ClientRegistrar{httpClient: httpClient, store: store, logger: logger}
}

// GetClient returns the session's client, registering one if necessary.
func (r *ClientRegistrar) GetClient(ctx context.Context, opts ClientRegistrarOptions, issuerConfig *IssuerConfig) (Client, error) {
	stored, ok, err := r.storedClient(ctx, opts.SessionID)
	if err != nil {
		return Client{}, err
	}
	if ok && !stored.expired() {
		return stored, nil
	}
	if ok {
		r.logger.Debug("registered client expired, re-registering", "session_id", opts.SessionID)
	}
	return r.register(ctx, opts, issuerConfig)
}

func (r *ClientRegistrar) storedClient(ctx context.Context, sessionID string) (Client, bool, error) {
	id, ok, err := r.store.GetForUser(ctx, sessionID, "clientId", false)
	if err != nil || !ok {
		return Client{}, false, err
	}
	secret, _, _ := r.store.GetForUser(ctx, sessionID, "clientSecret", true)
	name, _, _ := r.store.GetForUser(ctx, sessionID, "clientName", false)
	alg, _, _ := r.store.GetForUser(ctx, sessionID, "idTokenSignedResponseAlg", false)
	client := Client{ID: id, Secret: secret, Name: name, IDTokenSignedResponseAlg: alg}
	if raw, ok, _ := r.store.GetForUser(ctx, sessionID, "clientExpiresAt", false); ok {
		if unix, err := strconv.ParseInt(raw, 10, 64); err == nil && unix > 0 {
			client.ExpiresAt = time.Unix(unix, 0)
		}
	}
	return client, true, nil
}

// PersistClient stores a client for the session so later operations
// (refresh, redirect completion) resolve the same registration.
func (r *ClientRegistrar) PersistClient(ctx context.Context, sessionID string, client Client) error {
	fields := map[string]string{"clientId": client.ID}
	if client.Name != "" {
		fields["clientName"] = client.Name
	}
	if client.IDTokenSignedResponseAlg != "" {
		fields["idTokenSignedResponseAlg"] = client.IDTokenSignedResponseAlg
	}
	if !client.ExpiresAt.IsZero() {
		fields["clientExpiresAt"] = strconv.FormatInt(client.ExpiresAt.Unix(), 10)
	}
	if err := r.store.SetForUser(ctx, sessionID, fields, false); err != nil {
		return err
	}
	if client.Secret != "" {
		return r.store.SetForUser(ctx, sessionID, map[string]string{"clientSecret": client.Secret}, true)
	}
	return nil
}

type registrationRequest struct {
	RedirectURIs            []string `json:"redirect_uris"`
	ClientName              string   `json:"client_name,omitempty"`
	IDTokenSignedResponseAlg string  `json:"id_token_signed_response_alg"`
}

type registrationResponse struct {
	ClientID                 string `json:"client_id"`
	ClientSecret             string `json:"client_secret"`
	ClientName               string `json:"client_name"`
	IDTokenSignedResponseAlg string `json:"id_token_signed_response_alg"`
	ClientSecretExpiresAt    int64  `json:"client_secret_expires_at"`
}

func (r *ClientRegistrar) register(ctx context.Context, opts ClientRegistrarOptions, issuerConfig *IssuerConfig) (Client, error) {
	if issuerConfig.RegistrationEndpoint == "" {
		return Client{}, fmt.Errorf("issuer %s does not support dynamic client registration: no registration endpoint", issuerConfig.Issuer)
	}

	alg := NegotiateSigningAlg(issuerConfig.IDTokenSigningAlgValuesSupported, PreferredSigningAlgs)
	if alg == "" {
		return Client{}, fmt.Errorf("no signature algorithm match between issuer-supported %v and client-preferred %v",
			issuerConfig.IDTokenSigningAlgValuesSupported, PreferredSigningAlgs)
	}

	payload, err := json.Marshal(registrationRequest{
		RedirectURIs:             []string{opts.RedirectURL},
		ClientName:               opts.ClientName,
		IDTokenSignedResponseAlg: alg,
	})
	if err != nil {
		return Client{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, issuerConfig.RegistrationEndpoint, bytes.NewReader(payload))
	if err != nil {
		return Client{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if opts.RegistrationAccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+opts.RegistrationAccessToken)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return Client{}, fmt.Errorf("dynamic client registration at %s: %w", issuerConfig.RegistrationEndpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Client{}, err
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return Client{}, fmt.Errorf("dynamic client registration at %s failed: HTTP %d", issuerConfig.RegistrationEndpoint, resp.StatusCode)
	}

	var reg registrationResponse
	if err := json.Unmarshal(body, &reg); err != nil {
		return Client{}, fmt.Errorf("decode registration response: %w", err)
	}
	if reg.ClientID == "" {
		return Client{}, fmt.Errorf("registration response from %s is missing client_id", issuerConfig.Issuer)
	}

	client := Client{
		ID:                       reg.ClientID,
		Secret:                   reg.ClientSecret,
		Name:                     reg.ClientName,
		IDTokenSignedResponseAlg: reg.IDTokenSignedResponseAlg,
	}
	if client.IDTokenSignedResponseAlg == "" {
		client.IDTokenSignedResponseAlg = alg
	}
	if reg.ClientSecretExpiresAt > 0 {
		client.ExpiresAt = time.Unix(reg.ClientSecretExpiresAt, 0)
	}

	if err := r.PersistClient(ctx, opts.SessionID, client); err != nil {
		return Client{}, err
	}
	r.logger.Info("registered dynamic client", "issuer", issuerConfig.Issuer, "client_id", client.ID)
	return client, nil
}

// NegotiateSigningAlg returns the first preferred algorithm the issuer
// supports, or "" when there is no overlap.
func NegotiateSigningAlg(issuerSupported, preferred []string) string {
	for _, want := range preferred {
		for _, have := range issuerSupported {
			if want == have {
				return want
			}
		}
	}
	return ""
}
