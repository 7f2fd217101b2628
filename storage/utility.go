package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

const (
	userKeyPrefix      = "solidauth:user:"
	registrationsKey   = "solidauth:registeredSessions"
	issuerConfigPrefix = "solidauth:issuerConfig:"
)

// UserKey returns the storage key under which a session's record lives.
func UserKey(sessionID string) string {
	return userKeyPrefix + sessionID
}

// IssuerConfigKey returns the storage key caching a discovery document.
func IssuerConfigKey(issuer string) string {
	return issuerConfigPrefix + issuer
}

// Utility layers per-session records on top of two Storage partitions.
// Sensitive material (tokens, keys) goes to the secure partition, the rest
// to the insecure one. A session's fields are kept as a single JSON object
// per partition, keyed by UserKey.
type Utility struct {
	secure   Storage
	insecure Storage
}

// NewUtility wires a utility over the two partitions.
func NewUtility(secure, insecure Storage) *Utility {
	return &Utility{secure: secure, insecure: insecure}
}

func (u *Utility) partition(secure bool) Storage {
	if secure {
		return u.secure
	}
	return u.insecure
}

// Get reads a raw key from the chosen partition.
func (u *Utility) Get(ctx context.Context, key string, secure bool) (string, bool, error) {
	return u.partition(secure).Get(ctx, key)
}

// Set writes a raw key to the chosen partition.
func (u *Utility) Set(ctx context.Context, key, value string, secure bool) error {
	return u.partition(secure).Set(ctx, key, value)
}

// Delete removes a raw key from the chosen partition.
func (u *Utility) Delete(ctx context.Context, key string, secure bool) error {
	return u.partition(secure).Delete(ctx, key)
}

func (u *Utility) userData(ctx context.Context, sessionID string, secure bool) (map[string]string, error) {
	raw, ok, err := u.partition(secure).Get(ctx, UserKey(sessionID))
	if err != nil {
		return nil, err
	}
	if !ok || raw == "" {
		return map[string]string{}, nil
	}
	var data map[string]string
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, fmt.Errorf("record for session [%s] is corrupted, expected JSON object: %w", sessionID, err)
	}
	return data, nil
}

func (u *Utility) setUserData(ctx context.Context, sessionID string, data map[string]string, secure bool) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return u.partition(secure).Set(ctx, UserKey(sessionID), string(raw))
}

// GetForUser reads a single field of a session record.
func (u *Utility) GetForUser(ctx context.Context, sessionID, field string, secure bool) (string, bool, error) {
	data, err := u.userData(ctx, sessionID, secure)
	if err != nil {
		return "", false, err
	}
	v, ok := data[field]
	if v == "" {
		ok = false
	}
	return v, ok, nil
}

// SetForUser merges fields into a session record.
func (u *Utility) SetForUser(ctx context.Context, sessionID string, fields map[string]string, secure bool) error {
	data, err := u.userData(ctx, sessionID, secure)
	if err != nil {
		return err
	}
	for k, v := range fields {
		data[k] = v
	}
	return u.setUserData(ctx, sessionID, data, secure)
}

// DeleteForUser removes a single field from a session record.
func (u *Utility) DeleteForUser(ctx context.Context, sessionID, field string, secure bool) error {
	data, err := u.userData(ctx, sessionID, secure)
	if err != nil {
		return err
	}
	delete(data, field)
	return u.setUserData(ctx, sessionID, data, secure)
}

// DeleteAllUserData drops a session's records from both partitions.
func (u *Utility) DeleteAllUserData(ctx context.Context, sessionID string) error {
	if err := u.secure.Delete(ctx, UserKey(sessionID)); err != nil {
		return err
	}
	return u.insecure.Delete(ctx, UserKey(sessionID))
}

// RegisterSession adds a session ID to the global registry list.
func (u *Utility) RegisterSession(ctx context.Context, sessionID string) error {
	ids, err := u.RegisteredSessions(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if id == sessionID {
			return nil
		}
	}
	ids = append(ids, sessionID)
	sort.Strings(ids)
	raw, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return u.insecure.Set(ctx, registrationsKey, string(raw))
}

// UnregisterSession removes a session ID from the global registry list.
func (u *Utility) UnregisterSession(ctx context.Context, sessionID string) error {
	ids, err := u.RegisteredSessions(ctx)
	if err != nil {
		return err
	}
	kept := ids[:0]
	for _, id := range ids {
		if id != sessionID {
			kept = append(kept, id)
		}
	}
	raw, err := json.Marshal(kept)
	if err != nil {
		return err
	}
	return u.insecure.Set(ctx, registrationsKey, string(raw))
}

// RegisteredSessions lists all session IDs known to the registry.
func (u *Utility) RegisteredSessions(ctx context.Context) ([]string, error) {
	raw, ok, err := u.insecure.Get(ctx, registrationsKey)
	if err != nil {
		return nil, err
	}
	if !ok || raw == "" {
		return []string{}, nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, fmt.Errorf("session registry is corrupted, expected JSON array: %w", err)
	}
	return ids, nil
}
