package token

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
)

// KeyManager owns the asymmetric signing keypair used to mint access
// and ID tokens, and the retained verification keys used to validate
// tokens signed by a prior key. One signing key serves every token it
// signs; there are no separate access- and refresh-token keys that
// rotate on their own. The keyset is in-process; externally held key
// material can be installed through Seed.
type KeyManager struct {
	mu               sync.RWMutex
	signingKey       *rsa.PrivateKey
	signingKeyID     string
	verificationKeys []demotedKey // public only, retained past rotation
	rotationPeriod   time.Duration
	retentionPeriod  time.Duration // how long a demoted key still verifies
	nextRotation     time.Time
	now              func() time.Time
}

// demotedKey is a verification-only key paired with the instant it
// should be dropped, so retired signing keys stop verifying once
// every token they could have signed has expired.
type demotedKey struct {
	key    jose.JSONWebKey
	expiry time.Time
}

// NewKeyManager constructs a manager with no signing key yet; Rotate
// (or Seed) must be called before Sign/JWKS are usable.
func NewKeyManager(rotationPeriod, retentionPeriod time.Duration, now func() time.Time) *KeyManager {
	if now == nil {
		now = time.Now
	}
	return &KeyManager{rotationPeriod: rotationPeriod, retentionPeriod: retentionPeriod, now: now}
}

// Seed installs an externally-sourced keypair as the current signing
// key without going through rotation bookkeeping — used by the
// composition root when keys are loaded from the secret source rather
// than generated locally.
func (m *KeyManager) Seed(key *rsa.PrivateKey, kid string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signingKey = key
	m.signingKeyID = kid
	m.nextRotation = m.now().Add(m.rotationPeriod)
}

// Rotate generates a fresh RSA keypair if the rotation period has
// elapsed, demoting the previous signing key to a time-bounded
// verification-only key. Safe to call repeatedly (e.g. from a
// periodic goroutine); a no-op before nextRotation.
func (m *KeyManager) Rotate() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.signingKey != nil && m.now().Before(m.nextRotation) {
		return nil
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("token: generate signing key: %w", err)
	}
	b := make([]byte, 20)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return fmt.Errorf("token: generate key id: %w", err)
	}
	kid := hex.EncodeToString(b)

	if m.signingKey != nil {
		m.verificationKeys = append(m.verificationKeys, demotedKey{
			key: jose.JSONWebKey{
				Key:       m.signingKey.Public(),
				KeyID:     m.signingKeyID,
				Algorithm: string(jose.RS256),
				Use:       "sig",
			},
			expiry: m.now().Add(m.retentionPeriod),
		})
		m.pruneExpiredLocked()
	}

	m.signingKey = key
	m.signingKeyID = kid
	m.nextRotation = m.now().Add(m.rotationPeriod)
	return nil
}

func (m *KeyManager) pruneExpiredLocked() {
	now := m.now()
	kept := m.verificationKeys[:0]
	for _, k := range m.verificationKeys {
		if now.Before(k.expiry) {
			kept = append(kept, k)
		}
	}
	m.verificationKeys = kept
}

// SigningKey returns the current private key and its kid.
func (m *KeyManager) SigningKey() (*rsa.PrivateKey, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.signingKey == nil {
		return nil, "", fmt.Errorf("token: no signing key loaded")
	}
	return m.signingKey, m.signingKeyID, nil
}

// JWKS returns the current public verification set: the active
// signing key's public half plus every retained demoted key, for the
// JWKS endpoint.
func (m *KeyManager) JWKS() jose.JSONWebKeySet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := jose.JSONWebKeySet{}
	if m.signingKey != nil {
		set.Keys = append(set.Keys, jose.JSONWebKey{
			Key:       m.signingKey.Public(),
			KeyID:     m.signingKeyID,
			Algorithm: string(jose.RS256),
			Use:       "sig",
		})
	}
	for _, k := range m.verificationKeys {
		set.Keys = append(set.Keys, k.key)
	}
	return set
}

// StartRotation runs Rotate immediately, then on a fixed interval
// until ctx is cancelled.
func (m *KeyManager) StartRotation(ctx context.Context, interval time.Duration, onErr func(error)) {
	if err := m.Rotate(); err != nil && onErr != nil {
		onErr(err)
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.Rotate(); err != nil && onErr != nil {
					onErr(err)
				}
			}
		}
	}()
}
