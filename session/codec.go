package session

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fernet/fernet-go"
)

const tokenPrefix = "sess1:"

// Codec serializes a Session for a distributed store (e.g. a shared
// cache tier) or a signed cookie, with fernet key rotation: the first
// key encrypts, every key is tried on decrypt.
//
// Encode never marshals an interface or a map with dynamic value types:
// the wire format is the concrete Session struct and nothing else, so
// there is no class tag in the payload for an attacker to redirect to
// an unexpected type. The type allow-list is enforced structurally,
// by only ever decoding into Session, rather than by checking a tag against a registry at decode
// time.
type Codec struct {
	primary *fernet.Key
	all     []*fernet.Key
}

// NewCodec builds a Codec from base64-encoded Fernet keys. The first
// key encrypts; every key is tried on decode so a rotated-out key can
// still read sessions written before rotation.
func NewCodec(encodedKeys []string) (*Codec, error) {
	if len(encodedKeys) == 0 {
		return nil, fmt.Errorf("session: at least one codec key required")
	}
	keys := make([]*fernet.Key, len(encodedKeys))
	for i, k := range encodedKeys {
		key, err := fernet.DecodeKey(k)
		if err != nil {
			return nil, fmt.Errorf("session: invalid codec key %d: %w", i, err)
		}
		keys[i] = key
	}
	return &Codec{primary: keys[0], all: keys}, nil
}

// wireSession is the exact, closed set of fields that round-trip.
// Keeping this separate from Session (even though today it mirrors it
// field-for-field) means a future Session field can be added without
// silently becoming part of the wire contract.
type wireSession struct {
	ID            string
	State         State
	PrincipalName string
	ClientID      string
	ConnectorID   string
	Nonce         string
	DeviceHash    string
	RemoteAddr    string
	CreatedAt     int64 // unix nanos; avoids time.Time's monotonic-reading gob/json quirks
	ExpiresAt     int64
	LastSeenAt    int64
}

// Encode produces an authenticated, encrypted token for s.
func (c *Codec) Encode(s Session) (string, error) {
	w := wireSession{
		ID: s.ID, State: s.State, PrincipalName: s.PrincipalName,
		ClientID: s.ClientID, ConnectorID: s.ConnectorID, Nonce: s.Nonce,
		DeviceHash: s.DeviceHash, RemoteAddr: s.RemoteAddr,
		CreatedAt: s.CreatedAt.UnixNano(), ExpiresAt: s.ExpiresAt.UnixNano(),
		LastSeenAt: s.LastSeenAt.UnixNano(),
	}
	plaintext, err := json.Marshal(w)
	if err != nil {
		return "", fmt.Errorf("session: encode failed: %w", err)
	}
	token, err := fernet.EncryptAndSign(plaintext, c.primary)
	if err != nil {
		return "", fmt.Errorf("session: encrypt failed: %w", err)
	}
	return tokenPrefix + string(token), nil
}

// Decode reverses Encode. It never unmarshals into anything but the
// fixed wireSession shape.
func (c *Codec) Decode(token string) (Session, error) {
	raw := strings.TrimPrefix(token, tokenPrefix)
	if raw == token {
		return Session{}, fmt.Errorf("session: unrecognized token format")
	}
	plaintext := fernet.VerifyAndDecrypt([]byte(raw), 0, c.all)
	if plaintext == nil {
		return Session{}, fmt.Errorf("session: invalid or expired codec token")
	}
	var w wireSession
	if err := json.Unmarshal(plaintext, &w); err != nil {
		return Session{}, fmt.Errorf("session: decode failed: %w", err)
	}
	return Session{
		ID: w.ID, State: w.State, PrincipalName: w.PrincipalName,
		ClientID: w.ClientID, ConnectorID: w.ConnectorID, Nonce: w.Nonce,
		DeviceHash: w.DeviceHash, RemoteAddr: w.RemoteAddr,
		CreatedAt:  timeFromUnixNano(w.CreatedAt),
		ExpiresAt:  timeFromUnixNano(w.ExpiresAt),
		LastSeenAt: timeFromUnixNano(w.LastSeenAt),
	}, nil
}
