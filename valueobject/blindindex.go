package valueobject

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strings"
)

// BlindIndexKey is a keyed-HMAC key used to compute deterministic blind
// indexes over normalized plaintext, so equality lookups can be
// performed against an encrypted column without decrypting it.
//
// The index is a keyed HMAC over the normalized value, stored beside
// the ciphertext in an indexed column.
type BlindIndexKey struct {
	key []byte
}

// NewBlindIndexKey wraps a raw key. The key should come from the
// deployment's secret source — this constructor does
// not generate or store keys itself.
func NewBlindIndexKey(key []byte) BlindIndexKey {
	cp := make([]byte, len(key))
	copy(cp, key)
	return BlindIndexKey{key: cp}
}

// BlindIndex computes a deterministic, base64url-encoded HMAC-SHA256
// over the normalized form of plaintext. Equal (normalized) inputs
// under the same key always produce equal output.
func (k BlindIndexKey) BlindIndex(normalizedPlaintext string) string {
	mac := hmac.New(sha256.New, k.key)
	mac.Write([]byte(strings.ToLower(strings.TrimSpace(normalizedPlaintext))))
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(mac.Sum(nil))
}

// EmailBlindIndex is a convenience wrapper for the common case of
// indexing an Email's normalized form.
func (k BlindIndexKey) EmailBlindIndex(e Email) string {
	return k.BlindIndex(e.Normalized())
}
