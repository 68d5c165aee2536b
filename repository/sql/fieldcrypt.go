package sql

import (
	"fmt"
	"strings"

	"github.com/fernet/fernet-go"
)

const encryptedPrefix = "enc1:"

// fieldEncryptor encrypts PII columns (email, phone, recovery email,
// WebAuthn COSE public keys) at rest as whole-column values, since
// they are plain strings/bytes rather than structured blobs.
type fieldEncryptor struct {
	primary *fernet.Key
	all     []*fernet.Key
}

// newFieldEncryptor builds an encryptor from base64-encoded Fernet
// keys. The first key encrypts; every key is tried on decrypt so a
// rotated-out key can still read rows written before rotation.
func newFieldEncryptor(encodedKeys []string) (*fieldEncryptor, error) {
	if len(encodedKeys) == 0 {
		return nil, fmt.Errorf("sql: at least one field-encryption key required")
	}
	keys := make([]*fernet.Key, len(encodedKeys))
	for i, k := range encodedKeys {
		key, err := fernet.DecodeKey(k)
		if err != nil {
			return nil, fmt.Errorf("sql: invalid fernet key %d: %w", i, err)
		}
		keys[i] = key
	}
	return &fieldEncryptor{primary: keys[0], all: keys}, nil
}

func (fe *fieldEncryptor) encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	token, err := fernet.EncryptAndSign([]byte(plaintext), fe.primary)
	if err != nil {
		return "", fmt.Errorf("sql: field encryption failed: %w", err)
	}
	return encryptedPrefix + string(token), nil
}

func (fe *fieldEncryptor) decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	token := strings.TrimPrefix(ciphertext, encryptedPrefix)
	if token == ciphertext {
		return ciphertext, nil
	}
	plaintext := fernet.VerifyAndDecrypt([]byte(token), 0, fe.all)
	if plaintext == nil {
		return "", fmt.Errorf("sql: field decryption failed: invalid token or wrong key")
	}
	return string(plaintext), nil
}

func (fe *fieldEncryptor) encryptBytes(b []byte) (string, error) {
	if len(b) == 0 {
		return "", nil
	}
	token, err := fernet.EncryptAndSign(b, fe.primary)
	if err != nil {
		return "", fmt.Errorf("sql: field encryption failed: %w", err)
	}
	return encryptedPrefix + string(token), nil
}

func (fe *fieldEncryptor) decryptBytes(ciphertext string) ([]byte, error) {
	if ciphertext == "" {
		return nil, nil
	}
	token := strings.TrimPrefix(ciphertext, encryptedPrefix)
	if token == ciphertext {
		return []byte(ciphertext), nil
	}
	plaintext := fernet.VerifyAndDecrypt([]byte(token), 0, fe.all)
	if plaintext == nil {
		return nil, fmt.Errorf("sql: field decryption failed: invalid token or wrong key")
	}
	return plaintext, nil
}
