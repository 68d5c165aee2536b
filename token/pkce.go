package token

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
)

// ErrPKCEMismatch means the supplied code_verifier does not match the
// stored code_challenge.
var ErrPKCEMismatch = errors.New("token: pkce verification failed")

// VerifyPKCE checks a code_verifier against a stored code_challenge
// per RFC 7636, supporting "S256" and "plain" methods. PKCE is
// mandatory for public clients.
func VerifyPKCE(method, challenge, verifier string) error {
	if challenge == "" {
		return nil // confidential client that registered no PKCE requirement
	}
	var computed string
	switch method {
	case "", "plain":
		computed = verifier
	case "S256":
		sum := sha256.Sum256([]byte(verifier))
		computed = base64.RawURLEncoding.EncodeToString(sum[:])
	default:
		return errors.New("token: unsupported code_challenge_method")
	}
	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return ErrPKCEMismatch
	}
	return nil
}
