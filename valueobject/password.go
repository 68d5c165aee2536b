package valueobject

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// bcryptCost is one step above the library default; cost 10 is now
// considered the floor rather than a good default.
const bcryptCost = 11

// maxRawPasswordLength guards against bcrypt's silent truncation at
// 72 bytes, and
// doubles as part of the password-policy DoS bound.
const maxRawPasswordLength = 72

// ErrPasswordTooLong is returned by NewHashedPassword when the raw
// password would be silently truncated by bcrypt.
var ErrPasswordTooLong = errors.New("password exceeds maximum supported length")

// ErrPasswordMismatch is returned by HashedPassword.Verify on a failed
// comparison. It is deliberately generic so callers can map it to a
// uniform "invalid credentials" response without distinguishing "wrong
// password" from "no such user".
var ErrPasswordMismatch = errors.New("password does not match")

// HashedPassword stores only the bcrypt-encoded string; the raw
// password is never retained past the call that produced this value.
type HashedPassword struct {
	encoded string
}

// NewHashedPassword hashes raw with bcrypt.
func NewHashedPassword(raw string) (HashedPassword, error) {
	if len(raw) > maxRawPasswordLength {
		return HashedPassword{}, ErrPasswordTooLong
	}
	enc, err := bcrypt.GenerateFromPassword([]byte(raw), bcryptCost)
	if err != nil {
		return HashedPassword{}, err
	}
	return HashedPassword{encoded: string(enc)}, nil
}

// HashedPasswordFromEncoded wraps an already-hashed value, e.g. one
// loaded back from a repository.
func HashedPasswordFromEncoded(encoded string) HashedPassword {
	return HashedPassword{encoded: encoded}
}

// Encoded returns the bcrypt-encoded string for persistence.
func (p HashedPassword) Encoded() string { return p.encoded }

// IsZero reports whether no hash is set (e.g. a federated-only user).
func (p HashedPassword) IsZero() bool { return p.encoded == "" }

// Verify compares raw against the stored hash.
func (p HashedPassword) Verify(raw string) error {
	if p.IsZero() {
		return ErrPasswordMismatch
	}
	if err := bcrypt.CompareHashAndPassword([]byte(p.encoded), []byte(raw)); err != nil {
		return ErrPasswordMismatch
	}
	return nil
}
