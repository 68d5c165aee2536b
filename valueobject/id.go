package valueobject

import (
	"crypto/rand"
	"encoding/base64"
	"io"
)

// NewExternalID returns a 16-random-byte, base64url-encoded opaque
// identifier suitable for use as a User's external id / WebAuthn user
// handle.
func NewExternalID() string {
	return randomBase64URL(16)
}

// NewPermissionID returns a 26-character ULID-shaped opaque random
// identifier.
func NewPermissionID() string {
	const encoding = "0123456789abcdefghjkmnpqrstvwxyz" // Crockford-ish, no padding ambiguity
	b := make([]byte, 26)
	buf := make([]byte, 26)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		panic(err)
	}
	for i, c := range buf {
		b[i] = encoding[int(c)%len(encoding)]
	}
	return string(b)
}

func randomBase64URL(n int) string {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
