package main

import (
	"crypto/rand"
	"encoding/base64"
	"os"
)

// envOrRandom reads a base64-encoded secret from name, falling back to
// a freshly generated one when unset. A real secret source should
// supply these in production; reading an env var is the boundary this
// composition root owns, keeping key material out of the config file.
func envOrRandom(name string, n int) []byte {
	if v := os.Getenv(name); v != "" {
		if decoded, err := base64.StdEncoding.DecodeString(v); err == nil {
			return decoded
		}
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("identityd: failed to generate random secret: " + err.Error())
	}
	return b
}

// encodeFernetKey renders raw key bytes as the base64 encoding
// fernet.DecodeKey expects (repository/sql/fieldcrypt.go and
// session/codec.go both take keys in this form).
func encodeFernetKey(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}
