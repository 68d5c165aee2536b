// Package valueobject holds the immutable value types shared across the
// identity provider: emails, phone numbers, hashed passwords, account
// status, and the blind-index helper used to support equality lookups
// over encrypted columns.
//
// Every type here validates in its constructor and is otherwise
// immutable; mutation is expressed by constructing a new value.
package valueobject

import (
	"fmt"
	"net/mail"
	"strings"
)

// Email is a validated email address. Comparison is case-insensitive
// (RFC 5321 treats the local part as case sensitive in theory, but
// every mailbox provider this server will ever talk to treats it as
// case-insensitive in practice) while the original display form is
// preserved for showing back to the user.
type Email struct {
	display    string
	normalized string
}

// ErrInvalidEmail is returned by NewEmail when the input does not parse
// as a single, bare address.
var ErrInvalidEmail = fmt.Errorf("invalid email address")

// NewEmail validates and normalizes s.
func NewEmail(s string) (Email, error) {
	s = strings.TrimSpace(s)
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Address == "" {
		return Email{}, ErrInvalidEmail
	}
	// mail.ParseAddress accepts "Name <addr>"; reject anything that
	// isn't a bare address, matching user/user.go's ValidEmail check.
	if addr.Name != "" {
		return Email{}, ErrInvalidEmail
	}
	return Email{display: addr.Address, normalized: strings.ToLower(addr.Address)}, nil
}

// String returns the original display form.
func (e Email) String() string { return e.display }

// Normalized returns the lowercased form used for comparison, blind
// indexing, and as the OAuth2 principal name for local users.
func (e Email) Normalized() string { return e.normalized }

// IsZero reports whether e is the zero value (no email present).
func (e Email) IsZero() bool { return e.normalized == "" }

// Equal compares two emails by their normalized form.
func (e Email) Equal(other Email) bool { return e.normalized == other.normalized }

// EqualString compares e against a raw string, normalizing both sides.
// Returns false (never errors) if s does not parse as an email.
func (e Email) EqualString(s string) bool {
	o, err := NewEmail(s)
	if err != nil {
		return false
	}
	return e.Equal(o)
}

// MarshalJSON preserves the display form, not the normalized form.
func (e Email) MarshalJSON() ([]byte, error) {
	return []byte(`"` + e.display + `"`), nil
}

// UnmarshalJSON parses and validates the incoming string.
func (e *Email) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" {
		*e = Email{}
		return nil
	}
	parsed, err := NewEmail(s)
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}
