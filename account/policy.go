package account

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"unicode"

	"github.com/amlume/identity/risk"
	"github.com/sirupsen/logrus"
)

// MaxPasswordLength bounds password length to prevent a DoS via
// pathologically long inputs to bcrypt
const MaxPasswordLength = 256

// PasswordPolicy is the configured password-acceptability rule set,
//: "min length and per-class requirements...driven by
// a config struct with optional custom regex".
type PasswordPolicy struct {
	MinLength        int
	RequireUppercase bool
	RequireDigit     bool
	RequireSpecial   bool
	CustomRegex      *regexp.Regexp // additional constraint, nil to skip
}

// DefaultPasswordPolicy is a reasonable baseline: 8 characters and one
// of each character class.
func DefaultPasswordPolicy() PasswordPolicy {
	return PasswordPolicy{
		MinLength:        8,
		RequireUppercase: true,
		RequireDigit:     true,
		RequireSpecial:   true,
	}
}

var (
	ErrPasswordTooShort    = errors.New("account: password shorter than policy minimum")
	ErrPasswordTooLong     = errors.New("account: password exceeds maximum length")
	ErrPasswordMissingCase = errors.New("account: password missing required uppercase letter")
	ErrPasswordMissingDigit = errors.New("account: password missing required digit")
	ErrPasswordMissingSpecial = errors.New("account: password missing required special character")
	ErrPasswordCustomRule  = errors.New("account: password fails configured custom rule")
	ErrPasswordBreached    = errors.New("account: password found in known breach corpus")
)

// Validate checks raw against the policy's static rules only (length,
// character classes, custom regex). It does not perform the breach
// check, which requires network access and a failure mode distinct
// from these hard rejections — see CheckBreach.
func (p PasswordPolicy) Validate(raw string) error {
	if len(raw) < p.MinLength {
		return ErrPasswordTooShort
	}
	if len(raw) > MaxPasswordLength {
		return ErrPasswordTooLong
	}
	if p.RequireUppercase && !containsRune(raw, unicode.IsUpper) {
		return ErrPasswordMissingCase
	}
	if p.RequireDigit && !containsRune(raw, unicode.IsDigit) {
		return ErrPasswordMissingDigit
	}
	if p.RequireSpecial && !containsRune(raw, isSpecial) {
		return ErrPasswordMissingSpecial
	}
	if p.CustomRegex != nil && !p.CustomRegex.MatchString(raw) {
		return ErrPasswordCustomRule
	}
	return nil
}

// CheckBreach consults checker and returns ErrPasswordBreached when
// raw is a known-compromised password. A checker error is "fail-open with warning": logged via log, never returned
// to the caller.
func CheckBreach(ctx context.Context, checker risk.BreachChecker, log logrus.FieldLogger, raw string) error {
	if checker == nil {
		return nil
	}
	breached, err := checker.IsBreached(ctx, raw)
	if err != nil {
		if log != nil {
			log.WithError(err).Warn("account: breach corpus check failed, proceeding without it")
		}
		return nil
	}
	if breached {
		return ErrPasswordBreached
	}
	return nil
}

func containsRune(s string, pred func(rune) bool) bool {
	for _, r := range s {
		if pred(r) {
			return true
		}
	}
	return false
}

func isSpecial(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsDigit(r) && !unicode.IsSpace(r)
}

// errPasswordPolicy wraps a validation failure with its policy name,
// used by Manager to add context before returning to callers.
func errPasswordPolicy(err error) error {
	return fmt.Errorf("account: password policy: %w", err)
}
