// Package risk implements the adaptive risk and throttling engine:
// failed-login tracking, CAPTCHA gating, geo/ASN impossible-travel
// analysis, and device fingerprint trust. It depends on repository
// for persisted counters/history and on external collaborators (geo,
// CAPTCHA, breach-corpus checkers) through one-method interfaces only.
package risk

import "errors"

// Level is the overall risk classification for an authentication
// attempt.
type Level string

const (
	LevelLow     Level = "LOW"
	LevelMedium  Level = "MEDIUM"
	LevelHigh    Level = "HIGH"
	LevelUnknown Level = "UNKNOWN"
)

// Alert is one risk signal raised during analysis, persisted as a
// repository.SecurityEvent by the caller.
type Alert struct {
	Kind   string
	Detail string
}

// Assessment is the outcome of GeoEngine.Assess.
type Assessment struct {
	Risk   Level
	Alerts []Alert
}

// ErrTooManyAttempts is returned by the CAPTCHA gate when the caller
// must present a verified CAPTCHA response and didn't.
var ErrTooManyAttempts = errors.New("risk: too many attempts")
