// Package token implements the OAuth 2.0 / OIDC token authority:
// authorization-code, refresh, client-credentials and device-code
// grants, JWT access/ID-token
// minting with pluggable claim customization, introspection, and
// revocation with refresh-family reuse detection.
//
// Key rotation is a single asymmetric signing keypair plus retained
// verification keys; the secret source supplying real key material is
// an external collaborator, not a component to re-implement.
package token

import (
	"context"
	"errors"
	"time"
)

// Error sentinels surfaced to callers; translated to apperr kinds at
// the component boundary.
var (
	ErrInvalidClient    = errors.New("token: invalid client")
	ErrInvalidGrant     = errors.New("token: invalid grant")
	ErrInvalidScope     = errors.New("token: invalid scope")
	ErrUnsupportedGrant = errors.New("token: unsupported grant type")
	ErrConsentRequired  = errors.New("token: consent required")
	ErrAuthorizationPending = errors.New("token: authorization_pending")
	ErrSlowDown         = errors.New("token: slow_down")
	ErrExpiredToken     = errors.New("token: expired_token")
	ErrAccessDenied     = errors.New("token: access_denied")
)

// Grant type identifiers and RFCs 6749/8628.
const (
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"
	GrantClientCredentials = "client_credentials"
	GrantDeviceCode        = "urn:ietf:params:oauth:grant-type:device_code"
)

const scopeOpenID = "openid"
const scopeOfflineAccess = "offline_access"

// IssuedTokens is the wire-shaped result of a successful grant,
// mirroring RFC 6749 §5.1's token response fields.
type IssuedTokens struct {
	AccessToken  string
	TokenType    string // always "Bearer"
	ExpiresIn    time.Duration
	RefreshToken string
	IDToken      string
	Scope        string
}

// IntrospectionResult is RFC 7662's introspection response shape.
type IntrospectionResult struct {
	Active        bool
	Scope         string
	ClientID      string
	PrincipalName string
	Expiry        time.Time
	IssuedAt      time.Time
	Claims        map[string]any
}

// Ctx is shorthand used throughout the package.
type Ctx = context.Context
