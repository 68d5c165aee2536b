// Package repository defines one typed port per aggregate, decomposed
// so each component (account manager, token authority, session
// store...) depends only on the ports it actually uses.
//
// Update operations take an updater function to express optimistic
// concurrency: the updater receives the current row and returns the
// row to persist; an
// ErrVersionConflict return means another writer raced and the caller
// must retry.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/amlume/identity/valueobject"
)

// ErrNotFound is returned by Get-style lookups when the row does not
// exist, or exists but is excluded (e.g. soft-deleted).
var ErrNotFound = errors.New("repository: not found")

// ErrAlreadyExists is returned by Create when a uniqueness constraint
// would be violated.
var ErrAlreadyExists = errors.New("repository: already exists")

// ErrVersionConflict is returned by Update when the stored version does
// not match the version the updater started from. Callers must retry
// (3 attempts, 50ms*attempt backoff) — see
// account's retryOnVersionConflict.
var ErrVersionConflict = errors.New("repository: version conflict")

// Audit holds the four audit columns every mutable table carries.
type Audit struct {
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CreatedBy      string
	LastModifiedBy string
	Version        int64
}

// User is the persisted form of an identity: profile, credentials,
// and embedded account status.
type User struct {
	ID                   int64
	ExternalID           string
	AuthServerSubjectID  string
	GivenName            string
	MiddleName           string
	Surname              string
	Nickname             string
	Email                valueobject.Email
	EmailBlindIndex      string
	RecoveryEmail        valueobject.Email
	RecoveryBlindIndex   string
	Phone                valueobject.Phone
	Password             valueobject.HashedPassword
	EmailVerified        bool
	ProfilePictureURL    string
	Status               valueobject.AccountStatus
	DeletedAt            time.Time
	Audit                Audit
}

// IsDeleted reports whether the user has been soft-deleted.
func (u User) IsDeleted() bool { return !u.DeletedAt.IsZero() }

// UserPatch is a partial update for UpdateUserProfile: nil means "no
// change", a non-nil pointer to an empty string means "clear".
type UserPatch struct {
	GivenName         *string
	MiddleName        *string
	Surname           *string
	Nickname          *string
	RecoveryEmail     *string
	Phone             *string
	ProfilePictureURL *string
}

// IsEmpty reports whether the patch changes nothing.
func (p UserPatch) IsEmpty() bool {
	return p.GivenName == nil && p.MiddleName == nil && p.Surname == nil &&
		p.Nickname == nil && p.RecoveryEmail == nil && p.Phone == nil &&
		p.ProfilePictureURL == nil
}

// Role is a node in the role hierarchy, materialized-path style.
type Role struct {
	ID          int64
	Name        string
	Description string
	Path        string // LTREE-style materialized path, e.g. "admin.billing"
	ParentID    *int64
	Audit       Audit
}

// Permission is a leaf authority.
type Permission struct {
	ID          string // 26-char opaque identifier
	Name        string
	Description string
}

// PasskeyCredential is a WebAuthn credential bound to a user.
type PasskeyCredential struct {
	CredentialID      string // base64url, globally unique
	UserID            int64
	UserHandle        string // == User.ExternalID
	COSEPublicKey     []byte // encrypted at rest by the repository
	SignatureCount    uint32
	Transports        []string
	UVInitialized     bool
	BackupEligible    bool
	BackupState       bool
	FriendlyName      string
	LastUsedAt        time.Time
	Audit             Audit
}

// OAuth2RegisteredClient is a relying application registered with the
// authorization server.
type OAuth2RegisteredClient struct {
	ID                        string
	ClientID                  string
	ClientSecretHash          string
	ClientSecretExpiresAt     time.Time
	ClientName                string
	AuthenticationMethods     []string
	GrantTypes                []string
	RedirectURIs              []string
	PostLogoutRedirectURIs    []string
	Scopes                    []string
	Public                    bool
	AccessTokenTTL            time.Duration
	RefreshTokenTTL           time.Duration
	IDTokenTTL                time.Duration
	AuthorizationCodeTTL      time.Duration
	Audit                     Audit
}

// TokenRecord holds one token's metadata within an OAuth2Authorization
// token family.
type TokenRecord struct {
	ValueHash string            `json:"value_hash"`
	IssuedAt  time.Time         `json:"issued_at"`
	ExpiresAt time.Time         `json:"expires_at"`
	Scopes    []string          `json:"scopes,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Revoked   bool              `json:"revoked,omitempty"`
}

// OAuth2Authorization is one row per authorization, holding the full
// token family.
type OAuth2Authorization struct {
	ID                  string
	RegisteredClientID  string
	PrincipalName       string
	GrantType           string
	AuthorizationCode   *TokenRecord
	AccessToken         *TokenRecord
	RefreshToken        *TokenRecord
	IDToken             *TokenRecord
	DeviceCode          *TokenRecord
	UserCode            *TokenRecord
	CodeChallenge       string
	CodeChallengeMethod string
	RedirectURI         string
	State               string
	Nonce               string
	Scopes              []string
	RefreshFamilyID     string // shared across rotations; reuse revokes the whole family
	Audit               Audit
}

// OAuth2AuthorizationConsent represents standing consent.
type OAuth2AuthorizationConsent struct {
	RegisteredClientID string
	PrincipalName      string
	Scopes             []string // stored as a set: no duplicates
	Audit              Audit
}

// PersistentLogin is a remember-me series/token pair.
type PersistentLogin struct {
	Username string
	Series   string
	Token    string
	LastUsed time.Time
}

// UserDeviceFingerprint tracks a recognized device for a user.
type UserDeviceFingerprint struct {
	UserID          int64
	FingerprintHash string
	FirstSeen       time.Time
	LastUsedAt      time.Time
	Active          bool
	Trusted         bool
	FailedAttempts  int
	SuccessfulLogins int
	DeviceName      string
	LastKnownIP     string
	LastKnownCountry string
	BrowserInfo     string
	Source          string
}

// SecurityEvent is an audit/security log entry.
type SecurityEvent struct {
	ID        string
	UserID    int64
	Kind      string
	Detail    map[string]string
	IP        string
	CreatedAt time.Time
}

// Ctx is shorthand used by every port method signature.
type Ctx = context.Context
