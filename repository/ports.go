package repository

import "time"

// UserRepository is the aggregate port for user identities: typed
// CRUD over the full user aggregate, with an Update that performs
// optimistic concurrency via the version column.
type UserRepository interface {
	Create(ctx Ctx, u User) (User, error)
	Get(ctx Ctx, id int64) (User, error)
	GetByExternalID(ctx Ctx, externalID string) (User, error)
	GetByEmailBlindIndex(ctx Ctx, blindIndex string) (User, error)
	GetBySubjectID(ctx Ctx, subjectID string) (User, error)
	// Update applies updater to the row currently stored under id and
	// persists the result if updater's input Version still matches the
	// stored Version; otherwise it returns ErrVersionConflict without
	// retrying — retry policy belongs to the caller (account.Manager).
	Update(ctx Ctx, id int64, updater func(User) (User, error)) (User, error)
	// SoftDelete sets DeletedAt and MUST cascade-tombstone the
	// dependent aggregates (passkeys, persistent logins, device
	// fingerprints, standing consents) in the same transaction.
	SoftDelete(ctx Ctx, id int64, now time.Time) error
	ListRoles(ctx Ctx, userID int64) ([]Role, error)
	AppendRole(ctx Ctx, userID, roleID int64) error
	RevokeRole(ctx Ctx, userID, roleID int64) error
}

// RoleRepository manages the role hierarchy.
type RoleRepository interface {
	Create(ctx Ctx, r Role) (Role, error)
	Get(ctx Ctx, id int64) (Role, error)
	GetByName(ctx Ctx, name string) (Role, error)
	// Descendants returns every role whose materialized path is
	// prefixed by the given role's path, for cascading revocation.
	Descendants(ctx Ctx, roleID int64) ([]Role, error)
	List(ctx Ctx) ([]Role, error)
}

// PermissionRepository manages leaf permissions.
type PermissionRepository interface {
	Create(ctx Ctx, p Permission) (Permission, error)
	Get(ctx Ctx, id string) (Permission, error)
	ListForRole(ctx Ctx, roleID int64) ([]Permission, error)
	GrantToRole(ctx Ctx, roleID int64, permissionID string) error
	RevokeFromRole(ctx Ctx, roleID int64, permissionID string) error
}

// PasskeyRepository stores WebAuthn credentials, keyed by the
// globally-unique credential ID WebAuthn ceremonies require.
type PasskeyRepository interface {
	Create(ctx Ctx, c PasskeyCredential) error
	Get(ctx Ctx, credentialID string) (PasskeyCredential, error)
	ListByUser(ctx Ctx, userID int64) ([]PasskeyCredential, error)
	// UpdateSignatureCount is split out from a generic Update because
	// it is the hot path on every successful authentication ceremony
	// and must be a single atomic compare-and-swap against the stored
	// counter to catch cloned-authenticator replay.
	UpdateSignatureCount(ctx Ctx, credentialID string, newCount uint32) error
	Delete(ctx Ctx, credentialID string) error
	DeleteAllForUser(ctx Ctx, userID int64) error
}

// ClientRepository manages OAuth2 relying-party registrations.
type ClientRepository interface {
	Create(ctx Ctx, c OAuth2RegisteredClient) error
	Get(ctx Ctx, clientID string) (OAuth2RegisteredClient, error)
	List(ctx Ctx) ([]OAuth2RegisteredClient, error)
	Update(ctx Ctx, clientID string, updater func(OAuth2RegisteredClient) (OAuth2RegisteredClient, error)) (OAuth2RegisteredClient, error)
	Delete(ctx Ctx, clientID string) error
}

// AuthorizationRepository manages OAuth2 authorization rows: one row
// per authorization holding the full token family (code, access,
// refresh, id, device tokens) minted under it.
type AuthorizationRepository interface {
	Create(ctx Ctx, a OAuth2Authorization) error
	GetByAuthorizationCodeHash(ctx Ctx, hash string) (OAuth2Authorization, error)
	GetByAccessTokenHash(ctx Ctx, hash string) (OAuth2Authorization, error)
	GetByRefreshTokenHash(ctx Ctx, hash string) (OAuth2Authorization, error)
	GetByDeviceCodeHash(ctx Ctx, hash string) (OAuth2Authorization, error)
	GetByUserCode(ctx Ctx, userCode string) (OAuth2Authorization, error)
	GetByID(ctx Ctx, id string) (OAuth2Authorization, error)
	Update(ctx Ctx, id string, updater func(OAuth2Authorization) (OAuth2Authorization, error)) (OAuth2Authorization, error)
	// RevokeFamily revokes every token sharing the given
	// RefreshFamilyID, not just the token whose reuse was detected.
	RevokeFamily(ctx Ctx, familyID string) error
	// RevokeAllForPrincipal revokes every authorization issued to
	// principalName, for account-level events (delete, role change,
	// admin password change) that must force re-auth.
	RevokeAllForPrincipal(ctx Ctx, principalName string) error
	DeleteExpired(ctx Ctx, before time.Time) (int64, error)
}

// ConsentRepository manages standing per-client consent.
type ConsentRepository interface {
	Get(ctx Ctx, clientID, principalName string) (OAuth2AuthorizationConsent, error)
	Upsert(ctx Ctx, c OAuth2AuthorizationConsent) error
	Revoke(ctx Ctx, clientID, principalName string) error
	// RevokeAllForPrincipal clears every client's standing consent for
	// principalName's account-deletion/role-change
	// cascade.
	RevokeAllForPrincipal(ctx Ctx, principalName string) error
}

// PersistentLoginRepository stores remember-me series/token pairs.
type PersistentLoginRepository interface {
	Create(ctx Ctx, p PersistentLogin) error
	GetBySeries(ctx Ctx, series string) (PersistentLogin, error)
	UpdateToken(ctx Ctx, series, newToken string, lastUsed time.Time) error
	RemoveUserTokens(ctx Ctx, username string) error
}

// DeviceFingerprintRepository tracks recognized devices.
type DeviceFingerprintRepository interface {
	Get(ctx Ctx, userID int64, fingerprintHash string) (UserDeviceFingerprint, error)
	Upsert(ctx Ctx, f UserDeviceFingerprint) error
	ListForUser(ctx Ctx, userID int64) ([]UserDeviceFingerprint, error)
	DeleteAllForUser(ctx Ctx, userID int64) error
}

// SecurityEventRepository appends to the append-only audit log.
type SecurityEventRepository interface {
	Append(ctx Ctx, e SecurityEvent) error
	ListForUser(ctx Ctx, userID int64, limit int) ([]SecurityEvent, error)
}

// IPReputationRepository and ASNReputationRepository back the risk
// engine's block/allowlists. Kept separate from the cache tier: these are the
// authoritative store a cache miss falls back to.
type IPReputationRepository interface {
	IsBlocked(ctx Ctx, ip string) (bool, error)
	Block(ctx Ctx, ip string, reason string, until time.Time) error
}

type ASNReputationRepository interface {
	ReputationScore(ctx Ctx, asn int) (int, error)
}

// RevokedTokenRepository backs an explicit access-token denylist for
// immediate revocation ahead of natural expiry.
type RevokedTokenRepository interface {
	IsRevoked(ctx Ctx, tokenHash string) (bool, error)
	Revoke(ctx Ctx, tokenHash string, expiresAt time.Time) error
}
