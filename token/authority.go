package token

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/amlume/identity/repository"
)

// Authority is the token authority: it validates grants, mints and
// rotates tokens, and answers introspection/revocation, working over
// the typed repository ports.
type Authority struct {
	Clients        repository.ClientRepository
	Authorizations repository.AuthorizationRepository
	Consents       repository.ConsentRepository
	Keys           *KeyManager
	Customizer     Customizer
	Issuer         string
	Now            func() time.Time

	// AuthorizationCodeTTL etc. are deployment-wide defaults; a
	// registered client's own TTL (repository.OAuth2RegisteredClient)
	// overrides these when non-zero's "per-token-type
	// expirations default from config with optional per-key override".
	AuthorizationCodeTTL time.Duration
	AccessTokenTTL       time.Duration
	RefreshTokenTTL      time.Duration
	IDTokenTTL           time.Duration
	DeviceCodeTTL        time.Duration
	DevicePollInterval   time.Duration

	// pollLimiters enforces RFC 8628's slow_down response per device
	// code, one lazily-created rate.Limiter per pending code.
	pollMu       sync.Mutex
	pollLimiters map[string]*rate.Limiter
}

func (a *Authority) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

func (a *Authority) customizer() Customizer {
	if a.Customizer != nil {
		return a.Customizer
	}
	return DefaultCustomizer{}
}

// --- token value generation & hashing -------------------------------

func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("token: generate random value: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// hashTokenValue is the at-rest transform for opaque refresh tokens:
// a plain SHA-256 digest is
// sufficient here (unlike the blind-index HMAC in valueobject, an
// opaque token is already high-entropy and unguessable, so a keyed
// hash buys nothing beyond what the token's own entropy provides).
func hashTokenValue(value string) string {
	sum := sha256.Sum256([]byte(value))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// --- authorization code issuance ------------------------------------

// AuthorizationCodeRequest is the inbound shape of the /authorize
// decision once a principal has approved a client.
type AuthorizationCodeRequest struct {
	Client              repository.OAuth2RegisteredClient
	PrincipalName       string
	Scopes              []string
	RedirectURI         string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// IssueAuthorizationCode creates a fresh authorization row holding a
// single-use, short-lived code (default 10 minutes).
func (a *Authority) IssueAuthorizationCode(ctx Ctx, req AuthorizationCodeRequest) (string, error) {
	if err := validateScopes(req.Scopes, req.Client.Scopes); err != nil {
		return "", err
	}
	if !contains(req.Client.RedirectURIs, req.RedirectURI) {
		return "", fmt.Errorf("%w: redirect_uri mismatch", ErrInvalidGrant)
	}

	code, err := randomToken(32)
	if err != nil {
		return "", err
	}
	ttl := a.AuthorizationCodeTTL
	if ttl == 0 {
		ttl = 10 * time.Minute
	}
	now := a.now()

	authz := repository.OAuth2Authorization{
		ID:                 newAuthorizationID(),
		RegisteredClientID: req.Client.ID,
		PrincipalName:      req.PrincipalName,
		GrantType:          GrantAuthorizationCode,
		AuthorizationCode: &repository.TokenRecord{
			ValueHash: hashTokenValue(code),
			IssuedAt:  now,
			ExpiresAt: now.Add(ttl),
			Scopes:    req.Scopes,
		},
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		RedirectURI:         req.RedirectURI,
		State:               req.State,
		Nonce:               req.Nonce,
		Scopes:              req.Scopes,
	}
	if err := a.Authorizations.Create(ctx, authz); err != nil {
		return "", err
	}
	return code, nil
}

// --- grant exchange --------------------------------------------------

// ExchangeAuthorizationCodeRequest carries the /token request fields
// for the authorization_code grant.
type ExchangeAuthorizationCodeRequest struct {
	ClientID     string
	Code         string
	RedirectURI  string
	CodeVerifier string
	Principal    *repository.User // resolved by the caller from PrincipalName, nil if unavailable
	Roles        []string
}

// ExchangeAuthorizationCode handles the authorization_code grant.
// Callers (the HTTP edge) are responsible for client authentication
// before calling it; Authority only re-validates client-scoped
// invariants (redirect URI, PKCE, consent).
func (a *Authority) ExchangeAuthorizationCode(ctx Ctx, req ExchangeAuthorizationCodeRequest) (IssuedTokens, error) {
	client, err := a.Clients.Get(ctx, req.ClientID)
	if err != nil {
		return IssuedTokens{}, fmt.Errorf("%w: %v", ErrInvalidClient, err)
	}

	authz, err := a.Authorizations.GetByAuthorizationCodeHash(ctx, hashTokenValue(req.Code))
	if err != nil {
		return IssuedTokens{}, fmt.Errorf("%w: unknown code", ErrInvalidGrant)
	}
	if authz.RegisteredClientID != client.ID || authz.RedirectURI != req.RedirectURI {
		return IssuedTokens{}, fmt.Errorf("%w: client/redirect mismatch", ErrInvalidGrant)
	}
	if authz.AuthorizationCode == nil || authz.AuthorizationCode.Revoked {
		// Reuse of an already-consumed code invalidates the whole chain.
		_ = a.Authorizations.RevokeFamily(ctx, authz.RefreshFamilyID)
		return IssuedTokens{}, fmt.Errorf("%w: code already used", ErrInvalidGrant)
	}
	if a.now().After(authz.AuthorizationCode.ExpiresAt) {
		return IssuedTokens{}, fmt.Errorf("%w: code expired", ErrInvalidGrant)
	}
	isPublic := client.Public
	if isPublic && authz.CodeChallenge == "" {
		return IssuedTokens{}, fmt.Errorf("%w: PKCE required for public clients", ErrInvalidGrant)
	}
	if isPublic || authz.CodeChallenge != "" {
		if err := VerifyPKCE(authz.CodeChallengeMethod, authz.CodeChallenge, req.CodeVerifier); err != nil {
			return IssuedTokens{}, fmt.Errorf("%w: %v", ErrInvalidGrant, err)
		}
	}

	if err := a.resolveConsent(ctx, client.ID, authz.PrincipalName, authz.Scopes); err != nil {
		return IssuedTokens{}, err
	}

	// Single-use: mark the code consumed before minting anything else.
	familyID := newFamilyID()
	_, err = a.Authorizations.Update(ctx, authz.ID, func(cur repository.OAuth2Authorization) (repository.OAuth2Authorization, error) {
		cur.AuthorizationCode.Revoked = true
		cur.RefreshFamilyID = familyID
		return cur, nil
	})
	if err != nil {
		return IssuedTokens{}, err
	}

	return a.mintFamily(ctx, client, authz.PrincipalName, authz.Scopes, req.Principal, req.Roles, familyID, authz.Nonce)
}

// ExchangeRefreshTokenRequest carries the /token request fields for
// the refresh_token grant.
type ExchangeRefreshTokenRequest struct {
	ClientID     string
	RefreshToken string
	Principal    *repository.User
	Roles        []string
}

// ExchangeRefreshToken rotates a refresh token: the presented token is
// invalidated and a new access+refresh pair is issued atomically, so
// the old token is never usable alongside the new one. Reuse of a token
// already rotated away revokes the entire family.
func (a *Authority) ExchangeRefreshToken(ctx Ctx, req ExchangeRefreshTokenRequest) (IssuedTokens, error) {
	client, err := a.Clients.Get(ctx, req.ClientID)
	if err != nil {
		return IssuedTokens{}, fmt.Errorf("%w: %v", ErrInvalidClient, err)
	}

	hash := hashTokenValue(req.RefreshToken)
	authz, err := a.Authorizations.GetByRefreshTokenHash(ctx, hash)
	if err != nil {
		return IssuedTokens{}, fmt.Errorf("%w: unknown refresh token", ErrInvalidGrant)
	}
	if authz.RegisteredClientID != client.ID {
		return IssuedTokens{}, fmt.Errorf("%w: client mismatch", ErrInvalidGrant)
	}
	if authz.RefreshToken == nil || authz.RefreshToken.Revoked {
		// Reuse of a rotated-away refresh token: revoke the whole family.
		_ = a.Authorizations.RevokeFamily(ctx, authz.RefreshFamilyID)
		return IssuedTokens{}, fmt.Errorf("%w: refresh token reuse detected", ErrInvalidGrant)
	}
	if a.now().After(authz.RefreshToken.ExpiresAt) {
		return IssuedTokens{}, fmt.Errorf("%w: refresh token expired", ErrInvalidGrant)
	}

	// Invalidate the presented token first so a concurrent exchange
	// with the same value can never both succeed.
	_, err = a.Authorizations.Update(ctx, authz.ID, func(cur repository.OAuth2Authorization) (repository.OAuth2Authorization, error) {
		if cur.RefreshToken == nil || cur.RefreshToken.Revoked {
			return cur, errors.New("token: refresh token already rotated")
		}
		cur.RefreshToken.Revoked = true
		return cur, nil
	})
	if err != nil {
		return IssuedTokens{}, fmt.Errorf("%w: concurrent rotation", ErrInvalidGrant)
	}

	return a.mintFamily(ctx, client, authz.PrincipalName, authz.Scopes, req.Principal, req.Roles, authz.RefreshFamilyID, authz.Nonce)
}

// ClientCredentials issues a token with no user principal; roles
// derive from the client's own registered scopes.
func (a *Authority) ClientCredentials(ctx Ctx, clientID string, scopes []string) (IssuedTokens, error) {
	client, err := a.Clients.Get(ctx, clientID)
	if err != nil {
		return IssuedTokens{}, fmt.Errorf("%w: %v", ErrInvalidClient, err)
	}
	if err := validateScopes(scopes, client.Scopes); err != nil {
		return IssuedTokens{}, err
	}
	now := a.now()
	claims := Claims{
		Issuer:   a.Issuer,
		Subject:  client.ClientID,
		Audience: []string{client.ClientID},
		Scopes:   scopes,
		Roles:    StripRolePrefix(client.Scopes),
	}
	claims = a.customizer().Customize(CustomizationContext{
		TokenType: "access", GrantType: GrantClientCredentials,
		RegisteredClient: client, Claims: claims,
	})
	access, accessHash, err := a.signAccessToken(claims, a.accessTTL(client), now)
	if err != nil {
		return IssuedTokens{}, err
	}
	authz := repository.OAuth2Authorization{
		ID: newAuthorizationID(), RegisteredClientID: client.ID,
		PrincipalName: client.ClientID, GrantType: GrantClientCredentials,
		Scopes:      scopes,
		AccessToken: accessHash,
	}
	if err := a.Authorizations.Create(ctx, authz); err != nil {
		return IssuedTokens{}, err
	}
	return IssuedTokens{AccessToken: access, TokenType: "Bearer", ExpiresIn: a.accessTTL(client), Scope: joinScopes(scopes)}, nil
}

// mintFamily signs a fresh access token, a rotated opaque refresh
// token (if offline_access was requested) and an ID token (if openid
// was requested), then persists them as one authorization row keyed
// by familyID so future rotations/reuse-detection can find the chain.
func (a *Authority) mintFamily(ctx Ctx, client repository.OAuth2RegisteredClient, principalName string, scopes []string, principal *repository.User, roles []string, familyID, nonce string) (IssuedTokens, error) {
	now := a.now()
	claims := claimsForUser(principal, roles)
	claims.Issuer = a.Issuer
	if claims.Subject == "" {
		claims.Subject = principalName
	}
	claims.Audience = []string{client.ClientID}
	claims.Scopes = scopes

	accessClaims := a.customizer().Customize(CustomizationContext{
		TokenType: "access", GrantType: GrantAuthorizationCode,
		Principal: principal, RegisteredClient: client, Claims: claims,
	})
	access, accessRecord, err := a.signAccessToken(accessClaims, a.accessTTL(client), now)
	if err != nil {
		return IssuedTokens{}, err
	}

	out := IssuedTokens{AccessToken: access, TokenType: "Bearer", ExpiresIn: a.accessTTL(client), Scope: joinScopes(scopes)}

	authz := repository.OAuth2Authorization{
		ID: newAuthorizationID(), RegisteredClientID: client.ID,
		PrincipalName: principalName, GrantType: GrantAuthorizationCode,
		Scopes: scopes, AccessToken: accessRecord, RefreshFamilyID: familyID,
	}

	if contains(scopes, scopeOfflineAccess) {
		refreshValue, err := randomToken(48)
		if err != nil {
			return IssuedTokens{}, err
		}
		ttl := a.refreshTTL(client)
		authz.RefreshToken = &repository.TokenRecord{
			ValueHash: hashTokenValue(refreshValue), IssuedAt: now, ExpiresAt: now.Add(ttl), Scopes: scopes,
		}
		out.RefreshToken = refreshValue
	}

	if contains(scopes, scopeOpenID) {
		idClaims := claims
		idClaims.Extra = map[string]any{"nonce": nonce}
		idClaims = a.customizer().Customize(CustomizationContext{
			TokenType: "id", GrantType: GrantAuthorizationCode,
			Principal: principal, RegisteredClient: client, Claims: idClaims,
		})
		idToken, idRecord, err := a.signAccessToken(idClaims, a.idTTL(client), now)
		if err != nil {
			return IssuedTokens{}, err
		}
		authz.IDToken = idRecord
		out.IDToken = idToken
	}

	if err := a.Authorizations.Create(ctx, authz); err != nil {
		return IssuedTokens{}, err
	}
	return out, nil
}

// signAccessToken mints a compact RS256 JWT from claims, returning both
// the signed string and the repository.TokenRecord used for
// introspection/revocation lookup (keyed by a hash of the signed
// value's "access/refresh tokens are uniquely
// discoverable by their value hash").
func (a *Authority) signAccessToken(claims Claims, ttl time.Duration, now time.Time) (string, *repository.TokenRecord, error) {
	key, kid, err := a.Keys.SigningKey()
	if err != nil {
		return "", nil, fmt.Errorf("token: sign access token: %w", err)
	}
	expiry := now.Add(ttl)
	mapClaims := jwt.MapClaims(claims.ToJWTClaims())
	mapClaims["iat"] = now.Unix()
	mapClaims["exp"] = expiry.Unix()

	jwtTok := jwt.NewWithClaims(jwt.SigningMethodRS256, mapClaims)
	jwtTok.Header["kid"] = kid
	signed, err := jwtTok.SignedString(key)
	if err != nil {
		return "", nil, fmt.Errorf("token: sign access token: %w", err)
	}
	record := &repository.TokenRecord{
		ValueHash: hashTokenValue(signed),
		IssuedAt:  now,
		ExpiresAt: expiry,
		Scopes:    claims.Scopes,
	}
	return signed, record, nil
}

// VerifyAccessToken parses and signature-verifies a bearer token
// against the current JWKS, trying every retained key by kid.
func (a *Authority) VerifyAccessToken(tokenValue string) (jwt.MapClaims, error) {
	keyfunc := func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		for _, k := range a.Keys.JWKS().Keys {
			if kid == "" || k.KeyID == kid {
				if pub, ok := k.Key.(*rsa.PublicKey); ok {
					return pub, nil
				}
			}
		}
		return nil, fmt.Errorf("token: no matching verification key for kid %q", kid)
	}
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenValue, claims, keyfunc, jwt.WithValidMethods([]string{"RS256"}))
	if err != nil {
		return nil, fmt.Errorf("token: verify access token: %w", err)
	}
	return claims, nil
}

func (a *Authority) accessTTL(c repository.OAuth2RegisteredClient) time.Duration {
	if c.AccessTokenTTL > 0 {
		return c.AccessTokenTTL
	}
	if a.AccessTokenTTL > 0 {
		return a.AccessTokenTTL
	}
	return 10 * time.Minute
}

func (a *Authority) refreshTTL(c repository.OAuth2RegisteredClient) time.Duration {
	if c.RefreshTokenTTL > 0 {
		return c.RefreshTokenTTL
	}
	if a.RefreshTokenTTL > 0 {
		return a.RefreshTokenTTL
	}
	return 30 * 24 * time.Hour
}

func (a *Authority) idTTL(c repository.OAuth2RegisteredClient) time.Duration {
	if c.IDTokenTTL > 0 {
		return c.IDTokenTTL
	}
	if a.IDTokenTTL > 0 {
		return a.IDTokenTTL
	}
	return 10 * time.Minute
}

// --- introspection & revocation ---------------------------------------

// Introspect resolves a token value (access or refresh) to its
// metadata per RFC 7662, consulting the authorization row rather than
// re-verifying the JWT signature — a revoked-but-unexpired token must
// report active=false, which signature verification alone cannot see.
func (a *Authority) Introspect(ctx Ctx, tokenValue string) (IntrospectionResult, error) {
	hash := hashTokenValue(tokenValue)
	authz, tok, err := a.findByAnyHash(ctx, hash)
	if err != nil {
		return IntrospectionResult{Active: false}, nil
	}
	if tok.Revoked || a.now().After(tok.ExpiresAt) {
		return IntrospectionResult{Active: false}, nil
	}
	return IntrospectionResult{
		Active:        true,
		Scope:         joinScopes(tok.Scopes),
		ClientID:      authz.RegisteredClientID,
		PrincipalName: authz.PrincipalName,
		Expiry:        tok.ExpiresAt,
		IssuedAt:      tok.IssuedAt,
	}, nil
}

func (a *Authority) findByAnyHash(ctx Ctx, hash string) (repository.OAuth2Authorization, *repository.TokenRecord, error) {
	if authz, err := a.Authorizations.GetByAccessTokenHash(ctx, hash); err == nil {
		return authz, authz.AccessToken, nil
	}
	if authz, err := a.Authorizations.GetByRefreshTokenHash(ctx, hash); err == nil {
		return authz, authz.RefreshToken, nil
	}
	return repository.OAuth2Authorization{}, nil, repository.ErrNotFound
}

// Revoke implements RFC 7009: deleting by token value revokes just
// that token's record, not the whole chain; family revocation is
// reserved for reuse detection.
func (a *Authority) Revoke(ctx Ctx, tokenValue string) error {
	hash := hashTokenValue(tokenValue)
	authz, _, err := a.findByAnyHash(ctx, hash)
	if err != nil {
		return nil // RFC 7009: unknown tokens are not an error
	}
	_, err = a.Authorizations.Update(ctx, authz.ID, func(cur repository.OAuth2Authorization) (repository.OAuth2Authorization, error) {
		for _, t := range []*repository.TokenRecord{cur.AccessToken, cur.RefreshToken} {
			if t != nil && t.ValueHash == hash {
				t.Revoked = true
			}
		}
		return cur, nil
	})
	return err
}

// RevokeAllForPrincipal satisfies account.TokenRevoker: it tears down
// every standing authorization for principalName, used on account
// deletion, role change and admin password reset.
func (a *Authority) RevokeAllForPrincipal(ctx Ctx, principalName string) error {
	if err := a.Authorizations.RevokeAllForPrincipal(ctx, principalName); err != nil {
		return err
	}
	return a.Consents.RevokeAllForPrincipal(ctx, principalName)
}

// --- consent -----------------------------------------------------------

func (a *Authority) resolveConsent(ctx Ctx, clientID, principalName string, scopes []string) error {
	existing, err := a.Consents.Get(ctx, clientID, principalName)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return err
	}
	if isSubset(scopes, existing.Scopes) {
		return nil
	}
	// Not yet consented to all requested scopes: the HTTP edge is
	// responsible for prompting; by the time Exchange runs, approval
	// has already happened and the edge upserts consent with the union
	// before calling ExchangeAuthorizationCode again. A caller that
	// reaches here without having done so gets a hard error.
	return fmt.Errorf("%w: scopes %v not consented for %s", ErrConsentRequired, scopes, clientID)
}

// RecordConsent upserts a principal's standing consent with the union
// of previously-granted and newly-approved scopes, so granted scopes
// only ever widen unless explicitly reset.
func (a *Authority) RecordConsent(ctx Ctx, clientID, principalName string, scopes []string) error {
	return a.Consents.Upsert(ctx, repository.OAuth2AuthorizationConsent{
		RegisteredClientID: clientID, PrincipalName: principalName, Scopes: scopes,
	})
}

// --- helpers -----------------------------------------------------------

func validateScopes(requested, registered []string) error {
	for _, s := range requested {
		if !contains(registered, s) {
			return fmt.Errorf("%w: %s", ErrInvalidScope, s)
		}
	}
	return nil
}

func isSubset(want, have []string) bool {
	for _, w := range want {
		if !contains(have, w) {
			return false
		}
	}
	return true
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func joinScopes(scopes []string) string {
	sorted := append([]string(nil), scopes...)
	sort.Strings(sorted)
	out := ""
	for i, s := range sorted {
		if i > 0 {
			out += " "
		}
		out += s
	}
	return out
}

// newAuthorizationID and newFamilyID mint opaque row identifiers, not
// bearer secrets, so they follow server/server.go's uuid.NewString()
// request-id convention rather than randomToken's crypto/rand shape
// (reserved for values an attacker could present back as a credential).
func newAuthorizationID() string {
	return uuid.NewString()
}

func newFamilyID() string {
	return uuid.NewString()
}
