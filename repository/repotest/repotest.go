// Package repotest provides conformance tests for repository
// implementations. Every backend (in-memory, SQL) runs the same suite
// against the same contract, so behavioral drift between them shows up
// as a test failure in the backend that diverged rather than as a
// production surprise when a deployment switches storage.
package repotest

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/kylelemons/godebug/pretty"

	"github.com/amlume/identity/repository"
	"github.com/amlume/identity/valueobject"
)

// Repos collects one implementation of each port under test.
type Repos struct {
	Users            repository.UserRepository
	Passkeys         repository.PasskeyRepository
	Authorizations   repository.AuthorizationRepository
	Consents         repository.ConsentRepository
	PersistentLogins repository.PersistentLoginRepository
}

var blindKey = valueobject.NewBlindIndexKey([]byte("repotest blind-index key"))

// RunTestSuite runs the conformance tests against one backend. The
// suite shares a single store, so every subtest works on rows keyed by
// its own identifiers.
func RunTestSuite(t *testing.T, r Repos) {
	t.Run("UserUpdate", func(t *testing.T) { testUserUpdate(t, r) })
	t.Run("UserSoftDeleteCascades", func(t *testing.T) { testUserSoftDeleteCascades(t, r) })
	t.Run("ConsentScopeUnion", func(t *testing.T) { testConsentScopeUnion(t, r) })
	t.Run("RefreshFamilyRevocation", func(t *testing.T) { testRefreshFamilyRevocation(t, r) })
	t.Run("PasskeySignatureCounter", func(t *testing.T) { testPasskeySignatureCounter(t, r) })
	t.Run("PersistentLoginRotation", func(t *testing.T) { testPersistentLoginRotation(t, r) })
}

func newUser(t *testing.T, addr string) repository.User {
	t.Helper()
	email, err := valueobject.NewEmail(addr)
	if err != nil {
		t.Fatalf("new email %q: %v", addr, err)
	}
	return repository.User{
		ExternalID:      valueobject.NewExternalID(),
		GivenName:       "Test",
		Surname:         "User",
		Email:           email,
		EmailBlindIndex: blindKey.EmailBlindIndex(email),
		EmailVerified:   true,
		Status:          valueobject.NewAccountStatus(time.Now()),
	}
}

func testUserUpdate(t *testing.T, r Repos) {
	ctx := context.Background()
	created, err := r.Users.Create(ctx, newUser(t, "update@example.com"))
	if err != nil {
		t.Fatalf("create user: %v", err)
	}

	updated, err := r.Users.Update(ctx, created.ID, func(cur repository.User) (repository.User, error) {
		cur.Nickname = "nick"
		return cur, nil
	})
	if err != nil {
		t.Fatalf("update user: %v", err)
	}
	if updated.Audit.Version != created.Audit.Version+1 {
		t.Fatalf("expected version bump from %d, got %d", created.Audit.Version, updated.Audit.Version)
	}

	got, err := r.Users.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	// Audit timestamps are backend-assigned; everything else must
	// round-trip exactly.
	got.Audit, updated.Audit = repository.Audit{}, repository.Audit{}
	if diff := pretty.Compare(updated, got); diff != "" {
		t.Fatalf("stored user did not match update result: %s", diff)
	}
}

func testUserSoftDeleteCascades(t *testing.T, r Repos) {
	ctx := context.Background()
	u := newUser(t, "delete-me@example.com")
	created, err := r.Users.Create(ctx, u)
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	principal := created.Email.Normalized()

	if err := r.Passkeys.Create(ctx, repository.PasskeyCredential{
		CredentialID:  "repotest-delete-cred",
		UserID:        created.ID,
		UserHandle:    created.ExternalID,
		COSEPublicKey: []byte("cose"),
	}); err != nil {
		t.Fatalf("create passkey: %v", err)
	}
	if err := r.PersistentLogins.Create(ctx, repository.PersistentLogin{
		Username: principal, Series: "repotest-delete-series", Token: "tok", LastUsed: time.Now(),
	}); err != nil {
		t.Fatalf("create persistent login: %v", err)
	}
	if err := r.Consents.Upsert(ctx, repository.OAuth2AuthorizationConsent{
		RegisteredClientID: "repotest-delete-client", PrincipalName: principal, Scopes: []string{"openid"},
	}); err != nil {
		t.Fatalf("upsert consent: %v", err)
	}

	if err := r.Users.SoftDelete(ctx, created.ID, time.Now()); err != nil {
		t.Fatalf("soft delete: %v", err)
	}

	if _, err := r.Users.Get(ctx, created.ID); err != repository.ErrNotFound {
		t.Fatalf("expected ErrNotFound from Get after soft delete, got %v", err)
	}
	if _, err := r.Users.GetByEmailBlindIndex(ctx, created.EmailBlindIndex); err != repository.ErrNotFound {
		t.Fatalf("expected ErrNotFound from blind-index lookup after soft delete, got %v", err)
	}
	if pks, err := r.Passkeys.ListByUser(ctx, created.ID); err != nil || len(pks) != 0 {
		t.Fatalf("expected passkeys gone after soft delete, got %d (err %v)", len(pks), err)
	}
	if _, err := r.PersistentLogins.GetBySeries(ctx, "repotest-delete-series"); err != repository.ErrNotFound {
		t.Fatalf("expected remember-me series gone after soft delete, got %v", err)
	}
	if _, err := r.Consents.Get(ctx, "repotest-delete-client", principal); err != repository.ErrNotFound {
		t.Fatalf("expected consent gone after soft delete, got %v", err)
	}
}

func testConsentScopeUnion(t *testing.T, r Repos) {
	ctx := context.Background()
	const client, principal = "repotest-consent-client", "consent@example.com"

	first := repository.OAuth2AuthorizationConsent{
		RegisteredClientID: client, PrincipalName: principal, Scopes: []string{"openid", "profile"},
	}
	if err := r.Consents.Upsert(ctx, first); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	second := first
	second.Scopes = []string{"profile", "email"}
	if err := r.Consents.Upsert(ctx, second); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	got, err := r.Consents.Get(ctx, client, principal)
	if err != nil {
		t.Fatalf("get consent: %v", err)
	}
	sort.Strings(got.Scopes)
	if diff := pretty.Compare([]string{"email", "openid", "profile"}, got.Scopes); diff != "" {
		t.Fatalf("expected the scope-set union: %s", diff)
	}
}

func testRefreshFamilyRevocation(t *testing.T, r Repos) {
	ctx := context.Background()
	const family = "repotest-family"
	mk := func(id, refreshHash string) repository.OAuth2Authorization {
		return repository.OAuth2Authorization{
			ID:                 id,
			RegisteredClientID: "repotest-family-client",
			PrincipalName:      "family@example.com",
			GrantType:          "authorization_code",
			AccessToken:        &repository.TokenRecord{ValueHash: refreshHash + "-at", IssuedAt: time.Now()},
			RefreshToken:       &repository.TokenRecord{ValueHash: refreshHash, IssuedAt: time.Now()},
			RefreshFamilyID:    family,
		}
	}
	if err := r.Authorizations.Create(ctx, mk("repotest-authz-1", "rt-hash-1")); err != nil {
		t.Fatalf("create first authorization: %v", err)
	}
	if err := r.Authorizations.Create(ctx, mk("repotest-authz-2", "rt-hash-2")); err != nil {
		t.Fatalf("create second authorization: %v", err)
	}

	found, err := r.Authorizations.GetByRefreshTokenHash(ctx, "rt-hash-2")
	if err != nil {
		t.Fatalf("lookup by refresh hash: %v", err)
	}
	if found.ID != "repotest-authz-2" {
		t.Fatalf("expected repotest-authz-2 from hash lookup, got %q", found.ID)
	}

	if err := r.Authorizations.RevokeFamily(ctx, family); err != nil {
		t.Fatalf("revoke family: %v", err)
	}
	for _, id := range []string{"repotest-authz-1", "repotest-authz-2"} {
		got, err := r.Authorizations.GetByID(ctx, id)
		if err != nil {
			t.Fatalf("get %s after family revocation: %v", id, err)
		}
		if !got.RefreshToken.Revoked || !got.AccessToken.Revoked {
			t.Fatalf("expected every token in %s revoked, got refresh=%v access=%v",
				id, got.RefreshToken.Revoked, got.AccessToken.Revoked)
		}
	}
}

func testPasskeySignatureCounter(t *testing.T, r Repos) {
	ctx := context.Background()
	owner, err := r.Users.Create(ctx, newUser(t, "passkey@example.com"))
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	cred := repository.PasskeyCredential{
		CredentialID:   "repotest-counter-cred",
		UserID:         owner.ID,
		UserHandle:     owner.ExternalID,
		COSEPublicKey:  []byte("cose-key-bytes"),
		SignatureCount: 42,
		Transports:     []string{"internal"},
	}
	if err := r.Passkeys.Create(ctx, cred); err != nil {
		t.Fatalf("create passkey: %v", err)
	}

	// A replayed (equal) counter must be rejected and leave the stored
	// credential untouched.
	if err := r.Passkeys.UpdateSignatureCount(ctx, cred.CredentialID, 42); err != repository.ErrVersionConflict {
		t.Fatalf("expected ErrVersionConflict for replayed counter, got %v", err)
	}
	got, err := r.Passkeys.Get(ctx, cred.CredentialID)
	if err != nil {
		t.Fatalf("get passkey: %v", err)
	}
	got.LastUsedAt, got.Audit = time.Time{}, repository.Audit{}
	want := cred
	want.LastUsedAt, want.Audit = time.Time{}, repository.Audit{}
	if diff := pretty.Compare(want, got); diff != "" {
		t.Fatalf("credential changed after rejected replay: %s", diff)
	}

	if err := r.Passkeys.UpdateSignatureCount(ctx, cred.CredentialID, 43); err != nil {
		t.Fatalf("advance counter: %v", err)
	}
	got, err = r.Passkeys.Get(ctx, cred.CredentialID)
	if err != nil {
		t.Fatalf("get passkey after advance: %v", err)
	}
	if got.SignatureCount != 43 {
		t.Fatalf("expected counter 43, got %d", got.SignatureCount)
	}
}

func testPersistentLoginRotation(t *testing.T, r Repos) {
	ctx := context.Background()
	p := repository.PersistentLogin{
		Username: "rotate@example.com",
		Series:   "repotest-rotate-series",
		Token:    "token-1",
		LastUsed: time.Now().Add(-time.Hour),
	}
	if err := r.PersistentLogins.Create(ctx, p); err != nil {
		t.Fatalf("create persistent login: %v", err)
	}

	rotatedAt := time.Now()
	if err := r.PersistentLogins.UpdateToken(ctx, p.Series, "token-2", rotatedAt); err != nil {
		t.Fatalf("rotate token: %v", err)
	}
	got, err := r.PersistentLogins.GetBySeries(ctx, p.Series)
	if err != nil {
		t.Fatalf("get by series: %v", err)
	}
	if got.Token != "token-2" {
		t.Fatalf("expected rotated token, got %q", got.Token)
	}
	if !got.LastUsed.After(p.LastUsed) {
		t.Fatalf("expected lastUsed to advance past %v, got %v", p.LastUsed, got.LastUsed)
	}

	if err := r.PersistentLogins.RemoveUserTokens(ctx, p.Username); err != nil {
		t.Fatalf("remove user tokens: %v", err)
	}
	if _, err := r.PersistentLogins.GetBySeries(ctx, p.Series); err != repository.ErrNotFound {
		t.Fatalf("expected series gone after removal, got %v", err)
	}
}
