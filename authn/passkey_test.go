package authn

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/amlume/identity/repository"
	"github.com/amlume/identity/repository/memory"
)

func newTestPasskeyCeremony(t *testing.T, timeout time.Duration) (*PasskeyCeremony, *memory.Store, clockwork.FakeClock) {
	t.Helper()
	store := memory.New()
	clock := clockwork.NewFakeClock()
	pc, err := NewPasskeyCeremony(PasskeyConfig{
		RPID:             "example.test",
		RPDisplayName:    "Example Test",
		RPOrigins:        []string{"https://example.test"},
		ChallengeTimeout: timeout,
	}, store.Passkeys(), store.Users(), store.SecurityEvents(), nil)
	if err != nil {
		t.Fatalf("NewPasskeyCeremony: %v", err)
	}
	pc.WithClock(clock)
	return pc, store, clock
}

func mustCreateUser(t *testing.T, store *memory.Store) repository.User {
	t.Helper()
	u, err := store.Users().Create(context.Background(), repository.User{
		ExternalID: base64.RawURLEncoding.EncodeToString([]byte("0123456789abcdef")),
		GivenName:  "Ada",
		Surname:    "Lovelace",
	})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}

func TestPasskeyBeginRegistrationExcludesExisting(t *testing.T) {
	pc, store, _ := newTestPasskeyCeremony(t, time.Minute)
	u := mustCreateUser(t, store)

	existingID := base64.RawURLEncoding.EncodeToString([]byte("existing-credential-id"))
	if err := store.Passkeys().Create(context.Background(), repository.PasskeyCredential{
		CredentialID: existingID,
		UserID:       u.ID,
		UserHandle:   u.ExternalID,
	}); err != nil {
		t.Fatalf("seed passkey: %v", err)
	}

	ceremonyID, creation, err := pc.BeginRegistration(context.Background(), u.ID)
	if err != nil {
		t.Fatalf("BeginRegistration: %v", err)
	}
	if ceremonyID == "" {
		t.Fatal("expected non-empty ceremony id")
	}
	if creation == nil || creation.Response.RelyingParty.ID != "example.test" {
		t.Fatalf("unexpected creation options: %+v", creation)
	}
	found := false
	for _, excl := range creation.Response.CredentialExcludeList {
		if base64.RawURLEncoding.EncodeToString(excl.CredentialID) == existingID {
			found = true
		}
	}
	if !found {
		t.Fatal("expected existing credential to be excluded from registration")
	}
}

func TestPasskeyFinishRegistrationRejectsExpiredCeremony(t *testing.T) {
	pc, store, clock := newTestPasskeyCeremony(t, time.Second)
	u := mustCreateUser(t, store)

	ceremonyID, _, err := pc.BeginRegistration(context.Background(), u.ID)
	if err != nil {
		t.Fatalf("BeginRegistration: %v", err)
	}
	clock.Advance(2 * time.Second)

	_, err = pc.FinishRegistration(context.Background(), ceremonyID, "laptop", []byte("garbage"))
	if err != ErrCeremonyExpired {
		t.Fatalf("expected ErrCeremonyExpired, got %v", err)
	}
}

func TestPasskeyCeremonyIsSingleUse(t *testing.T) {
	pc, store, _ := newTestPasskeyCeremony(t, time.Minute)
	u := mustCreateUser(t, store)

	ceremonyID, _, err := pc.BeginRegistration(context.Background(), u.ID)
	if err != nil {
		t.Fatalf("BeginRegistration: %v", err)
	}

	// The first Finish call consumes the ceremony even though the
	// garbage payload fails to parse.
	if _, err := pc.FinishRegistration(context.Background(), ceremonyID, "laptop", []byte("garbage")); err == nil {
		t.Fatal("expected garbage payload to fail parsing")
	}

	_, err = pc.FinishRegistration(context.Background(), ceremonyID, "laptop", []byte("garbage"))
	if err != ErrCeremonyExpired {
		t.Fatalf("expected replayed ceremony id to be rejected, got %v", err)
	}
}

func TestPasskeyFinishAuthenticationUnknownCeremony(t *testing.T) {
	pc, _, _ := newTestPasskeyCeremony(t, time.Minute)

	_, _, err := pc.FinishAuthentication(context.Background(), "never-issued", []byte("garbage"))
	if err != ErrCeremonyExpired {
		t.Fatalf("expected ErrCeremonyExpired for an unknown ceremony id, got %v", err)
	}
}

func TestToCredentialRoundTripsIdentifierAndFlags(t *testing.T) {
	stored := repository.PasskeyCredential{
		CredentialID:   base64.RawURLEncoding.EncodeToString([]byte("cred-id-bytes")),
		SignatureCount: 7,
		UVInitialized:  true,
		BackupEligible: true,
		BackupState:    true,
		Transports:     []string{"internal", "hybrid"},
	}
	cred, err := toCredential(stored)
	if err != nil {
		t.Fatalf("toCredential: %v", err)
	}
	if base64.RawURLEncoding.EncodeToString(cred.ID) != stored.CredentialID {
		t.Fatalf("credential id did not round-trip: got %x", cred.ID)
	}
	if cred.Authenticator.SignCount != stored.SignatureCount {
		t.Fatalf("signature count mismatch: got %d want %d", cred.Authenticator.SignCount, stored.SignatureCount)
	}
	if !cred.Flags.UserVerified || !cred.Flags.BackupEligible || !cred.Flags.BackupState {
		t.Fatalf("flags did not round-trip: %+v", cred.Flags)
	}
	if len(cred.Transport) != 2 {
		t.Fatalf("expected 2 transports, got %d", len(cred.Transport))
	}
}

func TestWebAuthnUserDisplayNameFallsBackToNickname(t *testing.T) {
	u := webauthnUser{u: repository.User{Nickname: "ada"}}
	if got := u.WebAuthnDisplayName(); got != "ada" {
		t.Fatalf("expected nickname fallback, got %q", got)
	}
}

func TestWebAuthnUserIDDecodesExternalID(t *testing.T) {
	raw := []byte("0123456789abcdef")
	u := webauthnUser{u: repository.User{ExternalID: base64.RawURLEncoding.EncodeToString(raw)}}
	if got := u.WebAuthnID(); string(got) != string(raw) {
		t.Fatalf("expected WebAuthnID to decode external id, got %q", got)
	}
}
