package account

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/amlume/identity/repository"
	"github.com/amlume/identity/repository/memory"
	"github.com/amlume/identity/risk"
	"github.com/amlume/identity/valueobject"
)

type fakeSessions struct {
	calls []string
}

func (f *fakeSessions) InvalidateAllForPrincipal(ctx context.Context, principalName, exceptSessionID string) error {
	f.calls = append(f.calls, principalName)
	return nil
}

type fakeTokens struct {
	calls []string
}

func (f *fakeTokens) RevokeAllForPrincipal(ctx context.Context, principalName string) error {
	f.calls = append(f.calls, principalName)
	return nil
}

type fakeRememberMe struct {
	calls []string
}

func (f *fakeRememberMe) RemoveUserTokens(ctx context.Context, username string) error {
	f.calls = append(f.calls, username)
	return nil
}

func newTestManager(t *testing.T) (*Manager, *memory.Store, *fakeSessions, *fakeTokens) {
	t.Helper()
	store := memory.New()
	sessions := &fakeSessions{}
	tokens := &fakeTokens{}
	blindIndex := valueobject.NewBlindIndexKey([]byte("test-blind-index-key"))

	deviceTrust := risk.NewDeviceTrust(store.DeviceFingerprints(), 3)
	failedLogins := risk.NewFailedLoginTracker(15*time.Minute, 10, 1.0)

	m := NewManager(Deps{
		Users:        store.Users(),
		Roles:        store.Roles(),
		Passkeys:     store.Passkeys(),
		Persistent:   store.PersistentLogins(),
		Devices:      store.DeviceFingerprints(),
		Consents:     store.Consents(),
		Authz:        store.Authorizations(),
		Sessions:     sessions,
		Tokens:       tokens,
		DeviceTrust:  deviceTrust,
		FailedLogins: failedLogins,
		BlindIndex:   blindIndex,
	}, Config{LockoutThreshold: 3, LockoutDuration: 30 * time.Minute})

	return m, store, sessions, tokens
}

func TestCreateUserSucceeds(t *testing.T) {
	ctx := context.Background()
	m, _, _, _ := newTestManager(t)

	u, err := m.CreateUser(ctx, CreateUserInput{
		Profile: ProfileInput{
			GivenName: "Alice",
			Email:     "alice@example.com",
		},
		RawPassword: "correct-horse-battery-staple-1A!",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.ID == 0 {
		t.Fatalf("expected assigned id")
	}
	if u.Password.IsZero() {
		t.Fatalf("expected password to be hashed")
	}
}

type fakeCaptchaVerifier struct{ ok bool }

func (f *fakeCaptchaVerifier) Verify(ctx context.Context, responseToken, remoteIP string) (bool, error) {
	return f.ok, nil
}

func TestCreateUserRequiresCaptchaOnceIPExhausted(t *testing.T) {
	ctx := context.Background()
	m, _, _, _ := newTestManager(t)

	tracker := risk.NewFailedLoginTracker(time.Minute, 1, 0.0001)
	tracker.RecordFailure("nobody@example.com", "203.0.113.9")
	m.gate = risk.NewGate(tracker, &fakeCaptchaVerifier{ok: true})

	in := CreateUserInput{
		Profile:     ProfileInput{Email: "newacct@example.com"},
		RawPassword: "correct-horse-battery-staple-1A!",
		IP:          "203.0.113.9",
	}
	if _, err := m.CreateUser(ctx, in); !errors.Is(err, risk.ErrCaptchaRequired) {
		t.Fatalf("expected ErrCaptchaRequired without a captcha token, got %v", err)
	}

	in.Captcha = "response-token"
	if _, err := m.CreateUser(ctx, in); err != nil {
		t.Fatalf("expected success once a valid captcha token is supplied, got %v", err)
	}
}

func TestCreateUserRejectsDuplicateEmail(t *testing.T) {
	ctx := context.Background()
	m, _, _, _ := newTestManager(t)

	in := CreateUserInput{Profile: ProfileInput{Email: "bob@example.com"}, RawPassword: "correct-horse-battery-staple-1A!"}
	if _, err := m.CreateUser(ctx, in); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := m.CreateUser(ctx, in); !errors.Is(err, ErrEmailInUse) {
		t.Fatalf("expected ErrEmailInUse, got %v", err)
	}
}

func TestCreateUserRejectsWeakPassword(t *testing.T) {
	ctx := context.Background()
	m, _, _, _ := newTestManager(t)

	_, err := m.CreateUser(ctx, CreateUserInput{
		Profile:     ProfileInput{Email: "weak@example.com"},
		RawPassword: "short",
	})
	if err == nil {
		t.Fatalf("expected password policy rejection")
	}
}

func TestCreateUserRejectsRecoveryEqualsPrimary(t *testing.T) {
	ctx := context.Background()
	m, _, _, _ := newTestManager(t)

	_, err := m.CreateUser(ctx, CreateUserInput{
		Profile: ProfileInput{
			Email:         "same@example.com",
			RecoveryEmail: "same@example.com",
		},
		RawPassword: "correct-horse-battery-staple-1A!",
	})
	if !errors.Is(err, ErrRecoveryEqualsPrimary) {
		t.Fatalf("expected ErrRecoveryEqualsPrimary, got %v", err)
	}

	// A recovery email differing from the primary only in case is the
	// same address after normalization and must also be rejected.
	_, err = m.CreateUser(ctx, CreateUserInput{
		Profile: ProfileInput{
			Email:         "same@example.com",
			RecoveryEmail: "Same@Example.com",
		},
		RawPassword: "correct-horse-battery-staple-1A!",
	})
	if !errors.Is(err, ErrRecoveryEqualsPrimary) {
		t.Fatalf("expected ErrRecoveryEqualsPrimary for case-differing recovery email, got %v", err)
	}
}

func strPtr(s string) *string { return &s }

func TestUpdateUserProfilePartialSemantics(t *testing.T) {
	ctx := context.Background()
	m, _, _, _ := newTestManager(t)

	u, err := m.CreateUser(ctx, CreateUserInput{
		Profile: ProfileInput{
			GivenName:     "Olive",
			Nickname:      "liv",
			Email:         "olive@example.com",
			RecoveryEmail: "olive.backup@example.com",
		},
		RawPassword: "correct-horse-battery-staple-1A!",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// An empty patch returns the unchanged entity without a write.
	same, err := m.UpdateUserProfile(ctx, u.ID, repository.UserPatch{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if same.Audit.Version != u.Audit.Version {
		t.Fatalf("empty patch must not bump version: %d != %d", same.Audit.Version, u.Audit.Version)
	}

	// nil means "no change", a pointer to "" means "clear".
	updated, err := m.UpdateUserProfile(ctx, u.ID, repository.UserPatch{
		Nickname:      strPtr("olive"),
		RecoveryEmail: strPtr(""),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.Nickname != "olive" {
		t.Fatalf("expected nickname updated, got %q", updated.Nickname)
	}
	if updated.GivenName != "Olive" {
		t.Fatalf("expected nil field to remain unchanged, got %q", updated.GivenName)
	}
	if !updated.RecoveryEmail.IsZero() || updated.RecoveryBlindIndex != "" {
		t.Fatalf("expected recovery email cleared, got %q", updated.RecoveryEmail.Normalized())
	}
	if updated.Audit.Version <= u.Audit.Version {
		t.Fatalf("expected version bump on write, got %d", updated.Audit.Version)
	}
}

func TestUpdateUserProfileRejectsRecoveryEmailInUse(t *testing.T) {
	ctx := context.Background()
	m, _, _, _ := newTestManager(t)

	if _, err := m.CreateUser(ctx, CreateUserInput{
		Profile:     ProfileInput{Email: "pat@example.com"},
		RawPassword: "correct-horse-battery-staple-1A!",
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	u, err := m.CreateUser(ctx, CreateUserInput{
		Profile:     ProfileInput{Email: "quinn@example.com"},
		RawPassword: "correct-horse-battery-staple-1A!",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = m.UpdateUserProfile(ctx, u.ID, repository.UserPatch{
		RecoveryEmail: strPtr("pat@example.com"),
	})
	if !errors.Is(err, ErrRecoveryEmailInUse) {
		t.Fatalf("expected ErrRecoveryEmailInUse, got %v", err)
	}
}

func TestChangeUserPasswordRejectsWrongOldPassword(t *testing.T) {
	ctx := context.Background()
	m, _, _, _ := newTestManager(t)

	u, err := m.CreateUser(ctx, CreateUserInput{
		Profile:     ProfileInput{Email: "carol@example.com"},
		RawPassword: "correct-horse-battery-staple-1A!",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := m.ChangeUserPassword(ctx, u.ID, "wrong-password", "new-Passw0rd!", "sess-1"); !errors.Is(err, ErrWrongOldPassword) {
		t.Fatalf("expected ErrWrongOldPassword, got %v", err)
	}
}

func TestChangeUserPasswordInvalidatesOtherSessions(t *testing.T) {
	ctx := context.Background()
	m, _, sessions, _ := newTestManager(t)

	u, err := m.CreateUser(ctx, CreateUserInput{
		Profile:     ProfileInput{Email: "dana@example.com"},
		RawPassword: "correct-horse-battery-staple-1A!",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := m.ChangeUserPassword(ctx, u.ID, "correct-horse-battery-staple-1A!", "new-Passw0rd!1", "sess-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sessions.calls) != 1 {
		t.Fatalf("expected exactly one session invalidation call, got %d", len(sessions.calls))
	}
}

func TestHandleFailedLoginLocksAfterThreshold(t *testing.T) {
	ctx := context.Background()
	m, store, _, _ := newTestManager(t)
	fake := clockwork.NewFakeClock()
	m.WithClock(fake)

	u, err := m.CreateUser(ctx, CreateUserInput{
		Profile:     ProfileInput{Email: "erin@example.com"},
		RawPassword: "correct-horse-battery-staple-1A!",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i := 0; i < 3; i++ {
		m.HandleFailedLogin(ctx, "erin@example.com", "10.0.0.1")
	}

	got, err := store.Users().Get(ctx, u.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Status.IsLocked(fake.Now()) {
		t.Fatalf("expected account to be locked after reaching threshold")
	}
}

// Boundary behavior: login with exactly N−1 vs N vs N+1 prior
// failures, where N is the configured lockout threshold.
func TestHandleFailedLoginLockoutBoundary(t *testing.T) {
	ctx := context.Background()
	m, store, _, _ := newTestManager(t)
	fake := clockwork.NewFakeClock()
	m.WithClock(fake)

	u, err := m.CreateUser(ctx, CreateUserInput{
		Profile:     ProfileInput{Email: "frankie@example.com"},
		RawPassword: "correct-horse-battery-staple-1A!",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i := 0; i < 2; i++ {
		m.HandleFailedLogin(ctx, "frankie@example.com", "10.0.0.2")
	}
	got, err := store.Users().Get(ctx, u.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status.IsLocked(fake.Now()) {
		t.Fatalf("expected account to remain unlocked at N-1 failures")
	}

	m.HandleFailedLogin(ctx, "frankie@example.com", "10.0.0.2")
	got, err = store.Users().Get(ctx, u.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Status.IsLocked(fake.Now()) {
		t.Fatalf("expected account to be locked at exactly N failures")
	}

	m.HandleFailedLogin(ctx, "frankie@example.com", "10.0.0.2")
	got, err = store.Users().Get(ctx, u.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Status.IsLocked(fake.Now()) {
		t.Fatalf("expected account to remain locked at N+1 failures")
	}
}

func TestHandleSuccessfulLoginResetsLockState(t *testing.T) {
	ctx := context.Background()
	m, store, _, _ := newTestManager(t)

	u, err := m.CreateUser(ctx, CreateUserInput{
		Profile:     ProfileInput{Email: "frank@example.com"},
		RawPassword: "correct-horse-battery-staple-1A!",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	m.HandleFailedLogin(ctx, "frank@example.com", "10.0.0.2")
	m.HandleFailedLogin(ctx, "frank@example.com", "10.0.0.2")

	if _, err := m.HandleSuccessfulLogin(ctx, "frank@example.com", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := store.Users().Get(ctx, u.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status.FailedLoginAttempts != 0 {
		t.Fatalf("expected failure counter reset, got %d", got.Status.FailedLoginAttempts)
	}
}

func TestHandleSuccessfulLoginRecordsDeviceFingerprint(t *testing.T) {
	ctx := context.Background()
	m, store, _, _ := newTestManager(t)

	u, err := m.CreateUser(ctx, CreateUserInput{
		Profile:     ProfileInput{Email: "grace@example.com"},
		RawPassword: "correct-horse-battery-staple-1A!",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	obs := &risk.Observation{FingerprintHash: "fp-1", UserVerified: true}
	if _, err := m.HandleSuccessfulLogin(ctx, "grace@example.com", obs); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	fp, err := store.DeviceFingerprints().Get(ctx, u.ID, "fp-1")
	if err != nil {
		t.Fatalf("expected fingerprint to be recorded: %v", err)
	}
	if fp.SuccessfulLogins != 1 {
		t.Fatalf("expected one successful login recorded, got %d", fp.SuccessfulLogins)
	}
}

func TestAppendRoleInvalidatesAuthorityState(t *testing.T) {
	ctx := context.Background()
	m, store, sessions, tokens := newTestManager(t)

	u, err := m.CreateUser(ctx, CreateUserInput{
		Profile:     ProfileInput{Email: "henry@example.com"},
		RawPassword: "correct-horse-battery-staple-1A!",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	role, err := store.Roles().Create(ctx, repository.Role{Name: "editor", Path: "editor"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := m.AppendRole(ctx, u.ID, role.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sessions.calls) != 1 || len(tokens.calls) != 1 {
		t.Fatalf("expected session and token invalidation on role change, got sessions=%d tokens=%d", len(sessions.calls), len(tokens.calls))
	}
}

func TestDeleteUserAccountCascades(t *testing.T) {
	ctx := context.Background()
	m, store, _, _ := newTestManager(t)

	u, err := m.CreateUser(ctx, CreateUserInput{
		Profile:     ProfileInput{Email: "ida@example.com"},
		RawPassword: "correct-horse-battery-staple-1A!",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := m.DeleteUserAccount(ctx, u.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := store.Users().Get(ctx, u.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected soft-deleted user to read as not found, got %v", err)
	}
}

func TestGetCurrentUserRequiresPrincipal(t *testing.T) {
	ctx := context.Background()
	m, _, _, _ := newTestManager(t)

	if _, err := m.GetCurrentUser(ctx); !errors.Is(err, ErrNoPrincipal) {
		t.Fatalf("expected ErrNoPrincipal, got %v", err)
	}
}

func TestGetCurrentUserResolvesBySubjectID(t *testing.T) {
	ctx := context.Background()
	m, _, _, _ := newTestManager(t)

	u, err := m.CreateUser(ctx, CreateUserInput{
		Profile:     ProfileInput{Email: "jane@example.com"},
		RawPassword: "correct-horse-battery-staple-1A!",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx = WithPrincipal(ctx, u.ExternalID)
	got, err := m.GetCurrentUser(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID != u.ID {
		t.Fatalf("expected to resolve the created user")
	}
}
