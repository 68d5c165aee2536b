package authn

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/amlume/identity/account"
	"github.com/amlume/identity/cache"
	"github.com/amlume/identity/internal/apperr"
	"github.com/amlume/identity/repository/memory"
	"github.com/amlume/identity/risk"
	"github.com/amlume/identity/valueobject"
)

type fakeGeoProvider struct{ points map[string]risk.GeoPoint }

func (f *fakeGeoProvider) Resolve(ctx context.Context, ip string) (risk.GeoPoint, error) {
	return f.points[ip], nil
}

func newTestAccountManager(t *testing.T) (*account.Manager, *memory.Store, valueobject.BlindIndexKey) {
	t.Helper()
	store := memory.New()
	blindIndex := valueobject.NewBlindIndexKey([]byte("test-blind-index-key"))
	deviceTrust := risk.NewDeviceTrust(store.DeviceFingerprints(), 3)
	failedLogins := risk.NewFailedLoginTracker(15*time.Minute, 10, 1.0)

	m := account.NewManager(account.Deps{
		Users:        store.Users(),
		Roles:        store.Roles(),
		Passkeys:     store.Passkeys(),
		Persistent:   store.PersistentLogins(),
		Devices:      store.DeviceFingerprints(),
		Consents:     store.Consents(),
		Authz:        store.Authorizations(),
		DeviceTrust:  deviceTrust,
		FailedLogins: failedLogins,
		BlindIndex:   blindIndex,
	}, account.Config{LockoutThreshold: 3, LockoutDuration: 30 * time.Minute})

	return m, store, blindIndex
}

func TestLocalLoginAuthenticateSucceeds(t *testing.T) {
	ctx := context.Background()
	accounts, store, blindIndex := newTestAccountManager(t)

	if _, err := accounts.CreateUser(ctx, account.CreateUserInput{
		Profile:     account.ProfileInput{GivenName: "Alice", Email: "alice@example.com"},
		RawPassword: "correct-horse-battery-staple-1A!",
	}); err != nil {
		t.Fatalf("create user: %v", err)
	}

	login := NewLocalLogin(store.Users(), blindIndex, nil, accounts, nil)
	u, err := login.Authenticate(ctx, LocalAttempt{
		Identifier: "alice@example.com", Password: "correct-horse-battery-staple-1A!",
	})
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if u.Email.String() != "alice@example.com" {
		t.Fatalf("unexpected user: %+v", u)
	}
}

func TestLocalLoginAuthenticateWrongPassword(t *testing.T) {
	ctx := context.Background()
	accounts, store, blindIndex := newTestAccountManager(t)

	if _, err := accounts.CreateUser(ctx, account.CreateUserInput{
		Profile:     account.ProfileInput{GivenName: "Bob", Email: "bob@example.com"},
		RawPassword: "correct-horse-battery-staple-1A!",
	}); err != nil {
		t.Fatalf("create user: %v", err)
	}

	login := NewLocalLogin(store.Users(), blindIndex, nil, accounts, nil)
	if _, err := login.Authenticate(ctx, LocalAttempt{
		Identifier: "bob@example.com", Password: "wrong-password",
	}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestLocalLoginAuthenticateUnknownUser(t *testing.T) {
	ctx := context.Background()
	accounts, store, blindIndex := newTestAccountManager(t)

	login := NewLocalLogin(store.Users(), blindIndex, nil, accounts, nil)
	if _, err := login.Authenticate(ctx, LocalAttempt{
		Identifier: "nobody@example.com", Password: "whatever",
	}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

// Lockout: repeated failures must eventually block even a correct
// password's lockout rule.
func TestLocalLoginLockoutAfterThreshold(t *testing.T) {
	ctx := context.Background()
	accounts, store, blindIndex := newTestAccountManager(t)
	accounts.WithClock(clockwork.NewFakeClock())

	if _, err := accounts.CreateUser(ctx, account.CreateUserInput{
		Profile:     account.ProfileInput{GivenName: "Carol", Email: "carol@example.com"},
		RawPassword: "correct-horse-battery-staple-1A!",
	}); err != nil {
		t.Fatalf("create user: %v", err)
	}

	login := NewLocalLogin(store.Users(), blindIndex, nil, accounts, nil)
	for i := 0; i < 3; i++ {
		if _, err := login.Authenticate(ctx, LocalAttempt{
			Identifier: "carol@example.com", Password: "wrong",
		}); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: expected ErrInvalidCredentials, got %v", i, err)
		}
	}

	_, err := login.Authenticate(ctx, LocalAttempt{
		Identifier: "carol@example.com", Password: "correct-horse-battery-staple-1A!",
	})
	if !apperr.Is(err, apperr.Locked) {
		t.Fatalf("expected a Locked error even for the correct password, got %v", err)
	}
	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *apperr.Error, got %T", err)
	}
	if appErr.RetryAfter <= 0 || appErr.RetryAfter > 30*time.Minute {
		t.Fatalf("expected a retry-after within the 30m lockout window, got %v", appErr.RetryAfter)
	}
}

// Impossible-travel login: a successful
// authentication from a geographically implausible follow-up IP must
// raise a HIGH-risk security event, even though the password was
// correct and login itself must not be blocked.
func TestLocalLoginSuccessLogsHighRiskGeoEvent(t *testing.T) {
	ctx := context.Background()
	accounts, store, blindIndex := newTestAccountManager(t)

	if _, err := accounts.CreateUser(ctx, account.CreateUserInput{
		Profile:     account.ProfileInput{GivenName: "Dana", Email: "dana@example.com"},
		RawPassword: "correct-horse-battery-staple-1A!",
	}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	u, err := store.Users().GetByEmailBlindIndex(ctx, blindIndex.EmailBlindIndex(mustEmail(t, "dana@example.com")))
	if err != nil {
		t.Fatalf("reload user: %v", err)
	}

	provider := &fakeGeoProvider{points: map[string]risk.GeoPoint{
		"1.1.1.1": {Country: "US", Lat: 40.7128, Lon: -74.0060},
		"2.2.2.2": {Country: "JP", Lat: 35.6762, Lon: 139.6503},
	}}
	c := cache.NewTieredCache(nil, cache.DefaultTTLs(), 1<<20, cache.BreakerSettings{}, nil)
	fakeClock := clockwork.NewFakeClock()
	geo := risk.NewGeoEngine(risk.GeoEngineConfig{}, c, provider, memory.NewASNReputationRepo(nil)).WithClock(fakeClock)

	login := NewLocalLogin(store.Users(), blindIndex, nil, accounts, nil).WithGeo(geo, store.SecurityEvents())

	if _, err := login.Authenticate(ctx, LocalAttempt{
		Identifier: "dana@example.com", Password: "correct-horse-battery-staple-1A!",
		RemoteIP: "1.1.1.1",
	}); err != nil {
		t.Fatalf("first login: %v", err)
	}

	fakeClock.Advance(time.Hour)
	if _, err := login.Authenticate(ctx, LocalAttempt{
		Identifier: "dana@example.com", Password: "correct-horse-battery-staple-1A!",
		RemoteIP: "2.2.2.2",
	}); err != nil {
		t.Fatalf("second login: %v", err)
	}

	events, err := store.SecurityEvents().ListForUser(ctx, u.ID, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	found := false
	for _, e := range events {
		if e.Kind == "login_risk_impossible-travel" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected an impossible-travel security event, got %+v", events)
	}
}

func mustEmail(t *testing.T, s string) valueobject.Email {
	t.Helper()
	e, err := valueobject.NewEmail(s)
	if err != nil {
		t.Fatalf("new email %q: %v", s, err)
	}
	return e
}
