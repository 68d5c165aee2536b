package memory

import (
	"context"
	"testing"
	"time"

	"github.com/kylelemons/godebug/pretty"

	"github.com/amlume/identity/repository"
	"github.com/amlume/identity/valueobject"
)

func newTestUser(t *testing.T, extID string) repository.User {
	t.Helper()
	email, err := valueobject.NewEmail("alice@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return repository.User{
		ExternalID:      extID,
		Email:           email,
		EmailBlindIndex: "blind-" + extID,
	}
}

func TestUserCreateAndGet(t *testing.T) {
	ctx := context.Background()
	store := New()
	u, err := store.Users().Create(ctx, newTestUser(t, "ext-1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.ID == 0 {
		t.Fatalf("expected assigned id")
	}
	if u.Audit.Version != 1 {
		t.Fatalf("expected initial version 1, got %d", u.Audit.Version)
	}

	got, err := store.Users().GetByExternalID(ctx, "ext-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := pretty.Compare(u, got); diff != "" {
		t.Fatalf("round-trip by external id mismatch: %s", diff)
	}
}

func TestUserCreateRejectsDuplicateExternalID(t *testing.T) {
	ctx := context.Background()
	store := New()
	if _, err := store.Users().Create(ctx, newTestUser(t, "dup")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := store.Users().Create(ctx, newTestUser(t, "dup")); err != repository.ErrAlreadyExists {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestUserUpdateDetectsVersionConflict(t *testing.T) {
	ctx := context.Background()
	store := New()
	u, _ := store.Users().Create(ctx, newTestUser(t, "ext-2"))

	_, err := store.Users().Update(ctx, u.ID, func(current repository.User) (repository.User, error) {
		current.GivenName = "Alice"
		// Simulate a racing writer that already bumped the version.
		current.Audit.Version++
		return current, nil
	})
	if err != repository.ErrVersionConflict {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
}

func TestUserUpdateSucceedsAndBumpsVersion(t *testing.T) {
	ctx := context.Background()
	store := New()
	u, _ := store.Users().Create(ctx, newTestUser(t, "ext-3"))

	updated, err := store.Users().Update(ctx, u.ID, func(current repository.User) (repository.User, error) {
		current.GivenName = "Alice"
		return current, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.GivenName != "Alice" {
		t.Fatalf("expected field update to persist")
	}
	if updated.Audit.Version != u.Audit.Version+1 {
		t.Fatalf("expected version bump, got %d -> %d", u.Audit.Version, updated.Audit.Version)
	}
}

func TestUserSoftDeleteCascades(t *testing.T) {
	ctx := context.Background()
	store := New()
	u, _ := store.Users().Create(ctx, newTestUser(t, "ext-4"))

	if err := store.Passkeys().Create(ctx, repository.PasskeyCredential{CredentialID: "cred-1", UserID: u.ID}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	now := time.Now()
	if err := store.Users().SoftDelete(ctx, u.ID, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := store.Users().Get(ctx, u.ID); err != repository.ErrNotFound {
		t.Fatalf("expected soft-deleted user to read as not found, got %v", err)
	}
	if _, err := store.Passkeys().Get(ctx, "cred-1"); err != repository.ErrNotFound {
		t.Fatalf("expected cascaded passkey removal, got %v", err)
	}
}

func TestUserRoleAssignment(t *testing.T) {
	ctx := context.Background()
	store := New()
	u, _ := store.Users().Create(ctx, newTestUser(t, "ext-5"))
	role, err := store.Roles().Create(ctx, repository.Role{Name: "admin", Path: "admin"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := store.Users().AppendRole(ctx, u.ID, role.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	roles, err := store.Users().ListRoles(ctx, u.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(roles) != 1 || roles[0].Name != "admin" {
		t.Fatalf("expected one assigned role, got %+v", roles)
	}

	if err := store.Users().RevokeRole(ctx, u.ID, role.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	roles, _ = store.Users().ListRoles(ctx, u.ID)
	if len(roles) != 0 {
		t.Fatalf("expected role revoked, got %+v", roles)
	}
}
