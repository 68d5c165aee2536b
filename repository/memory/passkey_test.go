package memory

import (
	"context"
	"testing"

	"github.com/amlume/identity/repository"
)

func TestPasskeySignatureCountMustStrictlyIncrease(t *testing.T) {
	ctx := context.Background()
	store := New()
	if err := store.Passkeys().Create(ctx, repository.PasskeyCredential{CredentialID: "cred", UserID: 1, SignatureCount: 5}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := store.Passkeys().UpdateSignatureCount(ctx, "cred", 6); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// A replayed or cloned authenticator presents a stale/equal counter.
	if err := store.Passkeys().UpdateSignatureCount(ctx, "cred", 6); err != repository.ErrVersionConflict {
		t.Fatalf("expected ErrVersionConflict on non-increasing counter, got %v", err)
	}
	if err := store.Passkeys().UpdateSignatureCount(ctx, "cred", 3); err != repository.ErrVersionConflict {
		t.Fatalf("expected ErrVersionConflict on decreasing counter, got %v", err)
	}
}

func TestPasskeyListByUser(t *testing.T) {
	ctx := context.Background()
	store := New()
	store.Passkeys().Create(ctx, repository.PasskeyCredential{CredentialID: "c1", UserID: 42})
	store.Passkeys().Create(ctx, repository.PasskeyCredential{CredentialID: "c2", UserID: 42})
	store.Passkeys().Create(ctx, repository.PasskeyCredential{CredentialID: "c3", UserID: 7})

	creds, err := store.Passkeys().ListByUser(ctx, 42)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(creds) != 2 {
		t.Fatalf("expected 2 credentials for user 42, got %d", len(creds))
	}
}
