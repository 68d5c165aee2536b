package memory

import (
	"context"
	"testing"
	"time"

	"github.com/amlume/identity/repository"
)

func TestAuthorizationRevokeFamilyRevokesAllRotations(t *testing.T) {
	ctx := context.Background()
	store := New()

	family := "family-1"
	first := repository.OAuth2Authorization{
		ID:              "auth-1",
		RefreshFamilyID: family,
		RefreshToken:    &repository.TokenRecord{ValueHash: "r1"},
	}
	second := repository.OAuth2Authorization{
		ID:              "auth-2",
		RefreshFamilyID: family,
		RefreshToken:    &repository.TokenRecord{ValueHash: "r2"},
	}
	if err := store.Authorizations().Create(ctx, first); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := store.Authorizations().Create(ctx, second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := store.Authorizations().RevokeFamily(ctx, family); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got1, _ := store.Authorizations().GetByID(ctx, "auth-1")
	got2, _ := store.Authorizations().GetByID(ctx, "auth-2")
	if !got1.RefreshToken.Revoked || !got2.RefreshToken.Revoked {
		t.Fatalf("expected every token in the family revoked, got %+v %+v", got1, got2)
	}
}

func TestAuthorizationDeleteExpired(t *testing.T) {
	ctx := context.Background()
	store := New()
	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)

	store.Authorizations().Create(ctx, repository.OAuth2Authorization{
		ID:           "expired",
		RefreshToken: &repository.TokenRecord{ExpiresAt: past},
	})
	store.Authorizations().Create(ctx, repository.OAuth2Authorization{
		ID:           "live",
		RefreshToken: &repository.TokenRecord{ExpiresAt: future},
	})

	count, err := store.Authorizations().DeleteExpired(ctx, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one expired authorization removed, got %d", count)
	}
	if _, err := store.Authorizations().GetByID(ctx, "live"); err != nil {
		t.Fatalf("expected live authorization to remain: %v", err)
	}
}
