package risk

import (
	"context"
	"testing"

	"github.com/amlume/identity/repository/memory"
)

func TestDeviceTrustPromotesAfterNLogins(t *testing.T) {
	store := memory.New()
	dt := NewDeviceTrust(store.DeviceFingerprints(), 2)
	ctx := context.Background()
	obs := Observation{FingerprintHash: "hash1", UserVerified: true}

	trusted, isNew, err := dt.RecordLogin(ctx, 1, obs)
	if err != nil {
		t.Fatalf("record login 1: %v", err)
	}
	if !isNew {
		t.Fatal("expected first observation to be new")
	}
	if trusted {
		t.Fatal("should not be trusted after 1 login when threshold is 2")
	}

	trusted, isNew, err = dt.RecordLogin(ctx, 1, obs)
	if err != nil {
		t.Fatalf("record login 2: %v", err)
	}
	if isNew {
		t.Fatal("second observation of the same fingerprint should not be new")
	}
	if !trusted {
		t.Fatal("expected trust after reaching threshold")
	}
}

func TestDeviceTrustExplicitTrust(t *testing.T) {
	store := memory.New()
	dt := NewDeviceTrust(store.DeviceFingerprints(), 10)
	ctx := context.Background()
	_, _, _ = dt.RecordLogin(ctx, 2, Observation{FingerprintHash: "hash2"})
	if err := dt.Trust(ctx, 2, "hash2"); err != nil {
		t.Fatalf("trust: %v", err)
	}
	known, err := dt.IsKnown(ctx, 2, "hash2")
	if err != nil || !known {
		t.Fatalf("known = %v, err = %v", known, err)
	}
}

func TestDeviceTrustDeactivateStopsMatching(t *testing.T) {
	store := memory.New()
	dt := NewDeviceTrust(store.DeviceFingerprints(), 1)
	ctx := context.Background()
	_, _, _ = dt.RecordLogin(ctx, 3, Observation{FingerprintHash: "hash3"})
	if err := dt.Deactivate(ctx, 3, "hash3"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	known, err := dt.IsKnown(ctx, 3, "hash3")
	if err != nil {
		t.Fatalf("is known: %v", err)
	}
	if known {
		t.Fatal("deactivated fingerprint should not be reported as known")
	}
}
