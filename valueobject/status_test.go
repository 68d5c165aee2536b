package valueobject

import (
	"testing"
	"time"
)

func TestLockoutAtThresholdBoundary(t *testing.T) {
	now := time.Now()
	s := NewAccountStatus(now)
	threshold := 5
	lockoutFor := 30 * time.Minute

	// N-1 failures: still unlocked.
	for i := 0; i < threshold-1; i++ {
		s = s.WithFailedAttempt(now, threshold, lockoutFor)
	}
	if s.IsLocked(now) {
		t.Fatalf("expected account not locked after %d failures", threshold-1)
	}

	// Nth failure: locked.
	s = s.WithFailedAttempt(now, threshold, lockoutFor)
	if !s.IsLocked(now) {
		t.Fatalf("expected account locked after %d failures", threshold)
	}
	if s.FailedLoginAttempts != threshold {
		t.Fatalf("expected %d recorded attempts, got %d", threshold, s.FailedLoginAttempts)
	}

	// N+1th failure: still locked (and counter keeps climbing).
	s = s.WithFailedAttempt(now, threshold, lockoutFor)
	if !s.IsLocked(now) {
		t.Fatalf("expected account to remain locked after %d failures", threshold+1)
	}
}

func TestLockoutReleasesAfterExpiry(t *testing.T) {
	now := time.Now()
	s := NewAccountStatus(now)
	for i := 0; i < 5; i++ {
		s = s.WithFailedAttempt(now, 5, 30*time.Minute)
	}
	if !s.IsLocked(now) {
		t.Fatalf("expected locked immediately after threshold")
	}
	later := now.Add(31 * time.Minute)
	if s.IsLocked(later) {
		t.Fatalf("expected lock to have expired 31 minutes later")
	}
}

func TestSuccessfulLoginResetsCounter(t *testing.T) {
	now := time.Now()
	s := NewAccountStatus(now)
	s = s.WithFailedAttempt(now, 5, 30*time.Minute)
	s = s.WithFailedAttempt(now, 5, 30*time.Minute)
	s = s.WithSuccessfulLogin(now)
	if s.FailedLoginAttempts != 0 {
		t.Fatalf("expected counter reset, got %d", s.FailedLoginAttempts)
	}
	if s.IsLocked(now) {
		t.Fatalf("expected unlocked after successful login")
	}
}

func TestAdminUnlockClearsTimerAndCounter(t *testing.T) {
	now := time.Now()
	s := NewAccountStatus(now)
	for i := 0; i < 6; i++ {
		s = s.WithFailedAttempt(now, 5, 30*time.Minute)
	}
	s = s.WithAdminUnlock()
	if s.IsLocked(now) || s.FailedLoginAttempts != 0 || !s.LockoutExpirationTime.IsZero() {
		t.Fatalf("expected admin unlock to fully clear lock state, got %+v", s)
	}
}
