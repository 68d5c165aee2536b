package valueobject

import "testing"

func TestHashedPasswordVerify(t *testing.T) {
	hp, err := NewHashedPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := hp.Verify("correct horse battery staple"); err != nil {
		t.Fatalf("expected match: %v", err)
	}
	if err := hp.Verify("wrong password"); err == nil {
		t.Fatalf("expected mismatch error")
	}
}

func TestHashedPasswordRejectsOverlong(t *testing.T) {
	long := make([]byte, maxRawPasswordLength+1)
	for i := range long {
		long[i] = 'a'
	}
	if _, err := NewHashedPassword(string(long)); err != ErrPasswordTooLong {
		t.Fatalf("expected ErrPasswordTooLong, got %v", err)
	}
}

func TestHashedPasswordAtMaxLengthBoundary(t *testing.T) {
	at := make([]byte, maxRawPasswordLength)
	for i := range at {
		at[i] = 'a'
	}
	if _, err := NewHashedPassword(string(at)); err != nil {
		t.Fatalf("expected password at exactly max length to be accepted: %v", err)
	}
}

func TestZeroHashedPasswordNeverMatches(t *testing.T) {
	var hp HashedPassword
	if err := hp.Verify("anything"); err == nil {
		t.Fatalf("expected zero-value hash to never verify")
	}
}
